// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-keysign.
//
// go-keysign is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

// Package awskms implements remote.KeyService on AWS Key Management Service.
//
// The SDK's own retryer is disabled; retries belong to remote.Signer so a
// single policy bounds every attempt.
package awskms

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	awstypes "github.com/aws/aws-sdk-go-v2/service/kms/types"
	"github.com/aws/smithy-go"

	"github.com/jeremyhahn/go-keysign/pkg/adapters/logger"
	"github.com/jeremyhahn/go-keysign/pkg/signing/remote"
	"github.com/jeremyhahn/go-keysign/pkg/types"
)

// KMSClient defines the subset of the AWS KMS API used for signing.
// This interface allows us to mock KMS operations for testing.
type KMSClient interface {
	DescribeKey(ctx context.Context, params *kms.DescribeKeyInput, optFns ...func(*kms.Options)) (*kms.DescribeKeyOutput, error)
	GetPublicKey(ctx context.Context, params *kms.GetPublicKeyInput, optFns ...func(*kms.Options)) (*kms.GetPublicKeyOutput, error)
	Sign(ctx context.Context, params *kms.SignInput, optFns ...func(*kms.Options)) (*kms.SignOutput, error)
}

// Backend implements remote.KeyService for AWS KMS.
type Backend struct {
	config *Config
	client KMSClient
	logger logger.Logger
	closed bool
	mu     sync.RWMutex
}

// Option configures a Backend.
type Option func(*Backend)

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return func(b *Backend) {
		if l != nil {
			b.logger = l
		}
	}
}

// NewBackend creates a new AWS KMS backend. The SDK client is created on
// first use so construction never touches the network.
func NewBackend(config *Config, opts ...Option) (*Backend, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return newBackend(config, nil, opts), nil
}

// NewBackendWithClient creates a new AWS KMS backend with a custom client.
// This is primarily used for testing with mock clients.
func NewBackendWithClient(config *Config, client KMSClient, opts ...Option) (*Backend, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	if client == nil {
		return nil, ErrNotInitialized
	}
	return newBackend(config, client, opts), nil
}

func newBackend(config *Config, client KMSClient, opts []Option) *Backend {
	b := &Backend{
		config: config,
		client: client,
		logger: logger.NewNoOp(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// initClient initializes the AWS KMS client if not already initialized.
func (b *Backend) initClient(ctx context.Context) (KMSClient, error) {
	b.mu.RLock()
	client, closed := b.client, b.closed
	b.mu.RUnlock()
	if closed {
		return nil, remote.Permanent(ErrNotInitialized)
	}
	if client != nil {
		return client, nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, remote.Permanent(ErrNotInitialized)
	}
	if b.client != nil {
		return b.client, nil
	}

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(b.config.Region),
	}
	if b.config.Profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(b.config.Profile))
	}
	// Use static credentials if provided
	if b.config.AccessKeyID != "" && b.config.SecretAccessKey != "" {
		creds := credentials.NewStaticCredentialsProvider(
			b.config.AccessKeyID,
			b.config.SecretAccessKey,
			b.config.SessionToken,
		)
		opts = append(opts, awsconfig.WithCredentialsProvider(creds))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	b.client = kms.NewFromConfig(cfg, func(o *kms.Options) {
		o.Retryer = aws.NopRetryer{}
		if b.config.Endpoint != "" {
			o.BaseEndpoint = aws.String(b.config.Endpoint)
		}
	})
	return b.client, nil
}

// Name returns the backend type.
func (b *Backend) Name() string {
	return types.BackendAWSKMS.String()
}

// GetKeyMetadata describes the key and fetches its public key. Keys that
// are disabled or pending deletion are reported as stale.
func (b *Backend) GetKeyMetadata(ctx context.Context, handle types.KeyHandle) (*remote.KeyMetadata, error) {
	keyID, err := b.config.ResolveKeyID(handle.String())
	if err != nil {
		return nil, remote.Permanent(err)
	}
	client, err := b.initClient(ctx)
	if err != nil {
		return nil, err
	}

	desc, err := client.DescribeKey(ctx, &kms.DescribeKeyInput{KeyId: aws.String(keyID)})
	if err != nil {
		return nil, fmt.Errorf("awskms: describe key %s: %w", keyID, err)
	}
	if md := desc.KeyMetadata; md != nil {
		if md.KeyState != awstypes.KeyStateEnabled {
			return nil, remote.StaleKey(fmt.Errorf("%w: %s is %s", ErrKeyNotEnabled, keyID, md.KeyState))
		}
		if md.KeyUsage != "" && md.KeyUsage != awstypes.KeyUsageTypeSignVerify {
			return nil, remote.Permanent(fmt.Errorf("%w: %s is %s", ErrInvalidKeyUsage, keyID, md.KeyUsage))
		}
	}

	out, err := client.GetPublicKey(ctx, &kms.GetPublicKeyInput{KeyId: aws.String(keyID)})
	if err != nil {
		return nil, fmt.Errorf("awskms: get public key %s: %w", keyID, err)
	}

	alg, err := algorithmForKey(out.KeySpec, out.SigningAlgorithms, b.config.RSAAlgorithm)
	if err != nil {
		return nil, err
	}

	pub, err := x509.ParsePKIXPublicKey(out.PublicKey)
	if err != nil {
		return nil, remote.Permanent(fmt.Errorf("awskms: public key of %s: %w", keyID, err))
	}

	if b.config.Debug {
		b.logger.Debug("fetched key metadata",
			logger.String("key_id", aws.ToString(out.KeyId)),
			logger.String("key_spec", string(out.KeySpec)),
			logger.String("algorithm", alg.String()))
	}

	return &remote.KeyMetadata{PublicKey: pub, Algorithm: alg}, nil
}

// Sign signs the digest of the request, or the raw message for algorithms
// without a digest. ECDSA signatures are returned in ASN.1 DER.
func (b *Backend) Sign(ctx context.Context, req *remote.SignRequest) (*remote.SignResponse, error) {
	keyID, err := b.config.ResolveKeyID(req.KeyHandle.String())
	if err != nil {
		return nil, remote.Permanent(err)
	}
	spec, err := SigningAlgorithmSpec(req.Algorithm)
	if err != nil {
		return nil, err
	}
	client, err := b.initClient(ctx)
	if err != nil {
		return nil, err
	}

	in := &kms.SignInput{
		KeyId:            aws.String(keyID),
		SigningAlgorithm: spec,
	}
	if req.Digest != nil {
		in.Message = req.Digest
		in.MessageType = awstypes.MessageTypeDigest
	} else {
		in.Message = req.Message
		in.MessageType = awstypes.MessageTypeRaw
	}

	out, err := client.Sign(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("awskms: sign %s: %w", keyID, err)
	}

	alg := req.Algorithm
	if out.SigningAlgorithm != "" {
		if alg, err = AlgorithmFor(out.SigningAlgorithm); err != nil {
			return nil, err
		}
	}
	signedBy := aws.ToString(out.KeyId)
	if signedBy == "" {
		signedBy = keyID
	}
	return &remote.SignResponse{
		Signature: out.Signature,
		Algorithm: alg,
		KeyHandle: types.KeyHandle(signedBy),
	}, nil
}

// Classify maps KMS exceptions and HTTP status codes onto retry classes.
func (b *Backend) Classify(err error) remote.ErrorClass {
	var (
		disabled     *awstypes.DisabledException
		invalidState *awstypes.KMSInvalidStateException
		notFound     *awstypes.NotFoundException
		keyUsage     *awstypes.InvalidKeyUsageException
		invalidArn   *awstypes.InvalidArnException
		unsupported  *awstypes.UnsupportedOperationException
		grantToken   *awstypes.InvalidGrantTokenException
		unavailable  *awstypes.KeyUnavailableException
		dependency   *awstypes.DependencyTimeoutException
		internal     *awstypes.KMSInternalException
		limit        *awstypes.LimitExceededException
	)
	switch {
	case errors.Is(err, ErrKeyNotEnabled),
		errors.As(err, &disabled),
		errors.As(err, &invalidState):
		return remote.ClassStaleKey
	case errors.As(err, &notFound),
		errors.As(err, &keyUsage),
		errors.As(err, &invalidArn),
		errors.As(err, &unsupported),
		errors.As(err, &grantToken):
		return remote.ClassPermanent
	case errors.As(err, &unavailable),
		errors.As(err, &dependency),
		errors.As(err, &internal),
		errors.As(err, &limit):
		return remote.ClassTransient
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ThrottlingException", "RequestLimitExceeded", "ServiceUnavailable", "InternalFailure":
			return remote.ClassTransient
		case "AccessDeniedException", "UnrecognizedClientException", "IncompleteSignature",
			"InvalidSignatureException", "ValidationException", "ExpiredTokenException":
			return remote.ClassPermanent
		}
		if apiErr.ErrorFault() == smithy.FaultServer {
			return remote.ClassTransient
		}
	}

	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		switch code := respErr.HTTPStatusCode(); {
		case code == http.StatusTooManyRequests, code >= 500:
			return remote.ClassTransient
		case code >= 400:
			return remote.ClassPermanent
		}
	}
	return remote.ClassUnknown
}

// Close releases the client. The SDK client holds no resources that need
// closing.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.client = nil
	b.closed = true
	return nil
}

var (
	_ remote.KeyService      = (*Backend)(nil)
	_ remote.ErrorClassifier = (*Backend)(nil)
)
