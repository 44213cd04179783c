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

// Package gcpkms implements remote.KeyService on Google Cloud KMS.
//
// Handles are crypto key version resource names, or key IDs resolved
// against the configured key ring. Requests and responses carry CRC32C
// checksums; integrity failures are reported as transient so the remote
// signer retries them.
package gcpkms

import (
	"context"
	"errors"
	"fmt"
	"hash/crc32"
	"sync"

	kms "cloud.google.com/go/kms/apiv1"
	"cloud.google.com/go/kms/apiv1/kmspb"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/jeremyhahn/go-keysign/pkg/adapters/logger"
	"github.com/jeremyhahn/go-keysign/pkg/signing"
	"github.com/jeremyhahn/go-keysign/pkg/signing/remote"
	"github.com/jeremyhahn/go-keysign/pkg/types"
)

// KMSClient defines the subset of the GCP KMS API used for signing.
// This interface allows for mocking in tests.
type KMSClient interface {
	GetCryptoKeyVersion(ctx context.Context, req *kmspb.GetCryptoKeyVersionRequest, opts ...interface{}) (*kmspb.CryptoKeyVersion, error)
	GetPublicKey(ctx context.Context, req *kmspb.GetPublicKeyRequest, opts ...interface{}) (*kmspb.PublicKey, error)
	AsymmetricSign(ctx context.Context, req *kmspb.AsymmetricSignRequest, opts ...interface{}) (*kmspb.AsymmetricSignResponse, error)
	Close() error
}

// realKMSClient wraps the actual GCP KMS client to implement our interface.
type realKMSClient struct {
	*kms.KeyManagementClient
}

func (r *realKMSClient) GetCryptoKeyVersion(ctx context.Context, req *kmspb.GetCryptoKeyVersionRequest, opts ...interface{}) (*kmspb.CryptoKeyVersion, error) {
	return r.KeyManagementClient.GetCryptoKeyVersion(ctx, req)
}

func (r *realKMSClient) GetPublicKey(ctx context.Context, req *kmspb.GetPublicKeyRequest, opts ...interface{}) (*kmspb.PublicKey, error) {
	return r.KeyManagementClient.GetPublicKey(ctx, req)
}

func (r *realKMSClient) AsymmetricSign(ctx context.Context, req *kmspb.AsymmetricSignRequest, opts ...interface{}) (*kmspb.AsymmetricSignResponse, error) {
	return r.KeyManagementClient.AsymmetricSign(ctx, req)
}

// Backend implements remote.KeyService using Google Cloud KMS.
type Backend struct {
	config *Config
	client KMSClient
	logger logger.Logger
	mu     sync.RWMutex
}

// Option configures a Backend.
type Option func(*Backend)

// WithLogger sets the logger. Request details are logged at debug level
// when Config.Debug is set.
func WithLogger(l logger.Logger) Option {
	return func(b *Backend) {
		if l != nil {
			b.logger = l
		}
	}
}

// NewBackend creates a new GCP KMS backend with the provided configuration.
// It initializes the KMS client and validates the configuration.
func NewBackend(ctx context.Context, config *Config, opts ...Option) (*Backend, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	// Build client options
	var clientOpts []option.ClientOption

	// Add credentials if provided
	if len(config.CredentialsJSON) > 0 {
		clientOpts = append(clientOpts, option.WithCredentialsJSON(config.CredentialsJSON))
	} else if config.CredentialsFile != "" {
		clientOpts = append(clientOpts, option.WithCredentialsFile(config.CredentialsFile))
	}

	// Add custom endpoint if provided (for testing with emulator)
	if config.Endpoint != "" {
		clientOpts = append(clientOpts, option.WithEndpoint(config.Endpoint))
	}

	kmsClient, err := kms.NewKeyManagementClient(ctx, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create KMS client: %w", err)
	}

	return newBackend(config, &realKMSClient{KeyManagementClient: kmsClient}, opts), nil
}

// NewBackendWithClient creates a new GCP KMS backend with a custom KMS client.
// This is primarily used for testing with mock clients.
func NewBackendWithClient(config *Config, client KMSClient, opts ...Option) (*Backend, error) {
	if err := config.Validate(); err != nil {
		return nil, err
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

// Name returns the backend type.
func (b *Backend) Name() string {
	return types.BackendGCPKMS.String()
}

// GetKeyMetadata fetches the key version state, algorithm and public key.
// A version that is not enabled is reported as a stale key.
func (b *Backend) GetKeyMetadata(ctx context.Context, handle types.KeyHandle) (*remote.KeyMetadata, error) {
	client, err := b.getClient()
	if err != nil {
		return nil, err
	}
	name, err := b.config.CryptoKeyVersionName(handle.String())
	if err != nil {
		return nil, remote.Permanent(err)
	}

	version, err := client.GetCryptoKeyVersion(ctx, &kmspb.GetCryptoKeyVersionRequest{Name: name})
	if err != nil {
		return nil, fmt.Errorf("gcpkms: get crypto key version %s: %w", name, err)
	}
	if version.GetState() != kmspb.CryptoKeyVersion_ENABLED {
		return nil, remote.StaleKey(fmt.Errorf("%w: %s is %s", ErrKeyVersionNotEnabled, name, version.GetState()))
	}

	alg, err := AlgorithmFor(version.GetAlgorithm())
	if err != nil {
		return nil, err
	}

	pk, err := client.GetPublicKey(ctx, &kmspb.GetPublicKeyRequest{Name: name})
	if err != nil {
		return nil, fmt.Errorf("gcpkms: get public key %s: %w", name, err)
	}
	if pk.GetPemCrc32C() != nil && pk.GetPemCrc32C().GetValue() != int64(crc32c([]byte(pk.GetPem()))) {
		return nil, remote.Transient(fmt.Errorf("%w: public key PEM", ErrChecksumMismatch))
	}

	pub, err := signing.ParsePublicKeyPEM([]byte(pk.GetPem()))
	if err != nil {
		return nil, remote.Permanent(fmt.Errorf("gcpkms: public key of %s: %w", name, err))
	}

	if b.config.Debug {
		b.logger.Debug("fetched key metadata",
			logger.String("key_version", name),
			logger.String("kms_algorithm", version.GetAlgorithm().String()),
			logger.String("algorithm", alg.String()))
	}

	return &remote.KeyMetadata{PublicKey: pub, Algorithm: alg}, nil
}

// Sign performs an asymmetric signing operation using GCP KMS. A digest is
// sent when the request carries one; otherwise the raw message is sent and
// KMS hashes it.
func (b *Backend) Sign(ctx context.Context, req *remote.SignRequest) (*remote.SignResponse, error) {
	client, err := b.getClient()
	if err != nil {
		return nil, err
	}
	name, err := b.config.CryptoKeyVersionName(req.KeyHandle.String())
	if err != nil {
		return nil, remote.Permanent(err)
	}

	kreq := &kmspb.AsymmetricSignRequest{Name: name}
	if req.Digest != nil {
		digest, err := digestFor(req.Algorithm, req.Digest)
		if err != nil {
			return nil, remote.Permanent(err)
		}
		kreq.Digest = digest
		kreq.DigestCrc32C = wrapperspb.Int64(int64(crc32c(req.Digest)))
	} else {
		kreq.Data = req.Message
		kreq.DataCrc32C = wrapperspb.Int64(int64(crc32c(req.Message)))
	}

	resp, err := client.AsymmetricSign(ctx, kreq)
	if err != nil {
		return nil, fmt.Errorf("gcpkms: asymmetric sign %s: %w", name, err)
	}

	// The service echoes whether it received our checksum intact.
	if req.Digest != nil && !resp.GetVerifiedDigestCrc32C() {
		return nil, remote.Transient(fmt.Errorf("%w: digest not verified by service", ErrChecksumMismatch))
	}
	if req.Digest == nil && !resp.GetVerifiedDataCrc32C() {
		return nil, remote.Transient(fmt.Errorf("%w: data not verified by service", ErrChecksumMismatch))
	}
	if resp.GetSignatureCrc32C() != nil && resp.GetSignatureCrc32C().GetValue() != int64(crc32c(resp.GetSignature())) {
		return nil, remote.Transient(fmt.Errorf("%w: signature", ErrChecksumMismatch))
	}

	signedBy := resp.GetName()
	if signedBy == "" {
		signedBy = name
	}
	return &remote.SignResponse{
		Signature: resp.GetSignature(),
		Algorithm: req.Algorithm,
		KeyHandle: types.KeyHandle(signedBy),
	}, nil
}

// Classify maps gRPC status codes onto retry classes.
func (b *Backend) Classify(err error) remote.ErrorClass {
	if errors.Is(err, ErrKeyVersionNotEnabled) {
		return remote.ClassStaleKey
	}
	st, ok := status.FromError(err)
	if !ok {
		return remote.ClassUnknown
	}
	switch st.Code() {
	case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted,
		codes.Aborted, codes.Internal, codes.Unknown, codes.Canceled:
		return remote.ClassTransient
	case codes.FailedPrecondition:
		// Key version disabled, destroyed or pending generation.
		return remote.ClassStaleKey
	case codes.NotFound, codes.PermissionDenied, codes.Unauthenticated,
		codes.InvalidArgument, codes.OutOfRange, codes.Unimplemented, codes.AlreadyExists:
		return remote.ClassPermanent
	default:
		return remote.ClassUnknown
	}
}

// Close closes the KMS client and releases resources.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.client == nil {
		return nil
	}
	err := b.client.Close()
	b.client = nil
	return err
}

func (b *Backend) getClient() (KMSClient, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.client == nil {
		return nil, remote.Permanent(ErrNotInitialized)
	}
	return b.client, nil
}

// crc32c computes the CRC32C checksum used by GCP KMS for data integrity.
// Uses the Castagnoli polynomial as required by GCP KMS.
func crc32c(data []byte) uint32 {
	return crc32.Checksum(data, crc32cTable)
}

var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

var (
	_ remote.KeyService      = (*Backend)(nil)
	_ remote.ErrorClassifier = (*Backend)(nil)
)
