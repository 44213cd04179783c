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

// Package azurekv implements remote.KeyService on Azure Key Vault keys.
//
// Key Vault signs digests only, so EdDSA is not offered. ECDSA signatures
// come back in the JWS R||S form.
package azurekv

import (
	"context"
	"crypto"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/security/keyvault/azkeys"
	"github.com/go-jose/go-jose/v4"

	"github.com/jeremyhahn/go-keysign/pkg/adapters/logger"
	"github.com/jeremyhahn/go-keysign/pkg/signing"
	"github.com/jeremyhahn/go-keysign/pkg/signing/remote"
	"github.com/jeremyhahn/go-keysign/pkg/types"
)

// KeysClient defines the Azure Key Vault key operations used for signing.
// *azkeys.Client satisfies it.
type KeysClient interface {
	GetKey(ctx context.Context, name, version string, options *azkeys.GetKeyOptions) (azkeys.GetKeyResponse, error)
	Sign(ctx context.Context, name, version string, parameters azkeys.SignParameters, options *azkeys.SignOptions) (azkeys.SignResponse, error)
}

var signatureAlgorithms = map[types.SigningAlgorithm]azkeys.SignatureAlgorithm{
	types.RS256: azkeys.SignatureAlgorithmRS256,
	types.RS384: azkeys.SignatureAlgorithmRS384,
	types.RS512: azkeys.SignatureAlgorithmRS512,
	types.PS256: azkeys.SignatureAlgorithmPS256,
	types.PS384: azkeys.SignatureAlgorithmPS384,
	types.PS512: azkeys.SignatureAlgorithmPS512,
	types.ES256: azkeys.SignatureAlgorithmES256,
	types.ES384: azkeys.SignatureAlgorithmES384,
	types.ES512: azkeys.SignatureAlgorithmES512,
}

// Backend implements remote.KeyService for Azure Key Vault.
type Backend struct {
	config *Config
	client KeysClient
	logger logger.Logger
	now    func() time.Time
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

// WithClock overrides the clock used to check key validity windows.
func WithClock(now func() time.Time) Option {
	return func(b *Backend) {
		if now != nil {
			b.now = now
		}
	}
}

// NewBackend creates a new Azure Key Vault backend. The client and its
// credential are created on first use.
func NewBackend(config *Config, opts ...Option) (*Backend, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return newBackend(config, nil, opts), nil
}

// NewBackendWithClient creates a new Azure Key Vault backend with a custom client.
// This is primarily used for testing with mock clients.
func NewBackendWithClient(config *Config, client KeysClient, opts ...Option) (*Backend, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	if client == nil {
		return nil, ErrNotInitialized
	}
	return newBackend(config, client, opts), nil
}

func newBackend(config *Config, client KeysClient, opts []Option) *Backend {
	b := &Backend{
		config: config,
		client: client,
		logger: logger.NewNoOp(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// initClient initializes the Azure Key Vault client if not already initialized.
func (b *Backend) initClient() (KeysClient, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, remote.Permanent(ErrNotInitialized)
	}
	if b.client != nil {
		return b.client, nil
	}

	var (
		cred azcore.TokenCredential
		err  error
	)
	if b.config.ClientID != "" && b.config.ClientSecret != "" && b.config.TenantID != "" {
		// Use ClientSecretCredential for service principal authentication
		cred, err = azidentity.NewClientSecretCredential(
			b.config.TenantID,
			b.config.ClientID,
			b.config.ClientSecret,
			&azidentity.ClientSecretCredentialOptions{AdditionallyAllowedTenants: []string{"*"}},
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create client secret credential: %w", err)
		}
	} else {
		// Use DefaultAzureCredential for managed identity or other auth methods
		cred, err = azidentity.NewDefaultAzureCredential(
			&azidentity.DefaultAzureCredentialOptions{AdditionallyAllowedTenants: []string{"*"}},
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create Azure credential: %w", err)
		}
	}

	client, err := azkeys.NewClient(b.config.VaultURL, cred, &azkeys.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			// One try per call; the remote signer owns retries.
			Retry: policy.RetryOptions{MaxRetries: -1},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Azure Key Vault client: %w", err)
	}
	b.client = client
	return b.client, nil
}

// Name returns the backend type.
func (b *Backend) Name() string {
	return types.BackendAzureKV.String()
}

// GetKeyMetadata fetches the key and converts its JWK to a public key.
// Disabled, expired and not-yet-valid keys are reported as stale.
func (b *Backend) GetKeyMetadata(ctx context.Context, handle types.KeyHandle) (*remote.KeyMetadata, error) {
	name, version, err := parseHandle(handle.String())
	if err != nil {
		return nil, remote.Permanent(err)
	}
	client, err := b.initClient()
	if err != nil {
		return nil, err
	}

	resp, err := client.GetKey(ctx, name, version, nil)
	if err != nil {
		return nil, fmt.Errorf("azurekv: get key %s: %w", name, err)
	}
	if err := b.checkAttributes(name, resp.Attributes); err != nil {
		return nil, err
	}
	key := resp.Key
	if key == nil || key.Kty == nil {
		return nil, remote.Permanent(fmt.Errorf("azurekv: key %s has no key material", name))
	}
	if len(key.KeyOps) > 0 && !slices.ContainsFunc(key.KeyOps, func(op *azkeys.KeyOperation) bool {
		return op != nil && *op == azkeys.KeyOperationSign
	}) {
		return nil, remote.Permanent(fmt.Errorf("%w: %s", ErrInvalidKeyUsage, name))
	}

	alg, err := algorithmForKey(key, b.config.RSAAlgorithm)
	if err != nil {
		return nil, err
	}
	pub, err := publicKey(key)
	if err != nil {
		return nil, remote.Permanent(fmt.Errorf("azurekv: public key of %s: %w", name, err))
	}

	if b.config.Debug {
		b.logger.Debug("fetched key metadata",
			logger.String("key", name),
			logger.String("kty", string(*key.Kty)),
			logger.String("algorithm", alg.String()))
	}

	return &remote.KeyMetadata{PublicKey: pub, Algorithm: alg}, nil
}

func (b *Backend) checkAttributes(name string, attrs *azkeys.KeyAttributes) error {
	if attrs == nil {
		return nil
	}
	now := b.now()
	switch {
	case attrs.Enabled != nil && !*attrs.Enabled:
		return remote.StaleKey(fmt.Errorf("%w: %s is disabled", ErrKeyNotEnabled, name))
	case attrs.Expires != nil && now.After(*attrs.Expires):
		return remote.StaleKey(fmt.Errorf("%w: %s expired at %s", ErrKeyNotEnabled, name, attrs.Expires.Format(time.RFC3339)))
	case attrs.NotBefore != nil && now.Before(*attrs.NotBefore):
		return remote.StaleKey(fmt.Errorf("%w: %s not valid before %s", ErrKeyNotEnabled, name, attrs.NotBefore.Format(time.RFC3339)))
	}
	return nil
}

// Sign signs the request digest.
func (b *Backend) Sign(ctx context.Context, req *remote.SignRequest) (*remote.SignResponse, error) {
	name, version, err := parseHandle(req.KeyHandle.String())
	if err != nil {
		return nil, remote.Permanent(err)
	}
	sigAlg, ok := signatureAlgorithms[req.Algorithm]
	if !ok {
		return nil, fmt.Errorf("%w: %q on Azure Key Vault", signing.ErrUnsupportedAlgorithm, req.Algorithm)
	}
	if req.Digest == nil {
		return nil, remote.Permanent(ErrDigestRequired)
	}
	client, err := b.initClient()
	if err != nil {
		return nil, err
	}

	resp, err := client.Sign(ctx, name, version, azkeys.SignParameters{
		Algorithm: &sigAlg,
		Value:     req.Digest,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("azurekv: sign %s: %w", name, err)
	}

	signedBy := name
	if resp.KID != nil {
		signedBy = resp.KID.Name() + "/" + resp.KID.Version()
	}
	return &remote.SignResponse{
		Signature: resp.Result,
		Algorithm: req.Algorithm,
		KeyHandle: types.KeyHandle(signedBy),
	}, nil
}

// Classify maps Azure response errors onto retry classes.
func (b *Backend) Classify(err error) remote.ErrorClass {
	if errors.Is(err, ErrKeyNotEnabled) {
		return remote.ClassStaleKey
	}
	var authErr *azidentity.AuthenticationFailedError
	if errors.As(err, &authErr) {
		return remote.ClassPermanent
	}
	var respErr *azcore.ResponseError
	if !errors.As(err, &respErr) {
		return remote.ClassUnknown
	}
	if respErr.ErrorCode == "KeyDisabled" {
		return remote.ClassStaleKey
	}
	switch code := respErr.StatusCode; {
	case code == http.StatusTooManyRequests, code == http.StatusRequestTimeout, code >= 500:
		return remote.ClassTransient
	case code >= 400:
		return remote.ClassPermanent
	default:
		return remote.ClassUnknown
	}
}

// Close detaches the client. Later calls fail with ErrNotInitialized.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.client = nil
	b.closed = true
	return nil
}

// algorithmForKey derives the JWS algorithm from the key type and curve.
func algorithmForKey(key *azkeys.JSONWebKey, rsaPref types.SigningAlgorithm) (types.SigningAlgorithm, error) {
	switch *key.Kty {
	case azkeys.KeyTypeEC, azkeys.KeyTypeECHSM:
		if key.Crv == nil {
			return "", fmt.Errorf("%w: EC key without curve", signing.ErrUnsupportedAlgorithm)
		}
		switch *key.Crv {
		case azkeys.CurveNameP256:
			return types.ES256, nil
		case azkeys.CurveNameP384:
			return types.ES384, nil
		case azkeys.CurveNameP521:
			return types.ES512, nil
		default:
			return "", fmt.Errorf("%w: curve %s", signing.ErrUnsupportedAlgorithm, *key.Crv)
		}
	case azkeys.KeyTypeRSA, azkeys.KeyTypeRSAHSM:
		if rsaPref != "" {
			return rsaPref, nil
		}
		return types.RS256, nil
	default:
		return "", fmt.Errorf("%w: key type %s", signing.ErrUnsupportedAlgorithm, *key.Kty)
	}
}

// publicKey converts a Key Vault JWK into a crypto.PublicKey. HSM key
// types are rewritten to their plain JWK names before parsing.
func publicKey(key *azkeys.JSONWebKey) (crypto.PublicKey, error) {
	jwk := *key
	kty := *key.Kty
	switch kty {
	case azkeys.KeyTypeECHSM:
		kty = azkeys.KeyTypeEC
	case azkeys.KeyTypeRSAHSM:
		kty = azkeys.KeyTypeRSA
	}
	jwk.Kty = &kty
	jwk.KeyOps = nil

	data, err := json.Marshal(&jwk)
	if err != nil {
		return nil, err
	}
	var parsed jose.JSONWebKey
	if err := parsed.UnmarshalJSON(data); err != nil {
		return nil, err
	}
	if !parsed.IsPublic() {
		return nil, errors.New("JWK is not a public key")
	}
	return parsed.Key, nil
}

var (
	_ remote.KeyService      = (*Backend)(nil)
	_ remote.ErrorClassifier = (*Backend)(nil)
	_ KeysClient             = (*azkeys.Client)(nil)
)
