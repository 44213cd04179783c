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

// Package vault implements remote.KeyService on the HashiCorp Vault
// Transit secrets engine.
//
// Handles name a Transit key, optionally pinned to a version with
// "name:version". Unpinned handles sign with the latest version.
package vault

import (
	"context"
	"crypto"
	"crypto/ed25519"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"

	vault "github.com/hashicorp/vault/api"

	"github.com/jeremyhahn/go-keysign/pkg/adapters/logger"
	"github.com/jeremyhahn/go-keysign/pkg/signing"
	"github.com/jeremyhahn/go-keysign/pkg/signing/remote"
	"github.com/jeremyhahn/go-keysign/pkg/types"
)

// Backend implements remote.KeyService for the Vault Transit engine.
type Backend struct {
	config  *Config
	logical LogicalClient
	logger  logger.Logger
	mu      sync.RWMutex
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

// NewBackend creates a Transit key service backed by a Vault API client.
func NewBackend(config *Config, opts ...Option) (*Backend, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	client, err := newVaultClient(config)
	if err != nil {
		return nil, fmt.Errorf("vault: create client: %w", err)
	}
	return newBackend(config, client.Logical(), opts), nil
}

// NewBackendWithClient creates a new Vault backend with a custom client (for testing).
func NewBackendWithClient(config *Config, logical LogicalClient, opts ...Option) (*Backend, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	if logical == nil {
		return nil, ErrNotInitialized
	}
	return newBackend(config, logical, opts), nil
}

func newBackend(config *Config, logical LogicalClient, opts []Option) *Backend {
	b := &Backend{
		config:  config,
		logical: logical,
		logger:  logger.NewNoOp(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Name returns the backend type.
func (b *Backend) Name() string {
	return types.BackendVault.String()
}

// GetKeyMetadata reads the Transit key and returns the public key of the
// pinned or latest version.
func (b *Backend) GetKeyMetadata(ctx context.Context, handle types.KeyHandle) (*remote.KeyMetadata, error) {
	name, version, err := parseHandle(handle.String())
	if err != nil {
		return nil, remote.Permanent(err)
	}
	logical, err := b.client()
	if err != nil {
		return nil, err
	}

	path := fmt.Sprintf("%s/keys/%s", b.config.TransitPath, name)
	secret, err := logical.ReadWithContext(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("vault: read key %s: %w", name, err)
	}
	if secret == nil || secret.Data == nil {
		return nil, remote.Permanent(fmt.Errorf("%w: %s", ErrKeyNotFound, name))
	}

	keyType, _ := secret.Data["type"].(string)
	if canSign, ok := secret.Data["supports_signing"].(bool); ok && !canSign {
		return nil, fmt.Errorf("%w: transit key %s of type %s cannot sign", signing.ErrUnsupportedAlgorithm, name, keyType)
	}
	alg, err := algorithmForKeyType(keyType, b.config.RSAAlgorithm)
	if err != nil {
		return nil, err
	}

	if version == 0 {
		if version, err = intField(secret.Data, "latest_version"); err != nil {
			return nil, remote.Permanent(err)
		}
	}
	if minVersion, err := intField(secret.Data, "min_available_version"); err == nil && version < minVersion {
		return nil, remote.StaleKey(fmt.Errorf("%w: %s version %d is below minimum %d", ErrKeyVersionUnavailable, name, version, minVersion))
	}

	keys, ok := secret.Data["keys"].(map[string]interface{})
	if !ok {
		return nil, remote.Permanent(fmt.Errorf("%w: no keys data", ErrInvalidResponse))
	}
	keyData, ok := keys[strconv.Itoa(version)].(map[string]interface{})
	if !ok {
		return nil, remote.StaleKey(fmt.Errorf("%w: %s version %d", ErrKeyVersionUnavailable, name, version))
	}
	encoded, ok := keyData["public_key"].(string)
	if !ok || encoded == "" {
		return nil, remote.Permanent(fmt.Errorf("%w: no public key in response", ErrInvalidResponse))
	}

	pub, err := parsePublicKey(keyType, encoded)
	if err != nil {
		return nil, remote.Permanent(err)
	}

	if b.config.Debug {
		b.logger.Debug("fetched key metadata",
			logger.String("key", name),
			logger.Int("version", version),
			logger.String("key_type", keyType),
			logger.String("algorithm", alg.String()))
	}

	return &remote.KeyMetadata{PublicKey: pub, Algorithm: alg}, nil
}

// Sign signs the request digest with a prehashed Transit sign call. EdDSA
// and requests without an algorithm send the message itself.
func (b *Backend) Sign(ctx context.Context, req *remote.SignRequest) (*remote.SignResponse, error) {
	name, version, err := parseHandle(req.KeyHandle.String())
	if err != nil {
		return nil, remote.Permanent(err)
	}
	logical, err := b.client()
	if err != nil {
		return nil, err
	}

	path := fmt.Sprintf("%s/sign/%s", b.config.TransitPath, name)
	data := map[string]interface{}{}
	if version > 0 {
		data["key_version"] = version
	}

	if req.Digest != nil {
		hashName, err := hashAlgorithm(req.Algorithm.HashFunc())
		if err != nil {
			return nil, remote.Permanent(err)
		}
		path += "/" + hashName
		data["input"] = base64.StdEncoding.EncodeToString(req.Digest)
		data["prehashed"] = true
		if req.Algorithm.KeyAlgorithm() == x509.RSA {
			data["signature_algorithm"] = "pkcs1v15"
			if req.Algorithm.IsPSS() {
				data["signature_algorithm"] = "pss"
				// Match the salt length crypto/rsa uses for SaltLengthEqualsHash.
				data["salt_length"] = "hash"
			}
		}
	} else {
		data["input"] = base64.StdEncoding.EncodeToString(req.Message)
	}

	secret, err := logical.WriteWithContext(ctx, path, data)
	if err != nil {
		return nil, fmt.Errorf("vault: sign %s: %w", name, err)
	}
	if secret == nil || secret.Data == nil {
		return nil, remote.Transient(fmt.Errorf("%w: no signature returned", ErrInvalidResponse))
	}

	sig, signedVersion, err := parseSignature(secret.Data["signature"])
	if err != nil {
		return nil, remote.Transient(err)
	}

	return &remote.SignResponse{
		Signature: sig,
		Algorithm: req.Algorithm,
		KeyHandle: types.KeyHandle(fmt.Sprintf("%s:%d", name, signedVersion)),
	}, nil
}

// Classify maps Vault HTTP status codes onto retry classes.
func (b *Backend) Classify(err error) remote.ErrorClass {
	if errors.Is(err, ErrKeyVersionUnavailable) {
		return remote.ClassStaleKey
	}
	var respErr *vault.ResponseError
	if !errors.As(err, &respErr) {
		return remote.ClassUnknown
	}
	switch respErr.StatusCode {
	case http.StatusTooManyRequests, http.StatusPreconditionFailed,
		http.StatusInternalServerError, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return remote.ClassTransient
	case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden,
		http.StatusNotFound, http.StatusMethodNotAllowed:
		return remote.ClassPermanent
	default:
		return remote.ClassUnknown
	}
}

// Close detaches the client. Later calls fail with ErrNotInitialized.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.logical = nil
	return nil
}

func (b *Backend) client() (LogicalClient, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.logical == nil {
		return nil, remote.Permanent(ErrNotInitialized)
	}
	return b.logical, nil
}

// algorithmForKeyType maps a Transit key type to its JWS algorithm.
func algorithmForKeyType(keyType string, rsaPref types.SigningAlgorithm) (types.SigningAlgorithm, error) {
	switch keyType {
	case "ecdsa-p256":
		return types.ES256, nil
	case "ecdsa-p384":
		return types.ES384, nil
	case "ecdsa-p521":
		return types.ES512, nil
	case "ed25519":
		return types.EdDSA, nil
	case "rsa-2048", "rsa-3072", "rsa-4096":
		if rsaPref != "" {
			return rsaPref, nil
		}
		return types.RS256, nil
	default:
		return "", fmt.Errorf("%w: transit key type %q", signing.ErrUnsupportedAlgorithm, keyType)
	}
}

func hashAlgorithm(hash crypto.Hash) (string, error) {
	switch hash {
	case crypto.SHA256:
		return "sha2-256", nil
	case crypto.SHA384:
		return "sha2-384", nil
	case crypto.SHA512:
		return "sha2-512", nil
	default:
		return "", fmt.Errorf("%w: unsupported hash: %v", signing.ErrUnsupportedAlgorithm, hash)
	}
}

// parsePublicKey decodes a Transit public key. Ed25519 keys are returned as
// base64, everything else as PEM.
func parsePublicKey(keyType, encoded string) (crypto.PublicKey, error) {
	if keyType == "ed25519" {
		raw, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, fmt.Errorf("%w: ed25519 public key: %v", ErrInvalidResponse, err)
		}
		if len(raw) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("%w: ed25519 public key length %d", ErrInvalidResponse, len(raw))
		}
		return ed25519.PublicKey(raw), nil
	}
	return signing.ParsePublicKeyPEM([]byte(encoded))
}

// parseSignature splits "vault:v<version>:<base64>".
func parseSignature(v interface{}) ([]byte, int, error) {
	s, ok := v.(string)
	if !ok {
		return nil, 0, fmt.Errorf("%w: no signature in response", ErrInvalidResponse)
	}
	parts := strings.SplitN(s, ":", 3)
	if len(parts) != 3 || parts[0] != "vault" || !strings.HasPrefix(parts[1], "v") {
		return nil, 0, fmt.Errorf("%w: invalid signature format", ErrInvalidResponse)
	}
	version, err := strconv.Atoi(strings.TrimPrefix(parts[1], "v"))
	if err != nil {
		return nil, 0, fmt.Errorf("%w: invalid signature version %q", ErrInvalidResponse, parts[1])
	}
	sig, err := base64.StdEncoding.DecodeString(parts[2])
	if err != nil {
		return nil, 0, fmt.Errorf("%w: decode signature: %v", ErrInvalidResponse, err)
	}
	return sig, version, nil
}

// intField reads a number from secret data, which the API client decodes
// as json.Number.
func intField(data map[string]interface{}, key string) (int, error) {
	v, ok := data[key]
	if !ok {
		return 0, fmt.Errorf("%w: no %s", ErrInvalidResponse, key)
	}
	n, err := strconv.Atoi(fmt.Sprint(v))
	if err != nil {
		return 0, fmt.Errorf("%w: %s is %v", ErrInvalidResponse, key, v)
	}
	return n, nil
}

var (
	_ remote.KeyService      = (*Backend)(nil)
	_ remote.ErrorClassifier = (*Backend)(nil)
)
