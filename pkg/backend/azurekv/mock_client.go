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

package azurekv

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"sync"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/security/keyvault/azkeys"
	"github.com/google/uuid"

	"github.com/jeremyhahn/go-keysign/pkg/signing"
	"github.com/jeremyhahn/go-keysign/pkg/types"
)

// MockKeysClient is an in-memory KeysClient for tests. Keys registered
// with AddKey are served from memory; the Func fields override single calls.
type MockKeysClient struct {
	GetKeyFunc func(ctx context.Context, name, version string, options *azkeys.GetKeyOptions) (azkeys.GetKeyResponse, error)
	SignFunc   func(ctx context.Context, name, version string, parameters azkeys.SignParameters, options *azkeys.SignOptions) (azkeys.SignResponse, error)

	VaultURL string

	mu    sync.Mutex
	keys  map[string]*mockKey
	calls int
}

type mockKey struct {
	version string
	signer  crypto.Signer
	jwk     *azkeys.JSONWebKey
	attrs   *azkeys.KeyAttributes
}

// NewMockKeysClient returns an empty mock for vault https://test.vault.azure.net.
func NewMockKeysClient() *MockKeysClient {
	return &MockKeysClient{
		VaultURL: "https://test.vault.azure.net",
		keys:     make(map[string]*mockKey),
	}
}

// AddKey registers an enabled key and returns its version.
func (m *MockKeysClient) AddKey(name string, signer crypto.Signer) (string, error) {
	version := strings.ReplaceAll(uuid.NewString(), "-", "")
	kid := azkeys.ID(fmt.Sprintf("%s/keys/%s/%s", m.VaultURL, name, version))

	jwk := &azkeys.JSONWebKey{
		KID: &kid,
		KeyOps: []*azkeys.KeyOperation{
			to.Ptr(azkeys.KeyOperationSign),
			to.Ptr(azkeys.KeyOperationVerify),
		},
	}
	switch pub := signer.Public().(type) {
	case *ecdsa.PublicKey:
		var crv azkeys.CurveName
		switch pub.Curve {
		case elliptic.P256():
			crv = azkeys.CurveNameP256
		case elliptic.P384():
			crv = azkeys.CurveNameP384
		case elliptic.P521():
			crv = azkeys.CurveNameP521
		default:
			return "", fmt.Errorf("unsupported curve %s", pub.Curve.Params().Name)
		}
		size := (pub.Curve.Params().BitSize + 7) / 8
		jwk.Kty = to.Ptr(azkeys.KeyTypeECHSM)
		jwk.Crv = &crv
		jwk.X = pub.X.FillBytes(make([]byte, size))
		jwk.Y = pub.Y.FillBytes(make([]byte, size))
	case *rsa.PublicKey:
		jwk.Kty = to.Ptr(azkeys.KeyTypeRSA)
		jwk.N = pub.N.Bytes()
		jwk.E = big.NewInt(int64(pub.E)).Bytes()
	default:
		return "", fmt.Errorf("unsupported key type %T", pub)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.keys == nil {
		m.keys = make(map[string]*mockKey)
	}
	m.keys[name] = &mockKey{
		version: version,
		signer:  signer,
		jwk:     jwk,
		attrs:   &azkeys.KeyAttributes{Enabled: to.Ptr(true)},
	}
	return version, nil
}

// SetEnabled flips the enabled attribute of a registered key.
func (m *MockKeysClient) SetEnabled(name string, enabled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if k, ok := m.keys[name]; ok {
		k.attrs.Enabled = to.Ptr(enabled)
	}
}

// SetAttributes replaces the attributes of a registered key.
func (m *MockKeysClient) SetAttributes(name string, attrs *azkeys.KeyAttributes) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if k, ok := m.keys[name]; ok {
		k.attrs = attrs
	}
}

// SignCalls returns the number of Sign calls made so far.
func (m *MockKeysClient) SignCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func (m *MockKeysClient) key(name, version string) (*mockKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k, ok := m.keys[name]
	if !ok || (version != "" && version != k.version) {
		return nil, responseError(http.StatusNotFound, "KeyNotFound")
	}
	return k, nil
}

// GetKey returns the public JWK and attributes of a registered key.
func (m *MockKeysClient) GetKey(ctx context.Context, name, version string, options *azkeys.GetKeyOptions) (azkeys.GetKeyResponse, error) {
	if m.GetKeyFunc != nil {
		return m.GetKeyFunc(ctx, name, version, options)
	}
	k, err := m.key(name, version)
	if err != nil {
		return azkeys.GetKeyResponse{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	jwk := *k.jwk
	attrs := *k.attrs
	return azkeys.GetKeyResponse{KeyBundle: azkeys.KeyBundle{Key: &jwk, Attributes: &attrs}}, nil
}

// Sign signs the digest with the registered key. ECDSA results use the
// R||S form Key Vault returns.
func (m *MockKeysClient) Sign(ctx context.Context, name, version string, parameters azkeys.SignParameters, options *azkeys.SignOptions) (azkeys.SignResponse, error) {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()

	if m.SignFunc != nil {
		return m.SignFunc(ctx, name, version, parameters, options)
	}
	k, err := m.key(name, version)
	if err != nil {
		return azkeys.SignResponse{}, err
	}
	m.mu.Lock()
	enabled := k.attrs.Enabled == nil || *k.attrs.Enabled
	m.mu.Unlock()
	if !enabled {
		return azkeys.SignResponse{}, responseError(http.StatusForbidden, "KeyDisabled")
	}
	if parameters.Algorithm == nil {
		return azkeys.SignResponse{}, responseError(http.StatusBadRequest, "BadParameter")
	}

	alg := types.SigningAlgorithm(*parameters.Algorithm)
	if !alg.IsValid() || alg.HashFunc() == 0 || len(parameters.Value) != alg.HashFunc().Size() {
		return azkeys.SignResponse{}, responseError(http.StatusBadRequest, "BadParameter")
	}
	sig, err := k.signer.Sign(rand.Reader, parameters.Value, alg.SignerOpts())
	if err != nil {
		return azkeys.SignResponse{}, responseError(http.StatusBadRequest, "BadParameter")
	}
	if sig, err = signing.NormalizeSignature(sig, alg); err != nil {
		return azkeys.SignResponse{}, responseError(http.StatusInternalServerError, "InternalError")
	}
	return azkeys.SignResponse{KeyOperationResult: azkeys.KeyOperationResult{KID: k.jwk.KID, Result: sig}}, nil
}

func responseError(status int, code string) *azcore.ResponseError {
	return &azcore.ResponseError{StatusCode: status, ErrorCode: code}
}

var _ KeysClient = (*MockKeysClient)(nil)
