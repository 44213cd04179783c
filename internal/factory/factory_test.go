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

package factory

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"

	"cloud.google.com/go/kms/apiv1/kmspb"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/youmark/pkcs8"

	"github.com/jeremyhahn/go-keysign/internal/config"
	"github.com/jeremyhahn/go-keysign/pkg/adapters/logger"
	"github.com/jeremyhahn/go-keysign/pkg/backend/awskms"
	"github.com/jeremyhahn/go-keysign/pkg/backend/azurekv"
	"github.com/jeremyhahn/go-keysign/pkg/backend/gcpkms"
	"github.com/jeremyhahn/go-keysign/pkg/encoding/jws"
	"github.com/jeremyhahn/go-keysign/pkg/metrics"
	"github.com/jeremyhahn/go-keysign/pkg/secrets"
	secretsgcp "github.com/jeremyhahn/go-keysign/pkg/secrets/gcpsm"
	"github.com/jeremyhahn/go-keysign/pkg/signing"
	"github.com/jeremyhahn/go-keysign/pkg/signing/remote"
	"github.com/jeremyhahn/go-keysign/pkg/types"
)

func baseConfig(backend types.BackendType) *config.Config {
	return &config.Config{
		Backend: backend,
		Retry:   remote.DefaultRetryPolicy(),
		Remote:  config.RemoteConfig{Prefetch: true},
		Logging: config.LoggingConfig{Level: "info", Format: "json"},
	}
}

func newKey(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	return key
}

func keyPEM(t *testing.T, key *ecdsa.PrivateKey) []byte {
	t.Helper()
	der, err := x509.MarshalPKCS8PrivateKey(key)
	require.NoError(t, err)
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
}

func newFactory(t *testing.T, cfg *config.Config, opts ...Option) *Factory {
	t.Helper()
	f, err := New(cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.Close() })
	return f
}

// signAndVerify produces a token through the factory's encoder and checks
// it against pub.
func signAndVerify(t *testing.T, f *Factory, pub *ecdsa.PublicKey) *jws.Header {
	t.Helper()
	ctx := context.Background()
	enc, err := f.Encoder(ctx)
	require.NoError(t, err)

	token, err := enc.Sign(ctx, []byte(`{"sub":"factory"}`))
	require.NoError(t, err)

	payload, err := jws.Verify(token, pub)
	require.NoError(t, err)
	assert.JSONEq(t, `{"sub":"factory"}`, string(payload))

	h, err := jws.ParseHeader(token)
	require.NoError(t, err)
	return h
}

func TestNew(t *testing.T) {
	_, err := New(&config.Config{Backend: "pkcs11"})
	assert.ErrorIs(t, err, config.ErrInvalidConfig)

	_, err = New(nil)
	assert.ErrorIs(t, err, config.ErrInvalidConfig)
}

func TestNewLogger(t *testing.T) {
	for _, format := range []string{"json", "console", "text", ""} {
		t.Run(format, func(t *testing.T) {
			var buf bytes.Buffer
			l, err := NewLogger(config.LoggingConfig{Level: "debug", Format: format}, &buf)
			require.NoError(t, err)
			l.Info("hello", logger.String("component", "factory"))
			assert.Contains(t, buf.String(), "hello")
		})
	}

	var buf bytes.Buffer
	l, err := NewLogger(config.LoggingConfig{Level: "error", Format: "json"}, &buf)
	require.NoError(t, err)
	l.Info("suppressed")
	assert.Empty(t, buf.String())

	_, err = NewLogger(config.LoggingConfig{Level: "loud"}, &buf)
	assert.Error(t, err)
	_, err = NewLogger(config.LoggingConfig{Format: "xml"}, &buf)
	assert.ErrorIs(t, err, config.ErrInvalidConfig)
}

func TestLocalSignerFromFile(t *testing.T) {
	key := newKey(t)
	path := filepath.Join(t.TempDir(), "key.pem")
	require.NoError(t, os.WriteFile(path, keyPEM(t, key), 0600))

	cfg := baseConfig(types.BackendLocal)
	cfg.Local.KeyFile = path
	cfg.KeyHandle = "local-1"
	cfg.JWS.Type = "JWT"
	f := newFactory(t, cfg)

	h := signAndVerify(t, f, &key.PublicKey)
	assert.Equal(t, "ES256", h.Algorithm.String())
	assert.Equal(t, "local-1", h.KeyID.String())
	assert.Equal(t, "JWT", h.Type)

	s1, err := f.Signer(context.Background())
	require.NoError(t, err)
	s2, err := f.Signer(context.Background())
	require.NoError(t, err)
	assert.Same(t, s1, s2)
}

func TestLocalSignerMissingFile(t *testing.T) {
	cfg := baseConfig(types.BackendLocal)
	cfg.Local.KeyFile = filepath.Join(t.TempDir(), "missing.pem")
	f := newFactory(t, cfg)

	_, err := f.Signer(context.Background())
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestLocalSignerFromSecretRef(t *testing.T) {
	key := newKey(t)
	der, err := pkcs8.MarshalPrivateKey(key, []byte("s3cret"), nil)
	require.NoError(t, err)
	encrypted := pem.EncodeToMemory(&pem.Block{Type: "ENCRYPTED PRIVATE KEY", Bytes: der})

	var fetches int
	mem := secrets.SourceFunc(func(_ context.Context, id string) ([]byte, error) {
		fetches++
		switch id {
		case "signing-key":
			return encrypted, nil
		case "signing-key-password":
			return []byte("s3cret\n"), nil
		}
		return nil, secrets.ErrNotFound
	})

	cfg := baseConfig(types.BackendLocal)
	cfg.Local.KeyRef = "mem:signing-key"
	cfg.Local.PasswordRef = "mem:signing-key-password"
	f := newFactory(t, cfg, WithSecretSource("mem", mem))

	h := signAndVerify(t, f, &key.PublicKey)
	assert.Equal(t, "ES256", h.Algorithm.String())
	assert.Equal(t, 2, fetches)

	// Without a password the encrypted key is rejected.
	cfg = baseConfig(types.BackendLocal)
	cfg.Local.KeyRef = "mem:signing-key"
	f = newFactory(t, cfg, WithSecretSource("mem", mem))
	_, err = f.Signer(context.Background())
	assert.ErrorIs(t, err, signing.ErrInvalidKey)

	// Unknown schemes fail to resolve.
	cfg = baseConfig(types.BackendLocal)
	cfg.Local.KeyRef = "vault:signing-key"
	f = newFactory(t, cfg)
	_, err = f.Signer(context.Background())
	assert.ErrorIs(t, err, secrets.ErrInvalidID)
}

func TestSecrets(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "token"), []byte("from-file"), 0600))
	t.Setenv("FACTORY_TEST_TOKEN", "from-env")

	cfg := baseConfig(types.BackendLocal)
	cfg.Local.KeyFile = "unused.pem"
	cfg.Secrets.Dir = dir
	cfg.Secrets.EnvPrefix = "FACTORY_TEST_"
	f := newFactory(t, cfg, WithSecretSource("mem", secrets.SourceFunc(func(context.Context, string) ([]byte, error) {
		return []byte("from-mem"), nil
	})))

	router, err := f.Secrets()
	require.NoError(t, err)
	assert.Equal(t, []string{"env", "file", "mem"}, router.Schemes())

	ctx := context.Background()
	for ref, want := range map[string]string{
		"file:token": "from-file",
		"env:token":  "from-env",
		"mem:any":    "from-mem",
	} {
		got, err := secrets.Get(ctx, router, ref, secrets.String)
		require.NoError(t, err, ref)
		assert.Equal(t, want, got, ref)
	}

	src, ok := router.Source("file")
	require.True(t, ok)
	assert.IsType(t, &secrets.CachedSource{}, src)

	again, err := f.Secrets()
	require.NoError(t, err)
	assert.Same(t, router, again)
}

// secretManager serves secret version payloads by resource name.
type secretManager struct {
	payloads map[string][]byte
	closed   bool
}

func (m *secretManager) AccessSecretVersion(_ context.Context, req *secretmanagerpb.AccessSecretVersionRequest, _ ...interface{}) (*secretmanagerpb.AccessSecretVersionResponse, error) {
	data, ok := m.payloads[req.GetName()]
	if !ok {
		return &secretmanagerpb.AccessSecretVersionResponse{Name: req.GetName()}, nil
	}
	return &secretmanagerpb.AccessSecretVersionResponse{
		Name:    req.GetName(),
		Payload: &secretmanagerpb.SecretPayload{Data: data},
	}, nil
}

func (m *secretManager) Close() error {
	m.closed = true
	return nil
}

func TestLocalSignerFromSecretManager(t *testing.T) {
	key := newKey(t)
	sm := &secretManager{payloads: map[string][]byte{
		"projects/p/secrets/jws-key/versions/latest": keyPEM(t, key),
	}}

	cfg := baseConfig(types.BackendLocal)
	cfg.Local.KeyRef = "gcpsm:jws-key"
	cfg.Secrets.GCPSM = &secretsgcp.Config{ProjectID: "p"}
	f, err := New(cfg, WithSecretManagerClient(sm))
	require.NoError(t, err)

	router, err := f.Secrets()
	require.NoError(t, err)
	assert.Contains(t, router.Schemes(), "gcpsm")

	h := signAndVerify(t, f, &key.PublicKey)
	assert.Equal(t, "ES256", h.Algorithm.String())

	_, err = router.GetSecret(context.Background(), "gcpsm:empty")
	assert.ErrorIs(t, err, secrets.ErrMissingPayload)

	require.NoError(t, f.Close())
	assert.True(t, sm.closed)
}

func TestGCPKMSSigner(t *testing.T) {
	key := newKey(t)
	client := gcpkms.NewMockKMSClient()
	client.AddKey("projects/p/locations/l/keyRings/r/cryptoKeys/jws/cryptoKeyVersions/1",
		kmspb.CryptoKeyVersion_EC_SIGN_P256_SHA256, key)

	cfg := baseConfig(types.BackendGCPKMS)
	cfg.GCPKMS = &gcpkms.Config{ProjectID: "p", LocationID: "l", KeyRingID: "r"}
	cfg.KeyHandle = "jws"
	cfg.RateLimit.Enabled = true
	cfg.RateLimit.RequestsPerMinute = 6000
	f := newFactory(t, cfg, WithGCPClient(client))

	h := signAndVerify(t, f, &key.PublicKey)
	assert.Equal(t, "ES256", h.Algorithm.String())
	assert.Equal(t, "jws", h.KeyID.String())
}

func TestGCPKMSPrefetchFailure(t *testing.T) {
	cfg := baseConfig(types.BackendGCPKMS)
	cfg.GCPKMS = &gcpkms.Config{ProjectID: "p", LocationID: "l", KeyRingID: "r"}
	cfg.KeyHandle = "missing"
	f := newFactory(t, cfg, WithGCPClient(gcpkms.NewMockKMSClient()))

	_, err := f.Signer(context.Background())
	assert.ErrorIs(t, err, signing.ErrRemoteRejected)

	// Without prefetch the failure surfaces on first use instead.
	cfg.Remote.Prefetch = false
	f = newFactory(t, cfg, WithGCPClient(gcpkms.NewMockKMSClient()))
	s, err := f.Signer(context.Background())
	require.NoError(t, err)
	_, err = s.Algorithm(context.Background())
	assert.ErrorIs(t, err, signing.ErrRemoteRejected)
}

func TestAWSKMSSignerDefaultKey(t *testing.T) {
	key := newKey(t)
	client := awskms.NewMockKMSClient()
	client.AddKey("jws", key)

	cfg := baseConfig(types.BackendAWSKMS)
	cfg.AWSKMS = &awskms.Config{Region: "us-east-1", KeyID: "alias/jws"}
	f := newFactory(t, cfg, WithAWSClient(client))

	s, err := f.Signer(context.Background())
	require.NoError(t, err)
	assert.Equal(t, types.KeyHandle("alias/jws"), s.KeyHandle())

	h := signAndVerify(t, f, &key.PublicKey)
	assert.Equal(t, "ES256", h.Algorithm.String())
	assert.Equal(t, "alias/jws", h.KeyID.String())
}

func TestAzureKVSigner(t *testing.T) {
	key := newKey(t)
	client := azurekv.NewMockKeysClient()
	version, err := client.AddKey("jws", key)
	require.NoError(t, err)

	cfg := baseConfig(types.BackendAzureKV)
	cfg.AzureKV = &azurekv.Config{VaultURL: "https://test.vault.azure.net/"}
	cfg.KeyHandle = "jws/" + version
	cfg.Remote.Verify = true
	f := newFactory(t, cfg, WithAzureKeysClient(client))

	h := signAndVerify(t, f, &key.PublicKey)
	assert.Equal(t, "ES256", h.Algorithm.String())
	assert.Equal(t, "jws/"+version, h.KeyID.String())
}

func TestMetricsSwitch(t *testing.T) {
	t.Cleanup(metrics.Disable)

	cfg := baseConfig(types.BackendLocal)
	cfg.Local.KeyFile = "key.pem"
	cfg.Metrics.Enabled = true
	newFactory(t, cfg)
	assert.True(t, metrics.IsEnabled())

	cfg.Metrics.Enabled = false
	newFactory(t, cfg)
	assert.False(t, metrics.IsEnabled())
}

func TestClose(t *testing.T) {
	key := newKey(t)
	client := gcpkms.NewMockKMSClient()
	var closed bool
	client.CloseFunc = func() error { closed = true; return nil }
	client.AddKey("projects/p/locations/l/keyRings/r/cryptoKeys/jws/cryptoKeyVersions/1",
		kmspb.CryptoKeyVersion_EC_SIGN_P256_SHA256, key)

	cfg := baseConfig(types.BackendGCPKMS)
	cfg.GCPKMS = &gcpkms.Config{ProjectID: "p", LocationID: "l", KeyRingID: "r"}
	cfg.KeyHandle = "jws"
	cfg.RateLimit.Enabled = true
	cfg.RateLimit.RequestsPerMinute = 60

	f, err := New(cfg, WithGCPClient(client))
	require.NoError(t, err)
	_, err = f.Signer(context.Background())
	require.NoError(t, err)

	lim := f.Limiter()
	assert.True(t, lim.Enabled())
	assert.Same(t, lim, f.Limiter())
	assert.InDelta(t, 60.0, lim.Stats()["rate_per_min"], 0.001)

	require.NoError(t, f.Close())
	assert.True(t, closed)
	require.NoError(t, f.Close())

	_, err = f.Signer(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
	_, err = f.Secrets()
	assert.ErrorIs(t, err, ErrClosed)
}
