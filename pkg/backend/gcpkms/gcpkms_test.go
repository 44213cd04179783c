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

package gcpkms

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"fmt"
	"sync"
	"testing"

	"cloud.google.com/go/kms/apiv1/kmspb"
	"github.com/cenkalti/backoff/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/jeremyhahn/go-keysign/pkg/signing"
	"github.com/jeremyhahn/go-keysign/pkg/signing/remote"
	"github.com/jeremyhahn/go-keysign/pkg/types"
)

const testKeyRing = "projects/test-project/locations/us-central1/keyRings/test-keyring"

var (
	rsaKeyOnce sync.Once
	rsaKey     *rsa.PrivateKey
)

func testRSAKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	rsaKeyOnce.Do(func() {
		var err error
		if rsaKey, err = rsa.GenerateKey(rand.Reader, 2048); err != nil {
			panic(err)
		}
	})
	return rsaKey
}

func testConfig() *Config {
	return &Config{
		ProjectID:  "test-project",
		LocationID: "us-central1",
		KeyRingID:  "test-keyring",
	}
}

func fastRetry(attempts int) remote.RetryPolicy {
	p := remote.DefaultRetryPolicy()
	p.MaxAttempts = attempts
	p.NewBackOff = func() backoff.BackOff { return &backoff.ZeroBackOff{} }
	return p
}

func versionName(keyID string) string {
	return fmt.Sprintf("%s/cryptoKeys/%s/cryptoKeyVersions/1", testKeyRing, keyID)
}

func newTestBackend(t *testing.T, client KMSClient) *Backend {
	t.Helper()
	b, err := NewBackendWithClient(testConfig(), client)
	require.NoError(t, err)
	return b
}

func TestNewBackendWithClient(t *testing.T) {
	tests := []struct {
		name    string
		config  *Config
		client  KMSClient
		errType error
	}{
		{name: "valid config", config: testConfig(), client: NewMockKMSClient()},
		{name: "full resource names only", config: &Config{}, client: NewMockKMSClient()},
		{
			name:    "missing location ID",
			config:  &Config{ProjectID: "test-project", KeyRingID: "test-keyring"},
			client:  NewMockKMSClient(),
			errType: ErrInvalidLocationID,
		},
		{
			name:    "missing key ring ID",
			config:  &Config{ProjectID: "test-project", LocationID: "us-central1"},
			client:  NewMockKMSClient(),
			errType: ErrInvalidKeyRingID,
		},
		{
			name:    "missing project ID",
			config:  &Config{LocationID: "us-central1", KeyRingID: "test-keyring"},
			client:  NewMockKMSClient(),
			errType: ErrInvalidProjectID,
		},
		{name: "nil config", config: nil, client: NewMockKMSClient(), errType: ErrInvalidConfig},
		{name: "nil client", config: testConfig(), client: nil, errType: ErrNotInitialized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := NewBackendWithClient(tt.config, tt.client)
			if tt.errType != nil {
				assert.ErrorIs(t, err, tt.errType)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "gcpkms", b.Name())
		})
	}
}

func TestRemoteSignerOverKMS(t *testing.T) {
	p256, _ := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	p384, _ := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	_, edKey, _ := ed25519.GenerateKey(rand.Reader)
	rsaKey := testRSAKey(t)

	tests := []struct {
		name    string
		kmsAlg  kmspb.CryptoKeyVersion_CryptoKeyVersionAlgorithm
		key     crypto.Signer
		wantAlg types.SigningAlgorithm
		digest  bool
	}{
		{"ec p256", kmspb.CryptoKeyVersion_EC_SIGN_P256_SHA256, p256, types.ES256, true},
		{"ec p384", kmspb.CryptoKeyVersion_EC_SIGN_P384_SHA384, p384, types.ES384, true},
		{"rsa pss", kmspb.CryptoKeyVersion_RSA_SIGN_PSS_2048_SHA256, rsaKey, types.PS256, true},
		{"rsa pkcs1", kmspb.CryptoKeyVersion_RSA_SIGN_PKCS1_2048_SHA256, rsaKey, types.RS256, true},
		{"ed25519", kmspb.CryptoKeyVersion_EC_SIGN_ED25519, edKey, types.EdDSA, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := NewMockKMSClient()
			mock.AddKey(versionName("signing-key"), tt.kmsAlg, tt.key)
			b := newTestBackend(t, mock)

			s, err := remote.New(b, "signing-key", remote.WithRetryPolicy(fastRetry(3)))
			require.NoError(t, err)
			defer s.Close()

			alg, err := s.Algorithm(context.Background())
			require.NoError(t, err)
			assert.Equal(t, tt.wantAlg, alg)

			payload := []byte("eyJhbGciOiJ4In0.eyJzdWIiOiJ5In0")
			sig, err := s.Sign(context.Background(), payload)
			require.NoError(t, err)
			assert.Equal(t, tt.wantAlg, sig.Algorithm)
			assert.Equal(t, types.KeyHandle("signing-key"), sig.KeyHandle)
			require.NoError(t, signing.Verify(tt.key.Public(), tt.wantAlg, payload, sig.Bytes))

			req := mock.LastSignRequest
			require.NotNil(t, req)
			assert.Equal(t, versionName("signing-key"), req.GetName())
			if tt.digest {
				assert.NotNil(t, req.GetDigest())
				assert.NotNil(t, req.GetDigestCrc32C())
				assert.Nil(t, req.GetData())
			} else {
				assert.Nil(t, req.GetDigest())
				assert.Equal(t, payload, req.GetData())
				assert.NotNil(t, req.GetDataCrc32C())
			}
		})
	}
}

func TestGetKeyMetadataUnsupportedAlgorithm(t *testing.T) {
	mock := NewMockKMSClient()
	mock.AddKey(versionName("decrypt-key"), kmspb.CryptoKeyVersion_RSA_DECRYPT_OAEP_2048_SHA256, testRSAKey(t))
	b := newTestBackend(t, mock)

	_, err := b.GetKeyMetadata(context.Background(), "decrypt-key")
	assert.ErrorIs(t, err, signing.ErrUnsupportedAlgorithm)

	s, err := remote.New(b, "decrypt-key")
	require.NoError(t, err)
	defer s.Close()
	assert.ErrorIs(t, s.Prefetch(context.Background()), signing.ErrUnsupportedAlgorithm)
}

func TestDisabledKeyVersionIsStale(t *testing.T) {
	p256, _ := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	mock := NewMockKMSClient()
	name := versionName("rotated")
	mock.AddKey(name, kmspb.CryptoKeyVersion_EC_SIGN_P256_SHA256, p256)
	b := newTestBackend(t, mock)

	s, err := remote.New(b, types.KeyHandle(name), remote.WithRetryPolicy(fastRetry(5)))
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, s.Prefetch(context.Background()))

	mock.SetState(name, kmspb.CryptoKeyVersion_DISABLED)

	signCalls := 0
	mock.AsymmetricSignFunc = func(ctx context.Context, req *kmspb.AsymmetricSignRequest, opts ...interface{}) (*kmspb.AsymmetricSignResponse, error) {
		signCalls++
		return nil, status.Errorf(codes.FailedPrecondition, "%s is not enabled", req.GetName())
	}

	_, err = s.Sign(context.Background(), []byte("x"))
	assert.ErrorIs(t, err, signing.ErrRemoteRejected)
	assert.Equal(t, 1, signCalls)

	// The cached metadata was dropped, so the next lookup sees the disabled state.
	_, err = b.GetKeyMetadata(context.Background(), types.KeyHandle(name))
	assert.ErrorIs(t, err, ErrKeyVersionNotEnabled)
	assert.ErrorIs(t, s.Prefetch(context.Background()), signing.ErrRemoteRejected)
}

func TestTransientErrorsAreRetried(t *testing.T) {
	p256, _ := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	inner := NewMockKMSClient()
	inner.AddKey(versionName("k"), kmspb.CryptoKeyVersion_EC_SIGN_P256_SHA256, p256)

	calls := 0
	mock := &MockKMSClient{
		GetCryptoKeyVersionFunc: inner.GetCryptoKeyVersion,
		GetPublicKeyFunc:        inner.GetPublicKey,
		AsymmetricSignFunc: func(ctx context.Context, req *kmspb.AsymmetricSignRequest, opts ...interface{}) (*kmspb.AsymmetricSignResponse, error) {
			calls++
			switch calls {
			case 1:
				return nil, status.Error(codes.Unavailable, "connection reset")
			case 2:
				return nil, status.Error(codes.ResourceExhausted, "quota exceeded")
			default:
				return inner.AsymmetricSign(ctx, req, opts...)
			}
		},
	}
	b := newTestBackend(t, mock)
	s, err := remote.New(b, "k", remote.WithRetryPolicy(fastRetry(3)))
	require.NoError(t, err)
	defer s.Close()

	sig, err := s.Sign(context.Background(), []byte("payload"))
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.NoError(t, signing.Verify(p256.Public(), types.ES256, []byte("payload"), sig.Bytes))
}

func TestUnknownKeyIsRejected(t *testing.T) {
	mock := NewMockKMSClient()
	b := newTestBackend(t, mock)
	s, err := remote.New(b, "missing", remote.WithRetryPolicy(fastRetry(5)), remote.WithFallbackAlgorithm(types.ES256))
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Sign(context.Background(), []byte("x"))
	assert.ErrorIs(t, err, signing.ErrRemoteRejected)

	var se *signing.SignError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, 1, se.Attempts)
	assert.Equal(t, codes.NotFound, status.Code(se.Err))
}

func TestChecksumMismatch(t *testing.T) {
	p256, _ := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	inner := NewMockKMSClient()
	inner.AddKey(versionName("k"), kmspb.CryptoKeyVersion_EC_SIGN_P256_SHA256, p256)

	tests := []struct {
		name    string
		corrupt func(*kmspb.AsymmetricSignResponse)
	}{
		{"signature crc", func(r *kmspb.AsymmetricSignResponse) {
			r.SignatureCrc32C = wrapperspb.Int64(r.GetSignatureCrc32C().GetValue() + 1)
		}},
		{"digest not verified", func(r *kmspb.AsymmetricSignResponse) { r.VerifiedDigestCrc32C = false }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			mock := &MockKMSClient{
				GetCryptoKeyVersionFunc: inner.GetCryptoKeyVersion,
				GetPublicKeyFunc:        inner.GetPublicKey,
				AsymmetricSignFunc: func(ctx context.Context, req *kmspb.AsymmetricSignRequest, opts ...interface{}) (*kmspb.AsymmetricSignResponse, error) {
					calls++
					resp, err := inner.AsymmetricSign(ctx, req, opts...)
					if err != nil {
						return nil, err
					}
					tt.corrupt(resp)
					return resp, nil
				},
			}
			b := newTestBackend(t, mock)
			s, err := remote.New(b, "k", remote.WithRetryPolicy(fastRetry(2)))
			require.NoError(t, err)
			defer s.Close()

			_, err = s.Sign(context.Background(), []byte("x"))
			assert.ErrorIs(t, err, signing.ErrRemoteUnavailable)
			assert.ErrorIs(t, err, ErrChecksumMismatch)
			assert.Equal(t, 2, calls)
		})
	}
}

func TestPublicKeyChecksumMismatch(t *testing.T) {
	p256, _ := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	inner := NewMockKMSClient()
	inner.AddKey(versionName("k"), kmspb.CryptoKeyVersion_EC_SIGN_P256_SHA256, p256)
	mock := &MockKMSClient{
		GetCryptoKeyVersionFunc: inner.GetCryptoKeyVersion,
		GetPublicKeyFunc: func(ctx context.Context, req *kmspb.GetPublicKeyRequest, opts ...interface{}) (*kmspb.PublicKey, error) {
			pk, err := inner.GetPublicKey(ctx, req, opts...)
			if err != nil {
				return nil, err
			}
			pk.PemCrc32C = wrapperspb.Int64(0)
			return pk, nil
		},
	}
	b := newTestBackend(t, mock)

	_, err := b.GetKeyMetadata(context.Background(), "k")
	assert.ErrorIs(t, err, ErrChecksumMismatch)
}

func TestClassify(t *testing.T) {
	b := newTestBackend(t, NewMockKMSClient())

	tests := []struct {
		err  error
		want remote.ErrorClass
	}{
		{status.Error(codes.Unavailable, "x"), remote.ClassTransient},
		{status.Error(codes.DeadlineExceeded, "x"), remote.ClassTransient},
		{status.Error(codes.ResourceExhausted, "x"), remote.ClassTransient},
		{status.Error(codes.Internal, "x"), remote.ClassTransient},
		{status.Error(codes.NotFound, "x"), remote.ClassPermanent},
		{status.Error(codes.PermissionDenied, "x"), remote.ClassPermanent},
		{status.Error(codes.InvalidArgument, "x"), remote.ClassPermanent},
		{status.Error(codes.Unauthenticated, "x"), remote.ClassPermanent},
		{status.Error(codes.FailedPrecondition, "x"), remote.ClassStaleKey},
		{fmt.Errorf("gcpkms: asymmetric sign: %w", status.Error(codes.NotFound, "x")), remote.ClassPermanent},
		{ErrKeyVersionNotEnabled, remote.ClassStaleKey},
		{errors.New("plain"), remote.ClassUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			assert.Equal(t, tt.want, b.Classify(tt.err))
		})
	}
}

func TestClose(t *testing.T) {
	closed := false
	mock := NewMockKMSClient()
	mock.CloseFunc = func() error {
		closed = true
		return nil
	}
	b := newTestBackend(t, mock)

	require.NoError(t, b.Close())
	assert.True(t, closed)
	require.NoError(t, b.Close())

	_, err := b.Sign(context.Background(), &remote.SignRequest{KeyHandle: "k"})
	assert.ErrorIs(t, err, ErrNotInitialized)
	_, err = b.GetKeyMetadata(context.Background(), "k")
	assert.ErrorIs(t, err, ErrNotInitialized)
}

func TestSignRejectsBadDigest(t *testing.T) {
	b := newTestBackend(t, NewMockKMSClient())
	_, err := b.Sign(context.Background(), &remote.SignRequest{
		KeyHandle: "k",
		Algorithm: types.ES384,
		Digest:    make([]byte, 32),
	})
	assert.ErrorIs(t, err, ErrInvalidDigest)

	_, err = b.Sign(context.Background(), &remote.SignRequest{
		KeyHandle: "k",
		Algorithm: types.EdDSA,
		Digest:    make([]byte, 32),
	})
	assert.ErrorIs(t, err, signing.ErrUnsupportedAlgorithm)
}
