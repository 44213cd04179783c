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

package remote

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeremyhahn/go-keysign/pkg/adapters/logger"
	"github.com/jeremyhahn/go-keysign/pkg/correlation"
	"github.com/jeremyhahn/go-keysign/pkg/signing"
	"github.com/jeremyhahn/go-keysign/pkg/types"
)

const testHandle = types.KeyHandle("projects/p/locations/global/keyRings/r/cryptoKeys/k/cryptoKeyVersions/1")

// fastPolicy retries without waiting.
func fastPolicy(attempts int) RetryPolicy {
	p := DefaultRetryPolicy()
	p.MaxAttempts = attempts
	p.NewBackOff = func() backoff.BackOff { return &backoff.ZeroBackOff{} }
	return p
}

func newTestSigner(t *testing.T, svc KeyService, opts ...Option) *Signer {
	t.Helper()
	s, err := New(svc, testHandle, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSignSucceedsAndNormalisesDER(t *testing.T) {
	kms := newECKMS(t)
	mock := &MockKeyService{GetKeyMetadataFunc: kms.metadata, SignFunc: kms.sign}
	s := newTestSigner(t, mock, WithRetryPolicy(fastPolicy(3)))

	payload := []byte("header.payload")
	sig, err := s.Sign(context.Background(), payload)
	require.NoError(t, err)

	assert.Equal(t, types.ES256, sig.Algorithm)
	assert.Equal(t, testHandle, sig.KeyHandle)
	assert.Len(t, sig.Bytes, 64)
	assert.NoError(t, signing.Verify(kms.key.Public(), types.ES256, payload, sig.Bytes))

	reqs := mock.Requests()
	require.Len(t, reqs, 1)
	want := sha256.Sum256(payload)
	assert.Equal(t, want[:], reqs[0].Digest)
	assert.Equal(t, types.ES256, reqs[0].Algorithm)
}

func TestSignRetriesTransientFailures(t *testing.T) {
	kms := newECKMS(t)
	var third []byte
	mock := &MockKeyService{GetKeyMetadataFunc: kms.metadata}
	mock.SignFunc = func(ctx context.Context, req *SignRequest) (*SignResponse, error) {
		if mock.SignCalls() < 3 {
			return nil, timeoutError{}
		}
		resp, err := kms.sign(ctx, req)
		if err == nil {
			third = resp.Signature
		}
		return resp, err
	}

	s := newTestSigner(t, mock, WithRetryPolicy(RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   100 * time.Millisecond,
		Multiplier:  2,
		Jitter:      0,
	}))

	payload := []byte("eyJhbGciOiJFUzI1NiJ9.e30")
	start := time.Now()
	sig, err := s.Sign(context.Background(), payload)
	elapsed := time.Since(start)
	require.NoError(t, err)

	assert.Equal(t, 3, mock.SignCalls())
	assert.GreaterOrEqual(t, elapsed, 300*time.Millisecond)

	want, err := signing.ECDSAToJWS(third, types.ES256)
	require.NoError(t, err)
	assert.Equal(t, want, sig.Bytes, "result must come from the third attempt")

	// Every attempt carries the identical request bytes.
	reqs := mock.Requests()
	require.Len(t, reqs, 3)
	for _, r := range reqs[1:] {
		assert.Equal(t, reqs[0].Digest, r.Digest)
		assert.Equal(t, reqs[0].Message, r.Message)
	}
	assert.Equal(t, []byte("eyJhbGciOiJFUzI1NiJ9.e30"), payload)
}

func TestSignPermanentErrorMakesOneAttempt(t *testing.T) {
	errNotFound := errors.New("key not found")
	kms := newECKMS(t)

	tests := []struct {
		name string
		err  error
		opts []Option
		cls  func(error) ErrorClass
	}{
		{name: "marked permanent", err: Permanent(errNotFound)},
		{
			name: "service classifier",
			err:  errNotFound,
			cls: func(err error) ErrorClass {
				if errors.Is(err, errNotFound) {
					return ClassPermanent
				}
				return ClassUnknown
			},
		},
		{
			name: "option classifier",
			err:  errNotFound,
			opts: []Option{WithClassifier(ClassifierFunc(func(error) ErrorClass { return ClassPermanent }))},
		},
		{name: "rejected sentinel", err: fmt.Errorf("%w: access denied", signing.ErrRemoteRejected)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := &MockKeyService{
				GetKeyMetadataFunc: kms.metadata,
				SignFunc: func(context.Context, *SignRequest) (*SignResponse, error) {
					return nil, tt.err
				},
				ClassifyFunc: tt.cls,
			}
			opts := append([]Option{WithRetryPolicy(fastPolicy(5))}, tt.opts...)
			s := newTestSigner(t, mock, opts...)

			_, err := s.Sign(context.Background(), []byte("x"))
			require.Error(t, err)
			assert.Equal(t, 1, mock.SignCalls())
			assert.ErrorIs(t, err, signing.ErrRemoteRejected)
			assert.False(t, errors.Is(err, signing.ErrRemoteUnavailable))

			var se *signing.SignError
			require.True(t, errors.As(err, &se))
			assert.Equal(t, 1, se.Attempts)
			assert.Equal(t, testHandle, se.KeyHandle)
		})
	}
}

func TestSignExhaustedCarriesLastCause(t *testing.T) {
	kms := newECKMS(t)
	mock := &MockKeyService{GetKeyMetadataFunc: kms.metadata}
	mock.SignFunc = func(context.Context, *SignRequest) (*SignResponse, error) {
		return nil, fmt.Errorf("throttled %d", mock.SignCalls())
	}
	s := newTestSigner(t, mock, WithRetryPolicy(fastPolicy(4)))

	_, err := s.Sign(context.Background(), []byte("x"))
	require.Error(t, err)
	assert.ErrorIs(t, err, signing.ErrRemoteUnavailable)
	assert.Contains(t, err.Error(), "throttled 4")
	assert.Equal(t, 4, mock.SignCalls())

	var se *signing.SignError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, 4, se.Attempts)
}

func TestSignStopsAtMaxElapsedTime(t *testing.T) {
	kms := newECKMS(t)
	mock := &MockKeyService{
		GetKeyMetadataFunc: kms.metadata,
		SignFunc: func(context.Context, *SignRequest) (*SignResponse, error) {
			return nil, Transient(errors.New("unavailable"))
		},
	}
	s := newTestSigner(t, mock, WithRetryPolicy(RetryPolicy{
		MaxAttempts:    100,
		BaseDelay:      20 * time.Millisecond,
		Multiplier:     1,
		MaxElapsedTime: 100 * time.Millisecond,
	}))

	start := time.Now()
	_, err := s.Sign(context.Background(), []byte("x"))
	assert.ErrorIs(t, err, signing.ErrRemoteUnavailable)
	assert.Less(t, mock.SignCalls(), 100)
	assert.Less(t, time.Since(start), time.Second)
}

func TestMaxElapsedTimeCancelsRunningAttempt(t *testing.T) {
	kms := newECKMS(t)
	mock := &MockKeyService{
		GetKeyMetadataFunc: kms.metadata,
		SignFunc: func(ctx context.Context, _ *SignRequest) (*SignResponse, error) {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(2 * time.Second):
				return nil, Transient(errors.New("slow service"))
			}
		},
	}
	policy := fastPolicy(5)
	policy.AttemptTimeout = 0
	policy.MaxElapsedTime = 100 * time.Millisecond
	s := newTestSigner(t, mock, WithRetryPolicy(policy))

	start := time.Now()
	_, err := s.Sign(context.Background(), []byte("x"))
	assert.ErrorIs(t, err, signing.ErrRemoteUnavailable)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, mock.SignCalls())
	assert.Less(t, time.Since(start), time.Second)
}

func TestSignAttemptTimeoutIsTransient(t *testing.T) {
	kms := newECKMS(t)
	mock := &MockKeyService{GetKeyMetadataFunc: kms.metadata}
	mock.SignFunc = func(ctx context.Context, req *SignRequest) (*SignResponse, error) {
		if mock.SignCalls() == 1 {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return kms.sign(ctx, req)
	}
	policy := fastPolicy(3)
	policy.AttemptTimeout = 20 * time.Millisecond
	s := newTestSigner(t, mock, WithRetryPolicy(policy))

	_, err := s.Sign(context.Background(), []byte("x"))
	require.NoError(t, err)
	assert.Equal(t, 2, mock.SignCalls())
}

func TestSignCancelledDuringBackoff(t *testing.T) {
	kms := newECKMS(t)
	mock := &MockKeyService{
		GetKeyMetadataFunc: kms.metadata,
		SignFunc: func(context.Context, *SignRequest) (*SignResponse, error) {
			return nil, timeoutError{}
		},
	}
	s := newTestSigner(t, mock, WithRetryPolicy(RetryPolicy{
		MaxAttempts: 5,
		BaseDelay:   time.Second,
		Multiplier:  2,
	}))
	require.NoError(t, s.Prefetch(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := s.Sign(ctx, []byte("x"))
	require.Error(t, err)
	assert.Less(t, time.Since(start), time.Second)
	assert.ErrorIs(t, err, signing.ErrRemoteUnavailable)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.ErrorIs(t, err, timeoutError{})
	assert.Equal(t, 1, mock.SignCalls())
}

func TestMetadataCachedWithinTTL(t *testing.T) {
	kms := newECKMS(t)
	mock := &MockKeyService{GetKeyMetadataFunc: kms.metadata, SignFunc: kms.sign}
	clock := newFakeClock()
	s := newTestSigner(t, mock,
		WithRetryPolicy(fastPolicy(1)),
		WithClock(clock.Now),
		WithCacheTTL(time.Minute))
	ctx := context.Background()

	_, err := s.Sign(ctx, []byte("a"))
	require.NoError(t, err)
	_, err = s.Sign(ctx, []byte("b"))
	require.NoError(t, err)
	assert.Equal(t, 1, mock.MetadataCalls(), "second sign within TTL must not refetch")

	clock.Advance(61 * time.Second)
	_, err = s.Sign(ctx, []byte("c"))
	require.NoError(t, err)
	_, err = s.Sign(ctx, []byte("d"))
	require.NoError(t, err)
	assert.Equal(t, 2, mock.MetadataCalls(), "exactly one refresh after expiry")
}

func TestMetadataCacheIsPerInstance(t *testing.T) {
	kms := newECKMS(t)
	mock := &MockKeyService{GetKeyMetadataFunc: kms.metadata, SignFunc: kms.sign}
	a := newTestSigner(t, mock, WithRetryPolicy(fastPolicy(1)))
	b := newTestSigner(t, mock, WithRetryPolicy(fastPolicy(1)))

	_, err := a.Sign(context.Background(), []byte("x"))
	require.NoError(t, err)
	_, err = b.Sign(context.Background(), []byte("x"))
	require.NoError(t, err)
	assert.Equal(t, 2, mock.MetadataCalls())
}

func TestInvalidateForcesRefetch(t *testing.T) {
	kms := newECKMS(t)
	mock := &MockKeyService{GetKeyMetadataFunc: kms.metadata, SignFunc: kms.sign}
	s := newTestSigner(t, mock, WithRetryPolicy(fastPolicy(1)))

	require.NoError(t, s.Prefetch(context.Background()))
	s.Invalidate()
	_, err := s.Sign(context.Background(), []byte("x"))
	require.NoError(t, err)
	assert.Equal(t, 2, mock.MetadataCalls())
}

func TestStaleKeyInvalidatesCache(t *testing.T) {
	kms := newECKMS(t)
	mock := &MockKeyService{GetKeyMetadataFunc: kms.metadata}
	mock.SignFunc = func(ctx context.Context, req *SignRequest) (*SignResponse, error) {
		if mock.SignCalls() == 1 {
			return nil, StaleKey(errors.New("key version is DESTROYED"))
		}
		return kms.sign(ctx, req)
	}
	s := newTestSigner(t, mock, WithRetryPolicy(fastPolicy(3)))

	_, err := s.Sign(context.Background(), []byte("x"))
	assert.ErrorIs(t, err, signing.ErrRemoteRejected)
	assert.Equal(t, 1, mock.SignCalls())

	_, err = s.Sign(context.Background(), []byte("x"))
	require.NoError(t, err)
	assert.Equal(t, 2, mock.MetadataCalls())
}

func TestMetadataFailureFallsThroughToSign(t *testing.T) {
	kms := newECKMS(t)
	down := func(context.Context, types.KeyHandle) (*KeyMetadata, error) {
		return nil, errors.New("metadata endpoint down")
	}

	t.Run("with fallback algorithm", func(t *testing.T) {
		mock := &MockKeyService{GetKeyMetadataFunc: down, SignFunc: kms.sign}
		s := newTestSigner(t, mock, WithRetryPolicy(fastPolicy(1)), WithFallbackAlgorithm(types.ES256))

		sig, err := s.Sign(context.Background(), []byte("x"))
		require.NoError(t, err)
		assert.Equal(t, types.ES256, sig.Algorithm)
		reqs := mock.Requests()
		require.Len(t, reqs, 1)
		assert.Equal(t, types.ES256, reqs[0].Algorithm)
		assert.Len(t, reqs[0].Digest, sha256.Size)

		alg, err := s.Algorithm(context.Background())
		require.NoError(t, err)
		assert.Equal(t, types.ES256, alg)
	})

	t.Run("service decides", func(t *testing.T) {
		mock := &MockKeyService{GetKeyMetadataFunc: down, SignFunc: kms.sign}
		s := newTestSigner(t, mock, WithRetryPolicy(fastPolicy(1)))

		sig, err := s.Sign(context.Background(), []byte("x"))
		require.NoError(t, err)
		assert.Equal(t, types.ES256, sig.Algorithm)
		assert.NoError(t, signing.Verify(kms.key.Public(), types.ES256, []byte("x"), sig.Bytes))
		reqs := mock.Requests()
		require.Len(t, reqs, 1)
		assert.Empty(t, reqs[0].Algorithm)
		assert.Nil(t, reqs[0].Digest)
		assert.Equal(t, []byte("x"), reqs[0].Message)

		_, err = s.Algorithm(context.Background())
		assert.ErrorIs(t, err, signing.ErrRemoteUnavailable)
	})

	t.Run("nobody reports an algorithm", func(t *testing.T) {
		mock := &MockKeyService{
			GetKeyMetadataFunc: down,
			SignFunc: func(context.Context, *SignRequest) (*SignResponse, error) {
				return &SignResponse{Signature: []byte{1, 2, 3}}, nil
			},
		}
		s := newTestSigner(t, mock, WithRetryPolicy(fastPolicy(1)))

		_, err := s.Sign(context.Background(), []byte("x"))
		assert.ErrorIs(t, err, signing.ErrUnsupportedAlgorithm)
		assert.ErrorIs(t, err, ErrNoAlgorithm)
	})
}

func TestUnsupportedKeyAlgorithmFailsFast(t *testing.T) {
	mock := &MockKeyService{
		GetKeyMetadataFunc: func(context.Context, types.KeyHandle) (*KeyMetadata, error) {
			return nil, fmt.Errorf("%w: RSA_DECRYPT_OAEP_2048_SHA256", signing.ErrUnsupportedAlgorithm)
		},
	}
	s := newTestSigner(t, mock, WithRetryPolicy(fastPolicy(3)), WithFallbackAlgorithm(types.RS256))

	err := s.Prefetch(context.Background())
	assert.ErrorIs(t, err, signing.ErrUnsupportedAlgorithm)

	_, err = s.Sign(context.Background(), []byte("x"))
	assert.ErrorIs(t, err, signing.ErrUnsupportedAlgorithm)
	assert.Equal(t, 0, mock.SignCalls())

	_, err = s.Algorithm(context.Background())
	assert.ErrorIs(t, err, signing.ErrUnsupportedAlgorithm)
}

func TestMetadataErrorsMapToTaxonomy(t *testing.T) {
	mock := &MockKeyService{
		GetKeyMetadataFunc: func(context.Context, types.KeyHandle) (*KeyMetadata, error) {
			return nil, Permanent(errors.New("permission denied"))
		},
	}
	s := newTestSigner(t, mock)

	_, err := s.PublicKey(context.Background())
	assert.ErrorIs(t, err, signing.ErrRemoteRejected)
}

func TestMetadataFetchIsSingleFlight(t *testing.T) {
	kms := newECKMS(t)
	release := make(chan struct{})
	mock := &MockKeyService{
		GetKeyMetadataFunc: func(ctx context.Context, h types.KeyHandle) (*KeyMetadata, error) {
			<-release
			return kms.metadata(ctx, h)
		},
		SignFunc: kms.sign,
	}
	s := newTestSigner(t, mock, WithRetryPolicy(fastPolicy(1)))

	const callers = 16
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			msg := []byte(fmt.Sprintf("payload-%d", i))
			sig, err := s.Sign(context.Background(), msg)
			if err != nil {
				errs <- err
				return
			}
			errs <- signing.Verify(kms.key.Public(), types.ES256, msg, sig.Bytes)
		}(i)
	}

	require.Eventually(t, func() bool { return mock.MetadataCalls() == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, 1, mock.MetadataCalls())
	assert.Equal(t, callers, mock.SignCalls())
}

func TestAbandonedCallerDoesNotPoisonFetch(t *testing.T) {
	kms := newECKMS(t)
	release := make(chan struct{})
	mock := &MockKeyService{
		GetKeyMetadataFunc: func(ctx context.Context, h types.KeyHandle) (*KeyMetadata, error) {
			<-release
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			return kms.metadata(ctx, h)
		},
		SignFunc: kms.sign,
	}
	s := newTestSigner(t, mock, WithRetryPolicy(fastPolicy(1)))

	ctx, cancel := context.WithCancel(context.Background())
	abandoned := make(chan error, 1)
	go func() {
		_, err := s.Sign(ctx, []byte("x"))
		abandoned <- err
	}()
	require.Eventually(t, func() bool { return mock.MetadataCalls() == 1 }, time.Second, time.Millisecond)

	cancel()
	err := <-abandoned
	assert.ErrorIs(t, err, signing.ErrRemoteUnavailable)
	assert.ErrorIs(t, err, context.Canceled)

	patient := make(chan error, 1)
	go func() {
		_, err := s.Sign(context.Background(), []byte("y"))
		patient <- err
	}()
	time.Sleep(20 * time.Millisecond)
	close(release)

	assert.NoError(t, <-patient)
	assert.Equal(t, 1, mock.MetadataCalls())
	assert.Equal(t, 1, mock.SignCalls())
}

func TestRateLimitBoundsAttempts(t *testing.T) {
	kms := newECKMS(t)
	mock := &MockKeyService{GetKeyMetadataFunc: kms.metadata, SignFunc: kms.sign}
	s := newTestSigner(t, mock, WithRetryPolicy(fastPolicy(3)), WithRateLimit(60, 1))

	_, err := s.Sign(context.Background(), []byte("first"))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = s.Sign(ctx, []byte("second"))
	assert.ErrorIs(t, err, signing.ErrRemoteUnavailable)
	assert.Equal(t, 1, mock.SignCalls())
}

func TestVerificationRefreshesOnMismatch(t *testing.T) {
	kms := newECKMS(t)
	other, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	mock := &MockKeyService{
		GetKeyMetadataFunc: func(context.Context, types.KeyHandle) (*KeyMetadata, error) {
			return &KeyMetadata{PublicKey: other.Public(), Algorithm: types.ES256}, nil
		},
		SignFunc: kms.sign,
	}
	s := newTestSigner(t, mock, WithRetryPolicy(fastPolicy(1)), WithVerification(true))

	_, err = s.Sign(context.Background(), []byte("x"))
	assert.ErrorIs(t, err, signing.ErrSigningFailed)
	assert.ErrorIs(t, err, signing.ErrInvalidSignature)
	assert.Equal(t, 2, mock.MetadataCalls())

	good := &MockKeyService{GetKeyMetadataFunc: kms.metadata, SignFunc: kms.sign}
	s = newTestSigner(t, good, WithRetryPolicy(fastPolicy(1)), WithVerification(true))
	_, err = s.Sign(context.Background(), []byte("x"))
	assert.NoError(t, err)
	assert.Equal(t, 1, good.MetadataCalls())
}

func TestSignerAccessors(t *testing.T) {
	kms := newECKMS(t)
	mock := &MockKeyService{GetKeyMetadataFunc: kms.metadata, SignFunc: kms.sign}
	s := newTestSigner(t, mock)

	assert.Equal(t, testHandle, s.KeyHandle())
	alg, err := s.Algorithm(context.Background())
	require.NoError(t, err)
	assert.Equal(t, types.ES256, alg)

	pub, err := s.PublicKey(context.Background())
	require.NoError(t, err)
	assert.True(t, kms.key.PublicKey.Equal(pub))
	assert.Equal(t, 1, mock.MetadataCalls())
}

func TestNewValidation(t *testing.T) {
	mock := &MockKeyService{}

	_, err := New(nil, testHandle)
	assert.ErrorIs(t, err, ErrServiceRequired)

	_, err = New(mock, "")
	assert.ErrorIs(t, err, ErrKeyHandleRequired)

	_, err = New(mock, testHandle, WithRetryPolicy(RetryPolicy{}))
	assert.ErrorIs(t, err, ErrInvalidPolicy)

	_, err = New(mock, testHandle, WithFallbackAlgorithm("HS256"))
	assert.ErrorIs(t, err, signing.ErrUnsupportedAlgorithm)
}

func TestSignLogsCorrelationID(t *testing.T) {
	kms := newECKMS(t)
	mock := &MockKeyService{GetKeyMetadataFunc: kms.metadata}
	mock.SignFunc = func(ctx context.Context, req *SignRequest) (*SignResponse, error) {
		if mock.SignCalls() == 1 {
			return nil, timeoutError{}
		}
		return kms.sign(ctx, req)
	}

	var buf bytes.Buffer
	log := logger.NewSlogAdapter(&logger.SlogConfig{Writer: &buf, JSON: true, Level: logger.LevelDebug})
	s := newTestSigner(t, mock, WithRetryPolicy(fastPolicy(2)), WithLogger(log))

	ctx := correlation.WithID(context.Background(), "req-42")
	_, err := s.Sign(ctx, []byte("x"))
	require.NoError(t, err)

	out := buf.String()
	assert.Contains(t, out, `"correlation_id":"req-42"`)
	assert.Contains(t, out, "retrying")
	assert.Contains(t, out, `"backend":"mock"`)
}
