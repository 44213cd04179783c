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
	"context"
	"crypto"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/jeremyhahn/go-keysign/pkg/adapters/logger"
	"github.com/jeremyhahn/go-keysign/pkg/correlation"
	"github.com/jeremyhahn/go-keysign/pkg/metrics"
	"github.com/jeremyhahn/go-keysign/pkg/ratelimit"
	"github.com/jeremyhahn/go-keysign/pkg/signing"
	"github.com/jeremyhahn/go-keysign/pkg/types"
)

// Signer signs through a remote KeyService. It is safe for concurrent use;
// the metadata cache is its only mutable state and belongs to this instance.
type Signer struct {
	service     KeyService
	handle      types.KeyHandle
	backend     string
	policy      RetryPolicy
	cache       *metadataCache
	classifiers []ErrorClassifier
	limiter     *ratelimit.Limiter
	ownsLimiter bool
	fallback    types.SigningAlgorithm
	verify      bool
	logger      logger.Logger

	cacheTTL        time.Duration
	metadataTimeout time.Duration
	now             func() time.Time
}

// Option configures a Signer.
type Option func(*Signer)

// WithLogger sets the logger. Every line carries the key handle, backend and
// the correlation ID of the call.
func WithLogger(l logger.Logger) Option {
	return func(s *Signer) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithRetryPolicy replaces DefaultRetryPolicy.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(s *Signer) {
		s.policy = p
	}
}

// WithCacheTTL sets how long key metadata is trusted. Non-positive values
// select DefaultCacheTTL.
func WithCacheTTL(ttl time.Duration) Option {
	return func(s *Signer) {
		s.cacheTTL = ttl
	}
}

// WithMetadataTimeout bounds a metadata fetch.
func WithMetadataTimeout(d time.Duration) Option {
	return func(s *Signer) {
		s.metadataTimeout = d
	}
}

// WithClock sets the clock used for cache freshness.
func WithClock(now func() time.Time) Option {
	return func(s *Signer) {
		if now != nil {
			s.now = now
		}
	}
}

// WithLimiter throttles attempts through a shared limiter keyed by handle.
func WithLimiter(l *ratelimit.Limiter) Option {
	return func(s *Signer) {
		s.limiter = l
		s.ownsLimiter = false
	}
}

// WithRateLimit throttles attempts of this signer to requestsPerMinute with
// the given burst. Close releases the limiter.
func WithRateLimit(requestsPerMinute, burst int) Option {
	return func(s *Signer) {
		s.limiter = ratelimit.New(&ratelimit.Config{
			Enabled:           true,
			RequestsPerMinute: requestsPerMinute,
			Burst:             burst,
		})
		s.ownsLimiter = true
	}
}

// WithFallbackAlgorithm sets the algorithm assumed when metadata cannot be
// fetched. Without it such calls let the service choose.
func WithFallbackAlgorithm(alg types.SigningAlgorithm) Option {
	return func(s *Signer) {
		s.fallback = alg
	}
}

// WithVerification checks every signature against the cached public key
// before returning it.
func WithVerification(enabled bool) Option {
	return func(s *Signer) {
		s.verify = enabled
	}
}

// WithClassifier adds a classifier consulted before the service's own.
func WithClassifier(c ErrorClassifier) Option {
	return func(s *Signer) {
		if c != nil {
			s.classifiers = append([]ErrorClassifier{c}, s.classifiers...)
		}
	}
}

// New returns a Signer for handle on service. No network call is made;
// see Prefetch.
func New(service KeyService, handle types.KeyHandle, opts ...Option) (*Signer, error) {
	if service == nil {
		return nil, ErrServiceRequired
	}
	if handle.IsZero() {
		return nil, ErrKeyHandleRequired
	}

	s := &Signer{
		service: service,
		handle:  handle,
		backend: service.Name(),
		policy:  DefaultRetryPolicy(),
		logger:  logger.NewNoOp(),
		now:     time.Now,
	}
	if c, ok := service.(ErrorClassifier); ok {
		s.classifiers = append(s.classifiers, c)
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.policy.Validate(); err != nil {
		s.Close()
		return nil, err
	}
	if s.fallback != "" && !s.fallback.IsValid() {
		s.Close()
		return nil, signing.NewSignError(signing.ErrUnsupportedAlgorithm, handle,
			fmt.Errorf("unknown fallback algorithm %q", string(s.fallback)))
	}

	s.cache = newMetadataCache(service.GetKeyMetadata, s.cacheTTL, s.metadataTimeout, s.now, s.backend)
	return s, nil
}

// KeyHandle returns the remote key identifier.
func (s *Signer) KeyHandle() types.KeyHandle {
	return s.handle
}

// Algorithm returns the key's algorithm from metadata, or the fallback
// algorithm when metadata is unavailable.
func (s *Signer) Algorithm(ctx context.Context) (types.SigningAlgorithm, error) {
	md, err := s.cache.get(ctx, s.handle)
	if err == nil {
		return md.Algorithm, nil
	}
	if s.fallback != "" && !errors.Is(err, signing.ErrUnsupportedAlgorithm) && ctx.Err() == nil {
		return s.fallback, nil
	}
	return "", s.metadataError(err)
}

// PublicKey returns the key's public half. It implements
// signing.PublicKeyProvider.
func (s *Signer) PublicKey(ctx context.Context) (crypto.PublicKey, error) {
	md, err := s.cache.get(ctx, s.handle)
	if err != nil {
		return nil, s.metadataError(err)
	}
	return md.PublicKey, nil
}

// Prefetch resolves and caches key metadata, so configuration errors such
// as an unsupported key algorithm surface before the first Sign.
func (s *Signer) Prefetch(ctx context.Context) error {
	if _, err := s.cache.get(ctx, s.handle); err != nil {
		return s.metadataError(err)
	}
	return nil
}

// Invalidate drops cached metadata; the next call refetches it.
func (s *Signer) Invalidate() {
	s.cache.invalidate(s.handle)
}

// Close releases resources owned by the signer.
func (s *Signer) Close() error {
	if s.ownsLimiter {
		s.limiter.Stop()
	}
	if s.cache != nil {
		s.cache.flush()
	}
	return nil
}

// Sign signs payload on the remote service, retrying transient failures
// according to the retry policy. The payload is hashed once; every attempt
// sends identical bytes.
func (s *Signer) Sign(ctx context.Context, payload []byte) (*signing.Signature, error) {
	ctx, _ = correlation.Ensure(ctx)
	log := logger.FromContext(ctx, s.logger).With(
		logger.String("backend", s.backend),
		logger.String("key_handle", s.handle.String()))

	start := time.Now()
	sig, err := s.sign(ctx, log, payload)
	duration := time.Since(start).Seconds()

	if err != nil {
		alg := string(s.fallback)
		metrics.RecordSign(s.backend, alg, metrics.StatusError, duration)
		metrics.RecordError(s.backend, errorType(err))
		log.Error("remote signing failed", logger.Error(err))
		return nil, err
	}
	metrics.RecordSign(s.backend, sig.Algorithm.String(), metrics.StatusSuccess, duration)
	log.Debug("remote signing succeeded",
		logger.String("algorithm", sig.Algorithm.String()),
		logger.Duration("duration", time.Since(start)))
	return sig, nil
}

func (s *Signer) sign(ctx context.Context, log logger.Logger, payload []byte) (*signing.Signature, error) {
	alg := s.fallback
	md, err := s.cache.get(ctx, s.handle)
	switch {
	case err == nil:
		alg = md.Algorithm
	case errors.Is(err, signing.ErrUnsupportedAlgorithm):
		return nil, s.metadataError(err)
	case ctx.Err() != nil:
		return nil, s.unavailable(0, ctx.Err(), err)
	default:
		log.Warn("key metadata unavailable, signing with handle only",
			logger.String("fallback_algorithm", alg.String()),
			logger.Error(err))
	}

	req, err := s.newRequest(alg, payload)
	if err != nil {
		return nil, err
	}

	resp, err := s.signWithRetry(ctx, log, req)
	if err != nil {
		return nil, err
	}
	return s.result(ctx, log, req, resp, md)
}

func (s *Signer) newRequest(alg types.SigningAlgorithm, payload []byte) (*SignRequest, error) {
	req := &SignRequest{
		KeyHandle: s.handle,
		Algorithm: alg,
		Message:   payload,
	}
	if alg != "" && alg != types.EdDSA {
		digest, err := alg.Digest(payload)
		if err != nil {
			return nil, signing.NewSignError(signing.ErrUnsupportedAlgorithm, s.handle, err)
		}
		req.Digest = digest
	}
	return req, nil
}

// signWithRetry runs the attempt loop. Permanent and stale-key failures end
// it after the failing attempt.
func (s *Signer) signWithRetry(ctx context.Context, log logger.Logger, req *SignRequest) (*SignResponse, error) {
	var (
		attempts  int
		lastErr   error
		lastClass ErrorClass
		waitErr   error
	)

	if s.policy.MaxElapsedTime > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.policy.MaxElapsedTime)
		defer cancel()
	}

	operation := func() (*SignResponse, error) {
		if err := s.limiter.Wait(ctx, s.handle.String()); err != nil {
			waitErr = err
			return nil, backoff.Permanent(err)
		}

		attempts++
		actx, cancel := s.attemptContext(ctx)
		resp, err := s.service.Sign(actx, req)
		cancel()

		if err == nil {
			metrics.RecordAttempt(s.backend, metrics.OutcomeSuccess)
			return resp, nil
		}

		lastErr = err
		lastClass = classify(err, s.classifiers...)
		metrics.RecordAttempt(s.backend, lastClass.String())
		if lastClass != ClassTransient {
			return nil, backoff.Permanent(err)
		}
		return nil, err
	}

	notify := func(err error, next time.Duration) {
		metrics.RecordRetry(s.backend)
		log.Warn("remote sign attempt failed, retrying",
			logger.Int("attempt", attempts),
			logger.Duration("backoff", next),
			logger.Error(err))
	}

	resp, err := backoff.Retry(ctx, operation, s.policy.retryOptions(notify)...)
	if err == nil {
		if attempts > 1 {
			log.Info("remote signing recovered after retries", logger.Int("attempts", attempts))
		}
		return resp, nil
	}

	switch {
	case lastClass == ClassStaleKey:
		s.Invalidate()
		log.Warn("key version no longer usable, metadata invalidated", logger.Error(lastErr))
		return nil, s.rejected(attempts, lastErr)
	case lastClass == ClassPermanent:
		return nil, s.rejected(attempts, lastErr)
	case waitErr != nil:
		return nil, s.unavailable(attempts, waitErr, lastErr)
	case ctx.Err() != nil:
		return nil, s.unavailable(attempts, context.Cause(ctx), lastErr)
	default:
		return nil, s.unavailable(attempts, lastErr)
	}
}

func (s *Signer) attemptContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.policy.AttemptTimeout > 0 {
		return context.WithTimeout(ctx, s.policy.AttemptTimeout)
	}
	return context.WithCancel(ctx)
}

// result validates the service response and converts it to a Signature.
// The algorithm reported by the service wins over the requested one.
func (s *Signer) result(ctx context.Context, log logger.Logger, req *SignRequest, resp *SignResponse, md *KeyMetadata) (*signing.Signature, error) {
	if resp == nil || len(resp.Signature) == 0 {
		return nil, signing.NewSignError(signing.ErrSigningFailed, s.handle, ErrEmptySignature)
	}

	alg := resp.Algorithm
	if alg == "" {
		alg = req.Algorithm
	}
	if alg == "" {
		return nil, signing.NewSignError(signing.ErrUnsupportedAlgorithm, s.handle, ErrNoAlgorithm)
	}
	if !alg.IsValid() {
		return nil, signing.NewSignError(signing.ErrUnsupportedAlgorithm, s.handle,
			fmt.Errorf("service reported unknown algorithm %q", string(alg)))
	}
	if req.Algorithm != "" && alg != req.Algorithm {
		log.Warn("service signed with a different algorithm than expected",
			logger.String("expected", req.Algorithm.String()),
			logger.String("actual", alg.String()))
	}

	sig, err := signing.NormalizeSignature(resp.Signature, alg)
	if err != nil {
		return nil, signing.NewSignError(signing.ErrSigningFailed, s.handle, err)
	}

	if s.verify {
		if err := s.verifySignature(ctx, log, md, alg, req.Message, sig); err != nil {
			return nil, err
		}
	}

	return &signing.Signature{
		Bytes:     sig,
		Algorithm: alg,
		KeyHandle: s.handle,
	}, nil
}

// verifySignature checks sig against the cached public key. A mismatch may
// mean the key was rotated, so the metadata is refreshed once before the
// signature is rejected.
func (s *Signer) verifySignature(ctx context.Context, log logger.Logger, md *KeyMetadata, alg types.SigningAlgorithm, message, sig []byte) error {
	if md == nil {
		var err error
		if md, err = s.cache.get(ctx, s.handle); err != nil {
			return signing.NewSignError(signing.ErrSigningFailed, s.handle,
				fmt.Errorf("cannot verify without public key: %w", err))
		}
	}
	if signing.Verify(md.PublicKey, alg, message, sig) == nil {
		return nil
	}

	log.Warn("signature did not verify against cached key, refreshing metadata")
	s.Invalidate()
	fresh, err := s.cache.get(ctx, s.handle)
	if err != nil {
		return signing.NewSignError(signing.ErrSigningFailed, s.handle, err)
	}
	if err := signing.Verify(fresh.PublicKey, alg, message, sig); err != nil {
		return signing.NewSignError(signing.ErrSigningFailed, s.handle, err)
	}
	return nil
}

// metadataError maps a metadata failure onto the signing error taxonomy.
func (s *Signer) metadataError(err error) error {
	if errors.Is(err, signing.ErrUnsupportedAlgorithm) {
		return signing.NewSignError(signing.ErrUnsupportedAlgorithm, s.handle, err)
	}
	switch classify(err, s.classifiers...) {
	case ClassPermanent, ClassStaleKey:
		return signing.NewSignError(signing.ErrRemoteRejected, s.handle, err)
	default:
		return signing.NewSignError(signing.ErrRemoteUnavailable, s.handle, err)
	}
}

func (s *Signer) rejected(attempts int, cause error) error {
	return &signing.SignError{
		Kind:      signing.ErrRemoteRejected,
		KeyHandle: s.handle,
		Attempts:  attempts,
		Err:       cause,
	}
}

// unavailable keeps every non-nil cause visible to errors.Is, the last
// service error included.
func (s *Signer) unavailable(attempts int, causes ...error) error {
	var nonNil []error
	for _, c := range causes {
		if c != nil {
			nonNil = append(nonNil, c)
		}
	}
	var cause error
	switch len(nonNil) {
	case 0:
	case 1:
		cause = nonNil[0]
	default:
		cause = errors.Join(nonNil...)
	}
	return &signing.SignError{
		Kind:      signing.ErrRemoteUnavailable,
		KeyHandle: s.handle,
		Attempts:  attempts,
		Err:       cause,
	}
}

func errorType(err error) string {
	switch {
	case errors.Is(err, signing.ErrRemoteRejected):
		return "rejected"
	case errors.Is(err, signing.ErrRemoteUnavailable):
		return "unavailable"
	case errors.Is(err, signing.ErrUnsupportedAlgorithm):
		return "unsupported_algorithm"
	default:
		return "signing_failed"
	}
}

var (
	_ signing.Signer            = (*Signer)(nil)
	_ signing.PublicKeyProvider = (*Signer)(nil)
)
