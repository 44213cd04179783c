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

// Package factory builds signers, secret sources and JWS encoders from the
// keysign configuration.
package factory

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/jeremyhahn/go-keysign/internal/config"
	"github.com/jeremyhahn/go-keysign/pkg/adapters/logger"
	"github.com/jeremyhahn/go-keysign/pkg/backend/awskms"
	"github.com/jeremyhahn/go-keysign/pkg/backend/azurekv"
	"github.com/jeremyhahn/go-keysign/pkg/backend/gcpkms"
	"github.com/jeremyhahn/go-keysign/pkg/backend/vault"
	"github.com/jeremyhahn/go-keysign/pkg/encoding/jws"
	"github.com/jeremyhahn/go-keysign/pkg/metrics"
	"github.com/jeremyhahn/go-keysign/pkg/ratelimit"
	"github.com/jeremyhahn/go-keysign/pkg/secrets"
	secretsazure "github.com/jeremyhahn/go-keysign/pkg/secrets/azurekv"
	secretsgcp "github.com/jeremyhahn/go-keysign/pkg/secrets/gcpsm"
	secretsvault "github.com/jeremyhahn/go-keysign/pkg/secrets/vault"
	"github.com/jeremyhahn/go-keysign/pkg/signing"
	"github.com/jeremyhahn/go-keysign/pkg/signing/remote"
	"github.com/jeremyhahn/go-keysign/pkg/types"
)

// ErrClosed is returned after Close.
var ErrClosed = errors.New("factory: closed")

// Factory owns everything built from one configuration. Components are
// created on first use and shared afterwards; Close releases them.
type Factory struct {
	cfg    *config.Config
	logger logger.Logger

	gcpClient   gcpkms.KMSClient
	awsClient   awskms.KMSClient
	vaultClient vault.LogicalClient
	azureClient azurekv.KeysClient
	smClient    secretsgcp.SecretsClient
	extra       map[string]secrets.Source

	mu      sync.Mutex
	closed  bool
	router  *secrets.Router
	limiter *ratelimit.Limiter
	signer  signing.Signer
	closers []io.Closer
}

// Option configures a Factory.
type Option func(*Factory)

// WithLogger sets the logger handed to every component.
func WithLogger(l logger.Logger) Option {
	return func(f *Factory) {
		if l != nil {
			f.logger = l
		}
	}
}

// WithGCPClient replaces the Cloud KMS client.
func WithGCPClient(c gcpkms.KMSClient) Option {
	return func(f *Factory) { f.gcpClient = c }
}

// WithAWSClient replaces the AWS KMS client.
func WithAWSClient(c awskms.KMSClient) Option {
	return func(f *Factory) { f.awsClient = c }
}

// WithVaultClient replaces the Vault logical client used for Transit.
func WithVaultClient(c vault.LogicalClient) Option {
	return func(f *Factory) { f.vaultClient = c }
}

// WithAzureKeysClient replaces the Key Vault keys client.
func WithAzureKeysClient(c azurekv.KeysClient) Option {
	return func(f *Factory) { f.azureClient = c }
}

// WithSecretManagerClient replaces the Secret Manager client used by the
// gcpsm secret source.
func WithSecretManagerClient(c secretsgcp.SecretsClient) Option {
	return func(f *Factory) { f.smClient = c }
}

// WithSecretSource registers an additional source under scheme. It takes
// precedence over a configured source of the same scheme.
func WithSecretSource(scheme string, src secrets.Source) Option {
	return func(f *Factory) {
		if f.extra == nil {
			f.extra = make(map[string]secrets.Source)
		}
		f.extra[scheme] = src
	}
}

// New validates cfg and returns a factory. Metrics collection follows
// cfg.Metrics.
func New(cfg *config.Config, opts ...Option) (*Factory, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	f := &Factory{
		cfg:    cfg,
		logger: logger.NewNoOp(),
	}
	for _, opt := range opts {
		opt(f)
	}
	if cfg.Metrics.Enabled {
		metrics.Enable()
	} else {
		metrics.Disable()
	}
	return f, nil
}

// NewLogger builds the logger described by cfg, writing to w. The json and
// console formats use zerolog; text uses log/slog.
func NewLogger(cfg config.LoggingConfig, w io.Writer) (logger.Logger, error) {
	level, err := logger.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	if w == nil {
		w = os.Stderr
	}
	switch strings.ToLower(cfg.Format) {
	case "", "console":
		return logger.NewZerologAdapter(&logger.ZerologConfig{Writer: w, Level: level, Console: true}), nil
	case "json":
		return logger.NewZerologAdapter(&logger.ZerologConfig{Writer: w, Level: level}), nil
	case "text":
		return logger.NewSlogAdapter(&logger.SlogConfig{Writer: w, Level: level}), nil
	default:
		return nil, fmt.Errorf("%w: invalid log format: %s", config.ErrInvalidConfig, cfg.Format)
	}
}

// Secrets returns the router over every configured secret source. Each
// source is wrapped in a CachedSource.
func (f *Factory) Secrets() (*secrets.Router, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.secretsLocked()
}

func (f *Factory) secretsLocked() (*secrets.Router, error) {
	if f.closed {
		return nil, ErrClosed
	}
	if f.router != nil {
		return f.router, nil
	}

	sc := f.cfg.Secrets
	sources := make(map[string]secrets.Source)
	if sc.Dir != "" {
		sources["file"] = secrets.NewFileSource(sc.Dir)
	}
	if sc.EnvPrefix != "" {
		sources["env"] = secrets.NewEnvSource(sc.EnvPrefix)
	}
	if sc.Vault != nil {
		src, err := secretsvault.NewSource(sc.Vault, secretsvault.WithLogger(f.logger))
		if err != nil {
			return nil, err
		}
		sources["vault"] = src
	}
	if sc.AzureKV != nil {
		src, err := secretsazure.NewSource(sc.AzureKV, secretsazure.WithLogger(f.logger))
		if err != nil {
			return nil, err
		}
		sources["azurekv"] = src
	}
	if sc.GCPSM != nil {
		var (
			src *secretsgcp.Source
			err error
		)
		if f.smClient != nil {
			src, err = secretsgcp.NewSourceWithClient(sc.GCPSM, f.smClient, secretsgcp.WithLogger(f.logger))
		} else {
			src, err = secretsgcp.NewSource(sc.GCPSM, secretsgcp.WithLogger(f.logger))
		}
		if err != nil {
			return nil, err
		}
		sources["gcpsm"] = src
		f.closers = append(f.closers, src)
	}
	for scheme, src := range f.extra {
		sources[scheme] = src
	}

	router := secrets.NewRouter()
	for scheme, src := range sources {
		router.Register(scheme, secrets.NewCachedSource(src,
			secrets.WithName(scheme),
			secrets.WithTTL(sc.CacheTTL),
			secrets.WithFetchTimeout(sc.FetchTimeout),
			secrets.WithLogger(f.logger)))
	}
	f.router = router
	return router, nil
}

// Signer returns the signer selected by the configuration. Remote signers
// prefetch key metadata when remote.prefetch is set, so a missing or
// unsupported key fails here rather than on the first Sign.
func (f *Factory) Signer(ctx context.Context) (signing.Signer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, ErrClosed
	}
	if f.signer != nil {
		return f.signer, nil
	}

	var (
		s   signing.Signer
		err error
	)
	if f.cfg.Backend == types.BackendLocal {
		s, err = f.localSigner(ctx)
	} else {
		s, err = f.remoteSigner(ctx)
	}
	if err != nil {
		return nil, err
	}

	f.logger.Info("signer ready",
		logger.String("backend", f.cfg.Backend.String()),
		logger.String("key_handle", s.KeyHandle().String()))
	f.signer = s
	return s, nil
}

// Encoder returns a JWS encoder over Signer with the configured headers.
func (f *Factory) Encoder(ctx context.Context, opts ...jws.Option) (*jws.Encoder, error) {
	s, err := f.Signer(ctx)
	if err != nil {
		return nil, err
	}
	base := []jws.Option{jws.WithLogger(f.logger)}
	if f.cfg.JWS.Type != "" {
		base = append(base, jws.WithType(f.cfg.JWS.Type))
	}
	if f.cfg.JWS.ContentType != "" {
		base = append(base, jws.WithContentType(f.cfg.JWS.ContentType))
	}
	return jws.New(s, append(base, opts...)...)
}

func (f *Factory) localSigner(ctx context.Context) (signing.Signer, error) {
	lc := f.cfg.Local

	password := []byte(lc.Password)
	if lc.PasswordRef != "" {
		router, err := f.secretsLocked()
		if err != nil {
			return nil, err
		}
		pw, err := secrets.Get(ctx, router, lc.PasswordRef, secrets.String)
		if err != nil {
			return nil, fmt.Errorf("factory: resolve key password: %w", err)
		}
		password = []byte(pw)
	}

	opts := []signing.LocalOption{signing.WithLogger(f.logger)}
	if f.cfg.KeyHandle != "" {
		opts = append(opts, signing.WithKeyHandle(types.KeyHandle(f.cfg.KeyHandle)))
	}

	if lc.KeyFile != "" {
		pemData, err := os.ReadFile(lc.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("factory: read key file: %w", err)
		}
		return signing.NewLocalSignerFromPEM(pemData, password, lc.Algorithm, opts...)
	}

	router, err := f.secretsLocked()
	if err != nil {
		return nil, err
	}
	key, err := secrets.Get(ctx, router, lc.KeyRef, secrets.PrivateKey(password))
	if err != nil {
		return nil, fmt.Errorf("factory: resolve key %s: %w", lc.KeyRef, err)
	}
	alg := lc.Algorithm
	if alg == "" {
		if alg, err = signing.InferAlgorithm(key.Public()); err != nil {
			return nil, err
		}
	}
	return signing.NewLocalSigner(key, alg, opts...)
}

func (f *Factory) remoteSigner(ctx context.Context) (signing.Signer, error) {
	service, handle, err := f.keyService(ctx)
	if err != nil {
		return nil, err
	}
	if closer, ok := service.(io.Closer); ok {
		f.closers = append(f.closers, closer)
	}

	rc := f.cfg.Remote
	opts := []remote.Option{
		remote.WithLogger(f.logger),
		remote.WithRetryPolicy(f.cfg.Retry),
		remote.WithCacheTTL(rc.CacheTTL),
		remote.WithMetadataTimeout(rc.MetadataTimeout),
		remote.WithVerification(rc.Verify),
	}
	if rc.Algorithm != "" {
		opts = append(opts, remote.WithFallbackAlgorithm(rc.Algorithm))
	}
	if f.cfg.RateLimit.Enabled {
		opts = append(opts, remote.WithLimiter(f.limiterLocked()))
	}

	s, err := remote.New(service, handle, opts...)
	if err != nil {
		return nil, err
	}
	f.closers = append(f.closers, s)

	if rc.Prefetch {
		if err := s.Prefetch(ctx); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// keyService builds the backend named by the configuration and resolves
// the key handle, falling back to the backend's configured default key.
func (f *Factory) keyService(ctx context.Context) (remote.KeyService, types.KeyHandle, error) {
	handle := types.KeyHandle(f.cfg.KeyHandle)

	switch f.cfg.Backend {
	case types.BackendGCPKMS:
		var (
			b   *gcpkms.Backend
			err error
		)
		if f.gcpClient != nil {
			b, err = gcpkms.NewBackendWithClient(f.cfg.GCPKMS, f.gcpClient, gcpkms.WithLogger(f.logger))
		} else {
			b, err = gcpkms.NewBackend(ctx, f.cfg.GCPKMS, gcpkms.WithLogger(f.logger))
		}
		return b, handle, err

	case types.BackendAWSKMS:
		if handle.IsZero() {
			handle = types.KeyHandle(f.cfg.AWSKMS.KeyID)
		}
		var (
			b   *awskms.Backend
			err error
		)
		if f.awsClient != nil {
			b, err = awskms.NewBackendWithClient(f.cfg.AWSKMS, f.awsClient, awskms.WithLogger(f.logger))
		} else {
			b, err = awskms.NewBackend(f.cfg.AWSKMS, awskms.WithLogger(f.logger))
		}
		return b, handle, err

	case types.BackendVault:
		var (
			b   *vault.Backend
			err error
		)
		if f.vaultClient != nil {
			b, err = vault.NewBackendWithClient(f.cfg.Vault, f.vaultClient, vault.WithLogger(f.logger))
		} else {
			b, err = vault.NewBackend(f.cfg.Vault, vault.WithLogger(f.logger))
		}
		return b, handle, err

	case types.BackendAzureKV:
		var (
			b   *azurekv.Backend
			err error
		)
		if f.azureClient != nil {
			b, err = azurekv.NewBackendWithClient(f.cfg.AzureKV, f.azureClient, azurekv.WithLogger(f.logger))
		} else {
			b, err = azurekv.NewBackend(f.cfg.AzureKV, azurekv.WithLogger(f.logger))
		}
		return b, handle, err

	default:
		return nil, "", fmt.Errorf("%w: unknown backend %q", config.ErrInvalidConfig, f.cfg.Backend)
	}
}

// Limiter returns the rate limiter shared by the remote signers of this
// factory. A disabled configuration yields a limiter that never blocks.
func (f *Factory) Limiter() *ratelimit.Limiter {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.limiterLocked()
}

func (f *Factory) limiterLocked() *ratelimit.Limiter {
	if f.limiter == nil {
		f.limiter = ratelimit.New(&f.cfg.RateLimit)
	}
	return f.limiter
}

// Close releases signers, backends and the shared rate limiter.
func (f *Factory) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true

	var errs []error
	for i := len(f.closers) - 1; i >= 0; i-- {
		if err := f.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	f.closers = nil
	if f.limiter != nil {
		f.limiter.Stop()
	}
	return errors.Join(errs...)
}
