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

package signing

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"fmt"
	"io"
	"time"

	"github.com/jeremyhahn/go-keysign/pkg/adapters/logger"
	"github.com/jeremyhahn/go-keysign/pkg/metrics"
	"github.com/jeremyhahn/go-keysign/pkg/types"
)

// LocalSigner signs with in-process asymmetric key material bound to one
// algorithm. The private key never leaves the signer.
type LocalSigner struct {
	key    crypto.Signer
	pub    crypto.PublicKey
	alg    types.SigningAlgorithm
	handle types.KeyHandle
	rand   io.Reader
	logger logger.Logger
}

// LocalOption configures a LocalSigner.
type LocalOption func(*LocalSigner)

// WithKeyHandle overrides the default thumbprint key handle.
func WithKeyHandle(h types.KeyHandle) LocalOption {
	return func(s *LocalSigner) {
		s.handle = h
	}
}

// WithRandReader sets the entropy source for randomized algorithms.
func WithRandReader(r io.Reader) LocalOption {
	return func(s *LocalSigner) {
		s.rand = r
	}
}

// WithLogger sets the logger used by the signer.
func WithLogger(l logger.Logger) LocalOption {
	return func(s *LocalSigner) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewLocalSigner validates key against alg and returns a signer bound to them.
//
// key must be an *rsa.PrivateKey, *ecdsa.PrivateKey, ed25519.PrivateKey or
// any other crypto.Signer whose public key fits alg. Malformed keys fail
// with ErrInvalidKey, key/algorithm mismatches with ErrUnsupportedAlgorithm.
// When no handle is supplied the RFC 7638 thumbprint of the public key is used.
func NewLocalSigner(key crypto.PrivateKey, alg types.SigningAlgorithm, opts ...LocalOption) (*LocalSigner, error) {
	if key == nil {
		return nil, NewSignError(ErrInvalidKey, "", fmt.Errorf("private key is nil"))
	}
	if !alg.IsValid() {
		return nil, NewSignError(ErrUnsupportedAlgorithm, "", fmt.Errorf("unknown algorithm %q", string(alg)))
	}

	signer, err := validatePrivateKey(key)
	if err != nil {
		return nil, NewSignError(ErrInvalidKey, "", err)
	}
	pub := signer.Public()
	if err := checkPublicKey(pub, alg); err != nil {
		return nil, err
	}

	s := &LocalSigner{
		key:    signer,
		pub:    pub,
		alg:    alg,
		rand:   rand.Reader,
		logger: logger.NewNoOp(),
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.handle.IsZero() {
		h, err := Thumbprint(pub)
		if err != nil {
			return nil, err
		}
		s.handle = h
	}
	return s, nil
}

// NewLocalSignerFromPEM parses a PEM private key and binds it to alg. An
// empty alg selects the default algorithm for the key type.
func NewLocalSignerFromPEM(data, password []byte, alg types.SigningAlgorithm, opts ...LocalOption) (*LocalSigner, error) {
	key, err := ParsePrivateKeyPEM(data, password)
	if err != nil {
		return nil, err
	}
	if alg == "" {
		if alg, err = InferAlgorithm(key.Public()); err != nil {
			return nil, err
		}
	}
	return NewLocalSigner(key, alg, opts...)
}

// Algorithm returns the bound algorithm.
func (s *LocalSigner) Algorithm(context.Context) (types.SigningAlgorithm, error) {
	return s.alg, nil
}

// KeyHandle returns the key identifier.
func (s *LocalSigner) KeyHandle() types.KeyHandle {
	return s.handle
}

// Public returns the public key.
func (s *LocalSigner) Public() crypto.PublicKey {
	return s.pub
}

// PublicKey returns the public key. It implements PublicKeyProvider.
func (s *LocalSigner) PublicKey(context.Context) (crypto.PublicKey, error) {
	return s.pub, nil
}

// Sign signs payload with the bound algorithm. The work is synchronous; a
// context that is already done is honoured before any work starts.
func (s *LocalSigner) Sign(ctx context.Context, payload []byte) (*Signature, error) {
	return s.SignWithAlgorithm(ctx, s.alg, payload)
}

// SignWithAlgorithm signs payload, failing with ErrUnsupportedAlgorithm when
// alg is not the bound algorithm.
func (s *LocalSigner) SignWithAlgorithm(ctx context.Context, alg types.SigningAlgorithm, payload []byte) (*Signature, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if alg != s.alg {
		return nil, NewSignError(ErrUnsupportedAlgorithm, s.handle,
			fmt.Errorf("key is bound to %s, %s requested", s.alg, alg))
	}

	start := time.Now()
	sig, err := s.sign(payload)
	duration := time.Since(start).Seconds()
	if err != nil {
		metrics.RecordSign(types.BackendLocal.String(), s.alg.String(), metrics.StatusError, duration)
		s.logger.Error("local signing failed",
			logger.String("key_handle", s.handle.String()),
			logger.String("algorithm", s.alg.String()),
			logger.Error(err))
		return nil, err
	}
	metrics.RecordSign(types.BackendLocal.String(), s.alg.String(), metrics.StatusSuccess, duration)

	return &Signature{
		Bytes:     sig,
		Algorithm: s.alg,
		KeyHandle: s.handle,
	}, nil
}

func (s *LocalSigner) sign(payload []byte) ([]byte, error) {
	digest, err := s.alg.Digest(payload)
	if err != nil {
		return nil, NewSignError(ErrUnsupportedAlgorithm, s.handle, err)
	}

	sig, err := s.key.Sign(s.rand, digest, s.alg.SignerOpts())
	if err != nil {
		return nil, NewSignError(ErrSigningFailed, s.handle, err)
	}

	if s.alg.KeyAlgorithm() == x509.ECDSA {
		sig, err = ECDSAToJWS(sig, s.alg)
		if err != nil {
			return nil, NewSignError(ErrSigningFailed, s.handle, err)
		}
	}
	return sig, nil
}

// validatePrivateKey checks the private half of standard key types and
// returns the key as a crypto.Signer.
func validatePrivateKey(key crypto.PrivateKey) (crypto.Signer, error) {
	switch k := key.(type) {
	case *rsa.PrivateKey:
		if err := k.Validate(); err != nil {
			return nil, err
		}
		return k, nil
	case *ecdsa.PrivateKey:
		if k.Curve == nil || k.D == nil {
			return nil, fmt.Errorf("malformed ECDSA private key")
		}
		if _, err := k.ECDH(); err != nil {
			return nil, err
		}
		return k, nil
	case ed25519.PrivateKey:
		if len(k) != ed25519.PrivateKeySize {
			return nil, fmt.Errorf("invalid Ed25519 private key length %d", len(k))
		}
		return k, nil
	case *ed25519.PrivateKey:
		if k == nil {
			return nil, fmt.Errorf("nil Ed25519 private key")
		}
		return validatePrivateKey(*k)
	case crypto.Signer:
		return k, nil
	default:
		return nil, fmt.Errorf("%T cannot sign", key)
	}
}
