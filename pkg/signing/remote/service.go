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

// Package remote implements a Signer backed by a remote key-management
// service. The private key never leaves the service; the signer adds metadata
// caching, retry with exponential backoff and error classification on top of
// a minimal KeyService contract that each cloud backend implements.
package remote

import (
	"context"
	"crypto"
	"time"

	"github.com/jeremyhahn/go-keysign/pkg/types"
)

// KeyMetadata describes a remote key version.
type KeyMetadata struct {
	PublicKey crypto.PublicKey
	Algorithm types.SigningAlgorithm

	// FetchedAt is set by the signer when the metadata is cached.
	FetchedAt time.Time
}

// SignRequest is a single remote signing request. The same request value is
// reused across retries and must not be modified by the service.
type SignRequest struct {
	KeyHandle types.KeyHandle

	// Algorithm is the expected algorithm. It is empty when metadata could
	// not be resolved and the service must decide.
	Algorithm types.SigningAlgorithm

	// Message is the original payload.
	Message []byte

	// Digest is the pre-computed hash of Message for Algorithm. It is nil
	// for EdDSA and when Algorithm is empty, in which case services sign
	// Message directly.
	Digest []byte
}

// SignResponse is the raw service answer.
type SignResponse struct {
	// Signature in the service's native encoding. ECDSA signatures may be
	// ASN.1 DER; the signer normalises them.
	Signature []byte

	// Algorithm reported by the service, if any.
	Algorithm types.SigningAlgorithm

	// KeyHandle reported by the service, for example a fully qualified ARN.
	KeyHandle types.KeyHandle
}

// KeyService is the minimal contract of a remote key-management service.
type KeyService interface {
	// Name identifies the backend in logs and metrics.
	Name() string

	// GetKeyMetadata fetches the public key and algorithm of handle.
	// It fails with signing.ErrUnsupportedAlgorithm when the key uses an
	// algorithm that cannot be expressed as a JWS algorithm.
	GetKeyMetadata(ctx context.Context, handle types.KeyHandle) (*KeyMetadata, error)

	// Sign performs one signing request.
	Sign(ctx context.Context, req *SignRequest) (*SignResponse, error)
}
