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

// Package signing defines the Signer capability shared by local and remote
// key backends, the error taxonomy they report, and an in-process signer
// over asymmetric key material.
package signing

import (
	"context"
	"crypto"

	"github.com/jeremyhahn/go-keysign/pkg/types"
)

// Signature is the result of a signing operation.
//
// Bytes is in the RFC 7518 encoding for Algorithm: ECDSA signatures are the
// fixed-width R||S concatenation, RSA and EdDSA signatures are the raw
// signature octets. Algorithm is the algorithm that actually produced the
// signature and is authoritative.
type Signature struct {
	Bytes     []byte
	Algorithm types.SigningAlgorithm
	KeyHandle types.KeyHandle
}

// Signer signs payloads. Implementations must be safe for concurrent use and
// must never modify the payload.
type Signer interface {
	// Algorithm returns the algorithm the signer expects to sign with.
	// Remote signers may need a metadata lookup to answer.
	Algorithm(ctx context.Context) (types.SigningAlgorithm, error)

	// KeyHandle returns the identifier of the signing key.
	KeyHandle() types.KeyHandle

	// Sign signs payload. The payload is hashed as the algorithm requires;
	// callers pass the message, not a digest.
	Sign(ctx context.Context, payload []byte) (*Signature, error)
}

// PublicKeyProvider is implemented by signers that can expose their
// verification key.
type PublicKeyProvider interface {
	PublicKey(ctx context.Context) (crypto.PublicKey, error)
}
