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

package types

import (
	"crypto"
	"crypto/elliptic"
	"crypto/rsa"
	"crypto/x509"
	"fmt"
	"strings"

	// Register the SHA-2 implementations used by crypto.Hash.New.
	_ "crypto/sha256"
	_ "crypto/sha512"
)

// =============================================================================
// JWS Signature Algorithms
// =============================================================================
// Identifiers follow RFC 7518 section 3.1 and RFC 8037 for EdDSA.

// SigningAlgorithm is a JWS "alg" identifier. An algorithm is fixed once it
// has been bound to a key.
type SigningAlgorithm string

const (
	// RS256 is RSASSA-PKCS1-v1_5 using SHA-256.
	RS256 SigningAlgorithm = "RS256"

	// RS384 is RSASSA-PKCS1-v1_5 using SHA-384.
	RS384 SigningAlgorithm = "RS384"

	// RS512 is RSASSA-PKCS1-v1_5 using SHA-512.
	RS512 SigningAlgorithm = "RS512"

	// PS256 is RSASSA-PSS using SHA-256 and MGF1 with SHA-256.
	PS256 SigningAlgorithm = "PS256"

	// PS384 is RSASSA-PSS using SHA-384 and MGF1 with SHA-384.
	PS384 SigningAlgorithm = "PS384"

	// PS512 is RSASSA-PSS using SHA-512 and MGF1 with SHA-512.
	PS512 SigningAlgorithm = "PS512"

	// ES256 is ECDSA using P-256 and SHA-256.
	ES256 SigningAlgorithm = "ES256"

	// ES384 is ECDSA using P-384 and SHA-384.
	ES384 SigningAlgorithm = "ES384"

	// ES512 is ECDSA using P-521 and SHA-512.
	ES512 SigningAlgorithm = "ES512"

	// EdDSA is Ed25519 signing over the raw message.
	EdDSA SigningAlgorithm = "EdDSA"
)

// MinRSAKeyBits is the smallest RSA modulus accepted for JWS signing
// (RFC 7518 section 3.3).
const MinRSAKeyBits = 2048

// SupportedAlgorithms lists every algorithm the signers can produce.
func SupportedAlgorithms() []SigningAlgorithm {
	return []SigningAlgorithm{RS256, RS384, RS512, PS256, PS384, PS512, ES256, ES384, ES512, EdDSA}
}

// ParseSigningAlgorithm converts a JWS "alg" value into a SigningAlgorithm.
// The comparison is case-insensitive; "Ed25519" is accepted as an alias for EdDSA.
func ParseSigningAlgorithm(s string) (SigningAlgorithm, error) {
	if strings.EqualFold(s, "Ed25519") {
		return EdDSA, nil
	}
	for _, alg := range SupportedAlgorithms() {
		if strings.EqualFold(string(alg), s) {
			return alg, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownAlgorithm, s)
}

// String returns the JWS "alg" value.
func (a SigningAlgorithm) String() string {
	return string(a)
}

// IsValid reports whether the algorithm is one of the supported identifiers.
func (a SigningAlgorithm) IsValid() bool {
	for _, alg := range SupportedAlgorithms() {
		if a == alg {
			return true
		}
	}
	return false
}

// Description returns a human-readable name for the algorithm.
func (a SigningAlgorithm) Description() string {
	switch a {
	case RS256:
		return "RSA-PKCS1-SHA256"
	case RS384:
		return "RSA-PKCS1-SHA384"
	case RS512:
		return "RSA-PKCS1-SHA512"
	case PS256:
		return "RSA-PSS-SHA256"
	case PS384:
		return "RSA-PSS-SHA384"
	case PS512:
		return "RSA-PSS-SHA512"
	case ES256:
		return "ECDSA-P256"
	case ES384:
		return "ECDSA-P384"
	case ES512:
		return "ECDSA-P521"
	case EdDSA:
		return "EdDSA-Ed25519"
	default:
		return "unknown"
	}
}

// HashFunc returns the digest function for the algorithm. EdDSA signs the
// message directly and returns crypto.Hash(0).
func (a SigningAlgorithm) HashFunc() crypto.Hash {
	switch a {
	case RS256, PS256, ES256:
		return crypto.SHA256
	case RS384, PS384, ES384:
		return crypto.SHA384
	case RS512, PS512, ES512:
		return crypto.SHA512
	default:
		return 0
	}
}

// KeyAlgorithm returns the public key algorithm required by the signature algorithm.
func (a SigningAlgorithm) KeyAlgorithm() x509.PublicKeyAlgorithm {
	switch a {
	case RS256, RS384, RS512, PS256, PS384, PS512:
		return x509.RSA
	case ES256, ES384, ES512:
		return x509.ECDSA
	case EdDSA:
		return x509.Ed25519
	default:
		return x509.UnknownPublicKeyAlgorithm
	}
}

// IsPSS reports whether the algorithm uses RSASSA-PSS padding.
func (a SigningAlgorithm) IsPSS() bool {
	return a == PS256 || a == PS384 || a == PS512
}

// Curve returns the elliptic curve bound to an ECDSA algorithm, or nil.
func (a SigningAlgorithm) Curve() elliptic.Curve {
	switch a {
	case ES256:
		return elliptic.P256()
	case ES384:
		return elliptic.P384()
	case ES512:
		return elliptic.P521()
	default:
		return nil
	}
}

// SignatureSize returns the fixed JWS signature length for ECDSA (R||S) and
// EdDSA algorithms. RSA signature length depends on the modulus and returns 0.
func (a SigningAlgorithm) SignatureSize() int {
	switch a {
	case ES256:
		return 64
	case ES384:
		return 96
	case ES512:
		return 132
	case EdDSA:
		return 64
	default:
		return 0
	}
}

// SignerOpts returns the crypto.SignerOpts a crypto.Signer needs to produce
// this algorithm. PSS uses a salt length equal to the hash length.
func (a SigningAlgorithm) SignerOpts() crypto.SignerOpts {
	if a.IsPSS() {
		return &rsa.PSSOptions{
			SaltLength: rsa.PSSSaltLengthEqualsHash,
			Hash:       a.HashFunc(),
		}
	}
	return a.HashFunc()
}

// Digest hashes message with the algorithm's hash function. For EdDSA the
// message is returned unchanged.
func (a SigningAlgorithm) Digest(message []byte) ([]byte, error) {
	if !a.IsValid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAlgorithm, string(a))
	}
	if a == EdDSA {
		return message, nil
	}
	h := a.HashFunc()
	if !h.Available() {
		return nil, fmt.Errorf("%w: %s", ErrHashUnavailable, h)
	}
	hasher := h.New()
	hasher.Write(message)
	return hasher.Sum(nil), nil
}
