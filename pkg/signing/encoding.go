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
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/x509"
	"encoding/asn1"
	"fmt"
	"math/big"

	"github.com/jeremyhahn/go-keysign/pkg/types"
)

type ecdsaSignature struct {
	R, S *big.Int
}

// ECDSAToJWS converts an ASN.1 DER ECDSA signature, as returned by
// crypto.Signer and cloud KMS services, to the fixed-width R||S form.
func ECDSAToJWS(der []byte, alg types.SigningAlgorithm) ([]byte, error) {
	size := alg.SignatureSize()
	if alg.KeyAlgorithm() != x509.ECDSA || size == 0 {
		return nil, fmt.Errorf("%w: %s is not an ECDSA algorithm", ErrUnsupportedAlgorithm, alg)
	}

	var sig ecdsaSignature
	rest, err := asn1.Unmarshal(der, &sig)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if len(rest) != 0 || sig.R == nil || sig.S == nil || sig.R.Sign() <= 0 || sig.S.Sign() <= 0 {
		return nil, fmt.Errorf("%w: malformed ECDSA signature", ErrInvalidSignature)
	}

	half := size / 2
	if len(sig.R.Bytes()) > half || len(sig.S.Bytes()) > half {
		return nil, fmt.Errorf("%w: ECDSA signature too large for %s", ErrInvalidSignature, alg)
	}

	out := make([]byte, size)
	sig.R.FillBytes(out[:half])
	sig.S.FillBytes(out[half:])
	return out, nil
}

// ECDSAFromJWS converts a fixed-width R||S signature back to ASN.1 DER.
func ECDSAFromJWS(raw []byte, alg types.SigningAlgorithm) ([]byte, error) {
	size := alg.SignatureSize()
	if alg.KeyAlgorithm() != x509.ECDSA || size == 0 {
		return nil, fmt.Errorf("%w: %s is not an ECDSA algorithm", ErrUnsupportedAlgorithm, alg)
	}
	if len(raw) != size {
		return nil, fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidSignature, size, len(raw))
	}
	half := size / 2
	return asn1.Marshal(ecdsaSignature{
		R: new(big.Int).SetBytes(raw[:half]),
		S: new(big.Int).SetBytes(raw[half:]),
	})
}

// NormalizeSignature returns sig in its JWS wire form. ECDSA signatures that
// parse as complete ASN.1 DER are converted to R||S; otherwise a signature of
// the fixed R||S width is returned unchanged. Other algorithms pass through.
func NormalizeSignature(sig []byte, alg types.SigningAlgorithm) ([]byte, error) {
	switch alg {
	case types.ES256, types.ES384, types.ES512:
		raw, err := ECDSAToJWS(sig, alg)
		if err == nil {
			return raw, nil
		}
		if len(sig) == alg.SignatureSize() {
			return sig, nil
		}
		return nil, err
	default:
		return sig, nil
	}
}

// Verify checks a JWS-form signature over message with the public key.
func Verify(pub crypto.PublicKey, alg types.SigningAlgorithm, message, sig []byte) error {
	if err := checkPublicKey(pub, alg); err != nil {
		return err
	}
	digest, err := alg.Digest(message)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnsupportedAlgorithm, err)
	}

	switch key := pub.(type) {
	case *rsa.PublicKey:
		if alg.IsPSS() {
			opts := alg.SignerOpts().(*rsa.PSSOptions)
			err = rsa.VerifyPSS(key, alg.HashFunc(), digest, sig, opts)
		} else {
			err = rsa.VerifyPKCS1v15(key, alg.HashFunc(), digest, sig)
		}
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
		}
	case *ecdsa.PublicKey:
		if len(sig) != alg.SignatureSize() {
			return fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidSignature, alg.SignatureSize(), len(sig))
		}
		half := len(sig) / 2
		r := new(big.Int).SetBytes(sig[:half])
		s := new(big.Int).SetBytes(sig[half:])
		if !ecdsa.Verify(key, digest, r, s) {
			return fmt.Errorf("%w: ECDSA verification failed", ErrInvalidSignature)
		}
	case ed25519.PublicKey:
		if !ed25519.Verify(key, message, sig) {
			return fmt.Errorf("%w: Ed25519 verification failed", ErrInvalidSignature)
		}
	}
	return nil
}
