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
	"crypto/elliptic"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"

	"github.com/go-jose/go-jose/v4"
	"github.com/jeremyhahn/go-keysign/pkg/types"
	"github.com/youmark/pkcs8"
)

// PEM block types accepted by ParsePrivateKeyPEM.
const (
	pemTypePKCS8          = "PRIVATE KEY"
	pemTypeEncryptedPKCS8 = "ENCRYPTED PRIVATE KEY"
	pemTypeRSA            = "RSA PRIVATE KEY"
	pemTypeEC             = "EC PRIVATE KEY"
	pemTypePublicKey      = "PUBLIC KEY"
	pemTypeCertificate    = "CERTIFICATE"
)

// ParsePrivateKeyPEM decodes the first private key block in data. PKCS#8,
// PKCS#1 and SEC1 blocks are supported, as are encrypted PKCS#8 blocks when
// password is non-empty. Every failure wraps ErrInvalidKey.
func ParsePrivateKeyPEM(data, password []byte) (crypto.Signer, error) {
	rest := data
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			return nil, fmt.Errorf("%w: no private key PEM block found", ErrInvalidKey)
		}

		var (
			key any
			err error
		)
		switch block.Type {
		case pemTypePKCS8:
			key, err = x509.ParsePKCS8PrivateKey(block.Bytes)
		case pemTypeEncryptedPKCS8:
			if len(password) == 0 {
				return nil, fmt.Errorf("%w: encrypted key requires a password", ErrInvalidKey)
			}
			key, err = pkcs8.ParsePKCS8PrivateKey(block.Bytes, password)
		case pemTypeRSA:
			key, err = x509.ParsePKCS1PrivateKey(block.Bytes)
		case pemTypeEC:
			key, err = x509.ParseECPrivateKey(block.Bytes)
		default:
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
		}

		signer, ok := key.(crypto.Signer)
		if !ok {
			return nil, fmt.Errorf("%w: %T cannot sign", ErrInvalidKey, key)
		}
		return signer, nil
	}
}

// ParsePublicKeyPEM decodes a PKIX public key or the public key of an X.509
// certificate.
func ParsePublicKeyPEM(data []byte) (crypto.PublicKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("%w: failed to decode PEM block", ErrInvalidKey)
	}
	switch block.Type {
	case pemTypePublicKey:
		pub, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
		}
		return pub, nil
	case pemTypeCertificate:
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
		}
		return cert.PublicKey, nil
	default:
		return nil, fmt.Errorf("%w: unexpected PEM block %q", ErrInvalidKey, block.Type)
	}
}

// MarshalPublicKeyPEM encodes pub as a PKIX "PUBLIC KEY" PEM block.
func MarshalPublicKeyPEM(pub crypto.PublicKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: pemTypePublicKey, Bytes: der}), nil
}

// InferAlgorithm returns the default JWS algorithm for a public key:
// RS256 for RSA, ES256/ES384/ES512 by curve and EdDSA for Ed25519.
func InferAlgorithm(pub crypto.PublicKey) (types.SigningAlgorithm, error) {
	switch key := pub.(type) {
	case *rsa.PublicKey:
		return types.RS256, nil
	case *ecdsa.PublicKey:
		switch key.Curve {
		case elliptic.P256():
			return types.ES256, nil
		case elliptic.P384():
			return types.ES384, nil
		case elliptic.P521():
			return types.ES512, nil
		}
		return "", fmt.Errorf("%w: curve %s", ErrUnsupportedAlgorithm, curveName(key.Curve))
	case ed25519.PublicKey:
		return types.EdDSA, nil
	default:
		return "", fmt.Errorf("%w: key type %T", ErrUnsupportedAlgorithm, pub)
	}
}

// Thumbprint returns the base64url RFC 7638 SHA-256 thumbprint of pub.
func Thumbprint(pub crypto.PublicKey) (types.KeyHandle, error) {
	jwk := jose.JSONWebKey{Key: pub}
	sum, err := jwk.Thumbprint(crypto.SHA256)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return types.KeyHandle(base64.RawURLEncoding.EncodeToString(sum)), nil
}

// checkPublicKey verifies that pub is well formed and fits alg.
func checkPublicKey(pub crypto.PublicKey, alg types.SigningAlgorithm) error {
	if !alg.IsValid() {
		return fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, string(alg))
	}

	switch key := pub.(type) {
	case *rsa.PublicKey:
		if alg.KeyAlgorithm() != x509.RSA {
			return fmt.Errorf("%w: %s requires a %s key, got RSA", ErrUnsupportedAlgorithm, alg, alg.KeyAlgorithm())
		}
		if key.N == nil || key.E < 3 {
			return fmt.Errorf("%w: malformed RSA public key", ErrInvalidKey)
		}
		if key.N.BitLen() < types.MinRSAKeyBits {
			return fmt.Errorf("%w: RSA key is %d bits, minimum is %d", ErrInvalidKey, key.N.BitLen(), types.MinRSAKeyBits)
		}
	case *ecdsa.PublicKey:
		if alg.KeyAlgorithm() != x509.ECDSA {
			return fmt.Errorf("%w: %s requires a %s key, got ECDSA", ErrUnsupportedAlgorithm, alg, alg.KeyAlgorithm())
		}
		if key.Curve == nil {
			return fmt.Errorf("%w: ECDSA key has no curve", ErrInvalidKey)
		}
		if key.Curve != alg.Curve() {
			return fmt.Errorf("%w: %s requires %s, got %s", ErrUnsupportedAlgorithm, alg,
				curveName(alg.Curve()), curveName(key.Curve))
		}
		if _, err := key.ECDH(); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidKey, err)
		}
	case ed25519.PublicKey:
		if alg != types.EdDSA {
			return fmt.Errorf("%w: %s requires a %s key, got Ed25519", ErrUnsupportedAlgorithm, alg, alg.KeyAlgorithm())
		}
		if len(key) != ed25519.PublicKeySize {
			return fmt.Errorf("%w: Ed25519 public key is %d bytes", ErrInvalidKey, len(key))
		}
	case nil:
		return fmt.Errorf("%w: public key is nil", ErrInvalidKey)
	default:
		return fmt.Errorf("%w: key type %T", ErrUnsupportedAlgorithm, pub)
	}
	return nil
}

func curveName(c elliptic.Curve) string {
	if c == nil || c.Params() == nil {
		return "unknown"
	}
	return c.Params().Name
}
