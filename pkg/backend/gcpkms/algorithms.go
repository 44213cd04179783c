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
	"crypto"
	"fmt"

	"cloud.google.com/go/kms/apiv1/kmspb"

	"github.com/jeremyhahn/go-keysign/pkg/signing"
	"github.com/jeremyhahn/go-keysign/pkg/types"
)

// kmsAlgorithms maps the signing algorithms of Cloud KMS key versions to
// JWS algorithms. Anything else cannot produce a JWS.
var kmsAlgorithms = map[kmspb.CryptoKeyVersion_CryptoKeyVersionAlgorithm]types.SigningAlgorithm{
	kmspb.CryptoKeyVersion_RSA_SIGN_PSS_2048_SHA256:   types.PS256,
	kmspb.CryptoKeyVersion_RSA_SIGN_PSS_3072_SHA256:   types.PS256,
	kmspb.CryptoKeyVersion_RSA_SIGN_PSS_4096_SHA256:   types.PS256,
	kmspb.CryptoKeyVersion_RSA_SIGN_PSS_4096_SHA512:   types.PS512,
	kmspb.CryptoKeyVersion_RSA_SIGN_PKCS1_2048_SHA256: types.RS256,
	kmspb.CryptoKeyVersion_RSA_SIGN_PKCS1_3072_SHA256: types.RS256,
	kmspb.CryptoKeyVersion_RSA_SIGN_PKCS1_4096_SHA256: types.RS256,
	kmspb.CryptoKeyVersion_RSA_SIGN_PKCS1_4096_SHA512: types.RS512,
	kmspb.CryptoKeyVersion_EC_SIGN_P256_SHA256:        types.ES256,
	kmspb.CryptoKeyVersion_EC_SIGN_P384_SHA384:        types.ES384,
	kmspb.CryptoKeyVersion_EC_SIGN_ED25519:            types.EdDSA,
}

// AlgorithmFor returns the JWS algorithm of a Cloud KMS key version
// algorithm. Unsupported algorithms fail with signing.ErrUnsupportedAlgorithm.
func AlgorithmFor(alg kmspb.CryptoKeyVersion_CryptoKeyVersionAlgorithm) (types.SigningAlgorithm, error) {
	if sa, ok := kmsAlgorithms[alg]; ok {
		return sa, nil
	}
	return "", fmt.Errorf("%w: cloud KMS algorithm %s", signing.ErrUnsupportedAlgorithm, alg)
}

// digestFor wraps a pre-computed digest in the Cloud KMS digest message for
// the hash of alg.
func digestFor(alg types.SigningAlgorithm, digest []byte) (*kmspb.Digest, error) {
	hash := alg.HashFunc()
	if hash == 0 {
		return nil, fmt.Errorf("%w: %s does not sign digests", signing.ErrUnsupportedAlgorithm, alg)
	}
	if len(digest) != hash.Size() {
		return nil, fmt.Errorf("%w: %s expects %d bytes, got %d", ErrInvalidDigest, alg, hash.Size(), len(digest))
	}

	switch hash {
	case crypto.SHA256:
		return &kmspb.Digest{Digest: &kmspb.Digest_Sha256{Sha256: digest}}, nil
	case crypto.SHA384:
		return &kmspb.Digest{Digest: &kmspb.Digest_Sha384{Sha384: digest}}, nil
	case crypto.SHA512:
		return &kmspb.Digest{Digest: &kmspb.Digest_Sha512{Sha512: digest}}, nil
	default:
		return nil, fmt.Errorf("%w: unsupported hash algorithm %v", signing.ErrUnsupportedAlgorithm, hash)
	}
}
