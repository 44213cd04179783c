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

package awskms

import (
	"fmt"
	"slices"

	awstypes "github.com/aws/aws-sdk-go-v2/service/kms/types"

	"github.com/jeremyhahn/go-keysign/pkg/signing"
	"github.com/jeremyhahn/go-keysign/pkg/types"
)

// awsAlgorithms maps JWS algorithms to KMS signing algorithm specs.
var awsAlgorithms = map[types.SigningAlgorithm]awstypes.SigningAlgorithmSpec{
	types.RS256: awstypes.SigningAlgorithmSpecRsassaPkcs1V15Sha256,
	types.RS384: awstypes.SigningAlgorithmSpecRsassaPkcs1V15Sha384,
	types.RS512: awstypes.SigningAlgorithmSpecRsassaPkcs1V15Sha512,
	types.PS256: awstypes.SigningAlgorithmSpecRsassaPssSha256,
	types.PS384: awstypes.SigningAlgorithmSpecRsassaPssSha384,
	types.PS512: awstypes.SigningAlgorithmSpecRsassaPssSha512,
	types.ES256: awstypes.SigningAlgorithmSpecEcdsaSha256,
	types.ES384: awstypes.SigningAlgorithmSpecEcdsaSha384,
	types.ES512: awstypes.SigningAlgorithmSpecEcdsaSha512,
}

// SigningAlgorithmSpec returns the KMS spec for a JWS algorithm.
func SigningAlgorithmSpec(alg types.SigningAlgorithm) (awstypes.SigningAlgorithmSpec, error) {
	if spec, ok := awsAlgorithms[alg]; ok {
		return spec, nil
	}
	return "", fmt.Errorf("%w: %s has no AWS KMS equivalent", signing.ErrUnsupportedAlgorithm, alg)
}

// AlgorithmFor returns the JWS algorithm of a KMS signing algorithm spec.
func AlgorithmFor(spec awstypes.SigningAlgorithmSpec) (types.SigningAlgorithm, error) {
	for alg, s := range awsAlgorithms {
		if s == spec {
			return alg, nil
		}
	}
	return "", fmt.Errorf("%w: AWS KMS algorithm %s", signing.ErrUnsupportedAlgorithm, spec)
}

// algorithmForKey picks the JWS algorithm a key signs with. Elliptic curve
// keys have exactly one; RSA keys use rsaPref when the key allows it.
func algorithmForKey(spec awstypes.KeySpec, allowed []awstypes.SigningAlgorithmSpec, rsaPref types.SigningAlgorithm) (types.SigningAlgorithm, error) {
	var alg types.SigningAlgorithm
	switch spec {
	case awstypes.KeySpecEccNistP256:
		alg = types.ES256
	case awstypes.KeySpecEccNistP384:
		alg = types.ES384
	case awstypes.KeySpecEccNistP521:
		alg = types.ES512
	case awstypes.KeySpecRsa2048, awstypes.KeySpecRsa3072, awstypes.KeySpecRsa4096:
		alg = rsaPref
		if alg == "" {
			alg = types.RS256
		}
	default:
		return "", fmt.Errorf("%w: AWS KMS key spec %s", signing.ErrUnsupportedAlgorithm, spec)
	}

	want := awsAlgorithms[alg]
	if len(allowed) > 0 && !slices.Contains(allowed, want) {
		return "", fmt.Errorf("%w: key does not allow %s", signing.ErrUnsupportedAlgorithm, want)
	}
	return alg, nil
}
