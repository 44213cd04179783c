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

package jws

import (
	"context"
	"fmt"

	"github.com/go-jose/go-jose/v4"

	"github.com/jeremyhahn/go-keysign/pkg/signing"
)

// PublicJWK returns the verification key of signer as a JWK carrying the
// key handle as kid, the signing algorithm and use "sig". The signer must
// implement signing.PublicKeyProvider.
func PublicJWK(ctx context.Context, signer signing.Signer) (*jose.JSONWebKey, error) {
	if signer == nil {
		return nil, signing.ErrSignerRequired
	}
	p, ok := signer.(signing.PublicKeyProvider)
	if !ok {
		return nil, fmt.Errorf("%w: %T does not expose a public key", signing.ErrInvalidKey, signer)
	}
	pub, err := p.PublicKey(ctx)
	if err != nil {
		return nil, err
	}
	alg, err := signer.Algorithm(ctx)
	if err != nil {
		return nil, err
	}

	jwk := &jose.JSONWebKey{
		Key:       pub,
		KeyID:     signer.KeyHandle().String(),
		Algorithm: alg.String(),
		Use:       "sig",
	}
	if !jwk.Valid() || !jwk.IsPublic() {
		return nil, fmt.Errorf("%w: %T is not a valid public JWK", signing.ErrInvalidKey, pub)
	}
	return jwk, nil
}

// JWKS returns a key set with the public JWK of every signer.
func JWKS(ctx context.Context, signers ...signing.Signer) (*jose.JSONWebKeySet, error) {
	set := &jose.JSONWebKeySet{Keys: make([]jose.JSONWebKey, 0, len(signers))}
	for _, s := range signers {
		jwk, err := PublicJWK(ctx, s)
		if err != nil {
			return nil, err
		}
		set.Keys = append(set.Keys, *jwk)
	}
	return set, nil
}
