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

// Package jws produces RFC 7515 compact JWS tokens with any signing.Signer.
//
// The header carries the signer's algorithm and key handle:
//
//	{"alg":"ES256","kid":"<key handle>"}
//
// followed by typ, cty and any extra headers when configured. Header and
// payload are base64url encoded without padding and the signing input is
// handed to the signer unchanged, so the same code path works for local
// keys and remote key services.
//
// # Basic Usage
//
//	signer, _ := signing.NewLocalSigner(privateKey, types.ES256)
//	enc, _ := jws.New(signer, jws.WithType("JWT"))
//	token, err := enc.SignClaims(ctx, jwt.RegisteredClaims{Subject: "user123"})
//
// Verifying a token:
//
//	payload, err := jws.Verify(token, publicKey)
//
// Publishing verification keys:
//
//	set, err := jws.JWKS(ctx, signerA, signerB)
//
// Failures are *Error values. ErrEncodingFailed reports a payload that
// cannot be framed, ErrSigningFailed wraps whatever the signer returned so
// errors.Is still matches signing.ErrRemoteUnavailable and friends. The
// adapter never retries.
package jws
