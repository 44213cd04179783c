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
	"crypto"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"

	"github.com/jeremyhahn/go-keysign/pkg/signing"
	"github.com/jeremyhahn/go-keysign/pkg/types"
)

// algorithms accepted by the verifiers.
var algorithms = []jose.SignatureAlgorithm{
	jose.RS256, jose.RS384, jose.RS512,
	jose.PS256, jose.PS384, jose.PS512,
	jose.ES256, jose.ES384, jose.ES512,
	jose.EdDSA,
}

// Header is the decoded protected header of a token.
type Header struct {
	Algorithm   types.SigningAlgorithm
	KeyID       types.KeyHandle
	Type        string
	ContentType string
	Extra       map[string]any
}

// Verify checks the token signature with pub and returns the payload.
func Verify(token string, pub crypto.PublicKey) ([]byte, error) {
	if strings.Count(token, ".") != 2 {
		return nil, ErrInvalidToken
	}
	obj, err := jose.ParseSigned(token, algorithms)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	payload, err := obj.Verify(pub)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", signing.ErrInvalidSignature, err)
	}
	return payload, nil
}

// ParseClaims verifies a JWT with pub and decodes its claims into claims.
// Registered claims (exp, nbf, iat) are validated by the parser.
func ParseClaims(token string, pub crypto.PublicKey, claims jwt.Claims, opts ...jwt.ParserOption) (*jwt.Token, error) {
	methods := make([]string, len(algorithms))
	for i, alg := range algorithms {
		methods[i] = string(alg)
	}
	opts = append([]jwt.ParserOption{jwt.WithValidMethods(methods)}, opts...)

	t, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return pub, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", signing.ErrInvalidSignature, err)
	}
	return t, nil
}

// ParseHeader decodes the protected header without verifying the token.
func ParseHeader(token string) (*Header, error) {
	if strings.Count(token, ".") != 2 {
		return nil, ErrInvalidToken
	}
	seg, _, _ := strings.Cut(token, ".")
	raw, err := base64.RawURLEncoding.DecodeString(seg)
	if err != nil {
		return nil, fmt.Errorf("%w: header: %v", ErrInvalidToken, err)
	}
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("%w: header: %v", ErrInvalidToken, err)
	}

	h := &Header{}
	for name, v := range fields {
		s, isString := v.(string)
		switch name {
		case "alg", "kid", "typ", "cty":
			if !isString {
				return nil, fmt.Errorf("%w: header %q is not a string", ErrInvalidToken, name)
			}
		}
		switch name {
		case "alg":
			h.Algorithm = types.SigningAlgorithm(s)
		case "kid":
			h.KeyID = types.KeyHandle(s)
		case "typ":
			h.Type = s
		case "cty":
			h.ContentType = s
		default:
			if h.Extra == nil {
				h.Extra = make(map[string]any)
			}
			h.Extra[name] = v
		}
	}
	if h.Algorithm == "" {
		return nil, fmt.Errorf("%w: missing alg", ErrInvalidToken)
	}
	return h, nil
}
