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

package secrets

import (
	"context"
	"crypto"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/jeremyhahn/go-keysign/pkg/signing"
)

// Decoder converts raw secret bytes into a typed value.
type Decoder[T any] func(data []byte) (T, error)

// Get fetches id from src and decodes it.
func Get[T any](ctx context.Context, src Source, id string, decode Decoder[T]) (T, error) {
	var zero T
	data, err := src.GetSecret(ctx, id)
	if err != nil {
		return zero, err
	}
	if len(data) == 0 {
		return zero, fmt.Errorf("%w: %s", ErrMissingPayload, id)
	}
	v, err := decode(data)
	if err != nil {
		return zero, fmt.Errorf("%w: %s: %w", ErrDecode, id, err)
	}
	return v, nil
}

// Raw returns the bytes unchanged.
func Raw(data []byte) ([]byte, error) {
	return data, nil
}

// String decodes UTF-8 text. Surrounding whitespace is trimmed.
func String(data []byte) (string, error) {
	if !utf8.Valid(data) {
		return "", errors.New("not valid UTF-8")
	}
	return strings.TrimSpace(string(data)), nil
}

// Base64 decodes standard or URL base64, with or without padding.
func Base64(data []byte) ([]byte, error) {
	s := strings.TrimSpace(string(data))
	for _, enc := range []*base64.Encoding{
		base64.StdEncoding,
		base64.RawStdEncoding,
		base64.URLEncoding,
		base64.RawURLEncoding,
	} {
		if out, err := enc.DecodeString(s); err == nil {
			return out, nil
		}
	}
	return nil, errors.New("not valid base64")
}

// PrivateKey returns a decoder for PEM private keys (PKCS#1, SEC 1 or
// PKCS#8, optionally encrypted with password).
func PrivateKey(password []byte) Decoder[crypto.Signer] {
	return func(data []byte) (crypto.Signer, error) {
		return signing.ParsePrivateKeyPEM(data, password)
	}
}
