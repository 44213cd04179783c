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
	"errors"
	"strings"
)

var (
	// ErrEncodingFailed indicates the header or payload could not be encoded.
	ErrEncodingFailed = errors.New("jws: encoding failed")

	// ErrSigningFailed indicates the signer returned an error.
	ErrSigningFailed = errors.New("jws: signing failed")

	// ErrAlgorithmMismatch indicates the signature was produced with a
	// different algorithm than the one declared in the header.
	ErrAlgorithmMismatch = errors.New("jws: signature algorithm does not match header")

	// ErrInvalidToken indicates a token that is not a compact JWS.
	ErrInvalidToken = errors.New("jws: invalid token")
)

// Error is returned by the token builders. Kind is ErrEncodingFailed or
// ErrSigningFailed; Err is the cause.
type Error struct {
	Kind error
	Err  error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.Error())
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap exposes both the kind and the cause.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func encodingError(err error) error {
	return &Error{Kind: ErrEncodingFailed, Err: err}
}

func signingError(err error) error {
	return &Error{Kind: ErrSigningFailed, Err: err}
}
