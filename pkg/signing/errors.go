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
	"errors"
	"fmt"
	"strings"

	"github.com/jeremyhahn/go-keysign/pkg/types"
)

var (
	// ErrSignerRequired indicates a nil signer was provided
	ErrSignerRequired = errors.New("signing: signer is required")

	// ErrInvalidKey indicates key material that is malformed or fails validation
	ErrInvalidKey = errors.New("signing: invalid key")

	// ErrUnsupportedAlgorithm indicates the algorithm does not match the key or is unknown
	ErrUnsupportedAlgorithm = errors.New("signing: unsupported signing algorithm")

	// ErrRemoteRejected indicates the remote service explicitly refused the request
	ErrRemoteRejected = errors.New("signing: remote service rejected the request")

	// ErrRemoteUnavailable indicates the retry budget was exhausted on transient failures
	ErrRemoteUnavailable = errors.New("signing: remote service unavailable")

	// ErrSigningFailed indicates a local signing operation failed
	ErrSigningFailed = errors.New("signing: operation failed")

	// ErrInvalidSignature indicates a signature that cannot be decoded or does not verify
	ErrInvalidSignature = errors.New("signing: invalid signature")
)

// SignError is returned by signers. Kind is one of the sentinel errors above
// and Err is the underlying cause, if any. Both match with errors.Is.
type SignError struct {
	Kind      error
	KeyHandle types.KeyHandle
	Attempts  int
	Err       error
}

// NewSignError builds a SignError for the given kind, key and cause.
func NewSignError(kind error, handle types.KeyHandle, cause error) *SignError {
	return &SignError{Kind: kind, KeyHandle: handle, Err: cause}
}

func (e *SignError) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.Error())
	if e.KeyHandle != "" {
		fmt.Fprintf(&b, " [key=%s", e.KeyHandle)
		if e.Attempts > 0 {
			fmt.Fprintf(&b, " attempts=%d", e.Attempts)
		}
		b.WriteString("]")
	} else if e.Attempts > 0 {
		fmt.Fprintf(&b, " [attempts=%d]", e.Attempts)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap exposes both the kind and the cause.
func (e *SignError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}
