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

package remote

import "errors"

var (
	// ErrServiceRequired indicates a nil KeyService was provided
	ErrServiceRequired = errors.New("remote: key service is required")

	// ErrKeyHandleRequired indicates an empty key handle was provided
	ErrKeyHandleRequired = errors.New("remote: key handle is required")

	// ErrInvalidPolicy indicates an inconsistent RetryPolicy
	ErrInvalidPolicy = errors.New("remote: invalid retry policy")

	// ErrNoAlgorithm indicates neither metadata nor the service reported an algorithm
	ErrNoAlgorithm = errors.New("remote: signing algorithm could not be determined")

	// ErrEmptySignature indicates the service returned no signature bytes
	ErrEmptySignature = errors.New("remote: service returned an empty signature")
)
