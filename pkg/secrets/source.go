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

// Package secrets fetches sensitive configuration values such as private
// keys and service credentials from pluggable stores.
//
// A Source returns raw bytes for an identifier. Decoders turn those bytes
// into the value a caller needs, and CachedSource adds a TTL cache with
// explicit invalidation for rotation.
package secrets

import (
	"context"
	"errors"
)

var (
	// ErrNotFound indicates the store has no secret with the identifier.
	ErrNotFound = errors.New("secrets: secret not found")

	// ErrMissingPayload indicates the secret exists but carries no data,
	// for example because it is disabled or destroyed.
	ErrMissingPayload = errors.New("secrets: secret has no payload")

	// ErrDecode indicates the secret data could not be decoded.
	ErrDecode = errors.New("secrets: decode failed")

	// ErrInvalidID indicates a malformed secret identifier.
	ErrInvalidID = errors.New("secrets: invalid secret identifier")
)

// Source fetches secret bytes by identifier. Implementations must be safe
// for concurrent use. The returned slice belongs to the caller.
type Source interface {
	GetSecret(ctx context.Context, id string) ([]byte, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context, id string) ([]byte, error)

// GetSecret calls f.
func (f SourceFunc) GetSecret(ctx context.Context, id string) ([]byte, error) {
	return f(ctx, id)
}
