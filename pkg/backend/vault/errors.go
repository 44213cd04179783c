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

package vault

import "errors"

var (
	// ErrInvalidConfig is returned when the configuration is invalid.
	ErrInvalidConfig = errors.New("vault: invalid configuration")

	// ErrNotInitialized is returned after the key service is closed.
	ErrNotInitialized = errors.New("vault: client not initialized")

	// ErrKeyNotFound is returned when a key doesn't exist in Vault
	ErrKeyNotFound = errors.New("vault: key not found")

	// ErrInvalidKeyName is returned when a key handle cannot be parsed.
	ErrInvalidKeyName = errors.New("vault: invalid key name")

	// ErrKeyVersionUnavailable is returned when the requested key version
	// has been trimmed or is below the minimum available version.
	ErrKeyVersionUnavailable = errors.New("vault: key version unavailable")

	// ErrInvalidResponse is returned when Vault returns an unexpected response
	ErrInvalidResponse = errors.New("vault: invalid response")
)
