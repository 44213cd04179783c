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

package azurekv

import "errors"

var (
	// ErrNotInitialized is returned when the Azure Key Vault client is not initialized.
	ErrNotInitialized = errors.New("azurekv: client not initialized")

	// ErrInvalidConfig is returned when the configuration is invalid.
	ErrInvalidConfig = errors.New("azurekv: invalid configuration")

	// ErrInvalidVaultURL is returned when an invalid vault URL is specified.
	ErrInvalidVaultURL = errors.New("azurekv: invalid vault URL")

	// ErrInvalidKeyName is returned when a key handle cannot be parsed.
	ErrInvalidKeyName = errors.New("azurekv: invalid key name")

	// ErrKeyNotEnabled is returned for keys that are disabled, expired or
	// not yet valid.
	ErrKeyNotEnabled = errors.New("azurekv: key not enabled")

	// ErrInvalidKeyUsage is returned for keys that do not permit signing.
	ErrInvalidKeyUsage = errors.New("azurekv: key does not permit sign")

	// ErrDigestRequired is returned when a request carries no digest.
	// Key Vault signs digests only.
	ErrDigestRequired = errors.New("azurekv: digest required")
)
