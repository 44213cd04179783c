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

package awskms

import "errors"

var (
	// ErrNotInitialized is returned when the KMS client is not initialized.
	ErrNotInitialized = errors.New("awskms: client not initialized")

	// ErrInvalidConfig is returned when the configuration is invalid.
	ErrInvalidConfig = errors.New("awskms: invalid configuration")

	// ErrInvalidRegion is returned when an invalid AWS region is specified.
	ErrInvalidRegion = errors.New("awskms: invalid region")

	// ErrInvalidKeyID is returned when a key handle cannot be resolved.
	ErrInvalidKeyID = errors.New("awskms: invalid key ID")

	// ErrKeyNotEnabled is returned when the key exists but cannot sign in
	// its current state.
	ErrKeyNotEnabled = errors.New("awskms: key not enabled")

	// ErrInvalidKeyUsage is returned for keys that are not SIGN_VERIFY keys.
	ErrInvalidKeyUsage = errors.New("awskms: key usage is not SIGN_VERIFY")
)
