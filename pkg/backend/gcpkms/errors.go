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

package gcpkms

import "errors"

var (
	// ErrNotInitialized is returned when the KMS client is not initialized.
	ErrNotInitialized = errors.New("gcpkms: client not initialized")

	// ErrInvalidConfig is returned when the configuration is invalid.
	ErrInvalidConfig = errors.New("gcpkms: invalid configuration")

	// ErrInvalidProjectID is returned when the project ID is invalid or empty.
	ErrInvalidProjectID = errors.New("gcpkms: invalid project ID")

	// ErrInvalidLocationID is returned when the location ID is invalid or empty.
	ErrInvalidLocationID = errors.New("gcpkms: invalid location ID")

	// ErrInvalidKeyRingID is returned when the key ring ID is invalid or empty.
	ErrInvalidKeyRingID = errors.New("gcpkms: invalid key ring ID")

	// ErrInvalidCredentials is returned when credentials are invalid or cannot be loaded.
	ErrInvalidCredentials = errors.New("gcpkms: invalid credentials")

	// ErrInvalidKeyName is returned when a key handle cannot be resolved to a
	// crypto key version resource name.
	ErrInvalidKeyName = errors.New("gcpkms: invalid key name")

	// ErrKeyVersionNotEnabled is returned when the key version is disabled,
	// destroyed or still being generated.
	ErrKeyVersionNotEnabled = errors.New("gcpkms: key version not enabled")

	// ErrChecksumMismatch is returned when a CRC32C integrity check fails in
	// either direction.
	ErrChecksumMismatch = errors.New("gcpkms: checksum mismatch")

	// ErrInvalidDigest is returned when the digest length does not match the algorithm.
	ErrInvalidDigest = errors.New("gcpkms: invalid digest")
)
