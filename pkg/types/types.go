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

// Package types holds the identifiers shared by every signer and backend.
package types

import "errors"

var (
	// ErrUnknownAlgorithm indicates an algorithm identifier that is not recognized
	ErrUnknownAlgorithm = errors.New("types: unknown signing algorithm")

	// ErrHashUnavailable indicates the hash function is not linked into the binary
	ErrHashUnavailable = errors.New("types: hash function unavailable")
)

// KeyHandle identifies a key to a signer. Local keys default to their RFC 7638
// JWK thumbprint; remote keys use the service's resource name or key ID.
// The handle is emitted as the JWS "kid" and keys the remote metadata cache.
type KeyHandle string

// String returns the handle value.
func (h KeyHandle) String() string {
	return string(h)
}

// IsZero reports whether the handle is empty.
func (h KeyHandle) IsZero() bool {
	return h == ""
}

// BackendType names the component that performs the signing operation.
type BackendType string

const (
	// BackendLocal signs with in-process key material.
	BackendLocal BackendType = "local"

	// BackendGCPKMS signs with Google Cloud KMS.
	BackendGCPKMS BackendType = "gcpkms"

	// BackendAWSKMS signs with AWS KMS.
	BackendAWSKMS BackendType = "awskms"

	// BackendVault signs with the HashiCorp Vault transit engine.
	BackendVault BackendType = "vault"

	// BackendAzureKV signs with Azure Key Vault.
	BackendAzureKV BackendType = "azurekv"
)

// String returns the backend identifier.
func (b BackendType) String() string {
	return string(b)
}
