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

import (
	"fmt"
	"os"
	"strings"
)

// DefaultKeyVersion is used when a short key ID is resolved without an
// explicit version.
const DefaultKeyVersion = "1"

// Config holds the configuration for the GCP KMS key service.
type Config struct {
	// ProjectID is the GCP project ID where the KMS resources are located.
	// Required together with LocationID and KeyRingID to resolve short key IDs.
	ProjectID string `yaml:"project_id" json:"project_id" mapstructure:"project_id"`

	// LocationID is the GCP location (region) for KMS resources.
	// Examples: "us-east1", "us-central1", "global"
	LocationID string `yaml:"location_id" json:"location_id" mapstructure:"location_id"`

	// KeyRingID is the key ring identifier within the project and location.
	KeyRingID string `yaml:"key_ring_id" json:"key_ring_id" mapstructure:"key_ring_id"`

	// KeyVersion is the crypto key version used for short key IDs.
	// Defaults to DefaultKeyVersion.
	KeyVersion string `yaml:"key_version,omitempty" json:"key_version,omitempty" mapstructure:"key_version"`

	// CredentialsFile is the path to a service account JSON key file.
	// Optional. If not provided, uses Application Default Credentials (ADC).
	CredentialsFile string `yaml:"credentials_file,omitempty" json:"credentials_file,omitempty" mapstructure:"credentials_file"`

	// CredentialsJSON contains the service account JSON key content.
	// Optional. Takes precedence over CredentialsFile if both are provided.
	CredentialsJSON []byte `yaml:"credentials_json,omitempty" json:"credentials_json,omitempty" mapstructure:"credentials_json"`

	// Endpoint is a custom KMS API endpoint.
	// Optional. Useful for testing with KMS emulator.
	// Example: "localhost:8080" for local emulator
	Endpoint string `yaml:"endpoint,omitempty" json:"endpoint,omitempty" mapstructure:"endpoint"`

	// Debug enables debug logging for KMS operations.
	Debug bool `yaml:"debug" json:"debug" mapstructure:"debug"`
}

// Validate checks the configuration. The key ring location is optional when
// every handle is a full resource name, but must be complete when given.
func (c *Config) Validate() error {
	if c == nil {
		return ErrInvalidConfig
	}

	if c.ProjectID != "" || c.LocationID != "" || c.KeyRingID != "" {
		if c.ProjectID == "" {
			return fmt.Errorf("%w: project ID is required", ErrInvalidProjectID)
		}
		if c.LocationID == "" {
			return fmt.Errorf("%w: location ID is required", ErrInvalidLocationID)
		}
		if c.KeyRingID == "" {
			return fmt.Errorf("%w: key ring ID is required", ErrInvalidKeyRingID)
		}
	}

	// If credentials file is specified, verify it exists
	if c.CredentialsFile != "" && len(c.CredentialsJSON) == 0 {
		if _, err := os.Stat(c.CredentialsFile); os.IsNotExist(err) {
			return fmt.Errorf("%w: credentials file not found: %s", ErrInvalidCredentials, c.CredentialsFile)
		}
	}

	return nil
}

// KeyRingName returns the full resource name of the key ring.
func (c *Config) KeyRingName() string {
	return fmt.Sprintf("projects/%s/locations/%s/keyRings/%s",
		c.ProjectID, c.LocationID, c.KeyRingID)
}

// CryptoKeyVersionName resolves a key handle to a crypto key version
// resource name. Full resource names are returned unchanged; a key ID,
// optionally suffixed with ":version", is placed in the configured key ring.
func (c *Config) CryptoKeyVersionName(handle string) (string, error) {
	if handle == "" {
		return "", fmt.Errorf("%w: empty key handle", ErrInvalidKeyName)
	}
	if strings.HasPrefix(handle, "projects/") {
		if !strings.Contains(handle, "/cryptoKeyVersions/") {
			return "", fmt.Errorf("%w: %s is not a crypto key version", ErrInvalidKeyName, handle)
		}
		return handle, nil
	}
	if c.KeyRingID == "" {
		return "", fmt.Errorf("%w: key ring not configured for short key ID %q", ErrInvalidKeyName, handle)
	}

	keyID, version, found := strings.Cut(handle, ":")
	if !found || version == "" {
		version = c.KeyVersion
	}
	if version == "" {
		version = DefaultKeyVersion
	}
	if strings.Contains(keyID, "/") {
		return "", fmt.Errorf("%w: %q", ErrInvalidKeyName, handle)
	}
	return fmt.Sprintf("%s/cryptoKeys/%s/cryptoKeyVersions/%s", c.KeyRingName(), keyID, version), nil
}

// String returns a string representation of the config with sensitive data masked.
func (c *Config) String() string {
	credsMask := "<not set>"
	if c.CredentialsFile != "" {
		credsMask = maskPath(c.CredentialsFile)
	} else if len(c.CredentialsJSON) > 0 {
		credsMask = fmt.Sprintf("<json: %d bytes>", len(c.CredentialsJSON))
	}

	endpoint := c.Endpoint
	if endpoint == "" {
		endpoint = "<default>"
	}

	return fmt.Sprintf("GCP KMS Config{Project: %s, Location: %s, KeyRing: %s, Credentials: %s, Endpoint: %s, Debug: %t}",
		c.ProjectID, c.LocationID, c.KeyRingID, credsMask, endpoint, c.Debug)
}

// maskPath keeps the first and last elements of a path.
func maskPath(path string) string {
	if path == "" {
		return ""
	}

	parts := strings.Split(path, string(os.PathSeparator))
	if len(parts) <= 2 {
		return path
	}

	masked := make([]string, 0, 3)
	masked = append(masked, parts[0])
	if len(parts) > 3 {
		masked = append(masked, "...")
	}
	masked = append(masked, parts[len(parts)-1])

	return strings.Join(masked, string(os.PathSeparator))
}
