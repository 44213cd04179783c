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

import (
	"crypto/x509"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/jeremyhahn/go-keysign/pkg/types"
)

// Config contains configuration for the AWS KMS key service.
// It specifies the AWS region, credentials, and optional endpoint override.
type Config struct {
	// Region is the AWS region where the signing keys live.
	// Examples: "us-east-1", "us-west-2", "eu-west-1"
	Region string `yaml:"region" json:"region" mapstructure:"region"`

	// Profile selects a named profile from the shared AWS config files.
	Profile string `yaml:"profile,omitempty" json:"profile,omitempty" mapstructure:"profile"`

	// AccessKeyID is the AWS access key ID.
	// Optional - if not provided, will use IAM role or environment credentials.
	AccessKeyID string `yaml:"access_key_id,omitempty" json:"access_key_id,omitempty" mapstructure:"access_key_id"`

	// SecretAccessKey is the AWS secret access key.
	// Optional - if not provided, will use IAM role or environment credentials.
	SecretAccessKey string `yaml:"secret_access_key,omitempty" json:"secret_access_key,omitempty" mapstructure:"secret_access_key"`

	// SessionToken is the AWS session token for temporary credentials.
	SessionToken string `yaml:"session_token,omitempty" json:"session_token,omitempty" mapstructure:"session_token"`

	// Endpoint is a custom KMS endpoint URL.
	// Optional - useful for testing with LocalStack or custom KMS endpoints.
	// Example: "http://localhost:4566" for LocalStack
	Endpoint string `yaml:"endpoint,omitempty" json:"endpoint,omitempty" mapstructure:"endpoint"`

	// KeyID is the key used when a signer is created with an empty handle.
	// Examples:
	//   - "1234abcd-12ab-34cd-56ef-1234567890ab" (key ID)
	//   - "arn:aws:kms:us-east-1:123456789012:key/1234abcd-12ab-34cd-56ef-1234567890ab" (key ARN)
	//   - "alias/my-key" (key alias)
	KeyID string `yaml:"key_id,omitempty" json:"key_id,omitempty" mapstructure:"key_id"`

	// RSAAlgorithm picks the JWS algorithm for RSA keys, which KMS allows
	// to sign with either padding. Defaults to RS256.
	RSAAlgorithm types.SigningAlgorithm `yaml:"rsa_algorithm,omitempty" json:"rsa_algorithm,omitempty" mapstructure:"rsa_algorithm"`

	// Debug enables debug logging for KMS operations.
	Debug bool `yaml:"debug,omitempty" json:"debug,omitempty" mapstructure:"debug"`
}

// Validate checks if the configuration is valid and returns an error if not.
func (c *Config) Validate() error {
	if c == nil {
		return ErrInvalidConfig
	}

	if c.Region == "" {
		return fmt.Errorf("%w: region is required", ErrInvalidConfig)
	}
	if !isValidRegion(c.Region) {
		return fmt.Errorf("%w: %s", ErrInvalidRegion, c.Region)
	}

	// If static credentials are provided, both access key and secret must be present
	if (c.AccessKeyID != "" && c.SecretAccessKey == "") ||
		(c.AccessKeyID == "" && c.SecretAccessKey != "") {
		return fmt.Errorf("%w: both access_key_id and secret_access_key must be provided together", ErrInvalidConfig)
	}

	if c.RSAAlgorithm != "" {
		if _, ok := awsAlgorithms[c.RSAAlgorithm]; !ok || c.RSAAlgorithm.KeyAlgorithm() != x509.RSA {
			return fmt.Errorf("%w: rsa_algorithm %q is not an RSA algorithm", ErrInvalidConfig, c.RSAAlgorithm)
		}
	}

	return nil
}

// ResolveKeyID maps a key handle onto a KMS KeyId. Key IDs, ARNs and
// aliases pass through; a bare name is treated as an alias. The empty
// handle resolves to Config.KeyID.
func (c *Config) ResolveKeyID(handle string) (string, error) {
	if handle == "" {
		handle = c.KeyID
	}
	switch {
	case handle == "":
		return "", fmt.Errorf("%w: empty key handle", ErrInvalidKeyID)
	case strings.HasPrefix(handle, "arn:"), strings.HasPrefix(handle, "alias/"):
		return handle, nil
	}
	if _, err := uuid.Parse(handle); err == nil {
		return handle, nil
	}
	// Multi-region keys use an "mrk-" prefixed identifier.
	if strings.HasPrefix(handle, "mrk-") {
		return handle, nil
	}
	if strings.ContainsAny(handle, "/: ") {
		return "", fmt.Errorf("%w: %q", ErrInvalidKeyID, handle)
	}
	return "alias/" + handle, nil
}

// String returns a string representation of the config with sensitive data masked.
// Credentials are masked with asterisks to prevent accidental exposure in logs.
func (c *Config) String() string {
	accessKeyMask := "<not set>"
	if c.AccessKeyID != "" {
		if len(c.AccessKeyID) > 4 {
			accessKeyMask = "****" + c.AccessKeyID[len(c.AccessKeyID)-4:]
		} else {
			accessKeyMask = "****"
		}
	}

	secretKeyMask := "<not set>"
	if c.SecretAccessKey != "" {
		secretKeyMask = "****"
	}

	sessionTokenMask := "<not set>"
	if c.SessionToken != "" {
		sessionTokenMask = "****"
	}

	keyIDDisplay := "<not set>"
	if c.KeyID != "" {
		keyIDDisplay = c.KeyID
	}

	endpointDisplay := "<default>"
	if c.Endpoint != "" {
		endpointDisplay = c.Endpoint
	}

	return fmt.Sprintf("AWS KMS Config{Region: %s, AccessKeyID: %s, SecretAccessKey: %s, SessionToken: %s, Endpoint: %s, KeyID: %s, Debug: %t}",
		c.Region, accessKeyMask, secretKeyMask, sessionTokenMask, endpointDisplay, keyIDDisplay, c.Debug)
}

// isValidRegion performs basic validation of AWS region format.
// Valid regions follow the pattern: us-east-1, eu-west-2, ap-southeast-1, etc.
func isValidRegion(region string) bool {
	if region == "local" || region == "us-east-1-local" {
		return true
	}

	parts := strings.Split(region, "-")
	if len(parts) < 2 {
		return false
	}
	for _, part := range parts {
		if part == "" {
			return false
		}
		for _, c := range part {
			if !((c >= 'a' && c <= 'z') || (c >= '0' && c <= '9')) {
				return false
			}
		}
	}
	return true
}
