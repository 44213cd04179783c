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

import (
	"crypto/x509"
	"fmt"
	"net/url"
	"strings"

	"github.com/jeremyhahn/go-keysign/pkg/types"
)

// Config contains configuration for the Azure Key Vault key service.
// It specifies the vault URL and optional authentication credentials.
type Config struct {
	// VaultURL is the Azure Key Vault URL.
	// Format: https://{vault-name}.vault.azure.net/
	// Required.
	VaultURL string `yaml:"vault_url" json:"vault_url" mapstructure:"vault_url"`

	// TenantID is the Azure Active Directory tenant ID.
	// Optional - if not provided, will use DefaultAzureCredential.
	TenantID string `yaml:"tenant_id,omitempty" json:"tenant_id,omitempty" mapstructure:"tenant_id"`

	// ClientID is the Azure service principal client ID.
	// Optional - if not provided, will use DefaultAzureCredential.
	ClientID string `yaml:"client_id,omitempty" json:"client_id,omitempty" mapstructure:"client_id"`

	// ClientSecret is the Azure service principal client secret.
	// Optional - if not provided, will use DefaultAzureCredential.
	ClientSecret string `yaml:"client_secret,omitempty" json:"client_secret,omitempty" mapstructure:"client_secret"`

	// RSAAlgorithm picks the JWS algorithm for RSA keys. Defaults to RS256.
	RSAAlgorithm types.SigningAlgorithm `yaml:"rsa_algorithm,omitempty" json:"rsa_algorithm,omitempty" mapstructure:"rsa_algorithm"`

	// Debug enables debug logging for Key Vault operations.
	Debug bool `yaml:"debug,omitempty" json:"debug,omitempty" mapstructure:"debug"`
}

// Validate checks if the configuration is valid and returns an error if not.
func (c *Config) Validate() error {
	if c == nil {
		return ErrInvalidConfig
	}

	if c.VaultURL == "" {
		return fmt.Errorf("%w: vault URL is required", ErrInvalidConfig)
	}
	if !isValidVaultURL(c.VaultURL) {
		return fmt.Errorf("%w: %s", ErrInvalidVaultURL, c.VaultURL)
	}

	// If service principal credentials are provided, all three must be present
	hasClientID := c.ClientID != ""
	hasClientSecret := c.ClientSecret != ""
	hasTenantID := c.TenantID != ""
	if hasClientID || hasClientSecret || hasTenantID {
		if !hasClientID || !hasClientSecret || !hasTenantID {
			return fmt.Errorf("%w: tenant_id, client_id, and client_secret must all be provided together", ErrInvalidConfig)
		}
	}

	if c.RSAAlgorithm != "" && (!c.RSAAlgorithm.IsValid() || c.RSAAlgorithm.KeyAlgorithm() != x509.RSA) {
		return fmt.Errorf("%w: rsa_algorithm %q is not an RSA algorithm", ErrInvalidConfig, c.RSAAlgorithm)
	}
	return nil
}

// String returns a string representation of the config with sensitive data masked.
// Credentials are masked with asterisks to prevent accidental exposure in logs.
func (c *Config) String() string {
	return fmt.Sprintf("Azure Key Vault Config{VaultURL: %s, TenantID: %s, ClientID: %s, ClientSecret: %s, Debug: %t}",
		c.VaultURL, maskTail(c.TenantID), maskTail(c.ClientID), maskAll(c.ClientSecret), c.Debug)
}

func maskTail(s string) string {
	switch {
	case s == "":
		return "<not set>"
	case len(s) > 4:
		return "****" + s[len(s)-4:]
	default:
		return "****"
	}
}

func maskAll(s string) string {
	if s == "" {
		return "<not set>"
	}
	return "****"
}

// isValidVaultURL performs basic validation of Azure Key Vault URL format.
// Valid URLs follow the pattern: https://{vault-name}.vault.azure.net/
func isValidVaultURL(vaultURL string) bool {
	if !strings.HasPrefix(vaultURL, "https://") {
		return false
	}
	host := strings.TrimPrefix(vaultURL, "https://")

	// Allow localhost for testing
	if strings.HasPrefix(host, "localhost") || strings.HasPrefix(host, "127.0.0.1") {
		return true
	}

	for _, domain := range []string{".vault.azure.net", ".vault.azure.cn", ".vault.usgovcloudapi.net", ".managedhsm.azure.net"} {
		if strings.Contains(host, domain) {
			return true
		}
	}
	return false
}

// parseHandle accepts "name", "name/version" or a full key identifier URL.
// An empty version selects the current version.
func parseHandle(handle string) (name, version string, err error) {
	if strings.HasPrefix(handle, "https://") {
		u, perr := url.Parse(handle)
		if perr != nil {
			return "", "", fmt.Errorf("%w: %v", ErrInvalidKeyName, perr)
		}
		rest, ok := strings.CutPrefix(u.Path, "/keys/")
		if !ok {
			return "", "", fmt.Errorf("%w: %q is not a key identifier", ErrInvalidKeyName, handle)
		}
		name, version, _ = strings.Cut(rest, "/")
	} else {
		name, version, _ = strings.Cut(handle, "/")
	}
	if name == "" || strings.ContainsAny(name, "/: ") || strings.Contains(version, "/") {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidKeyName, handle)
	}
	return name, version, nil
}
