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

import (
	"crypto/x509"
	"fmt"
	"strconv"
	"strings"

	"github.com/jeremyhahn/go-keysign/pkg/types"
)

// DefaultTransitPath is the default mount of the Transit secrets engine.
const DefaultTransitPath = "transit"

// Config holds the configuration for the HashiCorp Vault Transit key service.
type Config struct {
	// Address is the Vault server address (e.g., "http://127.0.0.1:8200")
	Address string `yaml:"address" json:"address" mapstructure:"address"`

	// Token is the Vault authentication token. When empty the client falls
	// back to VAULT_TOKEN.
	Token string `yaml:"token,omitempty" json:"token,omitempty" mapstructure:"token"`

	// TransitPath is the path to the Transit secrets engine (default: "transit")
	TransitPath string `yaml:"transit_path,omitempty" json:"transit_path,omitempty" mapstructure:"transit_path"`

	// Namespace is the Vault namespace (Enterprise feature, optional)
	Namespace string `yaml:"namespace,omitempty" json:"namespace,omitempty" mapstructure:"namespace"`

	// TLSSkipVerify disables TLS certificate verification (not recommended for production)
	TLSSkipVerify bool `yaml:"tls_skip_verify,omitempty" json:"tls_skip_verify,omitempty" mapstructure:"tls_skip_verify"`

	// RSAAlgorithm picks the JWS algorithm for RSA keys. Defaults to RS256.
	RSAAlgorithm types.SigningAlgorithm `yaml:"rsa_algorithm,omitempty" json:"rsa_algorithm,omitempty" mapstructure:"rsa_algorithm"`

	// Debug enables debug logging for Transit operations.
	Debug bool `yaml:"debug,omitempty" json:"debug,omitempty" mapstructure:"debug"`
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c == nil {
		return ErrInvalidConfig
	}
	if c.Address == "" {
		return fmt.Errorf("%w: vault address is required", ErrInvalidConfig)
	}
	if c.TransitPath == "" {
		c.TransitPath = DefaultTransitPath
	}
	c.TransitPath = strings.Trim(c.TransitPath, "/")
	if c.RSAAlgorithm != "" && (!c.RSAAlgorithm.IsValid() || c.RSAAlgorithm.KeyAlgorithm() != x509.RSA) {
		return fmt.Errorf("%w: rsa_algorithm %q is not an RSA algorithm", ErrInvalidConfig, c.RSAAlgorithm)
	}
	return nil
}

// String returns a string representation of the config with the token masked.
func (c *Config) String() string {
	token := "<not set>"
	if c.Token != "" {
		token = "****"
	}
	return fmt.Sprintf("Vault Config{Address: %s, TransitPath: %s, Namespace: %s, Token: %s, Debug: %t}",
		c.Address, c.TransitPath, c.Namespace, token, c.Debug)
}

// parseHandle splits "name" or "name:version". Version 0 means latest.
func parseHandle(handle string) (name string, version int, err error) {
	name, v, found := strings.Cut(handle, ":")
	if name == "" || strings.ContainsAny(name, "/ ") {
		return "", 0, fmt.Errorf("%w: %q", ErrInvalidKeyName, handle)
	}
	if !found {
		return name, 0, nil
	}
	version, err = strconv.Atoi(v)
	if err != nil || version < 1 {
		return "", 0, fmt.Errorf("%w: bad version in %q", ErrInvalidKeyName, handle)
	}
	return name, version, nil
}
