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

// Package azurekv reads secrets from Azure Key Vault.
//
// Identifiers are "name" or "name/version"; a missing version selects the
// current one. Disabled secrets report secrets.ErrMissingPayload.
package azurekv

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/security/keyvault/azsecrets"

	"github.com/jeremyhahn/go-keysign/pkg/adapters/logger"
	"github.com/jeremyhahn/go-keysign/pkg/secrets"
)

// ErrInvalidConfig is returned when the configuration is invalid.
var ErrInvalidConfig = errors.New("secrets/azurekv: invalid configuration")

// SecretsClient is the part of the Key Vault secrets API used here.
// *azsecrets.Client satisfies it.
type SecretsClient interface {
	GetSecret(ctx context.Context, name, version string, options *azsecrets.GetSecretOptions) (azsecrets.GetSecretResponse, error)
}

// Config configures the Key Vault secret source.
type Config struct {
	// VaultURL is the vault endpoint, e.g. https://myvault.vault.azure.net/.
	VaultURL string `yaml:"vault_url" json:"vault_url" mapstructure:"vault_url"`

	// TenantID, ClientID and ClientSecret select service principal
	// authentication. When all are empty DefaultAzureCredential is used.
	TenantID     string `yaml:"tenant_id,omitempty" json:"tenant_id,omitempty" mapstructure:"tenant_id"`
	ClientID     string `yaml:"client_id,omitempty" json:"client_id,omitempty" mapstructure:"client_id"`
	ClientSecret string `yaml:"client_secret,omitempty" json:"client_secret,omitempty" mapstructure:"client_secret"`
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c == nil {
		return ErrInvalidConfig
	}
	if !strings.HasPrefix(c.VaultURL, "https://") {
		return fmt.Errorf("%w: vault_url must be an https URL", ErrInvalidConfig)
	}
	set := 0
	for _, v := range []string{c.TenantID, c.ClientID, c.ClientSecret} {
		if v != "" {
			set++
		}
	}
	if set != 0 && set != 3 {
		return fmt.Errorf("%w: tenant_id, client_id, and client_secret must all be provided together", ErrInvalidConfig)
	}
	return nil
}

// String returns the configuration with the client secret masked.
func (c *Config) String() string {
	secret := "<not set>"
	if c.ClientSecret != "" {
		secret = "****"
	}
	return fmt.Sprintf("Azure Key Vault Secrets Config{VaultURL: %s, TenantID: %s, ClientID: %s, ClientSecret: %s}",
		c.VaultURL, c.TenantID, c.ClientID, secret)
}

// Source implements secrets.Source over Key Vault secrets.
type Source struct {
	config *Config
	client SecretsClient
	logger logger.Logger
	mu     sync.Mutex
}

// Option configures a Source.
type Option func(*Source)

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return func(s *Source) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewSource returns a source whose client is created on first use.
func NewSource(config *Config, opts ...Option) (*Source, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return newSource(config, nil, opts), nil
}

// NewSourceWithClient uses an existing client. Primarily for tests.
func NewSourceWithClient(config *Config, client SecretsClient, opts ...Option) (*Source, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if client == nil {
		return nil, fmt.Errorf("%w: client is nil", ErrInvalidConfig)
	}
	return newSource(config, client, opts), nil
}

func newSource(config *Config, client SecretsClient, opts []Option) *Source {
	s := &Source{config: config, client: client, logger: logger.NewNoOp()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Source) getClient() (SecretsClient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client != nil {
		return s.client, nil
	}

	var (
		cred azcore.TokenCredential
		err  error
	)
	if s.config.ClientID != "" {
		cred, err = azidentity.NewClientSecretCredential(
			s.config.TenantID,
			s.config.ClientID,
			s.config.ClientSecret,
			&azidentity.ClientSecretCredentialOptions{AdditionallyAllowedTenants: []string{"*"}},
		)
	} else {
		cred, err = azidentity.NewDefaultAzureCredential(
			&azidentity.DefaultAzureCredentialOptions{AdditionallyAllowedTenants: []string{"*"}},
		)
	}
	if err != nil {
		return nil, fmt.Errorf("secrets/azurekv: create credential: %w", err)
	}

	client, err := azsecrets.NewClient(s.config.VaultURL, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("secrets/azurekv: create client: %w", err)
	}
	s.client = client
	return client, nil
}

// GetSecret returns the value of the secret named by id.
func (s *Source) GetSecret(ctx context.Context, id string) ([]byte, error) {
	name, version, _ := strings.Cut(id, "/")
	if name == "" || strings.Contains(version, "/") {
		return nil, fmt.Errorf("%w: %q", secrets.ErrInvalidID, id)
	}
	client, err := s.getClient()
	if err != nil {
		return nil, err
	}

	resp, err := client.GetSecret(ctx, name, version, nil)
	if err != nil {
		var respErr *azcore.ResponseError
		if errors.As(err, &respErr) && respErr.StatusCode == http.StatusNotFound {
			return nil, fmt.Errorf("%w: %s", secrets.ErrNotFound, id)
		}
		return nil, fmt.Errorf("secrets/azurekv: get %s: %w", id, err)
	}
	if attrs := resp.Attributes; attrs != nil && attrs.Enabled != nil && !*attrs.Enabled {
		return nil, fmt.Errorf("%w: %s is disabled", secrets.ErrMissingPayload, id)
	}
	if resp.Value == nil {
		return nil, fmt.Errorf("%w: %s", secrets.ErrMissingPayload, id)
	}

	s.logger.Debug("read secret", logger.String("name", name), logger.String("version", version))
	return []byte(*resp.Value), nil
}

var (
	_ secrets.Source = (*Source)(nil)
	_ SecretsClient  = (*azsecrets.Client)(nil)
)
