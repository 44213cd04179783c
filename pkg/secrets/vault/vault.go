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

// Package vault reads secrets from the HashiCorp Vault KV version 2 engine.
//
// Identifiers have the form "path[@version][#field]". The field defaults to
// Config.Field, and a missing version selects the current one.
package vault

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	vault "github.com/hashicorp/vault/api"

	"github.com/jeremyhahn/go-keysign/pkg/adapters/logger"
	"github.com/jeremyhahn/go-keysign/pkg/secrets"
)

// ErrInvalidConfig is returned when the configuration is invalid.
var ErrInvalidConfig = errors.New("secrets/vault: invalid configuration")

// Config configures the KV v2 source.
type Config struct {
	// Address is the Vault server address, e.g. https://vault:8200.
	Address string `yaml:"address" json:"address" mapstructure:"address"`

	// Token authenticates requests. Falls back to VAULT_TOKEN when empty.
	Token string `yaml:"token,omitempty" json:"token,omitempty" mapstructure:"token"`

	// Namespace is the Vault Enterprise namespace.
	Namespace string `yaml:"namespace,omitempty" json:"namespace,omitempty" mapstructure:"namespace"`

	// Mount is the KV v2 mount path. Defaults to "secret".
	Mount string `yaml:"mount,omitempty" json:"mount,omitempty" mapstructure:"mount"`

	// Field is read when an identifier names none. Defaults to "value".
	Field string `yaml:"field,omitempty" json:"field,omitempty" mapstructure:"field"`

	// TLSSkipVerify disables certificate verification. Testing only.
	TLSSkipVerify bool `yaml:"tls_skip_verify,omitempty" json:"tls_skip_verify,omitempty" mapstructure:"tls_skip_verify"`
}

// Validate checks the configuration and applies defaults.
func (c *Config) Validate() error {
	if c == nil {
		return ErrInvalidConfig
	}
	if c.Address == "" {
		return fmt.Errorf("%w: address is required", ErrInvalidConfig)
	}
	c.Mount = strings.Trim(c.Mount, "/")
	if c.Mount == "" {
		c.Mount = "secret"
	}
	if c.Field == "" {
		c.Field = "value"
	}
	return nil
}

// String returns the configuration with the token masked.
func (c *Config) String() string {
	token := "<not set>"
	if c.Token != "" {
		token = "****"
	}
	return fmt.Sprintf("Vault KV Config{Address: %s, Mount: %s, Namespace: %s, Token: %s}",
		c.Address, c.Mount, c.Namespace, token)
}

// Source implements secrets.Source over KV v2.
type Source struct {
	config *Config
	kv     *vault.KVv2
	logger logger.Logger
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

// NewSource creates an API client from config.
func NewSource(config *Config, opts ...Option) (*Source, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	vaultConfig := vault.DefaultConfig()
	if vaultConfig.Error != nil {
		return nil, vaultConfig.Error
	}
	vaultConfig.Address = config.Address
	if config.TLSSkipVerify {
		if err := vaultConfig.ConfigureTLS(&vault.TLSConfig{Insecure: true}); err != nil {
			return nil, fmt.Errorf("secrets/vault: configure TLS: %w", err)
		}
	}
	client, err := vault.NewClient(vaultConfig)
	if err != nil {
		return nil, fmt.Errorf("secrets/vault: create client: %w", err)
	}
	if config.Token != "" {
		client.SetToken(config.Token)
	}
	if config.Namespace != "" {
		client.SetNamespace(config.Namespace)
	}
	return NewSourceWithClient(config, client, opts...)
}

// NewSourceWithClient uses an existing API client.
func NewSourceWithClient(config *Config, client *vault.Client, opts ...Option) (*Source, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if client == nil {
		return nil, fmt.Errorf("%w: client is nil", ErrInvalidConfig)
	}
	s := &Source{
		config: config,
		kv:     client.KVv2(config.Mount),
		logger: logger.NewNoOp(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// GetSecret reads one field of a KV v2 secret.
func (s *Source) GetSecret(ctx context.Context, id string) ([]byte, error) {
	path, version, field, err := s.parseID(id)
	if err != nil {
		return nil, err
	}

	var kv *vault.KVSecret
	if version > 0 {
		kv, err = s.kv.GetVersion(ctx, path, version)
	} else {
		kv, err = s.kv.Get(ctx, path)
	}
	if err != nil {
		return nil, mapError(id, err)
	}
	if kv == nil || kv.Data == nil {
		// Deleted or destroyed versions keep their metadata but lose data.
		return nil, fmt.Errorf("%w: %s", secrets.ErrMissingPayload, id)
	}

	v, ok := kv.Data[field]
	if !ok || v == nil {
		return nil, fmt.Errorf("%w: %s has no field %q", secrets.ErrMissingPayload, path, field)
	}

	s.logger.Debug("read secret",
		logger.String("mount", s.config.Mount),
		logger.String("path", path),
		logger.String("field", field))

	switch val := v.(type) {
	case string:
		return []byte(val), nil
	default:
		return json.Marshal(val)
	}
}

func (s *Source) parseID(id string) (path string, version int, field string, err error) {
	path, field, _ = strings.Cut(id, "#")
	if field == "" {
		field = s.config.Field
	}
	if p, v, ok := strings.Cut(path, "@"); ok {
		version, err = strconv.Atoi(v)
		if err != nil || version <= 0 {
			return "", 0, "", fmt.Errorf("%w: bad version in %q", secrets.ErrInvalidID, id)
		}
		path = p
	}
	path = strings.Trim(path, "/")
	if path == "" {
		return "", 0, "", fmt.Errorf("%w: %q", secrets.ErrInvalidID, id)
	}
	return path, version, field, nil
}

func mapError(id string, err error) error {
	if errors.Is(err, vault.ErrSecretNotFound) {
		return fmt.Errorf("%w: %s", secrets.ErrNotFound, id)
	}
	var respErr *vault.ResponseError
	if errors.As(err, &respErr) && respErr.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: %s", secrets.ErrNotFound, id)
	}
	return fmt.Errorf("secrets/vault: read %s: %w", id, err)
}

var _ secrets.Source = (*Source)(nil)
