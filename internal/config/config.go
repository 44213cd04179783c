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

// Package config loads the keysign configuration from a YAML file and
// KEYSIGN_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/jeremyhahn/go-keysign/pkg/adapters/logger"
	"github.com/jeremyhahn/go-keysign/pkg/backend/awskms"
	"github.com/jeremyhahn/go-keysign/pkg/backend/azurekv"
	"github.com/jeremyhahn/go-keysign/pkg/backend/gcpkms"
	"github.com/jeremyhahn/go-keysign/pkg/backend/vault"
	"github.com/jeremyhahn/go-keysign/pkg/ratelimit"
	"github.com/jeremyhahn/go-keysign/pkg/secrets"
	secretsazure "github.com/jeremyhahn/go-keysign/pkg/secrets/azurekv"
	secretsgcp "github.com/jeremyhahn/go-keysign/pkg/secrets/gcpsm"
	secretsvault "github.com/jeremyhahn/go-keysign/pkg/secrets/vault"
	"github.com/jeremyhahn/go-keysign/pkg/signing/remote"
	"github.com/jeremyhahn/go-keysign/pkg/types"
)

// EnvPrefix prefixes every environment override, e.g. KEYSIGN_RETRY_MAX_ATTEMPTS.
const EnvPrefix = "KEYSIGN"

// DefaultConfigName is the file searched for when no path is given.
const DefaultConfigName = "keysign"

var (
	// ErrInvalidConfig is returned when validation fails.
	ErrInvalidConfig = errors.New("config: invalid configuration")

	// ErrBackendNotConfigured is returned when the selected backend has no section.
	ErrBackendNotConfigured = errors.New("config: backend not configured")
)

// Config represents the complete signer configuration
type Config struct {
	// Backend selects the signer: local, gcpkms, awskms, vault or azurekv.
	Backend types.BackendType `yaml:"backend" json:"backend" mapstructure:"backend"`

	// KeyHandle names the key within the backend. Remote backends fall
	// back to their own default key when empty.
	KeyHandle string `yaml:"key_handle,omitempty" json:"key_handle,omitempty" mapstructure:"key_handle"`

	Local   LocalConfig     `yaml:"local" json:"local" mapstructure:"local"`
	GCPKMS  *gcpkms.Config  `yaml:"gcpkms,omitempty" json:"gcpkms,omitempty" mapstructure:"gcpkms"`
	AWSKMS  *awskms.Config  `yaml:"awskms,omitempty" json:"awskms,omitempty" mapstructure:"awskms"`
	Vault   *vault.Config   `yaml:"vault,omitempty" json:"vault,omitempty" mapstructure:"vault"`
	AzureKV *azurekv.Config `yaml:"azurekv,omitempty" json:"azurekv,omitempty" mapstructure:"azurekv"`

	Remote    RemoteConfig       `yaml:"remote" json:"remote" mapstructure:"remote"`
	Retry     remote.RetryPolicy `yaml:"retry" json:"retry" mapstructure:"retry"`
	RateLimit ratelimit.Config   `yaml:"ratelimit" json:"ratelimit" mapstructure:"ratelimit"`
	Secrets   SecretsConfig      `yaml:"secrets" json:"secrets" mapstructure:"secrets"`
	JWS       JWSConfig          `yaml:"jws" json:"jws" mapstructure:"jws"`
	Logging   LoggingConfig      `yaml:"logging" json:"logging" mapstructure:"logging"`
	Metrics   MetricsConfig      `yaml:"metrics" json:"metrics" mapstructure:"metrics"`
}

// LocalConfig configures the in-process signer. The private key is read
// from KeyFile or resolved through the secret sources with KeyRef.
type LocalConfig struct {
	KeyFile string `yaml:"key_file,omitempty" json:"key_file,omitempty" mapstructure:"key_file"`

	// KeyRef is a secret reference such as "vault:signing/jws#pem".
	KeyRef string `yaml:"key_ref,omitempty" json:"key_ref,omitempty" mapstructure:"key_ref"`

	// Password decrypts an encrypted PKCS#8 key. PasswordRef resolves it
	// through the secret sources instead.
	Password    string `yaml:"password,omitempty" json:"password,omitempty" mapstructure:"password"`
	PasswordRef string `yaml:"password_ref,omitempty" json:"password_ref,omitempty" mapstructure:"password_ref"`

	// Algorithm overrides the algorithm inferred from the key, e.g. PS256
	// for an RSA key.
	Algorithm types.SigningAlgorithm `yaml:"algorithm,omitempty" json:"algorithm,omitempty" mapstructure:"algorithm"`
}

// RemoteConfig tunes the remote signer shared by all KMS backends.
type RemoteConfig struct {
	CacheTTL        time.Duration          `yaml:"cache_ttl" json:"cache_ttl" mapstructure:"cache_ttl"`
	MetadataTimeout time.Duration          `yaml:"metadata_timeout" json:"metadata_timeout" mapstructure:"metadata_timeout"`
	Verify          bool                   `yaml:"verify" json:"verify" mapstructure:"verify"`
	Prefetch        bool                   `yaml:"prefetch" json:"prefetch" mapstructure:"prefetch"`
	Algorithm       types.SigningAlgorithm `yaml:"algorithm,omitempty" json:"algorithm,omitempty" mapstructure:"algorithm"`
}

// SecretsConfig enables the secret sources. Each source is registered
// under its scheme: file, env, vault, azurekv and gcpsm.
type SecretsConfig struct {
	CacheTTL     time.Duration `yaml:"cache_ttl" json:"cache_ttl" mapstructure:"cache_ttl"`
	FetchTimeout time.Duration `yaml:"fetch_timeout" json:"fetch_timeout" mapstructure:"fetch_timeout"`

	// Dir enables the file source rooted at this directory.
	Dir string `yaml:"dir,omitempty" json:"dir,omitempty" mapstructure:"dir"`

	// EnvPrefix enables the environment source.
	EnvPrefix string `yaml:"env_prefix,omitempty" json:"env_prefix,omitempty" mapstructure:"env_prefix"`

	Vault   *secretsvault.Config `yaml:"vault,omitempty" json:"vault,omitempty" mapstructure:"vault"`
	AzureKV *secretsazure.Config `yaml:"azurekv,omitempty" json:"azurekv,omitempty" mapstructure:"azurekv"`
	GCPSM   *secretsgcp.Config   `yaml:"gcpsm,omitempty" json:"gcpsm,omitempty" mapstructure:"gcpsm"`
}

// JWSConfig sets the optional protected headers of produced tokens.
type JWSConfig struct {
	Type        string `yaml:"typ,omitempty" json:"typ,omitempty" mapstructure:"typ"`
	ContentType string `yaml:"cty,omitempty" json:"cty,omitempty" mapstructure:"cty"`
}

// LoggingConfig controls logging behavior
type LoggingConfig struct {
	Level  string `yaml:"level" json:"level" mapstructure:"level"`
	Format string `yaml:"format" json:"format" mapstructure:"format"` // json, console or text
}

// MetricsConfig toggles Prometheus collection.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled" mapstructure:"enabled"`
}

// envKeys are bound explicitly so overrides apply to sections absent from
// the file.
var envKeys = []string{
	"backend", "key_handle",
	"local.key_file", "local.key_ref", "local.password", "local.password_ref", "local.algorithm",
	"gcpkms.project_id", "gcpkms.location_id", "gcpkms.key_ring_id", "gcpkms.key_version",
	"gcpkms.credentials_file", "gcpkms.endpoint",
	"awskms.region", "awskms.profile", "awskms.access_key_id", "awskms.secret_access_key",
	"awskms.session_token", "awskms.endpoint", "awskms.key_id",
	"vault.address", "vault.token", "vault.transit_path", "vault.namespace",
	"azurekv.vault_url", "azurekv.tenant_id", "azurekv.client_id", "azurekv.client_secret",
	"secrets.dir", "secrets.env_prefix",
	"secrets.vault.address", "secrets.vault.token", "secrets.vault.namespace", "secrets.vault.mount",
	"secrets.azurekv.vault_url", "secrets.azurekv.tenant_id", "secrets.azurekv.client_id",
	"secrets.azurekv.client_secret",
	"secrets.gcpsm.project_id", "secrets.gcpsm.credentials_file", "secrets.gcpsm.endpoint",
	"jws.typ", "jws.cty",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("backend", types.BackendLocal.String())

	p := remote.DefaultRetryPolicy()
	v.SetDefault("retry.max_attempts", p.MaxAttempts)
	v.SetDefault("retry.base_delay", p.BaseDelay)
	v.SetDefault("retry.max_delay", p.MaxDelay)
	v.SetDefault("retry.multiplier", p.Multiplier)
	v.SetDefault("retry.jitter", p.Jitter)
	v.SetDefault("retry.max_elapsed_time", p.MaxElapsedTime)
	v.SetDefault("retry.attempt_timeout", p.AttemptTimeout)

	v.SetDefault("remote.cache_ttl", remote.DefaultCacheTTL)
	v.SetDefault("remote.metadata_timeout", remote.DefaultMetadataTimeout)
	v.SetDefault("remote.verify", false)
	v.SetDefault("remote.prefetch", true)

	v.SetDefault("ratelimit.enabled", false)
	v.SetDefault("ratelimit.requests_per_minute", 0)

	v.SetDefault("secrets.cache_ttl", secrets.DefaultTTL)
	v.SetDefault("secrets.fetch_timeout", secrets.DefaultFetchTimeout)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
	v.SetDefault("metrics.enabled", false)
}

// Load reads the configuration. An empty path searches the working
// directory and $HOME/.keysign for keysign.yaml; finding none is not an
// error. Environment variables override file values.
func Load(path string) (*Config, error) {
	return LoadWithOverrides(path, nil)
}

// LoadWithOverrides is Load with values that take precedence over both
// the file and the environment, keyed like "remote.verify".
func LoadWithOverrides(path string, overrides map[string]any) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, key := range envKeys {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", key, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else {
		v.SetConfigName(DefaultConfigName)
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".keysign"))
		}
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	for key, value := range overrides {
		v.Set(key, value)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.Backend = types.BackendType(strings.ToLower(string(cfg.Backend)))

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c == nil {
		return ErrInvalidConfig
	}

	switch c.Backend {
	case types.BackendLocal:
		if err := c.Local.Validate(); err != nil {
			return err
		}
	case types.BackendGCPKMS:
		if c.GCPKMS == nil {
			return fmt.Errorf("%w: %s", ErrBackendNotConfigured, c.Backend)
		}
		if err := c.GCPKMS.Validate(); err != nil {
			return err
		}
	case types.BackendAWSKMS:
		if c.AWSKMS == nil {
			return fmt.Errorf("%w: %s", ErrBackendNotConfigured, c.Backend)
		}
		if err := c.AWSKMS.Validate(); err != nil {
			return err
		}
	case types.BackendVault:
		if c.Vault == nil {
			return fmt.Errorf("%w: %s", ErrBackendNotConfigured, c.Backend)
		}
		if err := c.Vault.Validate(); err != nil {
			return err
		}
	case types.BackendAzureKV:
		if c.AzureKV == nil {
			return fmt.Errorf("%w: %s", ErrBackendNotConfigured, c.Backend)
		}
		if err := c.AzureKV.Validate(); err != nil {
			return err
		}
	default:
		return fmt.Errorf("%w: unknown backend %q", ErrInvalidConfig, c.Backend)
	}

	if err := c.Retry.Validate(); err != nil {
		return err
	}
	if c.Remote.CacheTTL < 0 || c.Remote.MetadataTimeout < 0 {
		return fmt.Errorf("%w: remote timeouts must not be negative", ErrInvalidConfig)
	}
	if c.Remote.Algorithm != "" && !c.Remote.Algorithm.IsValid() {
		return fmt.Errorf("%w: unknown remote algorithm %q", ErrInvalidConfig, c.Remote.Algorithm)
	}
	if c.RateLimit.Enabled && c.RateLimit.RequestsPerMinute <= 0 {
		return fmt.Errorf("%w: ratelimit.requests_per_minute must be positive when enabled", ErrInvalidConfig)
	}
	if err := c.Secrets.Validate(); err != nil {
		return err
	}
	return c.Logging.Validate()
}

// Validate checks the local key source.
func (c *LocalConfig) Validate() error {
	if (c.KeyFile == "") == (c.KeyRef == "") {
		return fmt.Errorf("%w: local signer needs exactly one of key_file and key_ref", ErrInvalidConfig)
	}
	if c.Password != "" && c.PasswordRef != "" {
		return fmt.Errorf("%w: password and password_ref are mutually exclusive", ErrInvalidConfig)
	}
	if c.Algorithm != "" && !c.Algorithm.IsValid() {
		return fmt.Errorf("%w: unknown local algorithm %q", ErrInvalidConfig, c.Algorithm)
	}
	return nil
}

// Validate checks the enabled secret sources.
func (c *SecretsConfig) Validate() error {
	if c.CacheTTL < 0 || c.FetchTimeout < 0 {
		return fmt.Errorf("%w: secrets timeouts must not be negative", ErrInvalidConfig)
	}
	if c.Vault != nil {
		if err := c.Vault.Validate(); err != nil {
			return err
		}
	}
	if c.AzureKV != nil {
		if err := c.AzureKV.Validate(); err != nil {
			return err
		}
	}
	if c.GCPSM != nil {
		if err := c.GCPSM.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Schemes lists the secret schemes this configuration enables.
func (c *SecretsConfig) Schemes() []string {
	var schemes []string
	if c.Dir != "" {
		schemes = append(schemes, "file")
	}
	if c.EnvPrefix != "" {
		schemes = append(schemes, "env")
	}
	if c.Vault != nil {
		schemes = append(schemes, "vault")
	}
	if c.AzureKV != nil {
		schemes = append(schemes, "azurekv")
	}
	if c.GCPSM != nil {
		schemes = append(schemes, "gcpsm")
	}
	return schemes
}

// Validate checks the log level and format.
func (c *LoggingConfig) Validate() error {
	if _, err := logger.ParseLevel(c.Level); err != nil {
		return fmt.Errorf("%w: invalid log level: %s (must be debug, info, warn, error, or fatal)", ErrInvalidConfig, c.Level)
	}
	switch strings.ToLower(c.Format) {
	case "", "json", "console", "text":
		return nil
	default:
		return fmt.Errorf("%w: invalid log format: %s (must be json, console, or text)", ErrInvalidConfig, c.Format)
	}
}

// GetEnabledBackends returns the backends with a configuration section,
// sorted by name.
func (c *Config) GetEnabledBackends() []string {
	var backends []string
	if c.Local.KeyFile != "" || c.Local.KeyRef != "" {
		backends = append(backends, types.BackendLocal.String())
	}
	if c.GCPKMS != nil {
		backends = append(backends, types.BackendGCPKMS.String())
	}
	if c.AWSKMS != nil {
		backends = append(backends, types.BackendAWSKMS.String())
	}
	if c.Vault != nil {
		backends = append(backends, types.BackendVault.String())
	}
	if c.AzureKV != nil {
		backends = append(backends, types.BackendAzureKV.String())
	}
	sort.Strings(backends)
	return backends
}

const redacted = "********"

func mask(s string) string {
	if s == "" {
		return ""
	}
	return redacted
}

// Redacted returns a copy with credentials masked. Inline GCP credentials
// are dropped.
func (c *Config) Redacted() *Config {
	out := *c
	out.Local.Password = mask(c.Local.Password)
	if c.GCPKMS != nil {
		g := *c.GCPKMS
		g.CredentialsJSON = nil
		out.GCPKMS = &g
	}
	if c.AWSKMS != nil {
		a := *c.AWSKMS
		a.SecretAccessKey = mask(a.SecretAccessKey)
		a.SessionToken = mask(a.SessionToken)
		out.AWSKMS = &a
	}
	if c.Vault != nil {
		v := *c.Vault
		v.Token = mask(v.Token)
		out.Vault = &v
	}
	if c.AzureKV != nil {
		a := *c.AzureKV
		a.ClientSecret = mask(a.ClientSecret)
		out.AzureKV = &a
	}
	if c.Secrets.Vault != nil {
		v := *c.Secrets.Vault
		v.Token = mask(v.Token)
		out.Secrets.Vault = &v
	}
	if c.Secrets.AzureKV != nil {
		a := *c.Secrets.AzureKV
		a.ClientSecret = mask(a.ClientSecret)
		out.Secrets.AzureKV = &a
	}
	if c.Secrets.GCPSM != nil {
		g := *c.Secrets.GCPSM
		g.CredentialsJSON = nil
		out.Secrets.GCPSM = &g
	}
	return &out
}

// YAML renders the redacted configuration.
func (c *Config) YAML() ([]byte, error) {
	return yaml.Marshal(c.Redacted())
}

// String returns the redacted configuration as YAML.
func (c *Config) String() string {
	b, err := c.YAML()
	if err != nil {
		return fmt.Sprintf("config: %v", err)
	}
	return string(b)
}
