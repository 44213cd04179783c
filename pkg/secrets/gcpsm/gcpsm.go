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

// Package gcpsm reads secrets from Google Cloud Secret Manager.
//
// Identifiers are secret version resource names
// ("projects/p/secrets/s/versions/v"), secret resource names, or
// "secret[/version]" resolved against the configured project. A missing
// version selects "latest". Disabled or destroyed versions and responses
// without a payload report secrets.ErrMissingPayload.
package gcpsm

import (
	"context"
	"errors"
	"fmt"
	"hash/crc32"
	"os"
	"strings"
	"sync"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/jeremyhahn/go-keysign/pkg/adapters/logger"
	"github.com/jeremyhahn/go-keysign/pkg/secrets"
)

// LatestVersion is the version alias used when an identifier names none.
const LatestVersion = "latest"

var (
	// ErrInvalidConfig is returned when the configuration is invalid.
	ErrInvalidConfig = errors.New("secrets/gcpsm: invalid configuration")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("secrets/gcpsm: source closed")

	// ErrChecksumMismatch indicates the payload did not match its CRC32C.
	ErrChecksumMismatch = errors.New("secrets/gcpsm: payload checksum mismatch")
)

// SecretsClient defines the subset of the Secret Manager API used here.
// This interface allows for mocking in tests.
type SecretsClient interface {
	AccessSecretVersion(ctx context.Context, req *secretmanagerpb.AccessSecretVersionRequest, opts ...interface{}) (*secretmanagerpb.AccessSecretVersionResponse, error)
	Close() error
}

type realClient struct {
	*secretmanager.Client
}

func (r *realClient) AccessSecretVersion(ctx context.Context, req *secretmanagerpb.AccessSecretVersionRequest, opts ...interface{}) (*secretmanagerpb.AccessSecretVersionResponse, error) {
	return r.Client.AccessSecretVersion(ctx, req)
}

// Config configures the Secret Manager source.
type Config struct {
	// ProjectID resolves short secret names. Optional when every
	// identifier is a full resource name.
	ProjectID string `yaml:"project_id,omitempty" json:"project_id,omitempty" mapstructure:"project_id"`

	// CredentialsFile is a service account JSON key file. Application
	// Default Credentials are used when neither credential field is set.
	CredentialsFile string `yaml:"credentials_file,omitempty" json:"credentials_file,omitempty" mapstructure:"credentials_file"`

	// CredentialsJSON takes precedence over CredentialsFile.
	CredentialsJSON []byte `yaml:"credentials_json,omitempty" json:"credentials_json,omitempty" mapstructure:"credentials_json"`

	// Endpoint overrides the API endpoint, e.g. for an emulator.
	Endpoint string `yaml:"endpoint,omitempty" json:"endpoint,omitempty" mapstructure:"endpoint"`
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c == nil {
		return ErrInvalidConfig
	}
	if strings.Contains(c.ProjectID, "/") {
		return fmt.Errorf("%w: project_id %q", ErrInvalidConfig, c.ProjectID)
	}
	if c.CredentialsFile != "" && len(c.CredentialsJSON) == 0 {
		if _, err := os.Stat(c.CredentialsFile); err != nil {
			return fmt.Errorf("%w: credentials file: %v", ErrInvalidConfig, err)
		}
	}
	return nil
}

// String returns the configuration without credential content.
func (c *Config) String() string {
	creds := "<adc>"
	switch {
	case len(c.CredentialsJSON) > 0:
		creds = fmt.Sprintf("<json: %d bytes>", len(c.CredentialsJSON))
	case c.CredentialsFile != "":
		creds = c.CredentialsFile
	}
	return fmt.Sprintf("GCP Secret Manager Config{ProjectID: %s, Credentials: %s, Endpoint: %s}",
		c.ProjectID, creds, c.Endpoint)
}

// VersionName resolves id to a secret version resource name.
func (c *Config) VersionName(id string) (string, error) {
	if strings.HasPrefix(id, "projects/") {
		parts := strings.Split(id, "/")
		for _, p := range parts {
			if p == "" {
				return "", fmt.Errorf("%w: %q", secrets.ErrInvalidID, id)
			}
		}
		switch {
		case len(parts) == 4 && parts[2] == "secrets":
			return id + "/versions/" + LatestVersion, nil
		case len(parts) == 6 && parts[2] == "secrets" && parts[4] == "versions":
			return id, nil
		default:
			return "", fmt.Errorf("%w: %q is not a secret version", secrets.ErrInvalidID, id)
		}
	}

	name, version, found := strings.Cut(id, "/")
	if name == "" || strings.Contains(version, "/") || (found && version == "") {
		return "", fmt.Errorf("%w: %q", secrets.ErrInvalidID, id)
	}
	if c.ProjectID == "" {
		return "", fmt.Errorf("%w: project_id not configured for %q", secrets.ErrInvalidID, id)
	}
	if version == "" {
		version = LatestVersion
	}
	return fmt.Sprintf("projects/%s/secrets/%s/versions/%s", c.ProjectID, name, version), nil
}

// Source implements secrets.Source over Secret Manager.
type Source struct {
	config *Config
	client SecretsClient
	logger logger.Logger
	mu     sync.Mutex
	closed bool
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

func (s *Source) getClient(ctx context.Context) (SecretsClient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	if s.client != nil {
		return s.client, nil
	}

	var clientOpts []option.ClientOption
	if len(s.config.CredentialsJSON) > 0 {
		clientOpts = append(clientOpts, option.WithCredentialsJSON(s.config.CredentialsJSON))
	} else if s.config.CredentialsFile != "" {
		clientOpts = append(clientOpts, option.WithCredentialsFile(s.config.CredentialsFile))
	}
	if s.config.Endpoint != "" {
		clientOpts = append(clientOpts, option.WithEndpoint(s.config.Endpoint))
	}

	// The client outlives the first request.
	client, err := secretmanager.NewClient(context.WithoutCancel(ctx), clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("secrets/gcpsm: create client: %w", err)
	}
	s.client = &realClient{Client: client}
	return s.client, nil
}

// GetSecret returns the payload of the secret version named by id.
func (s *Source) GetSecret(ctx context.Context, id string) ([]byte, error) {
	name, err := s.config.VersionName(id)
	if err != nil {
		return nil, err
	}
	client, err := s.getClient(ctx)
	if err != nil {
		return nil, err
	}

	resp, err := client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{Name: name})
	if err != nil {
		switch status.Code(err) {
		case codes.NotFound:
			return nil, fmt.Errorf("%w: %s", secrets.ErrNotFound, name)
		case codes.FailedPrecondition:
			// Disabled or destroyed version.
			return nil, fmt.Errorf("%w: %s: %v", secrets.ErrMissingPayload, name, err)
		default:
			return nil, fmt.Errorf("secrets/gcpsm: access %s: %w", name, err)
		}
	}

	payload := resp.GetPayload()
	if payload == nil {
		return nil, fmt.Errorf("%w: %s", secrets.ErrMissingPayload, name)
	}
	if payload.DataCrc32C != nil && *payload.DataCrc32C != int64(crc32c(payload.GetData())) {
		return nil, fmt.Errorf("%w: %s", ErrChecksumMismatch, name)
	}

	s.logger.Debug("read secret", logger.String("version", resp.GetName()))
	return payload.GetData(), nil
}

// Close releases the client.
func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	if s.client == nil {
		return nil
	}
	err := s.client.Close()
	s.client = nil
	return err
}

func crc32c(data []byte) uint32 {
	return crc32.Checksum(data, crc32cTable)
}

var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

var (
	_ secrets.Source = (*Source)(nil)
	_ SecretsClient  = (*realClient)(nil)
)
