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
	"context"

	vault "github.com/hashicorp/vault/api"
)

// LogicalClient is the part of the Vault logical API used by the Transit
// key service. *vault.Logical satisfies it; tests substitute a fake.
type LogicalClient interface {
	ReadWithContext(ctx context.Context, path string) (*vault.Secret, error)
	WriteWithContext(ctx context.Context, path string, data map[string]interface{}) (*vault.Secret, error)
}

// newVaultClient creates an API client from the configuration. Client side
// retries are disabled; the remote signer owns the retry budget.
func newVaultClient(config *Config) (*vault.Client, error) {
	vaultConfig := vault.DefaultConfig()
	if vaultConfig.Error != nil {
		return nil, vaultConfig.Error
	}
	vaultConfig.Address = config.Address
	vaultConfig.MaxRetries = 0

	if config.TLSSkipVerify {
		if err := vaultConfig.ConfigureTLS(&vault.TLSConfig{Insecure: true}); err != nil {
			return nil, err
		}
	}

	client, err := vault.NewClient(vaultConfig)
	if err != nil {
		return nil, err
	}
	if config.Token != "" {
		client.SetToken(config.Token)
	}
	if config.Namespace != "" {
		client.SetNamespace(config.Namespace)
	}
	return client, nil
}
