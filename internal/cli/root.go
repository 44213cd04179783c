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

// Package cli implements the keysign command line interface.
package cli

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/jeremyhahn/go-keysign/internal/factory"
)

// NewRootCommand builds the command tree. Factory options are passed to
// every factory the commands create.
func NewRootCommand(factoryOpts ...factory.Option) *cobra.Command {
	a := &app{factoryOpts: factoryOpts}

	rootCmd := &cobra.Command{
		Use:   "keysign",
		Short: "go-keysign CLI - JWS signing with local keys and cloud KMS",
		Long: `keysign signs payloads as compact JWS tokens with a local private key or
a remote KMS key, verifies tokens and exports public keys as JWK.

Supported backends:
  - local:   PEM private key from a file or a secret source
  - gcpkms:  Google Cloud KMS
  - awskms:  AWS Key Management Service
  - vault:   HashiCorp Vault Transit
  - azurekv: Azure Key Vault`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return a.close()
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&a.opts.ConfigFile, "config", "",
		"config file (default is ./keysign.yaml or $HOME/.keysign/keysign.yaml)")
	flags.StringVar(&a.opts.Backend, "backend", "",
		"override the configured backend (local, gcpkms, awskms, vault, azurekv)")
	flags.StringVar(&a.opts.KeyHandle, "key", "",
		"override the configured key handle")
	flags.StringVarP(&a.opts.OutputFormat, "output", "o", string(OutputFormatText),
		"output format (text, json)")
	flags.BoolVarP(&a.opts.Verbose, "verbose", "v", false,
		"debug logging")

	rootCmd.AddCommand(
		newVersionCmd(a),
		newSignCmd(a),
		newVerifyCmd(a),
		newJWKCmd(a),
		newConfigCmd(a),
		newBackendsCmd(a),
		newSecretsCmd(a),
	)
	return rootCmd
}

// Execute runs the root command
func Execute(ctx context.Context) error {
	cmd := NewRootCommand()
	err := cmd.ExecuteContext(ctx)
	if err != nil {
		handleError(cmd, err)
	}
	return err
}

// handleError prints an error in the selected output format
func handleError(cmd *cobra.Command, err error) {
	format, _ := cmd.PersistentFlags().GetString("output")
	_ = NewPrinter(format, cmd.ErrOrStderr()).PrintError(err) // Error printing to stderr is best-effort
}
