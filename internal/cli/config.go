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

package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jeremyhahn/go-keysign/internal/config"
	"github.com/jeremyhahn/go-keysign/internal/factory"
	"github.com/jeremyhahn/go-keysign/pkg/adapters/logger"
)

// Options holds global CLI flags
type Options struct {
	// ConfigFile is the path to the configuration file
	ConfigFile string

	// Backend and KeyHandle override the configuration file
	Backend   string
	KeyHandle string

	// OutputFormat controls output formatting (text, json)
	OutputFormat string

	// Verbose forces debug logging
	Verbose bool
}

// app carries state shared by the commands of one invocation.
type app struct {
	opts        Options
	factoryOpts []factory.Option

	cfg     *config.Config
	factory *factory.Factory
	logger  logger.Logger
}

// overrides translates flags into configuration keys.
func (a *app) overrides() map[string]any {
	o := make(map[string]any)
	if a.opts.Backend != "" {
		o["backend"] = a.opts.Backend
	}
	if a.opts.KeyHandle != "" {
		o["key_handle"] = a.opts.KeyHandle
	}
	if a.opts.Verbose {
		o["logging.level"] = "debug"
	}
	return o
}

// loadConfig loads and validates the configuration once.
func (a *app) loadConfig() (*config.Config, error) {
	if a.cfg != nil {
		return a.cfg, nil
	}
	cfg, err := config.LoadWithOverrides(a.opts.ConfigFile, a.overrides())
	if err != nil {
		return nil, err
	}
	a.cfg = cfg
	return cfg, nil
}

// load returns the factory for the loaded configuration. Logs go to the
// command's error stream so they never mix with tokens on stdout.
func (a *app) load(cmd *cobra.Command) (*factory.Factory, error) {
	if a.factory != nil {
		return a.factory, nil
	}
	cfg, err := a.loadConfig()
	if err != nil {
		return nil, err
	}
	log, err := factory.NewLogger(cfg.Logging, cmd.ErrOrStderr())
	if err != nil {
		return nil, err
	}
	f, err := factory.New(cfg, append([]factory.Option{factory.WithLogger(log)}, a.factoryOpts...)...)
	if err != nil {
		return nil, err
	}
	a.logger = log
	a.factory = f
	return f, nil
}

func (a *app) close() error {
	if a.factory == nil {
		return nil
	}
	err := a.factory.Close()
	a.factory = nil
	return err
}

func (a *app) printer(cmd *cobra.Command) (*Printer, error) {
	p := NewPrinter(a.opts.OutputFormat, cmd.OutOrStdout())
	return p, p.Validate()
}

func newConfigCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect the effective configuration",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration with secrets masked",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			if a.opts.OutputFormat == string(OutputFormatJSON) {
				p, err := a.printer(cmd)
				if err != nil {
					return err
				}
				return p.printJSON(cfg.Redacted())
			}
			out, err := cfg.YAML()
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Check the configuration and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := a.printer(cmd)
			if err != nil {
				return err
			}
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			return p.PrintSuccess(fmt.Sprintf("configuration is valid (backend %s)", cfg.Backend))
		},
	})
	return cmd
}
