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
	"github.com/spf13/cobra"
)

func newBackendsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "backends",
		Short: "List configured signing backends and the rate limit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := a.printer(cmd)
			if err != nil {
				return err
			}
			f, err := a.load(cmd)
			if err != nil {
				return err
			}
			return p.PrintBackendList(a.cfg.Backend.String(), a.cfg.GetEnabledBackends(), f.Limiter().Stats())
		},
	}
}

func newSecretsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "secrets",
		Short: "List the secret schemes usable in key_ref and password_ref",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := a.printer(cmd)
			if err != nil {
				return err
			}
			f, err := a.load(cmd)
			if err != nil {
				return err
			}
			router, err := f.Secrets()
			if err != nil {
				return err
			}
			return p.PrintList("schemes", router.Schemes())
		},
	}
}
