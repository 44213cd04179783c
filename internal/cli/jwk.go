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

	"github.com/jeremyhahn/go-keysign/pkg/encoding/jws"
)

func newJWKCmd(a *app) *cobra.Command {
	var set bool

	cmd := &cobra.Command{
		Use:   "jwk",
		Short: "Print the signer's public key as a JWK",
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
			ctx := cmd.Context()
			s, err := f.Signer(ctx)
			if err != nil {
				return err
			}
			if set {
				keys, err := jws.JWKS(ctx, s)
				if err != nil {
					return err
				}
				return p.PrintJWK(keys)
			}
			key, err := jws.PublicJWK(ctx, s)
			if err != nil {
				return err
			}
			return p.PrintJWK(key)
		},
	}

	cmd.Flags().BoolVar(&set, "set", false, "wrap the key in a JWK set")
	return cmd
}
