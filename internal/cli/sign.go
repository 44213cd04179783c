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
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/spf13/cobra"

	"github.com/jeremyhahn/go-keysign/pkg/adapters/logger"
	"github.com/jeremyhahn/go-keysign/pkg/encoding/jws"
)

type signOptions struct {
	typ     string
	cty     string
	headers map[string]string
	claims  bool
	expires time.Duration
}

func newSignCmd(a *app) *cobra.Command {
	var o signOptions

	cmd := &cobra.Command{
		Use:   "sign [file]",
		Short: "Sign a payload as a compact JWS",
		Long: `Sign the contents of file, or standard input when file is "-" or absent,
and print the compact JWS. With --claims the payload is a JSON claims object
signed as a JWT.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := a.printer(cmd)
			if err != nil {
				return err
			}
			payload, err := readInput(cmd, args)
			if err != nil {
				return err
			}
			f, err := a.load(cmd)
			if err != nil {
				return err
			}

			var opts []jws.Option
			if o.typ != "" {
				opts = append(opts, jws.WithType(o.typ))
			}
			if o.cty != "" {
				opts = append(opts, jws.WithContentType(o.cty))
			}
			for name, value := range o.headers {
				opts = append(opts, jws.WithHeader(name, value))
			}

			ctx := cmd.Context()
			enc, err := f.Encoder(ctx, opts...)
			if err != nil {
				return err
			}

			var token string
			if o.claims {
				var claims jwt.MapClaims
				if err := json.Unmarshal(payload, &claims); err != nil {
					return fmt.Errorf("claims must be a JSON object: %w", err)
				}
				if claims == nil {
					return errors.New("claims must be a JSON object")
				}
				if o.expires > 0 {
					now := time.Now()
					claims["iat"] = now.Unix()
					claims["exp"] = now.Add(o.expires).Unix()
				}
				token, err = enc.SignClaims(ctx, claims)
			} else {
				token, err = enc.Sign(ctx, payload)
			}
			if err != nil {
				return err
			}

			h, err := jws.ParseHeader(token)
			if err != nil {
				return err
			}
			a.logger.Debug("signed payload",
				logger.String("alg", h.Algorithm.String()),
				logger.String("kid", h.KeyID.String()),
				logger.Int("payload_bytes", len(payload)))
			return p.PrintToken(token, h)
		},
	}

	cmd.Flags().StringVar(&o.typ, "typ", "", "typ header, e.g. JWT")
	cmd.Flags().StringVar(&o.cty, "cty", "", "cty header")
	cmd.Flags().StringToStringVar(&o.headers, "header", nil, "additional protected header as name=value (repeatable)")
	cmd.Flags().BoolVar(&o.claims, "claims", false, "treat the payload as JWT claims")
	cmd.Flags().DurationVar(&o.expires, "expires-in", 0, "with --claims, set iat and exp relative to now")
	return cmd
}

// readInput reads the named file, or standard input for "-" or no argument.
func readInput(cmd *cobra.Command, args []string) ([]byte, error) {
	if len(args) == 0 || args[0] == "-" {
		data, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return nil, fmt.Errorf("failed to read stdin: %w", err)
		}
		return data, nil
	}
	data, err := os.ReadFile(args[0])
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", args[0], err)
	}
	return data, nil
}
