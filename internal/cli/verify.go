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
	"crypto"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/spf13/cobra"

	"github.com/jeremyhahn/go-keysign/pkg/encoding/jws"
	"github.com/jeremyhahn/go-keysign/pkg/signing"
)

func newVerifyCmd(a *app) *cobra.Command {
	var (
		keyFile string
		claims  bool
	)

	cmd := &cobra.Command{
		Use:   "verify [token|-]",
		Short: "Verify a compact JWS and print its payload",
		Long: `Verify a compact JWS given as an argument or on standard input. The
public key is read from --public-key, or taken from the configured signer.
With --claims the token is parsed as a JWT and its time claims are checked.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := a.printer(cmd)
			if err != nil {
				return err
			}

			var token string
			if len(args) == 1 && args[0] != "-" {
				token = args[0]
			} else {
				data, err := readInput(cmd, nil)
				if err != nil {
					return err
				}
				token = string(data)
			}
			token = strings.TrimSpace(token)

			pub, err := a.publicKey(cmd, keyFile)
			if err != nil {
				return err
			}

			header, err := jws.ParseHeader(token)
			if err != nil {
				return err
			}

			if claims {
				parsed, err := jws.ParseClaims(token, pub, jwt.MapClaims{})
				if err != nil {
					return err
				}
				payload, err := jsonClaims(parsed)
				if err != nil {
					return err
				}
				return p.PrintPayload(payload, header)
			}

			payload, err := jws.Verify(token, pub)
			if err != nil {
				return err
			}
			return p.PrintPayload(payload, header)
		},
	}

	cmd.Flags().StringVar(&keyFile, "public-key", "", "PEM public key or certificate")
	cmd.Flags().BoolVar(&claims, "claims", false, "validate JWT claims")
	return cmd
}

// publicKey loads keyFile, or asks the configured signer.
func (a *app) publicKey(cmd *cobra.Command, keyFile string) (crypto.PublicKey, error) {
	if keyFile != "" {
		data, err := os.ReadFile(keyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", keyFile, err)
		}
		return signing.ParsePublicKeyPEM(data)
	}

	f, err := a.load(cmd)
	if err != nil {
		return nil, err
	}
	s, err := f.Signer(cmd.Context())
	if err != nil {
		return nil, err
	}
	provider, ok := s.(signing.PublicKeyProvider)
	if !ok {
		return nil, errors.New("signer does not expose its public key; use --public-key")
	}
	return provider.PublicKey(cmd.Context())
}

func jsonClaims(token *jwt.Token) ([]byte, error) {
	return json.Marshal(token.Claims)
}
