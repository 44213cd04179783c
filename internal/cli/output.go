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
	"fmt"
	"io"

	"github.com/go-jose/go-jose/v4"

	"github.com/jeremyhahn/go-keysign/pkg/encoding/jws"
)

// OutputFormat defines the output format type
type OutputFormat string

const (
	OutputFormatText OutputFormat = "text"
	OutputFormatJSON OutputFormat = "json"
)

// Printer handles formatted output
type Printer struct {
	format OutputFormat
	writer io.Writer
}

// NewPrinter creates a new Printer
func NewPrinter(format string, writer io.Writer) *Printer {
	return &Printer{
		format: OutputFormat(format),
		writer: writer,
	}
}

// Validate rejects unknown formats before any work is done.
func (p *Printer) Validate() error {
	switch p.format {
	case OutputFormatText, OutputFormatJSON:
		return nil
	default:
		return fmt.Errorf("unknown output format: %s", p.format)
	}
}

// PrintToken prints a compact JWS with the header fields it carries.
func (p *Printer) PrintToken(token string, header *jws.Header) error {
	switch p.format {
	case OutputFormatJSON:
		out := map[string]interface{}{"token": token}
		if header != nil {
			out["alg"] = header.Algorithm
			if header.KeyID != "" {
				out["kid"] = header.KeyID
			}
		}
		return p.printJSON(out)
	case OutputFormatText:
		fmt.Fprintln(p.writer, token)
		return nil
	default:
		return fmt.Errorf("unknown output format: %s", p.format)
	}
}

// PrintPayload prints a verified payload.
func (p *Printer) PrintPayload(payload []byte, header *jws.Header) error {
	switch p.format {
	case OutputFormatJSON:
		out := map[string]interface{}{
			"verified": true,
			"alg":      header.Algorithm,
		}
		if header.KeyID != "" {
			out["kid"] = header.KeyID
		}
		if json.Valid(payload) {
			out["payload"] = json.RawMessage(payload)
		} else {
			out["payload"] = string(payload)
		}
		return p.printJSON(out)
	case OutputFormatText:
		_, err := p.writer.Write(payload)
		if err == nil && (len(payload) == 0 || payload[len(payload)-1] != '\n') {
			_, err = fmt.Fprintln(p.writer)
		}
		return err
	default:
		return fmt.Errorf("unknown output format: %s", p.format)
	}
}

// PrintJWK prints a key or key set. Both formats emit JSON; text output is
// indented for reading.
func (p *Printer) PrintJWK(v interface{}) error {
	switch v.(type) {
	case *jose.JSONWebKey, *jose.JSONWebKeySet:
	default:
		return fmt.Errorf("unsupported key type %T", v)
	}
	switch p.format {
	case OutputFormatJSON, OutputFormatText:
		return p.printJSON(v)
	default:
		return fmt.Errorf("unknown output format: %s", p.format)
	}
}

// PrintBackendList prints a list of backends and the remote rate limit
func (p *Printer) PrintBackendList(selected string, backends []string, rateLimit map[string]interface{}) error {
	switch p.format {
	case OutputFormatJSON:
		return p.printJSON(map[string]interface{}{
			"selected":   selected,
			"backends":   backends,
			"rate_limit": rateLimit,
		})
	case OutputFormatText:
		fmt.Fprintln(p.writer, "Configured Backends:")
		for _, b := range backends {
			marker := " "
			if b == selected {
				marker = "*"
			}
			fmt.Fprintf(p.writer, "  %s %s\n", marker, b)
		}
		if enabled, _ := rateLimit["enabled"].(bool); enabled {
			fmt.Fprintf(p.writer, "Rate Limit: %v/min, burst %v, %v active keys\n",
				rateLimit["rate_per_min"], rateLimit["burst"], rateLimit["active_keys"])
		} else {
			fmt.Fprintln(p.writer, "Rate Limit: disabled")
		}
		return nil
	default:
		return fmt.Errorf("unknown output format: %s", p.format)
	}
}

// PrintList prints a titled list of names.
func (p *Printer) PrintList(title string, items []string) error {
	switch p.format {
	case OutputFormatJSON:
		if items == nil {
			items = []string{}
		}
		return p.printJSON(map[string]interface{}{title: items})
	case OutputFormatText:
		if len(items) == 0 {
			fmt.Fprintf(p.writer, "No %s configured\n", title)
			return nil
		}
		for _, item := range items {
			fmt.Fprintln(p.writer, item)
		}
		return nil
	default:
		return fmt.Errorf("unknown output format: %s", p.format)
	}
}

// PrintSuccess prints a success message
func (p *Printer) PrintSuccess(message string) error {
	switch p.format {
	case OutputFormatJSON:
		return p.printJSON(map[string]interface{}{
			"status":  "success",
			"message": message,
		})
	case OutputFormatText:
		fmt.Fprintln(p.writer, message)
		return nil
	default:
		return fmt.Errorf("unknown output format: %s", p.format)
	}
}

// PrintError prints an error message
func (p *Printer) PrintError(err error) error {
	switch p.format {
	case OutputFormatJSON:
		return p.printJSON(map[string]interface{}{
			"status": "error",
			"error":  err.Error(),
		})
	default:
		fmt.Fprintf(p.writer, "Error: %v\n", err)
		return nil
	}
}

func (p *Printer) printJSON(v interface{}) error {
	enc := json.NewEncoder(p.writer)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
