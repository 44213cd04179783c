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

package jws

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/jeremyhahn/go-keysign/pkg/adapters/logger"
	"github.com/jeremyhahn/go-keysign/pkg/signing"
	"github.com/jeremyhahn/go-keysign/pkg/types"
)

// reserved header parameters are set by the encoder and cannot be
// supplied through WithHeader.
var reserved = map[string]bool{
	"alg":  true,
	"kid":  true,
	"typ":  true,
	"cty":  true,
	"crit": true,
	"b64":  true,
}

// Encoder frames payloads as compact JWS tokens signed by one Signer.
// An Encoder is immutable and safe for concurrent use.
type Encoder struct {
	signer  signing.Signer
	typ     string
	cty     string
	headers map[string]any
	logger  logger.Logger
}

// Option configures an Encoder.
type Option func(*Encoder)

// WithType sets the typ header, e.g. "JWT".
func WithType(typ string) Option {
	return func(e *Encoder) {
		e.typ = typ
	}
}

// WithContentType sets the cty header. JSON content types make the
// encoder reject payloads that are not valid JSON.
func WithContentType(cty string) Option {
	return func(e *Encoder) {
		e.cty = cty
	}
}

// WithHeader adds an extra protected header. Extra headers follow the
// standard ones in lexical order.
func WithHeader(name string, value any) Option {
	return func(e *Encoder) {
		if e.headers == nil {
			e.headers = make(map[string]any)
		}
		e.headers[name] = value
	}
}

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return func(e *Encoder) {
		if l != nil {
			e.logger = l
		}
	}
}

// New returns an Encoder for signer.
func New(signer signing.Signer, opts ...Option) (*Encoder, error) {
	if signer == nil {
		return nil, signing.ErrSignerRequired
	}
	e := &Encoder{signer: signer, logger: logger.NewNoOp()}
	for _, opt := range opts {
		opt(e)
	}
	for name := range e.headers {
		if name == "" || reserved[name] {
			return nil, encodingError(fmt.Errorf("header %q cannot be set explicitly", name))
		}
	}
	return e, nil
}

// Sign is shorthand for New(signer, opts...).Sign(ctx, payload).
func Sign(ctx context.Context, signer signing.Signer, payload []byte, opts ...Option) (string, error) {
	e, err := New(signer, opts...)
	if err != nil {
		return "", err
	}
	return e.Sign(ctx, payload)
}

// Sign returns the compact serialization of payload.
func (e *Encoder) Sign(ctx context.Context, payload []byte) (string, error) {
	return e.sign(ctx, e.typ, payload)
}

// SignJSON marshals v and signs the result.
func (e *Encoder) SignJSON(ctx context.Context, v any) (string, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return "", encodingError(err)
	}
	return e.sign(ctx, e.typ, payload)
}

// SignClaims signs a JWT claims set. The typ header defaults to "JWT".
func (e *Encoder) SignClaims(ctx context.Context, claims jwt.Claims) (string, error) {
	if claims == nil {
		return "", encodingError(errors.New("claims are nil"))
	}
	payload, err := json.Marshal(claims)
	if err != nil {
		return "", encodingError(err)
	}
	typ := e.typ
	if typ == "" {
		typ = "JWT"
	}
	return e.sign(ctx, typ, payload)
}

func (e *Encoder) sign(ctx context.Context, typ string, payload []byte) (string, error) {
	if isJSON(typ, e.cty) && !json.Valid(payload) {
		return "", encodingError(errors.New("payload is not valid JSON"))
	}

	alg, err := e.signer.Algorithm(ctx)
	if err != nil {
		return "", signingError(err)
	}
	kid := e.signer.KeyHandle()

	header, err := e.header(alg, kid, typ)
	if err != nil {
		return "", encodingError(err)
	}

	signingInput := encode(header) + "." + encode(payload)
	sig, err := e.signer.Sign(ctx, []byte(signingInput))
	if err != nil {
		return "", signingError(err)
	}
	if sig.Algorithm != alg {
		return "", signingError(fmt.Errorf("%w: header %s, signature %s", ErrAlgorithmMismatch, alg, sig.Algorithm))
	}
	raw, err := signing.NormalizeSignature(sig.Bytes, sig.Algorithm)
	if err != nil {
		return "", signingError(err)
	}

	logger.FromContext(ctx, e.logger).Debug("issued token",
		logger.String("alg", alg.String()),
		logger.String("kid", kid.String()),
		logger.Int("payload_bytes", len(payload)))

	return signingInput + "." + encode(raw), nil
}

// header renders the protected header with a stable member order.
func (e *Encoder) header(alg types.SigningAlgorithm, kid types.KeyHandle, typ string) ([]byte, error) {
	var b bytes.Buffer
	b.WriteByte('{')
	members := 0
	add := func(name string, value any) error {
		v, err := marshal(value)
		if err != nil {
			return fmt.Errorf("header %q: %w", name, err)
		}
		if members > 0 {
			b.WriteByte(',')
		}
		k, _ := marshal(name)
		b.Write(k)
		b.WriteByte(':')
		b.Write(v)
		members++
		return nil
	}

	if err := add("alg", alg.String()); err != nil {
		return nil, err
	}
	if !kid.IsZero() {
		if err := add("kid", kid.String()); err != nil {
			return nil, err
		}
	}
	if typ != "" {
		if err := add("typ", typ); err != nil {
			return nil, err
		}
	}
	if e.cty != "" {
		if err := add("cty", e.cty); err != nil {
			return nil, err
		}
	}
	for _, name := range slices.Sorted(maps.Keys(e.headers)) {
		if err := add(name, e.headers[name]); err != nil {
			return nil, err
		}
	}
	b.WriteByte('}')
	return b.Bytes(), nil
}

// marshal encodes v as JSON without HTML escaping.
func marshal(v any) ([]byte, error) {
	var b bytes.Buffer
	enc := json.NewEncoder(&b)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(b.Bytes(), []byte("\n")), nil
}

func encode(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}

// isJSON reports whether the declared media type requires a JSON payload.
// cty wins when set; otherwise a JWT typ implies a JSON claims set.
func isJSON(typ, cty string) bool {
	if cty != "" {
		return isJSONMediaType(cty)
	}
	t := strings.ToLower(typ)
	return t == "jwt" || t == "application/jwt" || strings.HasSuffix(t, "+jwt") || isJSONMediaType(typ)
}

func isJSONMediaType(mt string) bool {
	mt = strings.ToLower(strings.TrimSpace(mt))
	if i := strings.IndexByte(mt, ';'); i >= 0 {
		mt = strings.TrimSpace(mt[:i])
	}
	return mt == "json" || mt == "application/json" || strings.HasSuffix(mt, "+json")
}
