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

package types

import (
	"crypto"
	"crypto/elliptic"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSigningAlgorithm(t *testing.T) {
	tests := []struct {
		input   string
		want    SigningAlgorithm
		wantErr bool
	}{
		{"RS256", RS256, false},
		{"ps384", PS384, false},
		{"ES512", ES512, false},
		{"EdDSA", EdDSA, false},
		{"Ed25519", EdDSA, false},
		{"HS256", "", true},
		{"", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseSigningAlgorithm(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrUnknownAlgorithm))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSigningAlgorithmProperties(t *testing.T) {
	tests := []struct {
		alg     SigningAlgorithm
		hash    crypto.Hash
		keyAlg  x509.PublicKeyAlgorithm
		pss     bool
		curve   elliptic.Curve
		sigSize int
		desc    string
	}{
		{RS256, crypto.SHA256, x509.RSA, false, nil, 0, "RSA-PKCS1-SHA256"},
		{RS512, crypto.SHA512, x509.RSA, false, nil, 0, "RSA-PKCS1-SHA512"},
		{PS256, crypto.SHA256, x509.RSA, true, nil, 0, "RSA-PSS-SHA256"},
		{PS384, crypto.SHA384, x509.RSA, true, nil, 0, "RSA-PSS-SHA384"},
		{PS512, crypto.SHA512, x509.RSA, true, nil, 0, "RSA-PSS-SHA512"},
		{ES256, crypto.SHA256, x509.ECDSA, false, elliptic.P256(), 64, "ECDSA-P256"},
		{ES384, crypto.SHA384, x509.ECDSA, false, elliptic.P384(), 96, "ECDSA-P384"},
		{ES512, crypto.SHA512, x509.ECDSA, false, elliptic.P521(), 132, "ECDSA-P521"},
		{EdDSA, 0, x509.Ed25519, false, nil, 64, "EdDSA-Ed25519"},
	}

	for _, tt := range tests {
		t.Run(tt.alg.String(), func(t *testing.T) {
			assert.True(t, tt.alg.IsValid())
			assert.Equal(t, tt.hash, tt.alg.HashFunc())
			assert.Equal(t, tt.keyAlg, tt.alg.KeyAlgorithm())
			assert.Equal(t, tt.pss, tt.alg.IsPSS())
			assert.Equal(t, tt.curve, tt.alg.Curve())
			assert.Equal(t, tt.sigSize, tt.alg.SignatureSize())
			assert.Equal(t, tt.desc, tt.alg.Description())
		})
	}

	assert.False(t, SigningAlgorithm("HS256").IsValid())
	assert.Equal(t, "unknown", SigningAlgorithm("HS256").Description())
	assert.Equal(t, x509.UnknownPublicKeyAlgorithm, SigningAlgorithm("none").KeyAlgorithm())
}

func TestSignerOpts(t *testing.T) {
	opts := PS256.SignerOpts()
	pss, ok := opts.(*rsa.PSSOptions)
	require.True(t, ok)
	assert.Equal(t, rsa.PSSSaltLengthEqualsHash, pss.SaltLength)
	assert.Equal(t, crypto.SHA256, pss.HashFunc())

	assert.Equal(t, crypto.SHA384, RS384.SignerOpts().HashFunc())
	assert.Equal(t, crypto.Hash(0), EdDSA.SignerOpts().HashFunc())
}

func TestDigest(t *testing.T) {
	msg := []byte("header.payload")

	digest, err := ES256.Digest(msg)
	require.NoError(t, err)
	sum := sha256.Sum256(msg)
	assert.Equal(t, sum[:], digest)

	digest, err = RS512.Digest(msg)
	require.NoError(t, err)
	assert.Len(t, digest, 64)

	raw, err := EdDSA.Digest(msg)
	require.NoError(t, err)
	assert.Equal(t, msg, raw)

	_, err = SigningAlgorithm("HS256").Digest(msg)
	assert.ErrorIs(t, err, ErrUnknownAlgorithm)
}

func TestKeyHandle(t *testing.T) {
	assert.True(t, KeyHandle("").IsZero())
	h := KeyHandle("projects/p/locations/l/keyRings/r/cryptoKeys/k/cryptoKeyVersions/1")
	assert.False(t, h.IsZero())
	assert.Equal(t, string(h), h.String())
}
