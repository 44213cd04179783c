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

package remote

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jeremyhahn/go-keysign/pkg/types"
)

// MockKeyService is a KeyService whose behaviour is set per test.
type MockKeyService struct {
	GetKeyMetadataFunc func(ctx context.Context, handle types.KeyHandle) (*KeyMetadata, error)
	SignFunc           func(ctx context.Context, req *SignRequest) (*SignResponse, error)
	ClassifyFunc       func(err error) ErrorClass

	metadataCalls atomic.Int32
	signCalls     atomic.Int32

	mu       sync.Mutex
	requests []*SignRequest
}

func (m *MockKeyService) Name() string { return "mock" }

func (m *MockKeyService) GetKeyMetadata(ctx context.Context, handle types.KeyHandle) (*KeyMetadata, error) {
	m.metadataCalls.Add(1)
	if m.GetKeyMetadataFunc != nil {
		return m.GetKeyMetadataFunc(ctx, handle)
	}
	return nil, errors.New("GetKeyMetadata not implemented")
}

func (m *MockKeyService) Sign(ctx context.Context, req *SignRequest) (*SignResponse, error) {
	m.signCalls.Add(1)
	m.mu.Lock()
	m.requests = append(m.requests, req)
	m.mu.Unlock()
	if m.SignFunc != nil {
		return m.SignFunc(ctx, req)
	}
	return nil, errors.New("Sign not implemented")
}

func (m *MockKeyService) Classify(err error) ErrorClass {
	if m.ClassifyFunc != nil {
		return m.ClassifyFunc(err)
	}
	return ClassUnknown
}

func (m *MockKeyService) MetadataCalls() int { return int(m.metadataCalls.Load()) }
func (m *MockKeyService) SignCalls() int     { return int(m.signCalls.Load()) }

func (m *MockKeyService) Requests() []*SignRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*SignRequest(nil), m.requests...)
}

// ecKMS emulates a KMS holding a P-256 key: it signs digests and returns
// ASN.1 DER signatures.
type ecKMS struct {
	key *ecdsa.PrivateKey
}

func newECKMS(t *testing.T) *ecKMS {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	return &ecKMS{key: key}
}

func (k *ecKMS) metadata(context.Context, types.KeyHandle) (*KeyMetadata, error) {
	return &KeyMetadata{PublicKey: k.key.Public(), Algorithm: types.ES256}, nil
}

func (k *ecKMS) sign(_ context.Context, req *SignRequest) (*SignResponse, error) {
	digest := req.Digest
	if digest == nil {
		var err error
		if digest, err = types.ES256.Digest(req.Message); err != nil {
			return nil, err
		}
	}
	der, err := k.key.Sign(rand.Reader, digest, crypto.SHA256)
	if err != nil {
		return nil, err
	}
	return &SignResponse{Signature: der, Algorithm: types.ES256, KeyHandle: req.KeyHandle}, nil
}

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// timeoutError mimics a transport timeout.
type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }
