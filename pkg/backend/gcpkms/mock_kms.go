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

package gcpkms

import (
	"context"
	"crypto"
	"crypto/rand"
	"sync"

	"cloud.google.com/go/kms/apiv1/kmspb"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/jeremyhahn/go-keysign/pkg/signing"
)

// MockKMSClient is a mock implementation of the KMSClient interface for
// testing. Keys registered with AddKey are served from memory; the Func
// fields override individual calls.
type MockKMSClient struct {
	GetCryptoKeyVersionFunc func(ctx context.Context, req *kmspb.GetCryptoKeyVersionRequest, opts ...interface{}) (*kmspb.CryptoKeyVersion, error)
	GetPublicKeyFunc        func(ctx context.Context, req *kmspb.GetPublicKeyRequest, opts ...interface{}) (*kmspb.PublicKey, error)
	AsymmetricSignFunc      func(ctx context.Context, req *kmspb.AsymmetricSignRequest, opts ...interface{}) (*kmspb.AsymmetricSignResponse, error)
	CloseFunc               func() error

	mu   sync.Mutex
	keys map[string]*mockKey

	// LastSignRequest is the most recent AsymmetricSign request.
	LastSignRequest *kmspb.AsymmetricSignRequest
}

type mockKey struct {
	algorithm kmspb.CryptoKeyVersion_CryptoKeyVersionAlgorithm
	state     kmspb.CryptoKeyVersion_CryptoKeyVersionState
	signer    crypto.Signer
}

// NewMockKMSClient returns an empty mock.
func NewMockKMSClient() *MockKMSClient {
	return &MockKMSClient{keys: make(map[string]*mockKey)}
}

// AddKey registers an enabled key version backed by signer.
func (m *MockKMSClient) AddKey(name string, alg kmspb.CryptoKeyVersion_CryptoKeyVersionAlgorithm, signer crypto.Signer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.keys == nil {
		m.keys = make(map[string]*mockKey)
	}
	m.keys[name] = &mockKey{algorithm: alg, state: kmspb.CryptoKeyVersion_ENABLED, signer: signer}
}

// SetState changes the state of a registered key version.
func (m *MockKMSClient) SetState(name string, state kmspb.CryptoKeyVersion_CryptoKeyVersionState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if k, ok := m.keys[name]; ok {
		k.state = state
	}
}

func (m *MockKMSClient) key(name string) (*mockKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k, ok := m.keys[name]
	if !ok {
		return nil, status.Errorf(codes.NotFound, "crypto key version %s not found", name)
	}
	return k, nil
}

// GetCryptoKeyVersion mocks retrieving a crypto key version.
func (m *MockKMSClient) GetCryptoKeyVersion(ctx context.Context, req *kmspb.GetCryptoKeyVersionRequest, opts ...interface{}) (*kmspb.CryptoKeyVersion, error) {
	if m.GetCryptoKeyVersionFunc != nil {
		return m.GetCryptoKeyVersionFunc(ctx, req, opts...)
	}
	k, err := m.key(req.GetName())
	if err != nil {
		return nil, err
	}
	return &kmspb.CryptoKeyVersion{
		Name:      req.GetName(),
		State:     k.state,
		Algorithm: k.algorithm,
	}, nil
}

// GetPublicKey mocks retrieving the PEM public key.
func (m *MockKMSClient) GetPublicKey(ctx context.Context, req *kmspb.GetPublicKeyRequest, opts ...interface{}) (*kmspb.PublicKey, error) {
	if m.GetPublicKeyFunc != nil {
		return m.GetPublicKeyFunc(ctx, req, opts...)
	}
	k, err := m.key(req.GetName())
	if err != nil {
		return nil, err
	}
	pemBytes, err := signing.MarshalPublicKeyPEM(k.signer.Public())
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return &kmspb.PublicKey{
		Name:      req.GetName(),
		Pem:       string(pemBytes),
		PemCrc32C: wrapperspb.Int64(int64(crc32c(pemBytes))),
		Algorithm: k.algorithm,
	}, nil
}

// AsymmetricSign mocks signing. Signatures are produced by the registered
// key and use the KMS encodings, ASN.1 DER for ECDSA.
func (m *MockKMSClient) AsymmetricSign(ctx context.Context, req *kmspb.AsymmetricSignRequest, opts ...interface{}) (*kmspb.AsymmetricSignResponse, error) {
	m.mu.Lock()
	m.LastSignRequest = req
	m.mu.Unlock()

	if m.AsymmetricSignFunc != nil {
		return m.AsymmetricSignFunc(ctx, req, opts...)
	}
	k, err := m.key(req.GetName())
	if err != nil {
		return nil, err
	}
	if k.state != kmspb.CryptoKeyVersion_ENABLED {
		return nil, status.Errorf(codes.FailedPrecondition, "crypto key version %s is not enabled, current state is: %s", req.GetName(), k.state)
	}

	alg, err := AlgorithmFor(k.algorithm)
	if err != nil {
		return nil, status.Error(codes.FailedPrecondition, err.Error())
	}

	resp := &kmspb.AsymmetricSignResponse{Name: req.GetName()}
	var input []byte
	switch {
	case req.GetDigest() != nil:
		d := req.GetDigest()
		input = append(append(append([]byte{}, d.GetSha256()...), d.GetSha384()...), d.GetSha512()...)
		if req.GetDigestCrc32C() != nil {
			resp.VerifiedDigestCrc32C = req.GetDigestCrc32C().GetValue() == int64(crc32c(input))
		}
	default:
		if req.GetDataCrc32C() != nil {
			resp.VerifiedDataCrc32C = req.GetDataCrc32C().GetValue() == int64(crc32c(req.GetData()))
		}
		if input, err = alg.Digest(req.GetData()); err != nil {
			return nil, status.Error(codes.InvalidArgument, err.Error())
		}
	}

	sig, err := k.signer.Sign(rand.Reader, input, alg.SignerOpts())
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	resp.Signature = sig
	resp.SignatureCrc32C = wrapperspb.Int64(int64(crc32c(sig)))
	return resp, nil
}

// Close mocks closing the client.
func (m *MockKMSClient) Close() error {
	if m.CloseFunc != nil {
		return m.CloseFunc()
	}
	return nil
}
