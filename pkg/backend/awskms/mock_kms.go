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

package awskms

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"fmt"
	"slices"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	awstypes "github.com/aws/aws-sdk-go-v2/service/kms/types"
	"github.com/google/uuid"
)

// MockKMSClient is a mock implementation of the KMSClient interface for testing.
// Keys registered with AddKey are served from memory; each operation can be
// customized by setting the corresponding function field.
type MockKMSClient struct {
	DescribeKeyFunc  func(ctx context.Context, params *kms.DescribeKeyInput, optFns ...func(*kms.Options)) (*kms.DescribeKeyOutput, error)
	GetPublicKeyFunc func(ctx context.Context, params *kms.GetPublicKeyInput, optFns ...func(*kms.Options)) (*kms.GetPublicKeyOutput, error)
	SignFunc         func(ctx context.Context, params *kms.SignInput, optFns ...func(*kms.Options)) (*kms.SignOutput, error)

	mu   sync.Mutex
	keys map[string]*mockKey

	// LastSignInput is the most recent Sign request.
	LastSignInput *kms.SignInput
}

type mockKey struct {
	id         string
	arn        string
	spec       awstypes.KeySpec
	algorithms []awstypes.SigningAlgorithmSpec
	state      awstypes.KeyState
	signer     crypto.Signer
}

// NewMockKMSClient returns an empty mock.
func NewMockKMSClient() *MockKMSClient {
	return &MockKMSClient{keys: make(map[string]*mockKey)}
}

// AddKey registers an enabled signing key under a generated key ID, its
// ARN and "alias/<alias>". It returns the key ID.
func (m *MockKMSClient) AddKey(alias string, signer crypto.Signer) string {
	k := &mockKey{
		id:     uuid.NewString(),
		state:  awstypes.KeyStateEnabled,
		signer: signer,
	}
	k.arn = "arn:aws:kms:us-east-1:111122223333:key/" + k.id

	switch pub := signer.Public().(type) {
	case *ecdsa.PublicKey:
		switch pub.Curve {
		case elliptic.P256():
			k.spec, k.algorithms = awstypes.KeySpecEccNistP256, []awstypes.SigningAlgorithmSpec{awstypes.SigningAlgorithmSpecEcdsaSha256}
		case elliptic.P384():
			k.spec, k.algorithms = awstypes.KeySpecEccNistP384, []awstypes.SigningAlgorithmSpec{awstypes.SigningAlgorithmSpecEcdsaSha384}
		default:
			k.spec, k.algorithms = awstypes.KeySpecEccNistP521, []awstypes.SigningAlgorithmSpec{awstypes.SigningAlgorithmSpecEcdsaSha512}
		}
	case *rsa.PublicKey:
		switch pub.N.BitLen() {
		case 4096:
			k.spec = awstypes.KeySpecRsa4096
		case 3072:
			k.spec = awstypes.KeySpecRsa3072
		default:
			k.spec = awstypes.KeySpecRsa2048
		}
		k.algorithms = []awstypes.SigningAlgorithmSpec{
			awstypes.SigningAlgorithmSpecRsassaPkcs1V15Sha256,
			awstypes.SigningAlgorithmSpecRsassaPkcs1V15Sha384,
			awstypes.SigningAlgorithmSpecRsassaPkcs1V15Sha512,
			awstypes.SigningAlgorithmSpecRsassaPssSha256,
			awstypes.SigningAlgorithmSpecRsassaPssSha384,
			awstypes.SigningAlgorithmSpecRsassaPssSha512,
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.keys == nil {
		m.keys = make(map[string]*mockKey)
	}
	m.keys[k.id] = k
	m.keys[k.arn] = k
	if alias != "" {
		m.keys["alias/"+alias] = k
	}
	return k.id
}

// SetState changes the state of a registered key.
func (m *MockKMSClient) SetState(keyID string, state awstypes.KeyState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if k, ok := m.keys[keyID]; ok {
		k.state = state
	}
}

func (m *MockKMSClient) key(keyID *string) (*mockKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k, ok := m.keys[aws.ToString(keyID)]
	if !ok {
		return nil, &awstypes.NotFoundException{Message: aws.String(fmt.Sprintf("Key '%s' does not exist", aws.ToString(keyID)))}
	}
	return k, nil
}

// DescribeKey mocks the DescribeKey operation.
func (m *MockKMSClient) DescribeKey(ctx context.Context, params *kms.DescribeKeyInput, optFns ...func(*kms.Options)) (*kms.DescribeKeyOutput, error) {
	if m.DescribeKeyFunc != nil {
		return m.DescribeKeyFunc(ctx, params, optFns...)
	}
	k, err := m.key(params.KeyId)
	if err != nil {
		return nil, err
	}
	return &kms.DescribeKeyOutput{KeyMetadata: &awstypes.KeyMetadata{
		KeyId:             aws.String(k.id),
		Arn:               aws.String(k.arn),
		KeyState:          k.state,
		Enabled:           k.state == awstypes.KeyStateEnabled,
		KeyUsage:          awstypes.KeyUsageTypeSignVerify,
		KeySpec:           k.spec,
		SigningAlgorithms: k.algorithms,
	}}, nil
}

// GetPublicKey mocks the GetPublicKey operation.
func (m *MockKMSClient) GetPublicKey(ctx context.Context, params *kms.GetPublicKeyInput, optFns ...func(*kms.Options)) (*kms.GetPublicKeyOutput, error) {
	if m.GetPublicKeyFunc != nil {
		return m.GetPublicKeyFunc(ctx, params, optFns...)
	}
	k, err := m.key(params.KeyId)
	if err != nil {
		return nil, err
	}
	der, err := x509.MarshalPKIXPublicKey(k.signer.Public())
	if err != nil {
		return nil, &awstypes.KMSInternalException{Message: aws.String(err.Error())}
	}
	return &kms.GetPublicKeyOutput{
		KeyId:             aws.String(k.arn),
		PublicKey:         der,
		KeySpec:           k.spec,
		KeyUsage:          awstypes.KeyUsageTypeSignVerify,
		SigningAlgorithms: k.algorithms,
	}, nil
}

// Sign mocks the Sign operation. ECDSA signatures are DER encoded, as
// returned by KMS.
func (m *MockKMSClient) Sign(ctx context.Context, params *kms.SignInput, optFns ...func(*kms.Options)) (*kms.SignOutput, error) {
	m.mu.Lock()
	m.LastSignInput = params
	m.mu.Unlock()

	if m.SignFunc != nil {
		return m.SignFunc(ctx, params, optFns...)
	}
	k, err := m.key(params.KeyId)
	if err != nil {
		return nil, err
	}
	switch k.state {
	case awstypes.KeyStateEnabled:
	case awstypes.KeyStateDisabled:
		return nil, &awstypes.DisabledException{Message: aws.String(k.arn + " is disabled")}
	default:
		return nil, &awstypes.KMSInvalidStateException{Message: aws.String(fmt.Sprintf("%s is %s", k.arn, k.state))}
	}

	alg, err := AlgorithmFor(params.SigningAlgorithm)
	if err == nil && !slices.Contains(k.algorithms, params.SigningAlgorithm) {
		err = fmt.Errorf("%s is not valid for %s", params.SigningAlgorithm, k.spec)
	}
	if err != nil {
		return nil, &awstypes.InvalidKeyUsageException{Message: aws.String(err.Error())}
	}

	input := params.Message
	if params.MessageType != awstypes.MessageTypeDigest {
		if input, err = alg.Digest(params.Message); err != nil {
			return nil, &awstypes.KMSInternalException{Message: aws.String(err.Error())}
		}
	}
	sig, err := k.signer.Sign(rand.Reader, input, alg.SignerOpts())
	if err != nil {
		return nil, &awstypes.InvalidKeyUsageException{Message: aws.String(err.Error())}
	}
	return &kms.SignOutput{
		KeyId:            aws.String(k.arn),
		Signature:        sig,
		SigningAlgorithm: params.SigningAlgorithm,
	}, nil
}
