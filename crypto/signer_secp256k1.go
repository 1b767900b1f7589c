package crypto

import (
	"crypto/rand"
	"errors"
	"fmt"

	p2pcrypto "github.com/libp2p/go-libp2p/core/crypto"
)

// PrivateKeySecp256K1Size is the size of the raw secp256k1 private key.
const PrivateKeySecp256K1Size = 32

var errSignerIsNil = errors.New("signer is nil")

// InMemorySecp256K1Signer holds the private key in memory, mainly for tests and dev nodes.
type InMemorySecp256K1Signer struct {
	key p2pcrypto.PrivKey
}

// NewInMemorySecp256K1Signer generates new key pair and creates a new InMemorySecp256K1Signer.
func NewInMemorySecp256K1Signer() (*InMemorySecp256K1Signer, error) {
	key, _, err := p2pcrypto.GenerateSecp256k1Key(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating secp256k1 key: %w", err)
	}
	return &InMemorySecp256K1Signer{key: key}, nil
}

// NewInMemorySecp256K1SignerFromKey creates signer from raw private key bytes.
func NewInMemorySecp256K1SignerFromKey(privKey []byte) (*InMemorySecp256K1Signer, error) {
	if len(privKey) != PrivateKeySecp256K1Size {
		return nil, fmt.Errorf("invalid private key length %d, expected %d", len(privKey), PrivateKeySecp256K1Size)
	}
	key, err := p2pcrypto.UnmarshalSecp256k1PrivateKey(privKey)
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	return &InMemorySecp256K1Signer{key: key}, nil
}

func (s *InMemorySecp256K1Signer) SignBytes(data []byte) ([]byte, error) {
	if s == nil {
		return nil, errSignerIsNil
	}
	return s.key.Sign(data)
}

func (s *InMemorySecp256K1Signer) SignHash(hash []byte) ([]byte, error) {
	if s == nil {
		return nil, errSignerIsNil
	}
	if len(hash) == 0 {
		return nil, errors.New("hash is empty")
	}
	return s.key.Sign(hash)
}

func (s *InMemorySecp256K1Signer) MarshalPrivateKey() ([]byte, error) {
	if s == nil {
		return nil, errSignerIsNil
	}
	return s.key.Raw()
}

func (s *InMemorySecp256K1Signer) Verifier() (Verifier, error) {
	if s == nil {
		return nil, errSignerIsNil
	}
	return &verifierSecp256k1{key: s.key.GetPublic()}, nil
}

// PrivKey returns the key in libp2p representation, used as the libp2p host identity.
func (s *InMemorySecp256K1Signer) PrivKey() p2pcrypto.PrivKey {
	return s.key
}
