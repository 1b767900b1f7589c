package crypto

import (
	"crypto/sha256"
	"errors"
	"fmt"

	p2pcrypto "github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
)

/*
ValidatorSigner binds signing key of the validator to its network identity.
The Author is derived from the public key so the peer ID used to address the
validator on the network and the ID recorded in signed messages are the same.
*/
type ValidatorSigner struct {
	Author peer.ID
	Signer
}

func NewValidatorSigner(signer Signer) (*ValidatorSigner, error) {
	if signer == nil {
		return nil, errSignerIsNil
	}
	ver, err := signer.Verifier()
	if err != nil {
		return nil, fmt.Errorf("acquiring verifier: %w", err)
	}
	pubKey, err := ver.UnmarshalPubKey()
	if err != nil {
		return nil, fmt.Errorf("reading public key: %w", err)
	}
	id, err := peer.IDFromPublicKey(pubKey)
	if err != nil {
		return nil, fmt.Errorf("deriving author from public key: %w", err)
	}
	return &ValidatorSigner{Author: id, Signer: signer}, nil
}

/*
NewValidatorSignerFromSeed creates signer whose key is derived from "seed",
ie the same seed always gives the same identity. Meant for tests and local
simulations, never use it for real validator keys!
*/
func NewValidatorSignerFromSeed(seed [32]byte) (*ValidatorSigner, error) {
	// hash the seed so that small seeds (ie all zeroes but last byte) still
	// result in valid (non zero) private key
	key := sha256.Sum256(seed[:])
	signer, err := NewInMemorySecp256K1SignerFromKey(key[:])
	if err != nil {
		return nil, err
	}
	return NewValidatorSigner(signer)
}

/*
PublicKey returns the libp2p representation of the signer's public key.
*/
func (vs *ValidatorSigner) PublicKey() (p2pcrypto.PubKey, error) {
	if vs == nil || vs.Signer == nil {
		return nil, errors.New("validator signer is nil")
	}
	ver, err := vs.Verifier()
	if err != nil {
		return nil, err
	}
	return ver.UnmarshalPubKey()
}
