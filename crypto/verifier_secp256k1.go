package crypto

import (
	"errors"
	"fmt"

	p2pcrypto "github.com/libp2p/go-libp2p/core/crypto"
)

var ErrVerificationFailed = errors.New("signature verification failed")

type verifierSecp256k1 struct {
	key p2pcrypto.PubKey
}

// NewVerifierSecp256k1 creates new verifier from a compressed secp256k1 public key.
func NewVerifierSecp256k1(pubKey []byte) (Verifier, error) {
	key, err := p2pcrypto.UnmarshalSecp256k1PublicKey(pubKey)
	if err != nil {
		return nil, fmt.Errorf("invalid public key: %w", err)
	}
	return &verifierSecp256k1{key: key}, nil
}

func (v *verifierSecp256k1) VerifyBytes(sig []byte, data []byte) error {
	if v == nil || v.key == nil {
		return errors.New("verifier is nil")
	}
	if len(sig) == 0 {
		return fmt.Errorf("%w: signature is empty", ErrVerificationFailed)
	}
	ok, err := v.key.Verify(data, sig)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrVerificationFailed, err)
	}
	if !ok {
		return ErrVerificationFailed
	}
	return nil
}

func (v *verifierSecp256k1) VerifyHash(sig []byte, hash []byte) error {
	if len(hash) == 0 {
		return fmt.Errorf("%w: hash is empty", ErrVerificationFailed)
	}
	return v.VerifyBytes(sig, hash)
}

func (v *verifierSecp256k1) MarshalPublicKey() ([]byte, error) {
	return v.key.Raw()
}

func (v *verifierSecp256k1) UnmarshalPubKey() (p2pcrypto.PubKey, error) {
	return v.key, nil
}
