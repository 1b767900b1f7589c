package cmd

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/bftnet/bftnet/crypto"
	"github.com/bftnet/bftnet/network"
)

const (
	secp256k1 = "secp256k1"

	keyFileCmdFlag      = "key-file"
	defaultKeysFileName = "keys.json"
)

type (
	// Keys is validator's signing key, it is also used as p2p identity.
	Keys struct {
		Signer     *crypto.ValidatorSigner
		privateKey []byte
	}

	keyFile struct {
		Algorithm  string `json:"algorithm"`
		PrivateKey string `json:"privateKey"`
	}
)

// GenerateKeys generates a new validator key.
func GenerateKeys() (*Keys, error) {
	signer, err := crypto.NewInMemorySecp256K1Signer()
	if err != nil {
		return nil, err
	}
	return newKeys(signer)
}

func newKeys(signer *crypto.InMemorySecp256K1Signer) (*Keys, error) {
	vs, err := crypto.NewValidatorSigner(signer)
	if err != nil {
		return nil, err
	}
	priv, err := signer.MarshalPrivateKey()
	if err != nil {
		return nil, fmt.Errorf("reading private key: %w", err)
	}
	return &Keys{Signer: vs, privateKey: priv}, nil
}

/*
LoadKeys loads validator key from "file". When the file doesn't exist and
"generateNewIfNotExist" is set new key is generated and saved. Existing file
is overwritten with a new key only when "overwrite" is set.
*/
func LoadKeys(file string, generateNewIfNotExist bool, overwrite bool) (*Keys, error) {
	_, err := os.Stat(file)
	exists := err == nil

	if (exists && overwrite) || (!exists && generateNewIfNotExist) {
		// ensure intermediate dirs exist
		if err := os.MkdirAll(filepath.Dir(file), 0700); err != nil {
			return nil, err
		}
		keys, err := GenerateKeys()
		if err != nil {
			return nil, err
		}
		if err := keys.WriteTo(file); err != nil {
			return nil, err
		}
		return keys, nil
	}

	if !exists {
		return nil, fmt.Errorf("keys file %s not found", file)
	}

	data, err := os.ReadFile(filepath.Clean(file))
	if err != nil {
		return nil, fmt.Errorf("reading keys file: %w", err)
	}
	kf := &keyFile{}
	if err := json.Unmarshal(data, kf); err != nil {
		return nil, fmt.Errorf("decoding keys file %s: %w", file, err)
	}
	if kf.Algorithm != secp256k1 {
		return nil, fmt.Errorf("signing key algorithm %v is not supported", kf.Algorithm)
	}
	priv, err := decodeHex(kf.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("decoding private key: %w", err)
	}
	signer, err := crypto.NewInMemorySecp256K1SignerFromKey(priv)
	if err != nil {
		return nil, err
	}
	return newKeys(signer)
}

// WriteTo saves the key as JSON into "file", file must not be readable by others.
func (k *Keys) WriteTo(file string) error {
	kf := keyFile{
		Algorithm:  secp256k1,
		PrivateKey: "0x" + hex.EncodeToString(k.privateKey),
	}
	data, err := json.MarshalIndent(kf, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding keys: %w", err)
	}
	return os.WriteFile(file, data, 0600)
}

func (k *Keys) PublicKey() ([]byte, error) {
	ver, err := k.Signer.Verifier()
	if err != nil {
		return nil, err
	}
	return ver.MarshalPublicKey()
}

// PeerKeyPair returns the key in the form used by the p2p network peer.
func (k *Keys) PeerKeyPair() (*network.PeerKeyPair, error) {
	return network.NewPeerKeyPair(k.privateKey)
}

func decodeHex(s string) ([]byte, error) {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		s = s[2:]
	}
	if s == "" {
		return nil, errors.New("empty hex string")
	}
	return hex.DecodeString(s)
}
