package crypto

import (
	p2pcrypto "github.com/libp2p/go-libp2p/core/crypto"
)

type (
	// Signer component for digitally signing data.
	Signer interface {
		// SignBytes signs the data using the signature scheme and private key specified by the Signer.
		// Returns signature bytes or error.
		SignBytes(data []byte) ([]byte, error)
		// SignHash signs the (already computed) hash. The hash is treated as
		// an opaque message, ie it is hashed once more by the signature scheme.
		SignHash(hash []byte) ([]byte, error)
		// MarshalPrivateKey returns the private key bytes so these could be unmarshalled later to create the Signer.
		MarshalPrivateKey() ([]byte, error)
		// Verifier returns a verifier that verifies using the public key part.
		Verifier() (Verifier, error)
	}

	// Verifier component for verifying signatures.
	Verifier interface {
		// VerifyBytes verifies the bytes against the signature, using the internal public key.
		VerifyBytes(sig []byte, data []byte) error
		// VerifyHash verifies the hash against the signature, using the internal public key.
		VerifyHash(sig []byte, hash []byte) error
		// MarshalPublicKey marshal verifier public key to bytes.
		MarshalPublicKey() ([]byte, error)
		// UnmarshalPubKey returns the public key in the libp2p representation.
		UnmarshalPubKey() (p2pcrypto.PubKey, error)
	}
)
