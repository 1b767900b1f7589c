package types

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// HashValue is SHA-256 hash, used as block ID and as the message signed by validators.
type HashValue [sha256.Size]byte

func (h HashValue) String() string {
	return hex.EncodeToString(h[:])
}

func (h HashValue) IsZero() bool {
	return h == HashValue{}
}

func (h HashValue) Bytes() []byte {
	return h[:]
}

func HashValueFromBytes(b []byte) (HashValue, error) {
	var h HashValue
	if len(b) != len(h) {
		return h, fmt.Errorf("invalid hash length %d, expected %d", len(b), len(h))
	}
	copy(h[:], b)
	return h, nil
}

var encMode = func() cbor.EncMode {
	em, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(fmt.Errorf("initializing CBOR encoder: %w", err))
	}
	return em
}()

/*
Encode serializes "v" using deterministic (Core Deterministic Encoding)
CBOR, ie the same value always produces the same bytes. This is what hashes
are calculated over.
*/
func Encode(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

func Decode(data []byte, v any) error {
	return cbor.Unmarshal(data, v)
}

/*
HashOf returns SHA-256 hash of the deterministic CBOR encoding of "v".
*/
func HashOf(v any) (HashValue, error) {
	b, err := Encode(v)
	if err != nil {
		return HashValue{}, fmt.Errorf("encoding %T: %w", v, err)
	}
	return sha256.Sum256(b), nil
}

// mustHash is for the types of this package which consist only of
// fields with CBOR representation, ie encoding them can't fail.
func mustHash(v any) HashValue {
	h, err := HashOf(v)
	if err != nil {
		panic(err)
	}
	return h
}
