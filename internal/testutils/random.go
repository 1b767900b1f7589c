package test

import (
	"crypto/rand"
	"fmt"

	"github.com/bftnet/bftnet/consensus/types"
)

func RandomBytes(len int) []byte {
	bytes := make([]byte, len)
	_, err := rand.Read(bytes)
	if err != nil {
		panic(err)
	}
	return bytes
}

func RandomString(len int) string {
	b := RandomBytes(len/2 + 1)
	return fmt.Sprintf("%x", b)[:len]
}

func RandomHash() types.HashValue {
	var h types.HashValue
	copy(h[:], RandomBytes(len(h)))
	return h
}
