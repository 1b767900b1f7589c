package testsig

import (
	"testing"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/stretchr/testify/require"

	"github.com/bftnet/bftnet/consensus/verifier"
	"github.com/bftnet/bftnet/crypto"
)

func CreateSignerAndVerifier(t testing.TB) (*crypto.ValidatorSigner, crypto.Verifier) {
	t.Helper()
	s, err := crypto.NewInMemorySecp256K1Signer()
	require.NoError(t, err)
	signer, err := crypto.NewValidatorSigner(s)
	require.NoError(t, err)

	verifier, err := signer.Verifier()
	require.NoError(t, err)
	return signer, verifier
}

/*
CreateValidators returns "n" validator signers with random keys and the
verifier of the set.
*/
func CreateValidators(t testing.TB, n int) ([]*crypto.ValidatorSigner, *verifier.ValidatorVerifier) {
	t.Helper()
	signers := make([]*crypto.ValidatorSigner, n)
	keys := make(map[peer.ID]crypto.Verifier, n)
	for i := range signers {
		s, v := CreateSignerAndVerifier(t)
		signers[i] = s
		keys[s.Author] = v
	}
	vv, err := verifier.New(keys)
	require.NoError(t, err)
	return signers, vv
}
