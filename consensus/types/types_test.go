package types

import (
	"testing"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/stretchr/testify/require"

	"github.com/bftnet/bftnet/consensus/verifier"
	"github.com/bftnet/bftnet/crypto"
)

func newValidatorSet(t *testing.T, n int) ([]*crypto.ValidatorSigner, *verifier.ValidatorVerifier) {
	t.Helper()
	signers := make([]*crypto.ValidatorSigner, n)
	keys := make(map[peer.ID]crypto.Verifier, n)
	for i := range signers {
		s, err := crypto.NewValidatorSignerFromSeed([32]byte{0xbf, byte(i)})
		require.NoError(t, err)
		v, err := s.Verifier()
		require.NoError(t, err)
		signers[i] = s
		keys[s.Author] = v
	}
	vv, err := verifier.New(keys)
	require.NoError(t, err)
	return signers, vv
}

func stateID(b *Block) HashValue {
	return mustHash([]any{"state", b.ID})
}

/*
certify creates quorum certificate for "b" signed by "signers".
*/
func certify(t *testing.T, b *Block, vv *verifier.ValidatorVerifier, signers ...*crypto.ValidatorSigner) *QuorumCert {
	t.Helper()
	vd, err := NewVoteData(b, stateID(b))
	require.NoError(t, err)
	li := NewLedgerInfo(b.Epoch, vd)
	h := li.Hash()
	sigs := make(map[peer.ID][]byte, len(signers))
	for _, s := range signers {
		sig, err := s.SignHash(h[:])
		require.NoError(t, err)
		sigs[s.Author] = sig
	}
	qc, err := NewQuorumCert(vd, li, sigs, vv)
	require.NoError(t, err)
	return qc
}

/*
makeChain returns genesis followed by "n" blocks with contiguous rounds,
every block certified by quorum.
*/
func makeChain(t *testing.T, n int, signers []*crypto.ValidatorSigner, vv *verifier.ValidatorVerifier) []*Block {
	t.Helper()
	chain := []*Block{MakeGenesisBlock()}
	qc := CertificateForGenesis()
	for i := 1; i <= n; i++ {
		parent := chain[len(chain)-1]
		b, err := MakeBlock(parent, []byte{byte(i)}, parent.Round+1, uint64(1000*i), qc, signers[i%len(signers)])
		require.NoError(t, err)
		chain = append(chain, b)
		qc = certify(t, b, vv, signers...)
	}
	return chain
}
