package types

import (
	"maps"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/bftnet/bftnet/consensus/verifier"
)

func TestMakeBlock(t *testing.T) {
	signers, vv := newValidatorSet(t, 4)
	genesis := MakeGenesisBlock()
	payload := []byte("payload")

	b, err := MakeBlock(genesis, payload, 1, 100, CertificateForGenesis(), signers[1])
	require.NoError(t, err)
	require.EqualValues(t, 1, b.Round)
	require.Equal(t, signers[1].Author, b.Author)
	require.Equal(t, genesis.ID, b.ParentID())
	require.Equal(t, b.Hash(), b.ID)
	require.False(t, b.IsGenesis())
	require.NoError(t, b.Verify(vv))
	require.NotEmpty(t, b.String())

	// payload is copied
	payload[0] = 'X'
	require.Equal(t, []byte("payload"), b.Payload)
}

func TestMakeBlock_roundMonotonicity(t *testing.T) {
	signers, vv := newValidatorSet(t, 4)
	chain := makeChain(t, 2, signers, vv)
	b1, b2 := chain[1], chain[2]
	qc1 := b2.QuorumCert
	qc2 := certify(t, b2, vv, signers[:3]...)

	t.Run("round equal to parent round", func(t *testing.T) {
		b, err := MakeBlock(b2, nil, b2.Round, 0, qc2, signers[0])
		require.ErrorIs(t, err, ErrRoundNotIncreasing)
		require.Nil(t, b)
	})

	t.Run("round less than parent round", func(t *testing.T) {
		_, err := MakeBlock(b2, nil, b1.Round, 0, qc2, signers[0])
		require.ErrorIs(t, err, ErrRoundNotIncreasing)
	})

	t.Run("qc round equal to new round", func(t *testing.T) {
		// certificate of b2 used for block on b1 with round == b2.Round
		_, err := MakeBlock(b1, nil, b2.Round, 0, qc2, signers[0])
		require.ErrorIs(t, err, ErrQCRoundTooHigh)
	})

	t.Run("qc does not certify parent", func(t *testing.T) {
		_, err := MakeBlock(b2, nil, b2.Round+1, 0, qc1, signers[0])
		require.ErrorIs(t, err, ErrParentMismatch)
	})

	t.Run("round gap is allowed", func(t *testing.T) {
		b, err := MakeBlock(b2, nil, b2.Round+5, 0, qc2, signers[0])
		require.NoError(t, err)
		require.NoError(t, b.Verify(vv))
	})

	t.Run("missing arguments", func(t *testing.T) {
		_, err := MakeBlock(nil, nil, 1, 0, qc2, signers[0])
		require.ErrorIs(t, err, errBlockIsNil)
		_, err = MakeBlock(b2, nil, b2.Round+1, 0, nil, signers[0])
		require.ErrorIs(t, err, errQuorumCertIsNil)
		_, err = MakeBlock(b2, nil, b2.Round+1, 0, qc2, nil)
		require.ErrorIs(t, err, errSignerIsNil)
	})
}

func TestBlock_Verify(t *testing.T) {
	signers, vv := newValidatorSet(t, 4)
	chain := makeChain(t, 3, signers, vv)
	for _, b := range chain {
		require.NoError(t, b.Verify(vv))
	}

	t.Run("tampered payload", func(t *testing.T) {
		b := *chain[2]
		b.Payload = []byte("other")
		require.ErrorIs(t, b.Verify(vv), errInvalidBlkID)
	})

	t.Run("signature of another validator", func(t *testing.T) {
		b := *chain[2]
		sig, err := signers[3].SignHash(b.ID[:])
		require.NoError(t, err)
		b.Signature = sig
		require.ErrorContains(t, b.Verify(vv), "block signature")
	})

	t.Run("author not in validator set", func(t *testing.T) {
		outsiders, _ := newValidatorSet(t, 5)
		b, err := MakeBlock(chain[3], nil, chain[3].Round+1, 0, certify(t, chain[3], vv, signers...), outsiders[4])
		require.NoError(t, err)
		require.ErrorContains(t, b.Verify(vv), "unknown author")
	})

	t.Run("certificate without quorum", func(t *testing.T) {
		weakQC := *chain[3].QuorumCert
		weakQC.Signatures = maps.Clone(weakQC.Signatures)
		delete(weakQC.Signatures, signers[0].Author)
		delete(weakQC.Signatures, signers[1].Author)
		b, err := MakeBlock(chain[2], nil, chain[3].Round, 0, &weakQC, signers[0])
		require.NoError(t, err)
		require.ErrorIs(t, b.Verify(vv), verifier.ErrInsufficientQuorum)
	})
}

func TestBlock_cborRoundTrip(t *testing.T) {
	signers, vv := newValidatorSet(t, 4)
	chain := makeChain(t, 3, signers, vv)

	data, err := Encode(chain[3])
	require.NoError(t, err)
	b := &Block{}
	require.NoError(t, Decode(data, b))
	require.True(t, chain[3].Equal(b))
	require.NoError(t, b.Verify(vv))
}
