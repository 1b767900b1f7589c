package types

import (
	"crypto/sha256"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHashValue(t *testing.T) {
	var zero HashValue
	require.True(t, zero.IsZero())
	require.Len(t, zero.String(), 64)

	h := HashValue(sha256.Sum256([]byte("x")))
	require.False(t, h.IsZero())

	h2, err := HashValueFromBytes(h.Bytes())
	require.NoError(t, err)
	require.Equal(t, h, h2)

	_, err = HashValueFromBytes([]byte{1, 2})
	require.EqualError(t, err, "invalid hash length 2, expected 32")
}

func TestHashOf_deterministic(t *testing.T) {
	vd := &VoteData{ProposedBlockID: HashValue{1}, ProposedBlockRound: 2, ParentBlockID: HashValue{3}, ParentBlockRound: 1}
	h1, err := HashOf(vd)
	require.NoError(t, err)
	cp := *vd
	h2, err := HashOf(&cp)
	require.NoError(t, err)
	require.Equal(t, h1, h2)
	require.Equal(t, h1, vd.Hash())

	cp.ParentBlockRound = 0
	require.NotEqual(t, h1, cp.Hash())

	// channels can't be encoded
	_, err = HashOf(make(chan int))
	require.Error(t, err)
}
