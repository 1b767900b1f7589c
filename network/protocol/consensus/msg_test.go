package consensus_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/bftnet/bftnet/consensus/chaingen"
	"github.com/bftnet/bftnet/consensus/types"
	"github.com/bftnet/bftnet/consensus/verifier"
	"github.com/bftnet/bftnet/network/protocol/consensus"
)

func newUniverse(t *testing.T) (*chaingen.Universe, *chaingen.Chain) {
	t.Helper()
	u, err := chaingen.NewUniverse(4, 1)
	require.NoError(t, err)
	c, err := u.GenerateChain(4)
	require.NoError(t, err)
	return u, c
}

func TestVoteMsg(t *testing.T) {
	u, c := newUniverse(t)

	vote, err := u.Vote(c.Tip(), 1)
	require.NoError(t, err)
	require.NoError(t, vote.Verify(u.Verifier))
	require.EqualValues(t, 4, vote.Round())
	require.EqualValues(t, 0, vote.Epoch())

	t.Run("author does not match signer", func(t *testing.T) {
		v := *vote
		v.Author = u.Author(2)
		require.ErrorIs(t, v.Verify(u.Verifier), verifier.ErrInvalidSignature)
	})

	t.Run("tampered vote data", func(t *testing.T) {
		v := *vote
		vd := *v.VoteData
		vd.ProposedBlockRound++
		v.VoteData = &vd
		require.EqualError(t, v.Verify(u.Verifier), "ledger info does not commit to the vote data")
	})

	t.Run("missing fields", func(t *testing.T) {
		v := *vote
		v.Signature = nil
		require.EqualError(t, v.IsValid(), "vote is missing signature")
		v = *vote
		v.Author = ""
		require.EqualError(t, v.IsValid(), "vote is missing author")
		var nilVote *consensus.VoteMsg
		require.Error(t, nilVote.IsValid())
	})

	t.Run("nil signer", func(t *testing.T) {
		_, err := consensus.NewVoteMsg(vote.VoteData, vote.Author, vote.LedgerInfo, nil)
		require.Error(t, err)
	})
}

func TestProposalMsg(t *testing.T) {
	u, c := newUniverse(t)

	p := c.Proposal()
	require.NoError(t, p.Verify(u.Verifier))
	require.EqualValues(t, 4, p.Round())
	require.Equal(t, c.Tip().Author, p.Author())

	t.Run("genesis can't be proposed", func(t *testing.T) {
		gp := &consensus.ProposalMsg{Block: types.MakeGenesisBlock(), SyncInfo: types.GenesisSyncInfo()}
		require.EqualError(t, gp.IsValid(), "genesis block can't be proposed")
	})

	t.Run("sync info behind the block", func(t *testing.T) {
		bp := &consensus.ProposalMsg{Block: c.Tip(), SyncInfo: types.GenesisSyncInfo()}
		require.EqualError(t, bp.IsValid(), "block certificate round 3 is higher than sync info certificate round 0")
	})

	t.Run("block signed by outsider", func(t *testing.T) {
		other, err := chaingen.NewUniverse(4, 99)
		require.NoError(t, err)
		oc, err := other.GenerateChain(1)
		require.NoError(t, err)
		require.ErrorIs(t, oc.Proposal().Verify(u.Verifier), verifier.ErrUnknownAuthor)
	})
}

func TestTimeoutMsg(t *testing.T) {
	u, c := newUniverse(t)

	to, err := u.Timeout(5, 3, c.SyncInfo())
	require.NoError(t, err)
	require.NoError(t, to.Verify(u.Verifier))
	require.EqualValues(t, 5, to.Round())
	require.Equal(t, u.Author(3), to.Author())

	bad := *to
	bad.SyncInfo = nil
	require.Error(t, bad.Verify(u.Verifier))

	si := &consensus.SyncInfoMsg{SyncInfo: c.SyncInfo()}
	require.NoError(t, si.Verify(u.Verifier))
	require.NoError(t, si.IsValid())
}

func TestConsensusMsg(t *testing.T) {
	u, c := newUniverse(t)
	vote, err := u.Vote(c.Tip(), 0)
	require.NoError(t, err)
	to, err := u.Timeout(5, 0, nil)
	require.NoError(t, err)

	var testCases = []struct {
		msg  any
		kind consensus.MsgKind
	}{
		{msg: c.Proposal(), kind: consensus.KindProposal},
		{msg: vote, kind: consensus.KindVote},
		{msg: to, kind: consensus.KindTimeout},
		{msg: &consensus.SyncInfoMsg{SyncInfo: c.SyncInfo()}, kind: consensus.KindSyncInfo},
	}
	for _, tc := range testCases {
		t.Run(tc.kind.String(), func(t *testing.T) {
			cm, err := consensus.NewConsensusMsg(tc.msg)
			require.NoError(t, err)
			require.Equal(t, tc.kind, cm.Kind())
			require.Same(t, tc.msg, cm.Payload())
			require.NoError(t, cm.Verify(u.Verifier))

			data, err := cm.Encode()
			require.NoError(t, err)
			decoded, err := consensus.DecodeConsensusMsg(data)
			require.NoError(t, err)
			require.Equal(t, tc.kind, decoded.Kind())
			require.Equal(t, cm.Author(), decoded.Author())
			require.NoError(t, decoded.Verify(u.Verifier))
			// re-encoding gives the same bytes
			data2, err := decoded.Encode()
			require.NoError(t, err)
			require.Equal(t, data, data2)
		})
	}

	t.Run("unsupported type", func(t *testing.T) {
		_, err := consensus.NewConsensusMsg(c.Tip())
		require.EqualError(t, err, "unsupported consensus message type *types.Block")
	})

	t.Run("not exactly one message", func(t *testing.T) {
		cm := &consensus.ConsensusMsg{}
		require.Equal(t, consensus.KindUnknown, cm.Kind())
		require.EqualError(t, cm.IsValid(), "consensus message must contain exactly one message, got 0")
		_, err := cm.Encode()
		require.Error(t, err)

		cm = &consensus.ConsensusMsg{Vote: vote, Timeout: to}
		require.EqualError(t, cm.IsValid(), "consensus message must contain exactly one message, got 2")
	})

	t.Run("garbage", func(t *testing.T) {
		_, err := consensus.DecodeConsensusMsg([]byte{0xff, 0x01})
		require.ErrorContains(t, err, "decoding consensus message")
	})
}
