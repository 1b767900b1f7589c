package types

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/bftnet/bftnet/consensus/verifier"
)

func TestPacemakerTimeout(t *testing.T) {
	signers, vv := newValidatorSet(t, 4)

	to, err := NewPacemakerTimeout(1, 7, signers[2])
	require.NoError(t, err)
	require.Equal(t, signers[2].Author, to.Author)
	require.NoError(t, to.Verify(vv))

	// signature is bound to the round
	forged := *to
	forged.Round = 8
	require.ErrorIs(t, forged.Verify(vv), verifier.ErrInvalidSignature)

	forged = *to
	forged.Author = signers[1].Author
	require.ErrorIs(t, forged.Verify(vv), verifier.ErrInvalidSignature)

	_, err = NewPacemakerTimeout(1, 7, nil)
	require.ErrorIs(t, err, errSignerIsNil)

	var nilTimeout *PacemakerTimeout
	require.ErrorIs(t, nilTimeout.Verify(vv), errTimeoutIsNil)
}

func TestNewTimeoutCertificate(t *testing.T) {
	signers, vv := newValidatorSet(t, 4)
	var timeouts []*PacemakerTimeout
	for _, s := range signers {
		to, err := NewPacemakerTimeout(0, 5, s)
		require.NoError(t, err)
		timeouts = append(timeouts, to)
	}

	tc, err := NewTimeoutCertificate(timeouts[:3], vv)
	require.NoError(t, err)
	require.EqualValues(t, 5, tc.Round)
	require.Len(t, tc.Signatures, 3)
	require.NoError(t, tc.Verify(vv))

	_, err = NewTimeoutCertificate(timeouts[:2], vv)
	require.ErrorIs(t, err, verifier.ErrInsufficientQuorum)

	other, err := NewPacemakerTimeout(0, 6, signers[3])
	require.NoError(t, err)
	_, err = NewTimeoutCertificate(append(timeouts[:3:3], other), vv)
	require.ErrorContains(t, err, "is for epoch 0 round 6, expected epoch 0 round 5")

	_, err = NewTimeoutCertificate(nil, vv)
	require.EqualError(t, err, "no timeouts to aggregate")

	tc2, err := NewTimeoutCertificate(timeouts[:3], vv)
	require.NoError(t, err)
	require.True(t, tc.Equal(tc2))
}

func TestSyncInfo(t *testing.T) {
	signers, vv := newValidatorSet(t, 4)
	chain := makeChain(t, 3, signers, vv)

	gsi := GenesisSyncInfo()
	require.NoError(t, gsi.Verify(vv))
	require.EqualValues(t, 0, gsi.HighestRound())

	hqc := certify(t, chain[3], vv, signers...)
	si := NewSyncInfo(hqc, hqc, nil)
	require.NoError(t, si.Verify(vv))
	require.EqualValues(t, 3, si.HighestRound())
	require.EqualValues(t, 3, si.HighestCertifiedRound())

	var timeouts []*PacemakerTimeout
	for _, s := range signers {
		to, err := NewPacemakerTimeout(0, 4, s)
		require.NoError(t, err)
		timeouts = append(timeouts, to)
	}
	tc, err := NewTimeoutCertificate(timeouts, vv)
	require.NoError(t, err)
	si = NewSyncInfo(hqc, chain[3].QuorumCert, tc)
	require.NoError(t, si.Verify(vv))
	require.EqualValues(t, 4, si.HighestRound())
	require.EqualValues(t, 4, si.HighestTimeoutRound())

	// commit cert can't be ahead of HQC
	si = NewSyncInfo(chain[3].QuorumCert, hqc, nil)
	require.ErrorContains(t, si.Verify(vv), "commit certificate round 3 is higher than quorum certificate round 2")

	si = NewSyncInfo(nil, hqc, nil)
	require.ErrorIs(t, si.Verify(vv), errQuorumCertIsNil)

	var nilSI *SyncInfo
	require.ErrorIs(t, nilSI.Verify(vv), errSyncInfoIsNil)
}
