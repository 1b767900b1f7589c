/*
Package chaingen generates internally consistent consensus data for
simulations and tests: chains of blocks with real quorum certificates, votes,
proposals and timeouts signed by a deterministic validator set.

Generation is split in two steps. An intent (BlockGen) describes the shape of
the block with indexes into the validator set, materialization resolves the
indexes against the Universe in fixed order: proposer first, then the signers
of the certificate for the parent, the block itself last.
*/
package chaingen

import (
	"encoding/binary"
	"fmt"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/bftnet/bftnet/consensus/types"
	"github.com/bftnet/bftnet/consensus/verifier"
	"github.com/bftnet/bftnet/crypto"
	"github.com/bftnet/bftnet/network/protocol/consensus"
)

// Universe is the validator set the generated data is signed by.
type Universe struct {
	Epoch    uint64
	Signers  []*crypto.ValidatorSigner
	Verifier *verifier.ValidatorVerifier
}

/*
NewUniverse creates universe of "n" validators. Keys are derived from "seed"
so the same seed always results in the same validator identities.
*/
func NewUniverse(n int, seed uint64) (*Universe, error) {
	if n <= 0 {
		return nil, fmt.Errorf("validator count must be positive, got %d", n)
	}
	u := &Universe{Signers: make([]*crypto.ValidatorSigner, n)}
	keys := make(map[peer.ID]crypto.Verifier, n)
	for i := range u.Signers {
		var s [32]byte
		binary.BigEndian.PutUint64(s[:], seed)
		binary.BigEndian.PutUint64(s[8:], uint64(i))
		signer, err := crypto.NewValidatorSignerFromSeed(s)
		if err != nil {
			return nil, fmt.Errorf("creating signer %d: %w", i, err)
		}
		v, err := signer.Verifier()
		if err != nil {
			return nil, fmt.Errorf("creating verifier %d: %w", i, err)
		}
		u.Signers[i] = signer
		keys[signer.Author] = v
	}
	vv, err := verifier.New(keys)
	if err != nil {
		return nil, fmt.Errorf("creating validator verifier: %w", err)
	}
	u.Verifier = vv
	return u, nil
}

func (u *Universe) Size() int { return len(u.Signers) }

// Authors returns validator IDs in the index order.
func (u *Universe) Authors() []peer.ID {
	ids := make([]peer.ID, len(u.Signers))
	for i, s := range u.Signers {
		ids[i] = s.Author
	}
	return ids
}

func (u *Universe) Author(idx int) peer.ID {
	return u.signer(idx).Author
}

// Index returns index of the validator "id" or -1 when it's not in the universe.
func (u *Universe) Index(id peer.ID) int {
	for i, s := range u.Signers {
		if s.Author == id {
			return i
		}
	}
	return -1
}

// signer resolves index, out of range indexes wrap around.
func (u *Universe) signer(idx int) *crypto.ValidatorSigner {
	n := len(u.Signers)
	return u.Signers[((idx%n)+n)%n]
}

/*
Certify creates quorum certificate for block "b" signed by validators with
indexes "signers" (all validators when empty).
*/
func (u *Universe) Certify(b *types.Block, signers ...int) (*types.QuorumCert, error) {
	if b.IsGenesis() {
		return types.CertificateForGenesis(), nil
	}
	vd, err := types.NewVoteData(b, StateID(b))
	if err != nil {
		return nil, err
	}
	li := types.NewLedgerInfo(u.Epoch, vd)
	h := li.Hash()
	sigs := make(map[peer.ID][]byte)
	for _, s := range u.resolve(signers) {
		sig, err := s.SignHash(h[:])
		if err != nil {
			return nil, fmt.Errorf("signing ledger info: %w", err)
		}
		sigs[s.Author] = sig
	}
	return types.NewQuorumCert(vd, li, sigs, u.Verifier)
}

/*
Vote returns vote of the validator "voter" on block "b".
*/
func (u *Universe) Vote(b *types.Block, voter int) (*consensus.VoteMsg, error) {
	vd, err := types.NewVoteData(b, StateID(b))
	if err != nil {
		return nil, err
	}
	s := u.signer(voter)
	return consensus.NewVoteMsg(vd, s.Author, types.NewLedgerInfo(u.Epoch, vd), s)
}

/*
Timeout returns timeout message of the validator "idx" for round "round".
*/
func (u *Universe) Timeout(round uint64, idx int, si *types.SyncInfo) (*consensus.TimeoutMsg, error) {
	to, err := types.NewPacemakerTimeout(u.Epoch, round, u.signer(idx))
	if err != nil {
		return nil, err
	}
	if si == nil {
		si = types.GenesisSyncInfo()
	}
	return &consensus.TimeoutMsg{SyncInfo: si, Timeout: to}, nil
}

/*
TimeoutCert returns timeout certificate for "round" signed by "signers" (all
validators when empty).
*/
func (u *Universe) TimeoutCert(round uint64, signers ...int) (*types.TimeoutCertificate, error) {
	var timeouts []*types.PacemakerTimeout
	for _, s := range u.resolve(signers) {
		to, err := types.NewPacemakerTimeout(u.Epoch, round, s)
		if err != nil {
			return nil, err
		}
		timeouts = append(timeouts, to)
	}
	return types.NewTimeoutCertificate(timeouts, u.Verifier)
}

func (u *Universe) resolve(idx []int) []*crypto.ValidatorSigner {
	if len(idx) == 0 {
		return u.Signers
	}
	signers := make([]*crypto.ValidatorSigner, 0, len(idx))
	for _, i := range idx {
		signers = append(signers, u.signer(i))
	}
	return signers
}

/*
StateID returns the fake "execution result" of the block.
*/
func StateID(b *types.Block) types.HashValue {
	h, _ := types.HashOf([]any{"state", b.ID})
	return h
}
