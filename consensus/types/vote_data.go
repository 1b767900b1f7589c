package types

import (
	"errors"
	"fmt"
)

var errVoteDataIsNil = errors.New("vote data is nil")

/*
VoteData is the chain linkage a vote commits to: the proposed block, its
parent (the block certified by the proposal's QC) and grandparent (the block
certified by the parent's QC). This is enough to apply the 3-chain commit rule.
*/
type VoteData struct {
	_                            struct{}  `cbor:",toarray"`
	ProposedBlockID              HashValue `json:"proposedBlockId"`
	ProposedBlockRound           uint64    `json:"proposedBlockRound"`
	ProposedBlockExecutedStateID HashValue `json:"proposedBlockExecutedStateId"`
	ParentBlockID                HashValue `json:"parentBlockId"`
	ParentBlockRound             uint64    `json:"parentBlockRound"`
	GrandparentBlockID           HashValue `json:"grandparentBlockId"`
	GrandparentBlockRound        uint64    `json:"grandparentBlockRound"`
}

/*
NewVoteData returns vote data for voting on "block" whose execution resulted
in state "executedStateID".
*/
func NewVoteData(block *Block, executedStateID HashValue) (*VoteData, error) {
	if block == nil {
		return nil, errBlockIsNil
	}
	if block.QuorumCert == nil {
		return nil, errQuorumCertIsNil
	}
	return &VoteData{
		ProposedBlockID:              block.ID,
		ProposedBlockRound:           block.Round,
		ProposedBlockExecutedStateID: executedStateID,
		ParentBlockID:                block.QuorumCert.CertifiedBlockID(),
		ParentBlockRound:             block.QuorumCert.CertifiedBlockRound(),
		GrandparentBlockID:           block.QuorumCert.ParentBlockID(),
		GrandparentBlockRound:        block.QuorumCert.ParentBlockRound(),
	}, nil
}

func (x *VoteData) Hash() HashValue {
	return mustHash(x)
}

/*
Verify checks that rounds of the chain are strictly decreasing, with the
exception of the genesis where everything is on round 0.
*/
func (x *VoteData) Verify() error {
	if x == nil {
		return errVoteDataIsNil
	}
	if x.ProposedBlockID.IsZero() {
		return errors.New("proposed block id is missing")
	}
	if x.ProposedBlockRound == 0 {
		if x.ParentBlockRound != 0 || x.GrandparentBlockRound != 0 {
			return fmt.Errorf("genesis vote data must not have ancestors with non zero round")
		}
		return nil
	}
	if x.ProposedBlockRound <= x.ParentBlockRound {
		return fmt.Errorf("proposed block round %d must be greater than parent block round %d", x.ProposedBlockRound, x.ParentBlockRound)
	}
	if x.ParentBlockRound <= x.GrandparentBlockRound && x.ParentBlockRound != 0 {
		return fmt.Errorf("parent block round %d must be greater than grandparent block round %d", x.ParentBlockRound, x.GrandparentBlockRound)
	}
	return nil
}

/*
CommitsGrandparent returns true when the proposed block, its parent and
grandparent have contiguous rounds, ie certifying the proposed block
commits the grandparent (3-chain rule).
*/
func (x *VoteData) CommitsGrandparent() bool {
	return x.ProposedBlockRound == x.ParentBlockRound+1 &&
		x.ParentBlockRound == x.GrandparentBlockRound+1
}
