package types

import "errors"

var errLedgerInfoIsNil = errors.New("ledger info is nil")

/*
LedgerInfo is what validators actually sign when voting. It binds the vote
to the VoteData (through ConsensusDataHash) and records the block committed
by the vote, if any.
*/
type LedgerInfo struct {
	_                 struct{}  `cbor:",toarray"`
	Epoch             uint64    `json:"epoch"`
	Round             uint64    `json:"round"` // round of the committed block
	CommitBlockID     HashValue `json:"commitBlockId"`
	ExecutedStateID   HashValue `json:"executedStateId"`
	ConsensusDataHash HashValue `json:"consensusDataHash"`
}

/*
PlaceholderLedgerInfo returns ledger info which commits nothing, it only
binds the signature to the "vd".
*/
func PlaceholderLedgerInfo(epoch uint64, vd *VoteData) *LedgerInfo {
	return &LedgerInfo{Epoch: epoch, ConsensusDataHash: vd.Hash()}
}

/*
NewLedgerInfo returns ledger info for voting on "vd" - when the vote data
satisfies the 3-chain rule the grandparent block is committed, otherwise
placeholder ledger info is returned.
*/
func NewLedgerInfo(epoch uint64, vd *VoteData) *LedgerInfo {
	li := PlaceholderLedgerInfo(epoch, vd)
	if vd.CommitsGrandparent() {
		li.Round = vd.GrandparentBlockRound
		li.CommitBlockID = vd.GrandparentBlockID
	}
	return li
}

func (x *LedgerInfo) Hash() HashValue {
	return mustHash(x)
}

// IsPlaceholder returns true when the ledger info doesn't commit any block.
func (x *LedgerInfo) IsPlaceholder() bool {
	return x.CommitBlockID.IsZero()
}

func (x *LedgerInfo) IsValid() error {
	if x == nil {
		return errLedgerInfoIsNil
	}
	if x.ConsensusDataHash.IsZero() {
		return errors.New("consensus data hash is missing")
	}
	return nil
}
