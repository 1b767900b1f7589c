package consensus

import (
	"errors"
	"fmt"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/bftnet/bftnet/consensus/types"
	"github.com/bftnet/bftnet/consensus/verifier"
	"github.com/bftnet/bftnet/crypto"
)

/*
VoteMsg is validator's vote on a proposed block. The signature is over the
hash of the ledger info which in turn commits to the vote data.
*/
type VoteMsg struct {
	_          struct{}          `cbor:",toarray"`
	VoteData   *types.VoteData   `json:"voteData"`
	Author     peer.ID           `json:"author"`
	LedgerInfo *types.LedgerInfo `json:"ledgerInfo"`
	Signature  []byte            `json:"signature"`
}

/*
NewVoteMsg creates vote of the "author" signed by "signer". Only fails when
the signer fails.
*/
func NewVoteMsg(vd *types.VoteData, author peer.ID, li *types.LedgerInfo, signer crypto.Signer) (*VoteMsg, error) {
	if signer == nil {
		return nil, errors.New("signer is nil")
	}
	h := li.Hash()
	sig, err := signer.SignHash(h[:])
	if err != nil {
		return nil, fmt.Errorf("signing vote: %w", err)
	}
	return &VoteMsg{VoteData: vd, Author: author, LedgerInfo: li, Signature: sig}, nil
}

func (x *VoteMsg) IsValid() error {
	if x == nil {
		return errors.New("vote message is nil")
	}
	if err := x.VoteData.Verify(); err != nil {
		return fmt.Errorf("invalid vote data: %w", err)
	}
	if err := x.LedgerInfo.IsValid(); err != nil {
		return fmt.Errorf("invalid ledger info: %w", err)
	}
	if x.LedgerInfo.ConsensusDataHash != x.VoteData.Hash() {
		return errors.New("ledger info does not commit to the vote data")
	}
	if x.Author == "" {
		return errors.New("vote is missing author")
	}
	if len(x.Signature) == 0 {
		return errors.New("vote is missing signature")
	}
	return nil
}

func (x *VoteMsg) Verify(vv *verifier.ValidatorVerifier) error {
	if err := x.IsValid(); err != nil {
		return err
	}
	h := x.LedgerInfo.Hash()
	if err := vv.VerifySignature(x.Author, h[:], x.Signature); err != nil {
		return fmt.Errorf("vote signature verification failed: %w", err)
	}
	return nil
}

func (x *VoteMsg) Round() uint64 {
	if x == nil || x.VoteData == nil {
		return 0
	}
	return x.VoteData.ProposedBlockRound
}

func (x *VoteMsg) Epoch() uint64 {
	if x == nil || x.LedgerInfo == nil {
		return 0
	}
	return x.LedgerInfo.Epoch
}
