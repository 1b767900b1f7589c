package consensus

import (
	"errors"
	"fmt"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/bftnet/bftnet/consensus/types"
	"github.com/bftnet/bftnet/consensus/verifier"
)

// ProposalMsg is broadcast by the leader of the round.
type ProposalMsg struct {
	_        struct{}        `cbor:",toarray"`
	Block    *types.Block    `json:"block"`
	SyncInfo *types.SyncInfo `json:"syncInfo"`
}

func (x *ProposalMsg) IsValid() error {
	if x == nil {
		return errors.New("proposal message is nil")
	}
	if err := x.Block.IsValid(); err != nil {
		return fmt.Errorf("invalid block: %w", err)
	}
	if x.Block.IsGenesis() {
		return errors.New("genesis block can't be proposed")
	}
	if err := x.SyncInfo.IsValid(); err != nil {
		return err
	}
	if x.Block.QuorumCert.CertifiedBlockRound() > x.SyncInfo.HighestCertifiedRound() {
		return fmt.Errorf("block certificate round %d is higher than sync info certificate round %d",
			x.Block.QuorumCert.CertifiedBlockRound(), x.SyncInfo.HighestCertifiedRound())
	}
	return nil
}

func (x *ProposalMsg) Verify(vv *verifier.ValidatorVerifier) error {
	if err := x.IsValid(); err != nil {
		return err
	}
	if err := x.Block.Verify(vv); err != nil {
		return fmt.Errorf("proposed block verification failed: %w", err)
	}
	if err := x.SyncInfo.Verify(vv); err != nil {
		return fmt.Errorf("sync info verification failed: %w", err)
	}
	return nil
}

func (x *ProposalMsg) Round() uint64 {
	if x == nil || x.Block == nil {
		return 0
	}
	return x.Block.Round
}

func (x *ProposalMsg) Author() peer.ID {
	if x == nil || x.Block == nil {
		return ""
	}
	return x.Block.Author
}
