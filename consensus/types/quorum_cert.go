package types

import (
	"bytes"
	"errors"
	"fmt"
	"maps"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/bftnet/bftnet/consensus/verifier"
)

var (
	errQuorumCertIsNil       = errors.New("quorum certificate is nil")
	errConsensusDataMismatch = errors.New("ledger info does not commit to the vote data")
)

/*
QuorumCert certifies that quorum of validators voted for the block referenced
by the VoteData. Every signature is over LedgerInfo.Hash().
*/
type QuorumCert struct {
	_          struct{}           `cbor:",toarray"`
	VoteData   *VoteData          `json:"voteData"`
	LedgerInfo *LedgerInfo        `json:"ledgerInfo"`
	Signatures map[peer.ID][]byte `json:"signatures"`
}

/*
NewQuorumCert returns certificate only when the ledger info commits to the
vote data and the signatures form a quorum according to "vv".
*/
func NewQuorumCert(vd *VoteData, li *LedgerInfo, signatures map[peer.ID][]byte, vv *verifier.ValidatorVerifier) (*QuorumCert, error) {
	qc := &QuorumCert{VoteData: vd, LedgerInfo: li, Signatures: maps.Clone(signatures)}
	if err := qc.Verify(vv); err != nil {
		return nil, err
	}
	return qc, nil
}

/*
CertificateForGenesis returns the (unsigned) certificate of the genesis
block. It refers to the genesis block itself as the parent and grandparent
so every validator constructs the same certificate without communication.
*/
func CertificateForGenesis() *QuorumCert {
	vd := &VoteData{
		ProposedBlockID:              GenesisBlockID,
		ProposedBlockExecutedStateID: GenesisStateID,
		ParentBlockID:                GenesisBlockID,
		GrandparentBlockID:           GenesisBlockID,
	}
	return &QuorumCert{
		VoteData: vd,
		LedgerInfo: &LedgerInfo{
			Epoch:             GenesisEpoch,
			CommitBlockID:     GenesisBlockID,
			ExecutedStateID:   GenesisStateID,
			ConsensusDataHash: vd.Hash(),
		},
	}
}

func (x *QuorumCert) IsGenesis() bool {
	return x != nil && x.VoteData != nil && x.VoteData.ProposedBlockRound == 0 && x.VoteData.ProposedBlockID == GenesisBlockID
}

func (x *QuorumCert) CertifiedBlockID() HashValue {
	if x == nil || x.VoteData == nil {
		return HashValue{}
	}
	return x.VoteData.ProposedBlockID
}

func (x *QuorumCert) CertifiedBlockRound() uint64 {
	if x == nil || x.VoteData == nil {
		return 0
	}
	return x.VoteData.ProposedBlockRound
}

func (x *QuorumCert) ParentBlockID() HashValue {
	if x == nil || x.VoteData == nil {
		return HashValue{}
	}
	return x.VoteData.ParentBlockID
}

func (x *QuorumCert) ParentBlockRound() uint64 {
	if x == nil || x.VoteData == nil {
		return 0
	}
	return x.VoteData.ParentBlockRound
}

/*
CommittedBlockID returns ID of the block committed by this certificate,
second return value is false when the certificate doesn't commit anything.
*/
func (x *QuorumCert) CommittedBlockID() (HashValue, bool) {
	if x == nil || x.LedgerInfo == nil || x.LedgerInfo.IsPlaceholder() {
		return HashValue{}, false
	}
	return x.LedgerInfo.CommitBlockID, true
}

func (x *QuorumCert) Epoch() uint64 {
	if x == nil || x.LedgerInfo == nil {
		return 0
	}
	return x.LedgerInfo.Epoch
}

func (x *QuorumCert) IsValid() error {
	if x == nil {
		return errQuorumCertIsNil
	}
	if err := x.VoteData.Verify(); err != nil {
		return fmt.Errorf("invalid vote data: %w", err)
	}
	if err := x.LedgerInfo.IsValid(); err != nil {
		return fmt.Errorf("invalid ledger info: %w", err)
	}
	if x.LedgerInfo.ConsensusDataHash != x.VoteData.Hash() {
		return errConsensusDataMismatch
	}
	return nil
}

/*
Verify checks the structure and quorum of the certificate. Genesis
certificate is hard-coded and not signed so it is only checked for being
equal to the well known genesis certificate.
*/
func (x *QuorumCert) Verify(vv *verifier.ValidatorVerifier) error {
	if err := x.IsValid(); err != nil {
		return fmt.Errorf("invalid quorum certificate: %w", err)
	}
	if x.IsGenesis() {
		if !x.Equal(CertificateForGenesis()) {
			return errors.New("invalid genesis quorum certificate")
		}
		return nil
	}
	h := x.LedgerInfo.Hash()
	if err := vv.VerifyQuorum(h[:], x.Signatures); err != nil {
		return fmt.Errorf("quorum certificate for round %d: %w", x.CertifiedBlockRound(), err)
	}
	return nil
}

func (x *QuorumCert) Equal(o *QuorumCert) bool {
	if x == nil || o == nil {
		return x == o
	}
	if x.VoteData.Hash() != o.VoteData.Hash() || x.LedgerInfo.Hash() != o.LedgerInfo.Hash() {
		return false
	}
	return maps.EqualFunc(x.Signatures, o.Signatures, bytes.Equal)
}

func (x *QuorumCert) Hash() HashValue {
	return mustHash(x)
}
