package types

import (
	"errors"
	"fmt"

	"github.com/bftnet/bftnet/consensus/verifier"
)

var errSyncInfoIsNil = errors.New("sync info is nil")

/*
SyncInfo carries the highest certificates known to the sender so that the
receiver can detect it is lagging behind and catch up.
*/
type SyncInfo struct {
	_                  struct{}            `cbor:",toarray"`
	HighestQuorumCert  *QuorumCert         `json:"highestQuorumCert"`
	HighestCommitCert  *QuorumCert         `json:"highestCommitCert"`
	HighestTimeoutCert *TimeoutCertificate `json:"highestTimeoutCert,omitempty"` // optional
}

func NewSyncInfo(hqc, hcc *QuorumCert, htc *TimeoutCertificate) *SyncInfo {
	return &SyncInfo{HighestQuorumCert: hqc, HighestCommitCert: hcc, HighestTimeoutCert: htc}
}

// GenesisSyncInfo is the sync info of a validator which has seen nothing but genesis.
func GenesisSyncInfo() *SyncInfo {
	qc := CertificateForGenesis()
	return NewSyncInfo(qc, qc, nil)
}

func (x *SyncInfo) HighestCertifiedRound() uint64 {
	return x.HighestQuorumCert.CertifiedBlockRound()
}

func (x *SyncInfo) HighestTimeoutRound() uint64 {
	if x.HighestTimeoutCert == nil {
		return 0
	}
	return x.HighestTimeoutCert.Round
}

// HighestRound returns the max of certified and timed out round.
func (x *SyncInfo) HighestRound() uint64 {
	return max(x.HighestCertifiedRound(), x.HighestTimeoutRound())
}

func (x *SyncInfo) IsValid() error {
	if x == nil {
		return errSyncInfoIsNil
	}
	if x.HighestQuorumCert == nil {
		return fmt.Errorf("highest quorum certificate: %w", errQuorumCertIsNil)
	}
	if x.HighestCommitCert == nil {
		return fmt.Errorf("highest commit certificate: %w", errQuorumCertIsNil)
	}
	if x.HighestCommitCert.CertifiedBlockRound() > x.HighestQuorumCert.CertifiedBlockRound() {
		return fmt.Errorf("commit certificate round %d is higher than quorum certificate round %d",
			x.HighestCommitCert.CertifiedBlockRound(), x.HighestQuorumCert.CertifiedBlockRound())
	}
	return nil
}

func (x *SyncInfo) Verify(vv *verifier.ValidatorVerifier) error {
	if err := x.IsValid(); err != nil {
		return fmt.Errorf("invalid sync info: %w", err)
	}
	if err := x.HighestQuorumCert.Verify(vv); err != nil {
		return fmt.Errorf("highest quorum certificate: %w", err)
	}
	// commit cert is usually the same as the HQC, avoid verifying signatures twice
	if !x.HighestCommitCert.Equal(x.HighestQuorumCert) {
		if err := x.HighestCommitCert.Verify(vv); err != nil {
			return fmt.Errorf("highest commit certificate: %w", err)
		}
	}
	if x.HighestTimeoutCert != nil {
		if err := x.HighestTimeoutCert.Verify(vv); err != nil {
			return fmt.Errorf("highest timeout certificate: %w", err)
		}
	}
	return nil
}
