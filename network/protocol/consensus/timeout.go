package consensus

import (
	"errors"
	"fmt"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/bftnet/bftnet/consensus/types"
	"github.com/bftnet/bftnet/consensus/verifier"
)

// TimeoutMsg is broadcast by validator when its round timer expires.
type TimeoutMsg struct {
	_        struct{}                `cbor:",toarray"`
	SyncInfo *types.SyncInfo         `json:"syncInfo"`
	Timeout  *types.PacemakerTimeout `json:"timeout"`
}

func (x *TimeoutMsg) IsValid() error {
	if x == nil {
		return errors.New("timeout message is nil")
	}
	if err := x.Timeout.IsValid(); err != nil {
		return err
	}
	return x.SyncInfo.IsValid()
}

func (x *TimeoutMsg) Verify(vv *verifier.ValidatorVerifier) error {
	if err := x.IsValid(); err != nil {
		return err
	}
	if err := x.Timeout.Verify(vv); err != nil {
		return fmt.Errorf("timeout verification failed: %w", err)
	}
	if err := x.SyncInfo.Verify(vv); err != nil {
		return fmt.Errorf("sync info verification failed: %w", err)
	}
	return nil
}

func (x *TimeoutMsg) Round() uint64 {
	if x == nil || x.Timeout == nil {
		return 0
	}
	return x.Timeout.Round
}

func (x *TimeoutMsg) Author() peer.ID {
	if x == nil || x.Timeout == nil {
		return ""
	}
	return x.Timeout.Author
}

/*
SyncInfoMsg is sent to a peer which is detected to be lagging behind.
*/
type SyncInfoMsg struct {
	_        struct{}        `cbor:",toarray"`
	SyncInfo *types.SyncInfo `json:"syncInfo"`
}

func (x *SyncInfoMsg) IsValid() error {
	if x == nil {
		return errors.New("sync info message is nil")
	}
	return x.SyncInfo.IsValid()
}

func (x *SyncInfoMsg) Verify(vv *verifier.ValidatorVerifier) error {
	if x == nil {
		return errors.New("sync info message is nil")
	}
	return x.SyncInfo.Verify(vv)
}
