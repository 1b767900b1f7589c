package consensus

import (
	"errors"
	"fmt"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/bftnet/bftnet/consensus/types"
	"github.com/bftnet/bftnet/consensus/verifier"
)

type MsgKind uint8

const (
	KindUnknown MsgKind = iota
	KindProposal
	KindVote
	KindTimeout
	KindSyncInfo
)

func (k MsgKind) String() string {
	switch k {
	case KindProposal:
		return "proposal"
	case KindVote:
		return "vote"
	case KindTimeout:
		return "timeout"
	case KindSyncInfo:
		return "sync_info"
	default:
		return "unknown"
	}
}

/*
ConsensusMsg is the envelope of direct-send consensus messages, exactly one
of the fields is set.
*/
type ConsensusMsg struct {
	_        struct{}     `cbor:",toarray"`
	Proposal *ProposalMsg `json:"proposal,omitempty"`
	Vote     *VoteMsg     `json:"vote,omitempty"`
	Timeout  *TimeoutMsg  `json:"timeout,omitempty"`
	SyncInfo *SyncInfoMsg `json:"syncInfo,omitempty"`
}

/*
NewConsensusMsg wraps message "msg" into envelope. Supported message types
are *ProposalMsg, *VoteMsg, *TimeoutMsg and *SyncInfoMsg.
*/
func NewConsensusMsg(msg any) (*ConsensusMsg, error) {
	switch m := msg.(type) {
	case *ProposalMsg:
		return &ConsensusMsg{Proposal: m}, nil
	case *VoteMsg:
		return &ConsensusMsg{Vote: m}, nil
	case *TimeoutMsg:
		return &ConsensusMsg{Timeout: m}, nil
	case *SyncInfoMsg:
		return &ConsensusMsg{SyncInfo: m}, nil
	default:
		return nil, fmt.Errorf("unsupported consensus message type %T", msg)
	}
}

func (x *ConsensusMsg) Kind() MsgKind {
	if x == nil {
		return KindUnknown
	}
	switch {
	case x.Proposal != nil:
		return KindProposal
	case x.Vote != nil:
		return KindVote
	case x.Timeout != nil:
		return KindTimeout
	case x.SyncInfo != nil:
		return KindSyncInfo
	default:
		return KindUnknown
	}
}

// Payload returns the wrapped message.
func (x *ConsensusMsg) Payload() any {
	switch x.Kind() {
	case KindProposal:
		return x.Proposal
	case KindVote:
		return x.Vote
	case KindTimeout:
		return x.Timeout
	case KindSyncInfo:
		return x.SyncInfo
	default:
		return nil
	}
}

func (x *ConsensusMsg) IsValid() error {
	if x == nil {
		return errors.New("consensus message is nil")
	}
	cnt := 0
	for _, set := range []bool{x.Proposal != nil, x.Vote != nil, x.Timeout != nil, x.SyncInfo != nil} {
		if set {
			cnt++
		}
	}
	if cnt != 1 {
		return fmt.Errorf("consensus message must contain exactly one message, got %d", cnt)
	}
	return nil
}

// Verify verifies the wrapped message.
func (x *ConsensusMsg) Verify(vv *verifier.ValidatorVerifier) error {
	if err := x.IsValid(); err != nil {
		return err
	}
	switch x.Kind() {
	case KindProposal:
		return x.Proposal.Verify(vv)
	case KindVote:
		return x.Vote.Verify(vv)
	case KindTimeout:
		return x.Timeout.Verify(vv)
	default:
		return x.SyncInfo.Verify(vv)
	}
}

/*
Author returns the author of the wrapped message as recorded in the message,
sync info has no author.
*/
func (x *ConsensusMsg) Author() peer.ID {
	switch x.Kind() {
	case KindProposal:
		return x.Proposal.Author()
	case KindVote:
		return x.Vote.Author
	case KindTimeout:
		return x.Timeout.Author()
	default:
		return ""
	}
}

func (x *ConsensusMsg) Encode() ([]byte, error) {
	if err := x.IsValid(); err != nil {
		return nil, err
	}
	return types.Encode(x)
}

/*
DecodeConsensusMsg decodes envelope from "data" and checks that exactly one
message is set.
*/
func DecodeConsensusMsg(data []byte) (*ConsensusMsg, error) {
	msg := &ConsensusMsg{}
	if err := types.Decode(data, msg); err != nil {
		return nil, fmt.Errorf("decoding consensus message: %w", err)
	}
	if err := msg.IsValid(); err != nil {
		return nil, err
	}
	return msg, nil
}
