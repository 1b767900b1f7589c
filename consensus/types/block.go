package types

import (
	"bytes"
	"errors"
	"fmt"
	"slices"

	"github.com/fxamacker/cbor/v2"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/bftnet/bftnet/consensus/verifier"
	"github.com/bftnet/bftnet/crypto"
)

var (
	ErrRoundNotIncreasing = errors.New("block round must be greater than parent round")
	ErrQCRoundTooHigh     = errors.New("quorum certificate round must be less than block round")
	ErrParentMismatch     = errors.New("quorum certificate does not certify the parent block")

	errBlockIsNil   = errors.New("block is nil")
	errSignerIsNil  = errors.New("signer is nil")
	errInvalidBlkID = errors.New("block id does not match block content")
)

/*
Block is the unit of the chain validators agree on. It is immutable after
construction, the ID is the content hash of the block.
*/
type Block struct {
	ID         HashValue   `json:"id"`
	Epoch      uint64      `json:"epoch"`
	Round      uint64      `json:"round"`
	Timestamp  uint64      `json:"timestamp"` // milliseconds since Unix epoch
	Payload    []byte      `json:"payload"`
	QuorumCert *QuorumCert `json:"quorumCert"`
	Author     peer.ID     `json:"author"`
	Signature  []byte      `json:"signature"`
}

/*
blockWire is the serialized form of the Block. Author is encoded as raw bytes
because genesis block has no author and empty peer.ID can't be decoded from
its binary form.
*/
type blockWire struct {
	_          struct{} `cbor:",toarray"`
	ID         HashValue
	Epoch      uint64
	Round      uint64
	Timestamp  uint64
	Payload    []byte
	QuorumCert *QuorumCert
	Author     []byte
	Signature  []byte
}

func (x *Block) MarshalCBOR() ([]byte, error) {
	return encMode.Marshal(&blockWire{
		ID:         x.ID,
		Epoch:      x.Epoch,
		Round:      x.Round,
		Timestamp:  x.Timestamp,
		Payload:    x.Payload,
		QuorumCert: x.QuorumCert,
		Author:     []byte(x.Author),
		Signature:  x.Signature,
	})
}

func (x *Block) UnmarshalCBOR(data []byte) error {
	var w blockWire
	if err := cbor.Unmarshal(data, &w); err != nil {
		return err
	}
	*x = Block{
		ID:         w.ID,
		Epoch:      w.Epoch,
		Round:      w.Round,
		Timestamp:  w.Timestamp,
		Payload:    w.Payload,
		QuorumCert: w.QuorumCert,
		Author:     peer.ID(w.Author),
		Signature:  w.Signature,
	}
	return nil
}

// blockContent is the part of the block covered by the ID.
type blockContent struct {
	_         struct{} `cbor:",toarray"`
	Epoch     uint64
	Round     uint64
	Timestamp uint64
	Payload   []byte
	QCHash    HashValue
	Author    peer.ID
}

/*
MakeBlock creates child block of "parent" certified by "qc" and signed by "signer".

Fails when round doesn't increase compared to parent, certificate's round is
not less than the new round or certificate doesn't certify the parent.
*/
func MakeBlock(parent *Block, payload []byte, round, timestamp uint64, qc *QuorumCert, signer *crypto.ValidatorSigner) (*Block, error) {
	if parent == nil {
		return nil, fmt.Errorf("parent %w", errBlockIsNil)
	}
	if qc == nil {
		return nil, errQuorumCertIsNil
	}
	if signer == nil || signer.Signer == nil {
		return nil, errSignerIsNil
	}
	if round <= parent.Round {
		return nil, fmt.Errorf("%w: parent round %d, block round %d", ErrRoundNotIncreasing, parent.Round, round)
	}
	if qc.CertifiedBlockRound() >= round {
		return nil, fmt.Errorf("%w: certificate round %d, block round %d", ErrQCRoundTooHigh, qc.CertifiedBlockRound(), round)
	}
	if qc.CertifiedBlockID() != parent.ID || qc.CertifiedBlockRound() != parent.Round {
		return nil, fmt.Errorf("%w: certified block %s, parent %s", ErrParentMismatch, qc.CertifiedBlockID(), parent.ID)
	}

	b := &Block{
		Epoch:      parent.Epoch,
		Round:      round,
		Timestamp:  timestamp,
		Payload:    slices.Clone(payload),
		QuorumCert: qc,
		Author:     signer.Author,
	}
	b.ID = b.Hash()
	sig, err := signer.SignHash(b.ID[:])
	if err != nil {
		return nil, fmt.Errorf("signing block: %w", err)
	}
	b.Signature = sig
	return b, nil
}

/*
Hash calculates the content hash of the block, for a valid block it is equal
to the ID. Genesis block has well known ID which is not content hash.
*/
func (x *Block) Hash() HashValue {
	if x.isGenesisContent() {
		return GenesisBlockID
	}
	return mustHash(&blockContent{
		Epoch:     x.Epoch,
		Round:     x.Round,
		Timestamp: x.Timestamp,
		Payload:   x.Payload,
		QCHash:    x.QuorumCert.Hash(),
		Author:    x.Author,
	})
}

func (x *Block) isGenesisContent() bool {
	return x.Round == 0 && x.Author == "" && len(x.Payload) == 0 && x.QuorumCert.IsGenesis()
}

func (x *Block) IsGenesis() bool {
	return x != nil && x.ID == GenesisBlockID && x.isGenesisContent()
}

// ParentID returns ID of the block certified by the block's QC.
func (x *Block) ParentID() HashValue {
	return x.QuorumCert.CertifiedBlockID()
}

func (x *Block) IsValid() error {
	if x == nil {
		return errBlockIsNil
	}
	if x.QuorumCert == nil {
		return errQuorumCertIsNil
	}
	if x.IsGenesis() {
		return nil
	}
	if x.Round <= x.QuorumCert.CertifiedBlockRound() {
		return fmt.Errorf("%w: certificate round %d, block round %d", ErrQCRoundTooHigh, x.QuorumCert.CertifiedBlockRound(), x.Round)
	}
	if x.Author == "" {
		return errors.New("block author is missing")
	}
	if len(x.Signature) == 0 {
		return errors.New("block signature is missing")
	}
	if x.Hash() != x.ID {
		return errInvalidBlkID
	}
	return nil
}

/*
Verify checks block structure, author's signature and quorum certificate.
*/
func (x *Block) Verify(vv *verifier.ValidatorVerifier) error {
	if err := x.IsValid(); err != nil {
		return fmt.Errorf("invalid block: %w", err)
	}
	if x.IsGenesis() {
		return nil
	}
	if err := vv.VerifySignature(x.Author, x.ID[:], x.Signature); err != nil {
		return fmt.Errorf("block signature: %w", err)
	}
	if err := x.QuorumCert.Verify(vv); err != nil {
		return fmt.Errorf("block quorum certificate: %w", err)
	}
	return nil
}

func (x *Block) Equal(o *Block) bool {
	if x == nil || o == nil {
		return x == o
	}
	return x.ID == o.ID && x.Epoch == o.Epoch && x.Round == o.Round && x.Timestamp == o.Timestamp &&
		x.Author == o.Author && bytes.Equal(x.Payload, o.Payload) && bytes.Equal(x.Signature, o.Signature) &&
		x.QuorumCert.Equal(o.QuorumCert)
}

func (x *Block) String() string {
	return fmt.Sprintf("[id: %s, round: %d, parent: %s]", x.ID.String()[:8], x.Round, x.ParentID().String()[:8])
}
