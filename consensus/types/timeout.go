package types

import (
	"bytes"
	"errors"
	"fmt"
	"maps"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/bftnet/bftnet/consensus/verifier"
	"github.com/bftnet/bftnet/crypto"
)

var (
	errTimeoutIsNil     = errors.New("timeout is nil")
	errTimeoutCertIsNil = errors.New("timeout certificate is nil")
)

// timeoutData is the signed part of the timeout.
type timeoutData struct {
	_     struct{} `cbor:",toarray"`
	Epoch uint64
	Round uint64
}

func timeoutHash(epoch, round uint64) HashValue {
	return mustHash(&timeoutData{Epoch: epoch, Round: round})
}

/*
PacemakerTimeout is validator's signed statement that it gave up waiting
for progress in the round.
*/
type PacemakerTimeout struct {
	_         struct{} `cbor:",toarray"`
	Epoch     uint64   `json:"epoch"`
	Round     uint64   `json:"round"`
	Author    peer.ID  `json:"author"`
	Signature []byte   `json:"signature"`
}

func NewPacemakerTimeout(epoch, round uint64, signer *crypto.ValidatorSigner) (*PacemakerTimeout, error) {
	if signer == nil || signer.Signer == nil {
		return nil, errSignerIsNil
	}
	h := timeoutHash(epoch, round)
	sig, err := signer.SignHash(h[:])
	if err != nil {
		return nil, fmt.Errorf("signing timeout: %w", err)
	}
	return &PacemakerTimeout{Epoch: epoch, Round: round, Author: signer.Author, Signature: sig}, nil
}

func (x *PacemakerTimeout) Hash() HashValue {
	return timeoutHash(x.Epoch, x.Round)
}

func (x *PacemakerTimeout) IsValid() error {
	if x == nil {
		return errTimeoutIsNil
	}
	if x.Author == "" {
		return errors.New("timeout author is missing")
	}
	if len(x.Signature) == 0 {
		return errors.New("timeout signature is missing")
	}
	return nil
}

func (x *PacemakerTimeout) Verify(vv *verifier.ValidatorVerifier) error {
	if err := x.IsValid(); err != nil {
		return fmt.Errorf("invalid timeout: %w", err)
	}
	h := x.Hash()
	if err := vv.VerifySignature(x.Author, h[:], x.Signature); err != nil {
		return fmt.Errorf("timeout signature: %w", err)
	}
	return nil
}

/*
TimeoutCertificate proves that quorum of validators timed out in the round.
*/
type TimeoutCertificate struct {
	_          struct{}           `cbor:",toarray"`
	Epoch      uint64             `json:"epoch"`
	Round      uint64             `json:"round"`
	Signatures map[peer.ID][]byte `json:"signatures"`
}

/*
NewTimeoutCertificate aggregates timeouts of the same epoch and round into
certificate. Returned certificate is verified against "vv".
*/
func NewTimeoutCertificate(timeouts []*PacemakerTimeout, vv *verifier.ValidatorVerifier) (*TimeoutCertificate, error) {
	if len(timeouts) == 0 {
		return nil, errors.New("no timeouts to aggregate")
	}
	tc := &TimeoutCertificate{
		Epoch:      timeouts[0].Epoch,
		Round:      timeouts[0].Round,
		Signatures: make(map[peer.ID][]byte, len(timeouts)),
	}
	for _, t := range timeouts {
		if t.Epoch != tc.Epoch || t.Round != tc.Round {
			return nil, fmt.Errorf("timeout of %s is for epoch %d round %d, expected epoch %d round %d", t.Author, t.Epoch, t.Round, tc.Epoch, tc.Round)
		}
		tc.Signatures[t.Author] = t.Signature
	}
	if err := tc.Verify(vv); err != nil {
		return nil, err
	}
	return tc, nil
}

func (x *TimeoutCertificate) Verify(vv *verifier.ValidatorVerifier) error {
	if x == nil {
		return errTimeoutCertIsNil
	}
	h := timeoutHash(x.Epoch, x.Round)
	if err := vv.VerifyQuorum(h[:], x.Signatures); err != nil {
		return fmt.Errorf("timeout certificate for round %d: %w", x.Round, err)
	}
	return nil
}

func (x *TimeoutCertificate) Equal(o *TimeoutCertificate) bool {
	if x == nil || o == nil {
		return x == o
	}
	return x.Epoch == o.Epoch && x.Round == o.Round && maps.EqualFunc(x.Signatures, o.Signatures, bytes.Equal)
}
