package verifier

import (
	"bytes"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/bftnet/bftnet/crypto"
)

var (
	ErrUnknownAuthor      = errors.New("unknown author")
	ErrInvalidSignature   = errors.New("invalid signature")
	ErrInsufficientQuorum = errors.New("insufficient quorum")
	errEmptyValidatorSet  = errors.New("validator set is empty")
	errVerifierIsNil      = errors.New("validator verifier is nil")
)

/*
ValidatorVerifier holds the public keys of the validators of an epoch and
the quorum threshold. It is immutable after construction and thus safe to
share between goroutines.

Every validator has equal voting power, ie quorum is reached when signatures
of "threshold" distinct validators are present.
*/
type ValidatorVerifier struct {
	keys      map[peer.ID]crypto.Verifier
	authors   []peer.ID
	threshold uint32
}

/*
New creates verifier for the validator set "keys" with the minimum safe quorum
threshold, ie 2f+1 out of 3f+1 validators.
*/
func New(keys map[peer.ID]crypto.Verifier) (*ValidatorVerifier, error) {
	return NewWithQuorum(keys, QuorumThreshold(uint32(len(keys))))
}

/*
NewWithQuorum creates verifier with explicitly configured quorum threshold.
Threshold must not be lower than the minimum safe threshold for the size of
the validator set and not higher than the size of the validator set.
*/
func NewWithQuorum(keys map[peer.ID]crypto.Verifier, threshold uint32) (*ValidatorVerifier, error) {
	if len(keys) == 0 {
		return nil, errEmptyValidatorSet
	}
	n := uint32(len(keys))
	if threshold > n {
		return nil, fmt.Errorf("quorum threshold %d is too high - only %d validator keys registered", threshold, n)
	}
	if minThreshold := QuorumThreshold(n); threshold < minThreshold {
		return nil, fmt.Errorf("quorum threshold %d is too low, for %d validators min quorum is %d", threshold, n, minThreshold)
	}

	vv := &ValidatorVerifier{
		keys:      make(map[peer.ID]crypto.Verifier, len(keys)),
		authors:   make([]peer.ID, 0, len(keys)),
		threshold: threshold,
	}
	for id, v := range keys {
		if v == nil {
			return nil, fmt.Errorf("verifier of validator %s is nil", id)
		}
		vv.keys[id] = v
		vv.authors = append(vv.authors, id)
	}
	slices.SortFunc(vv.authors, func(a, b peer.ID) int { return strings.Compare(string(a), string(b)) })
	return vv, nil
}

/*
QuorumThreshold returns the minimum number of votes which guarantees Byzantine
safety for a validator set of size "n", equal to ceil((2n+1)/3).
*/
func QuorumThreshold(n uint32) uint32 {
	return n*2/3 + 1
}

func (vv *ValidatorVerifier) QuorumThreshold() uint32 {
	return vv.threshold
}

// MaxFaultyNodes a.k.a max allowed faulty nodes
func (vv *ValidatorVerifier) MaxFaultyNodes() uint32 {
	return uint32(len(vv.keys)) - vv.threshold
}

func (vv *ValidatorVerifier) Size() int {
	return len(vv.keys)
}

// Authors returns validator IDs in stable (sorted) order.
func (vv *ValidatorVerifier) Authors() []peer.ID {
	return slices.Clone(vv.authors)
}

func (vv *ValidatorVerifier) Contains(author peer.ID) bool {
	_, ok := vv.keys[author]
	return ok
}

func (vv *ValidatorVerifier) PublicKey(author peer.ID) (crypto.Verifier, error) {
	v, ok := vv.keys[author]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAuthor, author)
	}
	return v, nil
}

/*
VerifySignature checks that "sig" is signature of the "author" over "hash".
*/
func (vv *ValidatorVerifier) VerifySignature(author peer.ID, hash []byte, sig []byte) error {
	if vv == nil {
		return errVerifierIsNil
	}
	v, err := vv.PublicKey(author)
	if err != nil {
		return err
	}
	if err := v.VerifyHash(sig, hash); err != nil {
		return fmt.Errorf("%w of %s: %w", ErrInvalidSignature, author, err)
	}
	return nil
}

/*
ValidSigners verifies every signature in "signatures" and returns authors
whose signature is valid (sorted) and the reason of rejection for the rest.
*/
func (vv *ValidatorVerifier) ValidSigners(hash []byte, signatures map[peer.ID][]byte) (valid []peer.ID, rejected map[peer.ID]error) {
	for author, sig := range signatures {
		if err := vv.VerifySignature(author, hash, sig); err != nil {
			if rejected == nil {
				rejected = make(map[peer.ID]error)
			}
			rejected[author] = err
			continue
		}
		valid = append(valid, author)
	}
	slices.SortFunc(valid, func(a, b peer.ID) int { return strings.Compare(string(a), string(b)) })
	return valid, rejected
}

/*
VerifyQuorum checks that "signatures" contains at least quorum threshold
valid signatures over "hash". Invalid signatures (unknown author, forged
signature) are discarded, they do not fail the check as long as enough
valid signatures remain.

When quorum is not reached the returned error is of type *QuorumError which
also lists the rejected signatures.
*/
func (vv *ValidatorVerifier) VerifyQuorum(hash []byte, signatures map[peer.ID][]byte) error {
	if vv == nil {
		return errVerifierIsNil
	}
	valid, rejected := vv.ValidSigners(hash, signatures)
	if uint32(len(valid)) < vv.threshold {
		return &QuorumError{Threshold: vv.threshold, Valid: uint32(len(valid)), Rejected: rejected}
	}
	return nil
}

/*
VerifyBytes is like VerifySignature but signature is over "data" instead of
precomputed hash.
*/
func (vv *ValidatorVerifier) VerifyBytes(author peer.ID, data []byte, sig []byte) error {
	v, err := vv.PublicKey(author)
	if err != nil {
		return err
	}
	if err := v.VerifyBytes(sig, data); err != nil {
		return fmt.Errorf("%w of %s: %w", ErrInvalidSignature, author, err)
	}
	return nil
}

/*
Equal returns true when both verifiers have the same validator set (same
public keys) and threshold.
*/
func (vv *ValidatorVerifier) Equal(other *ValidatorVerifier) bool {
	if vv == nil || other == nil {
		return vv == other
	}
	if vv.threshold != other.threshold || !slices.Equal(vv.authors, other.authors) {
		return false
	}
	for id, v := range vv.keys {
		a, err1 := v.MarshalPublicKey()
		b, err2 := other.keys[id].MarshalPublicKey()
		if err1 != nil || err2 != nil || !bytes.Equal(a, b) {
			return false
		}
	}
	return true
}

/*
QuorumError is returned by VerifyQuorum when there is not enough valid
signatures. It allows callers to distinguish "not enough signatures" from
"some signatures were forged".
*/
type QuorumError struct {
	Threshold uint32
	Valid     uint32
	Rejected  map[peer.ID]error
}

func (e *QuorumError) Error() string {
	msg := fmt.Sprintf("%s: got %d valid signatures, quorum requires %d", ErrInsufficientQuorum, e.Valid, e.Threshold)
	if len(e.Rejected) > 0 {
		msg += fmt.Sprintf(" (%d signatures rejected)", len(e.Rejected))
	}
	return msg
}

func (e *QuorumError) Is(target error) bool {
	return target == ErrInsufficientQuorum
}

/*
Unwrap returns errors of the rejected signatures so that ie
errors.Is(err, ErrInvalidSignature) can be used to detect forgeries.
*/
func (e *QuorumError) Unwrap() []error {
	errs := make([]error, 0, len(e.Rejected))
	for _, err := range e.Rejected {
		errs = append(errs, err)
	}
	return errs
}
