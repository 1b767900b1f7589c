package epoch

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/bftnet/bftnet/consensus/verifier"
)

var (
	ErrStaleEpoch  = errors.New("epoch must increase")
	errNilVerifier = errors.New("validator verifier is nil")
)

/*
State is the immutable snapshot of an epoch: epoch number and the verifier
of the epoch's validator set.
*/
type State struct {
	Epoch    uint64
	Verifier *verifier.ValidatorVerifier
}

/*
Registry holds the current epoch state. Reconfiguration replaces the whole
snapshot so readers always see epoch number and validator set which belong
together.
*/
type Registry struct {
	state atomic.Pointer[State]

	mu   sync.Mutex // serializes Reconfigure and subscriber list access
	subs []chan *State
}

func NewRegistry(epoch uint64, vv *verifier.ValidatorVerifier) (*Registry, error) {
	if vv == nil {
		return nil, errNilVerifier
	}
	r := &Registry{}
	r.state.Store(&State{Epoch: epoch, Verifier: vv})
	return r, nil
}

// Current returns the current snapshot, never nil.
func (r *Registry) Current() *State {
	return r.state.Load()
}

func (r *Registry) Epoch() uint64 {
	return r.Current().Epoch
}

func (r *Registry) Verifier() *verifier.ValidatorVerifier {
	return r.Current().Verifier
}

/*
Reconfigure swaps in new epoch state. Epoch number must be strictly greater
than the current one.

Subscribers are notified without blocking, ie subscriber which hasn't
consumed the previous notification only sees the latest state.
*/
func (r *Registry) Reconfigure(epoch uint64, vv *verifier.ValidatorVerifier) error {
	if vv == nil {
		return errNilVerifier
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if cur := r.state.Load(); epoch <= cur.Epoch {
		return fmt.Errorf("%w: current epoch %d, new epoch %d", ErrStaleEpoch, cur.Epoch, epoch)
	}
	s := &State{Epoch: epoch, Verifier: vv}
	r.state.Store(s)

	for _, ch := range r.subs {
		// drop stale notification if the subscriber is lagging behind
		select {
		case <-ch:
		default:
		}
		ch <- s
	}
	return nil
}

/*
Subscribe returns channel which receives new epoch state after every
successful Reconfigure. Call the returned func to unsubscribe, the channel
is closed then.
*/
func (r *Registry) Subscribe() (<-chan *State, func()) {
	ch := make(chan *State, 1)
	r.mu.Lock()
	r.subs = append(r.subs, ch)
	r.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			for i, c := range r.subs {
				if c == ch {
					r.subs = append(r.subs[:i], r.subs[i+1:]...)
					break
				}
			}
			close(ch)
		})
	}
}
