package network

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
)

var (
	ErrTimeout          = errors.New("rpc timeout")
	ErrChannelClosed    = errors.New("network channel closed")
	ErrAlreadyResponded = errors.New("already responded to the request")
)

/*
NetworkChannels is a pair of queues connecting an endpoint to a transport.
Endpoint side is the Sender and Events, transport side is the Outbound and
Inbound channels.
*/
type NetworkChannels struct {
	Sender   *NetworkSender
	Events   *NetworkEvents
	Outbound <-chan NetworkRequest
	Inbound  chan<- NetworkNotification
}

/*
NewNetworkChannels creates queues with given capacity. Inbound queue is
multi-producer (transport may deliver concurrently) single consumer.
*/
func NewNetworkChannels(capacity int) *NetworkChannels {
	out := make(chan NetworkRequest, capacity)
	in := make(chan NetworkNotification, capacity)
	return &NetworkChannels{
		Sender:   NewNetworkSender(out),
		Events:   NewNetworkEvents(in),
		Outbound: out,
		Inbound:  in,
	}
}

/*
NetworkSender is the endpoint's handle to its outbound queue.

Close tears the sender down: blocked and subsequent sends as well as pending
RPC calls fail with ErrChannelClosed. The outbound channel itself is not
closed as the sender doesn't know when the last writer is done.
*/
type NetworkSender struct {
	out     chan<- NetworkRequest
	done    chan struct{}
	closing sync.Once
}

func NewNetworkSender(out chan<- NetworkRequest) *NetworkSender {
	return &NetworkSender{out: out, done: make(chan struct{})}
}

func (s *NetworkSender) Close() {
	s.closing.Do(func() { close(s.done) })
}

// Closed returns channel which is closed when the sender is closed.
func (s *NetworkSender) Closed() <-chan struct{} {
	return s.done
}

func (s *NetworkSender) send(ctx context.Context, req NetworkRequest) error {
	select {
	case <-s.done:
		return ErrChannelClosed
	default:
	}

	select {
	case s.out <- req:
		return nil
	case <-s.done:
		return ErrChannelClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SendTo enqueues direct-send of "msg" to peer "to".
func (s *NetworkSender) SendTo(ctx context.Context, to peer.ID, msg []byte) error {
	return s.send(ctx, SendMessage{To: to, Msg: msg})
}

/*
SendToMany enqueues one direct-send per receiver. Failure to enqueue for one
receiver doesn't prevent sending to others, returns number of successfully
enqueued messages and errors of the failed ones.
*/
func (s *NetworkSender) SendToMany(ctx context.Context, to []peer.ID, msg []byte) (int, error) {
	var errs []error
	sent := 0
	for _, id := range to {
		if err := s.SendTo(ctx, id, msg); err != nil {
			errs = append(errs, fmt.Errorf("sending to %s: %w", id, err))
			continue
		}
		sent++
	}
	return sent, errors.Join(errs...)
}

/*
Broadcast enqueues single Broadcast envelope, it's up to the transport to
expand it into per peer sends.
*/
func (s *NetworkSender) Broadcast(ctx context.Context, msg []byte) error {
	return s.send(ctx, Broadcast{Msg: msg})
}

/*
SendRpc sends request "data" to peer "to" using protocol "protocol" and waits
for the response. Time spent waiting for room in the outbound queue counts
against the timeout too.
*/
func (s *NetworkSender) SendRpc(ctx context.Context, to peer.ID, protocol string, data []byte, timeout time.Duration) ([]byte, error) {
	if timeout <= 0 {
		return nil, fmt.Errorf("invalid rpc timeout %s", timeout)
	}
	req := &OutboundRpcRequest{
		Protocol:   protocol,
		Data:       data,
		ResponseCh: make(chan RpcResponse, 1),
		Timeout:    timeout,
	}

	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := s.send(tctx, SendRpc{To: to, Request: req}); err != nil {
		return nil, rpcCtxErr(ctx, err)
	}

	select {
	case rsp, ok := <-req.ResponseCh:
		if !ok {
			return nil, ErrChannelClosed
		}
		if rsp.Err != nil {
			return nil, fmt.Errorf("rpc failed: %w", rsp.Err)
		}
		return rsp.Data, nil
	case <-s.done:
		return nil, ErrChannelClosed
	case <-tctx.Done():
		return nil, rpcCtxErr(ctx, tctx.Err())
	}
}

// rpcCtxErr translates expiry of the rpc timeout into ErrTimeout while
// cancellation of the parent context is returned as is.
func rpcCtxErr(parent context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) && parent.Err() == nil {
		return ErrTimeout
	}
	return err
}

// NetworkEvents is the endpoint's handle to its inbound queue.
type NetworkEvents struct {
	in <-chan NetworkNotification
}

func NewNetworkEvents(in <-chan NetworkNotification) *NetworkEvents {
	return &NetworkEvents{in: in}
}

func (e *NetworkEvents) C() <-chan NetworkNotification {
	return e.in
}
