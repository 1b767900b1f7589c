/*
Package playground implements in-memory network for consensus tests: it
routes the envelopes of the endpoint queues between validators so that test
controls when direct-sends are delivered and which of them are dropped.

Direct-sends are buffered in a single queue shared by all the validators and
delivered only when test drains the queue with WaitForMessages or DeliverAll.
RPCs are delivered immediately as the requester is waiting for the response
with a timeout.
*/
package playground

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/libp2p/go-libp2p/core/peer"
	"golang.org/x/sync/errgroup"

	"github.com/bftnet/bftnet/logger"
	"github.com/bftnet/bftnet/network"
	"github.com/bftnet/bftnet/network/protocol/consensus"
)

const queueCapacity = 1024

var ErrClosed = errors.New("network playground is closed")

// MessageCopy is a direct-send delivered by the playground.
type MessageCopy struct {
	From peer.ID
	To   peer.ID
	Msg  *consensus.ConsensusMsg
}

type queuedMsg struct {
	from peer.ID
	req  network.SendMessage
}

type Playground struct {
	// routes: author -> inbound queue of the validator
	routes   map[peer.ID]chan<- network.NetworkNotification
	routesMu sync.RWMutex

	// drop: source -> set of destinations
	drop   map[peer.ID]map[peer.ID]struct{}
	dropMu sync.RWMutex

	queue   chan queuedMsg
	drainMu sync.Mutex // one drain at a time

	ctx    context.Context
	cancel context.CancelFunc
	tasks  *errgroup.Group
	log    *slog.Logger
}

func New(log *slog.Logger) *Playground {
	ctx, cancel := context.WithCancel(context.Background())
	g, ctx := errgroup.WithContext(ctx)
	return &Playground{
		routes: make(map[peer.ID]chan<- network.NetworkNotification),
		drop:   make(map[peer.ID]map[peer.ID]struct{}),
		queue:  make(chan queuedMsg, queueCapacity),
		ctx:    ctx,
		cancel: cancel,
		tasks:  g,
		log:    log,
	}
}

// Close stops the outbound handlers and waits until they have exited.
func (p *Playground) Close() {
	p.cancel()
	_ = p.tasks.Wait()
}

/*
AddNode registers validator "author": notifications addressed to it are
sent to "inbound" and envelopes read from "outbound" are routed as
originating from it.
*/
func (p *Playground) AddNode(author peer.ID, inbound chan<- network.NetworkNotification, outbound <-chan network.NetworkRequest) {
	p.routesMu.Lock()
	if _, ok := p.routes[author]; ok {
		p.routesMu.Unlock()
		panic(fmt.Sprintf("[network playground] node %s already added", author))
	}
	p.routes[author] = inbound
	p.routesMu.Unlock()

	p.dropMu.Lock()
	p.drop[author] = make(map[peer.ID]struct{})
	p.dropMu.Unlock()

	p.tasks.Go(func() error {
		for {
			select {
			case <-p.ctx.Done():
				return nil
			case req := <-outbound:
				p.handleRequest(author, req)
			}
		}
	})
}

func (p *Playground) handleRequest(from peer.ID, req network.NetworkRequest) {
	switch req := req.(type) {
	case network.SendRpc:
		if p.IsMessageDropped(from, req.To) {
			p.log.Debug(fmt.Sprintf("dropping rpc %s -> %s", logger.ShortPeerID(from), logger.ShortPeerID(req.To)))
			return
		}
		if err := p.deliver(p.ctx, req.To, network.RecvRpc{From: from, Request: req.Request.Inbound()}); err != nil {
			p.log.Debug(fmt.Sprintf("rpc %s -> %s not delivered: %v", logger.ShortPeerID(from), logger.ShortPeerID(req.To), err))
		}
	case network.SendMessage:
		select {
		case p.queue <- queuedMsg{from: from, req: req}:
		case <-p.ctx.Done():
		}
	default:
		panic(fmt.Sprintf("[network playground] unsupported network request %T from %s", req, from))
	}
}

/*
deliver blocks until "ntf" is accepted by the inbound queue of "to", "ctx" is
done or the playground is closed.
*/
func (p *Playground) deliver(ctx context.Context, to peer.ID, ntf network.NetworkNotification) error {
	p.routesMu.RLock()
	inbound, ok := p.routes[to]
	p.routesMu.RUnlock()
	if !ok {
		panic(fmt.Sprintf("[network playground] unknown destination %s", to))
	}
	select {
	case inbound <- ntf:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.ctx.Done():
		return ErrClosed
	}
}

/*
WaitForMessages delivers queued direct-sends until "n" of the delivered
messages are accepted by "inspector", waiting for new messages to be queued
when necessary. Messages configured to be dropped are discarded and do not
count. Returns copies of the accepted messages in the order of delivery.
*/
func (p *Playground) WaitForMessages(ctx context.Context, n int, inspector func(*MessageCopy) bool) ([]*MessageCopy, error) {
	p.drainMu.Lock()
	defer p.drainMu.Unlock()

	accepted := make([]*MessageCopy, 0, n)
	for len(accepted) < n {
		select {
		case <-ctx.Done():
			return accepted, fmt.Errorf("got %d of %d messages: %w", len(accepted), n, ctx.Err())
		case <-p.ctx.Done():
			return accepted, ErrClosed
		case qm := <-p.queue:
			mc, err := p.deliverQueued(ctx, qm)
			if err != nil {
				return accepted, fmt.Errorf("got %d of %d messages: %w", len(accepted), n, err)
			}
			if mc != nil && inspector(mc) {
				accepted = append(accepted, mc)
			}
		}
	}
	return accepted, nil
}

/*
DeliverAll delivers direct-sends which are currently in the queue, without
waiting for new ones. Returns number of delivered (ie not dropped) messages.
*/
func (p *Playground) DeliverAll(ctx context.Context) (int, error) {
	p.drainMu.Lock()
	defer p.drainMu.Unlock()

	cnt := 0
	for {
		select {
		case <-ctx.Done():
			return cnt, ctx.Err()
		case qm := <-p.queue:
			mc, err := p.deliverQueued(ctx, qm)
			if err != nil {
				return cnt, err
			}
			if mc != nil {
				cnt++
			}
		default:
			return cnt, nil
		}
	}
}

// deliverQueued returns nil copy when the message was dropped.
func (p *Playground) deliverQueued(ctx context.Context, qm queuedMsg) (*MessageCopy, error) {
	if p.IsMessageDropped(qm.from, qm.req.To) {
		p.log.Debug(fmt.Sprintf("dropping message %s -> %s", logger.ShortPeerID(qm.from), logger.ShortPeerID(qm.req.To)))
		return nil, nil
	}
	msg, err := consensus.DecodeConsensusMsg(qm.req.Msg)
	if err != nil {
		panic(fmt.Sprintf("[network playground] malformed message from %s: %v", qm.from, err))
	}
	if err := p.deliver(ctx, qm.req.To, network.RecvMessage{From: qm.from, Msg: qm.req.Msg}); err != nil {
		return nil, fmt.Errorf("delivering %s message %s -> %s: %w", msg.Kind(), logger.ShortPeerID(qm.from), logger.ShortPeerID(qm.req.To), err)
	}
	return &MessageCopy{From: qm.from, To: qm.req.To, Msg: msg}, nil
}

/*
DropMessageFor starts dropping messages (direct-sends and RPCs) sent by
"src" to "dst". Returns false when the pair was already dropped.
*/
func (p *Playground) DropMessageFor(src, dst peer.ID) bool {
	p.dropMu.Lock()
	defer p.dropMu.Unlock()
	set, ok := p.drop[src]
	if !ok {
		set = make(map[peer.ID]struct{})
		p.drop[src] = set
	}
	if _, ok := set[dst]; ok {
		return false
	}
	set[dst] = struct{}{}
	return true
}

// StopDropMessageFor returns false when messages from "src" to "dst" were not dropped.
func (p *Playground) StopDropMessageFor(src, dst peer.ID) bool {
	p.dropMu.Lock()
	defer p.dropMu.Unlock()
	if _, ok := p.drop[src][dst]; !ok {
		return false
	}
	delete(p.drop[src], dst)
	return true
}

func (p *Playground) IsMessageDropped(src, dst peer.ID) bool {
	p.dropMu.RLock()
	defer p.dropMu.RUnlock()
	_, ok := p.drop[src][dst]
	return ok
}

func TakeAll(*MessageCopy) bool { return true }

func ExcludeTimeoutMsg(mc *MessageCopy) bool {
	return mc.Msg.Kind() != consensus.KindTimeout
}

func ProposalsOnly(mc *MessageCopy) bool {
	return mc.Msg.Kind() == consensus.KindProposal
}

func VotesOnly(mc *MessageCopy) bool {
	return mc.Msg.Kind() == consensus.KindVote
}

func TimeoutMsgOnly(mc *MessageCopy) bool {
	return mc.Msg.Kind() == consensus.KindTimeout
}

func SyncInfoOnly(mc *MessageCopy) bool {
	return mc.Msg.Kind() == consensus.KindSyncInfo
}
