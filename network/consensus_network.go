package network

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/bftnet/bftnet/consensus/epoch"
	"github.com/bftnet/bftnet/consensus/types"
	"github.com/bftnet/bftnet/logger"
	"github.com/bftnet/bftnet/network/protocol/consensus"
	"github.com/bftnet/bftnet/observability"
)

const defaultReceiverCapacity = 1000

// State of the ConsensusNetwork.
type State int32

const (
	StateCreated State = iota
	StateStarted
	StateRunning
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "Created"
	case StateStarted:
		return "Started"
	case StateRunning:
		return "Running"
	case StateStopped:
		return "Stopped"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

type (
	networkConfig struct {
		// How many messages of each kind will be buffered in case of slow
		// consumer. Once buffer is full the inbound processing blocks until
		// consumer catches up.
		receiverCapacity int
	}

	Option func(c *networkConfig)
)

func WithReceiverCapacity(capacity int) Option {
	return func(c *networkConfig) {
		c.receiverCapacity = capacity
	}
}

/*
NetworkReceivers are the typed streams of inbound messages. Every inbound
message passing verification appears exactly once in the stream of its kind.
Channels are closed when the network is stopped.
*/
type NetworkReceivers struct {
	Votes          <-chan *consensus.VoteMsg
	Proposals      <-chan *consensus.ProposalMsg
	TimeoutMsgs    <-chan *consensus.TimeoutMsg
	SyncInfos      <-chan *IncomingSyncInfo
	BlockRetrieval <-chan *IncomingBlockRetrievalRequest
}

// IncomingSyncInfo is sync info together with the peer which sent it.
type IncomingSyncInfo struct {
	From     peer.ID
	SyncInfo *types.SyncInfo
}

/*
IncomingBlockRetrievalRequest is a block retrieval request received from
peer "From". Respond must be called exactly once, otherwise the requester
times out.
*/
type IncomingBlockRetrievalRequest struct {
	From    peer.ID
	Request *consensus.BlockRetrievalRequest

	rpc       *InboundRpcRequest
	responded atomic.Bool
}

func (r *IncomingBlockRetrievalRequest) Respond(resp *consensus.BlockRetrievalResponse) error {
	if !r.responded.CompareAndSwap(false, true) {
		return ErrAlreadyResponded
	}
	data, err := types.Encode(resp)
	if err != nil {
		// let the requester know there won't be a response
		r.rpc.Respond(RpcResponse{Err: errors.New("responder failed to encode the response")})
		return fmt.Errorf("encoding block retrieval response: %w", err)
	}
	if !r.rpc.Respond(RpcResponse{Data: data}) {
		return ErrAlreadyResponded
	}
	return nil
}

type receivers struct {
	votes          chan *consensus.VoteMsg
	proposals      chan *consensus.ProposalMsg
	timeouts       chan *consensus.TimeoutMsg
	syncInfos      chan *IncomingSyncInfo
	blockRetrieval chan *IncomingBlockRetrievalRequest
}

func (r *receivers) close() {
	close(r.votes)
	close(r.proposals)
	close(r.timeouts)
	close(r.syncInfos)
	close(r.blockRetrieval)
}

/*
ConsensusNetwork is the consensus protocol's view of the network: it encodes
and sends outbound messages through the sender and decodes, verifies and
dispatches inbound notifications to typed receivers.

Zero value is not useable, use NewConsensusNetwork to create one.
*/
type ConsensusNetwork struct {
	author peer.ID
	sender *NetworkSender
	events *NetworkEvents
	epochs *epoch.Registry
	conf   networkConfig

	state   atomic.Int32
	stop    context.CancelFunc
	stopped chan struct{}
	mu      sync.Mutex // serializes state transitions

	log         *slog.Logger
	tracer      trace.Tracer
	msgSent     metric.Int64Counter
	msgDropped  metric.Int64Counter
	msgReceived metric.Int64Counter
	rpcDuration metric.Float64Histogram
}

/*
NewConsensusNetwork creates network endpoint for validator "author".

Logger of the "obs" is assumed to already have node_id attribute added,
won't be added by the network!
*/
func NewConsensusNetwork(author peer.ID, sender *NetworkSender, events *NetworkEvents, epochs *epoch.Registry, obs Observability, opts ...Option) (*ConsensusNetwork, error) {
	switch {
	case author == "":
		return nil, errors.New("author is not assigned")
	case sender == nil:
		return nil, errors.New("network sender is nil")
	case events == nil:
		return nil, errors.New("network events is nil")
	case epochs == nil:
		return nil, errors.New("epoch registry is nil")
	case obs == nil:
		return nil, errors.New("observability is nil")
	}

	conf := networkConfig{receiverCapacity: defaultReceiverCapacity}
	for _, opt := range opts {
		if opt != nil {
			opt(&conf)
		}
	}
	if conf.receiverCapacity < 0 {
		return nil, fmt.Errorf("receiver capacity must not be negative, got %d", conf.receiverCapacity)
	}

	n := &ConsensusNetwork{
		author:  author,
		sender:  sender,
		events:  events,
		epochs:  epochs,
		conf:    conf,
		stopped: make(chan struct{}),
		log:     obs.Logger(),
		tracer:  obs.Tracer("network.consensus"),
	}
	meter := obs.Meter("network.consensus", metric.WithInstrumentationAttributes(observability.PeerID(observability.NodeIDKey, author)))
	if err := n.initMetrics(meter); err != nil {
		return nil, fmt.Errorf("initializing metrics: %w", err)
	}
	return n, nil
}

func (n *ConsensusNetwork) initMetrics(m metric.Meter) (err error) {
	n.msgSent, err = m.Int64Counter("msg.sent", metric.WithDescription("Number of consensus messages queued for sending"))
	if err != nil {
		return fmt.Errorf("creating sent messages counter: %w", err)
	}
	n.msgDropped, err = m.Int64Counter("msg.dropped", metric.WithDescription("Number of consensus messages which failed to send or were rejected on receive"))
	if err != nil {
		return fmt.Errorf("creating dropped messages counter: %w", err)
	}
	n.msgReceived, err = m.Int64Counter("msg.received", metric.WithDescription("Number of consensus messages received and dispatched"))
	if err != nil {
		return fmt.Errorf("creating received messages counter: %w", err)
	}
	n.rpcDuration, err = m.Float64Histogram("rpc.duration",
		metric.WithDescription("How long it took to complete block retrieval request"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5))
	if err != nil {
		return fmt.Errorf("creating rpc duration histogram: %w", err)
	}
	return nil
}

func (n *ConsensusNetwork) State() State {
	return State(n.state.Load())
}

func (n *ConsensusNetwork) Author() peer.ID {
	return n.author
}

func (n *ConsensusNetwork) mustBeRunning(op string) {
	if s := n.State(); s != StateRunning {
		panic(fmt.Sprintf("consensus network: %s called in state %s", op, s))
	}
}

/*
Start launches the inbound processing and returns the receivers. Start may
be called only once, calling it again panics.
*/
func (n *ConsensusNetwork) Start(ctx context.Context) *NetworkReceivers {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.state.CompareAndSwap(int32(StateCreated), int32(StateStarted)) {
		panic(fmt.Sprintf("consensus network: Start called in state %s", n.State()))
	}

	capacity := n.conf.receiverCapacity
	rcv := &receivers{
		votes:          make(chan *consensus.VoteMsg, capacity),
		proposals:      make(chan *consensus.ProposalMsg, capacity),
		timeouts:       make(chan *consensus.TimeoutMsg, capacity),
		syncInfos:      make(chan *IncomingSyncInfo, capacity),
		blockRetrieval: make(chan *IncomingBlockRetrievalRequest, capacity),
	}

	ctx, n.stop = context.WithCancel(ctx)
	go func() {
		defer close(n.stopped)
		defer rcv.close()
		n.processInbound(ctx, rcv)
	}()

	n.state.Store(int32(StateRunning))
	return &NetworkReceivers{
		Votes:          rcv.votes,
		Proposals:      rcv.proposals,
		TimeoutMsgs:    rcv.timeouts,
		SyncInfos:      rcv.syncInfos,
		BlockRetrieval: rcv.blockRetrieval,
	}
}

/*
Stop ends the inbound processing and waits until receivers are closed.
Outbound operations are not allowed after Stop.
*/
func (n *ConsensusNetwork) Stop() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.state.CompareAndSwap(int32(StateRunning), int32(StateStopped)) {
		panic(fmt.Sprintf("consensus network: Stop called in state %s", n.State()))
	}
	n.stop()
	<-n.stopped
}

/*
SendVote sends "vote" to each of the "recipients". Failure to send to some
recipient is not an error, it is logged and reported by metrics.
*/
func (n *ConsensusNetwork) SendVote(ctx context.Context, vote *consensus.VoteMsg, recipients []peer.ID) {
	n.mustBeRunning("SendVote")
	n.sendToAll(ctx, vote, recipients)
}

// BroadcastProposal sends "proposal" to every validator of the current epoch except self.
func (n *ConsensusNetwork) BroadcastProposal(ctx context.Context, proposal *consensus.ProposalMsg) {
	n.mustBeRunning("BroadcastProposal")
	n.sendToAll(ctx, proposal, n.otherValidators())
}

// BroadcastTimeoutMsg sends "timeout" to every validator of the current epoch except self.
func (n *ConsensusNetwork) BroadcastTimeoutMsg(ctx context.Context, timeout *consensus.TimeoutMsg) {
	n.mustBeRunning("BroadcastTimeoutMsg")
	n.sendToAll(ctx, timeout, n.otherValidators())
}

func (n *ConsensusNetwork) SendSyncInfo(ctx context.Context, syncInfo *types.SyncInfo, to peer.ID) {
	n.mustBeRunning("SendSyncInfo")
	n.sendToAll(ctx, &consensus.SyncInfoMsg{SyncInfo: syncInfo}, []peer.ID{to})
}

func (n *ConsensusNetwork) otherValidators() []peer.ID {
	return slices.DeleteFunc(n.epochs.Verifier().Authors(), func(id peer.ID) bool { return id == n.author })
}

func (n *ConsensusNetwork) sendToAll(ctx context.Context, msg any, recipients []peer.ID) {
	cm, err := consensus.NewConsensusMsg(msg)
	if err != nil {
		panic(fmt.Errorf("consensus network: %w", err))
	}
	kindAttr := metric.WithAttributeSet(attribute.NewSet(observability.MsgKind(cm.Kind().String())))
	data, err := cm.Encode()
	if err != nil {
		n.log.WarnContext(ctx, fmt.Sprintf("encoding %s message", cm.Kind()), logger.Error(err))
		n.msgDropped.Add(ctx, int64(len(recipients)), kindAttr)
		return
	}

	sent, err := n.sender.SendToMany(ctx, recipients, data)
	n.msgSent.Add(ctx, int64(sent), kindAttr)
	if err != nil {
		n.msgDropped.Add(ctx, int64(len(recipients)-sent), kindAttr)
		n.log.WarnContext(ctx, fmt.Sprintf("sending %s message to %d of %d recipients failed", cm.Kind(), len(recipients)-sent, len(recipients)), logger.Error(err))
	}
}

/*
RequestBlock asks peer "from" for "numBlocks" blocks starting with block
"blockID". Returns ErrTimeout when response doesn't arrive within "timeout"
and ErrChannelClosed when the network has been torn down. Response status
other than "succeeded" is not an error, caller must check it.
*/
func (n *ConsensusNetwork) RequestBlock(ctx context.Context, blockID types.HashValue, numBlocks uint64, from peer.ID, timeout time.Duration) (_ *consensus.BlockRetrievalResponse, rErr error) {
	n.mustBeRunning("RequestBlock")

	ctx, span := n.tracer.Start(ctx, "ConsensusNetwork.RequestBlock", trace.WithAttributes(
		observability.PeerID(observability.PeerIDKey, from),
		attribute.Int64("blocks", int64(numBlocks)), /* #nosec G115 */
	))
	start := time.Now()
	defer func() {
		if rErr != nil {
			span.RecordError(rErr)
			span.SetStatus(codes.Error, rErr.Error())
		}
		span.End()
		n.rpcDuration.Record(ctx, time.Since(start).Seconds(), metric.WithAttributeSet(attribute.NewSet(observability.ErrStatus(rErr))))
	}()

	req := &consensus.BlockRetrievalRequest{BlockID: blockID, NumBlocks: numBlocks}
	if err := req.IsValid(); err != nil {
		return nil, fmt.Errorf("invalid request: %w", err)
	}
	data, err := types.Encode(req)
	if err != nil {
		return nil, fmt.Errorf("encoding block retrieval request: %w", err)
	}

	rspData, err := n.sender.SendRpc(ctx, from, ProtocolBlockRetrieval, data, timeout)
	if err != nil {
		return nil, err
	}

	rsp := &consensus.BlockRetrievalResponse{}
	if err := types.Decode(rspData, rsp); err != nil {
		return nil, fmt.Errorf("decoding block retrieval response: %w", err)
	}
	if err := rsp.Verify(req, n.epochs.Verifier()); err != nil {
		return nil, fmt.Errorf("invalid block retrieval response: %w", err)
	}
	return rsp, nil
}

func (n *ConsensusNetwork) processInbound(ctx context.Context, rcv *receivers) {
	for {
		select {
		case <-ctx.Done():
			return
		case ntf, ok := <-n.events.C():
			if !ok {
				n.log.DebugContext(ctx, "inbound channel closed, stopping inbound processing")
				return
			}
			var err error
			switch ntf := ntf.(type) {
			case RecvMessage:
				err = n.handleMessage(ctx, ntf, rcv)
			case RecvRpc:
				err = n.handleRpc(ctx, ntf, rcv)
			default:
				err = fmt.Errorf("unsupported notification %T", ntf)
			}
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				n.log.WarnContext(ctx, "dropping inbound message", logger.Error(err))
			}
		}
	}
}

func (n *ConsensusNetwork) handleMessage(ctx context.Context, ntf RecvMessage, rcv *receivers) error {
	cm, err := consensus.DecodeConsensusMsg(ntf.Msg)
	if err != nil {
		n.msgDropped.Add(ctx, 1, metric.WithAttributeSet(attribute.NewSet(observability.MsgKind(consensus.KindUnknown.String()))))
		return fmt.Errorf("message from %s: %w", ntf.From, err)
	}
	kindAttr := metric.WithAttributeSet(attribute.NewSet(observability.MsgKind(cm.Kind().String())))
	if author := cm.Author(); author != "" && author != ntf.From {
		n.msgDropped.Add(ctx, 1, kindAttr)
		return fmt.Errorf("%s message authored by %s was sent by %s", cm.Kind(), author, ntf.From)
	}
	if err := cm.Verify(n.epochs.Verifier()); err != nil {
		n.msgDropped.Add(ctx, 1, kindAttr)
		return fmt.Errorf("%s message from %s: %w", cm.Kind(), ntf.From, err)
	}

	switch cm.Kind() {
	case consensus.KindProposal:
		err = dispatch(ctx, rcv.proposals, cm.Proposal)
	case consensus.KindVote:
		err = dispatch(ctx, rcv.votes, cm.Vote)
	case consensus.KindTimeout:
		err = dispatch(ctx, rcv.timeouts, cm.Timeout)
	case consensus.KindSyncInfo:
		err = dispatch(ctx, rcv.syncInfos, &IncomingSyncInfo{From: ntf.From, SyncInfo: cm.SyncInfo.SyncInfo})
	}
	if err != nil {
		return err
	}
	n.msgReceived.Add(ctx, 1, kindAttr)
	return nil
}

func (n *ConsensusNetwork) handleRpc(ctx context.Context, ntf RecvRpc, rcv *receivers) error {
	if ntf.Request.Protocol != ProtocolBlockRetrieval {
		ntf.Request.Respond(RpcResponse{Err: fmt.Errorf("unsupported protocol %q", ntf.Request.Protocol)})
		return fmt.Errorf("rpc from %s: unsupported protocol %q", ntf.From, ntf.Request.Protocol)
	}

	req := &consensus.BlockRetrievalRequest{}
	if err := types.Decode(ntf.Request.Data, req); err != nil {
		ntf.Request.Respond(RpcResponse{Err: errors.New("invalid block retrieval request")})
		return fmt.Errorf("decoding block retrieval request from %s: %w", ntf.From, err)
	}
	if err := req.IsValid(); err != nil {
		ntf.Request.Respond(RpcResponse{Err: fmt.Errorf("invalid block retrieval request: %w", err)})
		return fmt.Errorf("block retrieval request from %s: %w", ntf.From, err)
	}

	if err := dispatch(ctx, rcv.blockRetrieval, &IncomingBlockRetrievalRequest{From: ntf.From, Request: req, rpc: ntf.Request}); err != nil {
		return err
	}
	n.msgReceived.Add(ctx, 1, metric.WithAttributeSet(attribute.NewSet(observability.MsgKind("block_retrieval"))))
	return nil
}

func dispatch[T any](ctx context.Context, ch chan<- T, msg T) error {
	select {
	case ch <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
