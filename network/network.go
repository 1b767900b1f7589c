package network

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	libp2pNetwork "github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/bftnet/bftnet/logger"
	"github.com/bftnet/bftnet/observability"
)

const (
	ProtocolConsensus      = "/bftnet/consensus/0.0.1"
	ProtocolBlockRetrieval = "/bftnet/block-retrieval/0.0.1"

	// max size of a single frame we are willing to read
	maxFrameSize = 64 << 20
)

var DefaultTransportOptions = TransportOptions{
	SendTimeout:          300 * time.Millisecond,
	RpcResponseTimeout:   5 * time.Second,
	PeerQueueCapacity:    100,
	InboundFrameDeadline: time.Second,
}

type (
	Observability interface {
		Tracer(name string, options ...trace.TracerOption) trace.Tracer
		Meter(name string, opts ...metric.MeterOption) metric.Meter
		Logger() *slog.Logger
	}

	TransportOptions struct {
		// timeout of direct-send, per receiver
		SendTimeout time.Duration
		// how long responder side of the RPC waits for the local handler
		RpcResponseTimeout time.Duration
		// how many direct-sends may be queued for a single destination,
		// once the queue is full messages to that destination are dropped
		PeerQueueCapacity int
		// how long to wait for the frame of inbound stream
		InboundFrameDeadline time.Duration
	}

	rpcResponseFrame struct {
		_    struct{} `cbor:",toarray"`
		Data []byte
		Err  string
	}
)

/*
LibP2PTransport moves envelopes between the endpoint queues and libp2p
streams. Direct-sends use ProtocolConsensus (single frame per stream), RPCs
use ProtocolBlockRetrieval (request frame and response frame on the same
stream). Frames are CBOR byte strings.

Messages to the same destination are sent in order, RPCs are sent
independently of direct-sends.
*/
type LibP2PTransport struct {
	self     *Peer
	outbound <-chan NetworkRequest
	inbound  chan<- NetworkNotification
	opts     TransportOptions

	queues sync.Map // peer.ID -> chan []byte

	log        *slog.Logger
	tracer     trace.Tracer
	streamsCnt metric.Int64Counter
	sendDur    metric.Float64Histogram
}

/*
NewLibP2PTransport creates transport for peer "self" and registers stream
handlers for the consensus protocols. Call Run to start sending.

Logger (obs.Logger) is assumed to already have node_id attribute added.
*/
func NewLibP2PTransport(self *Peer, outbound <-chan NetworkRequest, inbound chan<- NetworkNotification, opts TransportOptions, obs Observability) (*LibP2PTransport, error) {
	switch {
	case self == nil:
		return nil, errors.New("peer is nil")
	case outbound == nil:
		return nil, errors.New("outbound channel is nil")
	case inbound == nil:
		return nil, errors.New("inbound channel is nil")
	}
	if opts.SendTimeout <= 0 || opts.RpcResponseTimeout <= 0 || opts.InboundFrameDeadline <= 0 {
		return nil, fmt.Errorf("timeouts must be positive, got send=%s, rpc response=%s, inbound frame=%s", opts.SendTimeout, opts.RpcResponseTimeout, opts.InboundFrameDeadline)
	}

	t := &LibP2PTransport{
		self:     self,
		outbound: outbound,
		inbound:  inbound,
		opts:     opts,
		log:      obs.Logger(),
		tracer:   obs.Tracer("network.transport"),
	}
	m := obs.Meter("network.transport")
	var err error
	t.streamsCnt, err = m.Int64Counter("stream.count", metric.WithDescription("Number of p2p streams opened by the transport"))
	if err != nil {
		return nil, fmt.Errorf("creating stream counter: %w", err)
	}
	t.sendDur, err = m.Float64Histogram("send.duration", metric.WithDescription("How long it took to send consensus message to the peer"), metric.WithUnit("s"))
	if err != nil {
		return nil, fmt.Errorf("creating send duration histogram: %w", err)
	}

	self.RegisterProtocolHandler(ProtocolConsensus, t.handleConsensusStream)
	self.RegisterProtocolHandler(ProtocolBlockRetrieval, t.handleRpcStream)
	return t, nil
}

/*
Run consumes outbound queue until ctx is cancelled or the queue is closed.
*/
func (t *LibP2PTransport) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case req, ok := <-t.outbound:
				if !ok {
					return ErrChannelClosed
				}
				switch req := req.(type) {
				case SendMessage:
					t.enqueue(ctx, g, req.To, req.Msg)
				case Broadcast:
					for _, id := range t.self.KnownPeers() {
						t.enqueue(ctx, g, id, req.Msg)
					}
				case SendRpc:
					g.Go(func() error {
						t.rpc(ctx, req.To, req.Request)
						return nil
					})
				default:
					t.log.WarnContext(ctx, fmt.Sprintf("unsupported network request %T", req))
				}
			}
		}
	})
	return g.Wait()
}

// Close removes stream handlers of the transport.
func (t *LibP2PTransport) Close() {
	t.self.RemoveProtocolHandler(ProtocolConsensus)
	t.self.RemoveProtocolHandler(ProtocolBlockRetrieval)
}

/*
enqueue adds message to the queue of the destination, the first message to
the destination launches worker which sends messages of the queue in order.
*/
func (t *LibP2PTransport) enqueue(ctx context.Context, g *errgroup.Group, to peer.ID, msg []byte) {
	// loop-back for self-messages as libp2p would otherwise error:
	// open stream error: failed to dial: dial to self attempted
	if to == t.self.ID() {
		t.deliver(ctx, RecvMessage{From: to, Msg: msg})
		return
	}

	q, loaded := t.queues.LoadOrStore(to, make(chan []byte, t.opts.PeerQueueCapacity))
	queue := q.(chan []byte)
	if !loaded {
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return nil
				case data := <-queue:
					sendCtx, cancel := context.WithTimeout(ctx, t.opts.SendTimeout)
					if err := t.sendMsg(sendCtx, to, data); err != nil {
						t.log.DebugContext(ctx, "direct-send failed", logger.Peer(to), logger.Error(err))
					}
					cancel()
				}
			}
		})
	}

	select {
	case queue <- msg:
	default:
		t.log.WarnContext(ctx, "dropping message because of full send queue", logger.Peer(to))
	}
}

func (t *LibP2PTransport) sendMsg(ctx context.Context, to peer.ID, data []byte) (rErr error) {
	ctx, span := t.tracer.Start(ctx, "LibP2PTransport.sendMsg", trace.WithAttributes(observability.PeerID(observability.PeerIDKey, to)))
	start := time.Now()
	defer func() {
		if rErr != nil {
			span.RecordError(rErr)
			span.SetStatus(codes.Error, rErr.Error())
		}
		span.End()
		attrs := metric.WithAttributeSet(attribute.NewSet(observability.ProtocolKey.String(ProtocolConsensus), observability.ErrStatus(rErr)))
		t.streamsCnt.Add(ctx, 1, attrs)
		t.sendDur.Record(ctx, time.Since(start).Seconds(), attrs)
	}()

	s, err := t.self.CreateStream(ctx, to, ProtocolConsensus)
	if err != nil {
		return fmt.Errorf("open p2p stream: %w", err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		if err := s.SetWriteDeadline(deadline); err != nil {
			return errors.Join(fmt.Errorf("setting write deadline: %w", err), s.Reset())
		}
	}
	if err = writeFrame(s, data); err != nil {
		// on error reset to make sure that the next stream is not affected by the same error
		// reset forces close of both ends of the stream
		return errors.Join(err, s.Reset())
	}
	if err = s.Close(); err != nil {
		return fmt.Errorf("closing p2p stream: %w", err)
	}
	return nil
}

/*
rpc performs the request-response exchange with peer "to" and sends the
outcome to the response channel of the request.
*/
func (t *LibP2PTransport) rpc(ctx context.Context, to peer.ID, req *OutboundRpcRequest) {
	if to == t.self.ID() {
		t.deliver(ctx, RecvRpc{From: to, Request: req.Inbound()})
		return
	}

	ctx, cancel := context.WithTimeout(ctx, req.Timeout)
	defer cancel()
	data, err := t.exchange(ctx, to, req)
	select {
	case req.ResponseCh <- RpcResponse{Data: data, Err: err}:
	default:
	}
}

func (t *LibP2PTransport) exchange(ctx context.Context, to peer.ID, req *OutboundRpcRequest) (_ []byte, rErr error) {
	ctx, span := t.tracer.Start(ctx, "LibP2PTransport.rpc", trace.WithAttributes(
		observability.PeerID(observability.PeerIDKey, to),
		observability.ProtocolKey.String(req.Protocol)))
	defer func() {
		if rErr != nil {
			span.RecordError(rErr)
			span.SetStatus(codes.Error, rErr.Error())
		}
		span.End()
		t.streamsCnt.Add(ctx, 1, metric.WithAttributeSet(attribute.NewSet(observability.ProtocolKey.String(req.Protocol), observability.ErrStatus(rErr))))
	}()

	s, err := t.self.CreateStream(ctx, to, req.Protocol)
	if err != nil {
		return nil, fmt.Errorf("open p2p stream: %w", err)
	}
	deadline, _ := ctx.Deadline()
	if err := s.SetDeadline(deadline); err != nil {
		return nil, errors.Join(fmt.Errorf("setting stream deadline: %w", err), s.Reset())
	}
	if err := writeFrame(s, req.Data); err != nil {
		return nil, errors.Join(err, s.Reset())
	}
	if err := s.CloseWrite(); err != nil {
		return nil, errors.Join(fmt.Errorf("closing p2p stream for writing: %w", err), s.Reset())
	}

	var rsp rpcResponseFrame
	if err := cbor.NewDecoder(io.LimitReader(s, maxFrameSize)).Decode(&rsp); err != nil {
		if ctx.Err() != nil {
			err = ErrTimeout
		}
		return nil, errors.Join(fmt.Errorf("reading response: %w", err), s.Reset())
	}
	if err := s.Close(); err != nil {
		t.log.DebugContext(ctx, "closing rpc stream", logger.Error(err))
	}
	if rsp.Err != "" {
		return nil, errors.New(rsp.Err)
	}
	return rsp.Data, nil
}

func (t *LibP2PTransport) handleConsensusStream(s libp2pNetwork.Stream) {
	ctx := context.Background()
	data, err := t.readFrame(s)
	if err != nil {
		t.log.WarnContext(ctx, fmt.Sprintf("reading %q message", s.Protocol()), logger.Peer(s.Conn().RemotePeer()), logger.Error(err))
		if err := s.Reset(); err != nil {
			t.log.DebugContext(ctx, "resetting p2p stream", logger.Error(err))
		}
		return
	}
	if err := s.Close(); err != nil {
		t.log.DebugContext(ctx, fmt.Sprintf("closing p2p stream %q", s.Protocol()), logger.Error(err))
	}
	t.deliver(ctx, RecvMessage{From: s.Conn().RemotePeer(), Msg: data})
}

func (t *LibP2PTransport) handleRpcStream(s libp2pNetwork.Stream) {
	ctx, span := t.tracer.Start(context.Background(), "LibP2PTransport.handleRpc")
	defer span.End()

	from := s.Conn().RemotePeer()
	data, err := t.readFrame(s)
	if err != nil {
		t.log.WarnContext(ctx, fmt.Sprintf("reading %q request", s.Protocol()), logger.Peer(from), logger.Error(err))
		_ = s.Reset()
		return
	}

	rspCh := make(chan RpcResponse, 1)
	t.deliver(ctx, RecvRpc{From: from, Request: &InboundRpcRequest{Protocol: string(s.Protocol()), Data: data, ResponseCh: rspCh}})

	var frame rpcResponseFrame
	select {
	case rsp := <-rspCh:
		frame.Data = rsp.Data
		if rsp.Err != nil {
			frame.Err = rsp.Err.Error()
		}
	case <-time.After(t.opts.RpcResponseTimeout):
		t.log.WarnContext(ctx, "rpc handler didn't respond in time", logger.Peer(from))
		_ = s.Reset()
		return
	}

	if err := s.SetWriteDeadline(time.Now().Add(t.opts.SendTimeout)); err != nil {
		t.log.WarnContext(ctx, "setting write deadline", logger.Error(err))
	}
	if err := cbor.NewEncoder(s).Encode(&frame); err != nil {
		t.log.WarnContext(ctx, "writing rpc response", logger.Peer(from), logger.Error(err))
		_ = s.Reset()
		return
	}
	if err := s.Close(); err != nil {
		t.log.DebugContext(ctx, "closing rpc stream", logger.Error(err))
	}
}

func (t *LibP2PTransport) readFrame(s libp2pNetwork.Stream) ([]byte, error) {
	// node should not wait here forever
	if err := s.SetReadDeadline(time.Now().Add(t.opts.InboundFrameDeadline)); err != nil {
		return nil, fmt.Errorf("setting read deadline: %w", err)
	}
	return readFrame(s)
}

func (t *LibP2PTransport) deliver(ctx context.Context, ntf NetworkNotification) {
	select {
	case t.inbound <- ntf:
	default:
		t.log.WarnContext(ctx, fmt.Sprintf("dropping %T because of slow consumer", ntf))
	}
}

// writeFrame writes "data" as a single CBOR byte string.
func writeFrame(w io.Writer, data []byte) error {
	if err := cbor.NewEncoder(w).Encode(data); err != nil {
		return fmt.Errorf("writing frame: %w", err)
	}
	return nil
}

func readFrame(r io.Reader) ([]byte, error) {
	var data []byte
	if err := cbor.NewDecoder(io.LimitReader(r, maxFrameSize)).Decode(&data); err != nil {
		return nil, fmt.Errorf("reading frame: %w", err)
	}
	return data, nil
}
