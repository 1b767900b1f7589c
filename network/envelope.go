package network

import (
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
)

/*
NetworkRequest is an outbound envelope, queued by the endpoint and consumed
by the transport. Exactly one of SendMessage, Broadcast or SendRpc.
*/
type NetworkRequest interface {
	isNetworkRequest()
}

/*
NetworkNotification is an inbound envelope, produced by the transport and
consumed by the endpoint. Exactly one of RecvMessage or RecvRpc.
*/
type NetworkNotification interface {
	isNetworkNotification()
}

type (
	// SendMessage is direct-send of encoded consensus message "Msg" to peer "To".
	SendMessage struct {
		To  peer.ID
		Msg []byte
	}

	// Broadcast asks transport to send "Msg" to every known peer except self.
	Broadcast struct {
		Msg []byte
	}

	SendRpc struct {
		To      peer.ID
		Request *OutboundRpcRequest
	}

	RecvMessage struct {
		From peer.ID
		Msg  []byte
	}

	RecvRpc struct {
		From    peer.ID
		Request *InboundRpcRequest
	}
)

func (SendMessage) isNetworkRequest() {}
func (Broadcast) isNetworkRequest()   {}
func (SendRpc) isNetworkRequest()     {}

func (RecvMessage) isNetworkNotification() {}
func (RecvRpc) isNetworkNotification()     {}

/*
OutboundRpcRequest is the request as seen by the caller. ResponseCh must have
capacity of (at least) one so that the responder never blocks, even when the
caller has already given up waiting.
*/
type OutboundRpcRequest struct {
	Protocol   string
	Data       []byte
	ResponseCh chan RpcResponse
	Timeout    time.Duration
}

// InboundRpcRequest is the request as seen by the responder.
type InboundRpcRequest struct {
	Protocol   string
	Data       []byte
	ResponseCh chan<- RpcResponse
}

/*
RpcResponse is either response data or error (remote handler failed or
transport couldn't complete the exchange).
*/
type RpcResponse struct {
	Data []byte
	Err  error
}

/*
Inbound converts outbound RPC request into the form delivered to the
destination, the response channel is shared.
*/
func (r *OutboundRpcRequest) Inbound() *InboundRpcRequest {
	return &InboundRpcRequest{Protocol: r.Protocol, Data: r.Data, ResponseCh: r.ResponseCh}
}

/*
Respond sends "resp" without blocking. Returns false when the response
channel is full, ie somebody has already responded.
*/
func (r *InboundRpcRequest) Respond(resp RpcResponse) bool {
	select {
	case r.ResponseCh <- resp:
		return true
	default:
		return false
	}
}
