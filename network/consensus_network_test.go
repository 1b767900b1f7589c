package network

import (
	"context"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/bftnet/bftnet/consensus/chaingen"
	"github.com/bftnet/bftnet/consensus/epoch"
	"github.com/bftnet/bftnet/consensus/types"
	test "github.com/bftnet/bftnet/internal/testutils"
	"github.com/bftnet/bftnet/internal/testutils/observability"
	"github.com/bftnet/bftnet/network/protocol/consensus"
)

func newUniverse(t *testing.T, n int) (*chaingen.Universe, *chaingen.Chain) {
	t.Helper()
	u, err := chaingen.NewUniverse(n, 7)
	require.NoError(t, err)
	c, err := u.GenerateChain(5)
	require.NoError(t, err)
	return u, c
}

func newTestNetwork(t *testing.T, u *chaingen.Universe, idx int, opts ...Option) (*ConsensusNetwork, *NetworkChannels) {
	t.Helper()
	ch := NewNetworkChannels(100)
	reg, err := epoch.NewRegistry(u.Epoch, u.Verifier)
	require.NoError(t, err)
	nw, err := NewConsensusNetwork(u.Author(idx), ch.Sender, ch.Events, reg, observability.Default(t), opts...)
	require.NoError(t, err)
	return nw, ch
}

func startTestNetwork(t *testing.T, nw *ConsensusNetwork) *NetworkReceivers {
	t.Helper()
	rcv := nw.Start(context.Background())
	t.Cleanup(func() {
		if nw.State() == StateRunning {
			nw.Stop()
		}
	})
	return rcv
}

func requireSameEncoding(t *testing.T, expected, actual any) {
	t.Helper()
	a, err := types.Encode(expected)
	require.NoError(t, err)
	b, err := types.Encode(actual)
	require.NoError(t, err)
	require.Equal(t, a, b)
}

func encodeMsg(t *testing.T, msg any) []byte {
	t.Helper()
	cm, err := consensus.NewConsensusMsg(msg)
	require.NoError(t, err)
	data, err := cm.Encode()
	require.NoError(t, err)
	return data
}

func TestNewConsensusNetwork(t *testing.T) {
	u, _ := newUniverse(t, 4)
	ch := NewNetworkChannels(1)
	reg, err := epoch.NewRegistry(0, u.Verifier)
	require.NoError(t, err)
	obs := observability.NOP()

	var testCases = []struct {
		name   string
		author peer.ID
		sender *NetworkSender
		events *NetworkEvents
		epochs *epoch.Registry
		obs    Observability
		errMsg string
	}{
		{name: "author", sender: ch.Sender, events: ch.Events, epochs: reg, obs: obs, errMsg: "author is not assigned"},
		{name: "sender", author: u.Author(0), events: ch.Events, epochs: reg, obs: obs, errMsg: "network sender is nil"},
		{name: "events", author: u.Author(0), sender: ch.Sender, epochs: reg, obs: obs, errMsg: "network events is nil"},
		{name: "epochs", author: u.Author(0), sender: ch.Sender, events: ch.Events, obs: obs, errMsg: "epoch registry is nil"},
		{name: "observability", author: u.Author(0), sender: ch.Sender, events: ch.Events, epochs: reg, errMsg: "observability is nil"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			nw, err := NewConsensusNetwork(tc.author, tc.sender, tc.events, tc.epochs, tc.obs)
			require.EqualError(t, err, tc.errMsg)
			require.Nil(t, nw)
		})
	}

	t.Run("negative receiver capacity", func(t *testing.T) {
		_, err := NewConsensusNetwork(u.Author(0), ch.Sender, ch.Events, reg, obs, WithReceiverCapacity(-1))
		require.EqualError(t, err, "receiver capacity must not be negative, got -1")
	})

	t.Run("success", func(t *testing.T) {
		nw, err := NewConsensusNetwork(u.Author(0), ch.Sender, ch.Events, reg, obs, nil, WithReceiverCapacity(5))
		require.NoError(t, err)
		require.Equal(t, StateCreated, nw.State())
		require.Equal(t, u.Author(0), nw.Author())
		require.Equal(t, 5, nw.conf.receiverCapacity)
	})
}

func TestConsensusNetwork_StateMachine(t *testing.T) {
	u, c := newUniverse(t, 4)
	nw, _ := newTestNetwork(t, u, 0)
	ctx := context.Background()

	require.PanicsWithValue(t, "consensus network: BroadcastProposal called in state Created", func() { nw.BroadcastProposal(ctx, c.Proposal()) })
	require.PanicsWithValue(t, "consensus network: Stop called in state Created", func() { nw.Stop() })

	rcv := nw.Start(ctx)
	require.Equal(t, StateRunning, nw.State())
	require.PanicsWithValue(t, "consensus network: Start called in state Running", func() { nw.Start(ctx) })

	nw.Stop()
	require.Equal(t, StateStopped, nw.State())
	// all receivers are closed
	for _, closed := range []func() bool{
		func() bool { _, ok := <-rcv.Votes; return !ok },
		func() bool { _, ok := <-rcv.Proposals; return !ok },
		func() bool { _, ok := <-rcv.TimeoutMsgs; return !ok },
		func() bool { _, ok := <-rcv.SyncInfos; return !ok },
		func() bool { _, ok := <-rcv.BlockRetrieval; return !ok },
	} {
		require.True(t, closed())
	}

	require.PanicsWithValue(t, "consensus network: SendSyncInfo called in state Stopped", func() { nw.SendSyncInfo(ctx, c.SyncInfo(), u.Author(1)) })
	require.PanicsWithValue(t, "consensus network: RequestBlock called in state Stopped", func() {
		_, _ = nw.RequestBlock(ctx, c.Tip().ID, 1, u.Author(1), time.Second)
	})
	require.Equal(t, "State(9)", State(9).String())
}

func TestConsensusNetwork_Outbound(t *testing.T) {
	u, c := newUniverse(t, 5)
	ctx := context.Background()

	t.Run("vote to recipients", func(t *testing.T) {
		nw, ch := newTestNetwork(t, u, 0)
		startTestNetwork(t, nw)
		vote, err := u.Vote(c.Tip(), 0)
		require.NoError(t, err)

		recipients := []peer.ID{u.Author(2), u.Author(3), u.Author(4)}
		nw.SendVote(ctx, vote, recipients)
		for _, id := range recipients {
			req := test.RecvWithin(t, ch.Outbound, time.Second).(SendMessage)
			require.Equal(t, id, req.To)
			cm, err := consensus.DecodeConsensusMsg(req.Msg)
			require.NoError(t, err)
			requireSameEncoding(t, vote, cm.Vote)
		}
		require.Empty(t, ch.Outbound)
	})

	t.Run("proposal broadcast skips self", func(t *testing.T) {
		nw, ch := newTestNetwork(t, u, 4)
		startTestNetwork(t, nw)

		nw.BroadcastProposal(ctx, c.Proposal())
		require.Len(t, ch.Outbound, u.Size()-1)
		seen := map[peer.ID]struct{}{}
		for range u.Size() - 1 {
			req := (<-ch.Outbound).(SendMessage)
			require.NotEqual(t, u.Author(4), req.To)
			seen[req.To] = struct{}{}
			cm, err := consensus.DecodeConsensusMsg(req.Msg)
			require.NoError(t, err)
			require.Equal(t, consensus.KindProposal, cm.Kind())
		}
		require.Len(t, seen, u.Size()-1)
	})

	t.Run("timeout broadcast and sync info", func(t *testing.T) {
		nw, ch := newTestNetwork(t, u, 1)
		startTestNetwork(t, nw)

		to, err := u.Timeout(6, 1, c.SyncInfo())
		require.NoError(t, err)
		nw.BroadcastTimeoutMsg(ctx, to)
		require.Len(t, ch.Outbound, u.Size()-1)
		for range u.Size() - 1 {
			<-ch.Outbound
		}

		nw.SendSyncInfo(ctx, c.SyncInfo(), u.Author(3))
		req := test.RecvWithin(t, ch.Outbound, time.Second).(SendMessage)
		require.Equal(t, u.Author(3), req.To)
		cm, err := consensus.DecodeConsensusMsg(req.Msg)
		require.NoError(t, err)
		requireSameEncoding(t, c.SyncInfo(), cm.SyncInfo.SyncInfo)
	})

	t.Run("send failure is not fatal", func(t *testing.T) {
		nw, ch := newTestNetwork(t, u, 1)
		startTestNetwork(t, nw)
		ch.Sender.Close()
		vote, err := u.Vote(c.Tip(), 1)
		require.NoError(t, err)
		nw.SendVote(ctx, vote, []peer.ID{u.Author(0)})
		require.Empty(t, ch.Outbound)
	})
}

func TestConsensusNetwork_Inbound(t *testing.T) {
	u, c := newUniverse(t, 4)
	nw, ch := newTestNetwork(t, u, 0)
	rcv := startTestNetwork(t, nw)

	vote, err := u.Vote(c.Tip(), 2)
	require.NoError(t, err)
	to, err := u.Timeout(6, 3, c.SyncInfo())
	require.NoError(t, err)
	proposal := c.Proposal()

	t.Run("vote", func(t *testing.T) {
		ch.Inbound <- RecvMessage{From: u.Author(2), Msg: encodeMsg(t, vote)}
		requireSameEncoding(t, vote, test.RecvWithin(t, rcv.Votes, time.Second))
	})

	t.Run("proposal", func(t *testing.T) {
		ch.Inbound <- RecvMessage{From: proposal.Author(), Msg: encodeMsg(t, proposal)}
		got := test.RecvWithin(t, rcv.Proposals, time.Second)
		require.True(t, proposal.Block.Equal(got.Block))
	})

	t.Run("timeout", func(t *testing.T) {
		ch.Inbound <- RecvMessage{From: u.Author(3), Msg: encodeMsg(t, to)}
		requireSameEncoding(t, to, test.RecvWithin(t, rcv.TimeoutMsgs, time.Second))
	})

	t.Run("sync info", func(t *testing.T) {
		ch.Inbound <- RecvMessage{From: u.Author(1), Msg: encodeMsg(t, &consensus.SyncInfoMsg{SyncInfo: c.SyncInfo()})}
		got := test.RecvWithin(t, rcv.SyncInfos, time.Second)
		require.Equal(t, u.Author(1), got.From)
		requireSameEncoding(t, c.SyncInfo(), got.SyncInfo)
	})

	t.Run("invalid messages are dropped", func(t *testing.T) {
		// sender is not the author of the vote
		ch.Inbound <- RecvMessage{From: u.Author(1), Msg: encodeMsg(t, vote)}
		// garbage
		ch.Inbound <- RecvMessage{From: u.Author(1), Msg: []byte{1, 2, 3}}
		// signed by validator of some other network
		other, err := chaingen.NewUniverse(4, 8)
		require.NoError(t, err)
		otherVote, err := other.Vote(c.Tip(), 0)
		require.NoError(t, err)
		ch.Inbound <- RecvMessage{From: other.Author(0), Msg: encodeMsg(t, otherVote)}
		// tampered signature
		forged := *vote
		forged.Signature = append([]byte{}, vote.Signature...)
		forged.Signature[5] ^= 0xff
		ch.Inbound <- RecvMessage{From: u.Author(2), Msg: encodeMsg(t, &forged)}

		// valid message after the invalid ones is still processed
		ch.Inbound <- RecvMessage{From: u.Author(2), Msg: encodeMsg(t, vote)}
		requireSameEncoding(t, vote, test.RecvWithin(t, rcv.Votes, time.Second))
		require.Empty(t, rcv.Votes)
	})
}

func TestConsensusNetwork_BlockRetrievalRequest(t *testing.T) {
	u, c := newUniverse(t, 4)
	nw, ch := newTestNetwork(t, u, 0)
	rcv := startTestNetwork(t, nw)

	newRequest := func(t *testing.T, protocol string, req any) *OutboundRpcRequest {
		data, err := types.Encode(req)
		require.NoError(t, err)
		return &OutboundRpcRequest{Protocol: protocol, Data: data, ResponseCh: make(chan RpcResponse, 1), Timeout: time.Second}
	}

	t.Run("respond exactly once", func(t *testing.T) {
		req := newRequest(t, ProtocolBlockRetrieval, &consensus.BlockRetrievalRequest{BlockID: c.Tip().ID, NumBlocks: 2})
		ch.Inbound <- RecvRpc{From: u.Author(1), Request: req.Inbound()}

		in := test.RecvWithin(t, rcv.BlockRetrieval, time.Second)
		require.Equal(t, u.Author(1), in.From)
		require.Equal(t, c.Tip().ID, in.Request.BlockID)
		require.EqualValues(t, 2, in.Request.NumBlocks)

		resp := &consensus.BlockRetrievalResponse{Status: consensus.StatusSucceeded, Blocks: []*types.Block{c.Blocks[5], c.Blocks[4]}}
		require.NoError(t, in.Respond(resp))
		require.ErrorIs(t, in.Respond(resp), ErrAlreadyResponded)

		rsp := test.RecvWithin(t, req.ResponseCh, time.Second)
		require.NoError(t, rsp.Err)
		got := &consensus.BlockRetrievalResponse{}
		require.NoError(t, types.Decode(rsp.Data, got))
		require.NoError(t, got.Verify(in.Request, u.Verifier))
	})

	t.Run("unsupported protocol", func(t *testing.T) {
		req := newRequest(t, "/foo/0.0.1", &consensus.BlockRetrievalRequest{BlockID: c.Tip().ID, NumBlocks: 2})
		ch.Inbound <- RecvRpc{From: u.Author(1), Request: req.Inbound()}
		rsp := test.RecvWithin(t, req.ResponseCh, time.Second)
		require.EqualError(t, rsp.Err, `unsupported protocol "/foo/0.0.1"`)
	})

	t.Run("invalid request", func(t *testing.T) {
		req := newRequest(t, ProtocolBlockRetrieval, &consensus.BlockRetrievalRequest{BlockID: c.Tip().ID})
		ch.Inbound <- RecvRpc{From: u.Author(1), Request: req.Inbound()}
		rsp := test.RecvWithin(t, req.ResponseCh, time.Second)
		require.EqualError(t, rsp.Err, "invalid block retrieval request: number of blocks must be greater than zero")

		req = &OutboundRpcRequest{Protocol: ProtocolBlockRetrieval, Data: []byte{0xff}, ResponseCh: make(chan RpcResponse, 1)}
		ch.Inbound <- RecvRpc{From: u.Author(1), Request: req.Inbound()}
		rsp = test.RecvWithin(t, req.ResponseCh, time.Second)
		require.EqualError(t, rsp.Err, "invalid block retrieval request")
		require.Empty(t, rcv.BlockRetrieval)
	})
}

/*
connectRpc routes RPC requests of "from" to "to" and discards everything
else sent by "from".
*/
func connectRpc(t *testing.T, fromID peer.ID, from, to *NetworkChannels) {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case req := <-from.Outbound:
				if rpc, ok := req.(SendRpc); ok {
					to.Inbound <- RecvRpc{From: fromID, Request: rpc.Request.Inbound()}
				}
			}
		}
	}()
}

func TestConsensusNetwork_RequestBlock(t *testing.T) {
	u, c := newUniverse(t, 4)
	ctx := context.Background()
	nwA, chA := newTestNetwork(t, u, 0)
	startTestNetwork(t, nwA)
	nwB, chB := newTestNetwork(t, u, 1)
	rcvB := startTestNetwork(t, nwB)
	connectRpc(t, u.Author(0), chA, chB)

	serve := func(resp func(req *consensus.BlockRetrievalRequest) *consensus.BlockRetrievalResponse) {
		go func() {
			in, ok := <-rcvB.BlockRetrieval
			if ok {
				_ = in.Respond(resp(in.Request))
			}
		}()
	}

	t.Run("success", func(t *testing.T) {
		serve(func(req *consensus.BlockRetrievalRequest) *consensus.BlockRetrievalResponse {
			return &consensus.BlockRetrievalResponse{Status: consensus.StatusSucceeded, Blocks: []*types.Block{c.Blocks[4], c.Blocks[3], c.Blocks[2]}}
		})
		rsp, err := nwA.RequestBlock(ctx, c.Blocks[4].ID, 3, u.Author(1), time.Second)
		require.NoError(t, err)
		require.Equal(t, consensus.StatusSucceeded, rsp.Status)
		require.Len(t, rsp.Blocks, 3)
		for i, b := range rsp.Blocks {
			require.True(t, c.Blocks[4-i].Equal(b), "block %d", i)
		}
	})

	t.Run("status is not error", func(t *testing.T) {
		serve(func(req *consensus.BlockRetrievalRequest) *consensus.BlockRetrievalResponse {
			return &consensus.BlockRetrievalResponse{Status: consensus.StatusIDNotFound}
		})
		rsp, err := nwA.RequestBlock(ctx, test.RandomHash(), 3, u.Author(1), time.Second)
		require.NoError(t, err)
		require.Equal(t, consensus.StatusIDNotFound, rsp.Status)
		require.Empty(t, rsp.Blocks)
	})

	t.Run("inconsistent response", func(t *testing.T) {
		serve(func(req *consensus.BlockRetrievalRequest) *consensus.BlockRetrievalResponse {
			return &consensus.BlockRetrievalResponse{Status: consensus.StatusSucceeded, Blocks: []*types.Block{c.Blocks[4], c.Blocks[2]}}
		})
		_, err := nwA.RequestBlock(ctx, c.Blocks[4].ID, 2, u.Author(1), time.Second)
		require.EqualError(t, err, "invalid block retrieval response: block 1 is not parent of the block 0")
	})

	t.Run("timeout", func(t *testing.T) {
		const timeout = 200 * time.Millisecond
		start := time.Now()
		// nobody serves the request
		_, err := nwA.RequestBlock(ctx, c.Blocks[4].ID, 2, u.Author(1), timeout)
		require.ErrorIs(t, err, ErrTimeout)
		require.GreaterOrEqual(t, time.Since(start), timeout)
		require.Less(t, time.Since(start), timeout+300*time.Millisecond)

		// responding late doesn't block
		in := test.RecvWithin(t, rcvB.BlockRetrieval, time.Second)
		require.NoError(t, in.Respond(&consensus.BlockRetrievalResponse{Status: consensus.StatusIDNotFound}))
	})

	t.Run("invalid request", func(t *testing.T) {
		_, err := nwA.RequestBlock(ctx, types.HashValue{}, 2, u.Author(1), time.Second)
		require.EqualError(t, err, "invalid request: block id is missing")
	})

	t.Run("channel closed", func(t *testing.T) {
		chA.Sender.Close()
		_, err := nwA.RequestBlock(ctx, c.Blocks[4].ID, 2, u.Author(1), time.Second)
		require.ErrorIs(t, err, ErrChannelClosed)
	})
}

func TestConsensusNetwork_Metrics(t *testing.T) {
	u, c := newUniverse(t, 4)
	reader := sdkmetric.NewManualReader()
	ch := NewNetworkChannels(100)
	reg, err := epoch.NewRegistry(u.Epoch, u.Verifier)
	require.NoError(t, err)
	nw, err := NewConsensusNetwork(u.Author(0), ch.Sender, ch.Events, reg, observability.WithMetrics(t, reader))
	require.NoError(t, err)
	startTestNetwork(t, nw)

	nw.BroadcastProposal(context.Background(), c.Proposal())

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	var sent int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != "msg.sent" {
				continue
			}
			for _, dp := range m.Data.(metricdata.Sum[int64]).DataPoints {
				sent += dp.Value
			}
		}
	}
	require.EqualValues(t, u.Size()-1, sent)
}
