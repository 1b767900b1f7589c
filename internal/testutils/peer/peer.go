package peer

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/bftnet/bftnet/crypto"
	"github.com/bftnet/bftnet/internal/testutils/logger"
	"github.com/bftnet/bftnet/network"
)

/*
CreatePeerConfiguration returns configuration of the peer listening on a
random localhost port. Identity of the peer is the key of "signer" so the
peer ID is the same as the author of the consensus messages signed by it.
*/
func CreatePeerConfiguration(t testing.TB, signer crypto.Signer) *network.PeerConfiguration {
	t.Helper()
	privKey, err := signer.MarshalPrivateKey()
	require.NoError(t, err)
	keyPair, err := network.NewPeerKeyPair(privKey)
	require.NoError(t, err)

	peerConf, err := network.NewPeerConfiguration("/ip4/127.0.0.1/tcp/0", nil, keyPair, nil)
	require.NoError(t, err)
	return peerConf
}

func CreatePeer(t testing.TB, peerConf *network.PeerConfiguration) *network.Peer {
	t.Helper()
	peer, err := network.NewPeer(context.Background(), peerConf, logger.New(t), nil)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, peer.Close()) })
	return peer
}

/*
ConnectAll makes every peer in "peers" to know the addresses of all the
other peers.
*/
func ConnectAll(peers ...*network.Peer) {
	for _, a := range peers {
		for _, b := range peers {
			if a != b {
				a.AddPeer(b.AddrInfo())
			}
		}
	}
}
