package network

import (
	"context"
	"crypto/rand"
	"testing"

	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
	"github.com/stretchr/testify/require"

	test "github.com/bftnet/bftnet/internal/testutils"
	"github.com/bftnet/bftnet/internal/testutils/logger"
	bftlog "github.com/bftnet/bftnet/logger"
)

const randomTestAddressStr = "/ip4/127.0.0.1/tcp/0"

func TestNewPeer_PeerConfigurationIsNil(t *testing.T) {
	p, err := NewPeer(context.Background(), nil, nil, nil)
	require.ErrorIs(t, err, ErrPeerConfigurationIsNil)
	require.Nil(t, p)
}

func TestNewPeer_NewPeerCanBeCreated(t *testing.T) {
	p := createPeer(t)
	require.NotEmpty(t, p.ID())
	require.NotEmpty(t, p.MultiAddresses())
	require.Len(t, p.host.Peerstore().Peers(), 1)
	require.Empty(t, p.KnownPeers())
	require.Equal(t, p.ID(), p.AddrInfo().ID)
}

func TestNewPeer_InvalidKeys(t *testing.T) {
	t.Run("missing key pair", func(t *testing.T) {
		_, err := NewPeer(context.Background(), &PeerConfiguration{}, logger.New(t), nil)
		require.EqualError(t, err, "missing peer key")
	})

	t.Run("invalid private key", func(t *testing.T) {
		conf := &PeerConfiguration{KeyPair: &PeerKeyPair{PrivateKey: test.RandomBytes(30)}}
		_, err := NewPeer(context.Background(), conf, logger.New(t), nil)
		require.ErrorContains(t, err, "invalid private key: expected secp256k1 data size to be 32")
	})

	t.Run("invalid public key", func(t *testing.T) {
		privKey, _, err := crypto.GenerateSecp256k1Key(rand.Reader)
		require.NoError(t, err)
		privKeyBytes, err := privKey.Raw()
		require.NoError(t, err)
		conf := &PeerConfiguration{KeyPair: &PeerKeyPair{PrivateKey: privKeyBytes, PublicKey: test.RandomBytes(30)}}
		_, err = NewPeer(context.Background(), conf, logger.New(t), nil)
		require.ErrorContains(t, err, "invalid public key: malformed public key: invalid length: 30")
	})

	t.Run("keys do not match", func(t *testing.T) {
		kp1 := generateKeyPair(t)
		kp2 := generateKeyPair(t)
		conf := &PeerConfiguration{KeyPair: &PeerKeyPair{PrivateKey: kp1.PrivateKey, PublicKey: kp2.PublicKey}}
		_, err := NewPeer(context.Background(), conf, logger.New(t), nil)
		require.EqualError(t, err, "public key does not match the private key")
	})
}

func TestNewPeer_LoadsKeyPairCorrectly(t *testing.T) {
	keyPair := generateKeyPair(t)
	conf, err := NewPeerConfiguration(randomTestAddressStr, nil, keyPair, nil)
	require.NoError(t, err)

	p, err := NewPeer(context.Background(), conf, logger.New(t), nil)
	require.NoError(t, err)
	defer func() { require.NoError(t, p.Close()) }()

	require.Equal(t, conf.ID, p.ID())
	pub, err := p.ID().ExtractPublicKey()
	require.NoError(t, err)
	raw, err := pub.Raw()
	require.NoError(t, err)
	require.Equal(t, keyPair.PublicKey, raw)
	require.Equal(t, "NodeID:"+bftlog.ShortPeerID(p.ID()), p.String())
}

func TestNewPeerKeyPair(t *testing.T) {
	kp := generateKeyPair(t)
	derived, err := NewPeerKeyPair(kp.PrivateKey)
	require.NoError(t, err)
	require.Equal(t, kp, derived)

	_, err = NewPeerKeyPair([]byte{1, 2, 3})
	require.ErrorContains(t, err, "invalid private key")
}

func TestNewPeerConfiguration(t *testing.T) {
	t.Run("missing key pair", func(t *testing.T) {
		_, err := NewPeerConfiguration(randomTestAddressStr, nil, nil, nil)
		require.EqualError(t, err, "missing key pair")
	})

	t.Run("invalid announce address", func(t *testing.T) {
		_, err := NewPeerConfiguration(randomTestAddressStr, []string{"foo"}, generateKeyPair(t), nil)
		require.ErrorContains(t, err, `invalid announce address "foo"`)
	})

	t.Run("success", func(t *testing.T) {
		kp := generateKeyPair(t)
		conf, err := NewPeerConfiguration(randomTestAddressStr, []string{"/ip4/1.2.3.4/tcp/80"}, kp, nil)
		require.NoError(t, err)
		id, err := NodeIDFromPublicKeyBytes(kp.PublicKey)
		require.NoError(t, err)
		require.Equal(t, id, conf.ID)
		require.Len(t, conf.AnnounceAddrs, 1)
	})
}

func TestAnnounceAddrs(t *testing.T) {
	announceAddr := "/ip4/1.2.3.4/tcp/80"
	conf, err := NewPeerConfiguration(randomTestAddressStr, []string{announceAddr}, generateKeyPair(t), nil)
	require.NoError(t, err)

	p, err := NewPeer(context.Background(), conf, logger.New(t), nil)
	require.NoError(t, err)
	defer func() { require.NoError(t, p.Close()) }()

	require.Len(t, p.MultiAddresses(), 1)
	require.Equal(t, announceAddr, p.MultiAddresses()[0].String())
}

func TestBootstrapNodes(t *testing.T) {
	log := logger.New(t)
	ctx := context.Background()
	bootstrapNode := createPeer(t)
	bootstrapNodeAddrInfo := []peer.AddrInfo{bootstrapNode.AddrInfo()}

	peer1 := createBootstrappedPeer(t, bootstrapNodeAddrInfo)
	require.NoError(t, peer1.BootstrapConnect(ctx, log))
	require.Eventually(t, func() bool { return peer1.dht.RoutingTable().Size() == 1 }, test.WaitDuration, test.WaitTick)

	peer2 := createBootstrappedPeer(t, bootstrapNodeAddrInfo)
	require.NoError(t, peer2.BootstrapConnect(ctx, log))

	require.Eventually(t, func() bool { return peer2.dht.RoutingTable().Size() == 2 }, test.WaitDuration, test.WaitTick)
	require.Eventually(t, func() bool { return peer1.dht.RoutingTable().Find(peer2.ID()) != "" }, test.WaitDuration, test.WaitTick)
	require.Contains(t, peer1.KnownPeers(), bootstrapNode.ID())
}

func TestBootstrap_AllConnectionsFail(t *testing.T) {
	log := logger.New(t)
	ctx := context.Background()
	unreachable, err := NodeIDFromPublicKeyBytes(generateKeyPair(t).PublicKey)
	require.NoError(t, err)
	addr, err := ma.NewMultiaddr("/ip4/127.0.0.2/tcp/10")
	require.NoError(t, err)

	peer1 := createBootstrappedPeer(t, []peer.AddrInfo{{ID: unreachable, Addrs: []ma.Multiaddr{addr}}})
	err = peer1.BootstrapConnect(ctx, log)
	require.ErrorContains(t, err, "failed to bootstrap: failed to dial")
}

func TestBootstrap_OneBootstrapConnectionFails_StillOK(t *testing.T) {
	log := logger.New(t)
	ctx := context.Background()
	unreachable, err := NodeIDFromPublicKeyBytes(generateKeyPair(t).PublicKey)
	require.NoError(t, err)
	addr, err := ma.NewMultiaddr("/ip4/127.0.0.2/tcp/10")
	require.NoError(t, err)
	bootstrapNode := createPeer(t)

	peer1 := createBootstrappedPeer(t, []peer.AddrInfo{
		{ID: unreachable, Addrs: []ma.Multiaddr{addr}},
		bootstrapNode.AddrInfo(),
	})
	require.NoError(t, peer1.BootstrapConnect(ctx, log))
	require.Eventually(t, func() bool { return peer1.dht.RoutingTable().Find(bootstrapNode.ID()) != "" }, 2*test.WaitDuration, test.WaitTick)
}

/*
createPeer returns new Peer configured with random port on localhost and registers
cleanup for it (ie in the end of the test peer.Close is called).
*/
func createPeer(t *testing.T) *Peer {
	return createBootstrappedPeer(t, nil)
}

func createBootstrappedPeer(t *testing.T, bootstrapPeers []peer.AddrInfo) *Peer {
	peerConf, err := NewPeerConfiguration(randomTestAddressStr, nil, generateKeyPair(t), bootstrapPeers)
	require.NoError(t, err)

	p, err := NewPeer(context.Background(), peerConf, logger.New(t), nil)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, p.Close()) })
	return p
}

func generateKeyPair(t *testing.T) *PeerKeyPair {
	privateKey, publicKey, err := crypto.GenerateSecp256k1Key(rand.Reader)
	require.NoError(t, err)
	privateKeyBytes, err := privateKey.Raw()
	require.NoError(t, err)
	publicKeyBytes, err := publicKey.Raw()
	require.NoError(t, err)

	return &PeerKeyPair{
		PublicKey:  publicKeyBytes,
		PrivateKey: privateKeyBytes,
	}
}
