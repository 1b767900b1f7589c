package network

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/libp2p/go-libp2p"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	"github.com/libp2p/go-libp2p/config"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/peerstore"
	libp2pprotocol "github.com/libp2p/go-libp2p/core/protocol"
	"github.com/libp2p/go-libp2p/core/routing"
	"github.com/libp2p/go-libp2p/p2p/host/peerstore/pstoremem"
	ma "github.com/multiformats/go-multiaddr"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/bftnet/bftnet/logger"
)

const (
	defaultAddress    = "/ip4/0.0.0.0/tcp/0"
	dhtProtocolPrefix = "/bftnet/dht/0.1.0"
)

var ErrPeerConfigurationIsNil = errors.New("peer configuration is nil")

type (
	// PeerConfiguration includes single validator's network configuration.
	PeerConfiguration struct {
		ID             peer.ID         // validator identifier derived from the KeyPair.PublicKey.
		Address        string          // address to listen for incoming connections. Uses libp2p multiaddress format.
		AnnounceAddrs  []ma.Multiaddr  // addresses to announce to other peers, if set then these replace the listen addresses
		KeyPair        *PeerKeyPair    // secp256k1 keypair of the validator.
		BootstrapPeers []peer.AddrInfo // a list of seed peers to connect to.
	}

	// PeerKeyPair contains raw secp256k1 public and private key.
	PeerKeyPair struct {
		PublicKey  []byte
		PrivateKey []byte
	}

	// Peer is validator's presence in the p2p network. It is a wrapper around
	// the libp2p host.Host which uses the validator's signing key as identity,
	// ie peer ID is the same as the Author in consensus messages.
	Peer struct {
		host host.Host
		conf *PeerConfiguration
		dht  *dht.IpfsDHT
	}
)

/*
NewPeer constructs a new peer with given configuration. If no listen address
is provided, the node listens to "/ip4/0.0.0.0/tcp/0".

When "prom" is not nil libp2p resource manager metrics are registered with it.
*/
func NewPeer(ctx context.Context, conf *PeerConfiguration, log *slog.Logger, prom prometheus.Registerer) (*Peer, error) {
	if conf == nil {
		return nil, ErrPeerConfigurationIsNil
	}
	privateKey, err := readKeyPair(conf)
	if err != nil {
		return nil, err
	}

	address := defaultAddress
	if conf.Address != "" {
		address = conf.Address
	}

	peerStore, err := pstoremem.NewPeerstore()
	if err != nil {
		return nil, fmt.Errorf("creating peerstore: %w", err)
	}

	var kademliaDHT *dht.IpfsDHT
	opts := []config.Option{
		libp2p.ListenAddrStrings(address),
		libp2p.Identity(privateKey),
		libp2p.Peerstore(peerStore),
		// validators find each other through the DHT
		libp2p.Routing(func(h host.Host) (routing.PeerRouting, error) {
			kademliaDHT, err = newDHT(ctx, h, conf.BootstrapPeers, log)
			return kademliaDHT, err
		}),
		libp2p.Ping(true),
	}
	if prom != nil {
		opts = append(opts, libp2p.PrometheusRegisterer(prom))
	}
	if len(conf.AnnounceAddrs) > 0 {
		announce := conf.AnnounceAddrs
		opts = append(opts, libp2p.AddrsFactory(func(_ []ma.Multiaddr) []ma.Multiaddr {
			// consumers may modify the returned slice
			return append([]ma.Multiaddr(nil), announce...)
		}))
	}

	h, err := libp2p.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("creating libp2p host: %w", err)
	}
	if err = kademliaDHT.Bootstrap(ctx); err != nil {
		return nil, errors.Join(fmt.Errorf("bootstrapping DHT: %w", err), kademliaDHT.Close(), h.Close())
	}
	log.DebugContext(ctx, fmt.Sprintf("addresses=%v; bootstrap peers=%v", h.Addrs(), conf.BootstrapPeers), logger.NodeID(h.ID()))

	return &Peer{
		host: h,
		conf: conf,
		dht:  kademliaDHT,
	}, nil
}

/*
BootstrapConnect dials all the bootstrap peers concurrently. It is an error
only when none of the connection attempts succeeds.
*/
func (p *Peer) BootstrapConnect(ctx context.Context, log *slog.Logger) error {
	if len(p.conf.BootstrapPeers) == 0 {
		return nil
	}

	// one slot per bootstrap peer so goroutines do not need to sync
	errs := make([]error, len(p.conf.BootstrapPeers))
	var g errgroup.Group
	for i, info := range p.conf.BootstrapPeers {
		g.Go(func() error {
			p.AddPeer(info)
			if err := p.host.Connect(ctx, info); err != nil {
				log.WarnContext(ctx, "bootstrap dial failed", logger.Peer(info.ID), logger.Error(err))
				errs[i] = err
				return nil
			}
			log.DebugContext(ctx, "bootstrap dial succeeded", logger.Peer(info.ID))
			return nil
		})
	}
	_ = g.Wait()

	failed := 0
	for _, err := range errs {
		if err != nil {
			failed++
		}
	}
	if failed == len(errs) {
		return fmt.Errorf("failed to bootstrap: %w", errors.Join(errs...))
	}
	return p.dht.Bootstrap(ctx)
}

// ID returns the identifier associated with this Peer.
func (p *Peer) ID() peer.ID {
	return p.host.ID()
}

// String returns short representation of node id
func (p *Peer) String() string {
	return "NodeID:" + logger.ShortPeerID(p.ID())
}

// MultiAddresses the address associated with this Peer.
func (p *Peer) MultiAddresses() []ma.Multiaddr {
	return p.host.Addrs()
}

// AddrInfo returns ID and addresses of the peer, ie what other peers need to dial it.
func (p *Peer) AddrInfo() peer.AddrInfo {
	return peer.AddrInfo{ID: p.ID(), Addrs: p.MultiAddresses()}
}

func (p *Peer) Network() network.Network {
	return p.host.Network()
}

// RegisterProtocolHandler sets the protocol stream handler for given protocol.
func (p *Peer) RegisterProtocolHandler(protocolID string, handler network.StreamHandler) {
	p.host.SetStreamHandler(libp2pprotocol.ID(protocolID), handler)
}

func (p *Peer) RemoveProtocolHandler(protocolID string) {
	p.host.RemoveStreamHandler(libp2pprotocol.ID(protocolID))
}

// CreateStream opens a new stream to given peer and negotiates protocol "protocolID".
func (p *Peer) CreateStream(ctx context.Context, peerID peer.ID, protocolID string) (network.Stream, error) {
	return p.host.NewStream(ctx, peerID, libp2pprotocol.ID(protocolID))
}

func (p *Peer) Configuration() *PeerConfiguration {
	return p.conf
}

/*
KnownPeers returns IDs of the peers for which the peerstore has addresses,
excluding self.
*/
func (p *Peer) KnownPeers() []peer.ID {
	var ids []peer.ID
	for _, id := range p.host.Peerstore().PeersWithAddrs() {
		if id != p.host.ID() {
			ids = append(ids, id)
		}
	}
	return ids
}

// AddPeer adds addresses of the peer "info" to the peerstore.
func (p *Peer) AddPeer(info peer.AddrInfo) {
	p.host.Peerstore().AddAddrs(info.ID, info.Addrs, peerstore.PermanentAddrTTL)
}

// Close shuts down the DHT and the libp2p host.
func (p *Peer) Close() error {
	var err error
	if cerr := p.dht.Close(); cerr != nil {
		err = fmt.Errorf("closing the DHT: %w", cerr)
	}
	if cerr := p.host.Close(); cerr != nil {
		err = errors.Join(err, fmt.Errorf("closing the host: %w", cerr))
	}
	return err
}

func NewPeerConfiguration(addr string, announceAddrs []string, keyPair *PeerKeyPair, bootstrapPeers []peer.AddrInfo) (*PeerConfiguration, error) {
	if keyPair == nil {
		return nil, errors.New("missing key pair")
	}

	peerID, err := NodeIDFromPublicKeyBytes(keyPair.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("invalid key pair: %w", err)
	}

	announceMultiAddrs := make([]ma.Multiaddr, 0, len(announceAddrs))
	for _, s := range announceAddrs {
		addr, err := ma.NewMultiaddr(s)
		if err != nil {
			return nil, fmt.Errorf("invalid announce address %q: %w", s, err)
		}
		announceMultiAddrs = append(announceMultiAddrs, addr)
	}

	return &PeerConfiguration{
		ID:             peerID,
		Address:        addr,
		AnnounceAddrs:  announceMultiAddrs,
		KeyPair:        keyPair,
		BootstrapPeers: bootstrapPeers,
	}, nil
}

/*
NewPeerKeyPair returns key pair for the raw secp256k1 private key "privKey".
*/
func NewPeerKeyPair(privKey []byte) (*PeerKeyPair, error) {
	key, err := crypto.UnmarshalSecp256k1PrivateKey(privKey)
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	pub, err := key.GetPublic().Raw()
	if err != nil {
		return nil, fmt.Errorf("reading public key: %w", err)
	}
	return &PeerKeyPair{PublicKey: pub, PrivateKey: privKey}, nil
}

func NodeIDFromPublicKeyBytes(pubKey []byte) (peer.ID, error) {
	pub, err := crypto.UnmarshalSecp256k1PublicKey(pubKey)
	if err != nil {
		return "", err
	}
	return peer.IDFromPublicKey(pub)
}

func newDHT(ctx context.Context, h host.Host, bootstrapPeers []peer.AddrInfo, log *slog.Logger) (*dht.IpfsDHT, error) {
	kdht, err := dht.New(ctx, h, dht.ProtocolPrefix(dhtProtocolPrefix), dht.BootstrapPeers(bootstrapPeers...), dht.Mode(dht.ModeServer))
	if err != nil {
		return nil, fmt.Errorf("creating DHT: %w", err)
	}
	routingTable := kdht.RoutingTable()
	peerRemovedCb := routingTable.PeerRemoved
	peerAddedCb := routingTable.PeerAdded
	routingTable.PeerRemoved = func(pid peer.ID) {
		peerRemovedCb(pid)
		log.DebugContext(ctx, "peer removed from routing table", logger.Peer(pid))
	}
	routingTable.PeerAdded = func(pid peer.ID) {
		peerAddedCb(pid)
		log.DebugContext(ctx, "peer added to routing table", logger.Peer(pid))
	}
	return kdht, nil
}

func readKeyPair(conf *PeerConfiguration) (crypto.PrivKey, error) {
	if conf.KeyPair == nil {
		return nil, errors.New("missing peer key")
	}

	privateKey, err := crypto.UnmarshalSecp256k1PrivateKey(conf.KeyPair.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	publicKey, err := crypto.UnmarshalSecp256k1PublicKey(conf.KeyPair.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("invalid public key: %w", err)
	}
	if !privateKey.GetPublic().Equals(publicKey) {
		return nil, errors.New("public key does not match the private key")
	}
	return privateKey, nil
}
