package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"time"

	p2pcrypto "github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/bftnet/bftnet/blockstore"
	"github.com/bftnet/bftnet/consensus/epoch"
	"github.com/bftnet/bftnet/consensus/types"
	"github.com/bftnet/bftnet/consensus/verifier"
	"github.com/bftnet/bftnet/crypto"
	"github.com/bftnet/bftnet/keyvaluedb/boltdb"
	"github.com/bftnet/bftnet/logger"
	"github.com/bftnet/bftnet/network"
)

const defaultBlocksDBFile = "blocks.db"

type nodeConfig struct {
	Base           *baseConfiguration
	Address        string
	AnnounceAddrs  []string
	KeyFilePath    string
	DBFile         string
	Peers          []string
	MetricsAddress string
}

func newNodeCmd(baseConfig *baseConfiguration) *cobra.Command {
	config := &nodeConfig{Base: baseConfig}
	var cmd = &cobra.Command{
		Use:   "node",
		Short: "Starts consensus network node which logs incoming consensus messages and serves block retrieval requests",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runNode(cmd.Context(), config)
		},
	}
	cmd.Flags().StringVarP(&config.Address, "address", "a", "/ip4/127.0.0.1/tcp/26652", "node address in libp2p multiaddress-format")
	cmd.Flags().StringSliceVar(&config.AnnounceAddrs, "announce-addresses", nil, "addresses announced to other peers, when not set the listen address is announced")
	cmd.Flags().StringVarP(&config.KeyFilePath, keyFileCmdFlag, "k", "", fmt.Sprintf("path to the keys file (default: $BFTNET_HOME/%s)", defaultKeysFileName))
	cmd.Flags().StringVarP(&config.DBFile, "db", "f", "", fmt.Sprintf("path to the block store database file (default: $BFTNET_HOME/%s)", defaultBlocksDBFile))
	cmd.Flags().StringSliceVarP(&config.Peers, "peers", "p", nil, "other validators of the network in the form of p2p multiaddress, ie /ip4/127.0.0.1/tcp/26652/p2p/<peer id>")
	cmd.Flags().StringVar(&config.MetricsAddress, "metrics-address", "", "address of the Prometheus metrics endpoint, ie localhost:9090. Requires --metrics=prometheus")
	return cmd
}

func (c *nodeConfig) keyFile() string {
	if c.KeyFilePath != "" {
		return c.KeyFilePath
	}
	return filepath.Join(c.Base.HomeDir, defaultKeysFileName)
}

func (c *nodeConfig) dbFile() string {
	if c.DBFile != "" {
		return c.DBFile
	}
	return filepath.Join(c.Base.HomeDir, defaultBlocksDBFile)
}

/*
validators returns address info of the peers and the verifier of the
validator set made of "self" and the peers. Identity of the peer is its
public key so keys of the validators are extracted from the peer IDs.
*/
func (c *nodeConfig) validators(self *Keys) ([]peer.AddrInfo, *verifier.ValidatorVerifier, error) {
	selfVer, err := self.Signer.Verifier()
	if err != nil {
		return nil, nil, fmt.Errorf("reading own public key: %w", err)
	}
	keys := map[peer.ID]crypto.Verifier{self.Signer.Author: selfVer}
	peers := make([]peer.AddrInfo, 0, len(c.Peers))
	for _, s := range c.Peers {
		info, err := peer.AddrInfoFromString(s)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid peer address %q: %w", s, err)
		}
		ver, err := verifierFromPeerID(info.ID)
		if err != nil {
			return nil, nil, fmt.Errorf("peer %s: %w", info.ID, err)
		}
		keys[info.ID] = ver
		peers = append(peers, *info)
	}
	vv, err := verifier.New(keys)
	if err != nil {
		return nil, nil, fmt.Errorf("creating validator verifier: %w", err)
	}
	return peers, vv, nil
}

func verifierFromPeerID(id peer.ID) (crypto.Verifier, error) {
	pub, err := id.ExtractPublicKey()
	if err != nil {
		return nil, fmt.Errorf("extracting public key: %w", err)
	}
	if pub.Type() != p2pcrypto.Secp256k1 {
		return nil, fmt.Errorf("unsupported key type %s", pub.Type())
	}
	raw, err := pub.Raw()
	if err != nil {
		return nil, fmt.Errorf("reading public key: %w", err)
	}
	return crypto.NewVerifierSecp256k1(raw)
}

func runNode(ctx context.Context, config *nodeConfig) error {
	keys, err := LoadKeys(config.keyFile(), false, false)
	if err != nil {
		return fmt.Errorf("failed to load keys %s: %w", config.keyFile(), err)
	}
	bootstrapPeers, vv, err := config.validators(keys)
	if err != nil {
		return err
	}
	epochs, err := epoch.NewRegistry(types.GenesisEpoch, vv)
	if err != nil {
		return fmt.Errorf("creating epoch registry: %w", err)
	}

	obs := config.Base.observe
	obs = obs.WithLogger(config.Base.Logger().With(logger.NodeID(keys.Signer.Author)))
	log := obs.Logger()

	keyPair, err := keys.PeerKeyPair()
	if err != nil {
		return fmt.Errorf("creating peer key pair: %w", err)
	}
	peerConf, err := network.NewPeerConfiguration(config.Address, config.AnnounceAddrs, keyPair, bootstrapPeers)
	if err != nil {
		return fmt.Errorf("creating peer configuration: %w", err)
	}
	self, err := network.NewPeer(ctx, peerConf, log, obs.PrometheusRegisterer())
	if err != nil {
		return fmt.Errorf("creating peer: %w", err)
	}
	defer func() {
		if err := self.Close(); err != nil {
			log.WarnContext(ctx, "closing peer", logger.Error(err))
		}
	}()
	log.InfoContext(ctx, fmt.Sprintf("listening on %v", self.MultiAddresses()))
	if err := self.BootstrapConnect(ctx, log); err != nil {
		// peers started later dial us
		log.WarnContext(ctx, "connecting to peers", logger.Error(err))
	}

	db, err := boltdb.New(config.dbFile())
	if err != nil {
		return fmt.Errorf("opening block store database: %w", err)
	}
	defer db.Close()
	blocks, err := blockstore.New(db, log)
	if err != nil {
		return fmt.Errorf("initializing block store: %w", err)
	}

	ch := network.NewNetworkChannels(100)
	transport, err := network.NewLibP2PTransport(self, ch.Outbound, ch.Inbound, network.DefaultTransportOptions, obs)
	if err != nil {
		return fmt.Errorf("creating transport: %w", err)
	}
	defer transport.Close()
	nw, err := network.NewConsensusNetwork(keys.Signer.Author, ch.Sender, ch.Events, epochs, obs)
	if err != nil {
		return fmt.Errorf("creating consensus network: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	rcv := nw.Start(ctx)
	defer nw.Stop()

	g.Go(func() error { return ignoreCancel(transport.Run(ctx)) })
	g.Go(func() error { return ignoreCancel(blocks.Serve(ctx, rcv.BlockRetrieval)) })
	g.Go(func() error { return logIncoming(ctx, rcv, blocks, log) })
	if config.MetricsAddress != "" {
		g.Go(func() error { return serveMetrics(ctx, config.MetricsAddress, obs.MetricsHandler(), log) })
	}
	return g.Wait()
}

/*
logIncoming logs consensus messages received by the node. Blocks of the
proposals are added to the block store so these can be served to peers.
*/
func logIncoming(ctx context.Context, rcv *network.NetworkReceivers, blocks *blockstore.BlockStore, log *slog.Logger) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case p, ok := <-rcv.Proposals:
			if !ok {
				return nil
			}
			log.InfoContext(ctx, "proposal", logger.Peer(p.Author()), logger.Round(p.Block.Round), logger.BlockID(p.Block.ID.Bytes()))
			if err := blocks.Insert(p.Block); err != nil {
				log.WarnContext(ctx, "storing proposed block", logger.Error(err))
			}
		case v, ok := <-rcv.Votes:
			if !ok {
				return nil
			}
			log.InfoContext(ctx, "vote", logger.Peer(v.Author), logger.Round(v.Round()))
		case t, ok := <-rcv.TimeoutMsgs:
			if !ok {
				return nil
			}
			log.InfoContext(ctx, "timeout", logger.Peer(t.Author()), logger.Round(t.Round()))
		case si, ok := <-rcv.SyncInfos:
			if !ok {
				return nil
			}
			log.InfoContext(ctx, "sync info", logger.Peer(si.From), logger.Data(si.SyncInfo))
		}
	}
}

func serveMetrics(ctx context.Context, addr string, handler http.Handler, log *slog.Logger) error {
	if handler == nil {
		return errors.New("metrics endpoint requires Prometheus metrics exporter")
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 3 * time.Second}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	log.InfoContext(ctx, "serving metrics on "+addr)

	select {
	case err := <-errCh:
		return fmt.Errorf("metrics endpoint: %w", err)
	case <-ctx.Done():
		sctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			return fmt.Errorf("shutting down metrics endpoint: %w", err)
		}
		return nil
	}
}

func ignoreCancel(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
