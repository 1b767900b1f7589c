package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/bftnet/bftnet/consensus/chaingen"
	"github.com/bftnet/bftnet/consensus/epoch"
	"github.com/bftnet/bftnet/logger"
	"github.com/bftnet/bftnet/network"
	"github.com/bftnet/bftnet/network/playground"
)

type (
	simulateConfig struct {
		Base         *baseConfiguration
		Validators   int
		Rounds       int
		Seed         uint64
		Drop         []string
		RoundTimeout time.Duration
	}

	// dropRule means messages from validator "src" to validator "dst" are dropped
	dropRule struct{ src, dst int }

	roundReport struct {
		round            uint64
		leader           int
		proposals, votes int
		droppedProposals int
		droppedVotes     int
	}

	simValidator struct {
		idx int
		nw  *network.ConsensusNetwork
		rcv *network.NetworkReceivers
		log *slog.Logger
	}
)

func newSimulateCmd(baseConfig *baseConfiguration) *cobra.Command {
	config := &simulateConfig{Base: baseConfig}
	var cmd = &cobra.Command{
		Use:   "simulate",
		Short: "Runs validators in the network playground: leaders propose, the others vote for the next leader",
		RunE: func(cmd *cobra.Command, args []string) error {
			return simulateRunFun(cmd.Context(), cmd.OutOrStdout(), config)
		},
	}
	cmd.Flags().IntVar(&config.Validators, "validators", 4, "number of validators")
	cmd.Flags().IntVar(&config.Rounds, "rounds", 10, "number of rounds (proposals) to simulate")
	cmd.Flags().Uint64Var(&config.Seed, "seed", 1, "seed of the validator keys")
	cmd.Flags().StringSliceVar(&config.Drop, "drop", nil, "drop messages from validator to validator, in the form src:dst where src and dst are validator indexes")
	cmd.Flags().DurationVar(&config.RoundTimeout, "round-timeout", 5*time.Second, "how long to wait for the messages of the round to be delivered")
	return cmd
}

func (c *simulateConfig) validate() ([]dropRule, error) {
	if c.Validators < 2 {
		return nil, fmt.Errorf("at least two validators are required, got %d", c.Validators)
	}
	if c.Rounds < 1 {
		return nil, fmt.Errorf("number of rounds must be positive, got %d", c.Rounds)
	}
	if c.RoundTimeout <= 0 {
		return nil, fmt.Errorf("round timeout must be positive, got %s", c.RoundTimeout)
	}
	rules := make([]dropRule, 0, len(c.Drop))
	for _, s := range c.Drop {
		r, err := parseDropRule(s, c.Validators)
		if err != nil {
			return nil, fmt.Errorf("invalid drop rule %q: %w", s, err)
		}
		rules = append(rules, r)
	}
	return rules, nil
}

func parseDropRule(s string, validators int) (dropRule, error) {
	src, dst, ok := strings.Cut(s, ":")
	if !ok {
		return dropRule{}, fmt.Errorf("expected src:dst")
	}
	var r dropRule
	var err error
	if r.src, err = strconv.Atoi(src); err != nil {
		return r, fmt.Errorf("parsing source: %w", err)
	}
	if r.dst, err = strconv.Atoi(dst); err != nil {
		return r, fmt.Errorf("parsing destination: %w", err)
	}
	if r.src < 0 || r.src >= validators || r.dst < 0 || r.dst >= validators {
		return r, fmt.Errorf("validator index out of range [0, %d)", validators)
	}
	return r, nil
}

func simulateRunFun(ctx context.Context, out io.Writer, config *simulateConfig) error {
	rules, err := config.validate()
	if err != nil {
		return err
	}

	u, err := chaingen.NewUniverse(config.Validators, config.Seed)
	if err != nil {
		return fmt.Errorf("creating validators: %w", err)
	}
	chain, err := u.GenerateChain(config.Rounds)
	if err != nil {
		return fmt.Errorf("generating blocks: %w", err)
	}
	epochs, err := epoch.NewRegistry(u.Epoch, u.Verifier)
	if err != nil {
		return fmt.Errorf("creating epoch registry: %w", err)
	}

	obs := config.Base.observe
	log := config.Base.Logger()
	pg := playground.New(log)
	defer pg.Close()
	for _, r := range rules {
		pg.DropMessageFor(u.Author(r.src), u.Author(r.dst))
	}

	validators := make([]*simValidator, u.Size())
	for i := range validators {
		ch := network.NewNetworkChannels(100)
		pg.AddNode(u.Author(i), ch.Inbound, ch.Outbound)
		nodeLog := log.With(logger.NodeID(u.Author(i)))
		nw, err := network.NewConsensusNetwork(u.Author(i), ch.Sender, ch.Events, epochs, obs.WithLogger(nodeLog))
		if err != nil {
			return fmt.Errorf("creating network endpoint of validator %d: %w", i, err)
		}
		validators[i] = &simValidator{idx: i, nw: nw, rcv: nw.Start(ctx), log: nodeLog}
	}
	defer func() {
		for _, v := range validators {
			v.nw.Stop()
		}
	}()

	vctx, cancel := context.WithCancel(ctx)
	g, vctx := errgroup.WithContext(vctx)
	for _, v := range validators {
		g.Go(func() error { return v.run(vctx, u) })
	}

	reports, simErr := runRounds(ctx, pg, u, chain, validators, config.RoundTimeout)
	cancel()
	if err := g.Wait(); err != nil {
		return fmt.Errorf("validator failed: %w", err)
	}
	if simErr != nil {
		return simErr
	}
	return printReport(out, reports)
}

/*
runRounds makes leader of each block to broadcast the proposal and waits
until the proposal and the votes for it have been delivered. Votes may be
queued before the last copy of the proposal is delivered so both are drained
by the same wait.
*/
func runRounds(ctx context.Context, pg *playground.Playground, u *chaingen.Universe, chain *chaingen.Chain, validators []*simValidator, timeout time.Duration) ([]roundReport, error) {
	var reports []roundReport
	for i := 1; i < len(chain.Blocks); i++ {
		proposal := (&chaingen.Chain{Blocks: chain.Blocks[:i+1]}).Proposal()
		leader := proposal.Author()
		voteTo := nextLeader(u, leader)
		rep := roundReport{round: proposal.Block.Round, leader: u.Index(leader)}

		// everyone who gets the proposal votes for it
		var expectedProposals, expectedVotes int
		for _, id := range u.Authors() {
			switch {
			case id == leader:
			case pg.IsMessageDropped(leader, id):
				rep.droppedProposals++
			case pg.IsMessageDropped(id, voteTo):
				expectedProposals++
				rep.droppedVotes++
			default:
				expectedProposals++
				expectedVotes++
			}
		}

		rctx, cancel := context.WithTimeout(ctx, timeout)
		validators[rep.leader].nw.BroadcastProposal(rctx, proposal)
		msgs, err := pg.WaitForMessages(rctx, expectedProposals+expectedVotes, func(mc *playground.MessageCopy) bool {
			return playground.ProposalsOnly(mc) || playground.VotesOnly(mc)
		})
		cancel()
		for _, mc := range msgs {
			if playground.ProposalsOnly(mc) {
				rep.proposals++
			} else {
				rep.votes++
			}
		}
		if err != nil {
			return reports, fmt.Errorf("round %d: delivered %d of %d proposals and %d of %d votes: %w", rep.round, rep.proposals, expectedProposals, rep.votes, expectedVotes, err)
		}
		reports = append(reports, rep)
	}
	return reports, nil
}

func nextLeader(u *chaingen.Universe, leader peer.ID) peer.ID {
	return u.Author((u.Index(leader) + 1) % u.Size())
}

/*
run consumes the receivers of the validator: proposal is answered with a
vote sent to the leader of the next round, other messages are just logged.
*/
func (v *simValidator) run(ctx context.Context, u *chaingen.Universe) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case p, ok := <-v.rcv.Proposals:
			if !ok {
				return nil
			}
			v.log.DebugContext(ctx, "received proposal", logger.Round(p.Block.Round), logger.BlockID(p.Block.ID.Bytes()))
			vote, err := u.Vote(p.Block, v.idx)
			if err != nil {
				return fmt.Errorf("validator %d voting for %s: %w", v.idx, p.Block.ID, err)
			}
			v.nw.SendVote(ctx, vote, []peer.ID{nextLeader(u, p.Author())})
		case vote, ok := <-v.rcv.Votes:
			if !ok {
				return nil
			}
			v.log.DebugContext(ctx, "received vote", logger.Peer(vote.Author), logger.Round(vote.Round()))
		}
	}
}

func printReport(out io.Writer, reports []roundReport) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ROUND\tLEADER\tPROPOSALS\tDROPPED\tVOTES\tDROPPED")
	var delivered, dropped int
	for _, r := range reports {
		fmt.Fprintf(w, "%d\t%d\t%d\t%d\t%d\t%d\n", r.round, r.leader, r.proposals, r.droppedProposals, r.votes, r.droppedVotes)
		delivered += r.proposals + r.votes
		dropped += r.droppedProposals + r.droppedVotes
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("writing report: %w", err)
	}
	_, err := fmt.Fprintf(out, "delivered: %d, dropped: %d\n", delivered, dropped)
	return err
}
