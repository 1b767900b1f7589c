package chaingen

import (
	"fmt"
	"math/rand"

	"github.com/bftnet/bftnet/consensus/types"
	"github.com/bftnet/bftnet/network/protocol/consensus"
)

const baseTimestamp = 1_700_000_000_000

/*
BlockGen is the intent of a block. Indexes refer to the validators of the
Universe, out of range values wrap around.
*/
type BlockGen struct {
	ProposerIndex int
	Payload       []byte
	// number of rounds skipped between the parent and the block
	RoundGap uint64
	// validators signing the certificate of the parent, empty means all
	Signers []int
}

/*
RandomBlockGens returns "n" random intents for universe of size "validators".
Certificate signers are always a quorum.
*/
func RandomBlockGens(rnd *rand.Rand, n, validators int) []BlockGen {
	quorum := validators*2/3 + 1
	gens := make([]BlockGen, n)
	for i := range gens {
		payload := make([]byte, rnd.Intn(64))
		rnd.Read(payload)
		gens[i] = BlockGen{
			ProposerIndex: rnd.Intn(validators),
			Payload:       payload,
			Signers:       rnd.Perm(validators)[:quorum+rnd.Intn(validators-quorum+1)],
		}
		// mostly contiguous rounds
		if rnd.Intn(4) == 0 {
			gens[i].RoundGap = uint64(rnd.Intn(3) + 1)
		}
	}
	return gens
}

/*
Chain is materialized sequence of blocks, Blocks[0] is genesis and
Blocks[i].QuorumCert certifies Blocks[i-1]. HighestQC certifies the last block.
*/
type Chain struct {
	Blocks    []*types.Block
	HighestQC *types.QuorumCert
}

func (c *Chain) Tip() *types.Block {
	return c.Blocks[len(c.Blocks)-1]
}

/*
SyncInfo returns sync info of a validator which has seen the whole chain.
*/
func (c *Chain) SyncInfo() *types.SyncInfo {
	hcc := c.highestCommitCert()
	if _, ok := c.HighestQC.CommittedBlockID(); ok {
		hcc = c.HighestQC
	}
	return types.NewSyncInfo(c.HighestQC, hcc, nil)
}

// highestCommitCert returns the last certificate in the chain which commits a block.
func (c *Chain) highestCommitCert() *types.QuorumCert {
	hcc := types.CertificateForGenesis()
	for _, b := range c.Blocks {
		if _, ok := b.QuorumCert.CommittedBlockID(); ok {
			hcc = b.QuorumCert
		}
	}
	return hcc
}

/*
Proposal returns proposal message for the tip of the chain.
*/
func (c *Chain) Proposal() *consensus.ProposalMsg {
	tip := c.Tip()
	return &consensus.ProposalMsg{Block: tip, SyncInfo: types.NewSyncInfo(tip.QuorumCert, c.highestCommitCert(), nil)}
}

/*
Materialize builds chain on top of genesis according to "intents".
*/
func (u *Universe) Materialize(intents []BlockGen) (*Chain, error) {
	c := &Chain{Blocks: []*types.Block{types.MakeGenesisBlock()}}
	for i, bg := range intents {
		parent := c.Tip()
		proposer := u.signer(bg.ProposerIndex)
		qc, err := u.Certify(parent, bg.Signers...)
		if err != nil {
			return nil, fmt.Errorf("intent %d: certifying parent: %w", i, err)
		}
		round := parent.Round + 1 + bg.RoundGap
		b, err := types.MakeBlock(parent, bg.Payload, round, baseTimestamp+round*1000, qc, proposer)
		if err != nil {
			return nil, fmt.Errorf("intent %d: making block: %w", i, err)
		}
		c.Blocks = append(c.Blocks, b)
	}
	qc, err := u.Certify(c.Tip())
	if err != nil {
		return nil, fmt.Errorf("certifying tip: %w", err)
	}
	c.HighestQC = qc
	return c, nil
}

/*
GenerateChain builds chain of "n" blocks with contiguous rounds, proposer of
the round r is validator r%size.
*/
func (u *Universe) GenerateChain(n int) (*Chain, error) {
	intents := make([]BlockGen, n)
	for i := range intents {
		intents[i] = BlockGen{ProposerIndex: i + 1, Payload: []byte(fmt.Sprintf("block %d", i+1))}
	}
	return u.Materialize(intents)
}
