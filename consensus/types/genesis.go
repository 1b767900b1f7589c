package types

import "crypto/sha256"

const GenesisEpoch uint64 = 0

var (
	GenesisBlockID = HashValue(sha256.Sum256([]byte("bftnet/genesis-block")))
	GenesisStateID = HashValue(sha256.Sum256([]byte("bftnet/genesis-state")))
)

/*
MakeGenesisBlock returns the genesis block. It is the same for every caller
(round 0, well known ID, certificate referring to itself) so validators
agree on it without any communication.
*/
func MakeGenesisBlock() *Block {
	return &Block{
		ID:         GenesisBlockID,
		Epoch:      GenesisEpoch,
		QuorumCert: CertificateForGenesis(),
	}
}
