// Package ledger holds the chain: it verifies, stores and executes finalized
// blocks and serves read-only snapshots to the consensus engine.
package ledger

import (
	"github.com/ahwlsqja/dbft-node/crypto"
	"github.com/ahwlsqja/dbft-node/types"
)

// GenesisNonce is the fixed nonce of block 0.
const GenesisNonce uint64 = 2083236893

// GenesisBlock returns the deterministic block 0 for the standby validators.
// Every node configured with the same validators and timestamp derives the
// same genesis hash.
func GenesisBlock(standby [][]byte, timestamp uint64) *types.Block {
	vs := types.NewValidatorSet(standby)
	return &types.Block{
		Header: types.Header{
			Version:       0,
			MerkleRoot:    crypto.MerkleRoot(nil),
			Timestamp:     timestamp,
			Nonce:         GenesisNonce,
			Index:         0,
			PrimaryIndex:  0,
			NextConsensus: vs.MultiSigAddress(),
		},
	}
}
