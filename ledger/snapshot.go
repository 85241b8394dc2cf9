package ledger

import (
	"fmt"
	"sync/atomic"

	"github.com/ahwlsqja/dbft-node/consensus/dbft"
	"github.com/ahwlsqja/dbft-node/types"
)

// Snapshot is a read-only view of the chain fixed at the height it was
// opened. Blocks persisted afterwards are invisible to it.
type Snapshot struct {
	chain  *Chain
	height uint32
	hash   types.Hash
	closed atomic.Bool
}

func (s *Snapshot) CurrentHeight() uint32 {
	return s.height
}

func (s *Snapshot) CurrentHash() types.Hash {
	return s.hash
}

// GetHeader returns a copy of the header with hash at or below the snapshot
// height.
func (s *Snapshot) GetHeader(hash types.Hash) (*types.Header, error) {
	if s.closed.Load() {
		return nil, ErrSnapshotClosed
	}
	c := s.chain
	c.mu.RLock()
	defer c.mu.RUnlock()
	height, ok := c.hashIndex[hash]
	if !ok || height > s.height {
		return nil, fmt.Errorf("%w: %s", ErrHeaderNotFound, hash)
	}
	h := *c.headers[height]
	return &h, nil
}

// NextValidators returns the first count standby validators.
func (s *Snapshot) NextValidators(count int) ([][]byte, error) {
	if s.closed.Load() {
		return nil, ErrSnapshotClosed
	}
	keys := s.chain.validators.PublicKeys()
	if count <= 0 || count > len(keys) {
		return nil, fmt.Errorf("requested %d validators, %d configured", count, len(keys))
	}
	return keys[:count], nil
}

func (s *Snapshot) ContainsTransaction(hash types.Hash) bool {
	c := s.chain
	c.mu.RLock()
	defer c.mu.RUnlock()
	height, ok := c.txIndex[hash]
	return ok && height <= s.height
}

// ContainsConflict reports whether an on-chain transaction signed by one of
// signers declared a conflict with hash.
func (s *Snapshot) ContainsConflict(hash types.Hash, signers []types.Address) bool {
	c := s.chain
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, rec := range c.conflicts[hash] {
		if rec.height > s.height {
			continue
		}
		for _, a := range rec.signers {
			for _, b := range signers {
				if a == b {
					return true
				}
			}
		}
	}
	return false
}

// VerifyTransaction checks tx against the chain and the fee policy. Policy
// failures wrap dbft.ErrPolicy; everything else wraps
// dbft.ErrInvalidTransaction.
func (s *Snapshot) VerifyTransaction(tx *types.Transaction, pendingFee int64) error {
	if s.closed.Load() {
		return ErrSnapshotClosed
	}
	cfg := s.chain.cfg

	switch {
	case len(tx.Script) == 0:
		return fmt.Errorf("%w: empty script", dbft.ErrInvalidTransaction)
	case tx.SystemFee < 0 || tx.NetworkFee < 0:
		return fmt.Errorf("%w: negative fee", dbft.ErrInvalidTransaction)
	case tx.ValidUntilBlock <= s.height:
		return fmt.Errorf("%w: expired at %d (height %d)", dbft.ErrInvalidTransaction, tx.ValidUntilBlock, s.height)
	case cfg.MaxValidUntilBlockIncrement > 0 && tx.ValidUntilBlock > s.height+cfg.MaxValidUntilBlockIncrement:
		return fmt.Errorf("%w: valid until %d is too far ahead", dbft.ErrInvalidTransaction, tx.ValidUntilBlock)
	}
	if s.ContainsTransaction(tx.Hash()) {
		return fmt.Errorf("%w: already on chain", dbft.ErrInvalidTransaction)
	}

	// 정책
	if fpb := tx.FeePerByte(); fpb < cfg.MinFeePerByte {
		return fmt.Errorf("%w: fee per byte %d below %d", dbft.ErrPolicy, fpb, cfg.MinFeePerByte)
	}
	if cfg.MaxSenderPendingFee > 0 {
		total := pendingFee + tx.SystemFee + tx.NetworkFee
		if total > cfg.MaxSenderPendingFee {
			return fmt.Errorf("%w: sender fees %d exceed %d", dbft.ErrPolicy, total, cfg.MaxSenderPendingFee)
		}
	}

	ctx, cancel := s.chain.execContext(s.chain.ctx)
	defer cancel()
	if err := s.chain.exec.CheckTx(ctx, tx); err != nil {
		return fmt.Errorf("%w: %v", dbft.ErrInvalidTransaction, err)
	}
	return nil
}

// Close releases the snapshot. Later calls that need chain data fail.
func (s *Snapshot) Close() {
	s.closed.Store(true)
}

var _ dbft.Snapshot = (*Snapshot)(nil)
