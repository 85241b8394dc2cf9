package dbft

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/ahwlsqja/dbft-node/types"
)

// addTransaction absorbs tx into slot's proposal. It returns false when the
// transaction was rejected and the proposal abandoned.
func (s *Service) addTransaction(slot int, tx *types.Transaction, verify bool) (bool, error) {
	c := s.state
	prop := c.Proposals[slot]
	h := tx.Hash()

	if c.Snapshot.ContainsConflict(h, tx.Signers()) || !prop.verification.check(tx) {
		s.log.Warn("proposal transaction conflicts",
			zap.Stringer("hash", h), zap.Int("slot", slot))
		return false, s.rejectProposal(slot, CVTxInvalid)
	}
	if verify {
		if err := c.Snapshot.VerifyTransaction(tx, prop.verification.pendingFee(tx.Sender)); err != nil {
			reason := CVTxInvalid
			if errors.Is(err, ErrPolicy) {
				reason = CVTxRejectedByPolicy
			}
			s.log.Warn("proposal transaction failed verification",
				zap.Stringer("hash", h), zap.Int("slot", slot), zap.Error(err))
			return false, s.rejectProposal(slot, reason)
		}
	}

	prop.Transactions[h] = tx
	prop.verification.add(tx)
	prop.size += tx.Size()
	prop.systemFee += tx.SystemFee
	return true, s.checkPrepareResponse(slot)
}

// rejectProposal abandons slot's proposal. A bad priority proposal asks for a
// new view; a bad fallback proposal is simply never endorsed.
func (s *Service) rejectProposal(slot int, reason ChangeViewReason) error {
	if slot == FallbackSlot {
		s.log.Info("ignoring fallback proposal", zap.Stringer("reason", reason))
		return nil
	}
	return s.requestChangeView(reason)
}

// checkPrepareResponse endorses slot's proposal once every transaction is
// present and the block stays within policy.
func (s *Service) checkPrepareResponse(slot int) error {
	c := s.state
	if !c.TransactionsComplete(slot) {
		return nil
	}
	if c.IsPrimary(slot) || c.WatchOnly() || c.ResponseSent(slot) {
		return nil
	}
	if size := c.ExpectedBlockSize(slot); size > c.cfg.MaxBlockSize {
		s.log.Warn("rejecting block: size exceeds policy",
			zap.Int("size", size), zap.Int("max", c.cfg.MaxBlockSize), zap.Int("slot", slot))
		return s.rejectProposal(slot, CVBlockRejectedByPolicy)
	}
	if fee := c.ExpectedBlockSystemFee(slot); fee > c.cfg.MaxBlockSystemFee {
		s.log.Warn("rejecting block: system fee exceeds policy",
			zap.Int64("fee", fee), zap.Int64("max", c.cfg.MaxBlockSystemFee), zap.Int("slot", slot))
		return s.rejectProposal(slot, CVBlockRejectedByPolicy)
	}

	s.extendTimerByFactor(2)
	p, err := c.MakePrepareResponse(slot)
	if err != nil {
		s.log.Warn("failed to make prepare response", zap.Int("slot", slot), zap.Error(err))
		return nil
	}
	s.log.Info("sending prepare response", zap.Uint32("height", c.BlockIndex), zap.Int("slot", slot))
	s.broadcast(p)
	return s.checkPreparations(slot)
}

// preparationThreshold is M, lowered to F+1 endorsing backups for the
// priority slot at view 0.
func (s *Service) preparationThreshold(slot int) int {
	c := s.state
	if slot == PrioritySlot && c.ViewNumber == 0 && c.SlotCount() == 2 {
		if fast := c.F() + 2; fast < c.M() {
			return fast
		}
	}
	return c.M()
}

// checkPreparations locks this node on slot once enough preparations exist.
// The lock is written to the recovery log before it is broadcast.
func (s *Service) checkPreparations(slot int) error {
	c := s.state
	if c.WatchOnly() || c.PreCommitSent() || c.CommitSent() {
		return nil
	}
	if !c.RequestSentOrReceived(slot) || !c.TransactionsComplete(slot) {
		return nil
	}
	count := c.countPreparations(slot)
	if count < s.preparationThreshold(slot) {
		return nil
	}

	p, err := c.MakePreCommit(slot)
	if err != nil {
		s.log.Warn("failed to make pre-commit", zap.Int("slot", slot), zap.Error(err))
		return nil
	}
	if err := c.Save(); err != nil {
		return fmt.Errorf("save consensus state before pre-commit: %w", err)
	}
	s.log.Info("sending pre-commit",
		zap.Uint32("height", c.BlockIndex),
		zap.Uint8("view", c.ViewNumber),
		zap.Int("slot", slot),
		zap.Int("preparations", count))
	s.broadcast(p)
	return s.checkPreCommits(slot)
}

// checkPreCommits commits slot's block once M validators locked on it.
func (s *Service) checkPreCommits(slot int) error {
	c := s.state
	if c.WatchOnly() || c.CommitSent() {
		return nil
	}
	if !c.RequestSentOrReceived(slot) || !c.TransactionsComplete(slot) {
		return nil
	}
	prop := c.Proposals[slot]
	h := prop.Preparations[c.PrimaryIndex(slot)].Hash()
	count := 0
	for _, p := range prop.PreCommits {
		if msg := c.GetMessage(p); msg != nil && msg.PreCommit.PreparationHash == h {
			count++
		}
	}
	if count < c.M() {
		return nil
	}

	p, err := c.MakeCommit(slot)
	if err != nil {
		s.log.Warn("failed to make commit", zap.Int("slot", slot), zap.Error(err))
		return nil
	}
	if err := c.Save(); err != nil {
		return fmt.Errorf("save consensus state before commit: %w", err)
	}
	s.log.Info("sending commit",
		zap.Uint32("height", c.BlockIndex),
		zap.Uint8("view", c.ViewNumber),
		zap.Int("slot", slot))
	s.broadcast(p)
	return s.checkCommits(slot)
}

// checkCommits assembles and hands off slot's block once M same-view commits
// and every transaction are present.
func (s *Service) checkCommits(slot int) error {
	c := s.state
	prop := c.Proposal(slot)
	if prop == nil || c.BlockSent() || !c.TransactionsComplete(slot) {
		return nil
	}
	count := 0
	for _, p := range prop.Commits {
		if msg := c.GetMessage(p); msg != nil && msg.ViewNumber == c.ViewNumber && int(msg.Commit.Slot) == slot {
			count++
		}
	}
	if count < c.M() {
		return nil
	}

	block, err := c.CreateBlock(slot)
	if err != nil {
		s.log.Error("failed to assemble block", zap.Int("slot", slot), zap.Error(err))
		return nil
	}
	s.log.Info("sending block",
		zap.Uint32("height", block.Index()),
		zap.Stringer("hash", block.Hash()),
		zap.Int("slot", slot),
		zap.Int("tx", len(block.Transactions)))

	s.blockReceivedIndex = block.Index()
	s.blockReceivedTime = s.cfg.now()
	if err := s.ledger.Persist(block); err != nil {
		return fmt.Errorf("persist block %d: %w", block.Index(), err)
	}
	return nil
}
