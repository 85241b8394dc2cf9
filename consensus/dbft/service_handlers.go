package dbft

import (
	"time"

	"go.uber.org/zap"

	"github.com/ahwlsqja/dbft-node/crypto"
	"github.com/ahwlsqja/dbft-node/types"
)

// onPayload validates the envelope against the round and dispatches it.
// The witness must already be verified.
func (s *Service) onPayload(p *Payload) error {
	c := s.state
	if !s.started || c.BlockSent() {
		return nil
	}
	msg := c.GetMessage(p)
	if msg == nil {
		s.metrics.IncrementMessagesDropped("malformed")
		s.log.Debug("dropping undecodable payload", zap.Stringer("sender", p.Sender))
		return nil
	}
	if msg.BlockIndex != c.BlockIndex {
		if msg.BlockIndex > c.BlockIndex {
			s.log.Debug("chain is behind",
				zap.Uint32("expected", c.BlockIndex),
				zap.Uint32("current", msg.BlockIndex))
		}
		return nil
	}
	if p.ValidBlockEnd != msg.BlockIndex {
		return nil
	}
	idx := int(msg.ValidatorIndex)
	if idx >= c.N() {
		return nil
	}
	if p.Sender != c.Validators.SenderScriptHash(idx) {
		s.metrics.IncrementMessagesDropped("wrong_sender")
		s.log.Warn("payload sender does not match validator",
			zap.Int("validator", idx), zap.Stringer("sender", p.Sender))
		return nil
	}

	id := c.Validators.Validators[idx].ID()
	if seen, ok := c.LastSeenMessage[id]; !ok || seen < msg.BlockIndex {
		c.LastSeenMessage[id] = msg.BlockIndex
	}

	start := time.Now()
	defer func() {
		s.metrics.RecordMessageProcessingTime(msg.Type.String(), time.Since(start))
	}()
	s.metrics.IncrementMessagesReceived(msg.Type.String())

	switch msg.Type {
	case ChangeViewType:
		return s.onChangeViewReceived(p, msg)
	case CommitType:
		return s.onCommitReceived(p, msg)
	case RecoveryRequestType:
		return s.onRecoveryRequestReceived(p, msg)
	case RecoveryMessageType:
		return s.onRecoveryMessageReceived(msg)
	}

	if msg.ViewNumber != c.ViewNumber {
		return nil
	}
	switch msg.Type {
	case PrepareRequestType:
		return s.onPrepareRequestReceived(p, msg)
	case PrepareResponseType:
		return s.onPrepareResponseReceived(p, msg)
	case PreCommitType:
		return s.onPreCommitReceived(p, msg)
	}
	return nil
}

func (s *Service) onChangeViewReceived(p *Payload, msg *ConsensusMessage) error {
	c := s.state
	if msg.NewViewNumber() <= c.ViewNumber {
		// 뒤처진 노드의 뷰 변경은 복구 요청으로 처리
		if s.isRecovering {
			return nil
		}
		return s.onRecoveryRequestReceived(p, msg)
	}
	if c.CommitSent() {
		return nil
	}
	idx := int(msg.ValidatorIndex)
	if existing := c.GetMessage(c.ChangeViewPayloads[idx]); existing != nil && msg.NewViewNumber() <= existing.NewViewNumber() {
		return nil
	}
	s.log.Debug("change view received",
		zap.Int("validator", idx),
		zap.Uint8("new_view", msg.NewViewNumber()),
		zap.Stringer("reason", msg.ChangeView.Reason))
	c.ChangeViewPayloads[idx] = p
	return s.checkExpectedView(msg.NewViewNumber())
}

func (s *Service) onPrepareRequestReceived(p *Payload, msg *ConsensusMessage) error {
	c := s.state
	req := msg.PrepareRequest
	slot := int(req.Slot)
	prop := c.Proposal(slot)
	if prop == nil || c.RequestSentOrReceived(slot) || c.NotAcceptingPayloadsDueToViewChanging() {
		return nil
	}
	if int(msg.ValidatorIndex) != c.PrimaryIndex(slot) {
		s.log.Debug("prepare request from non-primary",
			zap.Int("validator", int(msg.ValidatorIndex)), zap.Int("slot", slot))
		return nil
	}
	if req.Version != c.cfg.BlockVersion || req.PrevHash != c.PrevHeader.Hash() {
		s.log.Warn("prepare request does not extend the current chain", zap.Int("slot", slot))
		return nil
	}
	if len(req.TransactionHashes) > c.cfg.MaxTransactionsPerBlock {
		s.log.Warn("prepare request exceeds transaction limit",
			zap.Int("tx", len(req.TransactionHashes)),
			zap.Int("max", c.cfg.MaxTransactionsPerBlock))
		return nil
	}
	limit := c.cfg.nowMillis() + uint64(8*c.cfg.TimePerBlock/time.Millisecond)
	if req.Timestamp <= c.PrevHeader.Timestamp || req.Timestamp > limit {
		s.log.Warn("prepare request timestamp out of range",
			zap.Uint64("timestamp", req.Timestamp),
			zap.Uint64("prev", c.PrevHeader.Timestamp))
		return nil
	}
	for _, h := range req.TransactionHashes {
		if c.Snapshot.ContainsTransaction(h) {
			s.log.Warn("prepare request references a persisted transaction", zap.Stringer("hash", h))
			return nil
		}
	}

	s.log.Info("prepare request received",
		zap.Uint32("height", msg.BlockIndex),
		zap.Uint8("view", msg.ViewNumber),
		zap.Int("slot", slot),
		zap.Int("tx", len(req.TransactionHashes)))
	s.extendTimerByFactor(2)

	prop.Header.Timestamp = req.Timestamp
	prop.Header.Nonce = req.Nonce
	prop.Header.MerkleRoot = types.Hash{}
	prop.TransactionHashes = req.TransactionHashes
	if prop.TransactionHashes == nil {
		prop.TransactionHashes = []types.Hash{}
	}
	prop.Transactions = make(map[types.Hash]*types.Transaction, len(prop.TransactionHashes))
	prop.verification = newVerificationContext()
	prop.size = c.blockOverhead(slot)
	prop.systemFee = 0

	h := p.Hash()
	for i, pp := range prop.Preparations {
		if pp == nil {
			continue
		}
		if m := c.GetMessage(pp); m == nil || m.PrepareResponse == nil || m.PrepareResponse.PreparationHash != h {
			prop.Preparations[i] = nil
		}
	}
	prop.Preparations[msg.ValidatorIndex] = p
	for i, pp := range prop.PreCommits {
		if m := c.GetMessage(pp); m != nil && m.PreCommit.PreparationHash != h {
			prop.PreCommits[i] = nil
		}
	}

	header := c.EnsureHeader(slot)
	for i, cp := range prop.Commits {
		m := c.GetMessage(cp)
		if m == nil || m.ViewNumber != c.ViewNumber || int(m.Commit.Slot) != slot {
			continue
		}
		if !s.verifyCommitSignature(i, m.Commit.Signature, header) {
			s.log.Warn("dropping commit that does not match the request", zap.Int("validator", i))
			prop.Commits[i] = nil
			c.committed.Clear(uint(i))
		}
	}

	if len(prop.TransactionHashes) == 0 {
		return s.checkPrepareResponse(slot)
	}

	verified := s.pool.GetVerifiedTransactions()
	var missing []types.Hash
	for _, th := range prop.TransactionHashes {
		var (
			ok  bool
			err error
		)
		if tx, found := verified[th]; found {
			ok, err = s.addTransaction(slot, tx, false)
		} else if tx, found := s.pool.TryGet(th); found {
			ok, err = s.addTransaction(slot, tx, true)
		} else {
			missing = append(missing, th)
			continue
		}
		if err != nil || !ok {
			return err
		}
	}
	if len(missing) > 0 {
		s.log.Debug("requesting missing transactions", zap.Int("count", len(missing)), zap.Int("slot", slot))
		if err := s.transport.RequestTransactions(missing); err != nil {
			s.log.Warn("transaction request failed", zap.Error(err))
		}
	}
	return nil
}

func (s *Service) onPrepareResponseReceived(p *Payload, msg *ConsensusMessage) error {
	c := s.state
	slot := int(msg.PrepareResponse.Slot)
	prop := c.Proposal(slot)
	idx := int(msg.ValidatorIndex)
	if prop == nil || prop.Preparations[idx] != nil || c.NotAcceptingPayloadsDueToViewChanging() {
		return nil
	}
	primary := c.PrimaryIndex(slot)
	if idx == primary {
		return nil
	}
	if c.RequestSentOrReceived(slot) && msg.PrepareResponse.PreparationHash != prop.Preparations[primary].Hash() {
		s.log.Warn("prepare response for a different request",
			zap.Int("validator", idx), zap.Int("slot", slot))
		return nil
	}

	s.log.Debug("prepare response received", zap.Int("validator", idx), zap.Int("slot", slot))
	s.extendTimerByFactor(2)
	prop.Preparations[idx] = p
	if c.WatchOnly() || c.CommitSent() {
		return nil
	}
	if c.RequestSentOrReceived(slot) {
		return s.checkPreparations(slot)
	}
	return nil
}

func (s *Service) onPreCommitReceived(p *Payload, msg *ConsensusMessage) error {
	c := s.state
	slot := int(msg.PreCommit.Slot)
	prop := c.Proposal(slot)
	if prop == nil {
		return nil
	}
	idx := int(msg.ValidatorIndex)
	for i := 0; i < c.SlotCount(); i++ {
		if c.Proposals[i].PreCommits[idx] != nil {
			return nil
		}
	}
	if c.RequestSentOrReceived(slot) && msg.PreCommit.PreparationHash != prop.Preparations[c.PrimaryIndex(slot)].Hash() {
		s.log.Warn("pre-commit for a different request",
			zap.Int("validator", idx), zap.Int("slot", slot))
		return nil
	}

	s.log.Debug("pre-commit received", zap.Int("validator", idx), zap.Int("slot", slot))
	s.extendTimerByFactor(4)
	prop.PreCommits[idx] = p
	return s.checkPreCommits(slot)
}

func (s *Service) onCommitReceived(p *Payload, msg *ConsensusMessage) error {
	c := s.state
	idx := int(msg.ValidatorIndex)
	for i := 0; i < c.SlotCount(); i++ {
		if existing := c.Proposals[i].Commits[idx]; existing != nil {
			if existing.Hash() != p.Hash() {
				s.log.Warn("rejected conflicting commit", zap.Int("validator", idx))
			}
			return nil
		}
	}

	slot := int(msg.Commit.Slot)
	prop := c.Proposal(slot)
	if msg.ViewNumber != c.ViewNumber {
		// 다른 뷰의 커밋은 집계와 복구용으로만 보관
		if prop == nil {
			prop = c.Proposals[PrioritySlot]
		}
		prop.Commits[idx] = p
		c.committed.Set(uint(idx))
		return nil
	}
	if prop == nil {
		return nil
	}

	header := c.EnsureHeader(slot)
	if header != nil && !s.verifyCommitSignature(idx, msg.Commit.Signature, header) {
		s.log.Warn("invalid commit signature", zap.Int("validator", idx), zap.Int("slot", slot))
		return nil
	}
	s.log.Debug("commit received", zap.Int("validator", idx), zap.Int("slot", slot))
	s.extendTimerByFactor(4)
	prop.Commits[idx] = p
	c.committed.Set(uint(idx))
	if header == nil {
		return nil
	}
	return s.checkCommits(slot)
}

func (s *Service) verifyCommitSignature(idx int, sig []byte, header *types.Header) bool {
	if header == nil {
		return false
	}
	ok, err := crypto.VerifyWithPublicKey(s.state.Validators.Validators[idx].PublicKey, header.SignData(s.cfg.Network), sig)
	return err == nil && ok
}

func (s *Service) onRecoveryRequestReceived(p *Payload, msg *ConsensusMessage) error {
	c := s.state
	h := p.Hash()
	if _, ok := s.knownHashes[h]; ok {
		return nil
	}
	s.knownHashes[h] = struct{}{}
	if c.WatchOnly() {
		return nil
	}

	if !c.CommitSent() {
		// 요청자 다음 F+1개 노드만 응답
		n := c.N()
		respond := false
		for i := 1; i <= c.F()+1; i++ {
			if (int(msg.ValidatorIndex)+i)%n == c.MyIndex {
				respond = true
				break
			}
		}
		if !respond {
			return nil
		}
	}

	rm, err := c.MakeRecoveryMessage()
	if err != nil {
		s.log.Warn("failed to make recovery message", zap.Error(err))
		return nil
	}
	s.log.Debug("answering recovery request",
		zap.Int("validator", int(msg.ValidatorIndex)),
		zap.Stringer("type", msg.Type))
	if err := s.transport.SendDirect(int(msg.ValidatorIndex), rm); err != nil {
		s.log.Warn("send recovery message failed", zap.Error(err))
		return nil
	}
	s.metrics.IncrementMessagesSent(RecoveryMessageType.String())
	return nil
}

func (s *Service) onRecoveryMessageReceived(msg *ConsensusMessage) error {
	c := s.state
	rm := msg.RecoveryMessage
	var (
		validChangeViews, totalChangeViews int
		validRequests, totalRequests       int
		validResponses, totalResponses     int
		validPreCommits, totalPreCommits   int
		validCommits, totalCommits         int
	)

	s.isRecovering = true
	defer func() {
		s.isRecovering = false
		s.log.Debug("recovery message processed",
			zap.Int("validator", int(msg.ValidatorIndex)),
			zap.Uint8("view", msg.ViewNumber),
			zap.Int("change_views", validChangeViews), zap.Int("change_views_total", totalChangeViews),
			zap.Int("requests", validRequests), zap.Int("requests_total", totalRequests),
			zap.Int("responses", validResponses), zap.Int("responses_total", totalResponses),
			zap.Int("precommits", validPreCommits), zap.Int("precommits_total", totalPreCommits),
			zap.Int("commits", validCommits), zap.Int("commits_total", totalCommits))
	}()

	if msg.ViewNumber > c.ViewNumber {
		if c.CommitSent() {
			return nil
		}
		payloads := rm.ChangeViewPayloads(c, msg.BlockIndex)
		totalChangeViews = len(payloads)
		for _, p := range payloads {
			ok, err := s.reverifyAndProcess(p)
			if err != nil {
				return err
			}
			if ok {
				validChangeViews++
			}
		}
	}

	if msg.ViewNumber == c.ViewNumber && !c.NotAcceptingPayloadsDueToViewChanging() && !c.CommitSent() {
		for slot := 0; slot < c.SlotCount(); slot++ {
			if c.BlockSent() || c.ViewNumber != msg.ViewNumber {
				break
			}
			if !c.RequestSentOrReceived(slot) {
				if p := rm.PrepareRequestPayload(c, msg.BlockIndex, msg.ViewNumber, slot); p != nil {
					totalRequests++
					ok, err := s.reverifyAndProcess(p)
					if err != nil {
						return err
					}
					if ok {
						validRequests++
					}
				}
			}
			for _, p := range rm.PrepareResponsePayloads(c, msg.BlockIndex, msg.ViewNumber, slot) {
				totalResponses++
				ok, err := s.reverifyAndProcess(p)
				if err != nil {
					return err
				}
				if ok {
					validResponses++
				}
			}
		}
		for _, p := range rm.PreCommitPayloads(c, msg.BlockIndex, msg.ViewNumber) {
			totalPreCommits++
			ok, err := s.reverifyAndProcess(p)
			if err != nil {
				return err
			}
			if ok {
				validPreCommits++
			}
		}
	}

	if msg.ViewNumber <= c.ViewNumber {
		for _, p := range rm.CommitPayloads(c, msg.BlockIndex) {
			totalCommits++
			ok, err := s.reverifyAndProcess(p)
			if err != nil {
				return err
			}
			if ok {
				validCommits++
			}
		}
	}
	return nil
}

// reverifyAndProcess checks a rebuilt payload's witness and feeds it through
// the regular dispatch.
func (s *Service) reverifyAndProcess(p *Payload) (bool, error) {
	if !s.verifyPayload(p) {
		return false, nil
	}
	if err := s.onPayload(p); err != nil {
		return true, err
	}
	return true, nil
}

func (s *Service) onTransaction(tx *types.Transaction) error {
	c := s.state
	if !s.started || c.BlockSent() || c.NotAcceptingPayloadsDueToViewChanging() {
		return nil
	}
	h := tx.Hash()
	for slot := 0; slot < c.SlotCount(); slot++ {
		prop := c.Proposals[slot]
		if !c.IsBackup(slot) || !c.RequestSentOrReceived(slot) || c.ResponseSent(slot) {
			continue
		}
		if _, ok := prop.Transactions[h]; ok || !containsHash(prop.TransactionHashes, h) {
			continue
		}
		if _, err := s.addTransaction(slot, tx, true); err != nil {
			return err
		}
		if c.ViewChanging() {
			return nil
		}
	}
	return nil
}

func containsHash(hashes []types.Hash, h types.Hash) bool {
	for _, x := range hashes {
		if x == h {
			return true
		}
	}
	return false
}
