package dbft

import (
	"fmt"

	"github.com/ahwlsqja/dbft-node/crypto"
	"github.com/ahwlsqja/dbft-node/types"
)

// makeSignedPayload fills the common header and signs msg as this node.
func (c *Context) makeSignedPayload(msg *ConsensusMessage) (*Payload, error) {
	if c.signer == nil {
		return nil, ErrWatchOnly
	}
	msg.BlockIndex = c.BlockIndex
	msg.ValidatorIndex = uint8(c.MyIndex)
	msg.ViewNumber = c.ViewNumber

	p, err := newPayload(msg, c.Validators.SenderScriptHash(c.MyIndex), c.signer.PublicKey())
	if err != nil {
		return nil, err
	}
	sig, err := c.signer.Sign(p.SignData(c.cfg.Network))
	if err != nil {
		return nil, fmt.Errorf("sign %s: %w", msg.Type, err)
	}
	p.Witness.Invocation = [][]byte{sig}
	c.cachedMessages[p.Hash()] = msg
	return p, nil
}

// blockOverhead estimates the encoded size of a header with its M-of-N witness.
func (c *Context) blockOverhead(slot int) int {
	return c.blockOverheadFor(&c.Proposals[slot].Header)
}

func (c *Context) blockOverheadFor(header *types.Header) int {
	h := *header
	m := c.M()
	h.Witness = types.Witness{
		Invocation:   make([][]byte, m),
		Verification: c.Validators.MultiSigScript(m),
	}
	for i := range h.Witness.Invocation {
		h.Witness.Invocation[i] = make([]byte, crypto.SignatureSize)
	}
	data, err := types.Marshal(&h)
	if err != nil {
		return 0
	}
	return len(data)
}

// EnsureMaxBlockLimitation selects transactions for slot, in the given order,
// until a block policy limit would be exceeded.
func (c *Context) EnsureMaxBlockLimitation(slot int, txs []*types.Transaction) {
	prop := c.Proposals[slot]
	prop.TransactionHashes = make([]types.Hash, 0, len(txs))
	prop.Transactions = make(map[types.Hash]*types.Transaction, len(txs))
	prop.verification = newVerificationContext()
	prop.size = c.blockOverhead(slot)
	prop.systemFee = 0

	for _, tx := range txs {
		if len(prop.TransactionHashes) >= c.cfg.MaxTransactionsPerBlock {
			break
		}
		size := tx.Size()
		if prop.size+size > c.cfg.MaxBlockSize {
			break
		}
		if prop.systemFee+tx.SystemFee > c.cfg.MaxBlockSystemFee {
			break
		}
		h := tx.Hash()
		prop.TransactionHashes = append(prop.TransactionHashes, h)
		prop.Transactions[h] = tx
		prop.verification.add(tx)
		prop.size += size
		prop.systemFee += tx.SystemFee
	}
}

// MakePrepareRequest builds and signs this node's proposal for slot.
func (c *Context) MakePrepareRequest(slot int) (*Payload, error) {
	if !c.IsPrimary(slot) {
		return nil, fmt.Errorf("node %d is not primary of slot %d", c.MyIndex, slot)
	}
	prop := c.Proposals[slot]
	c.EnsureMaxBlockLimitation(slot, c.pool.GetSortedVerifiedTransactions(c.cfg.MaxTransactionsPerBlock))

	ts := c.cfg.nowMillis()
	if ts <= c.PrevHeader.Timestamp {
		ts = c.PrevHeader.Timestamp + 1
	}
	nonce, err := crypto.RandomUint64()
	if err != nil {
		return nil, err
	}
	prop.Header.Timestamp = ts
	prop.Header.Nonce = nonce

	p, err := c.makeSignedPayload(&ConsensusMessage{
		Type: PrepareRequestType,
		PrepareRequest: &PrepareRequest{
			Slot:              uint8(slot),
			Version:           prop.Header.Version,
			PrevHash:          prop.Header.PrevHash,
			Timestamp:         ts,
			Nonce:             nonce,
			TransactionHashes: prop.TransactionHashes,
		},
	})
	if err != nil {
		return nil, err
	}
	prop.Preparations[c.MyIndex] = p
	return p, nil
}

// MakePrepareResponse endorses the PrepareRequest received for slot.
func (c *Context) MakePrepareResponse(slot int) (*Payload, error) {
	if c.WatchOnly() {
		return nil, ErrWatchOnly
	}
	prop := c.Proposals[slot]
	if existing := prop.Preparations[c.MyIndex]; existing != nil {
		return existing, nil
	}
	request := prop.Preparations[c.PrimaryIndex(slot)]
	if request == nil {
		return nil, ErrNoRequest
	}
	p, err := c.makeSignedPayload(&ConsensusMessage{
		Type: PrepareResponseType,
		PrepareResponse: &PrepareResponse{
			Slot:            uint8(slot),
			PreparationHash: request.Hash(),
		},
	})
	if err != nil {
		return nil, err
	}
	prop.Preparations[c.MyIndex] = p
	return p, nil
}

// MakePreCommit locks this node on slot's proposal. Idempotent.
func (c *Context) MakePreCommit(slot int) (*Payload, error) {
	if c.WatchOnly() {
		return nil, ErrWatchOnly
	}
	prop := c.Proposals[slot]
	if prop.PreCommits[c.MyIndex] != nil {
		return prop.PreCommits[c.MyIndex], nil
	}
	request := prop.Preparations[c.PrimaryIndex(slot)]
	if request == nil {
		return nil, ErrNoRequest
	}
	p, err := c.makeSignedPayload(&ConsensusMessage{
		Type: PreCommitType,
		PreCommit: &PreCommit{
			Slot:            uint8(slot),
			PreparationHash: request.Hash(),
		},
	})
	if err != nil {
		return nil, err
	}
	prop.PreCommits[c.MyIndex] = p
	return p, nil
}

// MakeCommit signs slot's block header. Idempotent.
func (c *Context) MakeCommit(slot int) (*Payload, error) {
	if c.WatchOnly() {
		return nil, ErrWatchOnly
	}
	prop := c.Proposals[slot]
	if prop.Commits[c.MyIndex] != nil {
		return prop.Commits[c.MyIndex], nil
	}
	header := c.EnsureHeader(slot)
	if header == nil {
		return nil, ErrNoRequest
	}
	sig, err := c.signer.Sign(header.SignData(c.cfg.Network))
	if err != nil {
		return nil, fmt.Errorf("sign header: %w", err)
	}
	p, err := c.makeSignedPayload(&ConsensusMessage{
		Type:   CommitType,
		Commit: &Commit{Slot: uint8(slot), Signature: sig},
	})
	if err != nil {
		return nil, err
	}
	prop.Commits[c.MyIndex] = p
	c.committed.Set(uint(c.MyIndex))
	return p, nil
}

// MakeChangeView asks for view+1.
func (c *Context) MakeChangeView(reason ChangeViewReason) (*Payload, error) {
	p, err := c.makeSignedPayload(&ConsensusMessage{
		Type: ChangeViewType,
		ChangeView: &ChangeView{
			Timestamp: c.cfg.nowMillis(),
			Reason:    reason,
		},
	})
	if err != nil {
		return nil, err
	}
	c.ChangeViewPayloads[c.MyIndex] = p
	return p, nil
}

// MakeRecoveryRequest asks peers to resend the round state.
func (c *Context) MakeRecoveryRequest() (*Payload, error) {
	return c.makeSignedPayload(&ConsensusMessage{
		Type:            RecoveryRequestType,
		RecoveryRequest: &RecoveryRequest{Timestamp: c.cfg.nowMillis()},
	})
}

// EnsureHeader fills slot's merkle root once the request is known and returns
// the header, or nil without a request.
func (c *Context) EnsureHeader(slot int) *types.Header {
	prop := c.Proposal(slot)
	if prop == nil || prop.TransactionHashes == nil {
		return nil
	}
	if prop.Header.MerkleRoot.IsZero() {
		prop.Header.MerkleRoot = crypto.MerkleRoot(prop.TransactionHashes)
	}
	return &prop.Header
}

// CreateBlock aggregates M same-view commit signatures of slot into the
// block witness. The caller must have checked the commit quorum.
func (c *Context) CreateBlock(slot int) (*types.Block, error) {
	header := c.EnsureHeader(slot)
	if header == nil {
		return nil, ErrNoRequest
	}
	prop := c.Proposals[slot]
	m := c.M()

	sigs := make([][]byte, 0, m)
	for _, p := range prop.Commits {
		msg := c.GetMessage(p)
		if msg == nil || msg.ViewNumber != c.ViewNumber || msg.Commit.Slot != uint8(slot) {
			continue
		}
		sigs = append(sigs, msg.Commit.Signature)
		if len(sigs) == m {
			break
		}
	}
	if len(sigs) < m {
		return nil, fmt.Errorf("only %d of %d commits for slot %d", len(sigs), m, slot)
	}
	header.Witness = types.Witness{
		Invocation:   sigs,
		Verification: c.Validators.MultiSigScript(m),
	}

	txs := make([]*types.Transaction, len(prop.TransactionHashes))
	for i, h := range prop.TransactionHashes {
		tx, ok := prop.Transactions[h]
		if !ok {
			return nil, fmt.Errorf("transaction %s missing from slot %d", h, slot)
		}
		txs[i] = tx
	}
	c.blockSent = true
	return &types.Block{Header: *header, Transactions: txs}, nil
}

// ExpectedBlockSize returns the running size of slot's block.
func (c *Context) ExpectedBlockSize(slot int) int {
	return c.Proposals[slot].size
}

// ExpectedBlockSystemFee returns the running system fee of slot's block.
func (c *Context) ExpectedBlockSystemFee(slot int) int64 {
	return c.Proposals[slot].systemFee
}

// verificationContext tracks per-proposal sender fees and declared conflicts.
type verificationContext struct {
	senderFee map[types.Address]int64
	// conflicts maps a hash to the senders of transactions declaring a conflict with it.
	conflicts map[types.Hash][]types.Address
	hashes    map[types.Hash]types.Address
}

func newVerificationContext() *verificationContext {
	return &verificationContext{
		senderFee: make(map[types.Address]int64),
		conflicts: make(map[types.Hash][]types.Address),
		hashes:    make(map[types.Hash]types.Address),
	}
}

// check reports whether tx can join the proposal.
func (v *verificationContext) check(tx *types.Transaction) bool {
	h := tx.Hash()
	for _, sender := range v.conflicts[h] {
		if sender == tx.Sender {
			return false
		}
	}
	for _, ch := range tx.Conflicts {
		if sender, ok := v.hashes[ch]; ok && sender == tx.Sender {
			return false
		}
	}
	return true
}

func (v *verificationContext) add(tx *types.Transaction) {
	h := tx.Hash()
	v.hashes[h] = tx.Sender
	v.senderFee[tx.Sender] += tx.SystemFee + tx.NetworkFee
	for _, ch := range tx.Conflicts {
		v.conflicts[ch] = append(v.conflicts[ch], tx.Sender)
	}
}

func (v *verificationContext) pendingFee(sender types.Address) int64 {
	return v.senderFee[sender]
}
