package dbft

import (
	"fmt"

	"github.com/bits-and-blooms/bitset"
	"go.uber.org/zap"

	"github.com/ahwlsqja/dbft-node/crypto"
	"github.com/ahwlsqja/dbft-node/types"
)

// Slots per height at view 0: priority and fallback.
const (
	PrioritySlot = 0
	FallbackSlot = 1
)

// Proposal tracks one candidate block and the votes collected for it.
type Proposal struct {
	Header            types.Header
	TransactionHashes []types.Hash
	Transactions      map[types.Hash]*types.Transaction

	// Indexed by validator; nil means nothing received.
	Preparations []*Payload
	PreCommits   []*Payload
	Commits      []*Payload

	verification *verificationContext
	size         int
	systemFee    int64
}

func newProposal(n int) *Proposal {
	return &Proposal{
		Preparations: make([]*Payload, n),
		PreCommits:   make([]*Payload, n),
		Commits:      make([]*Payload, n),
	}
}

// clearRound drops everything that is bound to a single view.
func (p *Proposal) clearRound(n int) {
	p.TransactionHashes = nil
	p.Transactions = nil
	p.Preparations = make([]*Payload, n)
	p.PreCommits = make([]*Payload, n)
	p.verification = nil
	p.size = 0
	p.systemFee = 0
}

// Context holds all mutable state of the current round. It is owned by the
// Service goroutine and must not be touched concurrently.
type Context struct {
	cfg    *Config
	ledger Ledger
	pool   Mempool
	wallet Wallet
	store  RecoveryStore
	log    *zap.Logger

	Snapshot   Snapshot
	Validators *types.ValidatorSet
	PrevHeader *types.Header
	BlockIndex uint32
	ViewNumber uint8

	// Proposals[FallbackSlot] is nil after a view change.
	Proposals [2]*Proposal

	ChangeViewPayloads     []*Payload
	LastChangeViewPayloads []*Payload
	// LastSeenMessage maps validator ID to the last block index it was heard at.
	LastSeenMessage map[string]uint32

	// MyIndex is -1 on watch-only nodes.
	MyIndex int
	signer  crypto.Signer

	committed         *bitset.BitSet
	blockSent         bool
	validatorsChanged bool
	nextConsensus     types.Address
	cachedMessages    map[types.Hash]*ConsensusMessage
}

// NewContext creates an empty round state; call Reset(0) before use.
func NewContext(cfg *Config, ledger Ledger, pool Mempool, wallet Wallet, store RecoveryStore) *Context {
	return &Context{
		cfg:            cfg,
		ledger:         ledger,
		pool:           pool,
		wallet:         wallet,
		store:          store,
		log:            cfg.logger().Named("context"),
		MyIndex:        -1,
		cachedMessages: make(map[types.Hash]*ConsensusMessage),
	}
}

// F returns the fault threshold of the current validator set.
func (c *Context) F() int { return c.Validators.F() }

// M returns the quorum size of the current validator set.
func (c *Context) M() int { return c.Validators.M() }

// N returns the validator count.
func (c *Context) N() int { return c.Validators.Size() }

// WatchOnly reports whether this node observes without signing.
func (c *Context) WatchOnly() bool { return c.MyIndex < 0 }

// SlotCount is 2 at view 0 with more than one validator, else 1.
func (c *Context) SlotCount() int {
	if c.Proposals[FallbackSlot] != nil {
		return 2
	}
	return 1
}

// Proposal returns the slot state or nil if the slot is inactive.
func (c *Context) Proposal(slot int) *Proposal {
	if slot < 0 || slot >= len(c.Proposals) {
		return nil
	}
	return c.Proposals[slot]
}

// PrimaryIndex returns the primary of slot for the current view, or -1 when
// the slot is inactive.
func (c *Context) PrimaryIndex(slot int) int {
	return c.primaryAt(slot, c.ViewNumber)
}

func (c *Context) primaryAt(slot int, view uint8) int {
	priority := c.Validators.PrimaryIndex(c.BlockIndex, view)
	switch {
	case slot == PrioritySlot:
		return priority
	case slot == FallbackSlot && view == 0 && c.N() > 1:
		return c.Validators.FallbackPrimaryIndex(priority)
	}
	return -1
}

// IsPrimary reports whether this node proposes for slot.
func (c *Context) IsPrimary(slot int) bool {
	return !c.WatchOnly() && c.PrimaryIndex(slot) == c.MyIndex
}

// IsAPrimary reports whether this node proposes for any active slot.
func (c *Context) IsAPrimary() bool {
	for slot := 0; slot < c.SlotCount(); slot++ {
		if c.IsPrimary(slot) {
			return true
		}
	}
	return false
}

// IsBackup reports whether this node validates slot's proposal.
func (c *Context) IsBackup(slot int) bool {
	return !c.WatchOnly() && !c.IsPrimary(slot)
}

// GetMessage decodes a payload, memoized for the round.
func (c *Context) GetMessage(p *Payload) *ConsensusMessage {
	if p == nil {
		return nil
	}
	h := p.Hash()
	if msg, ok := c.cachedMessages[h]; ok {
		return msg
	}
	msg, err := DecodeMessage(p.Data)
	if err != nil {
		return nil
	}
	c.cachedMessages[h] = msg
	return msg
}

// Reset starts a fresh round at view. View 0 means a new height.
func (c *Context) Reset(view uint8) error {
	if view == 0 {
		if err := c.resetHeight(); err != nil {
			return err
		}
	} else {
		for i := range c.LastChangeViewPayloads {
			c.LastChangeViewPayloads[i] = nil
			if msg := c.GetMessage(c.ChangeViewPayloads[i]); msg != nil && msg.NewViewNumber() >= view {
				c.LastChangeViewPayloads[i] = c.ChangeViewPayloads[i]
			}
		}
		// 커밋은 높이 단위로 유지
		if fb := c.Proposals[FallbackSlot]; fb != nil {
			for i, p := range fb.Commits {
				if p != nil && c.Proposals[PrioritySlot].Commits[i] == nil {
					c.Proposals[PrioritySlot].Commits[i] = p
				}
			}
		}
		c.Proposals[FallbackSlot] = nil
		c.Proposals[PrioritySlot].clearRound(c.N())
	}

	c.ViewNumber = view
	for slot := 0; slot < c.SlotCount(); slot++ {
		prop := c.Proposals[slot]
		prop.Header = types.Header{
			Version:       c.cfg.BlockVersion,
			PrevHash:      c.PrevHeader.Hash(),
			Index:         c.BlockIndex,
			PrimaryIndex:  uint8(c.PrimaryIndex(slot)),
			NextConsensus: c.nextConsensus,
		}
	}
	if !c.WatchOnly() {
		c.LastSeenMessage[c.Validators.Validators[c.MyIndex].ID()] = c.BlockIndex
	}
	c.cachedMessages = make(map[types.Hash]*ConsensusMessage)
	return nil
}

func (c *Context) resetHeight() error {
	if c.Snapshot != nil {
		c.Snapshot.Close()
		c.Snapshot = nil
	}
	snap, err := c.ledger.Snapshot()
	if err != nil {
		return fmt.Errorf("open ledger snapshot: %w", err)
	}
	c.Snapshot = snap

	prev, err := snap.GetHeader(snap.CurrentHash())
	if err != nil {
		return fmt.Errorf("load current header: %w", err)
	}
	keys, err := snap.NextValidators(c.cfg.ValidatorsCount)
	if err != nil {
		return fmt.Errorf("load next validators: %w", err)
	}
	c.PrevHeader = prev
	c.BlockIndex = snap.CurrentHeight() + 1
	c.validatorsChanged = c.computeValidatorsChanged()

	validators := types.NewValidatorSet(keys)
	if c.Validators == nil || !c.Validators.Equal(validators) {
		c.Validators = validators
	}
	c.nextConsensus = c.Validators.MultiSigAddress()
	n := c.N()

	c.Proposals[PrioritySlot] = newProposal(n)
	c.Proposals[FallbackSlot] = nil
	if n > 1 {
		c.Proposals[FallbackSlot] = newProposal(n)
	}
	c.ChangeViewPayloads = make([]*Payload, n)
	c.LastChangeViewPayloads = make([]*Payload, n)
	c.committed = bitset.New(uint(n))
	c.blockSent = false

	if c.validatorsChanged || c.LastSeenMessage == nil {
		previous := c.LastSeenMessage
		c.LastSeenMessage = make(map[string]uint32, n)
		for _, v := range c.Validators.Validators {
			if seen, ok := previous[v.ID()]; ok {
				c.LastSeenMessage[v.ID()] = seen
			} else {
				c.LastSeenMessage[v.ID()] = snap.CurrentHeight()
			}
		}
	}

	c.MyIndex = -1
	c.signer = nil
	for i, v := range c.Validators.Validators {
		if signer := c.wallet.GetSigner(v.PublicKey); signer != nil {
			c.MyIndex = i
			c.signer = signer
			break
		}
	}
	return nil
}

func (c *Context) computeValidatorsChanged() bool {
	if c.PrevHeader.Index == 0 {
		return false
	}
	parent, err := c.Snapshot.GetHeader(c.PrevHeader.PrevHash)
	if err != nil {
		return false
	}
	return parent.NextConsensus != c.PrevHeader.NextConsensus
}

// ValidatorsChanged reports whether the last block changed the validator set.
func (c *Context) ValidatorsChanged() bool { return c.validatorsChanged }

// RequestSentOrReceived reports whether slot's PrepareRequest is known.
func (c *Context) RequestSentOrReceived(slot int) bool {
	prop := c.Proposal(slot)
	return prop != nil && prop.Preparations[c.PrimaryIndex(slot)] != nil
}

// ResponseSent reports whether this node prepared slot.
func (c *Context) ResponseSent(slot int) bool {
	prop := c.Proposal(slot)
	return !c.WatchOnly() && prop != nil && prop.Preparations[c.MyIndex] != nil
}

// PreCommitSent reports whether this node sent a PreCommit in any slot of the
// current view.
func (c *Context) PreCommitSent() bool {
	return c.preCommitSlot() >= 0
}

func (c *Context) preCommitSlot() int {
	if c.WatchOnly() {
		return -1
	}
	for slot := 0; slot < c.SlotCount(); slot++ {
		if c.Proposals[slot].PreCommits[c.MyIndex] != nil {
			return slot
		}
	}
	return -1
}

// CommitSent reports whether this node committed at this height.
func (c *Context) CommitSent() bool {
	return !c.WatchOnly() && c.committed.Test(uint(c.MyIndex))
}

// BlockSent reports whether a block was assembled at this height.
func (c *Context) BlockSent() bool { return c.blockSent }

// ViewChanging reports whether this node asked for a higher view.
func (c *Context) ViewChanging() bool {
	if c.WatchOnly() {
		return false
	}
	msg := c.GetMessage(c.ChangeViewPayloads[c.MyIndex])
	return msg != nil && msg.NewViewNumber() > c.ViewNumber
}

// CountCommitted returns validators known to have committed at this height.
func (c *Context) CountCommitted() int {
	return int(c.committed.Count())
}

// CountFailed returns validators not heard from since before the previous height.
func (c *Context) CountFailed() int {
	if c.LastSeenMessage == nil {
		return 0
	}
	failed := 0
	for _, v := range c.Validators.Validators {
		seen, ok := c.LastSeenMessage[v.ID()]
		if !ok || seen+1 < c.BlockIndex {
			failed++
		}
	}
	return failed
}

// MoreThanFNodesCommittedOrLost means a view change can no longer succeed.
func (c *Context) MoreThanFNodesCommittedOrLost() bool {
	return c.CountCommitted()+c.CountFailed() > c.F()
}

// NotAcceptingPayloadsDueToViewChanging is true while this node waits for a
// view change that can still succeed.
func (c *Context) NotAcceptingPayloadsDueToViewChanging() bool {
	return c.ViewChanging() && !c.MoreThanFNodesCommittedOrLost()
}

// TransactionsComplete reports whether every hash of slot's request is buffered.
func (c *Context) TransactionsComplete(slot int) bool {
	prop := c.Proposal(slot)
	if prop == nil || prop.TransactionHashes == nil {
		return false
	}
	return len(prop.Transactions) == len(prop.TransactionHashes)
}

// countPreparations counts entries of slot's preparation array.
func (c *Context) countPreparations(slot int) int {
	return countNonNil(c.Proposals[slot].Preparations)
}

func countNonNil(payloads []*Payload) int {
	n := 0
	for _, p := range payloads {
		if p != nil {
			n++
		}
	}
	return n
}
