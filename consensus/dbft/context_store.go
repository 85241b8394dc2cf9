package dbft

import (
	"fmt"

	"github.com/bits-and-blooms/bitset"
	"go.uber.org/zap"

	"github.com/ahwlsqja/dbft-node/types"
)

type savedProposal struct {
	Slot              uint8                `cbor:"1,keyasint"`
	Header            types.Header         `cbor:"2,keyasint"`
	HasRequest        bool                 `cbor:"3,keyasint"`
	TransactionHashes []types.Hash         `cbor:"4,keyasint"`
	Transactions      []*types.Transaction `cbor:"5,keyasint"`
	Preparations      []*Payload           `cbor:"6,keyasint"`
	PreCommits        []*Payload           `cbor:"7,keyasint"`
	Commits           []*Payload           `cbor:"8,keyasint"`
}

type savedState struct {
	Version                uint32          `cbor:"1,keyasint"`
	BlockIndex             uint32          `cbor:"2,keyasint"`
	ViewNumber             uint8           `cbor:"3,keyasint"`
	Proposals              []savedProposal `cbor:"4,keyasint"`
	ChangeViewPayloads     []*Payload      `cbor:"5,keyasint"`
	LastChangeViewPayloads []*Payload      `cbor:"6,keyasint"`
	Committed              []uint64        `cbor:"7,keyasint"`
}

// Save writes the round state to the recovery log. It must succeed before a
// PreCommit or Commit leaves the process.
func (c *Context) Save() error {
	st := savedState{
		Version:                c.cfg.BlockVersion,
		BlockIndex:             c.BlockIndex,
		ViewNumber:             c.ViewNumber,
		ChangeViewPayloads:     c.ChangeViewPayloads,
		LastChangeViewPayloads: c.LastChangeViewPayloads,
		Committed:              c.committed.Words(),
	}
	for slot := 0; slot < c.SlotCount(); slot++ {
		prop := c.Proposals[slot]
		sp := savedProposal{
			Slot:              uint8(slot),
			Header:            prop.Header,
			HasRequest:        prop.TransactionHashes != nil,
			TransactionHashes: prop.TransactionHashes,
			Preparations:      prop.Preparations,
			PreCommits:        prop.PreCommits,
			Commits:           prop.Commits,
		}
		for _, h := range prop.TransactionHashes {
			if tx, ok := prop.Transactions[h]; ok {
				sp.Transactions = append(sp.Transactions, tx)
			}
		}
		st.Proposals = append(st.Proposals, sp)
	}

	data, err := types.Marshal(&st)
	if err != nil {
		return fmt.Errorf("encode consensus state: %w", err)
	}
	if err := c.store.PutSync(recoveryStateKey, data); err != nil {
		return fmt.Errorf("write recovery log: %w", err)
	}
	return nil
}

// Load restores a state saved at the current height. It reports false when
// nothing usable was stored; only store I/O errors are returned.
func (c *Context) Load() (bool, error) {
	data, err := c.store.Get(recoveryStateKey)
	if err != nil {
		return false, fmt.Errorf("read recovery log: %w", err)
	}
	if len(data) == 0 {
		return false, nil
	}
	var st savedState
	if err := types.Unmarshal(data, &st); err != nil {
		c.log.Warn("discarding unreadable recovery state", zap.Error(err))
		return false, nil
	}
	n := c.N()
	if st.Version != c.cfg.BlockVersion || st.BlockIndex != c.BlockIndex {
		return false, nil
	}
	if len(st.ChangeViewPayloads) != n || len(st.LastChangeViewPayloads) != n || len(st.Proposals) == 0 {
		return false, nil
	}
	hasPriority := false
	for _, sp := range st.Proposals {
		if int(sp.Slot) >= len(c.Proposals) || len(sp.Preparations) != n ||
			len(sp.PreCommits) != n || len(sp.Commits) != n {
			return false, nil
		}
		hasPriority = hasPriority || sp.Slot == PrioritySlot
	}
	if !hasPriority {
		return false, nil
	}

	c.ViewNumber = st.ViewNumber
	c.Proposals = [2]*Proposal{}
	for _, sp := range st.Proposals {
		prop := &Proposal{
			Header:       sp.Header,
			Preparations: sp.Preparations,
			PreCommits:   sp.PreCommits,
			Commits:      sp.Commits,
		}
		if sp.HasRequest {
			prop.TransactionHashes = sp.TransactionHashes
			if prop.TransactionHashes == nil {
				prop.TransactionHashes = []types.Hash{}
			}
			prop.Transactions = make(map[types.Hash]*types.Transaction, len(sp.Transactions))
			prop.verification = newVerificationContext()
			prop.size = c.blockOverheadFor(&prop.Header)
			for _, tx := range sp.Transactions {
				prop.Transactions[tx.Hash()] = tx
				prop.verification.add(tx)
				prop.size += tx.Size()
				prop.systemFee += tx.SystemFee
			}
		}
		c.Proposals[sp.Slot] = prop
	}
	c.ChangeViewPayloads = st.ChangeViewPayloads
	c.LastChangeViewPayloads = st.LastChangeViewPayloads
	c.committed = bitset.New(uint(n))
	c.committed.InPlaceUnion(bitset.From(st.Committed))
	c.cachedMessages = make(map[types.Hash]*ConsensusMessage)
	return true, nil
}
