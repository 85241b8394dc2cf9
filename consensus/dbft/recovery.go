package dbft

import (
	"github.com/ahwlsqja/dbft-node/types"
)

// RecoveryMessage carries compact forms of everything a node knows about the
// current round. Each compact keeps only the sender's invocation (signature);
// receivers rebuild and re-verify the original payloads.
type RecoveryMessage struct {
	ChangeViewMessages  []ChangeViewCompact  `cbor:"1,keyasint"`
	Proposals           []RecoveryProposal   `cbor:"2,keyasint"`
	PreparationMessages []PreparationCompact `cbor:"3,keyasint"`
	PreCommitMessages   []PreCommitCompact   `cbor:"4,keyasint"`
	CommitMessages      []CommitCompact      `cbor:"5,keyasint"`
}

// RecoveryProposal carries the PrepareRequest of a slot when known, else the
// preparation hash the sender saw in responses.
type RecoveryProposal struct {
	Slot            uint8           `cbor:"1,keyasint"`
	PrepareRequest  *PrepareRequest `cbor:"2,keyasint,omitempty"`
	PreparationHash *types.Hash     `cbor:"3,keyasint,omitempty"`
}

type ChangeViewCompact struct {
	ValidatorIndex     uint8            `cbor:"1,keyasint"`
	OriginalViewNumber uint8            `cbor:"2,keyasint"`
	Timestamp          uint64           `cbor:"3,keyasint"`
	Reason             ChangeViewReason `cbor:"4,keyasint"`
	InvocationScript   []byte           `cbor:"5,keyasint"`
}

type PreparationCompact struct {
	Slot             uint8  `cbor:"1,keyasint"`
	ValidatorIndex   uint8  `cbor:"2,keyasint"`
	InvocationScript []byte `cbor:"3,keyasint"`
}

type PreCommitCompact struct {
	Slot             uint8      `cbor:"1,keyasint"`
	ValidatorIndex   uint8      `cbor:"2,keyasint"`
	PreparationHash  types.Hash `cbor:"3,keyasint"`
	InvocationScript []byte     `cbor:"4,keyasint"`
}

type CommitCompact struct {
	Slot             uint8  `cbor:"1,keyasint"`
	ViewNumber       uint8  `cbor:"2,keyasint"`
	ValidatorIndex   uint8  `cbor:"3,keyasint"`
	Signature        []byte `cbor:"4,keyasint"`
	InvocationScript []byte `cbor:"5,keyasint"`
}

func invocation(p *Payload) []byte {
	if len(p.Witness.Invocation) == 0 {
		return nil
	}
	return p.Witness.Invocation[0]
}

// MakeRecoveryMessage summarizes the round for a lagging peer. Commits are
// included only once this node has committed itself.
func (c *Context) MakeRecoveryMessage() (*Payload, error) {
	rm := &RecoveryMessage{}

	for _, p := range c.LastChangeViewPayloads {
		if len(rm.ChangeViewMessages) == c.M() {
			break
		}
		msg := c.GetMessage(p)
		if msg == nil {
			continue
		}
		rm.ChangeViewMessages = append(rm.ChangeViewMessages, ChangeViewCompact{
			ValidatorIndex:     msg.ValidatorIndex,
			OriginalViewNumber: msg.ViewNumber,
			Timestamp:          msg.ChangeView.Timestamp,
			Reason:             msg.ChangeView.Reason,
			InvocationScript:   invocation(p),
		})
	}

	commitSent := c.CommitSent()
	for slot := 0; slot < c.SlotCount(); slot++ {
		prop := c.Proposals[slot]
		if c.RequestSentOrReceived(slot) {
			msg := c.GetMessage(prop.Preparations[c.PrimaryIndex(slot)])
			rm.Proposals = append(rm.Proposals, RecoveryProposal{
				Slot:           uint8(slot),
				PrepareRequest: msg.PrepareRequest,
			})
		} else {
			for _, p := range prop.Preparations {
				if msg := c.GetMessage(p); msg != nil && msg.PrepareResponse != nil {
					h := msg.PrepareResponse.PreparationHash
					rm.Proposals = append(rm.Proposals, RecoveryProposal{Slot: uint8(slot), PreparationHash: &h})
					break
				}
			}
		}

		for _, p := range prop.Preparations {
			if msg := c.GetMessage(p); msg != nil {
				rm.PreparationMessages = append(rm.PreparationMessages, PreparationCompact{
					Slot:             uint8(slot),
					ValidatorIndex:   msg.ValidatorIndex,
					InvocationScript: invocation(p),
				})
			}
		}
		for _, p := range prop.PreCommits {
			if msg := c.GetMessage(p); msg != nil {
				rm.PreCommitMessages = append(rm.PreCommitMessages, PreCommitCompact{
					Slot:             uint8(slot),
					ValidatorIndex:   msg.ValidatorIndex,
					PreparationHash:  msg.PreCommit.PreparationHash,
					InvocationScript: invocation(p),
				})
			}
		}
		if commitSent {
			for _, p := range prop.Commits {
				if msg := c.GetMessage(p); msg != nil {
					rm.CommitMessages = append(rm.CommitMessages, CommitCompact{
						Slot:             msg.Commit.Slot,
						ViewNumber:       msg.ViewNumber,
						ValidatorIndex:   msg.ValidatorIndex,
						Signature:        msg.Commit.Signature,
						InvocationScript: invocation(p),
					})
				}
			}
		}
	}

	return c.makeSignedPayload(&ConsensusMessage{
		Type:            RecoveryMessageType,
		RecoveryMessage: rm,
	})
}

// rebuildPayload reconstructs the signed envelope validator index produced
// for msg, given its invocation script.
func (c *Context) rebuildPayload(msg *ConsensusMessage, inv []byte) *Payload {
	idx := int(msg.ValidatorIndex)
	if idx >= c.N() || len(inv) == 0 {
		return nil
	}
	v := c.Validators.Validators[idx]
	p, err := newPayload(msg, v.Address, v.PublicKey)
	if err != nil {
		return nil
	}
	p.Witness.Invocation = [][]byte{inv}
	return p
}

// ChangeViewPayloads rebuilds the embedded ChangeView payloads.
func (rm *RecoveryMessage) ChangeViewPayloads(c *Context, blockIndex uint32) []*Payload {
	var out []*Payload
	for _, cv := range rm.ChangeViewMessages {
		p := c.rebuildPayload(&ConsensusMessage{
			Type:           ChangeViewType,
			BlockIndex:     blockIndex,
			ValidatorIndex: cv.ValidatorIndex,
			ViewNumber:     cv.OriginalViewNumber,
			ChangeView:     &ChangeView{Timestamp: cv.Timestamp, Reason: cv.Reason},
		}, cv.InvocationScript)
		if p != nil {
			out = append(out, p)
		}
	}
	return out
}

// PrepareRequestPayload rebuilds slot's PrepareRequest as sent at view, or nil.
func (rm *RecoveryMessage) PrepareRequestPayload(c *Context, blockIndex uint32, view uint8, slot int) *Payload {
	primary := c.primaryAt(slot, view)
	if primary < 0 {
		return nil
	}
	var request *PrepareRequest
	for _, prop := range rm.Proposals {
		if int(prop.Slot) == slot && prop.PrepareRequest != nil {
			request = prop.PrepareRequest
			break
		}
	}
	if request == nil {
		return nil
	}
	for _, pc := range rm.PreparationMessages {
		if int(pc.Slot) == slot && int(pc.ValidatorIndex) == primary {
			return c.rebuildPayload(&ConsensusMessage{
				Type:           PrepareRequestType,
				BlockIndex:     blockIndex,
				ValidatorIndex: uint8(primary),
				ViewNumber:     view,
				PrepareRequest: request,
			}, pc.InvocationScript)
		}
	}
	return nil
}

// PreparationHash returns the hash the PrepareResponses of slot endorse:
// the carried hash, or the hash of the rebuilt request.
func (rm *RecoveryMessage) PreparationHash(c *Context, blockIndex uint32, view uint8, slot int) (types.Hash, bool) {
	for _, prop := range rm.Proposals {
		if int(prop.Slot) == slot && prop.PreparationHash != nil {
			return *prop.PreparationHash, true
		}
	}
	if p := rm.PrepareRequestPayload(c, blockIndex, view, slot); p != nil {
		return p.Hash(), true
	}
	return types.Hash{}, false
}

// PrepareResponsePayloads rebuilds slot's PrepareResponses.
func (rm *RecoveryMessage) PrepareResponsePayloads(c *Context, blockIndex uint32, view uint8, slot int) []*Payload {
	h, ok := rm.PreparationHash(c, blockIndex, view, slot)
	if !ok {
		return nil
	}
	primary := c.primaryAt(slot, view)
	var out []*Payload
	for _, pc := range rm.PreparationMessages {
		if int(pc.Slot) != slot || int(pc.ValidatorIndex) == primary {
			continue
		}
		p := c.rebuildPayload(&ConsensusMessage{
			Type:            PrepareResponseType,
			BlockIndex:      blockIndex,
			ValidatorIndex:  pc.ValidatorIndex,
			ViewNumber:      view,
			PrepareResponse: &PrepareResponse{Slot: uint8(slot), PreparationHash: h},
		}, pc.InvocationScript)
		if p != nil {
			out = append(out, p)
		}
	}
	return out
}

// PreCommitPayloads rebuilds the PreCommits sent at view.
func (rm *RecoveryMessage) PreCommitPayloads(c *Context, blockIndex uint32, view uint8) []*Payload {
	var out []*Payload
	for _, pc := range rm.PreCommitMessages {
		p := c.rebuildPayload(&ConsensusMessage{
			Type:           PreCommitType,
			BlockIndex:     blockIndex,
			ValidatorIndex: pc.ValidatorIndex,
			ViewNumber:     view,
			PreCommit:      &PreCommit{Slot: pc.Slot, PreparationHash: pc.PreparationHash},
		}, pc.InvocationScript)
		if p != nil {
			out = append(out, p)
		}
	}
	return out
}

// CommitPayloads rebuilds the Commits, each at its original view.
func (rm *RecoveryMessage) CommitPayloads(c *Context, blockIndex uint32) []*Payload {
	var out []*Payload
	for _, cc := range rm.CommitMessages {
		p := c.rebuildPayload(&ConsensusMessage{
			Type:           CommitType,
			BlockIndex:     blockIndex,
			ValidatorIndex: cc.ValidatorIndex,
			ViewNumber:     cc.ViewNumber,
			Commit:         &Commit{Slot: cc.Slot, Signature: cc.Signature},
		}, cc.InvocationScript)
		if p != nil {
			out = append(out, p)
		}
	}
	return out
}
