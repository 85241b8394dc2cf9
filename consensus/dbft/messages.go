package dbft

import (
	"fmt"

	"github.com/ahwlsqja/dbft-node/types"
)

// MessageType identifies a consensus message kind.
type MessageType byte

const (
	ChangeViewType      MessageType = 0x00
	PrepareRequestType  MessageType = 0x20
	PrepareResponseType MessageType = 0x21
	PreCommitType       MessageType = 0x22
	CommitType          MessageType = 0x30
	RecoveryRequestType MessageType = 0x40
	RecoveryMessageType MessageType = 0x41
)

func (t MessageType) String() string {
	switch t {
	case ChangeViewType:
		return "ChangeView"
	case PrepareRequestType:
		return "PrepareRequest"
	case PrepareResponseType:
		return "PrepareResponse"
	case PreCommitType:
		return "PreCommit"
	case CommitType:
		return "Commit"
	case RecoveryRequestType:
		return "RecoveryRequest"
	case RecoveryMessageType:
		return "RecoveryMessage"
	default:
		return fmt.Sprintf("Unknown(0x%02x)", byte(t))
	}
}

// ChangeViewReason explains why a validator asks for a new view.
type ChangeViewReason byte

const (
	CVTimeout               ChangeViewReason = 0x0
	CVChangeAgreement       ChangeViewReason = 0x1
	CVTxNotFound            ChangeViewReason = 0x2
	CVTxRejectedByPolicy    ChangeViewReason = 0x3
	CVTxInvalid             ChangeViewReason = 0x4
	CVBlockRejectedByPolicy ChangeViewReason = 0x5
)

func (r ChangeViewReason) String() string {
	switch r {
	case CVTimeout:
		return "Timeout"
	case CVChangeAgreement:
		return "ChangeAgreement"
	case CVTxNotFound:
		return "TxNotFound"
	case CVTxRejectedByPolicy:
		return "TxRejectedByPolicy"
	case CVTxInvalid:
		return "TxInvalid"
	case CVBlockRejectedByPolicy:
		return "BlockRejectedByPolicy"
	default:
		return fmt.Sprintf("Unknown(0x%x)", byte(r))
	}
}

// ConsensusMessage is the common header plus exactly one kind-specific body,
// selected by Type.
type ConsensusMessage struct {
	Type           MessageType `cbor:"1,keyasint"`
	BlockIndex     uint32      `cbor:"2,keyasint"`
	ValidatorIndex uint8       `cbor:"3,keyasint"`
	ViewNumber     uint8       `cbor:"4,keyasint"`

	ChangeView      *ChangeView      `cbor:"5,keyasint,omitempty"`
	PrepareRequest  *PrepareRequest  `cbor:"6,keyasint,omitempty"`
	PrepareResponse *PrepareResponse `cbor:"7,keyasint,omitempty"`
	PreCommit       *PreCommit       `cbor:"8,keyasint,omitempty"`
	Commit          *Commit          `cbor:"9,keyasint,omitempty"`
	RecoveryRequest *RecoveryRequest `cbor:"10,keyasint,omitempty"`
	RecoveryMessage *RecoveryMessage `cbor:"11,keyasint,omitempty"`
}

// ChangeView asks to move to ViewNumber+1.
type ChangeView struct {
	Timestamp uint64           `cbor:"1,keyasint"`
	Reason    ChangeViewReason `cbor:"2,keyasint"`
}

// PrepareRequest proposes a block for a slot.
type PrepareRequest struct {
	Slot              uint8        `cbor:"1,keyasint"`
	Version           uint32       `cbor:"2,keyasint"`
	PrevHash          types.Hash   `cbor:"3,keyasint"`
	Timestamp         uint64       `cbor:"4,keyasint"`
	Nonce             uint64       `cbor:"5,keyasint"`
	TransactionHashes []types.Hash `cbor:"6,keyasint"`
}

// PrepareResponse endorses the PrepareRequest payload with PreparationHash.
type PrepareResponse struct {
	Slot            uint8      `cbor:"1,keyasint"`
	PreparationHash types.Hash `cbor:"2,keyasint"`
}

// PreCommit locks the sender on the proposal with PreparationHash.
type PreCommit struct {
	Slot            uint8      `cbor:"1,keyasint"`
	PreparationHash types.Hash `cbor:"2,keyasint"`
}

// Commit carries the sender's signature of the slot's block header.
type Commit struct {
	Slot      uint8  `cbor:"1,keyasint"`
	Signature []byte `cbor:"2,keyasint"`
}

// RecoveryRequest asks peers for a RecoveryMessage.
type RecoveryRequest struct {
	Timestamp uint64 `cbor:"1,keyasint"`
}

// NewViewNumber is the view requested by a ChangeView.
func (m *ConsensusMessage) NewViewNumber() uint8 {
	return m.ViewNumber + 1
}

// Validate checks that the body matches Type.
func (m *ConsensusMessage) Validate() error {
	bodies := 0
	for _, set := range []bool{
		m.ChangeView != nil, m.PrepareRequest != nil, m.PrepareResponse != nil,
		m.PreCommit != nil, m.Commit != nil, m.RecoveryRequest != nil, m.RecoveryMessage != nil,
	} {
		if set {
			bodies++
		}
	}
	if bodies != 1 {
		return fmt.Errorf("message %s carries %d bodies", m.Type, bodies)
	}

	var ok bool
	switch m.Type {
	case ChangeViewType:
		ok = m.ChangeView != nil
	case PrepareRequestType:
		ok = m.PrepareRequest != nil && m.PrepareRequest.Slot < 2
	case PrepareResponseType:
		ok = m.PrepareResponse != nil && m.PrepareResponse.Slot < 2
	case PreCommitType:
		ok = m.PreCommit != nil && m.PreCommit.Slot < 2
	case CommitType:
		ok = m.Commit != nil && m.Commit.Slot < 2
	case RecoveryRequestType:
		ok = m.RecoveryRequest != nil
	case RecoveryMessageType:
		ok = m.RecoveryMessage != nil
	}
	if !ok {
		return fmt.Errorf("message body does not match type %s", m.Type)
	}
	if m.Type == PrepareRequestType && hasDuplicates(m.PrepareRequest.TransactionHashes) {
		return fmt.Errorf("prepare request lists a transaction twice")
	}
	return nil
}

// Slot returns the proposal slot for slot-bound kinds, 0 otherwise.
func (m *ConsensusMessage) Slot() int {
	switch {
	case m.PrepareRequest != nil:
		return int(m.PrepareRequest.Slot)
	case m.PrepareResponse != nil:
		return int(m.PrepareResponse.Slot)
	case m.PreCommit != nil:
		return int(m.PreCommit.Slot)
	case m.Commit != nil:
		return int(m.Commit.Slot)
	}
	return 0
}

// Encode returns the deterministic encoding of the message.
func (m *ConsensusMessage) Encode() ([]byte, error) {
	return types.Marshal(m)
}

// DecodeMessage parses and validates a message.
func DecodeMessage(data []byte) (*ConsensusMessage, error) {
	var m ConsensusMessage
	if err := types.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode consensus message: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

func hasDuplicates(hashes []types.Hash) bool {
	seen := make(map[types.Hash]struct{}, len(hashes))
	for _, h := range hashes {
		if _, ok := seen[h]; ok {
			return true
		}
		seen[h] = struct{}{}
	}
	return false
}
