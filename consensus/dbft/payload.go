package dbft

import (
	"fmt"

	"github.com/ahwlsqja/dbft-node/crypto"
	"github.com/ahwlsqja/dbft-node/types"
)

// Payload is the signed envelope carrying an encoded ConsensusMessage.
type Payload struct {
	Category        string        `cbor:"1,keyasint"`
	ValidBlockStart uint32        `cbor:"2,keyasint"`
	ValidBlockEnd   uint32        `cbor:"3,keyasint"`
	Sender          types.Address `cbor:"4,keyasint"`
	Data            []byte        `cbor:"5,keyasint"`
	Witness         types.Witness `cbor:"6,keyasint"`
}

type unsignedPayload struct {
	Category        string        `cbor:"1,keyasint"`
	ValidBlockStart uint32        `cbor:"2,keyasint"`
	ValidBlockEnd   uint32        `cbor:"3,keyasint"`
	Sender          types.Address `cbor:"4,keyasint"`
	Data            []byte        `cbor:"5,keyasint"`
}

// Hash identifies the payload independently of its witness.
func (p *Payload) Hash() types.Hash {
	data, err := types.Marshal(unsignedPayload{
		Category:        p.Category,
		ValidBlockStart: p.ValidBlockStart,
		ValidBlockEnd:   p.ValidBlockEnd,
		Sender:          p.Sender,
		Data:            p.Data,
	})
	if err != nil {
		panic(fmt.Sprintf("encode payload: %v", err))
	}
	return types.Sha256(data)
}

// SignData is what the sender signs.
func (p *Payload) SignData(network uint32) []byte {
	return types.SignData(network, p.Hash())
}

// Verify checks the witness against Sender.
func (p *Payload) Verify(network uint32) error {
	if p.Category != Category {
		return fmt.Errorf("unexpected payload category %q", p.Category)
	}
	return crypto.VerifySingle(&p.Witness, p.SignData(network), p.Sender)
}

// Bytes returns the wire encoding of the payload.
func (p *Payload) Bytes() ([]byte, error) {
	return types.Marshal(p)
}

// DecodePayload parses a wire payload.
func DecodePayload(data []byte) (*Payload, error) {
	var p Payload
	if err := types.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	return &p, nil
}

// newPayload wraps msg for sender without signing it.
func newPayload(msg *ConsensusMessage, sender types.Address, publicKey []byte) (*Payload, error) {
	data, err := msg.Encode()
	if err != nil {
		return nil, err
	}
	return &Payload{
		Category:      Category,
		ValidBlockEnd: msg.BlockIndex,
		Sender:        sender,
		Data:          data,
		Witness:       types.Witness{Verification: publicKey},
	}, nil
}
