package types

import "fmt"

// Transaction is an opaque unit of work proposed for inclusion in a block.
// Execution semantics of Script are owned by the block executor.
type Transaction struct {
	Version         uint8   `cbor:"1,keyasint" json:"version"`
	Nonce           uint32  `cbor:"2,keyasint" json:"nonce"`
	Sender          Address `cbor:"3,keyasint" json:"sender"`
	SystemFee       int64   `cbor:"4,keyasint" json:"system_fee"`
	NetworkFee      int64   `cbor:"5,keyasint" json:"network_fee"`
	ValidUntilBlock uint32  `cbor:"6,keyasint" json:"valid_until_block"`
	// Conflicts lists transactions that must not be included together with this one.
	Conflicts []Hash `cbor:"7,keyasint,omitempty" json:"conflicts,omitempty"`
	Script    []byte `cbor:"8,keyasint" json:"script"`
}

// Bytes returns the canonical encoding of the transaction.
func (tx *Transaction) Bytes() []byte {
	data, err := Marshal(tx)
	if err != nil {
		// 고정 스키마라 실패할 수 없음
		panic(fmt.Sprintf("encode transaction: %v", err))
	}
	return data
}

// Hash returns the transaction identifier.
func (tx *Transaction) Hash() Hash {
	return Sha256(tx.Bytes())
}

// Size returns the encoded size in bytes.
func (tx *Transaction) Size() int {
	return len(tx.Bytes())
}

// FeePerByte is the mempool ordering key.
func (tx *Transaction) FeePerByte() int64 {
	return tx.NetworkFee / int64(tx.Size())
}

// Signers returns the accounts that authorized the transaction.
func (tx *Transaction) Signers() []Address {
	return []Address{tx.Sender}
}

// DecodeTransaction parses a canonical transaction encoding.
func DecodeTransaction(data []byte) (*Transaction, error) {
	var tx Transaction
	if err := Unmarshal(data, &tx); err != nil {
		return nil, fmt.Errorf("decode transaction: %w", err)
	}
	return &tx, nil
}
