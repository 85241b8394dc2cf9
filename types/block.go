// Package types defines core data structures shared by the ledger, the
// mempool and the dBFT consensus engine.
package types

import (
	"encoding/binary"
	"fmt"
)

// Witness carries the invocation (signatures) and verification (public key or
// multi-signature script) data proving who authorized a structure.
type Witness struct {
	Invocation   [][]byte `cbor:"1,keyasint" json:"invocation"`
	Verification []byte   `cbor:"2,keyasint" json:"verification"`
}

// Header contains block metadata. The witness is excluded from the hash.
type Header struct {
	Version       uint32  `cbor:"1,keyasint" json:"version"`
	PrevHash      Hash    `cbor:"2,keyasint" json:"prev_hash"`
	MerkleRoot    Hash    `cbor:"3,keyasint" json:"merkle_root"`
	Timestamp     uint64  `cbor:"4,keyasint" json:"timestamp"` // milliseconds
	Nonce         uint64  `cbor:"5,keyasint" json:"nonce"`
	Index         uint32  `cbor:"6,keyasint" json:"index"`
	PrimaryIndex  uint8   `cbor:"7,keyasint" json:"primary_index"`
	NextConsensus Address `cbor:"8,keyasint" json:"next_consensus"`
	Witness       Witness `cbor:"9,keyasint" json:"witness"`
}

type unsignedHeader struct {
	Version       uint32  `cbor:"1,keyasint"`
	PrevHash      Hash    `cbor:"2,keyasint"`
	MerkleRoot    Hash    `cbor:"3,keyasint"`
	Timestamp     uint64  `cbor:"4,keyasint"`
	Nonce         uint64  `cbor:"5,keyasint"`
	Index         uint32  `cbor:"6,keyasint"`
	PrimaryIndex  uint8   `cbor:"7,keyasint"`
	NextConsensus Address `cbor:"8,keyasint"`
}

// Hash computes the header hash, which is also the block hash.
func (h *Header) Hash() Hash {
	data, err := Marshal(unsignedHeader{
		Version:       h.Version,
		PrevHash:      h.PrevHash,
		MerkleRoot:    h.MerkleRoot,
		Timestamp:     h.Timestamp,
		Nonce:         h.Nonce,
		Index:         h.Index,
		PrimaryIndex:  h.PrimaryIndex,
		NextConsensus: h.NextConsensus,
	})
	if err != nil {
		panic(fmt.Sprintf("encode header: %v", err))
	}
	return Sha256(data)
}

// SignData returns the digest input validators sign for this header:
// the little-endian network magic followed by the header hash.
func (h *Header) SignData(network uint32) []byte {
	return SignData(network, h.Hash())
}

// SignData prefixes hash with the network magic.
func SignData(network uint32, hash Hash) []byte {
	buf := make([]byte, 4+HashSize)
	binary.LittleEndian.PutUint32(buf, network)
	copy(buf[4:], hash[:])
	return buf
}

// Block is a header plus the ordered transactions it commits to.
type Block struct {
	Header       Header         `cbor:"1,keyasint" json:"header"`
	Transactions []*Transaction `cbor:"2,keyasint" json:"transactions"`
}

// Hash returns the block hash.
func (b *Block) Hash() Hash {
	return b.Header.Hash()
}

// Index returns the block height.
func (b *Block) Index() uint32 {
	return b.Header.Index
}

// TransactionHashes returns the hashes of the block transactions in order.
func (b *Block) TransactionHashes() []Hash {
	hashes := make([]Hash, len(b.Transactions))
	for i, tx := range b.Transactions {
		hashes[i] = tx.Hash()
	}
	return hashes
}

// Bytes returns the canonical encoding of the full block.
func (b *Block) Bytes() ([]byte, error) {
	return Marshal(b)
}

// DecodeBlock parses a canonical block encoding.
func DecodeBlock(data []byte) (*Block, error) {
	var b Block
	if err := Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("decode block: %w", err)
	}
	return &b, nil
}
