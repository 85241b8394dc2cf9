package types

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// HashSize is the length of a Hash in bytes.
const HashSize = 32

// AddressSize is the length of an Address in bytes.
const AddressSize = 20

// Hash is a SHA-256 digest identifying blocks, transactions and payloads.
type Hash [HashSize]byte

// Address is a script hash identifying an account or a validator.
type Address [AddressSize]byte

// Sha256 hashes data.
func Sha256(data []byte) Hash {
	return sha256.Sum256(data)
}

// HashFromBytes converts a 32-byte slice into a Hash.
func HashFromBytes(b []byte) (Hash, error) {
	var h Hash
	if len(b) != HashSize {
		return h, fmt.Errorf("invalid hash length: expected %d, got %d", HashSize, len(b))
	}
	copy(h[:], b)
	return h, nil
}

// HashFromString parses a hex-encoded hash.
func HashFromString(s string) (Hash, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return Hash{}, fmt.Errorf("invalid hash hex: %w", err)
	}
	return HashFromBytes(b)
}

func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// IsZero reports whether h is the zero hash.
func (h Hash) IsZero() bool {
	return h == Hash{}
}

func (a Address) String() string {
	return hex.EncodeToString(a[:])
}

// ScriptHash derives the single-signature address of a public key
// (first 20 bytes of its SHA-256).
func ScriptHash(script []byte) Address {
	var a Address
	h := sha256.Sum256(script)
	copy(a[:], h[:AddressSize])
	return a
}
