// Package crypto provides the secp256r1 (P-256) keys, signatures and hashing
// used by validators.
package crypto

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"

	"github.com/cometbft/cometbft/crypto/merkle"

	"github.com/ahwlsqja/dbft-node/types"
)

// SignatureSize is the length of an encoded (r, s) signature.
const SignatureSize = 64

var (
	ErrInvalidPublicKey = errors.New("invalid public key")
	ErrInvalidSignature = errors.New("invalid signature")
)

// KeyPair represents an ECDSA key pair.
type KeyPair struct {
	PrivateKey *ecdsa.PrivateKey // ECDSA P-256 개인키
	PublicKey  *ecdsa.PublicKey  // 공개키
}

// Signature represents a digital signature.
type Signature struct {
	R *big.Int
	S *big.Int
}

// GenerateKeyPair generates a new ECDSA key pair using P-256 curve.
func GenerateKeyPair() (*KeyPair, error) {
	privateKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key pair: %w", err)
	}

	return &KeyPair{
		PrivateKey: privateKey,
		PublicKey:  &privateKey.PublicKey,
	}, nil
}

// Sign signs sha256(message).
func (kp *KeyPair) Sign(message []byte) (*Signature, error) {
	hash := sha256.Sum256(message)
	r, s, err := ecdsa.Sign(rand.Reader, kp.PrivateKey, hash[:])
	if err != nil {
		return nil, fmt.Errorf("failed to sign message: %w", err)
	}

	return &Signature{R: r, S: s}, nil
}

// Verify verifies a signature against a message and public key.
func Verify(publicKey *ecdsa.PublicKey, message []byte, sig *Signature) bool {
	hash := sha256.Sum256(message)
	return ecdsa.Verify(publicKey, hash[:], sig.R, sig.S)
}

// PublicKeyBytes returns the compressed (33 byte) public key.
func (kp *KeyPair) PublicKeyBytes() []byte {
	return elliptic.MarshalCompressed(kp.PublicKey.Curve, kp.PublicKey.X, kp.PublicKey.Y)
}

// Address returns the single-signature script hash of the key.
func (kp *KeyPair) Address() types.Address {
	return types.ScriptHash(kp.PublicKeyBytes())
}

// PublicKeyFromBytes reconstructs a public key from its compressed or
// uncompressed encoding.
func PublicKeyFromBytes(data []byte) (*ecdsa.PublicKey, error) {
	var x, y *big.Int
	if len(data) == 33 {
		x, y = elliptic.UnmarshalCompressed(elliptic.P256(), data)
	} else {
		x, y = elliptic.Unmarshal(elliptic.P256(), data)
	}
	if x == nil {
		return nil, ErrInvalidPublicKey
	}

	return &ecdsa.PublicKey{
		Curve: elliptic.P256(),
		X:     x,
		Y:     y,
	}, nil
}

// Bytes returns the signature as 64 bytes (r || s).
func (s *Signature) Bytes() []byte {
	rBytes := s.R.Bytes()
	sBytes := s.S.Bytes()

	// Pad to 32 bytes each
	signature := make([]byte, SignatureSize)
	copy(signature[32-len(rBytes):32], rBytes)
	copy(signature[64-len(sBytes):], sBytes)

	return signature
}

// SignatureFromBytes reconstructs a signature from bytes.
func SignatureFromBytes(data []byte) (*Signature, error) {
	if len(data) != SignatureSize {
		return nil, fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidSignature, SignatureSize, len(data))
	}

	r := new(big.Int).SetBytes(data[:32])
	s := new(big.Int).SetBytes(data[32:])

	return &Signature{R: r, S: s}, nil
}

// MerkleRoot computes the merkle root over transaction hashes.
func MerkleRoot(hashes []types.Hash) types.Hash {
	leaves := make([][]byte, len(hashes))
	for i := range hashes {
		leaves[i] = hashes[i][:]
	}
	var root types.Hash
	copy(root[:], merkle.HashFromByteSlices(leaves))
	return root
}

// RandomUint64 returns a cryptographically random nonce.
func RandomUint64() (uint64, error) {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, fmt.Errorf("failed to generate random bytes: %w", err)
	}
	return binary.LittleEndian.Uint64(b[:]), nil
}

// Signer signs on behalf of a single validator key.
type Signer interface {
	Sign(message []byte) ([]byte, error)
	PublicKey() []byte
}

// DefaultSigner implements the Signer interface using ECDSA.
type DefaultSigner struct {
	keyPair *KeyPair
}

// NewDefaultSigner wraps an existing key pair.
func NewDefaultSigner(kp *KeyPair) *DefaultSigner {
	return &DefaultSigner{keyPair: kp}
}

// Sign signs a message.
func (s *DefaultSigner) Sign(message []byte) ([]byte, error) {
	sig, err := s.keyPair.Sign(message)
	if err != nil {
		return nil, err
	}
	return sig.Bytes(), nil
}

// PublicKey returns the public key bytes.
func (s *DefaultSigner) PublicKey() []byte {
	return s.keyPair.PublicKeyBytes()
}

// VerifyWithPublicKey verifies a signature with a public key bytes.
func VerifyWithPublicKey(publicKeyBytes, message, signatureBytes []byte) (bool, error) {
	publicKey, err := PublicKeyFromBytes(publicKeyBytes)
	if err != nil {
		return false, err
	}

	sig, err := SignatureFromBytes(signatureBytes)
	if err != nil {
		return false, err
	}

	return Verify(publicKey, message, sig), nil
}
