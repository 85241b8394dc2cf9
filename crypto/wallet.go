package crypto

import (
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"os"
	"sync"
)

const pemBlockType = "EC PRIVATE KEY"

// Wallet holds the locally available validator keys.
type Wallet struct {
	mu   sync.RWMutex
	keys map[string]*KeyPair
}

// NewWallet creates a wallet holding the given keys.
func NewWallet(keys ...*KeyPair) *Wallet {
	w := &Wallet{keys: make(map[string]*KeyPair)}
	for _, kp := range keys {
		w.Add(kp)
	}
	return w
}

// Add stores a key pair.
func (w *Wallet) Add(kp *KeyPair) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.keys[hex.EncodeToString(kp.PublicKeyBytes())] = kp
}

// GetSigner returns the signer for publicKey, or nil if the key is not held.
func (w *Wallet) GetSigner(publicKey []byte) Signer {
	w.mu.RLock()
	defer w.mu.RUnlock()
	kp, ok := w.keys[hex.EncodeToString(publicKey)]
	if !ok {
		return nil
	}
	return NewDefaultSigner(kp)
}

// SaveKeyFile writes the private key as PEM with 0600 permissions.
func SaveKeyFile(path string, kp *KeyPair) error {
	der, err := x509.MarshalECPrivateKey(kp.PrivateKey)
	if err != nil {
		return fmt.Errorf("failed to marshal private key: %w", err)
	}
	data := pem.EncodeToMemory(&pem.Block{Type: pemBlockType, Bytes: der})
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write key file: %w", err)
	}
	return nil
}

// LoadKeyFile reads a PEM private key written by SaveKeyFile.
func LoadKeyFile(path string) (*KeyPair, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}
	block, _ := pem.Decode(data)
	if block == nil || block.Type != pemBlockType {
		return nil, fmt.Errorf("key file %s: no %s block", path, pemBlockType)
	}
	priv, err := x509.ParseECPrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	return &KeyPair{PrivateKey: priv, PublicKey: &priv.PublicKey}, nil
}
