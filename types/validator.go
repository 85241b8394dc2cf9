package types

import (
	"bytes"
	"encoding/hex"
	"fmt"
)

// Validator is a consensus participant identified by its public key.
type Validator struct {
	PublicKey []byte  `json:"public_key"`
	Address   Address `json:"address"`
}

// NewValidator derives the validator address from its public key.
func NewValidator(publicKey []byte) *Validator {
	return &Validator{
		PublicKey: publicKey,
		Address:   ScriptHash(publicKey),
	}
}

// ID returns the hex public key, used as a stable map key.
func (v *Validator) ID() string {
	return hex.EncodeToString(v.PublicKey)
}

// ValidatorSet is the ordered validator list for one height.
// N = 3F+1; quorum M = N-F.
type ValidatorSet struct {
	Validators []*Validator `json:"validators"`
}

// NewValidatorSet builds a set from public keys in the given order.
func NewValidatorSet(publicKeys [][]byte) *ValidatorSet {
	vs := &ValidatorSet{Validators: make([]*Validator, len(publicKeys))}
	for i, pk := range publicKeys {
		vs.Validators[i] = NewValidator(pk)
	}
	return vs
}

// Size returns N.
func (vs *ValidatorSet) Size() int {
	return len(vs.Validators)
}

// F returns the maximum number of faulty validators tolerated.
func (vs *ValidatorSet) F() int {
	return (len(vs.Validators) - 1) / 3
}

// M returns the quorum size N-F.
func (vs *ValidatorSet) M() int {
	return len(vs.Validators) - vs.F()
}

// Quorum is an alias of M.
func (vs *ValidatorSet) Quorum() int {
	return vs.M()
}

// PrimaryIndex returns the priority primary for (height, view).
func (vs *ValidatorSet) PrimaryIndex(height uint32, view uint8) int {
	n := int64(len(vs.Validators))
	p := (int64(height) - int64(view)) % n
	if p < 0 {
		p += n
	}
	return int(p)
}

// FallbackPrimaryIndex returns the validator after priority, wrapping around.
// Only meaningful at view 0.
func (vs *ValidatorSet) FallbackPrimaryIndex(priority int) int {
	return (priority + 1) % len(vs.Validators)
}

// SenderScriptHash returns the single-signature address of validator index.
func (vs *ValidatorSet) SenderScriptHash(index int) Address {
	return vs.Validators[index].Address
}

// IndexOf returns the position of publicKey, or -1.
func (vs *ValidatorSet) IndexOf(publicKey []byte) int {
	for i, v := range vs.Validators {
		if bytes.Equal(v.PublicKey, publicKey) {
			return i
		}
	}
	return -1
}

// PublicKeys returns the ordered public keys.
func (vs *ValidatorSet) PublicKeys() [][]byte {
	keys := make([][]byte, len(vs.Validators))
	for i, v := range vs.Validators {
		keys[i] = v.PublicKey
	}
	return keys
}

// Equal reports whether both sets hold the same keys in the same order.
func (vs *ValidatorSet) Equal(other *ValidatorSet) bool {
	if other == nil || len(vs.Validators) != len(other.Validators) {
		return false
	}
	for i := range vs.Validators {
		if !bytes.Equal(vs.Validators[i].PublicKey, other.Validators[i].PublicKey) {
			return false
		}
	}
	return true
}

// MultiSigScript returns the m-of-n verification script for the set:
// one byte m, one byte n, then each length-prefixed public key.
func (vs *ValidatorSet) MultiSigScript(m int) []byte {
	return MultiSigScript(m, vs.PublicKeys())
}

// MultiSigAddress returns the address of the M-of-N script of the set.
func (vs *ValidatorSet) MultiSigAddress() Address {
	return ScriptHash(vs.MultiSigScript(vs.M()))
}

// MultiSigScript encodes an m-of-n verification script.
func MultiSigScript(m int, publicKeys [][]byte) []byte {
	script := []byte{byte(m), byte(len(publicKeys))}
	for _, pk := range publicKeys {
		script = append(script, byte(len(pk)))
		script = append(script, pk...)
	}
	return script
}

// ParseMultiSigScript decodes a script produced by MultiSigScript.
func ParseMultiSigScript(script []byte) (int, [][]byte, error) {
	if len(script) < 2 {
		return 0, nil, fmt.Errorf("multisig script too short")
	}
	m, n := int(script[0]), int(script[1])
	keys := make([][]byte, 0, n)
	rest := script[2:]
	for i := 0; i < n; i++ {
		if len(rest) == 0 {
			return 0, nil, fmt.Errorf("multisig script truncated at key %d", i)
		}
		l := int(rest[0])
		if len(rest) < 1+l {
			return 0, nil, fmt.Errorf("multisig script truncated at key %d", i)
		}
		keys = append(keys, rest[1:1+l])
		rest = rest[1+l:]
	}
	if len(rest) != 0 || m < 1 || m > n {
		return 0, nil, fmt.Errorf("malformed multisig script (m=%d, n=%d)", m, n)
	}
	return m, keys, nil
}
