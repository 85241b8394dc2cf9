package crypto

import (
	"fmt"

	"github.com/ahwlsqja/dbft-node/types"
)

// VerifySingle checks a single-signature witness: the verification script is
// the signer's public key and must hash to expected.
func VerifySingle(w *types.Witness, signData []byte, expected types.Address) error {
	if len(w.Invocation) != 1 {
		return fmt.Errorf("%w: expected one signature, got %d", ErrInvalidSignature, len(w.Invocation))
	}
	if types.ScriptHash(w.Verification) != expected {
		return fmt.Errorf("witness key does not match %s", expected)
	}
	ok, err := VerifyWithPublicKey(w.Verification, signData, w.Invocation[0])
	if err != nil {
		return err
	}
	if !ok {
		return ErrInvalidSignature
	}
	return nil
}

// VerifyMultiSig checks an m-of-n witness. Signatures must appear in the same
// order as their keys in the verification script.
func VerifyMultiSig(w *types.Witness, signData []byte, expected types.Address) error {
	if types.ScriptHash(w.Verification) != expected {
		return fmt.Errorf("witness script does not match %s", expected)
	}
	m, keys, err := types.ParseMultiSigScript(w.Verification)
	if err != nil {
		return err
	}
	if len(w.Invocation) != m {
		return fmt.Errorf("%w: expected %d signatures, got %d", ErrInvalidSignature, m, len(w.Invocation))
	}

	k := 0
	for _, sig := range w.Invocation {
		matched := false
		for k < len(keys) {
			ok, err := VerifyWithPublicKey(keys[k], signData, sig)
			k++
			if err == nil && ok {
				matched = true
				break
			}
		}
		if !matched {
			return ErrInvalidSignature
		}
	}
	return nil
}
