package crypto

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahwlsqja/dbft-node/types"
)

func genKeys(t testing.TB, n int) []*KeyPair {
	t.Helper()
	keys := make([]*KeyPair, n)
	for i := range keys {
		kp, err := GenerateKeyPair()
		require.NoError(t, err)
		keys[i] = kp
	}
	return keys
}

func TestSignAndVerify(t *testing.T) {
	kp := genKeys(t, 1)[0]
	msg := []byte("block header")

	sig, err := NewDefaultSigner(kp).Sign(msg)
	require.NoError(t, err)
	assert.Len(t, sig, SignatureSize)

	ok, err := VerifyWithPublicKey(kp.PublicKeyBytes(), msg, sig)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = VerifyWithPublicKey(kp.PublicKeyBytes(), []byte("other"), sig)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = VerifyWithPublicKey([]byte{1, 2, 3}, msg, sig)
	assert.Error(t, err)
	_, err = VerifyWithPublicKey(kp.PublicKeyBytes(), msg, sig[:10])
	assert.Error(t, err)
}

func TestWallet(t *testing.T) {
	keys := genKeys(t, 2)
	w := NewWallet(keys[0])

	s := w.GetSigner(keys[0].PublicKeyBytes())
	require.NotNil(t, s)
	assert.Equal(t, keys[0].PublicKeyBytes(), s.PublicKey())
	assert.Nil(t, w.GetSigner(keys[1].PublicKeyBytes()))

	w.Add(keys[1])
	assert.NotNil(t, w.GetSigner(keys[1].PublicKeyBytes()))
}

func TestKeyFile(t *testing.T) {
	kp := genKeys(t, 1)[0]
	path := filepath.Join(t.TempDir(), "validator.key")
	require.NoError(t, SaveKeyFile(path, kp))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	loaded, err := LoadKeyFile(path)
	require.NoError(t, err)
	assert.Equal(t, kp.PublicKeyBytes(), loaded.PublicKeyBytes())
	assert.Equal(t, kp.Address(), loaded.Address())

	require.NoError(t, os.WriteFile(path, []byte("not a key"), 0600))
	_, err = LoadKeyFile(path)
	assert.Error(t, err)
}

func TestVerifySingle(t *testing.T) {
	kp := genKeys(t, 1)[0]
	data := []byte("payload")
	sig, err := NewDefaultSigner(kp).Sign(data)
	require.NoError(t, err)

	w := &types.Witness{Invocation: [][]byte{sig}, Verification: kp.PublicKeyBytes()}
	require.NoError(t, VerifySingle(w, data, kp.Address()))
	assert.Error(t, VerifySingle(w, data, types.Address{1}))
	assert.ErrorIs(t, VerifySingle(w, []byte("tampered"), kp.Address()), ErrInvalidSignature)

	w.Invocation = append(w.Invocation, sig)
	assert.ErrorIs(t, VerifySingle(w, data, kp.Address()), ErrInvalidSignature)
}

func TestVerifyMultiSig(t *testing.T) {
	keys := genKeys(t, 4)
	pubs := make([][]byte, len(keys))
	for i, kp := range keys {
		pubs[i] = kp.PublicKeyBytes()
	}
	vs := types.NewValidatorSet(pubs)
	script := vs.MultiSigScript(vs.M())
	addr := vs.MultiSigAddress()
	data := []byte("header")

	sign := func(idx ...int) [][]byte {
		out := make([][]byte, 0, len(idx))
		for _, i := range idx {
			sig, err := NewDefaultSigner(keys[i]).Sign(data)
			require.NoError(t, err)
			out = append(out, sig)
		}
		return out
	}

	tests := []struct {
		name    string
		signers []int
		wantErr bool
	}{
		{"first three", []int{0, 1, 2}, false},
		{"skips a key", []int{0, 2, 3}, false},
		{"wrong order", []int{2, 1, 0}, true},
		{"too few", []int{0, 1}, true},
		{"too many", []int{0, 1, 2, 3}, true},
		{"duplicate", []int{1, 1, 2}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := &types.Witness{Invocation: sign(tt.signers...), Verification: script}
			err := VerifyMultiSig(w, data, addr)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}

	w := &types.Witness{Invocation: sign(0, 1, 2), Verification: script}
	assert.Error(t, VerifyMultiSig(w, data, types.Address{}))
}

func TestMerkleRoot(t *testing.T) {
	a := types.Sha256([]byte("a"))
	b := types.Sha256([]byte("b"))

	assert.Equal(t, MerkleRoot([]types.Hash{a, b}), MerkleRoot([]types.Hash{a, b}))
	assert.NotEqual(t, MerkleRoot([]types.Hash{a, b}), MerkleRoot([]types.Hash{b, a}))
	assert.NotEqual(t, MerkleRoot(nil), MerkleRoot([]types.Hash{a}))
}

// ================================================================================
//                          Benchmarks
// ================================================================================

func BenchmarkKeyGeneration(b *testing.B) {
	for i := 0; i < b.N; i++ {
		_, _ = GenerateKeyPair()
	}
}

func BenchmarkSigning(b *testing.B) {
	signer := NewDefaultSigner(genKeys(b, 1)[0])
	msg := []byte("benchmark message")

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = signer.Sign(msg)
	}
}

func BenchmarkVerification(b *testing.B) {
	kp := genKeys(b, 1)[0]
	msg := []byte("benchmark message")
	sig, _ := NewDefaultSigner(kp).Sign(msg)
	pub := kp.PublicKeyBytes()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = VerifyWithPublicKey(pub, msg, sig)
	}
}

func BenchmarkVerifyMultiSig(b *testing.B) {
	keys := genKeys(b, 7)
	pubs := make([][]byte, len(keys))
	for i, kp := range keys {
		pubs[i] = kp.PublicKeyBytes()
	}
	vs := types.NewValidatorSet(pubs)
	data := []byte("header")
	w := &types.Witness{Verification: vs.MultiSigScript(vs.M())}
	for i := 0; i < vs.M(); i++ {
		sig, _ := NewDefaultSigner(keys[i]).Sign(data)
		w.Invocation = append(w.Invocation, sig)
	}
	addr := vs.MultiSigAddress()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = VerifyMultiSig(w, data, addr)
	}
}

func BenchmarkMerkleRoot(b *testing.B) {
	hashes := make([]types.Hash, 512)
	for i := range hashes {
		hashes[i] = types.Sha256([]byte{byte(i), byte(i >> 8)})
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = MerkleRoot(hashes)
	}
}
