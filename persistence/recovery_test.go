package persistence

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ahwlsqja/dbft-node/types"
)

func TestFileRecoveryLog(t *testing.T) {
	dir := t.TempDir()
	log, err := NewFileRecoveryLog(dir)
	require.NoError(t, err)

	key := []byte("ConsensusState")
	v, err := log.Get(key)
	require.NoError(t, err)
	assert.Nil(t, v)

	require.NoError(t, log.PutSync(key, []byte{1, 2, 3}))
	require.NoError(t, log.PutSync(key, []byte{4, 5}))

	// 다시 열어도 마지막 값이 남아 있어야 함
	reopened, err := NewFileRecoveryLog(dir)
	require.NoError(t, err)
	v, err = reopened.Get(key)
	require.NoError(t, err)
	assert.Equal(t, []byte{4, 5}, v)
}

func TestMemoryRecoveryLog(t *testing.T) {
	log := NewMemoryRecoveryLog()
	value := []byte{1, 2, 3}
	require.NoError(t, log.PutSync([]byte("k"), value))
	value[0] = 9

	v, err := log.Get([]byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, v)

	v, err = log.Get([]byte("missing"))
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestRecover(t *testing.T) {
	logger := zaptest.NewLogger(t)

	t.Run("EmptyStore", func(t *testing.T) {
		res, err := Recover(NewMemoryStore(), logger)
		require.NoError(t, err)
		assert.Nil(t, res.State)
		assert.Nil(t, res.Head)
	})

	t.Run("Head", func(t *testing.T) {
		store := NewMemoryStore()
		b0 := testBlock(0, types.Hash{})
		b1 := testBlock(1, b0.Hash())
		require.NoError(t, store.SaveBlock(b0))
		require.NoError(t, store.SaveBlock(b1))
		require.NoError(t, store.SaveState(&ChainState{Height: 0, BlockHash: b0.Hash()}))

		res, err := Recover(store, logger)
		require.NoError(t, err)
		assert.Equal(t, b0.Hash(), res.Head.Hash())
		// 헤드 이후에 저장된 블록은 LatestHeight로 드러난다
		assert.Equal(t, uint32(1), res.LatestHeight)
	})

	t.Run("HashMismatch", func(t *testing.T) {
		store := NewMemoryStore()
		require.NoError(t, store.SaveBlock(testBlock(0, types.Hash{})))
		require.NoError(t, store.SaveState(&ChainState{Height: 0, BlockHash: types.Hash{1}}))

		_, err := Recover(store, logger)
		assert.ErrorIs(t, err, ErrCorruptHead)
	})

	t.Run("BlocksWithoutHead", func(t *testing.T) {
		store := NewMemoryStore()
		require.NoError(t, store.SaveBlock(testBlock(0, types.Hash{})))

		_, err := Recover(store, logger)
		assert.ErrorIs(t, err, ErrCorruptHead)
	})
}
