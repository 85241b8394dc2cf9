package persistence

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahwlsqja/dbft-node/types"
)

func testBlock(height uint32, prev types.Hash) *types.Block {
	return &types.Block{
		Header: types.Header{
			Index:     height,
			PrevHash:  prev,
			Timestamp: 1_700_000_000_000 + uint64(height),
		},
		Transactions: []*types.Transaction{
			{Nonce: height, Script: []byte("put k v")},
		},
	}
}

func TestFileStore(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	// 블록 테스트
	t.Run("SaveAndLoadBlock", func(t *testing.T) {
		block := testBlock(1, types.Hash{1})
		require.NoError(t, store.SaveBlock(block))

		loaded, err := store.LoadBlock(1)
		require.NoError(t, err)
		require.NotNil(t, loaded)
		assert.Equal(t, block.Hash(), loaded.Hash())
		assert.Len(t, loaded.Transactions, 1)
	})

	t.Run("MissingBlock", func(t *testing.T) {
		loaded, err := store.LoadBlock(42)
		require.NoError(t, err)
		assert.Nil(t, loaded)
	})

	t.Run("NilBlock", func(t *testing.T) {
		assert.ErrorIs(t, store.SaveBlock(nil), ErrNilBlock)
	})

	// 헤드 테스트
	t.Run("SaveAndLoadState", func(t *testing.T) {
		state := &ChainState{Height: 1, BlockHash: types.Hash{9}, AppHash: []byte("apphash")}
		require.NoError(t, store.SaveState(state))

		loaded, err := store.LoadState()
		require.NoError(t, err)
		require.NotNil(t, loaded)
		assert.Equal(t, state, loaded)
	})

	// 여러 블록 테스트
	t.Run("LoadBlocks", func(t *testing.T) {
		for i := uint32(2); i <= 3; i++ {
			require.NoError(t, store.SaveBlock(testBlock(i, types.Hash{})))
		}

		blocks, err := store.LoadBlocks(1, 3)
		require.NoError(t, err)
		assert.Len(t, blocks, 3)

		height, found, err := store.GetLatestBlockHeight()
		require.NoError(t, err)
		assert.True(t, found)
		assert.Equal(t, uint32(3), height)
	})
}

func TestFileStore_Empty(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	_, found, err := store.GetLatestBlockHeight()
	require.NoError(t, err)
	assert.False(t, found)

	state, err := store.LoadState()
	require.NoError(t, err)
	assert.Nil(t, state)
}

func TestMemoryStore(t *testing.T) {
	store := NewMemoryStore()

	_, found, err := store.GetLatestBlockHeight()
	require.NoError(t, err)
	assert.False(t, found)

	// 블록 저장/로드
	block := testBlock(0, types.Hash{})
	require.NoError(t, store.SaveBlock(block))
	loaded, err := store.LoadBlock(0)
	require.NoError(t, err)
	assert.Same(t, block, loaded)

	height, found, err := store.GetLatestBlockHeight()
	require.NoError(t, err)
	assert.True(t, found)
	assert.Zero(t, height)

	// 상태는 복사본으로 저장된다
	state := &ChainState{Height: 0, BlockHash: block.Hash()}
	require.NoError(t, store.SaveState(state))
	state.Height = 7
	loadedState, err := store.LoadState()
	require.NoError(t, err)
	assert.Zero(t, loadedState.Height)
}
