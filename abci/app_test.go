package abci

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahwlsqja/dbft-node/types"
)

func scriptTx(script string) *types.Transaction {
	return &types.Transaction{Nonce: 1, ValidUntilBlock: 10, Script: []byte(script)}
}

func TestApplication_FinalizeBlock(t *testing.T) {
	app := NewApplication()
	genesis := app.InitChain()

	block := &types.Block{
		Header: types.Header{Index: 1},
		Transactions: []*types.Transaction{
			scriptTx("put key1 value1"),
			scriptTx("put key2 value2"),
			scriptTx("bogus"),
		},
	}

	res := app.FinalizeBlock(block)
	require.Len(t, res.TxResults, 3)
	assert.True(t, res.TxResults[0].IsOK())
	assert.True(t, res.TxResults[1].IsOK())
	// 실패한 tx는 블록을 중단시키지 않는다
	assert.Equal(t, CodeInvalidScript, res.TxResults[2].Code)
	assert.NotEqual(t, genesis, res.AppHash)

	// 커밋 전에는 조회되지 않음
	_, err := app.Query("key1")
	assert.ErrorIs(t, err, ErrKeyNotFound)

	assert.Equal(t, res.AppHash, app.Commit(1))
	val, err := app.Query("key1")
	require.NoError(t, err)
	assert.Equal(t, "value1", string(val))
	assert.Equal(t, uint32(1), app.GetHeight())
}

func TestApplication_AppHashDeterministic(t *testing.T) {
	a, b := NewApplication(), NewApplication()
	block1 := &types.Block{Header: types.Header{Index: 1}, Transactions: []*types.Transaction{
		scriptTx("put x 1"), scriptTx("put y 2"),
	}}
	block2 := &types.Block{Header: types.Header{Index: 1}, Transactions: []*types.Transaction{
		scriptTx("put y 2"), scriptTx("put x 1"),
	}}

	assert.Equal(t, a.FinalizeBlock(block1).AppHash, b.FinalizeBlock(block2).AppHash)

	del := &types.Block{Header: types.Header{Index: 2}, Transactions: []*types.Transaction{scriptTx("delete x")}}
	assert.NotEqual(t, a.GetAppHash(), a.FinalizeBlock(del).AppHash)
}

func TestParseOperation(t *testing.T) {
	tests := []struct {
		name    string
		script  string
		want    *Operation
		wantErr bool
	}{
		{"Put", "put k v", &Operation{Type: "put", Key: "k", Value: "v"}, false},
		{"Delete", "delete k", &Operation{Type: "delete", Key: "k"}, false},
		{"Empty", "", nil, true},
		{"PutMissingValue", "put k", nil, true},
		{"Unknown", "transfer a b", nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			op, err := ParseOperation([]byte(tt.script))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, op)
		})
	}
}

func TestApplication_CheckTx(t *testing.T) {
	app := NewApplication()
	assert.NoError(t, app.CheckTx(scriptTx("put a b")))
	assert.Error(t, app.CheckTx(scriptTx("")))
	assert.Error(t, app.CheckTx(scriptTx("nope")))
}
