package mempool

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ahwlsqja/dbft-node/types"
)

func newTx(sender byte, nonce uint32, networkFee int64) *types.Transaction {
	return &types.Transaction{
		Nonce:           nonce,
		Sender:          types.Address{sender},
		SystemFee:       10,
		NetworkFee:      networkFee,
		ValidUntilBlock: 100,
		Script:          []byte(fmt.Sprintf("put k%d v%d", nonce, sender)),
	}
}

func newTestMempool(t *testing.T, cfg *Config) *Mempool {
	t.Helper()
	mp := NewMempool(cfg, zaptest.NewLogger(t), nil)
	require.NoError(t, mp.Start())
	t.Cleanup(func() { _ = mp.Stop() })
	return mp
}

func TestMempool_AddAndDuplicate(t *testing.T) {
	mp := newTestMempool(t, nil)
	tx := newTx(1, 1, 1000)

	require.NoError(t, mp.Add(tx))
	assert.ErrorIs(t, mp.Add(tx), ErrTxAlreadyExists)
	assert.Equal(t, 1, mp.Size())
	assert.True(t, mp.Has(tx.Hash()))

	got, ok := mp.TryGet(tx.Hash())
	require.True(t, ok)
	assert.Same(t, tx, got)

	m := mp.GetMetrics()
	assert.Equal(t, int64(2), m.TxsReceived)
	assert.Equal(t, int64(1), m.TxsAccepted)
	assert.Equal(t, int64(1), m.TxsRejected)
}

func TestMempool_NotRunning(t *testing.T) {
	mp := NewMempool(nil, nil, nil)
	assert.ErrorIs(t, mp.Add(newTx(1, 1, 1000)), ErrMempoolNotRunning)
}

func TestMempool_SortedByFee(t *testing.T) {
	mp := newTestMempool(t, nil)
	low := newTx(1, 1, 1000)
	high := newTx(2, 1, 50000)
	mid := newTx(3, 1, 10000)
	for _, tx := range []*types.Transaction{low, high, mid} {
		require.NoError(t, mp.Add(tx))
	}

	sorted := mp.GetSortedVerifiedTransactions(0)
	require.Len(t, sorted, 3)
	assert.Same(t, high, sorted[0])
	assert.Same(t, mid, sorted[1])
	assert.Same(t, low, sorted[2])

	assert.Len(t, mp.GetSortedVerifiedTransactions(2), 2)
	assert.Len(t, mp.GetVerifiedTransactions(), 3)
}

func TestMempool_Conflicts(t *testing.T) {
	mp := newTestMempool(t, nil)
	first := newTx(1, 1, 1000)
	require.NoError(t, mp.Add(first))

	// 같은 송신자의 충돌 선언
	second := newTx(1, 2, 1000)
	second.Conflicts = []types.Hash{first.Hash()}
	assert.ErrorIs(t, mp.Add(second), ErrConflict)

	// 다른 송신자는 충돌을 선언할 수 없음
	other := newTx(2, 2, 1000)
	other.Conflicts = []types.Hash{first.Hash()}
	assert.NoError(t, mp.Add(other))
}

func TestMempool_CheckTxCallback(t *testing.T) {
	mp := newTestMempool(t, nil)
	bad := newTx(9, 1, 1000)
	mp.SetCheckTxCallback(func(tx *types.Transaction) error {
		if tx.Sender == bad.Sender {
			return errors.New("insufficient balance")
		}
		return nil
	})

	assert.ErrorIs(t, mp.Add(bad), ErrInvalidTx)
	assert.NoError(t, mp.Add(newTx(1, 1, 1000)))
}

func TestMempool_Limits(t *testing.T) {
	t.Run("TooLarge", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.MaxTxBytes = 10
		mp := newTestMempool(t, cfg)
		assert.ErrorIs(t, mp.Add(newTx(1, 1, 1000)), ErrTxTooLarge)
	})

	t.Run("MinFee", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.MinFeePerByte = 100
		mp := newTestMempool(t, cfg)
		assert.ErrorIs(t, mp.Add(newTx(1, 1, 10)), ErrInsufficientFee)
	})

	t.Run("EvictsCheapest", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.MaxTxs = 2
		mp := newTestMempool(t, cfg)
		cheap := newTx(1, 1, 1000)
		require.NoError(t, mp.Add(cheap))
		require.NoError(t, mp.Add(newTx(2, 1, 5000)))

		require.NoError(t, mp.Add(newTx(3, 1, 9000)))
		assert.Equal(t, 2, mp.Size())
		assert.False(t, mp.Has(cheap.Hash()))
		assert.Equal(t, int64(1), mp.GetMetrics().TxsEvicted)

		// 가장 싼 것보다 싸면 거부
		assert.ErrorIs(t, mp.Add(newTx(4, 1, 10)), ErrMempoolFull)
	})
}

func TestMempool_Update(t *testing.T) {
	mp := newTestMempool(t, nil)
	included := newTx(1, 1, 1000)
	conflicting := newTx(2, 1, 1000)
	short := newTx(3, 1, 1000)
	short.ValidUntilBlock = 5
	kept := newTx(4, 1, 1000)
	for _, tx := range []*types.Transaction{included, conflicting, short, kept} {
		require.NoError(t, mp.Add(tx))
	}

	// 블록 안의 tx가 풀 안의 같은 송신자 tx와 충돌
	blockTx := newTx(2, 7, 1000)
	blockTx.Conflicts = []types.Hash{conflicting.Hash()}

	mp.Update(5, []*types.Transaction{included, blockTx})
	assert.Equal(t, 1, mp.Size())
	assert.True(t, mp.Has(kept.Hash()))

	// 블록에 포함된 tx는 다시 들어올 수 없음
	assert.ErrorIs(t, mp.Add(included), ErrTxAlreadyExists)

	m := mp.GetMetrics()
	assert.Equal(t, int64(1), m.TxsCommitted)
	assert.Equal(t, int64(1), m.TxsExpired)

	expired := newTx(5, 1, 1000)
	expired.ValidUntilBlock = 5
	assert.ErrorIs(t, mp.Add(expired), ErrTxExpired)
}

func TestMempool_Recheck(t *testing.T) {
	mp := newTestMempool(t, nil)
	a, b := newTx(1, 1, 1000), newTx(2, 1, 1000)
	require.NoError(t, mp.Add(a))
	require.NoError(t, mp.Add(b))

	mp.SetCheckTxCallback(func(tx *types.Transaction) error {
		if tx.Sender == a.Sender {
			return errors.New("spent")
		}
		return nil
	})
	mp.Update(1, nil)
	assert.False(t, mp.Has(a.Hash()))
	assert.True(t, mp.Has(b.Hash()))
}

func TestMempool_ExpireByAge(t *testing.T) {
	mp := NewMempool(nil, nil, nil)
	require.NoError(t, mp.Start())
	defer mp.Stop()

	now := time.Unix(1_700_000_000, 0)
	mp.now = func() time.Time { return now }
	tx := newTx(1, 1, 1000)
	require.NoError(t, mp.Add(tx))

	now = now.Add(mp.config.TTL + time.Second)
	mp.expireTxs()
	assert.Zero(t, mp.Size())
}

func TestMempool_GetTxsBySender(t *testing.T) {
	mp := newTestMempool(t, nil)
	second, first := newTx(1, 2, 1000), newTx(1, 1, 1000)
	require.NoError(t, mp.Add(second))
	require.NoError(t, mp.Add(first))

	txs := mp.GetTxsBySender(types.Address{1})
	require.Len(t, txs, 2)
	assert.Same(t, first, txs[0])
	assert.Nil(t, mp.GetTxsBySender(types.Address{7}))
}

// ==================== reactor ====================

type fakeBroadcaster struct {
	mu        sync.Mutex
	broadcast []*types.Transaction
	sent      map[string][]*types.Transaction
}

func (b *fakeBroadcaster) BroadcastTx(tx *types.Transaction) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.broadcast = append(b.broadcast, tx)
	return nil
}

func (b *fakeBroadcaster) SendTx(peerID string, tx *types.Transaction) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sent == nil {
		b.sent = make(map[string][]*types.Transaction)
	}
	b.sent[peerID] = append(b.sent[peerID], tx)
	return nil
}

func (b *fakeBroadcaster) broadcastCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.broadcast)
}

func TestReactor_SubmitBroadcastsAndNotifies(t *testing.T) {
	mp := newTestMempool(t, nil)
	r := NewReactor(mp, nil, zaptest.NewLogger(t))
	b := &fakeBroadcaster{}
	r.SetBroadcaster(b)

	var mu sync.Mutex
	var seen []*types.Transaction
	r.SetListener(func(tx *types.Transaction) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, tx)
	})
	require.NoError(t, r.Start())
	defer r.Stop()

	tx := newTx(1, 1, 1000)
	require.NoError(t, r.SubmitTx(tx))
	require.NoError(t, r.ReceiveTx("peer-2", newTx(2, 1, 1000)))
	// 중복 수신은 에러가 아님
	require.NoError(t, r.ReceiveTx("peer-3", tx))

	require.Eventually(t, func() bool { return b.broadcastCount() == 1 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 2
	}, time.Second, 5*time.Millisecond)
}

func TestReactor_HandleInventoryRequest(t *testing.T) {
	mp := newTestMempool(t, nil)
	r := NewReactor(mp, nil, nil)
	assert.Zero(t, r.HandleInventoryRequest("peer-1", nil))

	b := &fakeBroadcaster{}
	r.SetBroadcaster(b)
	tx := newTx(1, 1, 1000)
	require.NoError(t, mp.Add(tx))

	n := r.HandleInventoryRequest("peer-1", []types.Hash{tx.Hash(), {0xff}})
	assert.Equal(t, 1, n)
	assert.Equal(t, []*types.Transaction{tx}, b.sent["peer-1"])
}
