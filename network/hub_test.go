package network

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahwlsqja/dbft-node/consensus/dbft"
	"github.com/ahwlsqja/dbft-node/types"
)

type inbox struct {
	mu       sync.Mutex
	payloads []*dbft.Payload
	txs      []string
	requests []string
}

func (in *inbox) attach(ep *Endpoint) {
	ep.SetPayloadHandler(func(p *dbft.Payload) {
		in.mu.Lock()
		defer in.mu.Unlock()
		in.payloads = append(in.payloads, p)
	})
	ep.SetTxHandler(func(peerID string, tx *types.Transaction) error {
		in.mu.Lock()
		defer in.mu.Unlock()
		in.txs = append(in.txs, peerID)
		return nil
	})
	ep.SetInventoryHandler(func(peerID string, hashes []types.Hash) int {
		in.mu.Lock()
		defer in.mu.Unlock()
		in.requests = append(in.requests, peerID)
		return len(hashes)
	})
}

func (in *inbox) counts() (int, int, int) {
	in.mu.Lock()
	defer in.mu.Unlock()
	return len(in.payloads), len(in.txs), len(in.requests)
}

func joinAll(t *testing.T, h *Hub, n int) ([]*Endpoint, []*inbox) {
	t.Helper()
	eps := make([]*Endpoint, n)
	boxes := make([]*inbox, n)
	for i := 0; i < n; i++ {
		ep, err := h.Join(string(rune('a'+i)), i)
		require.NoError(t, err)
		eps[i] = ep
		boxes[i] = &inbox{}
		boxes[i].attach(ep)
	}
	return eps, boxes
}

func TestHub_Broadcast(t *testing.T) {
	h := NewHub()
	defer h.Close()
	eps, boxes := joinAll(t, h, 3)

	require.NoError(t, eps[0].Broadcast(&dbft.Payload{Category: dbft.Category}))
	require.Eventually(t, func() bool {
		b, _, _ := boxes[1].counts()
		c, _, _ := boxes[2].counts()
		return b == 1 && c == 1
	}, time.Second, 5*time.Millisecond)

	// 송신자에게는 되돌아오지 않음
	self, _, _ := boxes[0].counts()
	assert.Zero(t, self)

	require.NoError(t, eps[0].SendDirect(2, &dbft.Payload{}))
	require.Eventually(t, func() bool {
		c, _, _ := boxes[2].counts()
		return c == 2
	}, time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, eps[0].SendDirect(7, &dbft.Payload{}), ErrUnknownPeer)

	_, err := h.Join("a", 5)
	assert.ErrorIs(t, err, ErrDuplicateNode)
}

func TestHub_TransactionsAndInventory(t *testing.T) {
	h := NewHub()
	defer h.Close()
	eps, boxes := joinAll(t, h, 2)

	tx := &types.Transaction{Script: []byte("put a 1")}
	require.NoError(t, eps[0].BroadcastTx(tx))
	require.NoError(t, eps[1].SendTx("a", tx))
	require.NoError(t, eps[0].RequestTransactions([]types.Hash{tx.Hash()}))

	require.Eventually(t, func() bool {
		_, txs, reqs := boxes[1].counts()
		_, back, _ := boxes[0].counts()
		return txs == 1 && reqs == 1 && back == 1
	}, time.Second, 5*time.Millisecond)

	boxes[1].mu.Lock()
	assert.Equal(t, []string{"a"}, boxes[1].txs)
	assert.Equal(t, []string{"a"}, boxes[1].requests)
	boxes[1].mu.Unlock()

	assert.ErrorIs(t, eps[0].SendTx("zz", tx), ErrUnknownPeer)
}

func TestHub_FilterAndDisconnect(t *testing.T) {
	h := NewHub()
	eps, boxes := joinAll(t, h, 3)

	h.SetFilter(func(from, to string, p *dbft.Payload) bool { return to != "b" })
	eps[2].Disconnect()

	require.NoError(t, eps[0].Broadcast(&dbft.Payload{}))
	assert.ErrorIs(t, eps[2].Broadcast(&dbft.Payload{}), ErrDisconnected)
	h.Close()

	for i, box := range boxes {
		n, _, _ := box.counts()
		assert.Zero(t, n, "endpoint %d", i)
	}

	eps[2].Reconnect()
	assert.ErrorIs(t, eps[2].BroadcastTx(&types.Transaction{}), ErrHubClosed)
}
