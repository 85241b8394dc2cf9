package dbft

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ahwlsqja/dbft-node/crypto"
	"github.com/ahwlsqja/dbft-node/types"
)

const testNetworkMagic = 0x74746e64

var testNow = time.UnixMilli(1_700_000_000_000)

// ==================== fakes ====================

type testChain struct {
	height  uint32
	header  *types.Header
	keys    [][]byte
	onChain map[types.Hash]bool
	// policy marks transactions the ledger rejects by policy
	policy map[types.Hash]bool
}

type testSnapshot struct {
	chain  *testChain
	closed bool
}

func (s *testSnapshot) CurrentHeight() uint32   { return s.chain.height }
func (s *testSnapshot) CurrentHash() types.Hash { return s.chain.header.Hash() }

func (s *testSnapshot) GetHeader(hash types.Hash) (*types.Header, error) {
	if hash != s.chain.header.Hash() {
		return nil, errors.New("header not found")
	}
	h := *s.chain.header
	return &h, nil
}

func (s *testSnapshot) NextValidators(count int) ([][]byte, error) {
	return s.chain.keys, nil
}

func (s *testSnapshot) ContainsTransaction(hash types.Hash) bool {
	return s.chain.onChain[hash]
}

func (s *testSnapshot) ContainsConflict(hash types.Hash, signers []types.Address) bool {
	return false
}

func (s *testSnapshot) VerifyTransaction(tx *types.Transaction, pendingFee int64) error {
	if s.chain.policy[tx.Hash()] {
		return fmt.Errorf("%w: fee too low", ErrPolicy)
	}
	return nil
}

func (s *testSnapshot) Close() { s.closed = true }

type testLedger struct {
	chain     *testChain
	mu        sync.Mutex
	persisted []*types.Block
	snapshots []*testSnapshot
}

func (l *testLedger) Snapshot() (Snapshot, error) {
	snap := &testSnapshot{chain: l.chain}
	l.snapshots = append(l.snapshots, snap)
	return snap, nil
}

func (l *testLedger) Persist(block *types.Block) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.persisted = append(l.persisted, block)
	return nil
}

type testMempool struct {
	txs []*types.Transaction
}

func (m *testMempool) GetSortedVerifiedTransactions(limit int) []*types.Transaction {
	if len(m.txs) < limit {
		return m.txs
	}
	return m.txs[:limit]
}

func (m *testMempool) GetVerifiedTransactions() map[types.Hash]*types.Transaction {
	out := make(map[types.Hash]*types.Transaction, len(m.txs))
	for _, tx := range m.txs {
		out[tx.Hash()] = tx
	}
	return out
}

func (m *testMempool) TryGet(hash types.Hash) (*types.Transaction, bool) {
	for _, tx := range m.txs {
		if tx.Hash() == hash {
			return tx, true
		}
	}
	return nil, false
}

type captureTransport struct {
	mu        sync.Mutex
	sent      []*Payload
	direct    map[int][]*Payload
	requested []types.Hash
}

func newCaptureTransport() *captureTransport {
	return &captureTransport{direct: make(map[int][]*Payload)}
}

func (t *captureTransport) Broadcast(p *Payload) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sent = append(t.sent, p)
	return nil
}

func (t *captureTransport) SendDirect(index int, p *Payload) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.direct[index] = append(t.direct[index], p)
	return nil
}

func (t *captureTransport) RequestTransactions(hashes []types.Hash) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.requested = append(t.requested, hashes...)
	return nil
}

func (t *captureTransport) reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sent = nil
	t.direct = make(map[int][]*Payload)
	t.requested = nil
}

// last returns the most recent broadcast of type mt, or nil.
func (t *captureTransport) last(mt MessageType) *Payload {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := len(t.sent) - 1; i >= 0; i-- {
		if msg, err := DecodeMessage(t.sent[i].Data); err == nil && msg.Type == mt {
			return t.sent[i]
		}
	}
	return nil
}

func (t *captureTransport) count(mt MessageType) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, p := range t.sent {
		if msg, err := DecodeMessage(p.Data); err == nil && msg.Type == mt {
			n++
		}
	}
	return n
}

type memStore struct {
	data    map[string][]byte
	failPut error
}

func newMemStore() *memStore {
	return &memStore{data: make(map[string][]byte)}
}

func (s *memStore) Get(key []byte) ([]byte, error) {
	return s.data[string(key)], nil
}

func (s *memStore) PutSync(key, value []byte) error {
	if s.failPut != nil {
		return s.failPut
	}
	s.data[string(key)] = append([]byte(nil), value...)
	return nil
}

type manualTimer struct {
	delay   time.Duration
	fn      func()
	stopped bool
}

func (t *manualTimer) Stop() bool {
	t.stopped = true
	return true
}

// ==================== network harness ====================

type testNode struct {
	key    *crypto.KeyPair
	svc    *Service
	tr     *captureTransport
	pool   *testMempool
	ledger *testLedger
	store  *memStore
	wallet *crypto.Wallet
	timer  *manualTimer
}

func (n *testNode) start(t *testing.T) {
	t.Helper()
	require.NoError(t, n.svc.handle(startEvent{}))
}

// fire expires the currently armed timer.
func (n *testNode) fire(t *testing.T) {
	t.Helper()
	require.NoError(t, n.svc.handle(timerEvent{height: n.svc.timerHeight, view: n.svc.timerView, seq: n.svc.timerSeq}))
}

func (n *testNode) deliver(t *testing.T, payloads ...*Payload) {
	t.Helper()
	for _, p := range payloads {
		require.NotNil(t, p)
		require.True(t, n.svc.verifyPayload(p), "payload witness must verify")
		require.NoError(t, n.svc.handle(payloadEvent{payload: p}))
	}
}

func testConfig(t *testing.T) *Config {
	cfg := DefaultConfig()
	cfg.Network = testNetworkMagic
	cfg.TimePerBlock = time.Second
	cfg.Logger = zaptest.NewLogger(t)
	cfg.Now = func() time.Time { return testNow }
	return cfg
}

func testTransactions(n int) []*types.Transaction {
	txs := make([]*types.Transaction, n)
	for i := range txs {
		txs[i] = &types.Transaction{
			Nonce:           uint32(i + 1),
			Sender:          types.Address{byte(i + 1)},
			SystemFee:       100,
			NetworkFee:      1000,
			ValidUntilBlock: 1000,
			Script:          []byte(fmt.Sprintf("put key%d value%d", i, i)),
		}
	}
	return txs
}

func testKeys(t *testing.T, n int) []*crypto.KeyPair {
	t.Helper()
	keys := make([]*crypto.KeyPair, n)
	for i := range keys {
		kp, err := crypto.GenerateKeyPair()
		require.NoError(t, err)
		keys[i] = kp
	}
	return keys
}

func newTestChain(keys []*crypto.KeyPair, height uint32) *testChain {
	pubs := make([][]byte, len(keys))
	for i, kp := range keys {
		pubs[i] = kp.PublicKeyBytes()
	}
	return &testChain{
		height: height,
		header: &types.Header{
			Index:         height,
			Timestamp:     uint64(testNow.Add(-time.Second).UnixMilli()),
			NextConsensus: types.NewValidatorSet(pubs).MultiSigAddress(),
		},
		keys:    pubs,
		onChain: make(map[types.Hash]bool),
		policy:  make(map[types.Hash]bool),
	}
}

// newTestNode builds a service for chain holding key (nil for watch-only).
func newTestNode(t *testing.T, chain *testChain, key *crypto.KeyPair, txs []*types.Transaction, store *memStore) *testNode {
	t.Helper()
	wallet := crypto.NewWallet()
	if key != nil {
		wallet.Add(key)
	}
	if store == nil {
		store = newMemStore()
	}
	n := &testNode{
		key:    key,
		tr:     newCaptureTransport(),
		pool:   &testMempool{txs: txs},
		ledger: &testLedger{chain: chain},
		store:  store,
		wallet: wallet,
	}
	svc, err := NewService(testConfig(t), Deps{
		Ledger:    n.ledger,
		Mempool:   n.pool,
		Transport: n.tr,
		Wallet:    wallet,
		Store:     store,
	})
	require.NoError(t, err)
	svc.newTimer = func(d time.Duration, fn func()) timer {
		n.timer = &manualTimer{delay: d, fn: fn}
		return n.timer
	}
	n.svc = svc
	return n
}

// newTestNetwork starts n validators on a chain at height and clears their
// start-up traffic.
func newTestNetwork(t *testing.T, n int, height uint32, txs []*types.Transaction) []*testNode {
	t.Helper()
	keys := testKeys(t, n)
	chain := newTestChain(keys, height)
	nodes := make([]*testNode, n)
	for i := range nodes {
		nodes[i] = newTestNode(t, chain, keys[i], txs, nil)
		nodes[i].start(t)
	}
	for _, node := range nodes {
		node.tr.reset()
	}
	return nodes
}

func decode(t *testing.T, p *Payload) *ConsensusMessage {
	t.Helper()
	require.NotNil(t, p)
	msg, err := DecodeMessage(p.Data)
	require.NoError(t, err)
	return msg
}
