package dbft

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahwlsqja/dbft-node/types"
)

func TestContext_ResetViewDropsFallback(t *testing.T) {
	txs := testTransactions(1)
	nodes := newTestNetwork(t, 4, 99, txs)

	nodes[1].fire(t)
	fallbackReq := nodes[1].tr.last(PrepareRequestType)
	nodes[0].fire(t)
	priorityReq := nodes[0].tr.last(PrepareRequestType)

	n := nodes[2]
	n.deliver(t, fallbackReq, priorityReq)
	c := n.svc.state
	require.True(t, c.ResponseSent(FallbackSlot))
	require.True(t, c.ResponseSent(PrioritySlot))

	require.NoError(t, c.Reset(1))
	assert.Nil(t, c.Proposals[FallbackSlot])
	assert.Nil(t, c.Proposal(FallbackSlot))
	assert.False(t, c.RequestSentOrReceived(PrioritySlot))
	assert.False(t, c.ResponseSent(PrioritySlot))
	assert.Zero(t, countNonNil(c.Proposals[PrioritySlot].Preparations))
	assert.Nil(t, c.Proposals[PrioritySlot].TransactionHashes)
	assert.Equal(t, -1, c.PrimaryIndex(FallbackSlot))

	// 새 높이로 돌아가도 이전 라운드 상태는 살아나지 않는다
	require.NoError(t, c.Reset(0))
	require.NotNil(t, c.Proposals[FallbackSlot])
	for slot := 0; slot < 2; slot++ {
		assert.Zero(t, countNonNil(c.Proposals[slot].Preparations))
		assert.Zero(t, countNonNil(c.Proposals[slot].Commits))
		assert.False(t, c.RequestSentOrReceived(slot))
	}
	assert.Zero(t, c.CountCommitted())
}

func TestContext_ResetClosesSnapshot(t *testing.T) {
	nodes := newTestNetwork(t, 4, 99, nil)
	n := nodes[0]
	before := len(n.ledger.snapshots)
	require.NoError(t, n.svc.state.Reset(0))
	require.Len(t, n.ledger.snapshots, before+1)
	assert.True(t, n.ledger.snapshots[before-1].closed)
	assert.False(t, n.ledger.snapshots[before].closed)
}

func TestContext_MakeCommitIdempotent(t *testing.T) {
	nodes := newTestNetwork(t, 4, 99, testTransactions(2))
	nodes[0].fire(t)
	nodes[1].deliver(t, nodes[0].tr.last(PrepareRequestType))

	c := nodes[1].svc.state
	first, err := c.MakeCommit(PrioritySlot)
	require.NoError(t, err)
	second, err := c.MakeCommit(PrioritySlot)
	require.NoError(t, err)

	b1, err := first.Bytes()
	require.NoError(t, err)
	b2, err := second.Bytes()
	require.NoError(t, err)
	assert.Equal(t, b1, b2)
	assert.True(t, c.CommitSent())
	assert.Equal(t, 1, c.CountCommitted())

	pc1, err := c.MakePreCommit(PrioritySlot)
	require.NoError(t, err)
	pc2, err := c.MakePreCommit(PrioritySlot)
	require.NoError(t, err)
	assert.Same(t, pc1, pc2)
}

func TestContext_MakePrepareRequestOnlyPrimary(t *testing.T) {
	nodes := newTestNetwork(t, 4, 99, nil)
	_, err := nodes[2].svc.state.MakePrepareRequest(PrioritySlot)
	assert.Error(t, err)

	_, err = nodes[2].svc.state.MakePrepareResponse(PrioritySlot)
	assert.ErrorIs(t, err, ErrNoRequest)
}

func TestContext_PrepareRequestTimestamp(t *testing.T) {
	keys := testKeys(t, 4)
	chain := newTestChain(keys, 99)
	// 이전 블록이 현재 시각보다 미래
	chain.header.Timestamp = uint64(testNow.UnixMilli()) + 500
	n := newTestNode(t, chain, keys[0], nil, nil)
	n.start(t)

	p, err := n.svc.state.MakePrepareRequest(PrioritySlot)
	require.NoError(t, err)
	assert.Equal(t, chain.header.Timestamp+1, decode(t, p).PrepareRequest.Timestamp)
}

func TestContext_EnsureMaxBlockLimitation(t *testing.T) {
	nodes := newTestNetwork(t, 4, 99, nil)
	c := nodes[0].svc.state
	txs := testTransactions(5)

	t.Run("TransactionCap", func(t *testing.T) {
		c.cfg.MaxTransactionsPerBlock = 3
		defer func() { c.cfg.MaxTransactionsPerBlock = DefaultConfig().MaxTransactionsPerBlock }()
		c.EnsureMaxBlockLimitation(PrioritySlot, txs)
		assert.Len(t, c.Proposals[PrioritySlot].TransactionHashes, 3)
	})

	t.Run("SystemFee", func(t *testing.T) {
		c.cfg.MaxBlockSystemFee = 250
		defer func() { c.cfg.MaxBlockSystemFee = DefaultConfig().MaxBlockSystemFee }()
		c.EnsureMaxBlockLimitation(PrioritySlot, txs)
		assert.Len(t, c.Proposals[PrioritySlot].TransactionHashes, 2)
		assert.Equal(t, int64(200), c.ExpectedBlockSystemFee(PrioritySlot))
	})

	t.Run("Size", func(t *testing.T) {
		overhead := c.blockOverhead(PrioritySlot)
		c.cfg.MaxBlockSize = overhead + txs[0].Size()
		defer func() { c.cfg.MaxBlockSize = DefaultConfig().MaxBlockSize }()
		c.EnsureMaxBlockLimitation(PrioritySlot, txs)
		assert.Len(t, c.Proposals[PrioritySlot].TransactionHashes, 1)
		assert.Equal(t, overhead+txs[0].Size(), c.ExpectedBlockSize(PrioritySlot))
	})
}

func TestContext_ConflictingTransactionsExcluded(t *testing.T) {
	txs := testTransactions(2)
	// 같은 송신자가 서로 충돌을 선언
	txs[1].Sender = txs[0].Sender
	txs[1].Conflicts = []types.Hash{txs[0].Hash()}

	v := newVerificationContext()
	require.True(t, v.check(txs[0]))
	v.add(txs[0])
	assert.False(t, v.check(txs[1]))
	assert.Equal(t, txs[0].SystemFee+txs[0].NetworkFee, v.pendingFee(txs[0].Sender))
}

func TestContext_CountFailed(t *testing.T) {
	nodes := newTestNetwork(t, 4, 99, nil)
	c := nodes[0].svc.state
	assert.Zero(t, c.CountFailed())

	c.LastSeenMessage[c.Validators.Validators[3].ID()] = 97
	assert.Equal(t, 1, c.CountFailed())
	assert.False(t, c.MoreThanFNodesCommittedOrLost())

	c.LastSeenMessage[c.Validators.Validators[2].ID()] = 90
	assert.True(t, c.MoreThanFNodesCommittedOrLost())
}

func TestContext_SaveLoad(t *testing.T) {
	txs := testTransactions(2)
	nodes := newTestNetwork(t, 4, 99, txs)
	nodes[0].fire(t)
	req := nodes[0].tr.last(PrepareRequestType)
	nodes[1].deliver(t, req)
	nodes[2].deliver(t, req)
	nodes[1].deliver(t, nodes[2].tr.last(PrepareResponseType))

	orig := nodes[1].svc.state
	require.True(t, orig.PreCommitSent())

	restored := newTestNode(t, nodes[1].ledger.chain, nodes[1].key, txs, nodes[1].store)
	c := restored.svc.state
	require.NoError(t, c.Reset(0))
	ok, err := c.Load()
	require.NoError(t, err)
	require.True(t, ok)

	assert.Equal(t, orig.ViewNumber, c.ViewNumber)
	assert.True(t, c.PreCommitSent())
	assert.True(t, c.ResponseSent(PrioritySlot))
	assert.Equal(t, orig.Proposals[PrioritySlot].TransactionHashes, c.Proposals[PrioritySlot].TransactionHashes)
	assert.Len(t, c.Proposals[PrioritySlot].Transactions, 2)
	assert.Equal(t, orig.ExpectedBlockSize(PrioritySlot), c.ExpectedBlockSize(PrioritySlot))
	assert.Equal(t, orig.Proposals[PrioritySlot].Header.Hash(), c.Proposals[PrioritySlot].Header.Hash())
	assert.Equal(t, 3, c.countPreparations(PrioritySlot))
}

func TestContext_LoadRejectsOtherHeight(t *testing.T) {
	nodes := newTestNetwork(t, 4, 99, testTransactions(1))
	commitAll(t, nodes[:3])

	keys := nodes[1].key
	chain := newTestChain(testKeys(t, 4), 150)
	n := newTestNode(t, chain, keys, nil, nodes[1].store)
	c := n.svc.state
	require.NoError(t, c.Reset(0))
	ok, err := c.Load()
	require.NoError(t, err)
	assert.False(t, ok)
}
