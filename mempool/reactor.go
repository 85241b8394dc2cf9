package mempool

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ahwlsqja/dbft-node/types"
)

/*
================================================================================
                         MEMPOOL REACTOR
================================================================================

Reactor는 Mempool과 네트워크 레이어를 연결합니다.

  Client ── SubmitTx ──► Reactor ── Add ──► Mempool
                           │
                           └── BroadcastTx (batch) ──► Peers

  Peer ──── ReceiveTx ───► Reactor ── Add ──► Mempool   (재전파 없음)
  Peer ──── inventory ───► Reactor ── SendTx ──► Peer   (보유한 tx만)

  Mempool.NewTxCh ──► Reactor ──► listener (합의 서비스의 OnTransaction)

================================================================================
*/

// Broadcaster는 트랜잭션 전파를 위한 인터페이스
type Broadcaster interface {
	// 모든 피어에 트랜잭션 전파
	BroadcastTx(tx *types.Transaction) error
	// 특정 피어에 트랜잭션 전송
	SendTx(peerID string, tx *types.Transaction) error
}

// ReactorConfig는 리액터 설정
type ReactorConfig struct {
	BroadcastEnabled  bool          `mapstructure:"broadcast_enabled"`
	BroadcastDelay    time.Duration `mapstructure:"broadcast_delay"` // 배치 지연
	MaxBroadcastBatch int           `mapstructure:"max_broadcast_batch"`
	MaxPendingTxs     int           `mapstructure:"max_pending_txs"`
}

// DefaultReactorConfig returns the default reactor configuration.
func DefaultReactorConfig() *ReactorConfig {
	return &ReactorConfig{
		BroadcastEnabled:  true,
		BroadcastDelay:    10 * time.Millisecond,
		MaxBroadcastBatch: 100,
		MaxPendingTxs:     10000,
	}
}

// Reactor는 네트워크 계층과 멤풀을 연결함
type Reactor struct {
	mu sync.RWMutex

	config  *ReactorConfig
	mempool *Mempool
	log     *zap.Logger

	broadcaster Broadcaster
	listener    func(*types.Transaction)

	broadcastQueue chan *types.Transaction

	isRunning bool
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// NewReactor creates a new mempool reactor.
func NewReactor(mempool *Mempool, config *ReactorConfig, logger *zap.Logger) *Reactor {
	if config == nil {
		config = DefaultReactorConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Reactor{
		config:         config,
		mempool:        mempool,
		log:            logger.Named("reactor"),
		broadcastQueue: make(chan *types.Transaction, config.MaxPendingTxs),
		ctx:            ctx,
		cancel:         cancel,
	}
}

// SetBroadcaster sets the network broadcaster.
func (r *Reactor) SetBroadcaster(b Broadcaster) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.broadcaster = b
}

// SetListener registers fn to be called with every transaction the mempool
// accepts, whichever path it arrived by.
func (r *Reactor) SetListener(fn func(*types.Transaction)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listener = fn
}

// Start starts the broadcast and notification loops.
func (r *Reactor) Start() error {
	r.mu.Lock()
	if r.isRunning {
		r.mu.Unlock()
		return nil
	}
	r.isRunning = true
	r.mu.Unlock()

	r.wg.Add(2)
	go r.broadcastLoop()
	go r.receiveNewTxLoop()
	return nil
}

// Stop stops the reactor loops.
func (r *Reactor) Stop() error {
	r.mu.Lock()
	if !r.isRunning {
		r.mu.Unlock()
		return nil
	}
	r.isRunning = false
	r.cancel()
	r.mu.Unlock()

	r.wg.Wait()
	return nil
}

// SubmitTx adds a locally submitted transaction and queues it for gossip.
func (r *Reactor) SubmitTx(tx *types.Transaction) error {
	if err := r.mempool.Add(tx); err != nil {
		return err
	}
	if r.config.BroadcastEnabled {
		select {
		case r.broadcastQueue <- tx:
		default:
			// 큐가 가득 차면 무시 (이미 멤풀에는 추가됨)
		}
	}
	return nil
}

// ReceiveTx handles a transaction gossiped or sent by a peer.
func (r *Reactor) ReceiveTx(peerID string, tx *types.Transaction) error {
	err := r.mempool.Add(tx)
	if errors.Is(err, ErrTxAlreadyExists) {
		// 다른 피어에서도 받았을 수 있음
		return nil
	}
	if err != nil {
		r.log.Debug("peer transaction rejected", zap.String("peer", peerID), zap.Error(err))
	}
	return err
}

// HandleInventoryRequest sends peerID every requested transaction this node
// holds and returns how many were sent.
func (r *Reactor) HandleInventoryRequest(peerID string, hashes []types.Hash) int {
	r.mu.RLock()
	broadcaster := r.broadcaster
	r.mu.RUnlock()
	if broadcaster == nil {
		return 0
	}

	sent := 0
	for _, h := range hashes {
		tx, ok := r.mempool.TryGet(h)
		if !ok {
			continue
		}
		if err := broadcaster.SendTx(peerID, tx); err != nil {
			r.log.Warn("failed to answer inventory request",
				zap.String("peer", peerID), zap.Stringer("hash", h), zap.Error(err))
			continue
		}
		sent++
	}
	return sent
}

func (r *Reactor) broadcastLoop() {
	defer r.wg.Done()
	var batch []*types.Transaction
	ticker := time.NewTicker(r.config.BroadcastDelay)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return

		case tx := <-r.broadcastQueue:
			batch = append(batch, tx)
			if len(batch) >= r.config.MaxBroadcastBatch {
				r.broadcastBatch(batch)
				batch = nil
			}

		case <-ticker.C:
			if len(batch) > 0 {
				r.broadcastBatch(batch)
				batch = nil
			}
		}
	}
}

func (r *Reactor) broadcastBatch(batch []*types.Transaction) {
	r.mu.RLock()
	broadcaster := r.broadcaster
	r.mu.RUnlock()
	if broadcaster == nil {
		return
	}

	for _, tx := range batch {
		if err := broadcaster.BroadcastTx(tx); err != nil {
			r.log.Warn("failed to broadcast transaction", zap.Stringer("hash", tx.Hash()), zap.Error(err))
		}
	}
}

// receiveNewTxLoop hands every accepted transaction to the listener.
func (r *Reactor) receiveNewTxLoop() {
	defer r.wg.Done()
	for {
		select {
		case <-r.ctx.Done():
			return
		case tx, ok := <-r.mempool.NewTxCh():
			if !ok {
				return
			}
			r.mu.RLock()
			listener := r.listener
			r.mu.RUnlock()
			if listener != nil {
				listener(tx)
			}
		}
	}
}

// GetMempool returns the underlying mempool.
func (r *Reactor) GetMempool() *Mempool {
	return r.mempool
}
