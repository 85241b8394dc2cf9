package mempool

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"

	"github.com/ahwlsqja/dbft-node/metrics"
	"github.com/ahwlsqja/dbft-node/types"
)

/*
================================================================================
                           MEMPOOL 아키텍처
================================================================================

┌─────────────────────────────────────────────────────────────────────────────┐
│                              MEMPOOL                                         │
│                                                                              │
│  txStore      [hash] -> *poolTx           검증 완료된 트랜잭션만 저장          │
│  senderIndex  [sender] -> []*poolTx       nonce 순서                          │
│  recentlyRemoved (expirable LRU)          블록에 포함/퇴출된 tx 재진입 방지      │
│                                                                              │
│  GetSortedVerifiedTransactions() → fee per byte 내림차순                      │
│  dBFT primary가 블록 제안 시 사용                                              │
│                                                                              │
└─────────────────────────────────────────────────────────────────────────────┘

================================================================================
*/

var (
	// 에러 정의
	ErrTxAlreadyExists   = errors.New("transaction already exists in mempool")
	ErrMempoolFull       = errors.New("mempool is full")
	ErrTxTooLarge        = errors.New("transaction too large")
	ErrTxExpired         = errors.New("transaction expired")
	ErrInvalidTx         = errors.New("invalid transaction")
	ErrConflict          = errors.New("transaction conflicts with pooled transaction")
	ErrInsufficientFee   = errors.New("insufficient network fee")
	ErrMempoolNotRunning = errors.New("mempool is not running")
)

// Config는 멤풀 설정
type Config struct {
	// 크기 제한
	MaxTxs     int   `mapstructure:"max_txs"`      // 최대 트랜잭션 수 (기본: 50000)
	MaxBytes   int64 `mapstructure:"max_bytes"`    // 최대 바이트 (기본: 1GB)
	MaxTxBytes int   `mapstructure:"max_tx_bytes"` // 단일 트랜잭션 최대 바이트 (기본: 100KB)

	// TTL (Time To Live)
	TTL time.Duration `mapstructure:"ttl"`

	// 블록 후 재검사
	RecheckEnabled bool `mapstructure:"recheck_enabled"`

	// 최근 제거된 tx 캐시 크기
	CacheSize int `mapstructure:"cache_size"`

	MinFeePerByte int64 `mapstructure:"min_fee_per_byte"`
}

// DefaultConfig returns the default mempool configuration.
func DefaultConfig() *Config {
	return &Config{
		MaxTxs:         50000,
		MaxBytes:       1024 * 1024 * 1024, // 1GB
		MaxTxBytes:     100 * 1024,
		TTL:            10 * time.Minute,
		RecheckEnabled: true,
		CacheSize:      10000,
		MinFeePerByte:  0,
	}
}

// CheckTxFunc validates a transaction against the current chain state.
// nil means valid.
type CheckTxFunc func(tx *types.Transaction) error

// Mempool manages verified transactions waiting for inclusion.
type Mempool struct {
	mu sync.RWMutex

	config *Config
	log    *zap.Logger
	prom   *metrics.Metrics
	now    func() time.Time

	txStore     map[types.Hash]*poolTx
	senderIndex map[types.Address][]*poolTx

	txBytes   int64
	height    uint32
	isRunning bool

	recentlyRemoved *expirable.LRU[types.Hash, struct{}]

	checkTx CheckTxFunc

	// 새 트랜잭션 알림 채널 (reactor가 소비)
	newTxCh chan *types.Transaction

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	metrics *MempoolMetrics
}

// MempoolMetrics는 멤풀 내부 카운터
type MempoolMetrics struct {
	mu sync.RWMutex

	TxsReceived   int64
	TxsAccepted   int64
	TxsRejected   int64
	TxsExpired    int64
	TxsEvicted    int64
	TxsCommitted  int64
	RecheckCount  int64
	CurrentSize   int
	CurrentBytes  int64
	PeakSize      int
	PeakBytes     int64
	LastBlockTime time.Time
}

// NewMempool creates a mempool. logger and prom may be nil.
func NewMempool(config *Config, logger *zap.Logger, prom *metrics.Metrics) *Mempool {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cacheSize := config.CacheSize
	if cacheSize <= 0 {
		cacheSize = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Mempool{
		config:          config,
		log:             logger.Named("mempool"),
		prom:            prom,
		now:             time.Now,
		txStore:         make(map[types.Hash]*poolTx),
		senderIndex:     make(map[types.Address][]*poolTx),
		recentlyRemoved: expirable.NewLRU[types.Hash, struct{}](cacheSize, nil, config.TTL),
		newTxCh:         make(chan *types.Transaction, 1000),
		ctx:             ctx,
		cancel:          cancel,
		metrics:         &MempoolMetrics{},
	}
}

// Start starts the expiry loop.
func (mp *Mempool) Start() error {
	mp.mu.Lock()
	if mp.isRunning {
		mp.mu.Unlock()
		return nil
	}
	mp.isRunning = true
	mp.mu.Unlock()

	if mp.config.TTL > 0 {
		mp.wg.Add(1)
		go mp.expireLoop()
	}
	return nil
}

// Stop stops the mempool and closes the new-transaction channel.
func (mp *Mempool) Stop() error {
	mp.mu.Lock()
	if !mp.isRunning {
		mp.mu.Unlock()
		return nil
	}
	mp.isRunning = false
	mp.cancel()
	close(mp.newTxCh)
	mp.mu.Unlock()

	mp.wg.Wait()
	return nil
}

// SetCheckTxCallback sets the chain-state validation hook.
func (mp *Mempool) SetCheckTxCallback(cb CheckTxFunc) {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	mp.checkTx = cb
}

// NewTxCh returns the channel announcing accepted transactions.
func (mp *Mempool) NewTxCh() <-chan *types.Transaction {
	return mp.newTxCh
}

/*
================================================================================
                          트랜잭션 추가 흐름
================================================================================

  1. 중복 체크 (txStore, recentlyRemoved)
  2. 크기/수수료 체크
  3. 풀 안의 충돌 체크 (Conflicts)
  4. CheckTx 콜백 (체인 상태 검증)
  5. 용량 체크, 필요시 낮은 수수료 퇴출
  6. 저장 후 newTxCh 알림

================================================================================
*/

// Add verifies tx and adds it to the pool.
func (mp *Mempool) Add(tx *types.Transaction) error {
	if tx == nil {
		return ErrInvalidTx
	}
	mp.mu.Lock()
	defer mp.mu.Unlock()

	if !mp.isRunning {
		return ErrMempoolNotRunning
	}
	mp.metrics.mu.Lock()
	mp.metrics.TxsReceived++
	mp.metrics.mu.Unlock()

	ptx := newPoolTx(tx, mp.height, mp.now())

	if _, exists := mp.txStore[ptx.hash]; exists {
		mp.rejectTx()
		return ErrTxAlreadyExists
	}
	if mp.recentlyRemoved.Contains(ptx.hash) {
		mp.rejectTx()
		return ErrTxAlreadyExists
	}
	if ptx.size > mp.config.MaxTxBytes {
		mp.rejectTx()
		return fmt.Errorf("%w: size %d > max %d", ErrTxTooLarge, ptx.size, mp.config.MaxTxBytes)
	}
	if ptx.feePerByte < mp.config.MinFeePerByte {
		mp.rejectTx()
		return fmt.Errorf("%w: %d per byte < min %d", ErrInsufficientFee, ptx.feePerByte, mp.config.MinFeePerByte)
	}
	if tx.ValidUntilBlock <= mp.height {
		mp.rejectTx()
		return fmt.Errorf("%w: valid until %d, height %d", ErrTxExpired, tx.ValidUntilBlock, mp.height)
	}
	if err := mp.checkConflictsLocked(ptx); err != nil {
		mp.rejectTx()
		return err
	}
	if mp.checkTx != nil {
		if err := mp.checkTx(tx); err != nil {
			mp.rejectTx()
			return fmt.Errorf("%w: %v", ErrInvalidTx, err)
		}
	}
	if err := mp.ensureCapacity(ptx); err != nil {
		mp.rejectTx()
		return err
	}

	mp.addTxLocked(ptx)

	select {
	case mp.newTxCh <- tx:
	default:
		// 채널이 가득 차면 무시
	}
	mp.acceptTx()
	mp.log.Debug("transaction added", zap.Stringer("hash", ptx.hash), zap.Int("size", ptx.size))
	return nil
}

// checkConflictsLocked rejects tx when it and a pooled transaction of the same
// sender declare a conflict in either direction.
func (mp *Mempool) checkConflictsLocked(ptx *poolTx) error {
	for _, h := range ptx.tx.Conflicts {
		if other, ok := mp.txStore[h]; ok && other.tx.Sender == ptx.tx.Sender {
			return fmt.Errorf("%w: %s", ErrConflict, h)
		}
	}
	for _, other := range mp.senderIndex[ptx.tx.Sender] {
		for _, h := range other.tx.Conflicts {
			if h == ptx.hash {
				return fmt.Errorf("%w: %s", ErrConflict, other.hash)
			}
		}
	}
	return nil
}

// ensureCapacity makes room for newTx by evicting cheaper transactions.
func (mp *Mempool) ensureCapacity(newTx *poolTx) error {
	for len(mp.txStore) >= mp.config.MaxTxs {
		if err := mp.evictLowestPriority(newTx); err != nil {
			return ErrMempoolFull
		}
	}
	for mp.txBytes+int64(newTx.size) > mp.config.MaxBytes {
		if err := mp.evictLowestPriority(newTx); err != nil {
			return ErrMempoolFull
		}
	}
	return nil
}

// evictLowestPriority removes the last transaction in pool order if newTx
// would be ordered ahead of it.
func (mp *Mempool) evictLowestPriority(newTx *poolTx) error {
	var lowest *poolTx
	for _, ptx := range mp.txStore {
		if lowest == nil || lowest.before(ptx) {
			lowest = ptx
		}
	}
	if lowest == nil {
		return errors.New("no transaction to evict")
	}
	if !newTx.before(lowest) {
		return errors.New("cannot evict higher priority transaction")
	}

	mp.removeTxLocked(lowest.hash, true)
	mp.metrics.mu.Lock()
	mp.metrics.TxsEvicted++
	mp.metrics.mu.Unlock()
	return nil
}

func (mp *Mempool) addTxLocked(ptx *poolTx) {
	mp.txStore[ptx.hash] = ptx
	mp.txBytes += int64(ptx.size)

	senderTxs := append(mp.senderIndex[ptx.tx.Sender], ptx)
	sort.Slice(senderTxs, func(i, j int) bool {
		return senderTxs[i].tx.Nonce < senderTxs[j].tx.Nonce
	})
	mp.senderIndex[ptx.tx.Sender] = senderTxs

	mp.updateMetrics()
}

func (mp *Mempool) removeTxLocked(hash types.Hash, addToCache bool) {
	ptx, exists := mp.txStore[hash]
	if !exists {
		return
	}
	delete(mp.txStore, hash)
	mp.txBytes -= int64(ptx.size)

	senderTxs := mp.senderIndex[ptx.tx.Sender]
	for i, t := range senderTxs {
		if t.hash == hash {
			mp.senderIndex[ptx.tx.Sender] = append(senderTxs[:i], senderTxs[i+1:]...)
			break
		}
	}
	if len(mp.senderIndex[ptx.tx.Sender]) == 0 {
		delete(mp.senderIndex, ptx.tx.Sender)
	}

	if addToCache {
		mp.recentlyRemoved.Add(hash, struct{}{})
	}
	mp.updateMetrics()
}

// ================================================================================
//                       트랜잭션 조회 (블록 제안용)
// ================================================================================

func (mp *Mempool) sortedLocked() []*poolTx {
	txs := make([]*poolTx, 0, len(mp.txStore))
	for _, ptx := range mp.txStore {
		txs = append(txs, ptx)
	}
	sort.Slice(txs, func(i, j int) bool { return txs[i].before(txs[j]) })
	return txs
}

// GetSortedVerifiedTransactions returns up to limit transactions in priority
// order. limit <= 0 returns all of them.
func (mp *Mempool) GetSortedVerifiedTransactions(limit int) []*types.Transaction {
	mp.mu.RLock()
	defer mp.mu.RUnlock()

	sorted := mp.sortedLocked()
	if limit > 0 && len(sorted) > limit {
		sorted = sorted[:limit]
	}
	out := make([]*types.Transaction, len(sorted))
	for i, ptx := range sorted {
		out[i] = ptx.tx
	}
	return out
}

// GetVerifiedTransactions returns every pooled transaction by hash.
func (mp *Mempool) GetVerifiedTransactions() map[types.Hash]*types.Transaction {
	mp.mu.RLock()
	defer mp.mu.RUnlock()

	out := make(map[types.Hash]*types.Transaction, len(mp.txStore))
	for h, ptx := range mp.txStore {
		out[h] = ptx.tx
	}
	return out
}

// TryGet looks up a pooled transaction.
func (mp *Mempool) TryGet(hash types.Hash) (*types.Transaction, bool) {
	mp.mu.RLock()
	defer mp.mu.RUnlock()
	ptx, ok := mp.txStore[hash]
	if !ok {
		return nil, false
	}
	return ptx.tx, true
}

// ================================================================================
//                         블록 커밋 후 처리
// ================================================================================

// Update is called after block height is persisted. It drops the block's
// transactions and anything they conflict with, expires transactions past
// their ValidUntilBlock and optionally rechecks the rest.
func (mp *Mempool) Update(height uint32, committed []*types.Transaction) {
	mp.mu.Lock()
	defer mp.mu.Unlock()

	mp.height = height
	mp.metrics.mu.Lock()
	mp.metrics.LastBlockTime = mp.now()
	mp.metrics.mu.Unlock()

	for _, tx := range committed {
		h := tx.Hash()
		if _, ok := mp.txStore[h]; ok {
			mp.metrics.mu.Lock()
			mp.metrics.TxsCommitted++
			mp.metrics.mu.Unlock()
		}
		mp.removeTxLocked(h, true)
		for _, c := range tx.Conflicts {
			if other, ok := mp.txStore[c]; ok && other.tx.Sender == tx.Sender {
				mp.removeTxLocked(c, true)
			}
		}
	}

	var stale []types.Hash
	for h, ptx := range mp.txStore {
		if ptx.tx.ValidUntilBlock <= height {
			stale = append(stale, h)
		}
	}
	for _, h := range stale {
		mp.removeTxLocked(h, false)
		mp.metrics.mu.Lock()
		mp.metrics.TxsExpired++
		mp.metrics.mu.Unlock()
	}

	if mp.config.RecheckEnabled {
		mp.recheckTxsLocked()
	}
}

func (mp *Mempool) recheckTxsLocked() {
	if mp.checkTx == nil {
		return
	}
	mp.metrics.mu.Lock()
	mp.metrics.RecheckCount++
	mp.metrics.mu.Unlock()

	var toRemove []types.Hash
	for h, ptx := range mp.txStore {
		if err := mp.checkTx(ptx.tx); err != nil {
			toRemove = append(toRemove, h)
		}
	}
	for _, h := range toRemove {
		mp.removeTxLocked(h, false)
	}
	if len(toRemove) > 0 {
		mp.log.Debug("recheck dropped transactions", zap.Int("count", len(toRemove)))
	}
}

// ================================================================================
//                            조회 메서드
// ================================================================================

// Has reports whether hash is pooled.
func (mp *Mempool) Has(hash types.Hash) bool {
	mp.mu.RLock()
	defer mp.mu.RUnlock()
	_, exists := mp.txStore[hash]
	return exists
}

// Size returns the current number of transactions.
func (mp *Mempool) Size() int {
	mp.mu.RLock()
	defer mp.mu.RUnlock()
	return len(mp.txStore)
}

// SizeBytes returns the current total bytes.
func (mp *Mempool) SizeBytes() int64 {
	mp.mu.RLock()
	defer mp.mu.RUnlock()
	return mp.txBytes
}

// GetTxsBySender returns a sender's transactions in nonce order.
func (mp *Mempool) GetTxsBySender(sender types.Address) []*types.Transaction {
	mp.mu.RLock()
	defer mp.mu.RUnlock()

	txs := mp.senderIndex[sender]
	if txs == nil {
		return nil
	}
	result := make([]*types.Transaction, len(txs))
	for i, ptx := range txs {
		result[i] = ptx.tx
	}
	return result
}

// GetMetrics returns a copy of the pool counters.
func (mp *Mempool) GetMetrics() MempoolMetrics {
	mp.mu.RLock()
	size, bytes := len(mp.txStore), mp.txBytes
	mp.mu.RUnlock()

	mp.metrics.mu.RLock()
	defer mp.metrics.mu.RUnlock()
	return MempoolMetrics{
		TxsReceived:   mp.metrics.TxsReceived,
		TxsAccepted:   mp.metrics.TxsAccepted,
		TxsRejected:   mp.metrics.TxsRejected,
		TxsExpired:    mp.metrics.TxsExpired,
		TxsEvicted:    mp.metrics.TxsEvicted,
		TxsCommitted:  mp.metrics.TxsCommitted,
		RecheckCount:  mp.metrics.RecheckCount,
		CurrentSize:   size,
		CurrentBytes:  bytes,
		PeakSize:      mp.metrics.PeakSize,
		PeakBytes:     mp.metrics.PeakBytes,
		LastBlockTime: mp.metrics.LastBlockTime,
	}
}

// ================================================================================
//                          백그라운드 작업
// ================================================================================

func (mp *Mempool) expireLoop() {
	defer mp.wg.Done()
	ticker := time.NewTicker(mp.config.TTL / 2)
	defer ticker.Stop()

	for {
		select {
		case <-mp.ctx.Done():
			return
		case <-ticker.C:
			mp.expireTxs()
		}
	}
}

// expireTxs drops transactions older than the TTL.
func (mp *Mempool) expireTxs() {
	mp.mu.Lock()
	defer mp.mu.Unlock()

	now := mp.now()
	var toRemove []types.Hash
	for h, ptx := range mp.txStore {
		if ptx.Age(now) > mp.config.TTL {
			toRemove = append(toRemove, h)
		}
	}
	for _, h := range toRemove {
		mp.removeTxLocked(h, true)
		mp.metrics.mu.Lock()
		mp.metrics.TxsExpired++
		mp.metrics.mu.Unlock()
	}
}

// Flush removes all transactions from the mempool.
func (mp *Mempool) Flush() {
	mp.mu.Lock()
	defer mp.mu.Unlock()

	mp.txStore = make(map[types.Hash]*poolTx)
	mp.senderIndex = make(map[types.Address][]*poolTx)
	mp.txBytes = 0
	mp.updateMetrics()
}

// ================================================================================
//                              헬퍼 메서드
// ================================================================================

func (mp *Mempool) acceptTx() {
	mp.metrics.mu.Lock()
	mp.metrics.TxsAccepted++
	mp.metrics.mu.Unlock()
}

func (mp *Mempool) rejectTx() {
	mp.metrics.mu.Lock()
	mp.metrics.TxsRejected++
	mp.metrics.mu.Unlock()
}

func (mp *Mempool) updateMetrics() {
	size := len(mp.txStore)
	mp.prom.SetMempoolSize(size)

	mp.metrics.mu.Lock()
	defer mp.metrics.mu.Unlock()
	mp.metrics.CurrentSize = size
	mp.metrics.CurrentBytes = mp.txBytes
	if size > mp.metrics.PeakSize {
		mp.metrics.PeakSize = size
	}
	if mp.txBytes > mp.metrics.PeakBytes {
		mp.metrics.PeakBytes = mp.txBytes
	}
}
