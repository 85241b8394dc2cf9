package ledger

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ahwlsqja/dbft-node/abci"
	"github.com/ahwlsqja/dbft-node/consensus/dbft"
	"github.com/ahwlsqja/dbft-node/crypto"
	"github.com/ahwlsqja/dbft-node/metrics"
	"github.com/ahwlsqja/dbft-node/persistence"
	"github.com/ahwlsqja/dbft-node/types"
)

/*
================================================================================
                           LEDGER ACTOR
================================================================================

  dbft.Service ──Persist(block)──▶ persistCh ──▶ run()
                                                  │
                                                  ├─ verifyBlock   (높이, prev hash, merkle, witness)
                                                  ├─ store.SaveBlock
                                                  ├─ executor.ExecuteBlock
                                                  ├─ store.SaveState (헤드 갱신)
                                                  ├─ pool.Update
                                                  └─ subscribers (Service.OnPersistCompleted)

  블록 저장은 단일 goroutine에서만 일어난다. Snapshot은 생성 시점의 높이로
  고정된 읽기 전용 뷰.

================================================================================
*/

var (
	ErrChainStopped     = errors.New("chain is stopped")
	ErrPersistQueueFull = errors.New("persist queue is full")
	ErrUnexpectedHeight = errors.New("unexpected block height")
	ErrPrevHashMismatch = errors.New("previous block hash mismatch")
	ErrMerkleRoot       = errors.New("merkle root mismatch")
	ErrGenesisMismatch  = errors.New("stored genesis does not match configuration")
	ErrHeaderNotFound   = errors.New("header not found")
	ErrSnapshotClosed   = errors.New("snapshot is closed")
)

// Config holds chain parameters.
type Config struct {
	// Network magic used for block witness verification.
	Network uint32 `mapstructure:"network"`
	ChainID string `mapstructure:"chain_id"`

	// StandbyValidators are the public keys of the consensus nodes, in order.
	StandbyValidators [][]byte `mapstructure:"-"`
	GenesisTimestamp  uint64   `mapstructure:"genesis_timestamp"`

	// 트랜잭션 정책
	MinFeePerByte               int64  `mapstructure:"min_fee_per_byte"`
	MaxValidUntilBlockIncrement uint32 `mapstructure:"max_valid_until_block_increment"`
	// MaxSenderPendingFee caps the fees one sender may have in a single
	// block. 0 disables the check.
	MaxSenderPendingFee int64 `mapstructure:"max_sender_pending_fee"`

	PersistQueueSize int           `mapstructure:"persist_queue_size"`
	ExecTimeout      time.Duration `mapstructure:"exec_timeout"`

	Logger  *zap.Logger      `mapstructure:"-"`
	Metrics *metrics.Metrics `mapstructure:"-"`
}

// DefaultConfig returns default chain parameters without validators.
func DefaultConfig() *Config {
	return &Config{
		Network:                     0x334F454E,
		ChainID:                     "dbft-local",
		GenesisTimestamp:            1_468_595_301_000,
		MinFeePerByte:               0,
		MaxValidUntilBlockIncrement: 5760,
		PersistQueueSize:            16,
		ExecTimeout:                 30 * time.Second,
	}
}

// TxPool receives the transactions of every persisted block.
type TxPool interface {
	Update(height uint32, committed []*types.Transaction)
}

type conflictRecord struct {
	height  uint32
	signers []types.Address
}

// Chain is the ledger actor. It implements dbft.Ledger.
type Chain struct {
	cfg        *Config
	store      persistence.Store
	exec       abci.Executor
	pool       TxPool
	log        *zap.Logger
	metrics    *metrics.Metrics
	validators *types.ValidatorSet

	mu        sync.RWMutex
	headers   []*types.Header // index = height
	hashIndex map[types.Hash]uint32
	txIndex   map[types.Hash]uint32
	conflicts map[types.Hash][]conflictRecord
	appHash   []byte

	subMu       sync.RWMutex
	subscribers []func(*types.Block)

	persistCh chan *types.Block

	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
	started  bool
	stopOnce sync.Once

	errMu sync.Mutex
	err   error
}

// NewChain opens the chain stored in store. A fresh store gets the genesis
// block; otherwise stored blocks the application has not executed yet are
// replayed through exec. pool may be nil.
func NewChain(ctx context.Context, cfg *Config, store persistence.Store, exec abci.Executor, pool TxPool) (*Chain, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if len(cfg.StandbyValidators) == 0 {
		return nil, errors.New("ledger: no standby validators")
	}
	if store == nil || exec == nil {
		return nil, errors.New("ledger: store and executor are required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	queue := cfg.PersistQueueSize
	if queue <= 0 {
		queue = 16
	}

	runCtx, cancel := context.WithCancel(context.Background())
	c := &Chain{
		cfg:        cfg,
		store:      store,
		exec:       exec,
		pool:       pool,
		log:        logger.Named("chain"),
		metrics:    cfg.Metrics,
		validators: types.NewValidatorSet(cfg.StandbyValidators),
		hashIndex:  make(map[types.Hash]uint32),
		txIndex:    make(map[types.Hash]uint32),
		conflicts:  make(map[types.Hash][]conflictRecord),
		persistCh:  make(chan *types.Block, queue),
		ctx:        runCtx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	if err := c.restore(ctx); err != nil {
		cancel()
		return nil, err
	}
	if pool != nil {
		pool.Update(c.Height(), nil)
	}
	return c, nil
}

// ================================================================================
//                          복구 (Restore)
// ================================================================================

func (c *Chain) restore(ctx context.Context) error {
	genesis := GenesisBlock(c.cfg.StandbyValidators, c.cfg.GenesisTimestamp)

	res, err := persistence.Recover(c.store, c.log)
	if err != nil {
		return err
	}

	if res.State == nil {
		if err := c.store.SaveBlock(genesis); err != nil {
			return fmt.Errorf("failed to save genesis: %w", err)
		}
		appHash, err := c.exec.InitChain(ctx, c.cfg.ChainID)
		if err != nil {
			return err
		}
		if err := c.store.SaveState(&persistence.ChainState{
			Height:    0,
			BlockHash: genesis.Hash(),
			AppHash:   appHash,
		}); err != nil {
			return fmt.Errorf("failed to save genesis state: %w", err)
		}
		c.indexBlock(genesis)
		c.appHash = appHash
		c.log.Info("created genesis block",
			zap.Stringer("hash", genesis.Hash()),
			zap.Stringer("next_consensus", genesis.Header.NextConsensus))
		return nil
	}

	blocks, err := c.store.LoadBlocks(0, res.LatestHeight)
	if err != nil {
		return fmt.Errorf("failed to load blocks: %w", err)
	}
	if len(blocks) == 0 || blocks[0].Hash() != genesis.Hash() {
		return ErrGenesisMismatch
	}
	for i, b := range blocks {
		if b.Index() != uint32(i) {
			return fmt.Errorf("%w: missing block %d", persistence.ErrCorruptHead, i)
		}
		c.indexBlock(b)
	}

	appHash, err := c.exec.InitChain(ctx, c.cfg.ChainID)
	if err != nil {
		return err
	}
	appHeight, err := c.exec.LastHeight(ctx)
	if err != nil {
		return err
	}
	if appHeight > res.LatestHeight {
		return fmt.Errorf("application height %d is ahead of chain height %d", appHeight, res.LatestHeight)
	}
	for h := appHeight + 1; h <= res.LatestHeight; h++ {
		result, err := c.execute(ctx, blocks[h])
		if err != nil {
			return fmt.Errorf("failed to replay block %d: %w", h, err)
		}
		appHash = result.AppHash
	}
	if res.LatestHeight == res.State.Height && appHeight < res.LatestHeight &&
		string(appHash) != string(res.State.AppHash) {
		c.log.Warn("replayed app hash differs from stored head",
			zap.String("stored", hex.EncodeToString(res.State.AppHash)),
			zap.String("replayed", hex.EncodeToString(appHash)))
	}

	// SaveBlock 이후 SaveState 전에 중단된 블록
	if res.LatestHeight > res.State.Height {
		latest := blocks[res.LatestHeight]
		if err := c.store.SaveState(&persistence.ChainState{
			Height:    latest.Index(),
			BlockHash: latest.Hash(),
			AppHash:   appHash,
		}); err != nil {
			return fmt.Errorf("failed to save state: %w", err)
		}
	}
	c.appHash = appHash

	c.log.Info("chain restored",
		zap.Uint32("height", res.LatestHeight),
		zap.Uint32("replayed_from", appHeight+1))
	return nil
}

// indexBlock appends block to the in-memory indexes. Caller holds mu or owns c
// exclusively.
func (c *Chain) indexBlock(block *types.Block) {
	h := block.Header
	height := block.Index()
	c.headers = append(c.headers, &h)
	c.hashIndex[block.Hash()] = height
	for _, tx := range block.Transactions {
		c.txIndex[tx.Hash()] = height
		for _, conflict := range tx.Conflicts {
			c.conflicts[conflict] = append(c.conflicts[conflict], conflictRecord{
				height:  height,
				signers: tx.Signers(),
			})
		}
	}
}

// ================================================================================
//                          라이프사이클
// ================================================================================

// Start launches the persist loop. The chain stops when ctx is canceled, Stop
// is called, or a block fails to persist.
func (c *Chain) Start(ctx context.Context) error {
	if c.started {
		return errors.New("chain already started")
	}
	c.started = true
	go func() {
		select {
		case <-ctx.Done():
			c.Stop()
		case <-c.done:
		}
	}()
	go c.run()
	return nil
}

// Stop terminates the persist loop and waits for it to exit.
func (c *Chain) Stop() {
	c.stopOnce.Do(c.cancel)
	if c.started {
		<-c.done
	}
}

// Done is closed when the persist loop exits.
func (c *Chain) Done() <-chan struct{} {
	return c.done
}

// Err returns the error that stopped the chain, if any.
func (c *Chain) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

// Subscribe registers fn to be called after every persisted block, from the
// persist goroutine.
func (c *Chain) Subscribe(fn func(*types.Block)) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	c.subscribers = append(c.subscribers, fn)
}

// Persist queues a finalized block. Completion is reported to subscribers.
func (c *Chain) Persist(block *types.Block) error {
	if block == nil {
		return persistence.ErrNilBlock
	}
	select {
	case <-c.ctx.Done():
		return ErrChainStopped
	default:
	}
	select {
	case c.persistCh <- block:
		return nil
	default:
		return ErrPersistQueueFull
	}
}

func (c *Chain) run() {
	defer close(c.done)
	for {
		select {
		case <-c.ctx.Done():
			return
		case block := <-c.persistCh:
			if block.Index() <= c.Height() {
				c.log.Debug("ignoring already persisted block", zap.Uint32("height", block.Index()))
				continue
			}
			if err := c.verifyBlock(block); err != nil {
				c.log.Warn("rejected block",
					zap.Uint32("height", block.Index()),
					zap.Stringer("hash", block.Hash()),
					zap.Error(err))
				continue
			}
			if err := c.persistBlock(block); err != nil {
				c.log.Error("failed to persist block",
					zap.Uint32("height", block.Index()),
					zap.Error(err))
				c.fail(err)
				return
			}
		}
	}
}

func (c *Chain) fail(err error) {
	c.errMu.Lock()
	if c.err == nil {
		c.err = err
	}
	c.errMu.Unlock()
	c.stopOnce.Do(c.cancel)
}

// ================================================================================
//                          블록 저장
// ================================================================================

// verifyBlock checks that block extends the current head and carries a valid
// multi-signature of the validators named by the previous header.
func (c *Chain) verifyBlock(block *types.Block) error {
	c.mu.RLock()
	prev := c.headers[len(c.headers)-1]
	c.mu.RUnlock()

	if block.Index() != prev.Index+1 {
		return fmt.Errorf("%w: got %d, want %d", ErrUnexpectedHeight, block.Index(), prev.Index+1)
	}
	if block.Header.PrevHash != prev.Hash() {
		return ErrPrevHashMismatch
	}
	if crypto.MerkleRoot(block.TransactionHashes()) != block.Header.MerkleRoot {
		return ErrMerkleRoot
	}
	signData := block.Header.SignData(c.cfg.Network)
	if err := crypto.VerifyMultiSig(&block.Header.Witness, signData, prev.NextConsensus); err != nil {
		return fmt.Errorf("invalid block witness: %w", err)
	}
	return nil
}

func (c *Chain) persistBlock(block *types.Block) error {
	start := time.Now()

	if err := c.store.SaveBlock(block); err != nil {
		return err
	}

	ctx, cancel := c.execContext(c.ctx)
	defer cancel()
	result, err := c.execute(ctx, block)
	if err != nil {
		return err
	}

	if err := c.store.SaveState(&persistence.ChainState{
		Height:    block.Index(),
		BlockHash: block.Hash(),
		AppHash:   result.AppHash,
	}); err != nil {
		return err
	}

	c.mu.Lock()
	c.indexBlock(block)
	c.appHash = result.AppHash
	c.mu.Unlock()

	if c.pool != nil {
		c.pool.Update(block.Index(), block.Transactions)
	}

	elapsed := time.Since(start)
	c.metrics.RecordBlockExecutionTime(elapsed)
	c.metrics.AddTransactions(len(block.Transactions))
	c.metrics.SetBlockHeight(block.Index())

	failed := 0
	for _, r := range result.TxResults {
		if !r.IsOK() {
			failed++
		}
	}
	c.log.Info("block persisted",
		zap.Uint32("height", block.Index()),
		zap.Stringer("hash", block.Hash()),
		zap.Int("txs", len(block.Transactions)),
		zap.Int("failed_txs", failed),
		zap.String("app_hash", hex.EncodeToString(result.AppHash)),
		zap.Duration("elapsed", elapsed))

	c.subMu.RLock()
	subs := append([]func(*types.Block){}, c.subscribers...)
	c.subMu.RUnlock()
	for _, fn := range subs {
		fn(block)
	}
	return nil
}

func (c *Chain) execute(ctx context.Context, block *types.Block) (*abci.ExecutionResult, error) {
	proposer := c.validators.SenderScriptHash(int(block.Header.PrimaryIndex) % c.validators.Size())
	return c.exec.ExecuteBlock(ctx, block, proposer)
}

func (c *Chain) execContext(parent context.Context) (context.Context, context.CancelFunc) {
	if c.cfg.ExecTimeout <= 0 {
		return context.WithCancel(parent)
	}
	return context.WithTimeout(parent, c.cfg.ExecTimeout)
}

// ================================================================================
//                          조회
// ================================================================================

// Height returns the current chain height.
func (c *Chain) Height() uint32 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return uint32(len(c.headers) - 1)
}

// CurrentHash returns the hash of the head block.
func (c *Chain) CurrentHash() types.Hash {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.headers[len(c.headers)-1].Hash()
}

// AppHash returns the application hash after the head block.
func (c *Chain) AppHash() []byte {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]byte(nil), c.appHash...)
}

// Validators returns the standby validator set.
func (c *Chain) Validators() *types.ValidatorSet {
	return c.validators
}

// GetBlock loads a stored block.
func (c *Chain) GetBlock(height uint32) (*types.Block, error) {
	return c.store.LoadBlock(height)
}

// Snapshot opens a read-only view at the current head.
func (c *Chain) Snapshot() (dbft.Snapshot, error) {
	return c.snapshot(), nil
}

func (c *Chain) snapshot() *Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	head := c.headers[len(c.headers)-1]
	return &Snapshot{
		chain:  c,
		height: head.Index,
		hash:   head.Hash(),
	}
}

// CheckTx validates a transaction for the mempool against the current head.
func (c *Chain) CheckTx(tx *types.Transaction) error {
	snap := c.snapshot()
	defer snap.Close()
	if snap.ContainsConflict(tx.Hash(), tx.Signers()) {
		return fmt.Errorf("%w: conflicts with on-chain transaction", dbft.ErrInvalidTransaction)
	}
	return snap.VerifyTransaction(tx, 0)
}

var _ dbft.Ledger = (*Chain)(nil)
