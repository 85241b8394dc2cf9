// Package dbft implements delegated Byzantine fault tolerant consensus with
// priority and fallback proposals at view 0.
package dbft

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"

	"github.com/ahwlsqja/dbft-node/metrics"
	"github.com/ahwlsqja/dbft-node/types"
)

// maxTimerShift caps the geometric view timeout.
const maxTimerShift = 16

// Deps are the collaborators of a Service.
type Deps struct {
	Ledger    Ledger
	Mempool   Mempool
	Transport Transport
	Wallet    Wallet
	Store     RecoveryStore
}

type timer interface {
	Stop() bool
}

// events delivered to the consensus goroutine
type (
	startEvent       struct{}
	payloadEvent     struct{ payload *Payload }
	transactionEvent struct{ tx *types.Transaction }
	persistEvent     struct{ block *types.Block }
	timerEvent       struct {
		height uint32
		view   uint8
		seq    uint64
	}
)

// Service drives the consensus state machine. All state is owned by a single
// goroutine; the public methods only enqueue events. Payloads, timers and
// persist notifications go through inbox, which is always drained before
// txInbox.
type Service struct {
	cfg       *Config
	state     *Context
	ledger    Ledger
	pool      Mempool
	transport Transport
	log       *zap.Logger
	metrics   *metrics.Metrics

	inbox       chan interface{}
	txInbox     chan *types.Transaction
	knownHashes map[types.Hash]struct{}
	verifyCache *expirable.LRU[types.Hash, bool]

	started      bool
	isRecovering bool

	timer         timer
	timerHeight   uint32
	timerView     uint8
	timerSeq      uint64
	clockStarted  time.Time
	expectedDelay time.Duration
	newTimer      func(d time.Duration, fn func()) timer

	blockReceivedTime  time.Time
	blockReceivedIndex uint32

	running  atomic.Bool
	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once

	errMu sync.Mutex
	err   error
}

// NewService creates a consensus service. Call Start to begin.
func NewService(cfg *Config, deps Deps) (*Service, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	switch {
	case deps.Ledger == nil:
		return nil, errors.New("dbft: ledger is required")
	case deps.Mempool == nil:
		return nil, errors.New("dbft: mempool is required")
	case deps.Transport == nil:
		return nil, errors.New("dbft: transport is required")
	case deps.Wallet == nil:
		return nil, errors.New("dbft: wallet is required")
	case deps.Store == nil:
		return nil, errors.New("dbft: recovery store is required")
	}
	if cfg.TimePerBlock <= 0 {
		return nil, fmt.Errorf("dbft: invalid time per block %s", cfg.TimePerBlock)
	}

	cacheSize := cfg.VerifyCacheSize
	if cacheSize <= 0 {
		cacheSize = 4096
	}
	inboxSize := cfg.InboxSize
	if inboxSize <= 0 {
		inboxSize = 1000
	}
	txInboxSize := cfg.TxInboxSize
	if txInboxSize <= 0 {
		txInboxSize = 1000
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		cfg:         cfg,
		state:       NewContext(cfg, deps.Ledger, deps.Mempool, deps.Wallet, deps.Store),
		ledger:      deps.Ledger,
		pool:        deps.Mempool,
		transport:   deps.Transport,
		log:         cfg.logger().Named("dbft"),
		metrics:     cfg.Metrics,
		inbox:       make(chan interface{}, inboxSize),
		txInbox:     make(chan *types.Transaction, txInboxSize),
		knownHashes: make(map[types.Hash]struct{}),
		verifyCache: expirable.NewLRU[types.Hash, bool](cacheSize, nil, cfg.VerifyCacheTTL),
		ctx:         ctx,
		cancel:      cancel,
		done:        make(chan struct{}),
	}
	s.newTimer = func(d time.Duration, fn func()) timer {
		return time.AfterFunc(d, fn)
	}
	return s, nil
}

// Start launches the event loop and begins consensus at the current height.
// The service stops when ctx is canceled or a fatal error occurs.
func (s *Service) Start(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return errors.New("dbft: service already started")
	}
	go s.run()
	go func() {
		select {
		case <-ctx.Done():
			s.Stop()
		case <-s.done:
		}
	}()
	return s.enqueue(startEvent{})
}

// Stop terminates the event loop.
func (s *Service) Stop() {
	s.stopOnce.Do(func() {
		s.cancel()
	})
}

// Done is closed when the event loop exits.
func (s *Service) Done() <-chan struct{} {
	return s.done
}

// Err returns the fatal error that stopped the service, if any.
func (s *Service) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

// OnPayload verifies the payload witness and queues it. Invalid payloads and
// payloads arriving while the inbox is full are dropped.
func (s *Service) OnPayload(p *Payload) {
	if p == nil {
		return
	}
	if !s.verifyPayload(p) {
		s.metrics.IncrementMessagesDropped("invalid_witness")
		s.log.Debug("dropping payload with invalid witness", zap.Stringer("sender", p.Sender))
		return
	}
	select {
	case s.inbox <- payloadEvent{payload: p}:
	default:
		s.metrics.IncrementMessagesDropped("inbox_full")
		s.log.Warn("consensus inbox full, dropping payload")
	}
}

// OnTransaction delivers a transaction requested for a pending proposal. It
// never blocks; transactions arriving while the queue is full are dropped and
// stay in the mempool.
func (s *Service) OnTransaction(tx *types.Transaction) {
	if tx == nil {
		return
	}
	select {
	case s.txInbox <- tx:
	default:
		s.metrics.IncrementMessagesDropped("tx_inbox_full")
		s.log.Debug("transaction queue full, dropping", zap.Stringer("tx", tx.Hash()))
	}
}

// OnPersistCompleted notifies the service that the ledger stored block.
func (s *Service) OnPersistCompleted(block *types.Block) {
	if block == nil {
		return
	}
	_ = s.enqueue(persistEvent{block: block})
}

func (s *Service) enqueue(ev interface{}) error {
	select {
	case s.inbox <- ev:
		return nil
	case <-s.ctx.Done():
		return s.ctx.Err()
	}
}

// verifyPayload checks the envelope witness. Results are cached by the hash
// of the full encoding, so a cached hit implies the same signature.
func (s *Service) verifyPayload(p *Payload) bool {
	data, err := p.Bytes()
	if err != nil {
		return false
	}
	key := types.Sha256(data)
	if ok, hit := s.verifyCache.Get(key); hit {
		return ok
	}
	ok := p.Verify(s.cfg.Network) == nil
	s.verifyCache.Add(key, ok)
	return ok
}

// run - 메인 컨센서스 루프
func (s *Service) run() {
	defer close(s.done)
	defer s.cleanup()

	for {
		ev, ok := s.next()
		if !ok {
			return
		}
		if err := s.handle(ev); err != nil {
			s.fail(err)
			return
		}
	}
}

// next waits for the next event. Queued consensus events always win over
// queued transactions.
func (s *Service) next() (interface{}, bool) {
	if s.ctx.Err() != nil {
		return nil, false
	}
	select {
	case ev := <-s.inbox:
		return ev, true
	default:
	}
	select {
	case <-s.ctx.Done():
		return nil, false
	case ev := <-s.inbox:
		return ev, true
	case tx := <-s.txInbox:
		return transactionEvent{tx: tx}, true
	}
}

func (s *Service) cleanup() {
	if s.timer != nil {
		s.timer.Stop()
	}
	if s.state.Snapshot != nil {
		s.state.Snapshot.Close()
		s.state.Snapshot = nil
	}
}

func (s *Service) fail(err error) {
	s.errMu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.errMu.Unlock()
	s.log.Error("consensus stopped", zap.Error(err))
	s.Stop()
}

// handle processes one event. A returned error is fatal.
func (s *Service) handle(ev interface{}) error {
	switch e := ev.(type) {
	case startEvent:
		return s.start()
	case payloadEvent:
		return s.onPayload(e.payload)
	case transactionEvent:
		return s.onTransaction(e.tx)
	case persistEvent:
		return s.onPersistCompleted(e.block)
	case timerEvent:
		return s.onTimer(e)
	default:
		return fmt.Errorf("unknown consensus event %T", ev)
	}
}

func (s *Service) start() error {
	if s.started {
		return nil
	}
	s.started = true
	c := s.state
	if err := c.Reset(0); err != nil {
		return err
	}
	s.log.Info("starting consensus",
		zap.Uint32("height", c.BlockIndex),
		zap.Int("validators", c.N()),
		zap.Int("my_index", c.MyIndex))

	if !s.cfg.IgnoreRecoveryLogs {
		loaded, err := c.Load()
		if err != nil {
			return err
		}
		if loaded && !c.WatchOnly() && (c.CommitSent() || c.PreCommitSent()) {
			return s.resume()
		}
	}

	if err := s.initializeConsensus(c.ViewNumber); err != nil {
		return err
	}
	if !c.WatchOnly() {
		s.sendRecoveryRequest()
	}
	return nil
}

// resume continues a round restored from the recovery log in which this node
// already locked or committed.
func (s *Service) resume() error {
	c := s.state
	s.log.Info("resuming saved round",
		zap.Uint32("height", c.BlockIndex),
		zap.Uint8("view", c.ViewNumber),
		zap.Bool("commit_sent", c.CommitSent()))
	s.metrics.SetCurrentView(c.ViewNumber)
	s.metrics.StartConsensusRound(c.BlockIndex)

	if c.CommitSent() {
		s.changeTimer(s.cfg.TimePerBlock << 1)
		s.broadcastRecoveryMessage()
		for slot := 0; slot < c.SlotCount(); slot++ {
			if err := s.checkCommits(slot); err != nil {
				return err
			}
		}
		return nil
	}

	s.changeTimer(s.viewTimeout(c.ViewNumber))
	slot := c.preCommitSlot()
	s.broadcast(c.Proposals[slot].PreCommits[c.MyIndex])
	return s.checkPreCommits(slot)
}

func (s *Service) initializeConsensus(view uint8) error {
	c := s.state
	if err := c.Reset(view); err != nil {
		return err
	}
	if view > 0 {
		s.log.Info("changed view",
			zap.Uint32("height", c.BlockIndex),
			zap.Uint8("view", view),
			zap.Int("primary", c.PrimaryIndex(PrioritySlot)))
	} else {
		s.knownHashes = make(map[types.Hash]struct{})
		s.metrics.StartConsensusRound(c.BlockIndex)
	}
	s.metrics.SetCurrentView(view)

	s.log.Debug("initialize round",
		zap.Uint32("height", c.BlockIndex),
		zap.Uint8("view", view),
		zap.Int("index", c.MyIndex),
		zap.Bool("primary", c.IsAPrimary()))

	if c.WatchOnly() {
		return nil
	}
	if c.IsAPrimary() {
		if s.isRecovering {
			s.changeTimer(s.viewTimeout(view))
			return nil
		}
		span := s.cfg.TimePerBlock
		if s.blockReceivedIndex+1 == c.BlockIndex && !s.blockReceivedTime.IsZero() {
			diff := s.cfg.now().Sub(s.blockReceivedTime)
			if diff >= span {
				span = 0
			} else {
				span -= diff
			}
		}
		s.changeTimer(span)
		return nil
	}
	s.changeTimer(s.viewTimeout(view))
	return nil
}

func (s *Service) onPersistCompleted(block *types.Block) error {
	c := s.state
	if !s.started || block.Index() < c.BlockIndex {
		return nil
	}
	s.log.Info("block persisted",
		zap.Uint32("height", block.Index()),
		zap.Stringer("hash", block.Hash()),
		zap.Int("tx", len(block.Transactions)))

	s.metrics.EndConsensusRound(block.Index())
	s.metrics.SetBlockHeight(block.Index())
	s.metrics.AddTransactions(len(block.Transactions))

	s.blockReceivedTime = s.cfg.now()
	s.blockReceivedIndex = block.Index()
	return s.initializeConsensus(0)
}

func (s *Service) onTimer(ev timerEvent) error {
	c := s.state
	if c.WatchOnly() || c.BlockSent() {
		return nil
	}
	// 재설정 전에 이미 실행된 콜백은 무시
	if ev.seq != s.timerSeq || ev.height != c.BlockIndex || ev.view != c.ViewNumber {
		return nil
	}
	s.log.Debug("timeout", zap.Uint32("height", ev.height), zap.Uint8("view", ev.view))

	proposed := false
	for slot := 0; slot < c.SlotCount() && !c.CommitSent(); slot++ {
		if c.IsPrimary(slot) && !c.RequestSentOrReceived(slot) {
			if err := s.sendPrepareRequest(slot); err != nil {
				return err
			}
			proposed = true
		}
	}
	if proposed {
		return nil
	}

	if c.CommitSent() {
		// 커밋 후에는 뷰를 바꾸지 않고 복구 메시지로 재전송
		s.changeTimer(s.cfg.TimePerBlock << 1)
		s.broadcastRecoveryMessage()
		return nil
	}

	reason := CVTimeout
	if c.RequestSentOrReceived(PrioritySlot) && !c.TransactionsComplete(PrioritySlot) {
		reason = CVTxNotFound
	}
	return s.requestChangeView(reason)
}

func (s *Service) sendPrepareRequest(slot int) error {
	c := s.state
	p, err := c.MakePrepareRequest(slot)
	if err != nil {
		s.log.Warn("failed to make prepare request", zap.Int("slot", slot), zap.Error(err))
		return nil
	}
	prop := c.Proposals[slot]
	s.log.Info("sending prepare request",
		zap.Uint32("height", c.BlockIndex),
		zap.Uint8("view", c.ViewNumber),
		zap.Int("slot", slot),
		zap.Int("tx", len(prop.TransactionHashes)))
	s.broadcast(p)

	delay := s.viewTimeout(c.ViewNumber)
	if c.ViewNumber == 0 {
		delay -= s.cfg.TimePerBlock
	}
	s.changeTimer(delay)
	return s.checkPreparations(slot)
}

func (s *Service) requestChangeView(reason ChangeViewReason) error {
	c := s.state
	if c.WatchOnly() {
		return nil
	}
	if c.ViewNumber == ^uint8(0) {
		s.log.Warn("view number exhausted, requesting recovery")
		s.sendRecoveryRequest()
		return nil
	}
	expected := c.ViewNumber + 1
	s.changeTimer(s.viewTimeout(expected))

	if c.MoreThanFNodesCommittedOrLost() {
		s.log.Info("skip change view, too many nodes committed or lost",
			zap.Int("committed", c.CountCommitted()),
			zap.Int("failed", c.CountFailed()))
		s.sendRecoveryRequest()
		return nil
	}

	p, err := c.MakeChangeView(reason)
	if err != nil {
		s.log.Warn("failed to make change view", zap.Error(err))
		return nil
	}
	s.log.Info("requesting change view",
		zap.Uint32("height", c.BlockIndex),
		zap.Uint8("view", c.ViewNumber),
		zap.Uint8("new_view", expected),
		zap.Stringer("reason", reason),
		zap.Int("committed", c.CountCommitted()),
		zap.Int("failed", c.CountFailed()))
	s.metrics.IncrementViewChanges(reason.String())
	s.broadcast(p)
	return s.checkExpectedView(expected)
}

func (s *Service) checkExpectedView(view uint8) error {
	c := s.state
	if c.ViewNumber >= view {
		return nil
	}
	count := 0
	for _, p := range c.ChangeViewPayloads {
		if msg := c.GetMessage(p); msg != nil && msg.NewViewNumber() >= view {
			count++
		}
	}
	if count < c.M() {
		return nil
	}
	if !c.WatchOnly() {
		own := c.GetMessage(c.ChangeViewPayloads[c.MyIndex])
		if own == nil || own.NewViewNumber() < view {
			if p, err := c.MakeChangeView(CVChangeAgreement); err == nil {
				s.broadcast(p)
			}
		}
	}
	return s.initializeConsensus(view)
}

func (s *Service) sendRecoveryRequest() {
	p, err := s.state.MakeRecoveryRequest()
	if err != nil {
		s.log.Warn("failed to make recovery request", zap.Error(err))
		return
	}
	s.broadcast(p)
}

func (s *Service) broadcastRecoveryMessage() {
	p, err := s.state.MakeRecoveryMessage()
	if err != nil {
		s.log.Warn("failed to make recovery message", zap.Error(err))
		return
	}
	s.broadcast(p)
}

func (s *Service) broadcast(p *Payload) {
	msg := s.state.GetMessage(p)
	if err := s.transport.Broadcast(p); err != nil {
		s.log.Warn("broadcast failed", zap.Stringer("type", msg.Type), zap.Error(err))
		return
	}
	s.metrics.IncrementMessagesSent(msg.Type.String())
}

// viewTimeout is TimePerBlock << (view+1), saturating.
func (s *Service) viewTimeout(view uint8) time.Duration {
	shift := uint(view) + 1
	if shift > maxTimerShift {
		shift = maxTimerShift
	}
	return s.cfg.TimePerBlock << shift
}

func (s *Service) changeTimer(d time.Duration) {
	c := s.state
	s.clockStarted = s.cfg.now()
	s.expectedDelay = d
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timerSeq++
	ev := timerEvent{height: c.BlockIndex, view: c.ViewNumber, seq: s.timerSeq}
	s.timerHeight, s.timerView = ev.height, ev.view
	s.timer = s.newTimer(d, func() {
		_ = s.enqueue(ev)
	})
}

// extendTimerByFactor pushes the timer out by factor*TimePerBlock/M. It never
// shortens the current timer.
func (s *Service) extendTimerByFactor(factor int) {
	c := s.state
	if c.WatchOnly() || c.ViewChanging() || c.CommitSent() {
		return
	}
	elapsed := s.cfg.now().Sub(s.clockStarted)
	next := s.expectedDelay - elapsed + time.Duration(factor)*s.cfg.TimePerBlock/time.Duration(c.M())
	if next > 0 {
		s.changeTimer(next)
	}
}
