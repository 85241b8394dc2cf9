package node

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/ahwlsqja/dbft-node/abci"
	"github.com/ahwlsqja/dbft-node/consensus/dbft"
	"github.com/ahwlsqja/dbft-node/crypto"
	"github.com/ahwlsqja/dbft-node/ledger"
	"github.com/ahwlsqja/dbft-node/logging"
	"github.com/ahwlsqja/dbft-node/mempool"
	"github.com/ahwlsqja/dbft-node/metrics"
	"github.com/ahwlsqja/dbft-node/persistence"
	"github.com/ahwlsqja/dbft-node/transport"
	"github.com/ahwlsqja/dbft-node/types"
)

// Node represents a dBFT consensus node.
type Node struct {
	mu sync.RWMutex

	config    *Config                  // 설정
	log       *zap.Logger              // 로거
	service   *dbft.Service            // 합의 서비스
	chain     *ledger.Chain            // 원장
	executor  abci.Executor            // 블록 실행기
	store     persistence.Store        // 블록 저장소
	transport *transport.GRPCTransport // P2P 통신
	mempool   *mempool.Mempool         // 트랜잭션 풀
	reactor   *mempool.Reactor         // Mempool 네트워크 리액터
	metrics   *metrics.Metrics         // 매트릭

	metricsServer *metrics.Server

	// State
	running          bool
	consensusStarted bool
	done             chan struct{}
	errCh            chan error

	errMu sync.Mutex
	err   error
}

// NewNode builds every component from config. The chain is opened (and
// replayed if needed) here; nothing runs until Start.
func NewNode(ctx context.Context, config *Config) (*Node, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	validators, _ := config.ValidatorKeys()

	if config.Log.NodeID == "" {
		config.Log.NodeID = config.NodeID
	}
	logger, err := logging.New(config.Log)
	if err != nil {
		return nil, err
	}

	n := &Node{
		config: config,
		log:    logger.Named("node"),
		done:   make(chan struct{}),
		errCh:  make(chan error, 4),
	}
	if err := n.build(ctx, logger, validators); err != nil {
		n.closeResources()
		return nil, err
	}
	return n, nil
}

func (n *Node) build(ctx context.Context, logger *zap.Logger, validators [][]byte) error {
	config := n.config

	// Create metrics
	var registry *prometheus.Registry
	if config.MetricsEnabled {
		registry = prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		n.metrics = metrics.NewMetrics("dbft", registry)
		n.metricsServer = metrics.NewServer(config.MetricsAddr, registry)
	}

	// 저장소
	store, err := persistence.NewFileStore(filepath.Join(config.DataDir, "chain"))
	if err != nil {
		return fmt.Errorf("failed to open block store: %w", err)
	}
	n.store = store
	recoveryLog, err := persistence.NewFileRecoveryLog(filepath.Join(config.DataDir, "consensus"))
	if err != nil {
		return fmt.Errorf("failed to open recovery log: %w", err)
	}

	// 블록 실행기
	if config.ABCIAddr != "" {
		remote, err := abci.NewRemoteExecutor(config.ABCIAddr, config.ABCITimeout)
		if err != nil {
			return fmt.Errorf("failed to connect ABCI app: %w", err)
		}
		n.executor = remote
	} else {
		n.executor = abci.NewLocalExecutor(nil)
	}

	// Create Mempool
	n.mempool = mempool.NewMempool(&config.Mempool, logger, n.metrics)

	// 원장
	chainCfg := ledger.DefaultConfig()
	chainCfg.Network = config.Network
	chainCfg.ChainID = config.ChainID
	chainCfg.StandbyValidators = validators
	chainCfg.GenesisTimestamp = config.GenesisTimestamp
	chainCfg.MinFeePerByte = config.MinFeePerByte
	chainCfg.MaxValidUntilBlockIncrement = config.MaxValidUntilBlockIncrement
	chainCfg.MaxSenderPendingFee = config.MaxSenderPendingFee
	chainCfg.Logger = logger
	chainCfg.Metrics = n.metrics
	chain, err := ledger.NewChain(ctx, chainCfg, store, n.executor, n.mempool)
	if err != nil {
		return fmt.Errorf("failed to open chain: %w", err)
	}
	n.chain = chain
	n.mempool.SetCheckTxCallback(chain.CheckTx)

	// Create gRPC transport
	transCfg := transport.DefaultConfig()
	transCfg.NodeID = config.NodeID
	transCfg.ListenAddress = config.ListenAddr
	transCfg.Logger = logger
	transCfg.Metrics = n.metrics
	trans, err := transport.NewGRPCTransport(transCfg)
	if err != nil {
		return fmt.Errorf("failed to create transport: %w", err)
	}
	n.transport = trans

	// Create Mempool Reactor
	n.reactor = mempool.NewReactor(n.mempool, &config.Reactor, logger)
	n.reactor.SetBroadcaster(trans)

	// 지갑 (키 파일이 없으면 watch-only)
	wallet := crypto.NewWallet()
	if config.KeyFile != "" {
		kp, err := crypto.LoadKeyFile(config.KeyFile)
		if err != nil {
			return err
		}
		wallet.Add(kp)
		n.log.Info("loaded validator key", zap.Stringer("address", kp.Address()))
	} else {
		n.log.Warn("no key file configured, running watch-only")
	}

	// 합의 서비스
	dbftCfg := dbft.DefaultConfig()
	dbftCfg.Network = config.Network
	dbftCfg.TimePerBlock = config.TimePerBlock
	dbftCfg.ValidatorsCount = len(validators)
	dbftCfg.MaxBlockSize = config.MaxBlockSize
	dbftCfg.MaxBlockSystemFee = config.MaxBlockSystemFee
	dbftCfg.MaxTransactionsPerBlock = config.MaxTransactionsPerBlock
	dbftCfg.IgnoreRecoveryLogs = config.IgnoreRecoveryLogs
	dbftCfg.Logger = logger
	dbftCfg.Metrics = n.metrics
	service, err := dbft.NewService(dbftCfg, dbft.Deps{
		Ledger:    chain,
		Mempool:   n.mempool,
		Transport: trans,
		Wallet:    wallet,
		Store:     recoveryLog,
	})
	if err != nil {
		return fmt.Errorf("failed to create consensus service: %w", err)
	}
	n.service = service

	// 콜백 연결
	chain.Subscribe(service.OnPersistCompleted)
	n.reactor.SetListener(service.OnTransaction)
	trans.SetPayloadHandler(service.OnPayload)
	trans.SetTxHandler(n.reactor.ReceiveTx)
	trans.SetInventoryHandler(n.reactor.HandleInventoryRequest)
	return nil
}

// Start starts the node. It stops by itself when ctx is canceled or a
// component fails; Done reports that. After a failed Start call Stop to
// release what was started.
func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	if n.running {
		n.mu.Unlock()
		return errors.New("node already running")
	}
	n.running = true
	n.mu.Unlock()

	n.log.Info("starting dBFT node",
		zap.String("chain_id", n.config.ChainID),
		zap.Uint32("height", n.chain.Height()),
		zap.Int("validators", len(n.config.Validators)))

	if n.metricsServer != nil {
		n.metricsServer.Start(n.errCh)
		n.log.Info("metrics server started", zap.String("address", n.config.MetricsAddr))
	}

	if err := n.transport.Start(); err != nil {
		return fmt.Errorf("failed to start transport: %w", err)
	}
	for _, p := range n.config.Peers {
		if err := n.transport.AddPeer(p.ID, p.Address, p.ValidatorIndex); err != nil {
			n.log.Warn("failed to add peer", zap.String("peer", p.ID), zap.Error(err))
		}
	}

	if err := n.mempool.Start(); err != nil {
		return fmt.Errorf("failed to start mempool: %w", err)
	}
	if err := n.reactor.Start(); err != nil {
		return fmt.Errorf("failed to start reactor: %w", err)
	}
	if err := n.chain.Start(ctx); err != nil {
		return fmt.Errorf("failed to start chain: %w", err)
	}
	if err := n.service.Start(ctx); err != nil {
		return fmt.Errorf("failed to start consensus: %w", err)
	}
	n.mu.Lock()
	n.consensusStarted = true
	n.mu.Unlock()

	go n.watch(ctx)

	n.log.Info("dBFT node started",
		zap.String("p2p_address", n.transport.Addr().String()),
		zap.String("abci_address", n.config.ABCIAddr),
		zap.Int("peers", n.transport.PeerCount()))
	return nil
}

// watch stops the node when the context ends or a component fails.
func (n *Node) watch(ctx context.Context) {
	var err error
	select {
	case <-ctx.Done():
	case <-n.service.Done():
		err = n.service.Err()
	case <-n.chain.Done():
		err = n.chain.Err()
	case err = <-n.errCh:
	}
	if err != nil {
		n.log.Error("node stopping after failure", zap.Error(err))
		n.errMu.Lock()
		n.err = err
		n.errMu.Unlock()
	}
	if stopErr := n.Stop(); stopErr != nil {
		n.log.Error("failed to stop node", zap.Error(stopErr))
	}
}

// Stop stops the node.
func (n *Node) Stop() error {
	n.mu.Lock()
	if !n.running {
		n.mu.Unlock()
		return nil
	}
	n.running = false
	started := n.consensusStarted
	n.mu.Unlock()

	n.log.Info("stopping dBFT node")

	n.service.Stop()
	if started {
		<-n.service.Done()
	}
	n.reactor.Stop()
	n.chain.Stop()
	n.transport.Stop()
	n.mempool.Stop()

	if n.metricsServer != nil {
		n.metricsServer.Stop()
	}
	err := n.closeResources()

	close(n.done)
	n.log.Info("dBFT node stopped")
	_ = n.log.Sync()
	return err
}

func (n *Node) closeResources() error {
	var errs []error
	if n.executor != nil {
		errs = append(errs, n.executor.Close())
	}
	if n.store != nil {
		errs = append(errs, n.store.Close())
	}
	return errors.Join(errs...)
}

// Done is closed after the node has stopped.
func (n *Node) Done() <-chan struct{} {
	return n.done
}

// Err returns the failure that stopped the node, if any.
func (n *Node) Err() error {
	n.errMu.Lock()
	defer n.errMu.Unlock()
	return n.err
}

// SubmitTx adds a transaction to the mempool and gossips it.
func (n *Node) SubmitTx(tx *types.Transaction) error {
	return n.reactor.SubmitTx(tx)
}

// Query reads committed application state.
func (n *Node) Query(ctx context.Context, key string) ([]byte, error) {
	return n.executor.Query(ctx, key)
}

// GetHeight returns the current block height.
func (n *Node) GetHeight() uint32 {
	return n.chain.Height()
}

// GetPeerCount returns the number of configured peers.
func (n *Node) GetPeerCount() int {
	return n.transport.PeerCount()
}

// GetNodeID returns the node ID.
func (n *Node) GetNodeID() string {
	return n.config.NodeID
}

// GetChainID returns the chain ID.
func (n *Node) GetChainID() string {
	return n.config.ChainID
}
