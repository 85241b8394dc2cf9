package dbft

import (
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/ahwlsqja/dbft-node/crypto"
	"github.com/ahwlsqja/dbft-node/metrics"
	"github.com/ahwlsqja/dbft-node/types"
)

// Category is the payload category of consensus messages.
const Category = "dBFT"

// recoveryStateKey is the recovery-log key of the saved round state.
var recoveryStateKey = []byte("ConsensusState")

var (
	// ErrPolicy marks a transaction rejected by ledger policy.
	ErrPolicy = errors.New("transaction rejected by policy")
	// ErrInvalidTransaction marks a transaction failing verification.
	ErrInvalidTransaction = errors.New("invalid transaction")
	// ErrWatchOnly is returned by payload factories on nodes without a key.
	ErrWatchOnly = errors.New("node is watch-only")
	// ErrNoRequest is returned when a slot has no PrepareRequest yet.
	ErrNoRequest = errors.New("no prepare request for slot")
)

// Config holds consensus parameters.
type Config struct {
	// Network magic mixed into every signature.
	Network uint32
	// TimePerBlock is the target block interval.
	TimePerBlock time.Duration
	// ValidatorsCount is passed to Snapshot.NextValidators.
	ValidatorsCount int

	BlockVersion            uint32
	MaxBlockSize            int
	MaxBlockSystemFee       int64
	MaxTransactionsPerBlock int

	// IgnoreRecoveryLogs skips Load on start.
	IgnoreRecoveryLogs bool

	// VerifyCacheSize bounds the payload signature cache.
	VerifyCacheSize int
	VerifyCacheTTL  time.Duration
	// InboxSize is the capacity of the consensus event queue (payloads,
	// timers, persist notifications).
	InboxSize int
	// TxInboxSize is the capacity of the transaction queue.
	TxInboxSize int

	Logger  *zap.Logger
	Metrics *metrics.Metrics
	// Now returns wall-clock time; overridable in tests.
	Now func() time.Time
}

// DefaultConfig returns default configuration.
func DefaultConfig() *Config {
	return &Config{
		Network:                 0x334F454E,
		TimePerBlock:            15 * time.Second,
		ValidatorsCount:         4,
		BlockVersion:            0,
		MaxBlockSize:            262144,
		MaxBlockSystemFee:       150000000000,
		MaxTransactionsPerBlock: 512,
		VerifyCacheSize:         4096,
		VerifyCacheTTL:          time.Minute,
		InboxSize:               1000,
		TxInboxSize:             1000,
	}
}

func (c *Config) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

func (c *Config) nowMillis() uint64 {
	return uint64(c.now().UnixMilli())
}

func (c *Config) logger() *zap.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return zap.NewNop()
}

// Ledger is the chain component that persists finalized blocks.
type Ledger interface {
	// Snapshot opens a read-only view of the current chain state.
	Snapshot() (Snapshot, error)
	// Persist hands a finalized block to the ledger. Completion is reported
	// back through Service.OnPersistCompleted.
	Persist(block *types.Block) error
}

// Snapshot is a read-only view of the chain held for the duration of a round.
type Snapshot interface {
	CurrentHeight() uint32
	CurrentHash() types.Hash
	GetHeader(hash types.Hash) (*types.Header, error)
	NextValidators(count int) ([][]byte, error)
	ContainsTransaction(hash types.Hash) bool
	ContainsConflict(hash types.Hash, signers []types.Address) bool
	// VerifyTransaction checks a transaction not already verified by the
	// mempool. pendingFee is the total fee of the sender's other transactions
	// in the same proposal. Policy failures wrap ErrPolicy.
	VerifyTransaction(tx *types.Transaction, pendingFee int64) error
	Close()
}

// Mempool supplies verified candidate transactions.
type Mempool interface {
	GetSortedVerifiedTransactions(limit int) []*types.Transaction
	GetVerifiedTransactions() map[types.Hash]*types.Transaction
	TryGet(hash types.Hash) (*types.Transaction, bool)
}

// Transport sends signed payloads to peers.
type Transport interface {
	Broadcast(p *Payload) error
	// SendDirect delivers to validator index only.
	SendDirect(index int, p *Payload) error
	// RequestTransactions asks peers for transactions this node lacks.
	RequestTransactions(hashes []types.Hash) error
}

// Wallet resolves locally held validator keys.
type Wallet interface {
	// GetSigner returns nil when the key is not held.
	GetSigner(publicKey []byte) crypto.Signer
}

// RecoveryStore is a durable key-value store for the round state.
type RecoveryStore interface {
	Get(key []byte) ([]byte, error)
	// PutSync must not return before the value is durable.
	PutSync(key, value []byte) error
}
