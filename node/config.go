// Package node wires the dBFT consensus service to the ledger, mempool,
// transport and block executor.
package node

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/ahwlsqja/dbft-node/logging"
	"github.com/ahwlsqja/dbft-node/mempool"
)

// EnvPrefix prefixes environment overrides, e.g. DBFT_NODE_ID.
const EnvPrefix = "DBFT"

// PeerConfig describes one remote node.
type PeerConfig struct {
	ID      string `mapstructure:"id"`
	Address string `mapstructure:"address"`
	// ValidatorIndex is the peer's position in Validators, or -1.
	ValidatorIndex int `mapstructure:"validator_index"`
}

// Config holds configuration for a dBFT node.
type Config struct {
	// 노드 식별
	NodeID  string `mapstructure:"node_id"`
	ChainID string `mapstructure:"chain_id"`
	Network uint32 `mapstructure:"network"`

	// 네트워크 주소
	ListenAddr string `mapstructure:"listen_addr"`
	// ABCIAddr selects a remote ABCI application. Empty runs the built-in
	// key-value application in process.
	ABCIAddr    string        `mapstructure:"abci_addr"`
	ABCITimeout time.Duration `mapstructure:"abci_timeout"`

	Peers []PeerConfig `mapstructure:"peers"`

	// Validators are hex-encoded public keys in consensus order.
	Validators       []string `mapstructure:"validators"`
	GenesisTimestamp uint64   `mapstructure:"genesis_timestamp"`

	// KeyFile is the validator key. Empty runs the node watch-only.
	KeyFile string `mapstructure:"key_file"`

	// 합의
	TimePerBlock            time.Duration `mapstructure:"time_per_block"`
	MaxBlockSize            int           `mapstructure:"max_block_size"`
	MaxBlockSystemFee       int64         `mapstructure:"max_block_system_fee"`
	MaxTransactionsPerBlock int           `mapstructure:"max_transactions_per_block"`
	IgnoreRecoveryLogs      bool          `mapstructure:"ignore_recovery_logs"`

	// 정책
	MinFeePerByte               int64  `mapstructure:"min_fee_per_byte"`
	MaxValidUntilBlockIncrement uint32 `mapstructure:"max_valid_until_block_increment"`
	MaxSenderPendingFee         int64  `mapstructure:"max_sender_pending_fee"`

	// Prometheus metrics
	MetricsEnabled bool   `mapstructure:"metrics_enabled"`
	MetricsAddr    string `mapstructure:"metrics_addr"`

	DataDir string `mapstructure:"data_dir"`

	Log     logging.Config        `mapstructure:"log"`
	Mempool mempool.Config        `mapstructure:"mempool"`
	Reactor mempool.ReactorConfig `mapstructure:"reactor"`
}

// DefaultConfig returns a default configuration.
func DefaultConfig() *Config {
	return &Config{
		ChainID:                     "dbft-local",
		Network:                     0x334F454E,
		ListenAddr:                  "0.0.0.0:26656",
		ABCITimeout:                 10 * time.Second,
		GenesisTimestamp:            1_468_595_301_000,
		TimePerBlock:                15 * time.Second,
		MaxBlockSize:                262144,
		MaxBlockSystemFee:           150000000000,
		MaxTransactionsPerBlock:     512,
		MaxValidUntilBlockIncrement: 5760,
		MetricsEnabled:              true,
		MetricsAddr:                 "0.0.0.0:26660",
		DataDir:                     "./data",
		Log:                         logging.DefaultConfig(),
		Mempool:                     *mempool.DefaultConfig(),
		Reactor:                     *mempool.DefaultReactorConfig(),
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.NodeID == "" {
		return ErrEmptyNodeID
	}
	if c.ChainID == "" {
		return ErrEmptyChainID
	}
	if c.ListenAddr == "" {
		return ErrEmptyListenAddr
	}
	if c.DataDir == "" {
		return ErrEmptyDataDir
	}
	if c.TimePerBlock <= 0 {
		return ErrInvalidTimePerBlock
	}
	if len(c.Validators) == 0 {
		return ErrNoValidators
	}
	if _, err := c.ValidatorKeys(); err != nil {
		return err
	}
	seen := make(map[string]bool, len(c.Peers))
	for _, p := range c.Peers {
		if p.ID == "" || p.Address == "" {
			return ErrInvalidPeer
		}
		if p.ID == c.NodeID || seen[p.ID] {
			return fmt.Errorf("%w: %s", ErrDuplicatePeer, p.ID)
		}
		seen[p.ID] = true
		if p.ValidatorIndex < -1 || p.ValidatorIndex >= len(c.Validators) {
			return fmt.Errorf("%w: peer %s index %d", ErrInvalidPeer, p.ID, p.ValidatorIndex)
		}
	}
	return nil
}

// ValidatorKeys decodes Validators.
func (c *Config) ValidatorKeys() ([][]byte, error) {
	keys := make([][]byte, len(c.Validators))
	for i, s := range c.Validators {
		k, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
		if err != nil || len(k) == 0 {
			return nil, fmt.Errorf("%w: #%d", ErrInvalidValidatorKey, i)
		}
		keys[i] = k
	}
	return keys, nil
}

// Custom errors
type configError string

func (e configError) Error() string {
	return string(e)
}

const (
	ErrEmptyNodeID         = configError("node ID is required")
	ErrEmptyChainID        = configError("chain ID is required")
	ErrEmptyListenAddr     = configError("listen address is required")
	ErrEmptyDataDir        = configError("data directory is required")
	ErrInvalidTimePerBlock = configError("time per block must be positive")
	ErrNoValidators        = configError("at least one validator is required")
	ErrInvalidValidatorKey = configError("invalid validator public key")
	ErrInvalidPeer         = configError("peer needs an id, an address and a valid validator index")
	ErrDuplicatePeer       = configError("duplicate peer id")
)

// ================================================================================
//                          viper 로딩
// ================================================================================

// LoadConfig reads the config file at path (optional) into the defaults,
// then applies DBFT_* environment overrides. Flags bound to v beforehand take
// precedence over both.
func LoadConfig(v *viper.Viper, path string) (*Config, error) {
	if v == nil {
		v = viper.New()
	}
	cfg := DefaultConfig()
	setDefaults(v, cfg)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if cfg.Log.NodeID == "" {
		cfg.Log.NodeID = cfg.NodeID
	}
	return cfg, nil
}

// setDefaults registers every scalar key so AutomaticEnv can override it.
func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("node_id", cfg.NodeID)
	v.SetDefault("chain_id", cfg.ChainID)
	v.SetDefault("network", cfg.Network)
	v.SetDefault("listen_addr", cfg.ListenAddr)
	v.SetDefault("abci_addr", cfg.ABCIAddr)
	v.SetDefault("abci_timeout", cfg.ABCITimeout)
	v.SetDefault("validators", cfg.Validators)
	v.SetDefault("genesis_timestamp", cfg.GenesisTimestamp)
	v.SetDefault("key_file", cfg.KeyFile)
	v.SetDefault("time_per_block", cfg.TimePerBlock)
	v.SetDefault("max_block_size", cfg.MaxBlockSize)
	v.SetDefault("max_block_system_fee", cfg.MaxBlockSystemFee)
	v.SetDefault("max_transactions_per_block", cfg.MaxTransactionsPerBlock)
	v.SetDefault("ignore_recovery_logs", cfg.IgnoreRecoveryLogs)
	v.SetDefault("min_fee_per_byte", cfg.MinFeePerByte)
	v.SetDefault("max_valid_until_block_increment", cfg.MaxValidUntilBlockIncrement)
	v.SetDefault("max_sender_pending_fee", cfg.MaxSenderPendingFee)
	v.SetDefault("metrics_enabled", cfg.MetricsEnabled)
	v.SetDefault("metrics_addr", cfg.MetricsAddr)
	v.SetDefault("data_dir", cfg.DataDir)

	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.development", cfg.Log.Development)
	v.SetDefault("log.output_path", cfg.Log.OutputPath)
	v.SetDefault("log.max_size", cfg.Log.MaxSize)
	v.SetDefault("log.max_backups", cfg.Log.MaxBackups)
	v.SetDefault("log.max_age", cfg.Log.MaxAge)
	v.SetDefault("log.compress", cfg.Log.Compress)

	v.SetDefault("mempool.max_txs", cfg.Mempool.MaxTxs)
	v.SetDefault("mempool.max_bytes", cfg.Mempool.MaxBytes)
	v.SetDefault("mempool.max_tx_bytes", cfg.Mempool.MaxTxBytes)
	v.SetDefault("mempool.ttl", cfg.Mempool.TTL)
	v.SetDefault("mempool.recheck_enabled", cfg.Mempool.RecheckEnabled)
	v.SetDefault("mempool.cache_size", cfg.Mempool.CacheSize)
	v.SetDefault("mempool.min_fee_per_byte", cfg.Mempool.MinFeePerByte)

	v.SetDefault("reactor.broadcast_enabled", cfg.Reactor.BroadcastEnabled)
	v.SetDefault("reactor.broadcast_delay", cfg.Reactor.BroadcastDelay)
	v.SetDefault("reactor.max_broadcast_batch", cfg.Reactor.MaxBroadcastBatch)
	v.SetDefault("reactor.max_pending_txs", cfg.Reactor.MaxPendingTxs)
}
