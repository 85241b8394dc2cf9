package node

import (
	"context"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahwlsqja/dbft-node/crypto"
	"github.com/ahwlsqja/dbft-node/types"
)

func validConfig(t *testing.T) *Config {
	t.Helper()
	kp, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	cfg := DefaultConfig()
	cfg.NodeID = "node-0"
	cfg.Validators = []string{hex.EncodeToString(kp.PublicKeyBytes())}
	cfg.DataDir = t.TempDir()
	return cfg
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
		want   error
	}{
		{"valid", func(*Config) {}, nil},
		{"empty node id", func(c *Config) { c.NodeID = "" }, ErrEmptyNodeID},
		{"empty chain id", func(c *Config) { c.ChainID = "" }, ErrEmptyChainID},
		{"empty listen", func(c *Config) { c.ListenAddr = "" }, ErrEmptyListenAddr},
		{"empty data dir", func(c *Config) { c.DataDir = "" }, ErrEmptyDataDir},
		{"zero block time", func(c *Config) { c.TimePerBlock = 0 }, ErrInvalidTimePerBlock},
		{"no validators", func(c *Config) { c.Validators = nil }, ErrNoValidators},
		{"bad key", func(c *Config) { c.Validators = []string{"zz"} }, ErrInvalidValidatorKey},
		{"peer without address", func(c *Config) {
			c.Peers = []PeerConfig{{ID: "node-1"}}
		}, ErrInvalidPeer},
		{"peer index out of range", func(c *Config) {
			c.Peers = []PeerConfig{{ID: "node-1", Address: "127.0.0.1:1", ValidatorIndex: 3}}
		}, ErrInvalidPeer},
		{"peer is self", func(c *Config) {
			c.Peers = []PeerConfig{{ID: "node-0", Address: "127.0.0.1:1", ValidatorIndex: -1}}
		}, ErrDuplicatePeer},
		{"duplicate peer", func(c *Config) {
			c.Peers = []PeerConfig{
				{ID: "node-1", Address: "127.0.0.1:1", ValidatorIndex: 0},
				{ID: "node-1", Address: "127.0.0.1:2", ValidatorIndex: -1},
			}
		}, ErrDuplicatePeer},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig(t)
			tt.modify(cfg)
			err := cfg.Validate()
			if tt.want == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestLoadConfig_FileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
node_id: node-2
chain_id: testnet
time_per_block: 2s
validators:
  - "02aa"
  - "02bb"
peers:
  - id: node-1
    address: 10.0.0.1:26656
    validator_index: 0
log:
  level: debug
mempool:
  max_txs: 42
`), 0o600))

	t.Setenv("DBFT_LISTEN_ADDR", "127.0.0.1:9999")
	t.Setenv("DBFT_MEMPOOL_CACHE_SIZE", "7")

	cfg, err := LoadConfig(viper.New(), path)
	require.NoError(t, err)

	assert.Equal(t, "node-2", cfg.NodeID)
	assert.Equal(t, "testnet", cfg.ChainID)
	assert.Equal(t, 2*time.Second, cfg.TimePerBlock)
	assert.Equal(t, []string{"02aa", "02bb"}, cfg.Validators)
	require.Len(t, cfg.Peers, 1)
	assert.Equal(t, PeerConfig{ID: "node-1", Address: "10.0.0.1:26656", ValidatorIndex: 0}, cfg.Peers[0])
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "node-2", cfg.Log.NodeID)
	assert.Equal(t, 42, cfg.Mempool.MaxTxs)
	assert.Equal(t, "127.0.0.1:9999", cfg.ListenAddr)
	assert.Equal(t, 7, cfg.Mempool.CacheSize)

	// 파일에 없는 값은 기본값 유지
	assert.Equal(t, DefaultConfig().MaxBlockSize, cfg.MaxBlockSize)
	assert.Equal(t, DefaultConfig().Reactor.MaxPendingTxs, cfg.Reactor.MaxPendingTxs)
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := LoadConfig(nil, filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestNode_SingleValidator(t *testing.T) {
	kp, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	dir := t.TempDir()
	keyFile := filepath.Join(dir, "validator.key")
	require.NoError(t, crypto.SaveKeyFile(keyFile, kp))

	cfg := DefaultConfig()
	cfg.NodeID = "solo"
	cfg.ListenAddr = "127.0.0.1:0"
	cfg.Validators = []string{hex.EncodeToString(kp.PublicKeyBytes())}
	cfg.KeyFile = keyFile
	cfg.DataDir = filepath.Join(dir, "data")
	cfg.TimePerBlock = 100 * time.Millisecond
	cfg.MetricsEnabled = false
	cfg.Log.Level = "warn"

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	n, err := NewNode(ctx, cfg)
	require.NoError(t, err)
	require.NoError(t, n.Start(ctx))
	assert.Error(t, n.Start(ctx))

	tx := &types.Transaction{
		Nonce:           1,
		Sender:          kp.Address(),
		ValidUntilBlock: 100,
		Script:          []byte("put color blue"),
	}
	require.NoError(t, n.SubmitTx(tx))

	require.Eventually(t, func() bool {
		v, err := n.Query(ctx, "color")
		return err == nil && string(v) == "blue"
	}, 10*time.Second, 20*time.Millisecond)
	assert.GreaterOrEqual(t, n.GetHeight(), uint32(1))
	assert.Equal(t, "solo", n.GetNodeID())
	assert.Zero(t, n.GetPeerCount())

	cancel()
	select {
	case <-n.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("node did not stop")
	}
	assert.NoError(t, n.Err())
	height := n.GetHeight()

	// 재시작하면 같은 높이에서 이어감
	ctx2, cancel2 := context.WithCancel(context.Background())
	defer cancel2()
	n2, err := NewNode(ctx2, cfg)
	require.NoError(t, err)
	assert.Equal(t, height, n2.GetHeight())
	v, err := n2.Query(ctx2, "color")
	require.NoError(t, err)
	assert.Equal(t, "blue", string(v))
	require.NoError(t, n2.closeResources())
}
