package persistence

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ahwlsqja/dbft-node/types"
)

// ================================================================================
//                          Recovery log (합의 상태)
// ================================================================================

// FileRecoveryLog keeps one file per key under dir. PutSync returns only after
// the value and the directory entry are on disk.
type FileRecoveryLog struct {
	mu  sync.Mutex
	dir string
}

// NewFileRecoveryLog opens (creating if needed) a recovery log directory.
func NewFileRecoveryLog(dir string) (*FileRecoveryLog, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create recovery log directory %s: %w", dir, err)
	}
	return &FileRecoveryLog{dir: dir}, nil
}

func (l *FileRecoveryLog) path(key []byte) string {
	return filepath.Join(l.dir, hex.EncodeToString(key)+".log")
}

// Get returns the stored value or nil when the key was never written.
func (l *FileRecoveryLog) Get(key []byte) ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	data, err := os.ReadFile(l.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read recovery log: %w", err)
	}
	return data, nil
}

// PutSync durably replaces the value under key.
func (l *FileRecoveryLog) PutSync(key, value []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := writeFileSync(l.path(key), value); err != nil {
		return fmt.Errorf("failed to write recovery log: %w", err)
	}
	return nil
}

// MemoryRecoveryLog는 테스트와 시뮬레이션용 recovery log
type MemoryRecoveryLog struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemoryRecoveryLog creates an empty in-memory recovery log.
func NewMemoryRecoveryLog() *MemoryRecoveryLog {
	return &MemoryRecoveryLog{data: make(map[string][]byte)}
}

// Get returns a copy of the stored value.
func (l *MemoryRecoveryLog) Get(key []byte) ([]byte, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	v, ok := l.data[string(key)]
	if !ok {
		return nil, nil
	}
	return append([]byte(nil), v...), nil
}

// PutSync stores a copy of value.
func (l *MemoryRecoveryLog) PutSync(key, value []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.data[string(key)] = append([]byte(nil), value...)
	return nil
}

// ================================================================================
//                          Recovery (재시작 복구)
// ================================================================================

var ErrCorruptHead = errors.New("chain head does not match stored blocks")

// RecoveryResult는 복구 결과
type RecoveryResult struct {
	State        *ChainState  // 복구된 헤드, 새 저장소면 nil
	Head         *types.Block // 헤드가 가리키는 블록
	LatestHeight uint32       // 저장된 최고 블록 높이
}

// Recover loads the chain head and checks it against the stored blocks. A
// block written after the head (crash between SaveBlock and SaveState) is
// reported through LatestHeight so the caller can replay it.
func Recover(store Store, logger *zap.Logger) (*RecoveryResult, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	startTime := time.Now()
	result := &RecoveryResult{}

	state, err := store.LoadState()
	if err != nil {
		return nil, fmt.Errorf("failed to load state: %w", err)
	}
	latest, found, err := store.GetLatestBlockHeight()
	if err != nil {
		return nil, fmt.Errorf("failed to get latest height: %w", err)
	}
	result.LatestHeight = latest

	if state == nil {
		if found {
			return nil, fmt.Errorf("%w: blocks up to %d but no head", ErrCorruptHead, latest)
		}
		logger.Info("empty store, starting from genesis")
		return result, nil
	}

	head, err := store.LoadBlock(state.Height)
	if err != nil {
		return nil, fmt.Errorf("failed to load head block: %w", err)
	}
	if head == nil || head.Hash() != state.BlockHash {
		return nil, fmt.Errorf("%w: height %d", ErrCorruptHead, state.Height)
	}
	if latest < state.Height {
		return nil, fmt.Errorf("%w: head %d above latest block %d", ErrCorruptHead, state.Height, latest)
	}
	result.State = state
	result.Head = head

	logger.Info("recovered chain head",
		zap.Uint32("height", state.Height),
		zap.Stringer("hash", state.BlockHash),
		zap.Uint32("latest_block", latest),
		zap.Duration("elapsed", time.Since(startTime)))
	return result, nil
}
