// Package persistence provides block, chain head and recovery log storage.
// 블록과 체인 헤드를 영구 저장하고 복구하는 기능을 제공
package persistence

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/ahwlsqja/dbft-node/types"
)

var ErrNilBlock = errors.New("block is nil")

// Store는 블록과 체인 헤드를 저장하는 인터페이스
type Store interface {
	// 블록 관련
	SaveBlock(block *types.Block) error
	LoadBlock(height uint32) (*types.Block, error)
	LoadBlocks(fromHeight, toHeight uint32) ([]*types.Block, error)
	GetLatestBlockHeight() (uint32, bool, error)

	// 헤드 관련
	SaveState(state *ChainState) error
	LoadState() (*ChainState, error)

	Close() error
}

// ChainState is the persisted chain head. It is written after the block it
// points at.
type ChainState struct {
	Height    uint32     `cbor:"1,keyasint"`
	BlockHash types.Hash `cbor:"2,keyasint"`
	AppHash   []byte     `cbor:"3,keyasint"`
}

// ================================================================================
//                          File-based Store 구현
// ================================================================================

// FileStore는 파일 시스템 기반 저장소
type FileStore struct {
	mu      sync.RWMutex
	baseDir string
}

// NewFileStore creates a new file-based store.
func NewFileStore(baseDir string) (*FileStore, error) {
	dirs := []string{
		baseDir,
		filepath.Join(baseDir, "blocks"),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return &FileStore{
		baseDir: baseDir,
	}, nil
}

func (fs *FileStore) blockPath(height uint32) string {
	return filepath.Join(fs.baseDir, "blocks", fmt.Sprintf("block_%d.cbor", height))
}

// ================================================================================
//                          블록 저장/로드
// ================================================================================

// SaveBlock saves a block to disk.
func (fs *FileStore) SaveBlock(block *types.Block) error {
	if block == nil {
		return ErrNilBlock
	}

	data, err := block.Bytes()
	if err != nil {
		return fmt.Errorf("failed to marshal block: %w", err)
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()

	if err := writeFileSync(fs.blockPath(block.Index()), data); err != nil {
		return fmt.Errorf("failed to write block file: %w", err)
	}
	return nil
}

// LoadBlock loads a block from disk. A missing block yields nil, nil.
func (fs *FileStore) LoadBlock(height uint32) (*types.Block, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	data, err := os.ReadFile(fs.blockPath(height))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read block file: %w", err)
	}
	return types.DecodeBlock(data)
}

// LoadBlocks loads blocks in a range.
func (fs *FileStore) LoadBlocks(fromHeight, toHeight uint32) ([]*types.Block, error) {
	var blocks []*types.Block
	for h := fromHeight; h <= toHeight; h++ {
		block, err := fs.LoadBlock(h)
		if err != nil {
			return nil, err
		}
		if block != nil {
			blocks = append(blocks, block)
		}
		if h == toHeight {
			break
		}
	}
	return blocks, nil
}

// GetLatestBlockHeight returns the highest stored block. ok is false when the
// store holds no block at all.
func (fs *FileStore) GetLatestBlockHeight() (uint32, bool, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	entries, err := os.ReadDir(filepath.Join(fs.baseDir, "blocks"))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("failed to read blocks directory: %w", err)
	}

	var (
		maxHeight uint32
		found     bool
	)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		var height uint32
		if _, err := fmt.Sscanf(entry.Name(), "block_%d.cbor", &height); err == nil {
			if !found || height > maxHeight {
				maxHeight = height
			}
			found = true
		}
	}
	return maxHeight, found, nil
}

// ================================================================================
//                          헤드 저장/로드
// ================================================================================

// SaveState saves the chain head.
func (fs *FileStore) SaveState(state *ChainState) error {
	if state == nil {
		return fmt.Errorf("state is nil")
	}

	data, err := types.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()

	if err := writeFileSync(filepath.Join(fs.baseDir, "state.cbor"), data); err != nil {
		return fmt.Errorf("failed to write state file: %w", err)
	}
	return nil
}

// LoadState loads the chain head. A fresh store yields nil, nil.
func (fs *FileStore) LoadState() (*ChainState, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	data, err := os.ReadFile(filepath.Join(fs.baseDir, "state.cbor"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read state file: %w", err)
	}

	var state ChainState
	if err := types.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("failed to unmarshal state: %w", err)
	}
	return &state, nil
}

// Close closes the store.
func (fs *FileStore) Close() error {
	// 파일 기반 저장소는 특별한 종료 로직이 필요 없음
	return nil
}

// writeFileSync replaces path atomically: the data is written to a temp file,
// fsynced and renamed over the target.
func writeFileSync(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // rename 성공 후에는 무시됨

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	return syncDir(filepath.Dir(path))
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}

// ================================================================================
//                          Memory Store (테스트용)
// ================================================================================

// MemoryStore는 메모리 기반 저장소 (테스트용)
type MemoryStore struct {
	mu     sync.RWMutex
	blocks map[uint32]*types.Block
	state  *ChainState
}

// NewMemoryStore creates a new memory-based store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		blocks: make(map[uint32]*types.Block),
	}
}

// SaveBlock saves a block to memory.
func (ms *MemoryStore) SaveBlock(block *types.Block) error {
	if block == nil {
		return ErrNilBlock
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.blocks[block.Index()] = block
	return nil
}

// LoadBlock loads a block from memory.
func (ms *MemoryStore) LoadBlock(height uint32) (*types.Block, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	return ms.blocks[height], nil
}

// LoadBlocks loads blocks in a range.
func (ms *MemoryStore) LoadBlocks(fromHeight, toHeight uint32) ([]*types.Block, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	var blocks []*types.Block
	for h := fromHeight; h <= toHeight; h++ {
		if block, ok := ms.blocks[h]; ok {
			blocks = append(blocks, block)
		}
		if h == toHeight {
			break
		}
	}
	return blocks, nil
}

// GetLatestBlockHeight returns the latest block height.
func (ms *MemoryStore) GetLatestBlockHeight() (uint32, bool, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	var (
		maxHeight uint32
		found     bool
	)
	for h := range ms.blocks {
		if !found || h > maxHeight {
			maxHeight = h
		}
		found = true
	}
	return maxHeight, found, nil
}

// SaveState saves the chain head.
func (ms *MemoryStore) SaveState(state *ChainState) error {
	if state == nil {
		return fmt.Errorf("state is nil")
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()
	cp := *state
	ms.state = &cp
	return nil
}

// LoadState loads the chain head.
func (ms *MemoryStore) LoadState() (*ChainState, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	if ms.state == nil {
		return nil, nil
	}
	cp := *ms.state
	return &cp, nil
}

// Close closes the store.
func (ms *MemoryStore) Close() error {
	return nil
}
