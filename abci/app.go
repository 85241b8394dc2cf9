// Package abci executes finalized blocks: either in-process against a
// key-value Application or remotely against an ABCI application over gRPC.
package abci

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/cometbft/cometbft/crypto/merkle"

	"github.com/ahwlsqja/dbft-node/types"
)

// 트랜잭션 결과 코드
const (
	CodeOK uint32 = iota
	CodeInvalidScript
	CodeUnknownOperation
)

var ErrKeyNotFound = errors.New("key not found")

// Application is a key-value store. Transaction scripts are
// "put <key> <value>" or "delete <key>".
type Application struct {
	mu sync.RWMutex

	// 실행 중인 상태
	state map[string][]byte
	// 커밋된 상태 (Query 대상)
	committedState map[string][]byte

	height  uint32
	appHash []byte
}

// NewApplication creates an empty application.
func NewApplication() *Application {
	app := &Application{
		state:          make(map[string][]byte),
		committedState: make(map[string][]byte),
	}
	app.appHash = computeAppHash(app.state)
	return app
}

// Operation is a parsed transaction script.
type Operation struct {
	Type  string // "put" or "delete"
	Key   string
	Value string
}

// ParseOperation decodes a transaction script.
func ParseOperation(script []byte) (*Operation, error) {
	fields := strings.Fields(string(script))
	if len(fields) == 0 {
		return nil, errors.New("empty script")
	}
	switch fields[0] {
	case "put":
		if len(fields) != 3 {
			return nil, fmt.Errorf("put takes a key and a value, got %d arguments", len(fields)-1)
		}
		return &Operation{Type: "put", Key: fields[1], Value: fields[2]}, nil
	case "delete":
		if len(fields) != 2 {
			return nil, fmt.Errorf("delete takes a key, got %d arguments", len(fields)-1)
		}
		return &Operation{Type: "delete", Key: fields[1]}, nil
	default:
		return nil, fmt.Errorf("unknown operation type: %s", fields[0])
	}
}

// InitChain resets the application to the genesis state.
func (app *Application) InitChain() []byte {
	app.mu.Lock()
	defer app.mu.Unlock()

	app.state = make(map[string][]byte)
	app.committedState = make(map[string][]byte)
	app.height = 0
	app.appHash = computeAppHash(app.state)
	return app.appHash
}

// CheckTx validates a transaction before it enters the mempool.
func (app *Application) CheckTx(tx *types.Transaction) error {
	if len(tx.Script) == 0 {
		return errors.New("transaction script is empty")
	}
	_, err := ParseOperation(tx.Script)
	return err
}

// FinalizeBlock executes every transaction of block. A failing transaction is
// reported in its TxResult and does not abort the block.
func (app *Application) FinalizeBlock(block *types.Block) *ExecutionResult {
	app.mu.Lock()
	defer app.mu.Unlock()

	results := make([]TxResult, len(block.Transactions))
	for i, tx := range block.Transactions {
		results[i] = app.executeTx(tx)
	}
	app.appHash = computeAppHash(app.state)
	return &ExecutionResult{
		TxResults: results,
		AppHash:   app.appHash,
	}
}

func (app *Application) executeTx(tx *types.Transaction) TxResult {
	op, err := ParseOperation(tx.Script)
	if err != nil {
		return TxResult{Code: CodeInvalidScript, Log: err.Error()}
	}
	switch op.Type {
	case "put":
		app.state[op.Key] = []byte(op.Value)
	case "delete":
		delete(app.state, op.Key)
	default:
		return TxResult{Code: CodeUnknownOperation, Log: op.Type}
	}
	return TxResult{Code: CodeOK, Log: "success"}
}

// Commit makes the executed state visible to Query.
func (app *Application) Commit(height uint32) []byte {
	app.mu.Lock()
	defer app.mu.Unlock()

	app.committedState = make(map[string][]byte, len(app.state))
	for k, v := range app.state {
		app.committedState[k] = v
	}
	app.height = height
	return app.appHash
}

// Query reads committed state.
func (app *Application) Query(key string) ([]byte, error) {
	app.mu.RLock()
	defer app.mu.RUnlock()

	value, exists := app.committedState[key]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, key)
	}
	return value, nil
}

// GetHeight returns the last committed height.
func (app *Application) GetHeight() uint32 {
	app.mu.RLock()
	defer app.mu.RUnlock()
	return app.height
}

// GetAppHash returns the current app hash.
func (app *Application) GetAppHash() []byte {
	app.mu.RLock()
	defer app.mu.RUnlock()
	return app.appHash
}

// computeAppHash is the merkle root over the sorted key/value pairs.
func computeAppHash(state map[string][]byte) []byte {
	keys := make([]string, 0, len(state))
	for k := range state {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	leaves := make([][]byte, len(keys))
	for i, k := range keys {
		var buf bytes.Buffer
		buf.WriteString(k)
		buf.WriteByte(0)
		buf.Write(state[k])
		leaves[i] = buf.Bytes()
	}
	return merkle.HashFromByteSlices(leaves)
}
