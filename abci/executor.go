package abci

import (
	"context"
	"fmt"
	"time"

	abci "github.com/cometbft/cometbft/abci/types"

	"github.com/ahwlsqja/dbft-node/types"
)

// Executor applies finalized blocks to application state.
type Executor interface {
	// InitChain prepares the application for a fresh chain and returns the
	// genesis app hash.
	InitChain(ctx context.Context, chainID string) ([]byte, error)
	// CheckTx validates a transaction against the application.
	CheckTx(ctx context.Context, tx *types.Transaction) error
	// ExecuteBlock runs and commits block. proposer is the script hash of
	// the validator that proposed it.
	ExecuteBlock(ctx context.Context, block *types.Block, proposer types.Address) (*ExecutionResult, error)
	// Query reads committed application state.
	Query(ctx context.Context, key string) ([]byte, error)
	// LastHeight returns the height of the last block the application
	// committed.
	LastHeight(ctx context.Context) (uint32, error)
	Close() error
}

// ================================================================================
//                          Local (프로세스 내부 실행)
// ================================================================================

// LocalExecutor runs blocks against an in-process Application.
// 테스트 및 단일 프로세스 실행에 사용
type LocalExecutor struct {
	app *Application
}

// NewLocalExecutor wraps app. A nil app gets a fresh Application.
func NewLocalExecutor(app *Application) *LocalExecutor {
	if app == nil {
		app = NewApplication()
	}
	return &LocalExecutor{app: app}
}

// App returns the underlying application.
func (e *LocalExecutor) App() *Application {
	return e.app
}

func (e *LocalExecutor) InitChain(ctx context.Context, chainID string) ([]byte, error) {
	return e.app.InitChain(), nil
}

func (e *LocalExecutor) CheckTx(ctx context.Context, tx *types.Transaction) error {
	return e.app.CheckTx(tx)
}

func (e *LocalExecutor) ExecuteBlock(ctx context.Context, block *types.Block, proposer types.Address) (*ExecutionResult, error) {
	res := e.app.FinalizeBlock(block)
	res.AppHash = e.app.Commit(block.Index())
	return res, nil
}

func (e *LocalExecutor) Query(ctx context.Context, key string) ([]byte, error) {
	return e.app.Query(key)
}

func (e *LocalExecutor) LastHeight(ctx context.Context) (uint32, error) {
	return e.app.GetHeight(), nil
}

func (e *LocalExecutor) Close() error {
	return nil
}

// ================================================================================
//                          Remote (ABCI over gRPC)
// ================================================================================

// RemoteExecutor drives an external ABCI application: FinalizeBlock followed
// by Commit for every block.
type RemoteExecutor struct {
	client *Client
}

// NewRemoteExecutor connects to the ABCI application at address.
func NewRemoteExecutor(address string, timeout time.Duration) (*RemoteExecutor, error) {
	cfg := DefaultClientConfig(address)
	if timeout > 0 {
		cfg.Timeout = timeout
	}
	client, err := NewClient(cfg)
	if err != nil {
		return nil, err
	}
	return &RemoteExecutor{client: client}, nil
}

// InitChain calls InitChain unless the application already has blocks, in
// which case its last app hash is returned.
func (e *RemoteExecutor) InitChain(ctx context.Context, chainID string) ([]byte, error) {
	info, err := e.client.Info(ctx)
	if err != nil {
		return nil, fmt.Errorf("ABCI Info failed: %w", err)
	}
	if info.LastBlockHeight > 0 {
		return info.LastBlockAppHash, nil
	}

	resp, err := e.client.InitChain(ctx, &abci.RequestInitChain{
		ChainId:       chainID,
		Time:          time.Now().UTC(),
		InitialHeight: 1,
	})
	if err != nil {
		return nil, fmt.Errorf("ABCI InitChain failed: %w", err)
	}
	return resp.AppHash, nil
}

func (e *RemoteExecutor) CheckTx(ctx context.Context, tx *types.Transaction) error {
	resp, err := e.client.CheckTx(ctx, tx.Bytes())
	if err != nil {
		return fmt.Errorf("ABCI CheckTx failed: %w", err)
	}
	if resp.Code != CodeOK {
		return fmt.Errorf("check tx code %d: %s", resp.Code, resp.Log)
	}
	return nil
}

func (e *RemoteExecutor) ExecuteBlock(ctx context.Context, block *types.Block, proposer types.Address) (*ExecutionResult, error) {
	data := NewBlockData(block, proposer)
	resp, err := e.client.FinalizeBlock(ctx, NewFinalizeBlockRequest(data))
	if err != nil {
		return nil, fmt.Errorf("ABCI FinalizeBlock failed at height %d: %w", data.Height, err)
	}
	if len(resp.TxResults) != len(block.Transactions) {
		return nil, fmt.Errorf("ABCI FinalizeBlock returned %d results for %d transactions",
			len(resp.TxResults), len(block.Transactions))
	}
	if _, err := e.client.Commit(ctx, data.Height); err != nil {
		return nil, fmt.Errorf("ABCI Commit failed at height %d: %w", data.Height, err)
	}
	return FinalizeBlockResponseToResult(resp), nil
}

func (e *RemoteExecutor) Query(ctx context.Context, key string) ([]byte, error) {
	resp, err := e.client.Query(ctx, &abci.RequestQuery{Path: "/store", Data: []byte(key)})
	if err != nil {
		return nil, fmt.Errorf("ABCI Query failed: %w", err)
	}
	if resp.Code != CodeOK {
		return nil, fmt.Errorf("%w: %s (code %d)", ErrKeyNotFound, key, resp.Code)
	}
	return resp.Value, nil
}

func (e *RemoteExecutor) LastHeight(ctx context.Context) (uint32, error) {
	info, err := e.client.Info(ctx)
	if err != nil {
		return 0, fmt.Errorf("ABCI Info failed: %w", err)
	}
	return uint32(info.LastBlockHeight), nil
}

func (e *RemoteExecutor) Close() error {
	return e.client.Close()
}

var (
	_ Executor = (*LocalExecutor)(nil)
	_ Executor = (*RemoteExecutor)(nil)
)
