package abci

import (
	"time"

	abci "github.com/cometbft/cometbft/abci/types"

	"github.com/ahwlsqja/dbft-node/types"
)

// ExecutionResult - 블록 실행 결과
type ExecutionResult struct {
	TxResults []TxResult
	AppHash   []byte
	Events    []abci.Event
}

// TxResult - 트랜잭션 실행 결과
type TxResult struct {
	Code      uint32
	Data      []byte
	Log       string
	GasWanted int64
	GasUsed   int64
	Events    []abci.Event
}

// IsOK reports a successful transaction.
func (r TxResult) IsOK() bool {
	return r.Code == CodeOK
}

// BlockData - dBFT 블록을 ABCI 요청으로 변환하기 위한 중간 형태
type BlockData struct {
	Height       int64
	Txs          [][]byte
	Hash         []byte
	Time         time.Time
	ProposerAddr []byte
}

// NewBlockData flattens block for an ABCI request. proposer is the script hash
// of the validator that proposed it.
func NewBlockData(block *types.Block, proposer types.Address) *BlockData {
	txs := make([][]byte, len(block.Transactions))
	for i, tx := range block.Transactions {
		txs[i] = tx.Bytes()
	}
	hash := block.Hash()
	return &BlockData{
		Height:       int64(block.Index()),
		Txs:          txs,
		Hash:         hash[:],
		Time:         time.UnixMilli(int64(block.Header.Timestamp)).UTC(),
		ProposerAddr: proposer[:],
	}
}

// NewFinalizeBlockRequest - FinalizeBlock 요청 생성
func NewFinalizeBlockRequest(block *BlockData) *abci.RequestFinalizeBlock {
	return &abci.RequestFinalizeBlock{
		Txs:               block.Txs,
		Hash:              block.Hash,
		Height:            block.Height,
		Time:              block.Time,
		ProposerAddress:   block.ProposerAddr,
		DecidedLastCommit: abci.CommitInfo{},
		Misbehavior:       []abci.Misbehavior{},
	}
}

// FinalizeBlockResponseToResult - ABCI ResponseFinalizeBlock → ExecutionResult 변환
func FinalizeBlockResponseToResult(resp *abci.ResponseFinalizeBlock) *ExecutionResult {
	txResults := make([]TxResult, len(resp.TxResults))
	for i, r := range resp.TxResults {
		txResults[i] = TxResult{
			Code:      r.Code,
			Data:      r.Data,
			Log:       r.Log,
			GasWanted: r.GasWanted,
			GasUsed:   r.GasUsed,
			Events:    r.Events,
		}
	}
	return &ExecutionResult{
		TxResults: txResults,
		AppHash:   resp.AppHash,
		Events:    resp.Events,
	}
}
