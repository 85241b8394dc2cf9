package abci

import (
	"context"
	"fmt"
	"sync"
	"time"

	abci "github.com/cometbft/cometbft/abci/types"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Client - ABCI 클라이언트 (노드 → 외부 ABCI 앱 통신)
type Client struct {
	mu     sync.RWMutex
	conn   *grpc.ClientConn
	client abci.ABCIClient

	// 앱 정보 캐시
	lastHeight  int64
	lastAppHash []byte

	address string
	timeout time.Duration
}

// ClientConfig - 클라이언트 설정
type ClientConfig struct {
	Address string
	Timeout time.Duration
}

// DefaultClientConfig - 기본 설정
func DefaultClientConfig(address string) *ClientConfig {
	return &ClientConfig{
		Address: address,
		Timeout: 10 * time.Second,
	}
}

// NewClient - ABCI 클라이언트 생성
func NewClient(config *ClientConfig) (*Client, error) {
	ctx, cancel := context.WithTimeout(context.Background(), config.Timeout)
	defer cancel()

	conn, err := grpc.DialContext(
		ctx,
		config.Address,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(gogoCodec{})),
		grpc.WithBlock(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ABCI app at %s: %w", config.Address, err)
	}

	c := newClient(abci.NewABCIClient(conn), config)
	c.conn = conn
	return c, nil
}

func newClient(client abci.ABCIClient, config *ClientConfig) *Client {
	return &Client{
		client:  client,
		address: config.Address,
		timeout: config.Timeout,
	}
}

// Close - 연결 종료
func (c *Client) Close() error {
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.timeout)
}

// Info - 앱 정보 조회
func (c *Client) Info(ctx context.Context) (*abci.ResponseInfo, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	resp, err := c.client.Info(ctx, &abci.RequestInfo{})
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.lastHeight = resp.LastBlockHeight
	c.lastAppHash = resp.LastBlockAppHash
	c.mu.Unlock()
	return resp, nil
}

// InitChain - 체인 초기화
func (c *Client) InitChain(ctx context.Context, req *abci.RequestInitChain) (*abci.ResponseInitChain, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	resp, err := c.client.InitChain(ctx, req)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.lastAppHash = resp.AppHash
	c.mu.Unlock()
	return resp, nil
}

// CheckTx - 트랜잭션 검증 (멤풀 진입 전)
func (c *Client) CheckTx(ctx context.Context, tx []byte) (*abci.ResponseCheckTx, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	return c.client.CheckTx(ctx, &abci.RequestCheckTx{
		Tx:   tx,
		Type: abci.CheckTxType_New,
	})
}

// FinalizeBlock - 블록 실행 (BeginBlock + DeliverTx + EndBlock 통합)
func (c *Client) FinalizeBlock(ctx context.Context, req *abci.RequestFinalizeBlock) (*abci.ResponseFinalizeBlock, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	resp, err := c.client.FinalizeBlock(ctx, req)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.lastAppHash = resp.AppHash
	c.mu.Unlock()
	return resp, nil
}

// Commit - 상태 커밋
func (c *Client) Commit(ctx context.Context, height int64) (*abci.ResponseCommit, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	resp, err := c.client.Commit(ctx, &abci.RequestCommit{})
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.lastHeight = height
	c.mu.Unlock()
	return resp, nil
}

// Query - 상태 쿼리
func (c *Client) Query(ctx context.Context, req *abci.RequestQuery) (*abci.ResponseQuery, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	return c.client.Query(ctx, req)
}

// GetLastHeight - 마지막 커밋 높이
func (c *Client) GetLastHeight() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastHeight
}

// GetLastAppHash - 마지막 앱 해시
func (c *Client) GetLastAppHash() []byte {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastAppHash
}

// GetAddress - 연결 주소 반환
func (c *Client) GetAddress() string {
	return c.address
}
