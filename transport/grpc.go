// Package transport provides gRPC-based P2P networking for dBFT consensus
// payloads and transaction gossip.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/ahwlsqja/dbft-node/consensus/dbft"
	"github.com/ahwlsqja/dbft-node/mempool"
	"github.com/ahwlsqja/dbft-node/metrics"
	"github.com/ahwlsqja/dbft-node/types"
)

// nodeIDKey carries the sender's node ID in request metadata.
const nodeIDKey = "x-dbft-node-id"

var (
	ErrPeerNotFound      = errors.New("peer not found")
	ErrUnknownValidator  = errors.New("no peer for validator index")
	ErrTransportStopped  = errors.New("transport is stopped")
	errMissingNodeHeader = errors.New("missing node id metadata")
)

// Config holds configuration for the gRPC transport.
type Config struct {
	NodeID         string        `mapstructure:"node_id"`
	ListenAddress  string        `mapstructure:"listen_address"`
	SendTimeout    time.Duration `mapstructure:"send_timeout"`
	MaxMessageSize int           `mapstructure:"max_message_size"`

	Logger  *zap.Logger      `mapstructure:"-"`
	Metrics *metrics.Metrics `mapstructure:"-"`
}

// DefaultConfig returns default transport settings.
func DefaultConfig() *Config {
	return &Config{
		ListenAddress:  "0.0.0.0:26656",
		SendTimeout:    5 * time.Second,
		MaxMessageSize: 64 * 1024 * 1024, // 64MB
	}
}

// PayloadHandler receives consensus payloads.
type PayloadHandler func(p *dbft.Payload)

// TxHandler receives gossiped or requested transactions.
type TxHandler func(peerID string, tx *types.Transaction) error

// InventoryHandler answers a peer asking for transactions by hash.
type InventoryHandler func(peerID string, hashes []types.Hash) int

// GRPCTransport implements gRPC-based P2P communication for dBFT.
type GRPCTransport struct {
	mu sync.RWMutex

	cfg      *Config
	log      *zap.Logger
	metrics  *metrics.Metrics
	server   *grpc.Server
	listener net.Listener

	// Peer connections
	peers map[string]*peerConn

	onPayload   PayloadHandler
	onTx        TxHandler
	onInventory InventoryHandler

	running bool
	wg      sync.WaitGroup
}

// peerConn represents a connection to a peer node.
type peerConn struct {
	id             string
	addr           string
	validatorIndex int // -1이면 비검증자
	conn           *grpc.ClientConn
}

// NewGRPCTransport creates a new gRPC-based transport.
func NewGRPCTransport(cfg *Config) (*GRPCTransport, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.NodeID == "" {
		return nil, errors.New("transport: node id is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GRPCTransport{
		cfg:     cfg,
		log:     logger.Named("transport").With(zap.String("node", cfg.NodeID)),
		metrics: cfg.Metrics,
		peers:   make(map[string]*peerConn),
	}, nil
}

// SetPayloadHandler sets the callback for incoming consensus payloads.
func (t *GRPCTransport) SetPayloadHandler(h PayloadHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onPayload = h
}

// SetTxHandler sets the callback for incoming transactions.
func (t *GRPCTransport) SetTxHandler(h TxHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onTx = h
}

// SetInventoryHandler sets the callback for transaction requests.
func (t *GRPCTransport) SetInventoryHandler(h InventoryHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onInventory = h
}

// Start starts the gRPC server.
func (t *GRPCTransport) Start() error {
	listener, err := net.Listen("tcp", t.cfg.ListenAddress)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", t.cfg.ListenAddress, err)
	}

	maxSize := t.cfg.MaxMessageSize
	if maxSize <= 0 {
		maxSize = DefaultConfig().MaxMessageSize
	}
	server := grpc.NewServer(
		grpc.MaxRecvMsgSize(maxSize),
		grpc.MaxSendMsgSize(maxSize),
	)
	server.RegisterService(&serviceDesc, t)

	t.mu.Lock()
	t.listener = listener
	t.server = server
	t.running = true
	t.mu.Unlock()

	go func() {
		if err := server.Serve(listener); err != nil {
			t.mu.RLock()
			running := t.running
			t.mu.RUnlock()
			if running {
				t.log.Error("gRPC server stopped", zap.Error(err))
			}
		}
	}()

	t.log.Info("transport started", zap.Stringer("address", listener.Addr()))
	return nil
}

// Addr returns the bound listen address, or nil before Start.
func (t *GRPCTransport) Addr() net.Addr {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.listener == nil {
		return nil
	}
	return t.listener.Addr()
}

// Stop stops the gRPC server, waits for in-flight sends and closes all
// connections.
func (t *GRPCTransport) Stop() {
	t.mu.Lock()
	t.running = false
	server := t.server
	t.mu.Unlock()

	if server != nil {
		server.GracefulStop()
	}
	t.wg.Wait()

	t.mu.Lock()
	for _, peer := range t.peers {
		if peer.conn != nil {
			peer.conn.Close()
		}
	}
	t.peers = make(map[string]*peerConn)
	t.mu.Unlock()

	t.log.Info("transport stopped")
}

// AddPeer registers a remote peer. validatorIndex is the peer's position in
// the validator set, or -1. The connection is established lazily.
func (t *GRPCTransport) AddPeer(nodeID, address string, validatorIndex int) error {
	maxSize := t.cfg.MaxMessageSize
	if maxSize <= 0 {
		maxSize = DefaultConfig().MaxMessageSize
	}
	conn, err := grpc.NewClient(
		address,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.MaxCallRecvMsgSize(maxSize), grpc.MaxCallSendMsgSize(maxSize)),
	)
	if err != nil {
		return fmt.Errorf("failed to create client for peer %s at %s: %w", nodeID, address, err)
	}

	t.mu.Lock()
	if old, exists := t.peers[nodeID]; exists && old.conn != nil {
		old.conn.Close()
	}
	t.peers[nodeID] = &peerConn{
		id:             nodeID,
		addr:           address,
		validatorIndex: validatorIndex,
		conn:           conn,
	}
	t.mu.Unlock()

	t.log.Info("added peer",
		zap.String("peer", nodeID),
		zap.String("address", address),
		zap.Int("validator_index", validatorIndex))
	return nil
}

// RemovePeer disconnects from a peer.
func (t *GRPCTransport) RemovePeer(nodeID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if peer, exists := t.peers[nodeID]; exists {
		if peer.conn != nil {
			peer.conn.Close()
		}
		delete(t.peers, nodeID)
		t.log.Info("removed peer", zap.String("peer", nodeID))
	}
}

// GetPeers returns the list of peer IDs.
func (t *GRPCTransport) GetPeers() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	peers := make([]string, 0, len(t.peers))
	for id := range t.peers {
		peers = append(peers, id)
	}
	return peers
}

// PeerCount returns the number of peers.
func (t *GRPCTransport) PeerCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.peers)
}

// ================================================================================
//                          송신 (dbft.Transport / mempool.Broadcaster)
// ================================================================================

// Broadcast sends a consensus payload to every peer. Sends are asynchronous;
// failures are logged.
func (t *GRPCTransport) Broadcast(p *dbft.Payload) error {
	data, err := p.Bytes()
	if err != nil {
		return err
	}
	return t.sendAll(methodRelayPayload, data)
}

// SendDirect sends a consensus payload to the peer at validator index.
func (t *GRPCTransport) SendDirect(index int, p *dbft.Payload) error {
	peer := t.peerByValidator(index)
	if peer == nil {
		return fmt.Errorf("%w: %d", ErrUnknownValidator, index)
	}
	data, err := p.Bytes()
	if err != nil {
		return err
	}
	return t.sendAsync(peer, methodRelayPayload, data)
}

// RequestTransactions asks every peer for the given transactions. Peers that
// hold them answer with RelayTransaction calls.
func (t *GRPCTransport) RequestTransactions(hashes []types.Hash) error {
	if len(hashes) == 0 {
		return nil
	}
	data, err := types.Marshal(hashes)
	if err != nil {
		return err
	}
	return t.sendAll(methodGetTransactions, data)
}

// BroadcastTx gossips a transaction to every peer.
func (t *GRPCTransport) BroadcastTx(tx *types.Transaction) error {
	return t.sendAll(methodRelayTransaction, tx.Bytes())
}

// SendTx sends a transaction to one peer.
func (t *GRPCTransport) SendTx(peerID string, tx *types.Transaction) error {
	t.mu.RLock()
	peer, exists := t.peers[peerID]
	t.mu.RUnlock()
	if !exists {
		return fmt.Errorf("%w: %s", ErrPeerNotFound, peerID)
	}
	return t.sendAsync(peer, methodRelayTransaction, tx.Bytes())
}

func (t *GRPCTransport) peerByValidator(index int) *peerConn {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, peer := range t.peers {
		if peer.validatorIndex == index {
			return peer
		}
	}
	return nil
}

func (t *GRPCTransport) sendAll(method string, data []byte) error {
	t.mu.RLock()
	if !t.running {
		t.mu.RUnlock()
		return ErrTransportStopped
	}
	peers := make([]*peerConn, 0, len(t.peers))
	for _, peer := range t.peers {
		peers = append(peers, peer)
	}
	t.mu.RUnlock()

	for _, peer := range peers {
		if err := t.sendAsync(peer, method, data); err != nil {
			return err
		}
	}
	return nil
}

func (t *GRPCTransport) sendAsync(peer *peerConn, method string, data []byte) error {
	// Stop은 running을 내린 뒤 wg.Wait 하므로 Add는 같은 잠금 안에서
	t.mu.RLock()
	if !t.running {
		t.mu.RUnlock()
		return ErrTransportStopped
	}
	t.wg.Add(1)
	t.mu.RUnlock()

	go func() {
		defer t.wg.Done()
		if err := t.invoke(peer, method, data); err != nil {
			t.metrics.IncrementMessagesDropped("send_failed")
			t.log.Debug("send failed",
				zap.String("peer", peer.id),
				zap.String("method", method),
				zap.Error(err))
		}
	}()
	return nil
}

func (t *GRPCTransport) invoke(peer *peerConn, method string, data []byte) error {
	timeout := t.cfg.SendTimeout
	if timeout <= 0 {
		timeout = DefaultConfig().SendTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	ctx = metadata.AppendToOutgoingContext(ctx, nodeIDKey, t.cfg.NodeID)

	return peer.conn.Invoke(ctx, fullMethod(method), wrapperspb.Bytes(data), new(emptypb.Empty))
}

// ================================================================================
//                          수신 (gRPC service)
// ================================================================================

// RelayPayload handles an incoming consensus payload.
func (t *GRPCTransport) RelayPayload(ctx context.Context, req *wrapperspb.BytesValue) (*emptypb.Empty, error) {
	p, err := dbft.DecodePayload(req.GetValue())
	if err != nil {
		t.metrics.IncrementMessagesDropped("decode_failed")
		return nil, err
	}
	t.mu.RLock()
	h := t.onPayload
	t.mu.RUnlock()
	if h != nil {
		h(p)
	}
	return &emptypb.Empty{}, nil
}

// RelayTransaction handles an incoming transaction.
func (t *GRPCTransport) RelayTransaction(ctx context.Context, req *wrapperspb.BytesValue) (*emptypb.Empty, error) {
	peerID, err := senderID(ctx)
	if err != nil {
		return nil, err
	}
	tx, err := types.DecodeTransaction(req.GetValue())
	if err != nil {
		return nil, err
	}
	t.mu.RLock()
	h := t.onTx
	t.mu.RUnlock()
	if h != nil {
		if err := h(peerID, tx); err != nil {
			t.log.Debug("rejected relayed transaction",
				zap.String("peer", peerID),
				zap.Stringer("tx", tx.Hash()),
				zap.Error(err))
		}
	}
	return &emptypb.Empty{}, nil
}

// GetTransactions handles a peer asking for transactions by hash.
func (t *GRPCTransport) GetTransactions(ctx context.Context, req *wrapperspb.BytesValue) (*emptypb.Empty, error) {
	peerID, err := senderID(ctx)
	if err != nil {
		return nil, err
	}
	var hashes []types.Hash
	if err := types.Unmarshal(req.GetValue(), &hashes); err != nil {
		return nil, fmt.Errorf("decode inventory request: %w", err)
	}
	t.mu.RLock()
	h := t.onInventory
	t.mu.RUnlock()
	if h != nil {
		sent := h(peerID, hashes)
		t.log.Debug("answered inventory request",
			zap.String("peer", peerID),
			zap.Int("requested", len(hashes)),
			zap.Int("sent", sent))
	}
	return &emptypb.Empty{}, nil
}

func senderID(ctx context.Context) (string, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return "", errMissingNodeHeader
	}
	ids := md.Get(nodeIDKey)
	if len(ids) == 0 || ids[0] == "" {
		return "", errMissingNodeHeader
	}
	return ids[0], nil
}

var (
	_ dbft.Transport      = (*GRPCTransport)(nil)
	_ mempool.Broadcaster = (*GRPCTransport)(nil)
)
