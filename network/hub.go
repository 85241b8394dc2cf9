// Package network provides an in-process transport that connects several
// nodes in one process. It backs multi-node simulations and tests.
package network

import (
	"errors"
	"fmt"
	"sync"

	"github.com/ahwlsqja/dbft-node/consensus/dbft"
	"github.com/ahwlsqja/dbft-node/mempool"
	"github.com/ahwlsqja/dbft-node/types"
)

var (
	ErrUnknownPeer   = errors.New("unknown peer")
	ErrHubClosed     = errors.New("hub is closed")
	ErrDisconnected  = errors.New("endpoint is disconnected")
	ErrDuplicateNode = errors.New("node already joined")
)

// Filter decides whether a payload from one node reaches another. Returning
// false drops it.
type Filter func(from, to string, p *dbft.Payload) bool

// Hub routes messages between joined endpoints. Delivery is asynchronous
// and never loops back to the sender.
type Hub struct {
	mu     sync.RWMutex
	nodes  map[string]*Endpoint
	order  []string
	filter Filter
	closed bool

	wg sync.WaitGroup
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{nodes: make(map[string]*Endpoint)}
}

// Join adds a node. validatorIndex is its position in the validator set, or
// -1 for a non-validator.
func (h *Hub) Join(id string, validatorIndex int) (*Endpoint, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrHubClosed
	}
	if _, exists := h.nodes[id]; exists {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateNode, id)
	}
	ep := &Endpoint{hub: h, id: id, validatorIndex: validatorIndex, connected: true}
	h.nodes[id] = ep
	h.order = append(h.order, id)
	return ep, nil
}

// SetFilter installs fn for consensus payloads. nil delivers everything.
func (h *Hub) SetFilter(fn Filter) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.filter = fn
}

// Close stops accepting messages and waits for in-flight deliveries.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()
	h.wg.Wait()
}

// targets returns the connected endpoints other than from.
func (h *Hub) targets(from string) []*Endpoint {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Endpoint, 0, len(h.order))
	for _, id := range h.order {
		ep := h.nodes[id]
		if id != from && ep.isConnected() {
			out = append(out, ep)
		}
	}
	return out
}

func (h *Hub) byValidator(index int) *Endpoint {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, id := range h.order {
		if ep := h.nodes[id]; ep.validatorIndex == index {
			return ep
		}
	}
	return nil
}

// deliver runs fn on its own goroutine unless the hub is closed.
func (h *Hub) deliver(fn func()) error {
	h.mu.RLock()
	if h.closed {
		h.mu.RUnlock()
		return ErrHubClosed
	}
	h.wg.Add(1)
	h.mu.RUnlock()

	go func() {
		defer h.wg.Done()
		fn()
	}()
	return nil
}

func (h *Hub) allowed(from, to string, p *dbft.Payload) bool {
	h.mu.RLock()
	f := h.filter
	h.mu.RUnlock()
	return f == nil || f(from, to, p)
}

// ================================================================================
//                          Endpoint
// ================================================================================

// Endpoint is one node's view of the hub. It implements dbft.Transport and
// mempool.Broadcaster.
type Endpoint struct {
	hub            *Hub
	id             string
	validatorIndex int

	mu          sync.RWMutex
	connected   bool
	onPayload   func(*dbft.Payload)
	onTx        func(peerID string, tx *types.Transaction) error
	onInventory func(peerID string, hashes []types.Hash) int
}

// ID returns the node id.
func (e *Endpoint) ID() string { return e.id }

func (e *Endpoint) SetPayloadHandler(fn func(*dbft.Payload)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onPayload = fn
}

func (e *Endpoint) SetTxHandler(fn func(peerID string, tx *types.Transaction) error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onTx = fn
}

func (e *Endpoint) SetInventoryHandler(fn func(peerID string, hashes []types.Hash) int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onInventory = fn
}

// Disconnect cuts the endpoint off: nothing is sent or received until
// Reconnect.
func (e *Endpoint) Disconnect() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.connected = false
}

func (e *Endpoint) Reconnect() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.connected = true
}

func (e *Endpoint) isConnected() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.connected
}

func (e *Endpoint) handlers() (func(*dbft.Payload), func(string, *types.Transaction) error, func(string, []types.Hash) int) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.onPayload, e.onTx, e.onInventory
}

func (e *Endpoint) sendPayload(to *Endpoint, p *dbft.Payload) error {
	if !e.hub.allowed(e.id, to.id, p) {
		return nil
	}
	return e.hub.deliver(func() {
		if !to.isConnected() {
			return
		}
		if fn, _, _ := to.handlers(); fn != nil {
			fn(p)
		}
	})
}

func (e *Endpoint) sendTx(to *Endpoint, tx *types.Transaction) error {
	return e.hub.deliver(func() {
		if !to.isConnected() {
			return
		}
		if _, fn, _ := to.handlers(); fn != nil {
			_ = fn(e.id, tx)
		}
	})
}

// Broadcast delivers p to every other connected endpoint.
func (e *Endpoint) Broadcast(p *dbft.Payload) error {
	if !e.isConnected() {
		return ErrDisconnected
	}
	for _, to := range e.hub.targets(e.id) {
		if err := e.sendPayload(to, p); err != nil {
			return err
		}
	}
	return nil
}

// SendDirect delivers p to the endpoint of validator index.
func (e *Endpoint) SendDirect(index int, p *dbft.Payload) error {
	if !e.isConnected() {
		return ErrDisconnected
	}
	to := e.hub.byValidator(index)
	if to == nil {
		return fmt.Errorf("%w: validator %d", ErrUnknownPeer, index)
	}
	return e.sendPayload(to, p)
}

// RequestTransactions asks every other endpoint for hashes.
func (e *Endpoint) RequestTransactions(hashes []types.Hash) error {
	if !e.isConnected() {
		return ErrDisconnected
	}
	if len(hashes) == 0 {
		return nil
	}
	req := append([]types.Hash(nil), hashes...)
	for _, to := range e.hub.targets(e.id) {
		to := to
		if err := e.hub.deliver(func() {
			if _, _, fn := to.handlers(); fn != nil {
				fn(e.id, req)
			}
		}); err != nil {
			return err
		}
	}
	return nil
}

// BroadcastTx gossips tx to every other endpoint.
func (e *Endpoint) BroadcastTx(tx *types.Transaction) error {
	if !e.isConnected() {
		return ErrDisconnected
	}
	for _, to := range e.hub.targets(e.id) {
		if err := e.sendTx(to, tx); err != nil {
			return err
		}
	}
	return nil
}

// SendTx delivers tx to peerID.
func (e *Endpoint) SendTx(peerID string, tx *types.Transaction) error {
	if !e.isConnected() {
		return ErrDisconnected
	}
	e.hub.mu.RLock()
	to, ok := e.hub.nodes[peerID]
	e.hub.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, peerID)
	}
	return e.sendTx(to, tx)
}

var (
	_ dbft.Transport      = (*Endpoint)(nil)
	_ mempool.Broadcaster = (*Endpoint)(nil)
)
