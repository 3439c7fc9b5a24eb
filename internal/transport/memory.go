package transport

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryNetwork is an in-process switch connecting MemoryAdapters by node
// id. It exists to exercise the federation, RAP, mail, and board-sync state
// machines in tests without a real radio, mirroring the named mesh/interface
// contract in the original implementation.
type MemoryNetwork struct {
	mu    sync.Mutex
	nodes map[string]*MemoryAdapter
}

// NewMemoryNetwork returns an empty switch.
func NewMemoryNetwork() *MemoryNetwork {
	return &MemoryNetwork{nodes: make(map[string]*MemoryAdapter)}
}

// NewNode registers and returns a MemoryAdapter for nodeID.
func (n *MemoryNetwork) NewNode(nodeID string) *MemoryAdapter {
	n.mu.Lock()
	defer n.mu.Unlock()
	a := &MemoryAdapter{network: n, self: nodeID}
	n.nodes[nodeID] = a
	return a
}

func (n *MemoryNetwork) deliver(ctx context.Context, from, to, channel, text string) error {
	n.mu.Lock()
	dest, ok := n.nodes[to]
	n.mu.Unlock()
	if !ok {
		return fmt.Errorf("transport: no such node %q", to)
	}
	dest.mu.Lock()
	h := dest.handler
	dest.mu.Unlock()
	if h != nil {
		h(ctx, from, channel, text)
	}
	return nil
}

func (n *MemoryNetwork) deliverBroadcast(ctx context.Context, from, channel, text string) {
	n.mu.Lock()
	targets := make([]*MemoryAdapter, 0, len(n.nodes))
	for id, a := range n.nodes {
		if id != from {
			targets = append(targets, a)
		}
	}
	n.mu.Unlock()
	for _, a := range targets {
		a.mu.Lock()
		h := a.handler
		a.mu.Unlock()
		if h != nil {
			h(ctx, from, channel, text)
		}
	}
}

// MemoryAdapter is an Adapter backed by a MemoryNetwork. Sends are delivered
// synchronously to the peer's registered handler.
type MemoryAdapter struct {
	network *MemoryNetwork
	self    string

	mu      sync.Mutex
	handler InboundHandler
	Sent    []SentFrame
}

// SentFrame records one frame this adapter sent, for test assertions.
type SentFrame struct {
	PeerNode string
	Text     string
}

func (a *MemoryAdapter) SendUnicast(ctx context.Context, peerNode, text string) error {
	a.mu.Lock()
	a.Sent = append(a.Sent, SentFrame{PeerNode: peerNode, Text: text})
	a.mu.Unlock()
	return a.network.deliver(ctx, a.self, peerNode, "", text)
}

func (a *MemoryAdapter) SendUnicastAwaitAck(ctx context.Context, peerNode, text string, timeout time.Duration) (AckResult, error) {
	if err := a.SendUnicast(ctx, peerNode, text); err != nil {
		return AckResult{Delivered: false, Detail: err.Error()}, err
	}
	return AckResult{Delivered: true}, nil
}

func (a *MemoryAdapter) Broadcast(ctx context.Context, channel, text string) error {
	a.mu.Lock()
	a.Sent = append(a.Sent, SentFrame{PeerNode: "*" + channel, Text: text})
	a.mu.Unlock()
	a.network.deliverBroadcast(ctx, a.self, channel, text)
	return nil
}

func (a *MemoryAdapter) SetInboundHandler(h InboundHandler) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.handler = h
}
