package relay

import (
	"context"
	"errors"
	"sync"
)

const memoryNodeBuffer = 1024

// MemoryBus is an in-process ordered log shared by one or more node handles.
// It backs single-node deployments and lets tests stand up several simulated
// nodes against one broker.
type MemoryBus struct {
	mu         sync.Mutex
	nodes      map[string]*MemoryNode
	publishErr error
}

// NewMemoryBus creates an empty bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{nodes: make(map[string]*MemoryNode)}
}

// SetPublishErr forces subsequent publishes to fail with err (nil clears).
func (b *MemoryBus) SetPublishErr(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.publishErr = err
}

// Node attaches a broker handle for the given node id. Every attached node
// observes every published event in publish order.
func (b *MemoryBus) Node(nodeID string) *MemoryNode {
	b.mu.Lock()
	defer b.mu.Unlock()

	if n, ok := b.nodes[nodeID]; ok {
		return n
	}
	n := &MemoryNode{
		bus:    b,
		nodeID: nodeID,
		events: make(chan ChatEvent, memoryNodeBuffer),
	}
	b.nodes[nodeID] = n
	return n
}

func (b *MemoryBus) broadcast(ev ChatEvent) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.publishErr != nil {
		return b.publishErr
	}
	for _, n := range b.nodes {
		select {
		case n.events <- ev:
		default:
			return errors.New("memory bus subscriber buffer full")
		}
	}
	return nil
}

func (b *MemoryBus) detach(nodeID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.nodes, nodeID)
}

// MemoryNode is one node's Broker handle on a MemoryBus.
type MemoryNode struct {
	bus    *MemoryBus
	nodeID string
	events chan ChatEvent

	closeOnce sync.Once
}

var _ Broker = (*MemoryNode)(nil)

// Publish appends the event to the shared log.
func (n *MemoryNode) Publish(_ context.Context, ev ChatEvent) error {
	return n.bus.broadcast(ev)
}

// Consume blocks for the next event in publish order.
func (n *MemoryNode) Consume(ctx context.Context) (ChatEvent, error) {
	select {
	case <-ctx.Done():
		return ChatEvent{}, ctx.Err()
	case ev, ok := <-n.events:
		if !ok {
			return ChatEvent{}, errors.New("memory node closed")
		}
		return ev, nil
	}
}

// Close detaches the node from the bus.
func (n *MemoryNode) Close() error {
	n.closeOnce.Do(func() {
		n.bus.detach(n.nodeID)
	})
	return nil
}
