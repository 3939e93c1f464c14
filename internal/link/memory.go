package link

import (
	"fmt"
	"sync"
)

// Verdict decides the fate of one frame delivery in a Network tap.
type Verdict int

const (
	Deliver Verdict = iota // hand the frame to the receiver
	Drop                   // lose the frame silently
	Duplicate              // deliver the frame twice
)

// Tap inspects one delivery attempt from one node to another and rules on
// it. Taps make loss, duplication and partition scenarios deterministic in
// tests; a nil tap delivers everything.
type Tap func(from, to string, frame []byte) Verdict

// Network is an in-memory broadcast domain. Every node attached to it hears
// every other node's transmissions, subject to the tap and the frame limit.
type Network struct {
	mu       sync.Mutex
	nodes    map[string]*Memory
	tap      Tap
	maxFrame int // 0 means unlimited
}

// NewNetwork creates an empty broadcast domain.
func NewNetwork() *Network {
	return &Network{nodes: make(map[string]*Memory)}
}

// SetTap installs the delivery tap. Passing nil restores lossless delivery.
func (n *Network) SetTap(tap Tap) {
	n.mu.Lock()
	n.tap = tap
	n.mu.Unlock()
}

// SetMaxFrame caps the frame size the simulated medium accepts, so tests can
// shrink the MTU artificially. 0 removes the cap.
func (n *Network) SetMaxFrame(limit int) {
	n.mu.Lock()
	n.maxFrame = limit
	n.mu.Unlock()
}

// Node attaches a new named node to the network and returns its link.
func (n *Network) Node(name string) *Memory {
	m := &Memory{
		name:   name,
		net:    n,
		frames: make(chan Frame, frameBufferSize),
	}
	n.mu.Lock()
	n.nodes[name] = m
	n.mu.Unlock()
	return m
}

// broadcast fans a frame out to every node except the sender.
func (n *Network) broadcast(from *Memory, data []byte) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.maxFrame > 0 && len(data) > n.maxFrame {
		return fmt.Errorf("%w: %d > %d", ErrFrameTooBig, len(data), n.maxFrame)
	}

	for name, node := range n.nodes {
		if node == from || node.closed {
			continue
		}

		verdict := Deliver
		if n.tap != nil {
			verdict = n.tap(from.name, name, data)
		}

		switch verdict {
		case Drop:
		case Duplicate:
			node.inject(data)
			node.inject(data)
		default:
			node.inject(data)
		}
	}
	return nil
}

// Memory is one node's attachment to an in-memory Network.
type Memory struct {
	name   string
	net    *Network
	frames chan Frame
	closed bool
}

// Broadcast transmits to every other node on the network.
func (m *Memory) Broadcast(data []byte) error {
	return m.net.broadcast(m, data)
}

// Frames returns the inbound frame channel.
func (m *Memory) Frames() <-chan Frame {
	return m.frames
}

// Inject delivers a raw frame directly to this node, bypassing the network.
// Tests use it to replay captured frames in a chosen order.
func (m *Memory) Inject(data []byte) {
	m.net.mu.Lock()
	defer m.net.mu.Unlock()
	if !m.closed {
		m.inject(data)
	}
}

// inject copies the frame into the node's inbound channel, dropping it when
// the buffer is full. Callers hold the network lock.
func (m *Memory) inject(data []byte) {
	buf := make([]byte, len(data))
	copy(buf, data)
	select {
	case m.frames <- Frame{Data: buf, Distance: 1}:
	default:
	}
}

func (m *Memory) Close() error {
	m.net.mu.Lock()
	defer m.net.mu.Unlock()
	if !m.closed {
		m.closed = true
		delete(m.net.nodes, m.name)
		close(m.frames)
	}
	return nil
}
