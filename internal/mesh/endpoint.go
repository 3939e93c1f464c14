// Package mesh implements a small transport protocol on top of unreliable
// broadcast links: fragmentation and reassembly for arbitrary-length
// messages, optional reliable in-order exactly-once delivery with
// acknowledgment and retransmission, optional unordered best-effort
// delivery, and naive flood forwarding between hosts that cannot hear each
// other directly.
//
// All protocol state belongs to one Endpoint per logical node. The protocol
// is poll-driven: retransmissions, loss detection and garbage collection
// only advance inside Receive (and SendWait), so callers wanting timely
// retransmission keep polling even when they expect no data.
package mesh

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ocmesh/mnet/internal/link"
	"github.com/ocmesh/mnet/internal/packet"
	"github.com/ocmesh/mnet/internal/util"
)

var (
	// ErrReliableBroadcast rejects reliable sends to the wildcard host:
	// nobody can meaningfully acknowledge a broadcast.
	ErrReliableBroadcast = errors.New("reliable send to the broadcast host")

	// ErrConnectionLost is returned by SendWait when the peer never
	// acknowledged within the drop window.
	ErrConnectionLost = errors.New("reliable send not acknowledged")

	// ErrClosed is returned once the endpoint has been shut down.
	ErrClosed = errors.New("endpoint closed")
)

// Config holds the protocol tuning knobs. The zero value of any field is
// replaced by its default.
type Config struct {
	// MTU is the maximum payload carried by one packet; longer messages
	// are fragmented. It must leave room for framing overhead within the
	// links' frame limits.
	MTU int

	// RetransmitTime is how long an unacknowledged reliable packet waits
	// before being re-broadcast with a fresh ID.
	RetransmitTime time.Duration

	// DropTime bounds everything: unacknowledged sends are declared lost,
	// dedup entries expire, and buffered out-of-order or incomplete
	// fragments are discarded once they are this old.
	DropTime time.Duration

	// MaxSequence is the sequence space size. Sequences live in
	// [1, MaxSequence] and wrap silently; keep it large relative to the
	// in-flight window so stale collisions stay out of reach of DropTime.
	MaxSequence uint32
}

// DefaultConfig returns the stock tuning.
func DefaultConfig() Config {
	return Config{
		MTU:            1024,
		RetransmitTime: 3 * time.Second,
		DropTime:       12 * time.Second,
		MaxSequence:    1000,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MTU <= 0 {
		c.MTU = d.MTU
	}
	if c.RetransmitTime <= 0 {
		c.RetransmitTime = d.RetransmitTime
	}
	if c.DropTime <= 0 {
		c.DropTime = d.DropTime
	}
	if c.MaxSequence == 0 {
		c.MaxSequence = d.MaxSequence
	}
	return c
}

// Message is one fully reassembled, deliverable application message.
type Message struct {
	Host string
	Port uint16
	Data []byte
}

// LostFunc is invoked synchronously from Receive/SendWait for every reliable
// send that is declared lost, exactly once per send.
type LostFunc func(host string, sequence uint32, port uint16, payload []byte)

// Pending identifies an in-flight reliable send for later status queries.
type Pending struct {
	Host     string
	Sequence uint32
}

type streamKey struct {
	host     string
	reliable bool
}

type recordKey struct {
	host     string
	sequence uint32
}

type bufferKey struct {
	host     string
	sequence uint32
	reliable bool
}

type lostEvent struct {
	host     string
	sequence uint32
	port     uint16
	payload  []byte
}

// Endpoint is one mesh node. Its methods are safe for concurrent use; all
// state sits behind one mutex with short critical sections per call.
type Endpoint struct {
	host  string
	cfg   Config
	links []link.Link

	inbox     chan link.Frame
	done      chan struct{}
	closeOnce sync.Once

	mu       sync.Mutex
	seqs     map[streamKey]uint32
	sent     map[recordKey]*sentRecord
	recv     map[string]*peerState
	buffered map[bufferKey]*recvRecord
	seen     map[uuid.UUID]time.Time
	ready    []*Message
	lost     []lostEvent
	onLost   LostFunc
}

// New creates an endpoint named host, attached to the given links. The host
// string is the node's mesh address; it must be unique within the mesh.
func New(host string, cfg Config, links ...link.Link) *Endpoint {
	e := &Endpoint{
		host:     host,
		cfg:      cfg.withDefaults(),
		links:    links,
		inbox:    make(chan link.Frame, 64),
		done:     make(chan struct{}),
		seqs:     make(map[streamKey]uint32),
		sent:     make(map[recordKey]*sentRecord),
		recv:     make(map[string]*peerState),
		buffered: make(map[bufferKey]*recvRecord),
		seen:     make(map[uuid.UUID]time.Time),
	}
	for _, l := range links {
		go e.readFrames(l)
	}
	return e
}

// Host returns the endpoint's mesh address.
func (e *Endpoint) Host() string {
	return e.host
}

// OnConnectionLost registers the loss callback. It runs synchronously inside
// Receive/SendWait, outside the endpoint lock, so it may call Send.
func (e *Endpoint) OnConnectionLost(fn LostFunc) {
	e.mu.Lock()
	e.onLost = fn
	e.mu.Unlock()
}

// Close stops the endpoint. It does not close the links; their owner does.
func (e *Endpoint) Close() error {
	e.closeOnce.Do(func() { close(e.done) })
	return nil
}

// readFrames fans one link's inbound frames into the shared inbox. Frames
// arriving while nobody polls accumulate up to the inbox capacity and are
// dropped beyond it, which the protocol treats as ordinary link loss.
func (e *Endpoint) readFrames(l link.Link) {
	for {
		select {
		case f, ok := <-l.Frames():
			if !ok {
				return
			}
			select {
			case e.inbox <- f:
			case <-e.done:
				return
			default:
			}
		case <-e.done:
			return
		}
	}
}

// Send transmits message to the named host on the given application port.
// Messages longer than the MTU are split into fragments, each consuming one
// sequence number. For reliable sends it returns a Pending handle for status
// queries; unreliable sends return (nil, nil).
func (e *Endpoint) Send(host string, port uint16, message []byte, reliable bool) (*Pending, error) {
	select {
	case <-e.done:
		return nil, ErrClosed
	default:
	}
	if host == packet.BroadcastHost && reliable {
		return nil, ErrReliableBroadcast
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	now := time.Now()
	chunks := splitPayload(message, e.cfg.MTU)
	var last uint32

	for i, chunk := range chunks {
		seq, syn := e.nextSequence(host, reliable)
		flags := packet.Flags{Syn: syn, Reliable: reliable}
		if len(chunks) > 1 {
			switch {
			case i == 0:
				flags.FragmentTotal = len(chunks)
			case i < len(chunks)-1:
				flags.FragmentMore = true
			}
		}

		p := &packet.Packet{
			ID:          packet.NewID(),
			Sequence:    seq,
			Flags:       flags,
			Destination: host,
			Source:      e.host,
			Port:        port,
			Payload:     chunk,
		}
		if reliable {
			e.sent[recordKey{host, seq}] = &sentRecord{
				sentAt:   now,
				resentAt: now,
				id:       p.ID,
				flags:    flags,
				port:     port,
				payload:  chunk,
			}
		}
		e.transmit(p)
		last = seq
	}

	if !reliable {
		return nil, nil
	}
	return &Pending{Host: host, Sequence: last}, nil
}

// SendWait sends reliably and blocks until the last fragment is acknowledged
// or the send is declared lost. This is a bounded polling wait: it keeps the
// protocol clock ticking itself, so no concurrent Receive loop is required.
func (e *Endpoint) SendWait(host string, port uint16, message []byte) error {
	p, err := e.Send(host, port, message, true)
	if err != nil {
		return err
	}

	deadline := time.Now().Add(e.cfg.DropTime + e.cfg.RetransmitTime)
	step := e.cfg.RetransmitTime / 4
	if step > 50*time.Millisecond {
		step = 50 * time.Millisecond
	}
	for {
		e.pump(step)
		acked, gone := e.status(p)
		switch {
		case acked:
			return nil
		case gone:
			return ErrConnectionLost
		}
		if !time.Now().Before(deadline) {
			return ErrConnectionLost
		}
	}
}

// Acked reports whether the reliable send identified by p has been
// acknowledged. A send that was declared lost reports false forever.
func (e *Endpoint) Acked(p *Pending) bool {
	acked, _ := e.status(p)
	return acked
}

func (e *Endpoint) status(p *Pending) (acked, gone bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.sent[recordKey{p.Host, p.Sequence}]
	if !ok {
		return false, true
	}
	return r.acked, false
}

// Receive returns the next deliverable message, or nil after timeout. Each
// call performs the time-based housekeeping: retransmission scan, loss
// reporting and cache expiry. Messages that become deliverable together are
// returned one per call, served from an internal queue before the links are
// polled again.
func (e *Endpoint) Receive(timeout time.Duration) (*Message, error) {
	select {
	case <-e.done:
		return nil, ErrClosed
	default:
	}

	deadline := time.Now().Add(timeout)
	for {
		if m := e.poll(time.Until(deadline), true); m != nil {
			return m, nil
		}
		if !time.Now().Before(deadline) {
			return nil, nil
		}
	}
}

// pump advances the protocol without consuming deliverable messages; they
// stay queued for the next Receive.
func (e *Endpoint) pump(wait time.Duration) {
	e.poll(wait, false)
}

// poll runs one housekeeping pass and waits up to wait for one inbound
// frame. When consume is set, a deliverable message is dequeued and
// returned.
func (e *Endpoint) poll(wait time.Duration, consume bool) *Message {
	now := time.Now()

	e.mu.Lock()
	e.housekeeping(now)
	m := e.popReady(consume)
	lost := e.takeLost()
	e.mu.Unlock()
	e.fireLost(lost)
	if m != nil {
		return m
	}

	if wait < 0 {
		wait = 0
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case f, ok := <-e.inbox:
		if !ok {
			return nil
		}
		e.mu.Lock()
		e.handleFrame(f, time.Now())
		m = e.popReady(consume)
		lost = e.takeLost()
		e.mu.Unlock()
		e.fireLost(lost)
		return m
	case <-timer.C:
		return nil
	case <-e.done:
		return nil
	}
}

func (e *Endpoint) popReady(consume bool) *Message {
	if !consume || len(e.ready) == 0 {
		return nil
	}
	m := e.ready[0]
	e.ready = e.ready[1:]
	return m
}

func (e *Endpoint) takeLost() []lostEvent {
	if len(e.lost) == 0 || e.onLost == nil {
		e.lost = nil
		return nil
	}
	lost := e.lost
	e.lost = nil
	return lost
}

func (e *Endpoint) fireLost(lost []lostEvent) {
	if e.onLost == nil {
		return
	}
	for _, ev := range lost {
		e.onLost(ev.host, ev.sequence, ev.port, ev.payload)
	}
}

// housekeeping is the protocol clock. Callers hold the lock.
func (e *Endpoint) housekeeping(now time.Time) {
	e.scanSent(now)
	e.expire(now)
}

// handleFrame decodes and dispatches one inbound frame. Callers hold the
// lock.
func (e *Endpoint) handleFrame(f link.Frame, now time.Time) {
	util.Stats.AddRecv(len(f.Data))

	p, err := packet.Decode(f.Data)
	if err != nil {
		util.Stats.AddDropped()
		util.LogDebug("dropping malformed frame: %v", err)
		return
	}

	// Dedup comes before everything else: it suppresses duplicate
	// deliveries and breaks flood relay loops.
	if _, dup := e.seen[p.ID]; dup {
		util.Stats.AddDropped()
		return
	}
	e.seen[p.ID] = now

	if p.Destination != e.host && p.Destination != packet.BroadcastHost {
		e.forward(f.Data)
		return
	}

	if p.Flags.Ack {
		e.handleAck(p)
		return
	}
	e.handlePacket(p, now)
}

// forward re-broadcasts a frame addressed to another host, verbatim and
// with its original ID, on every local link. There is no hop count; the
// dedup cache is the only thing bounding propagation.
func (e *Endpoint) forward(frame []byte) {
	for _, l := range e.links {
		if err := l.Broadcast(frame); err != nil {
			util.LogDebug("forward: %v", err)
		}
	}
	util.Stats.AddForwarded()
}

// transmit encodes and broadcasts one of our own packets. The packet's ID
// goes straight into the dedup cache so a frame looping back through the
// medium or a relay is never processed as new input.
func (e *Endpoint) transmit(p *packet.Packet) {
	data, err := packet.Encode(p)
	if err != nil {
		util.LogError("cannot encode packet for %s: %v", p.Destination, err)
		return
	}
	e.seen[p.ID] = time.Now()
	for _, l := range e.links {
		if err := l.Broadcast(data); err != nil {
			util.LogDebug("broadcast: %v", err)
		}
	}
	util.Stats.AddSent(len(p.Payload))
}

// splitPayload cuts a message into MTU-sized chunks. An empty message still
// produces one empty chunk.
func splitPayload(data []byte, mtu int) [][]byte {
	if len(data) <= mtu {
		return [][]byte{data}
	}
	chunks := make([][]byte, 0, (len(data)+mtu-1)/mtu)
	for off := 0; off < len(data); off += mtu {
		end := off + mtu
		if end > len(data) {
			end = len(data)
		}
		chunks = append(chunks, data[off:end])
	}
	return chunks
}
