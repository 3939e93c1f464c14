package mesh

import (
	"time"

	"github.com/ocmesh/mnet/internal/packet"
	"github.com/ocmesh/mnet/internal/util"
)

// peerState is the receive side of one reliable stream: the sequence the
// peer opened with and the last sequence consumed in order.
type peerState struct {
	first       uint32
	lastInOrder uint32
}

// recvRecord buffers a packet that is not yet deliverable, either because it
// arrived out of order or because it is part of an incomplete fragment
// train.
type recvRecord struct {
	receivedAt time.Time
	flags      packet.Flags
	port       uint16
	payload    []byte
}

// handlePacket feeds one non-ack packet addressed to us into the ordering
// and reassembly machinery. Callers hold the lock.
func (e *Endpoint) handlePacket(p *packet.Packet, now time.Time) {
	if !p.Flags.Reliable {
		e.handleUnreliable(p, now)
		return
	}

	host := p.Source
	st := e.recv[host]

	// A syn with an unknown sequence means the peer (re)started its
	// stream: stale buffered packets are connection state from a previous
	// life and get wiped. A syn matching the recorded first sequence is a
	// retransmission of a packet we already consumed; it falls through
	// and only refreshes the ack.
	if p.Flags.Syn && (st == nil || st.first != p.Sequence) {
		e.wipePeer(host)
		st = &peerState{first: p.Sequence, lastInOrder: e.prevSeq(p.Sequence)}
		e.recv[host] = st
	}

	e.buffered[bufferKey{host, p.Sequence, true}] = &recvRecord{
		receivedAt: now,
		flags:      p.Flags,
		port:       p.Port,
		payload:    p.Payload,
	}
	if st != nil {
		e.flushPeer(host, st)
	}
	e.sendAck(host)
}

// flushPeer advances the in-order cursor over every contiguous buffered
// packet. Fragments stay buffered while their positions are consumed; a
// non-fragment packet closes either a plain message or a whole train.
func (e *Endpoint) flushPeer(host string, st *peerState) {
	for {
		next := e.nextSeq(st.lastInOrder)
		r, ok := e.buffered[bufferKey{host, next, true}]
		if !ok {
			return
		}
		st.lastInOrder = next
		if r.flags.Fragment() {
			continue
		}
		if m, ok := e.reassemble(host, next, r, true); ok {
			e.ready = append(e.ready, m)
		}
	}
}

// handleUnreliable delivers best-effort traffic immediately, with no
// ordering guarantees. Fragments are still buffered until their train is
// contiguous and complete; a train that never completes expires silently.
func (e *Endpoint) handleUnreliable(p *packet.Packet, now time.Time) {
	host := p.Source
	rec := &recvRecord{receivedAt: now, flags: p.Flags, port: p.Port, payload: p.Payload}

	if p.Flags.Fragment() {
		e.buffered[bufferKey{host, p.Sequence, false}] = rec
		e.completeTrain(host, p.Sequence)
		return
	}

	// An unmarked packet right after buffered fragments is the trailing
	// piece of their train; anything else is a complete message on its
	// own.
	if pr, ok := e.buffered[bufferKey{host, e.prevSeq(p.Sequence), false}]; ok && pr.flags.Fragment() {
		e.buffered[bufferKey{host, p.Sequence, false}] = rec
		if m, ok := e.reassemble(host, p.Sequence, rec, false); ok {
			e.ready = append(e.ready, m)
		}
		return
	}

	e.ready = append(e.ready, &Message{Host: host, Port: p.Port, Data: p.Payload})
}

// completeTrain retries reassembly after a late fragment filled a gap: it
// walks forward to the train's buffered trailing packet, if one is already
// waiting, and reassembles from there.
func (e *Endpoint) completeTrain(host string, from uint32) {
	s := from
	for i := uint32(0); i < e.cfg.MaxSequence; i++ {
		r, ok := e.buffered[bufferKey{host, s, false}]
		if !ok {
			return
		}
		if !r.flags.Fragment() {
			if m, ok := e.reassemble(host, s, r, false); ok {
				e.ready = append(e.ready, m)
			}
			return
		}
		s = e.nextSeq(s)
	}
}

// reassemble produces the message ending at sequence last. A packet with no
// buffered fragment predecessor is its own message; otherwise it is the
// trailing piece of a train and reconstruction walks the contiguous range
// back to the head fragment, concatenates payloads in original order and
// consumes every buffered entry. A gap or a head/count mismatch leaves the
// buffer untouched: partial frames are never surfaced.
func (e *Endpoint) reassemble(host string, last uint32, rec *recvRecord, reliable bool) (*Message, bool) {
	pr, ok := e.buffered[bufferKey{host, e.prevSeq(last), reliable}]
	if !ok || !pr.flags.Fragment() {
		delete(e.buffered, bufferKey{host, last, reliable})
		return &Message{Host: host, Port: rec.port, Data: rec.payload}, true
	}

	parts := [][]byte{rec.payload}
	seqs := []uint32{last}
	s := e.prevSeq(last)
	for i := uint32(0); i < e.cfg.MaxSequence; i++ {
		r, ok := e.buffered[bufferKey{host, s, reliable}]
		if !ok || !r.flags.Fragment() {
			return nil, false
		}
		parts = append(parts, r.payload)
		seqs = append(seqs, s)
		if r.flags.FragmentTotal > 0 {
			if r.flags.FragmentTotal != len(parts) {
				util.LogDebug("fragment train from %s ends at #%d with %d pieces, head says %d",
					host, last, len(parts), r.flags.FragmentTotal)
				return nil, false
			}
			break
		}
		s = e.prevSeq(s)
	}

	size := 0
	for _, part := range parts {
		size += len(part)
	}
	data := make([]byte, 0, size)
	for i := len(parts) - 1; i >= 0; i-- {
		data = append(data, parts[i]...)
	}
	for _, q := range seqs {
		delete(e.buffered, bufferKey{host, q, reliable})
	}
	return &Message{Host: host, Port: rec.port, Data: data}, true
}

// sendAck tells host how far its reliable stream has been consumed. The ack
// is cumulative: it carries the last in-order sequence, or 0 while we have
// no state for the peer, which prompts the sender to resynchronize.
func (e *Endpoint) sendAck(host string) {
	var last uint32
	if st := e.recv[host]; st != nil {
		last = st.lastInOrder
	}
	e.transmit(&packet.Packet{
		ID:          packet.NewID(),
		Sequence:    last,
		Flags:       packet.Flags{Ack: true},
		Destination: host,
		Source:      e.host,
	})
}

// wipePeer discards every buffered record for host, both streams. Used on
// connection restart.
func (e *Endpoint) wipePeer(host string) {
	for k := range e.buffered {
		if k.host == host {
			delete(e.buffered, k)
		}
	}
}
