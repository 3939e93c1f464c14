package mesh

import (
	"time"

	"github.com/google/uuid"

	"github.com/ocmesh/mnet/internal/packet"
	"github.com/ocmesh/mnet/internal/util"
)

// sentRecord tracks one reliable packet awaiting acknowledgment. Acked
// records linger with an emptied payload until DropTime so cumulative acks
// can still walk past them.
type sentRecord struct {
	sentAt   time.Time
	resentAt time.Time
	id       uuid.UUID
	flags    packet.Flags
	port     uint16
	payload  []byte
	acked    bool

	// needSyn forces a fresh syn on future retransmissions after the
	// resynchronization heuristic decided the peer lost its state.
	needSyn bool
}

// scanSent walks all sent records: records past DropTime are purged (with a
// loss event if still unacked), pending records past RetransmitTime are
// re-broadcast with a new packet ID but the same sequence and flags, so the
// dedup cache on the wire still lets the retransmission through.
func (e *Endpoint) scanSent(now time.Time) {
	for k, r := range e.sent {
		if now.Sub(r.sentAt) > e.cfg.DropTime {
			delete(e.sent, k)
			if !r.acked {
				e.lost = append(e.lost, lostEvent{
					host:     k.host,
					sequence: k.sequence,
					port:     r.port,
					payload:  r.payload,
				})
			}
			continue
		}
		if r.acked || now.Sub(r.resentAt) <= e.cfg.RetransmitTime {
			continue
		}

		flags := r.flags
		if r.needSyn {
			flags.Syn = true
		}
		p := &packet.Packet{
			ID:          packet.NewID(),
			Sequence:    k.sequence,
			Flags:       flags,
			Destination: k.host,
			Source:      e.host,
			Port:        r.port,
			Payload:     r.payload,
		}
		r.id = p.ID
		r.resentAt = now
		e.transmit(p)
		util.LogDebug("retransmitting %s#%d", k.host, k.sequence)
	}
}

// handleAck processes a cumulative acknowledgment from p.Source: the acked
// sequence and every contiguous unacked predecessor are marked acknowledged.
// An ack that matches no pending record means the peer lost track of us and
// triggers the resynchronization heuristic.
func (e *Endpoint) handleAck(p *packet.Packet) {
	host := p.Source
	if r, ok := e.sent[recordKey{host, p.Sequence}]; ok {
		if r.acked {
			return
		}
		s := p.Sequence
		for {
			r, ok := e.sent[recordKey{host, s}]
			if !ok || r.acked {
				return
			}
			r.acked = true
			r.payload = nil
			s = e.prevSeq(s)
		}
	}
	e.resyncPeer(host)
}

// resyncPeer flags the oldest pending record for host to carry a fresh syn
// when it is next retransmitted, on the theory that the peer restarted or
// never saw the original syn. Best effort only; an unmatched ack is never
// surfaced as an error.
func (e *Endpoint) resyncPeer(host string) {
	var (
		oldest    *sentRecord
		oldestSeq uint32
	)
	for k, r := range e.sent {
		if k.host != host || r.acked {
			continue
		}
		if oldest == nil || r.sentAt.Before(oldest.sentAt) {
			oldest = r
			oldestSeq = k.sequence
		}
	}
	if oldest != nil && !oldest.needSyn {
		oldest.needSyn = true
		util.LogDebug("unmatched ack from %s, resyncing at #%d", host, oldestSeq)
	}
}
