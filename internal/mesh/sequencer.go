package mesh

import "math/rand"

// Each host gets two independent sequence counters, one for reliable and one
// for unreliable traffic. Counters start at a random point in the sequence
// space so a restarted endpoint opens with a syn whose sequence is almost
// certainly different from the old stream, which is what lets peers detect
// the restart.

// nextSequence allocates the next sequence number for the given stream. The
// second return value is true when this is the first allocation for the
// peer, in which case the packet must carry the syn flag.
func (e *Endpoint) nextSequence(host string, reliable bool) (uint32, bool) {
	k := streamKey{host: host, reliable: reliable}
	prev, ok := e.seqs[k]
	if !ok {
		prev = uint32(rand.Intn(int(e.cfg.MaxSequence)))
	}
	next := prev%e.cfg.MaxSequence + 1
	e.seqs[k] = next
	return next, !ok
}

// nextSeq is the successor in [1, MaxSequence], wrapping silently.
func (e *Endpoint) nextSeq(s uint32) uint32 {
	return s%e.cfg.MaxSequence + 1
}

// prevSeq is the predecessor in [1, MaxSequence].
func (e *Endpoint) prevSeq(s uint32) uint32 {
	if s <= 1 {
		return e.cfg.MaxSequence
	}
	return s - 1
}
