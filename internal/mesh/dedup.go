package mesh

import "time"

// expire drops dedup entries and buffered receive records older than
// DropTime. Sent records age out in scanSent. Like every other time-based
// action, this only runs while someone polls.
func (e *Endpoint) expire(now time.Time) {
	for id, t := range e.seen {
		if now.Sub(t) > e.cfg.DropTime {
			delete(e.seen, id)
		}
	}
	for k, r := range e.buffered {
		if now.Sub(r.receivedAt) > e.cfg.DropTime {
			delete(e.buffered, k)
		}
	}
}
