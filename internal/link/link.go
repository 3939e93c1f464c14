// Package link abstracts the broadcast "radio" underneath the mesh
// transport. A link delivers discrete frames best-effort: they may be lost,
// duplicated or reordered, and carry no guarantees beyond a size limit.
//
// The protocol core never knows which adapter it runs on; fault injection
// for tests lives entirely in the adapters.
package link

import "errors"

// ErrFrameTooBig is returned by Broadcast when a frame exceeds the
// adapter's frame limit.
var ErrFrameTooBig = errors.New("frame exceeds link frame limit")

// Frame is one inbound datagram. Distance is the link's estimate of how far
// away the transmitter is (0 when the adapter cannot tell); the transport
// ignores it but applications may not.
type Frame struct {
	Data     []byte
	Distance float64
}

// Link is a single local broadcast device.
type Link interface {
	// Broadcast transmits one frame to every node in range.
	Broadcast(data []byte) error

	// Frames surfaces inbound frames. The channel is closed when the
	// link shuts down.
	Frames() <-chan Frame

	Close() error
}

// frameBufferSize is the inbound channel capacity shared by all adapters.
// A full buffer drops frames, which the transport treats as ordinary loss.
const frameBufferSize = 64
