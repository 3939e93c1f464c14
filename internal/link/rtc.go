package link

import (
	"context"
	"errors"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/ocmesh/mnet/internal/util"
)

const (
	highWaterMark = 256 * 1024 // pause sending when bufferedAmount exceeds this
	lowWaterMark  = 64 * 1024  // resume sending when bufferedAmount drops below this

	// maxRTCFrame stays under the payload size every SCTP implementation
	// accepts in one message.
	maxRTCFrame = 16 * 1024
)

// STUN servers for ICE candidate gathering. No TURN — two nodes that cannot
// hole-punch should bridge through a relay hub instead.
var stunServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
}

// RTC is a point-to-point broadcast link over a WebRTC DataChannel. The
// channel is unordered and unreliable (zero retransmits): loss and
// reordering are the transport's job, and letting SCTP retry underneath it
// would only hide the radio semantics the protocol is built for.
//
// Construction only prepares the PeerConnection; a caller must run the
// SDP/ICE exchange through the exposed signaling methods and wait on Ready
// before the link carries frames.
type RTC struct {
	pc *webrtc.PeerConnection
	dc *webrtc.DataChannel

	frames     chan Frame
	outbox     chan []byte
	drain      chan struct{}
	openSignal chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	// rmu gates inbound delivery against shutdown: pion may fire
	// OnMessage concurrently with teardown.
	rmu     sync.Mutex
	rclosed bool
}

// NewRTC creates an RTC link backed by a new PeerConnection and a
// pre-negotiated DataChannel. Negotiated mode (ID 0) lets both sides create
// the channel independently without relying on OnDataChannel.
func NewRTC(ctx context.Context) (*RTC, error) {
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: stunServers}},
	})
	if err != nil {
		return nil, err
	}

	ordered := false
	maxRetransmits := uint16(0)
	negotiated := true
	id := uint16(0)
	dc, err := pc.CreateDataChannel("mnet", &webrtc.DataChannelInit{
		Ordered:        &ordered,
		MaxRetransmits: &maxRetransmits,
		Negotiated:     &negotiated,
		ID:             &id,
	})
	if err != nil {
		pc.Close()
		return nil, err
	}

	rCtx, rCancel := context.WithCancel(ctx)
	r := &RTC{
		pc:         pc,
		dc:         dc,
		frames:     make(chan Frame, frameBufferSize),
		outbox:     make(chan []byte, frameBufferSize),
		drain:      make(chan struct{}, 1),
		openSignal: make(chan struct{}),
		ctx:        rCtx,
		cancel:     rCancel,
	}

	var openOnce sync.Once
	dc.OnOpen(func() {
		openOnce.Do(func() { close(r.openSignal) })
	})
	dc.OnClose(func() {
		util.LogDebug("rtc link: DataChannel closed")
		rCancel()
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		util.LogDebug("rtc link: PeerConnection state: %s", state.String())
	})

	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		r.rmu.Lock()
		defer r.rmu.Unlock()
		if r.rclosed {
			return
		}
		select {
		case r.frames <- Frame{Data: msg.Data}:
		default:
			util.LogDebug("rtc link: inbound buffer full, dropping frame")
		}
	})
	go func() {
		<-rCtx.Done()
		r.rmu.Lock()
		r.rclosed = true
		close(r.frames)
		r.rmu.Unlock()
	}()

	dc.SetBufferedAmountLowThreshold(uint64(lowWaterMark))
	dc.OnBufferedAmountLow(func() {
		select {
		case r.drain <- struct{}{}:
		default:
		}
	})
	go r.writeLoop()

	return r, nil
}

// Ready is closed once the DataChannel is open and the link carries frames.
func (r *RTC) Ready() <-chan struct{} {
	return r.openSignal
}

// Done is closed when the link shuts down (DataChannel closed or parent
// context cancelled).
func (r *RTC) Done() <-chan struct{} {
	return r.ctx.Done()
}

// Broadcast queues one frame for the single peer on the far side. It drops
// the frame when the queue is full rather than blocking the transport.
func (r *RTC) Broadcast(data []byte) error {
	if len(data) > maxRTCFrame {
		return ErrFrameTooBig
	}
	select {
	case r.outbox <- data:
		return nil
	case <-r.ctx.Done():
		return errors.New("rtc link closed")
	default:
		util.LogDebug("rtc link: outbox full, dropping frame")
		return nil
	}
}

// Frames surfaces inbound DataChannel messages.
func (r *RTC) Frames() <-chan Frame {
	return r.frames
}

// Close shuts down the DataChannel and PeerConnection.
func (r *RTC) Close() error {
	r.cancel()
	return errors.Join(r.dc.Close(), r.pc.Close())
}

// writeLoop is the single-writer goroutine. It waits for the DataChannel to
// open, then drains the outbox with backpressure awareness.
func (r *RTC) writeLoop() {
	select {
	case <-r.openSignal:
	case <-r.ctx.Done():
		return
	}

	for {
		select {
		case data := <-r.outbox:
			if r.dc.BufferedAmount() > uint64(highWaterMark) {
				select {
				case <-r.drain:
				case <-r.ctx.Done():
					return
				}
			}
			if err := r.dc.Send(data); err != nil {
				util.LogError("rtc link: send failed: %v", err)
				r.cancel()
				return
			}
		case <-r.ctx.Done():
			return
		}
	}
}

// ---------------------------------------------------------------------------
// Signaling surface
// ---------------------------------------------------------------------------

// CreateOffer generates an SDP offer.
func (r *RTC) CreateOffer() (webrtc.SessionDescription, error) {
	return r.pc.CreateOffer(nil)
}

// CreateAnswer generates an SDP answer.
func (r *RTC) CreateAnswer() (webrtc.SessionDescription, error) {
	return r.pc.CreateAnswer(nil)
}

// SetLocalDescription applies the local SDP.
func (r *RTC) SetLocalDescription(sdp webrtc.SessionDescription) error {
	return r.pc.SetLocalDescription(sdp)
}

// SetRemoteDescription applies the remote SDP.
func (r *RTC) SetRemoteDescription(sdp webrtc.SessionDescription) error {
	return r.pc.SetRemoteDescription(sdp)
}

// OnICECandidate registers a callback invoked for every local ICE candidate
// gathered. A nil candidate signals the end of gathering.
func (r *RTC) OnICECandidate(fn func(*webrtc.ICECandidate)) {
	r.pc.OnICECandidate(fn)
}

// AddICECandidate adds a remote ICE candidate received through signaling.
func (r *RTC) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	return r.pc.AddICECandidate(candidate)
}
