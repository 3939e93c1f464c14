package link

import (
	"context"
	"fmt"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/ocmesh/mnet/internal/util"
)

// maxHubFrame mirrors the relay's per-message limit.
const maxHubFrame = 60 * 1024

// Hub is a broadcast link backed by a WebSocket relay: every binary message
// sent is fanned out by the relay to every other connected node. The relay
// never echoes a frame back to its sender, but the transport does not rely
// on that.
type Hub struct {
	conn   *websocket.Conn
	wmu    sync.Mutex
	frames chan Frame

	closeOnce sync.Once
}

// DialHub connects to a relay at a ws:// or wss:// URL and starts receiving
// frames.
func DialHub(ctx context.Context, url string) (*Hub, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("cannot reach relay at %s: %w", url, err)
	}
	h := &Hub{
		conn:   conn,
		frames: make(chan Frame, frameBufferSize),
	}
	go h.readLoop()
	return h, nil
}

// Broadcast hands one frame to the relay for fan-out. Writes are serialized;
// gorilla connections allow one concurrent writer.
func (h *Hub) Broadcast(data []byte) error {
	if len(data) > maxHubFrame {
		return ErrFrameTooBig
	}
	h.wmu.Lock()
	defer h.wmu.Unlock()
	return h.conn.WriteMessage(websocket.BinaryMessage, data)
}

// Frames surfaces frames relayed from other nodes.
func (h *Hub) Frames() <-chan Frame {
	return h.frames
}

// Close tears down the relay connection and closes the frames channel.
func (h *Hub) Close() error {
	var err error
	h.closeOnce.Do(func() {
		h.wmu.Lock()
		_ = h.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		h.wmu.Unlock()
		err = h.conn.Close()
	})
	return err
}

func (h *Hub) readLoop() {
	defer close(h.frames)
	for {
		kind, data, err := h.conn.ReadMessage()
		if err != nil {
			return
		}
		if kind != websocket.BinaryMessage {
			continue
		}
		select {
		case h.frames <- Frame{Data: data}:
		default:
			util.LogDebug("hub link: inbound buffer full, dropping frame")
		}
	}
}
