// Package hub implements the WebSocket relay that bridges mesh nodes with
// no shared medium: every binary frame a node sends is fanned out to every
// other connected node, unmodified. The relay is a dumb radio repeater — it
// never parses frames, so loss, duplication and loops remain the
// transport's problem.
package hub

import (
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/ocmesh/mnet/internal/util"
)

const (
	// maxFrameSize bounds a single relayed message.
	maxFrameSize = 60 * 1024

	// clientBufferSize is the per-client outbound queue; a slow client
	// loses frames instead of stalling the rest of the mesh.
	clientBufferSize = 64
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Server is the relay. One instance serves one mesh.
type Server struct {
	listener net.Listener

	mu      sync.Mutex
	clients map[*client]struct{}
}

type client struct {
	conn   *websocket.Conn
	outbox chan []byte
}

// NewServer creates an idle relay; call Start to serve.
func NewServer() *Server {
	return &Server{clients: make(map[*client]struct{})}
}

// Start begins listening on addr (":0" picks a random port) and returns the
// assigned port number.
func (s *Server) Start(addr string) (int, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return 0, fmt.Errorf("failed to start relay: %w", err)
	}
	s.listener = listener
	port := listener.Addr().(*net.TCPAddr).Port

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)

	go func() {
		_ = http.Serve(listener, mux)
	}()

	return port, nil
}

// Close stops the listener and disconnects every client.
func (s *Server) Close() {
	if s.listener != nil {
		s.listener.Close()
	}
	s.mu.Lock()
	for c := range s.clients {
		c.conn.Close()
	}
	s.mu.Unlock()
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	conn.SetReadLimit(maxFrameSize)

	c := &client{conn: conn, outbox: make(chan []byte, clientBufferSize)}
	s.mu.Lock()
	s.clients[c] = struct{}{}
	n := len(s.clients)
	s.mu.Unlock()
	util.LogDebug("relay: node joined from %s (%d connected)", conn.RemoteAddr(), n)

	go c.writeLoop()
	s.readLoop(c)
}

// readLoop pulls frames off one client and fans them out until the
// connection dies.
func (s *Server) readLoop(c *client) {
	defer s.drop(c)
	for {
		kind, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if kind != websocket.BinaryMessage {
			continue
		}
		s.fanout(c, data)
	}
}

// fanout queues a frame on every client except the sender. A full queue
// drops the frame for that client only.
func (s *Server) fanout(from *client, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.clients {
		if c == from {
			continue
		}
		select {
		case c.outbox <- data:
		default:
			util.Stats.AddDropped()
		}
	}
	util.Stats.AddForwarded()
}

func (s *Server) drop(c *client) {
	s.mu.Lock()
	delete(s.clients, c)
	n := len(s.clients)
	s.mu.Unlock()
	close(c.outbox)
	c.conn.Close()
	util.LogDebug("relay: node left (%d connected)", n)
}

// writeLoop is the single writer for one client's connection. It exits when
// the outbox is closed by drop.
func (c *client) writeLoop() {
	for data := range c.outbox {
		if err := c.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
			return
		}
	}
}
