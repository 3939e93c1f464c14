package link

import (
	"fmt"
	"net"
	"sync"

	"github.com/ocmesh/mnet/internal/util"
)

// DefaultGroup is the multicast group a UDP link joins when the caller does
// not pick one. Every node on the same group and LAN segment hears every
// frame, which is exactly the radio model the transport expects.
const DefaultGroup = "239.77.110.116:35077"

// maxUDPFrame keeps frames inside a single datagram. Anything close to this
// will fragment at the IP layer anyway; the transport's MTU should stay far
// below it.
const maxUDPFrame = 60 * 1024

// UDP is a broadcast link over an IPv4 multicast group. Frames sent by this
// node loop back through the group on most stacks; the transport's dedup
// cache absorbs the echo.
type UDP struct {
	conn   *net.UDPConn
	group  *net.UDPAddr
	frames chan Frame

	closeOnce sync.Once
}

// ListenUDP joins the multicast group given as "addr:port" (empty selects
// DefaultGroup) and starts receiving frames.
func ListenUDP(group string) (*UDP, error) {
	if group == "" {
		group = DefaultGroup
	}
	addr, err := net.ResolveUDPAddr("udp4", group)
	if err != nil {
		return nil, fmt.Errorf("invalid multicast group %q: %w", group, err)
	}
	if !addr.IP.IsMulticast() {
		return nil, fmt.Errorf("%s is not a multicast address", addr.IP)
	}

	conn, err := net.ListenMulticastUDP("udp4", nil, addr)
	if err != nil {
		return nil, fmt.Errorf("cannot join multicast group %s: %w", addr, err)
	}
	_ = conn.SetReadBuffer(maxUDPFrame)

	u := &UDP{
		conn:   conn,
		group:  addr,
		frames: make(chan Frame, frameBufferSize),
	}
	go u.readLoop()
	return u, nil
}

// Broadcast transmits one frame to the whole group.
func (u *UDP) Broadcast(data []byte) error {
	if len(data) > maxUDPFrame {
		return ErrFrameTooBig
	}
	_, err := u.conn.WriteToUDP(data, u.group)
	return err
}

// Frames surfaces inbound datagrams.
func (u *UDP) Frames() <-chan Frame {
	return u.frames
}

// Close leaves the group and closes the frames channel.
func (u *UDP) Close() error {
	var err error
	u.closeOnce.Do(func() { err = u.conn.Close() })
	return err
}

func (u *UDP) readLoop() {
	defer close(u.frames)
	buf := make([]byte, maxUDPFrame)
	for {
		n, _, err := u.conn.ReadFromUDP(buf)
		if err != nil {
			// Closed socket or otherwise dead; either way the link
			// is done.
			return
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		select {
		case u.frames <- Frame{Data: data}:
		default:
			util.LogDebug("udp link: inbound buffer full, dropping frame")
		}
	}
}
