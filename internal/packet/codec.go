package packet

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
)

// Fixed part of the frame: ID(16) + Sequence(4) + three length bytes for the
// variable fields + Port(2). Flags, hosts and payload come on top.
const fixedHeaderSize = 16 + 4 + 1 + 1 + 1 + 2

// maxFieldLen bounds the flags and host strings, each carried behind a
// one-byte length prefix.
const maxFieldLen = 255

// Overhead returns the framing bytes a packet with the given addressing
// consumes beyond its payload. Link adapters use it to check that
// MTU-sized payloads still fit their frame limit.
func Overhead(flags Flags, destination, source string) int {
	return fixedHeaderSize + len(flags.Encode()) + len(destination) + len(source)
}

// Encode serializes a packet into a single link frame.
//
// Field order is fixed: id, sequence, flags, destination, source, port,
// payload — any peer speaking the protocol relies on it.
func Encode(p *Packet) ([]byte, error) {
	flags := p.Flags.Encode()
	if len(p.Destination) > maxFieldLen || len(p.Source) > maxFieldLen {
		return nil, fmt.Errorf("host name too long: %q -> %q", p.Source, p.Destination)
	}
	if len(flags) > maxFieldLen {
		return nil, fmt.Errorf("flag string too long: %q", flags)
	}

	buf := make([]byte, 0, fixedHeaderSize+len(flags)+len(p.Destination)+len(p.Source)+len(p.Payload))
	buf = append(buf, p.ID[:]...)
	buf = binary.BigEndian.AppendUint32(buf, p.Sequence)
	buf = append(buf, byte(len(flags)))
	buf = append(buf, flags...)
	buf = append(buf, byte(len(p.Destination)))
	buf = append(buf, p.Destination...)
	buf = append(buf, byte(len(p.Source)))
	buf = append(buf, p.Source...)
	buf = binary.BigEndian.AppendUint16(buf, p.Port)
	buf = append(buf, p.Payload...)
	return buf, nil
}

// Decode deserializes a link frame. Frames that are truncated or carry an
// unparseable flag field are rejected; callers treat that as "not for me"
// and drop silently.
func Decode(data []byte) (*Packet, error) {
	if len(data) < fixedHeaderSize {
		return nil, fmt.Errorf("frame too short: %d bytes", len(data))
	}

	p := &Packet{}
	copy(p.ID[:], data[:16])
	p.Sequence = binary.BigEndian.Uint32(data[16:20])
	off := 20

	flagStr, off, err := readString(data, off, "flags")
	if err != nil {
		return nil, err
	}
	p.Flags, err = ParseFlags(flagStr)
	if err != nil {
		return nil, err
	}

	if p.Destination, off, err = readString(data, off, "destination"); err != nil {
		return nil, err
	}
	if p.Source, off, err = readString(data, off, "source"); err != nil {
		return nil, err
	}

	if len(data) < off+2 {
		return nil, fmt.Errorf("frame truncated before port")
	}
	p.Port = binary.BigEndian.Uint16(data[off : off+2])
	off += 2

	if len(data) > off {
		p.Payload = make([]byte, len(data)-off)
		copy(p.Payload, data[off:])
	}
	return p, nil
}

// readString consumes one length-prefixed string starting at off.
func readString(data []byte, off int, field string) (string, int, error) {
	if off >= len(data) {
		return "", 0, fmt.Errorf("frame truncated before %s length", field)
	}
	n := int(data[off])
	off++
	if off+n > len(data) {
		return "", 0, fmt.Errorf("frame truncated inside %s", field)
	}
	return string(data[off : off+n]), off + n, nil
}

// NewID returns a fresh random packet ID.
func NewID() uuid.UUID {
	return uuid.New()
}
