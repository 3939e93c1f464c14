// Package packet defines the wire format shared by every node in the mesh.
package packet

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// BroadcastHost is the wildcard destination. Packets addressed to it are
// delivered on every node that hears them and are never flood-forwarded.
const BroadcastHost = "*"

// Flags is the decoded form of a packet's flag field. On the wire the field
// is a compact token string ("s1", "r1", "a1", "f<n>"); in memory it is a
// structured set so nothing ever string-matches mid-protocol.
type Flags struct {
	Syn      bool // sender is (re)starting its sequence at this packet
	Reliable bool // receiver must acknowledge
	Ack      bool // this packet is an acknowledgment, payload empty

	// FragmentTotal is set (> 0) on the first fragment of a train and
	// carries the total fragment count. FragmentMore marks fragments that
	// are neither the first nor the last. The last fragment of a train
	// carries neither; it is recognized by its buffered predecessors.
	FragmentTotal int
	FragmentMore  bool
}

// Fragment reports whether the flags mark an explicit fragment (first or
// middle of a train).
func (f Flags) Fragment() bool {
	return f.FragmentTotal > 0 || f.FragmentMore
}

// Encode renders the flags as their wire token string.
func (f Flags) Encode() string {
	var b strings.Builder
	if f.Syn {
		b.WriteString("s1")
	}
	if f.Reliable {
		b.WriteString("r1")
	}
	if f.Ack {
		b.WriteString("a1")
	}
	switch {
	case f.FragmentTotal > 0:
		b.WriteString("f")
		b.WriteString(strconv.Itoa(f.FragmentTotal))
	case f.FragmentMore:
		b.WriteString("f0")
	}
	return b.String()
}

// ParseFlags decodes a wire token string. Tokens are a single letter followed
// by a decimal value; unknown letters are rejected so that corrupted frames
// fail loudly at the codec boundary instead of half-parsing.
func ParseFlags(s string) (Flags, error) {
	var f Flags
	for i := 0; i < len(s); {
		letter := s[i]
		i++
		j := i
		for j < len(s) && s[j] >= '0' && s[j] <= '9' {
			j++
		}
		if j == i {
			return Flags{}, fmt.Errorf("flag %q missing value in %q", letter, s)
		}
		v, err := strconv.Atoi(s[i:j])
		if err != nil {
			return Flags{}, fmt.Errorf("flag %q value: %w", letter, err)
		}
		i = j

		switch letter {
		case 's':
			f.Syn = v != 0
		case 'r':
			f.Reliable = v != 0
		case 'a':
			f.Ack = v != 0
		case 'f':
			if v == 0 {
				f.FragmentMore = true
			} else {
				f.FragmentTotal = v
			}
		default:
			return Flags{}, fmt.Errorf("unknown flag %q in %q", letter, s)
		}
	}
	return f, nil
}

// Packet is one wire unit. ID is a random dedup token regenerated on every
// (re)transmission; Sequence identifies the packet within its sender's
// per-host stream and is never 0 except on acks from an unsynchronized
// receiver.
type Packet struct {
	ID          uuid.UUID
	Sequence    uint32
	Flags       Flags
	Destination string
	Source      string
	Port        uint16
	Payload     []byte
}
