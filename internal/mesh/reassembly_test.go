package mesh

import (
	"bytes"
	"testing"
	"time"

	"github.com/ocmesh/mnet/internal/packet"
)

func dataPacket(host string, seq uint32, flags packet.Flags, payload string) *packet.Packet {
	return &packet.Packet{
		ID:       packet.NewID(),
		Sequence: seq,
		Flags:    flags,
		Source:   host,
		Port:     2,
		Payload:  []byte(payload),
	}
}

func drainReady(e *Endpoint) []*Message {
	msgs := e.ready
	e.ready = nil
	return msgs
}

func TestUnreliableTrainReassembly(t *testing.T) {
	e := New("a", Config{})
	defer e.Close()

	now := time.Now()
	e.handlePacket(dataPacket("b", 10, packet.Flags{FragmentTotal: 3}, "aaa"), now)
	e.handlePacket(dataPacket("b", 11, packet.Flags{FragmentMore: true}, "bbb"), now)
	if got := drainReady(e); len(got) != 0 {
		t.Fatalf("delivered %d messages before the train completed", len(got))
	}

	e.handlePacket(dataPacket("b", 12, packet.Flags{}, "cc"), now)
	got := drainReady(e)
	if len(got) != 1 {
		t.Fatalf("got %d messages, want 1", len(got))
	}
	if !bytes.Equal(got[0].Data, []byte("aaabbbcc")) {
		t.Errorf("reassembled %q, want %q", got[0].Data, "aaabbbcc")
	}
	if len(e.buffered) != 0 {
		t.Errorf("%d buffered records left after reassembly", len(e.buffered))
	}
}

// A late middle fragment completes a train whose trailing packet is already
// buffered behind the gap.
func TestUnreliableTrainLateMiddle(t *testing.T) {
	e := New("a", Config{})
	defer e.Close()

	now := time.Now()
	e.handlePacket(dataPacket("b", 20, packet.Flags{FragmentTotal: 4}, "aa"), now)
	e.handlePacket(dataPacket("b", 22, packet.Flags{FragmentMore: true}, "cc"), now)
	e.handlePacket(dataPacket("b", 23, packet.Flags{}, "dd"), now)
	if got := drainReady(e); len(got) != 0 {
		t.Fatalf("incomplete train delivered %d messages", len(got))
	}

	e.handlePacket(dataPacket("b", 21, packet.Flags{FragmentMore: true}, "bb"), now)
	got := drainReady(e)
	if len(got) != 1 || !bytes.Equal(got[0].Data, []byte("aabbccdd")) {
		t.Fatalf("late middle fragment did not complete the train: %v", got)
	}
	if len(e.buffered) != 0 {
		t.Errorf("%d buffered records left after reassembly", len(e.buffered))
	}
}

func TestUnreliablePlainBypassesOrdering(t *testing.T) {
	e := New("a", Config{})
	defer e.Close()

	now := time.Now()
	e.handlePacket(dataPacket("b", 105, packet.Flags{}, "late"), now)
	e.handlePacket(dataPacket("b", 101, packet.Flags{}, "early"), now)

	got := drainReady(e)
	if len(got) != 2 {
		t.Fatalf("got %d messages, want 2", len(got))
	}
	if string(got[0].Data) != "late" || string(got[1].Data) != "early" {
		t.Error("unreliable traffic must be delivered in arrival order")
	}
}

func TestIncompleteTrainExpires(t *testing.T) {
	e := New("a", Config{DropTime: 10 * time.Millisecond})
	defer e.Close()

	old := time.Now().Add(-time.Second)
	e.handlePacket(dataPacket("b", 30, packet.Flags{FragmentTotal: 2}, "half"), old)

	e.expire(time.Now())
	if len(e.buffered) != 0 {
		t.Error("incomplete train survived past DropTime")
	}
	if got := drainReady(e); len(got) != 0 {
		t.Error("expired train must be lost silently, not delivered")
	}
}

func TestSynResetWipesBufferedPackets(t *testing.T) {
	e := New("a", Config{})
	defer e.Close()

	now := time.Now()

	// Establish a stream and leave an out-of-order packet buffered.
	e.handlePacket(dataPacket("b", 50, packet.Flags{Syn: true, Reliable: true}, "start"), now)
	e.handlePacket(dataPacket("b", 53, packet.Flags{Reliable: true}, "stray"), now)
	drainReady(e)
	if len(e.buffered) == 0 {
		t.Fatal("expected a buffered out-of-order packet")
	}

	// Peer restarts at a different sequence: buffered state must go.
	e.handlePacket(dataPacket("b", 200, packet.Flags{Syn: true, Reliable: true}, "reborn"), now)
	got := drainReady(e)
	if len(got) != 1 || string(got[0].Data) != "reborn" {
		t.Fatalf("restart packet not delivered: %v", got)
	}
	if len(e.buffered) != 0 {
		t.Error("stale buffered packets survived the restart")
	}
	if st := e.recv["b"]; st == nil || st.first != 200 || st.lastInOrder != 200 {
		t.Errorf("receive state not reset: %+v", e.recv["b"])
	}
}

// A retransmitted syn for the same first sequence must not reset the stream
// or deliver twice; it only refreshes the ack.
func TestDuplicateSynIsIdempotent(t *testing.T) {
	e := New("a", Config{})
	defer e.Close()

	now := time.Now()
	e.handlePacket(dataPacket("b", 60, packet.Flags{Syn: true, Reliable: true}, "once"), now)
	if got := drainReady(e); len(got) != 1 {
		t.Fatalf("first syn delivered %d messages, want 1", len(got))
	}

	// Retransmission: same sequence, new packet ID.
	e.handlePacket(dataPacket("b", 60, packet.Flags{Syn: true, Reliable: true}, "once"), now)
	if got := drainReady(e); len(got) != 0 {
		t.Error("retransmitted syn delivered a duplicate")
	}
	if st := e.recv["b"]; st.lastInOrder != 60 {
		t.Errorf("duplicate syn moved the cursor: %+v", st)
	}
}

func TestReliableFragmentsAckedBeforeTrainCompletes(t *testing.T) {
	e := New("a", Config{})
	defer e.Close()

	now := time.Now()
	e.handlePacket(dataPacket("b", 70, packet.Flags{Syn: true, Reliable: true, FragmentTotal: 3}, "one"), now)
	e.handlePacket(dataPacket("b", 71, packet.Flags{Reliable: true, FragmentMore: true}, "two"), now)

	if got := drainReady(e); len(got) != 0 {
		t.Fatal("partial train must never be delivered")
	}
	// The cursor advances over buffered fragments so cumulative acks keep
	// flowing while the train is in flight.
	if st := e.recv["b"]; st.lastInOrder != 71 {
		t.Errorf("cursor at %d, want 71", st.lastInOrder)
	}

	e.handlePacket(dataPacket("b", 72, packet.Flags{Reliable: true}, "three"), now)
	got := drainReady(e)
	if len(got) != 1 || string(got[0].Data) != "onetwothree" {
		t.Fatalf("train not delivered whole: %v", got)
	}
}
