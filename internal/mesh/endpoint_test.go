package mesh_test

import (
	"bytes"
	"math/rand"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocmesh/mnet/internal/link"
	"github.com/ocmesh/mnet/internal/mesh"
	"github.com/ocmesh/mnet/internal/packet"
)

// testConfig shrinks every protocol timer so loss and retransmission
// scenarios resolve in milliseconds.
func testConfig() mesh.Config {
	return mesh.Config{
		MTU:            64,
		RetransmitTime: 25 * time.Millisecond,
		DropTime:       250 * time.Millisecond,
		MaxSequence:    100000,
	}
}

// receiveOne polls e until a message arrives or the deadline passes.
func receiveOne(t *testing.T, e *mesh.Endpoint, timeout time.Duration) *mesh.Message {
	t.Helper()
	m, err := e.Receive(timeout)
	require.NoError(t, err)
	return m
}

// captureFrames reads n raw frames from a passive wire tap node.
func captureFrames(t *testing.T, tap *link.Memory, n int) [][]byte {
	t.Helper()
	frames := make([][]byte, 0, n)
	for len(frames) < n {
		select {
		case f := <-tap.Frames():
			frames = append(frames, f.Data)
		case <-time.After(time.Second):
			t.Fatalf("captured only %d of %d frames", len(frames), n)
		}
	}
	return frames
}

func TestRoundTripSmallMessage(t *testing.T) {
	n := link.NewNetwork()
	a := mesh.New("a", testConfig(), n.Node("a"))
	b := mesh.New("b", testConfig(), n.Node("b"))
	defer a.Close()
	defer b.Close()

	p, err := a.Send("b", 123, []byte("hello"), true)
	require.NoError(t, err)
	require.NotNil(t, p)

	m := receiveOne(t, b, time.Second)
	require.NotNil(t, m)
	assert.Equal(t, "a", m.Host)
	assert.Equal(t, uint16(123), m.Port)
	assert.Equal(t, []byte("hello"), m.Data)

	// Exactly once.
	m = receiveOne(t, b, 50*time.Millisecond)
	assert.Nil(t, m)

	// Polling the sender processes the ack.
	receiveOne(t, a, 50*time.Millisecond)
	assert.True(t, a.Acked(p))
}

func TestFragmentationRoundTrip(t *testing.T) {
	cfg := testConfig()
	cfg.MTU = 16

	n := link.NewNetwork()
	a := mesh.New("a", cfg, n.Node("a"))
	b := mesh.New("b", cfg, n.Node("b"))
	defer a.Close()
	defer b.Close()

	payload := make([]byte, 3*cfg.MTU+1)
	rand.Read(payload)

	_, err := a.Send("b", 7, payload, true)
	require.NoError(t, err)

	m := receiveOne(t, b, time.Second)
	require.NotNil(t, m)
	assert.True(t, bytes.Equal(payload, m.Data), "reassembled message differs from original")

	m = receiveOne(t, b, 50*time.Millisecond)
	assert.Nil(t, m, "fragment train delivered more than once")
}

func TestDuplicateSuppression(t *testing.T) {
	n := link.NewNetwork()
	wire := n.Node("wire")
	a := mesh.New("a", testConfig(), n.Node("a"))
	bl := n.Node("b")
	b := mesh.New("b", testConfig(), bl)
	defer a.Close()
	defer b.Close()

	_, err := a.Send("b", 1, []byte("once"), false)
	require.NoError(t, err)

	frames := captureFrames(t, wire, 1)
	m := receiveOne(t, b, time.Second)
	require.NotNil(t, m)

	// Replay the exact frame: same packet ID, so the dedup cache must
	// swallow it.
	bl.Inject(frames[0])
	m = receiveOne(t, b, 50*time.Millisecond)
	assert.Nil(t, m, "duplicate frame reached the application")
}

func TestOrderingOutOfOrderArrival(t *testing.T) {
	n := link.NewNetwork()
	wire := n.Node("wire")
	a := mesh.New("a", testConfig(), n.Node("a"))
	bl := n.Node("b")
	b := mesh.New("b", testConfig(), bl)
	defer a.Close()
	defer b.Close()

	// Cut the direct path so b only sees what the test injects.
	n.SetTap(func(from, to string, frame []byte) link.Verdict {
		if to == "b" {
			return link.Drop
		}
		return link.Deliver
	})

	for _, msg := range []string{"one", "two", "three"} {
		_, err := a.Send("b", 5, []byte(msg), true)
		require.NoError(t, err)
	}
	frames := captureFrames(t, wire, 3)

	// Arrival order S+2, S, S+1.
	bl.Inject(frames[2])
	bl.Inject(frames[0])
	bl.Inject(frames[1])

	var got []string
	for i := 0; i < 3; i++ {
		m := receiveOne(t, b, time.Second)
		require.NotNil(t, m, "delivery %d missing", i)
		got = append(got, string(m.Data))
	}
	assert.Equal(t, []string{"one", "two", "three"}, got)

	m := receiveOne(t, b, 50*time.Millisecond)
	assert.Nil(t, m, "extra delivery after reordering")
}

func TestRetransmissionRecoversSingleLoss(t *testing.T) {
	n := link.NewNetwork()
	a := mesh.New("a", testConfig(), n.Node("a"))
	b := mesh.New("b", testConfig(), n.Node("b"))
	defer a.Close()
	defer b.Close()

	// Drop only the first transmission from a to b.
	var dropped atomic.Bool
	n.SetTap(func(from, to string, frame []byte) link.Verdict {
		if from == "a" && to == "b" && dropped.CompareAndSwap(false, true) {
			return link.Drop
		}
		return link.Deliver
	})

	var lostCalls atomic.Int32
	a.OnConnectionLost(func(host string, seq uint32, port uint16, payload []byte) {
		lostCalls.Add(1)
	})

	p, err := a.Send("b", 9, []byte("persistent"), true)
	require.NoError(t, err)

	var m *mesh.Message
	deadline := time.Now().Add(2 * time.Second)
	for m == nil && time.Now().Before(deadline) {
		receiveOne(t, a, 5*time.Millisecond) // advances the retransmit clock
		m = receiveOne(t, b, 5*time.Millisecond)
	}
	require.NotNil(t, m, "message never recovered from single loss")
	assert.Equal(t, []byte("persistent"), m.Data)

	// The ack clears the pending record without a loss report.
	require.Eventually(t, func() bool {
		receiveOne(t, a, 5*time.Millisecond)
		return a.Acked(p)
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(0), lostCalls.Load())

	m = receiveOne(t, b, 50*time.Millisecond)
	assert.Nil(t, m, "retransmission caused a duplicate delivery")
}

func TestLossReportedExactlyOnce(t *testing.T) {
	n := link.NewNetwork()
	a := mesh.New("a", testConfig(), n.Node("a"))
	b := mesh.New("b", testConfig(), n.Node("b"))
	defer a.Close()
	defer b.Close()

	// The void: every copy toward b disappears.
	n.SetTap(func(from, to string, frame []byte) link.Verdict {
		if to == "b" {
			return link.Drop
		}
		return link.Deliver
	})

	type loss struct {
		host    string
		port    uint16
		payload string
	}
	var calls atomic.Int32
	var last loss
	a.OnConnectionLost(func(host string, seq uint32, port uint16, payload []byte) {
		calls.Add(1)
		last = loss{host: host, port: port, payload: string(payload)}
	})

	_, err := a.Send("b", 42, []byte("into the void"), true)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		receiveOne(t, a, 5*time.Millisecond)
		return calls.Load() > 0
	}, 2*time.Second, 5*time.Millisecond, "loss never reported")

	assert.Equal(t, loss{host: "b", port: 42, payload: "into the void"}, last)

	// Keep polling well past another drop window: no second report.
	end := time.Now().Add(2 * testConfig().DropTime)
	for time.Now().Before(end) {
		receiveOne(t, a, 5*time.Millisecond)
	}
	assert.Equal(t, int32(1), calls.Load())
}

func TestConnectionRestart(t *testing.T) {
	n := link.NewNetwork()
	al := n.Node("a1")
	a := mesh.New("a", testConfig(), al)
	b := mesh.New("b", testConfig(), n.Node("b"))
	defer b.Close()

	_, err := a.Send("b", 3, []byte("before restart"), true)
	require.NoError(t, err)
	m := receiveOne(t, b, time.Second)
	require.NotNil(t, m)
	assert.Equal(t, []byte("before restart"), m.Data)

	// The node dies and comes back: same host name, fresh state, fresh
	// syn with a new starting sequence.
	a.Close()
	al.Close()
	a2 := mesh.New("a", testConfig(), n.Node("a2"))
	defer a2.Close()

	_, err = a2.Send("b", 3, []byte("after restart"), true)
	require.NoError(t, err)

	m = receiveOne(t, b, time.Second)
	require.NotNil(t, m, "no delivery after peer restart")
	assert.Equal(t, []byte("after restart"), m.Data)

	m = receiveOne(t, b, 50*time.Millisecond)
	assert.Nil(t, m)
}

func TestReliableBroadcastRejected(t *testing.T) {
	n := link.NewNetwork()
	a := mesh.New("a", testConfig(), n.Node("a"))
	defer a.Close()

	_, err := a.Send(packet.BroadcastHost, 1, []byte("everyone ack this"), true)
	require.ErrorIs(t, err, mesh.ErrReliableBroadcast)
}

func TestUnreliableBroadcastReachesAll(t *testing.T) {
	n := link.NewNetwork()
	a := mesh.New("a", testConfig(), n.Node("a"))
	b := mesh.New("b", testConfig(), n.Node("b"))
	c := mesh.New("c", testConfig(), n.Node("c"))
	defer a.Close()
	defer b.Close()
	defer c.Close()

	_, err := a.Send(packet.BroadcastHost, 1, []byte("ping"), false)
	require.NoError(t, err)

	for _, e := range []*mesh.Endpoint{b, c} {
		m := receiveOne(t, e, time.Second)
		require.NotNil(t, m, "%s missed the broadcast", e.Host())
		assert.Equal(t, []byte("ping"), m.Data)
	}
}

func TestFloodForwarding(t *testing.T) {
	n := link.NewNetwork()
	a := mesh.New("a", testConfig(), n.Node("a"))
	r := mesh.New("r", testConfig(), n.Node("r"))
	b := mesh.New("b", testConfig(), n.Node("b"))
	defer a.Close()
	defer r.Close()
	defer b.Close()

	// a and b are out of each other's range; r hears both.
	n.SetTap(func(from, to string, frame []byte) link.Verdict {
		if (from == "a" && to == "b") || (from == "b" && to == "a") {
			return link.Drop
		}
		return link.Deliver
	})

	// The relay only forwards while it polls.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		for {
			select {
			case <-stop:
				return
			default:
				r.Receive(5 * time.Millisecond)
			}
		}
	}()

	_, err := a.Send("b", 11, []byte("over the hill"), true)
	require.NoError(t, err)

	var m *mesh.Message
	deadline := time.Now().Add(2 * time.Second)
	for m == nil && time.Now().Before(deadline) {
		receiveOne(t, a, 5*time.Millisecond)
		m = receiveOne(t, b, 5*time.Millisecond)
	}
	require.NotNil(t, m, "message never crossed the relay")
	assert.Equal(t, "a", m.Host)
	assert.Equal(t, []byte("over the hill"), m.Data)

	m = receiveOne(t, b, 50*time.Millisecond)
	assert.Nil(t, m, "flooding delivered a duplicate")
}

func TestSendWait(t *testing.T) {
	n := link.NewNetwork()
	a := mesh.New("a", testConfig(), n.Node("a"))
	b := mesh.New("b", testConfig(), n.Node("b"))
	defer a.Close()
	defer b.Close()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		for {
			select {
			case <-stop:
				return
			default:
				b.Receive(5 * time.Millisecond)
			}
		}
	}()

	require.NoError(t, a.SendWait("b", 8, []byte("confirmed")))
}

func TestSendWaitReportsLoss(t *testing.T) {
	n := link.NewNetwork()
	a := mesh.New("a", testConfig(), n.Node("a"))
	n.Node("b") // a deaf neighbor: nothing ever acks
	defer a.Close()

	start := time.Now()
	err := a.SendWait("b", 8, []byte("anyone?"))
	require.ErrorIs(t, err, mesh.ErrConnectionLost)
	assert.GreaterOrEqual(t, time.Since(start), testConfig().DropTime)
}
