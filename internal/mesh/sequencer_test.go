package mesh

import "testing"

func TestSequencerAllocatesWithinRange(t *testing.T) {
	e := New("a", Config{MaxSequence: 1000})
	defer e.Close()

	seq, syn := e.nextSequence("b", true)
	if !syn {
		t.Error("first allocation for a peer must set syn")
	}
	if seq < 1 || seq > 1000 {
		t.Errorf("sequence %d outside [1, 1000]", seq)
	}

	next, syn := e.nextSequence("b", true)
	if syn {
		t.Error("second allocation must not set syn")
	}
	if want := seq%1000 + 1; next != want {
		t.Errorf("got %d, want %d", next, want)
	}
}

func TestSequencerWrapsAround(t *testing.T) {
	e := New("a", Config{MaxSequence: 5})
	defer e.Close()

	e.seqs[streamKey{host: "b", reliable: true}] = 5
	seq, syn := e.nextSequence("b", true)
	if syn {
		t.Error("existing stream must not set syn")
	}
	if seq != 1 {
		t.Errorf("wraparound: got %d, want 1", seq)
	}
}

func TestSequencerStreamsAreIndependent(t *testing.T) {
	e := New("a", Config{MaxSequence: 1000})
	defer e.Close()

	e.seqs[streamKey{host: "b", reliable: true}] = 10
	e.seqs[streamKey{host: "b", reliable: false}] = 500
	e.seqs[streamKey{host: "c", reliable: true}] = 900

	if seq, _ := e.nextSequence("b", true); seq != 11 {
		t.Errorf("reliable b: got %d, want 11", seq)
	}
	if seq, _ := e.nextSequence("b", false); seq != 501 {
		t.Errorf("unreliable b: got %d, want 501", seq)
	}
	if seq, _ := e.nextSequence("c", true); seq != 901 {
		t.Errorf("reliable c: got %d, want 901", seq)
	}
}

func TestPrevSeq(t *testing.T) {
	e := New("a", Config{MaxSequence: 100})
	defer e.Close()

	if got := e.prevSeq(2); got != 1 {
		t.Errorf("prevSeq(2) = %d, want 1", got)
	}
	if got := e.prevSeq(1); got != 100 {
		t.Errorf("prevSeq(1) = %d, want 100", got)
	}
	if got := e.nextSeq(100); got != 1 {
		t.Errorf("nextSeq(100) = %d, want 1", got)
	}
}
