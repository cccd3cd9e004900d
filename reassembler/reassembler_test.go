package reassembler

import (
	"testing"

	"tcpip-stack/bytestream"
)

func TestOutOfOrderInsertReassembles(t *testing.T) {
	stream := bytestream.New(8)
	r := New(stream)

	// The second half arrives first, marked as the last byte of the stream;
	// it can't be delivered yet because bytes [0,4) are still missing.
	r.Insert(4, []byte("efgh"), true)
	if stream.Buffered() != 0 {
		t.Fatalf("Buffered = %d, want 0 before the gap is filled", stream.Buffered())
	}
	if r.CountBytesPending() != 4 {
		t.Fatalf("CountBytesPending = %d, want 4", r.CountBytesPending())
	}

	// Filling the gap should flush both fragments and close the stream.
	r.Insert(0, []byte("abcd"), false)
	if got := string(stream.Peek()); got != "abcdefgh" {
		t.Fatalf("Peek = %q, want %q", got, "abcdefgh")
	}
	if !stream.IsClosed() {
		t.Fatal("expected stream closed once the last byte was delivered")
	}
}

func TestOverlappingFragmentsCoalesce(t *testing.T) {
	stream := bytestream.New(10)
	r := New(stream)

	r.Insert(2, []byte("cd"), false)
	r.Insert(5, []byte("fg"), false)
	r.Insert(3, []byte("de"), false) // overlaps and bridges the two pending intervals
	if r.CountBytesPending() != 5 {
		t.Fatalf("CountBytesPending = %d, want 5 (c..g coalesced)", r.CountBytesPending())
	}

	r.Insert(0, []byte("ab"), false)
	if got := string(stream.Peek()); got != "abcdefg" {
		t.Fatalf("Peek = %q, want %q", got, "abcdefg")
	}
}

func TestDuplicateBytesAreIgnored(t *testing.T) {
	stream := bytestream.New(10)
	r := New(stream)

	r.Insert(0, []byte("ab"), false)
	r.Insert(0, []byte("ab"), false) // fully consumed already, must be a no-op
	stream.Pop(2)
	if stream.Buffered() != 0 {
		t.Fatalf("Buffered = %d, want 0", stream.Buffered())
	}
}

func TestTruncationAtCapacityDropsIsLast(t *testing.T) {
	stream := bytestream.New(4)
	r := New(stream)

	// The acceptance window is only 4 bytes wide; this fragment overruns it
	// by 2 bytes, so is_last must be discarded per the truncation rule.
	r.Insert(0, []byte("abcdef"), true)
	if got := string(stream.Peek()); got != "abcd" {
		t.Fatalf("Peek = %q, want %q", got, "abcd")
	}
	if stream.IsClosed() {
		t.Fatal("stream must not close: is_last was dropped by truncation")
	}
}

func TestExactFitPreservesIsLast(t *testing.T) {
	stream := bytestream.New(4)
	r := New(stream)

	// The fragment exactly fills the acceptance window with no byte dropped,
	// so the truncation branch is not taken and is_last survives.
	r.Insert(0, []byte("abcd"), true)
	if !stream.IsClosed() {
		t.Fatal("expected stream closed: no byte was actually dropped")
	}
}

func TestDirectDeliverySubsumingPendingIntervalIsDiscardedNotSliced(t *testing.T) {
	stream := bytestream.New(5)
	// Reproduces a pending interval entirely covered by a later, larger
	// direct delivery: [start:2,len:1] is fully inside [1,5) once the byte
	// at index 0 has already been consumed. drainPending must discard it
	// rather than slice past its end.
	r := &Reassembler{
		output:       stream,
		nextIndex:    1,
		pending:      []interval{{start: 2, data: []byte("c")}},
		pendingBytes: 1,
	}

	r.Insert(0, []byte("abcde"), false)

	if got := string(stream.Peek()); got != "bcde" {
		t.Fatalf("Peek = %q, want %q", got, "bcde")
	}
	if r.CountBytesPending() != 0 {
		t.Fatalf("CountBytesPending = %d, want 0 (subsumed interval discarded)", r.CountBytesPending())
	}
}
