package object

import (
	"bytes"
	"math/rand"
	"testing"
)

func TestRingBoundedUnderRandomAppends(t *testing.T) {
	r := NewRing(64)
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 1000; i++ {
		n := rng.Intn(40)
		buf := make([]byte, n)
		rng.Read(buf)
		r.Append(buf)
		if got := len(r.ReadableSpan()); got > r.Cap()-1 {
			t.Fatalf("readable span %d exceeds usable capacity %d", got, r.Cap()-1)
		}
		if r.Len() > r.Cap()-1 {
			t.Fatalf("Len %d exceeds usable capacity %d", r.Len(), r.Cap()-1)
		}
	}
}

func TestRingOverflowSetsDropped(t *testing.T) {
	r := NewRing(8)
	r.Append([]byte("01234567890123"))
	if !r.Dropped {
		t.Fatalf("expected overflow to set Dropped")
	}
	if r.Len() != 7 {
		t.Fatalf("expected ring holding capacity-1 (7) bytes, got %d", r.Len())
	}
	if tail := r.Tail(7); string(tail) != "7890123" {
		t.Fatalf("expected most recent 7 bytes %q, got %q", "7890123", tail)
	}
}

func TestRingAppendConsumeRoundTrip(t *testing.T) {
	r := NewRing(16)
	r.Append([]byte("hello"))
	span := r.ReadableSpan()
	if !bytes.Equal(span, []byte("hello")) {
		t.Fatalf("got %q", span)
	}
	r.Consume(len(span))
	if r.Len() != 0 {
		t.Fatalf("expected empty after consume, got %d", r.Len())
	}
	r.Append([]byte("world"))
	span = r.ReadableSpan()
	if !bytes.Equal(span, []byte("world")) {
		t.Fatalf("got %q", span)
	}
}

func TestRingTailBoundedByReplayLen(t *testing.T) {
	r := NewRing(64)
	r.Append([]byte("abcdefghij"))
	tail := r.Tail(4)
	if string(tail) != "ghij" {
		t.Fatalf("expected ghij, got %q", tail)
	}
	// requesting more than buffered returns only what exists
	tail = r.Tail(100)
	if string(tail) != "abcdefghij" {
		t.Fatalf("expected full buffer back, got %q", tail)
	}
}

func TestRingWrapAroundPreservesOrder(t *testing.T) {
	r := NewRing(8)
	r.Append([]byte("abcd"))
	r.Consume(4)
	r.Append([]byte("efghij")) // wraps past original start
	tail := r.Tail(6)
	if string(tail) != "efghij" {
		t.Fatalf("expected efghij, got %q", tail)
	}
}
