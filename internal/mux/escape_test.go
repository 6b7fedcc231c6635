package mux

import (
	"bytes"
	"testing"

	"github.com/dhodovsk/conman/internal/object"
)

func TestFilterEscapesPassesPlainBytes(t *testing.T) {
	st := object.EscIdle
	fwd, actions := FilterEscapes(&st, []byte("hello"))
	if !bytes.Equal(fwd, []byte("hello")) {
		t.Fatalf("got %q", fwd)
	}
	if len(actions) != 0 {
		t.Fatalf("unexpected actions: %v", actions)
	}
	if st != object.EscIdle {
		t.Fatalf("expected idle state, got %v", st)
	}
}

func TestFilterEscapesRecognizesBreak(t *testing.T) {
	st := object.EscIdle
	fwd, actions := FilterEscapes(&st, []byte{'a', 0xFF, 'B', 'b'})
	if !bytes.Equal(fwd, []byte("ab")) {
		t.Fatalf("expected escape stripped, got %q", fwd)
	}
	if len(actions) != 1 || actions[0] != EscBreak {
		t.Fatalf("expected single Break action, got %v", actions)
	}
}

func TestFilterEscapesDoubledFFIsLiteral(t *testing.T) {
	st := object.EscIdle
	fwd, actions := FilterEscapes(&st, []byte{0xFF, 0xFF})
	if !bytes.Equal(fwd, []byte{0xFF}) {
		t.Fatalf("expected literal 0xFF, got %v", fwd)
	}
	if len(actions) != 0 {
		t.Fatalf("unexpected actions: %v", actions)
	}
}

func TestFilterEscapesSplitAcrossChunks(t *testing.T) {
	st := object.EscIdle
	fwd1, actions1 := FilterEscapes(&st, []byte{'x', 0xFF})
	if !bytes.Equal(fwd1, []byte("x")) || len(actions1) != 0 {
		t.Fatalf("unexpected first half: %q %v", fwd1, actions1)
	}
	if st != object.EscAwaitSecondByte {
		t.Fatalf("expected to be awaiting second byte across chunk boundary")
	}
	fwd2, actions2 := FilterEscapes(&st, []byte{'Q', 'y'})
	if !bytes.Equal(fwd2, []byte("y")) {
		t.Fatalf("unexpected second half: %q", fwd2)
	}
	if len(actions2) != 1 || actions2[0] != EscToggleQuiet {
		t.Fatalf("expected ToggleQuiet action, got %v", actions2)
	}
}

func TestFilterEscapesUnknownSequenceDropped(t *testing.T) {
	st := object.EscIdle
	fwd, actions := FilterEscapes(&st, []byte{0xFF, 'X'})
	if len(fwd) != 0 || len(actions) != 0 {
		t.Fatalf("expected unrecognized escape to be silently dropped, got %q %v", fwd, actions)
	}
}
