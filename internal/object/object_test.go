package object

import "testing"

type nopFD struct{}

func (nopFD) Fd() int                    { return -1 }
func (nopFD) Read(p []byte) (int, error) { return 0, nil }
func (nopFD) Write(p []byte) (int, error) { return len(p), nil }
func (nopFD) Close() error               { return nil }

func TestLinkUnlinkSymmetry(t *testing.T) {
	r := NewRegistry()
	console := r.Insert(KindConsoleTTY, "A", nopFD{}, MinBufSize)
	console.Console = &ConsoleTTYAttrs{Device: "/dev/ttyS0"}
	client := r.Insert(KindClient, "client1", nopFD{}, MinBufSize)

	if err := r.Link(console, client, false, false); err != nil {
		t.Fatalf("link failed: %v", err)
	}
	if !contains(console.Readers(), client.Handle) {
		t.Fatalf("console missing client as reader")
	}
	if !contains(client.Writers(), console.Handle) {
		t.Fatalf("client missing console as writer")
	}

	r.Unlink(console, client)
	if contains(console.Readers(), client.Handle) {
		t.Fatalf("console still lists client as reader after unlink")
	}
	if contains(client.Writers(), console.Handle) {
		t.Fatalf("client still lists console as writer after unlink")
	}
}

func TestExclusiveWriterRejectsSecondWithoutForce(t *testing.T) {
	r := NewRegistry()
	console := r.Insert(KindConsoleTTY, "A", nopFD{}, MinBufSize)
	console.Console = &ConsoleTTYAttrs{}
	clientX := r.Insert(KindClient, "x", nopFD{}, MinBufSize)
	clientY := r.Insert(KindClient, "y", nopFD{}, MinBufSize)

	if err := r.Link(clientX, console, true, false); err != nil {
		t.Fatalf("first writer link should succeed: %v", err)
	}
	if err := r.Link(clientY, console, true, false); err == nil {
		t.Fatalf("expected writer conflict error")
	}
	if console.Console.Writer != clientX.Handle {
		t.Fatalf("writer should still be clientX")
	}
}

func TestExclusiveWriterForceDisplaces(t *testing.T) {
	r := NewRegistry()
	console := r.Insert(KindConsoleTTY, "A", nopFD{}, MinBufSize)
	console.Console = &ConsoleTTYAttrs{}
	clientX := r.Insert(KindClient, "x", nopFD{}, MinBufSize)
	clientY := r.Insert(KindClient, "y", nopFD{}, MinBufSize)

	if err := r.Link(clientX, console, true, false); err != nil {
		t.Fatalf("first writer link should succeed: %v", err)
	}
	if err := r.Link(clientY, console, true, true); err != nil {
		t.Fatalf("forced writer link should succeed: %v", err)
	}
	if console.Console.Writer != clientY.Handle {
		t.Fatalf("writer should now be clientY, got %v", console.Console.Writer)
	}
	// clientX should have lost its write edge, though it may still monitor
	if contains(console.Writers(), clientX.Handle) {
		t.Fatalf("clientX should no longer write to console")
	}
}

func TestOrphanClientDestructionCandidate(t *testing.T) {
	r := NewRegistry()
	console := r.Insert(KindConsoleTTY, "A", nopFD{}, MinBufSize)
	console.Console = &ConsoleTTYAttrs{}
	client := r.Insert(KindClient, "x", nopFD{}, MinBufSize)

	if client.IsOrphanClient() != true {
		t.Fatalf("freshly inserted client with no links should be orphan")
	}
	r.Link(console, client, false, false)
	if client.IsOrphanClient() {
		t.Fatalf("linked client should not be orphan")
	}
	r.Unlink(console, client)
	if !client.IsOrphanClient() {
		t.Fatalf("unlinked client should be orphan again")
	}
}

func contains(hs []Handle, h Handle) bool {
	for _, x := range hs {
		if x == h {
			return true
		}
	}
	return false
}
