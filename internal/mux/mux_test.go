package mux

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/dhodovsk/conman/internal/object"
)

// memFD is an in-memory object.FD: Read drains an input queue, Write
// appends to an output log. No real descriptor is ever opened.
type memFD struct {
	in     [][]byte
	out    bytes.Buffer
	closed bool
}

func (f *memFD) Fd() int { return 3 }

func (f *memFD) Read(p []byte) (int, error) {
	if len(f.in) == 0 {
		return 0, errEAGAIN{}
	}
	chunk := f.in[0]
	f.in = f.in[1:]
	n := copy(p, chunk)
	return n, nil
}

func (f *memFD) Write(p []byte) (int, error) {
	return f.out.Write(p)
}

func (f *memFD) Close() error {
	f.closed = true
	return nil
}

type errEAGAIN struct{}

func (errEAGAIN) Error() string   { return "resource temporarily unavailable" }
func (errEAGAIN) Timeout() bool   { return true }
func (errEAGAIN) Temporary() bool { return true }

// fakePoller drives the mux deterministically: Wait returns a
// caller-supplied batch of events once, then blocks (returns nothing)
// until the test feeds another batch via queue.
type fakePoller struct {
	sets  map[object.Handle]fakePollReg
	queue [][]Event
}

type fakePollReg struct {
	fd                 int
	readable, writable bool
}

func newFakePoller() *fakePoller {
	return &fakePoller{sets: make(map[object.Handle]fakePollReg)}
}

func (p *fakePoller) Set(h object.Handle, fd int, readable, writable bool) error {
	p.sets[h] = fakePollReg{fd, readable, writable}
	return nil
}

func (p *fakePoller) Wait(time.Duration) ([]Event, error) {
	if len(p.queue) == 0 {
		return nil, nil
	}
	next := p.queue[0]
	p.queue = p.queue[1:]
	return next, nil
}

func (p *fakePoller) Wake() error  { return nil }
func (p *fakePoller) Close() error { return nil }

func (p *fakePoller) push(evs ...Event) {
	p.queue = append(p.queue, evs)
}

func runPasses(t *testing.T, m *Mux, poller *fakePoller, n int) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	scratch := make([]byte, m.cfg.ScratchSize)
	for i := 0; i < n; i++ {
		m.drainPending()
		m.syncRegistrations()
		events, err := poller.Wait(0)
		if err != nil {
			t.Fatalf("poll: %v", err)
		}
		toRemove := m.readPass(events, scratch)
		toRemove = append(toRemove, m.writePass()...)
		m.backpressurePass()
		toRemove = append(toRemove, m.orphanSweep()...)
		m.harvest(toRemove)
		select {
		case <-ctx.Done():
			t.Fatal("test timed out")
		default:
		}
	}
}

func newTestMux() (*Mux, *object.Registry, *fakePoller) {
	reg := object.NewRegistry()
	poller := newFakePoller()
	m := New(reg, poller, Config{ReplayLen: 64, ScratchSize: 256, PollTimeout: time.Millisecond}, zap.NewNop(), nil)
	return m, reg, poller
}

func TestBroadcastAtomicWithinOnePass(t *testing.T) {
	m, reg, poller := newTestMux()
	console := reg.Insert(object.KindConsoleTTY, "A", &memFD{in: [][]byte{[]byte("hello")}}, object.MinBufSize)
	console.Console = &object.ConsoleTTYAttrs{}
	c1 := reg.Insert(object.KindClient, "c1", &memFD{}, object.MinBufSize)
	c1.Client = &object.ClientAttrs{}
	c2 := reg.Insert(object.KindClient, "c2", &memFD{}, object.MinBufSize)
	c2.Client = &object.ClientAttrs{}
	if err := reg.Link(console, c1, false, false); err != nil {
		t.Fatal(err)
	}
	if err := reg.Link(console, c2, false, false); err != nil {
		t.Fatal(err)
	}

	poller.push(Event{Handle: console.Handle, Readable: true})
	runPasses(t, m, poller, 1)
	poller.push(Event{Handle: c1.Handle, Readable: false})
	runPasses(t, m, poller, 1)

	if got := c1.FD.(*memFD).out.String(); got != "hello" {
		t.Fatalf("c1 did not receive broadcast: %q", got)
	}
	if got := c2.FD.(*memFD).out.String(); got != "hello" {
		t.Fatalf("c2 did not receive broadcast: %q", got)
	}
}

func TestExclusiveWriterKeystrokesReachConsole(t *testing.T) {
	m, reg, poller := newTestMux()
	console := reg.Insert(object.KindConsoleTTY, "A", &memFD{}, object.MinBufSize)
	console.Console = &object.ConsoleTTYAttrs{}
	client := reg.Insert(object.KindClient, "c1", &memFD{in: [][]byte{[]byte("ls\n")}}, object.MinBufSize)
	client.Client = &object.ClientAttrs{}
	if err := reg.Link(console, client, false, false); err != nil {
		t.Fatal(err)
	}
	if err := reg.Link(client, console, true, false); err != nil {
		t.Fatal(err)
	}

	poller.push(Event{Handle: client.Handle, Readable: true})
	runPasses(t, m, poller, 1)

	if got := console.FD.(*memFD).out.String(); got != "ls\n" {
		t.Fatalf("console did not receive keystrokes: %q", got)
	}
}

func TestBroadcastWriterReachesEveryConsoleOnce(t *testing.T) {
	m, reg, poller := newTestMux()
	consoleA := reg.Insert(object.KindConsoleTTY, "A", &memFD{}, object.MinBufSize)
	consoleA.Console = &object.ConsoleTTYAttrs{}
	consoleB := reg.Insert(object.KindConsoleTTY, "B", &memFD{}, object.MinBufSize)
	consoleB.Console = &object.ConsoleTTYAttrs{}
	client := reg.Insert(object.KindClient, "c1", &memFD{in: [][]byte{[]byte("x")}}, object.MinBufSize)
	client.Client = &object.ClientAttrs{Broadcast: true}
	if err := reg.Link(client, consoleA, true, false); err != nil {
		t.Fatal(err)
	}
	if err := reg.Link(client, consoleB, true, false); err != nil {
		t.Fatal(err)
	}

	poller.push(Event{Handle: client.Handle, Readable: true})
	runPasses(t, m, poller, 1)

	if got := consoleA.FD.(*memFD).out.String(); got != "x" {
		t.Fatalf("console A should receive the byte exactly once, got %q", got)
	}
	if got := consoleB.FD.(*memFD).out.String(); got != "x" {
		t.Fatalf("console B should receive the byte exactly once, got %q", got)
	}
}

func TestReplayOnAttach(t *testing.T) {
	m, reg, _ := newTestMux()
	console := reg.Insert(object.KindConsoleTTY, "A", &memFD{}, object.MinBufSize)
	console.Console = &object.ConsoleTTYAttrs{}
	console.Ring.Append([]byte("backlog-data"))

	client := reg.Insert(object.KindClient, "c1", &memFD{}, object.MinBufSize)
	client.Client = &object.ClientAttrs{}
	m.Attach(client, []*object.Object{console}, nil)
	m.drainPending()

	if got := client.Out.ReadableSpan(); !bytes.Equal(got, []byte("backlog-data")) {
		t.Fatalf("expected replay tail copied to Out, got %q", got)
	}
	if !console.HasReaders() {
		t.Fatalf("expected client linked as console reader once drained")
	}
}

func TestLogfileReceivesConsoleOutput(t *testing.T) {
	m, reg, poller := newTestMux()
	logfile := reg.Insert(object.KindLogfile, "A.log", &memFD{}, object.MinBufSize)
	logfile.Logfile = &object.LogfileAttrs{Path: "A.log"}
	console := reg.Insert(object.KindConsoleTTY, "A", &memFD{in: [][]byte{[]byte("boot ok")}}, object.MinBufSize)
	console.Console = &object.ConsoleTTYAttrs{Logfile: logfile.Handle}

	poller.push(Event{Handle: console.Handle, Readable: true})
	runPasses(t, m, poller, 1)
	poller.push(Event{Handle: logfile.Handle})
	runPasses(t, m, poller, 1)

	if got := logfile.FD.(*memFD).out.String(); got != "boot ok" {
		t.Fatalf("logfile missing console output: %q", got)
	}
}

func TestEscapeDisconnectOrphansAndHarvestsClient(t *testing.T) {
	m, reg, poller := newTestMux()
	console := reg.Insert(object.KindConsoleTTY, "A", &memFD{}, object.MinBufSize)
	console.Console = &object.ConsoleTTYAttrs{}
	fd := &memFD{in: [][]byte{{0xFF, '.'}}}
	client := reg.Insert(object.KindClient, "c1", fd, object.MinBufSize)
	client.Client = &object.ClientAttrs{}
	if err := reg.Link(console, client, false, false); err != nil {
		t.Fatal(err)
	}
	if err := reg.Link(client, console, true, false); err != nil {
		t.Fatal(err)
	}

	poller.push(Event{Handle: client.Handle, Readable: true})
	runPasses(t, m, poller, 1)

	if reg.Get(client.Handle) != nil {
		t.Fatalf("expected disconnected client to be harvested as orphan")
	}
	if !fd.closed {
		t.Fatalf("expected client fd to be closed on harvest")
	}
}

func TestBackpressureNoticeQueuedOnce(t *testing.T) {
	m, reg, _ := newTestMux()
	client := reg.Insert(object.KindClient, "c1", &memFD{}, object.MinBufSize)
	client.Client = &object.ClientAttrs{}

	big := bytes.Repeat([]byte("x"), object.MinBufSize*2)
	client.Out.Append(big)
	if !client.Out.Dropped {
		t.Fatalf("expected overflow to set Dropped")
	}

	m.backpressurePass()
	if client.Out.Dropped {
		t.Fatalf("expected Dropped cleared after notice queued")
	}
	m.backpressurePass()
	// The notice wraps past the end of the backing array, so inspect
	// every unread byte rather than only the contiguous ReadableSpan.
	span := client.Out.Tail(client.Out.Len())
	if bytes.Count(span, []byte("<ConMan>")) != 1 {
		t.Fatalf("expected exactly one notice queued, span=%q", span)
	}
}

func TestConsoleEOFDisconnectsButSurvives(t *testing.T) {
	m, reg, poller := newTestMux()
	fd := &eofFD{}
	console := reg.Insert(object.KindConsoleSocket, "A", fd, object.MinBufSize)
	console.Socket = &object.ConsoleSocketAttrs{}
	client := reg.Insert(object.KindClient, "c1", &memFD{}, object.MinBufSize)
	client.Client = &object.ClientAttrs{}
	if err := reg.Link(console, client, false, false); err != nil {
		t.Fatal(err)
	}

	poller.push(Event{Handle: console.Handle, Readable: true})
	runPasses(t, m, poller, 1)

	if reg.Get(console.Handle) == nil {
		t.Fatalf("expected CONSOLE_SOCKET to survive a read error")
	}
	if !fd.closed {
		t.Fatalf("expected the failed connection to be closed")
	}
	if console.HasReaders() {
		t.Fatalf("expected the client to be unlinked after the console read error")
	}
}

type eofFD struct{ memFD }

func (f *eofFD) Read(p []byte) (int, error) { return 0, io.EOF }

// runOnePass drives exactly the step sequence of Mux.Run's body, for
// tests that need fine-grained control over how many passes elapse
// (e.g. observing a shutdown goodbye queued in one pass and flushed in
// the next) without the real poll-timeout cadence.
func runOnePass(m *Mux, poller *fakePoller) {
	m.drainPending()
	m.syncRegistrations()
	events, _ := poller.Wait(0)
	toRemove := m.readPass(events, make([]byte, m.cfg.ScratchSize))
	toRemove = append(toRemove, m.writePass()...)
	m.backpressurePass()
	toRemove = append(toRemove, m.orphanSweep()...)
	if m.isShuttingDown() {
		m.beginDrain()
		toRemove = append(toRemove, m.drainSweep()...)
	}
	m.harvest(toRemove)
}

func TestShutdownDrainSendsGoodbyeThenHarvests(t *testing.T) {
	m, reg, poller := newTestMux()
	console := reg.Insert(object.KindConsoleTTY, "A", &memFD{}, object.MinBufSize)
	console.Console = &object.ConsoleTTYAttrs{}
	client := reg.Insert(object.KindClient, "c1", &memFD{}, object.MinBufSize)
	client.Client = &object.ClientAttrs{}
	if err := reg.Link(console, client, false, false); err != nil {
		t.Fatal(err)
	}

	m.RequestShutdown()
	runOnePass(m, poller) // goodbye queued and console unlinked, not yet flushed

	if reg.Get(client.Handle) == nil {
		t.Fatalf("client harvested before its goodbye drained")
	}
	if console.HasReaders() {
		t.Fatalf("expected client unlinked from its console once draining began")
	}

	runOnePass(m, poller) // writePass flushes the goodbye; drainSweep harvests it

	if reg.Get(client.Handle) != nil {
		t.Fatalf("expected client harvested once its goodbye had drained")
	}
	fd := client.FD.(*memFD)
	if !bytes.Contains(fd.out.Bytes(), []byte("shutting down")) {
		t.Fatalf("expected goodbye flushed to client fd, got %q", fd.out.String())
	}
}

func TestJoinNoticeBroadcastOnForceDisplacement(t *testing.T) {
	m, reg, _ := newTestMux()
	console := reg.Insert(object.KindConsoleTTY, "A", &memFD{}, object.MinBufSize)
	console.Console = &object.ConsoleTTYAttrs{}

	joined := reg.Insert(object.KindClient, "joined", &memFD{}, object.MinBufSize)
	joined.Client = &object.ClientAttrs{Join: true}
	if _, err := reg.LinkWriter(joined, console, false); err != nil {
		t.Fatal(err)
	}

	forcer := reg.Insert(object.KindClient, "forcer", &memFD{}, object.MinBufSize)
	forcer.Client = &object.ClientAttrs{}
	displaced, err := reg.LinkWriter(forcer, console, true)
	if err != nil {
		t.Fatal(err)
	}
	if displaced != joined.Handle {
		t.Fatalf("expected forcer to displace joined, got handle %v", displaced)
	}

	m.Attach(forcer, []*object.Object{console}, []JoinNotice{{Displaced: displaced, Console: console.Name}})
	m.drainPending()

	if !bytes.Contains(forcer.Out.ReadableSpan(), []byte("joined")) {
		t.Fatalf("expected join notice queued for the new writer, got %q", forcer.Out.ReadableSpan())
	}
	if !bytes.Contains(joined.Out.ReadableSpan(), []byte("joined")) {
		t.Fatalf("expected join notice queued for the displaced client, got %q", joined.Out.ReadableSpan())
	}
}
