package session

import (
	"bufio"
	"net"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/dhodovsk/conman/internal/mux"
	"github.com/dhodovsk/conman/internal/object"
)

func newTestWorker(reg *object.Registry) *Worker {
	poller := &nopPoller{}
	m := mux.New(reg, poller, mux.DefaultConfig(), zap.NewNop(), nil)
	return NewWorker(reg, m, zap.NewNop(), false, object.MinBufSize, time.Second, nil)
}

type nopPoller struct{}

func (nopPoller) Set(object.Handle, int, bool, bool) error    { return nil }
func (nopPoller) Wait(time.Duration) ([]mux.Event, error)     { return nil, nil }
func (nopPoller) Wake() error                                 { return nil }
func (nopPoller) Close() error                                { return nil }

func TestQueryScenario(t *testing.T) {
	reg := object.NewRegistry()
	for _, n := range []string{"A", "B", "C"} {
		reg.Insert(object.KindConsoleTTY, n, nil, object.MinBufSize)
	}
	w := newTestWorker(reg)

	clientConn, serverConn := net.Pipe()
	done := make(chan struct{})
	go func() {
		w.Handle(serverConn)
		close(done)
	}()

	clientConn.SetDeadline(time.Now().Add(2 * time.Second))
	writeLine(t, clientConn, "HELLO USER='u'\n")
	r := bufio.NewReader(clientConn)
	expectLine(t, r, "OK\n")
	writeLine(t, clientConn, "QUERY\n")
	expectLine(t, r, "OK\n")
	expectLine(t, r, "A\n")
	expectLine(t, r, "B\n")
	expectLine(t, r, "C\n")

	<-done
}

func TestBusyConsoleRejectsWithoutForce(t *testing.T) {
	reg := object.NewRegistry()
	console := reg.Insert(object.KindConsoleTTY, "A", nil, object.MinBufSize)
	console.Console = &object.ConsoleTTYAttrs{}
	owner := reg.Insert(object.KindClient, "owner", nil, object.MinBufSize)
	owner.Client = &object.ClientAttrs{}
	if err := reg.Link(owner, console, true, false); err != nil {
		t.Fatalf("setup link failed: %v", err)
	}

	w := newTestWorker(reg)
	clientConn, serverConn := net.Pipe()
	done := make(chan struct{})
	go func() {
		w.Handle(serverConn)
		close(done)
	}()

	clientConn.SetDeadline(time.Now().Add(2 * time.Second))
	writeLine(t, clientConn, "HELLO USER='y'\n")
	r := bufio.NewReader(clientConn)
	expectLine(t, r, "OK\n")
	writeLine(t, clientConn, "CONNECT CONSOLE='A'\n")
	line, err := r.ReadString('\n')
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if line[:len("ERROR CODE=7")] != "ERROR CODE=7" {
		t.Fatalf("expected busy-consoles error, got %q", line)
	}
	<-done
}

func TestNonLoopbackPeerGetsAuthenticate(t *testing.T) {
	reg := object.NewRegistry()
	reg.Insert(object.KindConsoleTTY, "A", nil, object.MinBufSize)
	poller := &nopPoller{}
	m := mux.New(reg, poller, mux.DefaultConfig(), zap.NewNop(), nil)
	// loopbackOnly on; a net.Pipe peer has no loopback address
	w := NewWorker(reg, m, zap.NewNop(), true, object.MinBufSize, time.Second, nil)

	clientConn, serverConn := net.Pipe()
	done := make(chan struct{})
	go func() {
		w.Handle(serverConn)
		close(done)
	}()

	clientConn.SetDeadline(time.Now().Add(2 * time.Second))
	writeLine(t, clientConn, "HELLO USER='u'\n")
	r := bufio.NewReader(clientConn)
	line, err := r.ReadString('\n')
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if line[:len("ERROR CODE=4")] != "ERROR CODE=4" {
		t.Fatalf("expected authenticate error, got %q", line)
	}
	<-done
}

func writeLine(t *testing.T, conn net.Conn, s string) {
	t.Helper()
	if _, err := conn.Write([]byte(s)); err != nil {
		t.Fatalf("write %q: %v", s, err)
	}
}

func expectLine(t *testing.T, r *bufio.Reader, want string) {
	t.Helper()
	got, err := r.ReadString('\n')
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
}
