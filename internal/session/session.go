// Package session implements the per-client worker: a short-lived
// goroutine spawned per accepted connection that performs the
// greeting, parses one request line, resolves and validates consoles,
// and on success hands the live connection off to the mux as a CLIENT
// object. The worker never touches the registry again after that
// handoff.
package session

import (
	"bufio"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dhodovsk/conman/internal/mux"
	"github.com/dhodovsk/conman/internal/object"
	"github.com/dhodovsk/conman/internal/protocol"
	"github.com/dhodovsk/conman/internal/resolver"
)

// ResourceChecker reports whether the process is currently under
// enough memory/fd pressure that a new request should be refused with
// NO_RESOURCES before any other work, and counts BUSY_CONSOLES
// rejections. Package metrics' Registry implements this over gopsutil
// measurements and a Prometheus counter; nil disables both.
type ResourceChecker interface {
	IsConstrained() bool
	BusyConsoleRejected()
}

// Worker holds the dependencies shared by every session spawned off the
// listener: the object registry and mux the session hands clients to,
// and the handshake policy knobs.
type Worker struct {
	reg          *object.Registry
	mux          *mux.Mux
	log          *zap.Logger
	loopbackOnly bool
	bufSize      int
	readTimeout  time.Duration
	resources    ResourceChecker

	// dnsMu serializes reverse-DNS lookups; some platform resolvers are
	// non-reentrant.
	dnsMu sync.Mutex
}

// NewWorker constructs a session Worker. loopbackOnly gates the
// AUTHENTICATE placeholder: only loopback peers are accepted while
// real authentication remains unimplemented. resources may be nil.
func NewWorker(reg *object.Registry, m *mux.Mux, log *zap.Logger, loopbackOnly bool, bufSize int, readTimeout time.Duration, resources ResourceChecker) *Worker {
	return &Worker{reg: reg, mux: m, log: log, loopbackOnly: loopbackOnly, bufSize: bufSize, readTimeout: readTimeout, resources: resources}
}

// Handle runs one session to completion: either the connection is
// closed by this function (rejected greeting/request, validation
// failure) or the client's fd is handed to the mux and ownership
// passes there.
func (w *Worker) Handle(conn net.Conn) {
	traceID := uuid.NewString()
	remoteIP, _, _ := net.SplitHostPort(conn.RemoteAddr().String())
	logger := w.log.With(zap.String("session", traceID), zap.String("remote_ip", remoteIP))

	handedOff := false
	defer func() {
		if !handedOff {
			conn.Close()
		}
	}()

	r := bufio.NewReader(conn)

	user, err := w.readGreeting(conn, r)
	if err != nil {
		w.reject(conn, logger, "greeting", err)
		return
	}
	if w.loopbackOnly && !isLoopback(remoteIP) {
		protoErr := &protocol.ProtoError{Code: protocol.ErrAuthenticate, Message: "authentication is not implemented; only loopback clients are permitted"}
		w.reject(conn, logger, "greeting", protoErr)
		return
	}
	if _, err := writeString(conn, protocol.EncodeOK()); err != nil {
		logger.Warn("greeting ack write failed", zap.Error(err))
		return
	}

	if w.resources != nil && w.resources.IsConstrained() {
		w.reject(conn, logger, "greeting", &protocol.ProtoError{Code: protocol.ErrNoResources, Message: "Server is low on resources; try again later."})
		return
	}

	req, err := w.readRequest(conn, r)
	if err != nil {
		w.reject(conn, logger, "request", err)
		return
	}
	logger = logger.With(zap.String("user", user), zap.String("command", req.Command.String()))

	// EXECUTE is declared in the wire grammar but not implemented; it is
	// answered with its own code rather than BAD_REQUEST so a client can
	// tell "unsupported command" apart from "malformed line".
	if req.Command == protocol.CmdExecute {
		w.reject(conn, logger, "request", &protocol.ProtoError{Code: protocol.ErrLocal, Message: "EXECUTE is not implemented by this server."})
		return
	}

	patterns := req.ConsolePattern
	useRegex := req.Regex
	if req.Command == protocol.CmdQuery && len(patterns) == 0 {
		patterns = []string{".*"}
		useRegex = true
	}

	consoles, err := resolver.Resolve(patterns, useRegex, w.reg.Consoles())
	if err != nil {
		if bad, ok := err.(*resolver.ErrBadRegex); ok {
			w.reject(conn, logger, "request", &protocol.ProtoError{Code: protocol.ErrBadRegex, Message: bad.Diag})
			return
		}
		w.reject(conn, logger, "request", &protocol.ProtoError{Code: protocol.ErrBadRequest, Message: err.Error()})
		return
	}
	if len(consoles) == 0 {
		w.reject(conn, logger, "request", &protocol.ProtoError{Code: protocol.ErrNoConsoles, Message: "Found no matching consoles."})
		return
	}
	if req.Command != protocol.CmdQuery && len(consoles) > 1 && !req.Broadcast {
		w.reject(conn, logger, "request", &protocol.ProtoError{Code: protocol.ErrTooManyConsoles, Message: "Matched multiple consoles without OPTION=BROADCAST."})
		return
	}
	if req.Command == protocol.CmdConnect && !req.Force {
		if busy := busyNames(consoles); len(busy) > 0 {
			msg := fmt.Sprintf("Console(s) busy: %s", strings.Join(busy, ", "))
			w.reject(conn, logger, "request", &protocol.ProtoError{Code: protocol.ErrBusyConsoles, Message: msg})
			return
		}
	}

	resolver.SortByName(consoles)

	switch req.Command {
	case protocol.CmdQuery:
		w.handleQuery(conn, logger, consoles)
	case protocol.CmdMonitor:
		handedOff = w.handleMonitorOrConnect(conn, logger, user, remoteIP, req, consoles, false)
	case protocol.CmdConnect:
		handedOff = w.handleMonitorOrConnect(conn, logger, user, remoteIP, req, consoles, true)
	}
}

func (w *Worker) readGreeting(conn net.Conn, r *bufio.Reader) (string, error) {
	w.setReadDeadline(conn)
	line, err := r.ReadString('\n')
	if err != nil {
		return "", &protocol.ProtoError{Code: protocol.ErrBadRequest, Message: "connection closed before greeting"}
	}
	return protocol.ParseGreeting(strings.TrimRight(line, "\r\n"))
}

func (w *Worker) readRequest(conn net.Conn, r *bufio.Reader) (*protocol.Request, error) {
	w.setReadDeadline(conn)
	line, err := r.ReadString('\n')
	if err != nil {
		return nil, &protocol.ProtoError{Code: protocol.ErrBadRequest, Message: "connection closed before request"}
	}
	return protocol.ParseRequest(strings.TrimRight(line, "\r\n"))
}

// setReadDeadline bounds the handshake's two blocking line reads; a
// slow-loris peer cannot pin a session worker forever. Best-effort:
// conn may not support deadlines.
func (w *Worker) setReadDeadline(conn net.Conn) {
	if w.readTimeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(w.readTimeout))
	}
}

// reject writes an ERROR response (best-effort) and logs one line with
// the remote ip, user, and reason.
func (w *Worker) reject(conn net.Conn, logger *zap.Logger, stage string, err error) {
	if pe, ok := err.(*protocol.ProtoError); ok {
		if pe.Code == protocol.ErrBusyConsoles && w.resources != nil {
			w.resources.BusyConsoleRejected()
		}
		_, _ = writeString(conn, protocol.EncodeError(pe))
		logger.Info("session rejected", zap.String("stage", stage), zap.Int("code", int(pe.Code)), zap.String("reason", pe.Message))
		return
	}
	logger.Warn("session error", zap.String("stage", stage), zap.Error(err))
}

func (w *Worker) handleQuery(conn net.Conn, logger *zap.Logger, consoles []*object.Object) {
	if _, err := writeString(conn, protocol.EncodeOK()); err != nil {
		logger.Warn("query OK write failed", zap.Error(err))
		return
	}
	for _, c := range consoles {
		if _, err := writeString(conn, protocol.EncodeConsoleLine(c.Name)); err != nil {
			logger.Warn("query body write failed", zap.Error(err))
			return
		}
	}
	conn.Close()
}

// handleMonitorOrConnect performs the MONITOR and CONNECT actions. It
// returns true once the fd has been transferred
// into a CLIENT object and handed to the mux; from that point only
// the mux may touch it.
func (w *Worker) handleMonitorOrConnect(conn net.Conn, logger *zap.Logger, user, remoteIP string, req *protocol.Request, consoles []*object.Object, write bool) bool {
	if _, err := writeString(conn, protocol.EncodeOK()); err != nil {
		logger.Warn("OK write failed", zap.Error(err))
		return false
	}

	_ = conn.SetDeadline(time.Time{}) // the mux drives this fd non-blocking from here on
	client := w.reg.Insert(object.KindClient, user, adaptConn(conn), w.bufSize)
	client.Client = &object.ClientAttrs{
		RemoteIP:    remoteIP,
		RemoteHost:  w.reverseDNS(remoteIP),
		User:        user,
		WriteEnable: write,
		Broadcast:   req.Broadcast,
		Quiet:       req.Quiet,
		Join:        req.Join,
	}

	// The read edge (console output reaching this client) is linked by
	// the mux itself once Attach hands the client off, not here; doing
	// it on this goroutine would let a concurrent mux pass start
	// appending live console bytes to client.Out before the replay tail
	// is seeded. Only the write edge is linked
	// here, since OPTION=FORCE's BUSY_CONSOLES arbitration must resolve
	// synchronously, before the OK/ERROR response is decided.
	var writerLinked []*object.Object
	var notices []mux.JoinNotice
	rollback := func() {
		for _, c := range writerLinked {
			w.reg.Unlink(client, c)
		}
		w.reg.Remove(client.Handle)
	}

	if write {
		targets := consoles
		if !req.Broadcast {
			targets = consoles[:1]
		}
		for _, c := range targets {
			displaced, err := w.reg.LinkWriter(client, c, req.Force)
			if err != nil {
				rollback()
				w.reject(conn, logger, "link", &protocol.ProtoError{Code: protocol.ErrBusyConsoles, Message: err.Error()})
				return false
			}
			writerLinked = append(writerLinked, c)
			if displaced != 0 {
				if prior := w.reg.Get(displaced); prior != nil && prior.Client != nil && prior.Client.Join {
					notices = append(notices, mux.JoinNotice{Displaced: displaced, Console: c.Name})
				}
			}
		}
	}

	logger.Info("session attached", zap.Bool("write", write), zap.Int("consoles", len(consoles)))
	w.mux.Attach(client, consoles, notices)
	return true
}

// busyNames returns the names of consoles in the set that already have
// an exclusive writer.
func busyNames(consoles []*object.Object) []string {
	var out []string
	for _, c := range consoles {
		if c.WriterHandle() != 0 {
			out = append(out, c.Name)
		}
	}
	return out
}

// reverseDNS performs a best-effort reverse lookup, serialized behind
// dnsMu.
func (w *Worker) reverseDNS(ip string) string {
	w.dnsMu.Lock()
	defer w.dnsMu.Unlock()
	names, err := net.LookupAddr(ip)
	if err != nil || len(names) == 0 {
		return ""
	}
	return strings.TrimSuffix(names[0], ".")
}

func isLoopback(ip string) bool {
	parsed := net.ParseIP(ip)
	return parsed != nil && parsed.IsLoopback()
}

func writeString(w net.Conn, s string) (int, error) {
	return w.Write([]byte(s))
}
