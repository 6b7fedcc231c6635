// Package console opens the two CONSOLE variants the object model
// knows about: a local serial device (CONSOLE_TTY) and a relayed
// terminal-server socket (CONSOLE_SOCKET).
package console

import (
	"fmt"
	"net"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/dhodovsk/conman/internal/object"
)

// TTYConfig describes one configured serial console.
type TTYConfig struct {
	Name    string
	Device  string
	Baud    int
	Parity  string // "none", "even", "odd"
	Stop    int    // 1 or 2
	Logfile object.Handle
}

// SocketConfig describes one configured relayed terminal-server
// console.
type SocketConfig struct {
	Name     string
	HostPort string
	Logfile  object.Handle
}

// OpenTTY opens dev, applies the requested termios settings, and
// inserts a CONSOLE_TTY object into reg. The fd is left non-blocking
// for the mux.
func OpenTTY(reg *object.Registry, cfg TTYConfig, bufSize int, log *zap.Logger) (*object.Object, error) {
	fd, err := openSerialDevice(cfg.Device, cfg.Baud, cfg.Parity, cfg.Stop)
	if err != nil {
		return nil, fmt.Errorf("console %q: open %s: %w", cfg.Name, cfg.Device, err)
	}
	obj := reg.Insert(object.KindConsoleTTY, cfg.Name, fd, bufSize)
	obj.Console = &object.ConsoleTTYAttrs{
		Device:  cfg.Device,
		Baud:    cfg.Baud,
		Parity:  cfg.Parity,
		Stop:    cfg.Stop,
		Logfile: cfg.Logfile,
	}
	if log != nil {
		log.Info("console tty opened", zap.String("console", cfg.Name), zap.String("device", cfg.Device), zap.Int("baud", cfg.Baud))
	}
	return obj, nil
}

// socketFD adapts a net.Conn (or its absence, mid-backoff) to
// object.FD, and drives the reconnect state machine. The backoff
// counters themselves live in the owning Object's
// ConsoleSocketAttrs.Backoff; the mux drives reconnects only through
// Reconnect and never reads that state itself.
//
// Reads and writes go through the connection's raw descriptor rather
// than net.Conn's runtime-integrated blocking I/O: the mux performs its
// own readiness wait and expects EAGAIN from a drained socket, not a
// parked goroutine.
type socketFD struct {
	name        string
	hostPort    string
	conn        net.Conn
	fd          int
	backoff     *object.BackoffState
	lastAttempt time.Time
}

const (
	backoffInitial = time.Second
	backoffMax     = 60 * time.Second
)

// OpenSocket registers a CONSOLE_SOCKET object. The first connection
// attempt happens inline; subsequent reconnects are driven by Reconnect
// calls from the mux's poll-timeout tick.
func OpenSocket(reg *object.Registry, cfg SocketConfig, bufSize int, log *zap.Logger) (*object.Object, *socketFD) {
	obj := reg.Insert(object.KindConsoleSocket, cfg.Name, nil, bufSize)
	obj.Socket = &object.ConsoleSocketAttrs{
		HostPort: cfg.HostPort,
		Logfile:  cfg.Logfile,
	}
	sfd := &socketFD{name: cfg.Name, hostPort: cfg.HostPort, fd: -1, backoff: &obj.Socket.Backoff}
	sfd.tryDial(log)
	obj.FD = sfd
	return obj, sfd
}

func (s *socketFD) tryDial(log *zap.Logger) {
	s.lastAttempt = time.Now()
	conn, err := net.DialTimeout("tcp", s.hostPort, 5*time.Second)
	if err != nil {
		if log != nil {
			log.Warn("console socket dial failed", zap.String("console", s.name), zap.String("addr", s.hostPort), zap.Error(err))
		}
		s.bumpBackoff()
		return
	}
	s.conn = conn
	s.fd = connFd(conn)
	s.backoff.CurrentSeconds = 0
	s.backoff.Connected = true
}

func (s *socketFD) bumpBackoff() {
	if s.backoff.CurrentSeconds == 0 {
		s.backoff.CurrentSeconds = int(backoffInitial.Seconds())
	} else {
		s.backoff.CurrentSeconds *= 2
		if s.backoff.CurrentSeconds > int(backoffMax.Seconds()) {
			s.backoff.CurrentSeconds = int(backoffMax.Seconds())
		}
	}
	s.backoff.Connected = false
}

// Reconnect retries the dial if the backoff window has elapsed since
// the last attempt. The mux's bounded poll timeout drives calls to
// this on a regular cadence; a successful read resets
// the backoff state via NoteSuccess, and Connected short-circuits the
// check entirely while a session is live. It reports whether a dial was
// actually attempted, so callers can count reconnect attempts without
// double-counting no-op calls.
func (s *socketFD) Reconnect(log *zap.Logger) bool {
	if s.backoff.Connected {
		return false
	}
	if time.Since(s.lastAttempt) < time.Duration(s.backoff.CurrentSeconds)*time.Second {
		return false
	}
	s.tryDial(log)
	return true
}

// NoteSuccess resets backoff after a successful read.
func (s *socketFD) NoteSuccess() {
	s.backoff.CurrentSeconds = 0
	s.backoff.Connected = true
}

// Disconnect closes the live connection after a read/write failure and
// re-enters the backoff reconnect state, without the owning
// CONSOLE_SOCKET object itself being destroyed; the mux calls this
// instead of harvesting the object, since CONSOLE objects outlive
// sessions. Reconnect redials once the backoff window elapses.
func (s *socketFD) Disconnect() {
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
		s.fd = -1
	}
	s.lastAttempt = time.Now()
	s.bumpBackoff()
}

func (s *socketFD) Fd() int {
	if s.conn == nil {
		return -1
	}
	return s.fd
}

func (s *socketFD) Read(p []byte) (int, error) {
	if s.conn == nil || s.fd < 0 {
		return 0, errNotConnected
	}
	n, err := syscall.Read(s.fd, p)
	if n < 0 {
		n = 0
	}
	if err == nil && n > 0 {
		s.NoteSuccess()
	}
	return n, err
}

func (s *socketFD) Write(p []byte) (int, error) {
	if s.conn == nil || s.fd < 0 {
		return 0, errNotConnected
	}
	n, err := syscall.Write(s.fd, p)
	if n < 0 {
		n = 0
	}
	return n, err
}

func (s *socketFD) Close() error {
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	s.fd = -1
	return err
}
