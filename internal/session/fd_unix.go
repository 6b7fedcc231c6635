//go:build unix

package session

import (
	"net"
	"syscall"

	"github.com/dhodovsk/conman/internal/object"
)

// rawConnFD adapts an already-accepted net.Conn to object.FD by
// extracting its underlying file descriptor once and driving reads and
// writes through raw syscalls set non-blocking, so it behaves
// correctly when registered with the unix-poll-backed mux: the mux
// performs its own readiness wait and expects EAGAIN, not Go's
// runtime-integrated blocking I/O, from each Read/Write call.
type rawConnFD struct {
	conn net.Conn
	fd   int
}

func adaptConn(conn net.Conn) object.FD {
	fd := -1
	if sc, ok := conn.(syscall.Conn); ok {
		if raw, err := sc.SyscallConn(); err == nil {
			_ = raw.Control(func(h uintptr) {
				fd = int(h)
			})
		}
	}
	if fd >= 0 {
		_ = syscall.SetNonblock(fd, true)
	}
	return &rawConnFD{conn: conn, fd: fd}
}

func (f *rawConnFD) Fd() int { return f.fd }

func (f *rawConnFD) Read(p []byte) (int, error) {
	if f.fd < 0 {
		return f.conn.Read(p)
	}
	return syscall.Read(f.fd, p)
}

func (f *rawConnFD) Write(p []byte) (int, error) {
	if f.fd < 0 {
		return f.conn.Write(p)
	}
	return syscall.Write(f.fd, p)
}

func (f *rawConnFD) Close() error {
	return f.conn.Close()
}
