//go:build linux

package console

import (
	"errors"
	"fmt"
	"net"
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

var errNotConnected = errors.New("console: socket not connected")

// baudRates maps the configured integer baud to the termios constant.
var baudRates = map[int]uint32{
	1200:   unix.B1200,
	2400:   unix.B2400,
	4800:   unix.B4800,
	9600:   unix.B9600,
	19200:  unix.B19200,
	38400:  unix.B38400,
	57600:  unix.B57600,
	115200: unix.B115200,
}

// ttyFD wraps an opened serial device file, set non-blocking, so the
// mux can drive it exactly like any other object.FD.
type ttyFD struct {
	f      *os.File
	fd     int
	closed bool
}

func openSerialDevice(device string, baud int, parity string, stop int) (*ttyFD, error) {
	f, err := os.OpenFile(device, os.O_RDWR|syscall.O_NOCTTY, 0)
	if err != nil {
		return nil, err
	}
	fd := int(f.Fd())

	if err := configureTermios(fd, baud, parity, stop); err != nil {
		f.Close()
		return nil, err
	}
	if err := syscall.SetNonblock(fd, true); err != nil {
		f.Close()
		return nil, fmt.Errorf("set nonblocking: %w", err)
	}
	return &ttyFD{f: f, fd: fd}, nil
}

func configureTermios(fd, baud int, parity string, stop int) error {
	rate, ok := baudRates[baud]
	if !ok {
		return fmt.Errorf("unsupported baud rate %d", baud)
	}
	t, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		return fmt.Errorf("get termios: %w", err)
	}

	t.Cflag &^= unix.CSIZE | unix.PARENB | unix.PARODD | unix.CSTOPB
	t.Cflag |= unix.CS8 | unix.CREAD | unix.CLOCAL
	switch parity {
	case "even":
		t.Cflag |= unix.PARENB
	case "odd":
		t.Cflag |= unix.PARENB | unix.PARODD
	case "", "none":
	default:
		return fmt.Errorf("unsupported parity %q", parity)
	}
	if stop == 2 {
		t.Cflag |= unix.CSTOPB
	}

	// Raw mode: no line discipline, no echo, no signal generation; a
	// serial console carries the remote shell's own terminal semantics.
	t.Iflag &^= unix.IGNBRK | unix.BRKINT | unix.PARMRK | unix.ISTRIP | unix.INLCR | unix.IGNCR | unix.ICRNL | unix.IXON
	t.Oflag &^= unix.OPOST
	t.Lflag &^= unix.ECHO | unix.ECHONL | unix.ICANON | unix.ISIG | unix.IEXTEN
	t.Cc[unix.VMIN] = 1
	t.Cc[unix.VTIME] = 0

	t.Ispeed = rate
	t.Ospeed = rate

	if err := unix.IoctlSetTermios(fd, unix.TCSETS, t); err != nil {
		return fmt.Errorf("set termios: %w", err)
	}
	return nil
}

// Fd reports -1 once the device has been closed, so the mux stops
// polling it rather than busy-looping on a dead descriptor. A serial
// console has no reconnect concept (unlike CONSOLE_SOCKET); once
// closed after a read failure it stays inert in the registry; a reload
// does not reopen it, since reload only adds consoles with new names.
func (t *ttyFD) Fd() int {
	if t.closed {
		return -1
	}
	return t.fd
}

func (t *ttyFD) Read(p []byte) (int, error) {
	if t.closed {
		return 0, os.ErrClosed
	}
	return syscall.Read(t.fd, p)
}

func (t *ttyFD) Write(p []byte) (int, error) {
	if t.closed {
		return 0, os.ErrClosed
	}
	return syscall.Write(t.fd, p)
}

func (t *ttyFD) Close() error {
	if t.closed {
		return nil
	}
	t.closed = true
	return t.f.Close()
}

// SendBreak transmits a serial BREAK condition, for the 'B' in-band
// escape. The mux type-asserts for this method rather than
// putting it on object.FD, since CONSOLE_SOCKET has no equivalent.
func (t *ttyFD) SendBreak() error {
	return unix.IoctlSetInt(t.fd, unix.TCSBRK, 0)
}

func connFd(conn net.Conn) int {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return -1
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return -1
	}
	fd := -1
	_ = raw.Control(func(h uintptr) {
		fd = int(h)
	})
	return fd
}
