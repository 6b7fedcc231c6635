// Package logfile implements the LOGFILE object kind: an append-only
// destination a CONSOLE's output (and, for a CLIENT with a linked
// logfile that is not in quiet or log-suspended mode, that client's own
// traffic) is fanned out to.
package logfile

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/dhodovsk/conman/internal/object"
)

// ErrClosed is returned by Write after Close.
var ErrClosed = errors.New("logfile: write after close")

// FD implements object.FD over an append-mode file, optionally
// prefixing each Write with a timestamp. A LOGFILE never produces
// readable data of its own, so Read always errors: the mux's read pass
// skips objects whose readable intent is false, and logfiles never
// register readable interest.
type FD struct {
	path        string
	timestamped bool
	f           *os.File

	// atLineStart tracks whether the next Write begins a new line, so a
	// timestamp is only emitted once per line rather than once per
	// Write call (a single console burst may arrive in several Writes).
	atLineStart bool
}

// Open creates (or appends to) path. The file is opened immediately
// rather than deferred to first write, so a misconfigured LOGFILE path
// is reported at startup rather than silently dropping the first
// session's output.
func Open(path string, timestamped bool) (*FD, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0640)
	if err != nil {
		return nil, fmt.Errorf("logfile: open %s: %w", path, err)
	}
	return &FD{path: path, timestamped: timestamped, f: f, atLineStart: true}, nil
}

// Fd reports -1: a LOGFILE is never registered with the poller, since
// it has no readable side and writes to a regular file never block.
func (l *FD) Fd() int { return -1 }

func (l *FD) Read(p []byte) (int, error) {
	return 0, fmt.Errorf("logfile: read not supported")
}

func (l *FD) Write(p []byte) (int, error) {
	if l.f == nil {
		return 0, ErrClosed
	}
	if !l.timestamped {
		return l.f.Write(p)
	}
	return l.writeTimestamped(p)
}

func (l *FD) writeTimestamped(p []byte) (int, error) {
	written := 0
	stamp := time.Now().Format("2006-01-02 15:04:05 ")
	for len(p) > 0 {
		if l.atLineStart {
			if _, err := l.f.WriteString(stamp); err != nil {
				return written, err
			}
			l.atLineStart = false
		}
		nl := indexByte(p, '\n')
		if nl < 0 {
			n, err := l.f.Write(p)
			written += n
			return written, err
		}
		n, err := l.f.Write(p[:nl+1])
		written += n
		if err != nil {
			return written, err
		}
		l.atLineStart = true
		p = p[nl+1:]
	}
	return written, nil
}

func indexByte(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}
	return -1
}

func (l *FD) Close() error {
	if l.f == nil {
		return nil
	}
	err := l.f.Close()
	l.f = nil
	return err
}

// Install opens path and inserts a LOGFILE object into reg, returning
// its handle for use as a console's or client's Logfile field.
func Install(reg *object.Registry, name, path string, timestamped bool, bufSize int) (object.Handle, error) {
	fd, err := Open(path, timestamped)
	if err != nil {
		return 0, err
	}
	obj := reg.Insert(object.KindLogfile, name, fd, bufSize)
	obj.Logfile = &object.LogfileAttrs{Path: path, Timestamped: timestamped}
	return obj.Handle, nil
}
