//go:build unix

package mux

import (
	"os"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/dhodovsk/conman/internal/object"
)

// unixPoller implements Poller on top of unix poll(2) rather than
// epoll: poll(2) is simpler to reason about for the
// handful-to-low-thousands of descriptors a console concentrator
// manages, and it is portable across the BSD family as well as Linux.
type unixPoller struct {
	mu    sync.Mutex
	regs  map[object.Handle]*pollReg
	wakeR *os.File
	wakeW *os.File
}

type pollReg struct {
	fd       int
	readable bool
	writable bool
}

// NewPoller creates a Poller backed by unix poll(2).
func NewPoller() (Poller, error) {
	r, w, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	if err := unix.SetNonblock(int(r.Fd()), true); err != nil {
		r.Close()
		w.Close()
		return nil, err
	}
	return &unixPoller{
		regs:  make(map[object.Handle]*pollReg),
		wakeR: r,
		wakeW: w,
	}, nil
}

func (p *unixPoller) Set(handle object.Handle, fd int, readable, writable bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if fd < 0 || (!readable && !writable) {
		delete(p.regs, handle)
		return nil
	}
	p.regs[handle] = &pollReg{fd: fd, readable: readable, writable: writable}
	return nil
}

func (p *unixPoller) Wait(timeout time.Duration) ([]Event, error) {
	p.mu.Lock()
	handles := make([]object.Handle, 0, len(p.regs))
	fds := make([]unix.PollFd, 0, len(p.regs)+1)
	for h, reg := range p.regs {
		var events int16
		if reg.readable {
			events |= unix.POLLIN
		}
		if reg.writable {
			events |= unix.POLLOUT
		}
		fds = append(fds, unix.PollFd{Fd: int32(reg.fd), Events: events})
		handles = append(handles, h)
	}
	wakeIdx := len(fds)
	fds = append(fds, unix.PollFd{Fd: int32(p.wakeR.Fd()), Events: unix.POLLIN})
	p.mu.Unlock()

	ms := int(timeout / time.Millisecond)
	if timeout < 0 {
		ms = -1
	}
	n, err := unix.Poll(fds, ms)
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}

	var events []Event
	for i, pfd := range fds {
		if pfd.Revents == 0 {
			continue
		}
		if i == wakeIdx {
			drainWake(p.wakeR)
			continue
		}
		events = append(events, Event{
			Handle:   handles[i],
			Readable: pfd.Revents&(unix.POLLIN|unix.POLLHUP|unix.POLLERR) != 0,
			Writable: pfd.Revents&unix.POLLOUT != 0,
			Err:      pfd.Revents&(unix.POLLERR|unix.POLLNVAL) != 0,
		})
	}
	return events, nil
}

func drainWake(r *os.File) {
	var buf [64]byte
	for {
		n, err := r.Read(buf[:])
		if n == 0 || err != nil {
			return
		}
	}
}

func (p *unixPoller) Wake() error {
	_, err := p.wakeW.Write([]byte{0})
	if err != nil {
		if pe, ok := err.(*os.PathError); ok && pe.Err == unix.EAGAIN {
			return nil
		}
	}
	return nil
}

func (p *unixPoller) Close() error {
	p.wakeR.Close()
	p.wakeW.Close()
	return nil
}
