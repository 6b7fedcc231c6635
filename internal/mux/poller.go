package mux

import (
	"time"

	"github.com/dhodovsk/conman/internal/object"
)

// Event is one readiness notification from a Poller.
type Event struct {
	Handle   object.Handle
	Readable bool
	Writable bool
	Err      bool
}

// Poller is the minimal readiness-multiplexing surface the mux needs.
// It is implemented over golang.org/x/sys/unix poll(2) in
// poller_unix.go; the interface exists so tests can drive the mux's
// distribution logic with a fake in-memory poller and no real file
// descriptors.
type Poller interface {
	// Set registers or updates interest for handle/fd: wake on
	// readable, writable, or both. fd < 0 removes any existing
	// registration for handle.
	Set(handle object.Handle, fd int, readable, writable bool) error
	// Wait blocks up to timeout for at least one registered fd to
	// become ready, or for the wake pipe to be written to. It returns
	// the set of ready handles.
	Wait(timeout time.Duration) ([]Event, error)
	// Wake causes a blocked Wait to return promptly; used to fold
	// newly attached objects or self-pipe signals into the loop
	// without waiting out the full timeout.
	Wake() error
	Close() error
}
