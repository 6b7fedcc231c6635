// Package object implements the ConMan I/O graph: typed nodes with
// ring buffers, a bidirectional readers/writers edge set, and a single
// process-wide registry that owns them all.
//
// The graph is materialized with a single owning registry keyed by a
// stable numeric handle rather than direct object-to-object pointers;
// readers and writers are sets of handles. This sidesteps reference
// cycles and makes "has this object been removed" a map lookup instead
// of a dangling-pointer check.
package object

import (
	"fmt"
	"sync"
)

// Kind is the variant tag of an Object.
type Kind int

const (
	KindListen Kind = iota
	KindClient
	KindConsoleTTY
	KindConsoleSocket
	KindLogfile
)

func (k Kind) String() string {
	switch k {
	case KindListen:
		return "LISTEN"
	case KindClient:
		return "CLIENT"
	case KindConsoleTTY:
		return "CONSOLE_TTY"
	case KindConsoleSocket:
		return "CONSOLE_SOCKET"
	case KindLogfile:
		return "LOGFILE"
	default:
		return "UNKNOWN"
	}
}

// Handle is the stable numeric identifier of an Object within a
// Registry. It remains valid (but may refer to a removed object) for
// the lifetime of the process.
type Handle uint64

// FD abstracts the minimum surface the mux needs from an open
// descriptor: a raw fd number for poller registration, and the ability
// to perform one non-blocking read or write. Real objects implement
// this over *os.File (ttys, logfiles) or net.Conn (sockets); tests
// implement it over in-memory pipes.
type FD interface {
	// Fd returns the raw OS file descriptor, or -1 if the object has no
	// backing descriptor (e.g. a CONSOLE_SOCKET mid-reconnect).
	Fd() int
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
}

// ClientAttrs holds CLIENT-specific state.
type ClientAttrs struct {
	RemoteIP     string
	RemoteHost   string // best-effort reverse DNS; may be empty
	User         string
	WriteEnable  bool
	Broadcast    bool
	Quiet        bool
	Join         bool // this client's own OPTION=JOIN, consulted if it is later displaced by FORCE
	EscState     EscapeState
	Logfile      Handle // 0 if none linked
	LogSuspended bool   // toggled by the &l escape; session logging paused
	Suspended    bool   // toggled by the &z escape; console output fan-out paused
	Draining     bool   // set once a shutdown goodbye has been queued; harvested once Out drains
}

// EscapeState is the two-state escape-sequence recognizer: idle, or
// awaiting the second byte after a leading 0xFF. Only the mux mutates
// this field.
type EscapeState int

const (
	EscIdle EscapeState = iota
	EscAwaitSecondByte
)

// ConsoleTTYAttrs holds CONSOLE_TTY-specific state.
type ConsoleTTYAttrs struct {
	Device  string
	Baud    int
	Parity  string
	Stop    int
	Logfile Handle
	Writer  Handle // exclusive writer CLIENT, 0 if none
}

// ConsoleSocketAttrs holds CONSOLE_SOCKET-specific state.
type ConsoleSocketAttrs struct {
	HostPort string
	Logfile  Handle
	Writer   Handle
	Backoff  BackoffState
}

// BackoffState tracks the bounded exponential reconnect backoff:
// starts at 1s, doubles up to 60s, resets on a successful read.
type BackoffState struct {
	CurrentSeconds int
	Connected      bool
}

// LogfileAttrs holds LOGFILE-specific state.
type LogfileAttrs struct {
	Path        string
	Timestamped bool
}

// Object is one node of the I/O graph. Each object carries two rings:
// Ring accumulates bytes most recently read from its own fd (and is the
// replay/backlog source a newly linked reader is tailed from); Out
// queues bytes fanned out from other objects' reads, awaiting a
// non-blocking write back out this object's own fd. Splitting the
// buffer in two avoids conflating a console's own output history with
// the keystroke queue inbound from its writer.
type Object struct {
	Handle Handle
	Kind   Kind
	Name   string
	FD     FD
	Ring   *Ring
	Out    *Ring

	mu      sync.Mutex
	readers map[Handle]bool
	writers map[Handle]bool

	Client  *ClientAttrs
	Console *ConsoleTTYAttrs
	Socket  *ConsoleSocketAttrs
	Logfile *LogfileAttrs
}

func newObject(h Handle, kind Kind, name string, fd FD, bufSize int) *Object {
	return &Object{
		Handle:  h,
		Kind:    kind,
		Name:    name,
		FD:      fd,
		Ring:    NewRing(bufSize),
		Out:     NewRing(bufSize),
		readers: make(map[Handle]bool),
		writers: make(map[Handle]bool),
	}
}

// Readers returns a snapshot of the handles this object writes into.
func (o *Object) Readers() []Handle {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]Handle, 0, len(o.readers))
	for h := range o.readers {
		out = append(out, h)
	}
	return out
}

// Writers returns a snapshot of the handles that write into this
// object.
func (o *Object) Writers() []Handle {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]Handle, 0, len(o.writers))
	for h := range o.writers {
		out = append(out, h)
	}
	return out
}

// Registry owns every Object in the process, guarded by a single
// mutex held only during insert/remove/link/unlink. Per-object ring
// buffers are not separately locked by Registry; only the mux touches
// them post-insertion.
type Registry struct {
	mu      sync.Mutex
	objects map[Handle]*Object
	nextID  uint64
}

// NewRegistry creates an empty, ready-to-use Registry.
func NewRegistry() *Registry {
	return &Registry{objects: make(map[Handle]*Object)}
}

// Insert creates and registers a new Object of the given kind, name,
// descriptor, and ring-buffer size, returning its handle.
func (r *Registry) Insert(kind Kind, name string, fd FD, bufSize int) *Object {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	h := Handle(r.nextID)
	obj := newObject(h, kind, name, fd, bufSize)
	r.objects[h] = obj
	return obj
}

// Get returns the object for h, or nil if it has been removed (or
// never existed). Callers (mux, session) must check for nil before
// performing I/O against a handle obtained earlier.
func (r *Registry) Get(h Handle) *Object {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.objects[h]
}

// All returns a snapshot slice of every currently registered object.
// Safe to range over without holding the registry lock; the mux uses
// this to build its readiness intent each pass.
func (r *Registry) All() []*Object {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Object, 0, len(r.objects))
	for _, o := range r.objects {
		out = append(out, o)
	}
	return out
}

// Consoles returns every CONSOLE_TTY and CONSOLE_SOCKET object, for use
// by the resolver (package resolver).
func (r *Registry) Consoles() []*Object {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Object, 0)
	for _, o := range r.objects {
		if o.Kind == KindConsoleTTY || o.Kind == KindConsoleSocket {
			out = append(out, o)
		}
	}
	return out
}

// Remove deletes h from the registry after detaching it from every
// neighbor. It is the only destruction path for an object.
func (r *Registry) Remove(h Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	obj, ok := r.objects[h]
	if !ok {
		return
	}
	for _, rh := range obj.Readers() {
		r.unlinkLocked(h, rh)
	}
	for _, wh := range obj.Writers() {
		r.unlinkLocked(wh, h)
	}
	delete(r.objects, h)
}

// ErrWriterConflict is returned by Link when a CLIENT attempts to
// become a CONSOLE's writer while another CLIENT already holds that
// role and force was not requested.
type ErrWriterConflict struct {
	Console string
}

func (e *ErrWriterConflict) Error() string {
	return fmt.Sprintf("console %q already has a writer", e.Console)
}

// Link inserts b into a's readers and a into b's writers: bytes read
// from a will be appended to b's ring. Both sides are always updated
// together so the graph never has a dangling half-edge.
//
// A console's output reaching a client is the edge Link(console,
// client, false, _): console.readers gets the client. A client's
// keystrokes reaching a console is the edge Link(client, console,
// true, force): this is the exclusive "write" edge, since a CONSOLE
// may have at most one such writer. exclusive therefore checks b, the
// CONSOLE side,
// and fails with *ErrWriterConflict when b already has a different
// writer and force is false.
func (r *Registry) Link(a, b *Object, exclusive, force bool) error {
	_, err := r.link(a, b, exclusive, force)
	return err
}

// LinkWriter is Link with exclusive=true, additionally reporting the
// handle of any writer it displaced (0 if none) so a CONNECT with
// OPTION=FORCE can detect a takeover and raise the JOIN notice for a
// displaced client that itself connected with OPTION=JOIN.
func (r *Registry) LinkWriter(a, b *Object, force bool) (Handle, error) {
	return r.link(a, b, true, force)
}

func (r *Registry) link(a, b *Object, exclusive, force bool) (Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var displaced Handle
	if exclusive {
		if cur := consoleWriter(b); cur != 0 && cur != a.Handle {
			if !force {
				return 0, &ErrWriterConflict{Console: b.Name}
			}
			r.unlinkLocked(cur, b.Handle)
			displaced = cur
		}
		setConsoleWriter(b, a.Handle)
	}

	a.mu.Lock()
	a.readers[b.Handle] = true
	a.mu.Unlock()
	b.mu.Lock()
	b.writers[a.Handle] = true
	b.mu.Unlock()
	return displaced, nil
}

// Unlink removes the directed edge a -> b (both sides). When a CONSOLE
// loses all readers and its writer it is not destroyed; consoles
// outlive sessions. When a CLIENT loses all links it
// is destroyed by the caller (see package mux), not by Unlink itself;
// Unlink only tears down edges.
func (r *Registry) Unlink(a, b *Object) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unlinkLocked(a.Handle, b.Handle)
}

func (r *Registry) unlinkLocked(aH, bH Handle) {
	a, ok := r.objects[aH]
	if ok {
		a.mu.Lock()
		delete(a.readers, bH)
		a.mu.Unlock()
		if consoleWriter(a) == bH {
			setConsoleWriter(a, 0)
		}
	}
	b, ok := r.objects[bH]
	if ok {
		b.mu.Lock()
		delete(b.writers, aH)
		b.mu.Unlock()
		if consoleWriter(b) == aH {
			setConsoleWriter(b, 0)
		}
	}
}

func consoleWriter(o *Object) Handle {
	switch o.Kind {
	case KindConsoleTTY:
		if o.Console != nil {
			return o.Console.Writer
		}
	case KindConsoleSocket:
		if o.Socket != nil {
			return o.Socket.Writer
		}
	}
	return 0
}

func setConsoleWriter(o *Object, h Handle) {
	switch o.Kind {
	case KindConsoleTTY:
		if o.Console != nil {
			o.Console.Writer = h
		}
	case KindConsoleSocket:
		if o.Socket != nil {
			o.Socket.Writer = h
		}
	}
}

// IsOrphanClient reports whether a CLIENT object has no remaining
// readers or writers and should be destroyed.
func (o *Object) IsOrphanClient() bool {
	if o.Kind != KindClient {
		return false
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.readers) == 0 && len(o.writers) == 0
}

// WriterHandle returns the exclusive writer CLIENT currently linked to
// a CONSOLE_TTY or CONSOLE_SOCKET object, or 0 if it has none.
func (o *Object) WriterHandle() Handle {
	return consoleWriter(o)
}

// ConsoleLogfile returns the LOGFILE handle linked to a CONSOLE_TTY or
// CONSOLE_SOCKET object, or 0 if none is configured.
func (o *Object) ConsoleLogfile() Handle {
	switch o.Kind {
	case KindConsoleTTY:
		if o.Console != nil {
			return o.Console.Logfile
		}
	case KindConsoleSocket:
		if o.Socket != nil {
			return o.Socket.Logfile
		}
	}
	return 0
}

// HasReaders reports whether the object currently has at least one
// reader.
func (o *Object) HasReaders() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.readers) > 0
}
