// Package mux implements the single-threaded, readiness-based I/O
// multiplexer. It is the only component permitted to read or write an
// object's file descriptor or touch its ring buffers once the object
// has joined the registry.
package mux

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/dhodovsk/conman/internal/object"
)

const backpressureNotice = "\r\n<ConMan> Console output dropped; buffer overflow.\r\n"
const goodbyeNotice = "\r\n<ConMan> Server is shutting down; closing connection.\r\n"
const joinNoticeFmt = "\r\n<ConMan> Console %q write access joined.\r\n"

// Metrics is the narrow observability surface the mux drives. Package
// metrics implements it over Prometheus collectors; tests may supply a
// no-op or counting fake.
type Metrics interface {
	ObjectAttached(kind object.Kind)
	ObjectRemoved(kind object.Kind)
	BytesRouted(n int)
	BufferDropped()
	ReconnectAttempted()
}

type noopMetrics struct{}

func (noopMetrics) ObjectAttached(object.Kind) {}
func (noopMetrics) ObjectRemoved(object.Kind)  {}
func (noopMetrics) BytesRouted(int)            {}
func (noopMetrics) BufferDropped()             {}
func (noopMetrics) ReconnectAttempted()        {}

// Config bounds the mux's per-pass behavior.
type Config struct {
	ReplayLen   int           // bytes tailed from a console's Ring into a newly linked client
	ScratchSize int           // size of the stack-equivalent scratch read buffer
	PollTimeout time.Duration // bounded wait, also the CONSOLE_SOCKET reconnect tick
}

// DefaultConfig returns an 8 KiB scratch buffer and a one-second poll
// tick for reconnect sweeps.
func DefaultConfig() Config {
	return Config{
		ReplayLen:   4096,
		ScratchSize: object.MinBufSize,
		PollTimeout: time.Second,
	}
}

// JoinNotice asks the mux to raise a takeover notice once a newly
// attached CLIENT is live: the CLIENT identified by Displaced lost
// exclusive write access to Console to a CONNECT
// OPTION=FORCE, and had itself connected with OPTION=JOIN, so both
// parties are told about the takeover instead of the displaced client
// being silently demoted to a reader.
type JoinNotice struct {
	Displaced object.Handle
	Console   string
}

// pendingAttach is one object handed to Attach, still awaiting its
// first service by the mux goroutine.
type pendingAttach struct {
	obj          *object.Object
	readConsoles []*object.Object
	notices      []JoinNotice
}

// Mux owns the registry and poller and runs the single event loop.
// Session workers never touch the registry's objects directly once
// Attach has handed them off.
type Mux struct {
	reg     *object.Registry
	poller  Poller
	cfg     Config
	log     *zap.Logger
	metrics Metrics

	mu        sync.Mutex
	pending   []pendingAttach
	dropNotif map[object.Handle]bool
	shutdown  bool
}

// New constructs a Mux. metrics may be nil, in which case observations
// are discarded.
func New(reg *object.Registry, poller Poller, cfg Config, log *zap.Logger, metrics Metrics) *Mux {
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &Mux{
		reg:       reg,
		poller:    poller,
		cfg:       cfg,
		log:       log,
		metrics:   metrics,
		dropNotif: make(map[object.Handle]bool),
	}
}

// Attach hands a newly created CLIENT object to the mux after a
// successful handshake. readConsoles are the consoles the client
// should become a reader of (its replay tail is seeded first); notices
// are any JOIN takeovers session.go detected while establishing write
// edges. Both the read-edge linking and the replay-tail copy happen on
// the mux goroutine itself (see drainPending/seedReplay), never here;
// the client may already be a registered, exclusive writer of a
// console by the time Attach is called, and only the mux may safely
// touch a registered object's ring.
func (m *Mux) Attach(obj *object.Object, readConsoles []*object.Object, notices []JoinNotice) {
	m.mu.Lock()
	m.pending = append(m.pending, pendingAttach{obj: obj, readConsoles: readConsoles, notices: notices})
	m.mu.Unlock()
	m.metrics.ObjectAttached(obj.Kind)
	_ = m.poller.Wake()
}

// RequestShutdown marks the mux for a graceful drain: every live
// CLIENT is queued a synthetic goodbye, unlinked from its consoles,
// and harvested once that goodbye has fully flushed. Run returns once
// no CLIENT objects remain.
func (m *Mux) RequestShutdown() {
	m.mu.Lock()
	m.shutdown = true
	m.mu.Unlock()
	_ = m.poller.Wake()
}

func (m *Mux) isShuttingDown() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.shutdown
}

// Run executes the multiplexer loop until, after a shutdown has been
// requested (explicitly via RequestShutdown, or implicitly by ctx being
// canceled), no CLIENT objects remain. Each iteration is one pass:
// build intent, wait for readiness, read and distribute, drain rings,
// harvest the dead. The drain pass is folded in once shutdown begins.
func (m *Mux) Run(ctx context.Context) error {
	scratch := make([]byte, m.cfg.ScratchSize)
	for {
		if ctx.Err() != nil {
			m.RequestShutdown()
		}

		m.drainPending()
		m.syncRegistrations()

		events, err := m.poller.Wait(m.cfg.PollTimeout)
		if err != nil {
			// Unrecoverable mux error: flush what the logfile rings hold
			// before aborting, so no captured console output is lost.
			m.flushLogfiles()
			return fmt.Errorf("mux: poll wait: %w", err)
		}

		toRemove := m.readPass(events, scratch)
		toRemove = append(toRemove, m.writePass()...)
		m.backpressurePass()
		toRemove = append(toRemove, m.orphanSweep()...)

		if m.isShuttingDown() {
			m.beginDrain()
			toRemove = append(toRemove, m.drainSweep()...)
		}

		m.harvest(toRemove)
		m.reconnectSweep()

		if m.isShuttingDown() && !m.anyClientsRemain() {
			return nil
		}
	}
}

func (m *Mux) drainPending() {
	m.mu.Lock()
	pending := m.pending
	m.pending = nil
	m.mu.Unlock()
	for _, p := range pending {
		m.seedReplay(p.obj, p.readConsoles)
		m.linkReaders(p.obj, p.readConsoles)
		m.raiseJoinNotices(p.obj, p.notices)
		m.registerOne(p.obj)
	}
}

// seedReplay copies each console's replay tail into obj's Out ring
// before obj is linked as that console's reader: a newly linked
// client's first bytes are at most min(B, replay_len) of backlog,
// strictly before any live byte. Seed-then-link runs synchronously on
// the mux goroutine, with no other goroutine touching the registry's
// link edges in between, so no live byte can slip in ahead of the
// backlog.
func (m *Mux) seedReplay(obj *object.Object, readConsoles []*object.Object) {
	seen := make(map[object.Handle]bool, len(readConsoles)+len(obj.Writers()))
	for _, c := range readConsoles {
		if seen[c.Handle] {
			continue
		}
		seen[c.Handle] = true
		if tail := c.Ring.Tail(m.cfg.ReplayLen); len(tail) > 0 {
			obj.Out.Append(tail)
		}
	}
	// A console already linked as a source of obj (an existing
	// console -> client read edge) also has its replay tail seeded, in
	// case it wasn't also passed in readConsoles. Write edges made in
	// session.go point the other way and are not visited here.
	for _, h := range obj.Writers() {
		if seen[h] {
			continue
		}
		src := m.reg.Get(h)
		if src == nil || (src.Kind != object.KindConsoleTTY && src.Kind != object.KindConsoleSocket) {
			continue
		}
		if tail := src.Ring.Tail(m.cfg.ReplayLen); len(tail) > 0 {
			obj.Out.Append(tail)
		}
	}
}

func (m *Mux) linkReaders(obj *object.Object, readConsoles []*object.Object) {
	for _, c := range readConsoles {
		_ = m.reg.Link(c, obj, false, false) // exclusive=false never errors
	}
}

// raiseJoinNotices queues the synthetic takeover message into both the
// new writer's Out and the displaced client's Out. Both appends happen
// here, on the mux goroutine, since the
// displaced client is already a live, registered object.
func (m *Mux) raiseJoinNotices(obj *object.Object, notices []JoinNotice) {
	for _, n := range notices {
		msg := []byte(fmt.Sprintf(joinNoticeFmt, n.Console))
		obj.Out.Append(msg)
		if prior := m.reg.Get(n.Displaced); prior != nil {
			prior.Out.Append(msg)
		}
	}
}

// syncRegistrations refreshes poller interest for every live object:
// readable intent requires an open fd, writable intent requires unread
// bytes in Out. This mux always
// requests readable for a valid fd rather than gating on reader free
// space: Ring's overflow semantics (drop oldest, raise Dropped) make
// that gate a throughput optimization rather than a correctness
// requirement, and skipping it keeps a console's own replay backlog
// fresh even while it has zero current readers.
func (m *Mux) syncRegistrations() {
	for _, o := range m.reg.All() {
		m.registerOne(o)
	}
}

func (m *Mux) registerOne(o *object.Object) {
	if o.Kind == object.KindListen {
		return
	}
	fd := -1
	if o.FD != nil {
		fd = o.FD.Fd()
	}
	readable := fd >= 0 && o.Kind != object.KindLogfile
	writable := fd >= 0 && o.Out.Len() > 0
	_ = m.poller.Set(o.Handle, fd, readable, writable)
}

func (m *Mux) readPass(events []Event, scratch []byte) []object.Handle {
	var toRemove []object.Handle
	for _, ev := range events {
		if !ev.Readable && !ev.Err {
			continue
		}
		o := m.reg.Get(ev.Handle)
		if o == nil || o.FD == nil {
			continue
		}
		n, err := o.FD.Read(scratch)
		if n > 0 {
			data := make([]byte, n)
			copy(data, scratch[:n])
			m.distribute(o, data)
			m.metrics.BytesRouted(n)
		}
		if err != nil {
			if isWouldBlock(err) {
				continue
			}
			m.handleIOFailure(o, &toRemove)
			continue
		}
		if n == 0 {
			m.handleIOFailure(o, &toRemove)
		}
	}
	return toRemove
}

// handleIOFailure applies the console-vs-client distinction on a fatal
// read/write error: a CLIENT is destroyed (appended to toRemove for
// harvest), while a CONSOLE_TTY/CONSOLE_SOCKET instead has every
// reader/writer unlinked and is disconnected into (or left in, for a
// tty) an inert or reconnecting state. The console object itself
// outlives the failure; consoles outlive sessions.
func (m *Mux) handleIOFailure(o *object.Object, toRemove *[]object.Handle) {
	switch o.Kind {
	case object.KindConsoleTTY, object.KindConsoleSocket:
		m.disconnectConsole(o)
	default:
		*toRemove = append(*toRemove, o.Handle)
	}
}

// disconnector is implemented by CONSOLE_SOCKET's FD and nothing else:
// closing the live connection and re-entering the backoff reconnect
// state, without destroying the owning object.
type disconnector interface {
	Disconnect()
}

// disconnectConsole unlinks every neighbor of a CONSOLE after a fatal
// read/write failure, without removing the object from the registry.
// CONSOLE_SOCKET additionally disconnects into the bounded backoff
// state that reconnectSweep drives back to life; a CONSOLE_TTY has no
// reconnect concept, so its fd is simply closed and the object stays
// inert in the registry.
func (m *Mux) disconnectConsole(o *object.Object) {
	for _, h := range append(o.Readers(), o.Writers()...) {
		if peer := m.reg.Get(h); peer != nil {
			m.reg.Unlink(o, peer)
			m.reg.Unlink(peer, o)
		}
	}
	_ = m.poller.Set(o.Handle, -1, false, false)
	if d, ok := o.FD.(disconnector); ok {
		d.Disconnect()
		return
	}
	if o.FD != nil {
		_ = o.FD.Close()
	}
}

// distribute appends bytes read from o to every destination's Out ring
// within this single call, before any destination's ring is drained;
// drains only happen in the subsequent writePass, which keeps a
// broadcast atomic per chunk.
func (m *Mux) distribute(o *object.Object, data []byte) {
	o.Ring.Append(data) // own backlog/replay source

	switch o.Kind {
	case object.KindClient:
		m.distributeFromClient(o, data)
	case object.KindConsoleTTY, object.KindConsoleSocket:
		m.distributeFromConsole(o, data)
	}
}

func (m *Mux) distributeFromClient(client *object.Object, data []byte) {
	forward, actions := FilterEscapes(&client.Client.EscState, data)
	for _, act := range actions {
		m.handleEscapeAction(client, act)
	}
	if len(forward) > 0 {
		for _, h := range client.Readers() { // consoles this client writes into
			dst := m.reg.Get(h)
			if dst == nil {
				continue
			}
			dst.Out.Append(forward)
		}
		if client.Client.Logfile != 0 && !client.Client.Quiet && !client.Client.LogSuspended {
			if lf := m.reg.Get(client.Client.Logfile); lf != nil {
				lf.Out.Append(forward)
			}
		}
	}
}

// handleEscapeAction applies the effect of one recognized in-band
// escape sequence. BREAK is forwarded to every
// console the client currently writes into; the rest mutate session
// state or inject a message into the client's own Out ring.
func (m *Mux) handleEscapeAction(client *object.Object, act EscapeAction) {
	switch act {
	case EscBreak:
		for _, h := range client.Readers() {
			console := m.reg.Get(h)
			if console == nil {
				continue
			}
			if b, ok := console.FD.(interface{ SendBreak() error }); ok {
				if err := b.SendBreak(); err != nil && m.log != nil {
					m.log.Warn("send break failed", zap.String("console", console.Name), zap.Error(err))
				}
			}
		}
	case EscDisconnect:
		for _, h := range append(client.Readers(), client.Writers()...) {
			if peer := m.reg.Get(h); peer != nil {
				m.reg.Unlink(client, peer)
				m.reg.Unlink(peer, client)
			}
		}
	case EscHelp:
		client.Out.Append([]byte(helpText))
	case EscInfo:
		client.Out.Append([]byte(m.infoText(client)))
	case EscToggleLog:
		if client.Client != nil {
			client.Client.LogSuspended = !client.Client.LogSuspended
		}
	case EscToggleQuiet:
		if client.Client != nil {
			client.Client.Quiet = !client.Client.Quiet
		}
	case EscSuspend:
		if client.Client != nil {
			client.Client.Suspended = !client.Client.Suspended
		}
	}
}

const helpText = "\r\n<ConMan> Commands: &B=break &.=quit &?=help &i=info &l=log &q=quiet &z=suspend.\r\n"

func (m *Mux) infoText(client *object.Object) string {
	s := "\r\n<ConMan> Connected consoles:"
	for _, h := range client.Writers() {
		if c := m.reg.Get(h); c != nil {
			mode := "ro"
			if c.WriterHandle() == client.Handle {
				mode = "rw"
			}
			s += fmt.Sprintf(" %s(%s)", c.Name, mode)
		}
	}
	return s + ".\r\n"
}

func (m *Mux) distributeFromConsole(console *object.Object, data []byte) {
	for _, h := range console.Readers() { // clients watching this console's output
		dst := m.reg.Get(h)
		if dst == nil || dst.Kind != object.KindClient {
			continue
		}
		if dst.Client != nil && dst.Client.Suspended {
			continue
		}
		dst.Out.Append(data)
	}
	if lfH := console.ConsoleLogfile(); lfH != 0 {
		if lf := m.reg.Get(lfH); lf != nil {
			lf.Out.Append(data)
		}
	}
}

func (m *Mux) writePass() []object.Handle {
	var toRemove []object.Handle
	for _, o := range m.reg.All() {
		if o.FD == nil || o.Out.Len() == 0 {
			continue
		}
		span := o.Out.ReadableSpan()
		if len(span) == 0 {
			continue
		}
		n, err := o.FD.Write(span)
		if n > 0 {
			o.Out.Consume(n)
		}
		if err != nil && !isWouldBlock(err) {
			m.handleIOFailure(o, &toRemove)
		}
	}
	return toRemove
}

// backpressurePass announces buffer overflow inline: once a ring's
// Dropped flag has been observed for a pass, a synthetic
// notice is queued on the data channel and the flag is cleared so the
// notice fires once per overflow episode, not once per pass.
func (m *Mux) backpressurePass() {
	for _, o := range m.reg.All() {
		if o.Out.Dropped {
			if !m.dropNotif[o.Handle] {
				o.Out.Append([]byte(backpressureNotice))
				m.dropNotif[o.Handle] = true
				m.metrics.BufferDropped()
			}
			o.Out.Dropped = false
		} else {
			delete(m.dropNotif, o.Handle)
		}
	}
}

// orphanSweep finds CLIENT objects left with no readers and no
// writers; a client that loses all links is destroyed. A
// client already draining (its shutdown goodbye queued by beginDrain)
// is excluded: drainSweep alone harvests it, once its Out has actually
// flushed, so the goodbye is never dropped mid-write.
func (m *Mux) orphanSweep() []object.Handle {
	var out []object.Handle
	for _, o := range m.reg.All() {
		if o.Kind == object.KindClient && o.Client != nil && !o.Client.Draining && o.IsOrphanClient() {
			out = append(out, o.Handle)
		}
	}
	return out
}

// beginDrain queues the shutdown goodbye into every live CLIENT's Out
// exactly once (guarded by Client.Draining) and unlinks it from its
// consoles, so no further console bytes arrive while the goodbye
// drains.
func (m *Mux) beginDrain() {
	for _, o := range m.reg.All() {
		if o.Kind != object.KindClient || o.Client == nil || o.Client.Draining {
			continue
		}
		o.Client.Draining = true
		o.Out.Append([]byte(goodbyeNotice))
		for _, h := range append(o.Readers(), o.Writers()...) {
			if peer := m.reg.Get(h); peer != nil {
				m.reg.Unlink(o, peer)
				m.reg.Unlink(peer, o)
			}
		}
	}
}

// drainSweep harvests CLIENT objects whose queued goodbye has fully
// flushed to their fd, so the process exits only after the last
// drain.
func (m *Mux) drainSweep() []object.Handle {
	var out []object.Handle
	for _, o := range m.reg.All() {
		if o.Kind == object.KindClient && o.Client != nil && o.Client.Draining && o.Out.Len() == 0 {
			out = append(out, o.Handle)
		}
	}
	return out
}

// reconnector is implemented by CONSOLE_SOCKET's FD and nothing else;
// the type assertion below is how the mux drives its backoff without
// importing package console.
type reconnector interface {
	Reconnect(log *zap.Logger) bool
}

// reconnectSweep retries any disconnected CONSOLE_SOCKET on every
// pass; socketFD.Reconnect itself enforces the backoff window,
// so calling it more often than the window just costs a timestamp check.
// Reconnect reports whether it actually attempted a dial, so the metric
// counts attempts rather than no-op calls.
func (m *Mux) reconnectSweep() {
	for _, o := range m.reg.All() {
		if o.Kind != object.KindConsoleSocket || o.FD == nil {
			continue
		}
		if r, ok := o.FD.(reconnector); ok {
			if r.Reconnect(m.log) {
				m.metrics.ReconnectAttempted()
			}
		}
	}
}

func (m *Mux) harvest(handles []object.Handle) {
	seen := make(map[object.Handle]bool, len(handles))
	for _, h := range handles {
		if seen[h] {
			continue
		}
		seen[h] = true
		o := m.reg.Get(h)
		if o == nil {
			continue
		}
		m.reg.Remove(h)
		_ = m.poller.Set(h, -1, false, false)
		if o.FD != nil {
			_ = o.FD.Close()
		}
		delete(m.dropNotif, h)
		m.metrics.ObjectRemoved(o.Kind)
	}
}

// flushLogfiles drains every LOGFILE ring to its file, stopping on the
// first write error per file. Called before the mux aborts on an
// unrecoverable error, so the captured console history hits disk.
func (m *Mux) flushLogfiles() {
	for _, o := range m.reg.All() {
		if o.Kind != object.KindLogfile || o.FD == nil {
			continue
		}
		for o.Out.Len() > 0 {
			span := o.Out.ReadableSpan()
			n, err := o.FD.Write(span)
			if n > 0 {
				o.Out.Consume(n)
			}
			if err != nil {
				break
			}
		}
	}
}

func (m *Mux) anyClientsRemain() bool {
	for _, o := range m.reg.All() {
		if o.Kind == object.KindClient {
			return true
		}
	}
	return false
}

// isWouldBlock reports whether err is a transient "no data/room right
// now" condition from a non-blocking fd, as opposed to EOF or a fatal
// error that should harvest the object. Covers both a raw syscall
// errno (tty/pipe fds) and the wrapped form net.Conn returns.
func isWouldBlock(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, syscall.EAGAIN) || errors.Is(err, syscall.EWOULDBLOCK) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return false
}
