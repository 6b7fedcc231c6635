// Package metrics exposes Prometheus collectors for the daemon's
// object graph and I/O multiplexer, plus a periodic resource sampler
// built on gopsutil: once RSS or process FD headroom crosses a
// configured threshold, IsConstrained flips true and package session
// answers new requests with NO_RESOURCES before doing any other
// work.
package metrics

import (
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"

	"github.com/dhodovsk/conman/internal/object"
)

// Registry wraps the Prometheus collectors the mux and session workers
// report through.
type Registry struct {
	ActiveSessions   prometheus.Gauge
	ActiveConsoles   prometheus.Gauge
	BytesRoutedTotal prometheus.Counter
	BufferDrops      prometheus.Counter
	BusyRejections   prometheus.Counter
	ReconnectAttempt prometheus.Counter
	RSSBytes         prometheus.Gauge
	OpenFDs          prometheus.Gauge

	constrained atomic.Bool
}

// NewRegistry creates and registers every ConMan collector.
func NewRegistry() *Registry {
	return &Registry{
		ActiveSessions: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "conman_active_sessions",
			Help: "Number of CLIENT objects currently attached to the object graph.",
		}),
		ActiveConsoles: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "conman_active_consoles",
			Help: "Number of CONSOLE_TTY and CONSOLE_SOCKET objects in the registry.",
		}),
		BytesRoutedTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "conman_bytes_routed_total",
			Help: "Total bytes read from any object and distributed to its readers.",
		}),
		BufferDrops: promauto.NewCounter(prometheus.CounterOpts{
			Name: "conman_ring_drops_total",
			Help: "Total ring-buffer overflow episodes (oldest bytes overwritten).",
		}),
		BusyRejections: promauto.NewCounter(prometheus.CounterOpts{
			Name: "conman_busy_console_rejections_total",
			Help: "Total CONNECT requests rejected with BUSY_CONSOLES.",
		}),
		ReconnectAttempt: promauto.NewCounter(prometheus.CounterOpts{
			Name: "conman_console_reconnect_attempts_total",
			Help: "Total CONSOLE_SOCKET reconnect attempts made by the backoff loop.",
		}),
		RSSBytes: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "conman_process_rss_bytes",
			Help: "Resident set size of the conmand process, sampled periodically.",
		}),
		OpenFDs: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "conman_process_open_fds",
			Help: "Open file descriptor count of the conmand process, sampled periodically.",
		}),
	}
}

// Handler returns an HTTP handler exposing the registry on /metrics.
func (r *Registry) Handler() http.Handler {
	return promhttp.Handler()
}

// IsConstrained reports whether the most recent sample tripped the
// resource-constrained gate. Package session consults this before
// acting on a new request.
func (r *Registry) IsConstrained() bool {
	return r.constrained.Load()
}

// mux package satisfies this at compile time via duck typing in
// mux.New's Metrics interface; these thin methods just route object
// counts and byte totals into the Prometheus collectors above.

// ObjectAttached increments the appropriate gauge for a newly inserted
// CLIENT or CONSOLE object.
func (r *Registry) ObjectAttached(kind object.Kind) {
	switch kind {
	case object.KindClient:
		r.ActiveSessions.Inc()
	case object.KindConsoleTTY, object.KindConsoleSocket:
		r.ActiveConsoles.Inc()
	}
}

// ObjectRemoved decrements the gauge incremented by ObjectAttached.
func (r *Registry) ObjectRemoved(kind object.Kind) {
	switch kind {
	case object.KindClient:
		r.ActiveSessions.Dec()
	case object.KindConsoleTTY, object.KindConsoleSocket:
		r.ActiveConsoles.Dec()
	}
}

// BytesRouted records n bytes fanned out in one mux distribute call.
func (r *Registry) BytesRouted(n int) {
	r.BytesRoutedTotal.Add(float64(n))
}

// BufferDropped records one ring-overflow episode.
func (r *Registry) BufferDropped() {
	r.BufferDrops.Inc()
}

// BusyConsoleRejected records a CONNECT rejected with BUSY_CONSOLES.
// Package session calls this from its single reject() chokepoint.
func (r *Registry) BusyConsoleRejected() {
	r.BusyRejections.Inc()
}

// ReconnectAttempted records one CONSOLE_SOCKET dial attempt made by
// the backoff loop. Package mux calls this from reconnectSweep only
// when socketFD.Reconnect actually attempted a dial.
func (r *Registry) ReconnectAttempted() {
	r.ReconnectAttempt.Inc()
}

// Sampler periodically measures the conmand process's own RSS and open
// file descriptor count via gopsutil/v3, feeding both the Prometheus
// gauges and the resource-constrained gate.
type Sampler struct {
	reg               *Registry
	log               *zap.Logger
	interval          time.Duration
	maxRSSBytes       uint64
	minFreeFDHeadroom int
	maxOpenFiles      int
}

// NewSampler constructs a Sampler. maxRSSBytes of 0 disables the RSS
// gate; minFreeFDHeadroom disables the FD gate when maxOpenFiles is 0
// (e.g. the platform ulimit could not be determined).
func NewSampler(reg *Registry, log *zap.Logger, interval time.Duration, maxRSSBytes uint64, minFreeFDHeadroom int) *Sampler {
	return &Sampler{
		reg:               reg,
		log:               log,
		interval:          interval,
		maxRSSBytes:       maxRSSBytes,
		minFreeFDHeadroom: minFreeFDHeadroom,
		maxOpenFiles:      fdLimit(),
	}
}

// Run samples at s.interval until done is closed. Call it in its own
// goroutine from main.
func (s *Sampler) Run(done <-chan struct{}) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		if s.log != nil {
			s.log.Warn("resource sampler: process handle unavailable", zap.Error(err))
		}
		return
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			s.sample(proc)
		}
	}
}

func (s *Sampler) sample(proc *process.Process) {
	constrained := false

	if mem, err := proc.MemoryInfo(); err == nil && mem != nil {
		s.reg.RSSBytes.Set(float64(mem.RSS))
		if s.maxRSSBytes > 0 && mem.RSS > s.maxRSSBytes {
			constrained = true
		}
	}

	if fds, err := proc.NumFDs(); err == nil {
		s.reg.OpenFDs.Set(float64(fds))
		if s.maxOpenFiles > 0 {
			headroom := s.maxOpenFiles - int(fds)
			if headroom < s.minFreeFDHeadroom {
				constrained = true
			}
		}
	}

	s.reg.constrained.Store(constrained)
}
