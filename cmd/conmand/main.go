// Command conmand is the ConMan console-concentrator daemon: it loads
// console/logfile declarations from conman.conf, opens a listener, and
// drives the object registry and I/O multiplexer until told to shut
// down.
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	_ "go.uber.org/automaxprocs"

	"github.com/dhodovsk/conman/internal/config"
	"github.com/dhodovsk/conman/internal/confparse"
	"github.com/dhodovsk/conman/internal/console"
	"github.com/dhodovsk/conman/internal/logfile"
	"github.com/dhodovsk/conman/internal/logging"
	"github.com/dhodovsk/conman/internal/metrics"
	"github.com/dhodovsk/conman/internal/mux"
	"github.com/dhodovsk/conman/internal/object"
	"github.com/dhodovsk/conman/internal/session"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "conmand: config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.NewLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "conmand: logging: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync() //nolint:errcheck

	reg := object.NewRegistry()
	metricsReg := metrics.NewRegistry()

	if err := loadConsoles(reg, cfg, metricsReg); err != nil {
		logger.Fatal("loading console declarations", zap.Error(err))
	}

	poller, err := mux.NewPoller()
	if err != nil {
		logger.Fatal("poller init", zap.Error(err))
	}

	muxCfg := mux.Config{
		ReplayLen:   cfg.Mux.ReplayLen,
		ScratchSize: cfg.Mux.ScratchSize,
		PollTimeout: cfg.Mux.PollTimeout,
	}
	m := mux.New(reg, poller, muxCfg, logger, metricsReg)

	var sampler *metrics.Sampler
	sampleDone := make(chan struct{})
	if cfg.Metrics.Enabled {
		sampler = metrics.NewSampler(metricsReg, logger, cfg.Metrics.SampleInterval, cfg.Metrics.MaxRSSBytes, cfg.Metrics.MinFreeFDHeadroom)
		go sampler.Run(sampleDone)
		go runMetricsHTTP(cfg.Metrics, metricsReg, logger)
	}

	worker := session.NewWorker(reg, m, logger, cfg.Server.LoopbackOnly, cfg.Mux.BufferSize, cfg.Server.ReadTimeout, metricsReg)

	ln, err := net.Listen("tcp", cfg.Server.Listen)
	if err != nil {
		logger.Fatal("listen", zap.String("addr", cfg.Server.Listen), zap.Error(err))
	}
	logger.Info("conmand listening", zap.String("addr", cfg.Server.Listen))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)

	reload := make(chan struct{}, 1)
	go forwardSignal(ctx, hup, reload)
	if watcher, err := watchConfigFile(cfg.Server.ConfigFile, reload, logger); err != nil {
		logger.Warn("config file watch disabled", zap.Error(err))
	} else {
		defer watcher.Close()
	}
	go watchReload(ctx, reload, reg, cfg, metricsReg, logger)

	muxErrCh := make(chan error, 1)
	go func() { muxErrCh <- m.Run(ctx) }()

	go acceptLoop(ctx, ln, worker, logger)

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
		_ = ln.Close()
		m.RequestShutdown()
		close(sampleDone)

		select {
		case <-muxErrCh:
		case <-time.After(10 * time.Second):
			logger.Warn("mux did not drain within timeout")
		}
	case err := <-muxErrCh:
		if err != nil {
			logger.Error("mux exited", zap.Error(err))
		}
		_ = ln.Close()
		close(sampleDone)
	}
	logger.Info("conmand stopped")
}

func acceptLoop(ctx context.Context, ln net.Listener, worker *session.Worker, logger *zap.Logger) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn("accept", zap.Error(err))
			continue
		}
		go worker.Handle(conn)
	}
}

// loadConsoles parses cfg.Server.ConfigFile and opens every declared
// CONSOLE_TTY/CONSOLE_SOCKET and LOGFILE object into reg; consoles are
// created at startup from configuration and outlive all sessions.
func loadConsoles(reg *object.Registry, cfg config.Config, metricsReg *metrics.Registry) error {
	f, err := os.Open(cfg.Server.ConfigFile)
	if err != nil {
		if os.IsNotExist(err) {
			return nil // an empty daemon (no consoles yet) is valid
		}
		return fmt.Errorf("open %s: %w", cfg.Server.ConfigFile, err)
	}
	defer f.Close()

	parsed, err := confparse.Parse(f)
	if err != nil {
		return err
	}

	logHandles := make(map[string]object.Handle, len(parsed.Logfiles))
	for _, lf := range parsed.Logfiles {
		h, err := logfile.Install(reg, lf.Name, lf.Path, lf.Timestamp, cfg.Mux.BufferSize)
		if err != nil {
			return fmt.Errorf("logfile %q: %w", lf.Name, err)
		}
		logHandles[lf.Name] = h
	}

	for _, c := range parsed.Consoles {
		lfHandle := logHandles[c.Logfile]
		if c.Dev != "" {
			if _, err := console.OpenTTY(reg, console.TTYConfig{
				Name: c.Name, Device: c.Dev, Baud: c.Baud, Parity: c.Parity, Stop: c.Stop, Logfile: lfHandle,
			}, cfg.Mux.BufferSize, nil); err != nil {
				return fmt.Errorf("console %q: %w", c.Name, err)
			}
			metricsReg.ObjectAttached(object.KindConsoleTTY)
		} else {
			console.OpenSocket(reg, console.SocketConfig{
				Name: c.Name, HostPort: c.Host, Logfile: lfHandle,
			}, cfg.Mux.BufferSize, nil)
			metricsReg.ObjectAttached(object.KindConsoleSocket)
		}
	}
	return nil
}

// forwardSignal turns each received os.Signal into a non-blocking send on
// reload, coalescing bursts of SIGHUP the same way a single fsnotify write
// event does.
func forwardSignal(ctx context.Context, sig <-chan os.Signal, reload chan<- struct{}) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-sig:
			select {
			case reload <- struct{}{}:
			default:
			}
		}
	}
}

// watchConfigFile watches path's containing directory for fsnotify write/
// create events (editors often replace-by-rename rather than write in
// place) and signals reload, so editing conman.conf live-reloads newly
// added consoles the same way a SIGHUP does. Watching the directory
// rather than the file itself survives a remove-then-recreate edit,
// which a direct file watch would miss.
func watchConfigFile(path string, reload chan<- struct{}, logger *zap.Logger) (*fsnotify.Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("fsnotify: %w", err)
	}
	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("fsnotify: watch %s: %w", dir, err)
	}
	base := filepath.Base(path)
	go func() {
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Base(ev.Name) != base {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				select {
				case reload <- struct{}{}:
				default:
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn("config file watch error", zap.Error(err))
			}
		}
	}()
	return watcher, nil
}

// watchReload observes reload triggers (SIGHUP or an fsnotify write on the
// config file, see watchConfigFile/forwardSignal) and reloads console/
// logfile declarations without dropping existing sessions: new consoles
// are added to the registry; consoles whose declarations disappeared from
// the file stay in the registry, since a reload never removes a console.
// Rather than folding SIGHUP into the poller's own readiness set, it is
// handled on its own goroutine and only ever adds objects to the
// registry, a safe operation concurrent with the mux's pass (Registry
// is mutex-guarded).
func watchReload(ctx context.Context, reload <-chan struct{}, reg *object.Registry, cfg config.Config, metricsReg *metrics.Registry, logger *zap.Logger) {
	existing := map[string]bool{}
	for _, o := range reg.Consoles() {
		existing[o.Name] = true
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-reload:
			logger.Info("reloading console declarations")
			f, err := os.Open(cfg.Server.ConfigFile)
			if err != nil {
				logger.Warn("reload: open config", zap.Error(err))
				continue
			}
			parsed, err := confparse.Parse(f)
			f.Close()
			if err != nil {
				logger.Warn("reload: parse config", zap.Error(err))
				continue
			}
			added := 0
			for _, c := range parsed.Consoles {
				if existing[c.Name] {
					continue
				}
				if c.Dev != "" {
					if _, err := console.OpenTTY(reg, console.TTYConfig{Name: c.Name, Device: c.Dev, Baud: c.Baud, Parity: c.Parity, Stop: c.Stop}, cfg.Mux.BufferSize, logger); err != nil {
						logger.Warn("reload: open console", zap.String("console", c.Name), zap.Error(err))
						continue
					}
					metricsReg.ObjectAttached(object.KindConsoleTTY)
				} else {
					console.OpenSocket(reg, console.SocketConfig{Name: c.Name, HostPort: c.Host}, cfg.Mux.BufferSize, logger)
					metricsReg.ObjectAttached(object.KindConsoleSocket)
				}
				existing[c.Name] = true
				added++
			}
			logger.Info("reload complete", zap.Int("consoles_added", added))
		}
	}
}

func runMetricsHTTP(cfg config.MetricsConfig, reg *metrics.Registry, logger *zap.Logger) {
	handler := http.NewServeMux()
	handler.Handle(cfg.Endpoint, reg.Handler())

	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      handler,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		IdleTimeout:  30 * time.Second,
	}
	logger.Info("metrics http server starting", zap.String("addr", cfg.ListenAddr))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Warn("metrics http server stopped", zap.Error(err))
	}
}
