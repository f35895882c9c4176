package replication

import (
	"context"
	"expvar"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/pprof"
	"sync"
	"time"

	"github.com/arl/statsviz"

	"github.com/ardb/replbacklog/config"
)

// DebugServer exposes the backlog's expvar counters (bytes/entries
// written, ring rotations, DiskMonitor gauges) and, when enabled, a live
// statsviz chart and the standard pprof endpoints. Both are read-only:
// nothing served here can mutate ReplMeta or the WAL, and none of it runs
// on the reactor goroutine.
type DebugServer struct {
	server  *http.Server
	logger  *slog.Logger
	mu      sync.Mutex
	started bool
}

// NewDebugServer builds a DebugServer from cfg. Handlers are only
// registered for the sections cfg enables.
func NewDebugServer(cfg config.DebugConfig, logger *slog.Logger) *DebugServer {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "replication.DebugServer")
	mux := http.NewServeMux()

	if cfg.PProfEnabled {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}
	if cfg.MetricsEnabled {
		mux.Handle("/metrics", expvar.Handler())
		if cfg.MonitorUIEnabled {
			_ = statsviz.Register(mux,
				statsviz.Root("/viz"),
				statsviz.SendFrequency(250*time.Millisecond),
			)
		}
	}

	addr := cfg.ListenAddress
	if addr == "" {
		addr = "0.0.0.0:6060"
	}
	return &DebugServer{
		server: &http.Server{Addr: addr, Handler: mux},
		logger: logger,
	}
}

// Start blocks serving until Stop is called or the listener fails.
func (s *DebugServer) Start() error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.mu.Unlock()

	s.logger.Info("debug/metrics endpoint listening", "address", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("replication: debug server failed: %w", err)
	}
	return nil
}

// Stop gracefully shuts the server down, bounded to 5s.
func (s *DebugServer) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		s.logger.Error("debug server shutdown failed", "error", err)
	}
}
