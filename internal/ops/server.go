// Package ops serves the operator endpoints: health, Prometheus metrics and
// optional pprof.
package ops

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/pprof"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	logx "changenotify/pkg/logx"
)

type Config struct {
	Enabled              bool
	Address              string
	Pprof                bool
	BlockProfileRate     int
	MutexProfileFraction int
}

func (c Config) withDefaults() Config {
	if c.Address == "" {
		c.Address = "127.0.0.1:9464"
	}
	return c
}

// HealthFunc reports service health. A non-nil error turns /healthz into 503.
type HealthFunc func(ctx context.Context) (any, error)

// Server manages the lifecycle of the ops HTTP listener.
type Server struct {
	log    logx.Logger
	reg    *prometheus.Registry
	health HealthFunc

	mu   sync.Mutex
	srv  *http.Server
	ln   net.Listener
	addr string
	cfg  Config
}

func NewServer(reg *prometheus.Registry, health HealthFunc, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Server{log: log.With(logx.String("comp", "ops")), reg: reg, health: health}
}

// Apply starts, restarts or stops the server according to cfg and updates the
// runtime profile rates.
func (s *Server) Apply(ctx context.Context, cfg Config) {
	cfg = cfg.withDefaults()

	runtime.SetBlockProfileRate(cfg.BlockProfileRate)
	runtime.SetMutexProfileFraction(cfg.MutexProfileFraction)

	s.mu.Lock()
	defer s.mu.Unlock()

	if !cfg.Enabled {
		s.stopLocked(ctx)
		s.cfg = cfg
		return
	}
	if s.srv != nil && s.cfg.Address == cfg.Address && s.cfg.Pprof == cfg.Pprof {
		return
	}
	s.stopLocked(ctx)
	s.cfg = cfg
	s.startLocked(cfg)
}

// Handler builds the ops mux.
func (s *Server) Handler(withPprof bool) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.serveHealth)
	if s.reg != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(s.reg, promhttp.HandlerOpts{Registry: s.reg}))
	}
	if withPprof {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}
	return mux
}

func (s *Server) serveHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{"status": "ok"}
	code := http.StatusOK
	if s.health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		detail, err := s.health(ctx)
		cancel()
		if detail != nil {
			body["detail"] = detail
		}
		if err != nil {
			code = http.StatusServiceUnavailable
			body["status"] = "degraded"
			body["error"] = err.Error()
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

func (s *Server) startLocked(cfg Config) {
	ln, err := net.Listen("tcp", cfg.Address)
	if err != nil {
		s.log.Warn("ops listen failed", logx.String("addr", cfg.Address), logx.Err(err))
		return
	}
	srv := &http.Server{Handler: s.Handler(cfg.Pprof), ReadHeaderTimeout: 5 * time.Second}
	s.srv = srv
	s.ln = ln
	s.addr = ln.Addr().String()

	addr := s.addr
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Warn("ops server error", logx.String("addr", addr), logx.Err(err))
		}
	}()
	s.log.Info("ops server enabled", logx.String("addr", addr), logx.Bool("pprof", cfg.Pprof))
}

// Stop gracefully shuts the server down.
func (s *Server) Stop(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked(ctx)
}

func (s *Server) stopLocked(ctx context.Context) {
	if s.srv == nil {
		return
	}
	srv, ln, addr := s.srv, s.ln, s.addr
	s.srv, s.ln, s.addr = nil, nil, ""

	if ctx == nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
	}
	if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.log.Warn("ops shutdown error", logx.String("addr", addr), logx.Err(err))
	}
	if ln != nil {
		_ = ln.Close()
	}
	s.log.Info("ops server disabled", logx.String("addr", addr))
}

// Addr reports the actual listen address if running.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}
