// Package debug serves health, metrics, scheduler state and pprof over HTTP.
package debug

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"runtime"
	"strings"
	"sync"
	"time"

	rtsup "duesched/internal/runtime/supervisor"
	logx "duesched/pkg/logx"
)

// Config controls the server.
//
// Security:
//   - Prefer binding to localhost (default).
//   - If binding to a non-loopback address, set Token or enable AllowInsecure.
type Config struct {
	Enabled       bool
	Addr          string
	Token         string
	AllowInsecure bool

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration

	MutexProfileFraction int
	BlockProfileRate     int
}

var ErrInsecureBind = errors.New("debug server refused to start: non-loopback addr requires token or allow_insecure")

type Server struct {
	src Sources

	mu      sync.Mutex
	log     logx.Logger
	cfg     Config
	sup     *rtsup.Supervisor
	addr    string
	started chan struct{}
}

func New(cfg Config, src Sources, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Server{cfg: cfg, src: src, log: log.With(logx.String("comp", "debug"))}
}

// Addr returns the bound listen address once serving, "" otherwise.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Started is closed once the listener is bound. It is nil before Start.
func (s *Server) Started() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

// Snapshot reports the server's goroutines (zero if not started).
func (s *Server) Snapshot() rtsup.Snapshot {
	s.mu.Lock()
	sup := s.sup
	s.mu.Unlock()
	return sup.Snapshot()
}

// Start binds and serves in the background. It is a no-op when disabled or
// already started. Bind errors other than an insecure address are retried
// with backoff.
func (s *Server) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup != nil || !s.cfg.Enabled {
		return nil
	}
	cfg := s.cfg
	if strings.TrimSpace(cfg.Addr) == "" {
		cfg.Addr = "127.0.0.1:6060"
	}
	if !cfg.AllowInsecure && cfg.Token == "" && !isLoopbackAddr(cfg.Addr) {
		s.log.Error("debug server refused to start", logx.String("addr", cfg.Addr))
		return ErrInsecureBind
	}
	if cfg.AllowInsecure && cfg.Token == "" && !isLoopbackAddr(cfg.Addr) {
		s.log.Warn("debug server running without token on non-loopback addr (insecure)", logx.String("addr", cfg.Addr))
	}
	applyRuntimeRates(cfg)

	s.started = make(chan struct{})
	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log),
		// Diagnostics are optional; never take the daemon down.
		rtsup.WithCancelOnError(false),
	)
	started := s.started
	var once sync.Once
	s.sup.GoRestart("http.serve", func(c context.Context) error {
		return s.serveOnce(c, cfg, func() { once.Do(func() { close(started) }) })
	}, rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second))
	return nil
}

// Stop shuts the server down and waits for it, bounded by ctx.
func (s *Server) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	sup := s.sup
	s.sup = nil
	s.addr = ""
	s.mu.Unlock()
	if sup == nil {
		return
	}
	sup.Cancel()
	if err := sup.Wait(ctx); err != nil && ctx.Err() != nil {
		s.log.Warn("debug server stop timed out", logx.Err(ctx.Err()))
		return
	}
	s.log.Info("debug server stopped")
}

// Reconfigure applies cfg, restarting the server when the listener settings
// change. Safe to call during hot-reload.
func (s *Server) Reconfigure(ctx context.Context, cfg Config) error {
	s.mu.Lock()
	prev := s.cfg
	running := s.sup != nil
	s.cfg = cfg
	s.mu.Unlock()

	switch {
	case !cfg.Enabled:
		s.Stop(ctx)
		return nil
	case running && !needsRestart(prev, cfg):
		applyRuntimeRates(cfg)
		return nil
	case running:
		s.Stop(ctx)
	}
	return s.Start(ctx)
}

func needsRestart(a, b Config) bool {
	return a.Addr != b.Addr ||
		a.Token != b.Token ||
		a.AllowInsecure != b.AllowInsecure ||
		a.ReadTimeout != b.ReadTimeout ||
		a.WriteTimeout != b.WriteTimeout ||
		a.IdleTimeout != b.IdleTimeout
}

func applyRuntimeRates(cfg Config) {
	if cfg.MutexProfileFraction > 0 {
		runtime.SetMutexProfileFraction(cfg.MutexProfileFraction)
	}
	if cfg.BlockProfileRate > 0 {
		runtime.SetBlockProfileRate(cfg.BlockProfileRate)
	}
}

func (s *Server) serveOnce(ctx context.Context, cfg Config, ready func()) error {
	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		if ctx.Err() != nil {
			return context.Canceled
		}
		return fmt.Errorf("listen %s: %w", cfg.Addr, err)
	}

	srv := &http.Server{
		Handler:           Handler(s.src, cfg.Token),
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
	}
	defer func() { _ = srv.Close() }()

	stopWatch := make(chan struct{})
	defer close(stopWatch)
	go func() {
		select {
		case <-ctx.Done():
			cctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			_ = srv.Shutdown(cctx)
			cancel()
		case <-stopWatch:
		}
	}()

	addr := ln.Addr().String()
	s.mu.Lock()
	s.addr = addr
	s.mu.Unlock()
	ready()
	s.log.Info("debug server started",
		logx.String("addr", addr),
		logx.Bool("token_set", cfg.Token != ""),
		logx.String("hint", fmt.Sprintf("http://%s/debug/scheduler", addr)),
	)

	err = srv.Serve(ln)
	if ctx.Err() != nil {
		return context.Canceled
	}
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return errors.New("debug server exited unexpectedly")
	}
	return err
}

func isLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	h = strings.TrimSpace(h)
	if h == "" {
		// empty host means all interfaces
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
