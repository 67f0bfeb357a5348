package supervisor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	logx "duesched/pkg/logx"
)

// Supervisor manages goroutines tied to a shared context.
// - Named goroutines (for logging/debug)
// - Panic recovery
// - Optional cancel-on-first-error
// - Graceful stop with timeout-aware waiting
type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc

	started atomic.Uint64
	active  atomic.Int64

	log         logx.Logger
	cancelOnErr bool
	errOnce     sync.Once
	firstErr    atomic.Value // stores error
	doneOnce    sync.Once
	doneCh      chan struct{}
	wg          sync.WaitGroup

	mu    sync.Mutex
	stats map[string]*GoroutineStats
}

type Option func(*Supervisor)

// GoroutineStats aggregates goroutines by name. Observability only.
type GoroutineStats struct {
	Name        string    `json:"name"`
	Active      int64     `json:"active"`
	Started     uint64    `json:"started"`
	Panics      uint64    `json:"panics"`
	Restarts    uint64    `json:"restarts"`
	LastStartAt time.Time `json:"last_start_at"`
	LastStopAt  time.Time `json:"last_stop_at"`
	LastErr     string    `json:"last_err,omitempty"`
}

// Snapshot is a point-in-time view of a supervisor.
type Snapshot struct {
	Active     int64            `json:"active"`
	Started    uint64           `json:"started"`
	FirstError string           `json:"first_error,omitempty"`
	Goroutines []GoroutineStats `json:"goroutines"`
}

func WithLogger(log logx.Logger) Option {
	return func(s *Supervisor) { s.log = log }
}

// If enabled, the first non-nil error from any goroutine cancels the supervisor context.
func WithCancelOnError(enabled bool) Option {
	return func(s *Supervisor) { s.cancelOnErr = enabled }
}

func New(parent context.Context, opts ...Option) *Supervisor {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	s := &Supervisor{
		ctx:    ctx,
		cancel: cancel,
		doneCh: make(chan struct{}),
		stats:  map[string]*GoroutineStats{},
		log:    logx.Nop(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Supervisor) Context() context.Context { return s.ctx }

// Cancel cancels the supervisor context without waiting for goroutines to exit.
func (s *Supervisor) Cancel() { s.cancel() }

func (s *Supervisor) Err() error {
	if err, ok := s.firstErr.Load().(error); ok {
		return err
	}
	return nil
}

// Active returns the number of goroutines currently running.
func (s *Supervisor) Active() int64 {
	if s == nil {
		return 0
	}
	return s.active.Load()
}

func (s *Supervisor) Snapshot() Snapshot {
	if s == nil {
		return Snapshot{}
	}
	snap := Snapshot{Active: s.active.Load(), Started: s.started.Load()}
	if err := s.Err(); err != nil {
		snap.FirstError = err.Error()
	}

	s.mu.Lock()
	gs := make([]GoroutineStats, 0, len(s.stats))
	for _, st := range s.stats {
		gs = append(gs, *st)
	}
	s.mu.Unlock()

	sort.Slice(gs, func(i, j int) bool { return gs[i].Name < gs[j].Name })
	snap.Goroutines = gs
	return snap
}

func (s *Supervisor) note(name string, fn func(st *GoroutineStats)) {
	s.mu.Lock()
	st := s.stats[name]
	if st == nil {
		st = &GoroutineStats{Name: name}
		s.stats[name] = st
	}
	fn(st)
	s.mu.Unlock()
}

func (s *Supervisor) noteStart(name string, restart bool) {
	s.note(name, func(st *GoroutineStats) {
		st.Started++
		st.Active++
		if restart {
			st.Restarts++
		}
		st.LastStartAt = time.Now()
	})
}

func (s *Supervisor) noteStop(name string, err error) {
	s.note(name, func(st *GoroutineStats) {
		if st.Active > 0 {
			st.Active--
		}
		st.LastStopAt = time.Now()
		if err != nil {
			st.LastErr = err.Error()
		}
	})
}

func (s *Supervisor) notePanic(name string) {
	s.note(name, func(st *GoroutineStats) { st.Panics++ })
}

// Go runs fn in a named goroutine. A panic is recovered and recorded as the
// goroutine's error.
func (s *Supervisor) Go(name string, fn func(ctx context.Context) error) {
	if fn == nil {
		return
	}
	s.started.Add(1)
	s.active.Add(1)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.active.Add(-1)

		s.noteStart(name, false)
		err := s.runOnce(name, fn)
		if err != nil && !errors.Is(err, context.Canceled) {
			err = fmt.Errorf("%s: %w", name, err)
			s.noteStop(name, err)
			s.setErr(err)
			if s.cancelOnErr {
				s.cancel()
			}
			return
		}
		s.noteStop(name, nil)
	}()
}

func (s *Supervisor) runOnce(name string, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.notePanic(name)
			s.log.Error("goroutine panicked", logx.String("name", name), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(s.ctx)
}

// RestartOption configures GoRestart.
type RestartOption func(*restartCfg)

type restartCfg struct {
	minBackoff time.Duration
	maxBackoff time.Duration
}

// WithRestartBackoff configures the exponential backoff window used between restarts.
func WithRestartBackoff(min, max time.Duration) RestartOption {
	return func(c *restartCfg) {
		if min > 0 {
			c.minBackoff = min
		}
		if max > 0 {
			c.maxBackoff = max
		}
	}
}

// GoRestart runs fn and restarts it on error or panic with exponential
// backoff until the supervisor context is canceled. A nil return stops it.
func (s *Supervisor) GoRestart(name string, fn func(ctx context.Context) error, opts ...RestartOption) {
	if fn == nil {
		return
	}
	cfg := restartCfg{minBackoff: 250 * time.Millisecond, maxBackoff: 30 * time.Second}
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.maxBackoff < cfg.minBackoff {
		cfg.maxBackoff = cfg.minBackoff
	}

	s.Go(name+".restart", func(ctx context.Context) error {
		backoff := cfg.minBackoff
		for restarts := 0; ; restarts++ {
			if ctx.Err() != nil {
				return nil
			}
			s.noteStart(name, restarts > 0)
			startedAt := time.Now()
			err := s.runOnce(name, fn)
			if ctx.Err() != nil || err == nil || errors.Is(err, context.Canceled) {
				s.noteStop(name, nil)
				return nil
			}
			err = fmt.Errorf("%s: %w", name, err)
			s.noteStop(name, err)
			s.setErr(err)

			// A loop that ran for a while before failing starts over at the minimum.
			if time.Since(startedAt) >= 30*time.Second {
				backoff = cfg.minBackoff
			}
			s.log.Warn("goroutine restarting", logx.String("name", name), logx.Duration("backoff", backoff), logx.Err(err))

			tmr := time.NewTimer(backoff)
			select {
			case <-ctx.Done():
				tmr.Stop()
				return nil
			case <-tmr.C:
			}
			backoff *= 2
			if backoff > cfg.maxBackoff {
				backoff = cfg.maxBackoff
			}
		}
	})
}

func (s *Supervisor) Stop(ctx context.Context) error {
	s.cancel()
	return s.Wait(ctx)
}

// Wait blocks until every goroutine has returned or ctx is done.
func (s *Supervisor) Wait(ctx context.Context) error {
	s.doneOnce.Do(func() {
		go func() {
			s.wg.Wait()
			close(s.doneCh)
		}()
	})

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.doneCh:
		return s.Err()
	}
}

func (s *Supervisor) setErr(err error) {
	if err == nil {
		return
	}
	s.errOnce.Do(func() { s.firstErr.Store(err) })
}
