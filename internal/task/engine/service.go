package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jacobsa/timeutil"

	"duesched/internal/eventbus"
	rtsup "duesched/internal/runtime/supervisor"
	"duesched/internal/task"
	"duesched/internal/task/store"
	logx "duesched/pkg/logx"
)

// Scheduler owns the due-time store and a fixed pool of workers draining it.
type Scheduler struct {
	mu  sync.Mutex
	cfg Config

	log      logx.Logger
	bus      eventbus.Bus
	clock    timeutil.Clock
	reporter Reporter

	store   *store.Store
	workers []*worker

	sup      *rtsup.Supervisor
	stopCh   chan struct{}
	stopDone chan struct{}

	inFlight  atomic.Int32
	submitted atomic.Uint64
	executed  atomic.Uint64
	failed    atomic.Uint64
	requeued  atomic.Uint64

	hmu     sync.Mutex
	history []HistoryItem
}

// New builds a scheduler with an empty store and cfg.Workers workers bound to
// it. Nothing runs until Start.
func New(cfg Config, opts ...Option) (*Scheduler, error) {
	if cfg.Workers < 1 {
		return nil, fmt.Errorf("%w (got %d)", ErrInvalidWorkers, cfg.Workers)
	}
	s := &Scheduler{
		cfg:   cfg.withDefaults(),
		log:   logx.Nop(),
		clock: timeutil.RealClock(),
		store: store.New(),
	}
	for _, o := range opts {
		if o != nil {
			o(s)
		}
	}
	if s.reporter == nil {
		s.reporter = NewLogReporter(s.log, 10*time.Second, 3)
	}
	s.workers = make([]*worker, s.cfg.Workers)
	for i := range s.workers {
		s.workers[i] = &worker{idx: i, s: s}
	}
	return s, nil
}

func (s *Scheduler) Config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Running reports whether workers are started and no stop is in progress.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopCh != nil && s.stopDone == nil
}

// Start launches every worker loop. Cancelling ctx stops the workers like
// Stop does, but only Stop waits for them.
func (s *Scheduler) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.stopCh != nil {
		stopping := s.stopDone != nil
		s.mu.Unlock()
		if stopping {
			return ErrStopping
		}
		return ErrAlreadyRunning
	}

	s.stopCh = make(chan struct{})
	stopCh := s.stopCh
	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log.With(logx.String("comp", "engine"))),
		// A failing worker must not take the others down.
		rtsup.WithCancelOnError(false),
	)
	sup := s.sup
	workers := s.workers
	s.mu.Unlock()

	for _, w := range workers {
		w := w
		// Payload panics are recovered in execOne; a restart only covers bugs
		// in the loop itself.
		sup.GoRestart(fmt.Sprintf("worker.%d", w.idx), func(c context.Context) error {
			w.run(c, stopCh)
			return nil
		}, rtsup.WithRestartBackoff(50*time.Millisecond, 5*time.Second))
	}

	s.log.Info("scheduler started", logx.Int("workers", len(workers)), logx.Int("pending", s.store.Len()), logx.Duration("idle_poll", s.cfg.IdlePoll))
	return nil
}

// Stop signals every worker and waits until all of them have exited. An
// in-flight execution always runs to completion first. Pending tasks stay in
// the store; Start may be called again afterwards.
//
// If ctx ends first, Stop returns early and the workers finish in the background.
func (s *Scheduler) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	start := time.Now()
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}

	done := make(chan struct{})
	s.stopDone = done
	close(s.stopCh)
	sup := s.sup
	s.mu.Unlock()

	sup.Cancel()
	go func() {
		_ = sup.Wait(context.Background())
		s.mu.Lock()
		s.stopCh = nil
		s.stopDone = nil
		s.sup = nil
		s.mu.Unlock()
		close(done)
	}()

	select {
	case <-done:
		s.log.Info("scheduler stopped", logx.Duration("took", time.Since(start)), logx.Int("pending", s.store.Len()))
	case <-ctx.Done():
		s.log.Warn("scheduler stop timed out", logx.Err(ctx.Err()), logx.Int("in_flight", int(s.inFlight.Load())))
	}
}

// Submit validates t and inserts it into the store. It is safe before or
// after Start and from any goroutine.
func (s *Scheduler) Submit(t task.Task) error {
	if err := t.Validate(); err != nil {
		return fmt.Errorf("submit: %w", err)
	}
	if strings.TrimSpace(t.ID) == "" {
		t.ID = uuid.NewString()
	}
	if strings.TrimSpace(t.Name) == "" {
		t.Name = t.Kind.String()
	}

	s.store.Insert(t)
	s.submitted.Add(1)

	s.log.Debug("task.submitted", logx.String("task", t.Name), logx.String("id", t.ID), logx.String("kind", t.Kind.String()), logx.Time("due", t.Due))
	s.publish(eventbus.TaskSubmitted, s.clock.Now(), TaskEvent{ID: t.ID, Name: t.Name, Kind: t.Kind.String(), Occurrence: t.Occurrence, Due: t.Due, Worker: -1})
	return nil
}

// Pending returns the pending tasks in extraction order.
func (s *Scheduler) Pending() []task.Task { return s.store.Pending() }

func (s *Scheduler) Snapshot() Snapshot {
	s.mu.Lock()
	cfg := s.cfg
	running := s.stopCh != nil && s.stopDone == nil
	sup := s.sup
	s.mu.Unlock()

	s.hmu.Lock()
	h := make([]HistoryItem, len(s.history))
	copy(h, s.history)
	s.hmu.Unlock()

	snap := Snapshot{
		Running:     running,
		Workers:     cfg.Workers,
		Pending:     s.store.Len(),
		InFlight:    int(s.inFlight.Load()),
		Submitted:   s.submitted.Load(),
		Executed:    s.executed.Load(),
		Failed:      s.failed.Load(),
		Requeued:    s.requeued.Load(),
		IdlePoll:    cfg.IdlePoll,
		ExecTimeout: cfg.ExecTimeout,
		Supervisor:  sup.Snapshot(),
		History:     h,
	}
	if next, ok := s.store.PeekMin(); ok {
		snap.NextDue = next.Due
		snap.NextName = next.Name
	}
	return snap
}

// requeue puts back a task that was extracted but not run. It keeps its
// place among same-due tasks.
func (s *Scheduler) requeue(t task.Task, ticket store.Ticket, workerIdx int) {
	s.store.Reinsert(t, ticket)
	s.requeued.Add(1)
	s.log.Debug("task.requeued", logx.String("task", t.Name), logx.Int("worker", workerIdx), logx.Time("due", t.Due))
	s.publish(eventbus.TaskRequeued, s.clock.Now(), TaskEvent{ID: t.ID, Name: t.Name, Kind: t.Kind.String(), Occurrence: t.Occurrence, Due: t.Due, Worker: workerIdx})
}

func (s *Scheduler) publish(typ string, at time.Time, ev TaskEvent) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: at, Data: ev})
}

func (s *Scheduler) appendHistory(item HistoryItem) {
	s.hmu.Lock()
	s.history = append(s.history, item)
	if n := s.cfg.HistorySize; len(s.history) > n {
		s.history = s.history[len(s.history)-n:]
	}
	s.hmu.Unlock()
}
