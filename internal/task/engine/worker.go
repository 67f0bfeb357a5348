package engine

import (
	"context"
	"runtime/debug"
	"time"

	"duesched/internal/eventbus"
	"duesched/internal/task"
	logx "duesched/pkg/logx"
)

// worker drains the store. It is bound to its scheduler at construction and
// runs only between Start and Stop.
type worker struct {
	idx int
	s   *Scheduler
}

func stopped(ctx context.Context, stopCh <-chan struct{}) bool {
	select {
	case <-ctx.Done():
		return true
	case <-stopCh:
		return true
	default:
		return false
	}
}

func (w *worker) run(ctx context.Context, stopCh <-chan struct{}) {
	s := w.s
	for {
		// Fast-exit check so a closed stopCh wins over pending work.
		if stopped(ctx, stopCh) {
			return
		}

		// Grab the wake channel before extracting so an insert that lands in
		// between still wakes us.
		changed := s.store.Changed()
		t, ticket, ok := s.store.Take()
		if !ok {
			if !w.idle(ctx, stopCh, changed) {
				return
			}
			continue
		}

		if !w.waitUntilDue(ctx, stopCh, t) {
			// Stop arrived before the task was due; leave it pending.
			s.requeue(t, ticket, w.idx)
			return
		}

		s.execOne(ctx, t, w.idx)

		// Failed occurrences still schedule their successor.
		if next, ok := task.Successor(t); ok {
			s.store.Insert(next)
		}
	}
}

// idle waits for an insert, the idle poll interval, or stop.
// It returns false on stop.
func (w *worker) idle(ctx context.Context, stopCh <-chan struct{}, changed <-chan struct{}) bool {
	tmr := time.NewTimer(w.s.cfg.IdlePoll)
	defer tmr.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-stopCh:
		return false
	case <-changed:
		return true
	case <-tmr.C:
		return true
	}
}

// waitUntilDue blocks until t is due. Overdue tasks proceed immediately.
// It returns false if stop was requested first.
func (w *worker) waitUntilDue(ctx context.Context, stopCh <-chan struct{}, t task.Task) bool {
	remaining := t.Due.Sub(w.s.clock.Now())
	if remaining <= 0 {
		return !stopped(ctx, stopCh)
	}
	tmr := time.NewTimer(remaining)
	defer tmr.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-stopCh:
		return false
	case <-tmr.C:
		return true
	}
}

func (s *Scheduler) execOne(ctx context.Context, t task.Task, workerIdx int) {
	start := s.clock.Now()
	lateness := start.Sub(t.Due)
	if lateness < 0 {
		lateness = 0
	}

	s.inFlight.Add(1)
	defer s.inFlight.Add(-1)

	s.log.Debug("task.started",
		logx.String("task", t.Name),
		logx.Int("occurrence", t.Occurrence),
		logx.Int("worker", workerIdx),
		logx.Duration("lateness", lateness),
	)
	ev := TaskEvent{
		ID:         t.ID,
		Name:       t.Name,
		Kind:       t.Kind.String(),
		Occurrence: t.Occurrence,
		Due:        t.Due,
		Started:    start,
		Lateness:   lateness,
		Worker:     workerIdx,
	}
	s.publish(eventbus.TaskStarted, start, ev)

	// Stop must not interrupt an in-flight execution.
	execCtx := context.WithoutCancel(ctx)
	runCtx := execCtx
	var cancel context.CancelFunc
	if s.cfg.ExecTimeout > 0 {
		runCtx, cancel = context.WithTimeout(runCtx, s.cfg.ExecTimeout)
	}
	err := runPayload(runCtx, t.Payload)
	if cancel != nil {
		cancel()
	}

	finish := s.clock.Now()
	dur := finish.Sub(start)
	ev.Duration = dur
	item := HistoryItem{
		ID:         t.ID,
		Name:       t.Name,
		Occurrence: t.Occurrence,
		Due:        t.Due,
		Started:    start,
		Lateness:   lateness,
		Duration:   dur,
		Worker:     workerIdx,
	}

	s.executed.Add(1)
	if err != nil {
		s.failed.Add(1)
		item.Error = err.Error()
		ev.Error = item.Error
		s.reporter.Report(execCtx, Failure{
			ID:         t.ID,
			Name:       t.Name,
			Occurrence: t.Occurrence,
			Due:        t.Due,
			Started:    start,
			Duration:   dur,
			Worker:     workerIdx,
			Err:        err,
		})
		s.publish(eventbus.TaskFailed, finish, ev)
	} else {
		if dur >= 750*time.Millisecond {
			s.log.Info("task.completed", logx.String("task", t.Name), logx.Int("occurrence", t.Occurrence), logx.Duration("lateness", lateness), logx.Duration("dur", dur))
		} else {
			s.log.Debug("task.completed", logx.String("task", t.Name), logx.Int("occurrence", t.Occurrence), logx.Duration("lateness", lateness), logx.Duration("dur", dur))
		}
		s.publish(eventbus.TaskFinished, finish, ev)
	}

	s.appendHistory(item)
}

// runPayload converts panics into *PanicError so one bad task can't kill a worker.
func runPayload(ctx context.Context, p task.Payload) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: string(debug.Stack())}
		}
	}()
	if p == nil {
		return task.ErrNilPayload
	}
	return p.Execute(ctx)
}
