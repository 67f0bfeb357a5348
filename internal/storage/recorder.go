package storage

import (
	"context"
	"sync/atomic"
	"time"

	"duesched/internal/eventbus"
	"duesched/internal/task/engine"
	logx "duesched/pkg/logx"
)

// Recorder appends a RunRecord for every task.finished and task.failed event.
type Recorder struct {
	st     Store
	log    logx.Logger
	events <-chan eventbus.Event
	unsub  func()

	written atomic.Uint64
	errors  atomic.Uint64
}

// NewRecorder subscribes immediately, so events published before Run starts
// are not missed.
func NewRecorder(st Store, bus eventbus.Bus, log logx.Logger) *Recorder {
	if log.IsZero() {
		log = logx.Nop()
	}
	events, unsub := bus.Subscribe(1024)
	return &Recorder{st: st, log: log, events: events, unsub: unsub}
}

// Written and Errors count append outcomes.
func (r *Recorder) Written() uint64 { return r.written.Load() }
func (r *Recorder) Errors() uint64  { return r.errors.Load() }

// Run consumes bus events until ctx ends. Events still buffered at that
// point are written before it returns.
func (r *Recorder) Run(ctx context.Context) error {
	defer r.unsub()
	events := r.events

	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case e := <-events:
					r.handle(e)
				default:
					return nil
				}
			}
		case e, ok := <-events:
			if !ok {
				return nil
			}
			r.handle(e)
		}
	}
}

func (r *Recorder) handle(e eventbus.Event) {
	if e.Type != eventbus.TaskFinished && e.Type != eventbus.TaskFailed {
		return
	}
	ev, ok := e.Data.(engine.TaskEvent)
	if !ok {
		return
	}
	rec := RunRecord{
		At:         e.Time,
		TaskID:     ev.ID,
		Name:       ev.Name,
		Kind:       ev.Kind,
		Occurrence: ev.Occurrence,
		Due:        ev.Due,
		LatenessMS: ev.Lateness.Milliseconds(),
		TookMS:     ev.Duration.Milliseconds(),
		Worker:     ev.Worker,
		OK:         e.Type == eventbus.TaskFinished,
		Error:      ev.Error,
	}
	// Independent of Run's ctx; the shutdown drain runs after it is canceled.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := r.st.AppendRun(ctx, rec); err != nil {
		r.errors.Add(1)
		r.log.Warn("run history append failed", logx.String("task", rec.Name), logx.Err(err))
		return
	}
	r.written.Add(1)
}
