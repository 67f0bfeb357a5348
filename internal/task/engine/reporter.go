package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"

	logx "duesched/pkg/logx"
)

// Failure describes one failed occurrence.
type Failure struct {
	ID         string
	Name       string
	Occurrence int
	Due        time.Time
	Started    time.Time
	Duration   time.Duration
	Worker     int
	Err        error
}

// Reporter receives execution failures. Report is called synchronously on the
// worker that ran the task, so it should return quickly.
type Reporter interface {
	Report(ctx context.Context, f Failure)
}

// ReporterFunc adapts a function to Reporter.
type ReporterFunc func(ctx context.Context, f Failure)

func (fn ReporterFunc) Report(ctx context.Context, f Failure) { fn(ctx, f) }

// LogReporter logs failures, throttled per task name so one broken recurring
// series cannot flood the log. Suppressed reports are counted and attached to
// the next one that gets through.
type LogReporter struct {
	log   logx.Logger
	every time.Duration
	burst int

	mu         sync.Mutex
	limiters   map[string]*rate.Limiter
	suppressed map[string]int
}

// NewLogReporter allows burst reports per task, refilled one per every.
// every <= 0 disables throttling.
func NewLogReporter(log logx.Logger, every time.Duration, burst int) *LogReporter {
	if log.IsZero() {
		log = logx.Nop()
	}
	if burst <= 0 {
		burst = 1
	}
	return &LogReporter{
		log:        log,
		every:      every,
		burst:      burst,
		limiters:   map[string]*rate.Limiter{},
		suppressed: map[string]int{},
	}
}

func (r *LogReporter) Report(_ context.Context, f Failure) {
	suppressed, ok := r.allow(f.Name)
	if !ok {
		return
	}
	fields := []logx.Field{
		logx.String("task", f.Name),
		logx.String("id", f.ID),
		logx.Int("occurrence", f.Occurrence),
		logx.Int("worker", f.Worker),
		logx.Time("due", f.Due),
		logx.Duration("dur", f.Duration),
		logx.Err(f.Err),
	}
	if suppressed > 0 {
		fields = append(fields, logx.Int("suppressed", suppressed))
	}
	var pe *PanicError
	if errors.As(f.Err, &pe) {
		fields = append(fields, logx.Stack(pe.Stack))
		r.log.Error("task.panic", fields...)
		return
	}
	r.log.Warn("task.failed", fields...)
}

func (r *LogReporter) allow(name string) (suppressed int, ok bool) {
	if r.every <= 0 {
		return 0, true
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	lim := r.limiters[name]
	if lim == nil {
		lim = rate.NewLimiter(rate.Every(r.every), r.burst)
		r.limiters[name] = lim
	}
	if !lim.Allow() {
		r.suppressed[name]++
		return 0, false
	}
	suppressed = r.suppressed[name]
	delete(r.suppressed, name)
	return suppressed, true
}

// MultiReporter fans a failure out to several reporters in order.
type MultiReporter []Reporter

func (m MultiReporter) Report(ctx context.Context, f Failure) {
	for _, r := range m {
		if r != nil {
			r.Report(ctx, f)
		}
	}
}
