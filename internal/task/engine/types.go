package engine

import (
	"time"

	"github.com/jacobsa/timeutil"

	"duesched/internal/eventbus"
	"duesched/internal/runtime/supervisor"
	"duesched/internal/task/store"
	logx "duesched/pkg/logx"
)

// Config controls the scheduler's worker pool.
type Config struct {
	// Workers is the fixed pool size. Must be >= 1.
	Workers int

	// IdlePoll bounds how long an idle worker sleeps on an empty store before
	// looking again. Inserts wake idle workers earlier. Default 1s.
	IdlePoll time.Duration

	// ExecTimeout sets a deadline on the context handed to each execution.
	// 0 disables it. Stop never cancels that context.
	ExecTimeout time.Duration

	// HistorySize caps the in-memory ring of recent executions. Default 200.
	HistorySize int
}

func (c Config) withDefaults() Config {
	if c.IdlePoll <= 0 {
		c.IdlePoll = time.Second
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 200
	}
	if c.ExecTimeout < 0 {
		c.ExecTimeout = 0
	}
	return c
}

// Option customizes a Scheduler.
type Option func(*Scheduler)

func WithLogger(log logx.Logger) Option {
	return func(s *Scheduler) {
		if !log.IsZero() {
			s.log = log
		}
	}
}

// WithBus publishes task lifecycle events to bus.
func WithBus(bus eventbus.Bus) Option {
	return func(s *Scheduler) { s.bus = bus }
}

// WithClock replaces the clock used for due-time math and lateness. The
// remaining wait is Due minus c.Now(), but the wait itself runs on a real
// timer: advancing a simulated clock does not wake a waiting worker early,
// and a frozen one does not stall it.
func WithClock(c timeutil.Clock) Option {
	return func(s *Scheduler) {
		if c != nil {
			s.clock = c
		}
	}
}

// WithReporter replaces the failure reporter.
func WithReporter(r Reporter) Option {
	return func(s *Scheduler) {
		if r != nil {
			s.reporter = r
		}
	}
}

// WithStore makes the scheduler own st instead of a fresh store.
func WithStore(st *store.Store) Option {
	return func(s *Scheduler) {
		if st != nil {
			s.store = st
		}
	}
}

type HistoryItem struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	Occurrence int           `json:"occurrence"`
	Due        time.Time     `json:"due"`
	Started    time.Time     `json:"started"`
	Lateness   time.Duration `json:"lateness"`
	Duration   time.Duration `json:"duration"`
	Worker     int           `json:"worker"`
	Error      string        `json:"error,omitempty"`
}

// TaskEvent is the Data of every task.* event on the bus.
type TaskEvent struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	Kind       string        `json:"kind"`
	Occurrence int           `json:"occurrence"`
	Due        time.Time     `json:"due"`
	Started    time.Time     `json:"started,omitempty"`
	Lateness   time.Duration `json:"lateness,omitempty"`
	Duration   time.Duration `json:"duration,omitempty"`
	Worker     int           `json:"worker"`
	Error      string        `json:"error,omitempty"`
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	Running  bool      `json:"running"`
	Workers  int       `json:"workers"`
	Pending  int       `json:"pending"`
	NextDue  time.Time `json:"next_due,omitempty"`
	NextName string    `json:"next_name,omitempty"`
	InFlight int       `json:"in_flight"`

	Submitted uint64 `json:"submitted"`
	Executed  uint64 `json:"executed"`
	Failed    uint64 `json:"failed"`
	Requeued  uint64 `json:"requeued"`

	IdlePoll    time.Duration `json:"idle_poll"`
	ExecTimeout time.Duration `json:"exec_timeout"`

	Supervisor supervisor.Snapshot `json:"supervisor"`
	History    []HistoryItem       `json:"history"`
}
