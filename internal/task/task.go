package task

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
)

var (
	ErrNilPayload          = errors.New("task payload is nil")
	ErrNonPositiveInterval = errors.New("recurring task interval must be > 0")
	ErrNilSchedule         = errors.New("cron task schedule is nil")
	ErrNoNextRun           = errors.New("cron schedule has no next run")
)

// Kind tags the task variant.
type Kind int

const (
	OneTime Kind = iota
	Recurring
	Cron
)

func (k Kind) String() string {
	switch k {
	case OneTime:
		return "one_time"
	case Recurring:
		return "recurring"
	case Cron:
		return "cron"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Payload is the work a task performs. The scheduler never inspects it.
//
// A returned error or a panic marks the occurrence as failed.
type Payload interface {
	Execute(ctx context.Context) error
}

// PayloadFunc adapts a function to Payload.
type PayloadFunc func(ctx context.Context) error

func (f PayloadFunc) Execute(ctx context.Context) error { return f(ctx) }

// Task is one occurrence of scheduled work. It is a value: successors are new
// Task values, the receiver is never mutated.
type Task struct {
	ID         string
	Name       string
	Kind       Kind
	Due        time.Time
	Interval   time.Duration // Recurring only
	Schedule   cron.Schedule // Cron only
	Occurrence int           // 0 for the first run of a series
	Payload    Payload
}

// Option customizes a task at construction.
type Option func(*Task)

// WithName sets the name used in logs, events and metrics.
func WithName(name string) Option {
	return func(t *Task) { t.Name = strings.TrimSpace(name) }
}

// WithID overrides the generated series ID.
func WithID(id string) Option {
	return func(t *Task) { t.ID = strings.TrimSpace(id) }
}

// NewOneTime builds a task that runs once at due.
func NewOneTime(due time.Time, p Payload, opts ...Option) (Task, error) {
	return build(Task{Kind: OneTime, Due: due, Payload: p}, opts)
}

// NewRecurring builds a task first due at due and then every interval.
func NewRecurring(due time.Time, interval time.Duration, p Payload, opts ...Option) (Task, error) {
	if interval <= 0 {
		return Task{}, fmt.Errorf("%w (got %s)", ErrNonPositiveInterval, interval)
	}
	return build(Task{Kind: Recurring, Due: due, Interval: interval, Payload: p}, opts)
}

// NewCron builds a task whose first occurrence is the schedule's next
// activation after from.
func NewCron(from time.Time, sched cron.Schedule, p Payload, opts ...Option) (Task, error) {
	if sched == nil {
		return Task{}, ErrNilSchedule
	}
	due := sched.Next(from)
	if due.IsZero() {
		return Task{}, ErrNoNextRun
	}
	return build(Task{Kind: Cron, Due: due, Schedule: sched, Payload: p}, opts)
}

func build(t Task, opts []Option) (Task, error) {
	if t.Payload == nil {
		return Task{}, ErrNilPayload
	}
	for _, o := range opts {
		if o != nil {
			o(&t)
		}
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.Name == "" {
		t.Name = t.Kind.String()
	}
	return t, nil
}

// Validate reports whether t could have come from one of the constructors.
// Submit uses it to reject hand-built values.
func (t Task) Validate() error {
	if t.Payload == nil {
		return ErrNilPayload
	}
	switch t.Kind {
	case OneTime:
	case Recurring:
		if t.Interval <= 0 {
			return fmt.Errorf("%w (got %s)", ErrNonPositiveInterval, t.Interval)
		}
	case Cron:
		if t.Schedule == nil {
			return ErrNilSchedule
		}
	default:
		return fmt.Errorf("unknown task kind %d", int(t.Kind))
	}
	return nil
}

// IsRecurring reports whether the task produces successors.
func (t Task) IsRecurring() bool { return t.Kind == Recurring || t.Kind == Cron }

// Successor returns the next occurrence of t, or false if t is terminal.
//
// Recurring successors are due exactly Due+Interval, so the n-th occurrence of
// a series first due at t0 is due at t0+n*Interval regardless of when earlier
// occurrences actually ran.
func Successor(t Task) (Task, bool) {
	switch t.Kind {
	case Recurring:
		next := t
		next.Due = t.Due.Add(t.Interval)
		next.Occurrence = t.Occurrence + 1
		return next, true
	case Cron:
		if t.Schedule == nil {
			return Task{}, false
		}
		due := t.Schedule.Next(t.Due)
		if due.IsZero() {
			return Task{}, false
		}
		next := t
		next.Due = due
		next.Occurrence = t.Occurrence + 1
		return next, true
	default:
		return Task{}, false
	}
}
