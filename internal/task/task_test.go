package task

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/robfig/cron/v3"
)

var noop = PayloadFunc(func(context.Context) error { return nil })

func TestNewRecurringRejectsNonPositiveInterval(t *testing.T) {
	t.Parallel()
	now := time.Now()
	for _, iv := range []time.Duration{0, -time.Second, -1} {
		if _, err := NewRecurring(now, iv, noop); !errors.Is(err, ErrNonPositiveInterval) {
			t.Fatalf("NewRecurring(interval=%s) err = %v, want ErrNonPositiveInterval", iv, err)
		}
	}
}

func TestConstructorsRejectNilPayload(t *testing.T) {
	t.Parallel()
	now := time.Now()
	if _, err := NewOneTime(now, nil); !errors.Is(err, ErrNilPayload) {
		t.Fatalf("NewOneTime err = %v", err)
	}
	if _, err := NewRecurring(now, time.Second, nil); !errors.Is(err, ErrNilPayload) {
		t.Fatalf("NewRecurring err = %v", err)
	}
	if _, err := NewCron(now, nil, noop); !errors.Is(err, ErrNilSchedule) {
		t.Fatalf("NewCron err = %v", err)
	}
}

func TestOneTimeHasNoSuccessor(t *testing.T) {
	t.Parallel()
	tk, err := NewOneTime(time.Now(), noop, WithName("once"))
	if err != nil {
		t.Fatal(err)
	}
	if tk.IsRecurring() {
		t.Fatal("one-time task reports recurring")
	}
	if _, ok := Successor(tk); ok {
		t.Fatal("one-time task produced a successor")
	}
}

func TestRecurringSuccessorHasNoDrift(t *testing.T) {
	t.Parallel()
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	const iv = 3 * time.Second
	tk, err := NewRecurring(t0, iv, noop, WithName("tick"), WithID("series-1"))
	if err != nil {
		t.Fatal(err)
	}

	cur := tk
	for n := 1; n <= 50; n++ {
		next, ok := Successor(cur)
		if !ok {
			t.Fatalf("occurrence %d: no successor", n)
		}
		want := t0.Add(time.Duration(n) * iv)
		if !next.Due.Equal(want) {
			t.Fatalf("occurrence %d due = %s, want %s", n, next.Due, want)
		}
		if next.Occurrence != n {
			t.Fatalf("occurrence = %d, want %d", next.Occurrence, n)
		}
		if next.ID != "series-1" || next.Name != "tick" || next.Interval != iv {
			t.Fatalf("successor lost identity: %+v", next)
		}
		cur = next
	}
	// Receiver is never mutated.
	if !tk.Due.Equal(t0) || tk.Occurrence != 0 {
		t.Fatalf("original task mutated: %+v", tk)
	}
}

func TestCronSuccessorFollowsSchedule(t *testing.T) {
	t.Parallel()
	sched, err := cron.ParseStandard("*/15 * * * *")
	if err != nil {
		t.Fatal(err)
	}
	from := time.Date(2026, 1, 1, 10, 7, 0, 0, time.UTC)
	tk, err := NewCron(from, sched, noop)
	if err != nil {
		t.Fatal(err)
	}
	if want := time.Date(2026, 1, 1, 10, 15, 0, 0, time.UTC); !tk.Due.Equal(want) {
		t.Fatalf("first due = %s, want %s", tk.Due, want)
	}
	next, ok := Successor(tk)
	if !ok {
		t.Fatal("cron task produced no successor")
	}
	if want := time.Date(2026, 1, 1, 10, 30, 0, 0, time.UTC); !next.Due.Equal(want) {
		t.Fatalf("successor due = %s, want %s", next.Due, want)
	}
}

func TestBuildDefaults(t *testing.T) {
	t.Parallel()
	tk, err := NewOneTime(time.Now(), noop)
	if err != nil {
		t.Fatal(err)
	}
	if tk.ID == "" {
		t.Fatal("ID not generated")
	}
	if tk.Name != "one_time" {
		t.Fatalf("Name = %q", tk.Name)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		task Task
		ok   bool
	}{
		{name: "one-time", task: Task{Kind: OneTime, Payload: noop}, ok: true},
		{name: "recurring", task: Task{Kind: Recurring, Interval: time.Second, Payload: noop}, ok: true},
		{name: "zero interval", task: Task{Kind: Recurring, Payload: noop}},
		{name: "no payload", task: Task{Kind: OneTime}},
		{name: "cron without schedule", task: Task{Kind: Cron, Payload: noop}},
		{name: "unknown kind", task: Task{Kind: Kind(42), Payload: noop}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			err := tt.task.Validate()
			if tt.ok && err != nil {
				t.Fatalf("Validate() = %v, want nil", err)
			}
			if !tt.ok && err == nil {
				t.Fatal("Validate() = nil, want error")
			}
		})
	}
}
