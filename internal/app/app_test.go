package app

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"duesched/internal/config"
	"duesched/internal/storage"
	"duesched/internal/task"
	logx "duesched/pkg/logx"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestBuildTasks(t *testing.T) {
	now := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	defs := []config.TaskConfig{
		{Name: "tick", Schedule: "every:30s", StartIn: "5s", Action: config.ActionLog},
		{Name: "once", Schedule: "in:1m", Action: config.ActionLog, Message: "hello"},
		{Name: "nightly", Schedule: "0 3 * * *", Action: config.ActionExec, Command: "true"},
		{Name: "off", Schedule: "1h", Action: config.ActionLog, Disabled: true},
	}
	tasks, err := BuildTasks(defs, now, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 3 {
		t.Fatalf("len = %d, want 3 (disabled skipped)", len(tasks))
	}

	tick := tasks[0]
	if tick.Name != "tick" || tick.Kind != task.Recurring || tick.Interval != 30*time.Second || !tick.Due.Equal(now.Add(5*time.Second)) {
		t.Fatalf("tick = %+v", tick)
	}
	once := tasks[1]
	if once.Kind != task.OneTime || !once.Due.Equal(now.Add(time.Minute)) {
		t.Fatalf("once = %+v", once)
	}
	nightly := tasks[2]
	if nightly.Kind != task.Cron || !nightly.Due.Equal(now.Add(3*time.Hour)) {
		t.Fatalf("nightly = %+v", nightly)
	}
}

func TestBuildTasksErrors(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name string
		def  config.TaskConfig
		want string
	}{
		{"bad schedule", config.TaskConfig{Name: "a", Schedule: "nope", Action: "log"}, "tasks.a.schedule"},
		{"bad start_in", config.TaskConfig{Name: "b", Schedule: "1m", StartIn: "soon", Action: "log"}, "start_in"},
		{"unknown action", config.TaskConfig{Name: "c", Schedule: "1m", Action: "mail"}, "unknown action"},
		{"exec without command", config.TaskConfig{Name: "d", Schedule: "1m", Action: "exec"}, "requires command"},
		// Disabled definitions are still validated.
		{"disabled but broken", config.TaskConfig{Name: "e", Schedule: "", Action: "log", Disabled: true}, "schedule"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := BuildTasks([]config.TaskConfig{tt.def}, now, logx.Nop())
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("err = %v, want %q", err, tt.want)
			}
		})
	}
}

func TestExecAction(t *testing.T) {
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("no /bin/sh")
	}
	ctx := context.Background()

	ok := execAction{log: logx.Nop(), command: "sh", args: []string{"-c", "echo fine"}}
	if err := ok.Execute(ctx); err != nil {
		t.Fatalf("ok: %v", err)
	}

	fail := execAction{log: logx.Nop(), command: "sh", args: []string{"-c", "echo first; echo boom >&2; exit 3"}}
	err := fail.Execute(ctx)
	if err == nil || !strings.Contains(err.Error(), "boom") || !strings.Contains(err.Error(), "exit status 3") {
		t.Fatalf("fail: %v", err)
	}

	slow := execAction{log: logx.Nop(), command: "sleep", args: []string{"5"}, timeout: 50 * time.Millisecond}
	start := time.Now()
	err = slow.Execute(ctx)
	if err == nil || !strings.Contains(err.Error(), "deadline exceeded") {
		t.Fatalf("slow: %v", err)
	}
	if time.Since(start) > 3*time.Second {
		t.Fatal("timeout not enforced")
	}
}

func TestCappedOutput(t *testing.T) {
	c := &capped{max: 4}
	_, _ = c.Write([]byte("ab"))
	_, _ = c.Write([]byte("cdef"))
	_, _ = c.Write([]byte("g"))
	if got := c.String(); got != "abcd...(truncated)" {
		t.Fatalf("capped = %q", got)
	}
	if got := lastLine("one\ntwo\n  three  \n"); got != "three" {
		t.Fatalf("lastLine = %q", got)
	}
}

type notes struct {
	mu     sync.Mutex
	states []string
}

func (n *notes) notify(state string) (bool, error) {
	n.mu.Lock()
	n.states = append(n.states, state)
	n.mu.Unlock()
	return true, nil
}

func (n *notes) has(prefix string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, s := range n.states {
		if strings.HasPrefix(s, prefix) {
			return true
		}
	}
	return false
}

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	p := filepath.Join(dir, "duesched.yaml")
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestAppRunsConfiguredTasksAndRecordsHistory(t *testing.T) {
	dir := t.TempDir()
	hist := filepath.Join(dir, "hist")
	cfgPath := writeConfig(t, dir, `
logging:
  level: error
engine:
  workers: 2
  idle_poll: 50ms
storage:
  driver: file
  path: `+hist+`
tasks:
  - name: tick
    schedule: every:40ms
    action: log
  - name: once
    schedule: in:60ms
    action: log
    message: once fired
`)

	a, err := New(context.Background(), cfgPath)
	if err != nil {
		t.Fatal(err)
	}
	n := &notes{}
	a.sdNotify = n.notify

	if err := a.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !n.has("READY=1") {
		t.Fatal("READY not sent")
	}

	deadline := time.Now().Add(3 * time.Second)
	for a.Scheduler().Snapshot().Executed < 4 {
		if time.Now().After(deadline) {
			t.Fatalf("executed = %d", a.Scheduler().Snapshot().Executed)
		}
		time.Sleep(10 * time.Millisecond)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.Stop(ctx, StopAppStop); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if !n.has("STOPPING=1") {
		t.Fatal("STOPPING not sent")
	}
	if a.Scheduler().Running() {
		t.Fatal("scheduler still running")
	}

	st, err := storage.Open(storage.Config{Driver: "file", Path: hist}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()
	ticks, err := st.RecentRuns(context.Background(), "tick", 100)
	if err != nil {
		t.Fatal(err)
	}
	if len(ticks) < 2 {
		t.Fatalf("recorded tick runs = %d", len(ticks))
	}
	once, err := st.RecentRuns(context.Background(), "once", 100)
	if err != nil {
		t.Fatal(err)
	}
	if len(once) != 1 || !once[0].OK {
		t.Fatalf("once runs = %+v", once)
	}
}

func TestNewRejectsInvalidTasks(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeConfig(t, dir, `
tasks:
  - name: broken
    schedule: "not a schedule at all"
    action: log
`)
	if _, err := New(context.Background(), cfgPath); err == nil {
		t.Fatal("expected error for an unparsable schedule")
	}
}

func TestReloadAppliesLoggingAndFlagsRestart(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeConfig(t, dir, `
logging:
  level: error
engine:
  workers: 1
`)
	a, err := New(context.Background(), cfgPath)
	if err != nil {
		t.Fatal(err)
	}
	a.sdNotify = nil
	if err := a.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.Stop(ctx, StopAppStop)
	}()

	if a.Reload(context.Background()) {
		t.Fatal("unchanged file reported as reloaded")
	}

	writeConfig(t, dir, `
logging:
  level: debug
engine:
  workers: 3
`)
	// The watcher may pick the write up first; either path publishes.
	a.Reload(context.Background())
	deadline := time.Now().Add(2 * time.Second)
	for a.logs.Config().Level != "debug" {
		if time.Now().After(deadline) {
			t.Fatalf("logging level = %q", a.logs.Config().Level)
		}
		time.Sleep(10 * time.Millisecond)
	}
	// Engine changes need a restart; the pool size stays.
	if got := a.Scheduler().Config().Workers; got != 1 {
		t.Fatalf("workers = %d", got)
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeConfig(t, dir, "engine:\n  workers: 1\n")
	a, err := New(context.Background(), cfgPath)
	if err != nil {
		t.Fatal(err)
	}
	a.sdNotify = nil

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx, 5*time.Second) }()

	deadline := time.Now().Add(2 * time.Second)
	for !a.Scheduler().Running() {
		if time.Now().After(deadline) {
			t.Fatal("scheduler never started")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}
}

func TestSignalStopRecordsInFlightOccurrence(t *testing.T) {
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("no /bin/sh")
	}
	dir := t.TempDir()
	hist := filepath.Join(dir, "hist")
	cfgPath := writeConfig(t, dir, `
logging:
  level: error
engine:
  workers: 1
  idle_poll: 50ms
storage:
  driver: file
  path: `+hist+`
tasks:
  - name: slow
    schedule: in:10ms
    action: exec
    command: sh
    args: ["-c", "sleep 0.5"]
`)
	a, err := New(context.Background(), cfgPath)
	if err != nil {
		t.Fatal(err)
	}
	a.sdNotify = nil

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx, 5*time.Second) }()

	deadline := time.Now().Add(3 * time.Second)
	for a.Scheduler().Snapshot().InFlight != 1 {
		if time.Now().After(deadline) {
			t.Fatal("task never started")
		}
		time.Sleep(5 * time.Millisecond)
	}
	// Same path as SIGTERM: the Run ctx ends while the command is running.
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}

	snap := a.Scheduler().Snapshot()
	if snap.Executed != 1 {
		t.Fatalf("executed = %d", snap.Executed)
	}
	st, err := storage.Open(storage.Config{Driver: "file", Path: hist}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()
	runs, err := st.RecentRuns(context.Background(), "slow", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 1 || !runs[0].OK {
		t.Fatalf("recorded runs = %+v, want the in-flight occurrence", runs)
	}
}

func TestReloadCommittedBeforeStartIsApplied(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeConfig(t, dir, "logging:\n  level: error\n")
	a, err := New(context.Background(), cfgPath)
	if err != nil {
		t.Fatal(err)
	}
	a.sdNotify = nil

	writeConfig(t, dir, "logging:\n  level: debug\n")
	if !a.Reload(context.Background()) {
		t.Fatal("changed file not committed")
	}
	if err := a.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.Stop(ctx, StopAppStop)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for a.logs.Config().Level != "debug" {
		if time.Now().After(deadline) {
			t.Fatalf("logging level = %q", a.logs.Config().Level)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
