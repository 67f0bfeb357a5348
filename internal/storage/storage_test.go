package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"duesched/internal/eventbus"
	"duesched/internal/task/engine"
	logx "duesched/pkg/logx"
)

func openT(t *testing.T, cfg Config) Store {
	t.Helper()
	st, err := Open(cfg, logx.Nop())
	if err != nil {
		t.Fatalf("Open(%s): %v", cfg.Driver, err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func rec(name string, occ int, ok bool) RunRecord {
	r := RunRecord{
		At:         time.Date(2030, 1, 1, 0, 0, occ, 0, time.UTC),
		TaskID:     "id-" + name,
		Name:       name,
		Kind:       "recurring",
		Occurrence: occ,
		Due:        time.Date(2030, 1, 1, 0, 0, occ, 0, time.UTC),
		TookMS:     int64(occ),
		OK:         ok,
	}
	if !ok {
		r.Error = "boom"
	}
	return r
}

func TestOpenDisabled(t *testing.T) {
	for _, d := range []string{"", "none", " NONE "} {
		st, err := Open(Config{Driver: d}, logx.Nop())
		if st != nil || err != nil {
			t.Fatalf("Open(%q) = %v, %v", d, st, err)
		}
	}
	if _, err := Open(Config{Driver: "redis", Path: "x"}, logx.Nop()); err == nil {
		t.Fatal("unknown driver accepted")
	}
	if _, err := Open(Config{Driver: "file"}, logx.Nop()); err == nil {
		t.Fatal("file driver without path accepted")
	}
}

func testDriver(t *testing.T, driver string) {
	path := filepath.Join(t.TempDir(), "sub", "history.db")
	st := openT(t, Config{Driver: driver, Path: path})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := st.AppendRun(ctx, rec("a", i, i%2 == 0)); err != nil {
			t.Fatal(err)
		}
		if err := st.AppendRun(ctx, rec("b", i, true)); err != nil {
			t.Fatal(err)
		}
	}

	got, err := st.RecentRuns(ctx, "a", 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 {
		t.Fatalf("len = %d", len(got))
	}
	for i, want := range []int{4, 3, 2} {
		if got[i].Name != "a" || got[i].Occurrence != want {
			t.Fatalf("got[%d] = %+v, want occurrence %d", i, got[i], want)
		}
	}
	if got[1].OK || got[1].Error != "boom" {
		t.Fatalf("failed run not preserved: %+v", got[1])
	}
	if !got[0].At.Equal(rec("a", 4, true).At) || !got[0].Due.Equal(rec("a", 4, true).Due) {
		t.Fatalf("times not preserved: %+v", got[0])
	}

	all, err := st.RecentRuns(ctx, "", 100)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 10 || all[0].Name != "b" {
		t.Fatalf("all = %d records, first %+v", len(all), all[0])
	}
}

func TestFileDriver(t *testing.T)   { testDriver(t, "file") }
func TestSQLiteDriver(t *testing.T) { testDriver(t, "sqlite") }

func TestFileCompactsAndReopens(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{Driver: "file", Path: filepath.Join(dir, "h.json"), Retain: 5}
	st, err := Open(cfg, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	for i := 0; i < 12; i++ {
		if err := st.AppendRun(ctx, rec("a", i, true)); err != nil {
			t.Fatal(err)
		}
	}
	if err := st.Close(); err != nil {
		t.Fatal(err)
	}

	// 10 lines triggered a compaction down to 5, then 2 more were appended.
	b, err := os.ReadFile(filepath.Join(dir, "h.runs.jsonl"))
	if err != nil {
		t.Fatal(err)
	}
	lines := 0
	for _, c := range b {
		if c == '\n' {
			lines++
		}
	}
	if lines != 7 {
		t.Fatalf("lines after compaction = %d, want 7", lines)
	}

	st = openT(t, cfg)
	got, err := st.RecentRuns(ctx, "a", 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Occurrence != 11 {
		t.Fatalf("newest after reopen = %+v", got)
	}
	if err := st.AppendRun(ctx, rec("a", 12, true)); err != nil {
		t.Fatal(err)
	}
}

func TestFileSkipsTornLine(t *testing.T) {
	dir := t.TempDir()
	runs := filepath.Join(dir, "h.runs.jsonl")
	body := `{"name":"a","occurrence":1,"ok":true}` + "\n" + `{"name":"a","occ`
	if err := os.WriteFile(runs, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	st := openT(t, Config{Driver: "file", Path: filepath.Join(dir, "h")})
	got, err := st.RecentRuns(context.Background(), "", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Fatalf("records = %d, want 1", len(got))
	}
}

func TestSQLitePrunesToRetain(t *testing.T) {
	st := openT(t, Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "h.db"), Retain: 3})
	s := st.(*sqliteStore)
	ctx := context.Background()
	for i := 0; i < 8; i++ {
		if err := st.AppendRun(ctx, rec("a", i, true)); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.prune(ctx); err != nil {
		t.Fatal(err)
	}
	got, err := st.RecentRuns(ctx, "", 100)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 || got[2].Occurrence != 5 {
		t.Fatalf("after prune: %+v", got)
	}
}

func TestRecorderWritesFinishedAndFailed(t *testing.T) {
	bus := eventbus.New()
	st := openT(t, Config{Driver: "file", Path: filepath.Join(t.TempDir(), "h")})
	r := NewRecorder(st, bus, logx.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	now := time.Now()
	for i := 0; i < 4; i++ {
		typ := eventbus.TaskFinished
		errStr := ""
		if i == 2 {
			typ, errStr = eventbus.TaskFailed, "exit status 1"
		}
		bus.Publish(eventbus.Event{Type: typ, Time: now, Data: engine.TaskEvent{
			ID: "x", Name: "job", Kind: "recurring", Occurrence: i,
			Duration: 1500 * time.Millisecond, Error: errStr,
		}})
	}
	bus.Publish(eventbus.Event{Type: eventbus.TaskStarted, Data: engine.TaskEvent{Name: "job"}})
	bus.Publish(eventbus.Event{Type: eventbus.TaskFinished, Data: "not a task event"})

	cancel()
	if err := <-done; err != nil {
		t.Fatal(err)
	}
	if r.Written() != 4 || r.Errors() != 0 {
		t.Fatalf("written=%d errors=%d", r.Written(), r.Errors())
	}
	got, err := st.RecentRuns(context.Background(), "job", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 4 {
		t.Fatalf("records = %d", len(got))
	}
	if got[1].OK || got[1].Error != "exit status 1" || got[1].TookMS != 1500 {
		t.Fatalf("failed record = %+v", got[1])
	}
	for _, g := range got {
		if g.Occurrence == 2 {
			continue
		}
		if !g.OK {
			t.Fatalf("record %d not ok", g.Occurrence)
		}
	}
}
