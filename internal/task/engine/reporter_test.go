package engine

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	logx "duesched/pkg/logx"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	sc := bufio.NewScanner(buf)
	for sc.Scan() {
		var m map[string]any
		if err := json.Unmarshal(sc.Bytes(), &m); err != nil {
			t.Fatalf("decode %q: %v", sc.Text(), err)
		}
		out = append(out, m)
	}
	return out
}

func TestLogReporterThrottlesPerTask(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	r := NewLogReporter(logx.NewWriter(&buf, "debug"), time.Hour, 2)

	boom := errors.New("boom")
	for i := 0; i < 5; i++ {
		r.Report(context.Background(), Failure{Name: "a", Occurrence: i, Err: boom})
	}
	r.Report(context.Background(), Failure{Name: "b", Err: boom})

	lines := decodeLines(t, &buf)
	if len(lines) != 3 {
		t.Fatalf("logged %d lines, want 3 (2 for a, 1 for b)", len(lines))
	}
	for _, l := range lines {
		if l["message"] != "task.failed" || l["level"] != "warn" {
			t.Fatalf("unexpected line: %v", l)
		}
	}
	if got := r.suppressed["a"]; got != 3 {
		t.Fatalf("suppressed[a] = %d, want 3", got)
	}
}

func TestLogReporterZeroEveryLogsAll(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	r := NewLogReporter(logx.NewWriter(&buf, "debug"), 0, 1)
	for i := 0; i < 4; i++ {
		r.Report(context.Background(), Failure{Name: "a", Err: errors.New("x")})
	}
	if n := len(decodeLines(t, &buf)); n != 4 {
		t.Fatalf("logged %d lines, want 4", n)
	}
}

func TestLogReporterPanicIncludesStack(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	r := NewLogReporter(logx.NewWriter(&buf, "debug"), time.Hour, 1)
	r.Report(context.Background(), Failure{Name: "p", Err: &PanicError{Value: "bad", Stack: "goroutine 1 [running]"}})

	lines := decodeLines(t, &buf)
	if len(lines) != 1 {
		t.Fatalf("lines = %d", len(lines))
	}
	if lines[0]["message"] != "task.panic" || lines[0]["level"] != "error" {
		t.Fatalf("unexpected line: %v", lines[0])
	}
	if _, ok := lines[0]["stack"]; !ok {
		t.Fatalf("stack missing: %v", lines[0])
	}
}

func TestMultiReporterFansOut(t *testing.T) {
	t.Parallel()
	var a, b int
	m := MultiReporter{
		ReporterFunc(func(context.Context, Failure) { a++ }),
		nil,
		ReporterFunc(func(context.Context, Failure) { b++ }),
	}
	m.Report(context.Background(), Failure{Err: errors.New("x")})
	if a != 1 || b != 1 {
		t.Fatalf("a=%d b=%d", a, b)
	}
}

func TestRunPayloadRecoversPanic(t *testing.T) {
	t.Parallel()
	err := runPayload(context.Background(), nil)
	if err == nil {
		t.Fatal("nil payload should fail")
	}
	err = runPayload(context.Background(), panicky{})
	if !IsPanic(err) {
		t.Fatalf("err = %v, want panic error", err)
	}
}

type panicky struct{}

func (panicky) Execute(context.Context) error { panic("oops") }
