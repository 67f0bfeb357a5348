package logx

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestParseLevel(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		want zerolog.Level
	}{
		{"debug", zerolog.DebugLevel},
		{" WARN ", zerolog.WarnLevel},
		{"warning", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"", zerolog.InfoLevel},
		{"bogus", zerolog.InfoLevel},
	}
	for _, tt := range tests {
		if got := parseLevel(tt.in, zerolog.InfoLevel); got != tt.want {
			t.Fatalf("parseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestWriterLoggerFields(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "debug").With(String("comp", "engine"))
	log.Warn("task.failed", String("task", "backup"), Int("occurrence", 3), Err(errors.New("boom")))

	var m map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &m); err != nil {
		t.Fatalf("decode log line: %v (%q)", err, buf.String())
	}
	if m["message"] != "task.failed" {
		t.Fatalf("message = %v", m["message"])
	}
	if m["comp"] != "engine" || m["task"] != "backup" {
		t.Fatalf("missing fields: %v", m)
	}
	if m["occurrence"] != float64(3) {
		t.Fatalf("occurrence = %v", m["occurrence"])
	}
	if m[zerolog.ErrorFieldName] != "boom" {
		t.Fatalf("err field = %v", m[zerolog.ErrorFieldName])
	}
	if c, _ := m[zerolog.CallerFieldName].(string); !strings.HasPrefix(c, "logging_test.go:") {
		t.Fatalf("caller = %q", c)
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "warn")
	log.Info("hidden")
	if buf.Len() != 0 {
		t.Fatalf("info written at warn level: %q", buf.String())
	}
	if log.Enabled(LevelDebug) {
		t.Fatal("debug should not be enabled at warn level")
	}
	if !log.Enabled(LevelError) {
		t.Fatal("error should be enabled at warn level")
	}
}

func TestZeroLoggerIsNoop(t *testing.T) {
	var l Logger
	if !l.IsZero() {
		t.Fatal("zero logger should report IsZero")
	}
	l.Info("nothing happens")
	if Nop().IsZero() {
		t.Fatal("Nop logger should not be zero")
	}
}
