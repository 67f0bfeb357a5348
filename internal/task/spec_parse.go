package task

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// SpecKind describes the normalized kind of a schedule string.
type SpecKind int

const (
	SpecOnceAt SpecKind = iota
	SpecOnceIn
	SpecInterval
	SpecCron
)

// ParsedSpec represents a parsed schedule string.
//
// Supported forms:
//   - One-time absolute: "at:2026-01-02T15:04:05Z" (RFC3339)
//   - One-time relative: "in:5s", "in:01:30"
//   - Interval: "3s", "2h30m", "00:50" (HH:MM), "every:3s", "interval:3s", "@every 3s"
//   - Cron: "*/5 * * * *", "*/10 * * * * *" (optional seconds), "@hourly", "cron:0 0 * * *"
type ParsedSpec struct {
	Kind   SpecKind
	At     time.Time
	Delay  time.Duration // SpecOnceIn
	Every  time.Duration // SpecInterval
	Cron   cron.Schedule // SpecCron
	Source string        // "at" | "in" | "duration" | "hhmm" | "cron"
}

var reHHMM = regexp.MustCompile(`^\s*(\d{1,3}):(\d{2})\s*$`)

// cronParser accepts both 5-field and 6-field (with seconds) specs.
var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseSchedule parses a schedule string.
func ParseSchedule(raw string) (ParsedSpec, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return ParsedSpec{}, fmt.Errorf("schedule required")
	}

	low := strings.ToLower(s)
	switch {
	case strings.HasPrefix(low, "at:"):
		v := strings.TrimSpace(s[len("at:"):])
		at, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return ParsedSpec{}, fmt.Errorf("invalid time %q (use RFC3339): %w", v, err)
		}
		return ParsedSpec{Kind: SpecOnceAt, At: at, Source: "at"}, nil
	case strings.HasPrefix(low, "in:"):
		d, _, err := parseInterval(s[len("in:"):], true)
		if err != nil {
			return ParsedSpec{}, err
		}
		return ParsedSpec{Kind: SpecOnceIn, Delay: d, Source: "in"}, nil
	case strings.HasPrefix(low, "cron:"):
		expr := strings.TrimSpace(s[len("cron:"):])
		if expr == "" {
			return ParsedSpec{}, fmt.Errorf("cron schedule required after 'cron:'")
		}
		return parseCron(expr)
	case strings.HasPrefix(low, "interval:"):
		return intervalSpec(s[len("interval:"):])
	case strings.HasPrefix(low, "every:"):
		return intervalSpec(s[len("every:"):])
	}

	// Heuristics:
	// - any whitespace or leading '@' => cron
	if strings.ContainsAny(s, " \t\n\r") || strings.HasPrefix(s, "@") {
		return parseCron(s)
	}

	if reHHMM.MatchString(s) {
		d, err := parseHHMMDuration(s)
		if err != nil {
			return ParsedSpec{}, err
		}
		return ParsedSpec{Kind: SpecInterval, Every: d, Source: "hhmm"}, nil
	}

	d, err := time.ParseDuration(s)
	if err == nil {
		if d <= 0 {
			return ParsedSpec{}, fmt.Errorf("interval must be > 0")
		}
		return ParsedSpec{Kind: SpecInterval, Every: d, Source: "duration"}, nil
	}

	return ParsedSpec{}, fmt.Errorf(
		"invalid schedule %q (use cron like '*/5 * * * *', HH:MM like '02:30', duration like '55m', 'in:5s' or 'at:<RFC3339>')",
		raw,
	)
}

// Build turns the parsed spec into a task relative to now.
//
// startIn delays the first occurrence of interval schedules; 0 means the first
// run happens one interval after now. It is ignored for other kinds.
func (p ParsedSpec) Build(now time.Time, startIn time.Duration, payload Payload, opts ...Option) (Task, error) {
	switch p.Kind {
	case SpecOnceAt:
		return NewOneTime(p.At, payload, opts...)
	case SpecOnceIn:
		return NewOneTime(now.Add(p.Delay), payload, opts...)
	case SpecInterval:
		first := now.Add(p.Every)
		if startIn > 0 {
			first = now.Add(startIn)
		}
		return NewRecurring(first, p.Every, payload, opts...)
	case SpecCron:
		return NewCron(now, p.Cron, payload, opts...)
	default:
		return Task{}, fmt.Errorf("unknown schedule kind %d", int(p.Kind))
	}
}

func parseCron(expr string) (ParsedSpec, error) {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return ParsedSpec{}, fmt.Errorf("invalid cron %q: %w", expr, err)
	}
	// "@every" yields a fixed delay; run it as a drift-free interval.
	if cd, ok := sched.(cron.ConstantDelaySchedule); ok {
		return ParsedSpec{Kind: SpecInterval, Every: cd.Delay, Source: "cron"}, nil
	}
	return ParsedSpec{Kind: SpecCron, Cron: sched, Source: "cron"}, nil
}

func intervalSpec(v string) (ParsedSpec, error) {
	d, src, err := parseInterval(v, false)
	if err != nil {
		return ParsedSpec{}, err
	}
	return ParsedSpec{Kind: SpecInterval, Every: d, Source: src}, nil
}

func parseInterval(v string, allowZero bool) (time.Duration, string, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, "", fmt.Errorf("interval required")
	}
	if reHHMM.MatchString(v) {
		d, err := parseHHMMDuration(v)
		return d, "hhmm", err
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, "", fmt.Errorf("invalid interval %q (use HH:MM or Go duration like '55m'/'2h30m')", v)
	}
	if d < 0 || (d == 0 && !allowZero) {
		return 0, "", fmt.Errorf("interval must be > 0")
	}
	return d, "duration", nil
}

func parseHHMMDuration(v string) (time.Duration, error) {
	m := reHHMM.FindStringSubmatch(v)
	if len(m) != 3 {
		return 0, fmt.Errorf("invalid HH:MM %q", v)
	}
	// hours up to 999, minutes 0..59
	var hh int
	for i := 0; i < len(m[1]); i++ {
		hh = hh*10 + int(m[1][i]-'0')
	}
	mm := int(m[2][0]-'0')*10 + int(m[2][1]-'0')
	if mm > 59 {
		return 0, fmt.Errorf("invalid minutes in %q", v)
	}
	d := time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute
	if d <= 0 {
		return 0, fmt.Errorf("interval must be > 0")
	}
	return d, nil
}
