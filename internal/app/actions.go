package app

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"duesched/internal/config"
	"duesched/internal/task"
	logx "duesched/pkg/logx"
)

// maxOutput caps how much command output is kept for logs and errors.
const maxOutput = 4 << 10

// logAction writes the configured message at info level.
type logAction struct {
	log     logx.Logger
	message string
}

func (a logAction) Execute(context.Context) error {
	a.log.Info(a.message)
	return nil
}

// execAction runs a command. A non-zero exit is a failed occurrence.
type execAction struct {
	log     logx.Logger
	command string
	args    []string
	dir     string
	timeout time.Duration
}

func (a execAction) Execute(ctx context.Context) error {
	if a.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}
	cmd := exec.CommandContext(ctx, a.command, a.args...)
	cmd.Dir = a.dir
	out := &capped{max: maxOutput}
	cmd.Stdout = out
	cmd.Stderr = out

	start := time.Now()
	err := cmd.Run()
	fields := []logx.Field{
		logx.String("command", a.command),
		logx.Duration("took", time.Since(start)),
	}
	if s := strings.TrimSpace(out.String()); s != "" {
		fields = append(fields, logx.String("output", s))
	}
	if err != nil {
		if ctx.Err() != nil {
			err = fmt.Errorf("%w (%v)", err, ctx.Err())
		}
		if tail := lastLine(out.String()); tail != "" {
			return fmt.Errorf("%s: %w: %s", a.command, err, tail)
		}
		return fmt.Errorf("%s: %w", a.command, err)
	}
	a.log.Debug("exec finished", fields...)
	return nil
}

// capped keeps the first max bytes written and discards the rest.
type capped struct {
	buf       bytes.Buffer
	max       int
	truncated bool
}

func (c *capped) Write(p []byte) (int, error) {
	if room := c.max - c.buf.Len(); room > 0 {
		if len(p) > room {
			c.buf.Write(p[:room])
			c.truncated = true
		} else {
			c.buf.Write(p)
		}
	} else if len(p) > 0 {
		c.truncated = true
	}
	return len(p), nil
}

func (c *capped) String() string {
	if c.truncated {
		return c.buf.String() + "...(truncated)"
	}
	return c.buf.String()
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	return strings.TrimSpace(s)
}

// buildPayload maps a task definition to its action.
func buildPayload(tc config.TaskConfig, log logx.Logger) (task.Payload, error) {
	log = log.With(logx.String("task", tc.Name))
	switch strings.ToLower(strings.TrimSpace(tc.Action)) {
	case config.ActionLog:
		msg := strings.TrimSpace(tc.Message)
		if msg == "" {
			msg = "task " + tc.Name + " fired"
		}
		return logAction{log: log, message: msg}, nil
	case config.ActionExec:
		timeout, err := config.ParseDurationField("tasks."+tc.Name+".timeout", tc.Timeout)
		if err != nil {
			return nil, err
		}
		if strings.TrimSpace(tc.Command) == "" {
			return nil, fmt.Errorf("tasks.%s: exec requires command", tc.Name)
		}
		return execAction{
			log:     log,
			command: strings.TrimSpace(tc.Command),
			args:    append([]string(nil), tc.Args...),
			dir:     strings.TrimSpace(tc.Dir),
			timeout: timeout,
		}, nil
	default:
		return nil, fmt.Errorf("tasks.%s: unknown action %q", tc.Name, tc.Action)
	}
}

// BuildTasks turns task definitions into tasks anchored at now. Disabled
// definitions are validated and skipped.
func BuildTasks(defs []config.TaskConfig, now time.Time, log logx.Logger) ([]task.Task, error) {
	out := make([]task.Task, 0, len(defs))
	for _, tc := range defs {
		spec, err := task.ParseSchedule(tc.Schedule)
		if err != nil {
			return nil, fmt.Errorf("tasks.%s.schedule: %w", tc.Name, err)
		}
		startIn, err := config.ParseDurationField("tasks."+tc.Name+".start_in", tc.StartIn)
		if err != nil {
			return nil, err
		}
		p, err := buildPayload(tc, log)
		if err != nil {
			return nil, err
		}
		t, err := spec.Build(now, startIn, p, task.WithName(strings.TrimSpace(tc.Name)))
		if err != nil {
			return nil, fmt.Errorf("tasks.%s: %w", tc.Name, err)
		}
		if tc.Disabled {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}
