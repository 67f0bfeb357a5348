package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Config is the daemon configuration file.
//
// Every duration is a Go duration string ("500ms", "10s", "1m").
type Config struct {
	Logging LoggingConfig  `json:"logging"`
	Engine  EngineConfig   `json:"engine"`
	Storage *StorageConfig `json:"storage,omitempty"`
	Debug   DebugConfig    `json:"debug,omitempty"`
	Tasks   []TaskConfig   `json:"tasks,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled    bool   `json:"enabled"`
	Path       string `json:"path"`
	MaxSizeMB  int    `json:"max_size_mb,omitempty"`
	MaxBackups int    `json:"max_backups,omitempty"`
	MaxAgeDays int    `json:"max_age_days,omitempty"`
	Compress   bool   `json:"compress,omitempty"`
}

// EngineConfig controls the worker pool.
//
// Defaults (when fields are omitted/zero):
//   - workers: 2
//   - idle_poll: "1s"
//   - exec_timeout: "0s" (disabled)
//   - history_size: 200
//   - failure_log_every: "10s", failure_log_burst: 3
type EngineConfig struct {
	Workers     int    `json:"workers,omitempty"`
	IdlePoll    string `json:"idle_poll,omitempty"`
	ExecTimeout string `json:"exec_timeout,omitempty"`
	HistorySize int    `json:"history_size,omitempty"`

	// Failure logs are throttled per task name. "0s" logs every failure.
	FailureLogEvery string `json:"failure_log_every,omitempty"`
	FailureLogBurst int    `json:"failure_log_burst,omitempty"`
}

// StorageConfig controls the run-history store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./duesched.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

// DebugConfig controls the optional diagnostics HTTP server.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:6060").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type DebugConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default: "127.0.0.1:6060"
	Token         string `json:"token,omitempty"` // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	// WriteTimeout defaults to 0 so /debug/pprof/profile (30s+) works.
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`

	// Runtime profiling rates. Leave 0 to keep Go defaults.
	MutexProfileFraction int `json:"mutex_profile_fraction,omitempty"`
	BlockProfileRate     int `json:"block_profile_rate,omitempty"`
}

// TaskConfig declares a task submitted at startup.
//
// Schedule accepts "at:<RFC3339|HH:MM>", "in:<duration>", "every:<duration>",
// a plain duration (interval), or a cron expression.
type TaskConfig struct {
	Name     string `json:"name"`
	Schedule string `json:"schedule"`
	// StartIn delays the first run of interval tasks.
	StartIn string `json:"start_in,omitempty"`
	// Disabled tasks are parsed and validated but not submitted.
	Disabled bool `json:"disabled,omitempty"`

	// Action is "log" or "exec".
	Action  string   `json:"action"`
	Message string   `json:"message,omitempty"` // log
	Command string   `json:"command,omitempty"` // exec
	Args    []string `json:"args,omitempty"`    // exec
	Dir     string   `json:"dir,omitempty"`     // exec
	Timeout string   `json:"timeout,omitempty"` // per-execution deadline
}

const (
	ActionLog  = "log"
	ActionExec = "exec"

	DriverNone   = "none"
	DriverFile   = "file"
	DriverSQLite = "sqlite"

	DefaultDebugAddr = "127.0.0.1:6060"
)

// Engine is EngineConfig with defaults applied and durations parsed.
type Engine struct {
	Workers         int
	IdlePoll        time.Duration
	ExecTimeout     time.Duration
	HistorySize     int
	FailureLogEvery time.Duration
	FailureLogBurst int
}

func (c EngineConfig) Resolve() (Engine, error) {
	out := Engine{
		Workers:         c.Workers,
		HistorySize:     c.HistorySize,
		FailureLogBurst: c.FailureLogBurst,
	}
	if c.Workers < 0 {
		return Engine{}, fmt.Errorf("engine.workers: must be >= 1 (got %d)", c.Workers)
	}
	if out.Workers == 0 {
		out.Workers = 2
	}
	if out.HistorySize <= 0 {
		out.HistorySize = 200
	}
	if out.FailureLogBurst <= 0 {
		out.FailureLogBurst = 3
	}

	var err error
	if out.IdlePoll, err = ParseDurationOrDefault("engine.idle_poll", c.IdlePoll, time.Second); err != nil {
		return Engine{}, err
	}
	if out.ExecTimeout, err = ParseDurationField("engine.exec_timeout", c.ExecTimeout); err != nil {
		return Engine{}, err
	}
	// An explicit "0s" disables throttling; only an empty value takes the default.
	if strings.TrimSpace(c.FailureLogEvery) == "" {
		out.FailureLogEvery = 10 * time.Second
	} else if out.FailureLogEvery, err = ParseDurationField("engine.failure_log_every", c.FailureLogEvery); err != nil {
		return Engine{}, err
	}
	return out, nil
}

// Debug is DebugConfig with defaults applied and durations parsed.
type Debug struct {
	Enabled       bool
	Addr          string
	Token         string
	AllowInsecure bool
	ReadTimeout   time.Duration
	WriteTimeout  time.Duration
	IdleTimeout   time.Duration

	MutexProfileFraction int
	BlockProfileRate     int
}

func (c DebugConfig) Resolve() (Debug, error) {
	out := Debug{
		Enabled:              c.Enabled,
		Addr:                 strings.TrimSpace(c.Addr),
		Token:                strings.TrimSpace(c.Token),
		AllowInsecure:        c.AllowInsecure,
		MutexProfileFraction: c.MutexProfileFraction,
		BlockProfileRate:     c.BlockProfileRate,
	}
	if out.Addr == "" {
		out.Addr = DefaultDebugAddr
	}
	var err error
	if out.ReadTimeout, err = ParseDurationOrDefault("debug.read_timeout", c.ReadTimeout, 10*time.Second); err != nil {
		return Debug{}, err
	}
	if out.WriteTimeout, err = ParseDurationField("debug.write_timeout", c.WriteTimeout); err != nil {
		return Debug{}, err
	}
	if out.IdleTimeout, err = ParseDurationOrDefault("debug.idle_timeout", c.IdleTimeout, 60*time.Second); err != nil {
		return Debug{}, err
	}
	return out, nil
}

// StorageDriver returns the normalized driver name; a missing section means none.
func (c *Config) StorageDriver() string {
	if c == nil || c.Storage == nil {
		return DriverNone
	}
	d := strings.ToLower(strings.TrimSpace(c.Storage.Driver))
	if d == "" {
		return DriverNone
	}
	return d
}

// Validate checks everything that can be checked without building tasks.
// Schedule strings are validated by the app, which owns the parser.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	var errs []error
	if _, err := c.Engine.Resolve(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.Debug.Resolve(); err != nil {
		errs = append(errs, err)
	}

	switch c.StorageDriver() {
	case DriverNone:
	case DriverFile, DriverSQLite:
		if strings.TrimSpace(c.Storage.Path) == "" {
			errs = append(errs, fmt.Errorf("storage.path: required for driver %q", c.StorageDriver()))
		}
		if _, err := ParseDurationField("storage.busy_timeout", c.Storage.BusyTimeout); err != nil {
			errs = append(errs, err)
		}
	default:
		errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver))
	}

	seen := map[string]struct{}{}
	for i, t := range c.Tasks {
		path := fmt.Sprintf("tasks[%d]", i)
		name := strings.TrimSpace(t.Name)
		if name == "" {
			errs = append(errs, fmt.Errorf("%s.name: required", path))
		} else if _, dup := seen[name]; dup {
			errs = append(errs, fmt.Errorf("%s.name: duplicate %q", path, name))
		}
		seen[name] = struct{}{}
		if strings.TrimSpace(t.Schedule) == "" {
			errs = append(errs, fmt.Errorf("%s.schedule: required", path))
		}
		if _, err := ParseDurationField(path+".start_in", t.StartIn); err != nil {
			errs = append(errs, err)
		}
		if _, err := ParseDurationField(path+".timeout", t.Timeout); err != nil {
			errs = append(errs, err)
		}
		switch strings.ToLower(strings.TrimSpace(t.Action)) {
		case ActionLog:
		case ActionExec:
			if strings.TrimSpace(t.Command) == "" {
				errs = append(errs, fmt.Errorf("%s.command: required for exec", path))
			}
		default:
			errs = append(errs, fmt.Errorf("%s.action: unknown action %q", path, t.Action))
		}
	}
	return errors.Join(errs...)
}
