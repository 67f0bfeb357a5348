package storage

import (
	"context"
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default

	// Retain caps how many records are kept. 0 means 10000.
	Retain int
}

func (c Config) retain() int {
	if c.Retain <= 0 {
		return 10000
	}
	return c.Retain
}

// RunRecord is one finished occurrence. Keep it compact and schema-stable.
type RunRecord struct {
	At         time.Time `json:"at"`
	TaskID     string    `json:"task_id"`
	Name       string    `json:"name"`
	Kind       string    `json:"kind"`
	Occurrence int       `json:"occurrence"`
	Due        time.Time `json:"due"`
	LatenessMS int64     `json:"lateness_ms"`
	TookMS     int64     `json:"took_ms"`
	Worker     int       `json:"worker"`
	OK         bool      `json:"ok"`
	Error      string    `json:"error,omitempty"`
}

// Store is the run-history API.
type Store interface {
	AppendRun(ctx context.Context, r RunRecord) error
	// RecentRuns returns up to limit records, newest first. An empty name
	// matches every task.
	RecentRuns(ctx context.Context, name string, limit int) ([]RunRecord, error)
	Close() error
}
