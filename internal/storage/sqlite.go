package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	logx "duesched/pkg/logx"
)

//go:embed migrations.sql
var migrations string

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger

	retain     int
	opCount    atomic.Uint64
	pruneEvery uint64
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = time.Second
	}
	for _, pragma := range []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()),
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			log.Debug("sqlite pragma failed", logx.String("pragma", pragma), logx.Err(err))
		}
	}

	st := &sqliteStore{db: db, log: log, retain: cfg.retain(), pruneEvery: 500}
	if _, err := db.ExecContext(context.Background(), migrations); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	return st, nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) AppendRun(ctx context.Context, r RunRecord) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if r.At.IsZero() {
		r.At = time.Now()
	}
	ok := 0
	if r.OK {
		ok = 1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs(at, task_id, name, kind, occurrence, due, lateness_ms, took_ms, worker, ok, err)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?)`,
		r.At.UTC().Format(time.RFC3339Nano), r.TaskID, r.Name, r.Kind, r.Occurrence,
		r.Due.UTC().Format(time.RFC3339Nano), r.LatenessMS, r.TookMS, r.Worker, ok, nullStr(r.Error),
	)
	if err == nil && s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
		if perr := s.prune(pctx); perr != nil {
			s.log.Debug("run history prune failed", logx.Err(perr))
		}
		cancel()
	}
	return err
}

func (s *sqliteStore) RecentRuns(ctx context.Context, name string, limit int) ([]RunRecord, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	if limit <= 0 {
		limit = 50
	}
	q := `SELECT at, task_id, name, kind, occurrence, due, lateness_ms, took_ms, worker, ok, err
	      FROM runs`
	args := []any{}
	if name = strings.TrimSpace(name); name != "" {
		q += ` WHERE name = ?`
		args = append(args, name)
	}
	q += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RunRecord
	for rows.Next() {
		var (
			r       RunRecord
			at, due string
			ok      int
			errStr  sql.NullString
		)
		if err := rows.Scan(&at, &r.TaskID, &r.Name, &r.Kind, &r.Occurrence, &due, &r.LatenessMS, &r.TookMS, &r.Worker, &ok, &errStr); err != nil {
			return nil, err
		}
		r.At, _ = time.Parse(time.RFC3339Nano, at)
		r.Due, _ = time.Parse(time.RFC3339Nano, due)
		r.OK = ok != 0
		r.Error = errStr.String
		out = append(out, r)
	}
	return out, rows.Err()
}

// prune keeps only the newest retain rows.
func (s *sqliteStore) prune(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM runs WHERE id <= (SELECT id FROM runs ORDER BY id DESC LIMIT 1 OFFSET ?)`,
		s.retain,
	)
	return err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
