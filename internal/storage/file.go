package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	logx "duesched/pkg/logx"
)

// fileStore keeps run history in <prefix>.runs.jsonl (append-only JSON Lines).
//
// Once the file holds twice the retain limit it is rewritten with only the
// newest retain records.
type fileStore struct {
	log    logx.Logger
	path   string
	retain int

	mu    sync.Mutex
	f     *os.File
	lines int
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	runsPath := filepath.Join(dir, base) + ".runs.jsonl"

	existing, err := readRuns(runsPath)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	f, err := os.OpenFile(runsPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	return &fileStore{
		log:    log,
		path:   runsPath,
		retain: cfg.retain(),
		f:      f,
		lines:  len(existing),
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}

func (s *fileStore) AppendRun(_ context.Context, r RunRecord) error {
	if r.At.IsZero() {
		r.At = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return errors.New("run history file closed")
	}
	if err := json.NewEncoder(s.f).Encode(r); err != nil {
		return err
	}
	s.lines++
	if s.lines >= 2*s.retain {
		if err := s.compactLocked(); err != nil {
			s.log.Debug("run history compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) RecentRuns(_ context.Context, name string, limit int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	name = strings.TrimSpace(name)

	s.mu.Lock()
	all, err := readRuns(s.path)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}

	out := make([]RunRecord, 0, limit)
	for i := len(all) - 1; i >= 0 && len(out) < limit; i-- {
		if name == "" || all[i].Name == name {
			out = append(out, all[i])
		}
	}
	return out, nil
}

// compactLocked rewrites the file with the newest retain records and swaps
// the append handle over to it.
func (s *fileStore) compactLocked() error {
	all, err := readRuns(s.path)
	if err != nil {
		return err
	}
	if len(all) > s.retain {
		all = all[len(all)-s.retain:]
	}

	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	for _, r := range all {
		if err := enc.Encode(r); err != nil {
			_ = f.Close()
			return err
		}
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return err
	}

	nf, err := os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	_ = s.f.Close()
	s.f = nf
	s.lines = len(all)
	return nil
}

// readRuns decodes every well-formed line; a torn last line is skipped.
func readRuns(path string) ([]RunRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var out []RunRecord
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		var r RunRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			continue
		}
		out = append(out, r)
	}
	return out, sc.Err()
}
