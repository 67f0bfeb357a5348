package debug

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	hpprof "net/http/pprof"
	"strconv"
	"strings"
	"time"

	"duesched/internal/storage"
	"duesched/internal/task"
	"duesched/internal/task/engine"
)

// Sources are the read-only views the server exposes. Nil fields disable
// their endpoints (404).
type Sources struct {
	Snapshot func() engine.Snapshot
	Pending  func() []task.Task
	Metrics  http.Handler
	Runs     func(ctx context.Context, name string, limit int) ([]storage.RunRecord, error)
}

// PendingTask is the JSON view of a task waiting in the store.
type PendingTask struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Kind       string    `json:"kind"`
	Due        time.Time `json:"due"`
	Interval   string    `json:"interval,omitempty"`
	Occurrence int       `json:"occurrence"`
}

const pprofPrefix = "/debug/pprof/"

// Handler builds the full mux. token, if set, guards every route.
func Handler(src Sources, token string) http.Handler {
	mux := http.NewServeMux()
	auth := func(h http.HandlerFunc) http.HandlerFunc { return withAuth(token, h) }

	mux.HandleFunc("/healthz", auth(func(w http.ResponseWriter, r *http.Request) {
		if src.Snapshot != nil && !src.Snapshot().Running {
			http.Error(w, "scheduler not running", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}))

	if src.Metrics != nil {
		mux.Handle("/metrics", auth(src.Metrics.ServeHTTP))
	}
	if src.Snapshot != nil {
		mux.HandleFunc("/debug/scheduler", auth(func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, src.Snapshot())
		}))
	}
	if src.Pending != nil {
		mux.HandleFunc("/debug/scheduler/pending", auth(func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, pendingView(src.Pending(), queryInt(r, "limit", 100)))
		}))
	}
	if src.Runs != nil {
		mux.HandleFunc("/debug/runs", auth(func(w http.ResponseWriter, r *http.Request) {
			runs, err := src.Runs(r.Context(), r.URL.Query().Get("task"), queryInt(r, "limit", 50))
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			writeJSON(w, runs)
		}))
	}

	base := strings.TrimSuffix(pprofPrefix, "/")
	mux.HandleFunc(pprofPrefix, auth(hpprof.Index))
	mux.HandleFunc(base+"/cmdline", auth(hpprof.Cmdline))
	mux.HandleFunc(base+"/profile", auth(hpprof.Profile))
	mux.HandleFunc(base+"/symbol", auth(hpprof.Symbol))
	mux.HandleFunc(base+"/trace", auth(hpprof.Trace))
	mux.HandleFunc(base, func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, pprofPrefix, http.StatusPermanentRedirect)
	})
	return mux
}

func pendingView(ts []task.Task, limit int) []PendingTask {
	if limit > 0 && len(ts) > limit {
		ts = ts[:limit]
	}
	out := make([]PendingTask, 0, len(ts))
	for _, t := range ts {
		p := PendingTask{ID: t.ID, Name: t.Name, Kind: t.Kind.String(), Due: t.Due, Occurrence: t.Occurrence}
		if t.Kind == task.Recurring {
			p.Interval = t.Interval.String()
		}
		out = append(out, p)
	}
	return out
}

// maxLimit caps ?limit= on list endpoints.
const maxLimit = 1000

func queryInt(r *http.Request, key string, def int) int {
	v, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil || v <= 0 {
		return def
	}
	return min(v, maxLimit)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func withAuth(token string, h http.HandlerFunc) http.HandlerFunc {
	tok := strings.TrimSpace(token)
	if tok == "" {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		// Accept either "Authorization: Bearer <token>" or ?token=<token>.
		if got := r.URL.Query().Get("token"); got != "" {
			if tokenEqual(got, tok) {
				h(w, r)
				return
			}
			unauthorized(w)
			return
		}
		const p = "Bearer "
		if ah := r.Header.Get("Authorization"); strings.HasPrefix(ah, p) && tokenEqual(strings.TrimSpace(strings.TrimPrefix(ah, p)), tok) {
			h(w, r)
			return
		}
		unauthorized(w)
	}
}

func tokenEqual(got, want string) bool {
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	http.Error(w, "unauthorized", http.StatusUnauthorized)
}
