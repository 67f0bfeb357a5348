package config

import (
	"encoding/json"
	"hash/fnv"
	"reflect"
	"sort"
	"strings"

	logx "duesched/pkg/logx"
)

// LiveSections can be applied without restarting the daemon.
var LiveSections = map[string]bool{"logging": true}

// SummarizeConfigChange returns (1) a sorted list of changed sections and
// (2) safe structured attrs for logging (never includes secrets like tokens).
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 5)
	attrs := make([]logx.Field, 0, 12)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if oldCfg.Engine != newCfg.Engine {
		changed = append(changed, "engine")
		attrs = append(attrs,
			logx.Int("engine.workers", newCfg.Engine.Workers),
			logx.String("engine.idle_poll", strings.TrimSpace(newCfg.Engine.IdlePoll)),
			logx.String("engine.exec_timeout", strings.TrimSpace(newCfg.Engine.ExecTimeout)),
		)
	}

	if oldCfg.StorageDriver() != newCfg.StorageDriver() || storagePath(oldCfg) != storagePath(newCfg) {
		changed = append(changed, "storage")
		attrs = append(attrs, logx.String("storage.driver", newCfg.StorageDriver()))
	}

	// Debug (never log token)
	od, nd := oldCfg.Debug, newCfg.Debug
	if od.Enabled != nd.Enabled ||
		strings.TrimSpace(od.Addr) != strings.TrimSpace(nd.Addr) ||
		strings.TrimSpace(od.Token) != strings.TrimSpace(nd.Token) ||
		od.AllowInsecure != nd.AllowInsecure ||
		od.ReadTimeout != nd.ReadTimeout ||
		od.WriteTimeout != nd.WriteTimeout ||
		od.IdleTimeout != nd.IdleTimeout ||
		od.MutexProfileFraction != nd.MutexProfileFraction ||
		od.BlockProfileRate != nd.BlockProfileRate {
		changed = append(changed, "debug")
		attrs = append(attrs,
			logx.Bool("debug.enabled", nd.Enabled),
			logx.String("debug.addr", strings.TrimSpace(nd.Addr)),
			logx.Bool("debug.token_set", strings.TrimSpace(nd.Token) != ""),
		)
	}

	if names := DiffTasks(oldCfg.Tasks, newCfg.Tasks); len(names) > 0 {
		changed = append(changed, "tasks")
		attrs = append(attrs,
			logx.Int("tasks.count", len(newCfg.Tasks)),
			logx.String("tasks.changed", strings.Join(names, ",")),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

// DiffTasks returns the sorted names of tasks that were added, removed or edited.
func DiffTasks(oldT, newT []TaskConfig) []string {
	index := func(ts []TaskConfig) map[string]uint64 {
		m := make(map[string]uint64, len(ts))
		for _, t := range ts {
			m[strings.TrimSpace(t.Name)] = hashTask(t)
		}
		return m
	}
	om, nm := index(oldT), index(newT)

	set := map[string]struct{}{}
	for k := range om {
		set[k] = struct{}{}
	}
	for k := range nm {
		set[k] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for name := range set {
		o, inOld := om[name]
		n, inNew := nm[name]
		if inOld != inNew || o != n {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

func storagePath(c *Config) string {
	if c.Storage == nil {
		return ""
	}
	return strings.TrimSpace(c.Storage.Path)
}

func hashTask(t TaskConfig) uint64 {
	b, err := json.Marshal(t)
	if err != nil {
		return 0
	}
	return hashBytes(b)
}

// hashBytes returns a stable 64-bit hash of bytes. Empty input returns 0.
func hashBytes(b []byte) uint64 {
	if len(b) == 0 {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}
