// Package storage records finished task occurrences (run history).
//
// Drivers:
//   - "file": append-only JSON Lines, compacted to the newest Retain records
//   - "sqlite": a single SQLite file via modernc.org/sqlite (pure Go, no cgo)
//
// Pending tasks are never persisted; a restart starts from the configured
// task list.
package storage
