// Package storage persists scheduler snapshots.
//
// A Snapshot is the whole task table plus aggregate counters. Drivers:
//   - "file": one JSON document, replaced atomically on every save
//   - "sqlite": tasks and counters tables, replaced in one transaction
//   - "memory": process-local, for tests and dry runs
//
// Persistence is best-effort. Callers log a failed save and keep scheduling.
package storage
