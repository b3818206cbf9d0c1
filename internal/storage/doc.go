// Package storage persists delivery records, user channel preferences and the
// delivery audit trail.
//
// Two drivers are available:
//   - "memory": process-local maps, used by tests and one-shot CLI runs
//   - "sqlite": a SQLite database file (WAL mode, embedded migrations)
//
// Record status changes go through Transition, which is a compare-and-set on
// the current status. Callers never overwrite a record blindly.
package storage
