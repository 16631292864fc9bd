// Package storage is the persistence layer shared by the dispatcher, its
// workers and every client.
//
// It is a key-value store with optimistic concurrency control:
//   - every committed write stamps its key with a new global commit sequence
//   - a transaction (Txn) remembers the version of everything it read and
//     buffers its writes
//   - Commit applies the writes atomically, or fails with ErrConflict if any
//     key it read has changed since
//
// WithRetry re-runs a whole read-modify-write closure on conflict, up to a
// ceiling. Keys are ordered bytewise; Scan returns keys under a prefix in order,
// which is what the scheduler's time-indexed collections rely on.
//
// Drivers:
//   - "memory": in-process map (tests, single process)
//   - "file":   in-process map + jsonl commit journal + snapshot (single process)
//   - "sqlite": SQLite database file, shareable between processes
//   - "redis":  Redis server, shareable between processes and hosts
package storage
