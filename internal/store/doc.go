// Package store persists what the hub learns about agents and tasks.
//
// # Architecture
//
// The hub only writes through two narrow interfaces:
//
//   - StatusSink: agent status and liveness updates
//   - TaskSink: task dispatch and terminal results
//
// Store adds the query side used by the HTTP API and the CLI. Two backends
// implement it:
//
//   - SQLiteStore: default, tables "agents" and "tasks"
//   - RedisStore: hashes per agent and task, results also published on a
//     pub/sub channel for other services
//
// # Async Writes
//
// The connection handler must never wait on storage. Async wraps any Store
// with a bounded queue drained by a single worker:
//
//	s := store.NewAsync(sqlite, 1024, logger)
//	defer s.Close()
//
// Writes are applied in submission order. Failures are logged and counted;
// when the queue is full the write is dropped and counted as well.
//
// # SQLite Configuration
//
// The SQLite store uses WAL mode for concurrent reads:
//
//	PRAGMA journal_mode=WAL;
//
// Database file locations:
//
//   - Default: ~/.local/share/mothership/mothership.db
//   - Testing: a file under t.TempDir()
//
// # Error Handling
//
// ErrNotFound is returned when an agent or task does not exist.
//
// # Testing
//
// Use NewMockStore() for unit tests; it records every write.
package store
