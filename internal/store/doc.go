// Package store provides the persistent agent directory using SQLite.
//
// # Overview
//
// The broker's real-time state (roster, queue, sessions) is in-memory
// and rebuilt from heartbeats after a restart. The store persists only
// the agent directory: identity, display name, coarse status, and last
// seen time. Writes are fire-and-forget from the broker's perspective;
// a failed write is logged, never surfaced to the assignment path.
//
// # SQLite Configuration
//
// WAL mode for concurrent reads:
//
//	PRAGMA journal_mode=WAL;
//	PRAGMA foreign_keys=ON;
//
// Use NewSQLiteStore(":memory:") in tests.
//
// # Errors
//
//   - ErrNotFound: agent id has no record
package store
