// Package storage journals delivery outcomes.
//
// Only resolved notifications are written; pending items are never persisted.
// Drivers:
//   - "file": append-only JSON Lines with periodic compaction
//   - "sqlite": SQLite database (modernc.org/sqlite, pure Go)
//
// An empty driver or "none" disables the journal.
package storage
