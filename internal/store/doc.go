// Package store provides SQLite-backed durable storage for commit journals.
//
// Each run records its expected seq set once and then appends journal
// records (terminal and commit decisions) in decision order:
//   - runs: one row per run, expected seqs stored as canonical JSON
//   - journal: one row per record, keyed by (run_id, pos)
//
// # Ordering
//
// Journal reads order by pos, the record's position in decision order,
// never by wall time. Replay therefore sees records exactly as the appender
// wrote them.
//
// # Idempotency
//
// Writes use ON CONFLICT DO NOTHING. Rewriting the same record at the same
// position is a no-op; a different record at an occupied position is an
// error, since it means two writers disagree about the journal.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Journal rows must reference a run
package store
