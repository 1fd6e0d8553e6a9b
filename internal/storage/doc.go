// Package storage persists accepted unlocks to an append-only audit journal.
//
// Drivers:
//   - none:   journaling disabled
//   - file:   JSON Lines file, pruned by rewrite
//   - sqlite: single-connection SQLite database (modernc.org/sqlite)
//
// The journal is write-only from the bot's point of view; the in-memory
// door history remains the source for queries.
package storage
