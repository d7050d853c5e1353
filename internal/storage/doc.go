// Package storage persists the messages sent by each publishing batch so
// they can be deleted later.
//
// Drivers:
//   - sqlite (default): single database file, WAL journal
//   - file: append-only JSON Lines journal, compacted on open
//   - postgres: shared database reached through a DSN
//   - memory: process-local, for tests and dry runs
package storage
