// Copyright 2026 The Hearth Authors
// SPDX-License-Identifier: Apache-2.0

// Package sqlitepool provides the engine's standard SQLite connection
// pool.
//
// The PDU store is the one component with durable state, and it uses
// this package. It wraps zombiezen.com/go/sqlite with production
// defaults: WAL journal mode, NORMAL synchronous for process-crash
// durability without fsync-per-commit overhead, memory-mapped I/O for
// read performance, and a busy timeout to absorb write contention from
// concurrent room workers.
//
// The pool is built on zombiezen's sqlitex.Pool, which manages a
// fixed-size set of connections. Callers [Pool.Take] a connection,
// perform work, and [Pool.Put] it back. Connections are NOT safe for
// concurrent use — each goroutine must hold its own connection for the
// duration of its work.
//
// # Pragmas
//
// Every connection in the pool is initialized with these pragmas:
//
//   - journal_mode=WAL: write-ahead logging for concurrent readers and
//     a single writer. Reads of immutable PDUs never block a room's
//     index updates, and vice versa.
//   - synchronous=NORMAL: transactions survive process crashes. Not
//     durable across OS crashes or power failure — acceptable because
//     a lost tail of events is re-fetched over federation, never
//     invented.
//   - busy_timeout=5000: wait up to 5 seconds for a write lock instead
//     of returning SQLITE_BUSY immediately.
//   - foreign_keys=OFF: the store manages referential integrity
//     explicitly; event rows must be insertable before their prev
//     events exist locally (outliers), so FK enforcement would fight
//     the data model.
//   - cache_size=-8192: 8 MB page cache per connection.
//   - mmap_size=268435456: 256 MB memory-mapped I/O for reads.
//   - temp_store=MEMORY: temporary tables and indexes in memory.
//
// # Design
//
// This package is intentionally thin: it applies standard pragmas and
// exposes the underlying zombiezen types directly. The store writes
// SQL, uses sqlitex.Execute for cached statements, and manages
// transactions with sqlitex.ImmediateTransaction. There is no
// abstraction layer between the store and SQLite.
package sqlitepool
