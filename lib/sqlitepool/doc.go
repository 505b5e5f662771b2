// Copyright 2026 The Courier Authors
// SPDX-License-Identifier: Apache-2.0

// Package sqlitepool provides the Courier-standard SQLite connection
// pool. The derived message index is its only consumer; the pragmas
// are chosen for a read-side projection whose source of truth lives
// elsewhere (the filesystem mailbox tree).
//
// It wraps zombiezen.com/go/sqlite with relaxed-durability defaults:
// WAL journal mode, NORMAL synchronous, and a busy timeout so
// concurrent access retries briefly instead of failing with
// SQLITE_BUSY. Losing the database to an OS crash costs nothing — the
// index is rebuilt by rescanning the mailbox directories.
//
// Callers [Pool.Take] a connection, perform work, and [Pool.Put] it
// back. Connections are NOT safe for concurrent use; each goroutine
// must hold its own connection for the duration of its work.
//
// # Pragmas
//
//   - journal_mode=WAL: concurrent readers, single writer.
//   - synchronous=NORMAL: transactions survive process crashes. Not
//     durable across power failure, which is acceptable for cache
//     state the mailbox store can always regenerate.
//   - busy_timeout=5000: wait up to 5 seconds for a write lock.
//   - foreign_keys=OFF: the index is a single flat table.
//   - temp_store=MEMORY: temporary indexes in memory.
//
// # Design
//
// This package is intentionally thin: it applies standard pragmas and
// exposes the underlying zombiezen types directly. The index writes
// SQL, uses sqlitex.Execute for cached statements, and manages its own
// transactions. There is no query-builder abstraction.
package sqlitepool
