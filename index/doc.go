// Copyright 2026 The Courier Authors
// SPDX-License-Identifier: Apache-2.0

// Package index maintains a relational projection of the mailbox
// tree: one row per message, indexed by subject, status, endpoint
// hash, and expiry. Queries and metrics read from here instead of
// walking directories.
//
// The index is a cache, never a source of truth. Every row is derived
// from a file in the mailbox store, and [Index.Rebuild] regenerates
// the whole table from a directory rescan. Corruption, loss, or plain
// deletion of the database file costs nothing but a rebuild; the
// SQLite journal therefore runs with relaxed durability (see
// lib/sqlitepool).
package index
