// Copyright 2026 The Courier Authors
// SPDX-License-Identifier: Apache-2.0

// Package mailbox implements durable per-endpoint message queues on
// the local filesystem. The mailbox tree is the source of truth for
// every durable message in a Courier data directory; everything else
// (the derived index, metrics) is regenerable cache.
//
// Each endpoint owns a directory named by its [EndpointHash], holding
// four state subdirectories:
//
//	mailboxes/<hash>/staging/   partially written files, never read
//	mailboxes/<hash>/new/       delivered, awaiting claim
//	mailboxes/<hash>/claimed/   being handled
//	mailboxes/<hash>/failed/    dead letters, wrapped with a reason
//
// Delivery is crash-safe by construction: the envelope is written to
// staging with exclusive-create semantics, then made visible with a
// single same-volume rename into new. Readers can never observe a
// half-written file because the rename is the only operation that
// makes it visible. The same rename primitive moves messages between
// states, so the protocol is safe even with multiple processes
// sharing the tree — no application-level locking.
//
// Message lifecycle is one-directional:
//
//	staged -> new -> claimed -> completed (removed)
//	                         -> dead (moved to failed with a reason)
//
// Message IDs are monotonic and lexicographically sortable, so a
// plain directory listing of new/ is chronological order. That is the
// bus's only ordering guarantee: per-endpoint FIFO.
package mailbox
