// Copyright 2026 The Courier Authors
// SPDX-License-Identifier: Apache-2.0

// Package bus composes the Courier core: a local, filesystem-backed
// message bus for agent processes sharing one machine.
//
// A [Bus] owns a data directory:
//
//	<data>/mailboxes/<hash>/{staging,new,claimed,failed}/
//	<data>/subscriptions.json
//	<data>/access-rules.json
//	<data>/index.db
//
// Publishing runs the full pipeline: subject validation, access
// control, per-endpoint budget enforcement, durable mailbox delivery,
// index recording. Policy failures (denied, budget exhausted, cycle,
// expired, no matching endpoint) are never surfaced as errors from
// Publish; the message is dead-lettered with a reason and the caller
// still gets its message ID.
//
// Delivery to consumers is push-based: every registered endpoint gets
// its own watch-and-dispatch goroutine observing the mailbox's new/
// directory. Arriving messages are read, matched against
// subscriptions, handled, and transitioned to a single terminal state
// (completed or dead). Handler invocations for one endpoint are
// serialized; endpoints interleave freely. The only ordering
// guarantee is per-endpoint FIFO.
//
// The bus instance owns its in-memory endpoint and subscription maps
// exclusively. The mailbox tree itself is multi-process safe, but two
// Bus instances over one data directory will fight over claims.
package bus
