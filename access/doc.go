// Copyright 2026 The Courier Authors
// SPDX-License-Identifier: Apache-2.0

// Package access evaluates priority-ordered allow/deny rules over
// sender and recipient subjects. Rules live in access-rules.json in
// the data directory; the file is watched, and external edits swap in
// a fresh immutable rule list atomically, so a check never observes a
// half-updated rule set.
//
// Evaluation is first-match-wins in descending priority order, with
// default allow when nothing matches. Both the from and to patterns
// of a rule must match (wildcard subject patterns are permitted).
//
// A denial is a policy outcome, not an error: the bus dead-letters
// the message with an "access denied" reason and the publisher is
// never blocked.
package access
