// Copyright 2026 The Courier Authors
// SPDX-License-Identifier: Apache-2.0

// Package budget implements the shrink-only resource envelope carried
// by every durable message. The budget bounds how far a message can
// travel: a hop ceiling, an ancestor chain for routing-cycle
// detection, an absolute expiry, and a call allowance. Every field
// moves only toward exhaustion; enforcement never regrows a budget.
//
// Enforcement failures are policy outcomes, not infrastructure errors.
// They are reported as [*Violation] values whose Reason becomes the
// dead-letter reason recorded by the bus.
//
// Key exports:
//
//   - [Budget] -- the envelope itself
//   - [Enforce] -- the four ordered checks, advancing the budget a hop
//   - [Default] -- a fresh budget with standard ceilings
//
// This package depends on no other Courier packages.
package budget
