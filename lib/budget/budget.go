// Copyright 2026 The Courier Authors
// SPDX-License-Identifier: Apache-2.0

package budget

import (
	"slices"
	"time"
)

// Rejection reasons. These exact strings are recorded in the dead
// letter archive and matched by operators, so they are stable API.
const (
	ReasonHopLimit   = "hop limit exceeded"
	ReasonCycle      = "cycle detected"
	ReasonExpired    = "expired"
	ReasonCallsSpent = "call budget exhausted"
)

// Default ceilings applied by [Default] when no override is given.
const (
	DefaultMaxHops    = 5
	DefaultTTL        = time.Hour
	DefaultCallBudget = 10
)

// Budget is the per-message resource envelope. It is carried inside
// the envelope JSON and shrunk by [Enforce] at every hop. A Budget is
// a value type: enforcement returns an advanced copy and never
// mutates its input.
type Budget struct {
	// HopCount is the number of hops already taken. Starts at zero.
	HopCount int `json:"hopCount"`

	// MaxHops is the ceiling on HopCount. A message whose HopCount
	// has reached MaxHops is rejected at the next hop.
	MaxHops int `json:"maxHops"`

	// AncestorChain lists every endpoint the message has visited, in
	// visit order. Enforcement rejects a hop onto any endpoint already
	// in the chain, which stops agent-to-agent routing cycles.
	AncestorChain []string `json:"ancestorChain"`

	// Deadline is the absolute expiry. A message enforced after this
	// instant is rejected as expired.
	Deadline time.Time `json:"ttl"`

	// CallsRemaining is the number of further deliveries permitted.
	// Decremented on every successful hop.
	CallsRemaining int `json:"callBudgetRemaining"`
}

// Violation reports a budget enforcement failure. Reason is one of the
// Reason* constants and doubles as the dead-letter reason.
type Violation struct {
	// Reason is the first check that failed.
	Reason string

	// Endpoint is the endpoint the message was being delivered to.
	Endpoint string
}

func (v *Violation) Error() string {
	return "budget: " + v.Reason
}

// Overrides adjusts the ceilings of a default budget. Zero values keep
// the package defaults.
type Overrides struct {
	MaxHops    int
	TTL        time.Duration
	CallBudget int
}

// Default returns a fresh budget anchored at now: zero hops taken, an
// empty ancestor chain, and ceilings from the overrides or the
// package defaults.
func Default(now time.Time, o Overrides) Budget {
	maxHops := o.MaxHops
	if maxHops <= 0 {
		maxHops = DefaultMaxHops
	}
	ttl := o.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	calls := o.CallBudget
	if calls <= 0 {
		calls = DefaultCallBudget
	}
	return Budget{
		MaxHops:        maxHops,
		Deadline:       now.Add(ttl),
		CallsRemaining: calls,
	}
}

// Enforce runs the four ordered checks against a hop onto endpoint at
// time now, rejecting with a [*Violation] at the first failure:
//
//  1. HopCount has reached MaxHops
//  2. endpoint already appears in AncestorChain
//  3. now is past Deadline
//  4. CallsRemaining is spent
//
// On success it returns the advanced budget: one more hop, the
// endpoint appended to the chain, one fewer call. The ceilings and
// deadline never change.
func Enforce(b Budget, endpoint string, now time.Time) (Budget, error) {
	if b.HopCount >= b.MaxHops {
		return Budget{}, &Violation{Reason: ReasonHopLimit, Endpoint: endpoint}
	}
	if slices.Contains(b.AncestorChain, endpoint) {
		return Budget{}, &Violation{Reason: ReasonCycle, Endpoint: endpoint}
	}
	if now.After(b.Deadline) {
		return Budget{}, &Violation{Reason: ReasonExpired, Endpoint: endpoint}
	}
	if b.CallsRemaining <= 0 {
		return Budget{}, &Violation{Reason: ReasonCallsSpent, Endpoint: endpoint}
	}

	advanced := b
	advanced.HopCount++
	advanced.CallsRemaining--
	advanced.AncestorChain = append(slices.Clone(b.AncestorChain), endpoint)
	return advanced, nil
}
