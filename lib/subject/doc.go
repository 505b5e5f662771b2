// Copyright 2026 The Courier Authors
// SPDX-License-Identifier: Apache-2.0

// Package subject validates and matches dot-delimited hierarchical
// subjects, the routing addresses of the Courier bus.
//
// A subject is a sequence of tokens separated by ".". Literal tokens
// contain ASCII letters, digits, "_" and "-". Patterns may additionally
// use two wildcards:
//
//	"*"   matches exactly one token         ("agent.*" matches "agent.one")
//	">"   matches the rest of the subject   ("agent.>" matches "agent.one.status")
//
// ">" is only valid as the final, standalone token of a pattern.
// Endpoint addresses are always wildcard-free; only subscription and
// access-rule patterns may carry wildcards.
//
// Key exports:
//
//   - [Validate] -- syntax check, with or without wildcards permitted
//   - [Match] -- does a concrete subject match a pattern
//
// This package depends on no other Courier packages.
package subject
