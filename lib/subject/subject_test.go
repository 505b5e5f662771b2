// Copyright 2026 The Courier Authors
// SPDX-License-Identifier: Apache-2.0

package subject_test

import (
	"testing"

	"github.com/courier-foundation/courier/lib/subject"
)

func TestValidateLiterals(t *testing.T) {
	valid := []string{
		"agent",
		"agent.one",
		"agent.one.status",
		"a",
		"agent_1.task-queue",
		"A.B.C",
		"0.1.2",
	}
	for _, s := range valid {
		if err := subject.Validate(s, false); err != nil {
			t.Errorf("Validate(%q, false) = %v, want nil", s, err)
		}
	}

	invalid := []string{
		"",
		"   ",
		" agent",
		"agent ",
		".agent",
		"agent.",
		"agent..one",
		"agent one",
		"agent.o ne",
		"agent.o/ne",
		"agent.один",
	}
	for _, s := range invalid {
		if err := subject.Validate(s, false); err == nil {
			t.Errorf("Validate(%q, false) = nil, want error", s)
		}
	}
}

func TestValidateWildcards(t *testing.T) {
	// Wildcards rejected when not allowed.
	for _, s := range []string{"agent.*", "agent.>", "*", ">"} {
		if err := subject.Validate(s, false); err == nil {
			t.Errorf("Validate(%q, false) = nil, want error", s)
		}
	}

	// Wildcards accepted when allowed.
	for _, s := range []string{"agent.*", "agent.>", "*", ">", "*.one", "agent.*.status"} {
		if err := subject.Validate(s, true); err != nil {
			t.Errorf("Validate(%q, true) = %v, want nil", s, err)
		}
	}

	// ">" must be final and standalone even when wildcards are allowed.
	for _, s := range []string{"agent.>.one", ">.agent", "agent.x>"} {
		if err := subject.Validate(s, true); err == nil {
			t.Errorf("Validate(%q, true) = nil, want error", s)
		}
	}
}

func TestMatch(t *testing.T) {
	cases := []struct {
		subject string
		pattern string
		want    bool
	}{
		{"foo.bar", "foo.bar", true},
		{"foo.bar", "foo.*", true},
		{"foo.bar.baz", "foo.*", false},
		{"foo.bar.baz", "foo.>", true},
		{"foo", "foo.>", false},
		{"foo.bar", "foo.>", true},
		{"foo.bar", "*.*", true},
		{"foo.bar", "*.baz", false},
		{"foo.bar.baz", "foo.*.baz", true},
		{"foo.bar.baz", "foo.*.qux", false},
		{"foo", "*", true},
		{"foo.bar", "*", false},
		{"foo.bar", ">", true},
		{"foo", ">", true},
		{"foo.bar", "foo.bar.baz", false},
		{"foo.bar.baz", "foo.bar", false},
	}
	for _, c := range cases {
		if got := subject.Match(c.subject, c.pattern); got != c.want {
			t.Errorf("Match(%q, %q) = %v, want %v", c.subject, c.pattern, got, c.want)
		}
	}
}
