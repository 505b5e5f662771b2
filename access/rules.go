// Copyright 2026 The Courier Authors
// SPDX-License-Identifier: Apache-2.0

package access

import (
	"fmt"
	"sort"

	"github.com/courier-foundation/courier/lib/subject"
)

// Actions a rule can take.
const (
	ActionAllow = "allow"
	ActionDeny  = "deny"
)

// Rule matches a sender pattern against a recipient pattern. Higher
// priority rules are consulted first.
type Rule struct {
	// From is the sender subject pattern. Wildcards allowed.
	From string `json:"from"`

	// To is the recipient subject pattern. Wildcards allowed.
	To string `json:"to"`

	// Action is "allow" or "deny".
	Action string `json:"action"`

	// Priority orders evaluation, highest first. Ties evaluate in
	// list order.
	Priority int `json:"priority"`
}

// validateRule rejects malformed patterns and unknown actions before
// they reach the rule file.
func validateRule(r Rule) error {
	if err := subject.Validate(r.From, true); err != nil {
		return fmt.Errorf("access: rule from pattern: %w", err)
	}
	if err := subject.Validate(r.To, true); err != nil {
		return fmt.Errorf("access: rule to pattern: %w", err)
	}
	if r.Action != ActionAllow && r.Action != ActionDeny {
		return fmt.Errorf("access: rule action %q is not allow or deny", r.Action)
	}
	return nil
}

// Decide evaluates rules for a concrete sender and recipient:
// descending priority, first rule whose from AND to patterns both
// match wins. No match means allow.
func Decide(rules []Rule, from, to string) string {
	ordered := make([]Rule, len(rules))
	copy(ordered, rules)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Priority > ordered[j].Priority
	})

	for _, rule := range ordered {
		if subject.Match(from, rule.From) && subject.Match(to, rule.To) {
			return rule.Action
		}
	}
	return ActionAllow
}
