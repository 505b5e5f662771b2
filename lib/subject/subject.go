// Copyright 2026 The Courier Authors
// SPDX-License-Identifier: Apache-2.0

package subject

import (
	"fmt"
	"strings"
)

// Validate checks that a subject is syntactically well formed. When
// allowWildcards is false (endpoint addresses), "*" and ">" tokens are
// rejected. When true (subscription and access-rule patterns), "*" may
// appear in any position and ">" only as the final token.
//
// Validation happens before any side effect: a malformed subject never
// touches disk, the index, or a handler.
func Validate(s string, allowWildcards bool) error {
	if strings.TrimSpace(s) == "" {
		return fmt.Errorf("subject: empty subject")
	}
	if s != strings.TrimSpace(s) {
		return fmt.Errorf("subject: %q has leading or trailing whitespace", s)
	}

	tokens := strings.Split(s, ".")
	for i, token := range tokens {
		if token == "" {
			return fmt.Errorf("subject: %q has an empty token (leading, trailing, or doubled dot)", s)
		}
		switch token {
		case "*":
			if !allowWildcards {
				return fmt.Errorf("subject: wildcard %q not permitted in %q", token, s)
			}
		case ">":
			if !allowWildcards {
				return fmt.Errorf("subject: wildcard %q not permitted in %q", token, s)
			}
			if i != len(tokens)-1 {
				return fmt.Errorf("subject: %q must be the final token in %q", token, s)
			}
		default:
			if !literalToken(token) {
				return fmt.Errorf("subject: token %q in %q contains invalid characters", token, s)
			}
		}
	}
	return nil
}

// Match reports whether a concrete subject matches a pattern. The scan
// is left to right, token by token: ">" matches the entire remainder
// (at least one token), "*" consumes exactly one token, and literal
// tokens must be equal. Token counts must agree unless the pattern
// ends in ">".
//
// Match assumes both arguments already passed [Validate]; it does not
// re-validate.
func Match(s, pattern string) bool {
	subjectTokens := strings.Split(s, ".")
	patternTokens := strings.Split(pattern, ".")

	for i, patternToken := range patternTokens {
		if patternToken == ">" {
			// The tail wildcard needs at least one subject token left.
			return i < len(subjectTokens)
		}
		if i >= len(subjectTokens) {
			return false
		}
		if patternToken == "*" {
			continue
		}
		if patternToken != subjectTokens[i] {
			return false
		}
	}
	return len(subjectTokens) == len(patternTokens)
}

// literalToken reports whether a token consists only of ASCII letters,
// digits, underscores, and hyphens.
func literalToken(token string) bool {
	for _, r := range token {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '_' || r == '-':
		default:
			return false
		}
	}
	return true
}
