package catalog

import "strings"

// Match checks if an event kind name matches a subscription pattern.
//
// Supported patterns:
//
//	"invoice.created"  → exact match
//	"invoice.*"        → matches invoice.created, invoice.paid, etc. (single segment wildcard)
//	"*"                → matches everything
func Match(pattern, kind string) bool {
	if pattern == "*" {
		return true
	}

	if pattern == kind {
		return true
	}

	patternParts := strings.Split(pattern, ".")
	kindParts := strings.Split(kind, ".")

	if len(patternParts) != len(kindParts) {
		return false
	}

	for i, pp := range patternParts {
		if pp == "*" {
			continue
		}
		if pp != kindParts[i] {
			return false
		}
	}

	return true
}

// MatchAny reports whether any of the patterns matches the event kind.
func MatchAny(patterns []string, kind string) bool {
	for _, p := range patterns {
		if Match(p, kind) {
			return true
		}
	}
	return false
}
