package catalog_test

import (
	"testing"

	"github.com/hookline/courier/catalog"
)

func TestMatch(t *testing.T) {
	tests := []struct {
		pattern string
		kind    string
		want    bool
	}{
		{"invoice.created", "invoice.created", true},
		{"invoice.created", "invoice.paid", false},
		{"invoice.*", "invoice.created", true},
		{"invoice.*", "invoice.paid", true},
		{"invoice.*", "ticket.escalated", false},
		{"*", "anything.at.all", true},
		{"*.created", "invoice.created", true},
		{"*.created", "user.created", true},
		{"*.created", "invoice.paid", false},
		{"invoice.*", "invoice.item.added", false}, // segment count mismatch
		{"a.*.c", "a.b.c", true},
		{"a.*.c", "a.b.d", false},
	}

	for _, tt := range tests {
		if got := catalog.Match(tt.pattern, tt.kind); got != tt.want {
			t.Errorf("Match(%q, %q) = %v, want %v", tt.pattern, tt.kind, got, tt.want)
		}
	}
}

func TestMatchAny(t *testing.T) {
	patterns := []string{"invoice.*", "ticket.escalated"}

	if !catalog.MatchAny(patterns, "invoice.paid") {
		t.Error("MatchAny() = false for matching wildcard")
	}
	if !catalog.MatchAny(patterns, "ticket.escalated") {
		t.Error("MatchAny() = false for exact match")
	}
	if catalog.MatchAny(patterns, "user.created") {
		t.Error("MatchAny() = true for non-matching kind")
	}
	if catalog.MatchAny(nil, "user.created") {
		t.Error("MatchAny() = true for empty pattern set")
	}
}
