package util

import (
	"strings"
	"testing"
)

func TestNewIDPrefix(t *testing.T) {
	id := NewID("lst")
	if !strings.HasPrefix(id, "lst_") {
		t.Fatalf("NewID(lst) = %q, want lst_ prefix", id)
	}
	if len(id) != len("lst_")+32 {
		t.Fatalf("NewID(lst) length = %d", len(id))
	}
	if strings.Contains(id[4:], "-") {
		t.Fatalf("NewID should strip dashes: %q", id)
	}
}

func TestNewIDUnique(t *testing.T) {
	seen := map[string]struct{}{}
	for i := 0; i < 100; i++ {
		id := NewID("")
		if _, ok := seen[id]; ok {
			t.Fatalf("duplicate id %q", id)
		}
		seen[id] = struct{}{}
	}
}
