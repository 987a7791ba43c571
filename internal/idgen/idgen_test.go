package idgen

import (
	"strings"
	"testing"
)

func TestNew_Unique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := New()
		if seen[id] {
			t.Fatalf("duplicate id %s", id)
		}
		seen[id] = true
	}
}

func TestULID_Sortable(t *testing.T) {
	a := ULID()
	b := ULID()
	if !(a < b) {
		t.Fatalf("expected %s < %s", a, b)
	}
}

func TestProcessID_Stable(t *testing.T) {
	a := ProcessID()
	if !strings.HasPrefix(a, "pid-") {
		t.Fatalf("unexpected process id %q", a)
	}
	if b := ProcessID(); a != b {
		t.Fatalf("process id changed: %s != %s", a, b)
	}
}
