package ident

import "testing"

func TestNewIDMonotonic(t *testing.T) {
	gen, err := NewGenerator(1)
	if err != nil {
		t.Fatalf("NewGenerator: %v", err)
	}
	prev := gen.NewID()
	for i := 0; i < 1000; i++ {
		id := gen.NewID()
		if id <= prev {
			t.Fatalf("id %d not greater than previous %d", id, prev)
		}
		prev = id
	}
}

func TestDefaultNodeIDRange(t *testing.T) {
	t.Setenv("NOETL_NODE_ID", "37")
	if got := DefaultNodeID(); got != 37 {
		t.Fatalf("DefaultNodeID = %d, want 37", got)
	}
	t.Setenv("NOETL_NODE_ID", "")
	got := DefaultNodeID()
	if got < 0 || got > 1023 {
		t.Fatalf("DefaultNodeID = %d, want 0..1023", got)
	}
}
