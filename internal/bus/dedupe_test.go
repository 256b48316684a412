package bus

import (
	"context"
	"testing"
)

func TestNoopDedupeCache_AlwaysMisses(t *testing.T) {
	c := NewNoopDedupeCache()

	seen, ok := c.SeenDone(context.Background(), "evt-1")
	if seen || ok {
		t.Fatalf("SeenDone() = (%v, %v), want (false, false)", seen, ok)
	}

	// MarkDone must not change the miss behavior — a noop cache never
	// becomes a second source of truth.
	c.MarkDone(context.Background(), "evt-1")
	seen, ok = c.SeenDone(context.Background(), "evt-1")
	if seen || ok {
		t.Fatalf("SeenDone() after MarkDone = (%v, %v), want (false, false)", seen, ok)
	}
}

func TestDedupeKey_Namespaced(t *testing.T) {
	got := dedupeKey("abc123")
	want := "amoskys:dedupe:abc123"
	if got != want {
		t.Fatalf("dedupeKey() = %q, want %q", got, want)
	}
}
