package fusion

import (
	"testing"
	"time"
)

func TestRing_TrimsEventsOlderThanWindowPlusSlack(t *testing.T) {
	r := NewRing(100 * time.Second)

	r.Insert(Event{EventID: "e1", TimestampNs: 0})
	r.Insert(Event{EventID: "e2", TimestampNs: int64(50 * time.Second)})
	r.Insert(Event{EventID: "e3", TimestampNs: int64(200 * time.Second)})

	events := r.Events()
	for _, e := range events {
		if e.EventID == "e1" {
			t.Fatalf("expected e1 to be trimmed once outside window+slack, got %+v", events)
		}
	}
	if len(events) == 0 {
		t.Fatalf("expected at least the most recent event to survive")
	}
}

func TestRing_EvictsOldestBeyondMaxSize(t *testing.T) {
	r := NewRing(1 * time.Hour)

	for i := 0; i < ringMaxSize+10; i++ {
		r.Insert(Event{EventID: "e", TimestampNs: int64(i)})
	}

	if got := r.Len(); got != ringMaxSize {
		t.Fatalf("expected ring capped at %d events, got %d", ringMaxSize, got)
	}
}

func TestRing_EventsOrderedOldestFirst(t *testing.T) {
	r := NewRing(1 * time.Hour)
	r.Insert(Event{EventID: "a", TimestampNs: 1})
	r.Insert(Event{EventID: "b", TimestampNs: 2})
	r.Insert(Event{EventID: "c", TimestampNs: 3})

	events := r.Events()
	if len(events) != 3 || events[0].EventID != "a" || events[2].EventID != "c" {
		t.Fatalf("expected oldest-first order, got %+v", events)
	}
}
