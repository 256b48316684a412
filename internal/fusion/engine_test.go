package fusion

import (
	"context"
	"encoding/json"
	"io"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"github.com/infraspectre/amoskys/internal/queue"
	"github.com/infraspectre/amoskys/internal/wire"
)

func openTestQueue(t *testing.T) *queue.SQLiteQueue {
	t.Helper()
	q, err := queue.Open(filepath.Join(t.TempDir(), "fusion-in.db"), queue.Limits{})
	if err != nil {
		t.Fatalf("queue.Open: %v", err)
	}
	t.Cleanup(func() { q.Close() })
	return q
}

func enqueueEvent(t *testing.T, q *queue.SQLiteQueue, eventID, deviceID, class string, timestampNs int64, payload map[string]interface{}) {
	t.Helper()
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	req := wire.PublishRequest{
		EventID:     eventID,
		SourceID:    deviceID,
		Class:       class,
		TimestampNs: timestampNs,
		Payload:     body,
	}
	envBytes, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	if _, err := q.Enqueue(context.Background(), eventID, envBytes, timestampNs); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
}

func testLogger() zerolog.Logger {
	return zerolog.New(io.Discard)
}

func TestEngine_SinglePredicateRuleEmitsIncident(t *testing.T) {
	q := openTestQueue(t)
	store := openTestStore(t)

	rules := []Rule{{
		RuleID:      "heartbeat-missed",
		Severity:    SeverityMedium,
		GroupingKey: "device_id",
		Predicates:  []Predicate{{Class: "heartbeat_missed"}},
	}}

	eng, err := NewEngine(q, store, rules, 10, 0, testLogger())
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}

	enqueueEvent(t, q, "ev-1", "device-1", "heartbeat_missed", 1000, map[string]interface{}{})

	n, err := eng.RunOnce(context.Background(), 1000)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 event processed, got %d", n)
	}

	incidents, err := store.ListIncidents(context.Background(), 0)
	if err != nil {
		t.Fatalf("ListIncidents: %v", err)
	}
	if len(incidents) != 1 {
		t.Fatalf("expected 1 incident, got %d", len(incidents))
	}
	if incidents[0].RuleID != "heartbeat-missed" || incidents[0].DeviceID != "device-1" {
		t.Fatalf("unexpected incident: %+v", incidents[0])
	}

	score, _, ok, err := store.DeviceRisk(context.Background(), "device-1")
	if err != nil {
		t.Fatalf("DeviceRisk: %v", err)
	}
	if !ok || score != 10 {
		t.Fatalf("expected device risk of 10 (MEDIUM weight), got score=%v ok=%v", score, ok)
	}
}

func TestEngine_MultiPredicateOrderedRuleRequiresMonotonicTimestamps(t *testing.T) {
	q := openTestQueue(t)
	store := openTestStore(t)

	rules := []Rule{{
		RuleID:      "login-then-exfil",
		Severity:    SeverityHigh,
		Ordered:     true,
		WindowSecs:  300,
		GroupingKey: "device_id",
		Predicates: []Predicate{
			{Class: "auth", Subtype: "failed_login"},
			{Class: "network", FieldPath: "$.bytes_out", FieldEq: "9000"},
		},
	}}

	eng, err := NewEngine(q, store, rules, 10, 0, testLogger())
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}

	// Out of order: the network event arrives before the auth event, so
	// an ordered rule must not match even though both predicates are
	// individually satisfiable.
	enqueueEvent(t, q, "ev-net", "device-1", "network", 1000,
		map[string]interface{}{"subtype": "flow", "bytes_out": 9000})
	enqueueEvent(t, q, "ev-auth", "device-1", "auth", 2000,
		map[string]interface{}{"subtype": "failed_login"})

	if _, err := eng.RunOnce(context.Background(), 2000); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	incidents, err := store.ListIncidents(context.Background(), 0)
	if err != nil {
		t.Fatalf("ListIncidents: %v", err)
	}
	if len(incidents) != 0 {
		t.Fatalf("expected no incident for out-of-order events under an ordered rule, got %d", len(incidents))
	}

	// Now in order: auth first, then network.
	enqueueEvent(t, q, "ev-auth-2", "device-1", "auth", 3000,
		map[string]interface{}{"subtype": "failed_login"})
	enqueueEvent(t, q, "ev-net-2", "device-1", "network", 4000,
		map[string]interface{}{"subtype": "flow", "bytes_out": 9000})

	if _, err := eng.RunOnce(context.Background(), 4000); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	incidents, err = store.ListIncidents(context.Background(), 0)
	if err != nil {
		t.Fatalf("ListIncidents: %v", err)
	}
	if len(incidents) != 1 {
		t.Fatalf("expected exactly 1 incident once predicates matched in order, got %d", len(incidents))
	}
}

func TestEngine_RepeatedEventDoesNotDuplicateIncident(t *testing.T) {
	q := openTestQueue(t)
	store := openTestStore(t)

	rules := []Rule{{
		RuleID:      "heartbeat-missed",
		Severity:    SeverityLow,
		GroupingKey: "device_id",
		Predicates:  []Predicate{{Class: "heartbeat_missed"}},
	}}

	eng, err := NewEngine(q, store, rules, 10, 0, testLogger())
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}

	enqueueEvent(t, q, "ev-1", "device-1", "heartbeat_missed", 1000, map[string]interface{}{})
	if _, err := eng.RunOnce(context.Background(), 1000); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	// Enqueue a replayed copy (event_id ev-1-replay, same timestamp 1000) and
	// process it at a much later wall-clock time. The ring still holds ev-1,
	// which is the earliest match, so the contributing set stays [ev-1] and
	// window_start_ns is derived from event timestamps (still 1000), not from
	// nowNs. The resulting incident_id is therefore unchanged and the insert
	// must be an idempotent no-op even though the replay happens far later in
	// real time.
	enqueueEvent(t, q, "ev-1-replay", "device-1", "heartbeat_missed", 1000, map[string]interface{}{})

	incBefore, _ := store.ListIncidents(context.Background(), 0)

	if _, err := eng.RunOnce(context.Background(), 999_999_000); err != nil {
		t.Fatalf("RunOnce (replay): %v", err)
	}

	incAfter, err := store.ListIncidents(context.Background(), 0)
	if err != nil {
		t.Fatalf("ListIncidents: %v", err)
	}
	if len(incAfter) != len(incBefore) {
		t.Fatalf("expected replay to not grow the incident count: before=%d after=%d", len(incBefore), len(incAfter))
	}
}

func TestEngine_RuleEvaluationErrorIsolatedFromOtherRules(t *testing.T) {
	q := openTestQueue(t)
	store := openTestStore(t)

	rules := []Rule{
		{
			RuleID:      "broken-expr",
			Severity:    SeverityLow,
			GroupingKey: "device_id",
			Predicates:  []Predicate{{Class: "heartbeat_missed", Expr: "not valid js ("}},
		},
		{
			RuleID:      "healthy-rule",
			Severity:    SeverityLow,
			GroupingKey: "device_id",
			Predicates:  []Predicate{{Class: "heartbeat_missed"}},
		},
	}

	eng, err := NewEngine(q, store, rules, 10, 0, testLogger())
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}

	enqueueEvent(t, q, "ev-1", "device-1", "heartbeat_missed", 1000, map[string]interface{}{})

	if _, err := eng.RunOnce(context.Background(), 1000); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	incidents, err := store.ListIncidents(context.Background(), 0)
	if err != nil {
		t.Fatalf("ListIncidents: %v", err)
	}
	if len(incidents) != 1 || incidents[0].RuleID != "healthy-rule" {
		t.Fatalf("expected the healthy rule to still fire despite the broken rule's error, got %+v", incidents)
	}
}

func TestEngine_EmptyQueueIsNoop(t *testing.T) {
	q := openTestQueue(t)
	store := openTestStore(t)

	eng, err := NewEngine(q, store, nil, 10, 0, testLogger())
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}

	n, err := eng.RunOnce(context.Background(), 1000)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected 0 events processed on an empty queue, got %d", n)
	}
}
