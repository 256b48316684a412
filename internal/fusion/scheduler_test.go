package fusion

import (
	"context"
	"testing"
	"time"
)

func TestScheduler_SweepRiskPersistsDecayedScore(t *testing.T) {
	q := openTestQueue(t)
	store := openTestStore(t)

	eng, err := NewEngine(q, store, nil, 10, time.Hour, testLogger())
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}

	eng.risk.Contribute("device-1", SeverityCritical, 0)

	sweepRisk(eng, int64(time.Hour), testLogger())

	score, updatedNs, ok, err := store.DeviceRisk(context.Background(), "device-1")
	if err != nil {
		t.Fatalf("DeviceRisk: %v", err)
	}
	if !ok {
		t.Fatalf("expected a persisted risk row after sweep")
	}
	if score >= 60 {
		t.Fatalf("expected the swept score to reflect decay, got %v", score)
	}
	if updatedNs != int64(time.Hour) {
		t.Fatalf("expected updated_ns to match the sweep time, got %v", updatedNs)
	}
}

func TestNewScheduler_RejectsInvalidCronSpec(t *testing.T) {
	q := openTestQueue(t)
	store := openTestStore(t)
	eng, err := NewEngine(q, store, nil, 10, 0, testLogger())
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}

	_, err = NewScheduler(eng, "not a cron spec", func() int64 { return 0 }, testLogger())
	if err == nil {
		t.Fatalf("expected an error for a malformed cron spec")
	}
}
