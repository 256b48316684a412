package fusion

import (
	"context"
	"path/filepath"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fusion.db")
	s, err := OpenStore(path)
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStore_InsertIncident_IdempotentOnCollision(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	inc := Incident{
		IncidentID:           computeIncidentID("rule-1", "device-1", 1000, []string{"ev-1", "ev-2"}),
		RuleID:               "rule-1",
		Severity:             SeverityHigh,
		DeviceID:             "device-1",
		Summary:              "multi-stage match",
		Tactics:              []string{"TA0001"},
		Techniques:           []string{"T1059"},
		CreatedNs:            2000,
		WindowStartNs:        1000,
		ContributingEventIDs: []string{"ev-1", "ev-2"},
	}

	inserted, err := s.InsertIncident(ctx, inc)
	if err != nil {
		t.Fatalf("InsertIncident: %v", err)
	}
	if !inserted {
		t.Fatalf("expected first insert to report inserted=true")
	}

	inserted, err = s.InsertIncident(ctx, inc)
	if err != nil {
		t.Fatalf("InsertIncident (repeat): %v", err)
	}
	if inserted {
		t.Fatalf("expected repeat insert of the same incident_id to report inserted=false")
	}

	incidents, err := s.ListIncidents(ctx, 0)
	if err != nil {
		t.Fatalf("ListIncidents: %v", err)
	}
	if len(incidents) != 1 {
		t.Fatalf("expected exactly one stored incident after collision, got %d", len(incidents))
	}
}

func TestStore_ListIncidents_OrderedNewestFirstAndLimited(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	for i, createdNs := range []int64{100, 300, 200} {
		inc := Incident{
			IncidentID:           computeIncidentID("rule-1", "device-1", createdNs, []string{"ev"}),
			RuleID:               "rule-1",
			Severity:             SeverityLow,
			DeviceID:             "device-1",
			Summary:              "s",
			CreatedNs:            createdNs,
			WindowStartNs:        createdNs,
			ContributingEventIDs: []string{"ev"},
		}
		if _, err := s.InsertIncident(ctx, inc); err != nil {
			t.Fatalf("InsertIncident %d: %v", i, err)
		}
	}

	all, err := s.ListIncidents(ctx, 0)
	if err != nil {
		t.Fatalf("ListIncidents: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 incidents, got %d", len(all))
	}
	if all[0].CreatedNs != 300 || all[1].CreatedNs != 200 || all[2].CreatedNs != 100 {
		t.Fatalf("expected newest-first order, got %+v", []int64{all[0].CreatedNs, all[1].CreatedNs, all[2].CreatedNs})
	}

	limited, err := s.ListIncidents(ctx, 2)
	if err != nil {
		t.Fatalf("ListIncidents(limit=2): %v", err)
	}
	if len(limited) != 2 {
		t.Fatalf("expected 2 incidents with limit=2, got %d", len(limited))
	}
}

func TestStore_DeviceRisk_RoundTripAndUnrecorded(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	_, _, ok, err := s.DeviceRisk(ctx, "device-unknown")
	if err != nil {
		t.Fatalf("DeviceRisk (unrecorded): %v", err)
	}
	if ok {
		t.Fatalf("expected ok=false for a device that was never recorded")
	}

	if err := s.UpsertDeviceRisk(ctx, "device-1", 42.5, 1000); err != nil {
		t.Fatalf("UpsertDeviceRisk: %v", err)
	}

	score, updatedNs, ok, err := s.DeviceRisk(ctx, "device-1")
	if err != nil {
		t.Fatalf("DeviceRisk: %v", err)
	}
	if !ok {
		t.Fatalf("expected ok=true after upsert")
	}
	if score != 42.5 || updatedNs != 1000 {
		t.Fatalf("unexpected risk row: score=%v updatedNs=%v", score, updatedNs)
	}

	if err := s.UpsertDeviceRisk(ctx, "device-1", 10, 2000); err != nil {
		t.Fatalf("UpsertDeviceRisk (update): %v", err)
	}
	score, updatedNs, ok, err = s.DeviceRisk(ctx, "device-1")
	if err != nil {
		t.Fatalf("DeviceRisk (after update): %v", err)
	}
	if !ok || score != 10 || updatedNs != 2000 {
		t.Fatalf("expected updated row, got score=%v updatedNs=%v ok=%v", score, updatedNs, ok)
	}
}

func TestStore_ListIncidents_SplitsContributingFields(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	inc := Incident{
		IncidentID:           computeIncidentID("rule-1", "device-1", 1000, []string{"ev-1", "ev-2"}),
		RuleID:               "rule-1",
		Severity:             SeverityMedium,
		DeviceID:             "device-1",
		Summary:              "s",
		Tactics:              []string{"TA0001", "TA0002"},
		Techniques:           []string{"T1059", "T1071"},
		CreatedNs:            1000,
		WindowStartNs:        1000,
		ContributingEventIDs: []string{"ev-1", "ev-2"},
	}
	if _, err := s.InsertIncident(ctx, inc); err != nil {
		t.Fatalf("InsertIncident: %v", err)
	}

	incidents, err := s.ListIncidents(ctx, 0)
	if err != nil {
		t.Fatalf("ListIncidents: %v", err)
	}
	if len(incidents) != 1 {
		t.Fatalf("expected 1 incident, got %d", len(incidents))
	}
	got := incidents[0]
	if len(got.Tactics) != 2 || got.Tactics[0] != "TA0001" || got.Tactics[1] != "TA0002" {
		t.Fatalf("unexpected tactics: %+v", got.Tactics)
	}
	if len(got.Techniques) != 2 {
		t.Fatalf("unexpected techniques: %+v", got.Techniques)
	}
	if len(got.ContributingEventIDs) != 2 {
		t.Fatalf("unexpected contributing event ids: %+v", got.ContributingEventIDs)
	}
}
