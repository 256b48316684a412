package fusion

import "testing"

func TestComputeIncidentID_StableRegardlessOfContributingOrder(t *testing.T) {
	a := computeIncidentID("rule-1", "device-1", 1000, []string{"ev-1", "ev-2"})
	b := computeIncidentID("rule-1", "device-1", 1000, []string{"ev-2", "ev-1"})
	if a != b {
		t.Fatalf("expected incident_id to be independent of contributing event order: %q vs %q", a, b)
	}
}

func TestComputeIncidentID_DiffersOnAnyInputChange(t *testing.T) {
	base := computeIncidentID("rule-1", "device-1", 1000, []string{"ev-1"})

	cases := map[string]string{
		"rule_id":        computeIncidentID("rule-2", "device-1", 1000, []string{"ev-1"}),
		"device_id":      computeIncidentID("rule-1", "device-2", 1000, []string{"ev-1"}),
		"window_start":   computeIncidentID("rule-1", "device-1", 2000, []string{"ev-1"}),
		"contributing":   computeIncidentID("rule-1", "device-1", 1000, []string{"ev-2"}),
	}
	for name, got := range cases {
		if got == base {
			t.Fatalf("expected incident_id to change when %s differs", name)
		}
	}
}

func TestComputeIncidentID_DoesNotMutateInputSlice(t *testing.T) {
	ids := []string{"ev-2", "ev-1"}
	_ = computeIncidentID("rule-1", "device-1", 1000, ids)
	if ids[0] != "ev-2" || ids[1] != "ev-1" {
		t.Fatalf("expected input slice order to be unmodified, got %+v", ids)
	}
}
