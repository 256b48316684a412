package fusion

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRiskTracker_ContributeAddsSeverityWeight(t *testing.T) {
	rt := NewRiskTracker(24 * time.Hour)

	score := rt.Contribute("device-1", SeverityHigh, 0)
	require.Equal(t, 30.0, score, "expected score 30 after one HIGH contribution")

	score = rt.Contribute("device-1", SeverityHigh, 0)
	require.Equal(t, 60.0, score, "expected score 60 after two HIGH contributions at the same instant")
}

func TestRiskTracker_CapsAt100(t *testing.T) {
	rt := NewRiskTracker(24 * time.Hour)

	var score float64
	for i := 0; i < 5; i++ {
		score = rt.Contribute("device-1", SeverityCritical, 0)
	}
	require.Equal(t, 100.0, score, "expected score capped at 100")
}

func TestRiskTracker_DecaysOverHalfLife(t *testing.T) {
	halfLife := 24 * time.Hour
	rt := NewRiskTracker(halfLife)

	rt.Contribute("device-1", SeverityCritical, 0)
	decayed := rt.Snapshot("device-1", int64(halfLife))
	require.InDelta(t, 30, decayed, 1, "expected score to roughly halve after one half-life")
}

func TestRiskTracker_SnapshotUnknownDeviceReturnsZero(t *testing.T) {
	rt := NewRiskTracker(24 * time.Hour)
	require.Zero(t, rt.Snapshot("never-seen", 0))
}

func TestRiskTracker_SnapshotDoesNotMutateStoredScore(t *testing.T) {
	halfLife := 24 * time.Hour
	rt := NewRiskTracker(halfLife)

	rt.Contribute("device-1", SeverityCritical, 0)
	_ = rt.Snapshot("device-1", int64(halfLife))

	// A second contribution at the original instant should decay from the
	// originally-stored score (60), not from whatever Snapshot computed.
	score := rt.Contribute("device-1", SeverityInfo, 0)
	require.Equal(t, 61.0, score, "expected Snapshot to be read-only")
}

func TestRiskTracker_Devices(t *testing.T) {
	rt := NewRiskTracker(24 * time.Hour)
	rt.Contribute("device-1", SeverityLow, 0)
	rt.Contribute("device-2", SeverityLow, 0)

	require.Len(t, rt.Devices(), 2)
}
