package fusion

import (
	"encoding/binary"
	"fmt"
	"sort"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// Incident is the fusion engine's output: a correlated, classified
// security event spanning one or more contributing envelopes.
type Incident struct {
	IncidentID           string
	RuleID               string
	Severity             Severity
	DeviceID             string
	Summary              string
	Tactics              []string
	Techniques           []string
	CreatedNs            int64
	WindowStartNs        int64
	ContributingEventIDs []string
}

// computeIncidentID derives a stable, content-addressed incident_id from
// (rule_id, device_id, window_start_ns, contributing_event_ids_sorted) —
// the basis for idempotent re-emission under replay.
func computeIncidentID(ruleID, deviceID string, windowStartNs int64, contributingEventIDs []string) string {
	sorted := append([]string(nil), contributingEventIDs...)
	sort.Strings(sorted)

	h, _ := blake2b.New(16, nil)
	_, _ = h.Write([]byte(ruleID))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(deviceID))
	_, _ = h.Write([]byte{0})

	var tsBuf [8]byte
	binary.BigEndian.PutUint64(tsBuf[:], uint64(windowStartNs))
	_, _ = h.Write(tsBuf[:])

	_, _ = h.Write([]byte(strings.Join(sorted, ",")))

	return fmt.Sprintf("%x", h.Sum(nil))
}
