package wire

import (
	"testing"

	"github.com/infraspectre/amoskys/internal/envelope"
)

func TestFromEnvelopeToEnvelopeRoundTrip(t *testing.T) {
	env := &envelope.Envelope{
		SourceID:      "sensor-1",
		Class:         envelope.ClassFlow,
		TimestampNs:   1_700_000_000_000,
		SchemaVersion: 1,
		Payload:       []byte(`{"bytes":1024}`),
	}
	id, err := envelope.ComputeEventID(env)
	if err != nil {
		t.Fatalf("ComputeEventID() error = %v", err)
	}
	env.EventID = id
	env.Signature = []byte{1, 2, 3}

	req := FromEnvelope(env)
	got, err := ToEnvelope(req)
	if err != nil {
		t.Fatalf("ToEnvelope() error = %v", err)
	}

	if got.SourceID != env.SourceID || got.Class != env.Class ||
		got.TimestampNs != env.TimestampNs || got.SchemaVersion != env.SchemaVersion ||
		string(got.Payload) != string(env.Payload) || got.EventID != env.EventID {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, env)
	}
}

func TestToEnvelope_RejectsMalformedEventID(t *testing.T) {
	_, err := ToEnvelope(PublishRequest{EventID: "not-hex"})
	if err == nil {
		t.Fatal("ToEnvelope() error = nil, want non-nil for malformed event_id")
	}

	_, err = ToEnvelope(PublishRequest{EventID: "aabb"})
	if err == nil {
		t.Fatal("ToEnvelope() error = nil, want non-nil for short event_id")
	}
}
