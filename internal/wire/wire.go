// Package wire defines the thin JSON framing for the Event Bus's one RPC,
// Publish, shared between the bus server and the agent outbox client.
package wire

import (
	"encoding/hex"
	"fmt"

	"github.com/infraspectre/amoskys/internal/envelope"
)

// Status is the bus's verdict for one published envelope.
type Status string

const (
	StatusAccepted  Status = "ACCEPTED"
	StatusDuplicate Status = "DUPLICATE"
	StatusRetry     Status = "RETRY"
	StatusRejected  Status = "REJECTED"
)

// PublishRequest carries one envelope to the bus as plain JSON fields
// (Payload and Signature as base64), not as envelope.Canonicalize output;
// the bus rebuilds an envelope.Envelope from it with ToEnvelope.
type PublishRequest struct {
	EventID       string `json:"event_id"`
	SourceID      string `json:"source_id"`
	Class         string `json:"class"`
	TimestampNs   int64  `json:"timestamp_ns"`
	SchemaVersion int32  `json:"schema_version"`
	Payload       []byte `json:"payload"`
	Signature     []byte `json:"signature"`
}

// PublishAck is the bus's response to one PublishRequest.
type PublishAck struct {
	Status       Status `json:"status"`
	RetryAfterMs int64  `json:"retry_after_ms,omitempty"`
	Reason       string `json:"reason,omitempty"`
}

// FromEnvelope converts env into its wire representation.
func FromEnvelope(env *envelope.Envelope) PublishRequest {
	return PublishRequest{
		EventID:       env.EventIDHex(),
		SourceID:      env.SourceID,
		Class:         string(env.Class),
		TimestampNs:   env.TimestampNs,
		SchemaVersion: env.SchemaVersion,
		Payload:       env.Payload,
		Signature:     env.Signature,
	}
}

// ToEnvelope reconstructs an envelope.Envelope from a decoded request. The
// event_id is recomputed by the caller's verification step, not trusted
// from the wire — this only restores the fields needed to do so.
func ToEnvelope(req PublishRequest) (*envelope.Envelope, error) {
	id, err := decodeEventID(req.EventID)
	if err != nil {
		return nil, err
	}
	return &envelope.Envelope{
		EventID:       id,
		SourceID:      req.SourceID,
		Class:         envelope.Class(req.Class),
		TimestampNs:   req.TimestampNs,
		SchemaVersion: req.SchemaVersion,
		Payload:       req.Payload,
		Signature:     req.Signature,
	}, nil
}

// MaxBatchEnvelopes and MaxBatchBytes bound one coalesced Publish RPC: up
// to 32 envelopes, provided the total encoded payload stays under 1 MiB.
const (
	MaxBatchEnvelopes = 32
	MaxBatchBytes     = 1 << 20
)

// PublishBatchRequest coalesces multiple envelopes into a single RPC.
type PublishBatchRequest struct {
	Envelopes []PublishRequest `json:"envelopes"`
}

// PublishBatchAck carries one PublishAck per envelope in the matching
// request, in the same order — partial-batch results are always handled
// per-envelope, never as an all-or-nothing outcome.
type PublishBatchAck struct {
	Acks []PublishAck `json:"acks"`
}

func decodeEventID(hexStr string) ([16]byte, error) {
	var id [16]byte
	raw, err := hex.DecodeString(hexStr)
	if err != nil {
		return id, fmt.Errorf("wire: decode event_id: %w", err)
	}
	if len(raw) != 16 {
		return id, fmt.Errorf("wire: event_id must be 16 bytes, got %d", len(raw))
	}
	copy(id[:], raw)
	return id, nil
}
