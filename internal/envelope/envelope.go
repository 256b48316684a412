// Package envelope defines the canonical telemetry envelope: the sole
// on-the-wire unit exchanged between agents, the bus, and the fusion engine.
package envelope

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

// Class enumerates the telemetry categories an envelope's payload belongs to.
type Class string

const (
	ClassAuth        Class = "AUTH"
	ClassPersistence Class = "PERSISTENCE"
	ClassFlow        Class = "FLOW"
	ClassProcess     Class = "PROCESS"
	ClassOther       Class = "OTHER"
)

// ValidClass reports whether c is one of the enumerated classes.
func ValidClass(c Class) bool {
	switch c {
	case ClassAuth, ClassPersistence, ClassFlow, ClassProcess, ClassOther:
		return true
	default:
		return false
	}
}

// CurrentSchemaVersion is the only schema_version this build can interpret.
// An envelope carrying any other value is rejected at verify time rather
// than risk misreading a payload shape it doesn't understand.
const CurrentSchemaVersion int32 = 1

// Envelope is the sole on-the-wire unit of telemetry. Field order matches
// the canonical schema exactly: event_id, source_id, class, timestamp_ns,
// schema_version, payload, signature.
type Envelope struct {
	EventID       [16]byte `json:"event_id"`
	SourceID      string   `json:"source_id"`
	Class         Class    `json:"class"`
	TimestampNs   int64    `json:"timestamp_ns"`
	SchemaVersion int32    `json:"schema_version"`
	Payload       []byte   `json:"payload"`
	Signature     []byte   `json:"signature"`
}

// EventIDHex renders EventID as a lowercase hex string, the form used in
// logs, queue keys, and incident contributing_event_ids.
func (e *Envelope) EventIDHex() string {
	return fmt.Sprintf("%x", e.EventID[:])
}

// Canonicalize produces the deterministic byte encoding used for both
// ComputeEventID and signing: fixed field order, length-prefixed variable
// fields, no map or JSON key ordering ambiguity. includeSignature controls
// whether the trailing signature field is appended — ComputeEventID and
// signing both canonicalize minus the signature, since the signature itself
// covers exactly those bytes.
func Canonicalize(e *Envelope, includeSignature bool) []byte {
	buf := make([]byte, 0, 64+len(e.Payload)+len(e.Signature))

	buf = appendString(buf, e.SourceID)
	buf = appendString(buf, string(e.Class))

	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(e.TimestampNs))
	buf = append(buf, ts[:]...)

	var sv [4]byte
	binary.BigEndian.PutUint32(sv[:], uint32(e.SchemaVersion))
	buf = append(buf, sv[:]...)

	buf = appendBytes(buf, e.Payload)

	if includeSignature {
		buf = appendBytes(buf, e.Signature)
	}

	return buf
}

func appendString(buf []byte, s string) []byte {
	return appendBytes(buf, []byte(s))
}

func appendBytes(buf []byte, b []byte) []byte {
	var length [4]byte
	binary.BigEndian.PutUint32(length[:], uint32(len(b)))
	buf = append(buf, length[:]...)
	return append(buf, b...)
}

// ComputeEventID hashes the canonical bytes of e (excluding the signature
// field, and excluding event_id itself — event_id is derived, not an input)
// with BLAKE2b-128, per the content-addressed identity invariant: two
// envelopes that canonicalize to the same bytes MUST yield the same id.
func ComputeEventID(e *Envelope) ([16]byte, error) {
	h, err := blake2b.New(16, nil)
	if err != nil {
		return [16]byte{}, fmt.Errorf("envelope: init blake2b-128: %w", err)
	}
	if _, err := h.Write(Canonicalize(e, false)); err != nil {
		return [16]byte{}, fmt.Errorf("envelope: hash canonical bytes: %w", err)
	}
	var id [16]byte
	copy(id[:], h.Sum(nil))
	return id, nil
}

// SignBytes returns the exact byte slice a signer must sign: the canonical
// encoding excluding the signature field.
func SignBytes(e *Envelope) []byte {
	return Canonicalize(e, false)
}
