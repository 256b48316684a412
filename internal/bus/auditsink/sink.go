// Package auditsink optionally mirrors accepted envelope metadata — never
// payload bytes — to a durable audit trail outside the bus's dedupe window.
// The durable queue remains authoritative for delivery; this package exists
// purely for long-term, queryable audit history.
package auditsink

import "context"

// Entry is one accepted-envelope audit record.
type Entry struct {
	EventID     string
	SourceID    string
	Class       string
	TimestampNs int64
	AcceptedNs  int64
}

// Sink persists audit entries. A nil Sink (via NoopSink) disables auditing
// entirely without special-casing callers.
type Sink interface {
	Record(ctx context.Context, e Entry) error
	Close() error
}

type noopSink struct{}

func (noopSink) Record(context.Context, Entry) error { return nil }
func (noopSink) Close() error                         { return nil }

// NoopSink returns a Sink that discards every entry, used when no audit
// backend is configured.
func NoopSink() Sink { return noopSink{} }
