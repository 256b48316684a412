package logging

import (
	"context"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ContextKey is the type for context keys carrying correlation identifiers
// through the publish -> queue -> fusion pipeline.
type ContextKey string

const (
	// TraceIDKey correlates one envelope's journey across components,
	// independent of its content-derived event_id.
	TraceIDKey ContextKey = "trace_id"
	// EventIDKey carries the envelope's event_id.
	EventIDKey ContextKey = "event_id"
	// SourceIDKey carries the envelope's source_id.
	SourceIDKey ContextKey = "source_id"
	// RuleIDKey carries the fusion rule_id under evaluation, where applicable.
	RuleIDKey ContextKey = "rule_id"
)

// WithTraceID attaches a trace id to ctx.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, TraceIDKey, traceID)
}

// WithEventID attaches an event_id to ctx.
func WithEventID(ctx context.Context, eventID string) context.Context {
	return context.WithValue(ctx, EventIDKey, eventID)
}

// WithSourceID attaches a source_id to ctx.
func WithSourceID(ctx context.Context, sourceID string) context.Context {
	return context.WithValue(ctx, SourceIDKey, sourceID)
}

// WithRuleID attaches a rule_id to ctx.
func WithRuleID(ctx context.Context, ruleID string) context.Context {
	return context.WithValue(ctx, RuleIDKey, ruleID)
}

// NewTraceID generates a new random trace id, independent of any envelope's
// content-derived event_id.
func NewTraceID() string {
	return uuid.New().String()
}

// FromContext builds a log entry carrying whichever of trace_id, event_id,
// source_id, and rule_id are present on ctx. It never includes payload
// bytes — callers must not add them as a field.
func (l *Logger) FromContext(ctx context.Context) *logrus.Entry {
	entry := logrus.NewEntry(l.Logger)

	if v := ctx.Value(TraceIDKey); v != nil {
		entry = entry.WithField("trace_id", v)
	}
	if v := ctx.Value(EventIDKey); v != nil {
		entry = entry.WithField("event_id", v)
	}
	if v := ctx.Value(SourceIDKey); v != nil {
		entry = entry.WithField("source_id", v)
	}
	if v := ctx.Value(RuleIDKey); v != nil {
		entry = entry.WithField("rule_id", v)
	}

	return entry
}
