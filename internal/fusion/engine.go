package fusion

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/infraspectre/amoskys/internal/metrics"
	"github.com/infraspectre/amoskys/internal/queue"
	"github.com/infraspectre/amoskys/internal/wire"
)

// Engine is the streaming correlator: it drains a durable queue in arrival
// order, routes each event into its grouping key's ring, evaluates every
// rule whose latest predicate matches, and emits deduplicated incidents.
type Engine struct {
	queue  *queue.SQLiteQueue
	store  *Store
	risk   *RiskTracker
	rules  []Rule
	groups map[string]*GroupState // one GroupState per rule (distinct windows)
	log    zerolog.Logger

	draining bool
}

// NewEngine builds an Engine over q, persisting incidents/risk to store,
// evaluating rules, with groupCap bounding tracked grouping keys per rule.
func NewEngine(q *queue.SQLiteQueue, store *Store, rules []Rule, groupCap int, riskHalfLife time.Duration, log zerolog.Logger) (*Engine, error) {
	groups := make(map[string]*GroupState, len(rules))
	for _, r := range rules {
		gs, err := NewGroupState(groupCap, r.effectiveWindow())
		if err != nil {
			return nil, fmt.Errorf("fusion: build group state for rule %s: %w", r.RuleID, err)
		}
		groups[r.RuleID] = gs
	}

	return &Engine{
		queue:  q,
		store:  store,
		risk:   NewRiskTracker(riskHalfLife),
		rules:  rules,
		groups: groups,
		log:    log,
	}, nil
}

// RunOnce drains one batch from the queue and evaluates it, returning the
// number of events processed.
func (e *Engine) RunOnce(ctx context.Context, nowNs int64) (int, error) {
	records, err := e.queue.PeekBatch(ctx, 256, nowNs)
	if err != nil {
		return 0, err
	}
	if len(records) == 0 {
		return 0, nil
	}

	ids := make([]string, 0, len(records))
	for _, rec := range records {
		var req wire.PublishRequest
		if err := json.Unmarshal(rec.Envelope, &req); err != nil {
			e.log.Warn().Str("event_id", rec.EventID).Msg("corrupt fusion input record, skipping")
			ids = append(ids, rec.EventID)
			continue
		}
		ev := Event{
			EventID:     req.EventID,
			DeviceID:    req.SourceID,
			Class:       req.Class,
			TimestampNs: req.TimestampNs,
			Payload:     req.Payload,
		}
		e.process(ctx, ev, nowNs)
		ids = append(ids, rec.EventID)
	}

	if err := e.queue.Ack(ctx, ids); err != nil {
		return len(records), err
	}
	return len(records), nil
}

// process routes ev into every rule's grouping-key ring and evaluates
// rules whose latest predicate matches it. A rule evaluation error is
// isolated: counted and logged, never propagated to other rules or
// events.
func (e *Engine) process(ctx context.Context, ev Event, nowNs int64) {
	for _, rule := range e.rules {
		groupKey := e.groupKeyFor(rule, ev)
		ring := e.groups[rule.RuleID].Insert(groupKey, ev)

		matched, contributing, windowStartNs, err := evaluateRule(rule, ring.Events())
		if err != nil {
			metrics.FusionRuleErrors.WithLabelValues(rule.RuleID).Inc()
			e.log.Warn().Str("rule_id", rule.RuleID).Err(err).Msg("rule evaluation error, isolated")
			continue
		}
		if !matched {
			continue
		}

		e.emitIncident(ctx, rule, groupKey, contributing, windowStartNs, nowNs)
	}
}

// groupKeyFor resolves a rule's grouping key value for ev. Only
// "device_id" is a recognized built-in key today; anything else falls
// back to device_id so a malformed rule config still groups sensibly.
func (e *Engine) groupKeyFor(rule Rule, ev Event) string {
	switch rule.GroupingKey {
	case "", "device_id":
		return ev.DeviceID
	default:
		return ev.DeviceID
	}
}

// evaluateRule checks whether ring (oldest-first, for one grouping key)
// contains a conjunctive match for rule's predicates, honoring Ordered's
// timestamp-monotonicity requirement. It returns the matched events' IDs
// as the incident's contributing set, along with the earliest matched
// event's own timestamp as the incident's window start — derived from the
// events themselves, not wall-clock time, so replaying the same stream
// produces the same window_start_ns and therefore the same incident_id.
func evaluateRule(rule Rule, ring []Event) (matched bool, contributingEventIDs []string, windowStartNs int64, err error) {
	if len(rule.Predicates) == 0 {
		return false, nil, 0, nil
	}

	matches := make([]Event, 0, len(rule.Predicates))

	searchFrom := 0
	for _, pred := range rule.Predicates {
		found := -1
		for i := searchFrom; i < len(ring); i++ {
			ok, perr := pred.Matches(ring[i])
			if perr != nil {
				return false, nil, 0, perr
			}
			if ok {
				found = i
				break
			}
		}
		if found == -1 {
			return false, nil, 0, nil
		}
		matches = append(matches, ring[found])
		if rule.Ordered {
			searchFrom = found + 1
		}
	}

	if rule.Ordered {
		for i := 1; i < len(matches); i++ {
			if matches[i].TimestampNs < matches[i-1].TimestampNs {
				return false, nil, 0, nil
			}
		}
	}

	if !withinWindow(matches, rule.effectiveWindow()) {
		return false, nil, 0, nil
	}

	ids := make([]string, len(matches))
	minTs := matches[0].TimestampNs
	for i, m := range matches {
		ids[i] = m.EventID
		if m.TimestampNs < minTs {
			minTs = m.TimestampNs
		}
	}
	return true, ids, minTs, nil
}

func withinWindow(matches []Event, window time.Duration) bool {
	if len(matches) == 0 {
		return false
	}
	min, max := matches[0].TimestampNs, matches[0].TimestampNs
	for _, m := range matches[1:] {
		if m.TimestampNs < min {
			min = m.TimestampNs
		}
		if m.TimestampNs > max {
			max = m.TimestampNs
		}
	}
	return time.Duration(max-min) <= window
}

func (e *Engine) emitIncident(ctx context.Context, rule Rule, deviceID string, contributingEventIDs []string, windowStartNs, nowNs int64) {
	inc := Incident{
		IncidentID:           computeIncidentID(rule.RuleID, deviceID, windowStartNs, contributingEventIDs),
		RuleID:               rule.RuleID,
		Severity:             rule.Severity,
		DeviceID:             deviceID,
		Summary:              renderSummary(rule, deviceID),
		Tactics:              rule.Tactics,
		Techniques:           rule.Techniques,
		CreatedNs:            nowNs,
		WindowStartNs:        windowStartNs,
		ContributingEventIDs: contributingEventIDs,
	}

	inserted, err := e.store.InsertIncident(ctx, inc)
	if err != nil {
		e.log.Error().Str("rule_id", rule.RuleID).Err(err).Msg("incident insert failed")
		return
	}
	if !inserted {
		// Content-hash collision: the same rule already fired for this
		// exact contributing set — idempotent re-emission, not a new
		// incident.
		return
	}

	score := e.risk.Contribute(deviceID, rule.Severity, nowNs)
	_ = e.store.UpsertDeviceRisk(ctx, deviceID, score, nowNs)

	metrics.FusionIncidentsTotal.WithLabelValues(rule.RuleID, string(rule.Severity)).Inc()
	metrics.DeviceRisk.WithLabelValues(deviceID).Set(score)

	e.log.Info().
		Str("incident_id", inc.IncidentID).
		Str("rule_id", rule.RuleID).
		Str("device_id", deviceID).
		Str("severity", string(rule.Severity)).
		Msg("incident emitted")
}

func renderSummary(rule Rule, deviceID string) string {
	if rule.SummaryTemplate == "" {
		return fmt.Sprintf("rule %s matched for device %s", rule.RuleID, deviceID)
	}
	return strings.ReplaceAll(rule.SummaryTemplate, "{device_id}", deviceID)
}

// Drain processes every currently-queued event without waiting for new
// arrivals; used by graceful shutdown to finish in-flight work.
func (e *Engine) Drain(ctx context.Context, nowNs int64) error {
	e.draining = true
	defer func() { e.draining = false }()

	for {
		n, err := e.RunOnce(ctx, nowNs)
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
	}
}
