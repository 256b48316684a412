// Package fusion implements the streaming correlator: rules evaluated over
// per-device event rings, emitting deduplicated incidents and maintaining a
// decaying per-device risk score.
package fusion

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Severity is an incident's adversarial-impact tier.
type Severity string

const (
	SeverityInfo     Severity = "INFO"
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// weight is the risk contribution of one incident at severity s.
func (s Severity) weight() float64 {
	switch s {
	case SeverityInfo:
		return 1
	case SeverityLow:
		return 3
	case SeverityMedium:
		return 10
	case SeverityHigh:
		return 30
	case SeverityCritical:
		return 60
	default:
		return 0
	}
}

// Predicate is one condition a candidate event must satisfy to contribute
// to a rule match: a class plus an optional subtype/field match, and an
// optional sandboxed JS expression for conditions the built-ins can't
// express.
type Predicate struct {
	Class     string `yaml:"class"`
	Subtype   string `yaml:"subtype,omitempty"`
	FieldPath string `yaml:"field_path,omitempty"`
	FieldEq   string `yaml:"field_eq,omitempty"`
	Expr      string `yaml:"expr,omitempty"`
}

// Rule is a pure data descriptor — never code — declarative and
// config-loadable so correlation logic can change without a redeploy.
type Rule struct {
	RuleID          string      `yaml:"rule_id"`
	Severity        Severity    `yaml:"severity"`
	SummaryTemplate string      `yaml:"summary_template"`
	Tactics         []string    `yaml:"tactics"`
	Techniques      []string    `yaml:"techniques"`
	Predicates      []Predicate `yaml:"predicates"`
	Ordered         bool        `yaml:"ordered"`
	WindowSecs      int         `yaml:"window_secs"`
	GroupingKey     string      `yaml:"grouping_key"`
}

// effectiveWindow returns WindowSecs as a Duration, defaulting to 600s.
func (r Rule) effectiveWindow() time.Duration {
	if r.WindowSecs <= 0 {
		return 600 * time.Second
	}
	return time.Duration(r.WindowSecs) * time.Second
}

type ruleFile struct {
	Rules []Rule `yaml:"rules"`
}

// LoadRules reads a YAML rule set from path.
func LoadRules(path string) ([]Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("fusion: read rules file: %w", err)
	}
	var rf ruleFile
	if err := yaml.Unmarshal(data, &rf); err != nil {
		return nil, fmt.Errorf("fusion: parse rules file: %w", err)
	}
	for i := range rf.Rules {
		if rf.Rules[i].GroupingKey == "" {
			rf.Rules[i].GroupingKey = "device_id"
		}
	}
	return rf.Rules, nil
}
