// Package gate evaluates the quality thresholds a phase must clear before the
// pipeline may advance.
package gate

import (
	"fmt"

	"github.com/sells-group/dasv/internal/config"
	"github.com/sells-group/dasv/internal/model"
)

// Metric names measured by the orchestrator.
const (
	MetricConfidence   = "confidence"
	MetricMaxDeviation = "max_deviation"
	MetricCoverage     = "coverage"
)

// DefaultSoftPenalty is subtracted from the phase confidence for each soft
// rule that fails.
const DefaultSoftPenalty = 0.05

// Rule is one threshold on a measured metric. Exactly one of Min or Max is
// normally set; a rule with both checks both bounds.
type Rule struct {
	Metric string
	Min    *float64
	Max    *float64
	Hard   bool
}

// RulesFromConfig converts configured rules.
func RulesFromConfig(in []config.GateRuleConfig) []Rule {
	out := make([]Rule, 0, len(in))
	for _, r := range in {
		out = append(out, Rule{Metric: r.Metric, Min: r.Min, Max: r.Max, Hard: r.Hard})
	}
	return out
}

// Enforcer holds the rules per phase.
type Enforcer struct {
	rules       map[model.Phase][]Rule
	softPenalty float64
}

// NewEnforcer creates an enforcer. A negative penalty means the default.
func NewEnforcer(rules map[model.Phase][]Rule, softPenalty float64) *Enforcer {
	if softPenalty < 0 {
		softPenalty = DefaultSoftPenalty
	}
	return &Enforcer{rules: rules, softPenalty: softPenalty}
}

// FromConfig builds an enforcer from the gates config section.
func FromConfig(cfg config.GatesConfig) *Enforcer {
	return NewEnforcer(map[model.Phase][]Rule{
		model.PhaseDiscover:   RulesFromConfig(cfg.Discover),
		model.PhaseAnalyze:    RulesFromConfig(cfg.Analyze),
		model.PhaseSynthesize: RulesFromConfig(cfg.Synthesize),
		model.PhaseValidate:   RulesFromConfig(cfg.Validate),
	}, cfg.SoftPenalty)
}

// Rules returns the rules for a phase.
func (e *Enforcer) Rules(phase model.Phase) []Rule {
	return e.rules[phase]
}

// Evaluate checks measured against the phase's rules.
func (e *Enforcer) Evaluate(phase model.Phase, measured map[string]float64) model.QualityGateResult {
	return check(phase, measured, e.rules[phase], e.softPenalty)
}

// Check evaluates rules with the default soft penalty.
func Check(phase model.Phase, measured map[string]float64, rules []Rule) model.QualityGateResult {
	return check(phase, measured, rules, DefaultSoftPenalty)
}

func check(phase model.Phase, measured map[string]float64, rules []Rule, softPenalty float64) model.QualityGateResult {
	res := model.QualityGateResult{
		Phase:           phase,
		State:           model.GatePending,
		Measured:        measured[MetricConfidence],
		BlockingReasons: []string{},
	}

	for _, r := range rules {
		if r.Hard && r.Metric == MetricConfidence && r.Min != nil && *r.Min > res.Threshold {
			res.Threshold = *r.Min
		}
		v, ok := measured[r.Metric]
		for _, c := range evaluateRule(r, v, ok) {
			res.Checks = append(res.Checks, c)
			if c.Passed {
				continue
			}
			reason := describe(c)
			if c.Hard {
				res.BlockingReasons = append(res.BlockingReasons, reason)
			} else {
				res.Warnings = append(res.Warnings, reason)
				res.Penalty += softPenalty
			}
		}
	}

	res.Passed = len(res.BlockingReasons) == 0
	if res.Passed {
		res.State = model.GatePassed
	} else {
		res.State = model.GateBlocked
	}
	return res
}

func evaluateRule(r Rule, v float64, ok bool) []model.GateCheck {
	var out []model.GateCheck
	if r.Min != nil {
		out = append(out, model.GateCheck{
			Metric: r.Metric, Measured: v, Bound: *r.Min, Kind: "min", Hard: r.Hard,
			Passed: ok && v >= *r.Min, Missing: !ok,
		})
	}
	if r.Max != nil {
		out = append(out, model.GateCheck{
			Metric: r.Metric, Measured: v, Bound: *r.Max, Kind: "max", Hard: r.Hard,
			Passed: ok && v <= *r.Max, Missing: !ok,
		})
	}
	return out
}

func describe(c model.GateCheck) string {
	severity := "soft"
	if c.Hard {
		severity = "hard"
	}
	if c.Missing {
		return fmt.Sprintf("%s: %s not measured (%s)", c.Metric, c.Metric, severity)
	}
	op := ">="
	if c.Kind == "max" {
		op = "<="
	}
	return fmt.Sprintf("%s: %.4f does not satisfy %s %.4f (%s)", c.Metric, c.Measured, op, c.Bound, severity)
}

// ApplyPenalty returns confidence reduced by the gate's soft penalty, floored
// at zero.
func ApplyPenalty(confidence float64, res model.QualityGateResult) float64 {
	c := confidence - res.Penalty
	if c < 0 {
		return 0
	}
	return c
}
