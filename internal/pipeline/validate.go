package pipeline

import (
	"context"
	"fmt"
	"math"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/sells-group/dasv/internal/analyze"
	"github.com/sells-group/dasv/internal/confidence"
	"github.com/sells-group/dasv/internal/model"
	"github.com/sells-group/dasv/internal/schema"
	"github.com/sells-group/dasv/internal/synthesize"
)

// chain is the set of records validation reads.
type chain struct {
	discovery model.DiscoveryPayload
	analysis  model.AnalysisPayload
	synthesis model.SynthesisPayload
	records   map[model.Phase]*model.PhaseRecord
	invalid   map[model.Phase]bool
	issues    []string
}

func (r *runner) loadChain(ctx context.Context) (*chain, error) {
	c := &chain{
		records: make(map[model.Phase]*model.PhaseRecord, 3),
		invalid: make(map[model.Phase]bool),
	}
	targets := []struct {
		phase model.Phase
		into  any
	}{
		{model.PhaseDiscover, &c.discovery},
		{model.PhaseAnalyze, &c.analysis},
		{model.PhaseSynthesize, &c.synthesis},
	}
	for _, t := range targets {
		rec, err := r.latest(ctx, t.phase, t.into)
		if err != nil {
			return nil, err
		}
		c.records[t.phase] = rec
		if err := r.p.d.Schemas.CheckRecord(rec); err != nil {
			c.invalid[t.phase] = true
			c.issues = append(c.issues, fmt.Sprintf("%s: %v", t.phase, err))
		}
		if res := r.p.d.Schemas.Validate(rec.Payload, schema.ForPhase(t.phase)); !res.OK {
			c.invalid[t.phase] = true
			for _, m := range res.Messages() {
				c.issues = append(c.issues, fmt.Sprintf("%s: %s", t.phase, m))
			}
		}
	}
	return c, nil
}

// validate scores the stored chain against the target. Facts are rescored
// with the current clock so stale evidence loses weight between runs.
func (p *Pipeline) validate(c *chain) model.ValidationPayload {
	facts := append([]model.FactRecord(nil), c.discovery.Facts...)
	p.d.Scorer.ScoreAll(facts)

	ds := p.d.Scorer.Aggregate(facts)
	as := analyze.Confidence(c.analysis, ds)
	ss := synthesize.Confidence(c.synthesis, as, len(facts))
	scores := map[model.Phase]float64{
		model.PhaseDiscover:   ds,
		model.PhaseAnalyze:    as,
		model.PhaseSynthesize: ss,
	}
	for ph := range c.invalid {
		scores[ph] = 0
	}

	v := model.ValidationPayload{
		SubjectID:   c.discovery.SubjectID,
		RunDate:     c.discovery.RunDate,
		PhaseScores: make(map[string]float64, len(scores)),
		Target:      p.s.Target,
		WeakFacts:   []string{},
		Issues:      append([]string{}, c.issues...),
	}
	var sum, weights float64
	for _, ph := range []model.Phase{model.PhaseDiscover, model.PhaseAnalyze, model.PhaseSynthesize} {
		s := scores[ph]
		v.PhaseScores[string(ph)] = s
		w := p.s.PhaseWeights[ph]
		sum += w * s
		weights += w
	}
	if weights > 0 {
		v.OverallScore = clamp01(sum / weights)
	}

	for _, f := range facts {
		if f.Confidence < p.s.WeakFactCeiling {
			v.WeakFacts = append(v.WeakFacts, f.FactKey)
		}
		if f.Disputed {
			v.Issues = append(v.Issues, fmt.Sprintf("fact %s disputed: sources deviate by %.2f%%", f.FactKey, f.MaxDeviation*100))
		}
		for _, dp := range f.Candidates {
			if dp.Stale {
				v.Issues = append(v.Issues, fmt.Sprintf("fact %s uses a stale value from %s", f.FactKey, dp.SourceID))
			}
		}
	}
	for _, k := range c.discovery.Missing {
		v.Issues = append(v.Issues, fmt.Sprintf("fact %s missing", k))
	}
	for _, k := range c.analysis.Missing {
		v.Issues = append(v.Issues, fmt.Sprintf("metric %s not computed", k))
	}
	for _, ph := range []model.Phase{model.PhaseDiscover, model.PhaseAnalyze, model.PhaseSynthesize} {
		if rec := c.records[ph]; rec != nil && rec.Degraded {
			v.Issues = append(v.Issues, fmt.Sprintf("%s record produced in degraded mode", ph))
		}
	}

	v.Passed = v.OverallScore >= p.s.Target
	v.Grade = confidence.Grade(v.OverallScore)
	v.EnhancementRecommended = !v.Passed
	return v
}

func (r *runner) validatePhase(ctx context.Context) (*phaseOutput, error) {
	c, err := r.loadChain(ctx)
	if err != nil {
		return nil, err
	}
	v := r.p.validate(c)
	r.out.Score = v.OverallScore
	r.out.Passed = v.Passed
	trace.SpanFromContext(ctx).SetAttributes(
		attribute.Float64("overall_score", v.OverallScore),
		attribute.Bool("passed", v.Passed),
	)

	degraded := false
	for _, rec := range c.records {
		degraded = degraded || rec.Degraded
	}
	return &phaseOutput{payload: v, confidence: v.OverallScore, degraded: degraded}, nil
}

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v) || v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
