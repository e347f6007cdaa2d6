package pipeline

import (
	"context"
	"sort"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/sells-group/dasv/internal/model"
)

// enhanceTargets lists the facts worth refetching: weak, single-source,
// disputed or missing.
func (p *Pipeline) enhanceTargets(d *model.DiscoveryPayload) []string {
	set := make(map[string]bool)
	for _, f := range d.Facts {
		if f.Confidence < p.s.WeakFactCeiling || f.SingleSource() || f.Disputed {
			set[f.FactKey] = true
		}
	}
	for _, k := range d.Missing {
		set[k] = true
	}
	return sortedKeys(set)
}

// mergeCandidates replaces the candidates of refetched sources and keeps the
// rest.
func mergeCandidates(prior, fresh []model.DataPoint) []model.DataPoint {
	bySource := make(map[string]model.DataPoint, len(prior)+len(fresh))
	for _, dp := range prior {
		bySource[dp.SourceID] = dp
	}
	for _, dp := range fresh {
		bySource[dp.SourceID] = dp
	}
	out := make([]model.DataPoint, 0, len(bySource))
	for _, id := range sortedKeys(bySource) {
		out = append(out, bySource[id])
	}
	return out
}

// enhance refetches the weak facts of the current Discovery record bypassing
// the cache and merges the new evidence in. A fact is only replaced when its
// confidence does not drop. The result reads as an ordinary discovery.
func (p *Pipeline) enhance(ctx context.Context, subject string, prior *model.DiscoveryPayload) (*model.DiscoveryPayload, []string) {
	targets := p.enhanceTargets(prior)
	if len(targets) == 0 {
		return prior, nil
	}
	specs := p.s.factSpecs(targets)
	c := p.collect(ctx, subject, prior.RunDate, specs, true)

	d := &model.DiscoveryPayload{
		SubjectID:        prior.SubjectID,
		RunDate:          prior.RunDate,
		Facts:            append([]model.FactRecord(nil), prior.Facts...),
		Missing:          []string{},
		SourcesQueried:   prior.SourcesQueried,
		SourcesResponded: prior.SourcesResponded,
	}
	// Rescore with the current clock so old and new facts compare fairly.
	p.d.Scorer.ScoreAll(d.Facts)

	var improved []string
	for i := range d.Facts {
		f := &d.Facts[i]
		fresh := c.candidates[f.FactKey]
		if len(fresh) == 0 {
			continue
		}
		rec := p.d.Reconciler.Reconcile(f.FactKey, mergeCandidates(f.Candidates, fresh))
		rec.Confidence = p.d.Scorer.ScoreFact(rec)
		if rec.Confidence < f.Confidence {
			continue
		}
		*f = *rec
		improved = append(improved, f.FactKey)
	}
	for _, k := range prior.Missing {
		fresh := c.candidates[k]
		if len(fresh) == 0 {
			d.Missing = append(d.Missing, k)
			continue
		}
		rec := p.d.Reconciler.Reconcile(k, fresh)
		rec.Confidence = p.d.Scorer.ScoreFact(rec)
		d.Facts = append(d.Facts, *rec)
		improved = append(improved, k)
	}
	sortFacts(d.Facts)
	sort.Strings(d.Missing)
	sort.Strings(improved)

	if c.queried > d.SourcesQueried {
		d.SourcesQueried = c.queried
	}
	if n := len(c.live); n > d.SourcesResponded {
		d.SourcesResponded = n
	}
	d.Health = p.d.Gateway.Snapshot()
	return d, improved
}

func (r *runner) enhancePhase(ctx context.Context) (*phaseOutput, error) {
	var prior model.DiscoveryPayload
	rec, err := r.latest(ctx, model.PhaseDiscover, &prior)
	if err != nil {
		return nil, err
	}
	d, improved := r.p.enhance(ctx, r.subject, &prior)
	r.log.Info("pipeline: enhancement pass",
		zap.Int("pass", r.out.Enhancements+1),
		zap.Strings("improved", improved),
	)
	trace.SpanFromContext(ctx).SetAttributes(attribute.Int("improved_facts", len(improved)))
	return r.p.discoveryOutput(d, rec.Degraded), nil
}
