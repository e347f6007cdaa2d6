package pipeline

import (
	"context"
	"path"
	"sort"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/dasv/internal/gate"
	"github.com/sells-group/dasv/internal/model"
	"github.com/sells-group/dasv/internal/provider"
)

// collection is the raw result of one fan-out.
type collection struct {
	candidates map[string][]model.DataPoint
	// live holds the sources that returned at least one non-stale value.
	live    map[string]bool
	queried int
}

// collect fans out to every reachable provider that supports at least one of
// specs. Each provider fetches its facts sequentially; providers run in
// parallel up to MaxConcurrency. A failing provider never cancels the others.
func (p *Pipeline) collect(ctx context.Context, subject, runDate string, specs []FactSpec, bypass bool) *collection {
	gw := p.d.Gateway
	reg := gw.Registry()
	log := zap.L().With(zap.String("component", "discover"), zap.String("subject", subject))

	gw.RefreshHealth(ctx)

	type job struct {
		id    string
		facts []FactSpec
	}
	var jobs []job
	for _, id := range reg.List() {
		prov := reg.Get(id)
		if prov == nil {
			continue
		}
		var facts []FactSpec
		for _, s := range specs {
			if provider.Supports(prov, s.Key) {
				facts = append(facts, s)
			}
		}
		if len(facts) == 0 {
			continue
		}
		if !gw.Reachable(id) {
			log.Info("discover: skipping unreachable source", zap.String("source", id))
			continue
		}
		jobs = append(jobs, job{id: id, facts: facts})
	}

	out := &collection{
		candidates: make(map[string][]model.DataPoint),
		live:       make(map[string]bool),
		queried:    len(jobs),
	}

	dctx, cancel := context.WithTimeout(ctx, p.s.Deadline)
	defer cancel()

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(dctx)
	g.SetLimit(p.s.MaxConcurrency)
	for _, j := range jobs {
		g.Go(func() error {
			for _, s := range j.facts {
				dp, err := gw.Fetch(gctx, j.id, provider.Request{
					SubjectID:   subject,
					FactKey:     s.Key,
					RunDate:     runDate,
					Staleness:   s.Staleness,
					Unit:        s.Unit,
					BypassCache: bypass,
				})
				if err != nil {
					log.Debug("discover: fetch failed", zap.String("source", j.id), zap.String("fact", s.Key), zap.Error(err))
					continue
				}
				mu.Lock()
				out.candidates[s.Key] = append(out.candidates[s.Key], dp)
				if !dp.Stale {
					out.live[j.id] = true
				}
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// lastKnownGood fills facts that no live source answered from expired cache
// entries. These values never count toward quorum.
func (p *Pipeline) lastKnownGood(ctx context.Context, subject, runDate string, specs []FactSpec, c *collection) {
	reg := p.d.Gateway.Registry()
	for _, s := range specs {
		if len(c.candidates[s.Key]) > 0 {
			continue
		}
		for _, prov := range reg.Supporting(s.Key) {
			dp, ok := p.d.Gateway.LastKnownGood(ctx, prov.ID(), provider.Request{
				SubjectID: subject,
				FactKey:   s.Key,
				RunDate:   runDate,
				Staleness: s.Staleness,
				Unit:      s.Unit,
			})
			if ok {
				c.candidates[s.Key] = append(c.candidates[s.Key], dp)
			}
		}
	}
}

// Discover collects, reconciles and scores the facts for one subject without
// persisting anything. It returns a QuorumError when fewer than Quorum
// distinct sources responded, unless params.Degraded is set. A run that found
// no fact at all always fails quorum.
func (p *Pipeline) Discover(ctx context.Context, subjectID string, params Params) (*model.DiscoveryPayload, error) {
	subject, params, err := p.normalize(subjectID, params)
	if err != nil {
		return nil, err
	}
	d, _, err := p.discover(ctx, subject, params)
	return d, err
}

// discover reports whether quorum was missed alongside the payload.
func (p *Pipeline) discover(ctx context.Context, subject string, params Params) (*model.DiscoveryPayload, bool, error) {
	specs := p.s.factSpecs(params.Facts)
	c := p.collect(ctx, subject, params.RunDate, specs, false)
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	responded := sortedKeys(c.live)
	missed := len(responded) < p.s.Quorum
	qerr := &QuorumError{Responded: len(responded), Required: p.s.Quorum, Sources: responded}
	if missed && !params.Degraded {
		return nil, true, qerr
	}

	p.lastKnownGood(ctx, subject, params.RunDate, specs, c)

	d := &model.DiscoveryPayload{
		SubjectID:        subject,
		RunDate:          params.RunDate,
		Facts:            []model.FactRecord{},
		Missing:          []string{},
		SourcesQueried:   c.queried,
		SourcesResponded: len(responded),
	}
	for _, s := range specs {
		rec := p.d.Reconciler.Reconcile(s.Key, c.candidates[s.Key])
		if rec == nil {
			d.Missing = append(d.Missing, s.Key)
			continue
		}
		d.Facts = append(d.Facts, *rec)
	}
	if len(d.Facts) == 0 {
		return nil, true, qerr
	}
	p.d.Scorer.ScoreAll(d.Facts)
	d.Health = p.d.Gateway.Snapshot()
	return d, missed, nil
}

func (r *runner) discoverPhase(ctx context.Context) (*phaseOutput, error) {
	d, missed, err := r.p.discover(ctx, r.subject, r.params)
	if err != nil {
		return nil, err
	}
	if missed {
		r.log.Warn("pipeline: quorum not met, continuing degraded",
			zap.Int("responded", d.SourcesResponded),
			zap.Int("required", r.p.s.Quorum),
		)
		r.out.Warnings = append(r.out.Warnings, "discover: degraded: quorum not met")
	}
	trace.SpanFromContext(ctx).SetAttributes(
		attribute.Int("sources_queried", d.SourcesQueried),
		attribute.Int("sources_responded", d.SourcesResponded),
		attribute.Int("facts", len(d.Facts)),
	)
	return r.p.discoveryOutput(d, missed), nil
}

func (p *Pipeline) discoveryOutput(d *model.DiscoveryPayload, degraded bool) *phaseOutput {
	return &phaseOutput{
		payload:    d,
		confidence: p.d.Scorer.Aggregate(d.Facts),
		measured: map[string]float64{
			gate.MetricMaxDeviation: p.maxDeviation(d.Facts),
			gate.MetricCoverage:     coverage(d),
		},
		degraded: degraded,
	}
}

// maxDeviation is the largest deviation among the facts matching
// DeviationFacts.
func (p *Pipeline) maxDeviation(facts []model.FactRecord) float64 {
	var highest float64
	for _, f := range facts {
		if p.tracksDeviation(f.FactKey) && f.MaxDeviation > highest {
			highest = f.MaxDeviation
		}
	}
	return highest
}

func (p *Pipeline) tracksDeviation(key string) bool {
	if len(p.s.DeviationFacts) == 0 {
		return true
	}
	for _, pattern := range p.s.DeviationFacts {
		if ok, err := path.Match(pattern, key); err == nil && ok {
			return true
		}
	}
	return false
}

func coverage(d *model.DiscoveryPayload) float64 {
	total := len(d.Facts) + len(d.Missing)
	if total == 0 {
		return 0
	}
	return float64(len(d.Facts)) / float64(total)
}

func sortFacts(facts []model.FactRecord) {
	sort.Slice(facts, func(i, j int) bool { return facts[i].FactKey < facts[j].FactKey })
}
