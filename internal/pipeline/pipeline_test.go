package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sells-group/dasv/internal/config"
	"github.com/sells-group/dasv/internal/model"
	"github.com/sells-group/dasv/internal/provider"
	"github.com/sells-group/dasv/internal/schema"
	"github.com/sells-group/dasv/internal/store"
)

func TestRun_HappyPath(t *testing.T) {
	runs := newTestRuns(t)
	env := newTestEnv(t, testSettings(), config.DefaultGateRules(), runs, priceFixtures(100, 100.2, 100.1)...)
	ctx := context.Background()

	out, err := env.p.Run(ctx, "xyz", params())
	require.NoError(t, err)
	assert.Equal(t, StateDone, out.State)
	assert.Equal(t, []State{StateDiscover, StateAnalyze, StateSynthesize, StateValidate, StateDone}, out.Path)
	assert.Equal(t, "XYZ", out.SubjectID)
	assert.True(t, out.Passed)
	assert.Zero(t, out.Enhancements)
	assert.Len(t, out.Gates, 4)
	assert.Empty(t, out.HaltReasons)

	for _, phase := range model.Phases {
		rec := env.latest(t, phase, nil)
		assert.Equal(t, 1, rec.Revision, phase)
		assert.False(t, rec.Degraded, phase)
		res := env.schemas.Validate(rec.Payload, schema.ForPhase(phase))
		assert.True(t, res.OK, "%s: %v", phase, res.Messages())
		assert.NoError(t, env.schemas.CheckRecord(rec))
	}

	var d model.DiscoveryPayload
	env.latest(t, model.PhaseDiscover, &d)
	assert.Equal(t, 3, d.SourcesQueried)
	assert.Equal(t, 3, d.SourcesResponded)
	assert.Empty(t, d.Missing)
	require.Len(t, d.Facts, 3)
	assert.Equal(t, []string{"eps", "price", "sector"}, []string{d.Facts[0].FactKey, d.Facts[1].FactKey, d.Facts[2].FactKey})

	var a model.AnalysisPayload
	env.latest(t, model.PhaseAnalyze, &a)
	require.Len(t, a.Metrics, 1)
	assert.Equal(t, "pe", a.Metrics[0].Name)

	var v model.ValidationPayload
	env.latest(t, model.PhaseValidate, &v)
	assert.True(t, v.Passed)
	assert.InDelta(t, out.Score, v.OverallScore, 1e-12)
	assert.Contains(t, v.PhaseScores, "discover")

	run, err := runs.GetRun(ctx, out.RunID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusComplete, run.Status)
	require.NotNil(t, run.Result)
	assert.Equal(t, string(StateDone), run.Result.FinalState)

	phases, err := runs.ListPhases(ctx, out.RunID)
	require.NoError(t, err)
	assert.Len(t, phases, 4)
}

func TestRun_PriceDisagreementWithinTolerance(t *testing.T) {
	env := newTestEnv(t, testSettings(), config.DefaultGateRules(), nil, priceFixtures(100, 100.5, 104)...)

	out, err := env.p.Run(context.Background(), "XYZ", params())
	require.NoError(t, err)
	assert.Equal(t, StateDone, out.State)

	var d model.DiscoveryPayload
	env.latest(t, model.PhaseDiscover, &d)
	price := d.Fact("price")
	require.NotNil(t, price)
	assert.Equal(t, 100.5, price.ConsensusValue)
	assert.True(t, price.Disputed)
	require.NotNil(t, price.ConsistencyScore)
	assert.Less(t, *price.ConsistencyScore, 1.0)
	assert.InDelta(t, 4.0/102.0, price.MaxDeviation, 1e-9)

	eps := d.Fact("eps")
	require.NotNil(t, eps)
	assert.Less(t, price.Confidence, eps.Confidence, "disagreement lowers confidence")

	var v model.ValidationPayload
	env.latest(t, model.PhaseValidate, &v)
	assert.Contains(t, strings.Join(v.Issues, "\n"), "fact price disputed")
}

func TestRun_PriceDeviationBeyondHardCeilingHalts(t *testing.T) {
	runs := newTestRuns(t)
	env := newTestEnv(t, testSettings(), config.DefaultGateRules(), runs, priceFixtures(100, 100.5, 150)...)
	ctx := context.Background()

	out, err := env.p.Run(ctx, "XYZ", params())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrQualityGateBlocked)
	assert.Equal(t, StateHalted, out.State)
	assert.Equal(t, []State{StateDiscover, StateHalted}, out.Path)
	require.NotEmpty(t, out.HaltReasons)
	assert.Contains(t, out.HaltReasons[0], "max_deviation")

	var ge *GateError
	require.True(t, errors.As(err, &ge))
	assert.False(t, ge.Result.Passed)
	assert.Equal(t, model.GateBlocked, ge.Result.State)
	assert.Equal(t, model.PhaseDiscover, ge.Result.Phase)

	run, err := runs.GetRun(ctx, out.RunID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusHalted, run.Status)
}

func TestRun_GateBlockStopsBeforeAnalyze(t *testing.T) {
	gates := config.DefaultGateRules()
	gates.Discover = []config.GateRuleConfig{
		{Metric: "max_deviation", Max: ptr(0.02), Hard: true},
	}
	env := newTestEnv(t, testSettings(), gates, nil, priceFixtures(100, 100, 105)...)
	ctx := context.Background()

	out, err := env.p.Run(ctx, "XYZ", params())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrQualityGateBlocked)
	assert.Equal(t, StateHalted, out.State)
	assert.NotContains(t, out.Path, StateAnalyze)

	_, err = env.records.Latest(ctx, "XYZ", testDate, model.PhaseAnalyze)
	assert.ErrorIs(t, err, store.ErrNotFound, "no analysis may be produced after a block")

	// The blocked discovery is kept for post-mortem but never made current.
	_, err = env.records.Latest(ctx, "XYZ", testDate, model.PhaseDiscover)
	assert.ErrorIs(t, err, store.ErrNotFound)

	blocked, err := env.records.Quarantined(ctx, "XYZ", testDate, model.PhaseDiscover)
	require.NoError(t, err)
	assert.True(t, blocked.Blocked)
	assert.Equal(t, out.Records[model.PhaseDiscover].Digest, blocked.Digest)
}

func TestRun_QuorumNotMet(t *testing.T) {
	fx := priceFixtures(100, 100, 100)
	fx[1].SetDown(true)
	fx[2].SetDown(true)
	env := newTestEnv(t, testSettings(), config.DefaultGateRules(), nil, fx...)
	ctx := context.Background()

	out, err := env.p.Run(ctx, "XYZ", params())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrQuorumNotMet)
	assert.Equal(t, StateHalted, out.State)

	var qe *QuorumError
	require.True(t, errors.As(err, &qe))
	assert.Equal(t, 1, qe.Responded)
	assert.Equal(t, 2, qe.Required)
	assert.Equal(t, []string{"alpha"}, qe.Sources)

	_, err = env.records.Latest(ctx, "XYZ", testDate, model.PhaseDiscover)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestRun_DegradedContinuesPastQuorum(t *testing.T) {
	fx := priceFixtures(100, 100, 100)
	fx[1].SetDown(true)
	fx[2].SetDown(true)
	env := newTestEnv(t, testSettings(), config.DefaultGateRules(), nil, fx...)

	p := params()
	p.Degraded = true
	out, err := env.p.Run(context.Background(), "XYZ", p)
	require.NoError(t, err)
	assert.Equal(t, StateDone, out.State)
	assert.True(t, out.Degraded)
	assert.NotEmpty(t, out.Warnings)

	rec := env.latest(t, model.PhaseDiscover, nil)
	assert.True(t, rec.Degraded)

	var v model.ValidationPayload
	env.latest(t, model.PhaseValidate, &v)
	assert.Contains(t, strings.Join(v.Issues, "\n"), "discover record produced in degraded mode")
}

func TestRun_SchemaViolationHalts(t *testing.T) {
	env := newTestEnv(t, testSettings(), config.DefaultGateRules(), nil, priceFixtures(-5, -5, -5)...)
	ctx := context.Background()

	out, err := env.p.Run(ctx, "XYZ", params())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSchemaViolation)
	assert.Equal(t, StateHalted, out.State)

	var se *SchemaError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, model.PhaseDiscover, se.Phase)
	assert.NotEmpty(t, se.Violations)

	_, err = env.records.Latest(ctx, "XYZ", testDate, model.PhaseDiscover)
	assert.ErrorIs(t, err, store.ErrNotFound, "invalid payloads are never persisted")
}

type factView struct {
	Key        string
	Consensus  any
	Confidence float64
}

func views(d *model.DiscoveryPayload) []factView {
	out := make([]factView, 0, len(d.Facts))
	for _, f := range d.Facts {
		out = append(out, factView{Key: f.FactKey, Consensus: f.ConsensusValue, Confidence: f.Confidence})
	}
	return out
}

func TestDiscover_Idempotent(t *testing.T) {
	env := newTestEnv(t, testSettings(), config.DefaultGateRules(), nil, priceFixtures(100, 100.5, 104)...)
	ctx := context.Background()

	first, err := env.p.Discover(ctx, "XYZ", params())
	require.NoError(t, err)
	second, err := env.p.Discover(ctx, "XYZ", params())
	require.NoError(t, err)

	if diff := cmp.Diff(views(first), views(second)); diff != "" {
		t.Errorf("discovery not idempotent (-first +second):\n%s", diff)
	}

	_, err = env.records.Latest(ctx, "XYZ", testDate, model.PhaseDiscover)
	assert.ErrorIs(t, err, store.ErrNotFound, "Discover alone persists nothing")
}

func TestRun_RerunProducesIdenticalDiscovery(t *testing.T) {
	env := newTestEnv(t, testSettings(), config.DefaultGateRules(), nil, priceFixtures(100, 100.2, 100.1)...)
	ctx := context.Background()

	_, err := env.p.Run(ctx, "XYZ", params())
	require.NoError(t, err)
	first := env.latest(t, model.PhaseDiscover, nil)

	_, err = env.p.Run(ctx, "XYZ", params())
	require.NoError(t, err)
	second := env.latest(t, model.PhaseDiscover, nil)

	assert.Equal(t, first.Digest, second.Digest)
	assert.Equal(t, 2, second.Revision)

	hist, err := env.records.History(ctx, "XYZ", testDate, model.PhaseDiscover)
	require.NoError(t, err)
	assert.Len(t, hist, 2)
}

func TestRun_EnhancementOverwritesDiscovery(t *testing.T) {
	alpha := fixture("alpha", map[string]map[string]provider.FixtureValue{"XYZ": quotes(100, 5)})
	beta := fixture("beta", map[string]map[string]provider.FixtureValue{"XYZ": {
		"price":  {Value: 100.0, Unit: "USD", ObservedAt: testNow},
		"sector": {Value: "Technology", ObservedAt: testNow},
	}})
	gamma := fixture("gamma", map[string]map[string]provider.FixtureValue{"XYZ": {
		"eps": {Value: 5.0, Unit: "USD", ObservedAt: testNow},
	}})
	gamma.SetDown(true)

	s := testSettings()
	s.Target = 0.99
	s.MaxPasses = 1
	env := newTestEnv(t, s, config.DefaultGateRules(), nil, alpha, beta, gamma)
	ctx := context.Background()

	out, err := env.p.Run(ctx, "XYZ", params())
	require.NoError(t, err)
	assert.Equal(t, StateDone, out.State)
	assert.False(t, out.Passed)
	assert.Equal(t, 1, out.Enhancements)
	assert.Equal(t, []State{
		StateDiscover, StateAnalyze, StateSynthesize, StateValidate,
		StateEnhance, StateAnalyze, StateSynthesize, StateValidate, StateDone,
	}, out.Path)

	var d model.DiscoveryPayload
	rec := env.latest(t, model.PhaseDiscover, &d)
	assert.Equal(t, 1, rec.Revision)
	require.NotNil(t, d.Fact("eps"))
	assert.Len(t, d.Fact("eps").Candidates, 1)

	// gamma recovers; the next run revalidates and enhances the same record.
	gamma.SetDown(false)
	out, err = env.p.Run(ctx, "XYZ", params())
	require.NoError(t, err)
	require.NotEmpty(t, out.Path)
	assert.Equal(t, StateValidate, out.Path[0])
	assert.Equal(t, 1, out.Enhancements)

	rec = env.latest(t, model.PhaseDiscover, &d)
	assert.Equal(t, 1, rec.Revision)
	require.NotNil(t, d.Fact("eps"))
	assert.Len(t, d.Fact("eps").Candidates, 2)
	assert.Equal(t, []string{"alpha", "gamma"}, d.Fact("eps").Sources())

	res := env.schemas.Validate(rec.Payload, schema.Discovery)
	assert.True(t, res.OK, res.Messages())
	assert.NotContains(t, strings.ToLower(string(rec.Payload)), "enhanc")

	hist, err := env.records.History(ctx, "XYZ", testDate, model.PhaseDiscover)
	require.NoError(t, err)
	assert.Len(t, hist, 1, "enhancement replaces, never appends")

	hist, err = env.records.History(ctx, "XYZ", testDate, model.PhaseAnalyze)
	require.NoError(t, err)
	assert.Len(t, hist, 3)
}

func TestRun_BlockedEnhancementKeepsPriorDiscovery(t *testing.T) {
	quotesWithoutPrice := func() map[string]map[string]provider.FixtureValue {
		return map[string]map[string]provider.FixtureValue{"XYZ": {
			"eps":    {Value: 5.0, Unit: "USD", ObservedAt: testNow},
			"sector": {Value: "Technology", ObservedAt: testNow},
		}}
	}
	alpha := fixture("alpha", quotesWithoutPrice())
	beta := fixture("beta", quotesWithoutPrice())

	s := testSettings()
	s.Target = 0.99
	env := newTestEnvWithMetrics(t, s, config.DefaultGateRules(), nil, nil, alpha, beta)
	ctx := context.Background()

	out, err := env.p.Run(ctx, "XYZ", params())
	require.NoError(t, err)
	assert.Equal(t, StateDone, out.State)
	assert.False(t, out.Passed)
	good := env.latest(t, model.PhaseDiscover, nil)

	analyses, err := env.records.History(ctx, "XYZ", testDate, model.PhaseAnalyze)
	require.NoError(t, err)
	validations, err := env.records.History(ctx, "XYZ", testDate, model.PhaseValidate)
	require.NoError(t, err)

	// Both sources start quoting a price 40% apart, so the enhanced
	// discovery fails the hard deviation gate.
	alpha.Set("XYZ", "price", provider.FixtureValue{Value: 100.0, Unit: "USD", ObservedAt: testNow})
	beta.Set("XYZ", "price", provider.FixtureValue{Value: 150.0, Unit: "USD", ObservedAt: testNow})

	out, err = env.p.Run(ctx, "XYZ", params())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrQualityGateBlocked)
	assert.Equal(t, []State{StateValidate, StateEnhance, StateHalted}, out.Path)
	require.NotEmpty(t, out.HaltReasons)
	assert.Contains(t, out.HaltReasons[0], "max_deviation")

	cur := env.latest(t, model.PhaseDiscover, nil)
	assert.Equal(t, good.Digest, cur.Digest, "the passing discovery stays current")
	assert.False(t, cur.Blocked)

	hist, err := env.records.History(ctx, "XYZ", testDate, model.PhaseDiscover)
	require.NoError(t, err)
	assert.Len(t, hist, 1)

	blocked, err := env.records.Quarantined(ctx, "XYZ", testDate, model.PhaseDiscover)
	require.NoError(t, err)
	assert.True(t, blocked.Blocked)
	var bd model.DiscoveryPayload
	require.NoError(t, blocked.Decode(&bd))
	require.NotNil(t, bd.Fact("price"))
	assert.True(t, bd.Fact("price").Disputed)

	after, err := env.records.History(ctx, "XYZ", testDate, model.PhaseAnalyze)
	require.NoError(t, err)
	assert.Len(t, after, len(analyses), "no analysis follows a blocked discovery")

	// The next run revalidates the intact chain and halts on the same block.
	_, err = env.p.Run(ctx, "XYZ", params())
	assert.ErrorIs(t, err, ErrQualityGateBlocked)
	assert.Equal(t, good.Digest, env.latest(t, model.PhaseDiscover, nil).Digest)

	vals, err := env.records.History(ctx, "XYZ", testDate, model.PhaseValidate)
	require.NoError(t, err)
	assert.Greater(t, len(vals), len(validations))
	for _, v := range vals {
		assert.False(t, v.Blocked)
		var vp model.ValidationPayload
		require.NoError(t, v.Decode(&vp))
		assert.NotContains(t, strings.Join(vp.Issues, "\n"), "fact price disputed")
	}
}

func TestRun_BlockedRecordStartsFreshDiscovery(t *testing.T) {
	s := testSettings()
	s.Target = 0.99
	env := newTestEnv(t, s, config.DefaultGateRules(), nil, priceFixtures(100, 100.2, 100.1)...)
	ctx := context.Background()

	out, err := env.p.Run(ctx, "XYZ", params())
	require.NoError(t, err)
	assert.False(t, out.Passed)

	// A blocked analysis left current by an older build poisons the chain.
	rec := env.latest(t, model.PhaseAnalyze, nil)
	rec.Blocked = true
	require.NoError(t, env.records.Append(ctx, rec))

	out, err = env.p.Run(ctx, "XYZ", params())
	require.NoError(t, err)
	require.NotEmpty(t, out.Path)
	assert.Equal(t, StateDiscover, out.Path[0])
	assert.False(t, env.latest(t, model.PhaseAnalyze, nil).Blocked)
}

func TestRunner_RefusesBlockedInput(t *testing.T) {
	env := newTestEnv(t, testSettings(), config.DefaultGateRules(), nil, priceFixtures(100, 100.2, 100.1)...)
	ctx := context.Background()

	rec, err := model.NewPhaseRecord("XYZ", testDate, model.PhaseDiscover, "1.0.0",
		model.DiscoveryPayload{SubjectID: "XYZ", RunDate: testDate}, 0.2, testNow)
	require.NoError(t, err)
	rec.Blocked = true
	require.NoError(t, env.records.Append(ctx, rec))

	r := &runner{p: env.p, subject: "XYZ", params: params(), out: &Outcome{}, log: zap.NewNop()}
	_, err = r.analyzePhase(ctx)
	assert.ErrorIs(t, err, ErrQualityGateBlocked)
}

func TestRun_OverlappingRunsSerialized(t *testing.T) {
	env := newTestEnv(t, testSettings(), config.DefaultGateRules(), nil, priceFixtures(100, 100.2, 100.1)...)
	ctx := context.Background()

	const n = 4
	outs := make([]*Outcome, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := env.p.Run(ctx, "xyz", params())
			assert.NoError(t, err)
			outs[i] = out
		}()
	}
	wg.Wait()

	revisions := make(map[int]bool)
	for _, out := range outs {
		require.NotNil(t, out)
		require.Equal(t, StateDone, out.State)
		d := out.Records[model.PhaseDiscover].Revision
		// Each run builds on its own discovery, never a concurrent one.
		for _, ph := range []model.Phase{model.PhaseAnalyze, model.PhaseSynthesize, model.PhaseValidate} {
			assert.Equal(t, d, out.Records[ph].Revision, ph)
		}
		revisions[d] = true
	}
	assert.Len(t, revisions, n)
	assert.Zero(t, env.p.locks.size())
}

func TestRun_CancelledWhileWaitingForLock(t *testing.T) {
	runs := newTestRuns(t)
	env := newTestEnv(t, testSettings(), config.DefaultGateRules(), runs, priceFixtures(100, 100.2, 100.1)...)

	unlock, err := env.p.locks.acquire(context.Background(), runKey("XYZ", testDate))
	require.NoError(t, err)
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	out, err := env.p.Run(ctx, "XYZ", params())
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, StateHalted, out.State)

	run, err := runs.GetRun(context.Background(), out.RunID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusFailed, run.Status)
}

func TestRun_EnhancementDisabled(t *testing.T) {
	s := testSettings()
	s.Target = 0.99
	s.EnhanceEnabled = false
	env := newTestEnv(t, s, config.DefaultGateRules(), nil, priceFixtures(100, 100, 100)...)

	out, err := env.p.Run(context.Background(), "XYZ", params())
	require.NoError(t, err)
	assert.Equal(t, StateDone, out.State)
	assert.False(t, out.Passed)
	assert.Zero(t, out.Enhancements)
	assert.NotContains(t, out.Path, StateEnhance)
}

func TestRun_InvalidParams(t *testing.T) {
	env := newTestEnv(t, testSettings(), config.DefaultGateRules(), nil, priceFixtures(100, 100, 100)...)
	ctx := context.Background()

	_, err := env.p.Run(ctx, "", params())
	assert.Error(t, err)

	_, err = env.p.Run(ctx, "XYZ", Params{RunDate: "03/02/2026"})
	assert.Error(t, err)

	_, err = env.p.Run(ctx, "XYZ", Params{RunDate: testDate, Category: "poetry"})
	assert.Error(t, err)
}

func TestRun_Categories(t *testing.T) {
	for _, cat := range model.Categories {
		t.Run(string(cat), func(t *testing.T) {
			env := newTestEnv(t, testSettings(), config.DefaultGateRules(), nil, priceFixtures(100, 100, 100)...)
			p := params()
			p.Category = cat
			out, err := env.p.Run(context.Background(), "XYZ", p)
			require.NoError(t, err)
			assert.Equal(t, StateDone, out.State)

			var s model.SynthesisPayload
			env.latest(t, model.PhaseSynthesize, &s)
			assert.Equal(t, cat, s.Category)
			assert.NotEmpty(t, s.Document)
		})
	}
}

func TestRun_MissingFactLowersCoverage(t *testing.T) {
	s := testSettings()
	s.Facts = append(s.Facts, FactSpec{Key: "dividend", Staleness: model.StalenessDaily, Unit: "USD"})
	env := newTestEnv(t, s, config.DefaultGateRules(), nil, priceFixtures(100, 100, 100)...)

	out, err := env.p.Run(context.Background(), "XYZ", params())
	require.NoError(t, err)
	assert.NotEqual(t, StateHalted, out.State)

	var d model.DiscoveryPayload
	env.latest(t, model.PhaseDiscover, &d)
	assert.Equal(t, []string{"dividend"}, d.Missing)
}

func ptr(f float64) *float64 { return &f }
