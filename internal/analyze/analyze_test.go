package analyze

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/dasv/internal/config"
	"github.com/sells-group/dasv/internal/model"
)

func fact(key string, v any, conf float64, sources ...string) model.FactRecord {
	f := model.FactRecord{FactKey: key, ConsensusValue: v, Confidence: conf}
	for _, s := range sources {
		f.Candidates = append(f.Candidates, model.DataPoint{Value: v, SourceID: s})
	}
	return f
}

func discovery() model.DiscoveryPayload {
	disputed := fact("price", 100.5, 0.6, "a", "b", "c")
	disputed.Disputed = true
	return model.DiscoveryPayload{
		SubjectID: "XYZ",
		RunDate:   "2026-03-02",
		Facts: []model.FactRecord{
			disputed,
			fact("eps", 5.0, 0.9, "a", "b"),
			fact("sector", "Technology", 0.8, "a"),
			fact("zero", 0.0, 0.9, "a", "b"),
		},
	}
}

func TestMetricsFromConfig(t *testing.T) {
	ms, err := MetricsFromConfig([]config.DerivedMetricConfig{
		{Name: "pe", Op: "ratio", Inputs: []string{"price", "eps"}},
	})
	require.NoError(t, err)
	require.Len(t, ms, 1)
	assert.Equal(t, "pe", ms[0].Name)

	bad := [][]config.DerivedMetricConfig{
		{{Op: "ratio", Inputs: []string{"a", "b"}}},
		{{Name: "x", Op: "ratio", Inputs: []string{"a"}}},
		{{Name: "x", Op: "product", Inputs: []string{"a"}}},
		{{Name: "x", Op: "log", Inputs: []string{"a", "b"}}},
	}
	for _, in := range bad {
		_, err := MetricsFromConfig(in)
		assert.Error(t, err, "%+v", in)
	}
}

func TestAnalyze(t *testing.T) {
	a := New([]Metric{
		{Name: "pe", Op: OpRatio, Inputs: []string{"price", "eps"}},
		{Name: "gap", Op: OpDifference, Inputs: []string{"price", "eps"}, Unit: "USD"},
		{Name: "cap", Op: OpProduct, Inputs: []string{"price", "eps", "eps"}},
		{Name: "spread", Op: OpSpread, Inputs: []string{"price", "eps"}},
		{Name: "no_shares", Op: OpRatio, Inputs: []string{"price", "shares"}},
		{Name: "div_zero", Op: OpRatio, Inputs: []string{"price", "zero"}},
		{Name: "text", Op: OpRatio, Inputs: []string{"sector", "eps"}},
	})

	p := a.Analyze(discovery(), model.CategorySector)
	assert.Equal(t, "XYZ", p.SubjectID)
	assert.Equal(t, "2026-03-02", p.RunDate)
	assert.Equal(t, model.CategorySector, p.Category)

	byName := make(map[string]model.DerivedMetric)
	for _, m := range p.Metrics {
		byName[m.Name] = m
	}
	require.Len(t, byName, 4)
	assert.InDelta(t, 20.1, byName["pe"].Value, 1e-9)
	assert.InDelta(t, 0.6, byName["pe"].Confidence, 1e-9, "derived confidence is the weakest input")
	assert.InDelta(t, 95.5, byName["gap"].Value, 1e-9)
	assert.Equal(t, "USD", byName["gap"].Unit)
	assert.InDelta(t, 100.5*25, byName["cap"].Value, 1e-9)
	assert.InDelta(t, 95.5/52.75, byName["spread"].Value, 1e-9)

	assert.Equal(t, []string{"div_zero", "no_shares", "text"}, p.Missing)
	assert.Equal(t, model.FactSummary{Total: 4, Disputed: 1, SingleSource: 1}, p.Summary)
}

func TestAnalyze_NoMetrics(t *testing.T) {
	p := New(nil).Analyze(discovery(), model.CategoryFundamental)
	assert.NotNil(t, p.Metrics)
	assert.NotNil(t, p.Missing)
	assert.InDelta(t, 0.77, Confidence(p, 0.77), 1e-9)
	assert.Equal(t, 1.0, Coverage(p))
}

func TestConfidence(t *testing.T) {
	p := model.AnalysisPayload{
		Metrics: []model.DerivedMetric{{Confidence: 0.8}, {Confidence: 0.6}},
		Missing: []string{"x", "y"},
	}
	assert.InDelta(t, 0.7*0.5, Confidence(p, 0.9), 1e-9)
	assert.InDelta(t, 0.5, Coverage(p), 1e-9)

	p.Metrics = nil
	assert.Equal(t, 0.0, Confidence(p, 0.9))
}

func TestSummarize_Stale(t *testing.T) {
	f := fact("price", 1.0, 0.5, "a", "b")
	f.Candidates[0].Stale = true
	f.Candidates[1].Stale = true
	s := Summarize([]model.FactRecord{f})
	assert.Equal(t, 1, s.Stale)
}
