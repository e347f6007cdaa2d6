package schema

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/dasv/internal/model"
)

func newValidator(t *testing.T) *Validator {
	t.Helper()
	v, err := New()
	require.NoError(t, err)
	return v
}

func ptr(f float64) *float64 { return &f }

func validDiscovery() model.DiscoveryPayload {
	obs := time.Date(2026, 3, 2, 14, 55, 0, 0, time.UTC)
	return model.DiscoveryPayload{
		SubjectID: "XYZ",
		RunDate:   "2026-03-02",
		Facts: []model.FactRecord{{
			FactKey: "price",
			Candidates: []model.DataPoint{
				{Value: 100.0, Unit: "USD", SourceID: "alpha", ObservedAt: obs, Staleness: model.StalenessRealtime},
				{Value: 100.5, Unit: "USD", SourceID: "beta", ObservedAt: obs, Staleness: model.StalenessRealtime},
			},
			ConsensusValue:   100.0,
			ConsistencyScore: ptr(1),
			Confidence:       0.9,
		}},
		Missing:          []string{},
		SourcesQueried:   2,
		SourcesResponded: 2,
	}
}

func TestValidate_DiscoveryOK(t *testing.T) {
	v := newValidator(t)
	res := v.Validate(validDiscovery(), Discovery)
	assert.True(t, res.OK, "%v", res.Messages())
	assert.Empty(t, res.Violations)
}

func TestValidate_CollectsAllViolations(t *testing.T) {
	v := newValidator(t)
	p := validDiscovery()
	p.RunDate = "03/02/2026"
	p.Facts[0].Confidence = 1.4
	p.Facts[0].Candidates[1].SourceID = ""

	res := v.Validate(p, Discovery)
	assert.False(t, res.OK)

	paths := make(map[string]bool)
	for _, viol := range res.Violations {
		paths[viol.Path] = true
	}
	assert.True(t, paths["/run_date"], "%v", res.Messages())
	assert.True(t, paths["/facts/0/confidence"], "%v", res.Messages())
	assert.True(t, paths["/facts/0/candidate_values/1/source_id"], "%v", res.Messages())
}

func TestValidate_UnitRules(t *testing.T) {
	v := newValidator(t)

	p := validDiscovery()
	p.Facts[0].Candidates[0].Value = -3.0
	res := v.Validate(p, Discovery)
	require.False(t, res.OK)
	assert.Contains(t, res.Messages()[0], "negative")

	p = validDiscovery()
	p.Facts[0].Candidates[0].Unit = "fraction"
	p.Facts[0].Candidates[1].Unit = "fraction"
	p.Facts[0].Candidates[0].Value = 0.4
	p.Facts[0].Candidates[1].Value = 0.4
	p.Facts[0].ConsensusValue = 1.5
	res = v.Validate(p, Discovery)
	require.False(t, res.OK)
	assert.Equal(t, "/facts/0/consensus_value", res.Violations[0].Path)

	a := model.AnalysisPayload{
		SubjectID: "XYZ",
		RunDate:   "2026-03-02",
		Category:  model.CategoryFundamental,
		Metrics: []model.DerivedMetric{
			{Name: "margin", Op: "ratio", Inputs: []string{"income", "revenue"}, Value: 140, Unit: "percent", Confidence: 0.8},
		},
	}
	res = v.Validate(a, Analysis)
	require.False(t, res.OK)
	assert.Contains(t, res.Messages()[0], "percent")
}

func TestValidate_RawBytesAndBadJSON(t *testing.T) {
	v := newValidator(t)

	res := v.Validate([]byte(`{"subject_id":"XYZ","run_date":"2026-03-02","category":"sector","title":"t","document":"d"}`), Synthesis)
	assert.True(t, res.OK, "%v", res.Messages())

	res = v.Validate([]byte(`{"subject_id":`), Synthesis)
	assert.False(t, res.OK)

	res = v.Validate(map[string]any{}, "unknown")
	assert.False(t, res.OK)
	assert.Contains(t, res.Messages()[0], "unknown schema")
}

func TestValidate_Validation(t *testing.T) {
	v := newValidator(t)
	p := model.ValidationPayload{
		SubjectID:    "XYZ",
		RunDate:      "2026-03-02",
		PhaseScores:  map[string]float64{"discover": 0.8, "analyze": 1.2},
		OverallScore: 0.8,
		Target:       0.8,
		Grade:        "B",
	}
	res := v.Validate(p, Validation)
	assert.False(t, res.OK)

	p.PhaseScores["analyze"] = 0.7
	res = v.Validate(p, Validation)
	assert.True(t, res.OK, "%v", res.Messages())
}

func TestVersionAndCompatible(t *testing.T) {
	v := newValidator(t)
	assert.Equal(t, "1.0.0", v.Version(Discovery))
	assert.Equal(t, "", v.Version("nope"))

	ok, err := Compatible("1.2.0", "^1.0")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = Compatible("2.0.0", "^1.0")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = Compatible("not-a-version", "^1")
	assert.Error(t, err)
	_, err = Compatible("1.0.0", "~~~")
	assert.Error(t, err)
}

func TestCheckRecord(t *testing.T) {
	v := newValidator(t)
	assert.NoError(t, v.CheckRecord(&model.PhaseRecord{Phase: model.PhaseAnalyze, SchemaVersion: "1.3.0"}))
	assert.Error(t, v.CheckRecord(&model.PhaseRecord{Phase: model.PhaseAnalyze, SchemaVersion: "2.0.0"}))
	assert.Error(t, v.CheckRecord(&model.PhaseRecord{Phase: "bogus", SchemaVersion: "1.0.0"}))
}

func TestForPhase(t *testing.T) {
	assert.Equal(t, Discovery, ForPhase(model.PhaseDiscover))
	assert.Equal(t, Analysis, ForPhase(model.PhaseAnalyze))
	assert.Equal(t, Synthesis, ForPhase(model.PhaseSynthesize))
	assert.Equal(t, Validation, ForPhase(model.PhaseValidate))
}
