package pipeline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/dasv/internal/config"
	"github.com/sells-group/dasv/internal/model"
)

func testConfig() *config.Config {
	return &config.Config{
		Discover: config.DiscoverConfig{DeadlineSecs: 30, Quorum: 3, MaxConcurrency: 5},
		Gates:    config.GatesConfig{DeviationFacts: []string{"price*"}},
		Validate: config.ValidateConfig{
			Target:          0.85,
			WeakFactCeiling: 0.6,
			Weights:         map[string]float64{"discover": 0.6, "analyze": 0.2, "synthesize": 0.2},
		},
		Enhance: config.EnhanceConfig{Enabled: true, MaxPasses: 2},
		Facts: []config.FactConfig{
			{Key: "price", Staleness: "realtime", Unit: "USD"},
			{Key: "sector"},
		},
	}
}

func TestSettingsFromConfig(t *testing.T) {
	s, err := SettingsFromConfig(testConfig())
	require.NoError(t, err)
	assert.Equal(t, 3, s.Quorum)
	assert.Equal(t, 30*time.Second, s.Deadline)
	assert.Equal(t, 5, s.MaxConcurrency)
	assert.Equal(t, 0.85, s.Target)
	assert.Equal(t, 2, s.MaxPasses)
	assert.Equal(t, 0.6, s.PhaseWeights[model.PhaseDiscover])
	require.Len(t, s.Facts, 2)
	assert.Equal(t, model.StalenessRealtime, s.Facts[1].Staleness, "staleness defaults to realtime")
}

func TestSettingsFromConfig_Invalid(t *testing.T) {
	cfg := testConfig()
	cfg.Facts = append(cfg.Facts, config.FactConfig{Key: "price"})
	_, err := SettingsFromConfig(cfg)
	assert.Error(t, err, "duplicate fact")

	cfg = testConfig()
	cfg.Facts[0].Staleness = "hourly"
	_, err = SettingsFromConfig(cfg)
	assert.Error(t, err, "unknown staleness")

	cfg = testConfig()
	cfg.Validate.Weights["validate"] = 1
	_, err = SettingsFromConfig(cfg)
	assert.Error(t, err, "validate cannot weigh itself")
}

func TestFactSpecs(t *testing.T) {
	s := testSettings()
	all := s.factSpecs(nil)
	require.Len(t, all, 3)
	assert.Equal(t, "eps", all[0].Key)

	some := s.factSpecs([]string{"sector", "price", "price", "volume"})
	require.Len(t, some, 3)
	assert.Equal(t, []string{"price", "sector", "volume"}, []string{some[0].Key, some[1].Key, some[2].Key})
	assert.Equal(t, "USD", some[0].Unit)
	assert.Equal(t, model.StalenessRealtime, some[2].Staleness)
}

func TestTracksDeviation(t *testing.T) {
	p := &Pipeline{s: Settings{DeviationFacts: []string{"price*"}}}
	assert.True(t, p.tracksDeviation("price"))
	assert.True(t, p.tracksDeviation("price_close"))
	assert.False(t, p.tracksDeviation("eps"))

	p.s.DeviationFacts = nil
	assert.True(t, p.tracksDeviation("eps"))

	facts := []model.FactRecord{
		{FactKey: "eps", MaxDeviation: 0.5},
		{FactKey: "price", MaxDeviation: 0.04},
	}
	p.s.DeviationFacts = []string{"price*"}
	assert.InDelta(t, 0.04, p.maxDeviation(facts), 1e-12)
}

func TestMergeCandidates(t *testing.T) {
	prior := []model.DataPoint{
		{SourceID: "beta", Value: 1.0},
		{SourceID: "alpha", Value: 2.0},
	}
	fresh := []model.DataPoint{{SourceID: "alpha", Value: 3.0}, {SourceID: "gamma", Value: 4.0}}
	got := mergeCandidates(prior, fresh)
	require.Len(t, got, 3)
	assert.Equal(t, "alpha", got[0].SourceID)
	assert.Equal(t, 3.0, got[0].Value)
	assert.Equal(t, "beta", got[1].SourceID)
	assert.Equal(t, "gamma", got[2].SourceID)
}
