package confidence

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/sells-group/dasv/internal/config"
	"github.com/sells-group/dasv/internal/model"
)

func TestConfigFrom_Defaults(t *testing.T) {
	cfg := ConfigFrom(config.ConfidenceConfig{})
	def := DefaultConfig()
	assert.Equal(t, def.Weights, cfg.Weights)
	assert.Equal(t, def.HalfLives, cfg.HalfLives)
	assert.Equal(t, AggregateWeightedMean, cfg.Aggregation)
}

func TestConfigFrom_Overrides(t *testing.T) {
	cfg := ConfigFrom(config.ConfidenceConfig{
		Weights:       config.WeightsConfig{Reliability: 1},
		Aggregation:   AggregateMinCritical,
		CriticalFacts: []string{"price"},
		StalePenalty:  0.25,
		HalfLifeMins:  config.HalfLifeConfig{Realtime: 30},
	})
	assert.Equal(t, Weights{Reliability: 1}, cfg.Weights)
	assert.Equal(t, AggregateMinCritical, cfg.Aggregation)
	assert.Equal(t, []string{"price"}, cfg.CriticalFacts)
	assert.Equal(t, 0.25, cfg.StalePenalty)
	assert.Equal(t, 30*time.Minute, cfg.HalfLives[model.StalenessRealtime])
	assert.Equal(t, 6*time.Hour, cfg.HalfLives[model.StalenessIntraday])
}
