package confidence

import (
	"time"

	"github.com/sells-group/dasv/internal/config"
	"github.com/sells-group/dasv/internal/model"
)

// ConfigFrom converts the confidence config section. Zero values keep the
// defaults.
func ConfigFrom(cc config.ConfidenceConfig) Config {
	cfg := DefaultConfig()
	w := cc.Weights
	if w.Reliability+w.Recency+w.Completeness+w.Consistency > 0 {
		cfg.Weights = Weights{
			Reliability:  w.Reliability,
			Recency:      w.Recency,
			Completeness: w.Completeness,
			Consistency:  w.Consistency,
		}
	}
	if cc.NeutralConsistency > 0 {
		cfg.NeutralConsistency = cc.NeutralConsistency
	}
	if cc.Aggregation != "" {
		cfg.Aggregation = cc.Aggregation
	}
	if cc.StalePenalty > 0 {
		cfg.StalePenalty = cc.StalePenalty
	}
	if cc.RecencyFloor > 0 {
		cfg.RecencyFloor = cc.RecencyFloor
	}
	cfg.CriticalFacts = cc.CriticalFacts
	cfg.FactWeights = cc.FactWeights

	for class, mins := range map[model.StalenessClass]int{
		model.StalenessRealtime: cc.HalfLifeMins.Realtime,
		model.StalenessIntraday: cc.HalfLifeMins.Intraday,
		model.StalenessDaily:    cc.HalfLifeMins.Daily,
		model.StalenessStatic:   cc.HalfLifeMins.Static,
	} {
		if mins > 0 {
			cfg.HalfLives[class] = time.Duration(mins) * time.Minute
		}
	}
	return cfg
}
