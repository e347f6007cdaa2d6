package reconcile

import "github.com/sells-group/dasv/internal/config"

// ConfigFrom builds the engine config. A fact's declared variance overrides
// the section-level per-fact thresholds.
func ConfigFrom(rc config.ReconcileConfig, facts []config.FactConfig) Config {
	cfg := DefaultConfig()
	if rc.VarianceThreshold > 0 {
		cfg.Threshold = rc.VarianceThreshold
	}
	if rc.FloorMultiple >= 1 {
		cfg.FloorMultiple = rc.FloorMultiple
	}
	cfg.Thresholds = make(map[string]float64, len(rc.Thresholds)+len(facts))
	for k, v := range rc.Thresholds {
		cfg.Thresholds[k] = v
	}
	for _, f := range facts {
		if f.Variance > 0 {
			cfg.Thresholds[f.Key] = f.Variance
		}
	}
	return cfg
}
