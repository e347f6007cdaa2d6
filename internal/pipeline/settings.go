package pipeline

import (
	"sort"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/dasv/internal/config"
	"github.com/sells-group/dasv/internal/model"
)

// FactSpec declares one fact discovery collects.
type FactSpec struct {
	Key       string
	Staleness model.StalenessClass
	Unit      string
}

// Settings are the orchestrator knobs.
type Settings struct {
	Facts          []FactSpec
	Quorum         int
	Deadline       time.Duration
	MaxConcurrency int
	// DeviationFacts are path.Match patterns selecting the facts whose
	// deviation feeds the max_deviation gate metric. Empty means all.
	DeviationFacts  []string
	Target          float64
	PhaseWeights    map[model.Phase]float64
	WeakFactCeiling float64
	EnhanceEnabled  bool
	MaxPasses       int
}

// DefaultSettings returns the built-in orchestrator settings.
func DefaultSettings() Settings {
	return Settings{
		Quorum:          2,
		Deadline:        45 * time.Second,
		MaxConcurrency:  7,
		DeviationFacts:  []string{"price*"},
		Target:          0.8,
		WeakFactCeiling: 0.7,
		PhaseWeights: map[model.Phase]float64{
			model.PhaseDiscover:   0.5,
			model.PhaseAnalyze:    0.3,
			model.PhaseSynthesize: 0.2,
		},
		EnhanceEnabled: true,
		MaxPasses:      1,
	}
}

func (s Settings) withDefaults() Settings {
	d := DefaultSettings()
	if s.Quorum < 1 {
		s.Quorum = d.Quorum
	}
	if s.Deadline <= 0 {
		s.Deadline = d.Deadline
	}
	if s.MaxConcurrency < 1 {
		s.MaxConcurrency = d.MaxConcurrency
	}
	if len(s.PhaseWeights) == 0 {
		s.PhaseWeights = d.PhaseWeights
	}
	if s.MaxPasses < 0 {
		s.MaxPasses = 0
	}
	return s
}

// SettingsFromConfig builds Settings from the loaded configuration.
func SettingsFromConfig(cfg *config.Config) (Settings, error) {
	s := Settings{
		Quorum:          cfg.Discover.Quorum,
		Deadline:        cfg.Discover.Deadline(),
		MaxConcurrency:  cfg.Discover.MaxConcurrency,
		DeviationFacts:  cfg.Gates.DeviationFacts,
		Target:          cfg.Validate.Target,
		WeakFactCeiling: cfg.Validate.WeakFactCeiling,
		EnhanceEnabled:  cfg.Enhance.Enabled,
		MaxPasses:       cfg.Enhance.MaxPasses,
	}
	if len(cfg.Validate.Weights) > 0 {
		s.PhaseWeights = make(map[model.Phase]float64, len(cfg.Validate.Weights))
		for name, w := range cfg.Validate.Weights {
			ph := model.Phase(name)
			if !ph.Valid() || ph == model.PhaseValidate {
				return s, eris.Errorf("pipeline: validate weight for unknown phase %q", name)
			}
			s.PhaseWeights[ph] = w
		}
	}

	seen := make(map[string]bool, len(cfg.Facts))
	for _, f := range cfg.Facts {
		if f.Key == "" {
			return s, eris.New("pipeline: fact without key")
		}
		if seen[f.Key] {
			return s, eris.Errorf("pipeline: duplicate fact %q", f.Key)
		}
		seen[f.Key] = true
		class := model.StalenessClass(f.Staleness)
		if f.Staleness == "" {
			class = model.StalenessRealtime
		}
		if !class.Valid() {
			return s, eris.Errorf("pipeline: fact %q has unknown staleness class %q", f.Key, f.Staleness)
		}
		s.Facts = append(s.Facts, FactSpec{Key: f.Key, Staleness: class, Unit: f.Unit})
	}
	return s.withDefaults(), nil
}

// factSpecs resolves the requested keys to specs, sorted by key. Keys not
// declared in Settings are fetched as realtime facts without a unit.
func (s Settings) factSpecs(keys []string) []FactSpec {
	byKey := make(map[string]FactSpec, len(s.Facts))
	for _, f := range s.Facts {
		byKey[f.Key] = f
	}
	var out []FactSpec
	if len(keys) == 0 {
		out = append(out, s.Facts...)
	} else {
		seen := make(map[string]bool, len(keys))
		for _, k := range keys {
			if k == "" || seen[k] {
				continue
			}
			seen[k] = true
			spec, ok := byKey[k]
			if !ok {
				spec = FactSpec{Key: k, Staleness: model.StalenessRealtime}
			}
			out = append(out, spec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}
