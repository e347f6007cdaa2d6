// Package confidence scores facts and phases on the canonical 0.0-1.0 scale.
package confidence

import (
	"math"
	"sort"
	"time"

	"github.com/sells-group/dasv/internal/model"
)

// Aggregation strategies.
const (
	AggregateWeightedMean = "weighted_mean"
	AggregateMinCritical  = "min_critical"
)

// Weights are the relative weights of the four confidence factors.
type Weights struct {
	Reliability  float64
	Recency      float64
	Completeness float64
	Consistency  float64
}

// Config controls scoring.
type Config struct {
	Weights Weights
	// NeutralConsistency stands in for the consistency factor when it is
	// unknown (a single candidate).
	NeutralConsistency float64
	Aggregation        string
	CriticalFacts      []string
	FactWeights        map[string]float64
	// StalePenalty multiplies the reliability of last-known-good values.
	StalePenalty float64
	HalfLives    map[model.StalenessClass]time.Duration
	RecencyFloor float64
}

// DefaultConfig returns the built-in scoring settings.
func DefaultConfig() Config {
	return Config{
		Weights: Weights{
			Reliability:  0.35,
			Recency:      0.20,
			Completeness: 0.15,
			Consistency:  0.30,
		},
		NeutralConsistency: 0.7,
		Aggregation:        AggregateWeightedMean,
		StalePenalty:       0.5,
		HalfLives: map[model.StalenessClass]time.Duration{
			model.StalenessRealtime: 15 * time.Minute,
			model.StalenessIntraday: 6 * time.Hour,
			model.StalenessDaily:    72 * time.Hour,
			model.StalenessStatic:   365 * 24 * time.Hour,
		},
		RecencyFloor: 0.1,
	}
}

// ReliabilityFunc returns the reliability weight of a source.
type ReliabilityFunc func(sourceID string) float64

// Factors are the per-factor values behind a fact's confidence.
type Factors struct {
	Reliability  float64 `json:"reliability"`
	Recency      float64 `json:"recency"`
	Completeness float64 `json:"completeness"`
	Consistency  float64 `json:"consistency"`
}

// Scorer computes fact and phase confidence. It holds no mutable state.
type Scorer struct {
	cfg         Config
	reliability ReliabilityFunc
	now         func() time.Time
}

// NewScorer creates a scorer. now is the injected clock.
func NewScorer(cfg Config, reliability ReliabilityFunc, now func() time.Time) *Scorer {
	if reliability == nil {
		reliability = func(string) float64 { return 0.7 }
	}
	if now == nil {
		now = time.Now
	}
	if cfg.Aggregation == "" {
		cfg.Aggregation = AggregateWeightedMean
	}
	if cfg.StalePenalty <= 0 {
		cfg.StalePenalty = 0.5
	}
	return &Scorer{cfg: cfg, reliability: reliability, now: now}
}

// Factors returns the factor breakdown for rec.
func (s *Scorer) Factors(rec *model.FactRecord) Factors {
	var f Factors
	if rec == nil || len(rec.Candidates) == 0 {
		return f
	}
	now := s.now()
	n := float64(len(rec.Candidates))
	for _, c := range rec.Candidates {
		r := clamp(s.reliability(c.SourceID))
		if c.Stale {
			r *= s.cfg.StalePenalty
		}
		f.Reliability += r / n
		f.Recency += EffectiveConfidence(1, c.ObservedAt, now, s.decay(c.Staleness)) / n
		f.Completeness += completeness(c) / n
	}
	if rec.ConsistencyScore != nil {
		f.Consistency = clamp(*rec.ConsistencyScore)
	} else {
		f.Consistency = s.cfg.NeutralConsistency
	}
	return f
}

// ScoreFact returns the confidence of rec in [0,1]. A fact without
// candidates scores 0.
func (s *Scorer) ScoreFact(rec *model.FactRecord) float64 {
	if rec == nil || len(rec.Candidates) == 0 {
		return 0
	}
	f := s.Factors(rec)
	w := s.cfg.Weights
	total := w.Reliability + w.Recency + w.Completeness + w.Consistency
	if total <= 0 {
		return 0
	}
	score := (w.Reliability*f.Reliability +
		w.Recency*f.Recency +
		w.Completeness*f.Completeness +
		w.Consistency*f.Consistency) / total
	return clamp(score)
}

// ScoreAll sets Confidence on every record.
func (s *Scorer) ScoreAll(recs []model.FactRecord) {
	for i := range recs {
		recs[i].Confidence = s.ScoreFact(&recs[i])
	}
}

// Aggregate combines fact confidences into a phase confidence using the
// configured strategy. It only reads each record's Confidence field.
func (s *Scorer) Aggregate(recs []model.FactRecord) float64 {
	if s.cfg.Aggregation == AggregateMinCritical {
		return s.minCritical(recs)
	}
	return s.weightedMean(recs)
}

func (s *Scorer) weightedMean(recs []model.FactRecord) float64 {
	if len(recs) == 0 {
		return 0
	}
	sorted := sortedByKey(recs)
	var sum, weights float64
	for _, r := range sorted {
		w := 1.0
		if fw, ok := s.cfg.FactWeights[r.FactKey]; ok {
			w = fw
		}
		if w <= 0 {
			continue
		}
		sum += w * clamp(r.Confidence)
		weights += w
	}
	if weights == 0 {
		return 0
	}
	return clamp(sum / weights)
}

func (s *Scorer) minCritical(recs []model.FactRecord) float64 {
	if len(recs) == 0 {
		return 0
	}
	byKey := make(map[string]float64, len(recs))
	for _, r := range recs {
		byKey[r.FactKey] = clamp(r.Confidence)
	}
	keys := s.cfg.CriticalFacts
	if len(keys) == 0 {
		for k := range byKey {
			keys = append(keys, k)
		}
	}
	low := 1.0
	for _, k := range keys {
		c, ok := byKey[k]
		if !ok {
			return 0
		}
		low = math.Min(low, c)
	}
	return low
}

func (s *Scorer) decay(class model.StalenessClass) Decay {
	hl, ok := s.cfg.HalfLives[class]
	if !ok {
		hl = s.cfg.HalfLives[model.StalenessRealtime]
	}
	return Decay{HalfLife: hl, Floor: s.cfg.RecencyFloor}
}

func completeness(dp model.DataPoint) float64 {
	var have float64
	if dp.Value != nil {
		if str, ok := dp.Value.(string); !ok || str != "" {
			have++
		}
	}
	if dp.Unit != "" {
		have++
	}
	if !dp.ObservedAt.IsZero() {
		have++
	}
	if dp.Staleness.Valid() {
		have++
	}
	return have / 4
}

func sortedByKey(recs []model.FactRecord) []model.FactRecord {
	out := append([]model.FactRecord(nil), recs...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].FactKey < out[j].FactKey })
	return out
}

func clamp(v float64) float64 {
	switch {
	case math.IsNaN(v):
		return 0
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

// Grade maps a score to a letter grade for display.
func Grade(score float64) string {
	switch {
	case score >= 0.9:
		return "A"
	case score >= 0.8:
		return "B"
	case score >= 0.7:
		return "C"
	case score >= 0.6:
		return "D"
	default:
		return "F"
	}
}

// TenPoint maps a score to a 0-10 display scale with one decimal.
func TenPoint(score float64) float64 {
	return math.Round(clamp(score)*100) / 10
}
