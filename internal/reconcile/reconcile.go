// Package reconcile cross-validates the candidate values collected for a
// fact and produces its consensus record.
package reconcile

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/sells-group/dasv/internal/model"
)

// Config controls numeric agreement.
type Config struct {
	// Threshold is the relative deviation at or below which numeric
	// candidates agree.
	Threshold float64
	// FloorMultiple is the multiple of Threshold at which consistency
	// reaches zero.
	FloorMultiple float64
	// Thresholds overrides Threshold per fact key.
	Thresholds map[string]float64
}

// DefaultConfig returns a 2% threshold decaying to zero at 6%.
func DefaultConfig() Config {
	return Config{Threshold: 0.02, FloorMultiple: 3}
}

// TierFunc returns the tier of a source; lower is more authoritative.
type TierFunc func(sourceID string) int

// Engine reconciles candidate values. It is stateless and safe for
// concurrent use.
type Engine struct {
	cfg  Config
	tier TierFunc
}

// NewEngine creates an engine. A nil tier function ranks every source equal.
func NewEngine(cfg Config, tier TierFunc) *Engine {
	if cfg.FloorMultiple < 1 {
		cfg.FloorMultiple = 3
	}
	if tier == nil {
		tier = func(string) int { return 1 }
	}
	return &Engine{cfg: cfg, tier: tier}
}

// Threshold returns the agreement threshold for factKey.
func (e *Engine) Threshold(factKey string) float64 {
	if t, ok := e.cfg.Thresholds[factKey]; ok {
		return t
	}
	return e.cfg.Threshold
}

// Reconcile builds the FactRecord for factKey. It returns nil when there are
// no candidates. The result depends only on the candidate set, not on its
// order.
func (e *Engine) Reconcile(factKey string, candidates []model.DataPoint) *model.FactRecord {
	if len(candidates) == 0 {
		return nil
	}

	sorted := append([]model.DataPoint(nil), candidates...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].SourceID != sorted[j].SourceID {
			return sorted[i].SourceID < sorted[j].SourceID
		}
		if !sorted[i].ObservedAt.Equal(sorted[j].ObservedAt) {
			return sorted[i].ObservedAt.Before(sorted[j].ObservedAt)
		}
		return fmt.Sprint(sorted[i].Value) < fmt.Sprint(sorted[j].Value)
	})

	rec := &model.FactRecord{FactKey: factKey, Candidates: sorted}
	if len(sorted) == 1 {
		rec.ConsensusValue = sorted[0].Value
		return rec
	}

	if nums, ok := numericValues(sorted); ok {
		e.reconcileNumeric(rec, nums)
	} else {
		e.reconcileCategorical(rec)
	}
	return rec
}

func numericValues(dps []model.DataPoint) ([]float64, bool) {
	out := make([]float64, len(dps))
	for i, dp := range dps {
		v, ok := dp.Numeric()
		if !ok || math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, false
		}
		out[i] = v
	}
	return out, true
}

func (e *Engine) reconcileNumeric(rec *model.FactRecord, nums []float64) {
	var maxDev float64
	for i := 0; i < len(nums); i++ {
		for j := i + 1; j < len(nums); j++ {
			if d := RelativeDeviation(nums[i], nums[j]); d > maxDev {
				maxDev = d
			}
		}
	}
	rec.MaxDeviation = maxDev

	threshold := e.Threshold(rec.FactKey)
	consistency := Consistency(maxDev, threshold, e.cfg.FloorMultiple)
	rec.ConsistencyScore = &consistency

	if maxDev <= threshold {
		best := e.preferred(rec.Candidates, nil)
		rec.ConsensusValue = nums[best]
		return
	}
	rec.Disputed = true
	rec.ConsensusValue = Median(nums)
}

func (e *Engine) reconcileCategorical(rec *model.FactRecord) {
	groups := make(map[string][]int)
	for i, dp := range rec.Candidates {
		k := normalize(dp.Value)
		groups[k] = append(groups[k], i)
	}

	majority := 0
	for _, idx := range groups {
		if len(idx) > majority {
			majority = len(idx)
		}
	}
	// Every candidate in a largest group competes; the preferred source
	// decides between tied groups.
	eligible := make(map[int]bool)
	for _, idx := range groups {
		if len(idx) == majority {
			for _, i := range idx {
				eligible[i] = true
			}
		}
	}
	best := e.preferred(rec.Candidates, eligible)
	rec.ConsensusValue = rec.Candidates[best].Value

	n := len(rec.Candidates)
	consistency := 1.0
	if len(groups) > 1 {
		consistency = float64(majority-1) / float64(n-1)
		rec.Disputed = true
	}
	rec.ConsistencyScore = &consistency
	rec.MaxDeviation = 1 - float64(majority)/float64(n)
}

// preferred returns the index of the most authoritative candidate: lowest
// tier, then most recent observation, then source ID.
func (e *Engine) preferred(dps []model.DataPoint, eligible map[int]bool) int {
	best := -1
	for i, dp := range dps {
		if eligible != nil && !eligible[i] {
			continue
		}
		if best < 0 {
			best = i
			continue
		}
		b := dps[best]
		ti, tb := e.tier(dp.SourceID), e.tier(b.SourceID)
		switch {
		case ti != tb:
			if ti < tb {
				best = i
			}
		case !dp.ObservedAt.Equal(b.ObservedAt):
			if dp.ObservedAt.After(b.ObservedAt) {
				best = i
			}
		case dp.SourceID < b.SourceID:
			best = i
		}
	}
	return best
}

func normalize(v any) string {
	return strings.ToLower(strings.TrimSpace(fmt.Sprint(v)))
}

// RelativeDeviation is |a-b| divided by the mean of |a| and |b|. Two zeros
// deviate by 0; a zero mean with a != b deviates by 1.
func RelativeDeviation(a, b float64) float64 {
	if a == b {
		return 0
	}
	mean := (math.Abs(a) + math.Abs(b)) / 2
	if mean == 0 {
		return 1
	}
	return math.Abs(a-b) / mean
}

// Consistency maps a maximum deviation to [0,1]: 1 up to threshold, then a
// linear decay reaching 0 at floorMultiple × threshold.
func Consistency(maxDev, threshold, floorMultiple float64) float64 {
	if maxDev <= threshold {
		return 1
	}
	floor := threshold * floorMultiple
	if floor <= threshold {
		return 0
	}
	c := 1 - (maxDev-threshold)/(floor-threshold)
	if c < 0 {
		return 0
	}
	return c
}

// Median returns the median of vals; an even count averages the middle two.
func Median(vals []float64) float64 {
	if len(vals) == 0 {
		return 0
	}
	s := append([]float64(nil), vals...)
	sort.Float64s(s)
	mid := len(s) / 2
	if len(s)%2 == 1 {
		return s[mid]
	}
	return (s[mid-1] + s[mid]) / 2
}
