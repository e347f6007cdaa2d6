package model

import (
	"strconv"
	"time"
)

// StalenessClass describes how quickly a fact goes out of date. It drives both
// the cache TTL of provider responses and the recency decay in scoring.
type StalenessClass string

const (
	StalenessRealtime StalenessClass = "realtime" // quotes, prices
	StalenessIntraday StalenessClass = "intraday" // volume, intraday aggregates
	StalenessDaily    StalenessClass = "daily"    // end-of-day figures
	StalenessStatic   StalenessClass = "static"   // company profile, identifiers
)

// Valid reports whether s is one of the known staleness classes.
func (s StalenessClass) Valid() bool {
	switch s {
	case StalenessRealtime, StalenessIntraday, StalenessDaily, StalenessStatic:
		return true
	}
	return false
}

// DataPoint is a single observation of a fact from one source. It is never
// modified after it has been recorded.
type DataPoint struct {
	Value      any            `json:"value"`
	Unit       string         `json:"unit,omitempty"`
	SourceID   string         `json:"source_id"`
	ObservedAt time.Time      `json:"observed_at"`
	Staleness  StalenessClass `json:"staleness_class"`
	// Stale marks a last-known-good value served from an expired cache entry.
	Stale bool `json:"stale,omitempty"`
}

// Numeric returns the value as a float64 when it is a number (or a string
// holding one).
func (d DataPoint) Numeric() (float64, bool) {
	return AsFloat(d.Value)
}

// AsFloat converts the numeric kinds that arrive from JSON, YAML and Go code.
func AsFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}

// FactRecord is the cross-validated view of one logical fact.
type FactRecord struct {
	FactKey        string      `json:"fact_key"`
	Candidates     []DataPoint `json:"candidate_values"`
	ConsensusValue any         `json:"consensus_value"`
	// ConsistencyScore is nil when fewer than two candidates exist. Nil means
	// unknown, not zero and not full agreement.
	ConsistencyScore *float64 `json:"consistency_score"`
	MaxDeviation     float64  `json:"max_deviation"`
	Disputed         bool     `json:"disputed"`
	Confidence       float64  `json:"confidence"`
}

// SingleSource reports whether the fact rests on one candidate only.
func (f *FactRecord) SingleSource() bool {
	return len(f.Candidates) < 2
}

// Unit returns the unit shared by the candidates, preferring the first
// non-empty one.
func (f *FactRecord) Unit() string {
	for _, c := range f.Candidates {
		if c.Unit != "" {
			return c.Unit
		}
	}
	return ""
}

// Sources lists the source IDs that contributed a candidate.
func (f *FactRecord) Sources() []string {
	out := make([]string, 0, len(f.Candidates))
	for _, c := range f.Candidates {
		out = append(out, c.SourceID)
	}
	return out
}
