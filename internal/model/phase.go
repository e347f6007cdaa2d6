package model

import (
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"
)

// Phase names one step of the Discover → Analyze → Synthesize → Validate
// pipeline.
type Phase string

const (
	PhaseDiscover   Phase = "discover"
	PhaseAnalyze    Phase = "analyze"
	PhaseSynthesize Phase = "synthesize"
	PhaseValidate   Phase = "validate"
)

// Phases lists the phases in execution order.
var Phases = []Phase{PhaseDiscover, PhaseAnalyze, PhaseSynthesize, PhaseValidate}

// Valid reports whether p is a known phase.
func (p Phase) Valid() bool {
	switch p {
	case PhaseDiscover, PhaseAnalyze, PhaseSynthesize, PhaseValidate:
		return true
	}
	return false
}

// PhaseRecord is the single output of one phase for a (subject, run date).
type PhaseRecord struct {
	SubjectID         string          `json:"subject_id"`
	RunDate           string          `json:"run_date"`
	Phase             Phase           `json:"phase"`
	SchemaVersion     string          `json:"schema_version"`
	Payload           json.RawMessage `json:"payload"`
	OverallConfidence float64         `json:"overall_confidence"`
	ProducedAt        time.Time       `json:"produced_at"`
	Revision          int             `json:"revision"`
	Degraded          bool            `json:"degraded,omitempty"`
	// Blocked marks a record that failed a hard quality gate. Blocked
	// records are kept for post-mortem and never feed a later phase.
	Blocked bool   `json:"blocked,omitempty"`
	Digest  string `json:"digest"`
}

// NewPhaseRecord marshals payload and stamps the record digest.
func NewPhaseRecord(subjectID, runDate string, phase Phase, schemaVersion string, payload any, confidence float64, producedAt time.Time) (*PhaseRecord, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, eris.Wrapf(err, "model: marshal %s payload", phase)
	}
	digest, err := Digest(raw)
	if err != nil {
		return nil, err
	}
	return &PhaseRecord{
		SubjectID:         subjectID,
		RunDate:           runDate,
		Phase:             phase,
		SchemaVersion:     schemaVersion,
		Payload:           raw,
		OverallConfidence: confidence,
		ProducedAt:        producedAt.UTC(),
		Digest:            digest,
	}, nil
}

// Decode unmarshals the payload into v.
func (r *PhaseRecord) Decode(v any) error {
	if err := json.Unmarshal(r.Payload, v); err != nil {
		return eris.Wrapf(err, "model: decode %s payload", r.Phase)
	}
	return nil
}

// DiscoveryPayload is the body of a Discovery PhaseRecord.
type DiscoveryPayload struct {
	SubjectID        string          `json:"subject_id"`
	RunDate          string          `json:"run_date"`
	Facts            []FactRecord    `json:"facts"`
	Missing          []string        `json:"missing_facts"`
	Health           []ServiceHealth `json:"service_health"`
	SourcesQueried   int             `json:"sources_queried"`
	SourcesResponded int             `json:"sources_responded"`
}

// Fact returns the record for key, or nil when the fact is absent.
func (d *DiscoveryPayload) Fact(key string) *FactRecord {
	for i := range d.Facts {
		if d.Facts[i].FactKey == key {
			return &d.Facts[i]
		}
	}
	return nil
}

// DerivedMetric is a secondary value computed from discovery facts.
type DerivedMetric struct {
	Name       string   `json:"name"`
	Op         string   `json:"op"`
	Inputs     []string `json:"inputs"`
	Value      float64  `json:"value"`
	Unit       string   `json:"unit,omitempty"`
	Confidence float64  `json:"confidence"`
}

// FactSummary counts the shape of the discovery evidence.
type FactSummary struct {
	Total        int `json:"total"`
	Disputed     int `json:"disputed"`
	SingleSource int `json:"single_source"`
	Stale        int `json:"stale"`
}

// AnalysisPayload is the body of an Analysis PhaseRecord.
type AnalysisPayload struct {
	SubjectID string          `json:"subject_id"`
	RunDate   string          `json:"run_date"`
	Category  ContentCategory `json:"category"`
	Metrics   []DerivedMetric `json:"metrics"`
	Missing   []string        `json:"missing_metrics"`
	Summary   FactSummary     `json:"fact_summary"`
}

// SynthesisPayload is the body of a Synthesis PhaseRecord.
type SynthesisPayload struct {
	SubjectID string          `json:"subject_id"`
	RunDate   string          `json:"run_date"`
	Category  ContentCategory `json:"category"`
	Title     string          `json:"title"`
	Document  string          `json:"document"`
	Sections  []string        `json:"sections"`
}

// ValidationPayload is the body of a Validation PhaseRecord.
type ValidationPayload struct {
	SubjectID              string             `json:"subject_id"`
	RunDate                string             `json:"run_date"`
	PhaseScores            map[string]float64 `json:"phase_scores"`
	OverallScore           float64            `json:"overall_score"`
	Target                 float64            `json:"target"`
	Passed                 bool               `json:"passed"`
	Grade                  string             `json:"grade"`
	WeakFacts              []string           `json:"weak_facts"`
	Issues                 []string           `json:"issues"`
	EnhancementRecommended bool               `json:"enhancement_recommended"`
}

// ContentCategory selects the synthesis handler. The set is closed.
type ContentCategory string

const (
	CategoryFundamental ContentCategory = "fundamental"
	CategorySector      ContentCategory = "sector"
	CategoryIndustry    ContentCategory = "industry"
	CategoryComparative ContentCategory = "comparative"
)

// Categories lists every content category.
var Categories = []ContentCategory{CategoryFundamental, CategorySector, CategoryIndustry, CategoryComparative}

// ParseCategory validates a category name. Empty defaults to fundamental.
func ParseCategory(s string) (ContentCategory, error) {
	if s == "" {
		return CategoryFundamental, nil
	}
	for _, c := range Categories {
		if string(c) == s {
			return c, nil
		}
	}
	return "", eris.Errorf("model: unknown content category %q", s)
}
