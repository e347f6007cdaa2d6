// Package synthesize turns discovery and analysis payloads into a document.
package synthesize

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/dasv/internal/confidence"
	"github.com/sells-group/dasv/internal/model"
)

// Synthesizer builds SynthesisPayloads. It holds no state between calls.
type Synthesizer struct {
	renderer Renderer
}

// New creates a Synthesizer backed by renderer.
func New(renderer Renderer) *Synthesizer {
	return &Synthesizer{renderer: renderer}
}

// Synthesize renders the document for category. conf is the analysis phase
// confidence shown in the header.
func (s *Synthesizer) Synthesize(ctx context.Context, d model.DiscoveryPayload, a model.AnalysisPayload, category model.ContentCategory, conf float64) (model.SynthesisPayload, error) {
	doc := baseDocument(d, a, category, conf)

	switch category {
	case model.CategoryFundamental:
		fundamental(&doc)
	case model.CategorySector:
		sector(&doc)
	case model.CategoryIndustry:
		industry(&doc)
	case model.CategoryComparative:
		comparative(&doc)
	default:
		return model.SynthesisPayload{}, eris.Errorf("synthesize: unknown category %q", category)
	}

	text, err := s.renderer.Render(ctx, category, doc)
	if err != nil {
		return model.SynthesisPayload{}, err
	}
	if strings.TrimSpace(text) == "" {
		return model.SynthesisPayload{}, eris.Errorf("synthesize: empty %s document for %s", category, d.SubjectID)
	}

	return model.SynthesisPayload{
		SubjectID: d.SubjectID,
		RunDate:   d.RunDate,
		Category:  category,
		Title:     doc.Title,
		Document:  text,
		Sections:  doc.Sections,
	}, nil
}

// Confidence of the synthesis is the analysis confidence it was built from,
// reduced to zero when the document covers no facts.
func Confidence(p model.SynthesisPayload, analysis float64, factCount int) float64 {
	if factCount == 0 || p.Document == "" {
		return 0
	}
	return analysis
}

func fundamental(doc *Document) {
	doc.Title = fmt.Sprintf("%s fundamentals as of %s", doc.SubjectID, doc.RunDate)
	doc.Sections = []string{"Key Facts", "Derived Metrics", "Evidence Quality"}
}

func sector(doc *Document) {
	doc.Title = fmt.Sprintf("%s sector report as of %s", doc.SubjectID, doc.RunDate)
	doc.Sections = []string{"Sector Overview", "Key Facts", "Derived Metrics", "Evidence Quality"}
}

func industry(doc *Document) {
	doc.Title = fmt.Sprintf("%s industry report as of %s", doc.SubjectID, doc.RunDate)
	doc.Sections = []string{"Industry Overview", "Key Facts", "Derived Metrics", "Evidence Quality"}
}

func comparative(doc *Document) {
	doc.Title = fmt.Sprintf("%s source comparison as of %s", doc.SubjectID, doc.RunDate)
	doc.Sections = []string{"Derived Metrics", "Source Disagreement", "Key Facts", "Evidence Quality"}
	// Least consistent first.
	sort.SliceStable(doc.Disputed, func(i, j int) bool {
		return doc.Disputed[i].Consistency < doc.Disputed[j].Consistency
	})
}

func baseDocument(d model.DiscoveryPayload, a model.AnalysisPayload, category model.ContentCategory, conf float64) Document {
	doc := Document{
		SubjectID:  d.SubjectID,
		RunDate:    d.RunDate,
		Category:   category,
		Missing:    a.Missing,
		Summary:    a.Summary,
		Confidence: conf,
		Grade:      confidence.Grade(conf),
	}
	for i := range d.Facts {
		f := &d.Facts[i]
		v := FactView{
			Key:         f.FactKey,
			Value:       formatValue(f.ConsensusValue),
			Unit:        f.Unit(),
			Sources:     len(f.Candidates),
			Confidence:  f.Confidence,
			Consistency: "n/a",
			Disputed:    f.Disputed,
		}
		if f.ConsistencyScore != nil {
			v.Consistency = strconv.FormatFloat(*f.ConsistencyScore, 'f', 2, 64)
		}
		for _, c := range f.Candidates {
			v.Stale = v.Stale || c.Stale
		}
		doc.Facts = append(doc.Facts, v)
		if f.Disputed {
			doc.Disputed = append(doc.Disputed, v)
		}
	}
	for _, m := range a.Metrics {
		doc.Metrics = append(doc.Metrics, MetricView{
			Name:       m.Name,
			Value:      strconv.FormatFloat(m.Value, 'f', 4, 64),
			Unit:       m.Unit,
			Confidence: m.Confidence,
		})
	}
	return doc
}

func formatValue(v any) string {
	if f, ok := v.(float64); ok {
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
	return fmt.Sprint(v)
}
