package synthesize

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"text/template"

	"github.com/rotisserie/eris"

	"github.com/sells-group/dasv/internal/model"
)

// Renderer turns a document view into text. Implementations may call out to
// an external templating service; the pipeline only depends on this contract.
type Renderer interface {
	Render(ctx context.Context, category model.ContentCategory, doc Document) (string, error)
}

// FactView is a display row for one fact.
type FactView struct {
	Key         string
	Value       string
	Unit        string
	Sources     int
	Confidence  float64
	Consistency string
	Disputed    bool
	Stale       bool
}

// MetricView is a display row for one derived metric.
type MetricView struct {
	Name       string
	Value      string
	Unit       string
	Confidence float64
}

// Document is the view handed to a Renderer.
type Document struct {
	Title      string
	SubjectID  string
	RunDate    string
	Category   model.ContentCategory
	Sections   []string
	Facts      []FactView
	Disputed   []FactView
	Metrics    []MetricView
	Missing    []string
	Summary    model.FactSummary
	Confidence float64
	Grade      string
}

var funcs = template.FuncMap{
	"pct":  func(v float64) string { return fmt.Sprintf("%.0f%%", v*100) },
	"join": strings.Join,
}

const header = `{{define "header"}}# {{.Title}}

Subject: {{.SubjectID}}  Run date: {{.RunDate}}  Confidence: {{pct .Confidence}} ({{.Grade}})
{{end}}`

const facts = `{{define "facts"}}
## Key Facts
{{range .Facts}}- {{.Key}}: {{.Value}}{{if .Unit}} {{.Unit}}{{end}} ({{.Sources}} sources, {{pct .Confidence}}{{if .Disputed}}, disputed{{end}}{{if .Stale}}, stale{{end}})
{{else}}- none
{{end}}{{end}}`

const metrics = `{{define "metrics"}}
## Derived Metrics
{{range .Metrics}}- {{.Name}}: {{.Value}}{{if .Unit}} {{.Unit}}{{end}} ({{pct .Confidence}})
{{else}}- none
{{end}}{{if .Missing}}Not computed: {{join .Missing ", "}}
{{end}}{{end}}`

const quality = `{{define "quality"}}
## Evidence Quality
{{.Summary.Total}} facts, {{.Summary.Disputed}} disputed, {{.Summary.SingleSource}} single-source, {{.Summary.Stale}} stale.
{{end}}`

var categoryTemplates = map[model.ContentCategory]string{
	model.CategoryFundamental: `{{template "header" .}}{{template "facts" .}}{{template "metrics" .}}{{template "quality" .}}`,
	model.CategorySector: `{{template "header" .}}
## Sector Overview
Sector view of {{.SubjectID}} built from {{.Summary.Total}} cross-validated facts.
{{template "facts" .}}{{template "metrics" .}}{{template "quality" .}}`,
	model.CategoryIndustry: `{{template "header" .}}
## Industry Overview
Industry view of {{.SubjectID}} built from {{.Summary.Total}} cross-validated facts.
{{template "facts" .}}{{template "metrics" .}}{{template "quality" .}}`,
	model.CategoryComparative: `{{template "header" .}}{{template "metrics" .}}
## Source Disagreement
{{range .Disputed}}- {{.Key}}: consensus {{.Value}}{{if .Unit}} {{.Unit}}{{end}}, consistency {{.Consistency}}
{{else}}- sources agree on every fact
{{end}}{{template "facts" .}}{{template "quality" .}}`,
}

// TemplateRenderer renders documents with one text/template per category.
type TemplateRenderer struct {
	templates map[model.ContentCategory]*template.Template
}

// NewTemplateRenderer parses the built-in category templates.
func NewTemplateRenderer() (*TemplateRenderer, error) {
	r := &TemplateRenderer{templates: make(map[model.ContentCategory]*template.Template, len(categoryTemplates))}
	for cat, body := range categoryTemplates {
		t := template.New(string(cat)).Funcs(funcs).Option("missingkey=error")
		for _, part := range []string{header, facts, metrics, quality} {
			if _, err := t.Parse(part); err != nil {
				return nil, eris.Wrapf(err, "synthesize: parse partial for %s", cat)
			}
		}
		if _, err := t.Parse(body); err != nil {
			return nil, eris.Wrapf(err, "synthesize: parse %s template", cat)
		}
		r.templates[cat] = t
	}
	return r, nil
}

// Render implements Renderer.
func (r *TemplateRenderer) Render(_ context.Context, category model.ContentCategory, doc Document) (string, error) {
	t, ok := r.templates[category]
	if !ok {
		return "", eris.Errorf("synthesize: no template for category %q", category)
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, doc); err != nil {
		return "", eris.Wrapf(err, "synthesize: render %s", category)
	}
	return buf.String(), nil
}
