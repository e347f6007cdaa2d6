// Package schema validates phase payloads against embedded JSON Schemas and
// the unit rules that structural schemas cannot express.
package schema

import (
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/rotisserie/eris"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/sells-group/dasv/internal/model"
)

//go:embed schemas/*.schema.json
var schemaFS embed.FS

// Schema IDs, one per phase payload.
const (
	Discovery  = "discovery"
	Analysis   = "analysis"
	Synthesis  = "synthesis"
	Validation = "validation"
)

const baseURL = "https://schemas.dasv.local/"

// ForPhase returns the schema ID of a phase's payload.
func ForPhase(p model.Phase) string {
	switch p {
	case model.PhaseDiscover:
		return Discovery
	case model.PhaseAnalyze:
		return Analysis
	case model.PhaseSynthesize:
		return Synthesis
	case model.PhaseValidate:
		return Validation
	}
	return string(p)
}

// Violation is one reason a payload failed validation.
type Violation struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

func (v Violation) String() string {
	if v.Path == "" {
		return v.Message
	}
	return v.Path + ": " + v.Message
}

// Result is the outcome of validating one payload. Violations lists every
// problem found, not just the first.
type Result struct {
	OK         bool        `json:"ok"`
	Violations []Violation `json:"violations,omitempty"`
}

// Messages renders the violations as strings.
func (r Result) Messages() []string {
	out := make([]string, len(r.Violations))
	for i, v := range r.Violations {
		out[i] = v.String()
	}
	return out
}

// Validator holds the compiled schemas. It is read-only after New and safe
// for concurrent use.
type Validator struct {
	schemas  map[string]*jsonschema.Schema
	versions map[string]string
}

// New compiles the embedded schemas.
func New() (*Validator, error) {
	v := &Validator{
		schemas:  make(map[string]*jsonschema.Schema),
		versions: make(map[string]string),
	}
	for _, id := range []string{Discovery, Analysis, Synthesis, Validation} {
		raw, err := schemaFS.ReadFile("schemas/" + id + ".schema.json")
		if err != nil {
			return nil, eris.Wrapf(err, "schema: read %s", id)
		}
		var meta struct {
			Version string `json:"version"`
		}
		if err := json.Unmarshal(raw, &meta); err != nil {
			return nil, eris.Wrapf(err, "schema: parse %s", id)
		}
		if _, err := semver.NewVersion(meta.Version); err != nil {
			return nil, eris.Wrapf(err, "schema: %s version %q", id, meta.Version)
		}

		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		url := baseURL + id + ".schema.json"
		if err := c.AddResource(url, bytes.NewReader(raw)); err != nil {
			return nil, eris.Wrapf(err, "schema: load %s", id)
		}
		compiled, err := c.Compile(url)
		if err != nil {
			return nil, eris.Wrapf(err, "schema: compile %s", id)
		}
		v.schemas[id] = compiled
		v.versions[id] = meta.Version
	}
	return v, nil
}

// Version returns the version of a schema, or "" if unknown.
func (v *Validator) Version(schemaID string) string {
	return v.versions[schemaID]
}

// Compatible reports whether version satisfies a semver constraint such as
// "^1.0" or ">= 1.0.0, < 2".
func Compatible(version, constraint string) (bool, error) {
	ver, err := semver.NewVersion(version)
	if err != nil {
		return false, eris.Wrapf(err, "schema: parse version %q", version)
	}
	c, err := semver.NewConstraint(constraint)
	if err != nil {
		return false, eris.Wrapf(err, "schema: parse constraint %q", constraint)
	}
	return c.Check(ver), nil
}

// CheckRecord verifies a stored record was written with a schema version
// the current validator can read (same major version).
func (v *Validator) CheckRecord(rec *model.PhaseRecord) error {
	id := ForPhase(rec.Phase)
	current := v.Version(id)
	if current == "" {
		return eris.Errorf("schema: unknown schema %q", id)
	}
	cur, err := semver.NewVersion(current)
	if err != nil {
		return eris.Wrap(err, "schema: parse current version")
	}
	ok, err := Compatible(rec.SchemaVersion, fmt.Sprintf("^%d", cur.Major()))
	if err != nil {
		return err
	}
	if !ok {
		return eris.Errorf("schema: %s record version %s incompatible with %s", id, rec.SchemaVersion, current)
	}
	return nil
}

// Validate checks payload against schemaID. payload may be raw JSON bytes or
// any value that marshals to JSON.
func (v *Validator) Validate(payload any, schemaID string) Result {
	sch, ok := v.schemas[schemaID]
	if !ok {
		return Result{Violations: []Violation{{Message: fmt.Sprintf("unknown schema %q", schemaID)}}}
	}

	doc, err := decode(payload)
	if err != nil {
		return Result{Violations: []Violation{{Message: err.Error()}}}
	}

	var violations []Violation
	if err := sch.Validate(doc); err != nil {
		var ve *jsonschema.ValidationError
		if errors.As(err, &ve) {
			violations = append(violations, leaves(ve)...)
		} else {
			violations = append(violations, Violation{Message: err.Error()})
		}
	}
	violations = append(violations, semantic(doc, "")...)

	sort.SliceStable(violations, func(i, j int) bool { return violations[i].Path < violations[j].Path })
	return Result{OK: len(violations) == 0, Violations: violations}
}

func decode(payload any) (any, error) {
	var raw []byte
	switch p := payload.(type) {
	case []byte:
		raw = p
	case json.RawMessage:
		raw = p
	default:
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, eris.Wrap(err, "schema: marshal payload")
		}
		raw = b
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, eris.Wrap(err, "schema: payload is not valid json")
	}
	return doc, nil
}

func leaves(ve *jsonschema.ValidationError) []Violation {
	if len(ve.Causes) == 0 {
		return []Violation{{Path: ve.InstanceLocation, Message: ve.Message}}
	}
	var out []Violation
	for _, c := range ve.Causes {
		out = append(out, leaves(c)...)
	}
	return out
}

var currencies = map[string]bool{
	"USD": true, "EUR": true, "GBP": true, "JPY": true, "CHF": true,
	"CAD": true, "AUD": true, "CNY": true, "HKD": true,
}

var unitKeys = []string{"value", "consensus_value"}

var scoreKeys = map[string]bool{
	"confidence":         true,
	"consistency_score":  true,
	"overall_score":      true,
	"overall_confidence": true,
}

// semantic walks the document and applies unit and score range rules.
func semantic(node any, path string) []Violation {
	var out []Violation
	switch n := node.(type) {
	case map[string]any:
		unit, _ := n["unit"].(string)
		if unit == "" {
			unit = candidateUnit(n)
		}
		for _, k := range unitKeys {
			if f, ok := n[k].(float64); ok {
				if msg := unitRule(unit, f); msg != "" {
					out = append(out, Violation{Path: path + "/" + k, Message: msg})
				}
			}
		}
		keys := make([]string, 0, len(n))
		for k := range n {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if f, ok := n[k].(float64); ok && scoreKeys[k] && (f < 0 || f > 1) {
				out = append(out, Violation{Path: path + "/" + k, Message: fmt.Sprintf("score %v outside [0,1]", f)})
			}
			switch n[k].(type) {
			case map[string]any, []any:
				out = append(out, semantic(n[k], path+"/"+k)...)
			}
		}
	case []any:
		for i, item := range n {
			out = append(out, semantic(item, fmt.Sprintf("%s/%d", path, i))...)
		}
	}
	return out
}

// candidateUnit returns the unit of a fact record's first candidate.
func candidateUnit(n map[string]any) string {
	cands, ok := n["candidate_values"].([]any)
	if !ok {
		return ""
	}
	for _, c := range cands {
		if m, ok := c.(map[string]any); ok {
			if u, ok := m["unit"].(string); ok && u != "" {
				return u
			}
		}
	}
	return ""
}

func unitRule(unit string, v float64) string {
	switch {
	case currencies[strings.ToUpper(unit)]:
		if v < 0 {
			return fmt.Sprintf("currency amount %v %s is negative", v, unit)
		}
	case unit == "fraction":
		if v < -1 || v > 1 {
			return fmt.Sprintf("fraction %v outside [-1,1]", v)
		}
	case unit == "percent":
		if v < 0 || v > 100 {
			return fmt.Sprintf("percent %v outside [0,100]", v)
		}
	}
	return ""
}
