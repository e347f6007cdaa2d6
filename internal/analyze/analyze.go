// Package analyze derives secondary metrics from a discovery payload.
package analyze

import (
	"math"
	"sort"

	"github.com/rotisserie/eris"

	"github.com/sells-group/dasv/internal/config"
	"github.com/sells-group/dasv/internal/model"
)

// Supported operations.
const (
	OpRatio      = "ratio"
	OpDifference = "difference"
	OpProduct    = "product"
	OpSpread     = "spread"
)

// Metric declares one derived value.
type Metric struct {
	Name   string
	Op     string
	Inputs []string
	Unit   string
}

// MetricsFromConfig converts and validates configured metrics.
func MetricsFromConfig(in []config.DerivedMetricConfig) ([]Metric, error) {
	out := make([]Metric, 0, len(in))
	for _, m := range in {
		metric := Metric{Name: m.Name, Op: m.Op, Inputs: m.Inputs, Unit: m.Unit}
		if err := metric.validate(); err != nil {
			return nil, err
		}
		out = append(out, metric)
	}
	return out, nil
}

func (m Metric) validate() error {
	if m.Name == "" {
		return eris.New("analyze: metric name is required")
	}
	switch m.Op {
	case OpRatio, OpDifference:
		if len(m.Inputs) != 2 {
			return eris.Errorf("analyze: %s: %s takes exactly two inputs", m.Name, m.Op)
		}
	case OpProduct, OpSpread:
		if len(m.Inputs) < 2 {
			return eris.Errorf("analyze: %s: %s takes at least two inputs", m.Name, m.Op)
		}
	default:
		return eris.Errorf("analyze: %s: unknown op %q", m.Name, m.Op)
	}
	return nil
}

// Analyzer computes derived metrics. It is stateless.
type Analyzer struct {
	metrics []Metric
}

// New creates an analyzer for the given metrics.
func New(metrics []Metric) *Analyzer {
	return &Analyzer{metrics: metrics}
}

// Analyze computes every metric whose inputs are present. Metrics with a
// missing or non-numeric input, or an undefined result, are listed in
// Missing and never zero-filled.
func (a *Analyzer) Analyze(d model.DiscoveryPayload, category model.ContentCategory) model.AnalysisPayload {
	out := model.AnalysisPayload{
		SubjectID: d.SubjectID,
		RunDate:   d.RunDate,
		Category:  category,
		Metrics:   []model.DerivedMetric{},
		Missing:   []string{},
		Summary:   Summarize(d.Facts),
	}

	for _, m := range a.metrics {
		vals := make([]float64, 0, len(m.Inputs))
		conf := 1.0
		for _, in := range m.Inputs {
			f := d.Fact(in)
			if f == nil {
				break
			}
			v, ok := model.AsFloat(f.ConsensusValue)
			if !ok {
				break
			}
			vals = append(vals, v)
			conf = math.Min(conf, f.Confidence)
		}
		if len(vals) != len(m.Inputs) {
			out.Missing = append(out.Missing, m.Name)
			continue
		}
		v, ok := compute(m.Op, vals)
		if !ok {
			out.Missing = append(out.Missing, m.Name)
			continue
		}
		out.Metrics = append(out.Metrics, model.DerivedMetric{
			Name:       m.Name,
			Op:         m.Op,
			Inputs:     append([]string(nil), m.Inputs...),
			Value:      v,
			Unit:       m.Unit,
			Confidence: conf,
		})
	}
	sort.Strings(out.Missing)
	return out
}

func compute(op string, vals []float64) (float64, bool) {
	var v float64
	switch op {
	case OpRatio:
		if vals[1] == 0 {
			return 0, false
		}
		v = vals[0] / vals[1]
	case OpDifference:
		v = vals[0] - vals[1]
	case OpProduct:
		v = 1
		for _, x := range vals {
			v *= x
		}
	case OpSpread:
		lo, hi, sum := vals[0], vals[0], 0.0
		for _, x := range vals {
			lo = math.Min(lo, x)
			hi = math.Max(hi, x)
			sum += x
		}
		mean := math.Abs(sum / float64(len(vals)))
		if mean == 0 {
			return 0, false
		}
		v = (hi - lo) / mean
	default:
		return 0, false
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}

// Summarize counts the shape of the discovery evidence.
func Summarize(facts []model.FactRecord) model.FactSummary {
	s := model.FactSummary{Total: len(facts)}
	for _, f := range facts {
		if f.Disputed {
			s.Disputed++
		}
		if f.SingleSource() {
			s.SingleSource++
		}
		for _, c := range f.Candidates {
			if c.Stale {
				s.Stale++
				break
			}
		}
	}
	return s
}

// Confidence is the phase confidence of an analysis: the mean metric
// confidence scaled by the share of metrics that could be computed. With no
// metrics configured it carries the discovery confidence forward.
func Confidence(p model.AnalysisPayload, discovery float64) float64 {
	total := len(p.Metrics) + len(p.Missing)
	if total == 0 {
		return discovery
	}
	if len(p.Metrics) == 0 {
		return 0
	}
	var sum float64
	for _, m := range p.Metrics {
		sum += m.Confidence
	}
	mean := sum / float64(len(p.Metrics))
	return mean * float64(len(p.Metrics)) / float64(total)
}

// Coverage is the share of configured metrics that were computed.
func Coverage(p model.AnalysisPayload) float64 {
	total := len(p.Metrics) + len(p.Missing)
	if total == 0 {
		return 1
	}
	return float64(len(p.Metrics)) / float64(total)
}
