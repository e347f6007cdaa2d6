package provider

import (
	"context"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/dasv/internal/model"
	"github.com/sells-group/dasv/internal/resilience"
)

// FixtureValue is one canned observation.
type FixtureValue struct {
	Value      any       `yaml:"value"`
	Unit       string    `yaml:"unit,omitempty"`
	ObservedAt time.Time `yaml:"observed_at,omitempty"`
	// Fail makes the fetch fail: "unavailable", "rate_limited" or "timeout".
	Fail string `yaml:"fail,omitempty"`
}

// FixtureFile is the on-disk layout of a fixture provider.
type FixtureFile struct {
	ID          string                             `yaml:"id"`
	Tier        int                                `yaml:"tier"`
	Reliability float64                            `yaml:"reliability"`
	Down        bool                               `yaml:"down"`
	Subjects    map[string]map[string]FixtureValue `yaml:"subjects"`
}

// FixtureProvider serves canned values for offline runs and tests.
type FixtureProvider struct {
	mu    sync.RWMutex
	data  FixtureFile
	facts []string
	calls map[string]int
}

// NewFixtureProvider creates a fixture provider from in-memory data.
func NewFixtureProvider(data FixtureFile) *FixtureProvider {
	seen := make(map[string]bool)
	normalized := make(map[string]map[string]FixtureValue, len(data.Subjects))
	for subject, facts := range data.Subjects {
		normalized[model.NormalizeSubject(subject)] = facts
		for k := range facts {
			seen[k] = true
		}
	}
	data.Subjects = normalized
	facts := make([]string, 0, len(seen))
	for k := range seen {
		facts = append(facts, k)
	}
	sort.Strings(facts)
	return &FixtureProvider{data: data, facts: facts, calls: make(map[string]int)}
}

// LoadFixture reads a fixture provider from a YAML file. id and tier
// override the file's values when set.
func LoadFixture(path, id string, tier int) (*FixtureProvider, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrap(err, "provider: read fixture")
	}
	var f FixtureFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, eris.Wrapf(err, "provider: parse fixture %s", path)
	}
	if id != "" {
		f.ID = id
	}
	if tier > 0 {
		f.Tier = tier
	}
	if f.ID == "" {
		return nil, eris.Errorf("provider: fixture %s has no id", path)
	}
	return NewFixtureProvider(f), nil
}

// ID implements Provider.
func (p *FixtureProvider) ID() string { return p.data.ID }

// Tier implements Provider.
func (p *FixtureProvider) Tier() int { return p.data.Tier }

// Facts implements Provider.
func (p *FixtureProvider) Facts() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]string(nil), p.facts...)
}

// Reliability implements Weighted.
func (p *FixtureProvider) Reliability() float64 { return p.data.Reliability }

// Fetch implements Provider.
func (p *FixtureProvider) Fetch(ctx context.Context, req Request) (*Response, error) {
	subject := model.NormalizeSubject(req.SubjectID)

	p.mu.Lock()
	p.calls[subject+"|"+req.FactKey]++
	down := p.data.Down
	v, ok := p.data.Subjects[subject][req.FactKey]
	p.mu.Unlock()

	if down {
		return nil, eris.Errorf("provider: %s is down", p.data.ID)
	}
	if !ok {
		return nil, eris.Errorf("provider: %s has no %s for %s", p.data.ID, req.FactKey, subject)
	}
	switch v.Fail {
	case "":
	case "rate_limited":
		return nil, resilience.RateLimited(p.data.ID, nil)
	case "timeout":
		<-ctx.Done()
		return nil, eris.Wrapf(ctx.Err(), "provider: %s", p.data.ID)
	default:
		return nil, eris.Errorf("provider: %s: %s", p.data.ID, v.Fail)
	}
	return &Response{Value: v.Value, Unit: v.Unit, ObservedAt: v.ObservedAt}, nil
}

// Health implements Provider.
func (p *FixtureProvider) Health(_ context.Context) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.data.Down {
		return eris.Errorf("provider: %s is down", p.data.ID)
	}
	return nil
}

// Set replaces one canned value.
func (p *FixtureProvider) Set(subjectID, factKey string, v FixtureValue) {
	p.mu.Lock()
	defer p.mu.Unlock()
	subject := model.NormalizeSubject(subjectID)
	if p.data.Subjects == nil {
		p.data.Subjects = make(map[string]map[string]FixtureValue)
	}
	if p.data.Subjects[subject] == nil {
		p.data.Subjects[subject] = make(map[string]FixtureValue)
	}
	p.data.Subjects[subject][factKey] = v
	for _, f := range p.facts {
		if f == factKey {
			return
		}
	}
	p.facts = append(p.facts, factKey)
	sort.Strings(p.facts)
}

// SetDown marks the provider unreachable or reachable.
func (p *FixtureProvider) SetDown(down bool) {
	p.mu.Lock()
	p.data.Down = down
	p.mu.Unlock()
}

// Calls returns how many times a fact was fetched for a subject.
func (p *FixtureProvider) Calls(subjectID, factKey string) int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.calls[model.NormalizeSubject(subjectID)+"|"+factKey]
}
