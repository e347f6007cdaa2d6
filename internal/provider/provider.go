// Package provider defines external data sources and the gateway through
// which every fact fetch passes.
package provider

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/sells-group/dasv/internal/model"
)

// Request identifies one fact to fetch for one subject.
type Request struct {
	SubjectID string
	FactKey   string
	RunDate   string
	Staleness model.StalenessClass
	// Unit is the expected unit, used when the source omits one.
	Unit string
	// BypassCache skips the fresh-cache short circuit. Set by enhancement
	// passes that want new observations.
	BypassCache bool
}

// Response is a raw value returned by a provider.
type Response struct {
	Value      any       `json:"value"`
	Unit       string    `json:"unit,omitempty"`
	ObservedAt time.Time `json:"observed_at"`
}

// Provider is one external data source.
type Provider interface {
	// ID returns the stable source identifier.
	ID() string
	// Tier ranks the source; 1 is the most authoritative.
	Tier() int
	// Facts lists the fact keys this source can supply.
	Facts() []string
	// Fetch retrieves one fact for one subject.
	Fetch(ctx context.Context, req Request) (*Response, error)
	// Health checks the source without fetching data.
	Health(ctx context.Context) error
}

// Weighted is implemented by providers with an explicit reliability weight.
type Weighted interface {
	Reliability() float64
}

// Supports reports whether p can supply factKey.
func Supports(p Provider, factKey string) bool {
	for _, f := range p.Facts() {
		if f == factKey {
			return true
		}
	}
	return false
}

// TierReliability is the reliability weight for sources that declare none.
func TierReliability(tier int) float64 {
	switch {
	case tier <= 1:
		return 0.95
	case tier == 2:
		return 0.85
	default:
		return 0.7
	}
}

// Registry manages the configured providers.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// NewRegistry creates an empty provider registry.
func NewRegistry() *Registry {
	return &Registry{
		providers: make(map[string]Provider),
	}
}

// Register adds a provider to the registry.
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.ID()] = p
}

// Get returns a provider by ID, or nil if not found.
func (r *Registry) Get(id string) Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.providers[id]
}

// List returns all registered provider IDs, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.providers))
	for id := range r.providers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Supporting returns the providers able to supply factKey, sorted by ID.
func (r *Registry) Supporting(factKey string) []Provider {
	var out []Provider
	for _, id := range r.List() {
		if p := r.Get(id); p != nil && Supports(p, factKey) {
			out = append(out, p)
		}
	}
	return out
}

// Tier returns the tier of a source. Unknown sources rank last.
func (r *Registry) Tier(id string) int {
	if p := r.Get(id); p != nil {
		return p.Tier()
	}
	return 99
}

// Reliability returns the reliability weight of a source.
func (r *Registry) Reliability(id string) float64 {
	p := r.Get(id)
	if p == nil {
		return TierReliability(99)
	}
	if w, ok := p.(Weighted); ok && w.Reliability() > 0 {
		return w.Reliability()
	}
	return TierReliability(p.Tier())
}
