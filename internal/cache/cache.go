// Package cache holds provider responses keyed by source, subject and fact.
// Entries outlive their TTL so the gateway can fall back to the last known
// good value when a source is unavailable.
package cache

import (
	"context"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/dasv/internal/model"
)

// Backend stores cache entries. Get returns (nil, nil) on a miss.
type Backend interface {
	Get(ctx context.Context, key string) (*model.CacheEntry, error)
	Set(ctx context.Context, entry *model.CacheEntry) error
	Len(ctx context.Context) (int, error)
}

// TTLs maps staleness classes to cache lifetimes.
type TTLs map[model.StalenessClass]time.Duration

// DefaultTTLs returns the built-in lifetime per staleness class.
func DefaultTTLs() TTLs {
	return TTLs{
		model.StalenessRealtime: 5 * time.Minute,
		model.StalenessIntraday: time.Hour,
		model.StalenessDaily:    12 * time.Hour,
		model.StalenessStatic:   24 * time.Hour,
	}
}

// Manager is the read-through cache shared by every provider call.
// It is safe for concurrent use; concurrent writes to one key are
// last-write-wins.
type Manager struct {
	backend Backend
	ttls    TTLs
	now     func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock injects the clock used for freshness checks and fetch stamps.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithTTLs overrides the per-class lifetimes.
func WithTTLs(ttls TTLs) Option {
	return func(m *Manager) {
		for k, v := range ttls {
			if v > 0 {
				m.ttls[k] = v
			}
		}
	}
}

// NewManager creates a Manager over the given backend.
func NewManager(backend Backend, opts ...Option) *Manager {
	m := &Manager{
		backend: backend,
		ttls:    DefaultTTLs(),
		now:     time.Now,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Key builds the cache key for one fact from one source.
func Key(sourceID, subjectID, factKey string) string {
	return strings.Join([]string{sourceID, model.NormalizeSubject(subjectID), factKey}, "|")
}

// Get returns the entry for key, fresh or stale. A miss returns (nil, nil).
func (m *Manager) Get(ctx context.Context, key string) (*model.CacheEntry, error) {
	e, err := m.backend.Get(ctx, key)
	if err != nil {
		return nil, eris.Wrapf(err, "cache: get %s", key)
	}
	return e, nil
}

// Put stores value under key, stamped with the current time.
func (m *Manager) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return eris.Errorf("cache: put %s: ttl must be positive", key)
	}
	e := &model.CacheEntry{
		Key:       key,
		Value:     append([]byte(nil), value...),
		FetchedAt: m.now().UTC(),
		TTL:       ttl,
	}
	if err := m.backend.Set(ctx, e); err != nil {
		return eris.Wrapf(err, "cache: put %s", key)
	}
	return nil
}

// IsFresh reports whether the entry is still within its TTL.
func (m *Manager) IsFresh(e *model.CacheEntry) bool {
	return e.IsFresh(m.now())
}

// TTL returns the lifetime for a staleness class. Unknown classes get the
// realtime lifetime.
func (m *Manager) TTL(class model.StalenessClass) time.Duration {
	if d, ok := m.ttls[class]; ok {
		return d
	}
	return m.ttls[model.StalenessRealtime]
}

// Len returns the number of entries held by the backend.
func (m *Manager) Len(ctx context.Context) (int, error) {
	n, err := m.backend.Len(ctx)
	if err != nil {
		return 0, eris.Wrap(err, "cache: len")
	}
	return n, nil
}
