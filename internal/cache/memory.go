package cache

import (
	"context"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rotisserie/eris"

	"github.com/sells-group/dasv/internal/model"
)

// MemoryBackend is an in-process backend bounded by entry count. Expired
// entries stay until evicted so stale fallbacks keep working.
type MemoryBackend struct {
	entries *lru.Cache[string, model.CacheEntry]
}

// NewMemoryBackend creates a backend holding at most size entries.
func NewMemoryBackend(size int) (*MemoryBackend, error) {
	if size <= 0 {
		size = 10000
	}
	c, err := lru.New[string, model.CacheEntry](size)
	if err != nil {
		return nil, eris.Wrap(err, "cache: create lru")
	}
	return &MemoryBackend{entries: c}, nil
}

// Get returns a copy of the entry for key.
func (b *MemoryBackend) Get(_ context.Context, key string) (*model.CacheEntry, error) {
	e, ok := b.entries.Get(key)
	if !ok {
		return nil, nil
	}
	e.Value = append([]byte(nil), e.Value...)
	return &e, nil
}

// Set stores a copy of entry.
func (b *MemoryBackend) Set(_ context.Context, entry *model.CacheEntry) error {
	if entry == nil {
		return eris.New("cache: nil entry")
	}
	e := *entry
	e.Value = append([]byte(nil), entry.Value...)
	b.entries.Add(e.Key, e)
	return nil
}

// Len returns the number of held entries.
func (b *MemoryBackend) Len(_ context.Context) (int, error) {
	return b.entries.Len(), nil
}
