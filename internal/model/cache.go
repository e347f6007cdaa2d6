package model

import "time"

// CacheEntry is a provider response held by the cache manager.
type CacheEntry struct {
	Key       string        `json:"cache_key"`
	Value     []byte        `json:"value"`
	FetchedAt time.Time     `json:"fetched_at"`
	TTL       time.Duration `json:"ttl"`
}

// IsFresh reports whether now - fetched_at < ttl.
func (e *CacheEntry) IsFresh(now time.Time) bool {
	if e == nil {
		return false
	}
	return now.Sub(e.FetchedAt) < e.TTL
}
