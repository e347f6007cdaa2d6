package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"

	"github.com/sells-group/dasv/internal/model"
)

// RedisBackend shares the cache between processes. Keys expire after
// ttl + retention so stale values remain available for fallback.
type RedisBackend struct {
	client    redis.UniversalClient
	prefix    string
	retention time.Duration
}

// NewRedisClient opens a client for addr.
func NewRedisClient(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
}

// NewRedisBackend creates a backend over client.
func NewRedisBackend(client redis.UniversalClient, prefix string, retention time.Duration) *RedisBackend {
	return &RedisBackend{client: client, prefix: prefix, retention: retention}
}

func (b *RedisBackend) key(k string) string { return b.prefix + k }

// Get loads and decodes the entry for key.
func (b *RedisBackend) Get(ctx context.Context, key string) (*model.CacheEntry, error) {
	raw, err := b.client.Get(ctx, b.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "cache: redis get")
	}
	var e model.CacheEntry
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, eris.Wrap(err, "cache: decode redis entry")
	}
	return &e, nil
}

// Set encodes and stores entry with expiry ttl + retention.
func (b *RedisBackend) Set(ctx context.Context, entry *model.CacheEntry) error {
	if entry == nil {
		return eris.New("cache: nil entry")
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return eris.Wrap(err, "cache: encode redis entry")
	}
	if err := b.client.Set(ctx, b.key(entry.Key), raw, b.expiry(entry.TTL)).Err(); err != nil {
		return eris.Wrap(err, "cache: redis set")
	}
	return nil
}

func (b *RedisBackend) expiry(ttl time.Duration) time.Duration {
	return ttl + b.retention
}

// Len counts keys under the backend prefix.
func (b *RedisBackend) Len(ctx context.Context) (int, error) {
	var (
		n      int
		cursor uint64
	)
	for {
		keys, next, err := b.client.Scan(ctx, cursor, b.prefix+"*", 500).Result()
		if err != nil {
			return 0, eris.Wrap(err, "cache: redis scan")
		}
		n += len(keys)
		if next == 0 {
			return n, nil
		}
		cursor = next
	}
}

// Ping checks connectivity.
func (b *RedisBackend) Ping(ctx context.Context) error {
	return eris.Wrap(b.client.Ping(ctx).Err(), "cache: redis ping")
}

// Close releases the client.
func (b *RedisBackend) Close() error {
	return b.client.Close()
}
