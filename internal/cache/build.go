package cache

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/dasv/internal/config"
	"github.com/sells-group/dasv/internal/model"
)

// TTLsFrom converts the configured per-class lifetimes.
func TTLsFrom(cfg config.CacheTTLConfig) TTLs {
	return TTLs{
		model.StalenessRealtime: time.Duration(cfg.RealtimeMins) * time.Minute,
		model.StalenessIntraday: time.Duration(cfg.IntradayMins) * time.Minute,
		model.StalenessDaily:    time.Duration(cfg.DailyMins) * time.Minute,
		model.StalenessStatic:   time.Duration(cfg.StaticMins) * time.Minute,
	}
}

// FromConfig builds the cache manager for the configured backend. The
// returned close function releases backend connections.
func FromConfig(ctx context.Context, cfg config.CacheConfig, opts ...Option) (*Manager, func() error, error) {
	opts = append([]Option{WithTTLs(TTLsFrom(cfg.TTL))}, opts...)
	switch cfg.Backend {
	case "memory", "":
		b, err := NewMemoryBackend(cfg.Size)
		if err != nil {
			return nil, nil, err
		}
		return NewManager(b, opts...), func() error { return nil }, nil
	case "redis":
		retention := time.Duration(cfg.StaleRetentionMins) * time.Minute
		b := NewRedisBackend(NewRedisClient(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB), cfg.KeyPrefix, retention)
		if err := b.Ping(ctx); err != nil {
			b.Close() //nolint:errcheck
			return nil, nil, eris.Wrapf(err, "cache: connect redis %s", cfg.RedisAddr)
		}
		return NewManager(b, opts...), b.Close, nil
	default:
		return nil, nil, eris.Errorf("cache: unknown backend %q", cfg.Backend)
	}
}
