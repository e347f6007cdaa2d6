package provider

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/dasv/internal/cache"
	"github.com/sells-group/dasv/internal/model"
	"github.com/sells-group/dasv/internal/resilience"
)

// GatewayConfig controls how the gateway calls providers.
type GatewayConfig struct {
	FetchTimeout  time.Duration
	MaxWait       time.Duration
	HealthTimeout time.Duration
	Retry         resilience.RetryConfig
	Circuit       resilience.CircuitBreakerConfig
}

// DefaultGatewayConfig returns the built-in gateway settings.
func DefaultGatewayConfig() GatewayConfig {
	return GatewayConfig{
		FetchTimeout:  10 * time.Second,
		MaxWait:       2 * time.Second,
		HealthTimeout: 5 * time.Second,
		Retry:         resilience.FromRetryConfig(3, 250, 4000),
		Circuit:       resilience.FromCircuitConfig(5, 30),
	}
}

// Gateway is the single point through which facts are fetched. It applies
// caching, rate limiting, circuit breaking, timeouts and retries, and
// translates every failure into an Unavailable error. It never panics on a
// provider failure.
type Gateway struct {
	registry *Registry
	cache    *cache.Manager
	breakers *resilience.ServiceBreakers
	cfg      GatewayConfig
	now      func() time.Time

	mu       sync.RWMutex
	limiters map[string]*AdaptiveLimiter
	health   map[string]model.ServiceHealth
}

// GatewayOption configures a Gateway.
type GatewayOption func(*Gateway)

// WithGatewayClock injects the clock used for health stamps and default
// observation times.
func WithGatewayClock(now func() time.Time) GatewayOption {
	return func(g *Gateway) { g.now = now }
}

// WithRateLimit sets the token bucket for one source.
func WithRateLimit(sourceID string, perSec float64, burst int) GatewayOption {
	return func(g *Gateway) { g.limiters[sourceID] = NewAdaptiveLimiter(perSec, burst) }
}

// NewGateway creates a gateway over the registry and cache.
func NewGateway(reg *Registry, c *cache.Manager, cfg GatewayConfig, opts ...GatewayOption) *Gateway {
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 10 * time.Second
	}
	if cfg.HealthTimeout <= 0 {
		cfg.HealthTimeout = cfg.FetchTimeout
	}
	g := &Gateway{
		registry: reg,
		cache:    c,
		breakers: resilience.NewServiceBreakers(cfg.Circuit),
		cfg:      cfg,
		now:      time.Now,
		limiters: make(map[string]*AdaptiveLimiter),
		health:   make(map[string]model.ServiceHealth),
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Registry returns the provider registry.
func (g *Gateway) Registry() *Registry { return g.registry }

func (g *Gateway) limiter(sourceID string) *AdaptiveLimiter {
	g.mu.RLock()
	l, ok := g.limiters[sourceID]
	g.mu.RUnlock()
	if ok {
		return l
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if l, ok = g.limiters[sourceID]; !ok {
		l = NewAdaptiveLimiter(0, 1)
		g.limiters[sourceID] = l
	}
	return l
}

// Fetch returns one observation of req.FactKey from sourceID. A fresh cache
// entry is served without calling the provider.
func (g *Gateway) Fetch(ctx context.Context, sourceID string, req Request) (model.DataPoint, error) {
	var zero model.DataPoint
	p := g.registry.Get(sourceID)
	if p == nil {
		return zero, resilience.Unavailable(sourceID, eris.New("provider: not registered"))
	}

	key := cache.Key(sourceID, req.SubjectID, req.FactKey)
	if !req.BypassCache {
		if dp, ok := g.cached(ctx, key, false); ok {
			return dp, nil
		}
	}

	log := zap.L().With(
		zap.String("component", "gateway"),
		zap.String("source", sourceID),
		zap.String("subject", req.SubjectID),
		zap.String("fact", req.FactKey),
	)

	lim := g.limiter(sourceID)
	retry := g.cfg.Retry
	retry.ShouldRetry = resilience.IsRateLimited
	retry.OnRetry = resilience.RetryLogger(sourceID, "fetch")

	dp, err := resilience.DoVal(ctx, retry, func(ctx context.Context) (model.DataPoint, error) {
		if err := lim.Wait(ctx, sourceID, g.cfg.MaxWait); err != nil {
			return zero, err
		}
		dp, err := resilience.ExecuteVal(ctx, g.breakers.Get(sourceID), func(ctx context.Context) (model.DataPoint, error) {
			fctx, cancel := context.WithTimeout(ctx, g.cfg.FetchTimeout)
			defer cancel()

			resp, err := p.Fetch(fctx, req)
			if err != nil {
				return zero, err
			}
			return g.toDataPoint(sourceID, req, resp)
		})
		if resilience.IsRateLimited(err) {
			lim.OnRateLimit(sourceID)
		}
		return dp, err
	})
	if err != nil {
		g.recordFailure(sourceID, err)
		log.Warn("provider fetch failed", zap.Error(err))
		if !errors.Is(err, resilience.ErrUnavailable) {
			err = resilience.Unavailable(sourceID, err)
		}
		return zero, err
	}
	lim.OnSuccess()

	raw, err := json.Marshal(dp)
	if err == nil {
		err = g.cache.Put(ctx, key, raw, g.cache.TTL(req.Staleness))
	}
	if err != nil {
		log.Warn("cache write failed", zap.Error(err))
	}
	return dp, nil
}

// LastKnownGood returns the cached value for a fact even when its TTL has
// expired. Expired values are marked Stale.
func (g *Gateway) LastKnownGood(ctx context.Context, sourceID string, req Request) (model.DataPoint, bool) {
	return g.cached(ctx, cache.Key(sourceID, req.SubjectID, req.FactKey), true)
}

func (g *Gateway) cached(ctx context.Context, key string, allowStale bool) (model.DataPoint, bool) {
	var dp model.DataPoint
	entry, err := g.cache.Get(ctx, key)
	if err != nil {
		zap.L().Warn("cache read failed", zap.String("key", key), zap.Error(err))
		return dp, false
	}
	if entry == nil {
		return dp, false
	}
	fresh := g.cache.IsFresh(entry)
	if !fresh && !allowStale {
		return dp, false
	}
	if err := json.Unmarshal(entry.Value, &dp); err != nil {
		zap.L().Warn("cache entry undecodable", zap.String("key", key), zap.Error(err))
		return dp, false
	}
	dp.Stale = !fresh
	return dp, true
}

func (g *Gateway) toDataPoint(sourceID string, req Request, resp *Response) (model.DataPoint, error) {
	if resp == nil || resp.Value == nil {
		return model.DataPoint{}, eris.Errorf("provider: %s returned no value for %s", sourceID, req.FactKey)
	}
	if s, ok := resp.Value.(string); ok && s == "" {
		return model.DataPoint{}, eris.Errorf("provider: %s returned empty value for %s", sourceID, req.FactKey)
	}
	unit := resp.Unit
	if unit == "" {
		unit = req.Unit
	}
	observed := resp.ObservedAt
	if observed.IsZero() {
		observed = g.now()
	}
	return model.DataPoint{
		Value:      resp.Value,
		Unit:       unit,
		SourceID:   sourceID,
		ObservedAt: observed.UTC(),
		Staleness:  req.Staleness,
	}, nil
}

func (g *Gateway) recordFailure(sourceID string, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	h, ok := g.health[sourceID]
	if !ok {
		h = model.ServiceHealth{SourceID: sourceID, Reachable: true}
	}
	h.Error = err.Error()
	h.Circuit = g.breakers.Get(sourceID).State().String()
	if !resilience.IsRateLimited(err) {
		h.Reachable = false
	}
	g.health[sourceID] = h
}

// Health checks one source and records the result.
func (g *Gateway) Health(ctx context.Context, sourceID string) model.ServiceHealth {
	h := model.ServiceHealth{SourceID: sourceID}
	p := g.registry.Get(sourceID)
	start := g.now()
	switch {
	case p == nil:
		h.Error = "provider not registered"
	case g.breakers.Get(sourceID).State() == resilience.CircuitOpen:
		h.Error = resilience.ErrCircuitOpen.Error()
	default:
		hctx, cancel := context.WithTimeout(ctx, g.cfg.HealthTimeout)
		err := p.Health(hctx)
		cancel()
		if err != nil {
			h.Error = err.Error()
		} else {
			h.Reachable = true
		}
	}
	h.LastChecked = g.now().UTC()
	h.Latency = h.LastChecked.Sub(start)
	h.Circuit = g.breakers.Get(sourceID).State().String()

	g.mu.Lock()
	g.health[sourceID] = h
	g.mu.Unlock()
	return h
}

// RefreshHealth checks every registered source in parallel.
func (g *Gateway) RefreshHealth(ctx context.Context) []model.ServiceHealth {
	ids := g.registry.List()
	out := make([]model.ServiceHealth, len(ids))

	eg, gctx := errgroup.WithContext(ctx)
	eg.SetLimit(7)
	for i, id := range ids {
		eg.Go(func() error {
			out[i] = g.Health(gctx, id)
			return nil
		})
	}
	_ = eg.Wait()
	return out
}

// Snapshot returns the last recorded health of every source, sorted by ID.
func (g *Gateway) Snapshot() []model.ServiceHealth {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]model.ServiceHealth, 0, len(g.health))
	for _, h := range g.health {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SourceID < out[j].SourceID })
	return out
}

// Reachable reports whether a source was reachable at its last health check and its
// circuit is not open. Sources never checked count as reachable.
func (g *Gateway) Reachable(sourceID string) bool {
	if g.breakers.Get(sourceID).State() == resilience.CircuitOpen {
		return false
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	h, ok := g.health[sourceID]
	return !ok || h.Reachable
}

// OpenCircuits returns the sources whose breaker is open.
func (g *Gateway) OpenCircuits() []string {
	return g.breakers.Open()
}
