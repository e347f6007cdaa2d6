package provider

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sells-group/dasv/internal/cache"
	"github.com/sells-group/dasv/internal/model"
	"github.com/sells-group/dasv/internal/resilience"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func testGatewayConfig() GatewayConfig {
	cfg := DefaultGatewayConfig()
	cfg.FetchTimeout = 200 * time.Millisecond
	cfg.MaxWait = 10 * time.Millisecond
	cfg.Retry = resilience.FromRetryConfig(3, 1, 2)
	cfg.Circuit = resilience.FromCircuitConfig(5, 30)
	return cfg
}

func newTestGateway(t *testing.T, cfg GatewayConfig, providers ...Provider) (*Gateway, *fakeClock) {
	t.Helper()
	clk := newFakeClock()
	backend, err := cache.NewMemoryBackend(128)
	require.NoError(t, err)
	reg := NewRegistry()
	for _, p := range providers {
		reg.Register(p)
	}
	gw := NewGateway(reg, cache.NewManager(backend, cache.WithClock(clk.Now)), cfg, WithGatewayClock(clk.Now))
	return gw, clk
}

func priceFixture(id string, tier int, price float64, observed time.Time) *FixtureProvider {
	return NewFixtureProvider(FixtureFile{
		ID:   id,
		Tier: tier,
		Subjects: map[string]map[string]FixtureValue{
			"XYZ": {
				"price":  {Value: price, Unit: "USD", ObservedAt: observed},
				"sector": {Value: "Technology"},
			},
		},
	})
}

func priceRequest() Request {
	return Request{SubjectID: "XYZ", FactKey: "price", RunDate: "2026-03-02", Staleness: model.StalenessRealtime, Unit: "USD"}
}
