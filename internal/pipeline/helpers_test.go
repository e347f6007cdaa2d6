package pipeline

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/sells-group/dasv/internal/analyze"
	"github.com/sells-group/dasv/internal/cache"
	"github.com/sells-group/dasv/internal/confidence"
	"github.com/sells-group/dasv/internal/config"
	"github.com/sells-group/dasv/internal/gate"
	"github.com/sells-group/dasv/internal/model"
	"github.com/sells-group/dasv/internal/provider"
	"github.com/sells-group/dasv/internal/reconcile"
	"github.com/sells-group/dasv/internal/resilience"
	"github.com/sells-group/dasv/internal/schema"
	"github.com/sells-group/dasv/internal/store"
	"github.com/sells-group/dasv/internal/synthesize"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const testDate = "2026-03-02"

var testNow = time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)

type testEnv struct {
	p       *Pipeline
	records *store.FileStore
	schemas *schema.Validator
}

func quotes(price, eps float64) map[string]provider.FixtureValue {
	return map[string]provider.FixtureValue{
		"price":  {Value: price, Unit: "USD", ObservedAt: testNow},
		"eps":    {Value: eps, Unit: "USD", ObservedAt: testNow},
		"sector": {Value: "Technology", ObservedAt: testNow},
	}
}

func fixture(id string, subjects map[string]map[string]provider.FixtureValue) *provider.FixtureProvider {
	return provider.NewFixtureProvider(provider.FixtureFile{
		ID:          id,
		Tier:        1,
		Reliability: 0.95,
		Subjects:    subjects,
	})
}

// priceFixtures returns three sources quoting the given prices for XYZ.
func priceFixtures(a, b, c float64) []*provider.FixtureProvider {
	return []*provider.FixtureProvider{
		fixture("alpha", map[string]map[string]provider.FixtureValue{"XYZ": quotes(a, 5)}),
		fixture("beta", map[string]map[string]provider.FixtureValue{"XYZ": quotes(b, 5)}),
		fixture("gamma", map[string]map[string]provider.FixtureValue{"XYZ": quotes(c, 5)}),
	}
}

func testSettings() Settings {
	s := DefaultSettings()
	s.Facts = []FactSpec{
		{Key: "eps", Staleness: model.StalenessDaily, Unit: "USD"},
		{Key: "price", Staleness: model.StalenessRealtime, Unit: "USD"},
		{Key: "sector", Staleness: model.StalenessStatic},
	}
	s.Deadline = 2 * time.Second
	return s
}

func newTestEnv(t *testing.T, s Settings, gates config.GatesConfig, runs store.RunStore, providers ...*provider.FixtureProvider) *testEnv {
	t.Helper()
	pe := []analyze.Metric{{Name: "pe", Op: analyze.OpRatio, Inputs: []string{"price", "eps"}}}
	return newTestEnvWithMetrics(t, s, gates, runs, pe, providers...)
}

func newTestEnvWithMetrics(t *testing.T, s Settings, gates config.GatesConfig, runs store.RunStore, metrics []analyze.Metric, providers ...*provider.FixtureProvider) *testEnv {
	t.Helper()

	backend, err := cache.NewMemoryBackend(256)
	require.NoError(t, err)
	now := func() time.Time { return testNow }

	reg := provider.NewRegistry()
	for _, p := range providers {
		reg.Register(p)
	}
	gwCfg := provider.DefaultGatewayConfig()
	gwCfg.FetchTimeout = 200 * time.Millisecond
	gwCfg.MaxWait = 10 * time.Millisecond
	gwCfg.Retry = resilience.FromRetryConfig(1, 1, 2)
	gw := provider.NewGateway(reg, cache.NewManager(backend, cache.WithClock(now)), gwCfg, provider.WithGatewayClock(now))

	schemas, err := schema.New()
	require.NoError(t, err)
	renderer, err := synthesize.NewTemplateRenderer()
	require.NoError(t, err)

	records := store.NewFileStore(filepath.Join(t.TempDir(), "data"))
	p := New(s, Deps{
		Gateway:    gw,
		Reconciler: reconcile.NewEngine(reconcile.DefaultConfig(), reg.Tier),
		Scorer:     confidence.NewScorer(confidence.DefaultConfig(), reg.Reliability, now),
		Schemas:    schemas,
		Gates:      gate.FromConfig(gates),
		Analyzer:   analyze.New(metrics),
		Synth:      synthesize.New(renderer),
		Records:    records,
		Runs:       runs,
		Now:        now,
	})
	return &testEnv{p: p, records: records, schemas: schemas}
}

func newTestRuns(t *testing.T) store.RunStore {
	t.Helper()
	s, err := store.NewSQLite(filepath.Join(t.TempDir(), "runs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() }) //nolint:errcheck
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func (e *testEnv) latest(t *testing.T, phase model.Phase, v any) *model.PhaseRecord {
	t.Helper()
	rec, err := e.records.Latest(context.Background(), "XYZ", testDate, phase)
	require.NoError(t, err)
	if v != nil {
		require.NoError(t, rec.Decode(v))
	}
	return rec
}

func params() Params {
	return Params{RunDate: testDate}
}
