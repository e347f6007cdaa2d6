package monitoring

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/dasv/internal/config"
	"github.com/sells-group/dasv/internal/model"
	"github.com/sells-group/dasv/internal/store"
)

type mockRuns struct {
	runs []model.Run
	err  error
}

func (m *mockRuns) ListRuns(_ context.Context, _ store.RunFilter) ([]model.Run, error) {
	return m.runs, m.err
}

type mockHealth struct {
	health []model.ServiceHealth
	open   []string
}

func (m *mockHealth) RefreshHealth(context.Context) []model.ServiceHealth { return m.health }
func (m *mockHealth) OpenCircuits() []string                              { return m.open }

type mockCache struct{ n int }

func (m mockCache) Len(context.Context) (int, error) { return m.n, nil }

func run(status model.RunStatus, age time.Duration, score float64) model.Run {
	r := model.Run{ID: string(status), Status: status, CreatedAt: time.Now().Add(-age)}
	if status == model.RunStatusComplete || status == model.RunStatusHalted {
		r.Result = &model.RunResult{Score: score, Enhancements: 1}
	}
	return r
}

func TestCollector_Collect(t *testing.T) {
	runs := &mockRuns{runs: []model.Run{
		run(model.RunStatusComplete, time.Hour, 0.9),
		run(model.RunStatusComplete, time.Hour, 0.7),
		run(model.RunStatusHalted, time.Hour, 0),
		run(model.RunStatusFailed, time.Hour, 0),
		run(model.RunStatusDiscovering, time.Minute, 0),
		run(model.RunStatusComplete, 48*time.Hour, 0.1), // outside the window
	}}
	health := &mockHealth{
		health: []model.ServiceHealth{{SourceID: "alpha", Reachable: true}, {SourceID: "beta"}},
		open:   []string{"beta"},
	}

	snap, err := NewCollector(runs, health, mockCache{n: 12}).Collect(context.Background(), 24)
	require.NoError(t, err)
	assert.Equal(t, 5, snap.RunsTotal)
	assert.Equal(t, 2, snap.RunsComplete)
	assert.Equal(t, 1, snap.RunsHalted)
	assert.Equal(t, 1, snap.RunsFailed)
	assert.Equal(t, 1, snap.RunsInFlight)
	assert.InDelta(t, 0.5, snap.HaltRate, 1e-9)
	assert.InDelta(t, 0.8, snap.AvgScore, 1e-9)
	assert.Equal(t, []string{"beta"}, snap.Unreachable)
	assert.Equal(t, []string{"beta"}, snap.OpenCircuits)
	assert.Equal(t, 12, snap.CacheEntries)
}

func TestCollector_NilSources(t *testing.T) {
	snap, err := NewCollector(nil, nil, nil).Collect(context.Background(), 24)
	require.NoError(t, err)
	assert.Zero(t, snap.RunsTotal)
	assert.Empty(t, snap.Unreachable)
}

func TestCollector_ListError(t *testing.T) {
	_, err := NewCollector(&mockRuns{err: errors.New("db down")}, nil, nil).Collect(context.Background(), 24)
	assert.Error(t, err)
}

func TestAlerter_Evaluate(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{HaltRateThreshold: 0.25})

	quiet := &MetricsSnapshot{RunsComplete: 10, Unreachable: []string{}}
	assert.Empty(t, a.Evaluate(quiet))

	few := &MetricsSnapshot{RunsHalted: 2, HaltRate: 1}
	assert.Empty(t, a.Evaluate(few), "fewer than five finished runs never alert")

	bad := &MetricsSnapshot{
		RunsComplete: 3,
		RunsHalted:   2,
		RunsFailed:   1,
		HaltRate:     0.5,
		Unreachable:  []string{"beta"},
		OpenCircuits: []string{"beta"},
	}
	alerts := a.Evaluate(bad)
	require.Len(t, alerts, 3)
	assert.Equal(t, AlertHaltRate, alerts[0].Type)
	assert.Equal(t, AlertProviderDown, alerts[1].Type)
	assert.Contains(t, alerts[1].Message, "beta")
	assert.Equal(t, AlertCircuitOpen, alerts[2].Type)
}

func TestAlerter_SendAlerts(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var a Alert
		if err := json.NewDecoder(r.Body).Decode(&a); err != nil || a.Type == "" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		hits.Add(1)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	a := NewAlerter(config.MonitoringConfig{WebhookURL: srv.URL})
	sent := a.SendAlerts(context.Background(), []Alert{{Type: AlertProviderDown}, {Type: AlertCircuitOpen}})
	assert.Equal(t, 2, sent)
	assert.Equal(t, int32(2), hits.Load())

	assert.Zero(t, NewAlerter(config.MonitoringConfig{}).SendAlerts(context.Background(), []Alert{{Type: AlertHaltRate}}))
}

func TestAlerter_WebhookError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	a := NewAlerter(config.MonitoringConfig{WebhookURL: srv.URL})
	assert.Zero(t, a.SendAlerts(context.Background(), []Alert{{Type: AlertHaltRate}}))
}

func TestChecker_Check(t *testing.T) {
	health := &mockHealth{health: []model.ServiceHealth{{SourceID: "alpha"}}}
	c := NewChecker(NewCollector(nil, health, nil), NewAlerter(config.MonitoringConfig{}), config.MonitoringConfig{LookbackWindowHours: 24})

	snap := c.Check(context.Background())
	require.NotNil(t, snap)
	assert.Equal(t, []string{"alpha"}, snap.Unreachable)
}

func TestChecker_RunStopsOnCancel(t *testing.T) {
	c := NewChecker(NewCollector(nil, &mockHealth{}, nil), NewAlerter(config.MonitoringConfig{}), config.MonitoringConfig{
		CheckIntervalSecs:   1,
		LookbackWindowHours: 24,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Checker.Run did not stop after context cancellation")
	}
}

func TestChecker_DefaultInterval(t *testing.T) {
	c := NewChecker(NewCollector(nil, nil, nil), NewAlerter(config.MonitoringConfig{}), config.MonitoringConfig{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	c.Run(ctx)
}
