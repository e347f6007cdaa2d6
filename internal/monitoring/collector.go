package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/dasv/internal/model"
	"github.com/sells-group/dasv/internal/store"
)

// MetricsSnapshot holds a point-in-time view of system health.
type MetricsSnapshot struct {
	// Run metrics (within lookback window).
	RunsTotal       int     `json:"runs_total"`
	RunsComplete    int     `json:"runs_complete"`
	RunsHalted      int     `json:"runs_halted"`
	RunsFailed      int     `json:"runs_failed"`
	RunsInFlight    int     `json:"runs_in_flight"`
	HaltRate        float64 `json:"halt_rate"`
	AvgScore        float64 `json:"avg_score"`
	AvgEnhancements float64 `json:"avg_enhancements"`

	// Provider metrics.
	Providers    []model.ServiceHealth `json:"providers"`
	Unreachable  []string              `json:"unreachable"`
	OpenCircuits []string              `json:"open_circuits"`

	CacheEntries int `json:"cache_entries"`

	// Metadata.
	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// RunLister is the part of the run store the collector reads.
type RunLister interface {
	ListRuns(ctx context.Context, filter store.RunFilter) ([]model.Run, error)
}

// HealthSource checks providers. The gateway implements it.
type HealthSource interface {
	RefreshHealth(ctx context.Context) []model.ServiceHealth
	OpenCircuits() []string
}

// CacheSizer reports the number of cached entries.
type CacheSizer interface {
	Len(ctx context.Context) (int, error)
}

// Collector gathers metrics from the run store, the gateway and the cache.
// Any source may be nil.
type Collector struct {
	runs   RunLister
	health HealthSource
	cache  CacheSizer
	now    func() time.Time
}

// NewCollector creates a new metrics collector.
func NewCollector(runs RunLister, health HealthSource, cache CacheSizer) *Collector {
	return &Collector{runs: runs, health: health, cache: cache, now: time.Now}
}

// Collect gathers a snapshot of system metrics over the given lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*MetricsSnapshot, error) {
	now := c.now().UTC()
	snap := &MetricsSnapshot{
		LookbackHours: lookbackHours,
		CollectedAt:   now,
		Unreachable:   []string{},
		OpenCircuits:  []string{},
	}
	cutoff := now.Add(-time.Duration(lookbackHours) * time.Hour)

	if c.runs != nil {
		runs, err := c.runs.ListRuns(ctx, store.RunFilter{Limit: 10000})
		if err != nil {
			return nil, eris.Wrap(err, "monitoring: list runs")
		}
		var totalScore, totalEnh float64
		var scored int
		for _, r := range runs {
			if r.CreatedAt.Before(cutoff) {
				continue
			}
			snap.RunsTotal++
			switch r.Status {
			case model.RunStatusComplete:
				snap.RunsComplete++
			case model.RunStatusHalted:
				snap.RunsHalted++
			case model.RunStatusFailed:
				snap.RunsFailed++
			default:
				snap.RunsInFlight++
			}
			if r.Result != nil {
				totalEnh += float64(r.Result.Enhancements)
				if r.Result.Score > 0 {
					totalScore += r.Result.Score
					scored++
				}
			}
		}
		if finished := snap.RunsComplete + snap.RunsHalted + snap.RunsFailed; finished > 0 {
			snap.HaltRate = float64(snap.RunsHalted+snap.RunsFailed) / float64(finished)
			snap.AvgEnhancements = totalEnh / float64(finished)
		}
		if scored > 0 {
			snap.AvgScore = totalScore / float64(scored)
		}
	}

	if c.health != nil {
		snap.Providers = c.health.RefreshHealth(ctx)
		for _, h := range snap.Providers {
			if !h.Reachable {
				snap.Unreachable = append(snap.Unreachable, h.SourceID)
			}
		}
		if open := c.health.OpenCircuits(); len(open) > 0 {
			snap.OpenCircuits = open
		}
	}

	if c.cache != nil {
		n, err := c.cache.Len(ctx)
		if err != nil {
			return nil, eris.Wrap(err, "monitoring: cache size")
		}
		snap.CacheEntries = n
	}

	return snap, nil
}
