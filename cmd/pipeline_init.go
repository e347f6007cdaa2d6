package main

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/dasv/internal/analyze"
	"github.com/sells-group/dasv/internal/cache"
	"github.com/sells-group/dasv/internal/confidence"
	"github.com/sells-group/dasv/internal/config"
	"github.com/sells-group/dasv/internal/gate"
	"github.com/sells-group/dasv/internal/pipeline"
	"github.com/sells-group/dasv/internal/provider"
	"github.com/sells-group/dasv/internal/reconcile"
	"github.com/sells-group/dasv/internal/schema"
	"github.com/sells-group/dasv/internal/store"
	"github.com/sells-group/dasv/internal/synthesize"
)

// pipelineEnv holds the stores, the gateway and the pipeline needed by the
// run/batch/serve commands.
type pipelineEnv struct {
	Runs     store.RunStore
	Records  *store.FileStore
	Cache    *cache.Manager
	Gateway  *provider.Gateway
	Pipeline *pipeline.Pipeline

	closeCache func() error
}

// Close releases resources held by the pipeline environment.
func (pe *pipelineEnv) Close() {
	if pe.closeCache != nil {
		if err := pe.closeCache(); err != nil {
			zap.L().Warn("close cache", zap.Error(err))
		}
	}
	if pe.Runs != nil {
		_ = pe.Runs.Close()
	}
}

// initStore opens and migrates the configured run audit store.
func initStore(ctx context.Context) (store.RunStore, error) {
	st, err := store.Open(ctx, cfg.Store)
	if err != nil {
		return nil, eris.Wrap(err, "open run store")
	}
	return st, nil
}

// initPipeline validates the config for mode, opens the stores and builds
// the Pipeline. Callers should defer env.Close().
func initPipeline(ctx context.Context, mode string) (*pipelineEnv, error) {
	if err := cfg.ValidateMode(mode); err != nil {
		return nil, err
	}

	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	env := &pipelineEnv{Runs: st}

	if err := buildPipeline(ctx, cfg, env); err != nil {
		env.Close()
		return nil, err
	}

	zap.L().Info("pipeline initialized",
		zap.Int("providers", len(env.Gateway.Registry().List())),
		zap.Int("facts", len(cfg.Facts)),
		zap.String("store", cfg.Store.Driver),
		zap.String("cache", cfg.Cache.Backend),
	)
	return env, nil
}

// initGateway builds the cache, the provider registry and the gateway.
func initGateway(ctx context.Context, c *config.Config, env *pipelineEnv) error {
	mgr, closeCache, err := cache.FromConfig(ctx, c.Cache)
	if err != nil {
		return eris.Wrap(err, "init cache")
	}
	env.Cache = mgr
	env.closeCache = closeCache

	reg, opts, err := provider.FromConfig(c.Providers)
	if err != nil {
		return eris.Wrap(err, "init providers")
	}
	env.Gateway = provider.NewGateway(reg, mgr, provider.GatewayConfigFrom(c.Gateway), opts...)
	return nil
}

// buildPipeline wires every pipeline component from c into env. env.Runs
// may be nil, in which case runs are not audited.
func buildPipeline(ctx context.Context, c *config.Config, env *pipelineEnv) error {
	settings, err := pipeline.SettingsFromConfig(c)
	if err != nil {
		return eris.Wrap(err, "pipeline settings")
	}

	if err := initGateway(ctx, c, env); err != nil {
		return err
	}
	reg := env.Gateway.Registry()

	schemas, err := schema.New()
	if err != nil {
		return eris.Wrap(err, "compile schemas")
	}

	metrics, err := analyze.MetricsFromConfig(c.Analyze.Metrics)
	if err != nil {
		return eris.Wrap(err, "analysis metrics")
	}

	renderer, err := synthesize.NewTemplateRenderer()
	if err != nil {
		return eris.Wrap(err, "report templates")
	}

	env.Records = store.NewFileStore(c.Records.Dir)

	deps := pipeline.Deps{
		Gateway:    env.Gateway,
		Reconciler: reconcile.NewEngine(reconcile.ConfigFrom(c.Reconcile, c.Facts), reg.Tier),
		Scorer:     confidence.NewScorer(confidence.ConfigFrom(c.Confidence), reliability(reg, c.Confidence.DefaultReliability), nil),
		Schemas:    schemas,
		Gates:      gate.FromConfig(c.Gates),
		Analyzer:   analyze.New(metrics),
		Synth:      synthesize.New(renderer),
		Records:    env.Records,
		Runs:       env.Runs,
	}
	env.Pipeline = pipeline.New(settings, deps)
	return nil
}

// reliability resolves source weights from the registry. Sources that are
// not registered fall back to def when it is set.
func reliability(reg *provider.Registry, def float64) confidence.ReliabilityFunc {
	return func(sourceID string) float64 {
		if reg.Get(sourceID) == nil && def > 0 {
			return def
		}
		return reg.Reliability(sourceID)
	}
}
