package config

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Records    RecordsConfig    `yaml:"records" mapstructure:"records"`
	Cache      CacheConfig      `yaml:"cache" mapstructure:"cache"`
	Gateway    GatewayConfig    `yaml:"gateway" mapstructure:"gateway"`
	Discover   DiscoverConfig   `yaml:"discover" mapstructure:"discover"`
	Reconcile  ReconcileConfig  `yaml:"reconcile" mapstructure:"reconcile"`
	Confidence ConfidenceConfig `yaml:"confidence" mapstructure:"confidence"`
	Gates      GatesConfig      `yaml:"gates" mapstructure:"gates"`
	Validate   ValidateConfig   `yaml:"validate" mapstructure:"validate"`
	Enhance    EnhanceConfig    `yaml:"enhance" mapstructure:"enhance"`
	Analyze    AnalyzeConfig    `yaml:"analyze" mapstructure:"analyze"`
	Batch      BatchConfig      `yaml:"batch" mapstructure:"batch"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Providers  []ProviderConfig `yaml:"providers" mapstructure:"providers"`
	Facts      []FactConfig     `yaml:"facts" mapstructure:"facts"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// StoreConfig configures the run audit database.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// RecordsConfig locates the phase record directory tree.
type RecordsConfig struct {
	Dir string `yaml:"dir" mapstructure:"dir"`
}

// CacheConfig configures the provider response cache.
type CacheConfig struct {
	Backend            string         `yaml:"backend" mapstructure:"backend"` // "memory" or "redis"
	Size               int            `yaml:"size" mapstructure:"size"`
	RedisAddr          string         `yaml:"redis_addr" mapstructure:"redis_addr"`
	RedisPassword      string         `yaml:"redis_password" mapstructure:"redis_password"`
	RedisDB            int            `yaml:"redis_db" mapstructure:"redis_db"`
	KeyPrefix          string         `yaml:"key_prefix" mapstructure:"key_prefix"`
	StaleRetentionMins int            `yaml:"stale_retention_mins" mapstructure:"stale_retention_mins"`
	TTL                CacheTTLConfig `yaml:"ttl" mapstructure:"ttl"`
}

// CacheTTLConfig holds the cache TTL per staleness class, in minutes.
type CacheTTLConfig struct {
	RealtimeMins int `yaml:"realtime_mins" mapstructure:"realtime_mins"`
	IntradayMins int `yaml:"intraday_mins" mapstructure:"intraday_mins"`
	DailyMins    int `yaml:"daily_mins" mapstructure:"daily_mins"`
	StaticMins   int `yaml:"static_mins" mapstructure:"static_mins"`
}

// GatewayConfig configures provider calls.
type GatewayConfig struct {
	FetchTimeoutMs   int `yaml:"fetch_timeout_ms" mapstructure:"fetch_timeout_ms"`
	MaxWaitMs        int `yaml:"max_wait_ms" mapstructure:"max_wait_ms"`
	RetryBudget      int `yaml:"retry_budget" mapstructure:"retry_budget"`
	InitialBackoffMs int `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs     int `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
	CircuitFailures  int `yaml:"circuit_failures" mapstructure:"circuit_failures"`
	CircuitResetSecs int `yaml:"circuit_reset_secs" mapstructure:"circuit_reset_secs"`
}

// DiscoverConfig configures the discovery fan-out.
type DiscoverConfig struct {
	DeadlineSecs   int `yaml:"deadline_secs" mapstructure:"deadline_secs"`
	Quorum         int `yaml:"quorum" mapstructure:"quorum"`
	MaxConcurrency int `yaml:"max_concurrency" mapstructure:"max_concurrency"`
}

// ReconcileConfig configures cross-validation.
type ReconcileConfig struct {
	VarianceThreshold float64            `yaml:"variance_threshold" mapstructure:"variance_threshold"`
	FloorMultiple     float64            `yaml:"floor_multiple" mapstructure:"floor_multiple"`
	Thresholds        map[string]float64 `yaml:"thresholds" mapstructure:"thresholds"`
}

// ConfidenceConfig configures the confidence scorer.
type ConfidenceConfig struct {
	Weights            WeightsConfig      `yaml:"weights" mapstructure:"weights"`
	NeutralConsistency float64            `yaml:"neutral_consistency" mapstructure:"neutral_consistency"`
	Aggregation        string             `yaml:"aggregation" mapstructure:"aggregation"`
	CriticalFacts      []string           `yaml:"critical_facts" mapstructure:"critical_facts"`
	FactWeights        map[string]float64 `yaml:"fact_weights" mapstructure:"fact_weights"`
	DefaultReliability float64            `yaml:"default_reliability" mapstructure:"default_reliability"`
	StalePenalty       float64            `yaml:"stale_penalty" mapstructure:"stale_penalty"`
	HalfLifeMins       HalfLifeConfig     `yaml:"half_life_mins" mapstructure:"half_life_mins"`
	RecencyFloor       float64            `yaml:"recency_floor" mapstructure:"recency_floor"`
}

// WeightsConfig holds the per-factor weights of a fact's confidence.
type WeightsConfig struct {
	Reliability  float64 `yaml:"reliability" mapstructure:"reliability"`
	Recency      float64 `yaml:"recency" mapstructure:"recency"`
	Completeness float64 `yaml:"completeness" mapstructure:"completeness"`
	Consistency  float64 `yaml:"consistency" mapstructure:"consistency"`
}

// HalfLifeConfig is the recency half-life per staleness class, in minutes.
type HalfLifeConfig struct {
	Realtime int `yaml:"realtime" mapstructure:"realtime"`
	Intraday int `yaml:"intraday" mapstructure:"intraday"`
	Daily    int `yaml:"daily" mapstructure:"daily"`
	Static   int `yaml:"static" mapstructure:"static"`
}

// GateRuleConfig is one threshold rule of a phase gate.
type GateRuleConfig struct {
	Metric string   `yaml:"metric" mapstructure:"metric"`
	Min    *float64 `yaml:"min" mapstructure:"min"`
	Max    *float64 `yaml:"max" mapstructure:"max"`
	Hard   bool     `yaml:"hard" mapstructure:"hard"`
}

// GatesConfig holds the gate rules per phase.
type GatesConfig struct {
	SoftPenalty    float64          `yaml:"soft_penalty" mapstructure:"soft_penalty"`
	DeviationFacts []string         `yaml:"deviation_facts" mapstructure:"deviation_facts"`
	Discover       []GateRuleConfig `yaml:"discover" mapstructure:"discover"`
	Analyze        []GateRuleConfig `yaml:"analyze" mapstructure:"analyze"`
	Synthesize     []GateRuleConfig `yaml:"synthesize" mapstructure:"synthesize"`
	Validate       []GateRuleConfig `yaml:"validate" mapstructure:"validate"`
}

// ValidateConfig configures the validation phase.
type ValidateConfig struct {
	Target          float64            `yaml:"target" mapstructure:"target"`
	Weights         map[string]float64 `yaml:"weights" mapstructure:"weights"`
	WeakFactCeiling float64            `yaml:"weak_fact_ceiling" mapstructure:"weak_fact_ceiling"`
}

// EnhanceConfig bounds the enhancement loop.
type EnhanceConfig struct {
	MaxPasses int  `yaml:"max_passes" mapstructure:"max_passes"`
	Enabled   bool `yaml:"enabled" mapstructure:"enabled"`
}

// DerivedMetricConfig declares one analysis metric.
type DerivedMetricConfig struct {
	Name   string   `yaml:"name" mapstructure:"name"`
	Op     string   `yaml:"op" mapstructure:"op"`
	Inputs []string `yaml:"inputs" mapstructure:"inputs"`
	Unit   string   `yaml:"unit" mapstructure:"unit"`
}

// AnalyzeConfig lists the derived metrics computed by the analysis phase.
type AnalyzeConfig struct {
	Metrics []DerivedMetricConfig `yaml:"metrics" mapstructure:"metrics"`
}

// BatchConfig configures concurrent subject processing.
type BatchConfig struct {
	MaxConcurrentSubjects int `yaml:"max_concurrent_subjects" mapstructure:"max_concurrent_subjects"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port           int      `yaml:"port" mapstructure:"port"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
}

// MonitoringConfig configures the background health checker and alerts.
type MonitoringConfig struct {
	CheckIntervalSecs   int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	LookbackWindowHours int     `yaml:"lookback_window_hours" mapstructure:"lookback_window_hours"`
	HaltRateThreshold   float64 `yaml:"halt_rate_threshold" mapstructure:"halt_rate_threshold"`
	WebhookURL          string  `yaml:"webhook_url" mapstructure:"webhook_url"`
}

// ProviderConfig declares one external data source.
type ProviderConfig struct {
	ID          string            `yaml:"id" mapstructure:"id"`
	Kind        string            `yaml:"kind" mapstructure:"kind"` // "http" or "fixture"
	Tier        int               `yaml:"tier" mapstructure:"tier"`
	Reliability float64           `yaml:"reliability" mapstructure:"reliability"`
	RatePerSec  float64           `yaml:"rate_per_sec" mapstructure:"rate_per_sec"`
	Burst       int               `yaml:"burst" mapstructure:"burst"`
	URL         string            `yaml:"url" mapstructure:"url"`
	HealthURL   string            `yaml:"health_url" mapstructure:"health_url"`
	APIKey      string            `yaml:"api_key" mapstructure:"api_key"`
	APIKeyParam string            `yaml:"api_key_param" mapstructure:"api_key_param"`
	Path        string            `yaml:"path" mapstructure:"path"` // fixture file
	Facts       map[string]string `yaml:"facts" mapstructure:"facts"`
	UnitPath    string            `yaml:"unit_path" mapstructure:"unit_path"`
	TimePath    string            `yaml:"time_path" mapstructure:"time_path"`
}

// FactConfig declares one fact the discovery phase collects.
type FactConfig struct {
	Key       string  `yaml:"key" mapstructure:"key"`
	Staleness string  `yaml:"staleness" mapstructure:"staleness"`
	Unit      string  `yaml:"unit" mapstructure:"unit"`
	Variance  float64 `yaml:"variance" mapstructure:"variance"`
}

// FetchTimeout returns the per-fetch timeout.
func (g GatewayConfig) FetchTimeout() time.Duration {
	return time.Duration(g.FetchTimeoutMs) * time.Millisecond
}

// MaxWait returns the bounded rate-limit wait.
func (g GatewayConfig) MaxWait() time.Duration {
	return time.Duration(g.MaxWaitMs) * time.Millisecond
}

// Deadline returns the aggregate discovery deadline.
func (d DiscoverConfig) Deadline() time.Duration {
	return time.Duration(d.DeadlineSecs) * time.Second
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	v.SetEnvPrefix("DASV")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}
	if len(cfg.Gates.Discover) == 0 && len(cfg.Gates.Analyze) == 0 &&
		len(cfg.Gates.Synthesize) == 0 && len(cfg.Gates.Validate) == 0 {
		cfg.Gates = withDefaultRules(cfg.Gates)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "dasv.db")
	v.SetDefault("records.dir", "data")
	v.SetDefault("cache.backend", "memory")
	v.SetDefault("cache.size", 10000)
	v.SetDefault("cache.key_prefix", "dasv:")
	v.SetDefault("cache.stale_retention_mins", 7*24*60)
	v.SetDefault("cache.ttl.realtime_mins", 5)
	v.SetDefault("cache.ttl.intraday_mins", 60)
	v.SetDefault("cache.ttl.daily_mins", 12*60)
	v.SetDefault("cache.ttl.static_mins", 24*60)
	v.SetDefault("gateway.fetch_timeout_ms", 10000)
	v.SetDefault("gateway.max_wait_ms", 2000)
	v.SetDefault("gateway.retry_budget", 3)
	v.SetDefault("gateway.initial_backoff_ms", 250)
	v.SetDefault("gateway.max_backoff_ms", 4000)
	v.SetDefault("gateway.circuit_failures", 5)
	v.SetDefault("gateway.circuit_reset_secs", 30)
	v.SetDefault("discover.deadline_secs", 45)
	v.SetDefault("discover.quorum", 2)
	v.SetDefault("discover.max_concurrency", 7)
	v.SetDefault("reconcile.variance_threshold", 0.02)
	v.SetDefault("reconcile.floor_multiple", 3.0)
	v.SetDefault("confidence.weights.reliability", 0.35)
	v.SetDefault("confidence.weights.recency", 0.20)
	v.SetDefault("confidence.weights.completeness", 0.15)
	v.SetDefault("confidence.weights.consistency", 0.30)
	v.SetDefault("confidence.neutral_consistency", 0.7)
	v.SetDefault("confidence.aggregation", "weighted_mean")
	v.SetDefault("confidence.default_reliability", 0.7)
	v.SetDefault("confidence.stale_penalty", 0.5)
	v.SetDefault("confidence.half_life_mins.realtime", 15)
	v.SetDefault("confidence.half_life_mins.intraday", 6*60)
	v.SetDefault("confidence.half_life_mins.daily", 3*24*60)
	v.SetDefault("confidence.half_life_mins.static", 365*24*60)
	v.SetDefault("confidence.recency_floor", 0.1)
	v.SetDefault("gates.soft_penalty", 0.05)
	v.SetDefault("gates.deviation_facts", []string{"price*"})
	v.SetDefault("validate.target", 0.8)
	v.SetDefault("validate.weak_fact_ceiling", 0.7)
	v.SetDefault("validate.weights", map[string]float64{"discover": 0.5, "analyze": 0.3, "synthesize": 0.2})
	v.SetDefault("enhance.enabled", true)
	v.SetDefault("enhance.max_passes", 1)
	v.SetDefault("batch.max_concurrent_subjects", 4)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.lookback_window_hours", 24)
	v.SetDefault("monitoring.halt_rate_threshold", 0.25)
}

func ptr(f float64) *float64 { return &f }

// DefaultGateRules returns the built-in gate rules used when the config
// declares none.
func DefaultGateRules() GatesConfig {
	return withDefaultRules(GatesConfig{SoftPenalty: 0.05, DeviationFacts: []string{"price*"}})
}

func withDefaultRules(g GatesConfig) GatesConfig {
	g.Discover = []GateRuleConfig{
		{Metric: "confidence", Min: ptr(0.3), Hard: true},
		{Metric: "confidence", Min: ptr(0.6)},
		{Metric: "max_deviation", Max: ptr(0.10), Hard: true},
		{Metric: "coverage", Min: ptr(0.5)},
	}
	g.Analyze = []GateRuleConfig{
		{Metric: "confidence", Min: ptr(0.3), Hard: true},
		{Metric: "confidence", Min: ptr(0.6)},
	}
	g.Synthesize = []GateRuleConfig{
		{Metric: "confidence", Min: ptr(0.3), Hard: true},
	}
	g.Validate = []GateRuleConfig{
		{Metric: "confidence", Min: ptr(0.3), Hard: true},
	}
	return g
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}

// ValidateMode checks the settings required by the given command mode
// ("run", "batch", "serve"). All problems are reported together.
func (c *Config) ValidateMode(mode string) error {
	var errs []string

	switch mode {
	case "run", "batch":
		if len(c.Providers) == 0 {
			errs = append(errs, "providers: at least one provider is required")
		}
		if len(c.Facts) == 0 {
			errs = append(errs, "facts: at least one fact is required")
		}
	case "serve":
		if c.Server.Port <= 0 {
			errs = append(errs, "server.port must be > 0")
		}
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if c.Batch.MaxConcurrentSubjects < 1 || c.Batch.MaxConcurrentSubjects > 50 {
		errs = append(errs, "batch.max_concurrent_subjects must be between 1 and 50")
	}
	if c.Discover.MaxConcurrency < 1 || c.Discover.MaxConcurrency > 7 {
		errs = append(errs, "discover.max_concurrency must be between 1 and 7")
	}
	if c.Discover.Quorum < 1 {
		errs = append(errs, "discover.quorum must be >= 1")
	}
	if c.Validate.Target < 0 || c.Validate.Target > 1 {
		errs = append(errs, "validate.target must be between 0 and 1")
	}
	w := c.Confidence.Weights
	if w.Reliability < 0 || w.Recency < 0 || w.Completeness < 0 || w.Consistency < 0 {
		errs = append(errs, "confidence.weights values must be >= 0")
	}
	if c.Confidence.Aggregation != "weighted_mean" && c.Confidence.Aggregation != "min_critical" {
		errs = append(errs, "confidence.aggregation must be weighted_mean or min_critical")
	}
	switch c.Cache.Backend {
	case "memory":
	case "redis":
		if c.Cache.RedisAddr == "" {
			errs = append(errs, "cache.redis_addr is required for the redis backend")
		}
	default:
		errs = append(errs, "cache.backend must be memory or redis")
	}
	seen := make(map[string]bool, len(c.Providers))
	for _, p := range c.Providers {
		if p.ID == "" {
			errs = append(errs, "providers: id is required")
			continue
		}
		if seen[p.ID] {
			errs = append(errs, "providers: duplicate id "+p.ID)
		}
		seen[p.ID] = true
	}

	if len(errs) > 0 {
		return eris.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}
