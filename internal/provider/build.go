package provider

import (
	"github.com/rotisserie/eris"

	"github.com/sells-group/dasv/internal/config"
	"github.com/sells-group/dasv/internal/resilience"
)

// GatewayConfigFrom converts the gateway config section.
func GatewayConfigFrom(cfg config.GatewayConfig) GatewayConfig {
	out := DefaultGatewayConfig()
	if d := cfg.FetchTimeout(); d > 0 {
		out.FetchTimeout = d
		out.HealthTimeout = d
	}
	if d := cfg.MaxWait(); d > 0 {
		out.MaxWait = d
	}
	out.Retry = resilience.FromRetryConfig(cfg.RetryBudget, cfg.InitialBackoffMs, cfg.MaxBackoffMs)
	out.Circuit = resilience.FromCircuitConfig(cfg.CircuitFailures, cfg.CircuitResetSecs)
	return out
}

// FromConfig builds the provider registry and the per-source rate limits.
func FromConfig(cfgs []config.ProviderConfig) (*Registry, []GatewayOption, error) {
	reg := NewRegistry()
	var opts []GatewayOption
	for _, pc := range cfgs {
		var p Provider
		switch pc.Kind {
		case "http", "":
			hp, err := NewHTTPProvider(HTTPConfig{
				ID:          pc.ID,
				Tier:        pc.Tier,
				Reliability: pc.Reliability,
				URL:         pc.URL,
				HealthURL:   pc.HealthURL,
				Facts:       pc.Facts,
				UnitPath:    pc.UnitPath,
				TimePath:    pc.TimePath,
				APIKey:      pc.APIKey,
				APIKeyParam: pc.APIKeyParam,
			})
			if err != nil {
				return nil, nil, err
			}
			p = hp
		case "fixture":
			fp, err := LoadFixture(pc.Path, pc.ID, pc.Tier)
			if err != nil {
				return nil, nil, err
			}
			if pc.Reliability > 0 {
				fp.data.Reliability = pc.Reliability
			}
			p = fp
		default:
			return nil, nil, eris.Errorf("provider: %s: unknown kind %q", pc.ID, pc.Kind)
		}
		if reg.Get(p.ID()) != nil {
			return nil, nil, eris.Errorf("provider: duplicate id %q", p.ID())
		}
		reg.Register(p)
		if pc.RatePerSec > 0 {
			opts = append(opts, WithRateLimit(p.ID(), pc.RatePerSec, pc.Burst))
		}
	}
	return reg, opts, nil
}
