package provider

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/tidwall/gjson"

	"github.com/sells-group/dasv/internal/resilience"
)

const maxBodyBytes = 1 << 20

// HTTPConfig describes a JSON-over-HTTP source.
type HTTPConfig struct {
	ID          string
	Tier        int
	Reliability float64
	// URL may contain {subject}, {fact} and {run_date} placeholders.
	URL       string
	HealthURL string
	// Facts maps a fact key to the gjson path of its value in the response.
	Facts map[string]string
	// UnitPath and TimePath are optional gjson paths for the value's unit and
	// observation time (RFC 3339 or unix seconds).
	UnitPath    string
	TimePath    string
	APIKey      string
	APIKeyParam string
	Client      *http.Client
}

// HTTPProvider fetches facts from a JSON API.
type HTTPProvider struct {
	cfg    HTTPConfig
	client *http.Client
	facts  []string
}

// NewHTTPProvider creates an HTTP provider.
func NewHTTPProvider(cfg HTTPConfig) (*HTTPProvider, error) {
	if cfg.ID == "" {
		return nil, eris.New("provider: http provider id is required")
	}
	if cfg.URL == "" {
		return nil, eris.Errorf("provider: %s: url is required", cfg.ID)
	}
	if len(cfg.Facts) == 0 {
		return nil, eris.Errorf("provider: %s: at least one fact path is required", cfg.ID)
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	}
	facts := make([]string, 0, len(cfg.Facts))
	for k := range cfg.Facts {
		facts = append(facts, k)
	}
	sort.Strings(facts)
	return &HTTPProvider{cfg: cfg, client: client, facts: facts}, nil
}

// ID implements Provider.
func (p *HTTPProvider) ID() string { return p.cfg.ID }

// Tier implements Provider.
func (p *HTTPProvider) Tier() int { return p.cfg.Tier }

// Facts implements Provider.
func (p *HTTPProvider) Facts() []string { return p.facts }

// Reliability implements Weighted.
func (p *HTTPProvider) Reliability() float64 { return p.cfg.Reliability }

func (p *HTTPProvider) buildURL(req Request) (string, error) {
	r := strings.NewReplacer(
		"{subject}", url.PathEscape(req.SubjectID),
		"{fact}", url.PathEscape(req.FactKey),
		"{run_date}", url.PathEscape(req.RunDate),
	)
	u, err := url.Parse(r.Replace(p.cfg.URL))
	if err != nil {
		return "", eris.Wrapf(err, "provider: %s: parse url", p.cfg.ID)
	}
	if p.cfg.APIKey != "" {
		param := p.cfg.APIKeyParam
		if param == "" {
			param = "apikey"
		}
		q := u.Query()
		q.Set(param, p.cfg.APIKey)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// Fetch implements Provider. A 429 is reported as rate limited, a 5xx as
// transient, and any other non-2xx status or unparseable body as an error.
func (p *HTTPProvider) Fetch(ctx context.Context, req Request) (*Response, error) {
	path, ok := p.cfg.Facts[req.FactKey]
	if !ok {
		return nil, eris.Errorf("provider: %s does not supply %s", p.cfg.ID, req.FactKey)
	}
	target, err := p.buildURL(req)
	if err != nil {
		return nil, err
	}

	body, err := p.get(ctx, target)
	if err != nil {
		return nil, err
	}
	if !gjson.ValidBytes(body) {
		return nil, eris.Errorf("provider: %s: malformed json payload", p.cfg.ID)
	}

	res := gjson.GetBytes(body, path)
	if !res.Exists() || res.Type == gjson.Null {
		return nil, eris.Errorf("provider: %s: %s missing at %q", p.cfg.ID, req.FactKey, path)
	}

	out := &Response{Value: resultValue(res)}
	if p.cfg.UnitPath != "" {
		out.Unit = gjson.GetBytes(body, p.cfg.UnitPath).String()
	}
	if p.cfg.TimePath != "" {
		out.ObservedAt = parseTime(gjson.GetBytes(body, p.cfg.TimePath))
	}
	return out, nil
}

func (p *HTTPProvider) get(ctx context.Context, target string) ([]byte, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, eris.Wrapf(err, "provider: %s: build request", p.cfg.ID)
	}
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("User-Agent", "dasv/1.0")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, eris.Wrapf(err, "provider: %s: request", p.cfg.ID)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, resilience.RateLimited(p.cfg.ID, resilience.NewTransientError(
			eris.Errorf("provider: %s: status %d", p.cfg.ID, resp.StatusCode), resp.StatusCode))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		statusErr := eris.Errorf("provider: %s: unexpected status %d", p.cfg.ID, resp.StatusCode)
		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			return nil, resilience.NewTransientError(statusErr, resp.StatusCode)
		}
		return nil, statusErr
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, eris.Wrapf(err, "provider: %s: read body", p.cfg.ID)
	}
	return body, nil
}

// Health implements Provider.
func (p *HTTPProvider) Health(ctx context.Context) error {
	target := p.cfg.HealthURL
	if target == "" {
		u, err := url.Parse(p.cfg.URL)
		if err != nil {
			return eris.Wrapf(err, "provider: %s: parse url", p.cfg.ID)
		}
		target = u.Scheme + "://" + u.Host + "/"
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, target, nil)
	if err != nil {
		return eris.Wrapf(err, "provider: %s: build health request", p.cfg.ID)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return eris.Wrapf(err, "provider: %s: health", p.cfg.ID)
	}
	_ = resp.Body.Close()
	if resp.StatusCode >= 500 {
		return eris.Errorf("provider: %s: health status %d", p.cfg.ID, resp.StatusCode)
	}
	return nil
}

func resultValue(r gjson.Result) any {
	switch r.Type {
	case gjson.Number:
		return r.Float()
	case gjson.True, gjson.False:
		return r.Bool()
	case gjson.String:
		return r.String()
	default:
		return r.Value()
	}
}

func parseTime(r gjson.Result) time.Time {
	switch r.Type {
	case gjson.Number:
		return time.Unix(r.Int(), 0).UTC()
	case gjson.String:
		if t, err := time.Parse(time.RFC3339, r.String()); err == nil {
			return t.UTC()
		}
		if t, err := time.Parse("2006-01-02", r.String()); err == nil {
			return t
		}
	}
	return time.Time{}
}
