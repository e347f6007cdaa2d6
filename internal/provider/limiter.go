package provider

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/dasv/internal/resilience"
)

// AdaptiveLimiter wraps a token bucket with adaptive rate adjustment.
// On success it increases the rate by 20% (up to 2x initial).
// On a rate-limit response it halves the rate (down to initial/4 minimum).
type AdaptiveLimiter struct {
	mu          sync.Mutex
	limiter     *rate.Limiter
	initialRate rate.Limit
	maxRate     rate.Limit
	minRate     rate.Limit
	currentRate rate.Limit
}

// NewAdaptiveLimiter creates an adaptive limiter. A non-positive rate means
// unlimited.
func NewAdaptiveLimiter(perSec float64, burst int) *AdaptiveLimiter {
	initial := rate.Limit(perSec)
	if perSec <= 0 {
		initial = rate.Inf
	}
	if burst <= 0 {
		burst = 1
	}
	return &AdaptiveLimiter{
		limiter:     rate.NewLimiter(initial, burst),
		initialRate: initial,
		maxRate:     initial * 2,
		minRate:     initial / 4,
		currentRate: initial,
	}
}

// Wait blocks until a token is available. If the wait would exceed maxWait
// it returns a rate-limited error immediately and gives the token back.
func (a *AdaptiveLimiter) Wait(ctx context.Context, sourceID string, maxWait time.Duration) error {
	r := a.limiter.Reserve()
	if !r.OK() {
		return resilience.RateLimited(sourceID, eris.New("provider: burst exceeded"))
	}
	delay := r.Delay()
	if delay == 0 {
		return nil
	}
	if maxWait > 0 && delay > maxWait {
		r.Cancel()
		return resilience.RateLimited(sourceID, eris.Errorf("provider: rate limit wait %s exceeds %s", delay, maxWait))
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		r.Cancel()
		return eris.Wrap(ctx.Err(), "provider: rate limit wait")
	case <-timer.C:
		return nil
	}
}

// OnSuccess increases the rate by 20%, up to 2x initial.
func (a *AdaptiveLimiter) OnSuccess() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.initialRate == rate.Inf {
		return
	}
	newRate := a.currentRate * 1.2
	if newRate > a.maxRate {
		newRate = a.maxRate
	}
	a.currentRate = newRate
	a.limiter.SetLimit(newRate)
}

// OnRateLimit halves the rate after a rate-limit response.
func (a *AdaptiveLimiter) OnRateLimit(sourceID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.initialRate == rate.Inf {
		return
	}
	newRate := a.currentRate * 0.5
	if newRate < a.minRate {
		newRate = a.minRate
	}
	a.currentRate = newRate
	a.limiter.SetLimit(newRate)
	zap.L().Warn("adaptive rate limit: reducing rate",
		zap.String("source", sourceID),
		zap.Float64("new_rate", float64(newRate)),
	)
}

// Limit returns the current rate limit.
func (a *AdaptiveLimiter) Limit() rate.Limit {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.currentRate
}
