// Package resilience provides the error taxonomy, circuit breaker and retry
// patterns used around provider calls.
package resilience

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// CircuitState is the state of one source's breaker.
type CircuitState int

// Breaker states. An open breaker fails fetches fast; once ResetTimeout has
// passed it lets trial fetches through as half-open.
const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	}
	return "unknown"
}

// ErrCircuitOpen rejects a fetch without calling the source.
var ErrCircuitOpen = eris.New("circuit breaker is open")

// CircuitBreakerConfig controls a source breaker. Zero values take the
// defaults of DefaultCircuitBreakerConfig.
type CircuitBreakerConfig struct {
	FailureThreshold  int           // consecutive failures that open the circuit
	ResetTimeout      time.Duration // open time before a trial fetch is allowed
	HalfOpenSuccesses int           // trial successes that close it again

	// ShouldTrip picks the failures that count. Nil means every error except
	// a rate-limit rejection, which says nothing about source health.
	ShouldTrip func(err error) bool
	// OnStateChange observes transitions.
	OnStateChange func(sourceID string, from, to CircuitState)
}

// DefaultCircuitBreakerConfig returns the breaker settings for providers.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold:  5,
		ResetTimeout:      30 * time.Second,
		HalfOpenSuccesses: 1,
	}
}

// CircuitBreaker guards the fetches of one source.
type CircuitBreaker struct {
	sourceID string
	cfg      CircuitBreakerConfig
	now      func() time.Time

	mu        sync.Mutex
	state     CircuitState
	failures  int
	openedAt  time.Time
	successes int // while half-open
}

// NewCircuitBreaker creates a closed breaker for sourceID.
func NewCircuitBreaker(sourceID string, cfg CircuitBreakerConfig) *CircuitBreaker {
	def := DefaultCircuitBreakerConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = def.ResetTimeout
	}
	if cfg.HalfOpenSuccesses <= 0 {
		cfg.HalfOpenSuccesses = def.HalfOpenSuccesses
	}
	if cfg.ShouldTrip == nil {
		cfg.ShouldTrip = func(err error) bool { return !IsRateLimited(err) }
	}
	return &CircuitBreaker{sourceID: sourceID, cfg: cfg, now: time.Now, state: CircuitClosed}
}

// ExecuteVal calls fn unless the circuit is open, in which case it returns
// ErrCircuitOpen, and records the outcome.
func ExecuteVal[T any](ctx context.Context, cb *CircuitBreaker, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if !cb.allow() {
		return zero, ErrCircuitOpen
	}
	val, err := fn(ctx)
	if err != nil && cb.cfg.ShouldTrip(err) {
		cb.onFailure()
	} else {
		cb.onSuccess()
	}
	return val, err
}

// State returns the current state. An open circuit past its reset timeout
// reports half-open.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == CircuitOpen && cb.cooled() {
		return CircuitHalfOpen
	}
	return cb.state
}

// Reset closes the circuit and clears its counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures, cb.successes = 0, 0
	cb.moveTo(CircuitClosed)
}

func (cb *CircuitBreaker) cooled() bool {
	return cb.now().Sub(cb.openedAt) >= cb.cfg.ResetTimeout
}

func (cb *CircuitBreaker) allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state != CircuitOpen {
		return true
	}
	if !cb.cooled() {
		return false
	}
	cb.moveTo(CircuitHalfOpen)
	return true
}

func (cb *CircuitBreaker) onSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state != CircuitHalfOpen {
		cb.failures = 0
		return
	}
	cb.successes++
	if cb.successes >= cb.cfg.HalfOpenSuccesses {
		cb.failures, cb.successes = 0, 0
		cb.moveTo(CircuitClosed)
	}
}

func (cb *CircuitBreaker) onFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures++
	cb.openedAt = cb.now()
	// A failed trial reopens immediately.
	if cb.state == CircuitHalfOpen || cb.failures >= cb.cfg.FailureThreshold {
		cb.successes = 0
		cb.moveTo(CircuitOpen)
	}
}

func (cb *CircuitBreaker) moveTo(to CircuitState) {
	from := cb.state
	if from == to {
		return
	}
	cb.state = to
	if cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(cb.sourceID, from, to)
	}
}

// LogStateChange logs breaker transitions at WARN.
func LogStateChange(sourceID string, from, to CircuitState) {
	zap.L().Warn("resilience: circuit state change",
		zap.String("component", "resilience"),
		zap.String("source", sourceID),
		zap.Stringer("from", from),
		zap.Stringer("to", to),
	)
}

// ServiceBreakers holds one breaker per source, created on first use.
type ServiceBreakers struct {
	cfg CircuitBreakerConfig

	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker
}

// NewServiceBreakers creates an empty breaker set sharing cfg.
func NewServiceBreakers(cfg CircuitBreakerConfig) *ServiceBreakers {
	return &ServiceBreakers{cfg: cfg, breakers: make(map[string]*CircuitBreaker)}
}

// Get returns the breaker of sourceID.
func (sb *ServiceBreakers) Get(sourceID string) *CircuitBreaker {
	sb.mu.RLock()
	cb, ok := sb.breakers[sourceID]
	sb.mu.RUnlock()
	if ok {
		return cb
	}

	sb.mu.Lock()
	defer sb.mu.Unlock()
	if cb, ok = sb.breakers[sourceID]; !ok {
		cb = NewCircuitBreaker(sourceID, sb.cfg)
		sb.breakers[sourceID] = cb
	}
	return cb
}

// States snapshots every breaker's state by source.
func (sb *ServiceBreakers) States() map[string]CircuitState {
	sb.mu.RLock()
	defer sb.mu.RUnlock()
	out := make(map[string]CircuitState, len(sb.breakers))
	for id, cb := range sb.breakers {
		out[id] = cb.State()
	}
	return out
}

// Open lists the sources whose circuit is open, sorted.
func (sb *ServiceBreakers) Open() []string {
	var out []string
	for id, st := range sb.States() {
		if st == CircuitOpen {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}
