package tool

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// CircuitState is the state of one circuit breaker.
type CircuitState string

// Circuit states.
const (
	CircuitClosed   CircuitState = "CLOSED"
	CircuitOpen     CircuitState = "OPEN"
	CircuitHalfOpen CircuitState = "HALF_OPEN"
)

// BreakerConfig parameterizes a circuit breaker.
type BreakerConfig struct {
	FailureThreshold int           // failures before opening
	RecoveryTimeout  time.Duration // time in open state before a probe
	SuccessThreshold int           // successes in half-open to close
}

// DefaultBreakerConfig returns the platform defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		RecoveryTimeout:  60 * time.Second,
		SuccessThreshold: 2,
	}
}

// CircuitBreaker stops dispatching to a failing tool. All transitions
// happen under the mutex; CanExecute may itself transition OPEN to
// HALF_OPEN once the recovery timeout has elapsed.
type CircuitBreaker struct {
	cfg BreakerConfig

	mu          sync.Mutex
	state       CircuitState
	failures    int
	successes   int
	lastFailure time.Time

	now func() time.Time // injectable clock for tests
}

// NewCircuitBreaker creates a closed breaker.
func NewCircuitBreaker(cfg BreakerConfig) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = 60 * time.Second
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 2
	}
	return &CircuitBreaker{cfg: cfg, state: CircuitClosed, now: time.Now}
}

// CanExecute reports whether a call may be dispatched. In OPEN state it
// transitions to HALF_OPEN once the recovery timeout has passed and
// allows the probe through.
func (cb *CircuitBreaker) CanExecute() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		return true
	case CircuitOpen:
		if !cb.lastFailure.IsZero() && cb.now().Sub(cb.lastFailure) >= cb.cfg.RecoveryTimeout {
			cb.state = CircuitHalfOpen
			cb.successes = 0
			slog.Info("Circuit breaker entering half-open state for recovery probe")
			return true
		}
		return false
	default: // HALF_OPEN: allow probes
		return true
	}
}

// RecordSuccess notes a successful dispatch. In half-open state, enough
// consecutive successes close the circuit; in closed state the failure
// counter resets.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitHalfOpen:
		cb.successes++
		if cb.successes >= cb.cfg.SuccessThreshold {
			cb.state = CircuitClosed
			cb.failures = 0
			cb.successes = 0
			slog.Info("Circuit breaker closed after successful recovery")
		}
	case CircuitClosed:
		cb.failures = 0
	}
}

// RecordFailure notes a failed dispatch. Any failure in half-open state
// reopens the circuit immediately.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures++
	cb.lastFailure = cb.now()

	switch cb.state {
	case CircuitHalfOpen:
		cb.state = CircuitOpen
		cb.successes = 0
		slog.Warn("Circuit breaker reopened after failure in half-open state")
	case CircuitClosed:
		if cb.failures >= cb.cfg.FailureThreshold {
			cb.state = CircuitOpen
			slog.Warn("Circuit breaker opened", "failures", cb.failures)
		}
	}
}

// State returns the current state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// breakerRegistry holds one breaker per (tenant, tool). Instance-scoped:
// the registry lives inside the engine, never in a package global, and
// does not survive restarts.
type breakerRegistry struct {
	cfg BreakerConfig

	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
}

func newBreakerRegistry(cfg BreakerConfig) *breakerRegistry {
	return &breakerRegistry{cfg: cfg, breakers: make(map[string]*CircuitBreaker)}
}

func (r *breakerRegistry) get(tenantID string, toolID int64) *CircuitBreaker {
	key := fmt.Sprintf("%s/%d", tenantID, toolID)
	r.mu.Lock()
	defer r.mu.Unlock()
	cb, ok := r.breakers[key]
	if !ok {
		cb = NewCircuitBreaker(r.cfg)
		r.breakers[key] = cb
	}
	return cb
}

// snapshot returns the state of every known breaker keyed
// "tenant_id/tool_id". Used by the alert evaluator.
func (r *breakerRegistry) snapshot() map[string]CircuitState {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]CircuitState, len(r.breakers))
	for key, cb := range r.breakers {
		out[key] = cb.State()
	}
	return out
}
