// Package outbox implements the agent's durable send-side: a PENDING ->
// INFLIGHT -> DONE state machine over the durable queue, guarded by a
// circuit breaker and exponential backoff with full jitter.
package outbox

import (
	"context"
	"sync"
	"time"

	"github.com/infraspectre/amoskys/internal/errs"
)

// State is the circuit breaker's current mode.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitConfig configures a CircuitBreaker.
type CircuitConfig struct {
	MaxFailures   int
	Timeout       time.Duration
	HalfOpenMax   int
	OnStateChange func(from, to State)
}

// DefaultCircuitConfig returns the agent's default resilience posture
// against the bus: five consecutive failures trip the breaker for 15s.
func DefaultCircuitConfig() CircuitConfig {
	return CircuitConfig{
		MaxFailures: 5,
		Timeout:     15 * time.Second,
		HalfOpenMax: 1,
	}
}

// CircuitBreaker gates outbound sends to the bus so a persistent outage
// doesn't hammer it with retries; it trips open, then probes half-open
// after Timeout elapses.
type CircuitBreaker struct {
	mu           sync.RWMutex
	cfg          CircuitConfig
	state        State
	failures     int
	successes    int
	halfOpenReqs int
	lastFailure  time.Time
}

// NewCircuitBreaker builds a CircuitBreaker from cfg, filling in defaults
// for zero-valued fields.
func NewCircuitBreaker(cfg CircuitConfig) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 1
	}
	return &CircuitBreaker{cfg: cfg, state: StateClosed}
}

// State returns the breaker's current state.
func (cb *CircuitBreaker) State() State {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}

// Execute runs fn under the breaker's protection, returning
// errs.KindTransport (ready state "unready") if the breaker is open or the
// half-open probe budget is exhausted.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	if err := cb.beforeRequest(); err != nil {
		return err
	}
	err := fn()
	cb.afterRequest(err == nil)
	return err
}

func (cb *CircuitBreaker) beforeRequest() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		if time.Since(cb.lastFailure) > cb.cfg.Timeout {
			cb.setState(StateHalfOpen)
			cb.halfOpenReqs = 1
			return nil
		}
		return errs.Transport("circuit breaker open", nil)
	case StateHalfOpen:
		if cb.halfOpenReqs >= cb.cfg.HalfOpenMax {
			return errs.Transport("circuit breaker half-open probe budget exhausted", nil)
		}
		cb.halfOpenReqs++
	}
	return nil
}

func (cb *CircuitBreaker) afterRequest(success bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if success {
		cb.onSuccess()
	} else {
		cb.onFailure()
	}
}

func (cb *CircuitBreaker) onSuccess() {
	switch cb.state {
	case StateHalfOpen:
		cb.successes++
		if cb.successes >= cb.cfg.HalfOpenMax {
			cb.setState(StateClosed)
		}
	case StateClosed:
		cb.failures = 0
	}
}

func (cb *CircuitBreaker) onFailure() {
	cb.failures++
	cb.lastFailure = time.Now()

	switch cb.state {
	case StateHalfOpen:
		cb.setState(StateOpen)
	case StateClosed:
		if cb.failures >= cb.cfg.MaxFailures {
			cb.setState(StateOpen)
		}
	}
}

func (cb *CircuitBreaker) setState(newState State) {
	if cb.state == newState {
		return
	}
	old := cb.state
	cb.state = newState
	cb.failures = 0
	cb.successes = 0
	cb.halfOpenReqs = 0

	if cb.cfg.OnStateChange != nil {
		go cb.cfg.OnStateChange(old, newState)
	}
}
