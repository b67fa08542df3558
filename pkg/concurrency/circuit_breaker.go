package concurrency

import (
	"sync"
	"time"
)

// CircuitBreakerState represents the state of the circuit breaker
type CircuitBreakerState int

const (
	// StateClosed lets work through
	StateClosed CircuitBreakerState = iota
	// StateOpen rejects work until the reset timeout passes
	StateOpen
	// StateHalfOpen lets work through on probation
	StateHalfOpen
)

func (s CircuitBreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	}
	return "unknown"
}

// CircuitBreaker stops dispatch while downstream dependencies keep failing.
// It opens after failureThreshold consecutive failures, half-opens once
// resetTimeout has passed since the last failure, and closes again after
// successThreshold consecutive successes while half-open.
type CircuitBreaker struct {
	mu                   sync.Mutex
	state                CircuitBreakerState
	consecutiveFailures  int
	consecutiveSuccesses int
	lastFailure          time.Time

	failureThreshold int
	successThreshold int
	resetTimeout     time.Duration
	now              func() time.Time
}

// NewCircuitBreaker creates a closed circuit breaker
func NewCircuitBreaker(failureThreshold int, resetTimeout time.Duration) *CircuitBreaker {
	if failureThreshold <= 0 {
		failureThreshold = 10
	}
	if resetTimeout <= 0 {
		resetTimeout = 30 * time.Second
	}
	return &CircuitBreaker{
		failureThreshold: failureThreshold,
		successThreshold: 5,
		resetTimeout:     resetTimeout,
		now:              time.Now,
	}
}

// IsOpen reports whether work should be rejected right now
func (cb *CircuitBreaker) IsOpen() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen && cb.now().Sub(cb.lastFailure) > cb.resetTimeout {
		cb.state = StateHalfOpen
		cb.consecutiveSuccesses = 0
	}
	return cb.state == StateOpen
}

// RecordSuccess records a successful operation
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFailures = 0
	if cb.state != StateHalfOpen {
		return
	}
	cb.consecutiveSuccesses++
	if cb.consecutiveSuccesses >= cb.successThreshold {
		cb.state = StateClosed
		cb.consecutiveSuccesses = 0
	}
}

// RecordFailure records a failed operation
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveSuccesses = 0
	cb.lastFailure = cb.now()
	cb.consecutiveFailures++

	switch cb.state {
	case StateClosed:
		if cb.consecutiveFailures >= cb.failureThreshold {
			cb.state = StateOpen
		}
	case StateHalfOpen:
		cb.state = StateOpen
	}
}

// State returns the current state
func (cb *CircuitBreaker) State() CircuitBreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Reset closes the circuit and clears all counters
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = StateClosed
	cb.consecutiveFailures = 0
	cb.consecutiveSuccesses = 0
	cb.lastFailure = time.Time{}
}
