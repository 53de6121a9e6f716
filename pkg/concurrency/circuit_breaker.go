package concurrency

import (
	"sync"
	"time"
)

// CircuitBreakerState represents the state of the circuit breaker
type CircuitBreakerState int32

const (
	// StateClosed lets every request through
	StateClosed CircuitBreakerState = 0

	// StateOpen blocks requests until the reset timeout elapses
	StateOpen CircuitBreakerState = 1

	// StateHalfOpen lets requests through to probe whether the target recovered
	StateHalfOpen CircuitBreakerState = 2
)

const defaultHalfOpenSuccesses = 5

// CircuitBreaker stops hammering a failing downstream API.
// It opens after failureThreshold consecutive failures and probes again after resetTimeout.
type CircuitBreaker struct {
	mu                   sync.Mutex
	state                CircuitBreakerState
	consecutiveFailures  int64
	consecutiveSuccesses int64
	failureThreshold     int64
	successThreshold     int64
	resetTimeout         time.Duration
	lastFailure          time.Time
	now                  func() time.Time
}

// NewCircuitBreaker creates a circuit breaker with the given failure threshold and reset timeout
func NewCircuitBreaker(failureThreshold int64, resetTimeout time.Duration) *CircuitBreaker {
	if failureThreshold <= 0 {
		failureThreshold = 10
	}
	if resetTimeout <= 0 {
		resetTimeout = 30 * time.Second
	}
	return &CircuitBreaker{
		state:            StateClosed,
		failureThreshold: failureThreshold,
		successThreshold: defaultHalfOpenSuccesses,
		resetTimeout:     resetTimeout,
		now:              time.Now,
	}
}

// WithSuccessThreshold sets how many half-open successes close the circuit
func (cb *CircuitBreaker) WithSuccessThreshold(n int64) *CircuitBreaker {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if n > 0 {
		cb.successThreshold = n
	}
	return cb
}

// IsOpen reports whether requests are currently blocked.
// An open breaker whose reset timeout has elapsed moves to half-open and reports false.
func (cb *CircuitBreaker) IsOpen() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state != StateOpen {
		return false
	}
	if cb.now().Sub(cb.lastFailure) > cb.resetTimeout {
		cb.transitionLocked(StateHalfOpen)
		return false
	}
	return true
}

// RecordSuccess records a successful request
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFailures = 0
	if cb.state != StateHalfOpen {
		return
	}
	cb.consecutiveSuccesses++
	if cb.consecutiveSuccesses >= cb.successThreshold {
		cb.transitionLocked(StateClosed)
	}
}

// RecordFailure records a failed request
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveSuccesses = 0
	cb.lastFailure = cb.now()
	cb.consecutiveFailures++

	switch cb.state {
	case StateClosed:
		if cb.consecutiveFailures >= cb.failureThreshold {
			cb.transitionLocked(StateOpen)
		}
	case StateHalfOpen:
		cb.transitionLocked(StateOpen)
	}
}

// GetState returns the current state without evaluating the reset timeout
func (cb *CircuitBreaker) GetState() CircuitBreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// GetConsecutiveFailures returns the current run of failures
func (cb *CircuitBreaker) GetConsecutiveFailures() int64 {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.consecutiveFailures
}

// Reset closes the circuit and clears counters
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.transitionLocked(StateClosed)
	cb.lastFailure = time.Time{}
}

func (cb *CircuitBreaker) transitionLocked(newState CircuitBreakerState) {
	if cb.state == newState {
		return
	}
	cb.state = newState

	switch newState {
	case StateClosed:
		cb.consecutiveFailures = 0
		cb.consecutiveSuccesses = 0
	case StateHalfOpen:
		cb.consecutiveSuccesses = 0
	}
}

// String returns the string representation of the circuit breaker state
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
