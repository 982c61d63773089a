// Package retry implements the retry executor and circuit breaker that sit
// between the gallery processor and any fallible network/filesystem
// operation. Its shape is grounded in internal/core/congestion.go's
// mutex-guarded per-host outcome tracker: that file reacts to successes and
// errors by adjusting an "ideal concurrency" number under a single mutex;
// this one reacts to the same signal by adjusting a three-state circuit.
package retry

import (
	"sync"
	"time"
)

// CircuitState mirrors SPEC_FULL.md §4.3.
type CircuitState string

const (
	StateClosed   CircuitState = "closed"
	StateOpen     CircuitState = "open"
	StateHalfOpen CircuitState = "half_open"
)

// CircuitBreaker trips after failureThreshold consecutive failures and
// rejects calls until recoveryTimeout has elapsed, after which one call is
// let through (HALF_OPEN) to probe recovery.
type CircuitBreaker struct {
	mu sync.Mutex

	failureThreshold int
	recoveryTimeout  time.Duration

	state            CircuitState
	consecutiveFails int
	openUntil        time.Time

	now func() time.Time
}

// NewCircuitBreaker builds a breaker with the spec defaults (5 consecutive
// failures, 60s recovery).
func NewCircuitBreaker() *CircuitBreaker {
	return &CircuitBreaker{
		failureThreshold: 5,
		recoveryTimeout:  60 * time.Second,
		state:            StateClosed,
		now:              time.Now,
	}
}

// Allow reports whether a call may proceed right now, and transitions
// OPEN->HALF_OPEN when the recovery timer has elapsed.
func (b *CircuitBreaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		if b.now().Before(b.openUntil) {
			return false
		}
		b.state = StateHalfOpen
		return true
	default:
		return true
	}
}

// RecordSuccess resets the failure counter and closes the circuit.
func (b *CircuitBreaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecutiveFails = 0
	b.state = StateClosed
}

// RecordFailure increments the consecutive-failure counter and, once the
// threshold is reached (or a HALF_OPEN probe fails), (re)opens the circuit.
// It returns true when this call caused a (re)trip to OPEN.
func (b *CircuitBreaker) RecordFailure() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateHalfOpen {
		b.state = StateOpen
		b.openUntil = b.now().Add(b.recoveryTimeout)
		return true
	}

	b.consecutiveFails++
	if b.consecutiveFails >= b.failureThreshold {
		b.state = StateOpen
		b.openUntil = b.now().Add(b.recoveryTimeout)
		return true
	}
	return false
}

func (b *CircuitBreaker) State() CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *CircuitBreaker) OpenUntil() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.openUntil
}

// ConsecutiveFailures reports the current run of consecutive failures, for
// CircuitOpened event payloads (§3 CircuitState, S6's consecutive_failures).
func (b *CircuitBreaker) ConsecutiveFailures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.consecutiveFails
}
