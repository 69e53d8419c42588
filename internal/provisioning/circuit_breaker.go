package provisioning

import (
	"errors"
	"sync"
	"time"
)

// BreakerState represents the current state of a circuit breaker.
type BreakerState int

const (
	// BreakerClosed lets calls through and counts failures.
	BreakerClosed BreakerState = iota
	// BreakerOpen rejects calls until the cool-down elapses.
	BreakerOpen
	// BreakerHalfOpen lets probe calls through.
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrBreakerOpen is returned by Allow while the breaker rejects calls.
var ErrBreakerOpen = errors.New("circuit breaker is open")

// minErrorRateSamples is the minimum number of calls in a window before the
// error rate threshold is evaluated.
const minErrorRateSamples = 10

// BreakerSettings configures a CircuitBreaker.
type BreakerSettings struct {
	// FailureThreshold is the consecutive failures that trip Closed to Open.
	FailureThreshold int
	// SuccessThreshold is the consecutive HalfOpen successes that close it.
	SuccessThreshold int
	// Timeout is how long the breaker stays Open.
	Timeout time.Duration
	// ErrorRateThreshold (0..1) trips the breaker on failure ratio within
	// ErrorRateWindow. Zero disables rate-based tripping.
	ErrorRateThreshold float64
	ErrorRateWindow    time.Duration

	// OnStateChange is called with the lock released after every transition.
	OnStateChange func(from, to BreakerState)
	// Now overrides the clock in tests.
	Now func() time.Time
}

// CircuitBreaker guards a provisioning backend. It trips on consecutive
// failures or on error rate and is safe for concurrent use.
type CircuitBreaker struct {
	mu       sync.Mutex
	settings BreakerSettings
	state    BreakerState

	failures  int
	successes int
	openedAt  time.Time

	windowStart    time.Time
	windowTotal    int
	windowFailures int
}

// NewCircuitBreaker creates a breaker, substituting defaults for unset
// thresholds.
func NewCircuitBreaker(s BreakerSettings) *CircuitBreaker {
	if s.FailureThreshold < 1 {
		s.FailureThreshold = 5
	}
	if s.SuccessThreshold < 1 {
		s.SuccessThreshold = 2
	}
	if s.Timeout <= 0 {
		s.Timeout = 30 * time.Second
	}
	if s.Now == nil {
		s.Now = time.Now
	}
	return &CircuitBreaker{
		settings:    s,
		state:       BreakerClosed,
		windowStart: s.Now(),
	}
}

// Allow returns nil when a call may proceed, or ErrBreakerOpen.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	from := cb.state
	to := cb.advanceLocked()
	cb.mu.Unlock()
	cb.notify(from, to)

	if to == BreakerOpen {
		return ErrBreakerOpen
	}
	return nil
}

// RecordSuccess records a successful call.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	from := cb.state
	switch cb.state {
	case BreakerClosed:
		cb.failures = 0
		cb.recordWindowCall(false)
	case BreakerHalfOpen:
		cb.successes++
		if cb.successes >= cb.settings.SuccessThreshold {
			cb.state = BreakerClosed
			cb.failures = 0
			cb.successes = 0
			cb.resetWindow()
		}
	}
	to := cb.state
	cb.mu.Unlock()
	cb.notify(from, to)
}

// RecordFailure records a failed call.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	from := cb.state
	switch cb.state {
	case BreakerClosed:
		cb.failures++
		cb.recordWindowCall(true)
		if cb.failures >= cb.settings.FailureThreshold || cb.errorRateExceeded() {
			cb.trip()
		}
	case BreakerHalfOpen:
		cb.trip()
	}
	to := cb.state
	cb.mu.Unlock()
	cb.notify(from, to)
}

// State returns the current breaker state, moving Open to HalfOpen once the
// cool-down has elapsed.
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	from := cb.state
	to := cb.advanceLocked()
	cb.mu.Unlock()
	cb.notify(from, to)
	return to
}

// Counts returns the current failure and success counts.
func (cb *CircuitBreaker) Counts() (failures, successes int) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failures, cb.successes
}

// ErrorRate returns the error rate and total calls in the current window.
func (cb *CircuitBreaker) ErrorRate() (rate float64, total int) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.maybeResetWindow()
	if cb.windowTotal == 0 {
		return 0, 0
	}
	return float64(cb.windowFailures) / float64(cb.windowTotal), cb.windowTotal
}

func (cb *CircuitBreaker) advanceLocked() BreakerState {
	if cb.state == BreakerOpen && cb.settings.Now().Sub(cb.openedAt) > cb.settings.Timeout {
		cb.state = BreakerHalfOpen
		cb.successes = 0
	}
	return cb.state
}

func (cb *CircuitBreaker) trip() {
	cb.state = BreakerOpen
	cb.openedAt = cb.settings.Now()
	cb.successes = 0
	cb.resetWindow()
}

func (cb *CircuitBreaker) notify(from, to BreakerState) {
	if from != to && cb.settings.OnStateChange != nil {
		cb.settings.OnStateChange(from, to)
	}
}

// Must be called with lock held.
func (cb *CircuitBreaker) recordWindowCall(isFailure bool) {
	if cb.settings.ErrorRateWindow <= 0 {
		return
	}
	cb.maybeResetWindow()
	cb.windowTotal++
	if isFailure {
		cb.windowFailures++
	}
}

// Must be called with lock held.
func (cb *CircuitBreaker) maybeResetWindow() {
	if cb.settings.ErrorRateWindow <= 0 {
		return
	}
	if cb.settings.Now().Sub(cb.windowStart) > cb.settings.ErrorRateWindow {
		cb.resetWindow()
	}
}

func (cb *CircuitBreaker) resetWindow() {
	cb.windowStart = cb.settings.Now()
	cb.windowTotal = 0
	cb.windowFailures = 0
}

func (cb *CircuitBreaker) errorRateExceeded() bool {
	if cb.settings.ErrorRateThreshold <= 0 || cb.settings.ErrorRateWindow <= 0 {
		return false
	}
	if cb.windowTotal < minErrorRateSamples {
		return false
	}
	rate := float64(cb.windowFailures) / float64(cb.windowTotal)
	return rate >= cb.settings.ErrorRateThreshold
}
