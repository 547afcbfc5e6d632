package transfer

import (
	"context"
	"sync"
	"time"
)

// BreakerState is the circuit breaker state machine position.
type BreakerState string

const (
	BreakerClosed   BreakerState = "CLOSED"
	BreakerOpen     BreakerState = "OPEN"
	BreakerHalfOpen BreakerState = "HALF_OPEN"
)

// CircuitBreaker guards calls to one downstream dependency (the object
// store). After FailureThreshold consecutive failures it opens and fails
// fast; after RecoveryTimeout a single trial call is let through.
//
// Only the goroutine that performs the OPEN to HALF_OPEN transition runs
// the trial. Any other caller arriving while the trial is in flight fails
// fast with ErrCircuitOpen.
type CircuitBreaker struct {
	mu               sync.Mutex
	failureThreshold int
	recoveryTimeout  time.Duration
	failures         int
	lastFailure      time.Time
	state            BreakerState

	// onStateChange is invoked on a fresh goroutine so it can never block
	// the critical section.
	onStateChange func(from, to BreakerState)

	// isFailure decides which errors count against the threshold. A
	// missing object is a normal outcome, not a downstream fault.
	isFailure func(error) bool

	now func() time.Time
}

// NewCircuitBreaker builds a closed breaker. Zero or negative parameters
// fall back to the defaults (5 failures, 60s recovery).
func NewCircuitBreaker(failureThreshold int, recoveryTimeout time.Duration) *CircuitBreaker {
	if failureThreshold <= 0 {
		failureThreshold = 5
	}
	if recoveryTimeout <= 0 {
		recoveryTimeout = 60 * time.Second
	}
	return &CircuitBreaker{
		failureThreshold: failureThreshold,
		recoveryTimeout:  recoveryTimeout,
		state:            BreakerClosed,
		isFailure:        func(err error) bool { return err != nil },
		now:              time.Now,
	}
}

// ClassifyFailures narrows which errors count against the threshold. Must
// be called before the breaker is shared between goroutines.
func (cb *CircuitBreaker) ClassifyFailures(fn func(error) bool) {
	cb.isFailure = fn
}

// OnStateChange registers a transition observer. Must be called before the
// breaker is shared between goroutines.
func (cb *CircuitBreaker) OnStateChange(fn func(from, to BreakerState)) {
	cb.onStateChange = fn
}

// State returns the current state.
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Execute runs op under the breaker policy. While open it returns
// ErrCircuitOpen without invoking op.
func (cb *CircuitBreaker) Execute(ctx context.Context, op func(context.Context) error) error {
	cb.mu.Lock()
	switch cb.state {
	case BreakerOpen:
		if cb.now().Sub(cb.lastFailure) > cb.recoveryTimeout {
			cb.transition(BreakerHalfOpen)
		} else {
			cb.mu.Unlock()
			return ErrCircuitOpen
		}
	case BreakerHalfOpen:
		// A trial is already in flight.
		cb.mu.Unlock()
		return ErrCircuitOpen
	}
	cb.mu.Unlock()

	err := op(ctx)

	cb.mu.Lock()
	if cb.isFailure(err) {
		cb.failures++
		cb.lastFailure = cb.now()
		if cb.state == BreakerHalfOpen || cb.failures >= cb.failureThreshold {
			cb.transition(BreakerOpen)
		}
	} else {
		cb.failures = 0
		if cb.state == BreakerHalfOpen {
			cb.transition(BreakerClosed)
		}
	}
	cb.mu.Unlock()
	return err
}

// transition must be called with the mutex held.
func (cb *CircuitBreaker) transition(to BreakerState) {
	from := cb.state
	if from == to {
		return
	}
	cb.state = to
	if cb.onStateChange != nil {
		go cb.onStateChange(from, to)
	}
}
