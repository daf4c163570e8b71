package circuitbreaker

import (
	"errors"
	"sync"
	"time"
)

// State represents the circuit breaker state
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
	default:
		return "half_open"
	}
}

// ErrOpen is returned by Execute while the circuit rejects calls
var ErrOpen = errors.New("circuit breaker open")

// CircuitBreaker fails fast once a dependency has failed failureThreshold
// times in a row. After timeout it lets trial calls through and closes again
// after successThreshold consecutive successes.
type CircuitBreaker struct {
	failureThreshold int32
	successThreshold int32
	timeout          time.Duration

	mu            sync.Mutex
	state         State
	failures      int32
	successes     int32
	openedAt      time.Time
	isFailure     func(error) bool
	onStateChange func(from, to State)
	now           func() time.Time
}

// NewCircuitBreaker creates a closed circuit breaker
func NewCircuitBreaker(failureThreshold, successThreshold int32, timeout time.Duration) *CircuitBreaker {
	if failureThreshold <= 0 {
		failureThreshold = 1
	}
	if successThreshold <= 0 {
		successThreshold = 1
	}
	return &CircuitBreaker{
		failureThreshold: failureThreshold,
		successThreshold: successThreshold,
		timeout:          timeout,
		isFailure:        func(err error) bool { return err != nil },
		now:              time.Now,
	}
}

// SetStateChangeCallback registers a callback for state transitions. It runs
// outside the breaker's lock.
func (cb *CircuitBreaker) SetStateChangeCallback(fn func(from, to State)) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.onStateChange = fn
}

// SetFailurePredicate decides which errors count against the dependency.
// Errors it rejects are returned to the caller without affecting the circuit.
func (cb *CircuitBreaker) SetFailurePredicate(fn func(error) bool) {
	if fn == nil {
		return
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.isFailure = fn
}

// Execute runs fn if the circuit allows it and records the outcome
func (cb *CircuitBreaker) Execute(fn func() error) error {
	if !cb.allow() {
		return ErrOpen
	}
	err := fn()
	cb.record(err)
	return err
}

// GetState returns the current state
func (cb *CircuitBreaker) GetState() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

func (cb *CircuitBreaker) allow() bool {
	cb.mu.Lock()
	if cb.state != StateOpen {
		cb.mu.Unlock()
		return true
	}
	if cb.now().Sub(cb.openedAt) <= cb.timeout {
		cb.mu.Unlock()
		return false
	}
	notify := cb.transitionLocked(StateHalfOpen)
	cb.mu.Unlock()
	notify()
	return true
}

func (cb *CircuitBreaker) record(err error) {
	cb.mu.Lock()
	notify := func() {}

	if err != nil && cb.isFailure(err) {
		switch cb.state {
		case StateClosed:
			cb.failures++
			if cb.failures >= cb.failureThreshold {
				notify = cb.transitionLocked(StateOpen)
			}
		case StateHalfOpen:
			notify = cb.transitionLocked(StateOpen)
		}
	} else {
		switch cb.state {
		case StateClosed:
			cb.failures = 0
		case StateHalfOpen:
			cb.successes++
			if cb.successes >= cb.successThreshold {
				notify = cb.transitionLocked(StateClosed)
			}
		}
	}

	cb.mu.Unlock()
	notify()
}

// transitionLocked moves to next and returns the callback invocation to run
// once the lock is released.
func (cb *CircuitBreaker) transitionLocked(next State) func() {
	prev := cb.state
	if prev == next {
		return func() {}
	}
	cb.state = next
	cb.failures = 0
	cb.successes = 0
	if next == StateOpen {
		cb.openedAt = cb.now()
	}

	fn := cb.onStateChange
	if fn == nil {
		return func() {}
	}
	return func() { fn(prev, next) }
}
