// Package connectivity guards calls to remote services: a circuit breaker
// that fails fast while a dependency is known to be down, and panic recovery
// for work running on behalf of a request.
package connectivity

import (
	"sync"
	"time"
)

// BreakerState represents the circuit breaker state.
type BreakerState int

const (
	BreakerClosed   BreakerState = iota // calls pass through
	BreakerOpen                         // calls rejected
	BreakerHalfOpen                     // one probe at a time
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	}
	return "unknown"
}

// CircuitBreaker trips open after consecutive failures and, once the reset
// timeout has passed, lets a single probe call through at a time until
// enough probes succeed. Safe for concurrent use.
type CircuitBreaker struct {
	mu           sync.Mutex
	state        BreakerState
	failures     int
	successes    int
	probing      bool
	openedAt     time.Time
	threshold    int
	resetTimeout time.Duration
	halfOpenMax  int
	now          func() time.Time
	onChange     func(from, to BreakerState)
}

// BreakerOption configures a CircuitBreaker.
type BreakerOption func(*CircuitBreaker)

// WithBreakerThreshold sets the consecutive failure count that opens the
// breaker.
func WithBreakerThreshold(n int) BreakerOption {
	return func(cb *CircuitBreaker) { cb.threshold = n }
}

// WithBreakerResetTimeout sets how long the breaker stays open before a
// probe is allowed.
func WithBreakerResetTimeout(d time.Duration) BreakerOption {
	return func(cb *CircuitBreaker) { cb.resetTimeout = d }
}

// WithBreakerHalfOpenMax sets how many successful probes close the breaker.
func WithBreakerHalfOpenMax(n int) BreakerOption {
	return func(cb *CircuitBreaker) { cb.halfOpenMax = n }
}

// WithBreakerClock replaces time.Now.
func WithBreakerClock(fn func() time.Time) BreakerOption {
	return func(cb *CircuitBreaker) { cb.now = fn }
}

// WithBreakerStateHook is called after every state change, outside the
// breaker's lock.
func WithBreakerStateHook(fn func(from, to BreakerState)) BreakerOption {
	return func(cb *CircuitBreaker) { cb.onChange = fn }
}

// NewCircuitBreaker defaults to 5 failures, a 30s reset timeout and 2
// successful probes.
func NewCircuitBreaker(opts ...BreakerOption) *CircuitBreaker {
	cb := &CircuitBreaker{
		threshold:    5,
		resetTimeout: 30 * time.Second,
		halfOpenMax:  2,
		now:          time.Now,
	}
	for _, o := range opts {
		o(cb)
	}
	return cb
}

// update runs fn under the lock and reports the state change, if any.
func (cb *CircuitBreaker) update(fn func()) {
	cb.mu.Lock()
	from := cb.state
	fn()
	to := cb.state
	cb.mu.Unlock()
	if from != to && cb.onChange != nil {
		cb.onChange(from, to)
	}
}

// expire moves an open breaker to half-open once the reset timeout passed.
func (cb *CircuitBreaker) expire() {
	if cb.state == BreakerOpen && cb.now().Sub(cb.openedAt) >= cb.resetTimeout {
		cb.state = BreakerHalfOpen
		cb.successes = 0
		cb.probing = false
	}
}

func (cb *CircuitBreaker) trip() {
	cb.state = BreakerOpen
	cb.openedAt = cb.now()
	cb.successes = 0
	cb.probing = false
}

// State returns the current state.
func (cb *CircuitBreaker) State() BreakerState {
	var s BreakerState
	cb.update(func() { cb.expire(); s = cb.state })
	return s
}

// Allow reports whether calls may be attempted, without reserving the
// half-open probe. Use it for health reporting; use Guard before a call.
func (cb *CircuitBreaker) Allow() bool {
	return cb.State() != BreakerOpen
}

// Guard admits a call to service or returns *ErrCircuitOpen. In half-open
// only one call is admitted until it reports back through RecordSuccess,
// RecordFailure or Abandon.
func (cb *CircuitBreaker) Guard(service string) error {
	ok := true
	cb.update(func() {
		cb.expire()
		switch cb.state {
		case BreakerOpen:
			ok = false
		case BreakerHalfOpen:
			if cb.probing {
				ok = false
				return
			}
			cb.probing = true
		}
	})
	if !ok {
		return &ErrCircuitOpen{Service: service}
	}
	return nil
}

// RecordSuccess reports a call that reached a healthy service.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.update(func() {
		switch cb.state {
		case BreakerHalfOpen:
			cb.probing = false
			cb.successes++
			if cb.successes >= cb.halfOpenMax {
				cb.state = BreakerClosed
				cb.failures = 0
				cb.successes = 0
			}
		case BreakerClosed:
			cb.failures = 0
		}
	})
}

// RecordFailure reports a call that failed on the service side.
func (cb *CircuitBreaker) RecordFailure() {
	cb.update(func() {
		switch cb.state {
		case BreakerClosed:
			cb.failures++
			if cb.failures >= cb.threshold {
				cb.trip()
			}
		case BreakerHalfOpen:
			cb.trip()
		}
	})
}

// Abandon releases an admitted call that ended without a verdict, such as
// one cancelled by its caller.
func (cb *CircuitBreaker) Abandon() {
	cb.update(func() { cb.probing = false })
}

// Reset forces the breaker closed.
func (cb *CircuitBreaker) Reset() {
	cb.update(func() {
		cb.state = BreakerClosed
		cb.failures = 0
		cb.successes = 0
		cb.probing = false
	})
}
