package payment

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// breakerState is the circuit breaker's own state machine, grounded on
// the same closed/open/half-open pattern used elsewhere in the retrieved
// corpus to guard an external payment call.
type breakerState int

const (
	stateClosed breakerState = iota
	stateOpen
	stateHalfOpen
)

// CircuitBreaker stops calling out to a failing PaymentBackend after a
// run of consecutive transient failures, matching spec.md section 7's
// "the process degrades... but never discards in-flight state": callers
// get ErrTransient immediately instead of hanging on a dead dependency.
type CircuitBreaker struct {
	mu sync.Mutex

	threshold int
	timeout   time.Duration

	state    breakerState
	failures int
	openedAt time.Time
	nowFn    func() time.Time
}

// NewCircuitBreaker builds a breaker that opens after `threshold`
// consecutive failures and stays open for `timeout` before moving to
// half-open, where calls are let through until the next recorded outcome
// closes the breaker again or re-opens it.
func NewCircuitBreaker(threshold int, timeout time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		threshold: threshold,
		timeout:   timeout,
		nowFn:     time.Now,
	}
}

// Allow reports whether a call may proceed right now.
func (b *CircuitBreaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case stateClosed:
		return true
	case stateOpen:
		if b.nowFn().Sub(b.openedAt) >= b.timeout {
			b.state = stateHalfOpen
			return true
		}
		return false
	case stateHalfOpen:
		return true
	}
	return true
}

func (b *CircuitBreaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.state = stateClosed
}

func (b *CircuitBreaker) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == stateHalfOpen {
		b.state = stateOpen
		b.openedAt = b.nowFn()
		return
	}
	b.failures++
	if b.failures >= b.threshold {
		b.state = stateOpen
		b.openedAt = b.nowFn()
	}
}

// Call runs fn if the breaker allows it, recording the outcome. A
// permanent error (bad wallet, malformed request) reflects that call's
// own input, not the backend's health, so it does not count toward
// tripping the breaker.
func (b *CircuitBreaker) Call(ctx context.Context, fn func(context.Context) error) error {
	if !b.Allow() {
		return fmt.Errorf("%w: circuit breaker open", ErrTransient)
	}
	err := fn(ctx)
	switch {
	case err == nil:
		b.recordSuccess()
	case errors.Is(err, ErrPermanent):
	default:
		b.recordFailure()
	}
	return err
}
