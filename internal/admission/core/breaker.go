// Package core implements federation admission control.
package core

import (
	"sync/atomic"
	"time"
)

// BreakerState represents circuit breaker state.
type BreakerState int32

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

// BreakerOptions configures breaker thresholds.
type BreakerOptions struct {
	FailureThreshold int64
	OpenDuration     time.Duration
	HalfOpenMaxCalls int64
}

func (o BreakerOptions) withDefaults() BreakerOptions {
	if o.FailureThreshold <= 0 {
		o.FailureThreshold = 5
	}
	if o.OpenDuration <= 0 {
		o.OpenDuration = 30 * time.Second
	}
	if o.HalfOpenMaxCalls <= 0 {
		o.HalfOpenMaxCalls = 2
	}
	return o
}

// CircuitBreaker shields a remote destination from repeated failing calls.
type CircuitBreaker struct {
	state            atomic.Int32
	openUntil        atomic.Int64
	failures         atomic.Int64
	halfOpenInFlight atomic.Int64
	opts             BreakerOptions
}

// NewCircuitBreaker constructs a breaker with defaults applied.
func NewCircuitBreaker(opts BreakerOptions) *CircuitBreaker {
	cb := &CircuitBreaker{opts: opts.withDefaults()}
	cb.state.Store(int32(BreakerClosed))
	return cb
}

// State returns the current breaker state.
func (cb *CircuitBreaker) State() BreakerState {
	if cb == nil {
		return BreakerClosed
	}
	return BreakerState(cb.state.Load())
}

// Allow reports whether the call should proceed.
func (cb *CircuitBreaker) Allow() bool {
	if cb == nil {
		return true
	}
	switch BreakerState(cb.state.Load()) {
	case BreakerClosed:
		return true
	case BreakerOpen:
		if time.Now().UnixNano() >= cb.openUntil.Load() {
			cb.state.Store(int32(BreakerHalfOpen))
			cb.halfOpenInFlight.Store(0)
			return true
		}
		return false
	case BreakerHalfOpen:
		if cb.halfOpenInFlight.Add(1) <= cb.opts.HalfOpenMaxCalls {
			return true
		}
		cb.halfOpenInFlight.Add(-1)
		return false
	default:
		return true
	}
}

// OnSuccess records a successful call.
func (cb *CircuitBreaker) OnSuccess() {
	if cb == nil {
		return
	}
	switch BreakerState(cb.state.Load()) {
	case BreakerHalfOpen:
		cb.halfOpenInFlight.Add(-1)
		cb.failures.Store(0)
		cb.state.Store(int32(BreakerClosed))
	case BreakerClosed:
		cb.failures.Store(0)
	}
}

// OnFailure records a failure and updates state.
func (cb *CircuitBreaker) OnFailure() {
	if cb == nil {
		return
	}
	if BreakerState(cb.state.Load()) == BreakerHalfOpen {
		cb.halfOpenInFlight.Add(-1)
		cb.failures.Store(cb.opts.FailureThreshold)
		cb.trip()
		return
	}
	if cb.failures.Add(1) >= cb.opts.FailureThreshold {
		cb.trip()
	}
}

func (cb *CircuitBreaker) trip() {
	cb.openUntil.Store(time.Now().Add(cb.opts.OpenDuration).UnixNano())
	cb.state.Store(int32(BreakerOpen))
}
