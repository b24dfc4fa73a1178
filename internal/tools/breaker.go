// Package tools provides the circuit-breaker-guarded client for the catalog
// and order service, plus the tool schema the agent calls against.
package tools

import (
	"fmt"
	"sync/atomic"
	"time"
)

// Circuit states.
const (
	stateClosed int32 = iota
	stateOpen
	stateHalfOpen
)

// Breaker defaults.
const (
	DefaultFailureThreshold = 5
	DefaultCoolDown         = 30 * time.Second
)

// CircuitOpenError is returned synchronously, with no network attempt, while
// the circuit is open. The pipeline substitutes a fallback utterance instead
// of stalling the call.
type CircuitOpenError struct {
	Dependency string
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("tools: circuit open for %s", e.Dependency)
}

// Breaker is one circuit per downstream dependency, shared across all calls
// so that one call's failures protect the rest. All transitions are lock-free
// compare-and-swap updates; concurrent callers may race on them safely.
type Breaker struct {
	dependency string
	threshold  int32
	coolDown   time.Duration

	state    atomic.Int32
	failures atomic.Int32
	openedAt atomic.Int64 // unix nanos of the last open transition

	// now is swappable for tests.
	now func() time.Time
}

// NewBreaker creates a closed breaker. Zero threshold or cool-down take the
// defaults (5 consecutive failures, 30s).
func NewBreaker(dependency string, threshold int, coolDown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = DefaultFailureThreshold
	}
	if coolDown <= 0 {
		coolDown = DefaultCoolDown
	}
	return &Breaker{
		dependency: dependency,
		threshold:  int32(threshold),
		coolDown:   coolDown,
		now:        time.Now,
	}
}

// Allow decides whether a request may proceed. While open it fails
// immediately with *CircuitOpenError; once the cool-down elapses exactly one
// caller wins the half-open trial and everyone else keeps failing fast until
// the trial resolves.
func (b *Breaker) Allow() error {
	switch b.state.Load() {
	case stateClosed:
		return nil
	case stateOpen:
		opened := time.Unix(0, b.openedAt.Load())
		if b.now().Sub(opened) < b.coolDown {
			return &CircuitOpenError{Dependency: b.dependency}
		}
		// Cool-down elapsed: the CAS winner takes the single trial slot.
		if b.state.CompareAndSwap(stateOpen, stateHalfOpen) {
			return nil
		}
		return &CircuitOpenError{Dependency: b.dependency}
	default: // half-open, trial in flight
		return &CircuitOpenError{Dependency: b.dependency}
	}
}

// Success records a successful request. A half-open trial success closes the
// circuit; in the closed state it resets the consecutive-failure count.
func (b *Breaker) Success() {
	if b.state.CompareAndSwap(stateHalfOpen, stateClosed) {
		b.failures.Store(0)
		return
	}
	b.failures.Store(0)
}

// Failure records a failed request. The Nth consecutive failure opens the
// circuit; a failed half-open trial re-opens it and restarts the cool-down.
func (b *Breaker) Failure() {
	if b.state.CompareAndSwap(stateHalfOpen, stateOpen) {
		b.openedAt.Store(b.now().UnixNano())
		return
	}
	if b.state.Load() != stateClosed {
		return
	}
	if b.failures.Add(1) >= b.threshold {
		if b.state.CompareAndSwap(stateClosed, stateOpen) {
			b.openedAt.Store(b.now().UnixNano())
			b.failures.Store(0)
		}
	}
}

// State reports the current circuit state for metrics and logs.
func (b *Breaker) State() string {
	switch b.state.Load() {
	case stateOpen:
		return "open"
	case stateHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}
