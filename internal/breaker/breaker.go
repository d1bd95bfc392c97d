// Package breaker implements a small circuit breaker guarding the
// message bus's Redis transport.
package breaker

import (
	"sync"
	"time"
)

// State is one of Closed, Open, or HalfOpen.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// Breaker trips open after MaxFailures consecutive failures and stays
// open for ResetTimeout before moving to HalfOpen to probe recovery.
// A probe success closes the breaker; a probe failure reopens it and
// restarts the timeout. Allow reports false only while Open with the
// timeout still running.
type Breaker struct {
	mu           sync.Mutex
	maxFailures  int
	resetTimeout time.Duration

	state    State
	failures int
	openedAt time.Time
}

// New creates a Breaker with the given failure threshold and open-state
// duration.
func New(maxFailures int, resetTimeout time.Duration) *Breaker {
	return &Breaker{
		maxFailures:  maxFailures,
		resetTimeout: resetTimeout,
		state:        Closed,
	}
}

// Allow reports whether a call should be attempted right now: true in
// Closed and HalfOpen, false in Open. Once resetTimeout elapses while
// Open, the next Allow moves the breaker to HalfOpen (that transition
// fires once per open period) and the probe's Success or Failure
// decides what comes next.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != Open {
		return true
	}

	if time.Since(b.openedAt) < b.resetTimeout {
		return false
	}

	b.state = HalfOpen

	return true
}

// Success records a successful call, closing the breaker.
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	b.state = Closed
}

// Failure records a failed call, tripping the breaker open once
// maxFailures consecutive failures accumulate, or immediately if the
// failing call was the HalfOpen probe.
func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == HalfOpen {
		b.trip()
		return
	}

	b.failures++
	if b.failures >= b.maxFailures {
		b.trip()
	}
}

func (b *Breaker) trip() {
	b.state = Open
	b.openedAt = time.Now()
	b.failures = 0
}

// CurrentState returns the current breaker state.
func (b *Breaker) CurrentState() State {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.state
}
