// Package resilience keeps interviews connectable when a provider endpoint
// misbehaves.
//
// [Breaker] is a three-state circuit breaker (closed → open → half-open) that
// stops dialling an endpoint after repeated connect failures. [Failover]
// composes several endpoints of one backend behind the [s2s.Provider]
// interface, each guarded by its own breaker, and dials the first healthy one.
//
// All types are safe for concurrent use.
package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [Breaker.Do] while the breaker rejects calls.
var ErrCircuitOpen = errors.New("resilience: circuit open")

// BreakerState is the operating mode of a [Breaker].
type BreakerState int

const (
	// Closed forwards every call.
	Closed BreakerState = iota

	// Open rejects calls until the reset timeout has elapsed.
	Open

	// HalfOpen lets a single probe call through. Its outcome decides between
	// Closed and Open.
	HalfOpen
)

// String returns the lower-case name of the state.
func (s BreakerState) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig tunes a [Breaker].
type BreakerConfig struct {
	// Name labels log lines.
	Name string

	// MaxFailures is the number of consecutive failures that open the
	// breaker. Default: 3.
	MaxFailures int

	// ResetTimeout is how long the breaker stays open before it admits a
	// probe. Default: 30s.
	ResetTimeout time.Duration

	// Now replaces the clock. Nil uses [time.Now].
	Now func() time.Time
}

// Breaker implements the circuit breaker pattern for connect attempts.
// Cancellation of the caller's context is not counted as a failure.
type Breaker struct {
	name         string
	maxFailures  int
	resetTimeout time.Duration
	now          func() time.Time

	mu       sync.Mutex
	state    BreakerState
	failures int
	openedAt time.Time
	probing  bool
}

// NewBreaker creates a closed [Breaker]. Zero config fields take their
// defaults.
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 3
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Breaker{
		name:         cfg.Name,
		maxFailures:  cfg.MaxFailures,
		resetTimeout: cfg.ResetTimeout,
		now:          cfg.Now,
	}
}

// Do runs fn if the breaker admits it and records the outcome. It returns
// [ErrCircuitOpen] without calling fn while the breaker is open or another
// probe is in flight.
func (b *Breaker) Do(fn func() error) error {
	probe, err := b.admit()
	if err != nil {
		return err
	}

	err = fn()

	b.mu.Lock()
	defer b.mu.Unlock()
	if probe {
		b.probing = false
	}
	switch {
	case err == nil:
		b.succeeded()
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		// The caller gave up; the endpoint was not at fault.
	default:
		b.failed(probe)
	}
	return err
}

// admit decides whether a call may proceed and whether it is the half-open
// probe.
func (b *Breaker) admit() (probe bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Open:
		if b.now().Sub(b.openedAt) < b.resetTimeout {
			return false, ErrCircuitOpen
		}
		b.state = HalfOpen
		slog.Info("circuit half-open", "name", b.name)
		fallthrough
	case HalfOpen:
		if b.probing {
			return false, ErrCircuitOpen
		}
		b.probing = true
		return true, nil
	}
	return false, nil
}

// succeeded must be called with b.mu held.
func (b *Breaker) succeeded() {
	if b.state != Closed {
		slog.Info("circuit closed", "name", b.name)
	}
	b.state = Closed
	b.failures = 0
}

// failed must be called with b.mu held.
func (b *Breaker) failed(probe bool) {
	b.failures++
	if probe || b.failures >= b.maxFailures {
		if b.state != Open {
			slog.Warn("circuit opened", "name", b.name, "consecutive_failures", b.failures)
		}
		b.state = Open
		b.openedAt = b.now()
	}
}

// State returns the current state. An open breaker whose reset timeout has
// elapsed reports [HalfOpen]; the transition itself happens on the next call.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == Open && b.now().Sub(b.openedAt) >= b.resetTimeout {
		return HalfOpen
	}
	return b.state
}

// Reset forces the breaker closed and clears the failure count.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = Closed
	b.failures = 0
	b.probing = false
}
