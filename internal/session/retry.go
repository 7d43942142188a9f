package session

import "time"

// Default retry parameters.
const (
	defaultMaxRetries = 1
	defaultDelay      = 1 * time.Second
	defaultMaxDelay   = 30 * time.Second
)

// RetryPolicy bounds automatic reconnection.
type RetryPolicy struct {
	// MaxRetries is the number of automatic reconnects allowed between two
	// successful opens. Defaults to 1 if zero; a negative value disables
	// automatic reconnection.
	MaxRetries int

	// Delay is the wait before the first reconnect. Doubles each attempt up
	// to MaxDelay. Defaults to 1s if zero.
	Delay time.Duration

	// MaxDelay is the upper limit on the delay. Defaults to 30s if zero.
	MaxDelay time.Duration
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxRetries == 0 {
		p.MaxRetries = defaultMaxRetries
	}
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}
	if p.Delay <= 0 {
		p.Delay = defaultDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = defaultMaxDelay
	}
	if p.MaxDelay < p.Delay {
		p.MaxDelay = p.Delay
	}
	return p
}

// RetryState is the bounded reconnect counter consulted by the controller.
// It is not safe for concurrent use; the controller guards it with its mutex.
type RetryState struct {
	policy   RetryPolicy
	attempts int
	next     time.Duration
}

// NewRetryState returns a fresh counter for policy (defaults applied).
func NewRetryState(policy RetryPolicy) *RetryState {
	p := policy.withDefaults()
	return &RetryState{policy: p, next: p.Delay}
}

// Allow reports whether another reconnect may be attempted.
func (r *RetryState) Allow() bool {
	return r.attempts < r.policy.MaxRetries
}

// Next consumes one attempt and returns the delay to wait before it.
func (r *RetryState) Next() time.Duration {
	r.attempts++
	d := r.next
	r.next *= 2
	if r.next > r.policy.MaxDelay {
		r.next = r.policy.MaxDelay
	}
	return d
}

// Reset restores the full retry allowance.
func (r *RetryState) Reset() {
	r.attempts = 0
	r.next = r.policy.Delay
}

// Attempts returns the number of reconnects consumed since the last Reset.
func (r *RetryState) Attempts() int { return r.attempts }

// Policy returns the effective policy with defaults applied.
func (r *RetryState) Policy() RetryPolicy { return r.policy }
