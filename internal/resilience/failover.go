package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/MrWong99/personaflow/pkg/provider/s2s"
)

// ErrAllFailed is returned by [Failover.Connect] when every endpoint failed
// or was skipped by its breaker.
var ErrAllFailed = errors.New("resilience: all endpoints failed")

// Endpoint is one named provider in a [Failover].
type Endpoint struct {
	Name     string
	Provider s2s.Provider
}

// FailoverConfig tunes the breaker created for every endpoint.
type FailoverConfig struct {
	MaxFailures  int
	ResetTimeout time.Duration

	// Now replaces the breaker clock in tests.
	Now func() time.Time
}

type guarded struct {
	Endpoint
	breaker *Breaker
}

// Failover implements [s2s.Provider] by dialling the first healthy endpoint in
// registration order. Only connection setup fails over; once a session is
// established its failures belong to the caller.
type Failover struct {
	endpoints []guarded
	caps      s2s.Capabilities
}

var _ s2s.Provider = (*Failover)(nil)

// NewFailover creates a [Failover] that prefers primary. Every fallback must
// report the same input and output sample rates as the primary, since the
// audio graph is sized once per interview.
func NewFailover(cfg FailoverConfig, primary Endpoint, fallbacks ...Endpoint) (*Failover, error) {
	if primary.Provider == nil {
		return nil, errors.New("resilience: primary provider is required")
	}
	f := &Failover{caps: primary.Provider.Capabilities()}
	for i, ep := range append([]Endpoint{primary}, fallbacks...) {
		if ep.Provider == nil {
			return nil, fmt.Errorf("resilience: endpoint %d (%s): provider is required", i, ep.Name)
		}
		if caps := ep.Provider.Capabilities(); caps.InputSampleRate != f.caps.InputSampleRate || caps.OutputSampleRate != f.caps.OutputSampleRate {
			return nil, fmt.Errorf("resilience: endpoint %s streams %d/%d Hz, primary streams %d/%d Hz",
				ep.Name, caps.InputSampleRate, caps.OutputSampleRate, f.caps.InputSampleRate, f.caps.OutputSampleRate)
		}
		f.endpoints = append(f.endpoints, guarded{
			Endpoint: ep,
			breaker: NewBreaker(BreakerConfig{
				Name:         ep.Name,
				MaxFailures:  cfg.MaxFailures,
				ResetTimeout: cfg.ResetTimeout,
				Now:          cfg.Now,
			}),
		})
	}
	return f, nil
}

// Capabilities reports the primary endpoint's capabilities.
func (f *Failover) Capabilities() s2s.Capabilities { return f.caps }

// Connect dials endpoints in order until one accepts the connection. A
// cancelled context stops the walk immediately.
func (f *Failover) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.SessionHandle, error) {
	var lastErr error
	for i := range f.endpoints {
		ep := &f.endpoints[i]
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var h s2s.SessionHandle
		err := ep.breaker.Do(func() error {
			var err error
			h, err = ep.Provider.Connect(ctx, cfg)
			return err
		})
		if err == nil {
			if i > 0 {
				slog.Info("connected via fallback endpoint", "endpoint", ep.Name)
			}
			return h, nil
		}
		if ctx.Err() != nil {
			return nil, err
		}
		lastErr = err
		if errors.Is(err, ErrCircuitOpen) {
			slog.Debug("skipping endpoint, circuit open", "endpoint", ep.Name)
		} else {
			slog.Warn("endpoint failed, trying next", "endpoint", ep.Name, "err", err)
		}
	}
	return nil, fmt.Errorf("%w: %w", ErrAllFailed, lastErr)
}

// States returns each endpoint's breaker state keyed by name.
func (f *Failover) States() map[string]BreakerState {
	out := make(map[string]BreakerState, len(f.endpoints))
	for _, ep := range f.endpoints {
		out[ep.Name] = ep.breaker.State()
	}
	return out
}
