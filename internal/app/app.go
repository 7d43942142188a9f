// Package app wires the PersonaFlow subsystems into a running interview
// service.
//
// The App struct owns the full lifecycle: New resolves the persona store and
// builds the [Interview] manager from the config, Start begins an interview
// with a stored persona, and Shutdown tears everything down in order.
//
// For testing, inject mock implementations via functional options
// (WithPersonaStore, WithAudio, etc.). When an option is not provided, New
// creates real implementations from the config where it can.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/personaflow/internal/config"
	"github.com/MrWong99/personaflow/internal/observe"
	"github.com/MrWong99/personaflow/internal/persona"
	"github.com/MrWong99/personaflow/internal/session"
	"github.com/MrWong99/personaflow/pkg/provider/s2s"
)

// ErrNoPersona is returned by [App.Persona] when neither the caller nor the
// config selects a persona.
var ErrNoPersona = errors.New("app: no persona selected")

// App owns all subsystem lifetimes for one PersonaFlow process.
type App struct {
	cfg      *config.Config
	provider s2s.Provider

	// Subsystems, initialised in New and torn down in Shutdown.
	personas  persona.Store
	audio     session.AudioFactory
	metrics   *observe.Metrics
	listener  Listener
	confirm   func() bool
	tick      func() (<-chan time.Time, func())
	interview *Interview

	// imported is the ID of the persona loaded from cfg.Persona.File.
	imported string

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithPersonaStore injects a persona store instead of creating one from config.
func WithPersonaStore(s persona.Store) Option {
	return func(a *App) { a.personas = s }
}

// WithAudio sets the audio factory used for every interview connection.
func WithAudio(f session.AudioFactory) Option {
	return func(a *App) { a.audio = f }
}

// WithMetrics injects the metrics instruments instead of the process-wide
// defaults.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithListener sets the interview notification callbacks.
func WithListener(l Listener) Option {
	return func(a *App) { a.listener = l }
}

// WithConfirm sets the function consulted before ending a connected
// interview.
func WithConfirm(fn func() bool) Option {
	return func(a *App) { a.confirm = fn }
}

// WithTicker replaces the 1 Hz budget countdown source.
func WithTicker(tick func() (<-chan time.Time, func())) Option {
	return func(a *App) { a.tick = tick }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The provider comes
// from main.go (created via the config registry). Use Option functions to
// inject test doubles for any subsystem.
//
// New performs all initialisation synchronously: persona store connection
// and migration, persona file import, and interview manager construction.
func New(ctx context.Context, cfg *config.Config, provider s2s.Provider, opts ...Option) (*App, error) {
	if provider == nil {
		return nil, errors.New("app: provider is required")
	}
	a := &App{
		cfg:      cfg,
		provider: provider,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.audio == nil {
		return nil, errors.New("app: audio devices are required")
	}

	// ── 1. Persona store ─────────────────────────────────────────────────
	if err := a.initPersonas(ctx); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init personas: %w", err)
	}

	// ── 2. Interview manager ─────────────────────────────────────────────
	a.initInterview()

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initPersonas sets up the persona store and imports the configured file.
func (a *App) initPersonas(ctx context.Context) error {
	if a.personas == nil {
		if dsn := a.cfg.Persona.PostgresDSN; dsn != "" {
			pool, err := pgxpool.New(ctx, dsn)
			if err != nil {
				return fmt.Errorf("connect postgres: %w", err)
			}
			a.closers = append(a.closers, func() error {
				pool.Close()
				return nil
			})
			store := persona.NewPostgresStore(pool)
			if err := store.Migrate(ctx); err != nil {
				return err
			}
			a.personas = store
			slog.Info("persona store connected", "backend", "postgres")
		} else {
			a.personas = persona.NewMemStore()
		}
	}

	if path := a.cfg.Persona.File; path != "" {
		d, err := persona.LoadFile(path)
		if err != nil {
			return err
		}
		if err := a.personas.Put(ctx, d); err != nil {
			return fmt.Errorf("import persona %q: %w", path, err)
		}
		a.imported = d.ID
		slog.Info("imported persona", "path", path, "id", d.ID, "name", d.Name)
	}
	return nil
}

// initInterview builds the interview manager from the interview and provider
// config sections.
func (a *App) initInterview() {
	iv := a.cfg.Interview
	a.interview = NewInterview(InterviewConfig{
		Session: session.Config{
			Provider:     a.provider,
			ProviderName: a.cfg.Provider.Name,
			Audio:        a.audio,
			Retry: session.RetryPolicy{
				MaxRetries: iv.MaxRetries,
				Delay:      iv.RetryDelay,
			},
			ConnectTimeout: iv.ConnectTimeout,
			Voice:          a.cfg.Provider.Voice,
			Transcripts:    iv.Transcripts,
			Metrics:        a.metrics,
		},
		FreeBudget:         iv.FreeBudget,
		PlatformCredential: a.cfg.Provider.APIKey,
		Confirm:            a.confirm,
		Listener:           a.listener,
		Metrics:            a.metrics,
		Tick:               a.tick,
	})
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Interview returns the interview manager.
func (a *App) Interview() *Interview { return a.interview }

// Personas returns the persona store.
func (a *App) Personas() persona.Store { return a.personas }

// Persona resolves the persona to interview. An empty id falls back to
// persona.id from the config and then to the imported persona file.
func (a *App) Persona(ctx context.Context, id string) (*persona.Descriptor, error) {
	if id == "" {
		id = a.cfg.Persona.ID
	}
	if id == "" {
		id = a.imported
	}
	if id == "" {
		return nil, ErrNoPersona
	}
	d, err := a.personas.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("app: persona %q: %w", id, err)
	}
	return d, nil
}

// ─── Start ───────────────────────────────────────────────────────────────────

// Start resolves the persona and begins an interview with it. An empty tier
// selects the configured default.
func (a *App) Start(ctx context.Context, personaID string, tier Tier, credential string) error {
	d, err := a.Persona(ctx, personaID)
	if err != nil {
		return err
	}
	if tier == "" {
		tier = Tier(a.cfg.Interview.Tier)
	}
	return a.interview.Begin(ctx, *d, tier, credential)
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown ends the interview and tears down all subsystems in init order.
// It respects the context deadline: if ctx expires before all closers
// finish, remaining closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		// End the interview first so audio and the transport are released.
		if a.interview != nil {
			a.interview.End()
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// closeAll runs the closers registered so far after a failed New.
func (a *App) closeAll() {
	for _, closer := range a.closers {
		_ = closer()
	}
}
