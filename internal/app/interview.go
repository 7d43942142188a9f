package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/personaflow/internal/observe"
	"github.com/MrWong99/personaflow/internal/persona"
	"github.com/MrWong99/personaflow/internal/session"
	"github.com/MrWong99/personaflow/pkg/audio/capture"
)

// DefaultFreeBudget is the connected time granted to a free-tier interview.
const DefaultFreeBudget = 300 * time.Second

// Tier selects whose credential pays for an interview.
type Tier string

const (
	// TierFree uses the platform credential and enforces the time budget.
	TierFree Tier = "free"
	// TierCustom uses the caller's own credential without a time limit.
	TierCustom Tier = "custom"
)

// ParseTier converts s into a [Tier]. An empty string selects [TierFree].
func ParseTier(s string) (Tier, error) {
	switch Tier(s) {
	case "", TierFree:
		return TierFree, nil
	case TierCustom:
		return TierCustom, nil
	default:
		return "", fmt.Errorf("app: unknown tier %q (want %q or %q)", s, TierFree, TierCustom)
	}
}

var (
	// ErrBudgetExhausted is reported when a free-tier interview runs out of
	// time.
	ErrBudgetExhausted = errors.New("time limit reached")

	// ErrCredentialRequired is returned by Begin when the selected tier has
	// no credential to authenticate with.
	ErrCredentialRequired = errors.New("app: api key required")

	// ErrNoInterview is returned by Retry when there is nothing to retry.
	ErrNoInterview = errors.New("app: no interview to retry")
)

// UserMessage renders err as the short notice shown to the interviewer.
func UserMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, session.ErrConnectionLost):
		return "Connection lost."
	case errors.Is(err, capture.ErrPermissionDenied):
		return "Microphone access denied."
	case errors.Is(err, ErrBudgetExhausted):
		return "Time limit reached."
	default:
		return err.Error()
	}
}

// Listener receives interview notifications. Nil fields are skipped.
// Connection state, speaking and error callbacks for one interview arrive in
// the order they happened; a budget [ErrBudgetExhausted] error always precedes
// the Closed state it causes.
type Listener struct {
	OnConnectionStateChange func(state session.State)
	OnSpeakingStateChange   func(speaking bool)
	OnError                 func(err error)
	OnTimeRemaining         func(seconds int)
	OnTranscript            func(speaker session.Speaker, text string)
}

// InterviewConfig configures an [Interview].
type InterviewConfig struct {
	// Session is the controller configuration used for every interview.
	Session session.Config

	// FreeBudget is the connected time allowed on the free tier. Defaults to
	// [DefaultFreeBudget] if zero.
	FreeBudget time.Duration

	// PlatformCredential authenticates free-tier interviews.
	PlatformCredential string

	// Confirm asks the interviewer whether to end a connected interview.
	// Nil approves every request.
	Confirm func() bool

	// Listener receives interview notifications.
	Listener Listener

	// Metrics records interview metrics. Defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// Tick returns the 1 Hz countdown source and its stop function. Nil uses
	// a [time.Ticker].
	Tick func() (<-chan time.Time, func())
}

// Snapshot is a point-in-time view of the interview.
type Snapshot struct {
	ID            string `json:"id"`
	Persona       string `json:"persona"`
	Tier          Tier   `json:"tier"`
	State         string `json:"state"`
	Muted         bool   `json:"muted"`
	Speaking      bool   `json:"speaking"`
	TimeRemaining int    `json:"timeRemaining"` // seconds; -1 when unlimited
	Retries       int    `json:"retries"`
}

// Interview manages the single active interview: it builds a session
// controller per interview, enforces the free-tier budget, and exposes the
// mute, end, and retry actions.
//
// All exported methods are safe for concurrent use.
type Interview struct {
	cfg InterviewConfig

	mu         sync.Mutex
	gen        uint64
	ctrl       *session.Controller
	id         string
	persona    persona.Descriptor
	tier       Tier
	credential string
	muted      bool
	speaking   bool
	ended      bool
	remaining  int
	startedAt  time.Time
	stopTick   func()
}

// NewInterview creates an idle [Interview].
func NewInterview(cfg InterviewConfig) *Interview {
	if cfg.FreeBudget <= 0 {
		cfg.FreeBudget = DefaultFreeBudget
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	if cfg.Session.Metrics == nil {
		cfg.Session.Metrics = cfg.Metrics
	}
	if cfg.Tick == nil {
		cfg.Tick = func() (<-chan time.Time, func()) {
			t := time.NewTicker(time.Second)
			return t.C, t.Stop
		}
	}
	return &Interview{cfg: cfg, remaining: -1}
}

// Begin starts an interview with p. Any previous interview is ended first.
// The free tier authenticates with the platform credential and starts the
// countdown; the custom tier requires credential.
func (iv *Interview) Begin(ctx context.Context, p persona.Descriptor, tier Tier, credential string) error {
	cred := credential
	switch tier {
	case TierFree:
		cred = iv.cfg.PlatformCredential
	case TierCustom:
	default:
		return fmt.Errorf("app: begin: unknown tier %q", tier)
	}
	if cred == "" {
		return fmt.Errorf("app: begin %s interview: %w", tier, ErrCredentialRequired)
	}

	iv.End()

	iv.mu.Lock()
	iv.gen++
	g := iv.gen
	ctrl, err := session.New(iv.cfg.Session, iv.sessionListener(g))
	if err != nil {
		iv.mu.Unlock()
		return fmt.Errorf("app: begin: %w", err)
	}
	iv.ctrl = ctrl
	iv.id = uuid.NewString()
	iv.persona = p
	iv.tier = tier
	iv.credential = cred
	iv.muted = false
	iv.speaking = false
	iv.ended = false
	iv.startedAt = time.Now()
	iv.remaining = -1
	if tier == TierFree {
		iv.remaining = int(iv.cfg.FreeBudget / time.Second)
		ticks, stop := iv.cfg.Tick()
		done := make(chan struct{})
		var once sync.Once
		iv.stopTick = func() {
			once.Do(func() {
				stop()
				close(done)
			})
		}
		go iv.countdown(g, ticks, done)
	}
	id := iv.id
	remaining := iv.remaining
	iv.mu.Unlock()

	ctx = observe.WithInterview(ctx, id)
	observe.Logger(ctx).Info("interview starting", "persona", p.Name, "tier", tier)
	if remaining >= 0 {
		iv.emitTime(remaining)
	}

	if err := ctrl.Connect(ctx, p, cred); err != nil {
		iv.End()
		return fmt.Errorf("app: begin: %w", err)
	}
	return nil
}

// ToggleMute flips the microphone mute and returns the new setting.
func (iv *Interview) ToggleMute() bool {
	iv.mu.Lock()
	muted := !iv.muted
	iv.mu.Unlock()
	iv.SetMuted(muted)
	return muted
}

// SetMuted suppresses or resumes outbound audio.
func (iv *Interview) SetMuted(muted bool) {
	iv.mu.Lock()
	iv.muted = muted
	ctrl := iv.ctrl
	iv.mu.Unlock()
	if ctrl != nil {
		ctrl.SetMuted(muted)
	}
}

// Muted reports whether outbound audio is suppressed.
func (iv *Interview) Muted() bool {
	iv.mu.Lock()
	defer iv.mu.Unlock()
	return iv.muted
}

// RequestClose ends the interview. While the session is open the configured
// Confirm function is consulted first; it returns false when the interviewer
// declined. A session still connecting is closed without asking.
func (iv *Interview) RequestClose() bool {
	iv.mu.Lock()
	ctrl := iv.ctrl
	iv.mu.Unlock()

	if ctrl != nil && ctrl.State() == session.Open && iv.cfg.Confirm != nil && !iv.cfg.Confirm() {
		return false
	}
	iv.End()
	return true
}

// End tears down the current interview unconditionally. It is idempotent.
func (iv *Interview) End() {
	iv.mu.Lock()
	ctrl := iv.ctrl
	if ctrl == nil || iv.ended {
		iv.mu.Unlock()
		return
	}
	iv.ended = true
	stop := iv.stopTick
	iv.stopTick = nil
	id := iv.id
	elapsed := time.Since(iv.startedAt)
	iv.mu.Unlock()

	if stop != nil {
		stop()
	}
	_ = ctrl.Close()
	iv.cfg.Metrics.InterviewDuration.Record(context.Background(), elapsed.Seconds())
	slog.Info("interview ended", "interview_id", id, "elapsed", elapsed.Round(time.Second))
}

// Retry reconnects the current interview with its original persona and
// credential after a failure. The time budget is not refreshed.
func (iv *Interview) Retry(ctx context.Context) error {
	iv.mu.Lock()
	ctrl := iv.ctrl
	if ctrl != nil && iv.remaining == 0 {
		iv.mu.Unlock()
		return ErrBudgetExhausted
	}
	if ctrl == nil || iv.ended {
		iv.mu.Unlock()
		return ErrNoInterview
	}
	p, cred, muted := iv.persona, iv.credential, iv.muted
	ctx = observe.WithInterview(ctx, iv.id)
	iv.mu.Unlock()

	ctrl.ResetRetries()
	ctrl.SetMuted(muted)
	iv.cfg.Metrics.RecordReconnect(ctx, "manual")
	if err := ctrl.Connect(ctx, p, cred); err != nil {
		return fmt.Errorf("app: retry: %w", err)
	}
	return nil
}

// Snapshot returns the current interview status.
func (iv *Interview) Snapshot() Snapshot {
	iv.mu.Lock()
	defer iv.mu.Unlock()

	s := Snapshot{
		ID:            iv.id,
		Persona:       iv.persona.Name,
		Tier:          iv.tier,
		State:         session.Idle.String(),
		Muted:         iv.muted,
		Speaking:      iv.speaking,
		TimeRemaining: iv.remaining,
	}
	if iv.ctrl != nil {
		s.State = iv.ctrl.State().String()
		s.Retries = iv.ctrl.Retries()
	}
	return s
}

// ── Internals ─────────────────────────────────────────────────────────────────

// sessionListener adapts controller callbacks for interview generation g.
func (iv *Interview) sessionListener(g uint64) session.Listener {
	l := iv.cfg.Listener
	return session.Listener{
		OnStateChange: func(s session.State) {
			iv.mu.Lock()
			if iv.gen != g {
				iv.mu.Unlock()
				return
			}
			if !s.Active() {
				iv.speaking = false
			}
			iv.mu.Unlock()
			if l.OnConnectionStateChange != nil {
				l.OnConnectionStateChange(s)
			}
		},
		OnSpeaking: func(speaking bool) {
			iv.mu.Lock()
			if iv.gen != g {
				iv.mu.Unlock()
				return
			}
			iv.speaking = speaking
			iv.mu.Unlock()
			if l.OnSpeakingStateChange != nil {
				l.OnSpeakingStateChange(speaking)
			}
		},
		OnError: func(err error) {
			if iv.current(g) && l.OnError != nil {
				l.OnError(err)
			}
		},
		OnTranscript: func(sp session.Speaker, text string) {
			if iv.current(g) && l.OnTranscript != nil {
				l.OnTranscript(sp, text)
			}
		},
	}
}

func (iv *Interview) current(g uint64) bool {
	iv.mu.Lock()
	defer iv.mu.Unlock()
	return iv.gen == g
}

// countdown decrements the free-tier budget once per tick while the
// controller is open.
func (iv *Interview) countdown(g uint64, ticks <-chan time.Time, done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		case <-ticks:
			if !iv.tick(g) {
				return
			}
		}
	}
}

// tick applies one countdown step. It returns false once the budget is spent.
func (iv *Interview) tick(g uint64) bool {
	iv.mu.Lock()
	if iv.gen != g || iv.ended || iv.ctrl == nil {
		iv.mu.Unlock()
		return false
	}
	if iv.ctrl.State() != session.Open {
		iv.mu.Unlock()
		return true
	}
	iv.remaining--
	remaining := iv.remaining
	id := iv.id
	iv.mu.Unlock()

	iv.emitTime(remaining)
	if remaining > 0 {
		return true
	}

	slog.Info("interview budget exhausted", "interview_id", id)
	iv.cfg.Metrics.BudgetExhausted.Add(context.Background(), 1)
	// Reported before teardown so it reaches the listener ahead of Closed.
	if fn := iv.cfg.Listener.OnError; fn != nil {
		fn(fmt.Errorf("app: interview %s: %w", id, ErrBudgetExhausted))
	}
	iv.End()
	return false
}

func (iv *Interview) emitTime(seconds int) {
	if fn := iv.cfg.Listener.OnTimeRemaining; fn != nil {
		fn(seconds)
	}
}
