package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/personaflow/internal/observe"
	"github.com/MrWong99/personaflow/internal/persona"
	"github.com/MrWong99/personaflow/pkg/audio"
	"github.com/MrWong99/personaflow/pkg/audio/capture"
	"github.com/MrWong99/personaflow/pkg/audio/playback"
	"github.com/MrWong99/personaflow/pkg/provider/s2s"
)

// DefaultConnectTimeout bounds the time from dial to the transport's Opened
// event.
const DefaultConnectTimeout = 15 * time.Second

// AudioFactory builds the per-connection audio graph. Every connection
// attempt gets a fresh capture pipeline and a fresh output.
type AudioFactory interface {
	// NewCapture returns an unstarted capture pipeline.
	NewCapture() *capture.Pipeline

	// NewOutput returns a playback output with its clock at zero or running.
	NewOutput() (playback.Output, error)
}

// DeviceAudio is an [AudioFactory] backed by a microphone device and an
// output constructor.
type DeviceAudio struct {
	// Mic is the capture device opened for every connection.
	Mic capture.Device

	// ChunkSize is the capture chunk size in samples. Zero uses
	// [capture.DefaultChunkSize].
	ChunkSize int

	// Output creates the playback output for one connection.
	Output func() (playback.Output, error)
}

// NewCapture implements [AudioFactory].
func (a DeviceAudio) NewCapture() *capture.Pipeline {
	var opts []capture.Option
	if a.ChunkSize > 0 {
		opts = append(opts, capture.WithChunkSize(a.ChunkSize))
	}
	return capture.New(a.Mic, opts...)
}

// NewOutput implements [AudioFactory].
func (a DeviceAudio) NewOutput() (playback.Output, error) {
	if a.Output == nil {
		return nil, errors.New("session: no audio output configured")
	}
	return a.Output()
}

// Config configures a [Controller].
type Config struct {
	// Provider dials the speech model. Required.
	Provider s2s.Provider

	// ProviderName labels metrics and logs (e.g., "gemini-live").
	ProviderName string

	// Audio builds capture and playback for each connection. Required.
	Audio AudioFactory

	// Retry bounds automatic reconnection.
	Retry RetryPolicy

	// ConnectTimeout bounds dial plus the wait for Opened. Defaults to
	// [DefaultConnectTimeout] if zero.
	ConnectTimeout time.Duration

	// Voice overrides the provider's default voice when non-empty.
	Voice string

	// Transcripts requests input and output transcriptions.
	Transcripts bool

	// Metrics records session metrics. Defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics
}

// Listener receives controller notifications. Nil fields are skipped. All
// callbacks run in order on a single notifier goroutine.
type Listener struct {
	OnStateChange func(State)
	OnSpeaking    func(speaking bool)
	OnError       func(err error)
	OnTranscript  func(speaker Speaker, text string)
}

// Controller drives one interview connection at a time.
//
// All methods are safe for concurrent use.
type Controller struct {
	cfg      Config
	listener Listener
	notify   notifier
	inRate   int
	outRate  int

	mu         sync.Mutex
	state      State
	gen        uint64
	persona    persona.Descriptor
	credential string
	base       context.Context
	stopCtx    func() bool
	retry      *RetryState
	muted      bool
	res        resources
}

// resources are the per-connection handles released on teardown.
type resources struct {
	handle  s2s.SessionHandle
	capture *capture.Pipeline
	player  *playback.Scheduler
	cancel  context.CancelFunc
	timer   *time.Timer
}

// release frees everything in r. Safe on a zero value; must be called
// without the controller lock held.
func (r resources) release() {
	if r.timer != nil {
		r.timer.Stop()
	}
	if r.cancel != nil {
		r.cancel()
	}
	if r.capture != nil {
		if err := r.capture.Stop(); err != nil {
			slog.Debug("session: capture stop", "err", err)
		}
	}
	if r.handle != nil {
		if err := r.handle.Close(); err != nil {
			slog.Debug("session: transport close", "err", err)
		}
	}
	if r.player != nil {
		if err := r.player.Shutdown(); err != nil {
			slog.Debug("session: playback shutdown", "err", err)
		}
	}
}

// New creates an idle [Controller].
func New(cfg Config, l Listener) (*Controller, error) {
	if cfg.Provider == nil {
		return nil, errors.New("session: provider is required")
	}
	if cfg.Audio == nil {
		return nil, errors.New("session: audio factory is required")
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	if cfg.ProviderName == "" {
		cfg.ProviderName = "s2s"
	}

	caps := cfg.Provider.Capabilities()
	c := &Controller{
		cfg:      cfg,
		listener: l,
		inRate:   caps.InputSampleRate,
		outRate:  caps.OutputSampleRate,
		retry:    NewRetryState(cfg.Retry),
		base:     context.Background(),
	}
	if c.inRate <= 0 {
		c.inRate = audio.CaptureSampleRate
	}
	if c.outRate <= 0 {
		c.outRate = audio.PlaybackSampleRate
	}
	return c, nil
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Muted reports whether outbound audio is suppressed.
func (c *Controller) Muted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.muted
}

// Retries returns the number of automatic reconnects consumed since the last
// successful open.
func (c *Controller) Retries() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.retry.Attempts()
}

// Connect starts a session for p authenticated with credential. It returns
// once the controller is Connecting; the outcome is reported through the
// Listener. Cancelling ctx closes the session.
//
// Returns [ErrAlreadyActive] while another session is connecting or open.
func (c *Controller) Connect(ctx context.Context, p persona.Descriptor, credential string) error {
	if err := p.Validate(); err != nil {
		return fmt.Errorf("session: connect: %w", err)
	}

	c.mu.Lock()
	if c.state.Active() || c.state == Closing {
		c.mu.Unlock()
		return ErrAlreadyActive
	}
	c.persona = p
	c.credential = credential
	c.base = context.WithoutCancel(ctx)
	c.retry.Reset()
	c.gen++
	g := c.gen
	c.setStateLocked(Connecting)
	if c.stopCtx != nil {
		c.stopCtx()
	}
	c.stopCtx = context.AfterFunc(ctx, func() { _ = c.Close() })
	c.mu.Unlock()

	go c.attempt(g)
	return nil
}

// SendFrame encodes chunk as PCM16 and sends it to the model. It is a no-op
// unless the session is open and unmuted. Send failures are logged and
// counted, never returned.
func (c *Controller) SendFrame(chunk audio.Chunk) {
	c.mu.Lock()
	if c.state != Open || c.muted || c.res.handle == nil {
		c.mu.Unlock()
		return
	}
	h := c.res.handle
	base := c.base
	c.mu.Unlock()

	pcm := audio.EncodePCM16(audio.Resample(chunk.Samples, chunk.SampleRate, c.inRate))
	if err := h.SendAudio(pcm); err != nil {
		slog.Debug("session: send audio failed", "provider", c.cfg.ProviderName, "err", err)
		c.cfg.Metrics.RecordFrameDropped(base, "send_failed")
		return
	}
	c.cfg.Metrics.FramesSent.Add(base, 1)
}

// SetMuted suppresses or resumes outbound audio. The setting also applies to
// capture pipelines created by later reconnects.
func (c *Controller) SetMuted(muted bool) {
	c.mu.Lock()
	c.muted = muted
	p := c.res.capture
	c.mu.Unlock()
	if p != nil {
		p.SetMuted(muted)
	}
}

// ResetRetries restores the automatic reconnect allowance.
func (c *Controller) ResetRetries() {
	c.mu.Lock()
	c.retry.Reset()
	c.mu.Unlock()
}

// Close ends the session and releases capture, transport, and playback. Any
// pending reconnect is cancelled. It is idempotent and safe to call from any
// goroutine, including Listener callbacks.
func (c *Controller) Close() error {
	c.mu.Lock()
	if c.state == Idle || c.state == Closed || c.state == Closing {
		c.mu.Unlock()
		return nil
	}
	c.gen++
	c.setStateLocked(Closing)
	res := c.detachLocked()
	stop := c.stopCtx
	c.stopCtx = nil
	c.mu.Unlock()

	if stop != nil {
		stop()
	}
	res.release()

	c.mu.Lock()
	if c.state == Closing {
		c.setStateLocked(Closed)
	}
	c.mu.Unlock()
	return nil
}

// ── Connection lifecycle ──────────────────────────────────────────────────────

// attempt dials the provider for generation g.
func (c *Controller) attempt(g uint64) {
	c.mu.Lock()
	if c.gen != g {
		c.mu.Unlock()
		return
	}
	ctx, cancel := context.WithTimeout(c.base, c.cfg.ConnectTimeout)
	c.res.cancel = cancel
	c.res.timer = nil
	p := c.persona
	cred := c.credential
	c.mu.Unlock()

	ctx, span := observe.StartSpan(ctx, "session.connect")
	defer span.End()
	log := observe.Logger(ctx).With("provider", c.cfg.ProviderName, "persona", p.Name)
	start := time.Now()

	out, err := c.cfg.Audio.NewOutput()
	if err != nil {
		span.RecordError(err)
		c.fail(g, fmt.Errorf("session: audio output: %w", err))
		return
	}
	player := playback.New(out, playback.WithSpeakingHandler(func(speaking bool) {
		if fn := c.listener.OnSpeaking; fn != nil {
			c.notify.post(func() { fn(speaking) })
		}
	}))

	log.Info("session: connecting")
	handle, err := c.cfg.Provider.Connect(ctx, s2s.SessionConfig{
		Instructions: p.SystemInstruction(),
		Voice:        c.cfg.Voice,
		APIKey:       cred,
		Transcripts:  c.cfg.Transcripts,
	})
	if err != nil {
		_ = player.Shutdown()
		span.RecordError(err)
		c.cfg.Metrics.RecordConnect(ctx, c.cfg.ProviderName, "error", time.Since(start).Seconds())
		c.transportFailed(g, fmt.Errorf("session: connect: %w", err))
		return
	}

	c.mu.Lock()
	if c.gen != g {
		c.mu.Unlock()
		_ = handle.Close()
		_ = player.Shutdown()
		return
	}
	c.res.handle = handle
	c.res.player = player
	c.mu.Unlock()

	go c.eventLoop(ctx, g, handle, player, start)
}

// eventLoop consumes the transport's events for generation g in arrival
// order. Until Opened arrives, ctx's deadline bounds the wait.
func (c *Controller) eventLoop(ctx context.Context, g uint64, h s2s.SessionHandle, player *playback.Scheduler, start time.Time) {
	events := h.Events()
	timeout := ctx.Done()

	for {
		select {
		case <-timeout:
			c.cfg.Metrics.RecordConnect(ctx, c.cfg.ProviderName, "timeout", time.Since(start).Seconds())
			c.transportFailed(g, fmt.Errorf("session: connect: %w", ctx.Err()))
			return

		case ev, ok := <-events:
			if !ok {
				c.transportFailed(g, errors.New("session: event stream ended"))
				return
			}
			switch ev := ev.(type) {
			case s2s.Opened:
				c.cfg.Metrics.RecordConnect(ctx, c.cfg.ProviderName, "ok", time.Since(start).Seconds())
				timeout = nil
				c.opened(g)

			case s2s.Frame:
				c.handleFrame(ctx, player, ev)

			case s2s.Errored:
				c.transportFailed(g, ev.Err)
				return

			case s2s.Closed:
				c.remoteClosed(g, ev)
				return
			}
		}
	}
}

// opened moves generation g to Open and starts capture.
func (c *Controller) opened(g uint64) {
	c.mu.Lock()
	if c.gen != g || c.state != Connecting {
		c.mu.Unlock()
		return
	}
	if c.res.cancel != nil {
		c.res.cancel()
		c.res.cancel = nil
	}
	c.retry.Reset()
	pipe := c.cfg.Audio.NewCapture()
	pipe.SetMuted(c.muted)
	c.res.capture = pipe
	base := c.base
	c.setStateLocked(Open)
	c.mu.Unlock()

	c.cfg.Metrics.ActiveInterviews.Add(base, 1)
	slog.Info("session: open", "provider", c.cfg.ProviderName)

	if err := pipe.Start(base, c.SendFrame); err != nil {
		c.mu.Lock()
		current := c.gen == g
		c.mu.Unlock()
		if !current {
			return
		}
		slog.Warn("session: capture unavailable, continuing receive-only", "err", err)
		c.notifyError(err)
		return
	}
	go c.watchCapture(g, pipe)
}

// watchCapture reports a device error that ends capture while generation g
// is still current. The session stays open receive-only.
func (c *Controller) watchCapture(g uint64, pipe *capture.Pipeline) {
	<-pipe.Done()
	err := pipe.Err()
	if err == nil {
		return
	}
	c.mu.Lock()
	current := c.gen == g && c.state == Open
	c.mu.Unlock()
	if !current {
		return
	}
	slog.Warn("session: capture stopped, continuing receive-only", "err", err)
	c.notifyError(err)
}

// handleFrame applies one inbound frame: interruption first, then audio,
// then transcripts.
func (c *Controller) handleFrame(ctx context.Context, player *playback.Scheduler, f s2s.Frame) {
	if f.Interrupted {
		player.Interrupt()
		c.cfg.Metrics.Interruptions.Add(ctx, 1)
	}

	if f.AudioData != "" {
		c.cfg.Metrics.FramesReceived.Add(ctx, 1)
		buf, err := decodeFrame(f.AudioData, c.outRate)
		if err != nil {
			slog.Warn("session: dropping undecodable audio frame", "provider", c.cfg.ProviderName, "err", err)
			c.cfg.Metrics.RecordFrameDropped(ctx, "malformed")
		} else {
			player.Enqueue(buf)
		}
	}

	if fn := c.listener.OnTranscript; fn != nil {
		if f.InputTranscript != "" {
			text := f.InputTranscript
			c.notify.post(func() { fn(SpeakerUser, text) })
		}
		if f.OutputTranscript != "" {
			text := f.OutputTranscript
			c.notify.post(func() { fn(SpeakerPersona, text) })
		}
	}
}

// decodeFrame turns a base64 PCM16 payload into a mono playback buffer.
func decodeFrame(payload string, rate int) (audio.Buffer, error) {
	raw, err := audio.DecodeBase64(payload)
	if err != nil {
		return audio.Buffer{}, err
	}
	return audio.DecodePCM16(raw, rate, 1)
}

// remoteClosed handles a Closed event for generation g.
func (c *Controller) remoteClosed(g uint64, ev s2s.Closed) {
	c.mu.Lock()
	if c.gen != g {
		c.mu.Unlock()
		return
	}
	switch c.state {
	case Connecting:
		c.mu.Unlock()
		c.transportFailed(g, fmt.Errorf("session: closed during connect: code %d %s", ev.Code, ev.Reason))
		return
	case Open:
	default:
		c.mu.Unlock()
		return
	}
	slog.Info("session: closed by remote", "provider", c.cfg.ProviderName, "code", ev.Code, "reason", ev.Reason)
	c.gen++
	res := c.detachLocked()
	c.setStateLocked(Closed)
	c.mu.Unlock()

	res.release()
}

// transportFailed either schedules a reconnect or moves to Error.
func (c *Controller) transportFailed(g uint64, err error) {
	c.mu.Lock()
	if c.gen != g || !c.state.Active() {
		c.mu.Unlock()
		return
	}
	base := c.base
	c.cfg.Metrics.RecordProviderError(base, c.cfg.ProviderName, "transport")
	res := c.detachLocked()
	c.gen++
	ng := c.gen

	if c.retry.Allow() {
		delay := c.retry.Next()
		slog.Warn("session: transport failed, reconnecting",
			"provider", c.cfg.ProviderName,
			"attempt", c.retry.Attempts(),
			"max_retries", c.retry.Policy().MaxRetries,
			"delay", delay,
			"err", err,
		)
		c.setStateLocked(Connecting)
		c.res.timer = time.AfterFunc(delay, func() { c.attempt(ng) })
		c.mu.Unlock()

		c.cfg.Metrics.RecordReconnect(base, "auto")
		res.release()
		return
	}

	slog.Error("session: transport failed, giving up", "provider", c.cfg.ProviderName, "err", err)
	c.setStateLocked(Error)
	c.mu.Unlock()

	res.release()
	c.notifyError(fmt.Errorf("%w: %v", ErrConnectionLost, err))
}

// fail moves generation g to Error without consulting the retry budget.
func (c *Controller) fail(g uint64, err error) {
	c.mu.Lock()
	if c.gen != g || !c.state.Active() {
		c.mu.Unlock()
		return
	}
	c.gen++
	res := c.detachLocked()
	c.setStateLocked(Error)
	c.mu.Unlock()

	slog.Error("session: failed", "err", err)
	res.release()
	c.notifyError(err)
}

// detachLocked takes ownership of the live resources and clears them from
// the controller. Caller holds c.mu.
func (c *Controller) detachLocked() resources {
	res := c.res
	c.res = resources{}
	if c.state == Open {
		c.cfg.Metrics.ActiveInterviews.Add(c.base, -1)
	}
	return res
}

// setStateLocked records s and notifies the listener on change. Caller
// holds c.mu.
func (c *Controller) setStateLocked(s State) {
	if c.state == s {
		return
	}
	c.state = s
	if fn := c.listener.OnStateChange; fn != nil {
		c.notify.post(func() { fn(s) })
	}
}

func (c *Controller) notifyError(err error) {
	if fn := c.listener.OnError; fn != nil {
		c.notify.post(func() { fn(err) })
	}
}
