// Package playback sequences decoded model speech gaplessly on an output clock.
//
// A [Scheduler] keeps a timeline cursor: each enqueued buffer starts at
// max(cursor, now) and pushes the cursor forward by its duration, so
// consecutive buffers play back-to-back with no gaps or overlap. A barge-in
// from the speech model calls [Scheduler.Interrupt], which silences everything
// that is playing or queued and rewinds the cursor to the present.
//
// The scheduler reports speaking transitions: true when the first voice
// starts after a quiet period, false when the last active voice finishes or is
// stopped.
package playback

import (
	"fmt"
	"sync"
	"time"

	"github.com/MrWong99/personaflow/pkg/audio"
)

// Output is an audio sink with its own monotonic clock. Implementations play
// scheduled buffers at the requested clock position.
type Output interface {
	// Now returns the current position of the output clock.
	Now() time.Duration

	// Schedule arranges for buf to start playing at clock position at. A
	// position in the past starts playback as soon as possible.
	Schedule(buf audio.Buffer, at time.Duration) Voice

	// Close stops all playback and releases the device.
	Close() error
}

// Voice is a single scheduled buffer.
type Voice interface {
	// Stop silences the voice immediately. Safe to call multiple times.
	Stop()

	// Done is closed when the voice finishes naturally or is stopped.
	Done() <-chan struct{}
}

// Option is a functional option for [New].
type Option func(*Scheduler)

// WithSpeakingHandler registers fn to be called on speaking transitions.
// fn is invoked from scheduler goroutines and must not call back into the
// scheduler.
func WithSpeakingHandler(fn func(speaking bool)) Option {
	return func(s *Scheduler) {
		s.onSpeaking = fn
	}
}

// Scheduler is the playback timeline. All methods are safe for concurrent use.
type Scheduler struct {
	out        Output
	onSpeaking func(bool)

	mu       sync.Mutex
	cursor   time.Duration
	active   map[uint64]Voice
	nextID   uint64
	closed   bool
	speaking bool

	// emitMu serialises speaking notifications so that the handler observes
	// transitions in order.
	emitMu      sync.Mutex
	lastEmitted bool
}

// New creates a scheduler that plays through out.
func New(out Output, opts ...Option) *Scheduler {
	s := &Scheduler{
		out:    out,
		active: make(map[uint64]Voice),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Enqueue schedules buf to play immediately after everything already queued.
// It never waits for playback. Calls after [Scheduler.Shutdown] and empty
// buffers are ignored.
func (s *Scheduler) Enqueue(buf audio.Buffer) {
	if buf.Frames() == 0 {
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	start := max(s.cursor, s.out.Now())
	s.cursor = start + buf.Duration()
	voice := s.out.Schedule(buf, start)
	id := s.nextID
	s.nextID++
	s.active[id] = voice
	s.speaking = true
	s.mu.Unlock()

	s.emitSpeaking()
	go s.await(id, voice)
}

// Interrupt stops every active voice, clears the timeline, and rewinds the
// cursor to the current output time.
func (s *Scheduler) Interrupt() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	voices := s.drainLocked()
	s.cursor = s.out.Now()
	s.mu.Unlock()

	for _, v := range voices {
		v.Stop()
	}
	s.emitSpeaking()
}

// Shutdown stops all voices and closes the output. Subsequent calls return
// nil and do nothing.
func (s *Scheduler) Shutdown() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	voices := s.drainLocked()
	s.mu.Unlock()

	for _, v := range voices {
		v.Stop()
	}
	s.emitSpeaking()

	if err := s.out.Close(); err != nil {
		return fmt.Errorf("playback: close output: %w", err)
	}
	return nil
}

// Cursor returns the clock position at which the next enqueued buffer would
// start if the output clock has not passed it.
func (s *Scheduler) Cursor() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor
}

// Active returns the number of voices currently scheduled or playing.
func (s *Scheduler) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// Speaking reports whether any voice is scheduled or playing.
func (s *Scheduler) Speaking() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.speaking
}

// drainLocked removes every active voice and returns them. s.mu must be held.
func (s *Scheduler) drainLocked() []Voice {
	voices := make([]Voice, 0, len(s.active))
	for id, v := range s.active {
		voices = append(voices, v)
		delete(s.active, id)
	}
	s.speaking = false
	return voices
}

// await removes a voice from the active set once it finishes.
func (s *Scheduler) await(id uint64, v Voice) {
	<-v.Done()

	s.mu.Lock()
	if _, ok := s.active[id]; !ok {
		// Already removed by Interrupt or Shutdown.
		s.mu.Unlock()
		return
	}
	delete(s.active, id)
	if len(s.active) == 0 {
		s.speaking = false
	}
	s.mu.Unlock()

	s.emitSpeaking()
}

// emitSpeaking notifies the handler if the speaking state differs from the
// last value it was told. The current state is re-read under emitMu so that
// racing callers never deliver transitions out of order.
func (s *Scheduler) emitSpeaking() {
	if s.onSpeaking == nil {
		return
	}
	s.emitMu.Lock()
	defer s.emitMu.Unlock()

	s.mu.Lock()
	now := s.speaking
	s.mu.Unlock()

	if now == s.lastEmitted {
		return
	}
	s.lastEmitted = now
	s.onSpeaking(now)
}
