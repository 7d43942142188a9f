// Package mock provides in-memory implementations of [capture.Device],
// [capture.Stream], [playback.Output], and [playback.Voice] for use in unit
// tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and arguments, and they expose exported fields
// that the test can set to control return values.
//
// Typical usage:
//
//	stream := mock.NewStream(16000)
//	dev := &mock.Device{StreamResult: stream}
//	p := capture.New(dev, capture.WithChunkSize(4))
//	_ = p.Start(ctx, onChunk)
//	stream.Feed([]float32{0.1, 0.2, 0.3, 0.4})
package mock

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/MrWong99/personaflow/pkg/audio"
	"github.com/MrWong99/personaflow/pkg/audio/capture"
	"github.com/MrWong99/personaflow/pkg/audio/playback"
)

// Compile-time interface assertions.
var (
	_ capture.Device  = (*Device)(nil)
	_ capture.Stream  = (*Stream)(nil)
	_ playback.Output = (*Output)(nil)
	_ playback.Voice  = (*Voice)(nil)
)

// ─── Device ───────────────────────────────────────────────────────────────────

// Device is a mock implementation of [capture.Device].
type Device struct {
	mu sync.Mutex

	// StreamResult is returned by Open. If nil, Open creates a fresh 16 kHz
	// [Stream] and stores it in Streams.
	StreamResult *Stream

	// OpenError is returned by Open when non-nil.
	OpenError error

	// CallCountOpen records how many times Open was called.
	CallCountOpen int

	// Streams holds every stream returned by Open, in order.
	Streams []*Stream
}

// Open implements [capture.Device].
func (d *Device) Open(_ context.Context) (capture.Stream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.CallCountOpen++
	if d.OpenError != nil {
		return nil, d.OpenError
	}
	s := d.StreamResult
	if s == nil {
		s = NewStream(audio.CaptureSampleRate)
	}
	d.Streams = append(d.Streams, s)
	return s, nil
}

// LastStream returns the most recently opened stream, or nil.
func (d *Device) LastStream() *Stream {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.Streams) == 0 {
		return nil
	}
	return d.Streams[len(d.Streams)-1]
}

// ─── Stream ───────────────────────────────────────────────────────────────────

// Stream is a mock [capture.Stream] fed by the test through [Stream.Feed].
type Stream struct {
	rate int
	in   chan []float32

	mu        sync.Mutex
	pending   []float32
	readErr   error
	closed    bool
	closeOnce sync.Once
	done      chan struct{}

	// CallCountClose records how many times Close was called.
	CallCountClose int
}

// NewStream creates a stream reporting the given sample rate.
func NewStream(rate int) *Stream {
	return &Stream{
		rate: rate,
		in:   make(chan []float32, 64),
		done: make(chan struct{}),
	}
}

// Feed makes samples available to Read. It is a no-op after Close.
func (s *Stream) Feed(samples []float32) {
	select {
	case <-s.done:
	case s.in <- samples:
	}
}

// Fail makes the next Read return err once pending samples are consumed.
func (s *Stream) Fail(err error) {
	s.mu.Lock()
	s.readErr = err
	s.mu.Unlock()
	s.Feed(nil)
}

// Read implements [capture.Stream].
func (s *Stream) Read(buf []float32) (int, error) {
	for {
		s.mu.Lock()
		if len(s.pending) > 0 {
			n := copy(buf, s.pending)
			s.pending = s.pending[n:]
			s.mu.Unlock()
			return n, nil
		}
		if s.readErr != nil {
			err := s.readErr
			s.mu.Unlock()
			return 0, err
		}
		s.mu.Unlock()

		select {
		case <-s.done:
			return 0, io.EOF
		case samples := <-s.in:
			s.mu.Lock()
			s.pending = append(s.pending, samples...)
			s.mu.Unlock()
		}
	}
}

// Close implements [capture.Stream].
func (s *Stream) Close() error {
	s.mu.Lock()
	s.CallCountClose++
	s.closed = true
	s.mu.Unlock()
	s.closeOnce.Do(func() { close(s.done) })
	return nil
}

// Closed reports whether Close has been called.
func (s *Stream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// SampleRate implements [capture.Stream].
func (s *Stream) SampleRate() int { return s.rate }

// ─── Output ───────────────────────────────────────────────────────────────────

// ScheduleCall records the arguments of a single [Output.Schedule] invocation.
type ScheduleCall struct {
	// Buffer is the buffer passed to Schedule.
	Buffer audio.Buffer
	// At is the requested start position.
	At time.Duration
	// Voice is the voice returned to the caller.
	Voice *Voice
}

// Output is a mock [playback.Output] with a manually driven clock. Voices never
// finish on their own; call [Voice.Finish] or [Output.FinishAll].
type Output struct {
	mu sync.Mutex

	now time.Duration

	// CloseError is returned by Close.
	CloseError error

	// ScheduleCalls records all Schedule invocations.
	ScheduleCalls []ScheduleCall

	// CallCountClose records how many times Close was called.
	CallCountClose int
}

// SetNow sets the output clock.
func (o *Output) SetNow(d time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.now = d
}

// Now implements [playback.Output].
func (o *Output) Now() time.Duration {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.now
}

// Schedule implements [playback.Output].
func (o *Output) Schedule(buf audio.Buffer, at time.Duration) playback.Voice {
	o.mu.Lock()
	defer o.mu.Unlock()
	v := &Voice{done: make(chan struct{})}
	o.ScheduleCalls = append(o.ScheduleCalls, ScheduleCall{Buffer: buf, At: at, Voice: v})
	return v
}

// Close implements [playback.Output].
func (o *Output) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.CallCountClose++
	return o.CloseError
}

// Calls returns a copy of the recorded Schedule invocations.
func (o *Output) Calls() []ScheduleCall {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]ScheduleCall, len(o.ScheduleCalls))
	copy(out, o.ScheduleCalls)
	return out
}

// Closes returns how many times Close was called.
func (o *Output) Closes() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.CallCountClose
}

// FinishAll finishes every voice scheduled so far.
func (o *Output) FinishAll() {
	for _, c := range o.Calls() {
		c.Voice.Finish()
	}
}

// ─── Voice ────────────────────────────────────────────────────────────────────

// Voice is a mock [playback.Voice].
type Voice struct {
	once sync.Once
	done chan struct{}

	mu      sync.Mutex
	stopped bool
}

// Stop implements [playback.Voice].
func (v *Voice) Stop() {
	v.mu.Lock()
	v.stopped = true
	v.mu.Unlock()
	v.Finish()
}

// Done implements [playback.Voice].
func (v *Voice) Done() <-chan struct{} { return v.done }

// Finish simulates natural completion of the voice.
func (v *Voice) Finish() {
	v.once.Do(func() { close(v.done) })
}

// Stopped reports whether Stop was called.
func (v *Voice) Stopped() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.stopped
}
