// Package portaudio binds the capture and playback layers to the host's
// default audio devices through PortAudio.
//
// [Init] must be called once before any device is opened, and [Terminate]
// once after every stream has been closed.
//
// Both devices run PortAudio in callback mode. The microphone callback copies
// each period into a bounded queue drained by [capture.Stream.Read]; if the
// consumer falls behind, the oldest periods are dropped rather than blocking
// the audio thread. The speaker callback pulls one period from a
// [mixer.Renderer] per invocation.
package portaudio

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	pa "github.com/gordonklaus/portaudio"

	"github.com/MrWong99/personaflow/pkg/audio"
	"github.com/MrWong99/personaflow/pkg/audio/capture"
	"github.com/MrWong99/personaflow/pkg/audio/mixer"
	"github.com/MrWong99/personaflow/pkg/audio/playback"
)

// Compile-time interface assertions.
var (
	_ capture.Device  = (*Microphone)(nil)
	_ capture.Stream  = (*micStream)(nil)
	_ playback.Output = (*speakerOutput)(nil)
)

// DefaultFramesPerBuffer is the PortAudio period size used when none is
// configured.
const DefaultFramesPerBuffer = 1024

// queueDepth bounds the number of captured periods waiting to be read.
const queueDepth = 32

// Init initialises the PortAudio library.
func Init() error {
	if err := pa.Initialize(); err != nil {
		return fmt.Errorf("portaudio: initialize: %w", err)
	}
	return nil
}

// Terminate releases the PortAudio library.
func Terminate() error {
	if err := pa.Terminate(); err != nil {
		return fmt.Errorf("portaudio: terminate: %w", err)
	}
	return nil
}

// ─── Microphone ───────────────────────────────────────────────────────────────

// Microphone opens mono float32 input streams on the default input device.
type Microphone struct {
	// SampleRate in Hz. Zero means [audio.CaptureSampleRate].
	SampleRate int

	// FramesPerBuffer is the PortAudio period size. Zero means
	// [DefaultFramesPerBuffer].
	FramesPerBuffer int
}

// Open implements [capture.Device]. Any failure to open or start the default
// input stream is reported as [capture.ErrPermissionDenied].
func (m *Microphone) Open(_ context.Context) (capture.Stream, error) {
	rate := m.SampleRate
	if rate <= 0 {
		rate = audio.CaptureSampleRate
	}
	frames := m.FramesPerBuffer
	if frames <= 0 {
		frames = DefaultFramesPerBuffer
	}

	ms := &micStream{
		rate:  rate,
		queue: make(chan []float32, queueDepth),
		done:  make(chan struct{}),
	}
	stream, err := pa.OpenDefaultStream(1, 0, float64(rate), frames, ms.callback)
	if err != nil {
		return nil, fmt.Errorf("%w: open default input: %v", capture.ErrPermissionDenied, err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		return nil, fmt.Errorf("%w: start default input: %v", capture.ErrPermissionDenied, err)
	}
	ms.stream = stream
	slog.Debug("portaudio: microphone opened", "format", audio.Describe(rate, 1), "frames_per_buffer", frames)
	return ms, nil
}

// micStream adapts a callback-mode PortAudio input stream to [capture.Stream].
type micStream struct {
	rate   int
	stream *pa.Stream
	queue  chan []float32

	mu      sync.Mutex
	pending []float32
	dropped int

	closeOnce sync.Once
	closeErr  error
	done      chan struct{}
}

// callback runs on the PortAudio thread.
func (s *micStream) callback(in []float32) {
	cp := make([]float32, len(in))
	copy(cp, in)
	for {
		select {
		case s.queue <- cp:
			return
		default:
		}
		// Queue full: discard the oldest period and retry.
		select {
		case <-s.queue:
			s.mu.Lock()
			s.dropped++
			s.mu.Unlock()
		default:
		}
	}
}

// Read implements [capture.Stream].
func (s *micStream) Read(buf []float32) (int, error) {
	s.mu.Lock()
	if len(s.pending) > 0 {
		n := copy(buf, s.pending)
		s.pending = s.pending[n:]
		s.mu.Unlock()
		return n, nil
	}
	s.mu.Unlock()

	select {
	case <-s.done:
		return 0, io.EOF
	case period := <-s.queue:
		n := copy(buf, period)
		if n < len(period) {
			s.mu.Lock()
			s.pending = period[n:]
			s.mu.Unlock()
		}
		return n, nil
	}
}

// Close implements [capture.Stream].
func (s *micStream) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		if err := s.stream.Stop(); err != nil {
			s.closeErr = fmt.Errorf("portaudio: stop input: %w", err)
		}
		if err := s.stream.Close(); err != nil && s.closeErr == nil {
			s.closeErr = fmt.Errorf("portaudio: close input: %w", err)
		}
		s.mu.Lock()
		if s.dropped > 0 {
			slog.Warn("portaudio: microphone periods dropped", "count", s.dropped)
		}
		s.mu.Unlock()
	})
	return s.closeErr
}

// SampleRate implements [capture.Stream].
func (s *micStream) SampleRate() int { return s.rate }

// ─── Speaker ──────────────────────────────────────────────────────────────────

// Speaker opens output graphs on the default output device.
type Speaker struct {
	// SampleRate in Hz. Zero means [audio.PlaybackSampleRate].
	SampleRate int

	// Channels is the number of output channels. Zero means mono.
	Channels int

	// FramesPerBuffer is the PortAudio period size. Zero means
	// [DefaultFramesPerBuffer].
	FramesPerBuffer int
}

// NewOutput opens and starts a fresh output stream driven by its own
// [mixer.Renderer]. Each interview session owns one output; closing it
// releases the device stream.
func (sp *Speaker) NewOutput() (playback.Output, error) {
	rate := sp.SampleRate
	if rate <= 0 {
		rate = audio.PlaybackSampleRate
	}
	channels := sp.Channels
	if channels <= 0 {
		channels = 1
	}
	frames := sp.FramesPerBuffer
	if frames <= 0 {
		frames = DefaultFramesPerBuffer
	}

	r := mixer.New(rate, channels)
	stream, err := pa.OpenDefaultStream(0, channels, float64(rate), frames, r.Render)
	if err != nil {
		return nil, fmt.Errorf("portaudio: open default output: %w", err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		return nil, fmt.Errorf("portaudio: start default output: %w", err)
	}
	slog.Debug("portaudio: speaker opened", "format", audio.Describe(rate, channels), "frames_per_buffer", frames)
	return &speakerOutput{Renderer: r, stream: stream}, nil
}

// speakerOutput is a [mixer.Renderer] bound to a running PortAudio stream.
type speakerOutput struct {
	*mixer.Renderer
	stream *pa.Stream

	closeOnce sync.Once
	closeErr  error
}

// Close stops every voice, then stops and closes the device stream.
func (o *speakerOutput) Close() error {
	o.closeOnce.Do(func() {
		_ = o.Renderer.Close()
		if err := o.stream.Stop(); err != nil {
			o.closeErr = fmt.Errorf("portaudio: stop output: %w", err)
		}
		if err := o.stream.Close(); err != nil && o.closeErr == nil {
			o.closeErr = fmt.Errorf("portaudio: close output: %w", err)
		}
	})
	return o.closeErr
}
