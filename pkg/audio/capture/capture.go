// Package capture turns a live input device into a stream of fixed-size
// [audio.Chunk] values.
//
// A [Pipeline] owns exactly one [Stream] at a time. [Pipeline.Start] opens the
// stream and spawns a single reader goroutine; [Pipeline.Stop] releases it. The
// reader delivers chunks to the caller's callback in capture order, at the
// cadence the device produces samples.
//
// Muting is handled inside the pipeline: chunks keep flowing from the device
// (so the hardware buffer never overruns), but the callback is not invoked
// while [Pipeline.Muted] reports true.
package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/MrWong99/personaflow/pkg/audio"
)

// DefaultChunkSize is the number of samples per emitted chunk.
const DefaultChunkSize = 4096

// ErrPermissionDenied is returned when microphone access is refused or no
// input device is available.
var ErrPermissionDenied = errors.New("capture: microphone access denied")

// Device opens input streams. Implementations must return an error wrapping
// [ErrPermissionDenied] when the input cannot be accessed.
type Device interface {
	Open(ctx context.Context) (Stream, error)
}

// Stream is an open input stream of mono float samples in [-1, 1].
//
// Read blocks until at least one sample is available, the stream is closed, or
// a device error occurs. After Close, Read must return [io.EOF] or
// [io.ErrClosedPipe]. Close must be safe to call concurrently with Read.
type Stream interface {
	Read(buf []float32) (int, error)
	Close() error
	SampleRate() int
}

// Option is a functional option for [New].
type Option func(*Pipeline)

// WithChunkSize sets the number of samples per chunk. Non-positive values are
// ignored.
func WithChunkSize(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.chunkSize = n
		}
	}
}

// Pipeline frames device samples into chunks. Create with [New].
type Pipeline struct {
	dev       Device
	chunkSize int
	muted     atomic.Bool

	mu      sync.Mutex
	stream  Stream
	done    chan struct{}
	started bool
	stopped bool
	err     error
}

// New creates a pipeline reading from dev. The pipeline is idle until
// [Pipeline.Start] is called.
func New(dev Device, opts ...Option) *Pipeline {
	p := &Pipeline{
		dev:       dev,
		chunkSize: DefaultChunkSize,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// ChunkSize returns the configured number of samples per chunk.
func (p *Pipeline) ChunkSize() int { return p.chunkSize }

// Start opens the device and begins delivering chunks to onChunk from a
// dedicated goroutine. It returns the open error (for example one wrapping
// [ErrPermissionDenied]) without starting anything. A pipeline can be started
// at most once; subsequent calls return an error.
func (p *Pipeline) Start(ctx context.Context, onChunk func(audio.Chunk)) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started || p.stopped {
		return errors.New("capture: pipeline already started")
	}

	stream, err := p.dev.Open(ctx)
	if err != nil {
		return fmt.Errorf("capture: open: %w", err)
	}
	p.stream = stream
	p.started = true
	p.done = make(chan struct{})

	go p.readLoop(stream, onChunk)
	return nil
}

// SetMuted suppresses (true) or resumes (false) chunk delivery. The change
// takes effect at the next chunk boundary.
func (p *Pipeline) SetMuted(muted bool) { p.muted.Store(muted) }

// Muted reports whether chunk delivery is suppressed.
func (p *Pipeline) Muted() bool { return p.muted.Load() }

// Stop closes the stream and waits for the reader goroutine to exit. It is
// safe to call multiple times and before Start.
func (p *Pipeline) Stop() error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	stream, done := p.stream, p.done
	p.mu.Unlock()

	if stream == nil {
		return nil
	}
	err := stream.Close()
	<-done
	if err != nil {
		return fmt.Errorf("capture: close: %w", err)
	}
	return nil
}

// Done is closed when the reader goroutine exits, either after [Pipeline.Stop]
// or on a device error reported by [Pipeline.Err]. It returns nil before
// [Pipeline.Start].
func (p *Pipeline) Done() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.done
}

// Err returns the device error that terminated capture, or nil if capture
// ended because the stream was closed.
func (p *Pipeline) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func (p *Pipeline) readLoop(stream Stream, onChunk func(audio.Chunk)) {
	defer close(p.done)

	rate := stream.SampleRate()
	buf := make([]float32, p.chunkSize)
	fill := 0
	for {
		n, err := stream.Read(buf[fill:])
		fill += n
		if fill == len(buf) {
			if !p.muted.Load() {
				onChunk(audio.Chunk{Samples: buf, SampleRate: rate})
				buf = make([]float32, p.chunkSize)
			}
			fill = 0
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrClosedPipe) {
				slog.Warn("capture: device read failed", "err", err)
				p.mu.Lock()
				p.err = fmt.Errorf("capture: read: %w", err)
				p.mu.Unlock()
			}
			return
		}
	}
}
