// Package mixer provides a software implementation of [playback.Output].
//
// A [Renderer] owns an output clock measured in rendered frames. The device
// driver (or a test) pulls audio by calling [Renderer.Render] once per device
// period; each call sums every scheduled voice that overlaps the period,
// advances the clock, and retires voices that have finished.
package mixer

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/personaflow/pkg/audio"
	"github.com/MrWong99/personaflow/pkg/audio/playback"
)

// Compile-time interface assertions.
var (
	_ playback.Output = (*Renderer)(nil)
	_ playback.Voice  = (*voice)(nil)
)

// Renderer mixes scheduled buffers into interleaved float32 device periods.
//
// All exported methods are safe for concurrent use. Render is expected to be
// called from a single device goroutine.
type Renderer struct {
	rate     int
	channels int

	mu     sync.Mutex
	frames int64 // frames rendered so far; the output clock
	voices []*voice
	closed bool
}

// New creates a renderer producing audio at sampleRate with the given number
// of interleaved channels. Values below 1 default to 24 kHz mono.
func New(sampleRate, channels int) *Renderer {
	if sampleRate < 1 {
		sampleRate = audio.PlaybackSampleRate
	}
	if channels < 1 {
		channels = 1
	}
	return &Renderer{rate: sampleRate, channels: channels}
}

// SampleRate returns the output sample rate in Hz.
func (r *Renderer) SampleRate() int { return r.rate }

// Channels returns the number of interleaved output channels.
func (r *Renderer) Channels() int { return r.channels }

// Now implements [playback.Output]. It returns the duration of audio rendered
// so far.
func (r *Renderer) Now() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.clockLocked()
}

// Schedule implements [playback.Output]. buf is converted to the renderer's
// sample rate and channel layout up front. at is rounded to the nearest frame,
// so durations truncated to whole nanoseconds still land back to back. A start
// position at or before the current clock begins at the next rendered frame.
func (r *Renderer) Schedule(buf audio.Buffer, at time.Duration) playback.Voice {
	v := &voice{done: make(chan struct{})}
	planes := r.conform(buf)

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed || len(planes) == 0 || len(planes[0]) == 0 {
		v.Stop()
		return v
	}
	v.planes = planes
	v.start = max(r.frameAt(at), r.frames)
	r.voices = append(r.voices, v)
	return v
}

// Render fills out with the next len(out)/Channels() interleaved frames and
// advances the clock. Periods with no active voices are silent.
func (r *Renderer) Render(out []float32) {
	clear(out)
	n := int64(len(out) / r.channels)
	if n == 0 {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		r.frames += n
		return
	}

	from, to := r.frames, r.frames+n
	kept := r.voices[:0]
	for _, v := range r.voices {
		if v.stopped.Load() {
			continue
		}
		length := int64(len(v.planes[0]))
		lo, hi := max(v.start, from), min(v.start+length, to)
		for f := lo; f < hi; f++ {
			src := f - v.start
			dst := (f - from) * int64(r.channels)
			for ch := range r.channels {
				out[dst+int64(ch)] += v.planes[ch][src]
			}
		}
		if v.start+length <= to {
			v.Stop()
			continue
		}
		kept = append(kept, v)
	}
	clear(r.voices[len(kept):])
	r.voices = kept
	r.frames = to

	for i, s := range out {
		if s > 1 {
			out[i] = 1
		} else if s < -1 {
			out[i] = -1
		}
	}
}

// Pending returns the number of voices not yet finished.
func (r *Renderer) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.voices)
}

// Close implements [playback.Output]. It stops every voice; later Render calls
// produce silence. Close is idempotent.
func (r *Renderer) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	for _, v := range r.voices {
		v.Stop()
	}
	r.voices = nil
	return nil
}

func (r *Renderer) frameAt(at time.Duration) int64 {
	return (int64(at)*int64(r.rate) + int64(time.Second)/2) / int64(time.Second)
}

func (r *Renderer) clockLocked() time.Duration {
	return time.Duration(r.frames * int64(time.Second) / int64(r.rate))
}

// conform resamples buf to the output rate and maps its planes onto the output
// channels. Mono input is copied to every channel; multi-channel input mixed
// down to mono is averaged.
func (r *Renderer) conform(buf audio.Buffer) [][]float32 {
	nb := buf.NumChannels()
	if nb == 0 || buf.Frames() == 0 {
		return nil
	}

	src := buf.Channels
	if r.channels == 1 && nb > 1 {
		mono := make([]float32, buf.Frames())
		for _, plane := range src {
			for i, s := range plane {
				mono[i] += s / float32(nb)
			}
		}
		src = [][]float32{mono}
		nb = 1
	}

	planes := make([][]float32, r.channels)
	for ch := range planes {
		planes[ch] = resample(src[ch%nb], buf.SampleRate, r.rate)
	}
	return planes
}

// resample converts a sample plane between rates using linear interpolation.
func resample(in []float32, srcRate, dstRate int) []float32 {
	if srcRate <= 0 || srcRate == dstRate {
		return in
	}
	n := int(int64(len(in)) * int64(dstRate) / int64(srcRate))
	out := make([]float32, n)
	ratio := float64(srcRate) / float64(dstRate)
	for i := range out {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := float32(pos - float64(idx))
		s0 := in[idx]
		s1 := s0
		if idx+1 < len(in) {
			s1 = in[idx+1]
		}
		out[i] = s0*(1-frac) + s1*frac
	}
	return out
}

// voice is a buffer scheduled on a [Renderer].
type voice struct {
	planes  [][]float32
	start   int64
	stopped atomic.Bool
	once    sync.Once
	done    chan struct{}
}

// Stop implements [playback.Voice].
func (v *voice) Stop() {
	v.once.Do(func() {
		v.stopped.Store(true)
		close(v.done)
	})
}

// Done implements [playback.Voice].
func (v *voice) Done() <-chan struct{} { return v.done }
