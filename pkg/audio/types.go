// Package audio defines the sample containers and PCM codec shared by the
// capture, playback, and transport layers of the live interview pipeline.
//
// Two containers flow through the system:
//
//   - [Chunk]: a fixed-length block of captured mono samples on its way to
//     the speech model.
//   - [Buffer]: a decoded, playable block of model speech, one sample plane
//     per channel.
//
// The wire format between the two is little-endian signed 16-bit PCM, carried
// as base64 text inside the transport's JSON messages.
package audio

import "time"

// Wire sample rates used by the Gemini Live protocol.
const (
	// CaptureSampleRate is the rate microphone audio is sent at.
	CaptureSampleRate = 16000

	// PlaybackSampleRate is the rate model speech is returned at.
	PlaybackSampleRate = 24000
)

// Chunk is a block of captured floating-point samples in [-1, 1].
//
// Chunks are produced by the capture pipeline and handed to exactly one
// consumer. The producer must not touch Samples after handing the chunk off.
type Chunk struct {
	// Samples holds mono samples in capture order.
	Samples []float32

	// SampleRate in Hz of Samples (typically [CaptureSampleRate]).
	SampleRate int
}

// Duration returns the playback length of the chunk.
func (c Chunk) Duration() time.Duration {
	return framesToDuration(len(c.Samples), c.SampleRate)
}

// Buffer is a decoded, playable block of audio. Each entry of Channels is one
// de-interleaved sample plane; all planes have the same length.
type Buffer struct {
	Channels   [][]float32
	SampleRate int
}

// NumChannels returns the number of sample planes.
func (b Buffer) NumChannels() int { return len(b.Channels) }

// Frames returns the number of frames (samples per channel).
func (b Buffer) Frames() int {
	if len(b.Channels) == 0 {
		return 0
	}
	return len(b.Channels[0])
}

// Duration returns the playback length of the buffer.
func (b Buffer) Duration() time.Duration {
	return framesToDuration(b.Frames(), b.SampleRate)
}

func framesToDuration(frames, rate int) time.Duration {
	if rate <= 0 {
		return 0
	}
	return time.Duration(int64(frames) * int64(time.Second) / int64(rate))
}
