// Package s2s defines the Provider interface for duplex speech-to-speech
// backends.
//
// An S2S provider wraps a real-time voice model that accepts raw PCM audio and
// answers with synthesised speech over one long-lived, stateful connection.
// Examples include Google's Gemini Live API and the OpenAI Realtime API.
//
// The central abstraction is [SessionHandle]: outbound audio goes through
// [SessionHandle.SendAudio]; everything the provider reports comes back as an
// ordered stream of [Event] values on [SessionHandle.Events]. There are exactly
// four event kinds:
//
//   - [Opened]: the provider accepted the session configuration.
//   - [Frame]: one server message (audio payload, interruption signal,
//     transcripts).
//   - [Errored]: a transport or protocol failure. Terminal.
//   - [Closed]: the remote side closed the connection. Terminal.
//
// After a terminal event, or after the caller invokes Close, the events
// channel is closed.
//
// All implementations must be safe for concurrent use.
package s2s

import (
	"context"
	"time"
)

// DefaultVoice is the prebuilt voice requested when none is configured.
const DefaultVoice = "Zephyr"

// SessionConfig is the initial configuration for a new S2S session.
type SessionConfig struct {
	// Instructions is the system-level prompt that defines the persona's
	// identity and behaviour.
	Instructions string

	// Voice is the provider-specific prebuilt voice name. Empty selects the
	// provider default.
	Voice string

	// APIKey overrides the provider's configured credential for this session
	// only. Empty keeps the configured credential.
	APIKey string

	// Transcripts requests input and output transcriptions alongside audio.
	Transcripts bool
}

// Capabilities describes static properties of an S2S provider.
// The values are assumed constant for the lifetime of the Provider instance.
type Capabilities struct {
	// InputSampleRate is the PCM16 mono rate SendAudio expects, in Hz.
	InputSampleRate int

	// OutputSampleRate is the PCM16 mono rate of [Frame.AudioData], in Hz.
	OutputSampleRate int

	// MaxSessionDuration is the hard upper bound on session lifetime imposed by
	// the provider. Zero means no documented limit.
	MaxSessionDuration time.Duration

	// Voices lists the prebuilt voice names available for this provider.
	Voices []string
}

// Event is one of [Opened], [Frame], [Errored], or [Closed].
type Event interface {
	isEvent()
}

// Opened reports that the provider acknowledged the session setup. Audio sent
// before Opened may be discarded by the provider.
type Opened struct{}

// Frame is one inbound server message. Any combination of fields may be set.
type Frame struct {
	// AudioData is a base64-encoded PCM16LE mono payload at the provider's
	// OutputSampleRate. Empty when the message carries no audio.
	AudioData string

	// Interrupted signals that the user barged in and any queued model speech
	// must be discarded.
	Interrupted bool

	// TurnComplete marks the end of a model turn.
	TurnComplete bool

	// InputTranscript is recognised user speech.
	InputTranscript string

	// OutputTranscript is the text form of model speech.
	OutputTranscript string
}

// Errored reports a transport or protocol failure. No further events follow.
type Errored struct {
	Err error
}

// Closed reports that the remote side closed the connection. No further
// events follow.
type Closed struct {
	// Code is the WebSocket close status code, or -1 if none was received.
	Code int

	// Reason is the close reason sent by the remote side.
	Reason string
}

func (Opened) isEvent()  {}
func (Frame) isEvent()   {}
func (Errored) isEvent() {}
func (Closed) isEvent()  {}

// SessionHandle represents an open S2S connection. It is an interface so that
// test code can supply mock implementations without a live provider.
//
// Callers must call Close when the session is no longer needed.
type SessionHandle interface {
	// SendAudio delivers one PCM16LE mono chunk at the provider's
	// InputSampleRate. Returns an error if the session is closed or the write
	// fails.
	SendAudio(pcm []byte) error

	// Events returns the ordered event stream for this connection. The channel
	// is closed after a terminal event or after Close. Consumers must drain it
	// promptly.
	Events() <-chan Event

	// Close terminates the session and releases all resources. Calling Close
	// more than once is safe and returns nil.
	Close() error
}

// Provider is the abstraction over any S2S backend.
type Provider interface {
	// Connect dials the backend and sends the session configuration. It returns
	// as soon as the connection is established; the handle emits [Opened] once
	// the provider acknowledges the setup.
	//
	// Returns an error if the connection cannot be established (e.g.
	// authentication failure or ctx cancelled). The caller owns the handle.
	Connect(ctx context.Context, cfg SessionConfig) (SessionHandle, error)

	// Capabilities returns static metadata about this provider.
	Capabilities() Capabilities
}
