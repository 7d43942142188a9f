// Package session implements the live interview connection controller.
//
// A [Controller] owns one duplex speech-model session at a time: it dials the
// configured [s2s.Provider], relays microphone chunks out, decodes the model's
// audio into a [playback.Scheduler], honours barge-in interruptions, and
// reconnects a bounded number of times when the transport fails.
//
// Listener callbacks are delivered in order on a dedicated goroutine, so a
// callback may call back into the controller without deadlocking.
package session

import (
	"errors"
	"fmt"
)

// State is the lifecycle state of a [Controller].
type State int

const (
	// Idle is the state before the first Connect.
	Idle State = iota
	// Connecting means a dial (or a scheduled reconnect) is in flight.
	Connecting
	// Open means the transport reported the session as ready.
	Open
	// Closing is the transient state while resources are released.
	Closing
	// Closed means the session ended normally or was closed by the caller.
	Closed
	// Error means the session ended after exhausting its retries.
	Error
)

// String returns the lower-case name of the state.
func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	case Error:
		return "error"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Active reports whether s holds (or is acquiring) a transport.
func (s State) Active() bool {
	return s == Connecting || s == Open
}

// Speaker identifies who said a transcribed line.
type Speaker string

const (
	SpeakerUser    Speaker = "user"
	SpeakerPersona Speaker = "persona"
)

var (
	// ErrConnectionLost is reported when the transport failed and no retries
	// remain.
	ErrConnectionLost = errors.New("connection lost")

	// ErrAlreadyActive is returned by Connect while a session is connecting or
	// open.
	ErrAlreadyActive = errors.New("session: already active")
)
