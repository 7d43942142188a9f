// Package mock provides test doubles for the s2s package interfaces.
//
// Use Provider to verify Connect calls and hand out controllable sessions.
// Use Session to inject events as if they came from the remote model and to
// inspect the audio the caller sent.
//
// Example:
//
//	p := &mock.Provider{AutoOpen: true}
//	handle, _ := p.Connect(ctx, cfg)
//	sess := p.LastSession()
//	sess.Emit(s2s.Frame{Interrupted: true})
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/personaflow/pkg/provider/s2s"
)

// Compile-time interface assertions.
var (
	_ s2s.Provider      = (*Provider)(nil)
	_ s2s.SessionHandle = (*Session)(nil)
)

// ConnectCall records a single invocation of Provider.Connect.
type ConnectCall struct {
	// Cfg is the SessionConfig passed to Connect.
	Cfg s2s.SessionConfig
	// At is when Connect was invoked.
	At time.Time
}

// Provider is a mock implementation of s2s.Provider.
type Provider struct {
	mu sync.Mutex

	// ConnectErrs, when non-empty, supplies the error for successive Connect
	// calls; a nil entry lets that call succeed. Once exhausted, ConnectErr
	// applies.
	ConnectErrs []error

	// ConnectErr, if non-nil, is returned as the error from Connect.
	ConnectErr error

	// BlockConnect makes Connect wait until its context is done.
	BlockConnect bool

	// AutoOpen makes every new session emit [s2s.Opened] immediately.
	AutoOpen bool

	// ProviderCapabilities is returned by Capabilities. A zero value reports
	// 16 kHz input and 24 kHz output.
	ProviderCapabilities s2s.Capabilities

	// ConnectCalls records every call to Connect in order.
	ConnectCalls []ConnectCall

	// Sessions holds every session returned by Connect, in order.
	Sessions []*Session

	notify chan *Session
}

func (p *Provider) notifyCh() chan *Session {
	if p.notify == nil {
		p.notify = make(chan *Session, 64)
	}
	return p.notify
}

// Connect records the call and returns a fresh [Session] or an error.
func (p *Provider) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.SessionHandle, error) {
	p.mu.Lock()
	p.ConnectCalls = append(p.ConnectCalls, ConnectCall{Cfg: cfg, At: time.Now()})
	var err error
	if len(p.ConnectErrs) > 0 {
		err = p.ConnectErrs[0]
		p.ConnectErrs = p.ConnectErrs[1:]
	} else {
		err = p.ConnectErr
	}
	block := p.BlockConnect
	p.mu.Unlock()

	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if err != nil {
		return nil, err
	}

	sess := NewSession()
	if p.AutoOpen {
		sess.Emit(s2s.Opened{})
	}
	p.mu.Lock()
	p.Sessions = append(p.Sessions, sess)
	ch := p.notifyCh()
	p.mu.Unlock()
	ch <- sess
	return sess, nil
}

// Capabilities returns ProviderCapabilities with defaults filled in.
func (p *Provider) Capabilities() s2s.Capabilities {
	p.mu.Lock()
	defer p.mu.Unlock()
	caps := p.ProviderCapabilities
	if caps.InputSampleRate == 0 {
		caps.InputSampleRate = 16000
	}
	if caps.OutputSampleRate == 0 {
		caps.OutputSampleRate = 24000
	}
	return caps
}

// Calls returns a copy of the recorded Connect invocations.
func (p *Provider) Calls() []ConnectCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]ConnectCall, len(p.ConnectCalls))
	copy(out, p.ConnectCalls)
	return out
}

// LastSession returns the most recently created session, or nil.
func (p *Provider) LastSession() *Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.Sessions) == 0 {
		return nil
	}
	return p.Sessions[len(p.Sessions)-1]
}

// WaitSession blocks until Connect hands out a session not yet returned by
// WaitSession, or until timeout elapses (returning nil).
func (p *Provider) WaitSession(timeout time.Duration) *Session {
	p.mu.Lock()
	ch := p.notifyCh()
	p.mu.Unlock()
	select {
	case s := <-ch:
		return s
	case <-time.After(timeout):
		return nil
	}
}

// ─── Session ──────────────────────────────────────────────────────────────────

// Session is a mock implementation of s2s.SessionHandle.
type Session struct {
	events chan s2s.Event
	done   chan struct{}
	once   sync.Once

	mu sync.Mutex

	// SendErr, if non-nil, is returned by SendAudio.
	SendErr error

	// Sent records every chunk passed to SendAudio.
	Sent [][]byte

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int
}

// NewSession creates a session with a buffered event stream.
func NewSession() *Session {
	return &Session{
		events: make(chan s2s.Event, 64),
		done:   make(chan struct{}),
	}
}

// Emit injects ev into the event stream. It is a no-op once the session is
// closed. Terminal events ([s2s.Errored], [s2s.Closed]) close the stream
// after delivery.
func (s *Session) Emit(ev s2s.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.done:
		return
	default:
	}
	select {
	case s.events <- ev:
	case <-s.done:
		return
	}
	switch ev.(type) {
	case s2s.Errored, s2s.Closed:
		s.finishLocked()
	}
}

// SendAudio records the chunk and returns SendErr.
func (s *Session) SendAudio(pcm []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.SendErr != nil {
		return s.SendErr
	}
	cp := make([]byte, len(pcm))
	copy(cp, pcm)
	s.Sent = append(s.Sent, cp)
	return nil
}

// SentChunks returns a copy of all chunks passed to SendAudio.
func (s *Session) SentChunks() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.Sent))
	copy(out, s.Sent)
	return out
}

// Events returns the event stream.
func (s *Session) Events() <-chan s2s.Event { return s.events }

// Close records the call and closes the event stream. Idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCallCount++
	s.finishLocked()
	return nil
}

// Closed reports whether Close was called at least once.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CloseCallCount > 0
}

func (s *Session) finishLocked() {
	s.once.Do(func() {
		close(s.done)
		close(s.events)
	})
}
