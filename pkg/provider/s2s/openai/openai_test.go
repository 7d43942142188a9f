package openai_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/personaflow/pkg/provider/s2s"
	"github.com/MrWong99/personaflow/pkg/provider/s2s/openai"
)

const waitTimeout = 3 * time.Second

type sessionUpdate struct {
	Type    string `json:"type"`
	Session struct {
		Voice                   string `json:"voice"`
		Instructions            string `json:"instructions"`
		InputAudioFormat        string `json:"input_audio_format"`
		OutputAudioFormat       string `json:"output_audio_format"`
		InputAudioTranscription *struct {
			Model string `json:"model"`
		} `json:"input_audio_transcription"`
	} `json:"session"`
}

// fakeRealtime serves one Realtime session and records what the client sent.
type fakeRealtime struct {
	url      string
	requests chan *http.Request
	updates  chan sessionUpdate
	frames   chan []byte
}

var sessionCreated = map[string]any{"type": "session.created"}

// startFake reads the client's session.update, runs script (nil announces
// session.created) and drains client frames until the connection closes.
func startFake(t *testing.T, script func(conn *websocket.Conn)) *fakeRealtime {
	t.Helper()
	f := &fakeRealtime{
		requests: make(chan *http.Request, 1),
		updates:  make(chan sessionUpdate, 1),
		frames:   make(chan []byte, 64),
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			t.Errorf("accept: %v", err)
			return
		}
		defer conn.CloseNow()
		f.requests <- r.Clone(context.Background())

		ctx := context.Background()
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var u sessionUpdate
		if err := json.Unmarshal(data, &u); err != nil {
			t.Errorf("session.update %q: %v", data, err)
		}
		f.updates <- u

		if script == nil {
			send(t, conn, sessionCreated)
		} else {
			script(conn)
		}
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			select {
			case f.frames <- data:
			default:
			}
		}
	}))
	t.Cleanup(srv.Close)
	f.url = "ws" + strings.TrimPrefix(srv.URL, "http")
	return f
}

func send(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Errorf("marshal: %v", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Logf("send: %v", err)
	}
}

func dial(t *testing.T, f *fakeRealtime, cfg s2s.SessionConfig, opts ...openai.Option) s2s.SessionHandle {
	t.Helper()
	opts = append([]openai.Option{openai.WithBaseURL(f.url)}, opts...)
	h, err := openai.New("test-key", opts...).Connect(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { _ = h.Close() })
	return h
}

func recv[T any](t *testing.T, ch <-chan T, what string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(waitTimeout):
		t.Fatalf("timed out waiting for %s", what)
	}
	var zero T
	return zero
}

func nextEvent(t *testing.T, h s2s.SessionHandle) s2s.Event {
	t.Helper()
	select {
	case ev, ok := <-h.Events():
		if !ok {
			t.Fatal("events channel closed")
		}
		return ev
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for an event")
	}
	return nil
}

func TestCapabilities(t *testing.T) {
	t.Parallel()
	caps := openai.New("key").Capabilities()
	if caps.InputSampleRate != 24000 || caps.OutputSampleRate != 24000 {
		t.Errorf("rates = %d/%d, want 24000/24000", caps.InputSampleRate, caps.OutputSampleRate)
	}
}

func TestConnect_Handshake(t *testing.T) {
	t.Parallel()
	f := startFake(t, nil)
	dial(t, f, s2s.SessionConfig{APIKey: "override"}, openai.WithModel("gpt-4o-mini-realtime"))

	r := recv(t, f.requests, "upgrade request")
	if got := r.URL.Query().Get("model"); got != "gpt-4o-mini-realtime" {
		t.Errorf("model = %q, want gpt-4o-mini-realtime", got)
	}
	if got := r.Header.Get("Authorization"); got != "Bearer override" {
		t.Errorf("Authorization = %q, want the per-session key", got)
	}
	if got := r.Header.Get("OpenAI-Beta"); got != "realtime=v1" {
		t.Errorf("OpenAI-Beta = %q, want realtime=v1", got)
	}
}

func TestConnect_SessionUpdate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name            string
		cfg             s2s.SessionConfig
		opts            []openai.Option
		wantVoice       string
		wantTranscripts bool
	}{
		{
			name:            "instructions and transcripts",
			cfg:             s2s.SessionConfig{Instructions: "Stay in character.", Transcripts: true},
			wantVoice:       "alloy",
			wantTranscripts: true,
		},
		{
			name:      "session voice wins",
			cfg:       s2s.SessionConfig{Instructions: "Stay in character.", Voice: "verse"},
			opts:      []openai.Option{openai.WithVoice("shimmer")},
			wantVoice: "verse",
		},
		{
			name:      "provider voice",
			cfg:       s2s.SessionConfig{Instructions: "Stay in character."},
			opts:      []openai.Option{openai.WithVoice("shimmer")},
			wantVoice: "shimmer",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := startFake(t, nil)
			dial(t, f, tt.cfg, tt.opts...)

			u := recv(t, f.updates, "session.update")
			if u.Type != "session.update" {
				t.Errorf("type = %q", u.Type)
			}
			if u.Session.Voice != tt.wantVoice {
				t.Errorf("voice = %q, want %q", u.Session.Voice, tt.wantVoice)
			}
			if u.Session.Instructions != tt.cfg.Instructions {
				t.Errorf("instructions = %q", u.Session.Instructions)
			}
			if u.Session.InputAudioFormat != "pcm16" || u.Session.OutputAudioFormat != "pcm16" {
				t.Errorf("formats = %q/%q, want pcm16", u.Session.InputAudioFormat, u.Session.OutputAudioFormat)
			}
			if got := u.Session.InputAudioTranscription != nil; got != tt.wantTranscripts {
				t.Errorf("input_audio_transcription present = %v, want %v", got, tt.wantTranscripts)
			}
		})
	}
}

func TestConnect_CancelledContext(t *testing.T) {
	t.Parallel()
	f := startFake(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := openai.New("k", openai.WithBaseURL(f.url)).Connect(ctx, s2s.SessionConfig{}); err == nil {
		t.Fatal("Connect with a cancelled context should fail")
	}
}

func TestSendAudio(t *testing.T) {
	t.Parallel()
	f := startFake(t, nil)
	h := dial(t, f, s2s.SessionConfig{})

	pcm := []byte{0x10, 0x20, 0x30, 0x40}
	if err := h.SendAudio(pcm); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}
	var msg struct {
		Type  string `json:"type"`
		Audio string `json:"audio"`
	}
	if err := json.Unmarshal(recv(t, f.frames, "append frame"), &msg); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if msg.Type != "input_audio_buffer.append" || msg.Audio != base64.StdEncoding.EncodeToString(pcm) {
		t.Errorf("frame = %+v", msg)
	}

	_ = h.Close()
	if err := h.SendAudio(pcm); err == nil {
		t.Error("SendAudio after Close should fail")
	}
}

func TestEvents_Translation(t *testing.T) {
	t.Parallel()
	delta := base64.StdEncoding.EncodeToString([]byte{1, 2, 3, 4})
	f := startFake(t, func(conn *websocket.Conn) {
		for _, m := range []map[string]any{
			sessionCreated,
			{"type": "response.audio.delta", "delta": delta},
			{"type": "response.audio_transcript.delta", "delta": "Hi, "},
			{"type": "response.audio_transcript.delta", "delta": "I'm Maya."},
			{"type": "response.audio_transcript.done"},
			{"type": "error", "error": map[string]any{"message": "ignored"}},
			{"type": "input_audio_buffer.speech_started"},
			{"type": "conversation.item.input_audio_transcription.completed", "transcript": "tell me more"},
			{"type": "response.done"},
		} {
			send(t, conn, m)
		}
	})
	h := dial(t, f, s2s.SessionConfig{})

	want := []s2s.Event{
		s2s.Opened{},
		s2s.Frame{AudioData: delta},
		s2s.Frame{OutputTranscript: "Hi, I'm Maya."},
		s2s.Frame{Interrupted: true},
		s2s.Frame{InputTranscript: "tell me more"},
		s2s.Frame{TurnComplete: true},
	}
	for i, w := range want {
		if got := nextEvent(t, h); got != w {
			t.Errorf("event %d = %#v, want %#v", i, got, w)
		}
	}
}

func TestEvents_RemoteClose(t *testing.T) {
	t.Parallel()
	f := startFake(t, func(conn *websocket.Conn) {
		send(t, conn, sessionCreated)
		conn.Close(websocket.StatusPolicyViolation, "invalid api key")
	})
	h := dial(t, f, s2s.SessionConfig{})

	if ev := nextEvent(t, h); ev != (s2s.Opened{}) {
		t.Fatalf("first event = %#v, want Opened", ev)
	}
	ev, ok := nextEvent(t, h).(s2s.Closed)
	if !ok {
		t.Fatalf("event = %#v, want Closed", ev)
	}
	if ev.Code != int(websocket.StatusPolicyViolation) {
		t.Errorf("code = %d, want %d", ev.Code, websocket.StatusPolicyViolation)
	}
}

func TestClose(t *testing.T) {
	t.Parallel()
	h := dial(t, startFake(t, func(*websocket.Conn) {}), s2s.SessionConfig{})

	for i := range 2 {
		if err := h.Close(); err != nil {
			t.Fatalf("Close #%d: %v", i+1, err)
		}
	}
	deadline := time.After(waitTimeout)
	for {
		select {
		case _, open := <-h.Events():
			if !open {
				return
			}
		case <-deadline:
			t.Fatal("events channel still open")
		}
	}
}
