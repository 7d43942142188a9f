package config_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/personaflow/internal/config"
	"github.com/MrWong99/personaflow/pkg/provider/s2s"
	s2smock "github.com/MrWong99/personaflow/pkg/provider/s2s/mock"
)

// ── helpers ──────────────────────────────────────────────────────────────────

const sampleYAML = `
server:
  listen_addr: ":9090"
  log_level: debug

provider:
  name: gemini-live
  api_key: platform-key
  model: gemini-2.5-flash-native-audio-preview-12-2025
  voice: Zephyr
  options:
    region: eu

failover:
  providers:
    - name: gemini-live
      model: gemini-live-2.5-flash-preview
  max_failures: 2

interview:
  tier: custom
  free_budget: 2m
  connect_timeout: 10s
  retry_delay: 500ms
  max_retries: 2
  chunk_size: 2048
  capture_sample_rate: 48000
  transcripts: true

audio:
  frames_per_buffer: 512
  output_channels: 2

persona:
  file: personas/maya.yaml
`

// ── YAML loading ──────────────────────────────────────────────────────────────

func TestLoadFromReader_Valid(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadFromReader(strings.NewReader(sampleYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.ListenAddr != ":9090" {
		t.Errorf("server.listen_addr: got %q, want %q", cfg.Server.ListenAddr, ":9090")
	}
	if cfg.Server.LogLevel != config.LogDebug {
		t.Errorf("server.log_level: got %q, want %q", cfg.Server.LogLevel, config.LogDebug)
	}
	if cfg.Provider.Name != "gemini-live" || cfg.Provider.APIKey != "platform-key" || cfg.Provider.Voice != "Zephyr" {
		t.Errorf("provider: got %+v", cfg.Provider)
	}
	if cfg.Provider.Options["region"] != "eu" {
		t.Errorf("provider.options.region: got %v", cfg.Provider.Options["region"])
	}

	fo := cfg.Failover
	if len(fo.Providers) != 1 || fo.Providers[0].Model != "gemini-live-2.5-flash-preview" {
		t.Errorf("failover.providers: got %+v", fo.Providers)
	}
	if fo.MaxFailures != 2 || fo.ResetTimeout != config.DefaultResetTimeout {
		t.Errorf("failover: got max_failures=%d reset_timeout=%s", fo.MaxFailures, fo.ResetTimeout)
	}

	iv := cfg.Interview
	if iv.Tier != config.TierCustom {
		t.Errorf("interview.tier: got %q", iv.Tier)
	}
	if iv.FreeBudget != 2*time.Minute {
		t.Errorf("interview.free_budget: got %s, want 2m", iv.FreeBudget)
	}
	if iv.ConnectTimeout != 10*time.Second {
		t.Errorf("interview.connect_timeout: got %s, want 10s", iv.ConnectTimeout)
	}
	if iv.RetryDelay != 500*time.Millisecond {
		t.Errorf("interview.retry_delay: got %s, want 500ms", iv.RetryDelay)
	}
	if iv.MaxRetries != 2 || iv.ChunkSize != 2048 || iv.CaptureSampleRate != 48000 || !iv.Transcripts {
		t.Errorf("interview: got %+v", iv)
	}
	if cfg.Audio.FramesPerBuffer != 512 || cfg.Audio.OutputChannels != 2 {
		t.Errorf("audio: got %+v", cfg.Audio)
	}
	if cfg.Persona.File != "personas/maya.yaml" {
		t.Errorf("persona.file: got %q", cfg.Persona.File)
	}
}

func TestLoadFromReader_EmptyAppliesDefaults(t *testing.T) {
	t.Parallel()
	for _, doc := range []string{"", "{}"} {
		cfg, err := config.LoadFromReader(strings.NewReader(doc))
		if err != nil {
			t.Fatalf("LoadFromReader(%q): unexpected error: %v", doc, err)
		}
		if cfg.Server.ListenAddr != config.DefaultListenAddr {
			t.Errorf("listen_addr: got %q, want %q", cfg.Server.ListenAddr, config.DefaultListenAddr)
		}
		if cfg.Server.LogLevel != config.LogInfo {
			t.Errorf("log_level: got %q, want info", cfg.Server.LogLevel)
		}
		if cfg.Provider.Name != config.DefaultProvider {
			t.Errorf("provider.name: got %q, want %q", cfg.Provider.Name, config.DefaultProvider)
		}
		iv := cfg.Interview
		if iv.Tier != config.TierFree {
			t.Errorf("tier: got %q, want free", iv.Tier)
		}
		if iv.FreeBudget != 300*time.Second {
			t.Errorf("free_budget: got %s, want 5m0s", iv.FreeBudget)
		}
		if iv.ConnectTimeout != 15*time.Second {
			t.Errorf("connect_timeout: got %s, want 15s", iv.ConnectTimeout)
		}
		if iv.RetryDelay != time.Second || iv.MaxRetries != 1 {
			t.Errorf("retry: got delay=%s max=%d, want 1s and 1", iv.RetryDelay, iv.MaxRetries)
		}
		if iv.ChunkSize != 4096 || iv.CaptureSampleRate != 16000 {
			t.Errorf("capture: got chunk=%d rate=%d", iv.ChunkSize, iv.CaptureSampleRate)
		}
		if cfg.Audio.OutputChannels != 1 {
			t.Errorf("output_channels: got %d, want 1", cfg.Audio.OutputChannels)
		}
	}
}

func TestLoadFromReader_UnknownField(t *testing.T) {
	t.Parallel()
	_, err := config.LoadFromReader(strings.NewReader("interview:\n  budget: 10s\n"))
	if err == nil {
		t.Fatal("expected error for unknown field, got nil")
	}
	if !strings.Contains(err.Error(), "budget") {
		t.Errorf("error should name the unknown field, got: %v", err)
	}
}

func TestLoad_File(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(sampleYAML), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Provider.Name != "gemini-live" {
		t.Errorf("provider.name: got %q", cfg.Provider.Name)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	t.Parallel()
	_, err := config.Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("Load: got %v, want os.ErrNotExist", err)
	}
}

// ── Registry ──────────────────────────────────────────────────────────────────

func TestRegistry_Unknown(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	_, err := reg.Create(config.ProviderEntry{Name: "nonexistent"})
	if !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("expected ErrProviderNotRegistered, got %v", err)
	}
}

func TestRegistry_Registered(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	want := &s2smock.Provider{}
	var got config.ProviderEntry
	reg.Register("mock", func(e config.ProviderEntry) (s2s.Provider, error) {
		got = e
		return want, nil
	})

	p, err := reg.Create(config.ProviderEntry{Name: "mock", APIKey: "k", Model: "m"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p != want {
		t.Errorf("Create returned %v, want the registered provider", p)
	}
	if got.APIKey != "k" || got.Model != "m" {
		t.Errorf("factory received %+v", got)
	}
	if _, err := p.Connect(context.Background(), s2s.SessionConfig{}); err != nil {
		t.Errorf("Connect: %v", err)
	}
}

func TestRegistry_Overwrite(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	first, second := &s2smock.Provider{}, &s2smock.Provider{}
	reg.Register("p", func(config.ProviderEntry) (s2s.Provider, error) { return first, nil })
	reg.Register("p", func(config.ProviderEntry) (s2s.Provider, error) { return second, nil })

	p, err := reg.Create(config.ProviderEntry{Name: "p"})
	if err != nil {
		t.Fatal(err)
	}
	if p != second {
		t.Error("later registration should win")
	}
}

func TestRegistry_FactoryError(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	boom := errors.New("boom")
	reg.Register("broken", func(config.ProviderEntry) (s2s.Provider, error) { return nil, boom })

	_, err := reg.Create(config.ProviderEntry{Name: "broken"})
	if !errors.Is(err, boom) {
		t.Errorf("expected wrapped factory error, got %v", err)
	}
}

func TestRegistry_Names(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	factory := func(config.ProviderEntry) (s2s.Provider, error) { return &s2smock.Provider{}, nil }
	reg.Register("openai-realtime", factory)
	reg.Register("gemini-live", factory)

	got := strings.Join(reg.Names(), ",")
	if got != "gemini-live,openai-realtime" {
		t.Errorf("Names: got %q", got)
	}
}
