package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists the known speech-to-speech provider names.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = []string{"gemini-live", "openai-realtime"}

// Load reads the YAML configuration file at path, applies defaults, and
// returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults, and
// validates the result. An empty document yields the default configuration.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	cfg.ApplyDefaults()
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Provider
	if cfg.Provider.Name == "" {
		errs = append(errs, errors.New("provider.name is required"))
	} else if !slices.Contains(ValidProviderNames, cfg.Provider.Name) {
		slog.Warn("unknown provider name; may be a typo or a third-party provider",
			"name", cfg.Provider.Name,
			"known", ValidProviderNames,
		)
	}

	// Failover
	for i, fb := range cfg.Failover.Providers {
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("failover.providers[%d].name is required", i))
		}
	}
	if cfg.Failover.MaxFailures < 0 {
		errs = append(errs, fmt.Errorf("failover.max_failures %d must not be negative", cfg.Failover.MaxFailures))
	}
	if cfg.Failover.ResetTimeout < 0 {
		errs = append(errs, fmt.Errorf("failover.reset_timeout %s must not be negative", cfg.Failover.ResetTimeout))
	}

	// Interview
	iv := cfg.Interview
	if iv.Tier != "" && !iv.Tier.IsValid() {
		errs = append(errs, fmt.Errorf("interview.tier %q is invalid; valid values: free, custom", iv.Tier))
	}
	if iv.FreeBudget < 0 {
		errs = append(errs, fmt.Errorf("interview.free_budget %s must not be negative", iv.FreeBudget))
	}
	if iv.ConnectTimeout < 0 {
		errs = append(errs, fmt.Errorf("interview.connect_timeout %s must not be negative", iv.ConnectTimeout))
	}
	if iv.RetryDelay < 0 {
		errs = append(errs, fmt.Errorf("interview.retry_delay %s must not be negative", iv.RetryDelay))
	}
	if iv.ChunkSize < 0 {
		errs = append(errs, fmt.Errorf("interview.chunk_size %d must not be negative", iv.ChunkSize))
	}
	if iv.CaptureSampleRate < 0 {
		errs = append(errs, fmt.Errorf("interview.capture_sample_rate %d must not be negative", iv.CaptureSampleRate))
	}
	if iv.Tier == TierFree && cfg.Provider.APIKey == "" {
		slog.Warn("provider.api_key is empty; free-tier interviews will not be able to connect")
	}

	// Audio
	if cfg.Audio.FramesPerBuffer < 0 {
		errs = append(errs, fmt.Errorf("audio.frames_per_buffer %d must not be negative", cfg.Audio.FramesPerBuffer))
	}
	if cfg.Audio.OutputChannels < 0 || cfg.Audio.OutputChannels > 2 {
		errs = append(errs, fmt.Errorf("audio.output_channels %d is out of range [1, 2]", cfg.Audio.OutputChannels))
	}

	// Persona
	if cfg.Persona.File != "" && cfg.Persona.ID != "" {
		errs = append(errs, errors.New("persona.file and persona.id are mutually exclusive"))
	}
	if cfg.Persona.ID != "" && cfg.Persona.PostgresDSN == "" {
		slog.Warn("persona.id is set without persona.postgres_dsn; only personas imported at startup can be found")
	}

	return errors.Join(errs...)
}
