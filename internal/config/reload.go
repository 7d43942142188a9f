package config

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// DefaultReloadInterval is how often a [Reloader] re-reads its file.
const DefaultReloadInterval = 5 * time.Second

// ChangeFunc receives the configuration in force before and after a reload
// together with the sections that differ.
type ChangeFunc func(prev, next *Config, d ConfigDiff)

// Reloader re-reads a config file on an interval and reports edits that
// produce a valid configuration. Edits that fail to parse or validate are
// logged and the previous configuration stays in force.
type Reloader struct {
	path     string
	interval time.Duration
	onChange ChangeFunc

	mu      sync.Mutex
	current *Config
	sum     [sha256.Size]byte
}

// ReloadOption configures a [Reloader].
type ReloadOption func(*Reloader)

// ReloadEvery overrides [DefaultReloadInterval].
func ReloadEvery(d time.Duration) ReloadOption {
	return func(r *Reloader) {
		if d > 0 {
			r.interval = d
		}
	}
}

// NewReloader loads path once and returns a Reloader primed with it. Call
// [Reloader.Run] to start polling.
func NewReloader(path string, onChange ChangeFunc, opts ...ReloadOption) (*Reloader, error) {
	r := &Reloader{path: path, interval: DefaultReloadInterval, onChange: onChange}
	for _, opt := range opts {
		opt(r)
	}
	cfg, sum, err := r.read()
	if err != nil {
		return nil, fmt.Errorf("config: reload: %w", err)
	}
	r.current, r.sum = cfg, sum
	return r, nil
}

// Current is the last valid configuration read from disk.
func (r *Reloader) Current() *Config {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}

// Run polls until ctx is done. It always returns nil so it can sit in an
// errgroup next to the other long-running loops.
func (r *Reloader) Run(ctx context.Context) error {
	t := time.NewTicker(r.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if _, err := r.Reload(); err != nil {
				slog.Warn("config reload skipped", "path", r.path, "err", err)
			}
		}
	}
}

// Reload re-reads the file once. It reports whether a new configuration was
// adopted; an unreadable or invalid file returns an error and changes nothing.
func (r *Reloader) Reload() (bool, error) {
	cfg, sum, err := r.read()
	if err != nil {
		return false, err
	}

	r.mu.Lock()
	if sum == r.sum {
		r.mu.Unlock()
		return false, nil
	}
	prev := r.current
	r.current, r.sum = cfg, sum
	r.mu.Unlock()

	d := Diff(prev, cfg)
	slog.Info("config reloaded", "path", r.path, "restart_required", d.RequiresRestart())
	if r.onChange != nil {
		r.onChange(prev, cfg, d)
	}
	return true, nil
}

func (r *Reloader) read() (*Config, [sha256.Size]byte, error) {
	data, err := os.ReadFile(r.path)
	if err != nil {
		return nil, [sha256.Size]byte{}, err
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, [sha256.Size]byte{}, err
	}
	return cfg, sha256.Sum256(data), nil
}
