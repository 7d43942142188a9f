// Command personaflow runs a live voice interview with a synthetic persona on
// the local microphone and speakers.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/personaflow/internal/app"
	"github.com/MrWong99/personaflow/internal/config"
	"github.com/MrWong99/personaflow/internal/health"
	"github.com/MrWong99/personaflow/internal/observe"
	"github.com/MrWong99/personaflow/internal/resilience"
	"github.com/MrWong99/personaflow/internal/session"
	"github.com/MrWong99/personaflow/pkg/audio/playback"
	"github.com/MrWong99/personaflow/pkg/audio/portaudio"
	"github.com/MrWong99/personaflow/pkg/provider/s2s"
	geminilive "github.com/MrWong99/personaflow/pkg/provider/s2s/gemini"
	oais2s "github.com/MrWong99/personaflow/pkg/provider/s2s/openai"
)

// version is set at link time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	personaFile := flag.String("persona", "", "persona export to interview (overrides persona.file)")
	personaID := flag.String("persona-id", "", "stored persona to interview (overrides persona.id)")
	tierFlag := flag.String("tier", "", `interview tier: "free" or "custom" (default from config)`)
	apiKey := flag.String("key", "", "your own provider API key for the custom tier")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "personaflow: config file %q not found: copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "personaflow: %v\n", err)
		}
		return 1
	}
	if *personaFile != "" {
		cfg.Persona.File = *personaFile
		cfg.Persona.ID = ""
	}
	tier, err := app.ParseTier(*tierFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "personaflow: %v\n", err)
		return 2
	}
	if *tierFlag == "" {
		tier = app.Tier(cfg.Interview.Tier)
	}
	credential := *apiKey
	if credential == "" {
		credential = os.Getenv("PERSONAFLOW_API_KEY")
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(slogLevel(cfg.Server.LogLevel))
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	slog.Info("personaflow starting",
		"config", *configPath,
		"provider", cfg.Provider.Name,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Hot reload ────────────────────────────────────────────────────────────
	reloader, err := config.NewReloader(*configPath, func(_, _ *config.Config, d config.ConfigDiff) {
		if d.LogLevelChanged {
			level.Set(slogLevel(d.NewLogLevel))
			slog.Info("log level changed", "level", d.NewLogLevel)
		}
		if d.RequiresRestart() {
			slog.Warn("config changed; restart to apply", "provider", d.ProviderChanged, "interview", d.InterviewChanged, "audio", d.AudioChanged, "persona", d.PersonaChanged)
		}
	})
	if err != nil {
		slog.Warn("config hot reload disabled", "err", err)
	}

	// ── Telemetry ─────────────────────────────────────────────────────────────
	tel, err := observe.Setup(context.Background(), observe.Config{ServiceVersion: version})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(ctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	provider, err := buildProvider(cfg, reg)
	if err != nil {
		slog.Error("failed to create provider", "err", err)
		return 1
	}

	// ── Audio devices ─────────────────────────────────────────────────────────
	if err := portaudio.Init(); err != nil {
		slog.Error("failed to initialise audio", "err", err)
		return 1
	}
	defer func() {
		if err := portaudio.Terminate(); err != nil {
			slog.Warn("audio terminate error", "err", err)
		}
	}()

	speaker := &portaudio.Speaker{
		Channels:        cfg.Audio.OutputChannels,
		FramesPerBuffer: cfg.Audio.FramesPerBuffer,
	}
	devices := session.DeviceAudio{
		Mic: &portaudio.Microphone{
			SampleRate:      cfg.Interview.CaptureSampleRate,
			FramesPerBuffer: cfg.Audio.FramesPerBuffer,
		},
		ChunkSize: cfg.Interview.ChunkSize,
		Output:    func() (playback.Output, error) { return speaker.NewOutput() },
	}

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	con := newConsole(os.Stdin, os.Stdout)

	application, err := app.New(ctx, cfg, provider,
		app.WithAudio(devices),
		app.WithListener(con.listener()),
		app.WithConfirm(con.confirm),
		app.WithMetrics(tel.Metrics),
	)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg, tier)

	if err := application.Start(ctx, *personaID, tier, credential); err != nil {
		con.printf("! %s\n", app.UserMessage(err))
		slog.Error("failed to start interview", "err", err)
		shutdown(application)
		return 1
	}

	// Leaving the console ends the run, taking the status server and
	// reloader down with it.
	runCtx, endRun := context.WithCancel(ctx)
	defer endRun()
	g, gctx := errgroup.WithContext(runCtx)
	if addr := cfg.Server.ListenAddr; addr != "-" {
		g.Go(func() error { return serveStatus(gctx, addr, application, tel) })
	}
	if reloader != nil {
		g.Go(func() error { return reloader.Run(gctx) })
	}
	g.Go(func() error {
		defer endRun()
		return con.run(gctx, application)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		shutdown(application)
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	if !shutdown(application) {
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// shutdown stops the application within 15 seconds and reports success.
func shutdown(a *app.App) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("stopping…")
	if err := a.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "err", err)
		return false
	}
	return true
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires the speech-to-speech backends that ship with
// PersonaFlow into reg.
func registerBuiltinProviders(reg *config.Registry) {
	reg.Register("gemini-live", func(entry config.ProviderEntry) (s2s.Provider, error) {
		var opts []geminilive.Option
		if entry.Model != "" {
			opts = append(opts, geminilive.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, geminilive.WithBaseURL(entry.BaseURL))
		}
		if entry.Voice != "" {
			opts = append(opts, geminilive.WithVoice(entry.Voice))
		}
		return geminilive.New(entry.APIKey, opts...), nil
	})

	reg.Register("openai-realtime", func(entry config.ProviderEntry) (s2s.Provider, error) {
		var opts []oais2s.Option
		if entry.Model != "" {
			opts = append(opts, oais2s.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, oais2s.WithBaseURL(entry.BaseURL))
		}
		if entry.Voice != "" {
			opts = append(opts, oais2s.WithVoice(entry.Voice))
		}
		return oais2s.New(entry.APIKey, opts...), nil
	})

	for _, name := range reg.Names() {
		slog.Debug("registered provider", "name", name)
	}
}

// buildProvider creates the configured provider and, when failover endpoints
// are listed, wraps it in a [resilience.Failover].
func buildProvider(cfg *config.Config, reg *config.Registry) (s2s.Provider, error) {
	primary, err := reg.Create(cfg.Provider)
	if err != nil {
		return nil, err
	}
	slog.Info("provider created", "name", cfg.Provider.Name, "model", cfg.Provider.Model)
	if len(cfg.Failover.Providers) == 0 {
		return primary, nil
	}

	fallbacks := make([]resilience.Endpoint, 0, len(cfg.Failover.Providers))
	for i, entry := range cfg.Failover.Providers {
		p, err := reg.Create(entry)
		if err != nil {
			return nil, fmt.Errorf("failover endpoint %d: %w", i+1, err)
		}
		fallbacks = append(fallbacks, resilience.Endpoint{Name: fmt.Sprintf("%s#%d", entry.Name, i+1), Provider: p})
	}
	f, err := resilience.NewFailover(resilience.FailoverConfig{
		MaxFailures:  cfg.Failover.MaxFailures,
		ResetTimeout: cfg.Failover.ResetTimeout,
	}, resilience.Endpoint{Name: cfg.Provider.Name, Provider: primary}, fallbacks...)
	if err != nil {
		return nil, err
	}
	slog.Info("provider failover enabled", "fallbacks", len(fallbacks))
	return f, nil
}

// ── Status server ─────────────────────────────────────────────────────────────

// serveStatus runs the probe, status, and metrics endpoints until ctx is
// cancelled.
func serveStatus(ctx context.Context, addr string, a *app.App, tel *observe.Telemetry) error {
	h := health.New(
		func() any { return a.Interview().Snapshot() },
		health.Checker{Name: "personas", Check: func(ctx context.Context) error {
			_, err := a.Personas().List(ctx)
			return err
		}},
		health.Checker{Name: "interview", Check: func(context.Context) error {
			if a.Interview().Snapshot().State == session.Error.String() {
				return errors.New("interview is in error state")
			}
			return nil
		}},
	)

	mux := http.NewServeMux()
	h.Register(mux)
	mux.Handle("GET /metrics", tel.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           observe.Middleware(tel.Metrics, "/healthz", "/readyz", "/status", "/metrics")(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	slog.Info("status server listening", "addr", addr)

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("status server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// ── Console ───────────────────────────────────────────────────────────────────

// console drives the interview from a line-oriented terminal and prints its
// notifications.
type console struct {
	lines <-chan string
	out   io.Writer
}

func newConsole(in io.Reader, out io.Writer) *console {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			lines <- strings.TrimSpace(sc.Text())
		}
	}()
	return &console{lines: lines, out: out}
}

func (c *console) printf(format string, args ...any) {
	fmt.Fprintf(c.out, format, args...)
}

func (c *console) listener() app.Listener {
	return app.Listener{
		OnConnectionStateChange: func(s session.State) {
			c.printf("● %s\n", s)
		},
		OnSpeakingStateChange: func(speaking bool) {
			if speaking {
				c.printf("  (speaking)\n")
			}
		},
		OnError: func(err error) {
			c.printf("! %s\n", app.UserMessage(err))
		},
		OnTimeRemaining: func(seconds int) {
			if seconds%30 == 0 || seconds <= 10 {
				c.printf("  %d:%02d left\n", seconds/60, seconds%60)
			}
		},
		OnTranscript: func(sp session.Speaker, text string) {
			c.printf("  %s: %s\n", sp, text)
		},
	}
}

// confirm asks before ending a connected interview. EOF counts as yes.
func (c *console) confirm() bool {
	c.printf("End the interview? [y/N] ")
	line, ok := <-c.lines
	if !ok {
		return true
	}
	return strings.EqualFold(line, "y") || strings.EqualFold(line, "yes")
}

// run reads commands until the interview is closed, stdin ends, or ctx is
// cancelled.
func (c *console) run(ctx context.Context, a *app.App) error {
	c.printf("commands: m = mute/unmute, r = retry, s = status, q = end\n")
	iv := a.Interview()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-c.lines:
			if !ok {
				iv.End()
				return nil
			}
			switch line {
			case "m":
				if iv.ToggleMute() {
					c.printf("  microphone muted\n")
				} else {
					c.printf("  microphone live\n")
				}
			case "r":
				if err := iv.Retry(ctx); err != nil {
					c.printf("! %s\n", app.UserMessage(err))
				}
			case "s":
				snap := iv.Snapshot()
				c.printf("  %s with %s (%s tier), muted=%t retries=%d remaining=%d\n",
					snap.State, snap.Persona, snap.Tier, snap.Muted, snap.Retries, snap.TimeRemaining)
			case "q":
				if iv.RequestClose() {
					return nil
				}
			case "":
			default:
				c.printf("  unknown command %q\n", line)
			}
		}
	}
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config, tier app.Tier) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║        PersonaFlow startup summary    ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Provider", cfg.Provider.Name, cfg.Provider.Model)
	printRow("Voice", cfg.Provider.Voice, "")
	printRow("Tier", string(tier), "")
	if tier == app.TierFree {
		printRow("Budget", cfg.Interview.FreeBudget.String(), "")
	}
	switch {
	case cfg.Persona.File != "":
		printRow("Persona", cfg.Persona.File, "")
	case cfg.Persona.ID != "":
		printRow("Persona", cfg.Persona.ID, "")
	}
	if cfg.Persona.PostgresDSN != "" {
		printRow("Store", "postgres", "")
	}
	if cfg.Server.ListenAddr != "-" {
		printRow("Listen addr", cfg.Server.ListenAddr, "")
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printRow(kind, name, detail string) {
	value := name
	if value == "" {
		value = "(not configured)"
	} else if detail != "" {
		value = name + " / " + detail
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", kind, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
