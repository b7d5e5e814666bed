// Command visage is the main entry point for the Visage avatar
// orchestration server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/visagekit/visage/internal/app"
	"github.com/visagekit/visage/internal/config"
	"github.com/visagekit/visage/internal/observe"
	"github.com/visagekit/visage/pkg/prefs"
	prefsmock "github.com/visagekit/visage/pkg/prefs/mock"
	prefspg "github.com/visagekit/visage/pkg/prefs/postgres"
	"github.com/visagekit/visage/pkg/render"
	rendermock "github.com/visagekit/visage/pkg/render/mock"
	"github.com/visagekit/visage/pkg/render/wsrender"
	"github.com/visagekit/visage/pkg/speech"
	"github.com/visagekit/visage/pkg/speech/httpspeech"
	speechmock "github.com/visagekit/visage/pkg/speech/mock"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── Environment + CLI flags ───────────────────────────────────────────────
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "visage: load .env: %v\n", err)
	}
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	watch := flag.Bool("watch", false, "reload runtime-safe settings when the config file changes")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "visage: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "visage: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(slogLevel(cfg.Server.LogLevel))
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	slog.Info("visage starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "visage"})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(flushCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Collaborators via the provider registry ───────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	collab, cleanup, err := buildCollaborators(ctx, cfg, reg)
	if err != nil {
		slog.Error("failed to build collaborators", "err", err)
		return 1
	}
	defer cleanup()

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg)

	application, err := app.New(cfg, collab)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// ── Optional config watcher ───────────────────────────────────────────────
	if *watch {
		watcher, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
			diff := config.Diff(old, new)
			if !diff.Any() {
				return
			}
			if diff.LogLevelChanged {
				level.Set(slogLevel(diff.NewLogLevel))
				slog.Info("reload: log level changed", "level", diff.NewLogLevel)
			}
			application.ApplyConfigDiff(diff)
		})
		if err != nil {
			slog.Error("failed to start config watcher", "err", err)
			return 1
		}
		defer watcher.Stop()
		slog.Info("config watcher active", "path", *configPath)
	}

	slog.Info("server ready — press Ctrl+C to shut down")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping…")

	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Collaborator wiring ───────────────────────────────────────────────────────

// registerBuiltinProviders wires the collaborator factories that ship with
// Visage into reg.
func registerBuiltinProviders(reg *config.Registry) {
	// ── Render platform ───────────────────────────────────────────────────────
	reg.RegisterPlatform("wsrender", func(ctx context.Context, entry config.ProviderEntry) (render.Platform, error) {
		var opts []wsrender.Option
		if d := optDuration(entry.Options, "call_timeout"); d > 0 {
			opts = append(opts, wsrender.WithCallTimeout(d))
		}
		return wsrender.Dial(ctx, entry.BaseURL, entry.APIKey, opts...)
	})
	reg.RegisterPlatform("mock", func(context.Context, config.ProviderEntry) (render.Platform, error) {
		return &rendermock.Platform{}, nil
	})

	// ── Phoneme extraction ────────────────────────────────────────────────────
	reg.RegisterSpeech("http", func(_ context.Context, entry config.ProviderEntry) (speech.Extractor, error) {
		var opts []httpspeech.Option
		if entry.APIKey != "" {
			opts = append(opts, httpspeech.WithAPIKey(entry.APIKey))
		}
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, httpspeech.WithLanguage(lang))
		}
		if d := optDuration(entry.Options, "timeout"); d > 0 {
			opts = append(opts, httpspeech.WithTimeout(d))
		}
		return httpspeech.New(entry.BaseURL, opts...)
	})
	reg.RegisterSpeech("mock", func(context.Context, config.ProviderEntry) (speech.Extractor, error) {
		return &speechmock.Extractor{}, nil
	})

	// ── Preference store ──────────────────────────────────────────────────────
	reg.RegisterPrefs("postgres", func(ctx context.Context, cfg config.PrefsConfig) (prefs.Store, error) {
		dims := cfg.ProfileDimensions
		if dims == 0 {
			dims = 128
		}
		return prefspg.NewStore(ctx, cfg.PostgresDSN, dims)
	})
	reg.RegisterPrefs("memory", func(context.Context, config.PrefsConfig) (prefs.Store, error) {
		return prefs.NewMemStore(), nil
	})
	reg.RegisterPrefs("mock", func(context.Context, config.PrefsConfig) (prefs.Store, error) {
		return &prefsmock.Store{}, nil
	})
}

// buildCollaborators instantiates the collaborators named in cfg. The
// returned cleanup closes connection-holding collaborators and must run
// after the application has shut down.
func buildCollaborators(ctx context.Context, cfg *config.Config, reg *config.Registry) (app.Collaborators, func(), error) {
	var collab app.Collaborators
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	platform, err := reg.CreatePlatform(ctx, cfg.Providers.Platform)
	if err != nil {
		return collab, cleanup, fmt.Errorf("create platform %q: %w", cfg.Providers.Platform.Name, err)
	}
	collab.Platform = platform
	if c, ok := platform.(interface{ Close() error }); ok {
		closers = append(closers, func() {
			if err := c.Close(); err != nil {
				slog.Warn("platform close error", "err", err)
			}
		})
	}
	slog.Info("collaborator created", "kind", "platform", "name", cfg.Providers.Platform.Name)

	if name := cfg.Providers.Speech.Name; name != "" {
		extractor, err := reg.CreateSpeech(ctx, cfg.Providers.Speech)
		if err != nil {
			return collab, cleanup, fmt.Errorf("create speech provider %q: %w", name, err)
		}
		collab.Speech = extractor
		slog.Info("collaborator created", "kind", "speech", "name", name)
	}

	if name := cfg.Providers.Prefs.Name; name != "" {
		store, err := reg.CreatePrefs(ctx, name, cfg.Prefs)
		if err != nil {
			return collab, cleanup, fmt.Errorf("create prefs store %q: %w", name, err)
		}
		collab.Prefs = store
		// The postgres store doubles as the face-profile index.
		if idx, ok := store.(prefs.ProfileIndex); ok {
			collab.Profiles = idx
		}
		if c, ok := store.(interface{ Close() }); ok {
			closers = append(closers, c.Close)
		}
		slog.Info("collaborator created", "kind", "prefs", "name", name)
	}

	return collab, cleanup, nil
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║          Visage — startup summary     ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printCollaborator("Platform", cfg.Providers.Platform.Name)
	printCollaborator("Speech", cfg.Providers.Speech.Name)
	printCollaborator("Prefs", cfg.Providers.Prefs.Name)
	printValue("Personality", string(cfg.Mapping.Personality))
	fmt.Printf("║  Gen slots       : %-19d ║\n", cfg.Engine.MaxConcurrent)
	fmt.Printf("║  Anim slots      : %-19d ║\n", cfg.Animation.MaxConcurrent)
	if cfg.Server.ListenAddr != "" {
		fmt.Printf("║  Listen addr     : %-19s ║\n", cfg.Server.ListenAddr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printCollaborator(kind, name string) {
	if name == "" {
		name = "(not configured)"
	}
	printValue(kind, name)
}

func printValue(kind, value string) {
	if value == "" {
		value = "(default)"
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

// ── Helpers ───────────────────────────────────────────────────────────────────

// optString extracts a string value from a provider Options map[string]any.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	if opts == nil {
		return ""
	}
	v, ok := opts[key]
	if !ok {
		return ""
	}
	s, ok := v.(string)
	if !ok {
		return ""
	}
	return s
}

// optDuration extracts a duration from a provider Options map. Accepts Go
// duration strings ("5s") and bare integers interpreted as milliseconds.
func optDuration(opts map[string]any, key string) time.Duration {
	if opts == nil {
		return 0
	}
	switch v := opts[key].(type) {
	case string:
		d, err := time.ParseDuration(v)
		if err != nil {
			slog.Warn("invalid duration option", "key", key, "value", v)
			return 0
		}
		return d
	case int:
		return time.Duration(v) * time.Millisecond
	default:
		return 0
	}
}
