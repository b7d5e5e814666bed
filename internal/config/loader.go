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

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"platform": {"wsrender", "mock"},
	"speech":   {"http", "mock"},
	"prefs":    {"postgres", "memory"},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
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

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
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

	// Provider name validation — warn for unknown provider names.
	validateProviderName("platform", cfg.Providers.Platform.Name)
	validateProviderName("speech", cfg.Providers.Speech.Name)
	validateProviderName("prefs", cfg.Providers.Prefs.Name)

	// A render platform is the one collaborator nothing works without.
	if cfg.Providers.Platform.Name == "" {
		errs = append(errs, errors.New("providers.platform.name is required"))
	}

	// Speech availability warning
	if cfg.Providers.Speech.Name == "" {
		slog.Warn("no speech provider configured; lip-sync operations will be unavailable")
	}

	// Prefs backend ↔ DSN cross-validation
	if cfg.Providers.Prefs.Name == "postgres" && cfg.Prefs.PostgresDSN == "" {
		errs = append(errs, errors.New("prefs.postgres_dsn is required when providers.prefs.name is postgres"))
	}
	if cfg.Providers.Prefs.Name == "postgres" && cfg.Prefs.ProfileDimensions <= 0 {
		slog.Warn("providers.prefs is postgres but prefs.profile_dimensions is not set; defaulting to 128")
	}

	// Engine
	if cfg.Engine.MaxConcurrent < 0 {
		errs = append(errs, fmt.Errorf("engine.max_concurrent %d is negative", cfg.Engine.MaxConcurrent))
	}
	if cfg.Engine.CacheCapacity < 0 {
		errs = append(errs, fmt.Errorf("engine.cache_capacity %d is negative", cfg.Engine.CacheCapacity))
	}
	if cfg.Engine.QueueCapacity < 0 {
		errs = append(errs, fmt.Errorf("engine.queue_capacity %d is negative", cfg.Engine.QueueCapacity))
	}

	// Sessions
	if cfg.Sessions.ArchiveCapacity < 0 {
		errs = append(errs, fmt.Errorf("sessions.archive_capacity %d is negative", cfg.Sessions.ArchiveCapacity))
	}

	// Mapping
	if cfg.Mapping.Personality != "" && !cfg.Mapping.Personality.IsValid() {
		errs = append(errs, fmt.Errorf("mapping.personality %q is invalid; valid values: professional, friendly, enthusiastic, supportive", cfg.Mapping.Personality))
	}
	if cfg.Mapping.Stage != "" && !cfg.Mapping.Stage.IsValid() {
		errs = append(errs, fmt.Errorf("mapping.stage %q is invalid; valid values: greeting, conversation, presentation, closing", cfg.Mapping.Stage))
	}
	if cfg.Mapping.Expressiveness < 0 || cfg.Mapping.Expressiveness > 2 {
		errs = append(errs, fmt.Errorf("mapping.expressiveness %.2f is out of range [0, 2]", cfg.Mapping.Expressiveness))
	}
	if cfg.Mapping.MirrorFactor < 0 || cfg.Mapping.MirrorFactor > 1 {
		errs = append(errs, fmt.Errorf("mapping.mirror_factor %.2f is out of range [0, 1]", cfg.Mapping.MirrorFactor))
	}

	// Animation
	if cfg.Animation.MaxConcurrent < 0 {
		errs = append(errs, fmt.Errorf("animation.max_concurrent %d is negative", cfg.Animation.MaxConcurrent))
	}
	if cfg.Animation.TickPeriodMs < 0 {
		errs = append(errs, fmt.Errorf("animation.tick_period_ms %d is negative", cfg.Animation.TickPeriodMs))
	}
	if cfg.Animation.TickPeriodMs > 0 && cfg.Animation.TickPeriodMs < 20 {
		slog.Warn("animation.tick_period_ms is very small; real-time lip-sync may overwhelm the render platform",
			"tick_period_ms", cfg.Animation.TickPeriodMs)
	}
	if cfg.Animation.BufferCapacity < 0 {
		errs = append(errs, fmt.Errorf("animation.buffer_capacity %d is negative", cfg.Animation.BufferCapacity))
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name — may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
