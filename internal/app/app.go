// Package app wires all Visage subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects the
// avatar engine, session manager, mapping engine and animation scheduler,
// Run serves the operational HTTP surface (/metrics, health probes), and
// Shutdown tears everything down in order — sessions first, then playback,
// then the engine and its backing store, so no timer or listener survives.
//
// The four components are exposed through accessors because Visage is a
// library-level contract: a chat orchestrator calls Expressions() per
// conversation turn and a UI layer drives Sessions() directly, both
// subscribing to Events() for live feedback.
package app

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/visagekit/visage/internal/animation"
	"github.com/visagekit/visage/internal/avatar"
	"github.com/visagekit/visage/internal/config"
	"github.com/visagekit/visage/internal/events"
	"github.com/visagekit/visage/internal/expression"
	"github.com/visagekit/visage/internal/health"
	"github.com/visagekit/visage/internal/observe"
	"github.com/visagekit/visage/internal/session"
	"github.com/visagekit/visage/pkg/prefs"
	"github.com/visagekit/visage/pkg/render"
	"github.com/visagekit/visage/pkg/speech"
)

// shutdownGrace bounds the HTTP server drain inside Run after ctx ends.
const shutdownGrace = 5 * time.Second

// Collaborators holds one value per external collaborator slot. Platform is
// required; the rest are optional and disable their feature when nil.
// Populated by main.go via the config registry.
type Collaborators struct {
	// Platform renders avatars, animations and lip sync. Required.
	Platform render.Platform

	// Speech extracts phonemes for the lip-sync paths. Optional.
	Speech speech.Extractor

	// Prefs persists user preferences and customization history. Optional.
	Prefs prefs.Store

	// Profiles indexes face-measurement vectors for personalized
	// generation. Optional; often the same value as Prefs.
	Profiles prefs.ProfileIndex
}

// App owns all subsystem lifetimes.
type App struct {
	cfg    *config.Config
	collab Collaborators

	emitter   *events.Emitter
	engine    *avatar.Engine
	sessions  *session.Manager
	mapper    *expression.Engine
	scheduler *animation.Scheduler

	metrics *observe.Metrics
	clk     clock.Clock
	handler http.Handler

	// closers run in order during Shutdown.
	closers []func(context.Context) error

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithClock injects the clock driving every timer and delay in the core.
func WithClock(c clock.Clock) Option {
	return func(a *App) { a.clk = c }
}

// WithMetrics injects a metrics instance instead of the shared default.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithEmitter injects a lifecycle event emitter instead of creating one.
func WithEmitter(e *events.Emitter) Option {
	return func(a *App) { a.emitter = e }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The collaborators
// come from main.go (populated via the config registry). All construction is
// synchronous; a nil required collaborator surfaces as the component's
// DependencyError.
func New(cfg *config.Config, collab Collaborators, opts ...Option) (*App, error) {
	a := &App{
		cfg:    cfg,
		collab: collab,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.clk == nil {
		a.clk = clock.New()
	}
	if a.emitter == nil {
		a.emitter = events.NewEmitter()
		a.closers = append(a.closers, func(context.Context) error {
			a.emitter.Close()
			return nil
		})
	}

	// ── 1. Avatar engine ─────────────────────────────────────────────────
	engine, err := avatar.New(avatar.EngineConfig{
		Platform:      collab.Platform,
		Profiles:      collab.Profiles,
		Metrics:       a.metrics,
		Emitter:       a.emitter,
		Clock:         a.clk,
		MaxConcurrent: cfg.Engine.MaxConcurrent,
		CacheCapacity: cfg.Engine.CacheCapacity,
		QueueCapacity: cfg.Engine.QueueCapacity,
	})
	if err != nil {
		return nil, fmt.Errorf("app: init avatar engine: %w", err)
	}
	a.engine = engine

	// ── 2. Session manager ───────────────────────────────────────────────
	sessions, err := session.New(session.ManagerConfig{
		Generator:       engine,
		Store:           collab.Prefs,
		Emitter:         a.emitter,
		Metrics:         a.metrics,
		Clock:           a.clk,
		ArchiveCapacity: cfg.Sessions.ArchiveCapacity,
		PreviewOnChange: cfg.Sessions.PreviewOnChange,
		AutoApply:       cfg.Sessions.AutoApply,
	})
	if err != nil {
		return nil, fmt.Errorf("app: init session manager: %w", err)
	}
	a.sessions = sessions

	// ── 3. Animation scheduler ───────────────────────────────────────────
	scheduler, err := animation.New(animation.SchedulerConfig{
		Platform:       collab.Platform,
		Extractor:      collab.Speech,
		Metrics:        a.metrics,
		Emitter:        a.emitter,
		Clock:          a.clk,
		MaxConcurrent:  cfg.Animation.MaxConcurrent,
		TickPeriod:     cfg.Animation.TickPeriod(),
		BufferCapacity: cfg.Animation.BufferCapacity,
	})
	if err != nil {
		return nil, fmt.Errorf("app: init animation scheduler: %w", err)
	}
	a.scheduler = scheduler

	// ── 4. Mapping engine (plays through the scheduler) ──────────────────
	mapper, err := expression.New(expression.EngineConfig{
		Performer:      scheduler,
		Personality:    cfg.Mapping.Personality,
		Expressiveness: cfg.Mapping.Expressiveness,
		MirrorFactor:   cfg.Mapping.MirrorFactor,
		Stage:          cfg.Mapping.Stage,
		Metrics:        a.metrics,
		Emitter:        a.emitter,
		Clock:          a.clk,
	})
	if err != nil {
		return nil, fmt.Errorf("app: init mapping engine: %w", err)
	}
	a.mapper = mapper

	// ── 5. Operational HTTP surface ──────────────────────────────────────
	a.handler = a.buildHandler()

	return a, nil
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Engine returns the avatar generation engine.
func (a *App) Engine() *avatar.Engine { return a.engine }

// Sessions returns the customization session manager.
func (a *App) Sessions() *session.Manager { return a.sessions }

// Expressions returns the expression-emotion mapping engine.
func (a *App) Expressions() *expression.Engine { return a.mapper }

// Animations returns the animation and lip-sync scheduler.
func (a *App) Animations() *animation.Scheduler { return a.scheduler }

// Events returns the shared lifecycle event emitter.
func (a *App) Events() *events.Emitter { return a.emitter }

// Handler returns the operational HTTP handler (/metrics, /healthz,
// /readyz). Run serves it; tests mount it on a httptest server.
func (a *App) Handler() http.Handler { return a.handler }

// buildHandler assembles the metrics and health routes behind the tracing
// middleware.
func (a *App) buildHandler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())

	checkers := []health.Checker{
		health.GenerationPool(func() (active, queued int) {
			st := a.engine.Stats()
			return st.Active, st.Queued
		}),
	}
	if pinger, ok := a.collab.Prefs.(interface{ Ping(context.Context) error }); ok {
		checkers = append(checkers, health.Backend("prefs", pinger.Ping))
	}
	health.New(checkers...).Register(mux)

	return observe.Middleware(a.metrics)(mux)
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves the operational HTTP endpoints and blocks until ctx is
// cancelled or the server fails. The customization and animation APIs are
// in-process contracts and need no listener; this surface exists for
// scraping and probes.
func (a *App) Run(ctx context.Context) error {
	addr := a.cfg.Server.ListenAddr
	if addr == "" {
		addr = ":8080"
	}
	srv := &http.Server{
		Addr:    addr,
		Handler: a.handler,
	}

	errCh := make(chan error, 1)
	go func() {
		var err error
		if t := a.cfg.Server.TLS; t != nil {
			srv.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
			err = srv.ListenAndServeTLS(t.CertFile, t.KeyFile)
		} else {
			err = srv.ListenAndServe()
		}
		if !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	slog.Info("serving metrics and health", "addr", addr, "tls", a.cfg.Server.TLS != nil)

	select {
	case err := <-errCh:
		return fmt.Errorf("app: serve %s: %w", addr, err)
	case <-ctx.Done():
	}

	drainCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := srv.Shutdown(drainCtx); err != nil {
		slog.Warn("http server drain incomplete", "error", err)
	}
	return ctx.Err()
}

// ─── Config reload ───────────────────────────────────────────────────────────

// ApplyConfigDiff applies the runtime-safe subset of a config change: the
// mapping engine's tuning and the real-time lip-sync tick period. Log level
// changes are the caller's concern (the level var lives in main).
func (a *App) ApplyConfigDiff(d config.ConfigDiff) {
	if d.MappingChanged() {
		m := d.NewMapping
		if d.PersonalityChanged && m.Personality != "" {
			if err := a.mapper.SetPersonality(m.Personality); err != nil {
				slog.Warn("reload: personality rejected", "personality", m.Personality, "error", err)
			}
		}
		if d.ExpressivenessChanged {
			a.mapper.SetExpressiveness(m.Expressiveness)
		}
		if d.MirrorFactorChanged {
			a.mapper.SetMirrorFactor(m.MirrorFactor)
		}
		if d.StageChanged && m.Stage != "" {
			if err := a.mapper.SetStage(m.Stage); err != nil {
				slog.Warn("reload: stage rejected", "stage", m.Stage, "error", err)
			}
		}
		slog.Info("reload: mapping engine retuned")
	}
	if d.TickPeriodChanged {
		a.scheduler.SetTickPeriod(d.NewTickPeriod)
		slog.Info("reload: lip-sync tick period changed", "period", d.NewTickPeriod)
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears the core down in dependency order: end every customization
// session (flushing summaries), stop all animation and lip-sync playback,
// interrupt pending expression performances, close the generation engine,
// then release the emitter and any store connections. Respects the ctx
// deadline; remaining steps are skipped once it expires. Idempotent.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down")

		if err := a.sessions.Close(ctx); err != nil {
			slog.Warn("session manager close error", "error", err)
		}
		if err := a.scheduler.Shutdown(ctx); err != nil {
			slog.Warn("animation scheduler shutdown error", "error", err)
			shutdownErr = err
		}
		a.mapper.Close()
		a.engine.Close()

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(ctx); err != nil {
				slog.Warn("closer error", "index", i, "error", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}
