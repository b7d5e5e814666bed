package avatar

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"regexp"
	"slices"
	"strings"
	"sync"

	"github.com/benbjohnson/clock"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/visagekit/visage/internal/events"
	"github.com/visagekit/visage/internal/observe"
	"github.com/visagekit/visage/pkg/prefs"
	"github.com/visagekit/visage/pkg/render"
	"github.com/visagekit/visage/pkg/types"
)

// Default engine bounds, applied when the corresponding config field is zero
// or negative.
const (
	DefaultMaxConcurrent = 3
	DefaultCacheCapacity = 100
	DefaultQueueCapacity = 64
)

// Engine errors.
var (
	// ErrQueueFull is returned when a generation cannot run immediately and
	// the overflow queue is at capacity.
	ErrQueueFull = errors.New("avatar: generation queue full")

	// ErrEngineClosed is returned for generations submitted after Close and
	// delivered through Wait for requests that were still queued at Close.
	ErrEngineClosed = errors.New("avatar: engine closed")
)

// Status reports how a generation request was satisfied.
type Status string

const (
	// StatusReady means the result carries a finished avatar.
	StatusReady Status = "ready"

	// StatusQueued means the request waits for a free generation slot.
	// Queued is a normal outcome, not an error.
	StatusQueued Status = "queued"
)

// Result is the outcome of a generation request.
type Result struct {
	// Status reports whether the avatar is ready or still queued.
	Status Status

	// FromCache marks results served from the configuration cache.
	FromCache bool

	// Position is the 1-based queue position at submission time.
	// Zero for ready results.
	Position int

	// Avatar is the generated avatar. Nil while Status is StatusQueued.
	Avatar *GeneratedAvatar

	pending *pendingGeneration
}

// Wait blocks until the avatar is available. Ready results return
// immediately. Queued results block until the generation is promoted and
// completes, ctx is cancelled, or the engine closes. Cancelling ctx abandons
// the wait only; the queued generation itself still runs.
func (r *Result) Wait(ctx context.Context) (*GeneratedAvatar, error) {
	if r.pending == nil {
		return r.Avatar, nil
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-r.pending.done:
		return r.pending.avatar, r.pending.err
	}
}

// pendingGeneration is one queued request awaiting a free slot. cfg is
// already normalized.
type pendingGeneration struct {
	cfg  Configuration
	key  string
	prov Provenance

	done   chan struct{}
	avatar *GeneratedAvatar
	err    error
}

// EngineConfig configures an [Engine].
type EngineConfig struct {
	// Platform renders the avatars. Must not be nil.
	Platform render.Platform

	// Profiles is the face-measurement index consulted by
	// GeneratePersonalized. Optional; nil disables profile lookups.
	Profiles prefs.ProfileIndex

	// Metrics receives engine instrumentation. Defaults to
	// observe.DefaultMetrics().
	Metrics *observe.Metrics

	// Emitter receives lifecycle events. Optional.
	Emitter *events.Emitter

	// Clock supplies time. Defaults to the real clock; tests inject a mock.
	Clock clock.Clock

	// MaxConcurrent bounds in-flight platform generations.
	// Defaults to DefaultMaxConcurrent.
	MaxConcurrent int

	// CacheCapacity bounds the configuration cache.
	// Defaults to DefaultCacheCapacity.
	CacheCapacity int

	// QueueCapacity bounds the overflow queue.
	// Defaults to DefaultQueueCapacity.
	QueueCapacity int
}

// Engine normalizes avatar requests, serves repeats from the content-hash
// cache, and bounds concurrent platform generations with a FIFO overflow
// queue.
//
// Published [GeneratedAvatar] values are immutable: updates replace the
// cached value rather than mutating it, so results returned earlier stay
// safe to read.
//
// All methods are safe for concurrent use.
type Engine struct {
	platform render.Platform
	profiles prefs.ProfileIndex
	metrics  *observe.Metrics
	emitter  *events.Emitter
	clk      clock.Clock

	maxConcurrent int
	queueCapacity int

	mu       sync.Mutex
	cache    *configCache
	byID     map[string]*GeneratedAvatar
	keyByID  map[string]string
	inFlight int
	queue    []*pendingGeneration
	hits     uint64
	misses   uint64
	closed   bool

	wg sync.WaitGroup
}

// New creates an avatar engine.
func New(cfg EngineConfig) (*Engine, error) {
	if cfg.Platform == nil {
		return nil, &types.DependencyError{Component: "avatar.Engine", Dependency: "render.Platform"}
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultMaxConcurrent
	}
	if cfg.CacheCapacity <= 0 {
		cfg.CacheCapacity = DefaultCacheCapacity
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = DefaultQueueCapacity
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	return &Engine{
		platform:      cfg.Platform,
		profiles:      cfg.Profiles,
		metrics:       cfg.Metrics,
		emitter:       cfg.Emitter,
		clk:           cfg.Clock,
		maxConcurrent: cfg.MaxConcurrent,
		queueCapacity: cfg.QueueCapacity,
		cache:         newConfigCache(cfg.CacheCapacity),
		byID:          make(map[string]*GeneratedAvatar),
		keyByID:       make(map[string]string),
	}, nil
}

// Generate resolves cfg to a generated avatar. Configurations with identical
// normalized appearance, outfit and accessories share one cache entry (brand
// colors and quality hints do not differentiate); hits return immediately
// with FromCache set. Misses run against the render platform inside the
// concurrency pool, or queue FIFO when the pool is full.
func (e *Engine) Generate(ctx context.Context, cfg Configuration) (*Result, error) {
	return e.generate(ctx, cfg.Normalized(), Provenance{Source: "request", Confidence: 1})
}

// GeneratePersonalized derives a personalization block from a face analysis
// and generates an avatar carrying it. The analysis face shape fills the
// configuration's when unset; when a profile index is configured, the
// nearest stored profile backfills traits the analysis left open and the new
// analysis is stored best-effort under userID.
func (e *Engine) GeneratePersonalized(ctx context.Context, userID string, analysis FaceAnalysis, cfg Configuration) (*Result, error) {
	pcfg := cfg.Clone()

	faceShape := analysis.FaceShape
	if e.profiles != nil && len(analysis.Measurements) > 0 && faceShape == "" {
		matches, err := e.profiles.NearestProfiles(ctx, measurementVector(analysis.Measurements), 1)
		switch {
		case err != nil:
			slog.Warn("profile lookup failed, personalizing from analysis alone",
				"user_id", userID, "error", err)
		case len(matches) > 0:
			faceShape = matches[0].Profile.FaceShape
		}
	}
	if pcfg.Appearance.FaceShape == "" {
		pcfg.Appearance.FaceShape = faceShape
	}

	pcfg.Personalization = &Personalization{
		Measurements: maps.Clone(analysis.Measurements),
		Ratios:       measurementRatios(analysis.Measurements),
		Source:       "face-analysis",
		Confidence:   analysis.Confidence,
	}

	res, err := e.generate(ctx, pcfg.Normalized(), Provenance{Source: "face-analysis", Confidence: analysis.Confidence})
	if err != nil {
		return nil, err
	}

	if e.profiles != nil && userID != "" && len(analysis.Measurements) > 0 {
		profile := prefs.Profile{
			UserID:       userID,
			Measurements: measurementVector(analysis.Measurements),
			FaceShape:    analysis.FaceShape,
			Confidence:   analysis.Confidence,
			CreatedAt:    e.clk.Now(),
		}
		if err := e.profiles.SaveProfile(ctx, profile); err != nil {
			slog.Warn("profile save failed", "user_id", userID, "error", err)
		}
	}
	return res, nil
}

// generate serves one normalized configuration: cache lookup, then slot
// reservation or FIFO enqueue.
func (e *Engine) generate(ctx context.Context, cfg Configuration, prov Provenance) (*Result, error) {
	key := CacheKey(cfg)

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, ErrEngineClosed
	}
	if av, ok := e.cache.get(key); ok {
		e.hits++
		e.mu.Unlock()
		e.metrics.RecordCacheLookup(ctx, true)
		return &Result{Status: StatusReady, FromCache: true, Avatar: av}, nil
	}
	e.misses++

	if e.inFlight >= e.maxConcurrent {
		if len(e.queue) >= e.queueCapacity {
			e.mu.Unlock()
			e.metrics.RecordCacheLookup(ctx, false)
			return nil, ErrQueueFull
		}
		p := &pendingGeneration{cfg: cfg, key: key, prov: prov, done: make(chan struct{})}
		e.queue = append(e.queue, p)
		pos := len(e.queue)
		e.mu.Unlock()
		e.metrics.RecordCacheLookup(ctx, false)
		e.metrics.GenerationQueueDepth.Add(ctx, 1)
		return &Result{Status: StatusQueued, Position: pos, pending: p}, nil
	}

	e.inFlight++
	e.wg.Add(1)
	e.mu.Unlock()
	e.metrics.RecordCacheLookup(ctx, false)

	av, err := e.run(ctx, cfg, key, prov)
	if err != nil {
		return nil, err
	}
	return &Result{Status: StatusReady, Avatar: av}, nil
}

// run executes one generation while holding a pool slot. The slot is always
// released through complete, success or not.
func (e *Engine) run(ctx context.Context, cfg Configuration, key string, prov Provenance) (*GeneratedAvatar, error) {
	defer e.wg.Done()

	av, err := e.buildAvatar(ctx, cfg, prov)
	e.complete(ctx, key, av, err)
	return av, err
}

// complete releases the generation slot, indexes av on success, promotes
// exactly one queued request, and emits the lifecycle event. Called once per
// started generation.
func (e *Engine) complete(ctx context.Context, key string, av *GeneratedAvatar, genErr error) {
	var evicted *GeneratedAvatar

	e.mu.Lock()
	e.inFlight--
	if genErr == nil {
		var wasEvicted bool
		evicted, wasEvicted = e.cache.put(key, av)
		if wasEvicted && evicted != nil {
			delete(e.byID, evicted.ID)
			delete(e.keyByID, evicted.ID)
		}
		e.byID[av.ID] = av
		e.keyByID[av.ID] = key
	}
	next := e.dequeueLocked()
	e.mu.Unlock()

	if evicted != nil {
		e.metrics.CacheEvictions.Add(ctx, 1)
	}
	if next != nil {
		e.metrics.GenerationQueueDepth.Add(ctx, -1)
		go func() {
			// Promoted generations are detached from the submitting
			// caller's context: cancelling a Wait abandons the result,
			// not the work.
			av, err := e.run(context.Background(), next.cfg, next.key, next.prov)
			next.avatar, next.err = av, err
			close(next.done)
		}()
	}

	if genErr != nil {
		e.emit(events.Event{Type: events.TypeError, Err: genErr})
		return
	}
	e.emit(events.Event{Type: events.TypeAvatarGenerated, AvatarID: av.ID, Data: av})
}

// dequeueLocked pops the oldest queued generation and reserves its slot.
// Must be called with e.mu held.
func (e *Engine) dequeueLocked() *pendingGeneration {
	if e.closed || len(e.queue) == 0 || e.inFlight >= e.maxConcurrent {
		return nil
	}
	next := e.queue[0]
	e.queue = e.queue[1:]
	e.inFlight++
	e.wg.Add(1)
	return next
}

// buildAvatar resolves cfg into platform inputs and drives one CreateAvatar
// call. cfg must already be normalized.
func (e *Engine) buildAvatar(ctx context.Context, cfg Configuration, prov Provenance) (*GeneratedAvatar, error) {
	start := e.clk.Now()

	var (
		appearance map[string]string
		outfit     map[string]string
		brand      map[string]string
		exprs      []string
	)
	var g errgroup.Group
	g.Go(func() error {
		var err error
		appearance, err = resolveAppearance(cfg)
		return err
	})
	g.Go(func() error {
		var err error
		outfit, brand, err = resolveStyling(cfg)
		return err
	})
	g.Go(func() error {
		var err error
		exprs, err = expressionLibrary(cfg.Hints.Quality)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	handle, err := e.platform.CreateAvatar(ctx, render.CreateRequest{
		Appearance:  appearance,
		Outfit:      outfit,
		Accessories: slices.Clone(cfg.Accessories),
		Expressions: exprs,
		Brand:       brand,
		Quality: render.QualityHints{
			Quality:    cfg.Hints.Quality,
			Resolution: cfg.Hints.Resolution,
			FrameRate:  cfg.Hints.FrameRate,
		},
	})
	if err != nil {
		e.metrics.RecordUpstreamError(ctx, "render.CreateAvatar")
		return nil, &types.UpstreamError{Op: "render.CreateAvatar", Err: err}
	}

	elapsed := e.clk.Since(start)
	e.metrics.GenerationDuration.Record(ctx, elapsed.Seconds(),
		metric.WithAttributes(observe.Attr("source", prov.Source)))

	return &GeneratedAvatar{
		ID:                handle.ID,
		PreviewURL:        handle.PreviewURL,
		Appearance:        appearance,
		Outfit:            outfit,
		ExpressionLibrary: exprs,
		Config:            cfg,
		Metadata: Metadata{
			GeneratedAt: start,
			Duration:    elapsed,
			Provenance:  prov,
		},
	}, nil
}

// UpdateAppearance patches appearance traits on a generated avatar, upstream
// first, then in the cache. The entry keeps its original cache key.
func (e *Engine) UpdateAppearance(ctx context.Context, avatarID string, updates map[string]string) error {
	for field, value := range updates {
		if !appearanceFields[field] {
			return &types.ValidationError{Field: "appearance." + field, Reason: "unknown appearance trait"}
		}
		if strings.TrimSpace(value) == "" {
			return &types.ValidationError{Field: "appearance." + field, Reason: "value must not be empty"}
		}
	}

	e.mu.Lock()
	_, ok := e.byID[avatarID]
	e.mu.Unlock()
	if !ok {
		return &types.NotFoundError{Kind: "avatar", ID: avatarID}
	}

	patch := render.UpdatePatch{Appearance: maps.Clone(updates)}
	if err := e.platform.UpdateAvatar(ctx, avatarID, patch); err != nil {
		e.metrics.RecordUpstreamError(ctx, "render.UpdateAvatar")
		return &types.UpstreamError{Op: "render.UpdateAvatar", Err: err}
	}

	e.mu.Lock()
	if current, ok := e.byID[avatarID]; ok {
		updated := current.clone()
		for field, value := range updates {
			setAppearanceField(&updated.Config.Appearance, field, value)
			updated.Appearance[field] = value
		}
		e.replaceLocked(avatarID, updated)
	}
	e.mu.Unlock()

	e.emit(events.Event{Type: events.TypeAppearanceUpdated, AvatarID: avatarID, Data: maps.Clone(updates)})
	return nil
}

// ApplyConfiguration writes a full configuration back to an existing avatar.
// The session manager calls this on auto-apply and end-of-session apply; the
// manager owns the corresponding lifecycle event. The cached entry is
// replaced under its original key.
func (e *Engine) ApplyConfiguration(ctx context.Context, avatarID string, cfg Configuration) error {
	n := cfg.Normalized()

	appearance, err := resolveAppearance(n)
	if err != nil {
		return err
	}
	outfit, brand, err := resolveStyling(n)
	if err != nil {
		return err
	}

	e.mu.Lock()
	_, ok := e.byID[avatarID]
	e.mu.Unlock()
	if !ok {
		return &types.NotFoundError{Kind: "avatar", ID: avatarID}
	}

	patch := render.UpdatePatch{
		Appearance:  appearance,
		Outfit:      outfit,
		Accessories: slices.Clone(n.Accessories),
		Brand:       brand,
	}
	if err := e.platform.UpdateAvatar(ctx, avatarID, patch); err != nil {
		e.metrics.RecordUpstreamError(ctx, "render.UpdateAvatar")
		return &types.UpstreamError{Op: "render.UpdateAvatar", Err: err}
	}

	e.mu.Lock()
	if current, ok := e.byID[avatarID]; ok {
		updated := current.clone()
		updated.Config = n
		updated.Appearance = appearance
		updated.Outfit = outfit
		e.replaceLocked(avatarID, updated)
	}
	e.mu.Unlock()
	return nil
}

// replaceLocked swaps the published value for avatarID in both indexes while
// keeping its cache slot. Must be called with e.mu held.
func (e *Engine) replaceLocked(avatarID string, updated *GeneratedAvatar) {
	e.byID[avatarID] = updated
	if key, ok := e.keyByID[avatarID]; ok {
		e.cache.put(key, updated)
	}
}

// DeleteAvatar destroys the avatar upstream and drops it from the cache and
// the id index.
func (e *Engine) DeleteAvatar(ctx context.Context, avatarID string) error {
	e.mu.Lock()
	_, ok := e.byID[avatarID]
	e.mu.Unlock()
	if !ok {
		return &types.NotFoundError{Kind: "avatar", ID: avatarID}
	}

	if err := e.platform.DestroyAvatar(ctx, avatarID); err != nil {
		e.metrics.RecordUpstreamError(ctx, "render.DestroyAvatar")
		return &types.UpstreamError{Op: "render.DestroyAvatar", Err: err}
	}

	e.mu.Lock()
	if key, ok := e.keyByID[avatarID]; ok {
		e.cache.delete(key)
	}
	delete(e.byID, avatarID)
	delete(e.keyByID, avatarID)
	e.mu.Unlock()
	return nil
}

// Avatar returns the generated avatar registered under avatarID. The
// returned value must be treated as immutable.
func (e *Engine) Avatar(avatarID string) (*GeneratedAvatar, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	av, ok := e.byID[avatarID]
	if !ok {
		return nil, &types.NotFoundError{Kind: "avatar", ID: avatarID}
	}
	return av, nil
}

// Stats is a point-in-time snapshot of engine counters.
type Stats struct {
	Hits      uint64
	Misses    uint64
	HitRate   float64
	Evictions uint64
	Active    int
	Queued    int
	CacheLen  int
}

// Stats reports cache and pool counters.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := Stats{
		Hits:      e.hits,
		Misses:    e.misses,
		Evictions: e.cache.evictions,
		Active:    e.inFlight,
		Queued:    len(e.queue),
		CacheLen:  e.cache.len(),
	}
	if total := e.hits + e.misses; total > 0 {
		s.HitRate = float64(e.hits) / float64(total)
	}
	return s
}

// Close stops accepting work, fails every queued request with
// ErrEngineClosed, and waits for in-flight generations to finish. Close is
// idempotent.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		e.wg.Wait()
		return
	}
	e.closed = true
	failed := e.queue
	e.queue = nil
	e.mu.Unlock()

	for _, p := range failed {
		p.err = ErrEngineClosed
		close(p.done)
	}
	if n := len(failed); n > 0 {
		e.metrics.GenerationQueueDepth.Add(context.Background(), -int64(n))
	}
	e.wg.Wait()
}

func (e *Engine) emit(ev events.Event) {
	if e.emitter != nil {
		e.emitter.Emit(ev)
	}
}

// appearanceFields enumerates the trait names UpdateAppearance accepts.
var appearanceFields = map[string]bool{
	"gender": true, "ethnicity": true, "ageBracket": true, "faceShape": true,
	"eyeColor": true, "hairColor": true, "hairStyle": true, "skinTone": true,
}

func setAppearanceField(a *Appearance, field, value string) {
	switch field {
	case "gender":
		a.Gender = value
	case "ethnicity":
		a.Ethnicity = value
	case "ageBracket":
		a.AgeBracket = value
	case "faceShape":
		a.FaceShape = value
	case "eyeColor":
		a.EyeColor = value
	case "hairColor":
		a.HairColor = value
	case "hairStyle":
		a.HairStyle = value
	case "skinTone":
		a.SkinTone = value
	}
}

// resolveAppearance flattens appearance traits into the platform's attribute
// map and validates accessory names.
func resolveAppearance(cfg Configuration) (map[string]string, error) {
	for i, acc := range cfg.Accessories {
		if strings.TrimSpace(acc) == "" {
			return nil, &types.ValidationError{
				Field:  fmt.Sprintf("accessories[%d]", i),
				Reason: "accessory name must not be empty",
			}
		}
	}
	a := cfg.Appearance
	return map[string]string{
		"gender":     a.Gender,
		"ethnicity":  a.Ethnicity,
		"ageBracket": a.AgeBracket,
		"faceShape":  a.FaceShape,
		"eyeColor":   a.EyeColor,
		"hairColor":  a.HairColor,
		"hairStyle":  a.HairStyle,
		"skinTone":   a.SkinTone,
	}, nil
}

var hexColorRE = regexp.MustCompile(`^#[0-9a-fA-F]{6}$`)

// resolveStyling flattens outfit and brand attributes and validates brand
// colors as #RRGGBB hex.
func resolveStyling(cfg Configuration) (outfit, brand map[string]string, err error) {
	colors := []struct{ field, value string }{
		{"brand.primaryColor", cfg.Brand.PrimaryColor},
		{"brand.secondaryColor", cfg.Brand.SecondaryColor},
		{"brand.accentColor", cfg.Brand.AccentColor},
	}
	for _, c := range colors {
		if !hexColorRE.MatchString(c.value) {
			return nil, nil, &types.ValidationError{
				Field:  c.field,
				Reason: fmt.Sprintf("%q is not a #RRGGBB hex color", c.value),
			}
		}
	}
	o := cfg.Outfit
	outfit = map[string]string{
		"style":    o.Style,
		"category": o.Category,
		"color":    o.Color,
		"material": o.Material,
		"fit":      o.Fit,
	}
	brand = map[string]string{
		"primaryColor":   cfg.Brand.PrimaryColor,
		"secondaryColor": cfg.Brand.SecondaryColor,
		"accentColor":    cfg.Brand.AccentColor,
	}
	return outfit, brand, nil
}

// qualityTiers are the rendering tiers the platform accepts.
var qualityTiers = map[string]bool{"draft": true, "standard": true, "high": true}

// expressionLibrary selects the expressions provisioned for a new avatar.
// The high tier carries a richer library.
func expressionLibrary(quality string) ([]string, error) {
	if !qualityTiers[quality] {
		return nil, &types.ValidationError{
			Field:  "hints.quality",
			Reason: fmt.Sprintf("unknown tier %q (want draft, standard or high)", quality),
		}
	}
	lib := []string{"neutral", "happy", "sad", "surprised", "thinking", "confident"}
	if quality == "high" {
		lib = append(lib, "empathetic", "excited", "focused", "concerned")
	}
	return lib, nil
}

// canonicalBaselines are reference facial measurements in millimetres that
// personalization ratios are computed against. Measurements without a
// baseline are carried verbatim but produce no ratio.
var canonicalBaselines = map[string]float64{
	"faceWidth":      140,
	"faceHeight":     200,
	"jawWidth":       110,
	"eyeDistance":    62,
	"noseLength":     50,
	"lipWidth":       52,
	"foreheadHeight": 65,
}

// measurementRatios relates each analysis measurement to its canonical
// baseline.
func measurementRatios(measurements map[string]float64) map[string]float64 {
	ratios := make(map[string]float64, len(measurements))
	for name, value := range measurements {
		base, ok := canonicalBaselines[name]
		if !ok || base == 0 {
			continue
		}
		ratios[name] = value / base
	}
	return ratios
}

// measurementVector flattens measurements into the fixed-order vector stored
// in the profile index. Keys are sorted so equal measurement sets always
// produce equal vectors.
func measurementVector(measurements map[string]float64) []float32 {
	keys := slices.Sorted(maps.Keys(measurements))
	vec := make([]float32, 0, len(keys))
	for _, k := range keys {
		vec = append(vec, float32(measurements[k]))
	}
	return vec
}
