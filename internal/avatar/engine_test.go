package avatar_test

import (
	"context"
	"errors"
	"math"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/visagekit/visage/internal/avatar"
	"github.com/visagekit/visage/internal/events"
	"github.com/visagekit/visage/pkg/prefs"
	prefsmock "github.com/visagekit/visage/pkg/prefs/mock"
	"github.com/visagekit/visage/pkg/render"
	rendermock "github.com/visagekit/visage/pkg/render/mock"
	"github.com/visagekit/visage/pkg/types"
)

// ── helpers ──────────────────────────────────────────────────────────────────

func newEngine(t *testing.T, cfg avatar.EngineConfig) *avatar.Engine {
	t.Helper()
	if cfg.Platform == nil {
		cfg.Platform = &rendermock.Platform{}
	}
	e, err := avatar.New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(e.Close)
	return e
}

func cfgWithEyes(color string) avatar.Configuration {
	return avatar.Configuration{Appearance: avatar.Appearance{EyeColor: color}}
}

// waitFor polls cond until it holds or the deadline expires.
func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out: %s", msg)
}

// eventRecorder collects emitted events from any goroutine.
type eventRecorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *eventRecorder) record(ev events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *eventRecorder) byType(typ events.Type) []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Event
	for _, ev := range r.events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

// ── construction ─────────────────────────────────────────────────────────────

func TestNew_RequiresPlatform(t *testing.T) {
	t.Parallel()

	_, err := avatar.New(avatar.EngineConfig{})
	var de *types.DependencyError
	if !errors.As(err, &de) {
		t.Fatalf("New() error = %v, want *types.DependencyError", err)
	}
	if de.Dependency != "render.Platform" {
		t.Errorf("Dependency = %q, want render.Platform", de.Dependency)
	}
}

// ── generation & caching ─────────────────────────────────────────────────────

func TestGenerate_MissThenHit(t *testing.T) {
	t.Parallel()

	platform := &rendermock.Platform{}
	e := newEngine(t, avatar.EngineConfig{Platform: platform})
	cfg := cfgWithEyes("green")

	first, err := e.Generate(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if first.Status != avatar.StatusReady || first.FromCache {
		t.Fatalf("first Generate = %+v, want ready miss", first)
	}
	if first.Avatar == nil || first.Avatar.ID == "" {
		t.Fatal("first Generate returned no avatar")
	}

	second, err := e.Generate(context.Background(), cfg)
	if err != nil {
		t.Fatalf("second Generate() error = %v", err)
	}
	if !second.FromCache {
		t.Error("second Generate missed the cache")
	}
	if second.Avatar.ID != first.Avatar.ID {
		t.Errorf("second avatar ID = %q, want %q", second.Avatar.ID, first.Avatar.ID)
	}
	if got := len(platform.CreateAvatarCalls); got != 1 {
		t.Errorf("CreateAvatar calls = %d, want 1", got)
	}
}

func TestGenerate_BrandAndQualityShareCacheEntry(t *testing.T) {
	t.Parallel()

	platform := &rendermock.Platform{}
	e := newEngine(t, avatar.EngineConfig{Platform: platform})

	base := cfgWithEyes("green")
	first, err := e.Generate(context.Background(), base)
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	variant := base.Clone()
	variant.Brand = avatar.Brand{PrimaryColor: "#101010", SecondaryColor: "#202020", AccentColor: "#303030"}
	variant.Hints = avatar.Hints{Quality: "high", Resolution: "4k", FrameRate: 60}

	second, err := e.Generate(context.Background(), variant)
	if err != nil {
		t.Fatalf("Generate(variant) error = %v", err)
	}
	if !second.FromCache {
		t.Error("brand/quality-only variant missed the cache")
	}
	if second.Avatar.ID != first.Avatar.ID {
		t.Errorf("variant avatar ID = %q, want %q", second.Avatar.ID, first.Avatar.ID)
	}
	if got := len(platform.CreateAvatarCalls); got != 1 {
		t.Errorf("CreateAvatar calls = %d, want 1", got)
	}
}

func TestGenerate_ResolvesPlatformRequest(t *testing.T) {
	t.Parallel()

	platform := &rendermock.Platform{}
	e := newEngine(t, avatar.EngineConfig{Platform: platform})

	res, err := e.Generate(context.Background(), avatar.Configuration{
		Appearance:  avatar.Appearance{EyeColor: "green"},
		Outfit:      avatar.Outfit{Color: "black"},
		Accessories: []string{"glasses"},
		Hints:       avatar.Hints{Quality: "high"},
	})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	req := platform.CreateAvatarCalls[0].Request
	if req.Appearance["eyeColor"] != "green" {
		t.Errorf("request eyeColor = %q, want green", req.Appearance["eyeColor"])
	}
	if req.Appearance["gender"] != avatar.DefaultGender {
		t.Errorf("request gender = %q, want default %q", req.Appearance["gender"], avatar.DefaultGender)
	}
	if req.Outfit["color"] != "black" {
		t.Errorf("request outfit color = %q, want black", req.Outfit["color"])
	}
	if len(req.Accessories) != 1 || req.Accessories[0] != "glasses" {
		t.Errorf("request accessories = %v, want [glasses]", req.Accessories)
	}
	if req.Brand["primaryColor"] != avatar.DefaultPrimaryColor {
		t.Errorf("request primaryColor = %q, want default", req.Brand["primaryColor"])
	}
	if req.Quality.Quality != "high" {
		t.Errorf("request quality = %q, want high", req.Quality.Quality)
	}
	if !slices.Contains(req.Expressions, "neutral") || !slices.Contains(req.Expressions, "empathetic") {
		t.Errorf("high-tier expressions = %v, want base plus extended set", req.Expressions)
	}
	if !slices.Equal(res.Avatar.ExpressionLibrary, req.Expressions) {
		t.Error("avatar expression library differs from the provisioned request")
	}
	if res.Avatar.Metadata.Provenance.Source != "request" {
		t.Errorf("provenance source = %q, want request", res.Avatar.Metadata.Provenance.Source)
	}

	// Standard tier provisions the base library only.
	std, err := e.Generate(context.Background(), cfgWithEyes("blue"))
	if err != nil {
		t.Fatalf("Generate(standard) error = %v", err)
	}
	if slices.Contains(std.Avatar.ExpressionLibrary, "empathetic") {
		t.Errorf("standard-tier library = %v, want base set only", std.Avatar.ExpressionLibrary)
	}
}

func TestGenerate_ValidationRejectsUnknownQuality(t *testing.T) {
	t.Parallel()

	platform := &rendermock.Platform{}
	e := newEngine(t, avatar.EngineConfig{Platform: platform})

	_, err := e.Generate(context.Background(), avatar.Configuration{
		Hints: avatar.Hints{Quality: "cinematic"},
	})
	if !types.IsValidation(err) {
		t.Fatalf("Generate() error = %v, want validation error", err)
	}
	if platform.CallCount() != 0 {
		t.Error("invalid configuration reached the platform")
	}
}

func TestGenerate_ValidationRejectsBlankAccessory(t *testing.T) {
	t.Parallel()

	platform := &rendermock.Platform{}
	e := newEngine(t, avatar.EngineConfig{Platform: platform})

	_, err := e.Generate(context.Background(), avatar.Configuration{
		Accessories: []string{"glasses", "  "},
	})
	if !types.IsValidation(err) {
		t.Fatalf("Generate() error = %v, want validation error", err)
	}
	if platform.CallCount() != 0 {
		t.Error("invalid configuration reached the platform")
	}
}

func TestGenerate_ValidationRejectsBadBrandColor(t *testing.T) {
	t.Parallel()

	platform := &rendermock.Platform{}
	e := newEngine(t, avatar.EngineConfig{Platform: platform})

	_, err := e.Generate(context.Background(), avatar.Configuration{
		Brand: avatar.Brand{PrimaryColor: "blue"},
	})
	if !types.IsValidation(err) {
		t.Fatalf("Generate() error = %v, want validation error", err)
	}
	if platform.CallCount() != 0 {
		t.Error("invalid configuration reached the platform")
	}
}

func TestGenerate_WrapsUpstreamError(t *testing.T) {
	t.Parallel()

	errBoom := errors.New("socket closed")
	platform := &rendermock.Platform{CreateAvatarError: errBoom}
	e := newEngine(t, avatar.EngineConfig{Platform: platform})

	_, err := e.Generate(context.Background(), cfgWithEyes("green"))
	if !types.IsUpstream(err) {
		t.Fatalf("Generate() error = %v, want upstream error", err)
	}
	var ue *types.UpstreamError
	if errors.As(err, &ue) && ue.Op != "render.CreateAvatar" {
		t.Errorf("Op = %q, want render.CreateAvatar", ue.Op)
	}
	if !errors.Is(err, errBoom) {
		t.Error("wrapped error lost the platform failure")
	}

	// The failure is not cached; a retry reaches the platform again.
	platform.CreateAvatarError = nil
	if _, err := e.Generate(context.Background(), cfgWithEyes("green")); err != nil {
		t.Fatalf("retry Generate() error = %v", err)
	}
	if got := len(platform.CreateAvatarCalls); got != 2 {
		t.Errorf("CreateAvatar calls = %d, want 2", got)
	}
}

func TestGenerate_EvictsOldestAtCapacity(t *testing.T) {
	t.Parallel()

	platform := &rendermock.Platform{}
	e := newEngine(t, avatar.EngineConfig{Platform: platform, CacheCapacity: 2})

	first, err := e.Generate(context.Background(), cfgWithEyes("one"))
	if err != nil {
		t.Fatalf("Generate(one) error = %v", err)
	}
	if _, err := e.Generate(context.Background(), cfgWithEyes("two")); err != nil {
		t.Fatalf("Generate(two) error = %v", err)
	}
	third, err := e.Generate(context.Background(), cfgWithEyes("three"))
	if err != nil {
		t.Fatalf("Generate(three) error = %v", err)
	}

	stats := e.Stats()
	if stats.Evictions != 1 {
		t.Errorf("Evictions = %d, want 1", stats.Evictions)
	}
	if stats.CacheLen != 2 {
		t.Errorf("CacheLen = %d, want 2", stats.CacheLen)
	}

	// The evicted avatar is gone from the id index too.
	if _, err := e.Avatar(first.Avatar.ID); !types.IsNotFound(err) {
		t.Errorf("Avatar(evicted) error = %v, want not found", err)
	}
	if _, err := e.Avatar(third.Avatar.ID); err != nil {
		t.Errorf("Avatar(third) error = %v", err)
	}

	// Regenerating the evicted configuration is a fresh miss.
	res, err := e.Generate(context.Background(), cfgWithEyes("one"))
	if err != nil {
		t.Fatalf("Generate(one again) error = %v", err)
	}
	if res.FromCache {
		t.Error("evicted configuration served from cache")
	}
}

func TestGenerate_EmitsAvatarGenerated(t *testing.T) {
	t.Parallel()

	rec := &eventRecorder{}
	em := events.NewEmitter()
	em.Subscribe(rec.record)

	e := newEngine(t, avatar.EngineConfig{Platform: &rendermock.Platform{}, Emitter: em})

	res, err := e.Generate(context.Background(), cfgWithEyes("green"))
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	generated := rec.byType(events.TypeAvatarGenerated)
	if len(generated) != 1 {
		t.Fatalf("avatarGenerated events = %d, want 1", len(generated))
	}
	if generated[0].AvatarID != res.Avatar.ID {
		t.Errorf("event AvatarID = %q, want %q", generated[0].AvatarID, res.Avatar.ID)
	}

	// A cache hit does not re-announce the avatar.
	if _, err := e.Generate(context.Background(), cfgWithEyes("green")); err != nil {
		t.Fatalf("second Generate() error = %v", err)
	}
	if got := len(rec.byType(events.TypeAvatarGenerated)); got != 1 {
		t.Errorf("avatarGenerated events after hit = %d, want 1", got)
	}
}

// ── pool & queue ─────────────────────────────────────────────────────────────

func TestGenerate_PoolBoundsInFlightCalls(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	var once sync.Once
	openGate := func() { once.Do(func() { close(release) }) }
	defer openGate()

	var active, maxActive atomic.Int64
	platform := &rendermock.Platform{}
	platform.CreateAvatarFunc = func(_ context.Context, req render.CreateRequest) (render.Handle, error) {
		n := active.Add(1)
		for {
			m := maxActive.Load()
			if n <= m || maxActive.CompareAndSwap(m, n) {
				break
			}
		}
		<-release
		active.Add(-1)
		return render.Handle{ID: "av-" + req.Appearance["eyeColor"]}, nil
	}

	e := newEngine(t, avatar.EngineConfig{Platform: platform, MaxConcurrent: 2})

	results := make(chan error, 2)
	for _, color := range []string{"green", "blue"} {
		go func() {
			_, err := e.Generate(context.Background(), cfgWithEyes(color))
			results <- err
		}()
	}
	waitFor(t, func() bool { return active.Load() == 2 }, "two generations did not start")

	queued, err := e.Generate(context.Background(), cfgWithEyes("grey"))
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if queued.Status != avatar.StatusQueued {
		t.Fatalf("third Generate status = %q, want %q", queued.Status, avatar.StatusQueued)
	}
	if queued.Position != 1 {
		t.Errorf("queue position = %d, want 1", queued.Position)
	}
	if queued.Avatar != nil {
		t.Error("queued result carries an avatar")
	}

	stats := e.Stats()
	if stats.Active != 2 || stats.Queued != 1 {
		t.Errorf("Stats = %+v, want Active 2 Queued 1", stats)
	}

	openGate()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := queued.Wait(ctx); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	for range 2 {
		if err := <-results; err != nil {
			t.Fatalf("concurrent Generate() error = %v", err)
		}
	}

	if got := maxActive.Load(); got > 2 {
		t.Errorf("max in-flight platform calls = %d, want at most 2", got)
	}
}

func TestGenerate_PromotesQueuedFIFO(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	var once sync.Once
	openGate := func() { once.Do(func() { close(release) }) }
	defer openGate()

	var mu sync.Mutex
	var order []string
	var calls atomic.Int64
	platform := &rendermock.Platform{}
	platform.CreateAvatarFunc = func(_ context.Context, req render.CreateRequest) (render.Handle, error) {
		if calls.Add(1) == 1 {
			<-release
		} else {
			mu.Lock()
			order = append(order, req.Appearance["eyeColor"])
			mu.Unlock()
		}
		return render.Handle{ID: "av-" + req.Appearance["eyeColor"]}, nil
	}

	e := newEngine(t, avatar.EngineConfig{Platform: platform, MaxConcurrent: 1})

	holder := make(chan error, 1)
	go func() {
		_, err := e.Generate(context.Background(), cfgWithEyes("holder"))
		holder <- err
	}()
	waitFor(t, func() bool { return calls.Load() == 1 }, "holder generation did not start")

	var queued []*avatar.Result
	for i, color := range []string{"first", "second", "third"} {
		res, err := e.Generate(context.Background(), cfgWithEyes(color))
		if err != nil {
			t.Fatalf("Generate(%s) error = %v", color, err)
		}
		if res.Status != avatar.StatusQueued {
			t.Fatalf("Generate(%s) status = %q, want queued", color, res.Status)
		}
		if res.Position != i+1 {
			t.Errorf("Generate(%s) position = %d, want %d", color, res.Position, i+1)
		}
		queued = append(queued, res)
	}

	openGate()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for i, res := range queued {
		if _, err := res.Wait(ctx); err != nil {
			t.Fatalf("Wait(%d) error = %v", i, err)
		}
	}
	if err := <-holder; err != nil {
		t.Fatalf("holder Generate() error = %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	want := []string{"first", "second", "third"}
	if !slices.Equal(order, want) {
		t.Errorf("promotion order = %v, want %v", order, want)
	}
}

func TestGenerate_QueueFull(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	var once sync.Once
	openGate := func() { once.Do(func() { close(release) }) }
	defer openGate()

	var calls atomic.Int64
	platform := &rendermock.Platform{}
	platform.CreateAvatarFunc = func(_ context.Context, req render.CreateRequest) (render.Handle, error) {
		calls.Add(1)
		<-release
		return render.Handle{ID: "av-" + req.Appearance["eyeColor"]}, nil
	}

	e := newEngine(t, avatar.EngineConfig{Platform: platform, MaxConcurrent: 1, QueueCapacity: 1})

	holder := make(chan error, 1)
	go func() {
		_, err := e.Generate(context.Background(), cfgWithEyes("holder"))
		holder <- err
	}()
	waitFor(t, func() bool { return calls.Load() == 1 }, "holder generation did not start")

	queued, err := e.Generate(context.Background(), cfgWithEyes("waits"))
	if err != nil {
		t.Fatalf("Generate(waits) error = %v", err)
	}

	if _, err := e.Generate(context.Background(), cfgWithEyes("rejected")); !errors.Is(err, avatar.ErrQueueFull) {
		t.Fatalf("Generate(rejected) error = %v, want ErrQueueFull", err)
	}

	openGate()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := queued.Wait(ctx); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if err := <-holder; err != nil {
		t.Fatalf("holder Generate() error = %v", err)
	}
}

func TestGenerate_FailureReleasesSlotAndPromotes(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	var once sync.Once
	openGate := func() { once.Do(func() { close(release) }) }
	defer openGate()

	errBoom := errors.New("render exploded")
	var calls atomic.Int64
	platform := &rendermock.Platform{}
	platform.CreateAvatarFunc = func(_ context.Context, req render.CreateRequest) (render.Handle, error) {
		calls.Add(1)
		if req.Appearance["eyeColor"] == "doomed" {
			<-release
			return render.Handle{}, errBoom
		}
		return render.Handle{ID: "av-fine"}, nil
	}

	rec := &eventRecorder{}
	em := events.NewEmitter()
	em.Subscribe(rec.record)

	e := newEngine(t, avatar.EngineConfig{Platform: platform, MaxConcurrent: 1, Emitter: em})

	doomed := make(chan error, 1)
	go func() {
		_, err := e.Generate(context.Background(), cfgWithEyes("doomed"))
		doomed <- err
	}()
	waitFor(t, func() bool { return calls.Load() == 1 }, "doomed generation did not start")

	queued, err := e.Generate(context.Background(), cfgWithEyes("fine"))
	if err != nil {
		t.Fatalf("Generate(fine) error = %v", err)
	}
	if queued.Status != avatar.StatusQueued {
		t.Fatalf("Generate(fine) status = %q, want queued", queued.Status)
	}

	openGate()

	if err := <-doomed; !types.IsUpstream(err) || !errors.Is(err, errBoom) {
		t.Fatalf("doomed Generate() error = %v, want wrapped upstream failure", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	av, err := queued.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if av.ID != "av-fine" {
		t.Errorf("promoted avatar ID = %q, want av-fine", av.ID)
	}

	stats := e.Stats()
	if stats.Active != 0 || stats.Queued != 0 {
		t.Errorf("Stats = %+v, want drained pool and queue", stats)
	}

	errEvents := rec.byType(events.TypeError)
	if len(errEvents) != 1 || !errors.Is(errEvents[0].Err, errBoom) {
		t.Errorf("error events = %+v, want one carrying the platform failure", errEvents)
	}
	if got := len(rec.byType(events.TypeAvatarGenerated)); got != 1 {
		t.Errorf("avatarGenerated events = %d, want 1", got)
	}
}

func TestResultWait_ContextCancelAbandonsWaitOnly(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	var once sync.Once
	openGate := func() { once.Do(func() { close(release) }) }
	defer openGate()

	var calls atomic.Int64
	platform := &rendermock.Platform{}
	platform.CreateAvatarFunc = func(_ context.Context, req render.CreateRequest) (render.Handle, error) {
		calls.Add(1)
		<-release
		return render.Handle{ID: "av-" + req.Appearance["eyeColor"]}, nil
	}

	e := newEngine(t, avatar.EngineConfig{Platform: platform, MaxConcurrent: 1})

	holder := make(chan error, 1)
	go func() {
		_, err := e.Generate(context.Background(), cfgWithEyes("holder"))
		holder <- err
	}()
	waitFor(t, func() bool { return calls.Load() == 1 }, "holder generation did not start")

	queued, err := e.Generate(context.Background(), cfgWithEyes("later"))
	if err != nil {
		t.Fatalf("Generate(later) error = %v", err)
	}

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := queued.Wait(cancelled); !errors.Is(err, context.Canceled) {
		t.Fatalf("Wait(cancelled) error = %v, want context.Canceled", err)
	}

	// The queued generation still runs to completion.
	openGate()
	ctx, waitCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer waitCancel()
	av, err := queued.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait() after cancel error = %v", err)
	}
	if av.ID != "av-later" {
		t.Errorf("avatar ID = %q, want av-later", av.ID)
	}
	if err := <-holder; err != nil {
		t.Fatalf("holder Generate() error = %v", err)
	}
}

// ── mutation ─────────────────────────────────────────────────────────────────

func TestUpdateAppearance_PatchesUpstreamThenCache(t *testing.T) {
	t.Parallel()

	platform := &rendermock.Platform{}
	rec := &eventRecorder{}
	em := events.NewEmitter()
	em.Subscribe(rec.record)
	e := newEngine(t, avatar.EngineConfig{Platform: platform, Emitter: em})

	res, err := e.Generate(context.Background(), cfgWithEyes("green"))
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	id := res.Avatar.ID

	if err := e.UpdateAppearance(context.Background(), id, map[string]string{"hairColor": "red"}); err != nil {
		t.Fatalf("UpdateAppearance() error = %v", err)
	}

	if len(platform.UpdateAvatarCalls) != 1 {
		t.Fatalf("UpdateAvatar calls = %d, want 1", len(platform.UpdateAvatarCalls))
	}
	call := platform.UpdateAvatarCalls[0]
	if call.AvatarID != id || call.Patch.Appearance["hairColor"] != "red" {
		t.Errorf("UpdateAvatar call = %+v, want hairColor=red on %s", call, id)
	}

	got, err := e.Avatar(id)
	if err != nil {
		t.Fatalf("Avatar() error = %v", err)
	}
	if got.Config.Appearance.HairColor != "red" {
		t.Errorf("cached HairColor = %q, want red", got.Config.Appearance.HairColor)
	}
	if got.Appearance["hairColor"] != "red" {
		t.Errorf("resolved map hairColor = %q, want red", got.Appearance["hairColor"])
	}

	// Earlier results are point-in-time snapshots.
	if res.Avatar.Config.Appearance.HairColor == "red" {
		t.Error("update mutated a previously returned avatar")
	}

	updates := rec.byType(events.TypeAppearanceUpdated)
	if len(updates) != 1 || updates[0].AvatarID != id {
		t.Errorf("appearanceUpdated events = %+v, want one for %s", updates, id)
	}
}

func TestUpdateAppearance_KeepsCacheKey(t *testing.T) {
	t.Parallel()

	platform := &rendermock.Platform{}
	e := newEngine(t, avatar.EngineConfig{Platform: platform})

	cfg := cfgWithEyes("green")
	res, err := e.Generate(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	if err := e.UpdateAppearance(context.Background(), res.Avatar.ID, map[string]string{"hairColor": "red"}); err != nil {
		t.Fatalf("UpdateAppearance() error = %v", err)
	}

	// The original configuration still hits the (now mutated) entry.
	again, err := e.Generate(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if !again.FromCache {
		t.Error("original configuration missed after in-place update")
	}
	if again.Avatar.ID != res.Avatar.ID {
		t.Errorf("avatar ID = %q, want %q", again.Avatar.ID, res.Avatar.ID)
	}
	if again.Avatar.Config.Appearance.HairColor != "red" {
		t.Errorf("cached HairColor = %q, want red", again.Avatar.Config.Appearance.HairColor)
	}
	if got := len(platform.CreateAvatarCalls); got != 1 {
		t.Errorf("CreateAvatar calls = %d, want 1", got)
	}
}

func TestUpdateAppearance_UnknownTraitRejected(t *testing.T) {
	t.Parallel()

	platform := &rendermock.Platform{}
	e := newEngine(t, avatar.EngineConfig{Platform: platform})

	res, err := e.Generate(context.Background(), cfgWithEyes("green"))
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	err = e.UpdateAppearance(context.Background(), res.Avatar.ID, map[string]string{"tailLength": "long"})
	if !types.IsValidation(err) {
		t.Fatalf("UpdateAppearance() error = %v, want validation error", err)
	}
	if len(platform.UpdateAvatarCalls) != 0 {
		t.Error("rejected update reached the platform")
	}

	got, _ := e.Avatar(res.Avatar.ID)
	if got.Config.Appearance != res.Avatar.Config.Appearance {
		t.Error("rejected update changed the cached appearance")
	}
}

func TestUpdateAppearance_UnknownAvatar(t *testing.T) {
	t.Parallel()

	e := newEngine(t, avatar.EngineConfig{})
	err := e.UpdateAppearance(context.Background(), "av-missing", map[string]string{"hairColor": "red"})
	if !types.IsNotFound(err) {
		t.Fatalf("UpdateAppearance() error = %v, want not found", err)
	}
}

func TestDeleteAvatar_RemovesCacheEntry(t *testing.T) {
	t.Parallel()

	platform := &rendermock.Platform{}
	e := newEngine(t, avatar.EngineConfig{Platform: platform})

	cfg := cfgWithEyes("green")
	res, err := e.Generate(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	id := res.Avatar.ID

	if err := e.DeleteAvatar(context.Background(), id); err != nil {
		t.Fatalf("DeleteAvatar() error = %v", err)
	}
	if len(platform.DestroyAvatarCalls) != 1 || platform.DestroyAvatarCalls[0].AvatarID != id {
		t.Errorf("DestroyAvatar calls = %+v, want one for %s", platform.DestroyAvatarCalls, id)
	}
	if _, err := e.Avatar(id); !types.IsNotFound(err) {
		t.Errorf("Avatar(deleted) error = %v, want not found", err)
	}

	// The configuration regenerates from scratch.
	again, err := e.Generate(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Generate() after delete error = %v", err)
	}
	if again.FromCache {
		t.Error("deleted configuration served from cache")
	}
	if got := len(platform.CreateAvatarCalls); got != 2 {
		t.Errorf("CreateAvatar calls = %d, want 2", got)
	}
}

func TestDeleteAvatar_UnknownAvatar(t *testing.T) {
	t.Parallel()

	e := newEngine(t, avatar.EngineConfig{})
	if err := e.DeleteAvatar(context.Background(), "av-missing"); !types.IsNotFound(err) {
		t.Fatalf("DeleteAvatar() error = %v, want not found", err)
	}
}

func TestDeleteAvatar_UpstreamFailureKeepsEntry(t *testing.T) {
	t.Parallel()

	platform := &rendermock.Platform{}
	e := newEngine(t, avatar.EngineConfig{Platform: platform})

	res, err := e.Generate(context.Background(), cfgWithEyes("green"))
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	platform.DestroyAvatarError = errors.New("platform offline")
	err = e.DeleteAvatar(context.Background(), res.Avatar.ID)
	if !types.IsUpstream(err) {
		t.Fatalf("DeleteAvatar() error = %v, want upstream error", err)
	}
	if _, err := e.Avatar(res.Avatar.ID); err != nil {
		t.Errorf("Avatar() after failed delete error = %v, want still present", err)
	}
}

func TestApplyConfiguration_WritesBack(t *testing.T) {
	t.Parallel()

	platform := &rendermock.Platform{}
	e := newEngine(t, avatar.EngineConfig{Platform: platform})

	res, err := e.Generate(context.Background(), cfgWithEyes("green"))
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	id := res.Avatar.ID

	next := avatar.Configuration{
		Appearance:  avatar.Appearance{EyeColor: "amber"},
		Outfit:      avatar.Outfit{Color: "black"},
		Accessories: []string{"scarf"},
	}
	if err := e.ApplyConfiguration(context.Background(), id, next); err != nil {
		t.Fatalf("ApplyConfiguration() error = %v", err)
	}

	if len(platform.UpdateAvatarCalls) != 1 {
		t.Fatalf("UpdateAvatar calls = %d, want 1", len(platform.UpdateAvatarCalls))
	}
	patch := platform.UpdateAvatarCalls[0].Patch
	if patch.Appearance["eyeColor"] != "amber" {
		t.Errorf("patch eyeColor = %q, want amber", patch.Appearance["eyeColor"])
	}
	if patch.Outfit["color"] != "black" {
		t.Errorf("patch outfit color = %q, want black", patch.Outfit["color"])
	}
	if len(patch.Accessories) != 1 || patch.Accessories[0] != "scarf" {
		t.Errorf("patch accessories = %v, want [scarf]", patch.Accessories)
	}
	if patch.Brand["primaryColor"] != avatar.DefaultPrimaryColor {
		t.Errorf("patch primaryColor = %q, want default", patch.Brand["primaryColor"])
	}

	got, err := e.Avatar(id)
	if err != nil {
		t.Fatalf("Avatar() error = %v", err)
	}
	if got.Config.Appearance.EyeColor != "amber" {
		t.Errorf("applied EyeColor = %q, want amber", got.Config.Appearance.EyeColor)
	}
	if got.Config.Outfit.Style != avatar.DefaultOutfitStyle {
		t.Error("applied configuration was not normalized")
	}
}

func TestApplyConfiguration_UnknownAvatar(t *testing.T) {
	t.Parallel()

	e := newEngine(t, avatar.EngineConfig{})
	err := e.ApplyConfiguration(context.Background(), "av-missing", avatar.Configuration{})
	if !types.IsNotFound(err) {
		t.Fatalf("ApplyConfiguration() error = %v, want not found", err)
	}
}

// ── personalization ──────────────────────────────────────────────────────────

func TestGeneratePersonalized_DerivesBlockAndProvenance(t *testing.T) {
	t.Parallel()

	e := newEngine(t, avatar.EngineConfig{})

	analysis := avatar.FaceAnalysis{
		FaceShape:  "round",
		Confidence: 0.85,
		Measurements: map[string]float64{
			"faceWidth": 154, // baseline 140
			"jawWidth":  99,  // baseline 110
			"earSpan":   17,  // no baseline, no ratio
		},
	}
	res, err := e.GeneratePersonalized(context.Background(), "u1", analysis, avatar.Configuration{})
	if err != nil {
		t.Fatalf("GeneratePersonalized() error = %v", err)
	}

	cfg := res.Avatar.Config
	if cfg.Appearance.FaceShape != "round" {
		t.Errorf("FaceShape = %q, want round from analysis", cfg.Appearance.FaceShape)
	}
	p := cfg.Personalization
	if p == nil {
		t.Fatal("generated configuration has no personalization block")
	}
	if p.Source != "face-analysis" || p.Confidence != 0.85 {
		t.Errorf("personalization = %+v, want face-analysis at 0.85", p)
	}
	if got := p.Ratios["faceWidth"]; math.Abs(got-154.0/140.0) > 1e-9 {
		t.Errorf("faceWidth ratio = %v, want %v", got, 154.0/140.0)
	}
	if got := p.Ratios["jawWidth"]; math.Abs(got-99.0/110.0) > 1e-9 {
		t.Errorf("jawWidth ratio = %v, want %v", got, 99.0/110.0)
	}
	if _, ok := p.Ratios["earSpan"]; ok {
		t.Error("measurement without a baseline produced a ratio")
	}
	if p.Measurements["earSpan"] != 17 {
		t.Error("raw measurement was dropped")
	}

	prov := res.Avatar.Metadata.Provenance
	if prov.Source != "face-analysis" || prov.Confidence != 0.85 {
		t.Errorf("provenance = %+v, want face-analysis at 0.85", prov)
	}
}

func TestGeneratePersonalized_ExplicitFaceShapeWins(t *testing.T) {
	t.Parallel()

	e := newEngine(t, avatar.EngineConfig{})

	analysis := avatar.FaceAnalysis{FaceShape: "round", Confidence: 0.9}
	res, err := e.GeneratePersonalized(context.Background(), "u1", analysis, avatar.Configuration{
		Appearance: avatar.Appearance{FaceShape: "square"},
	})
	if err != nil {
		t.Fatalf("GeneratePersonalized() error = %v", err)
	}
	if got := res.Avatar.Config.Appearance.FaceShape; got != "square" {
		t.Errorf("FaceShape = %q, want explicit square kept", got)
	}
}

func TestGeneratePersonalized_BackfillsFromProfileIndex(t *testing.T) {
	t.Parallel()

	store := prefs.NewMemStore()
	seed := prefs.Profile{
		UserID:       "u-prior",
		Measurements: []float32{148, 102},
		FaceShape:    "heart",
		Confidence:   0.8,
	}
	if err := store.SaveProfile(context.Background(), seed); err != nil {
		t.Fatalf("SaveProfile() error = %v", err)
	}

	e := newEngine(t, avatar.EngineConfig{Profiles: store})

	// Analysis without a classified shape; the nearest profile supplies it.
	analysis := avatar.FaceAnalysis{
		Confidence:   0.9,
		Measurements: map[string]float64{"faceWidth": 150, "jawWidth": 100},
	}
	res, err := e.GeneratePersonalized(context.Background(), "u-new", analysis, avatar.Configuration{})
	if err != nil {
		t.Fatalf("GeneratePersonalized() error = %v", err)
	}
	if got := res.Avatar.Config.Appearance.FaceShape; got != "heart" {
		t.Errorf("FaceShape = %q, want heart from nearest profile", got)
	}

	// The new analysis was stored alongside the seed.
	matches, err := store.NearestProfiles(context.Background(), []float32{150, 100}, 5)
	if err != nil {
		t.Fatalf("NearestProfiles() error = %v", err)
	}
	if len(matches) != 2 {
		t.Fatalf("stored profiles = %d, want 2", len(matches))
	}
}

func TestGeneratePersonalized_IndexFailuresAreNotFatal(t *testing.T) {
	t.Parallel()

	idx := &prefsmock.Index{
		NearestError:     errors.New("index offline"),
		SaveProfileError: errors.New("index offline"),
	}
	e := newEngine(t, avatar.EngineConfig{Profiles: idx})

	analysis := avatar.FaceAnalysis{
		Confidence:   0.7,
		Measurements: map[string]float64{"faceWidth": 150},
	}
	res, err := e.GeneratePersonalized(context.Background(), "u1", analysis, avatar.Configuration{})
	if err != nil {
		t.Fatalf("GeneratePersonalized() error = %v", err)
	}
	if res.Avatar.Config.Appearance.FaceShape != avatar.DefaultFaceShape {
		t.Errorf("FaceShape = %q, want default with index offline", res.Avatar.Config.Appearance.FaceShape)
	}
	if len(idx.SaveProfileCalls) != 1 {
		t.Errorf("SaveProfile calls = %d, want 1 best-effort attempt", len(idx.SaveProfileCalls))
	}
}

// ── stats & shutdown ─────────────────────────────────────────────────────────

func TestStats_TracksHitRate(t *testing.T) {
	t.Parallel()

	e := newEngine(t, avatar.EngineConfig{})
	cfg := cfgWithEyes("green")

	for range 3 {
		if _, err := e.Generate(context.Background(), cfg); err != nil {
			t.Fatalf("Generate() error = %v", err)
		}
	}

	stats := e.Stats()
	if stats.Hits != 2 || stats.Misses != 1 {
		t.Errorf("Hits/Misses = %d/%d, want 2/1", stats.Hits, stats.Misses)
	}
	if math.Abs(stats.HitRate-2.0/3.0) > 1e-9 {
		t.Errorf("HitRate = %v, want 2/3", stats.HitRate)
	}
	if stats.CacheLen != 1 {
		t.Errorf("CacheLen = %d, want 1", stats.CacheLen)
	}
}

func TestClose_FailsQueuedAndStopsIntake(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	var once sync.Once
	openGate := func() { once.Do(func() { close(release) }) }
	defer openGate()

	var calls atomic.Int64
	platform := &rendermock.Platform{}
	platform.CreateAvatarFunc = func(_ context.Context, req render.CreateRequest) (render.Handle, error) {
		calls.Add(1)
		<-release
		return render.Handle{ID: "av-" + req.Appearance["eyeColor"]}, nil
	}

	e := newEngine(t, avatar.EngineConfig{Platform: platform, MaxConcurrent: 1})

	holder := make(chan error, 1)
	go func() {
		_, err := e.Generate(context.Background(), cfgWithEyes("holder"))
		holder <- err
	}()
	waitFor(t, func() bool { return calls.Load() == 1 }, "holder generation did not start")

	queued, err := e.Generate(context.Background(), cfgWithEyes("queued"))
	if err != nil {
		t.Fatalf("Generate(queued) error = %v", err)
	}

	closed := make(chan struct{})
	go func() {
		e.Close()
		close(closed)
	}()

	// The queued request fails immediately, before in-flight work drains.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := queued.Wait(ctx); !errors.Is(err, avatar.ErrEngineClosed) {
		t.Fatalf("Wait() error = %v, want ErrEngineClosed", err)
	}

	openGate()
	if err := <-holder; err != nil {
		t.Fatalf("holder Generate() error = %v", err)
	}
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not return after in-flight generation finished")
	}

	if _, err := e.Generate(context.Background(), cfgWithEyes("late")); !errors.Is(err, avatar.ErrEngineClosed) {
		t.Errorf("Generate() after Close error = %v, want ErrEngineClosed", err)
	}
}
