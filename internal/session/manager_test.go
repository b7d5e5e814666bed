package session_test

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/visagekit/visage/internal/avatar"
	"github.com/visagekit/visage/internal/events"
	"github.com/visagekit/visage/internal/observe"
	"github.com/visagekit/visage/internal/session"
	"github.com/visagekit/visage/pkg/prefs"
	rendermock "github.com/visagekit/visage/pkg/render/mock"
	"github.com/visagekit/visage/pkg/types"
)

// ── helpers ──────────────────────────────────────────────────────────────────

type applyCall struct {
	avatarID string
	cfg      avatar.Configuration
}

// mockGenerator hands out seeded avatars and records preview/apply traffic.
type mockGenerator struct {
	mu            sync.Mutex
	avatars       map[string]*avatar.GeneratedAvatar
	generateCalls []avatar.Configuration
	applyCalls    []applyCall
	generateErr   error
	applyErr      error
}

func seededGenerator(cfg avatar.Configuration) *mockGenerator {
	n := cfg.Normalized()
	return &mockGenerator{avatars: map[string]*avatar.GeneratedAvatar{
		"av-1": {ID: "av-1", Config: n},
	}}
}

func (g *mockGenerator) Avatar(avatarID string) (*avatar.GeneratedAvatar, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	av, ok := g.avatars[avatarID]
	if !ok {
		return nil, &types.NotFoundError{Kind: "avatar", ID: avatarID}
	}
	return av, nil
}

func (g *mockGenerator) Generate(_ context.Context, cfg avatar.Configuration) (*avatar.Result, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.generateErr != nil {
		return nil, g.generateErr
	}
	g.generateCalls = append(g.generateCalls, cfg.Clone())
	n := len(g.generateCalls)
	return &avatar.Result{
		Status: avatar.StatusReady,
		Avatar: &avatar.GeneratedAvatar{
			ID:         fmt.Sprintf("prev-%d", n),
			PreviewURL: fmt.Sprintf("https://renders.test/prev-%d", n),
			Config:     cfg.Normalized(),
		},
	}, nil
}

func (g *mockGenerator) ApplyConfiguration(_ context.Context, avatarID string, cfg avatar.Configuration) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.applyErr != nil {
		return g.applyErr
	}
	g.applyCalls = append(g.applyCalls, applyCall{avatarID, cfg.Clone()})
	return nil
}

func (g *mockGenerator) generateCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.generateCalls)
}

func (g *mockGenerator) applyCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.applyCalls)
}

func (g *mockGenerator) applyAt(i int) applyCall {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.applyCalls[i]
}

func newManager(t *testing.T, cfg session.ManagerConfig) *session.Manager {
	t.Helper()
	if cfg.Generator == nil {
		cfg.Generator = seededGenerator(avatar.Configuration{})
	}
	m, err := session.New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { m.Close(context.Background()) })
	return m
}

func startSession(t *testing.T, m *session.Manager) *session.Session {
	t.Helper()
	s, err := m.StartSession(context.Background(), "av-1", "u1", session.Options{})
	if err != nil {
		t.Fatalf("StartSession() error = %v", err)
	}
	return s
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

func recordedEmitter(t *testing.T) (*events.Emitter, *eventRecorder) {
	t.Helper()
	em := events.NewEmitter()
	t.Cleanup(em.Close)
	rec := &eventRecorder{}
	em.Subscribe(rec.record)
	return em, rec
}

// ── lifecycle ────────────────────────────────────────────────────────────────

func TestNew_RequiresGenerator(t *testing.T) {
	t.Parallel()

	_, err := session.New(session.ManagerConfig{})
	var de *types.DependencyError
	if !errors.As(err, &de) {
		t.Fatalf("New() error = %v, want *types.DependencyError", err)
	}
	if de.Dependency != "session.Generator" {
		t.Errorf("Dependency = %q, want session.Generator", de.Dependency)
	}
}

func TestStartSession_SnapshotsTwiceAndLoadsDefaults(t *testing.T) {
	t.Parallel()

	gen := seededGenerator(avatar.Configuration{Appearance: avatar.Appearance{EyeColor: "amber"}})
	store := prefs.NewMemStore()
	if err := store.SavePreferences(context.Background(), prefs.Preferences{
		UserID:   "u1",
		Defaults: map[string]string{"hairColor": "auburn"},
	}); err != nil {
		t.Fatalf("SavePreferences() error = %v", err)
	}
	em, rec := recordedEmitter(t)
	m := newManager(t, session.ManagerConfig{Generator: gen, Store: store, Emitter: em})

	s := startSession(t, m)
	if s.ID == "" {
		t.Fatal("session ID is empty")
	}
	if !reflect.DeepEqual(s.Original, s.Current) {
		t.Error("Original and Current differ at session start")
	}
	if s.Current.Appearance.EyeColor != "amber" {
		t.Errorf("Current.EyeColor = %q, want the avatar's amber", s.Current.Appearance.EyeColor)
	}
	if s.Defaults["hairColor"] != "auburn" {
		t.Errorf("Defaults[hairColor] = %q, want auburn", s.Defaults["hairColor"])
	}

	started := rec.byType(events.TypeSessionStarted)
	if len(started) != 1 {
		t.Fatalf("sessionStarted events = %d, want 1", len(started))
	}
	if started[0].SessionID != s.ID || started[0].AvatarID != "av-1" || started[0].UserID != "u1" {
		t.Errorf("event = %+v, want session/avatar/user ids set", started[0])
	}

	got, err := m.Session(s.ID)
	if err != nil {
		t.Fatalf("Session() error = %v", err)
	}
	if got.AvatarID != "av-1" {
		t.Errorf("AvatarID = %q, want av-1", got.AvatarID)
	}
}

func TestStartSession_UnknownAvatar(t *testing.T) {
	t.Parallel()

	m := newManager(t, session.ManagerConfig{})
	_, err := m.StartSession(context.Background(), "av-missing", "u1", session.Options{})
	if !types.IsNotFound(err) {
		t.Errorf("StartSession() error = %v, want not-found", err)
	}
}

// ── customization updates ────────────────────────────────────────────────────

func TestUpdateAppearance_CommitsHistoryAndEmits(t *testing.T) {
	t.Parallel()

	em, rec := recordedEmitter(t)
	m := newManager(t, session.ManagerConfig{Emitter: em})
	s := startSession(t, m)

	upd, err := m.UpdateAppearance(context.Background(), s.ID, map[string]any{"hairColor": "red"})
	if err != nil {
		t.Fatalf("UpdateAppearance() error = %v", err)
	}
	if got := upd.Session.Current.Appearance.HairColor; got != "red" {
		t.Errorf("Current.HairColor = %q, want red", got)
	}
	if got := upd.Session.Original.Appearance.HairColor; got == "red" {
		t.Error("Original mutated by the update")
	}
	if len(upd.Session.History) != 1 {
		t.Fatalf("len(History) = %d, want 1", len(upd.Session.History))
	}
	entry := upd.Session.History[0]
	if entry.Category != "appearance" || entry.Changes["hairColor"] != "red" {
		t.Errorf("entry = %+v, want appearance/hairColor=red", entry)
	}
	if got := len(rec.byType(events.TypeAppearanceUpdated)); got != 1 {
		t.Errorf("appearanceUpdated events = %d, want 1", got)
	}
}

func TestUpdateClothing_ValidationGateLeavesCurrentUnchanged(t *testing.T) {
	t.Parallel()

	em, rec := recordedEmitter(t)
	m := newManager(t, session.ManagerConfig{Emitter: em})
	s := startSession(t, m)

	_, err := m.UpdateClothing(context.Background(), s.ID, map[string]any{"pattern": "striped"})
	if !types.IsValidation(err) {
		t.Fatalf("UpdateClothing() error = %v, want validation error", err)
	}

	got, err := m.Session(s.ID)
	if err != nil {
		t.Fatalf("Session() error = %v", err)
	}
	if !reflect.DeepEqual(got.Current, got.Original) {
		t.Error("Current changed despite the rejected payload")
	}
	if len(got.History) != 0 {
		t.Errorf("len(History) = %d, want 0", len(got.History))
	}
	if got := len(rec.byType(events.TypeAppearanceUpdated)); got != 0 {
		t.Errorf("appearanceUpdated events = %d, want 0", got)
	}
}

func TestUpdateAccessories_SetAddRemove(t *testing.T) {
	t.Parallel()

	m := newManager(t, session.ManagerConfig{})
	s := startSession(t, m)
	ctx := context.Background()

	upd, err := m.UpdateAccessories(ctx, s.ID, map[string]any{
		"set": []any{"hat", "scarf"},
	})
	if err != nil {
		t.Fatalf("UpdateAccessories(set) error = %v", err)
	}
	if got := upd.Session.Current.Accessories; !reflect.DeepEqual(got, []string{"hat", "scarf"}) {
		t.Errorf("Accessories = %v, want [hat scarf]", got)
	}

	upd, err = m.UpdateAccessories(ctx, s.ID, map[string]any{
		"add":    "glasses",
		"remove": []string{"hat"},
	})
	if err != nil {
		t.Fatalf("UpdateAccessories(add/remove) error = %v", err)
	}
	if got := upd.Session.Current.Accessories; !reflect.DeepEqual(got, []string{"scarf", "glasses"}) {
		t.Errorf("Accessories = %v, want [scarf glasses]", got)
	}

	_, err = m.UpdateAccessories(ctx, s.ID, map[string]any{"add": 42})
	if !types.IsValidation(err) {
		t.Errorf("UpdateAccessories(add: 42) error = %v, want validation error", err)
	}
}

func TestApplyBrand_RequiresHexColors(t *testing.T) {
	t.Parallel()

	m := newManager(t, session.ManagerConfig{})
	s := startSession(t, m)
	ctx := context.Background()

	_, err := m.ApplyBrand(ctx, s.ID, map[string]any{"primaryColor": "red"})
	if !types.IsValidation(err) {
		t.Fatalf("ApplyBrand(red) error = %v, want validation error", err)
	}

	upd, err := m.ApplyBrand(ctx, s.ID, map[string]any{"primaryColor": "#112233"})
	if err != nil {
		t.Fatalf("ApplyBrand() error = %v", err)
	}
	if got := upd.Session.Current.Brand.PrimaryColor; got != "#112233" {
		t.Errorf("PrimaryColor = %q, want #112233", got)
	}
}

func TestApplyPreset_AppliesCuratedLook(t *testing.T) {
	t.Parallel()

	m := newManager(t, session.ManagerConfig{})
	s := startSession(t, m)

	upd, err := m.ApplyPreset(context.Background(), s.ID, "professional")
	if err != nil {
		t.Fatalf("ApplyPreset() error = %v", err)
	}
	if got := upd.Session.Current.Outfit.Style; got != "suit" {
		t.Errorf("Outfit.Style = %q, want suit", got)
	}
	if got := upd.Session.Current.Accessories; !reflect.DeepEqual(got, []string{"wristwatch"}) {
		t.Errorf("Accessories = %v, want [wristwatch]", got)
	}
	entry := upd.Session.History[0]
	if entry.Category != "preset" || entry.Preset != "professional" {
		t.Errorf("entry = %+v, want preset/professional", entry)
	}
}

func TestApplyPreset_UnknownSuggestsClosest(t *testing.T) {
	t.Parallel()

	m := newManager(t, session.ManagerConfig{})
	s := startSession(t, m)

	_, err := m.ApplyPreset(context.Background(), s.ID, "proffesional")
	if !types.IsNotFound(err) {
		t.Fatalf("ApplyPreset() error = %v, want not-found", err)
	}
	if !strings.Contains(err.Error(), `did you mean "professional"`) {
		t.Errorf("error %q does not suggest the professional preset", err)
	}
}

func TestUpdate_UnknownSession(t *testing.T) {
	t.Parallel()

	m := newManager(t, session.ManagerConfig{})
	_, err := m.UpdateAppearance(context.Background(), "sess-none", map[string]any{"hairColor": "red"})
	if !types.IsNotFound(err) {
		t.Errorf("UpdateAppearance() error = %v, want not-found", err)
	}
}

// ── revert ───────────────────────────────────────────────────────────────────

func TestRevert_ReplaysSurvivingHistoryFromOriginal(t *testing.T) {
	t.Parallel()

	m := newManager(t, session.ManagerConfig{})
	s := startSession(t, m)
	ctx := context.Background()

	if _, err := m.UpdateAppearance(ctx, s.ID, map[string]any{"hairColor": "red"}); err != nil {
		t.Fatalf("UpdateAppearance() error = %v", err)
	}
	if _, err := m.ApplyPreset(ctx, s.ID, "professional"); err != nil {
		t.Fatalf("ApplyPreset() error = %v", err)
	}

	got, err := m.Revert(ctx, s.ID, 1)
	if err != nil {
		t.Fatalf("Revert() error = %v", err)
	}

	// The reference is replayed independently: original plus the one
	// surviving change.
	want := s.Original.Clone()
	want.Appearance.HairColor = "red"
	if !reflect.DeepEqual(got.Current, want) {
		t.Errorf("Current after revert = %+v, want %+v", got.Current, want)
	}
	if got.Current.Outfit.Style == "suit" {
		t.Error("preset clothing survived the revert")
	}
	if len(got.History) != 1 {
		t.Errorf("len(History) = %d, want 1", len(got.History))
	}
}

func TestRevert_RejectsOutOfRangeSteps(t *testing.T) {
	t.Parallel()

	m := newManager(t, session.ManagerConfig{})
	s := startSession(t, m)
	ctx := context.Background()

	if _, err := m.UpdateAppearance(ctx, s.ID, map[string]any{"hairColor": "red"}); err != nil {
		t.Fatalf("UpdateAppearance() error = %v", err)
	}

	if _, err := m.Revert(ctx, s.ID, 0); !types.IsValidation(err) {
		t.Errorf("Revert(0) error = %v, want validation error", err)
	}
	if _, err := m.Revert(ctx, s.ID, 2); !types.IsValidation(err) {
		t.Errorf("Revert(2) error = %v, want validation error", err)
	}

	got, err := m.Session(s.ID)
	if err != nil {
		t.Fatalf("Session() error = %v", err)
	}
	if len(got.History) != 1 {
		t.Errorf("len(History) = %d after failed reverts, want 1", len(got.History))
	}
}

// ── previews and auto-apply ──────────────────────────────────────────────────

func TestPreviewOnChange_SharesGenerationCache(t *testing.T) {
	t.Parallel()

	platform := &rendermock.Platform{}
	eng, err := avatar.New(avatar.EngineConfig{Platform: platform})
	if err != nil {
		t.Fatalf("avatar.New() error = %v", err)
	}
	t.Cleanup(eng.Close)

	res, err := eng.Generate(context.Background(), avatar.Configuration{})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	avatarID := res.Avatar.ID

	em, rec := recordedEmitter(t)
	m := newManager(t, session.ManagerConfig{Generator: eng, Emitter: em, PreviewOnChange: true})
	s, err := m.StartSession(context.Background(), avatarID, "u1", session.Options{})
	if err != nil {
		t.Fatalf("StartSession() error = %v", err)
	}

	upd, err := m.UpdateAppearance(context.Background(), s.ID, map[string]any{"hairColor": "crimson"})
	if err != nil {
		t.Fatalf("UpdateAppearance() error = %v", err)
	}
	if upd.Preview == nil {
		t.Fatal("Preview is nil with previews enabled")
	}
	if got := len(platform.CreateAvatarCalls); got != 2 {
		t.Fatalf("CreateAvatar calls = %d, want initial generation plus one preview", got)
	}

	// Setting the working copy back to the original values makes the next
	// preview a pure cache hit on the initial generation.
	upd, err = m.UpdateAppearance(context.Background(), s.ID, map[string]any{"hairColor": avatar.DefaultHairColor})
	if err != nil {
		t.Fatalf("UpdateAppearance() error = %v", err)
	}
	if got := len(platform.CreateAvatarCalls); got != 2 {
		t.Errorf("CreateAvatar calls = %d, want the second preview served from cache", got)
	}
	if upd.Preview == nil || upd.Preview.ID != avatarID {
		t.Errorf("Preview = %+v, want the cached original avatar", upd.Preview)
	}
	if got := len(rec.byType(events.TypePreviewGenerated)); got != 2 {
		t.Errorf("previewGenerated events = %d, want 2", got)
	}
}

func TestPreviewFailure_KeepsCommittedChange(t *testing.T) {
	t.Parallel()

	gen := seededGenerator(avatar.Configuration{})
	gen.generateErr = &types.UpstreamError{Op: "render.CreateAvatar", Err: errors.New("render farm down")}
	m := newManager(t, session.ManagerConfig{Generator: gen, PreviewOnChange: true})
	s := startSession(t, m)

	_, err := m.UpdateAppearance(context.Background(), s.ID, map[string]any{"hairColor": "red"})
	if !types.IsUpstream(err) {
		t.Fatalf("UpdateAppearance() error = %v, want upstream error", err)
	}

	// The change passed validation and merged before the preview ran, so the
	// failure does not unwind it.
	got, err := m.Session(s.ID)
	if err != nil {
		t.Fatalf("Session() error = %v", err)
	}
	if got.Current.Appearance.HairColor != "red" {
		t.Errorf("Current.HairColor = %q, want the committed red", got.Current.Appearance.HairColor)
	}
	if len(got.History) != 1 {
		t.Errorf("len(History) = %d, want 1", len(got.History))
	}
}

func TestAutoApply_WritesThroughAndPersists(t *testing.T) {
	t.Parallel()

	gen := seededGenerator(avatar.Configuration{})
	store := prefs.NewMemStore()
	em, rec := recordedEmitter(t)
	m := newManager(t, session.ManagerConfig{Generator: gen, Store: store, Emitter: em, AutoApply: true})
	s := startSession(t, m)

	if _, err := m.UpdateAppearance(context.Background(), s.ID, map[string]any{"hairColor": "red"}); err != nil {
		t.Fatalf("UpdateAppearance() error = %v", err)
	}

	if gen.applyCount() != 1 {
		t.Fatalf("ApplyConfiguration calls = %d, want 1", gen.applyCount())
	}
	if gen.generateCount() != 0 {
		t.Errorf("Generate calls = %d, want none without previews", gen.generateCount())
	}
	call := gen.applyAt(0)
	if call.avatarID != "av-1" || call.cfg.Appearance.HairColor != "red" {
		t.Errorf("applied %q/%q, want av-1 with red hair", call.avatarID, call.cfg.Appearance.HairColor)
	}
	if got := len(rec.byType(events.TypeCustomizationApplied)); got != 1 {
		t.Errorf("customizationApplied events = %d, want 1", got)
	}

	p, err := store.GetPreferences(context.Background(), "u1")
	if err != nil {
		t.Fatalf("GetPreferences() error = %v", err)
	}
	if len(p.Recent) != 1 {
		t.Fatalf("len(Recent) = %d, want 1", len(p.Recent))
	}
	if p.Recent[0].Category != "appearance" || p.Recent[0].Changes["hairColor"] != "red" {
		t.Errorf("Recent[0] = %+v, want the applied appearance change", p.Recent[0])
	}
}

// ── ending sessions ──────────────────────────────────────────────────────────

func TestEndSession_SummaryAndArchive(t *testing.T) {
	t.Parallel()

	em, rec := recordedEmitter(t)
	m := newManager(t, session.ManagerConfig{Emitter: em})
	s := startSession(t, m)
	ctx := context.Background()

	if _, err := m.UpdateAppearance(ctx, s.ID, map[string]any{"hairColor": "red"}); err != nil {
		t.Fatalf("UpdateAppearance() error = %v", err)
	}
	if _, err := m.UpdateClothing(ctx, s.ID, map[string]any{"style": "suit"}); err != nil {
		t.Fatalf("UpdateClothing() error = %v", err)
	}

	sum, err := m.EndSession(ctx, s.ID, session.EndOptions{})
	if err != nil {
		t.Fatalf("EndSession() error = %v", err)
	}
	if sum.ChangeCount != 2 {
		t.Errorf("ChangeCount = %d, want 2", sum.ChangeCount)
	}
	if sum.Applied {
		t.Error("Applied = true without EndOptions.Apply")
	}
	if sum.Final.Appearance.HairColor != "red" || sum.Final.Outfit.Style != "suit" {
		t.Errorf("Final = %+v, want both changes present", sum.Final)
	}
	if sum.EndedAt.Before(sum.StartedAt) {
		t.Error("EndedAt precedes StartedAt")
	}

	if _, err := m.Session(s.ID); !types.IsNotFound(err) {
		t.Errorf("Session() after end error = %v, want not-found", err)
	}
	if _, err := m.EndSession(ctx, s.ID, session.EndOptions{}); !types.IsNotFound(err) {
		t.Errorf("second EndSession() error = %v, want not-found", err)
	}
	if got := len(rec.byType(events.TypeSessionEnded)); got != 1 {
		t.Errorf("sessionEnded events = %d, want 1", got)
	}
	if got := m.Archived(); len(got) != 1 || got[0].SessionID != s.ID {
		t.Errorf("Archived() = %+v, want the one summary", got)
	}
}

func TestEndSession_ApplyPersistsCondensedHistory(t *testing.T) {
	t.Parallel()

	gen := seededGenerator(avatar.Configuration{})
	store := prefs.NewMemStore()
	m := newManager(t, session.ManagerConfig{Generator: gen, Store: store})
	s := startSession(t, m)
	ctx := context.Background()

	for i := 1; i <= 6; i++ {
		color := fmt.Sprintf("color-%d", i)
		if _, err := m.UpdateAppearance(ctx, s.ID, map[string]any{"hairColor": color}); err != nil {
			t.Fatalf("UpdateAppearance(%d) error = %v", i, err)
		}
	}

	sum, err := m.EndSession(ctx, s.ID, session.EndOptions{Apply: true})
	if err != nil {
		t.Fatalf("EndSession() error = %v", err)
	}
	if !sum.Applied {
		t.Error("Applied = false, want true")
	}
	if gen.applyCount() != 1 {
		t.Errorf("ApplyConfiguration calls = %d, want 1", gen.applyCount())
	}

	p, err := store.GetPreferences(ctx, "u1")
	if err != nil {
		t.Fatalf("GetPreferences() error = %v", err)
	}
	if len(p.Recent) != prefs.MaxRecentCustomizations {
		t.Fatalf("len(Recent) = %d, want capped at %d", len(p.Recent), prefs.MaxRecentCustomizations)
	}
	if got := p.Recent[0].Changes["hairColor"]; got != "color-6" {
		t.Errorf("Recent[0] = %q, want the most recent change first", got)
	}
}

func TestEndSession_ApplyFailureKeepsSessionActive(t *testing.T) {
	t.Parallel()

	gen := seededGenerator(avatar.Configuration{})
	gen.applyErr = &types.UpstreamError{Op: "render.UpdateAvatar", Err: errors.New("socket closed")}
	m := newManager(t, session.ManagerConfig{Generator: gen})
	s := startSession(t, m)
	ctx := context.Background()

	if _, err := m.EndSession(ctx, s.ID, session.EndOptions{Apply: true}); !types.IsUpstream(err) {
		t.Fatalf("EndSession() error = %v, want upstream error", err)
	}
	if _, err := m.Session(s.ID); err != nil {
		t.Errorf("Session() error = %v, want session still active", err)
	}
}

func TestArchive_Bounded(t *testing.T) {
	t.Parallel()

	m := newManager(t, session.ManagerConfig{ArchiveCapacity: 2})
	ctx := context.Background()

	var ids []string
	for range 3 {
		s, err := m.StartSession(ctx, "av-1", "u1", session.Options{})
		if err != nil {
			t.Fatalf("StartSession() error = %v", err)
		}
		ids = append(ids, s.ID)
		if _, err := m.EndSession(ctx, s.ID, session.EndOptions{}); err != nil {
			t.Fatalf("EndSession() error = %v", err)
		}
	}

	got := m.Archived()
	if len(got) != 2 {
		t.Fatalf("len(Archived()) = %d, want 2", len(got))
	}
	if got[0].SessionID != ids[1] || got[1].SessionID != ids[2] {
		t.Errorf("archive = [%s %s], want the two newest summaries", got[0].SessionID, got[1].SessionID)
	}
}

func TestClose_EndsActiveSessionsAndStopsIntake(t *testing.T) {
	t.Parallel()

	em, rec := recordedEmitter(t)
	m := newManager(t, session.ManagerConfig{Emitter: em})
	ctx := context.Background()

	startSession(t, m)
	startSession(t, m)

	if err := m.Close(ctx); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if got := m.Active(); len(got) != 0 {
		t.Errorf("Active() = %v, want empty", got)
	}
	if got := len(rec.byType(events.TypeSessionEnded)); got != 2 {
		t.Errorf("sessionEnded events = %d, want 2", got)
	}

	if _, err := m.StartSession(ctx, "av-1", "u1", session.Options{}); !errors.Is(err, session.ErrManagerClosed) {
		t.Errorf("StartSession() after Close error = %v, want ErrManagerClosed", err)
	}

	if err := m.Close(ctx); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
}

func TestStartSession_AssignsUniqueUUIDs(t *testing.T) {
	t.Parallel()

	m := newManager(t, session.ManagerConfig{})

	a := startSession(t, m)
	b := startSession(t, m)

	if _, err := uuid.Parse(a.ID); err != nil {
		t.Errorf("session ID %q is not a uuid: %v", a.ID, err)
	}
	if a.ID == b.ID {
		t.Errorf("two sessions share ID %q", a.ID)
	}
}

func TestActiveSessionsGauge_TracksOpenSessions(t *testing.T) {
	t.Parallel()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	met, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics() error = %v", err)
	}
	m := newManager(t, session.ManagerConfig{Metrics: met})
	ctx := context.Background()

	a := startSession(t, m)
	startSession(t, m)
	if got := activeSessionsGauge(t, reader); got != 2 {
		t.Errorf("active_sessions after two starts = %d, want 2", got)
	}

	if _, err := m.EndSession(ctx, a.ID, session.EndOptions{}); err != nil {
		t.Fatalf("EndSession() error = %v", err)
	}
	if got := activeSessionsGauge(t, reader); got != 1 {
		t.Errorf("active_sessions after end = %d, want 1", got)
	}

	if err := m.Close(ctx); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if got := activeSessionsGauge(t, reader); got != 0 {
		t.Errorf("active_sessions after Close = %d, want 0", got)
	}
}

// activeSessionsGauge collects the reader and sums the data points of the
// visage.active_sessions updown counter.
func activeSessionsGauge(t *testing.T, reader *sdkmetric.ManualReader) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect() error = %v", err)
	}
	for _, sm := range rm.ScopeMetrics {
		for _, met := range sm.Metrics {
			if met.Name != "visage.active_sessions" {
				continue
			}
			sum, ok := met.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("active_sessions data = %T, want Sum[int64]", met.Data)
			}
			var total int64
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
			return total
		}
	}
	return 0
}
