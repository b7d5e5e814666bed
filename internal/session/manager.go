// Package session implements the customization session manager: it opens
// per-user editing sessions over generated avatars, validates and merges
// typed customization patches, keeps a replayable change history, previews
// intermediate states through the generation cache, and archives immutable
// summaries when sessions end.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/visagekit/visage/internal/avatar"
	"github.com/visagekit/visage/internal/events"
	"github.com/visagekit/visage/internal/observe"
	"github.com/visagekit/visage/pkg/prefs"
	"github.com/visagekit/visage/pkg/types"
)

// DefaultArchiveCapacity bounds the ended-session archive when
// ManagerConfig leaves it zero.
const DefaultArchiveCapacity = 100

// ErrManagerClosed is returned by StartSession after Close.
var ErrManagerClosed = errors.New("session: manager closed")

// Generator is the slice of the avatar engine the manager needs: resolving
// live avatars, rendering previews and applying final configurations.
type Generator interface {
	Avatar(avatarID string) (*avatar.GeneratedAvatar, error)
	Generate(ctx context.Context, cfg avatar.Configuration) (*avatar.Result, error)
	ApplyConfiguration(ctx context.Context, avatarID string, cfg avatar.Configuration) error
}

// ManagerConfig configures a session [Manager]. Generator is required;
// every other field has a usable zero value.
type ManagerConfig struct {
	// Generator resolves, previews and applies avatar configurations.
	Generator Generator

	// Store persists per-user preferences. Optional; when nil, sessions
	// start without defaults and applied history is not persisted.
	Store prefs.Store

	// Emitter receives session lifecycle events. Optional.
	Emitter *events.Emitter

	// Metrics receives customization counters. Defaults to the shared
	// instance.
	Metrics *observe.Metrics

	// Clock supplies timestamps. Defaults to the wall clock.
	Clock clock.Clock

	// ArchiveCapacity bounds the ended-session archive. Zero means
	// DefaultArchiveCapacity.
	ArchiveCapacity int

	// PreviewOnChange renders a preview after every accepted change.
	PreviewOnChange bool

	// AutoApply writes every accepted change through to the live avatar
	// and persists it to the user's preference history.
	AutoApply bool
}

// Options tunes one session beyond the manager defaults. Flags here enable
// behavior for this session; they cannot disable a manager-wide default.
type Options struct {
	PreviewOnChange bool
	AutoApply       bool
}

// EndOptions controls how a session ends.
type EndOptions struct {
	// Apply writes the final configuration to the live avatar before
	// archiving the session.
	Apply bool
}

// Session is one user's customization workspace. Values returned by the
// manager are snapshots; mutating them does not affect the live session.
type Session struct {
	// ID is the uuid assigned when the session is registered.
	ID string

	// AvatarID is the avatar under customization.
	AvatarID string

	// UserID owns the session. May be empty for anonymous sessions.
	UserID string

	// Original is the configuration snapshot taken at start. Revert
	// replays surviving history onto it.
	Original avatar.Configuration

	// Current is the working configuration including all accepted changes.
	Current avatar.Configuration

	// History lists accepted changes in application order.
	History []Entry

	// Defaults are the user's preferred trait values loaded at start.
	Defaults map[string]string

	// StartedAt is when the session was registered.
	StartedAt time.Time

	PreviewOnChange bool
	AutoApply       bool
}

// snapshot returns a deep copy safe to hand to callers. Entries are shared;
// they are immutable once appended.
func (s *Session) snapshot() Session {
	out := *s
	out.Original = s.Original.Clone()
	out.Current = s.Current.Clone()
	out.History = slices.Clone(s.History)
	out.Defaults = maps.Clone(s.Defaults)
	return out
}

// Update is the outcome of one accepted customization change.
type Update struct {
	// Session is the post-change session snapshot.
	Session Session

	// Preview is the rendered preview of the new state. Nil when previews
	// are disabled for the session.
	Preview *avatar.GeneratedAvatar
}

// Manager owns the active session registry and the ended-session archive.
// The registry is safe for concurrent use; serializing changes within one
// session is the caller's responsibility.
type Manager struct {
	generator Generator
	store     prefs.Store
	emitter   *events.Emitter
	metrics   *observe.Metrics
	clk       clock.Clock

	archiveCap      int
	previewOnChange bool
	autoApply       bool

	mu      sync.Mutex
	active  map[string]*Session
	archive []Summary
	closed  bool
}

// New builds a session manager from cfg.
func New(cfg ManagerConfig) (*Manager, error) {
	if cfg.Generator == nil {
		return nil, &types.DependencyError{Component: "session.Manager", Dependency: "session.Generator"}
	}
	if cfg.ArchiveCapacity <= 0 {
		cfg.ArchiveCapacity = DefaultArchiveCapacity
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	return &Manager{
		generator:       cfg.Generator,
		store:           cfg.Store,
		emitter:         cfg.Emitter,
		metrics:         cfg.Metrics,
		clk:             cfg.Clock,
		archiveCap:      cfg.ArchiveCapacity,
		previewOnChange: cfg.PreviewOnChange,
		autoApply:       cfg.AutoApply,
		active:          make(map[string]*Session),
	}, nil
}

// StartSession opens a customization session over avatarID. The avatar's
// configuration is snapshotted twice, as the immutable original and as the
// working copy, and the user's preference defaults are loaded best-effort.
func (m *Manager) StartSession(ctx context.Context, avatarID, userID string, opts Options) (*Session, error) {
	av, err := m.generator.Avatar(avatarID)
	if err != nil {
		return nil, err
	}

	var defaults map[string]string
	if m.store != nil && userID != "" {
		p, err := m.store.GetPreferences(ctx, userID)
		if err != nil {
			slog.Warn("preference load failed, starting session without defaults",
				"user_id", userID, "error", err)
		} else {
			defaults = maps.Clone(p.Defaults)
		}
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrManagerClosed
	}
	s := &Session{
		ID:              uuid.NewString(),
		AvatarID:        avatarID,
		UserID:          userID,
		Original:        av.Config.Clone(),
		Current:         av.Config.Clone(),
		Defaults:        defaults,
		StartedAt:       m.clk.Now(),
		PreviewOnChange: opts.PreviewOnChange || m.previewOnChange,
		AutoApply:       opts.AutoApply || m.autoApply,
	}
	m.active[s.ID] = s
	snap := s.snapshot()
	m.mu.Unlock()

	m.metrics.ActiveSessions.Add(ctx, 1)
	m.emit(events.Event{Type: events.TypeSessionStarted, AvatarID: avatarID, SessionID: snap.ID, UserID: userID})
	slog.Info("session started", "session_id", snap.ID, "avatar_id", avatarID, "user_id", userID)
	return &snap, nil
}

// Session returns a snapshot of an active session.
func (m *Manager) Session(sessionID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.active[sessionID]
	if !ok {
		return nil, &types.NotFoundError{Kind: "session", ID: sessionID}
	}
	snap := s.snapshot()
	return &snap, nil
}

// Active returns the ids of all active sessions, sorted.
func (m *Manager) Active() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Sorted(maps.Keys(m.active))
}

// Archived returns the ended-session summaries, oldest first.
func (m *Manager) Archived() []Summary {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.archive)
}

// UpdateAppearance merges appearance trait changes into the session's
// working configuration. Unknown fields are rejected with a ValidationError
// and the configuration is left unchanged.
func (m *Manager) UpdateAppearance(ctx context.Context, sessionID string, changes map[string]any) (*Update, error) {
	p, err := parseAppearance(changes)
	if err != nil {
		return nil, err
	}
	return m.applyPatch(ctx, sessionID, p, "")
}

// UpdateClothing merges outfit changes into the session's working
// configuration.
func (m *Manager) UpdateClothing(ctx context.Context, sessionID string, changes map[string]any) (*Update, error) {
	p, err := parseClothing(changes)
	if err != nil {
		return nil, err
	}
	return m.applyPatch(ctx, sessionID, p, "")
}

// UpdateAccessories edits the accessory list. The payload supports set,
// add and remove operations, applied in that order.
func (m *Manager) UpdateAccessories(ctx context.Context, sessionID string, changes map[string]any) (*Update, error) {
	p, err := parseAccessories(changes)
	if err != nil {
		return nil, err
	}
	return m.applyPatch(ctx, sessionID, p, "")
}

// ApplyBrand sets tenant brand colors. Values must be #RRGGBB hex colors.
func (m *Manager) ApplyBrand(ctx context.Context, sessionID string, changes map[string]any) (*Update, error) {
	p, err := parseBrand(changes)
	if err != nil {
		return nil, err
	}
	return m.applyPatch(ctx, sessionID, p, "")
}

// ApplyPreset replaces the session's outfit and accessories with a curated
// preset. Unknown preset names return a NotFoundError carrying the closest
// known name as a hint.
func (m *Manager) ApplyPreset(ctx context.Context, sessionID, name string) (*Update, error) {
	preset, err := lookupPreset(name)
	if err != nil {
		return nil, err
	}
	return m.applyPatch(ctx, sessionID, presetPatch{preset: preset}, preset.Name)
}

// applyPatch commits one validated patch: merge into a copy, publish the
// copy, append history, then run the optional preview and auto-apply
// stages. Failures in those later stages surface to the caller but never
// roll the committed change back.
func (m *Manager) applyPatch(ctx context.Context, sessionID string, p Patch, presetName string) (*Update, error) {
	m.mu.Lock()
	s, ok := m.active[sessionID]
	if !ok {
		m.mu.Unlock()
		return nil, &types.NotFoundError{Kind: "session", ID: sessionID}
	}
	next := s.Current.Clone()
	p.apply(&next)
	entry := Entry{
		Category:  p.Category(),
		Changes:   p.changes(),
		Preset:    presetName,
		AppliedAt: m.clk.Now(),
		patch:     p,
	}
	s.Current = next
	s.History = append(s.History, entry)
	snap := s.snapshot()
	m.mu.Unlock()

	m.metrics.RecordCustomization(ctx, entry.Category)
	m.emit(events.Event{
		Type:      events.TypeAppearanceUpdated,
		AvatarID:  snap.AvatarID,
		SessionID: snap.ID,
		UserID:    snap.UserID,
		Data:      entry,
	})

	upd := &Update{Session: snap}
	if snap.PreviewOnChange {
		preview, err := m.preview(ctx, snap)
		if err != nil {
			return nil, err
		}
		upd.Preview = preview
	}
	if snap.AutoApply {
		if err := m.applyLive(ctx, snap, []Entry{entry}); err != nil {
			return nil, err
		}
	}
	return upd, nil
}

// preview renders the session's working configuration. Identical
// intermediate states share one generation through the engine's
// content-hash cache.
func (m *Manager) preview(ctx context.Context, snap Session) (*avatar.GeneratedAvatar, error) {
	res, err := m.generator.Generate(ctx, snap.Current)
	if err != nil {
		return nil, err
	}
	av, err := res.Wait(ctx)
	if err != nil {
		return nil, err
	}
	m.emit(events.Event{
		Type:      events.TypePreviewGenerated,
		AvatarID:  snap.AvatarID,
		SessionID: snap.ID,
		UserID:    snap.UserID,
		Data:      av,
	})
	return av, nil
}

// applyLive writes the session's working configuration to the live avatar
// and persists the given entries to the user's preference history.
func (m *Manager) applyLive(ctx context.Context, snap Session, entries []Entry) error {
	if err := m.generator.ApplyConfiguration(ctx, snap.AvatarID, snap.Current); err != nil {
		return err
	}
	m.emit(events.Event{
		Type:      events.TypeCustomizationApplied,
		AvatarID:  snap.AvatarID,
		SessionID: snap.ID,
		UserID:    snap.UserID,
		Data:      snap.Current,
	})
	m.persistRecent(ctx, snap, entries)
	return nil
}

// persistRecent appends condensed entries to the user's preference history.
// Persistence is best-effort; failures are logged, never surfaced.
func (m *Manager) persistRecent(ctx context.Context, snap Session, entries []Entry) {
	if m.store == nil || snap.UserID == "" || len(entries) == 0 {
		return
	}
	if err := m.store.AppendCustomizations(ctx, snap.UserID, condense(entries)); err != nil {
		slog.Warn("customization history persist failed",
			"session_id", snap.ID, "user_id", snap.UserID, "error", err)
	}
}

// Revert removes the last steps history entries and rebuilds the working
// configuration by replaying the surviving entries onto the original
// snapshot. Reverting more steps than the history holds is an error and
// changes nothing.
func (m *Manager) Revert(ctx context.Context, sessionID string, steps int) (*Session, error) {
	if steps <= 0 {
		return nil, &types.ValidationError{Field: "steps", Reason: "must be at least 1"}
	}
	m.mu.Lock()
	s, ok := m.active[sessionID]
	if !ok {
		m.mu.Unlock()
		return nil, &types.NotFoundError{Kind: "session", ID: sessionID}
	}
	if steps > len(s.History) {
		n := len(s.History)
		m.mu.Unlock()
		return nil, &types.ValidationError{
			Field:  "steps",
			Reason: fmt.Sprintf("%d exceeds history length %d", steps, n),
		}
	}
	s.History = s.History[:len(s.History)-steps]
	s.Current = replay(s.Original, s.History)
	snap := s.snapshot()
	m.mu.Unlock()

	slog.Debug("session reverted", "session_id", sessionID, "steps", steps)
	return &snap, nil
}

// EndSession closes a session: optionally applies the final configuration
// to the live avatar, archives an immutable summary, and removes the
// session from the active set. A failed final apply leaves the session
// active.
func (m *Manager) EndSession(ctx context.Context, sessionID string, opts EndOptions) (*Summary, error) {
	m.mu.Lock()
	s, ok := m.active[sessionID]
	if !ok {
		m.mu.Unlock()
		return nil, &types.NotFoundError{Kind: "session", ID: sessionID}
	}
	snap := s.snapshot()
	m.mu.Unlock()

	applied := false
	if opts.Apply {
		var entries []Entry
		if !snap.AutoApply {
			// Auto-apply sessions already persisted each entry.
			entries = snap.History
		}
		if err := m.applyLive(ctx, snap, entries); err != nil {
			return nil, err
		}
		applied = true
	}

	now := m.clk.Now()
	summary := Summary{
		SessionID:   snap.ID,
		AvatarID:    snap.AvatarID,
		UserID:      snap.UserID,
		StartedAt:   snap.StartedAt,
		EndedAt:     now,
		Duration:    now.Sub(snap.StartedAt),
		ChangeCount: len(snap.History),
		Applied:     applied,
		Final:       snap.Current.Clone(),
	}

	m.mu.Lock()
	if _, still := m.active[sessionID]; !still {
		m.mu.Unlock()
		return nil, &types.NotFoundError{Kind: "session", ID: sessionID}
	}
	delete(m.active, sessionID)
	m.archive = append(m.archive, summary)
	if len(m.archive) > m.archiveCap {
		m.archive = slices.Delete(m.archive, 0, len(m.archive)-m.archiveCap)
	}
	m.mu.Unlock()

	m.metrics.ActiveSessions.Add(ctx, -1)
	m.emit(events.Event{Type: events.TypeSessionEnded, AvatarID: snap.AvatarID, SessionID: snap.ID, UserID: snap.UserID, Data: summary})
	slog.Info("session ended",
		"session_id", snap.ID, "avatar_id", snap.AvatarID,
		"changes", summary.ChangeCount, "applied", applied)
	return &summary, nil
}

// Close ends every active session without applying and stops intake. Close
// is idempotent.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	ids := slices.Sorted(maps.Keys(m.active))
	m.mu.Unlock()

	for _, id := range ids {
		if _, err := m.EndSession(ctx, id, EndOptions{}); err != nil && !types.IsNotFound(err) {
			slog.Warn("session close failed", "session_id", id, "error", err)
		}
	}
	return nil
}

func (m *Manager) emit(ev events.Event) {
	if m.emitter != nil {
		m.emitter.Emit(ev)
	}
}
