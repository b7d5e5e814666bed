package session

import (
	"maps"
	"time"

	"github.com/visagekit/visage/internal/avatar"
	"github.com/visagekit/visage/pkg/prefs"
)

// Entry is one accepted customization in a session's history. Entries are
// immutable once appended; revert truncates and replays, it never edits.
type Entry struct {
	// Category is the change class: appearance, clothing, accessories,
	// brand or preset.
	Category string

	// Changes is the condensed field view. Nil for presets.
	Changes map[string]string

	// Preset names the applied preset when Category is "preset".
	Preset string

	// AppliedAt is when the change was accepted.
	AppliedAt time.Time

	patch Patch
}

// replay rebuilds a working configuration by applying entries, in order,
// onto a copy of original. Revert is defined as replay of the surviving
// prefix, never as inverse-patching.
func replay(original avatar.Configuration, entries []Entry) avatar.Configuration {
	cfg := original.Clone()
	for _, e := range entries {
		e.patch.apply(&cfg)
	}
	return cfg
}

// condense converts history entries to the persistence shape.
func condense(entries []Entry) []prefs.Customization {
	out := make([]prefs.Customization, 0, len(entries))
	for _, e := range entries {
		out = append(out, prefs.Customization{
			Category:  e.Category,
			Changes:   maps.Clone(e.Changes),
			Preset:    e.Preset,
			AppliedAt: e.AppliedAt,
		})
	}
	return out
}

// Summary is the immutable record of an ended session.
type Summary struct {
	SessionID string
	AvatarID  string
	UserID    string

	StartedAt time.Time
	EndedAt   time.Time
	Duration  time.Duration

	// ChangeCount is the number of history entries at end time.
	ChangeCount int

	// Applied reports whether the final configuration was written to the
	// live avatar.
	Applied bool

	// Final is the configuration the session ended on.
	Final avatar.Configuration
}
