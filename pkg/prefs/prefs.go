// Package prefs defines the persistence contracts for user customization
// preferences and face-derived personalization profiles.
//
// The session manager reads preferences to seed new customization sessions
// and writes back condensed change history when a session applies. The
// avatar engine consults the profile index to backfill personalization
// hints for users with previously analyzed faces.
//
// Implementations must be safe for concurrent use.
package prefs

import (
	"context"
	"time"
)

// MaxRecentCustomizations caps how many applied customizations are retained
// per user. Older entries are discarded, most recent kept.
const MaxRecentCustomizations = 5

// Customization is one condensed, applied change from a finished or
// auto-applied customization step.
type Customization struct {
	// Category is the change class: "appearance", "clothing", "accessories",
	// "brand" or "preset".
	Category string

	// Changes holds the applied field values. Nil for preset applications.
	Changes map[string]string

	// Preset names the applied preset when Category is "preset".
	Preset string

	// AppliedAt is when the change was persisted.
	AppliedAt time.Time
}

// Preferences is the per-user customization record.
type Preferences struct {
	// UserID identifies the owner.
	UserID string

	// Defaults holds preferred trait values keyed by trait name
	// (e.g. "hairColor" -> "auburn"). Sessions seed from these.
	Defaults map[string]string

	// Recent holds up to MaxRecentCustomizations applied changes,
	// most recent first.
	Recent []Customization

	// UpdatedAt is the last write time.
	UpdatedAt time.Time
}

// Store persists per-user customization preferences.
//
// GetPreferences for an unknown user returns an empty Preferences value with
// UserID set and a nil error; absence is not an error for preference reads.
type Store interface {
	// GetPreferences loads the preference record for userID.
	GetPreferences(ctx context.Context, userID string) (Preferences, error)

	// SavePreferences replaces the preference record for prefs.UserID.
	SavePreferences(ctx context.Context, prefs Preferences) error

	// AppendCustomizations prepends items to the user's recent history and
	// trims it to MaxRecentCustomizations.
	AppendCustomizations(ctx context.Context, userID string, items []Customization) error
}

// Profile is a stored face-measurement record used for personalization.
type Profile struct {
	// UserID identifies the profile owner.
	UserID string

	// Measurements is the normalized face-measurement vector. All profiles
	// in one index must share the same dimension.
	Measurements []float32

	// FaceShape is the classified face shape from analysis.
	FaceShape string

	// Confidence is the analysis confidence (0.0 to 1.0).
	Confidence float64

	// CreatedAt is when the profile was stored.
	CreatedAt time.Time
}

// ProfileMatch is a similarity search hit.
type ProfileMatch struct {
	// Profile is the stored profile.
	Profile Profile

	// Distance is the cosine distance to the query vector. Smaller is closer.
	Distance float64
}

// ProfileIndex stores face-measurement profiles for similarity lookup.
type ProfileIndex interface {
	// SaveProfile stores one profile. Multiple profiles per user are allowed;
	// each analysis produces a new record.
	SaveProfile(ctx context.Context, profile Profile) error

	// NearestProfiles returns up to k stored profiles closest to the
	// measurement vector, ordered most similar first.
	NearestProfiles(ctx context.Context, measurements []float32, k int) ([]ProfileMatch, error)
}
