// Package render defines the Platform interface for avatar rendering backends.
//
// A rendering platform is the external system that actually draws the avatar
// (e.g. a browser-side 3D engine reached over WebSocket, or an in-process
// test double). The core never renders anything itself: it resolves avatar
// configurations, decides which animations and visemes to play, and forwards
// them through this contract.
//
// Implementations must be safe for concurrent use. The scheduler may drive
// several avatars at once, each from its own goroutine.
package render

import (
	"context"
	"time"
)

// QualityHints carries the rendering quality requested for an avatar. The
// platform may downgrade hints it cannot honour; hints never affect avatar
// identity or caching.
type QualityHints struct {
	// Quality is the requested tier: "draft", "standard" or "high".
	Quality string

	// Resolution is the requested output resolution (e.g. "1080p").
	Resolution string

	// FrameRate is the requested playback frame rate in frames per second.
	FrameRate int
}

// CreateRequest describes a fully resolved avatar for the platform to build.
// All maps are keyed by trait or slot name with resolved (never empty)
// values; the core guarantees normalization before calling CreateAvatar.
type CreateRequest struct {
	// Appearance holds resolved physical traits (faceShape, eyeColor, ...).
	Appearance map[string]string

	// Outfit holds resolved clothing attributes (style, color, material, ...).
	Outfit map[string]string

	// Accessories lists accessory identifiers to attach, in display order.
	Accessories []string

	// Expressions lists the expression identifiers the avatar must support.
	Expressions []string

	// Brand holds display colors applied around the avatar (primaryColor,
	// secondaryColor, accentColor) as hex strings.
	Brand map[string]string

	// Quality carries rendering hints.
	Quality QualityHints
}

// Handle identifies an avatar that exists on the platform.
type Handle struct {
	// ID is the platform-assigned avatar identifier. Required.
	ID string

	// PreviewURL optionally points at a rendered snapshot of the avatar.
	PreviewURL string
}

// UpdatePatch carries a partial avatar update. Nil maps and slices mean
// "unchanged"; empty non-nil values clear the corresponding attribute set.
type UpdatePatch struct {
	Appearance  map[string]string
	Outfit      map[string]string
	Accessories []string
	Brand       map[string]string
}

// PlayOptions tunes a single animation playback.
type PlayOptions struct {
	// Loop repeats the animation until it is stopped.
	Loop bool

	// Intensity scales the animation strength, 0.0 to 1.0.
	Intensity float64

	// Duration bounds the playback. Zero means the animation's natural length
	// (or forever, when Loop is set).
	Duration time.Duration
}

// Viseme is a single mouth shape with its position on the playback timeline.
type Viseme struct {
	// Shape is the viseme identifier (e.g. "AA", "PP", "sil").
	Shape string

	// At is the viseme onset relative to the payload's Timestamp.
	At time.Duration

	// Duration is how long the shape is held.
	Duration time.Duration

	// Weight scales how strongly the shape is applied, 0.0 to 1.0.
	Weight float64
}

// LipSyncPayload is a viseme timeline forwarded to the platform.
type LipSyncPayload struct {
	// Visemes is the ordered mouth-shape timeline. Never empty.
	Visemes []Viseme

	// Timestamp anchors the timeline relative to stream start.
	Timestamp time.Duration

	// Duration is the total audio length backing this timeline.
	Duration time.Duration

	// RealTime marks payloads produced by the streaming synchronizer, which
	// the platform should apply immediately instead of buffering.
	RealTime bool
}

// Platform is the abstraction over any avatar rendering backend.
//
// All methods follow the same error convention: the core wraps failures as
// upstream errors and never retries; transient-fault handling belongs to the
// platform implementation or the caller.
type Platform interface {
	// CreateAvatar builds a new avatar from a fully resolved configuration
	// and returns its platform handle. The returned Handle.ID is the
	// identifier all other methods address the avatar by.
	CreateAvatar(ctx context.Context, req CreateRequest) (Handle, error)

	// UpdateAvatar applies a partial update to an existing avatar.
	UpdateAvatar(ctx context.Context, avatarID string, patch UpdatePatch) error

	// DestroyAvatar releases the avatar and all platform resources behind it.
	// Destroying an unknown avatar is a platform-side error.
	DestroyAvatar(ctx context.Context, avatarID string) error

	// PlayAnimation starts the named animation on the avatar.
	PlayAnimation(ctx context.Context, avatarID, animation string, opts PlayOptions) error

	// UpdateExpression sets the avatar's facial expression immediately.
	// Intensity is clamped to [0, 1] by the caller before forwarding.
	UpdateExpression(ctx context.Context, avatarID, expression string, intensity float64) error

	// SynchronizeLipSync forwards a viseme timeline for mouth animation.
	SynchronizeLipSync(ctx context.Context, avatarID string, payload LipSyncPayload) error
}
