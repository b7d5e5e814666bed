package animation

import (
	"slices"
	"time"

	"github.com/visagekit/visage/pkg/render"
)

// Status is the lifecycle state of an animation or lip-sync stream.
type Status string

const (
	// StatusActive marks playback that is running on the platform.
	StatusActive Status = "active"

	// StatusQueued marks an animation waiting for a playback slot.
	StatusQueued Status = "queued"

	// StatusStopped is terminal: reached by explicit stop, self-termination
	// or scheduler shutdown.
	StatusStopped Status = "stopped"
)

// Config describes one animation playback request.
type Config struct {
	// Type is the platform animation identifier (e.g. "wave", "nod").
	Type string

	// Intensity scales the animation strength, clamped to [0, 1].
	// Zero means full strength.
	Intensity float64

	// Loop repeats the animation until it stops.
	Loop bool

	// Duration bounds the playback; the scheduler stops the animation
	// itself once it elapses. Zero means continuous: the animation runs
	// until StopAnimation.
	Duration time.Duration
}

// Animation is the runtime record of one scheduled animation. Values
// returned by the scheduler are snapshots; the scheduler's own copy moves
// through queued/active/stopped independently.
type Animation struct {
	// ID is the scheduler-assigned animation identifier.
	ID string

	// AvatarID is the avatar the animation plays on.
	AvatarID string

	// Type is the platform animation identifier.
	Type string

	// Intensity is the clamped playback strength.
	Intensity float64

	// Loop repeats the animation until it stops.
	Loop bool

	// Duration is the requested playback bound. Zero means continuous.
	Duration time.Duration

	// Status is the lifecycle state at snapshot time.
	Status Status

	// StartedAt is when playback began on the platform. Zero while queued.
	StartedAt time.Time
}

// Continuous reports whether the animation runs until explicitly stopped.
func (a Animation) Continuous() bool { return a.Duration <= 0 }

// LipSyncStream is the runtime record of one batch lip-sync playback.
// Visemes are immutable once the stream is created.
type LipSyncStream struct {
	// ID is the scheduler-assigned stream identifier.
	ID string

	// AvatarID is the avatar the stream animates.
	AvatarID string

	// Visemes is the mouth-shape timeline forwarded to the platform.
	Visemes []render.Viseme

	// Status is the lifecycle state at snapshot time.
	Status Status

	// StartedAt is when the timeline was forwarded.
	StartedAt time.Time
}

// ExpressionState is the last expression forwarded for an avatar through
// UpdateExpression or BlendExpressions.
type ExpressionState struct {
	Expression string
	Intensity  float64
	UpdatedAt  time.Time
}

// BlendMode selects how BlendExpressions combines components.
type BlendMode string

const (
	// BlendWeighted normalizes component weights to sum to one and blends
	// intensities by normalized weight.
	BlendWeighted BlendMode = "weighted"

	// BlendAdditive sums component intensities and clamps the result to 1.
	BlendAdditive BlendMode = "additive"
)

// BlendComponent is one expression taking part in a blend.
type BlendComponent struct {
	// Expression is the expression identifier.
	Expression string

	// Intensity is the component's strength, clamped to [0, 1].
	Intensity float64

	// Weight is the component's share in weighted mode. Ignored by
	// additive mode.
	Weight float64
}

// retireLog bounds how many stopped records stay behind so repeated stop
// calls on the same id remain no-ops. Ids pushed past the capacity are
// evicted oldest first; the caller deletes the evicted record.
type retireLog struct {
	order []string
	cap   int
}

func (l *retireLog) push(id string) (evicted string) {
	l.order = append(l.order, id)
	if len(l.order) > l.cap {
		evicted = l.order[0]
		l.order = slices.Delete(l.order, 0, 1)
	}
	return evicted
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
