// Package animation schedules expression, gesture and lip-sync playback
// against the rendering platform.
//
// The scheduler bounds how many animations play at once: requests beyond the
// cap queue FIFO and are promoted exactly one at a time as running
// animations stop. Expression updates bypass the pool entirely and apply
// immediately. Lip-sync converts extracted phonemes to platform visemes,
// either per audio chunk (StartLipSync) or continuously from a bounded
// real-time buffer drained on a fixed tick (SynchronizeRealTime).
//
// All methods are safe for concurrent use.
package animation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/visagekit/visage/internal/events"
	"github.com/visagekit/visage/internal/expression"
	"github.com/visagekit/visage/internal/observe"
	"github.com/visagekit/visage/pkg/render"
	"github.com/visagekit/visage/pkg/speech"
	"github.com/visagekit/visage/pkg/types"
)

// Defaults applied by New for zero config fields.
const (
	DefaultMaxConcurrent  = 5
	DefaultTickPeriod     = 100 * time.Millisecond
	DefaultBufferCapacity = 8
)

// stoppedRetention bounds how many stopped animation and stream records the
// scheduler keeps for idempotent stop calls.
const stoppedRetention = 256

// ErrSchedulerClosed is returned by operations submitted after Shutdown.
var ErrSchedulerClosed = errors.New("animation: scheduler closed")

// SchedulerConfig configures a [Scheduler].
type SchedulerConfig struct {
	// Platform renders the animations. Must not be nil.
	Platform render.Platform

	// Extractor turns audio into phonemes for the lip-sync paths. Optional;
	// lip-sync calls fail with a DependencyError when it is nil.
	Extractor speech.Extractor

	// Metrics receives scheduler instrumentation. Defaults to
	// observe.DefaultMetrics().
	Metrics *observe.Metrics

	// Emitter receives lifecycle events. Optional.
	Emitter *events.Emitter

	// Clock supplies timers and tickers. Defaults to the real clock; tests
	// inject a mock.
	Clock clock.Clock

	// MaxConcurrent bounds concurrently playing animations.
	// Defaults to DefaultMaxConcurrent.
	MaxConcurrent int

	// TickPeriod is the real-time lip-sync drain period.
	// Defaults to DefaultTickPeriod.
	TickPeriod time.Duration

	// BufferCapacity bounds each real-time audio buffer; overflow drops the
	// oldest chunk. Defaults to DefaultBufferCapacity.
	BufferCapacity int
}

// Scheduler drives animation and lip-sync playback with a bounded playback
// pool and a FIFO overflow queue.
type Scheduler struct {
	platform  render.Platform
	extractor speech.Extractor
	metrics   *observe.Metrics
	emitter   *events.Emitter
	clk       clock.Clock

	maxConcurrent int
	tickPeriod    time.Duration
	bufferCap     int

	mu          sync.Mutex
	playing     int
	byID        map[string]*Animation
	queue       []*Animation
	timers      map[string]*clock.Timer
	retired     retireLog
	streams     map[string]*LipSyncStream
	streamTimer map[string]*clock.Timer
	retiredStr  retireLog
	expressions map[string]ExpressionState
	rt          map[string]*rtSync
	closed      bool

	wg sync.WaitGroup
}

// The scheduler doubles as the expression engine's playback target.
var _ expression.Performer = (*Scheduler)(nil)

// New creates an animation scheduler.
func New(cfg SchedulerConfig) (*Scheduler, error) {
	if cfg.Platform == nil {
		return nil, &types.DependencyError{Component: "animation.Scheduler", Dependency: "render.Platform"}
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultMaxConcurrent
	}
	if cfg.TickPeriod <= 0 {
		cfg.TickPeriod = DefaultTickPeriod
	}
	if cfg.BufferCapacity <= 0 {
		cfg.BufferCapacity = DefaultBufferCapacity
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	return &Scheduler{
		platform:      cfg.Platform,
		extractor:     cfg.Extractor,
		metrics:       cfg.Metrics,
		emitter:       cfg.Emitter,
		clk:           cfg.Clock,
		maxConcurrent: cfg.MaxConcurrent,
		tickPeriod:    cfg.TickPeriod,
		bufferCap:     cfg.BufferCapacity,
		byID:          make(map[string]*Animation),
		timers:        make(map[string]*clock.Timer),
		retired:       retireLog{cap: stoppedRetention},
		streams:       make(map[string]*LipSyncStream),
		streamTimer:   make(map[string]*clock.Timer),
		retiredStr:    retireLog{cap: stoppedRetention},
		expressions:   make(map[string]ExpressionState),
		rt:            make(map[string]*rtSync),
	}, nil
}

// StartAnimation plays cfg on the avatar. Below the concurrency cap the
// animation is issued to the platform immediately; at the cap it queues FIFO
// with Status queued, which is not an error. Animations with a finite
// Duration stop themselves once it elapses.
func (s *Scheduler) StartAnimation(ctx context.Context, avatarID string, cfg Config) (*Animation, error) {
	if avatarID == "" {
		return nil, &types.ValidationError{Field: "avatarID", Reason: "must not be empty"}
	}
	if strings.TrimSpace(cfg.Type) == "" {
		return nil, &types.ValidationError{Field: "type", Reason: "must not be empty"}
	}
	intensity := cfg.Intensity
	if intensity <= 0 || intensity > 1 {
		intensity = 1
	}

	anim := &Animation{
		ID:        uuid.NewString(),
		AvatarID:  avatarID,
		Type:      cfg.Type,
		Intensity: intensity,
		Loop:      cfg.Loop,
		Duration:  cfg.Duration,
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrSchedulerClosed
	}
	if s.playing >= s.maxConcurrent {
		anim.Status = StatusQueued
		s.byID[anim.ID] = anim
		s.queue = append(s.queue, anim)
		pos := len(s.queue)
		snap := *anim
		s.mu.Unlock()

		s.metrics.RecordAnimationStarted(ctx, anim.Type, true)
		s.metrics.AnimationQueueDepth.Add(ctx, 1)
		slog.Debug("animation queued",
			"animation_id", anim.ID, "avatar_id", avatarID, "type", anim.Type, "position", pos)
		return &snap, nil
	}
	s.playing++
	s.mu.Unlock()

	opts := render.PlayOptions{Loop: anim.Loop, Intensity: anim.Intensity, Duration: anim.Duration}
	if err := s.platform.PlayAnimation(ctx, avatarID, anim.Type, opts); err != nil {
		s.metrics.RecordUpstreamError(ctx, "render.PlayAnimation")
		s.releaseSlotAndPromote(ctx)
		return nil, &types.UpstreamError{Op: "render.PlayAnimation", Err: err}
	}

	s.mu.Lock()
	if s.closed {
		s.playing--
		s.mu.Unlock()
		return nil, ErrSchedulerClosed
	}
	anim.Status = StatusActive
	anim.StartedAt = s.clk.Now()
	s.byID[anim.ID] = anim
	s.armStopTimerLocked(anim)
	snap := *anim
	s.mu.Unlock()

	s.metrics.RecordAnimationStarted(ctx, anim.Type, false)
	s.metrics.ActiveAnimations.Add(ctx, 1)
	s.emit(events.Event{Type: events.TypeAnimationStarted, AvatarID: avatarID, Data: snap})
	slog.Debug("animation started",
		"animation_id", anim.ID, "avatar_id", avatarID, "type", anim.Type, "duration", anim.Duration)
	return &snap, nil
}

// StopAnimation stops an animation. Stopping an animation that already
// stopped is a no-op; stopping an id the scheduler never issued returns a
// NotFoundError. Stopping an active animation releases its playback slot and
// promotes exactly one queued animation, if any.
func (s *Scheduler) StopAnimation(ctx context.Context, animationID string) error {
	return s.stop(ctx, animationID, false)
}

// stop is the shared stop path. viaTimer marks self-termination, which
// tolerates records that were already stopped or retired.
func (s *Scheduler) stop(ctx context.Context, animationID string, viaTimer bool) error {
	s.mu.Lock()
	anim, ok := s.byID[animationID]
	if !ok {
		s.mu.Unlock()
		if viaTimer {
			return nil
		}
		return &types.NotFoundError{Kind: "animation", ID: animationID}
	}
	if anim.Status == StatusStopped {
		s.mu.Unlock()
		return nil
	}
	if t := s.timers[animationID]; t != nil {
		t.Stop()
		delete(s.timers, animationID)
	}
	wasActive := anim.Status == StatusActive
	anim.Status = StatusStopped
	if old := s.retired.push(animationID); old != "" {
		delete(s.byID, old)
	}
	var next *Animation
	if wasActive {
		s.playing--
		next = s.dequeueLocked()
	} else {
		s.queue = slices.DeleteFunc(s.queue, func(q *Animation) bool { return q.ID == animationID })
	}
	snap := *anim
	s.mu.Unlock()

	if wasActive {
		s.metrics.ActiveAnimations.Add(ctx, -1)
		s.emit(events.Event{Type: events.TypeAnimationStopped, AvatarID: snap.AvatarID, Data: snap})
		slog.Debug("animation stopped",
			"animation_id", animationID, "avatar_id", snap.AvatarID, "self", viaTimer)
	} else {
		s.metrics.AnimationQueueDepth.Add(ctx, -1)
	}
	if next != nil {
		s.metrics.AnimationQueueDepth.Add(ctx, -1)
		go s.startPromoted(next)
	}
	return nil
}

// releaseSlotAndPromote returns a reserved slot after a failed start and
// hands it straight to the queue head.
func (s *Scheduler) releaseSlotAndPromote(ctx context.Context) {
	s.mu.Lock()
	s.playing--
	next := s.dequeueLocked()
	s.mu.Unlock()
	if next != nil {
		s.metrics.AnimationQueueDepth.Add(ctx, -1)
		go s.startPromoted(next)
	}
}

// dequeueLocked pops the oldest queued animation and reserves its slot.
// Must be called with s.mu held.
func (s *Scheduler) dequeueLocked() *Animation {
	if s.closed || len(s.queue) == 0 || s.playing >= s.maxConcurrent {
		return nil
	}
	next := s.queue[0]
	s.queue = s.queue[1:]
	s.playing++
	s.wg.Add(1)
	return next
}

// startPromoted issues a promoted animation to the platform. Promotions are
// detached from the stopping caller's context. A failed promotion releases
// the slot and promotes the next queued animation in turn.
func (s *Scheduler) startPromoted(anim *Animation) {
	defer s.wg.Done()
	ctx := context.Background()

	opts := render.PlayOptions{Loop: anim.Loop, Intensity: anim.Intensity, Duration: anim.Duration}
	err := s.platform.PlayAnimation(ctx, anim.AvatarID, anim.Type, opts)

	s.mu.Lock()
	if s.closed {
		anim.Status = StatusStopped
		s.playing--
		s.mu.Unlock()
		return
	}
	if err != nil {
		anim.Status = StatusStopped
		if old := s.retired.push(anim.ID); old != "" {
			delete(s.byID, old)
		}
		s.playing--
		next := s.dequeueLocked()
		s.mu.Unlock()

		s.metrics.RecordUpstreamError(ctx, "render.PlayAnimation")
		werr := &types.UpstreamError{Op: "render.PlayAnimation", Err: err}
		s.emit(events.Event{Type: events.TypeError, AvatarID: anim.AvatarID, Err: werr})
		slog.Warn("promoted animation failed to start",
			"animation_id", anim.ID, "avatar_id", anim.AvatarID, "error", err)
		if next != nil {
			s.metrics.AnimationQueueDepth.Add(ctx, -1)
			go s.startPromoted(next)
		}
		return
	}
	anim.Status = StatusActive
	anim.StartedAt = s.clk.Now()
	s.armStopTimerLocked(anim)
	snap := *anim
	s.mu.Unlock()

	s.metrics.ActiveAnimations.Add(ctx, 1)
	s.emit(events.Event{Type: events.TypeAnimationStarted, AvatarID: anim.AvatarID, Data: snap})
	slog.Debug("animation promoted",
		"animation_id", anim.ID, "avatar_id", anim.AvatarID, "type", anim.Type)
}

// armStopTimerLocked schedules self-termination for finite animations.
// Must be called with s.mu held.
func (s *Scheduler) armStopTimerLocked(anim *Animation) {
	if anim.Duration <= 0 {
		return
	}
	id := anim.ID
	s.timers[id] = s.clk.AfterFunc(anim.Duration, func() {
		s.stop(context.Background(), id, true)
	})
}

// SetTickPeriod changes the default real-time drain period. Synchronizers
// already running keep their period; the new default applies to subsequent
// SynchronizeRealTime calls that do not name one.
func (s *Scheduler) SetTickPeriod(period time.Duration) {
	if period <= 0 {
		return
	}
	s.mu.Lock()
	s.tickPeriod = period
	s.mu.Unlock()
}

// UpdateExpression sets the avatar's facial expression immediately,
// bypassing the playback pool. Intensity is clamped to [0, 1]. The last
// forwarded expression per avatar is tracked and readable through
// CurrentExpression.
func (s *Scheduler) UpdateExpression(ctx context.Context, avatarID, expr string, intensity float64) error {
	if avatarID == "" {
		return &types.ValidationError{Field: "avatarID", Reason: "must not be empty"}
	}
	if strings.TrimSpace(expr) == "" {
		return &types.ValidationError{Field: "expression", Reason: "must not be empty"}
	}
	intensity = clamp01(intensity)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSchedulerClosed
	}
	s.mu.Unlock()

	if err := s.platform.UpdateExpression(ctx, avatarID, expr, intensity); err != nil {
		s.metrics.RecordUpstreamError(ctx, "render.UpdateExpression")
		return &types.UpstreamError{Op: "render.UpdateExpression", Err: err}
	}

	s.mu.Lock()
	s.expressions[avatarID] = ExpressionState{Expression: expr, Intensity: intensity, UpdatedAt: s.clk.Now()}
	s.mu.Unlock()
	return nil
}

// CurrentExpression returns the last expression forwarded for the avatar.
func (s *Scheduler) CurrentExpression(avatarID string) (ExpressionState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.expressions[avatarID]
	return st, ok
}

// PlayGesture plays a gesture as a pooled animation: it is subject to the
// same concurrency cap and FIFO promotion as StartAnimation.
func (s *Scheduler) PlayGesture(ctx context.Context, avatarID, gesture string, intensity float64, duration time.Duration) error {
	_, err := s.StartAnimation(ctx, avatarID, Config{Type: gesture, Intensity: intensity, Duration: duration})
	return err
}

// BlendExpressions combines several simultaneous expressions into one
// forwarded update. Weighted mode normalizes the component weights to sum
// to one and blends intensities by normalized weight; additive mode sums
// intensities and clamps at one. The dominant component (highest weight,
// respectively highest intensity) names the forwarded expression.
func (s *Scheduler) BlendExpressions(ctx context.Context, avatarID string, components []BlendComponent, mode BlendMode) error {
	if len(components) == 0 {
		return &types.ValidationError{Field: "components", Reason: "must not be empty"}
	}
	switch mode {
	case BlendWeighted:
		total := 0.0
		for _, c := range components {
			if c.Weight < 0 {
				return &types.ValidationError{Field: "components", Reason: "weights must not be negative"}
			}
			total += c.Weight
		}
		if total <= 0 {
			return &types.ValidationError{Field: "components", Reason: "weights must sum to a positive value"}
		}
		blended := 0.0
		dominant := components[0]
		for _, c := range components {
			blended += clamp01(c.Intensity) * (c.Weight / total)
			if c.Weight > dominant.Weight {
				dominant = c
			}
		}
		return s.UpdateExpression(ctx, avatarID, dominant.Expression, blended)
	case BlendAdditive:
		blended := 0.0
		dominant := components[0]
		for _, c := range components {
			blended += clamp01(c.Intensity)
			if c.Intensity > dominant.Intensity {
				dominant = c
			}
		}
		return s.UpdateExpression(ctx, avatarID, dominant.Expression, clamp01(blended))
	default:
		return &types.ValidationError{
			Field:  "mode",
			Reason: fmt.Sprintf("%q is not a blend mode (want weighted or additive)", mode),
		}
	}
}

// Animation returns a snapshot of a known animation.
func (s *Scheduler) Animation(animationID string) (*Animation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	anim, ok := s.byID[animationID]
	if !ok {
		return nil, &types.NotFoundError{Kind: "animation", ID: animationID}
	}
	snap := *anim
	return &snap, nil
}

// Counts reports how many animations are currently playing and queued.
func (s *Scheduler) Counts() (active, queued int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.playing, len(s.queue)
}

// Shutdown stops every animation, lip-sync stream and real-time
// synchronizer, cancels all timers, and waits for background playback
// goroutines to drain, bounded by ctx. Further operations return
// ErrSchedulerClosed. Shutdown is idempotent.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true

	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
	for id, t := range s.streamTimer {
		t.Stop()
		delete(s.streamTimer, id)
	}

	var stoppedActive []Animation
	queuedCount := 0
	for _, anim := range s.byID {
		switch anim.Status {
		case StatusActive:
			anim.Status = StatusStopped
			stoppedActive = append(stoppedActive, *anim)
		case StatusQueued:
			anim.Status = StatusStopped
			queuedCount++
		}
	}
	s.queue = nil
	s.playing = 0

	liveStreams := 0
	for _, st := range s.streams {
		if st.Status == StatusActive {
			st.Status = StatusStopped
			liveStreams++
		}
	}
	rtCount := len(s.rt)
	for id, rts := range s.rt {
		close(rts.stop)
		delete(s.rt, id)
	}
	s.mu.Unlock()

	if n := len(stoppedActive); n > 0 {
		s.metrics.ActiveAnimations.Add(ctx, -int64(n))
	}
	if queuedCount > 0 {
		s.metrics.AnimationQueueDepth.Add(ctx, -int64(queuedCount))
	}
	if total := liveStreams + rtCount; total > 0 {
		s.metrics.ActiveLipSyncStreams.Add(ctx, -int64(total))
	}
	for _, snap := range stoppedActive {
		s.emit(events.Event{Type: events.TypeAnimationStopped, AvatarID: snap.AvatarID, Data: snap})
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	slog.Info("animation scheduler shut down",
		"stopped_animations", len(stoppedActive), "dropped_queued", queuedCount,
		"stopped_streams", liveStreams, "stopped_synchronizers", rtCount)
	return nil
}

func (s *Scheduler) emit(ev events.Event) {
	if s.emitter != nil {
		s.emitter.Emit(ev)
	}
}
