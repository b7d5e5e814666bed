package expression

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/visagekit/visage/internal/events"
	"github.com/visagekit/visage/internal/observe"
	"github.com/visagekit/visage/pkg/types"
)

// Built-in tuning defaults, used when the corresponding EngineConfig field
// is zero.
const (
	DefaultExpressiveness = 1.0
	DefaultMirrorFactor   = 0.4
)

// ErrClosed is returned by mapping calls after Close.
var ErrClosed = errors.New("expression: engine closed")

// Performer plays resolved expressions and gestures on a concrete avatar.
// The animation scheduler implements it.
type Performer interface {
	UpdateExpression(ctx context.Context, avatarID, expression string, intensity float64) error
	PlayGesture(ctx context.Context, avatarID, gesture string, intensity float64, duration time.Duration) error
}

// EngineConfig configures an expression [Engine]. Performer is required;
// every other field has a usable zero value.
type EngineConfig struct {
	// Performer receives the resolved playback calls. Required.
	Performer Performer

	// Personality selects the scaling profile. Defaults to friendly.
	Personality Personality

	// Expressiveness globally scales intensity, range [0, 2]. Zero means
	// DefaultExpressiveness.
	Expressiveness float64

	// MirrorFactor damps context mirroring, range [0, 1]. Zero means
	// DefaultMirrorFactor; use SetMirrorFactor(0) to disable mirroring.
	MirrorFactor float64

	// Stage is the initial conversation stage. Defaults to greeting.
	Stage Stage

	// Metrics receives mapping counters. Defaults to the shared instance.
	Metrics *observe.Metrics

	// Emitter receives error events from asynchronous playback. Optional.
	Emitter *events.Emitter

	// Clock drives playback delays. Defaults to the wall clock.
	Clock clock.Clock
}

// Engine turns emotion and intent signals into timed avatar performances.
// It owns one [ContextualState]; engines never share state. All methods are
// safe for concurrent use.
type Engine struct {
	performer Performer
	metrics   *observe.Metrics
	emitter   *events.Emitter
	clk       clock.Clock

	mu             sync.Mutex
	personality    Personality
	expressiveness float64
	mirrorFactor   float64
	state          ContextualState
	closed         bool

	stop     chan struct{}
	playback sync.WaitGroup
}

// New builds an expression engine from cfg.
func New(cfg EngineConfig) (*Engine, error) {
	if cfg.Performer == nil {
		return nil, &types.DependencyError{Component: "expression.Engine", Dependency: "expression.Performer"}
	}
	if cfg.Personality == "" {
		cfg.Personality = PersonalityFriendly
	}
	if !cfg.Personality.IsValid() {
		return nil, &types.ValidationError{Field: "personality", Reason: fmt.Sprintf("unknown profile %q", cfg.Personality)}
	}
	if cfg.Stage == "" {
		cfg.Stage = StageGreeting
	}
	if !cfg.Stage.IsValid() {
		return nil, &types.ValidationError{Field: "stage", Reason: fmt.Sprintf("unknown stage %q", cfg.Stage)}
	}
	if cfg.Expressiveness <= 0 {
		cfg.Expressiveness = DefaultExpressiveness
	}
	if cfg.Expressiveness > 2 {
		cfg.Expressiveness = 2
	}
	if cfg.MirrorFactor <= 0 {
		cfg.MirrorFactor = DefaultMirrorFactor
	}
	if cfg.MirrorFactor > 1 {
		cfg.MirrorFactor = 1
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	return &Engine{
		performer:      cfg.Performer,
		metrics:        cfg.Metrics,
		emitter:        cfg.Emitter,
		clk:            cfg.Clock,
		personality:    cfg.Personality,
		expressiveness: cfg.Expressiveness,
		mirrorFactor:   cfg.MirrorFactor,
		state:          ContextualState{Stage: cfg.Stage, Tone: ToneNeutral},
		stop:           make(chan struct{}),
	}, nil
}

// MapEmotionToExpression resolves signal into a timed expression plan, starts
// asynchronous playback on the performer, and folds the observed emotion into
// the conversational context. The returned mapping describes the plan that
// was scheduled.
//
// Playback is detached from the caller's context; Close interrupts it before
// its next step.
func (e *Engine) MapEmotionToExpression(ctx context.Context, avatarID string, signal EmotionSignal) (ExpressionMapping, error) {
	sig := normalizeEmotion(signal)

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ExpressionMapping{}, ErrClosed
	}
	mapping := buildExpressionMapping(sig, e.personality, e.expressiveness, e.state.Stage)
	stage := e.state.Stage
	e.playback.Add(1)
	go e.playExpressionSequence(avatarID, mapping.Sequence)
	e.mirrorLocked(sig)
	e.mu.Unlock()

	e.metrics.RecordExpressionMapped(ctx, sig.Emotion, string(stage))
	return mapping, nil
}

// MapIntentToGesture resolves signal into a gesture plan and starts its
// asynchronous playback. Gestures play once; stages scale their intensity
// and repeat frequency only.
func (e *Engine) MapIntentToGesture(ctx context.Context, avatarID string, signal IntentSignal) (GestureMapping, error) {
	sig := normalizeIntent(signal)

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return GestureMapping{}, ErrClosed
	}
	mapping := buildGestureMapping(sig, e.personality, e.expressiveness, e.state.Stage)
	e.playback.Add(1)
	go e.playGesture(avatarID, mapping)
	e.state.LastIntent = sig.Intent
	e.mu.Unlock()

	return mapping, nil
}

// MapConversationContext resolves one conversational turn: the emotion
// drives an expression sequence, the intent drives a gesture, and the
// returned window aligns the two so they read as one performance.
func (e *Engine) MapConversationContext(ctx context.Context, avatarID string, emotion EmotionSignal, intent IntentSignal) (ContextMapping, error) {
	expr, err := e.MapEmotionToExpression(ctx, avatarID, emotion)
	if err != nil {
		return ContextMapping{}, err
	}
	gest, err := e.MapIntentToGesture(ctx, avatarID, intent)
	if err != nil {
		return ContextMapping{}, err
	}

	var exprTotal time.Duration
	for _, step := range expr.Sequence {
		exprTotal += step.Duration
	}
	win := SyncWindow{StartDelay: expr.Sequence[0].Delay, TotalDuration: exprTotal}
	if gest.Delay < win.StartDelay {
		win.StartDelay = gest.Delay
	}
	if gest.Duration > win.TotalDuration {
		win.TotalDuration = gest.Duration
	}
	return ContextMapping{Expression: expr, Gesture: gest, Sync: win}, nil
}

// SetPersonality switches the active personality profile.
func (e *Engine) SetPersonality(p Personality) error {
	if !p.IsValid() {
		return &types.ValidationError{Field: "personality", Reason: fmt.Sprintf("unknown profile %q (want professional, friendly, enthusiastic or supportive)", p)}
	}
	e.mu.Lock()
	e.personality = p
	e.mu.Unlock()
	return nil
}

// SetStage moves the conversation to a new phase.
func (e *Engine) SetStage(s Stage) error {
	if !s.IsValid() {
		return &types.ValidationError{Field: "stage", Reason: fmt.Sprintf("unknown stage %q (want greeting, conversation, presentation or closing)", s)}
	}
	e.mu.Lock()
	e.state.Stage = s
	e.mu.Unlock()
	return nil
}

// SetExpressiveness sets the global intensity scale, clamped to [0, 2].
func (e *Engine) SetExpressiveness(v float64) {
	if v < 0 {
		v = 0
	}
	if v > 2 {
		v = 2
	}
	e.mu.Lock()
	e.expressiveness = v
	e.mu.Unlock()
}

// SetMirrorFactor sets the context mirroring factor, clamped to [0, 1].
// Zero disables mirroring entirely.
func (e *Engine) SetMirrorFactor(v float64) {
	if v < 0 {
		v = 0
	}
	if v > 1 {
		v = 1
	}
	e.mu.Lock()
	e.mirrorFactor = v
	e.mu.Unlock()
}

// State returns a copy of the current conversational context.
func (e *Engine) State() ContextualState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Close stops the engine. Pending playback is interrupted before its next
// step and Close returns once every playback goroutine has exited. Close is
// idempotent; mapping calls after Close return ErrClosed.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.mu.Unlock()

	close(e.stop)
	e.playback.Wait()
}

func (e *Engine) playExpressionSequence(avatarID string, seq []TimedExpression) {
	defer e.playback.Done()
	for _, step := range seq {
		if !e.waitDelay(step.Delay) {
			return
		}
		if err := e.performer.UpdateExpression(context.Background(), avatarID, step.Expression, step.Intensity); err != nil {
			e.emit(events.Event{
				Type:     events.TypeError,
				AvatarID: avatarID,
				Err:      fmt.Errorf("expression: play %q: %w", step.Expression, err),
			})
			return
		}
	}
}

func (e *Engine) playGesture(avatarID string, g GestureMapping) {
	defer e.playback.Done()
	if !e.waitDelay(g.Delay) {
		return
	}
	if err := e.performer.PlayGesture(context.Background(), avatarID, g.Gesture, g.Intensity, g.Duration); err != nil {
		e.emit(events.Event{
			Type:     events.TypeError,
			AvatarID: avatarID,
			Err:      fmt.Errorf("expression: gesture %q: %w", g.Gesture, err),
		})
	}
}

// waitDelay blocks for d on the engine clock. It returns false when the
// engine closed before the delay elapsed.
func (e *Engine) waitDelay(d time.Duration) bool {
	if d <= 0 {
		select {
		case <-e.stop:
			return false
		default:
			return true
		}
	}
	t := e.clk.Timer(d)
	select {
	case <-t.C:
		return true
	case <-e.stop:
		t.Stop()
		return false
	}
}

// mirrorLocked pulls the contextual state toward one observed emotion and
// nudges the tone by valence bucket. A zero mirror factor leaves the state
// untouched. Must be called with e.mu held.
func (e *Engine) mirrorLocked(sig EmotionSignal) {
	if e.mirrorFactor <= 0 {
		return
	}
	e.state.UserEmotion = sig.Emotion
	e.state.UserEmotionLevel += e.mirrorFactor * (sig.Intensity - e.state.UserEmotionLevel)
	if tone, ok := emotionTone[sig.Emotion]; ok {
		e.state.Tone = tone
	}
}

func (e *Engine) emit(ev events.Event) {
	if e.emitter != nil {
		e.emitter.Emit(ev)
	}
}

// normalizeEmotion fills analysis defaults: neutral label, 0.5 intensity,
// 0.7 confidence, with out-of-range values clamped to 1.
func normalizeEmotion(sig EmotionSignal) EmotionSignal {
	if sig.Emotion == "" {
		sig.Emotion = "neutral"
	}
	if sig.Intensity <= 0 {
		sig.Intensity = 0.5
	} else if sig.Intensity > 1 {
		sig.Intensity = 1
	}
	if sig.Confidence <= 0 {
		sig.Confidence = 0.7
	} else if sig.Confidence > 1 {
		sig.Confidence = 1
	}
	return sig
}

func normalizeIntent(sig IntentSignal) IntentSignal {
	if sig.Intent == "" {
		sig.Intent = "neutral"
	}
	if sig.Intensity <= 0 {
		sig.Intensity = 0.5
	} else if sig.Intensity > 1 {
		sig.Intensity = 1
	}
	if sig.Confidence <= 0 {
		sig.Confidence = 0.7
	} else if sig.Confidence > 1 {
		sig.Confidence = 1
	}
	return sig
}

func buildExpressionMapping(sig EmotionSignal, p Personality, expressiveness float64, stage Stage) ExpressionMapping {
	base, ok := baseEmotions[sig.Emotion]
	if !ok {
		base = baseEmotions["neutral"]
	}
	mod := stageModifiers[stage]
	prof := personalityProfiles[p]

	intensity := clamp01(base.intensity * expressiveness * mod.intensity * prof.intensity)
	duration := time.Duration(float64(base.duration) * mod.duration)

	seq := make([]TimedExpression, 0, 1+len(mod.bonus))
	seq = append(seq, TimedExpression{
		Expression: base.expression,
		Intensity:  intensity,
		Duration:   duration,
	})
	for _, b := range mod.bonus {
		seq = append(seq, TimedExpression{
			Expression: b.expression,
			Intensity:  clamp01(b.intensity * expressiveness * prof.intensity),
			Duration:   b.duration,
			Delay:      b.delay,
		})
	}

	return ExpressionMapping{
		Emotion:         sig.Emotion,
		Intensity:       intensity,
		Duration:        duration,
		Warmth:          clamp01(base.warmth * prof.warmth),
		Professionalism: clamp01(base.professionalism * prof.professionalism),
		Enthusiasm:      clamp01(base.enthusiasm * prof.enthusiasm),
		Sequence:        seq,
	}
}

func buildGestureMapping(sig IntentSignal, p Personality, expressiveness float64, stage Stage) GestureMapping {
	base, ok := baseGestures[sig.Intent]
	if !ok {
		base = baseGestures["neutral"]
	}
	mod := stageGestureModifiers[stage]
	prof := personalityProfiles[p]

	return GestureMapping{
		Intent:    sig.Intent,
		Gesture:   base.gesture,
		Intensity: clamp01(base.intensity * expressiveness * mod.intensity * prof.intensity),
		Frequency: base.frequency * mod.frequency,
		Duration:  base.duration,
		Delay:     base.delay,
	}
}
