// Package expression maps conversational emotion and intent signals onto
// timed avatar expressions and gestures.
//
// Every mapping runs the same pipeline: normalize the signal, look up the
// base table, apply the conversation stage's modifier, scale by the active
// personality profile, clamp, and schedule asynchronous playback. The engine
// keeps one contextual state per instance that mirrors the observed user
// emotion with a configurable damping factor.
package expression

import "time"

// Personality selects the scaling profile applied to every mapping.
type Personality string

// Personality profiles.
const (
	PersonalityProfessional Personality = "professional"
	PersonalityFriendly     Personality = "friendly"
	PersonalityEnthusiastic Personality = "enthusiastic"
	PersonalitySupportive   Personality = "supportive"
)

// IsValid reports whether p names a known personality profile.
func (p Personality) IsValid() bool {
	switch p {
	case PersonalityProfessional, PersonalityFriendly, PersonalityEnthusiastic, PersonalitySupportive:
		return true
	}
	return false
}

// Stage identifies the conversation phase driving contextual adjustment.
type Stage string

// Conversation stages.
const (
	StageGreeting     Stage = "greeting"
	StageConversation Stage = "conversation"
	StagePresentation Stage = "presentation"
	StageClosing      Stage = "closing"
)

// IsValid reports whether s names a known conversation stage.
func (s Stage) IsValid() bool {
	switch s {
	case StageGreeting, StageConversation, StagePresentation, StageClosing:
		return true
	}
	return false
}

// Tone is the engine's coarse read of where the conversation is heading.
type Tone string

// Conversation tones.
const (
	ToneNeutral      Tone = "neutral"
	ToneEnthusiastic Tone = "enthusiastic"
	ToneSupportive   Tone = "supportive"
)

// EmotionSignal is one observed user emotion. Zero-valued fields resolve to
// analysis defaults (neutral, 0.5 intensity, 0.7 confidence). Signals are
// not retained beyond the mapping call.
type EmotionSignal struct {
	// Emotion is the primary label (e.g. "happy").
	Emotion string

	// Intensity is the observed strength in [0, 1].
	Intensity float64

	// Confidence is the upstream classifier's confidence in [0, 1].
	Confidence float64

	// Secondary optionally lists weaker co-occurring labels.
	Secondary []string

	// Context carries free-form text around the observation.
	Context string
}

// IntentSignal is one classified user intent.
type IntentSignal struct {
	// Intent is the primary label (e.g. "greeting", "explanation").
	Intent string

	// Intensity is the observed strength in [0, 1].
	Intensity float64

	// Confidence is the upstream classifier's confidence in [0, 1].
	Confidence float64

	// Context carries free-form text around the observation.
	Context string
}

// TimedExpression is one entry of an expression playback sequence.
type TimedExpression struct {
	// Expression is the avatar expression to show.
	Expression string

	// Intensity is the final strength in [0, 1].
	Intensity float64

	// Duration is how long the expression is held.
	Duration time.Duration

	// Delay is the wait before this entry plays, relative to sequence start.
	Delay time.Duration
}

// ExpressionMapping is the resolved plan for one emotion signal. All scalar
// channels are clamped to [0, 1] after every scaling stage.
type ExpressionMapping struct {
	// Emotion is the analyzed primary label, as observed.
	Emotion string

	// Intensity is the primary expression's final strength.
	Intensity float64

	// Duration is the primary expression's hold time.
	Duration time.Duration

	// Warmth, Professionalism and Enthusiasm are the personality-scaled
	// trait channels.
	Warmth          float64
	Professionalism float64
	Enthusiasm      float64

	// Sequence is the playback plan, primary entry first, stage bonus
	// expressions after it with their own delays.
	Sequence []TimedExpression
}

// GestureMapping is the resolved plan for one intent signal. Gestures stay
// single; stages scale their intensity and frequency only.
type GestureMapping struct {
	// Intent is the analyzed primary label, as observed.
	Intent string

	// Gesture is the animation to play.
	Gesture string

	// Intensity is the final strength in [0, 1].
	Intensity float64

	// Frequency is the stage-scaled repeat rate in cycles per second.
	Frequency float64

	// Duration bounds the gesture playback.
	Duration time.Duration

	// Delay is the wait before the gesture starts.
	Delay time.Duration
}

// SyncWindow aligns an expression sequence with a gesture so both read as
// one coordinated performance.
type SyncWindow struct {
	// StartDelay is the earlier of the two plans' first delays.
	StartDelay time.Duration

	// TotalDuration is the longer of the two plans' summed durations.
	TotalDuration time.Duration
}

// ContextMapping is the combined per-turn plan returned by
// [Engine.MapConversationContext].
type ContextMapping struct {
	Expression ExpressionMapping
	Gesture    GestureMapping
	Sync       SyncWindow
}

// ContextualState is the engine's running view of the conversation. One
// instance lives per engine; instances never share state.
type ContextualState struct {
	// Stage is the current conversation phase.
	Stage Stage

	// UserEmotion is the last mirrored user emotion label.
	UserEmotion string

	// UserEmotionLevel is the damped intensity of the mirrored emotion.
	UserEmotionLevel float64

	// LastIntent is the most recent mapped intent label.
	LastIntent string

	// Tone is the coarse conversational direction.
	Tone Tone
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
