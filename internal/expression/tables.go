package expression

import "time"

// baseExpression is the unscaled table row for one emotion label.
type baseExpression struct {
	expression      string
	intensity       float64
	duration        time.Duration
	warmth          float64
	professionalism float64
	enthusiasm      float64
}

// baseEmotions resolves primary emotion labels to unscaled expression rows.
// Unknown labels fall back to the neutral row; the observed label is kept on
// the mapping either way.
var baseEmotions = map[string]baseExpression{
	"neutral":    {expression: "neutral", intensity: 0.3, duration: 2 * time.Second, warmth: 0.5, professionalism: 0.7, enthusiasm: 0.4},
	"happy":      {expression: "happy", intensity: 0.8, duration: 3 * time.Second, warmth: 0.9, professionalism: 0.6, enthusiasm: 0.8},
	"sad":        {expression: "sad", intensity: 0.6, duration: 4 * time.Second, warmth: 0.7, professionalism: 0.5, enthusiasm: 0.2},
	"excited":    {expression: "excited", intensity: 0.9, duration: 2500 * time.Millisecond, warmth: 0.8, professionalism: 0.4, enthusiasm: 1.0},
	"surprised":  {expression: "surprised", intensity: 0.85, duration: 1500 * time.Millisecond, warmth: 0.6, professionalism: 0.5, enthusiasm: 0.7},
	"confused":   {expression: "thinking", intensity: 0.55, duration: 3 * time.Second, warmth: 0.5, professionalism: 0.6, enthusiasm: 0.3},
	"frustrated": {expression: "concerned", intensity: 0.7, duration: 3 * time.Second, warmth: 0.3, professionalism: 0.6, enthusiasm: 0.3},
	"confident":  {expression: "confident", intensity: 0.75, duration: 3500 * time.Millisecond, warmth: 0.6, professionalism: 0.9, enthusiasm: 0.7},
	"worried":    {expression: "concerned", intensity: 0.6, duration: 3500 * time.Millisecond, warmth: 0.6, professionalism: 0.5, enthusiasm: 0.25},
	"grateful":   {expression: "happy", intensity: 0.7, duration: 3 * time.Second, warmth: 0.95, professionalism: 0.6, enthusiasm: 0.6},
}

// bonusExpression is a stage-specific follow-up appended to the sequence
// after the primary expression.
type bonusExpression struct {
	expression string
	intensity  float64
	duration   time.Duration
	delay      time.Duration
}

// stageModifier scales the primary expression and optionally appends stage
// bonus entries.
type stageModifier struct {
	intensity float64
	duration  float64
	bonus     []bonusExpression
}

var stageModifiers = map[Stage]stageModifier{
	StageGreeting: {intensity: 1.2, duration: 0.9, bonus: []bonusExpression{
		{expression: "happy", intensity: 0.5, duration: 1500 * time.Millisecond, delay: 400 * time.Millisecond},
	}},
	StageConversation: {intensity: 1.0, duration: 1.0},
	StagePresentation: {intensity: 1.1, duration: 1.3, bonus: []bonusExpression{
		{expression: "confident", intensity: 0.6, duration: 2 * time.Second, delay: 600 * time.Millisecond},
	}},
	StageClosing: {intensity: 0.9, duration: 0.8, bonus: []bonusExpression{
		{expression: "happy", intensity: 0.4, duration: 1200 * time.Millisecond, delay: 500 * time.Millisecond},
	}},
}

// personalityProfile scales the mapping's intensity and trait channels.
type personalityProfile struct {
	intensity       float64
	warmth          float64
	professionalism float64
	enthusiasm      float64
}

var personalityProfiles = map[Personality]personalityProfile{
	PersonalityProfessional: {intensity: 0.8, warmth: 0.7, professionalism: 1.2, enthusiasm: 0.7},
	PersonalityFriendly:     {intensity: 1.0, warmth: 1.2, professionalism: 0.8, enthusiasm: 1.0},
	PersonalityEnthusiastic: {intensity: 1.2, warmth: 1.0, professionalism: 0.7, enthusiasm: 1.3},
	PersonalitySupportive:   {intensity: 0.9, warmth: 1.3, professionalism: 0.9, enthusiasm: 0.8},
}

// baseGesture is the unscaled table row for one intent label.
type baseGesture struct {
	gesture   string
	intensity float64
	duration  time.Duration
	frequency float64
	delay     time.Duration
}

// baseGestures resolves intent labels to unscaled gesture rows. Unknown
// intents fall back to the neutral idle sway.
var baseGestures = map[string]baseGesture{
	"greeting":     {gesture: "wave", intensity: 0.8, duration: 2 * time.Second, frequency: 1.0, delay: 100 * time.Millisecond},
	"agreement":    {gesture: "nod", intensity: 0.7, duration: 1500 * time.Millisecond, frequency: 2.0, delay: 150 * time.Millisecond},
	"disagreement": {gesture: "head-shake", intensity: 0.7, duration: 1500 * time.Millisecond, frequency: 2.0, delay: 150 * time.Millisecond},
	"explanation":  {gesture: "open-palms", intensity: 0.6, duration: 3 * time.Second, frequency: 0.5, delay: 200 * time.Millisecond},
	"emphasis":     {gesture: "hand-raise", intensity: 0.85, duration: 1200 * time.Millisecond, frequency: 1.0, delay: 100 * time.Millisecond},
	"farewell":     {gesture: "wave", intensity: 0.8, duration: 2500 * time.Millisecond, frequency: 1.0, delay: 100 * time.Millisecond},
	"thinking":     {gesture: "chin-touch", intensity: 0.5, duration: 2500 * time.Millisecond, frequency: 0.3, delay: 250 * time.Millisecond},
	"neutral":      {gesture: "idle-sway", intensity: 0.3, duration: 2 * time.Second, frequency: 0.25, delay: 0},
}

// stageGestureModifier scales gesture intensity and repeat frequency.
type stageGestureModifier struct {
	intensity float64
	frequency float64
}

var stageGestureModifiers = map[Stage]stageGestureModifier{
	StageGreeting:     {intensity: 1.2, frequency: 1.1},
	StageConversation: {intensity: 1.0, frequency: 1.0},
	StagePresentation: {intensity: 1.15, frequency: 0.9},
	StageClosing:      {intensity: 0.9, frequency: 0.8},
}

// emotionTone buckets emotion labels by valence for the context tone nudge.
// Labels absent from the map leave the tone unchanged.
var emotionTone = map[string]Tone{
	"happy":      ToneEnthusiastic,
	"excited":    ToneEnthusiastic,
	"grateful":   ToneEnthusiastic,
	"confident":  ToneEnthusiastic,
	"sad":        ToneSupportive,
	"frustrated": ToneSupportive,
	"worried":    ToneSupportive,
	"confused":   ToneSupportive,
}
