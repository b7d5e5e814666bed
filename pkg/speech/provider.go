// Package speech defines the Extractor interface for phoneme extraction
// backends.
//
// An extractor wraps a speech analysis service (e.g. a forced-alignment HTTP
// server, or a test double) and turns raw audio into a timed phoneme
// sequence. The core never performs speech recognition itself: phonemes come
// from this contract and are converted to visemes by the animation
// scheduler.
//
// Implementations must be safe for concurrent use. The real-time
// synchronizer may extract phonemes for several avatars at once.
package speech

import (
	"context"
	"time"

	"github.com/visagekit/visage/pkg/types"
)

// Phoneme is a single speech sound with its position on the audio timeline.
type Phoneme struct {
	// Symbol is the phoneme identifier in the extractor's symbol set
	// (e.g. "AA", "P", "TH"). Symbols unknown to the viseme table are
	// dropped downstream.
	Symbol string

	// Timestamp is the phoneme onset relative to the start of the chunk it
	// was extracted from.
	Timestamp time.Duration

	// Duration is how long the phoneme is voiced.
	Duration time.Duration

	// Confidence is the extraction confidence (0.0 to 1.0). May be zero if
	// the backend does not report confidence.
	Confidence float64
}

// Options carries per-request extraction hints.
type Options struct {
	// Language is the BCP-47 language tag of the audio (e.g. "en-US").
	// An empty string lets the backend auto-detect, if supported.
	Language string

	// MinConfidence drops phonemes below this confidence at the backend when
	// supported. Zero keeps everything.
	MinConfidence float64
}

// Extractor is the abstraction over any phoneme extraction backend.
type Extractor interface {
	// ExtractPhonemes analyzes one audio chunk and returns its phonemes in
	// timeline order. An empty result with a nil error means the chunk
	// contains no recognizable speech (silence is not an error).
	ExtractPhonemes(ctx context.Context, chunk types.AudioChunk, opts Options) ([]Phoneme, error)
}
