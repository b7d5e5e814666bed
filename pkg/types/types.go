// Package types defines the shared types used across all Visage packages.
//
// These types form the lingua franca between the avatar engine, the session
// manager, the mapping engine, and the animation scheduler. They are
// intentionally minimal: each package defines its own domain types, but
// cross-cutting data structures live here to avoid circular imports.
package types

import "time"

// AudioChunk represents a slice of audio handed to the lip-sync pipeline.
// Chunks are opaque to the core; only the phoneme extractor interprets the
// payload bytes. Timing metadata drives viseme scheduling.
type AudioChunk struct {
	// Data is the raw audio payload. Encoding is provider-specific.
	Data []byte

	// SampleRate in Hz (e.g. 16000 for most phoneme extractors).
	SampleRate int

	// Channels: 1 for mono, 2 for stereo.
	Channels int

	// Timestamp marks when this chunk was captured, relative to stream start.
	Timestamp time.Duration

	// Duration is the declared playback length of the chunk. When zero, the
	// scheduler falls back to the end of the last extracted phoneme.
	Duration time.Duration
}

// End returns the position of the chunk's trailing edge relative to stream
// start. Chunks with no declared duration end at their own timestamp.
func (c AudioChunk) End() time.Duration {
	return c.Timestamp + c.Duration
}
