// Package mock provides an in-memory mock implementation of the
// [speech.Extractor] interface for use in unit tests.
//
// The mock is safe for concurrent use. It records every call so that tests
// can assert on call counts and arguments, and it exposes exported fields
// that the test can set to control return values.
package mock

import (
	"context"
	"sync"

	"github.com/visagekit/visage/pkg/speech"
	"github.com/visagekit/visage/pkg/types"
)

// ExtractCall records the arguments of a single ExtractPhonemes invocation.
type ExtractCall struct {
	// Chunk is the audio chunk passed to ExtractPhonemes.
	Chunk types.AudioChunk

	// Options is the options value passed to ExtractPhonemes.
	Options speech.Options
}

// Extractor is a mock implementation of [speech.Extractor].
// Set the exported Result/Error fields before use; inspect ExtractCalls after.
type Extractor struct {
	mu sync.Mutex

	// ExtractResult is returned by ExtractPhonemes. A copy of the slice is
	// returned so tests can mutate the field between calls.
	ExtractResult []speech.Phoneme

	// ExtractError is returned by ExtractPhonemes.
	ExtractError error

	// ExtractFunc, when non-nil, overrides ExtractResult/ExtractError and
	// computes the return values per call.
	ExtractFunc func(chunk types.AudioChunk, opts speech.Options) ([]speech.Phoneme, error)

	// ExtractCalls records all ExtractPhonemes invocations.
	ExtractCalls []ExtractCall
}

var _ speech.Extractor = (*Extractor)(nil)

// ExtractPhonemes implements [speech.Extractor]. Records the call and returns
// the configured result.
func (e *Extractor) ExtractPhonemes(_ context.Context, chunk types.AudioChunk, opts speech.Options) ([]speech.Phoneme, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ExtractCalls = append(e.ExtractCalls, ExtractCall{Chunk: chunk, Options: opts})

	if e.ExtractFunc != nil {
		return e.ExtractFunc(chunk, opts)
	}
	if e.ExtractError != nil {
		return nil, e.ExtractError
	}
	out := make([]speech.Phoneme, len(e.ExtractResult))
	copy(out, e.ExtractResult)
	return out, nil
}

// CallCount returns how many times ExtractPhonemes was called.
func (e *Extractor) CallCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.ExtractCalls)
}
