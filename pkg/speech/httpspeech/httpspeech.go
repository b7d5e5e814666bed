// Package httpspeech provides a phoneme extractor backed by an HTTP forced
// alignment service. It implements the speech.Extractor interface.
//
// The service contract is a single endpoint, POST /v1/phonemes, taking a
// JSON body with base64-encoded audio and returning the timed phoneme list.
// Both self-hosted aligners and hosted APIs exposing this shape work.
//
// Typical usage:
//
//	ex, err := httpspeech.New("http://localhost:7012",
//	    httpspeech.WithTimeout(5*time.Second),
//	    httpspeech.WithLanguage("en-US"),
//	)
//	phonemes, err := ex.ExtractPhonemes(ctx, chunk, speech.Options{})
package httpspeech

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/visagekit/visage/pkg/speech"
	"github.com/visagekit/visage/pkg/types"
)

// Compile-time interface assertion.
var _ speech.Extractor = (*Extractor)(nil)

const (
	defaultTimeout   = 10 * time.Second
	phonemesEndpoint = "/v1/phonemes"
)

// Option is a functional option for configuring the Extractor.
type Option func(*Extractor)

// WithTimeout sets the per-request HTTP timeout. Defaults to 10 s.
func WithTimeout(d time.Duration) Option {
	return func(e *Extractor) {
		e.httpClient.Timeout = d
	}
}

// WithLanguage sets the default BCP-47 language tag sent when the caller's
// Options leave Language empty.
func WithLanguage(lang string) Option {
	return func(e *Extractor) {
		e.language = lang
	}
}

// WithAPIKey sets a bearer token attached to every request.
func WithAPIKey(key string) Option {
	return func(e *Extractor) {
		e.apiKey = key
	}
}

// Extractor implements speech.Extractor against an HTTP alignment service.
// It is safe for concurrent use; requests may run in parallel.
type Extractor struct {
	serverURL  string
	language   string
	apiKey     string
	httpClient *http.Client
}

// New creates an Extractor targeting the alignment service at serverURL
// (e.g. "http://localhost:7012"). serverURL must be non-empty.
func New(serverURL string, opts ...Option) (*Extractor, error) {
	if serverURL == "" {
		return nil, errors.New("httpspeech: serverURL must not be empty")
	}
	e := &Extractor{
		serverURL: strings.TrimRight(serverURL, "/"),
		httpClient: &http.Client{
			Timeout: defaultTimeout,
		},
	}
	for _, o := range opts {
		o(e)
	}
	return e, nil
}

// ---- wire types ----

type extractRequest struct {
	Audio         string  `json:"audio"`
	SampleRate    int     `json:"sampleRate"`
	Channels      int     `json:"channels"`
	Language      string  `json:"language,omitempty"`
	MinConfidence float64 `json:"minConfidence,omitempty"`
	DurationMs    int64   `json:"durationMs,omitempty"`
}

type phonemeWire struct {
	Symbol     string  `json:"symbol"`
	StartMs    float64 `json:"startMs"`
	DurationMs float64 `json:"durationMs"`
	Confidence float64 `json:"confidence"`
}

type extractResponse struct {
	Phonemes []phonemeWire `json:"phonemes"`
}

// ExtractPhonemes posts the chunk to the alignment service and returns the
// decoded phoneme timeline.
func (e *Extractor) ExtractPhonemes(ctx context.Context, chunk types.AudioChunk, opts speech.Options) ([]speech.Phoneme, error) {
	if len(chunk.Data) == 0 {
		return nil, nil
	}

	lang := opts.Language
	if lang == "" {
		lang = e.language
	}

	body := extractRequest{
		Audio:         base64.StdEncoding.EncodeToString(chunk.Data),
		SampleRate:    chunk.SampleRate,
		Channels:      chunk.Channels,
		Language:      lang,
		MinConfidence: opts.MinConfidence,
		DurationMs:    chunk.Duration.Milliseconds(),
	}
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("httpspeech: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.serverURL+phonemesEndpoint, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("httpspeech: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if e.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.apiKey)
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("httpspeech: POST %s: %w", phonemesEndpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("httpspeech: POST %s returned status %d", phonemesEndpoint, resp.StatusCode)
	}

	var decoded extractResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("httpspeech: decode response: %w", err)
	}

	return fromWire(decoded.Phonemes), nil
}

// fromWire converts wire phonemes to the speech contract type, preserving
// timeline order as delivered by the service.
func fromWire(wire []phonemeWire) []speech.Phoneme {
	if len(wire) == 0 {
		return nil
	}
	out := make([]speech.Phoneme, 0, len(wire))
	for _, w := range wire {
		if w.Symbol == "" {
			continue
		}
		out = append(out, speech.Phoneme{
			Symbol:     w.Symbol,
			Timestamp:  time.Duration(w.StartMs * float64(time.Millisecond)),
			Duration:   time.Duration(w.DurationMs * float64(time.Millisecond)),
			Confidence: w.Confidence,
		})
	}
	return out
}
