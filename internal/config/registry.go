package config

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/visagekit/visage/pkg/prefs"
	"github.com/visagekit/visage/pkg/render"
	"github.com/visagekit/visage/pkg/speech"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// PlatformFactory constructs a render platform from its provider entry.
// Factories that dial a remote endpoint should honour ctx for the handshake.
type PlatformFactory func(ctx context.Context, entry ProviderEntry) (render.Platform, error)

// SpeechFactory constructs a phoneme extractor from its provider entry.
type SpeechFactory func(ctx context.Context, entry ProviderEntry) (speech.Extractor, error)

// PrefsFactory constructs a preference store. Implementations that also
// provide profile search return a value satisfying [prefs.ProfileIndex];
// callers discover that with a type assertion.
type PrefsFactory func(ctx context.Context, cfg PrefsConfig) (prefs.Store, error)

// Registry maps provider names to their constructor functions for each
// collaborator kind. It is safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	platforms map[string]PlatformFactory
	speech    map[string]SpeechFactory
	prefs     map[string]PrefsFactory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		platforms: make(map[string]PlatformFactory),
		speech:    make(map[string]SpeechFactory),
		prefs:     make(map[string]PrefsFactory),
	}
}

// RegisterPlatform registers a render platform factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterPlatform(name string, factory PlatformFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.platforms[name] = factory
}

// RegisterSpeech registers a phoneme extractor factory under name.
func (r *Registry) RegisterSpeech(name string, factory SpeechFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.speech[name] = factory
}

// RegisterPrefs registers a preference store factory under name.
func (r *Registry) RegisterPrefs(name string, factory PrefsFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.prefs[name] = factory
}

// CreatePlatform instantiates a render platform using the factory registered
// under entry.Name. Returns [ErrProviderNotRegistered] if no factory has been
// registered for that name.
func (r *Registry) CreatePlatform(ctx context.Context, entry ProviderEntry) (render.Platform, error) {
	r.mu.RLock()
	factory, ok := r.platforms[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: platform/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(ctx, entry)
}

// CreateSpeech instantiates a phoneme extractor using the factory registered
// under entry.Name.
func (r *Registry) CreateSpeech(ctx context.Context, entry ProviderEntry) (speech.Extractor, error) {
	r.mu.RLock()
	factory, ok := r.speech[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: speech/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(ctx, entry)
}

// CreatePrefs instantiates a preference store using the factory registered
// under name (typically cfg.Providers.Prefs.Name).
func (r *Registry) CreatePrefs(ctx context.Context, name string, cfg PrefsConfig) (prefs.Store, error) {
	r.mu.RLock()
	factory, ok := r.prefs[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: prefs/%q", ErrProviderNotRegistered, name)
	}
	return factory(ctx, cfg)
}
