// Package mock provides an in-memory mock implementation of the
// [render.Platform] interface for use in unit tests.
//
// The mock is safe for concurrent use. It records every method call so that
// tests can assert on call counts and arguments, and it exposes exported
// fields that the test can set to control return values.
//
// Typical usage:
//
//	platform := &mock.Platform{
//	    CreateAvatarResult: render.Handle{ID: "ext-1"},
//	}
//	engine, err := avatar.New(avatar.EngineConfig{Platform: platform})
package mock

import (
	"context"
	"strconv"
	"sync"

	"github.com/visagekit/visage/pkg/render"
)

// CreateAvatarCall records the arguments of a single CreateAvatar invocation.
type CreateAvatarCall struct {
	// Request is the request passed to CreateAvatar.
	Request render.CreateRequest
}

// UpdateAvatarCall records the arguments of a single UpdateAvatar invocation.
type UpdateAvatarCall struct {
	AvatarID string
	Patch    render.UpdatePatch
}

// DestroyAvatarCall records the arguments of a single DestroyAvatar invocation.
type DestroyAvatarCall struct {
	AvatarID string
}

// PlayAnimationCall records the arguments of a single PlayAnimation invocation.
type PlayAnimationCall struct {
	AvatarID  string
	Animation string
	Options   render.PlayOptions
}

// UpdateExpressionCall records the arguments of a single UpdateExpression invocation.
type UpdateExpressionCall struct {
	AvatarID   string
	Expression string
	Intensity  float64
}

// SynchronizeLipSyncCall records the arguments of a single SynchronizeLipSync invocation.
type SynchronizeLipSyncCall struct {
	AvatarID string
	Payload  render.LipSyncPayload
}

// Platform is a mock implementation of [render.Platform].
// Set the exported Result/Error fields before use; inspect the *Calls fields after.
type Platform struct {
	mu sync.Mutex

	// CreateAvatarResult is the handle returned by CreateAvatar. When its ID
	// is empty a unique "mock-avatar-N" id is generated per call.
	CreateAvatarResult render.Handle

	// CreateAvatarError is returned by CreateAvatar.
	CreateAvatarError error

	// CreateAvatarFunc, when non-nil, replaces the canned CreateAvatar
	// behaviour. The call is still recorded. Useful for blocking the caller
	// in concurrency tests.
	CreateAvatarFunc func(ctx context.Context, req render.CreateRequest) (render.Handle, error)

	// PlayAnimationFunc, when non-nil, replaces the canned PlayAnimation
	// behaviour. The call is still recorded.
	PlayAnimationFunc func(ctx context.Context, avatarID, animation string, opts render.PlayOptions) error

	// UpdateAvatarError is returned by UpdateAvatar.
	UpdateAvatarError error

	// DestroyAvatarError is returned by DestroyAvatar.
	DestroyAvatarError error

	// PlayAnimationError is returned by PlayAnimation.
	PlayAnimationError error

	// UpdateExpressionError is returned by UpdateExpression.
	UpdateExpressionError error

	// SynchronizeLipSyncError is returned by SynchronizeLipSync.
	SynchronizeLipSyncError error

	// CreateAvatarCalls records all CreateAvatar invocations.
	CreateAvatarCalls []CreateAvatarCall

	// UpdateAvatarCalls records all UpdateAvatar invocations.
	UpdateAvatarCalls []UpdateAvatarCall

	// DestroyAvatarCalls records all DestroyAvatar invocations.
	DestroyAvatarCalls []DestroyAvatarCall

	// PlayAnimationCalls records all PlayAnimation invocations.
	PlayAnimationCalls []PlayAnimationCall

	// UpdateExpressionCalls records all UpdateExpression invocations.
	UpdateExpressionCalls []UpdateExpressionCall

	// SynchronizeLipSyncCalls records all SynchronizeLipSync invocations.
	SynchronizeLipSyncCalls []SynchronizeLipSyncCall

	created int
}

var _ render.Platform = (*Platform)(nil)

// CreateAvatar implements [render.Platform]. Records the call and returns
// CreateAvatarResult / CreateAvatarError, or defers to CreateAvatarFunc.
func (p *Platform) CreateAvatar(ctx context.Context, req render.CreateRequest) (render.Handle, error) {
	p.mu.Lock()
	p.CreateAvatarCalls = append(p.CreateAvatarCalls, CreateAvatarCall{Request: req})
	fn := p.CreateAvatarFunc
	if fn != nil {
		// Run the override outside the lock so it may block.
		p.mu.Unlock()
		return fn(ctx, req)
	}
	defer p.mu.Unlock()
	if p.CreateAvatarError != nil {
		return render.Handle{}, p.CreateAvatarError
	}
	h := p.CreateAvatarResult
	if h.ID == "" {
		p.created++
		h.ID = "mock-avatar-" + strconv.Itoa(p.created)
	}
	return h, nil
}

// UpdateAvatar implements [render.Platform]. Records the call arguments.
func (p *Platform) UpdateAvatar(_ context.Context, avatarID string, patch render.UpdatePatch) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.UpdateAvatarCalls = append(p.UpdateAvatarCalls, UpdateAvatarCall{AvatarID: avatarID, Patch: patch})
	return p.UpdateAvatarError
}

// DestroyAvatar implements [render.Platform]. Records the call arguments.
func (p *Platform) DestroyAvatar(_ context.Context, avatarID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.DestroyAvatarCalls = append(p.DestroyAvatarCalls, DestroyAvatarCall{AvatarID: avatarID})
	return p.DestroyAvatarError
}

// PlayAnimation implements [render.Platform]. Records the call arguments.
func (p *Platform) PlayAnimation(ctx context.Context, avatarID, animation string, opts render.PlayOptions) error {
	p.mu.Lock()
	p.PlayAnimationCalls = append(p.PlayAnimationCalls, PlayAnimationCall{
		AvatarID:  avatarID,
		Animation: animation,
		Options:   opts,
	})
	fn := p.PlayAnimationFunc
	if fn != nil {
		p.mu.Unlock()
		return fn(ctx, avatarID, animation, opts)
	}
	defer p.mu.Unlock()
	return p.PlayAnimationError
}

// UpdateExpression implements [render.Platform]. Records the call arguments.
func (p *Platform) UpdateExpression(_ context.Context, avatarID, expression string, intensity float64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.UpdateExpressionCalls = append(p.UpdateExpressionCalls, UpdateExpressionCall{
		AvatarID:   avatarID,
		Expression: expression,
		Intensity:  intensity,
	})
	return p.UpdateExpressionError
}

// SynchronizeLipSync implements [render.Platform]. Records the call arguments.
func (p *Platform) SynchronizeLipSync(_ context.Context, avatarID string, payload render.LipSyncPayload) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.SynchronizeLipSyncCalls = append(p.SynchronizeLipSyncCalls, SynchronizeLipSyncCall{
		AvatarID: avatarID,
		Payload:  payload,
	})
	return p.SynchronizeLipSyncError
}

// CallCount returns the total number of calls recorded across all methods.
func (p *Platform) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.CreateAvatarCalls) + len(p.UpdateAvatarCalls) + len(p.DestroyAvatarCalls) +
		len(p.PlayAnimationCalls) + len(p.UpdateExpressionCalls) + len(p.SynchronizeLipSyncCalls)
}
