package types_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/visagekit/visage/pkg/types"
)

func TestErrorMessages(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want string
	}{
		{
			name: "validation with field",
			err:  &types.ValidationError{Field: "clothing.pattern", Reason: "unknown field"},
			want: `validation: clothing.pattern: unknown field`,
		},
		{
			name: "validation without field",
			err:  &types.ValidationError{Reason: "empty payload"},
			want: `validation: empty payload`,
		},
		{
			name: "not found",
			err:  &types.NotFoundError{Kind: "avatar", ID: "av-1"},
			want: `avatar "av-1" not found`,
		},
		{
			name: "not found with hint",
			err:  &types.NotFoundError{Kind: "preset", ID: "profesional", Hint: "professional"},
			want: `preset "profesional" not found (did you mean "professional"?)`,
		},
		{
			name: "dependency",
			err:  &types.DependencyError{Component: "animation.Scheduler", Dependency: "render.Platform"},
			want: `animation.Scheduler: required dependency render.Platform is not configured`,
		},
		{
			name: "upstream",
			err:  &types.UpstreamError{Op: "render.CreateAvatar", Err: errors.New("boom")},
			want: `upstream: render.CreateAvatar: boom`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestUpstreamUnwrap(t *testing.T) {
	t.Parallel()

	inner := errors.New("connection reset")
	err := fmt.Errorf("engine: generate: %w", &types.UpstreamError{Op: "render.CreateAvatar", Err: inner})

	if !errors.Is(err, inner) {
		t.Error("errors.Is did not reach the wrapped collaborator error")
	}
	if !types.IsUpstream(err) {
		t.Error("IsUpstream() = false, want true")
	}
}

func TestPredicatesThroughWrapping(t *testing.T) {
	t.Parallel()

	nf := fmt.Errorf("session: start: %w", &types.NotFoundError{Kind: "avatar", ID: "missing"})
	if !types.IsNotFound(nf) {
		t.Error("IsNotFound() = false, want true")
	}
	if types.IsValidation(nf) {
		t.Error("IsValidation() = true for a not-found error")
	}

	ve := fmt.Errorf("session: update: %w", &types.ValidationError{Field: "appearance.height", Reason: "not allowed"})
	if !types.IsValidation(ve) {
		t.Error("IsValidation() = false, want true")
	}
	if types.IsNotFound(ve) {
		t.Error("IsNotFound() = true for a validation error")
	}
}
