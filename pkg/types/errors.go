package types

import (
	"errors"
	"fmt"
)

// ValidationError reports a customization or configuration payload that was
// rejected before any state changed. The target of the failed operation is
// guaranteed to be untouched.
type ValidationError struct {
	// Field is the offending field or category (e.g. "clothing.pattern").
	Field string

	// Reason explains why the value was rejected.
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation: %s", e.Reason)
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

// NotFoundError reports a lookup against an unknown entity.
type NotFoundError struct {
	// Kind names the entity class: "avatar", "session", "animation",
	// "stream" or "preset".
	Kind string

	// ID is the identifier that failed to resolve.
	ID string

	// Hint optionally carries a close-match suggestion for the caller.
	Hint string
}

func (e *NotFoundError) Error() string {
	if e.Hint != "" {
		return fmt.Sprintf("%s %q not found (did you mean %q?)", e.Kind, e.ID, e.Hint)
	}
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}

// DependencyError reports a required collaborator that was absent when a
// component was constructed or when an operation needing it was invoked.
type DependencyError struct {
	// Component is the package or type that needs the dependency.
	Component string

	// Dependency names the missing collaborator.
	Dependency string
}

func (e *DependencyError) Error() string {
	return fmt.Sprintf("%s: required dependency %s is not configured", e.Component, e.Dependency)
}

// UpstreamError wraps a failure returned by an external collaborator (the
// rendering platform, the phoneme service, the preference store). The core
// surfaces these without retrying; retry policy belongs to the caller.
type UpstreamError struct {
	// Op is the collaborator operation that failed (e.g. "render.CreateAvatar").
	Op string

	// Err is the underlying failure.
	Err error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream: %s: %v", e.Op, e.Err)
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}

// IsNotFound reports whether err is or wraps a *NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// IsValidation reports whether err is or wraps a *ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsUpstream reports whether err is or wraps an *UpstreamError.
func IsUpstream(err error) bool {
	var ue *UpstreamError
	return errors.As(err, &ue)
}
