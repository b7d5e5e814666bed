// Package events provides the lifecycle event registry shared by the avatar
// engine, the session manager, the mapping engine and the animation
// scheduler.
//
// Dispatch is synchronous: Emit invokes every subscribed listener on the
// calling goroutine before returning. Listeners must be fast and must not
// block; anything expensive belongs on the listener's own goroutine.
//
// All Emitter methods are safe for concurrent use.
package events

import (
	"sync"
	"time"
)

// Type identifies a lifecycle event class.
type Type string

// Event types emitted across the core.
const (
	TypeSessionStarted       Type = "sessionStarted"
	TypeSessionEnded         Type = "sessionEnded"
	TypeAppearanceUpdated    Type = "appearanceUpdated"
	TypePreviewGenerated     Type = "previewGenerated"
	TypeCustomizationApplied Type = "customizationApplied"
	TypeAnimationStarted     Type = "animationStarted"
	TypeAnimationStopped     Type = "animationStopped"
	TypeAvatarGenerated      Type = "avatarGenerated"
	TypeError                Type = "error"
)

// Event is one lifecycle notification. Identifier fields are filled where
// they apply and left empty otherwise.
type Event struct {
	// Type is the event class.
	Type Type

	// Timestamp is when the event was emitted. Emit stamps it when zero.
	Timestamp time.Time

	// AvatarID identifies the avatar the event concerns, when any.
	AvatarID string

	// SessionID identifies the customization session, when any.
	SessionID string

	// UserID identifies the user, when any.
	UserID string

	// Err carries the failure for TypeError events.
	Err error

	// Data carries event-specific payload (e.g. the generated avatar, the
	// applied change set). May be nil.
	Data any
}

type listener struct {
	id int
	fn func(Event)
}

// Emitter is a synchronous fan-out registry for lifecycle events.
// The zero value is not usable; create one with NewEmitter.
type Emitter struct {
	mu        sync.Mutex
	listeners []listener
	nextID    int
	closed    bool
}

// NewEmitter creates an empty event registry.
func NewEmitter() *Emitter {
	return &Emitter{}
}

// Subscribe registers fn for all future events and returns its cancel
// function. Cancelling twice is safe. Subscribing to a closed emitter
// returns a no-op cancel and fn is never invoked.
func (e *Emitter) Subscribe(fn func(Event)) (cancel func()) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed || fn == nil {
		return func() {}
	}

	e.nextID++
	id := e.nextID
	e.listeners = append(e.listeners, listener{id: id, fn: fn})

	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		for i, l := range e.listeners {
			if l.id == id {
				e.listeners = append(e.listeners[:i], e.listeners[i+1:]...)
				return
			}
		}
	}
}

// Emit delivers ev to every listener in subscription order. The listener
// set is snapshotted before dispatch, so listeners added or removed during
// delivery take effect from the next Emit.
func (e *Emitter) Emit(ev Event) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	snapshot := make([]listener, len(e.listeners))
	copy(snapshot, e.listeners)
	e.mu.Unlock()

	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	for _, l := range snapshot {
		l.fn(ev)
	}
}

// Close drops all listeners. Subsequent Emit calls are no-ops. Close is
// idempotent.
func (e *Emitter) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	e.listeners = nil
}

// Len returns the number of registered listeners.
func (e *Emitter) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.listeners)
}
