package events

import (
	"sync"
)

// Observable is a push-based value cell: it holds the current value of T and
// calls registered listeners whenever Set changes it.
// T is the type of the value held
type Observable[T any] struct {
	mu             sync.RWMutex
	value          T
	listeners      map[uint64]func(T)
	nextID         uint64
	equal          func(a, b T) bool
	replayOnListen bool
	closed         bool
}

// NewObservable creates an Observable holding initial.
// equal decides whether a Set is a change; a nil equal treats every Set as a change.
// replayOnListen: if true, new listeners are called immediately with the current value
func NewObservable[T any](initial T, equal func(a, b T) bool, replayOnListen bool) *Observable[T] {
	return &Observable[T]{
		value:          initial,
		listeners:      make(map[uint64]func(T)),
		equal:          equal,
		replayOnListen: replayOnListen,
	}
}

// NewValue creates an Observable for a comparable type that only notifies on
// actual changes and replays the current value to new listeners.
func NewValue[T comparable](initial T) *Observable[T] {
	return NewObservable(initial, func(a, b T) bool { return a == b }, true)
}

// Get returns the current value
func (o *Observable[T]) Get() T {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.value
}

// Set stores value and notifies listeners if it differs from the current one.
// Returns true if listeners were notified. Set on a closed Observable is a no-op.
func (o *Observable[T]) Set(value T) bool {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return false
	}
	if o.equal != nil && o.equal(o.value, value) {
		o.mu.Unlock()
		return false
	}
	o.value = value

	// Create a copy of listeners to call outside the lock
	listenersCopy := make([]func(T), 0, len(o.listeners))
	for _, callback := range o.listeners {
		listenersCopy = append(listenersCopy, callback)
	}
	o.mu.Unlock()

	// Call all callbacks outside the lock to avoid deadlock
	for _, callback := range listenersCopy {
		callback(value)
	}
	return true
}

// Update applies fn to the current value and stores the result via Set.
func (o *Observable[T]) Update(fn func(T) T) bool {
	o.mu.RLock()
	current := o.value
	o.mu.RUnlock()
	return o.Set(fn(current))
}

// Listen registers a callback function to be called when the value changes.
// Returns a deregistration function that can be called to remove the listener.
// Listening on a closed Observable returns a no-op deregistration function.
func (o *Observable[T]) Listen(callback func(T)) func() {
	if callback == nil {
		panic("callback cannot be nil")
	}

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return func() {}
	}
	id := o.nextID
	o.nextID++
	o.listeners[id] = callback
	replay := o.replayOnListen
	current := o.value
	o.mu.Unlock()

	// Call the callback immediately if needed (outside the lock to avoid deadlock)
	if replay {
		callback(current)
	}

	return func() {
		o.mu.Lock()
		delete(o.listeners, id)
		o.mu.Unlock()
	}
}

// Close drops every listener and makes further Set calls no-ops.
// The last value stays readable through Get.
func (o *Observable[T]) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.closed = true
	o.listeners = make(map[uint64]func(T))
}

// IsClosed reports whether Close has been called.
func (o *Observable[T]) IsClosed() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.closed
}

// ListenerCount returns the current number of registered listeners
// This is useful for testing and debugging
func (o *Observable[T]) ListenerCount() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.listeners)
}
