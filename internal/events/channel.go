package events

// ListenChan forwards every change of o to ch.
// Sends are non-blocking - if ch is full the value is skipped, so a slow
// reader only ever misses intermediate values.
// Returns a deregistration function that can be called to remove the listener
func ListenChan[T any](o *Observable[T], ch chan<- T) func() {
	if ch == nil {
		panic("channel cannot be nil")
	}
	return o.Listen(func(value T) {
		select {
		case ch <- value:
		default:
			// Channel is full, skip this value
		}
	})
}
