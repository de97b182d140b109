package device

import (
	"context"
	"errors"
	"time"

	"github.com/lowaak/smart-trainer/fitness-ble/internal/go_func_utils"
)

// backoffDelay returns the reconnect delay before attempt n (n >= 1):
// 1s, 2s, 4s ... capped at max.
func backoffDelay(attempt int, max time.Duration) time.Duration {
	if attempt > 30 {
		return max
	}
	delay := time.Duration(1<<uint(attempt-1)) * time.Second
	if delay > max {
		return max
	}
	return delay
}

// startReconnect re-runs Connect until it succeeds, or until Disconnect or
// Dispose cancels the loop. The first attempt is immediate.
func (d *CompositeDevice) startReconnect() {
	ctx, cancel := context.WithCancel(context.Background())
	d.mu.Lock()
	if d.disposed || !d.wantLink || d.reconnecting != nil {
		d.mu.Unlock()
		cancel()
		return
	}
	d.reconnecting = cancel
	discovered := d.discovered
	d.mu.Unlock()

	go_func_utils.SafeGo(d.logger, func() {
		defer func() {
			d.mu.Lock()
			if ctx.Err() == nil {
				d.reconnecting = nil
			}
			d.mu.Unlock()
			cancel()
		}()

		for attempt := 0; ; attempt++ {
			if attempt > 0 {
				delay := backoffDelay(attempt, d.opts.maxBackoff)
				d.logf("Reconnect attempt %d in %v", attempt+1, delay)
				select {
				case <-d.opts.clock.After(delay):
				case <-ctx.Done():
					return
				}
			}

			err := d.Connect(ctx, discovered)
			if err == nil {
				d.logf("Reconnected")
				return
			}
			if ctx.Err() != nil || errors.Is(err, ErrDisposed) {
				return
			}
			d.logf("Reconnect attempt %d failed: %v", attempt+1, err)
		}
	})
}
