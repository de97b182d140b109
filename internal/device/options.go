package device

import (
	"time"

	"github.com/lowaak/smart-trainer/fitness-ble/internal/clock"
)

const (
	DefaultConnectTimeout = 15 * time.Second
	DefaultMaxBackoff     = 30 * time.Second

	disconnectTimeout = 5 * time.Second
)

type Option func(*options)

type options struct {
	clock          clock.Clock
	connectTimeout time.Duration
	autoReconnect  bool
	maxBackoff     time.Duration
	name           string
}

func defaultOptions() options {
	return options{
		clock:          clock.Real{},
		connectTimeout: DefaultConnectTimeout,
		maxBackoff:     DefaultMaxBackoff,
	}
}

func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithConnectTimeout bounds the radio connect step.
func WithConnectTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.connectTimeout = d
		}
	}
}

// WithAutoReconnect re-runs the connect pipeline after an unexpected link
// loss, backing off exponentially up to maxBackoff between attempts.
func WithAutoReconnect(maxBackoff time.Duration) Option {
	return func(o *options) {
		o.autoReconnect = true
		if maxBackoff > 0 {
			o.maxBackoff = maxBackoff
		}
	}
}

// WithName sets the display name used when no advertisement is at hand.
func WithName(name string) Option {
	return func(o *options) { o.name = name }
}
