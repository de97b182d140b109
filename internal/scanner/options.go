package scanner

import (
	"time"

	"github.com/lowaak/smart-trainer/fitness-ble/internal/bt"
	"github.com/lowaak/smart-trainer/fitness-ble/internal/clock"
)

const (
	DefaultTickInterval  = 1 * time.Second
	DefaultSignalTimeout = 5 * time.Second
	DefaultExpiry        = 30 * time.Second
)

type Option func(*Scanner)

func WithClock(c clock.Clock) Option {
	return func(s *Scanner) { s.clock = c }
}

func WithTickInterval(d time.Duration) Option {
	return func(s *Scanner) { s.tickInterval = d }
}

// WithSignalTimeout sets how long without an advertisement before a device
// reports HasRecentSignal false.
func WithSignalTimeout(d time.Duration) Option {
	return func(s *Scanner) { s.signalTimeout = d }
}

// WithExpiry sets how long without an advertisement before a device is
// dropped from the list.
func WithExpiry(d time.Duration) Option {
	return func(s *Scanner) { s.expiry = d }
}

// WithClearOnLastTokenRelease decides whether the device list is cleared
// when the last scan token is released. When false, devices survive a
// stop/start and only age out or vanish with the adapter.
func WithClearOnLastTokenRelease(clear bool) Option {
	return func(s *Scanner) { s.clearOnLastRelease = clear }
}

// WithServiceFilter ignores advertisements that list none of uuids.
func WithServiceFilter(uuids ...string) Option {
	return func(s *Scanner) {
		s.serviceFilter = make([]string, 0, len(uuids))
		for _, u := range uuids {
			s.serviceFilter = append(s.serviceFilter, bt.NormalizeUUID(u))
		}
	}
}
