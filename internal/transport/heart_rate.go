package transport

import (
	"context"
	"log"
	"time"

	"github.com/lowaak/smart-trainer/fitness-ble/internal/bt"
	"github.com/lowaak/smart-trainer/fitness-ble/internal/events"
)

// Heart Rate Measurement flag bits
const (
	hrFlagUint16          = 1 << 0
	hrFlagContactDetected = 1 << 1
	hrFlagContactSupport  = 1 << 2
	hrFlagEnergyExpended  = 1 << 3
	hrFlagRRIntervals     = 1 << 4
)

var (
	_ Transport       = (*HeartRate)(nil)
	_ HeartRateSource = (*HeartRate)(nil)
)

// HeartRate handles the standard Heart Rate service.
type HeartRate struct {
	*base
	heartRate *events.Observable[HeartRateMeasurement]
}

func NewHeartRate(deviceID string, logger *log.Logger, opts ...Option) *HeartRate {
	t := &HeartRate{
		base:      newBase(IDHeartRate, "HeartRate", deviceID, logger, opts),
		heartRate: events.NewObservable(HeartRateMeasurement{}, nil, false),
	}
	t.onDispose = t.heartRate.Close
	return t
}

func (t *HeartRate) CanSupport(device bt.DiscoveredDevice) bool {
	return device.HasServiceUUID(bt.ServiceUUIDHeartRate)
}

func (t *HeartRate) VerifyCompatibility(ctx context.Context, link bt.Link, services []bt.Service) (bool, error) {
	return hasService(services, bt.ServiceUUIDHeartRate), nil
}

func (t *HeartRate) Attach(ctx context.Context, link bt.Link, services []bt.Service) error {
	return t.attach(ctx, func(ctx context.Context) error {
		c, err := findCharacteristic(services, bt.ServiceUUIDHeartRate, bt.CharUUIDHeartRateMeasurement)
		if err != nil {
			return err
		}
		return t.subscribe(ctx, c, t.handleMeasurement)
	})
}

func (t *HeartRate) Capabilities() CapabilitySet {
	return NewCapabilitySet(CapabilityHeartRate)
}

func (t *HeartRate) HeartRate() *events.Observable[HeartRateMeasurement] {
	return t.heartRate
}

func (t *HeartRate) handleMeasurement(buf []byte) {
	m, ok, err := ParseHeartRateMeasurement(buf, t.now())
	if err != nil {
		t.logf("Dropping malformed measurement %v: %v", buf, err)
		return
	}
	if !ok {
		return
	}
	t.heartRate.Set(m)
}

// ParseHeartRateMeasurement decodes a Heart Rate Measurement notification.
// An empty payload carries no measurement and is not an error.
// See: https://www.bluetooth.com/specifications/specs/heart-rate-service-1-0/
func ParseHeartRateMeasurement(buf []byte, at time.Time) (HeartRateMeasurement, bool, error) {
	if len(buf) == 0 {
		return HeartRateMeasurement{}, false, nil
	}
	r := newFrameReader(buf)
	flags := r.u8("flags")

	m := HeartRateMeasurement{
		Timestamp:        at,
		ContactSupported: flags&hrFlagContactSupport != 0,
	}
	m.ContactDetected = m.ContactSupported && flags&hrFlagContactDetected != 0

	// Bit 0: 0 = UINT8, 1 = UINT16
	if flags&hrFlagUint16 != 0 {
		m.BPM = int(r.u16("heart rate"))
	} else {
		m.BPM = int(r.u8("heart rate"))
	}
	if flags&hrFlagEnergyExpended != 0 {
		m.HasEnergyExpended = true
		m.EnergyExpendedKJ = int(r.u16("energy expended"))
	}
	if r.err != nil {
		return HeartRateMeasurement{}, false, r.err
	}

	if flags&hrFlagRRIntervals != 0 {
		// RR intervals fill the rest of the frame, 1/1024 s each
		for r.remaining() >= 2 {
			raw := r.u16("rr interval")
			m.RRIntervals = append(m.RRIntervals, time.Duration(raw)*time.Second/1024)
		}
	}
	return m, true, nil
}
