package transport

import (
	"context"
	"log"
	"sync"

	"github.com/lowaak/smart-trainer/fitness-ble/internal/bt"
	"github.com/lowaak/smart-trainer/fitness-ble/internal/events"
)

const (
	cscFlagWheelData = 1 << 0
	cscFlagCrankData = 1 << 1
)

var (
	_ Transport     = (*CyclingSpeedCadence)(nil)
	_ SpeedSource   = (*CyclingSpeedCadence)(nil)
	_ CadenceSource = (*CyclingSpeedCadence)(nil)
)

// CyclingSpeedCadence handles the CSC service. Speed comes from wheel
// revolutions and the configured wheel circumference; cadence from crank
// revolutions.
type CyclingSpeedCadence struct {
	*base
	speed   *events.Observable[SpeedMeasurement]
	cadence *events.Observable[CadenceMeasurement]

	calcMu sync.Mutex
	crank  crankCadence
	wheel  wheelSpeed
}

func NewCyclingSpeedCadence(deviceID string, logger *log.Logger, opts ...Option) *CyclingSpeedCadence {
	t := &CyclingSpeedCadence{
		base:    newBase(IDCyclingSpeedCadence, "CSC", deviceID, logger, opts),
		speed:   events.NewObservable(SpeedMeasurement{}, nil, false),
		cadence: events.NewObservable(CadenceMeasurement{}, nil, false),
		crank:   crankCadence{timeResolution: 1024},
	}
	t.onDetach = func() {
		t.calcMu.Lock()
		t.crank.reset()
		t.wheel.reset()
		t.calcMu.Unlock()
	}
	t.onDispose = func() {
		t.speed.Close()
		t.cadence.Close()
	}
	return t
}

func (t *CyclingSpeedCadence) CanSupport(device bt.DiscoveredDevice) bool {
	return device.HasServiceUUID(bt.ServiceUUIDCyclingSpeedCadence)
}

func (t *CyclingSpeedCadence) VerifyCompatibility(ctx context.Context, link bt.Link, services []bt.Service) (bool, error) {
	return hasService(services, bt.ServiceUUIDCyclingSpeedCadence), nil
}

func (t *CyclingSpeedCadence) Attach(ctx context.Context, link bt.Link, services []bt.Service) error {
	return t.attach(ctx, func(ctx context.Context) error {
		c, err := findCharacteristic(services, bt.ServiceUUIDCyclingSpeedCadence, bt.CharUUIDCSCMeasurement)
		if err != nil {
			return err
		}
		return t.subscribe(ctx, c, t.handleMeasurement)
	})
}

func (t *CyclingSpeedCadence) Capabilities() CapabilitySet {
	return NewCapabilitySet(CapabilitySpeed, CapabilityCadence)
}

func (t *CyclingSpeedCadence) Speed() *events.Observable[SpeedMeasurement] {
	return t.speed
}

func (t *CyclingSpeedCadence) Cadence() *events.Observable[CadenceMeasurement] {
	return t.cadence
}

func (t *CyclingSpeedCadence) handleMeasurement(buf []byte) {
	frame, err := ParseCSCMeasurement(buf)
	if err != nil {
		t.logf("Dropping malformed measurement %v: %v", buf, err)
		return
	}
	now := t.now()

	t.calcMu.Lock()
	var (
		kmh, rpm         float64
		hasSpeed, hasRPM bool
	)
	if frame.HasWheelData {
		kmh, hasSpeed = t.wheel.update(frame.WheelRevolutions, frame.WheelEventTime, t.opts.wheelCircumferenceMM)
	}
	if frame.HasCrankData {
		rpm, hasRPM = t.crank.update(frame.CrankRevolutions, frame.CrankEventTime)
	}
	t.calcMu.Unlock()

	if hasSpeed {
		t.speed.Set(SpeedMeasurement{KMH: kmh, Timestamp: now})
	}
	if hasRPM {
		t.cadence.Set(CadenceMeasurement{RPM: rpm, Timestamp: now})
	}
}

// CSCFrame is a decoded CSC Measurement.
type CSCFrame struct {
	HasWheelData     bool
	WheelRevolutions uint32
	WheelEventTime   uint16 // 1/1024 s
	HasCrankData     bool
	CrankRevolutions uint16
	CrankEventTime   uint16 // 1/1024 s
}

// ParseCSCMeasurement decodes a CSC Measurement notification.
// See: https://www.bluetooth.com/specifications/specs/cycling-speed-and-cadence-service-1-0/
func ParseCSCMeasurement(buf []byte) (CSCFrame, error) {
	r := newFrameReader(buf)
	flags := r.u8("flags")

	var frame CSCFrame
	if flags&cscFlagWheelData != 0 {
		frame.HasWheelData = true
		frame.WheelRevolutions = r.u32("wheel revolutions")
		frame.WheelEventTime = r.u16("wheel event time")
	}
	if flags&cscFlagCrankData != 0 {
		frame.HasCrankData = true
		frame.CrankRevolutions = r.u16("crank revolutions")
		frame.CrankEventTime = r.u16("crank event time")
	}
	if r.err != nil {
		return CSCFrame{}, r.err
	}
	return frame, nil
}
