package transport

import (
	"context"
	"log"
	"sync"

	"github.com/lowaak/smart-trainer/fitness-ble/internal/bt"
	"github.com/lowaak/smart-trainer/fitness-ble/internal/events"
)

// Cycling Power Measurement flag bits that add fields before crank data
const (
	cpFlagPedalPowerBalance   = 1 << 0
	cpFlagAccumulatedTorque   = 1 << 2
	cpFlagWheelRevolutionData = 1 << 4
	cpFlagCrankRevolutionData = 1 << 5
)

var (
	_ Transport     = (*CyclingPower)(nil)
	_ PowerSource   = (*CyclingPower)(nil)
	_ CadenceSource = (*CyclingPower)(nil)
)

// CyclingPower handles the Cycling Power service: power, plus cadence when
// the meter reports crank revolutions.
type CyclingPower struct {
	*base
	power   *events.Observable[PowerMeasurement]
	cadence *events.Observable[CadenceMeasurement]

	crankMu sync.Mutex
	crank   crankCadence
}

func NewCyclingPower(deviceID string, logger *log.Logger, opts ...Option) *CyclingPower {
	t := &CyclingPower{
		base:    newBase(IDCyclingPower, "CyclingPower", deviceID, logger, opts),
		power:   events.NewObservable(PowerMeasurement{}, nil, false),
		cadence: events.NewObservable(CadenceMeasurement{}, nil, false),
		crank:   crankCadence{timeResolution: 1024},
	}
	t.onDetach = func() {
		t.crankMu.Lock()
		t.crank.reset()
		t.crankMu.Unlock()
	}
	t.onDispose = func() {
		t.power.Close()
		t.cadence.Close()
	}
	return t
}

func (t *CyclingPower) CanSupport(device bt.DiscoveredDevice) bool {
	return device.HasServiceUUID(bt.ServiceUUIDCyclingPower)
}

func (t *CyclingPower) VerifyCompatibility(ctx context.Context, link bt.Link, services []bt.Service) (bool, error) {
	return hasService(services, bt.ServiceUUIDCyclingPower), nil
}

func (t *CyclingPower) Attach(ctx context.Context, link bt.Link, services []bt.Service) error {
	return t.attach(ctx, func(ctx context.Context) error {
		c, err := findCharacteristic(services, bt.ServiceUUIDCyclingPower, bt.CharUUIDCyclingPowerMeasurement)
		if err != nil {
			return err
		}
		return t.subscribe(ctx, c, t.handleMeasurement)
	})
}

func (t *CyclingPower) Capabilities() CapabilitySet {
	return NewCapabilitySet(CapabilityPower, CapabilityCadence)
}

func (t *CyclingPower) Power() *events.Observable[PowerMeasurement] {
	return t.power
}

func (t *CyclingPower) Cadence() *events.Observable[CadenceMeasurement] {
	return t.cadence
}

func (t *CyclingPower) handleMeasurement(buf []byte) {
	frame, err := ParseCyclingPowerMeasurement(buf)
	if err != nil {
		t.logf("Dropping malformed measurement %v: %v", buf, err)
		return
	}
	now := t.now()
	t.power.Set(PowerMeasurement{Watts: int(frame.PowerWatts), Timestamp: now})

	if !frame.HasCrankData {
		return
	}
	t.crankMu.Lock()
	rpm, ok := t.crank.update(frame.CrankRevolutions, frame.CrankEventTime)
	t.crankMu.Unlock()
	if ok {
		t.cadence.Set(CadenceMeasurement{RPM: rpm, Timestamp: now})
	}
}

// CyclingPowerFrame is the subset of a Cycling Power Measurement this
// transport uses.
type CyclingPowerFrame struct {
	PowerWatts       int16
	HasCrankData     bool
	CrankRevolutions uint16
	CrankEventTime   uint16 // 1/1024 s
}

// ParseCyclingPowerMeasurement decodes a Cycling Power Measurement.
// See: https://www.bluetooth.com/specifications/specs/cycling-power-service-1-1/
func ParseCyclingPowerMeasurement(buf []byte) (CyclingPowerFrame, error) {
	r := newFrameReader(buf)
	flags := r.u16("flags")

	// Bytes 2-3: Instantaneous Power (SINT16, watts)
	frame := CyclingPowerFrame{PowerWatts: r.s16("instantaneous power")}

	if flags&cpFlagPedalPowerBalance != 0 {
		r.skip(1, "pedal power balance")
	}
	if flags&cpFlagAccumulatedTorque != 0 {
		r.skip(2, "accumulated torque")
	}
	if flags&cpFlagWheelRevolutionData != 0 {
		r.skip(6, "wheel revolution data")
	}
	if flags&cpFlagCrankRevolutionData != 0 && r.err == nil {
		frame.HasCrankData = true
		frame.CrankRevolutions = r.u16("crank revolutions")
		frame.CrankEventTime = r.u16("crank event time")
	}
	if r.err != nil {
		// Power itself was readable; only the trailing crank data is lost
		if r.off >= 4 {
			frame.HasCrankData = false
			return frame, nil
		}
		return CyclingPowerFrame{}, r.err
	}
	return frame, nil
}
