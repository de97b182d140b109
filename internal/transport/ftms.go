package transport

import (
	"context"
	"fmt"
	"log"
	"math"
	"sync"

	"github.com/lowaak/smart-trainer/fitness-ble/internal/bt"
	"github.com/lowaak/smart-trainer/fitness-ble/internal/events"
)

// FTMS Control Point Op Codes (Fitness Machine Service 1.0)
const (
	FTMSOpCodeRequestControl          byte = 0x00
	FTMSOpCodeReset                   byte = 0x01
	FTMSOpCodeSetTargetResistance     byte = 0x04
	FTMSOpCodeSetTargetPower          byte = 0x05
	FTMSOpCodeStartOrResume           byte = 0x07
	FTMSOpCodeStopOrPause             byte = 0x08
	FTMSOpCodeSetSimulationParameters byte = 0x11
	FTMSOpCodeResponseCode            byte = 0x80
)

// FTMS Control Point Result Codes
const (
	FTMSResultSuccess             byte = 0x01
	FTMSResultOpCodeNotSupported  byte = 0x02
	FTMSResultInvalidParameter    byte = 0x03
	FTMSResultOperationFailed     byte = 0x04
	FTMSResultControlNotPermitted byte = 0x05
)

// Power limits
const (
	MinTargetPowerWatts = 25
	MaxTargetPowerWatts = 2000
)

// Fitness Machine Feature bits
const (
	ftmsFeatureCadence           = 1 << 1
	ftmsFeaturePowerMeasurement  = 1 << 14
	ftmsTargetPower              = 1 << 3
	ftmsTargetIndoorBikeSimParam = 1 << 13
)

var (
	_ Transport            = (*FTMS)(nil)
	_ PowerSource          = (*FTMS)(nil)
	_ CadenceSource        = (*FTMS)(nil)
	_ SpeedSource          = (*FTMS)(nil)
	_ ErgController        = (*FTMS)(nil)
	_ SimulationController = (*FTMS)(nil)
	_ CapabilityNotifier   = (*FTMS)(nil)
)

// FTMSFeatures is the Fitness Machine Feature characteristic.
type FTMSFeatures struct {
	Machine        uint32
	TargetSettings uint32
}

func (f FTMSFeatures) SupportsTargetPower() bool {
	return f.TargetSettings&ftmsTargetPower != 0
}

func (f FTMSFeatures) SupportsSimulation() bool {
	return f.TargetSettings&ftmsTargetIndoorBikeSimParam != 0
}

func ParseFTMSFeatures(buf []byte) (FTMSFeatures, error) {
	r := newFrameReader(buf)
	f := FTMSFeatures{
		Machine:        r.u32("fitness machine features"),
		TargetSettings: r.u32("target setting features"),
	}
	if r.err != nil {
		return FTMSFeatures{}, r.err
	}
	return f, nil
}

// FTMS handles the Fitness Machine service of a smart trainer: Indoor Bike
// Data for power, cadence and speed, and the Control Point for ERG and
// simulation mode.
type FTMS struct {
	*base
	power   *events.Observable[PowerMeasurement]
	cadence *events.Observable[CadenceMeasurement]
	speed   *events.Observable[SpeedMeasurement]
	caps    *events.Observable[CapabilitySet]

	ctrlMu         sync.Mutex
	features       *FTMSFeatures // nil when the machine has no feature characteristic
	controlPoint   bt.Characteristic
	controlOK      bool
	controlRefused bool
}

func NewFTMS(deviceID string, logger *log.Logger, opts ...Option) *FTMS {
	t := &FTMS{
		base:    newBase(IDFTMS, "FTMS", deviceID, logger, opts),
		power:   events.NewObservable(PowerMeasurement{}, nil, false),
		cadence: events.NewObservable(CadenceMeasurement{}, nil, false),
		speed:   events.NewObservable(SpeedMeasurement{}, nil, false),
		caps:    events.NewObservable[CapabilitySet](0, nil, false),
	}
	t.onDetach = func() {
		t.ctrlMu.Lock()
		t.controlPoint = nil
		t.controlOK = false
		t.ctrlMu.Unlock()
	}
	t.onDispose = func() {
		t.power.Close()
		t.cadence.Close()
		t.speed.Close()
		t.caps.Close()
	}
	return t
}

func (t *FTMS) CanSupport(device bt.DiscoveredDevice) bool {
	return device.HasServiceUUID(bt.ServiceUUIDFTMS)
}

// VerifyCompatibility rejects fitness machines that are not indoor bikes
// and reads the feature characteristic to learn which targets it accepts.
func (t *FTMS) VerifyCompatibility(ctx context.Context, link bt.Link, services []bt.Service) (bool, error) {
	svc := bt.FindService(services, bt.ServiceUUIDFTMS)
	if svc == nil {
		return false, nil
	}
	if bt.FindCharacteristic(svc, bt.CharUUIDIndoorBikeData) == nil {
		t.logf("No Indoor Bike Data characteristic, not an indoor bike")
		return false, nil
	}

	featureChar := bt.FindCharacteristic(svc, bt.CharUUIDFTMSFeature)
	if featureChar == nil {
		t.ctrlMu.Lock()
		t.features = nil
		t.ctrlMu.Unlock()
		return true, nil
	}
	buf, err := featureChar.Read(ctx)
	if err != nil {
		return false, fmt.Errorf("read fitness machine features: %w", err)
	}
	features, err := ParseFTMSFeatures(buf)
	if err != nil {
		return false, fmt.Errorf("parse fitness machine features: %w", err)
	}
	t.logf("Features: machine=0x%08X target=0x%08X", features.Machine, features.TargetSettings)

	t.ctrlMu.Lock()
	t.features = &features
	t.ctrlMu.Unlock()
	return true, nil
}

func (t *FTMS) Attach(ctx context.Context, link bt.Link, services []bt.Service) error {
	return t.attach(ctx, func(ctx context.Context) error {
		bikeData, err := findCharacteristic(services, bt.ServiceUUIDFTMS, bt.CharUUIDIndoorBikeData)
		if err != nil {
			return err
		}
		if err := t.subscribe(ctx, bikeData, t.handleIndoorBikeData); err != nil {
			return err
		}

		controlPoint, err := findCharacteristic(services, bt.ServiceUUIDFTMS, bt.CharUUIDFTMSControlPoint)
		if err != nil {
			t.logf("No control point, data only: %v", err)
			return nil
		}
		t.acquireControl(ctx, controlPoint)
		return nil
	})
}

// acquireControl subscribes to control point indications and sends Request
// Control then Start. Failure leaves the transport attached for data only.
func (t *FTMS) acquireControl(ctx context.Context, controlPoint bt.Characteristic) {
	// Responses to Request Control arrive while still attaching
	notDetached := func() bool { return t.AttachState() != Detached }
	if err := t.subscribeWhen(ctx, controlPoint, notDetached, t.handleControlPointResponse); err != nil {
		t.logf("Control point indications unavailable: %v", err)
	}

	t.ctrlMu.Lock()
	t.controlRefused = false
	t.ctrlMu.Unlock()

	t.logf("Requesting FTMS control...")
	if err := controlPoint.Write(ctx, []byte{FTMSOpCodeRequestControl}); err != nil {
		t.logf("Failed to request FTMS control, data only: %v", err)
		return
	}

	// Some trainers require Start before accepting target power commands
	if err := controlPoint.Write(ctx, []byte{FTMSOpCodeStartOrResume}); err != nil {
		t.logf("Start command failed (may not be required): %v", err)
	}

	t.ctrlMu.Lock()
	refused := t.controlRefused
	if !refused {
		t.controlPoint = controlPoint
		t.controlOK = true
	}
	t.ctrlMu.Unlock()
	if refused {
		t.logf("Trainer refused control, data only")
		return
	}
	t.logf("Trainer control acquired")
}

func (t *FTMS) Capabilities() CapabilitySet {
	caps := NewCapabilitySet(CapabilityPower, CapabilityCadence, CapabilitySpeed)

	t.ctrlMu.Lock()
	defer t.ctrlMu.Unlock()
	if t.features != nil {
		if t.features.Machine&ftmsFeaturePowerMeasurement == 0 {
			caps = caps.Without(CapabilityPower)
		}
		if t.features.Machine&ftmsFeatureCadence == 0 {
			caps = caps.Without(CapabilityCadence)
		}
	}
	// Before attach the control point is unknown; report what the features promise
	if t.AttachState() == Attached && !t.controlOK {
		return caps
	}
	if t.features == nil || t.features.SupportsTargetPower() {
		caps = caps.With(CapabilityERG)
	}
	if t.features == nil || t.features.SupportsSimulation() {
		caps = caps.With(CapabilitySimulation)
	}
	return caps
}

// ListenCapabilities reports capability changes while attached, such as the
// trainer withdrawing control.
func (t *FTMS) ListenCapabilities(callback func(CapabilitySet)) func() {
	return t.caps.Listen(callback)
}

func (t *FTMS) Power() *events.Observable[PowerMeasurement] {
	return t.power
}

func (t *FTMS) Cadence() *events.Observable[CadenceMeasurement] {
	return t.cadence
}

func (t *FTMS) Speed() *events.Observable[SpeedMeasurement] {
	return t.speed
}

// SetTargetPower sends Set Target Power (ERG mode), clamped to 25-2000 W.
func (t *FTMS) SetTargetPower(ctx context.Context, watts int) error {
	if !t.Capabilities().Has(CapabilityERG) {
		return ErrCapabilityUnsupported
	}
	if watts < MinTargetPowerWatts {
		watts = MinTargetPowerWatts
	}
	if watts > MaxTargetPowerWatts {
		watts = MaxTargetPowerWatts
	}
	power := int16(watts)

	// Set Target Power command: [0x05, power_low, power_high], SINT16 watts
	t.logf("Setting target power to %d W", power)
	return t.writeControl(ctx, []byte{FTMSOpCodeSetTargetPower, byte(power), byte(power >> 8)})
}

// SetSimulationParameters sends Set Indoor Bike Simulation Parameters.
func (t *FTMS) SetSimulationParameters(ctx context.Context, params SimulationParameters) error {
	if !t.Capabilities().Has(CapabilitySimulation) {
		return ErrCapabilityUnsupported
	}
	t.logf("Setting simulation: grade=%.2f%% wind=%.2fm/s crr=%.4f cw=%.2f",
		params.GradePercent, params.WindSpeedMPS, params.RollingResistance, params.WindResistance)
	return t.writeControl(ctx, EncodeSimulationParameters(params))
}

// EncodeSimulationParameters builds the 0x11 control point command:
// wind SINT16 0.001 m/s, grade SINT16 0.01 %, Crr UINT8 0.0001, Cw UINT8 0.01 kg/m.
func EncodeSimulationParameters(p SimulationParameters) []byte {
	wind := int16(clampRound(p.WindSpeedMPS*1000, math.MinInt16, math.MaxInt16))
	grade := int16(clampRound(p.GradePercent*100, math.MinInt16, math.MaxInt16))
	crr := uint8(clampRound(p.RollingResistance*10000, 0, math.MaxUint8))
	cw := uint8(clampRound(p.WindResistance*100, 0, math.MaxUint8))
	return []byte{
		FTMSOpCodeSetSimulationParameters,
		byte(wind), byte(wind >> 8),
		byte(grade), byte(grade >> 8),
		crr,
		cw,
	}
}

func clampRound(v float64, lo float64, hi float64) float64 {
	return math.Max(lo, math.Min(hi, math.Round(v)))
}

func (t *FTMS) writeControl(ctx context.Context, data []byte) error {
	if !t.isAttached() {
		return ErrNotAttached
	}
	t.ctrlMu.Lock()
	controlPoint := t.controlPoint
	t.ctrlMu.Unlock()
	if controlPoint == nil {
		return ErrCapabilityUnsupported
	}
	if err := controlPoint.Write(ctx, data); err != nil {
		return fmt.Errorf("write FTMS control point: %w", err)
	}
	return nil
}

func (t *FTMS) handleIndoorBikeData(buf []byte) {
	data, err := ParseIndoorBikeData(buf)
	if err != nil {
		t.logf("Dropping malformed indoor bike data %v: %v", buf, err)
		return
	}
	now := t.now()
	if data.HasInstantaneousPower {
		t.power.Set(PowerMeasurement{Watts: int(data.InstantaneousPowerWatts), Timestamp: now})
	}
	if data.HasInstantaneousCadence {
		t.cadence.Set(CadenceMeasurement{RPM: data.InstantaneousCadenceRpm, Timestamp: now})
	}
	if data.HasInstantaneousSpeed {
		t.speed.Set(SpeedMeasurement{KMH: data.InstantaneousSpeedKmh, Timestamp: now})
	}
}

// handleControlPointResponse logs the trainer's response to each command:
// [0x80, RequestOpCode, ResultCode, ...]
func (t *FTMS) handleControlPointResponse(buf []byte) {
	if len(buf) < 3 {
		t.logf("Control point response too short: %v", buf)
		return
	}
	if buf[0] != FTMSOpCodeResponseCode {
		t.logf("Control point: unexpected op code: 0x%02X", buf[0])
		return
	}
	requestOpCode, resultCode := buf[1], buf[2]
	t.logf("Control point: %s -> %s", ftmsOpCodeName(requestOpCode), ftmsResultName(resultCode))

	if resultCode == FTMSResultControlNotPermitted && requestOpCode == FTMSOpCodeRequestControl {
		t.ctrlMu.Lock()
		revoked := t.controlOK
		t.controlOK = false
		t.controlRefused = true
		t.controlPoint = nil
		t.ctrlMu.Unlock()
		t.logf("Trainer rejected control request")
		if revoked {
			t.caps.Set(t.Capabilities())
		}
	}
}

func ftmsOpCodeName(op byte) string {
	switch op {
	case FTMSOpCodeRequestControl:
		return "Request Control"
	case FTMSOpCodeReset:
		return "Reset"
	case FTMSOpCodeSetTargetResistance:
		return "Set Target Resistance"
	case FTMSOpCodeSetTargetPower:
		return "Set Target Power"
	case FTMSOpCodeStartOrResume:
		return "Start/Resume"
	case FTMSOpCodeStopOrPause:
		return "Stop/Pause"
	case FTMSOpCodeSetSimulationParameters:
		return "Set Simulation Parameters"
	default:
		return fmt.Sprintf("OpCode 0x%02X", op)
	}
}

func ftmsResultName(result byte) string {
	switch result {
	case FTMSResultSuccess:
		return "Success"
	case FTMSResultOpCodeNotSupported:
		return "Op Code Not Supported"
	case FTMSResultInvalidParameter:
		return "Invalid Parameter"
	case FTMSResultOperationFailed:
		return "Operation Failed"
	case FTMSResultControlNotPermitted:
		return "Control Not Permitted"
	default:
		return fmt.Sprintf("Result 0x%02X", result)
	}
}
