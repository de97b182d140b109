package transport

import (
	"context"

	"github.com/lowaak/smart-trainer/fitness-ble/internal/events"
)

// Data-source capabilities. The observable only changes while the transport
// is attached.

type PowerSource interface {
	Power() *events.Observable[PowerMeasurement]
}

type CadenceSource interface {
	Cadence() *events.Observable[CadenceMeasurement]
}

type SpeedSource interface {
	Speed() *events.Observable[SpeedMeasurement]
}

type HeartRateSource interface {
	HeartRate() *events.Observable[HeartRateMeasurement]
}

// Control capabilities. Only valid while attached.

type ErgController interface {
	SetTargetPower(ctx context.Context, watts int) error
}

type SimulationController interface {
	SetSimulationParameters(ctx context.Context, params SimulationParameters) error
}

// CapabilityNotifier is implemented by transports whose capabilities can
// change while attached, such as a trainer revoking control.
type CapabilityNotifier interface {
	ListenCapabilities(callback func(CapabilitySet)) func()
}
