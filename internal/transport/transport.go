// Package transport defines the per-protocol handlers a composite device is
// built from. Each Transport owns one GATT service on a connected link,
// decodes its notifications into typed measurements and exposes whatever
// capabilities (data sources, trainer control) that service offers.
package transport

import (
	"context"
	"errors"
	"strings"

	"github.com/lowaak/smart-trainer/fitness-ble/internal/bt"
)

var (
	ErrCapabilityUnsupported  = errors.New("capability not currently supported")
	ErrNotAttached            = errors.New("transport not attached")
	ErrAttachInProgress       = errors.New("attach already in progress")
	ErrDisposed               = errors.New("transport disposed")
	ErrServiceNotFound        = errors.New("service not found")
	ErrCharacteristicNotFound = errors.New("characteristic not found")
)

// Stable transport ids. Persisted device-role records refer to these, so
// they must never change.
const (
	IDHeartRate           = "heart-rate"
	IDCyclingPower        = "cycling-power"
	IDCyclingSpeedCadence = "cycling-speed-cadence"
	IDFTMS                = "ftms"
)

type AttachState int

const (
	Detached AttachState = iota
	Attaching
	Attached
)

func (s AttachState) String() string {
	switch s {
	case Attaching:
		return "Attaching"
	case Attached:
		return "Attached"
	default:
		return "Detached"
	}
}

// Transport is one protocol handler bound to a single device id.
//
// CanSupport must be cheap and free of I/O: it runs for every registered
// transport on every discovered device. VerifyCompatibility and Attach run
// against an open link and must not be called concurrently for the same
// link. Detach never touches the radio link itself.
type Transport interface {
	ID() string
	Name() string
	CanSupport(device bt.DiscoveredDevice) bool
	VerifyCompatibility(ctx context.Context, link bt.Link, services []bt.Service) (bool, error)
	Attach(ctx context.Context, link bt.Link, services []bt.Service) error
	Detach(ctx context.Context) error
	Dispose(ctx context.Context) error

	AttachState() AttachState
	ListenAttachState(callback func(AttachState)) func()
	// LastAttachError is the error of the most recent failed attach, kept
	// until the next attach attempt.
	LastAttachError() error
	// Capabilities is what this transport provides once attached.
	Capabilities() CapabilitySet
}

type Capability uint8

const (
	CapabilityPower Capability = 1 << iota
	CapabilityCadence
	CapabilitySpeed
	CapabilityHeartRate
	CapabilityERG
	CapabilitySimulation
)

// AllCapabilities in routing order.
var AllCapabilities = []Capability{
	CapabilityPower,
	CapabilityCadence,
	CapabilitySpeed,
	CapabilityHeartRate,
	CapabilityERG,
	CapabilitySimulation,
}

func (c Capability) String() string {
	switch c {
	case CapabilityPower:
		return "power"
	case CapabilityCadence:
		return "cadence"
	case CapabilitySpeed:
		return "speed"
	case CapabilityHeartRate:
		return "heart-rate"
	case CapabilityERG:
		return "erg"
	case CapabilitySimulation:
		return "simulation"
	default:
		return "unknown"
	}
}

// CapabilitySet is a bit set of capabilities.
type CapabilitySet uint8

func NewCapabilitySet(caps ...Capability) CapabilitySet {
	var set CapabilitySet
	for _, c := range caps {
		set = set.With(c)
	}
	return set
}

func (s CapabilitySet) Has(c Capability) bool {
	return uint8(s)&uint8(c) != 0
}

func (s CapabilitySet) With(c Capability) CapabilitySet {
	return CapabilitySet(uint8(s) | uint8(c))
}

func (s CapabilitySet) Without(c Capability) CapabilitySet {
	return CapabilitySet(uint8(s) &^ uint8(c))
}

func (s CapabilitySet) List() []Capability {
	var out []Capability
	for _, c := range AllCapabilities {
		if s.Has(c) {
			out = append(out, c)
		}
	}
	return out
}

func (s CapabilitySet) String() string {
	names := make([]string, 0, len(AllCapabilities))
	for _, c := range s.List() {
		names = append(names, c.String())
	}
	return "[" + strings.Join(names, ",") + "]"
}
