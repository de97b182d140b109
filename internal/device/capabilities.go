package device

import (
	"context"

	"github.com/lowaak/smart-trainer/fitness-ble/internal/transport"
)

// routeCapabilities maps each capability to the first attached transport,
// in transport-list order, that provides it.
func routeCapabilities(active []transport.Transport) map[transport.Capability]transport.Transport {
	routes := make(map[transport.Capability]transport.Transport)
	for _, t := range active {
		if t.AttachState() != transport.Attached {
			continue
		}
		caps := t.Capabilities()
		for _, c := range transport.AllCapabilities {
			if _, taken := routes[c]; taken || !caps.Has(c) || !implements(t, c) {
				continue
			}
			routes[c] = t
		}
	}
	return routes
}

func implements(t transport.Transport, c transport.Capability) bool {
	var ok bool
	switch c {
	case transport.CapabilityPower:
		_, ok = t.(transport.PowerSource)
	case transport.CapabilityCadence:
		_, ok = t.(transport.CadenceSource)
	case transport.CapabilitySpeed:
		_, ok = t.(transport.SpeedSource)
	case transport.CapabilityHeartRate:
		_, ok = t.(transport.HeartRateSource)
	case transport.CapabilityERG:
		_, ok = t.(transport.ErgController)
	case transport.CapabilitySimulation:
		_, ok = t.(transport.SimulationController)
	}
	return ok
}

func (d *CompositeDevice) route(c transport.Capability) transport.Transport {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.capabilities[c]
}

// Capabilities is the union of what the attached transports provide.
func (d *CompositeDevice) Capabilities() transport.CapabilitySet {
	d.mu.Lock()
	defer d.mu.Unlock()
	return capabilitySet(d.capabilities)
}

// ListenCapabilities reports changes to Capabilities, including a transport
// losing a capability while the device stays connected.
func (d *CompositeDevice) ListenCapabilities(callback func(transport.CapabilitySet)) func() {
	return d.caps.Listen(callback)
}

func capabilitySet(routes map[transport.Capability]transport.Transport) transport.CapabilitySet {
	var set transport.CapabilitySet
	for c := range routes {
		set = set.With(c)
	}
	return set
}

// CapabilityProvider names the transport serving c, or "" when none does.
func (d *CompositeDevice) CapabilityProvider(c transport.Capability) string {
	if t := d.route(c); t != nil {
		return t.ID()
	}
	return ""
}

func (d *CompositeDevice) PowerSource() (transport.PowerSource, bool) {
	s, ok := d.route(transport.CapabilityPower).(transport.PowerSource)
	return s, ok
}

func (d *CompositeDevice) CadenceSource() (transport.CadenceSource, bool) {
	s, ok := d.route(transport.CapabilityCadence).(transport.CadenceSource)
	return s, ok
}

func (d *CompositeDevice) SpeedSource() (transport.SpeedSource, bool) {
	s, ok := d.route(transport.CapabilitySpeed).(transport.SpeedSource)
	return s, ok
}

func (d *CompositeDevice) HeartRateSource() (transport.HeartRateSource, bool) {
	s, ok := d.route(transport.CapabilityHeartRate).(transport.HeartRateSource)
	return s, ok
}

func (d *CompositeDevice) SupportsErgMode() bool {
	return d.route(transport.CapabilityERG) != nil
}

func (d *CompositeDevice) SupportsSimulationMode() bool {
	return d.route(transport.CapabilitySimulation) != nil
}

// SetTargetPower routes to the first attached ERG controller, or fails
// with transport.ErrCapabilityUnsupported.
func (d *CompositeDevice) SetTargetPower(ctx context.Context, watts int) error {
	ctrl, ok := d.route(transport.CapabilityERG).(transport.ErgController)
	if !ok {
		return transport.ErrCapabilityUnsupported
	}
	return ctrl.SetTargetPower(ctx, watts)
}

// SetSimulationParameters routes to the first attached simulation
// controller, or fails with transport.ErrCapabilityUnsupported.
func (d *CompositeDevice) SetSimulationParameters(ctx context.Context, params transport.SimulationParameters) error {
	ctrl, ok := d.route(transport.CapabilitySimulation).(transport.SimulationController)
	if !ok {
		return transport.ErrCapabilityUnsupported
	}
	return ctrl.SetSimulationParameters(ctx, params)
}
