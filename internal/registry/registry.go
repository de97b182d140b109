// Package registry holds the ordered catalog of transport factories used to
// screen discovered devices.
package registry

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/lowaak/smart-trainer/fitness-ble/internal/bt"
	"github.com/lowaak/smart-trainer/fitness-ble/internal/transport"
)

// Factory builds a fresh, unattached transport for deviceID.
type Factory func(deviceID string, logger *log.Logger) transport.Transport

type Registration struct {
	Name    string
	Factory Factory
	// ServiceUUIDs are the advertised services this transport screens for.
	// Used only to build a scan filter.
	ServiceUUIDs []string
}

// Registry is an ordered list of registrations. Earlier registrations are
// screened first but every match is returned.
//
// The catalog is not locked: callers must not mutate it while detection is
// running.
type Registry struct {
	logger        *log.Logger
	registrations []Registration
}

func New(logger *log.Logger) *Registry {
	if logger == nil {
		panic("Registry: logger cannot be nil")
	}
	return &Registry{logger: logger}
}

// NewDefault registers FTMS, Cycling Power, CSC and Heart Rate, in that
// order. opts apply to every transport built.
func NewDefault(logger *log.Logger, opts ...transport.Option) *Registry {
	r := New(logger)
	r.Register(Registration{
		Name:         "FTMS",
		ServiceUUIDs: []string{bt.ServiceUUIDFTMS},
		Factory: func(deviceID string, logger *log.Logger) transport.Transport {
			return transport.NewFTMS(deviceID, logger, opts...)
		},
	})
	r.Register(Registration{
		Name:         "CyclingPower",
		ServiceUUIDs: []string{bt.ServiceUUIDCyclingPower},
		Factory: func(deviceID string, logger *log.Logger) transport.Transport {
			return transport.NewCyclingPower(deviceID, logger, opts...)
		},
	})
	r.Register(Registration{
		Name:         "CSC",
		ServiceUUIDs: []string{bt.ServiceUUIDCyclingSpeedCadence},
		Factory: func(deviceID string, logger *log.Logger) transport.Transport {
			return transport.NewCyclingSpeedCadence(deviceID, logger, opts...)
		},
	})
	r.Register(Registration{
		Name:         "HeartRate",
		ServiceUUIDs: []string{bt.ServiceUUIDHeartRate},
		Factory: func(deviceID string, logger *log.Logger) transport.Transport {
			return transport.NewHeartRate(deviceID, logger, opts...)
		},
	})
	return r
}

// Register appends reg to the catalog.
func (r *Registry) Register(reg Registration) {
	if reg.Factory == nil {
		panic("Registry: registration " + reg.Name + " has no factory")
	}
	r.registrations = append(r.registrations, reg)
}

// Unregister removes every registration named name and reports whether any
// was found.
func (r *Registry) Unregister(name string) bool {
	kept := r.registrations[:0]
	removed := false
	for _, reg := range r.registrations {
		if reg.Name == name {
			removed = true
			continue
		}
		kept = append(kept, reg)
	}
	r.registrations = kept
	return removed
}

func (r *Registry) Clear() {
	r.registrations = nil
}

func (r *Registry) Registrations() []Registration {
	return append([]Registration(nil), r.registrations...)
}

// ServiceUUIDs is the union of every registration's service UUIDs, in
// registration order.
func (r *Registry) ServiceUUIDs() []string {
	seen := make(map[string]bool)
	var out []string
	for _, reg := range r.registrations {
		for _, u := range reg.ServiceUUIDs {
			u = bt.NormalizeUUID(u)
			if !seen[u] {
				seen[u] = true
				out = append(out, u)
			}
		}
	}
	return out
}

// DetectCompatibleTransports builds one transport per registration and
// keeps those whose CanSupport accepts device. The rest are disposed
// immediately.
func (r *Registry) DetectCompatibleTransports(device bt.DiscoveredDevice, deviceID string) []transport.Transport {
	var compatible []transport.Transport
	r.screen(device, deviceID, func(reg Registration, t transport.Transport, ok bool) {
		if ok {
			compatible = append(compatible, t)
			return
		}
		r.dispose(t)
	})
	r.logger.Printf("Registry: %s has %d compatible transport(s)", deviceID, len(compatible))
	return compatible
}

// BuildAll builds one transport per registration without screening, for
// connecting to a device whose advertisement was never seen. The device
// screens them against its GATT services instead.
func (r *Registry) BuildAll(deviceID string) []transport.Transport {
	var out []transport.Transport
	for _, reg := range r.registrations {
		if t := r.build(reg, deviceID); t != nil {
			out = append(out, t)
		}
	}
	return out
}

// DeviceSummary describes which registrations accept device, for
// diagnostics.
func (r *Registry) DeviceSummary(device bt.DiscoveredDevice, deviceID string) string {
	var compatible, incompatible []string
	r.screen(device, deviceID, func(reg Registration, t transport.Transport, ok bool) {
		if ok {
			compatible = append(compatible, reg.Name)
		} else {
			incompatible = append(incompatible, reg.Name)
		}
		r.dispose(t)
	})
	return fmt.Sprintf("%s (%s): compatible [%s], incompatible [%s]",
		device.DisplayName(), deviceID, strings.Join(compatible, ", "), strings.Join(incompatible, ", "))
}

// CompatibleNames lists the names of the registrations that accept device.
func (r *Registry) CompatibleNames(device bt.DiscoveredDevice, deviceID string) []string {
	var names []string
	r.screen(device, deviceID, func(reg Registration, t transport.Transport, ok bool) {
		if ok {
			names = append(names, reg.Name)
		}
		r.dispose(t)
	})
	return names
}

// screen builds each registration's transport and passes it to visit with
// the CanSupport verdict. Registrations whose factory panics or returns nil
// are skipped.
func (r *Registry) screen(device bt.DiscoveredDevice, deviceID string, visit func(reg Registration, t transport.Transport, ok bool)) {
	for _, reg := range r.registrations {
		t := r.build(reg, deviceID)
		if t == nil {
			continue
		}
		visit(reg, t, r.canSupport(reg, t, device))
	}
}

func (r *Registry) build(reg Registration, deviceID string) (t transport.Transport) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Printf("Registry: %s factory panicked for %s: %v", reg.Name, deviceID, p)
			t = nil
		}
	}()
	return reg.Factory(deviceID, r.logger)
}

// canSupport contains a panicking implementation to its own registration.
func (r *Registry) canSupport(reg Registration, t transport.Transport, device bt.DiscoveredDevice) (ok bool) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Printf("Registry: %s CanSupport panicked for %s: %v", reg.Name, device.ID, p)
			ok = false
		}
	}()
	return t.CanSupport(device)
}

func (r *Registry) dispose(t transport.Transport) {
	if err := t.Dispose(context.Background()); err != nil {
		r.logger.Printf("Registry: Error disposing %s: %v", t.Name(), err)
	}
}
