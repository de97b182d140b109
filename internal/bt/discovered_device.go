package bt

import "time"

// DiscoveredDevice is the scanner's record of an advertising peripheral.
type DiscoveredDevice struct {
	ID              string
	Name            string
	ServiceUUIDs    []string
	Advertisement   ScanResult
	FirstSeen       time.Time
	LastSeen        time.Time
	HasRecentSignal bool
}

// DisplayName returns the advertised name or "Unknown".
func (d DiscoveredDevice) DisplayName() string {
	if d.Name == "" {
		return "Unknown"
	}
	return d.Name
}

// HasServiceUUID reports whether the device advertised uuid.
func (d DiscoveredDevice) HasServiceUUID(uuid string) bool {
	uuid = NormalizeUUID(uuid)
	for _, u := range d.ServiceUUIDs {
		if NormalizeUUID(u) == uuid {
			return true
		}
	}
	return false
}

// SynthesizeDiscoveredDevice builds a DiscoveredDevice from a connected
// device's GATT services, for compatibility screening when no advertisement
// was captured (e.g. reconnecting to a saved device id without scanning).
func SynthesizeDiscoveredDevice(deviceID string, name string, services []Service, now time.Time) DiscoveredDevice {
	uuids := make([]string, 0, len(services))
	for _, svc := range services {
		uuids = append(uuids, NormalizeUUID(svc.UUID()))
	}
	adv := ScanResult{
		DeviceID:     deviceID,
		Name:         name,
		ServiceUUIDs: uuids,
		Timestamp:    now,
	}
	return DiscoveredDevice{
		ID:              deviceID,
		Name:            name,
		ServiceUUIDs:    uuids,
		Advertisement:   adv,
		FirstSeen:       now,
		LastSeen:        now,
		HasRecentSignal: true,
	}
}
