// Package bt is the boundary between the fitness-device core and the OS
// Bluetooth stack: the Platform contract the scanner and composite devices
// consume, the permission gate, and the tinygo-bluetooth implementation.
package bt

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotConnected       = errors.New("device not connected")
	ErrAdapterUnavailable = errors.New("bluetooth adapter unavailable")
	ErrUnknownDevice      = errors.New("unknown device")
)

type AdapterState int

// Define the constants related to the type
const (
	AdapterUnknown AdapterState = iota
	AdapterOff
	AdapterOn
	AdapterTurningOn
	AdapterTurningOff
	AdapterUnavailable
	AdapterUnauthorized
)

func (s AdapterState) String() string {
	switch s {
	case AdapterOff:
		return "Off"
	case AdapterOn:
		return "On"
	case AdapterTurningOn:
		return "TurningOn"
	case AdapterTurningOff:
		return "TurningOff"
	case AdapterUnavailable:
		return "Unavailable"
	case AdapterUnauthorized:
		return "Unauthorized"
	default:
		return "Unknown"
	}
}

// ScanResult is one advertisement as reported by the platform.
type ScanResult struct {
	DeviceID         string
	Name             string
	ServiceUUIDs     []string
	ManufacturerData map[uint16][]byte
	RSSI             int16
	Timestamp        time.Time
}

// HasServiceUUID reports whether the advertisement lists uuid.
func (r ScanResult) HasServiceUUID(uuid string) bool {
	uuid = NormalizeUUID(uuid)
	for _, u := range r.ServiceUUIDs {
		if NormalizeUUID(u) == uuid {
			return true
		}
	}
	return false
}

// ConnectionEvent reports a link coming up or going down.
type ConnectionEvent struct {
	DeviceID  string
	Connected bool
}

// Characteristic is a discovered GATT characteristic on a connected device.
type Characteristic interface {
	UUID() string
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	WriteWithoutResponse(ctx context.Context, data []byte) error
	// EnableNotifications subscribes to notifications (or indications).
	// callback runs on the platform's delivery goroutine.
	EnableNotifications(ctx context.Context, callback func(buf []byte)) error
	DisableNotifications(ctx context.Context) error
}

// Service is a discovered GATT service with its characteristics.
type Service interface {
	UUID() string
	Characteristics() []Characteristic
}

// Link identifies an open radio connection handed to transports.
type Link struct {
	DeviceID string
	MTU      int
}

// Platform is the thin interface over the OS BLE stack.
// Scan results and state changes are delivered in order to a single consumer.
type Platform interface {
	AdapterState() AdapterState
	ListenAdapterState(callback func(AdapterState)) func()
	ListenScanResults(callback func(ScanResult)) func()
	ListenConnectionEvents(callback func(ConnectionEvent)) func()
	// ListenScanEnded reports a scan that stopped without StopScan, with the
	// stack's error if it gave one.
	ListenScanEnded(callback func(error)) func()

	StartScan(ctx context.Context) error
	StopScan(ctx context.Context) error

	Connect(ctx context.Context, deviceID string, timeout time.Duration) error
	Disconnect(ctx context.Context, deviceID string) error
	DiscoverServices(ctx context.Context, deviceID string) ([]Service, error)
	// RequestMTU is best effort; callers treat failure as non-fatal.
	RequestMTU(ctx context.Context, deviceID string) (int, error)
}

// FindService returns the service with uuid, or nil.
func FindService(services []Service, uuid string) Service {
	uuid = NormalizeUUID(uuid)
	for _, svc := range services {
		if NormalizeUUID(svc.UUID()) == uuid {
			return svc
		}
	}
	return nil
}

// FindCharacteristic returns the characteristic with uuid within svc, or nil.
func FindCharacteristic(svc Service, uuid string) Characteristic {
	if svc == nil {
		return nil
	}
	uuid = NormalizeUUID(uuid)
	for _, c := range svc.Characteristics() {
		if NormalizeUUID(c.UUID()) == uuid {
			return c
		}
	}
	return nil
}
