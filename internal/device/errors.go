package device

import (
	"errors"
	"fmt"
)

// Connect failure kinds. A failed Connect returns a *ConnectError whose
// Kind is one of these.
var (
	ErrConnectFailed          = errors.New("radio connection failed")
	ErrConnectTimeout         = errors.New("radio connection timed out")
	ErrNoCompatibleTransports = errors.New("no compatible transports")
	ErrAllAttachFailed        = errors.New("all transports failed to attach")
	ErrConnectCancelled       = errors.New("connect cancelled")
	ErrConnectInProgress      = errors.New("connect already in progress")
	ErrDisposed               = errors.New("device disposed")
	ErrLinkLost               = errors.New("radio link lost")
)

// ConnectError is a top-level connect failure for one device.
type ConnectError struct {
	DeviceID string
	Kind     error
	// Err is the underlying cause, if any.
	Err error
}

func (e *ConnectError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("device %s: %v", e.DeviceID, e.Kind)
	}
	return fmt.Sprintf("device %s: %v: %v", e.DeviceID, e.Kind, e.Err)
}

func (e *ConnectError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}
