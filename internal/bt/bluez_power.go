package bt

import (
	"context"
	"fmt"
	"log"

	"github.com/godbus/dbus/v5"

	"github.com/lowaak/smart-trainer/fitness-ble/internal/go_func_utils"
)

const (
	bluezService         = "org.bluez"
	bluezAdapterIface    = "org.bluez.Adapter1"
	propertiesChangedSig = "org.freedesktop.DBus.Properties.PropertiesChanged"
)

// Verify BluezPowerMonitor implements PowerMonitor
var _ PowerMonitor = (*BluezPowerMonitor)(nil)

// BluezPowerMonitor follows org.bluez.Adapter1 Powered/PowerState on the
// system bus.
type BluezPowerMonitor struct {
	logger      *log.Logger
	adapterPath dbus.ObjectPath
}

func NewBluezPowerMonitor(logger *log.Logger, adapterName string) *BluezPowerMonitor {
	if logger == nil {
		panic("BluezPowerMonitor: logger cannot be nil")
	}
	if adapterName == "" {
		adapterName = "hci0"
	}
	return &BluezPowerMonitor{
		logger:      logger,
		adapterPath: dbus.ObjectPath("/org/bluez/" + adapterName),
	}
}

// Watch reports the current state, then every change until ctx is done.
func (m *BluezPowerMonitor) Watch(ctx context.Context, callback func(AdapterState)) error {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return fmt.Errorf("failed to connect to system D-Bus: %w", err)
	}

	obj := conn.Object(bluezService, m.adapterPath)
	powered, err := obj.GetProperty(bluezAdapterIface + ".Powered")
	if err != nil {
		conn.Close()
		return fmt.Errorf("read %s Powered: %w", m.adapterPath, err)
	}
	if on, ok := powered.Value().(bool); ok {
		callback(poweredState(on))
	}

	matchOpts := []dbus.MatchOption{
		dbus.WithMatchObjectPath(m.adapterPath),
		dbus.WithMatchInterface("org.freedesktop.DBus.Properties"),
		dbus.WithMatchMember("PropertiesChanged"),
	}
	if err := conn.AddMatchSignal(matchOpts...); err != nil {
		conn.Close()
		return fmt.Errorf("failed to add match rule: %w", err)
	}

	sigChan := make(chan *dbus.Signal, 16)
	conn.Signal(sigChan)

	go_func_utils.SafeGo(m.logger, func() {
		defer conn.Close()
		defer conn.RemoveSignal(sigChan)
		defer m.logger.Println("BluezPowerMonitor: exiting signal loop")

		for {
			select {
			case <-ctx.Done():
				return
			case sig, ok := <-sigChan:
				if !ok {
					return
				}
				if sig == nil || sig.Name != propertiesChangedSig || sig.Path != m.adapterPath {
					continue
				}
				if state, ok := adapterStateFromSignal(sig.Body); ok {
					callback(state)
				}
			}
		}
	})
	return nil
}

// adapterStateFromSignal decodes a PropertiesChanged body:
// interface_name, changed_properties, invalidated_properties.
func adapterStateFromSignal(body []interface{}) (AdapterState, bool) {
	if len(body) < 2 {
		return AdapterUnknown, false
	}
	if iface, ok := body[0].(string); !ok || iface != bluezAdapterIface {
		return AdapterUnknown, false
	}
	changed, ok := body[1].(map[string]dbus.Variant)
	if !ok {
		return AdapterUnknown, false
	}
	// PowerState carries the transitional states, so it wins over Powered
	if v, exists := changed["PowerState"]; exists {
		if s, ok := v.Value().(string); ok {
			return powerStateFromString(s)
		}
	}
	if v, exists := changed["Powered"]; exists {
		if on, ok := v.Value().(bool); ok {
			return poweredState(on), true
		}
	}
	return AdapterUnknown, false
}

func poweredState(on bool) AdapterState {
	if on {
		return AdapterOn
	}
	return AdapterOff
}

func powerStateFromString(s string) (AdapterState, bool) {
	switch s {
	case "on":
		return AdapterOn, true
	case "off":
		return AdapterOff, true
	case "off-enabling":
		return AdapterTurningOn, true
	case "on-disabling":
		return AdapterTurningOff, true
	case "off-blocked":
		return AdapterUnavailable, true
	default:
		return AdapterUnknown, false
	}
}
