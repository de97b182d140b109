package scanner

import "github.com/lowaak/smart-trainer/fitness-ble/internal/bt"

// BluetoothState is everything that decides whether a radio scan may run.
type BluetoothState struct {
	Adapter                     bt.AdapterState
	PermissionGranted           bool
	PermissionPermanentlyDenied bool
	LocationServiceEnabled      bool
}

// CanScan reports whether the adapter is on and the OS allows scanning.
func (s BluetoothState) CanScan() bool {
	return s.Adapter == bt.AdapterOn && s.PermissionGranted && s.LocationServiceEnabled
}

// AppLifecycleState is the foreground/background state of the host app.
type AppLifecycleState int

const (
	AppForeground AppLifecycleState = iota
	AppBackground
)

func (s AppLifecycleState) String() string {
	if s == AppBackground {
		return "Background"
	}
	return "Foreground"
}

// ScanToken is handed out by StartScan and handed back to StopScan.
// The radio scan runs while any token is outstanding.
type ScanToken struct {
	id uint64
}
