package bt

// PermissionGate checks and requests the OS permissions BLE scanning needs.
type PermissionGate interface {
	Check() bool
	Request() bool
	IsPermanentlyDenied() bool
	IsLocationServiceEnabled() bool
	OpenSettings() error
}

// ImplicitPermissionGate is the gate for platforms where BLE access is not
// permission-controlled (desktop Linux/macOS/Windows).
type ImplicitPermissionGate struct{}

var _ PermissionGate = ImplicitPermissionGate{}

func (ImplicitPermissionGate) Check() bool                    { return true }
func (ImplicitPermissionGate) Request() bool                  { return true }
func (ImplicitPermissionGate) IsPermanentlyDenied() bool      { return false }
func (ImplicitPermissionGate) IsLocationServiceEnabled() bool { return true }
func (ImplicitPermissionGate) OpenSettings() error            { return nil }
