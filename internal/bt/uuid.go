package bt

import (
	"fmt"
	"strings"
)

const baseUUIDSuffix = "-0000-1000-8000-00805f9b34fb"

// UUID16 expands a 16-bit SIG assigned number into its 128-bit string form.
func UUID16(short uint16) string {
	return fmt.Sprintf("0000%04x%s", short, baseUUIDSuffix)
}

// NormalizeUUID lowercases uuid and expands 16-bit ("180d", "0x180D") and
// 32-bit forms to the 128-bit base UUID so comparisons are form-independent.
func NormalizeUUID(uuid string) string {
	u := strings.ToLower(strings.TrimSpace(uuid))
	u = strings.TrimPrefix(u, "0x")
	switch len(u) {
	case 4:
		return "0000" + u + baseUUIDSuffix
	case 8:
		return u + baseUUIDSuffix
	default:
		return u
	}
}
