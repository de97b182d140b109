package bt

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestUUID16(t *testing.T) {
	assert.Equal(t, "0000180d-0000-1000-8000-00805f9b34fb", UUID16(0x180d))
}

func TestNormalizeUUID(t *testing.T) {
	full := "0000180d-0000-1000-8000-00805f9b34fb"
	assert.Equal(t, full, NormalizeUUID("180d"))
	assert.Equal(t, full, NormalizeUUID("0x180D"))
	assert.Equal(t, full, NormalizeUUID("0000180D"))
	assert.Equal(t, full, NormalizeUUID("0000180D-0000-1000-8000-00805F9B34FB"))
	assert.Equal(t, "6e400001-b5a3-f393-e0a9-e50e24dcca9e", NormalizeUUID("6E400001-B5A3-F393-E0A9-E50E24DCCA9E"))
}

func TestScanResult_HasServiceUUID(t *testing.T) {
	r := ScanResult{ServiceUUIDs: []string{"180D", UUID16(0x1826)}}
	assert.True(t, r.HasServiceUUID(UUID16(0x180d)))
	assert.True(t, r.HasServiceUUID("1826"))
	assert.False(t, r.HasServiceUUID("1818"))
}
