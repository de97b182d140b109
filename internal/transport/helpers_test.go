package transport

import (
	"context"
	"io"
	"log"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lowaak/smart-trainer/fitness-ble/internal/bt"
	"github.com/lowaak/smart-trainer/fitness-ble/internal/bt/bttest"
)

func testLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

// connectFake connects p through a fake platform and returns its link and
// discovered services.
func connectFake(t *testing.T, p *bttest.FakePeripheral) (bt.Link, []bt.Service) {
	t.Helper()
	platform := bttest.NewFakePlatform()
	platform.AddPeripheral(p)

	ctx := context.Background()
	require.NoError(t, platform.Connect(ctx, p.ID, time.Second))
	services, err := platform.DiscoverServices(ctx, p.ID)
	require.NoError(t, err)
	return bt.Link{DeviceID: p.ID, MTU: 23}, services
}

func heartRateStrap() *bttest.FakePeripheral {
	p := bttest.NewPeripheral("hr", "HRM", bt.ServiceUUIDHeartRate)
	p.AddService(bt.ServiceUUIDHeartRate).AddCharacteristic(bt.CharUUIDHeartRateMeasurement)
	return p
}

func powerMeter() *bttest.FakePeripheral {
	p := bttest.NewPeripheral("cp", "Power", bt.ServiceUUIDCyclingPower)
	p.AddService(bt.ServiceUUIDCyclingPower).AddCharacteristic(bt.CharUUIDCyclingPowerMeasurement)
	return p
}

func cadenceSensor() *bttest.FakePeripheral {
	p := bttest.NewPeripheral("csc", "Cadence", bt.ServiceUUIDCyclingSpeedCadence)
	p.AddService(bt.ServiceUUIDCyclingSpeedCadence).AddCharacteristic(bt.CharUUIDCSCMeasurement)
	return p
}

// smartTrainer builds an FTMS indoor bike. features may be nil to omit the
// feature characteristic.
func smartTrainer(features []byte) *bttest.FakePeripheral {
	p := bttest.NewPeripheral("trainer", "Trainer", bt.ServiceUUIDFTMS)
	svc := p.AddService(bt.ServiceUUIDFTMS)
	svc.AddCharacteristic(bt.CharUUIDIndoorBikeData)
	svc.AddCharacteristic(bt.CharUUIDFTMSControlPoint)
	if features != nil {
		svc.AddCharacteristic(bt.CharUUIDFTMSFeature).WithReadValue(features)
	}
	return p
}

// Cadence + power measurement; target power + simulation
var fullFeatures = []byte{0x02, 0x40, 0x00, 0x00, 0x08, 0x20, 0x00, 0x00}
