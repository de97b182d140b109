package bttest

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/lowaak/smart-trainer/fitness-ble/internal/bt"
	"github.com/lowaak/smart-trainer/fitness-ble/internal/go_func_utils"
)

// Simulated device addresses
const (
	SimHeartRateID    = "00:11:22:33:44:01"
	SimSmartTrainerID = "00:11:22:33:44:02"
	SimCadenceID      = "00:11:22:33:44:03"
)

// Simulator drives a FakePlatform with a heart rate strap, an FTMS smart
// trainer that also exposes Cycling Power, and a CSC cadence sensor.
// Devices advertise every second while the radio scans and notify every
// second while connected.
type Simulator struct {
	logger   *log.Logger
	platform *FakePlatform
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	mu                  sync.Mutex
	heartRate           uint8
	power               int16
	cadence             uint16 // 0.5 rpm resolution, as in Indoor Bike Data
	speed               uint16 // 0.01 km/h resolution
	cscCrankRevolutions uint16
	cscCrankEventTime   uint16
	cscLastUpdate       time.Time
	cscCrankRemainder   float64
	scanRunning         bool
}

func NewSimulator(logger *log.Logger) *Simulator {
	if logger == nil {
		panic("Simulator: logger cannot be nil")
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Simulator{
		logger:    logger,
		platform:  NewFakePlatform(),
		ctx:       ctx,
		cancel:    cancel,
		heartRate: 70,
		power:     100,
		cadence:   160,
		speed:     2500, // 25.00 km/h
	}

	hr := NewPeripheral(SimHeartRateID, "Sim HR Strap", bt.ServiceUUIDHeartRate)
	hr.AddService(bt.ServiceUUIDHeartRate).AddCharacteristic(bt.CharUUIDHeartRateMeasurement)
	s.platform.AddPeripheral(hr)

	trainer := NewPeripheral(SimSmartTrainerID, "Sim Smart Trainer", bt.ServiceUUIDFTMS, bt.ServiceUUIDCyclingPower)
	ftms := trainer.AddService(bt.ServiceUUIDFTMS)
	ftms.AddCharacteristic(bt.CharUUIDIndoorBikeData)
	// Mock FTMS features: cadence, power measurement; target power and sim params settable
	ftms.AddCharacteristic(bt.CharUUIDFTMSFeature).
		WithReadValue([]byte{0x02, 0x40, 0x00, 0x00, 0x08, 0x20, 0x00, 0x00})
	// Mock power range: min 25W, max 2000W, step 1W
	ftms.AddCharacteristic(bt.CharUUIDSupportedPowerRange).
		WithReadValue([]byte{0x19, 0x00, 0xD0, 0x07, 0x01, 0x00})
	controlPoint := ftms.AddCharacteristic(bt.CharUUIDFTMSControlPoint)
	controlPoint.OnWrite(func(data []byte) { s.handleFTMSControl(controlPoint, data) })
	trainer.AddService(bt.ServiceUUIDCyclingPower).AddCharacteristic(bt.CharUUIDCyclingPowerMeasurement)
	s.platform.AddPeripheral(trainer)

	cadence := NewPeripheral(SimCadenceID, "Sim Cadence Sensor", bt.ServiceUUIDCyclingSpeedCadence)
	cadence.AddService(bt.ServiceUUIDCyclingSpeedCadence).AddCharacteristic(bt.CharUUIDCSCMeasurement)
	s.platform.AddPeripheral(cadence)

	s.platform.OnStartScan = s.startAdvertising
	return s
}

// Platform returns the bt.Platform the simulated devices live on.
func (s *Simulator) Platform() *FakePlatform {
	return s.platform
}

// Start begins the notification loop.
func (s *Simulator) Start() {
	s.logger.Println("Simulator: Starting (devices will appear when scanning)")
	s.wg.Add(1)
	go_func_utils.SafeGo(s.logger, func() {
		defer s.wg.Done()
		ticker := time.NewTicker(1 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-s.ctx.Done():
				s.logger.Println("Simulator: Stopped sending notifications")
				return
			case <-ticker.C:
				s.NotifyAll()
			}
		}
	})
}

// Shutdown stops all simulator goroutines
func (s *Simulator) Shutdown() {
	s.logger.Println("Simulator: Shutting down")
	s.cancel()
	s.wg.Wait()
	s.logger.Println("Simulator: Shutdown complete")
}

func (s *Simulator) startAdvertising() {
	s.mu.Lock()
	if s.scanRunning {
		s.mu.Unlock()
		return
	}
	s.scanRunning = true
	s.mu.Unlock()

	s.wg.Add(1)
	go_func_utils.SafeGo(s.logger, func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			s.scanRunning = false
			s.mu.Unlock()
		}()

		ticker := time.NewTicker(1 * time.Second)
		defer ticker.Stop()

		s.advertiseAll()
		for {
			select {
			case <-s.ctx.Done():
				return
			case <-ticker.C:
				if !s.platform.IsRadioScanning() {
					return
				}
				s.advertiseAll()
			}
		}
	})
}

func (s *Simulator) advertiseAll() {
	now := time.Now()
	for _, id := range []string{SimHeartRateID, SimSmartTrainerID, SimCadenceID} {
		s.platform.Advertise(id, -50, now)
	}
}

// TrainerPower is the power the simulated trainer currently reports.
func (s *Simulator) TrainerPower() int16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.power
}

// setPower follows an ERG target the way a real trainer would.
func (s *Simulator) setPower(watts int16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.power = watts
}

func (s *Simulator) handleFTMSControl(controlPoint *FakeCharacteristic, data []byte) {
	if len(data) == 0 {
		return
	}
	result := byte(0x01) // success
	switch data[0] {
	case 0x05:
		if len(data) >= 3 {
			power := int16(data[1]) | int16(data[2])<<8
			s.logger.Printf("Simulator: Set Target Power: %dW", power)
			s.setPower(power)
		} else {
			result = 0x03 // invalid parameter
		}
	case 0x00, 0x01, 0x07, 0x08, 0x11:
	default:
		result = 0x02 // op code not supported
	}
	// Response: [0x80, RequestOpCode, ResultCode]
	controlPoint.Notify([]byte{0x80, data[0], result})
}

// NotifyAll sends one round of measurements from every connected device.
func (s *Simulator) NotifyAll() {
	s.mu.Lock()
	hr := s.heartRate
	power := s.power
	cadence := s.cadence
	speed := s.speed

	now := time.Now()
	lastUpdate := s.cscLastUpdate
	if lastUpdate.IsZero() {
		lastUpdate = now
	}
	elapsedSeconds := now.Sub(lastUpdate).Seconds()
	if cadence > 0 && elapsedSeconds > 0 {
		rpm := float64(cadence) / 2.0
		revsTotal := rpm/60.0*elapsedSeconds + s.cscCrankRemainder
		revsInt := uint16(revsTotal)
		s.cscCrankRemainder = revsTotal - float64(revsInt)
		s.cscCrankRevolutions += revsInt
		s.cscCrankEventTime += uint16(elapsedSeconds * 1024.0)
	}
	s.cscLastUpdate = now
	crankRevolutions := s.cscCrankRevolutions
	crankEventTime := s.cscCrankEventTime
	s.mu.Unlock()

	if p := s.platform.Peripheral(SimHeartRateID); p.IsConnected() {
		// HR format: [flags, hr_value]
		p.Characteristic(bt.CharUUIDHeartRateMeasurement).Notify([]byte{0x00, hr})
	}
	if p := s.platform.Peripheral(SimCadenceID); p.IsConnected() {
		// CSC format: [flags, crank_rev_lo, crank_rev_hi, crank_time_lo, crank_time_hi]
		p.Characteristic(bt.CharUUIDCSCMeasurement).Notify([]byte{
			0x02,
			byte(crankRevolutions), byte(crankRevolutions >> 8),
			byte(crankEventTime), byte(crankEventTime >> 8),
		})
	}
	if p := s.platform.Peripheral(SimSmartTrainerID); p.IsConnected() {
		// Cycling Power format: [flags_lo, flags_hi, power_lo, power_hi]
		p.Characteristic(bt.CharUUIDCyclingPowerMeasurement).Notify([]byte{
			0x00, 0x00, byte(power), byte(power >> 8),
		})
		// Indoor Bike Data: speed present (bit 0 clear), cadence (bit 2), power (bit 6)
		p.Characteristic(bt.CharUUIDIndoorBikeData).Notify([]byte{
			0x44, 0x00,
			byte(speed), byte(speed >> 8),
			byte(cadence), byte(cadence >> 8),
			byte(power), byte(power >> 8),
		})
	}
}
