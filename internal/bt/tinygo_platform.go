package bt

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/lowaak/smart-trainer/fitness-ble/internal/events"
	"github.com/lowaak/smart-trainer/fitness-ble/internal/go_func_utils"
	"github.com/lowaak/smart-trainer/fitness-ble/internal/safe_map"

	"tinygo.org/x/bluetooth"
)

// PowerMonitor pushes adapter power state changes. tinygo-bluetooth has no
// power-state stream of its own, so one is plugged in per OS.
type PowerMonitor interface {
	Watch(ctx context.Context, callback func(AdapterState)) error
}

// Verify TinygoPlatform implements Platform
var _ Platform = (*TinygoPlatform)(nil)

// TinygoPlatform implements Platform on top of tinygo.org/x/bluetooth.
type TinygoPlatform struct {
	adapter          *bluetooth.Adapter
	logger           *log.Logger
	adapterState     *events.Observable[AdapterState]
	scanResults      *events.Observable[ScanResult]
	connectionEvents *events.Observable[ConnectionEvent]
	scanEnded        *events.Observable[error]
	addressByID      *safe_map.SafeMap[string, bluetooth.Address]
	peripheralByID   *safe_map.SafeMap[string, *tinygoPeripheral]

	mu       sync.Mutex
	scanning bool
	scanGen  uint64
	wg       sync.WaitGroup
}

func NewTinygoPlatform(adapter *bluetooth.Adapter, logger *log.Logger) *TinygoPlatform {
	if logger == nil {
		panic("TinygoPlatform: logger cannot be nil")
	}
	if adapter == nil {
		adapter = bluetooth.DefaultAdapter
	}
	return &TinygoPlatform{
		adapter:          adapter,
		logger:           logger,
		adapterState:     events.NewValue(AdapterUnknown),
		scanResults:      events.NewObservable(ScanResult{}, nil, false),
		connectionEvents: events.NewObservable(ConnectionEvent{}, nil, false),
		scanEnded:        events.NewObservable[error](nil, nil, false),
		addressByID:      safe_map.NewSafeMap[string, bluetooth.Address](),
		peripheralByID:   safe_map.NewSafeMap[string, *tinygoPeripheral](),
	}
}

// Enable powers up the BLE stack and installs the connect handler.
// Without a PowerMonitor the adapter is reported On once Enable succeeds.
func (p *TinygoPlatform) Enable(ctx context.Context, monitor PowerMonitor) error {
	// Set up connection handler to track connections and disconnections
	p.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		addressStr := device.Address.String()
		if connected {
			p.logger.Printf("TinygoPlatform: Device connected: %s", addressStr)
		} else {
			p.logger.Printf("TinygoPlatform: Device disconnected: %s", addressStr)
			p.peripheralByID.Delete(addressStr)
		}
		p.connectionEvents.Set(ConnectionEvent{DeviceID: addressStr, Connected: connected})
	})

	p.adapterState.Set(AdapterTurningOn)
	if err := p.adapter.Enable(); err != nil {
		p.adapterState.Set(AdapterUnavailable)
		return fmt.Errorf("enable BLE stack: %w", err)
	}

	if monitor == nil {
		p.adapterState.Set(AdapterOn)
		return nil
	}
	if err := monitor.Watch(ctx, func(state AdapterState) {
		p.logger.Printf("TinygoPlatform: Adapter power state %v", state)
		if state != AdapterOn {
			p.mu.Lock()
			p.scanning = false
			p.mu.Unlock()
		}
		p.adapterState.Set(state)
	}); err != nil {
		p.logger.Printf("TinygoPlatform: Power monitor unavailable, assuming adapter on: %v", err)
		p.adapterState.Set(AdapterOn)
	}
	return nil
}

func (p *TinygoPlatform) AdapterState() AdapterState {
	return p.adapterState.Get()
}

func (p *TinygoPlatform) ListenAdapterState(callback func(AdapterState)) func() {
	return p.adapterState.Listen(callback)
}

func (p *TinygoPlatform) ListenScanResults(callback func(ScanResult)) func() {
	return p.scanResults.Listen(callback)
}

func (p *TinygoPlatform) ListenConnectionEvents(callback func(ConnectionEvent)) func() {
	return p.connectionEvents.Listen(callback)
}

func (p *TinygoPlatform) ListenScanEnded(callback func(error)) func() {
	return p.scanEnded.Listen(callback)
}

// StartScan starts the radio scan on a background goroutine and returns
// immediately. Calling it while a scan runs is a no-op.
func (p *TinygoPlatform) StartScan(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.scanning {
		return nil
	}
	p.scanning = true
	p.scanGen++
	gen := p.scanGen
	p.logger.Println("TinygoPlatform: Starting scan")

	p.wg.Add(1)
	go_func_utils.SafeGo(p.logger, func() {
		defer p.wg.Done()
		defer p.logger.Printf("TinygoPlatform: exiting scan handling loop")

		err := p.adapter.Scan(func(adapter *bluetooth.Adapter, device bluetooth.ScanResult) {
			addressStr := device.Address.String()
			p.addressByID.Store(addressStr, device.Address)
			p.scanResults.Set(convertScanResult(addressStr, device))
		})
		if err != nil {
			p.logger.Printf("TinygoPlatform: Scan error: %v", err)
		}
		p.finishScan(gen, err)
	})
	return nil
}

// finishScan runs when the scan loop for gen returns. A loop that returns
// while its scan is still current was not stopped by StopScan, so the end is
// reported to listeners.
func (p *TinygoPlatform) finishScan(gen uint64, err error) {
	p.mu.Lock()
	unexpected := p.scanning && p.scanGen == gen
	if unexpected {
		p.scanning = false
	}
	p.mu.Unlock()
	if unexpected {
		p.scanEnded.Set(err)
	}
}

func convertScanResult(addressStr string, device bluetooth.ScanResult) ScanResult {
	uuids := device.ServiceUUIDs()
	serviceUUIDs := make([]string, 0, len(uuids))
	for _, uuid := range uuids {
		serviceUUIDs = append(serviceUUIDs, NormalizeUUID(uuid.String()))
	}
	var manufacturerData map[uint16][]byte
	if elements := device.ManufacturerData(); len(elements) > 0 {
		manufacturerData = make(map[uint16][]byte, len(elements))
		for _, element := range elements {
			manufacturerData[element.CompanyID] = append([]byte(nil), element.Data...)
		}
	}
	return ScanResult{
		DeviceID:         addressStr,
		Name:             device.LocalName(),
		ServiceUUIDs:     serviceUUIDs,
		ManufacturerData: manufacturerData,
		RSSI:             device.RSSI,
		Timestamp:        time.Now(),
	}
}

func (p *TinygoPlatform) StopScan(ctx context.Context) error {
	p.mu.Lock()
	wasScanning := p.scanning
	p.scanning = false
	p.mu.Unlock()
	if !wasScanning {
		return nil
	}
	p.logger.Println("TinygoPlatform: Stopping scan")
	if err := p.adapter.StopScan(); err != nil {
		return fmt.Errorf("stop scan: %w", err)
	}
	return nil
}

// Connect opens the radio link, bounded by timeout and ctx.
func (p *TinygoPlatform) Connect(ctx context.Context, deviceID string, timeout time.Duration) error {
	address, ok := p.addressByID.Load(deviceID)
	if !ok {
		// Not seen by this process's scans; parse the id directly (saved devices)
		address.Set(deviceID)
	}

	params := bluetooth.ConnectionParams{
		ConnectionTimeout: bluetooth.NewDuration(timeout),
	}

	// tinygo's Connect blocks with its own timeout; wrap it to also respect ctx
	ch := make(chan connectResult, 1)
	go_func_utils.SafeGo(p.logger, func() {
		device, err := p.adapter.Connect(address, params)
		ch <- connectResult{device: device, err: err}
	})

	select {
	case <-ctx.Done():
		releaseLateConnect(p.logger, deviceID, ch, func(device bluetooth.Device) error {
			return device.Disconnect()
		})
		return fmt.Errorf("connect to %s: %w", deviceID, ctx.Err())
	case result := <-ch:
		if result.err != nil {
			p.logger.Printf("TinygoPlatform: Connection error: %v", result.err)
			return fmt.Errorf("connect to %s: %w", deviceID, result.err)
		}
		device := result.device
		p.peripheralByID.Store(deviceID, newTinygoPeripheral(p.logger, &device))
		p.logger.Printf("TinygoPlatform: Connected to device: %s", deviceID)
		return nil
	}
}

type connectResult struct {
	device bluetooth.Device
	err    error
}

// releaseLateConnect waits for an abandoned connect attempt and drops the
// link if it completes after the caller gave up.
func releaseLateConnect(logger *log.Logger, deviceID string, results <-chan connectResult, disconnect func(bluetooth.Device) error) {
	go_func_utils.SafeGo(logger, func() {
		result := <-results
		if result.err != nil {
			return
		}
		logger.Printf("TinygoPlatform: Dropping late connection to %s", deviceID)
		if err := disconnect(result.device); err != nil {
			logger.Printf("TinygoPlatform: Error dropping late connection to %s: %v", deviceID, err)
		}
	})
}

func (p *TinygoPlatform) Disconnect(ctx context.Context, deviceID string) error {
	peripheral, ok := p.peripheralByID.Load(deviceID)
	if !ok {
		p.logger.Printf("TinygoPlatform: Disconnect %s: not connected", deviceID)
		return nil
	}
	p.peripheralByID.Delete(deviceID)
	if err := peripheral.device.Disconnect(); err != nil {
		return fmt.Errorf("disconnect %s: %w", deviceID, err)
	}
	return nil
}

func (p *TinygoPlatform) DiscoverServices(ctx context.Context, deviceID string) ([]Service, error) {
	peripheral, ok := p.peripheralByID.Load(deviceID)
	if !ok {
		return nil, fmt.Errorf("discover services on %s: %w", deviceID, ErrNotConnected)
	}
	return peripheral.discoverServices(ctx)
}

// RequestMTU reports the MTU the stack negotiated. tinygo negotiates during
// connection, so this reads it back from any discovered characteristic.
func (p *TinygoPlatform) RequestMTU(ctx context.Context, deviceID string) (int, error) {
	peripheral, ok := p.peripheralByID.Load(deviceID)
	if !ok {
		return 0, fmt.Errorf("request MTU on %s: %w", deviceID, ErrNotConnected)
	}
	return peripheral.mtu(ctx)
}

// Shutdown stops the scan goroutine and waits for it to finish
func (p *TinygoPlatform) Shutdown() {
	p.logger.Println("TinygoPlatform: Shutting down")
	if err := p.StopScan(context.Background()); err != nil {
		p.logger.Printf("TinygoPlatform: Error stopping scan: %v", err)
	}
	p.wg.Wait()
	p.logger.Println("TinygoPlatform: Shutdown complete")
}
