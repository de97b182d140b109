// Package bttest provides an in-memory bt.Platform for tests and for the
// console's simulate mode.
package bttest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/lowaak/smart-trainer/fitness-ble/internal/bt"
	"github.com/lowaak/smart-trainer/fitness-ble/internal/events"
)

// Verify FakePlatform implements bt.Platform
var _ bt.Platform = (*FakePlatform)(nil)

// FakePlatform is a scripted bt.Platform. Peripherals are registered with
// AddPeripheral; advertisements, adapter changes and link drops are pushed
// by the test.
type FakePlatform struct {
	adapterState     *events.Observable[bt.AdapterState]
	scanResults      *events.Observable[bt.ScanResult]
	connectionEvents *events.Observable[bt.ConnectionEvent]
	scanEnded        *events.Observable[error]

	mu              sync.Mutex
	peripherals     map[string]*FakePeripheral
	scanning        bool
	startScanCalls  int
	stopScanCalls   int
	connectCalls    map[string]int
	disconnectCalls map[string]int

	// StartScanErr, when set, is returned by StartScan.
	StartScanErr error
	// OnStartScan and OnStopScan run after the radio state changes.
	OnStartScan func()
	OnStopScan  func()
}

func NewFakePlatform() *FakePlatform {
	return &FakePlatform{
		adapterState:     events.NewValue(bt.AdapterOn),
		scanResults:      events.NewObservable(bt.ScanResult{}, nil, false),
		connectionEvents: events.NewObservable(bt.ConnectionEvent{}, nil, false),
		scanEnded:        events.NewObservable[error](nil, nil, false),
		peripherals:      make(map[string]*FakePeripheral),
		connectCalls:     make(map[string]int),
		disconnectCalls:  make(map[string]int),
	}
}

// AddPeripheral makes p connectable through this platform.
func (f *FakePlatform) AddPeripheral(p *FakePeripheral) *FakePeripheral {
	f.mu.Lock()
	defer f.mu.Unlock()
	p.platform = f
	f.peripherals[p.ID] = p
	return p
}

func (f *FakePlatform) Peripheral(deviceID string) *FakePeripheral {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.peripherals[deviceID]
}

func (f *FakePlatform) SetAdapterState(state bt.AdapterState) {
	if state != bt.AdapterOn {
		f.mu.Lock()
		f.scanning = false
		f.mu.Unlock()
	}
	f.adapterState.Set(state)
}

// EmitScanResult delivers r to scan listeners regardless of radio state.
func (f *FakePlatform) EmitScanResult(r bt.ScanResult) {
	f.scanResults.Set(r)
}

// Advertise emits an advertisement for a registered peripheral.
func (f *FakePlatform) Advertise(deviceID string, rssi int16, at time.Time) {
	p := f.Peripheral(deviceID)
	if p == nil {
		panic(fmt.Sprintf("FakePlatform: unknown peripheral %s", deviceID))
	}
	f.EmitScanResult(bt.ScanResult{
		DeviceID:     p.ID,
		Name:         p.Name,
		ServiceUUIDs: append([]string(nil), p.AdvertisedServices...),
		RSSI:         rssi,
		Timestamp:    at,
	})
}

// DropLink simulates the peripheral going out of range.
func (f *FakePlatform) DropLink(deviceID string) {
	f.mu.Lock()
	p := f.peripherals[deviceID]
	f.mu.Unlock()
	if p != nil {
		p.setConnected(false)
	}
	f.connectionEvents.Set(bt.ConnectionEvent{DeviceID: deviceID, Connected: false})
}

func (f *FakePlatform) AdapterState() bt.AdapterState {
	return f.adapterState.Get()
}

func (f *FakePlatform) ListenAdapterState(callback func(bt.AdapterState)) func() {
	return f.adapterState.Listen(callback)
}

func (f *FakePlatform) ListenScanResults(callback func(bt.ScanResult)) func() {
	return f.scanResults.Listen(callback)
}

func (f *FakePlatform) ListenConnectionEvents(callback func(bt.ConnectionEvent)) func() {
	return f.connectionEvents.Listen(callback)
}

func (f *FakePlatform) ListenScanEnded(callback func(error)) func() {
	return f.scanEnded.Listen(callback)
}

// EndScan simulates the stack stopping a running scan on its own.
// It does nothing when the radio is idle.
func (f *FakePlatform) EndScan(err error) {
	f.mu.Lock()
	wasScanning := f.scanning
	f.scanning = false
	f.mu.Unlock()
	if wasScanning {
		f.scanEnded.Set(err)
	}
}

func (f *FakePlatform) StartScan(ctx context.Context) error {
	f.mu.Lock()
	f.startScanCalls++
	if f.StartScanErr != nil {
		err := f.StartScanErr
		f.mu.Unlock()
		return err
	}
	if f.adapterState.Get() != bt.AdapterOn {
		f.mu.Unlock()
		return bt.ErrAdapterUnavailable
	}
	f.scanning = true
	hook := f.OnStartScan
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
	return nil
}

func (f *FakePlatform) StopScan(ctx context.Context) error {
	f.mu.Lock()
	f.stopScanCalls++
	f.scanning = false
	hook := f.OnStopScan
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
	return nil
}

// IsRadioScanning reports the platform-level scan state.
func (f *FakePlatform) IsRadioScanning() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.scanning
}

func (f *FakePlatform) StartScanCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.startScanCalls
}

func (f *FakePlatform) StopScanCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stopScanCalls
}

func (f *FakePlatform) ConnectCalls(deviceID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connectCalls[deviceID]
}

func (f *FakePlatform) DisconnectCalls(deviceID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.disconnectCalls[deviceID]
}

func (f *FakePlatform) Connect(ctx context.Context, deviceID string, timeout time.Duration) error {
	f.mu.Lock()
	f.connectCalls[deviceID]++
	p := f.peripherals[deviceID]
	f.mu.Unlock()
	if p == nil {
		return fmt.Errorf("connect %s: %w", deviceID, bt.ErrUnknownDevice)
	}

	if gate := p.ConnectGate; gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if p.ConnectErr != nil {
		return p.ConnectErr
	}
	p.setConnected(true)
	f.connectionEvents.Set(bt.ConnectionEvent{DeviceID: deviceID, Connected: true})
	return nil
}

func (f *FakePlatform) Disconnect(ctx context.Context, deviceID string) error {
	f.mu.Lock()
	f.disconnectCalls[deviceID]++
	p := f.peripherals[deviceID]
	f.mu.Unlock()
	if p == nil {
		return fmt.Errorf("disconnect %s: %w", deviceID, bt.ErrUnknownDevice)
	}
	if !p.IsConnected() {
		return nil
	}
	p.setConnected(false)
	f.connectionEvents.Set(bt.ConnectionEvent{DeviceID: deviceID, Connected: false})
	return nil
}

func (f *FakePlatform) DiscoverServices(ctx context.Context, deviceID string) ([]bt.Service, error) {
	p := f.Peripheral(deviceID)
	if p == nil {
		return nil, fmt.Errorf("discover %s: %w", deviceID, bt.ErrUnknownDevice)
	}
	if !p.IsConnected() {
		return nil, fmt.Errorf("discover %s: %w", deviceID, bt.ErrNotConnected)
	}
	if p.DiscoverErr != nil {
		return nil, p.DiscoverErr
	}
	services := make([]bt.Service, 0, len(p.services))
	for _, s := range p.services {
		services = append(services, s)
	}
	return services, nil
}

func (f *FakePlatform) RequestMTU(ctx context.Context, deviceID string) (int, error) {
	p := f.Peripheral(deviceID)
	if p == nil {
		return 0, fmt.Errorf("request MTU %s: %w", deviceID, bt.ErrUnknownDevice)
	}
	if p.MTUErr != nil {
		return 0, p.MTUErr
	}
	if p.MTU == 0 {
		return 23, nil
	}
	return p.MTU, nil
}

// FakePeripheral is one scripted remote device.
type FakePeripheral struct {
	ID                 string
	Name               string
	AdvertisedServices []string

	ConnectErr  error
	DiscoverErr error
	MTUErr      error
	MTU         int
	// ConnectGate, when non-nil, holds Connect until closed or ctx is done.
	ConnectGate chan struct{}
	// OpDelay stretches every GATT operation so overlap would be observable.
	OpDelay time.Duration

	platform *FakePlatform
	services []*FakeService

	mu          sync.Mutex
	connected   bool
	inFlight    int
	maxInFlight int
	opLog       []string
}

// NewPeripheral creates a peripheral advertising the given services.
func NewPeripheral(id string, name string, advertised ...string) *FakePeripheral {
	normalized := make([]string, 0, len(advertised))
	for _, u := range advertised {
		normalized = append(normalized, bt.NormalizeUUID(u))
	}
	return &FakePeripheral{ID: id, Name: name, AdvertisedServices: normalized}
}

// AddService adds a GATT service exposed after connection.
func (p *FakePeripheral) AddService(uuid string) *FakeService {
	s := &FakeService{uuid: bt.NormalizeUUID(uuid), peripheral: p}
	p.services = append(p.services, s)
	return s
}

// Characteristic finds a characteristic across all services, or nil.
func (p *FakePeripheral) Characteristic(uuid string) *FakeCharacteristic {
	uuid = bt.NormalizeUUID(uuid)
	for _, s := range p.services {
		for _, c := range s.chars {
			if c.uuid == uuid {
				return c
			}
		}
	}
	return nil
}

func (p *FakePeripheral) IsConnected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected
}

// MaxConcurrentOps is the highest number of GATT operations seen in flight
// at once on this peripheral.
func (p *FakePeripheral) MaxConcurrentOps() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.maxInFlight
}

// OpLog lists GATT operations in start order, as "<op> <uuid>".
func (p *FakePeripheral) OpLog() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.opLog...)
}

func (p *FakePeripheral) setConnected(connected bool) {
	p.mu.Lock()
	p.connected = connected
	p.mu.Unlock()
	if !connected {
		for _, s := range p.services {
			for _, c := range s.chars {
				c.clearSubscription()
			}
		}
	}
}

func (p *FakePeripheral) beginOp(op string, uuid string) error {
	p.mu.Lock()
	if !p.connected {
		p.mu.Unlock()
		return bt.ErrNotConnected
	}
	p.inFlight++
	if p.inFlight > p.maxInFlight {
		p.maxInFlight = p.inFlight
	}
	p.opLog = append(p.opLog, op+" "+uuid)
	delay := p.OpDelay
	p.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}
	return nil
}

func (p *FakePeripheral) endOp() {
	p.mu.Lock()
	p.inFlight--
	p.mu.Unlock()
}

type FakeService struct {
	uuid       string
	peripheral *FakePeripheral
	chars      []*FakeCharacteristic
}

var _ bt.Service = (*FakeService)(nil)

func (s *FakeService) UUID() string { return s.uuid }

func (s *FakeService) Characteristics() []bt.Characteristic {
	out := make([]bt.Characteristic, 0, len(s.chars))
	for _, c := range s.chars {
		out = append(out, c)
	}
	return out
}

// AddCharacteristic adds a characteristic to the service.
func (s *FakeService) AddCharacteristic(uuid string) *FakeCharacteristic {
	c := &FakeCharacteristic{uuid: bt.NormalizeUUID(uuid), peripheral: s.peripheral}
	s.chars = append(s.chars, c)
	return c
}

// FakeCharacteristic records writes, serves a fixed read value and forwards
// Notify calls to the subscribed callback.
type FakeCharacteristic struct {
	uuid       string
	peripheral *FakePeripheral

	mu        sync.Mutex
	readValue []byte
	readErr   error
	writeErr  error
	notifyErr error
	writes    [][]byte
	callback  func([]byte)
	onWrite   func(data []byte)
}

var _ bt.Characteristic = (*FakeCharacteristic)(nil)

func (c *FakeCharacteristic) WithReadValue(value []byte) *FakeCharacteristic {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.readValue = append([]byte(nil), value...)
	return c
}

func (c *FakeCharacteristic) WithReadErr(err error) *FakeCharacteristic {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.readErr = err
	return c
}

func (c *FakeCharacteristic) WithWriteErr(err error) *FakeCharacteristic {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writeErr = err
	return c
}

func (c *FakeCharacteristic) WithNotifyErr(err error) *FakeCharacteristic {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notifyErr = err
	return c
}

// OnWrite installs a hook run after each successful write, outside locks.
func (c *FakeCharacteristic) OnWrite(fn func(data []byte)) *FakeCharacteristic {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onWrite = fn
	return c
}

func (c *FakeCharacteristic) UUID() string { return c.uuid }

func (c *FakeCharacteristic) Read(ctx context.Context) ([]byte, error) {
	if err := c.peripheral.beginOp("read", c.uuid); err != nil {
		return nil, err
	}
	defer c.peripheral.endOp()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.readErr != nil {
		return nil, c.readErr
	}
	return append([]byte(nil), c.readValue...), nil
}

func (c *FakeCharacteristic) Write(ctx context.Context, data []byte) error {
	return c.write("write", data)
}

func (c *FakeCharacteristic) WriteWithoutResponse(ctx context.Context, data []byte) error {
	return c.write("write-no-response", data)
}

func (c *FakeCharacteristic) write(op string, data []byte) error {
	if err := c.peripheral.beginOp(op, c.uuid); err != nil {
		return err
	}
	c.mu.Lock()
	if c.writeErr != nil {
		err := c.writeErr
		c.mu.Unlock()
		c.peripheral.endOp()
		return err
	}
	c.writes = append(c.writes, append([]byte(nil), data...))
	hook := c.onWrite
	c.mu.Unlock()
	c.peripheral.endOp()

	if hook != nil {
		hook(data)
	}
	return nil
}

func (c *FakeCharacteristic) EnableNotifications(ctx context.Context, callback func(buf []byte)) error {
	if callback == nil {
		return errors.New("nil notification callback")
	}
	if err := c.peripheral.beginOp("subscribe", c.uuid); err != nil {
		return err
	}
	defer c.peripheral.endOp()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.notifyErr != nil {
		return c.notifyErr
	}
	c.callback = callback
	return nil
}

func (c *FakeCharacteristic) DisableNotifications(ctx context.Context) error {
	if err := c.peripheral.beginOp("unsubscribe", c.uuid); err != nil {
		// Unsubscribing from a dropped link is not an error.
		c.clearSubscription()
		return nil
	}
	defer c.peripheral.endOp()
	c.clearSubscription()
	return nil
}

func (c *FakeCharacteristic) clearSubscription() {
	c.mu.Lock()
	c.callback = nil
	c.mu.Unlock()
}

// Notify delivers data to the subscriber, if any. Returns whether it was
// delivered.
func (c *FakeCharacteristic) Notify(data []byte) bool {
	c.mu.Lock()
	callback := c.callback
	c.mu.Unlock()
	if callback == nil {
		return false
	}
	callback(append([]byte(nil), data...))
	return true
}

func (c *FakeCharacteristic) IsSubscribed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.callback != nil
}

// Writes returns every payload written so far.
func (c *FakeCharacteristic) Writes() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.writes))
	copy(out, c.writes)
	return out
}

// FakePermissionGate is a scripted bt.PermissionGate.
type FakePermissionGate struct {
	mu                sync.Mutex
	Granted           bool
	GrantOnRequest    bool
	PermanentlyDenied bool
	LocationDisabled  bool
	requests          int
	settingsOpened    int
}

var _ bt.PermissionGate = (*FakePermissionGate)(nil)

func (g *FakePermissionGate) Check() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.Granted
}

func (g *FakePermissionGate) Request() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.requests++
	if g.GrantOnRequest && !g.PermanentlyDenied {
		g.Granted = true
	}
	return g.Granted
}

func (g *FakePermissionGate) IsPermanentlyDenied() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.PermanentlyDenied
}

func (g *FakePermissionGate) IsLocationServiceEnabled() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return !g.LocationDisabled
}

func (g *FakePermissionGate) OpenSettings() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.settingsOpened++
	return nil
}

func (g *FakePermissionGate) Requests() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.requests
}

func (g *FakePermissionGate) SettingsOpened() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.settingsOpened
}
