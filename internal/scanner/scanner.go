// Package scanner keeps the list of advertising fitness devices and runs the
// radio scan for as long as any caller holds a ScanToken.
//
// A periodic tick re-polls permissions, ages devices out (signal lost after
// 5s, removed after 30s by default) and restarts the radio scan once
// scanning becomes possible again.
package scanner

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/lowaak/smart-trainer/fitness-ble/internal/bt"
	"github.com/lowaak/smart-trainer/fitness-ble/internal/clock"
	"github.com/lowaak/smart-trainer/fitness-ble/internal/events"
	"github.com/lowaak/smart-trainer/fitness-ble/internal/go_func_utils"
)

const radioOpTimeout = 10 * time.Second

type Scanner struct {
	platform    bt.Platform
	permissions bt.PermissionGate
	logger      *log.Logger

	clock              clock.Clock
	tickInterval       time.Duration
	signalTimeout      time.Duration
	expiry             time.Duration
	clearOnLastRelease bool
	serviceFilter      []string

	devices  *events.Observable[[]bt.DiscoveredDevice]
	scanning *events.Observable[bool]
	btState  *events.Observable[BluetoothState]

	mu            sync.Mutex
	publishMu     sync.Mutex // keeps device snapshots published in order
	stateMu       sync.Mutex // serialises availability transitions
	radioMu       sync.Mutex // serialises radio start/stop and the scanning publish
	tokens        map[*ScanToken]struct{}
	nextTokenID   uint64
	order         []string
	byID          map[string]*bt.DiscoveredDevice
	adapter       bt.AdapterState
	backgrounded  bool
	disposed      bool

	ctx          context.Context
	cancel       context.CancelFunc
	unsubscribes []func()
	stopTick     chan struct{}
	wg           sync.WaitGroup
}

// New creates a Scanner and starts its tick goroutine.
func New(platform bt.Platform, permissions bt.PermissionGate, logger *log.Logger, opts ...Option) *Scanner {
	if platform == nil {
		panic("Scanner: platform cannot be nil")
	}
	if permissions == nil {
		panic("Scanner: permissions cannot be nil")
	}
	if logger == nil {
		panic("Scanner: logger cannot be nil")
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Scanner{
		platform:           platform,
		permissions:        permissions,
		logger:             logger,
		clock:              clock.Real{},
		tickInterval:       DefaultTickInterval,
		signalTimeout:      DefaultSignalTimeout,
		expiry:             DefaultExpiry,
		clearOnLastRelease: false,
		devices:            events.NewObservable[[]bt.DiscoveredDevice](nil, nil, true),
		scanning:           events.NewValue(false),
		tokens:             make(map[*ScanToken]struct{}),
		byID:               make(map[string]*bt.DiscoveredDevice),
		adapter:            platform.AdapterState(),
		ctx:                ctx,
		cancel:             cancel,
		stopTick:           make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.tickInterval <= 0 || s.signalTimeout <= 0 || s.expiry <= 0 {
		panic("Scanner: durations must be > 0")
	}

	s.btState = events.NewValue(s.pollState(s.adapter))

	s.unsubscribes = append(s.unsubscribes,
		platform.ListenAdapterState(s.handleAdapterState),
		platform.ListenScanResults(s.handleScanResult),
		platform.ListenScanEnded(s.handleScanEnded),
	)

	s.wg.Add(1)
	go_func_utils.SafeGo(s.logger, func() {
		defer s.wg.Done()
		ticker := s.clock.NewTicker(s.tickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-s.stopTick:
				return
			case <-ticker.C():
				s.tick()
			}
		}
	})
	return s
}

// StartScan issues a token and starts the radio scan if it is not running
// and scanning is possible. It never waits for favourable conditions; the
// scan starts on its own once they arrive.
func (s *Scanner) StartScan() *ScanToken {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		panic("Scanner: StartScan called after Dispose")
	}
	s.nextTokenID++
	token := &ScanToken{id: s.nextTokenID}
	s.tokens[token] = struct{}{}
	count := len(s.tokens)
	s.mu.Unlock()

	s.logger.Printf("Scanner: Issued scan token %d (%d outstanding)", token.id, count)
	s.maybeStartRadio()
	return token
}

// StopScan releases token. Releasing an unknown or already released token
// does nothing. When the last token goes the radio scan stops.
func (s *Scanner) StopScan(token *ScanToken) {
	if token == nil {
		return
	}
	s.mu.Lock()
	if _, ok := s.tokens[token]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.tokens, token)
	remaining := len(s.tokens)
	s.mu.Unlock()

	s.logger.Printf("Scanner: Released scan token %d (%d outstanding)", token.id, remaining)
	if remaining > 0 {
		return
	}
	s.stopRadio()
	if s.clearOnLastRelease {
		s.clearDevices()
	}
}

// Devices returns the discovered devices in first-seen order.
func (s *Scanner) Devices() []bt.DiscoveredDevice {
	return s.devices.Get()
}

func (s *Scanner) ListenDevices(callback func([]bt.DiscoveredDevice)) func() {
	return s.devices.Listen(callback)
}

// IsScanning mirrors the radio scan, not the token count.
func (s *Scanner) IsScanning() bool {
	return s.scanning.Get()
}

func (s *Scanner) ListenScanning(callback func(bool)) func() {
	return s.scanning.Listen(callback)
}

func (s *Scanner) BluetoothState() BluetoothState {
	return s.btState.Get()
}

func (s *Scanner) ListenBluetoothState(callback func(BluetoothState)) func() {
	return s.btState.Listen(callback)
}

// RequestPermission asks the gate for scan permission and re-evaluates
// whether scanning can start.
func (s *Scanner) RequestPermission() bool {
	granted := s.permissions.Request()
	s.refreshState()
	s.maybeStartRadio()
	return granted
}

// OpenSettings forwards to the permission gate, for permanently denied
// permissions.
func (s *Scanner) OpenSettings() error {
	return s.permissions.OpenSettings()
}

// HandleLifecycle stops the radio scan when the app is backgrounded, keeping
// tokens, and restarts it on return to the foreground.
func (s *Scanner) HandleLifecycle(state AppLifecycleState) {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return
	}
	s.backgrounded = state == AppBackground
	s.mu.Unlock()

	s.logger.Printf("Scanner: App moved to %v", state)
	if state == AppBackground {
		s.stopRadio()
		return
	}
	s.refreshState()
	s.maybeStartRadio()
}

// Dispose releases every token, stops the radio scan and the tick, and
// clears all observable state. Calling it twice is safe.
func (s *Scanner) Dispose() {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return
	}
	s.disposed = true
	s.tokens = make(map[*ScanToken]struct{})
	s.mu.Unlock()

	s.logger.Println("Scanner: Disposing")
	close(s.stopTick)
	s.wg.Wait()
	for _, unsubscribe := range s.unsubscribes {
		unsubscribe()
	}
	s.stopRadio()
	s.clearDevices()
	s.cancel()

	s.btState.Set(BluetoothState{})
	s.devices.Close()
	s.scanning.Close()
	s.btState.Close()
}

func (s *Scanner) tick() {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	s.refreshState()
	s.ageDevices()
	s.maybeStartRadio()
}

// pollState re-reads the permission gate; the adapter state is pushed.
func (s *Scanner) pollState(adapter bt.AdapterState) BluetoothState {
	return BluetoothState{
		Adapter:                     adapter,
		PermissionGranted:           s.permissions.Check(),
		PermissionPermanentlyDenied: s.permissions.IsPermanentlyDenied(),
		LocationServiceEnabled:      s.permissions.IsLocationServiceEnabled(),
	}
}

func (s *Scanner) refreshState() {
	s.mu.Lock()
	adapter := s.adapter
	s.mu.Unlock()
	s.applyState(s.pollState(adapter))
}

func (s *Scanner) applyState(next BluetoothState) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()

	prev := s.btState.Get()
	if !s.btState.Set(next) {
		return
	}
	s.logger.Printf("Scanner: Bluetooth state %+v (canScan=%v)", next, next.CanScan())

	if prev.Adapter == bt.AdapterOn && next.Adapter != bt.AdapterOn {
		s.logger.Println("Scanner: Adapter left powered-on state, clearing devices")
		s.clearDevices()
		s.stopRadio()
		return
	}
	if !next.CanScan() {
		s.stopRadio()
		return
	}
	if !prev.CanScan() {
		s.maybeStartRadio()
	}
}

func (s *Scanner) handleAdapterState(state bt.AdapterState) {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return
	}
	s.adapter = state
	s.mu.Unlock()
	s.applyState(s.pollState(state))
}

func (s *Scanner) handleScanResult(result bt.ScanResult) {
	if result.DeviceID == "" {
		return
	}
	s.mu.Lock()
	if s.disposed || s.adapter != bt.AdapterOn || len(s.tokens) == 0 {
		s.mu.Unlock()
		return
	}
	if !s.passesFilter(result) {
		s.mu.Unlock()
		return
	}

	now := s.clock.Now()
	if existing, ok := s.byID[result.DeviceID]; ok {
		existing.LastSeen = now
		existing.Advertisement = result
		existing.HasRecentSignal = true
		if result.Name != "" {
			existing.Name = result.Name
		}
		existing.ServiceUUIDs = mergeUUIDs(existing.ServiceUUIDs, result.ServiceUUIDs)
	} else {
		s.byID[result.DeviceID] = &bt.DiscoveredDevice{
			ID:              result.DeviceID,
			Name:            result.Name,
			ServiceUUIDs:    mergeUUIDs(nil, result.ServiceUUIDs),
			Advertisement:   result,
			FirstSeen:       now,
			LastSeen:        now,
			HasRecentSignal: true,
		}
		s.order = append(s.order, result.DeviceID)
		s.logger.Printf("Scanner: Found device %s (%s)", result.DeviceID, result.Name)
	}
	s.mu.Unlock()

	s.publishDevices()
}

// passesFilter must be called with mu held.
func (s *Scanner) passesFilter(result bt.ScanResult) bool {
	if len(s.serviceFilter) == 0 {
		return true
	}
	for _, uuid := range s.serviceFilter {
		if result.HasServiceUUID(uuid) {
			return true
		}
	}
	return false
}

func mergeUUIDs(existing []string, more []string) []string {
	out := append([]string(nil), existing...)
	for _, u := range more {
		u = bt.NormalizeUUID(u)
		found := false
		for _, e := range out {
			if e == u {
				found = true
				break
			}
		}
		if !found {
			out = append(out, u)
		}
	}
	return out
}

func (s *Scanner) ageDevices() {
	s.mu.Lock()
	now := s.clock.Now()
	changed := false
	kept := s.order[:0]
	for _, id := range s.order {
		d := s.byID[id]
		age := now.Sub(d.LastSeen)
		if age >= s.expiry {
			s.logger.Printf("Scanner: Device %s expired after %v", id, age)
			delete(s.byID, id)
			changed = true
			continue
		}
		recent := age < s.signalTimeout
		if recent != d.HasRecentSignal {
			d.HasRecentSignal = recent
			changed = true
		}
		kept = append(kept, id)
	}
	s.order = kept
	s.mu.Unlock()

	if changed {
		s.publishDevices()
	}
}

func (s *Scanner) clearDevices() {
	s.mu.Lock()
	empty := len(s.order) == 0
	s.order = nil
	s.byID = make(map[string]*bt.DiscoveredDevice)
	s.mu.Unlock()
	if !empty {
		s.publishDevices()
	}
}

func (s *Scanner) publishDevices() {
	s.publishMu.Lock()
	defer s.publishMu.Unlock()

	s.mu.Lock()
	snapshot := make([]bt.DiscoveredDevice, 0, len(s.order))
	for _, id := range s.order {
		d := *s.byID[id]
		d.ServiceUUIDs = append([]string(nil), d.ServiceUUIDs...)
		snapshot = append(snapshot, d)
	}
	s.mu.Unlock()

	s.devices.Set(snapshot)
}

// shouldScan must be called with mu held.
func (s *Scanner) shouldScan() bool {
	return !s.disposed && !s.backgrounded && len(s.tokens) > 0
}

// maybeStartRadio starts the platform scan when tokens are held, scanning is
// possible and the radio is idle. Failures are logged and retried on the
// next tick or state change. scanning listeners must not call back into the
// Scanner.
func (s *Scanner) maybeStartRadio() {
	s.radioMu.Lock()
	defer s.radioMu.Unlock()

	s.mu.Lock()
	wanted := s.shouldScan()
	s.mu.Unlock()
	if !wanted || s.scanning.Get() || !s.btState.Get().CanScan() {
		return
	}

	ctx, cancel := context.WithTimeout(s.ctx, radioOpTimeout)
	err := s.platform.StartScan(ctx)
	cancel()
	if err != nil {
		s.logger.Printf("Scanner: Failed to start scan: %v", err)
		return
	}
	s.logger.Println("Scanner: Radio scan started")
	s.scanning.Set(true)
}

// stopRadio waits for any in-flight start, so a release of the last token
// always sees the radio state that start published. A scan that is wanted
// again by the time the lock is held keeps running.
func (s *Scanner) stopRadio() {
	s.radioMu.Lock()
	defer s.radioMu.Unlock()

	s.mu.Lock()
	wanted := s.shouldScan()
	s.mu.Unlock()
	if !s.scanning.Get() || (wanted && s.btState.Get().CanScan()) {
		return
	}
	s.stopPlatformScan()
	s.scanning.Set(false)
	s.logger.Println("Scanner: Radio scan stopped")
}

// handleScanEnded runs when the platform scan stops without StopScan, for
// example when the stack aborts it. The next tick restarts it.
func (s *Scanner) handleScanEnded(err error) {
	s.radioMu.Lock()
	defer s.radioMu.Unlock()

	if !s.scanning.Get() {
		return
	}
	if err != nil {
		s.logger.Printf("Scanner: Radio scan ended: %v", err)
	} else {
		s.logger.Println("Scanner: Radio scan ended")
	}
	s.scanning.Set(false)
}

func (s *Scanner) stopPlatformScan() {
	ctx, cancel := context.WithTimeout(context.Background(), radioOpTimeout)
	defer cancel()
	if err := s.platform.StopScan(ctx); err != nil {
		s.logger.Printf("Scanner: Error stopping scan: %v", err)
	}
}
