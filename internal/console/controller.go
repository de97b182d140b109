package console

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/lowaak/smart-trainer/fitness-ble/internal/bt"
	"github.com/lowaak/smart-trainer/fitness-ble/internal/device"
	"github.com/lowaak/smart-trainer/fitness-ble/internal/go_func_utils"
	"github.com/lowaak/smart-trainer/fitness-ble/internal/registry"
	"github.com/lowaak/smart-trainer/fitness-ble/internal/scanner"
	"github.com/lowaak/smart-trainer/fitness-ble/internal/telemetry"
	"github.com/lowaak/smart-trainer/fitness-ble/internal/transport"
)

const (
	targetPowerStep = 10
	shutdownTimeout = 5 * time.Second
)

type managedDevice struct {
	dev    *device.CompositeDevice
	unsubs []func()

	mu      sync.Mutex
	metrics []func()
}

func (m *managedDevice) unbindMetrics() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, unsub := range m.metrics {
		unsub()
	}
	m.metrics = nil
}

type compatEntry struct {
	key   string
	names []string
}

// ControllerArgs holds the arguments for creating a new Controller
type ControllerArgs struct {
	Model    *Model
	Scanner  *scanner.Scanner
	Registry *registry.Registry
	Platform bt.Platform
	Roles    *RoleStore
	// Hub is optional; nil disables telemetry.
	Hub           *telemetry.Hub
	DeviceOptions []device.Option
	Logger        *log.Logger
}

// Controller handles UI events and drives the scanner and devices.
type Controller struct {
	model    *Model
	scanner  *scanner.Scanner
	registry *registry.Registry
	platform bt.Platform
	roles    *RoleStore
	hub      *telemetry.Hub
	devOpts  []device.Option
	logger   *log.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	token   *scanner.ScanToken
	devices map[string]*managedDevice
	compat  map[string]compatEntry
	unsubs  []func()
}

func NewController(args ControllerArgs) *Controller {
	if args.Model == nil {
		panic("Controller: model cannot be nil")
	}
	if args.Scanner == nil {
		panic("Controller: scanner cannot be nil")
	}
	if args.Registry == nil {
		panic("Controller: registry cannot be nil")
	}
	if args.Platform == nil {
		panic("Controller: platform cannot be nil")
	}
	if args.Roles == nil {
		panic("Controller: roles cannot be nil")
	}
	if args.Logger == nil {
		panic("Controller: logger cannot be nil")
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		model:    args.Model,
		scanner:  args.Scanner,
		registry: args.Registry,
		platform: args.Platform,
		roles:    args.Roles,
		hub:      args.Hub,
		devOpts:  args.DeviceOptions,
		logger:   args.Logger,
		ctx:      ctx,
		cancel:   cancel,
		devices:  make(map[string]*managedDevice),
		compat:   make(map[string]compatEntry),
	}

	c.unsubs = append(c.unsubs,
		c.scanner.ListenDevices(func([]bt.DiscoveredDevice) { c.rebuildRows() }),
		c.scanner.ListenScanning(c.model.SetScanning),
	)
	return c
}

// AutoConnectSaved connects every device remembered in the role store,
// without waiting for an advertisement.
func (c *Controller) AutoConnectSaved() {
	for _, id := range c.roles.DeviceIDs() {
		c.logger.Printf("Controller: Auto-connecting saved device %s", id)
		c.Connect(id)
	}
}

// Suspend parks the radio scan while the terminal is handed back to the
// shell. Scan tokens are kept; Resume restarts the scan.
func (c *Controller) Suspend() {
	c.scanner.HandleLifecycle(scanner.AppBackground)
}

func (c *Controller) Resume() {
	c.scanner.HandleLifecycle(scanner.AppForeground)
}

func (c *Controller) IsScanning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token != nil
}

func (c *Controller) ToggleDeviceScan() {
	c.mu.Lock()
	token := c.token
	if token == nil {
		c.token = c.scanner.StartScan()
	} else {
		c.token = nil
	}
	c.mu.Unlock()

	if token == nil {
		c.logger.Printf("Controller: Scan requested")
		return
	}
	c.scanner.StopScan(token)
	c.logger.Printf("Controller: Scan stopped")
}

// Connect connects deviceID, building its transports from the registry on
// first use. A device seen while scanning is screened against its
// advertisement; any other device gets every registered transport and is
// screened against its GATT services after connecting.
func (c *Controller) Connect(deviceID string) {
	md, discovered, err := c.managed(deviceID)
	if err != nil {
		c.logger.Printf("Controller: %v", err)
		return
	}
	if md.dev.State() != device.Disconnected {
		c.logger.Printf("Controller: %s is already %s", md.dev.Name(), md.dev.State())
		return
	}

	c.wg.Add(1)
	go_func_utils.SafeGo(c.logger, func() {
		defer c.wg.Done()
		if err := md.dev.Connect(c.ctx, discovered); err != nil {
			c.logger.Printf("Controller: Connect %s failed: %v", md.dev.Name(), err)
			return
		}
		c.logger.Printf("Controller: Connected %s with %s", md.dev.Name(), md.dev.Capabilities())
	})
}

// managed returns the device for deviceID, creating it if needed.
func (c *Controller) managed(deviceID string) (*managedDevice, *bt.DiscoveredDevice, error) {
	var discovered *bt.DiscoveredDevice
	for _, d := range c.scanner.Devices() {
		if d.ID == deviceID {
			d := d
			discovered = &d
			break
		}
	}

	c.mu.Lock()
	if md, ok := c.devices[deviceID]; ok {
		c.mu.Unlock()
		return md, discovered, nil
	}
	c.mu.Unlock()

	var transports []transport.Transport
	name := c.roles.Name(deviceID)
	if discovered != nil {
		transports = c.registry.DetectCompatibleTransports(*discovered, deviceID)
		name = discovered.DisplayName()
	} else {
		transports = c.registry.BuildAll(deviceID)
	}
	if len(transports) == 0 {
		return nil, nil, fmt.Errorf("no compatible transports for %s", deviceID)
	}

	opts := append([]device.Option{device.WithName(name)}, c.devOpts...)
	md := &managedDevice{dev: device.New(deviceID, c.platform, transports, c.logger, opts...)}

	c.mu.Lock()
	if existing, ok := c.devices[deviceID]; ok {
		c.mu.Unlock()
		// Lost a race with another Connect.
		if err := md.dev.Dispose(context.Background()); err != nil {
			c.logger.Printf("Controller: Error disposing duplicate device %s: %v", deviceID, err)
		}
		return existing, discovered, nil
	}
	c.devices[deviceID] = md
	c.mu.Unlock()

	md.unsubs = append(md.unsubs, md.dev.ListenState(func(s device.ConnectionState) {
		c.handleDeviceState(md, s)
	}))
	md.unsubs = append(md.unsubs, md.dev.ListenCapabilities(func(transport.CapabilitySet) {
		c.updateTrainerControl()
	}))
	if c.hub != nil {
		md.unsubs = append(md.unsubs, c.hub.Attach(md.dev))
	}
	return md, discovered, nil
}

func (c *Controller) handleDeviceState(md *managedDevice, s device.ConnectionState) {
	md.unbindMetrics()
	if s == device.Connected {
		c.rememberRoles(md.dev)
		c.bindMetrics(md)
	}
	c.updateTrainerControl()
	c.rebuildRows()
}

// rememberRoles saves which transport of dev serves each role.
func (c *Controller) rememberRoles(dev *device.CompositeDevice) {
	for role, capability := range roleCapability {
		provider := dev.CapabilityProvider(capability)
		if provider == "" {
			continue
		}
		c.roles.Set(role, SavedDevice{DeviceID: dev.ID(), DeviceName: dev.Name(), TransportID: provider})
	}
}

func (c *Controller) bindMetrics(md *managedDevice) {
	dev := md.dev
	var subs []func()
	set := func(id MetricID, value float64, ts time.Time) {
		if !ts.IsZero() {
			c.model.SetMetric(id, value)
		}
	}
	if s, ok := dev.PowerSource(); ok {
		subs = append(subs, s.Power().Listen(func(m transport.PowerMeasurement) {
			set(MetricPower, float64(m.Watts), m.Timestamp)
		}))
	}
	if s, ok := dev.CadenceSource(); ok {
		subs = append(subs, s.Cadence().Listen(func(m transport.CadenceMeasurement) {
			set(MetricCadence, m.RPM, m.Timestamp)
		}))
	}
	if s, ok := dev.SpeedSource(); ok {
		subs = append(subs, s.Speed().Listen(func(m transport.SpeedMeasurement) {
			set(MetricSpeed, m.KMH, m.Timestamp)
		}))
	}
	if s, ok := dev.HeartRateSource(); ok {
		subs = append(subs, s.HeartRate().Listen(func(m transport.HeartRateMeasurement) {
			set(MetricHeartRate, float64(m.BPM), m.Timestamp)
		}))
	}
	md.mu.Lock()
	md.metrics = subs
	md.mu.Unlock()
}

func (c *Controller) ergDevice() *device.CompositeDevice {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.devices))
	for id := range c.devices {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if dev := c.devices[id].dev; dev.SupportsErgMode() {
			return dev
		}
	}
	return nil
}

func (c *Controller) updateTrainerControl() {
	ctl := c.model.TrainerControl()
	ctl.Available = c.ergDevice() != nil
	c.model.SetTrainerControl(ctl)
}

// AdjustTargetPower moves the ERG target by delta steps and sends it to the
// first device that supports ERG.
func (c *Controller) AdjustTargetPower(delta int) {
	ctl := c.model.TrainerControl()
	target := ctl.TargetWatts + delta*targetPowerStep
	if target < transport.MinTargetPowerWatts {
		target = transport.MinTargetPowerWatts
	}
	if target > transport.MaxTargetPowerWatts {
		target = transport.MaxTargetPowerWatts
	}
	ctl.TargetWatts = target

	dev := c.ergDevice()
	ctl.Available = dev != nil
	c.model.SetTrainerControl(ctl)
	if dev == nil {
		c.logger.Printf("Controller: No connected device supports ERG")
		return
	}

	c.wg.Add(1)
	go_func_utils.SafeGo(c.logger, func() {
		defer c.wg.Done()
		if err := dev.SetTargetPower(c.ctx, target); err != nil {
			c.logger.Printf("Controller: Set target power %dW failed: %v", target, err)
			return
		}
		c.logger.Printf("Controller: Target power %dW", target)
	})
}

func (c *Controller) Disconnect(deviceID string) {
	c.mu.Lock()
	md, ok := c.devices[deviceID]
	c.mu.Unlock()
	if !ok {
		c.logger.Printf("Controller: %s is not connected", deviceID)
		return
	}

	c.wg.Add(1)
	go_func_utils.SafeGo(c.logger, func() {
		defer c.wg.Done()
		ctx, cancel := context.WithTimeout(c.ctx, shutdownTimeout)
		defer cancel()
		if err := md.dev.Disconnect(ctx); err != nil {
			c.logger.Printf("Controller: Disconnect %s failed: %v", md.dev.Name(), err)
		}
	})
}

// OnEscapeKey handles when the Escape key is pressed
func (c *Controller) OnEscapeKey() {
	c.model.RequestCloseApplication()
}

// rebuildRows merges the scan results with the devices the controller
// manages, which stay listed after their advertisement expires.
func (c *Controller) rebuildRows() {
	scanned := c.scanner.Devices()

	c.mu.Lock()
	managed := make(map[string]*device.CompositeDevice, len(c.devices))
	for id, md := range c.devices {
		managed[id] = md.dev
	}
	c.mu.Unlock()

	rows := make([]DeviceRow, 0, len(scanned)+len(managed))
	seen := make(map[string]bool)
	for _, d := range scanned {
		seen[d.ID] = true
		row := DeviceRow{
			ID:         d.ID,
			Name:       d.DisplayName(),
			RSSI:       d.Advertisement.RSSI,
			HasSignal:  d.HasRecentSignal,
			Transports: c.compatibleNames(d),
		}
		if dev, ok := managed[d.ID]; ok && dev.State() != device.Disconnected {
			row.State = dev.State().String()
		}
		rows = append(rows, row)
	}

	var extra []DeviceRow
	for id, dev := range managed {
		if seen[id] {
			continue
		}
		row := DeviceRow{ID: id, Name: dev.Name()}
		if dev.State() != device.Disconnected {
			row.State = dev.State().String()
		}
		for _, t := range dev.ActiveTransports() {
			row.Transports = append(row.Transports, t.Name())
		}
		extra = append(extra, row)
	}
	sort.Slice(extra, func(i, j int) bool { return extra[i].ID < extra[j].ID })
	c.model.SetDevices(append(rows, extra...))
}

// compatibleNames caches registry screening per advertised service set.
func (c *Controller) compatibleNames(d bt.DiscoveredDevice) []string {
	key := strings.Join(d.ServiceUUIDs, ",")
	c.mu.Lock()
	entry, ok := c.compat[d.ID]
	c.mu.Unlock()
	if ok && entry.key == key {
		return entry.names
	}
	names := c.registry.CompatibleNames(d, d.ID)
	c.mu.Lock()
	c.compat[d.ID] = compatEntry{key: key, names: names}
	c.mu.Unlock()
	return names
}

// Summary describes the registry's verdict for deviceID.
func (c *Controller) Summary(deviceID string) string {
	for _, d := range c.scanner.Devices() {
		if d.ID == deviceID {
			return c.registry.DeviceSummary(d, deviceID)
		}
	}
	return deviceID + ": not in scan results"
}

// Shutdown stops scanning and disposes every device.
func (c *Controller) Shutdown() {
	c.mu.Lock()
	token := c.token
	c.token = nil
	unsubs := c.unsubs
	c.unsubs = nil
	devices := make([]*managedDevice, 0, len(c.devices))
	for _, md := range c.devices {
		devices = append(devices, md)
	}
	c.devices = make(map[string]*managedDevice)
	c.mu.Unlock()

	if token != nil {
		c.scanner.StopScan(token)
	}
	for _, unsub := range unsubs {
		unsub()
	}
	c.cancel()

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	fns := make([]func(), 0, len(devices))
	for _, md := range devices {
		md := md
		fns = append(fns, func() {
			for _, unsub := range md.unsubs {
				unsub()
			}
			md.unbindMetrics()
			if err := md.dev.Dispose(ctx); err != nil {
				c.logger.Printf("Controller: Dispose %s failed: %v", md.dev.Name(), err)
			}
		})
	}
	go_func_utils.RunParallel(c.logger, fns...)
	c.wg.Wait()
}
