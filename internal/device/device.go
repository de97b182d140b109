// Package device composes the transports of one physical BLE device behind a
// single radio link.
package device

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/lowaak/smart-trainer/fitness-ble/internal/bt"
	"github.com/lowaak/smart-trainer/fitness-ble/internal/events"
	"github.com/lowaak/smart-trainer/fitness-ble/internal/go_func_utils"
	"github.com/lowaak/smart-trainer/fitness-ble/internal/transport"
)

type ConnectionState int

const (
	Disconnected ConnectionState = iota
	Connecting
	Connected
)

func (s ConnectionState) String() string {
	switch s {
	case Connecting:
		return "Connecting"
	case Connected:
		return "Connected"
	default:
		return "Disconnected"
	}
}

const defaultMTU = 23

// CompositeDevice is one physical device and the transports attached over
// its radio link.
//
// GATT work against the link (verify, attach) is strictly serial. Detach
// and dispose run in parallel across transports.
type CompositeDevice struct {
	id         string
	platform   bt.Platform
	transports []transport.Transport
	logger     *log.Logger
	opts       options

	state *events.Observable[ConnectionState]
	caps  *events.Observable[transport.CapabilitySet]

	publishMu    sync.Mutex // keeps state and capability updates published in order
	mu           sync.Mutex
	name         string
	discovered   *bt.DiscoveredDevice
	active       []transport.Transport
	capabilities map[transport.Capability]transport.Transport
	lastErr      error
	pipeline     bool
	pipelineDone chan struct{}
	cancel       context.CancelFunc
	generation   uint64
	linkOpen     bool
	disposed     bool
	wantLink     bool
	reconnecting context.CancelFunc

	deregs []func()
}

// New builds a device over transports, which are screened and attached in
// list order on Connect. The device owns the transports and disposes them.
func New(deviceID string, platform bt.Platform, transports []transport.Transport, logger *log.Logger, opts ...Option) *CompositeDevice {
	if logger == nil {
		panic("CompositeDevice: logger cannot be nil")
	}
	if platform == nil {
		panic("CompositeDevice: platform cannot be nil")
	}
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	d := &CompositeDevice{
		id:           deviceID,
		platform:     platform,
		transports:   append([]transport.Transport(nil), transports...),
		logger:       logger,
		opts:         o,
		state:        events.NewValue(Disconnected),
		caps:         events.NewValue(transport.CapabilitySet(0)),
		name:         o.name,
		capabilities: make(map[transport.Capability]transport.Transport),
	}
	for _, t := range d.transports {
		d.deregs = append(d.deregs, t.ListenAttachState(func(transport.AttachState) {
			d.recompute()
		}))
		if n, ok := t.(transport.CapabilityNotifier); ok {
			d.deregs = append(d.deregs, n.ListenCapabilities(func(transport.CapabilitySet) {
				d.recompute()
			}))
		}
	}
	d.deregs = append(d.deregs, platform.ListenConnectionEvents(d.handleConnectionEvent))
	return d
}

func (d *CompositeDevice) ID() string {
	return d.id
}

func (d *CompositeDevice) Name() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.name == "" {
		return d.id
	}
	return d.name
}

func (d *CompositeDevice) State() ConnectionState {
	return d.state.Get()
}

func (d *CompositeDevice) ListenState(callback func(ConnectionState)) func() {
	return d.state.Listen(callback)
}

// LastError is the most recent top-level connect failure or link loss,
// cleared by a successful connect.
func (d *CompositeDevice) LastError() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastErr
}

// Transports returns every configured transport, attached or not.
func (d *CompositeDevice) Transports() []transport.Transport {
	return append([]transport.Transport(nil), d.transports...)
}

// ActiveTransports returns the transports that attached on the last
// successful connect.
func (d *CompositeDevice) ActiveTransports() []transport.Transport {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]transport.Transport(nil), d.active...)
}

func (d *CompositeDevice) logf(format string, args ...interface{}) {
	d.logger.Printf("CompositeDevice[%s]: %s", d.id, fmt.Sprintf(format, args...))
}

// Connect opens the radio link and attaches every compatible transport.
// discovered may be nil when the device was not seen in a scan, in which
// case transports are first screened against the discovered services.
//
// Connect succeeds when at least one transport attaches. On any failure the
// link is closed before the *ConnectError is returned.
func (d *CompositeDevice) Connect(ctx context.Context, discovered *bt.DiscoveredDevice) error {
	d.mu.Lock()
	if d.disposed {
		d.mu.Unlock()
		return &ConnectError{DeviceID: d.id, Kind: ErrDisposed}
	}
	if d.pipeline {
		d.mu.Unlock()
		return &ConnectError{DeviceID: d.id, Kind: ErrConnectInProgress}
	}
	if d.linkOpen && len(d.active) > 0 {
		d.mu.Unlock()
		return nil
	}
	d.generation++
	gen := d.generation
	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.pipeline = true
	done := make(chan struct{})
	d.pipelineDone = done
	d.wantLink = true
	if discovered != nil {
		copied := *discovered
		d.discovered = &copied
		if copied.Name != "" {
			d.name = copied.Name
		}
	}
	d.mu.Unlock()
	defer close(done)
	defer cancel()

	d.recompute()
	d.logf("Connecting...")

	attached, err := d.runPipeline(ctx, gen, discovered)

	d.mu.Lock()
	d.pipeline = false
	d.pipelineDone = nil
	d.cancel = nil
	stale := gen != d.generation || d.disposed
	if err == nil && stale {
		err = &ConnectError{DeviceID: d.id, Kind: ErrDisposed}
	}
	if err == nil {
		d.active = attached
		d.lastErr = nil
	} else if !stale {
		d.lastErr = err
	}
	d.mu.Unlock()

	if err != nil {
		if stale {
			// Disconnect or Dispose ran meanwhile; drop what this connect built
			d.detachAll(attached)
			d.closeLink()
		}
		d.logf("Connect failed: %v", err)
	} else {
		d.logf("Connected with %d transport(s), capabilities %s", len(attached), d.Capabilities())
	}
	d.recompute()
	return err
}

// runPipeline runs the connect steps. Whatever it returns with a non-nil
// error has already been detached and the link closed.
func (d *CompositeDevice) runPipeline(ctx context.Context, gen uint64, discovered *bt.DiscoveredDevice) ([]transport.Transport, error) {
	fail := func(kind error, cause error, touched []transport.Transport) ([]transport.Transport, error) {
		if ctx.Err() != nil {
			kind, cause = d.cancelKind(), ctx.Err()
			d.detachAll(touched)
		}
		d.closeLink()
		return nil, &ConnectError{DeviceID: d.id, Kind: kind, Err: cause}
	}

	// Radio connect, bounded by the connect timeout
	connectCtx, cancelConnect := context.WithTimeout(ctx, d.opts.connectTimeout)
	err := d.platform.Connect(connectCtx, d.id, d.opts.connectTimeout)
	timedOut := errors.Is(connectCtx.Err(), context.DeadlineExceeded)
	cancelConnect()
	if err != nil {
		kind := ErrConnectFailed
		if timedOut || errors.Is(err, context.DeadlineExceeded) {
			kind = ErrConnectTimeout
		}
		if ctx.Err() != nil {
			return nil, &ConnectError{DeviceID: d.id, Kind: d.cancelKind(), Err: ctx.Err()}
		}
		return nil, &ConnectError{DeviceID: d.id, Kind: kind, Err: err}
	}
	d.mu.Lock()
	d.linkOpen = true
	d.mu.Unlock()
	if ctx.Err() != nil {
		return fail(nil, nil, nil)
	}

	mtu, err := d.platform.RequestMTU(ctx, d.id)
	if err != nil {
		d.logf("MTU negotiation failed, using default: %v", err)
		mtu = defaultMTU
	}
	link := bt.Link{DeviceID: d.id, MTU: mtu}

	// Services are discovered once and shared by every transport
	services, err := d.platform.DiscoverServices(ctx, d.id)
	if err != nil {
		return fail(ErrConnectFailed, fmt.Errorf("discover services: %w", err), nil)
	}
	d.logf("Discovered %d service(s), MTU %d", len(services), mtu)

	candidates := d.transports
	if discovered == nil {
		candidates = d.screen(services)
	}

	// Phase 2: verify serially, never two GATT operations in flight
	var verified []transport.Transport
	for _, t := range candidates {
		if ctx.Err() != nil {
			return fail(nil, nil, nil)
		}
		ok, err := t.VerifyCompatibility(ctx, link, services)
		if err != nil {
			d.logf("%s verification failed: %v", t.Name(), err)
			continue
		}
		if !ok {
			d.logf("%s not compatible", t.Name())
			continue
		}
		verified = append(verified, t)
	}
	if ctx.Err() != nil {
		return fail(nil, nil, nil)
	}
	if len(verified) == 0 {
		return fail(ErrNoCompatibleTransports, nil, nil)
	}

	// Attach serially; one failure never aborts the rest
	var (
		attached   []transport.Transport
		attachErrs []error
	)
	for i, t := range verified {
		if ctx.Err() != nil {
			return fail(nil, nil, verified[:i])
		}
		if err := t.Attach(ctx, link, services); err != nil {
			d.logf("%s attach failed: %v", t.Name(), err)
			attachErrs = append(attachErrs, fmt.Errorf("%s: %w", t.Name(), err))
			continue
		}
		attached = append(attached, t)
	}
	if ctx.Err() != nil {
		return fail(nil, nil, verified)
	}
	if len(attached) == 0 {
		return fail(ErrAllAttachFailed, errors.Join(attachErrs...), nil)
	}

	d.mu.Lock()
	stale := gen != d.generation || d.disposed
	d.mu.Unlock()
	if stale {
		d.detachAll(attached)
		d.closeLink()
		return nil, &ConnectError{DeviceID: d.id, Kind: d.cancelKind()}
	}
	return attached, nil
}

// screen re-runs CanSupport against an advertisement synthesized from the
// discovered services.
func (d *CompositeDevice) screen(services []bt.Service) []transport.Transport {
	synthesized := bt.SynthesizeDiscoveredDevice(d.id, d.Name(), services, d.opts.clock.Now())
	var out []transport.Transport
	for _, t := range d.transports {
		if d.canSupport(t, synthesized) {
			out = append(out, t)
		} else {
			d.logf("%s excluded by service screening", t.Name())
		}
	}
	return out
}

func (d *CompositeDevice) canSupport(t transport.Transport, device bt.DiscoveredDevice) (ok bool) {
	defer func() {
		if p := recover(); p != nil {
			d.logf("%s CanSupport panicked: %v", t.Name(), p)
			ok = false
		}
	}()
	return t.CanSupport(device)
}

func (d *CompositeDevice) cancelKind() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.disposed {
		return ErrDisposed
	}
	return ErrConnectCancelled
}

// Disconnect cancels any connect in progress and waits for it to unwind,
// then detaches every transport and closes the radio link. Safe to call in
// any state.
func (d *CompositeDevice) Disconnect(ctx context.Context) error {
	d.mu.Lock()
	d.wantLink = false
	d.generation++
	if d.cancel != nil {
		d.cancel()
	}
	done := d.pipelineDone
	if d.reconnecting != nil {
		d.reconnecting()
		d.reconnecting = nil
	}
	d.active = nil
	d.mu.Unlock()

	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			d.logf("Gave up waiting for connect to unwind: %v", ctx.Err())
		}
	}

	d.detachAll(d.transports)
	d.closeLink()
	d.recompute()
	d.logf("Disconnected")
	return nil
}

// Dispose disconnects, disposes every transport and releases the state
// observable. A connect still in flight finishes with ErrDisposed and its
// result is discarded.
func (d *CompositeDevice) Dispose(ctx context.Context) error {
	d.mu.Lock()
	if d.disposed {
		d.mu.Unlock()
		return nil
	}
	d.disposed = true
	d.wantLink = false
	d.generation++
	if d.cancel != nil {
		d.cancel()
	}
	if d.reconnecting != nil {
		d.reconnecting()
		d.reconnecting = nil
	}
	d.active = nil
	d.capabilities = make(map[transport.Capability]transport.Transport)
	deregs := d.deregs
	d.deregs = nil
	d.mu.Unlock()

	for _, dereg := range deregs {
		dereg()
	}

	fns := make([]func(), 0, len(d.transports))
	for _, t := range d.transports {
		t := t
		fns = append(fns, func() {
			if err := t.Dispose(ctx); err != nil {
				d.logf("Error disposing %s: %v", t.Name(), err)
			}
		})
	}
	go_func_utils.RunParallel(d.logger, fns...)

	d.closeLink()
	d.publishMu.Lock()
	d.caps.Set(0)
	d.state.Set(Disconnected)
	d.caps.Close()
	d.state.Close()
	d.publishMu.Unlock()
	d.logf("Disposed")
	return nil
}

func (d *CompositeDevice) detachAll(ts []transport.Transport) {
	if len(ts) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), disconnectTimeout)
	defer cancel()

	fns := make([]func(), 0, len(ts))
	for _, t := range ts {
		t := t
		fns = append(fns, func() {
			if err := t.Detach(ctx); err != nil {
				d.logf("Error detaching %s: %v", t.Name(), err)
			}
		})
	}
	go_func_utils.RunParallel(d.logger, fns...)
}

func (d *CompositeDevice) closeLink() {
	d.mu.Lock()
	if !d.linkOpen {
		d.mu.Unlock()
		return
	}
	d.linkOpen = false
	d.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), disconnectTimeout)
	defer cancel()
	if err := d.platform.Disconnect(ctx, d.id); err != nil {
		d.logf("Error closing link: %v", err)
	}
}

// handleConnectionEvent reacts to the link dropping outside of Connect and
// Disconnect.
func (d *CompositeDevice) handleConnectionEvent(ev bt.ConnectionEvent) {
	if ev.DeviceID != d.id || ev.Connected {
		return
	}
	d.mu.Lock()
	if !d.linkOpen || d.pipeline || d.disposed {
		d.mu.Unlock()
		return
	}
	d.linkOpen = false
	lost := d.active
	d.active = nil
	d.lastErr = &ConnectError{DeviceID: d.id, Kind: ErrLinkLost}
	reconnect := d.opts.autoReconnect && d.wantLink
	d.mu.Unlock()

	d.logf("Link lost")
	d.detachAll(lost)
	d.recompute()
	if reconnect {
		d.startReconnect()
	}
}

// recompute derives the aggregate state and the capability routes from the
// active transports. State listeners must not trigger a recompute
// synchronously.
func (d *CompositeDevice) recompute() {
	d.publishMu.Lock()
	defer d.publishMu.Unlock()

	d.mu.Lock()
	if d.disposed {
		d.mu.Unlock()
		return
	}
	state := aggregateState(d.pipeline, d.active)
	d.capabilities = routeCapabilities(d.active)
	caps := capabilitySet(d.capabilities)
	d.mu.Unlock()

	if d.caps.Set(caps) {
		d.logf("Capabilities: %s", caps)
	}
	if d.state.Set(state) {
		d.logf("State: %s", state)
	}
}

// aggregateState is Connecting while a connect runs or any transport is
// attaching, Connected when every active transport is attached, and
// Disconnected otherwise.
func aggregateState(pipeline bool, active []transport.Transport) ConnectionState {
	if pipeline {
		return Connecting
	}
	if len(active) == 0 {
		return Disconnected
	}
	all := true
	for _, t := range active {
		switch t.AttachState() {
		case transport.Attaching:
			return Connecting
		case transport.Detached:
			all = false
		}
	}
	if all {
		return Connected
	}
	return Disconnected
}
