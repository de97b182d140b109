package transport

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/lowaak/smart-trainer/fitness-ble/internal/bt"
	"github.com/lowaak/smart-trainer/fitness-ble/internal/clock"
	"github.com/lowaak/smart-trainer/fitness-ble/internal/events"
)

const unsubscribeTimeout = 5 * time.Second

type Option func(*options)

type options struct {
	clock                clock.Clock
	wheelCircumferenceMM int
}

func defaultOptions() options {
	return options{
		clock:                clock.Real{},
		wheelCircumferenceMM: DefaultWheelCircumferenceMM,
	}
}

func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithWheelCircumference sets the wheel size used to turn wheel revolutions
// into speed.
func WithWheelCircumference(mm int) Option {
	return func(o *options) {
		if mm > 0 {
			o.wheelCircumferenceMM = mm
		}
	}
}

// base carries the attach-state machine and subscription bookkeeping every
// transport shares.
type base struct {
	id       string
	name     string
	deviceID string
	logger   *log.Logger
	opts     options

	state *events.Observable[AttachState]

	mu            sync.Mutex
	lastErr       error
	subscriptions []bt.Characteristic
	attachBusy    bool
	disposed      bool

	// onDetach resets protocol state; onDispose closes data observables.
	onDetach  func()
	onDispose func()
}

func newBase(id string, name string, deviceID string, logger *log.Logger, opts []Option) *base {
	if logger == nil {
		panic(name + " transport: logger cannot be nil")
	}
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &base{
		id:       id,
		name:     name,
		deviceID: deviceID,
		logger:   logger,
		opts:     o,
		state:    events.NewValue(Detached),
	}
}

func (b *base) ID() string {
	return b.id
}

func (b *base) Name() string {
	return b.name
}

func (b *base) AttachState() AttachState {
	return b.state.Get()
}

func (b *base) ListenAttachState(callback func(AttachState)) func() {
	return b.state.Listen(callback)
}

func (b *base) LastAttachError() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastErr
}

func (b *base) isAttached() bool {
	return b.state.Get() == Attached
}

func (b *base) now() time.Time {
	return b.opts.clock.Now()
}

func (b *base) logf(format string, args ...interface{}) {
	b.logger.Printf("%s[%s]: %s", b.name, b.deviceID, fmt.Sprintf(format, args...))
}

// attach runs steps between the Attaching and Attached transitions. On
// failure every subscription made so far is undone and the state returns to
// Detached before attach returns.
func (b *base) attach(ctx context.Context, steps func(ctx context.Context) error) error {
	b.mu.Lock()
	if b.disposed {
		b.mu.Unlock()
		return ErrDisposed
	}
	if b.attachBusy {
		b.mu.Unlock()
		return ErrAttachInProgress
	}
	if b.state.Get() == Attached {
		b.mu.Unlock()
		return nil
	}
	b.attachBusy = true
	b.lastErr = nil
	b.mu.Unlock()

	b.state.Set(Attaching)

	err := ctx.Err()
	if err == nil {
		err = steps(ctx)
	}
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		b.logf("Attach failed: %v", err)
		b.unsubscribeAll()
		if b.onDetach != nil {
			b.onDetach()
		}
		b.mu.Lock()
		b.lastErr = err
		b.attachBusy = false
		b.mu.Unlock()
		b.state.Set(Detached)
		return err
	}

	b.mu.Lock()
	b.attachBusy = false
	b.mu.Unlock()
	b.state.Set(Attached)
	b.logf("Attached")
	return nil
}

// subscribe enables notifications on c and remembers it for detach.
// callback only runs while the transport is attached.
func (b *base) subscribe(ctx context.Context, c bt.Characteristic, callback func(buf []byte)) error {
	return b.subscribeWhen(ctx, c, b.isAttached, callback)
}

// subscribeWhen is subscribe with a custom gate on callback delivery.
func (b *base) subscribeWhen(ctx context.Context, c bt.Characteristic, active func() bool, callback func(buf []byte)) error {
	err := c.EnableNotifications(ctx, func(buf []byte) {
		if !active() {
			return
		}
		callback(buf)
	})
	if err != nil {
		return fmt.Errorf("subscribe to %s: %w", c.UUID(), err)
	}
	b.mu.Lock()
	b.subscriptions = append(b.subscriptions, c)
	b.mu.Unlock()
	return nil
}

func (b *base) unsubscribeAll() {
	b.mu.Lock()
	subs := b.subscriptions
	b.subscriptions = nil
	b.mu.Unlock()

	// Never inherit a cancelled connect context here: unsubscribing is cleanup.
	ctx, cancel := context.WithTimeout(context.Background(), unsubscribeTimeout)
	defer cancel()
	for _, c := range subs {
		if err := c.DisableNotifications(ctx); err != nil {
			b.logf("Error unsubscribing from %s: %v", c.UUID(), err)
		}
	}
}

// Detach unsubscribes and returns to Detached. Detaching a detached
// transport is a no-op.
func (b *base) Detach(ctx context.Context) error {
	if b.state.Get() == Detached {
		b.mu.Lock()
		pending := len(b.subscriptions)
		b.mu.Unlock()
		if pending == 0 {
			return nil
		}
	}
	b.unsubscribeAll()
	if b.onDetach != nil {
		b.onDetach()
	}
	if b.state.Set(Detached) {
		b.logf("Detached")
	}
	return nil
}

// Dispose detaches and releases the state observable. The transport must
// not be used afterwards.
func (b *base) Dispose(ctx context.Context) error {
	b.mu.Lock()
	if b.disposed {
		b.mu.Unlock()
		return nil
	}
	b.disposed = true
	b.mu.Unlock()

	err := b.Detach(ctx)
	if b.onDispose != nil {
		b.onDispose()
	}
	b.state.Close()
	return err
}

func findCharacteristic(services []bt.Service, serviceUUID string, charUUID string) (bt.Characteristic, error) {
	svc := bt.FindService(services, serviceUUID)
	if svc == nil {
		return nil, fmt.Errorf("%w: %s", ErrServiceNotFound, serviceUUID)
	}
	c := bt.FindCharacteristic(svc, charUUID)
	if c == nil {
		return nil, fmt.Errorf("%w: %s", ErrCharacteristicNotFound, charUUID)
	}
	return c, nil
}

func hasService(services []bt.Service, serviceUUID string) bool {
	return bt.FindService(services, serviceUUID) != nil
}
