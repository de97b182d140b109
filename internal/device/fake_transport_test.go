package device

import (
	"context"
	"sync"
	"time"

	"github.com/lowaak/smart-trainer/fitness-ble/internal/bt"
	"github.com/lowaak/smart-trainer/fitness-ble/internal/events"
	"github.com/lowaak/smart-trainer/fitness-ble/internal/transport"
)

// linkRecorder records GATT-phase calls across every transport of a device.
type linkRecorder struct {
	mu          sync.Mutex
	inFlight    int
	maxInFlight int
	calls       []string
}

func (p *linkRecorder) enter(call string) func() {
	p.mu.Lock()
	p.inFlight++
	if p.inFlight > p.maxInFlight {
		p.maxInFlight = p.inFlight
	}
	p.calls = append(p.calls, call)
	p.mu.Unlock()
	return func() {
		p.mu.Lock()
		p.inFlight--
		p.mu.Unlock()
	}
}

func (p *linkRecorder) max() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.maxInFlight
}

func (p *linkRecorder) log() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.calls...)
}

// fakeTransport is a scripted transport implementing every capability
// interface; caps decides which ones it advertises.
type fakeTransport struct {
	id      string
	caps    transport.CapabilitySet
	support bool

	verifyOK  bool
	verifyErr error
	attachErr error
	// attachEntered is closed when Attach starts; attachGate holds it until
	// closed or ctx is done.
	attachEntered chan struct{}
	attachGate    chan struct{}
	opDelay       time.Duration
	recorder      *linkRecorder

	state *events.Observable[transport.AttachState]
	power *events.Observable[transport.PowerMeasurement]

	mu       sync.Mutex
	lastErr  error
	detaches int
	disposed bool
	targets  []int
	sims     []transport.SimulationParameters
}

var (
	_ transport.Transport            = (*fakeTransport)(nil)
	_ transport.PowerSource          = (*fakeTransport)(nil)
	_ transport.ErgController        = (*fakeTransport)(nil)
	_ transport.SimulationController = (*fakeTransport)(nil)
)

func newFakeTransport(id string, recorder *linkRecorder, caps ...transport.Capability) *fakeTransport {
	return &fakeTransport{
		id:       id,
		caps:     transport.NewCapabilitySet(caps...),
		support:  true,
		verifyOK: true,
		recorder: recorder,
		state:    events.NewValue(transport.Detached),
		power:    events.NewObservable(transport.PowerMeasurement{}, nil, false),
	}
}

func (f *fakeTransport) ID() string   { return f.id }
func (f *fakeTransport) Name() string { return f.id }

func (f *fakeTransport) CanSupport(bt.DiscoveredDevice) bool { return f.support }

func (f *fakeTransport) VerifyCompatibility(ctx context.Context, link bt.Link, services []bt.Service) (bool, error) {
	defer f.recorder.enter("verify " + f.id)()
	time.Sleep(f.opDelay)
	return f.verifyOK, f.verifyErr
}

func (f *fakeTransport) Attach(ctx context.Context, link bt.Link, services []bt.Service) error {
	defer f.recorder.enter("attach " + f.id)()
	f.state.Set(transport.Attaching)
	if f.attachEntered != nil {
		close(f.attachEntered)
	}
	time.Sleep(f.opDelay)

	err := f.attachErr
	if f.attachGate != nil {
		select {
		case <-f.attachGate:
		case <-ctx.Done():
			err = ctx.Err()
		}
	}
	f.mu.Lock()
	f.lastErr = err
	f.mu.Unlock()
	if err != nil {
		f.state.Set(transport.Detached)
		return err
	}
	f.state.Set(transport.Attached)
	return nil
}

func (f *fakeTransport) Detach(ctx context.Context) error {
	f.mu.Lock()
	f.detaches++
	f.mu.Unlock()
	f.state.Set(transport.Detached)
	return nil
}

func (f *fakeTransport) Dispose(ctx context.Context) error {
	f.mu.Lock()
	f.disposed = true
	f.mu.Unlock()
	f.state.Set(transport.Detached)
	f.state.Close()
	return nil
}

func (f *fakeTransport) AttachState() transport.AttachState { return f.state.Get() }

func (f *fakeTransport) ListenAttachState(callback func(transport.AttachState)) func() {
	return f.state.Listen(callback)
}

func (f *fakeTransport) LastAttachError() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastErr
}

func (f *fakeTransport) Capabilities() transport.CapabilitySet { return f.caps }

func (f *fakeTransport) Power() *events.Observable[transport.PowerMeasurement] { return f.power }

func (f *fakeTransport) SetTargetPower(ctx context.Context, watts int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.targets = append(f.targets, watts)
	return nil
}

func (f *fakeTransport) SetSimulationParameters(ctx context.Context, params transport.SimulationParameters) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sims = append(f.sims, params)
	return nil
}

func (f *fakeTransport) isDisposed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.disposed
}

func (f *fakeTransport) detachCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.detaches
}

func (f *fakeTransport) targetPowers() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.targets...)
}
