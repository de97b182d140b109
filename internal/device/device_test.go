package device

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lowaak/smart-trainer/fitness-ble/internal/bt"
	"github.com/lowaak/smart-trainer/fitness-ble/internal/bt/bttest"
	"github.com/lowaak/smart-trainer/fitness-ble/internal/clock"
	"github.com/lowaak/smart-trainer/fitness-ble/internal/transport"
)

const testDeviceID = "AA:BB:CC:DD:EE:FF"

type deviceFixture struct {
	platform   *bttest.FakePlatform
	peripheral *bttest.FakePeripheral
	recorder   *linkRecorder
	clock      *clock.Fake
	discovered *bt.DiscoveredDevice
}

func newDeviceFixture() *deviceFixture {
	platform := bttest.NewFakePlatform()
	p := bttest.NewPeripheral(testDeviceID, "Trainer", bt.ServiceUUIDFTMS)
	p.AddService(bt.ServiceUUIDFTMS)
	platform.AddPeripheral(p)
	return &deviceFixture{
		platform:   platform,
		peripheral: p,
		recorder:   &linkRecorder{},
		clock:      clock.NewFake(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)),
		discovered: &bt.DiscoveredDevice{ID: testDeviceID, Name: "Trainer"},
	}
}

func (f *deviceFixture) transport(id string, caps ...transport.Capability) *fakeTransport {
	return newFakeTransport(id, f.recorder, caps...)
}

func (f *deviceFixture) device(t *testing.T, ts []*fakeTransport, opts ...Option) *CompositeDevice {
	t.Helper()
	list := make([]transport.Transport, 0, len(ts))
	for _, ft := range ts {
		list = append(list, ft)
	}
	opts = append([]Option{WithClock(f.clock)}, opts...)
	d := New(testDeviceID, f.platform, list, log.New(io.Discard, "", 0), opts...)
	t.Cleanup(func() { _ = d.Dispose(context.Background()) })
	return d
}

func ids(ts []transport.Transport) []string {
	out := make([]string, 0, len(ts))
	for _, t := range ts {
		out = append(out, t.ID())
	}
	return out
}

func TestConnect_AllAttach(t *testing.T) {
	f := newDeviceFixture()
	a := f.transport("a", transport.CapabilityPower)
	b := f.transport("b", transport.CapabilityHeartRate)
	d := f.device(t, []*fakeTransport{a, b})

	var states []ConnectionState
	d.ListenState(func(s ConnectionState) { states = append(states, s) })

	require.NoError(t, d.Connect(context.Background(), f.discovered))
	assert.Equal(t, Connected, d.State())
	assert.Equal(t, []ConnectionState{Disconnected, Connecting, Connected}, states)
	assert.True(t, f.peripheral.IsConnected())
	assert.NoError(t, d.LastError())
	assert.Equal(t, "Trainer", d.Name())
}

func TestConnect_PartialAttach(t *testing.T) {
	f := newDeviceFixture()
	a := f.transport("a", transport.CapabilityPower)
	b := f.transport("b", transport.CapabilityERG)
	b.attachErr = errors.New("cccd write failed")
	c := f.transport("c", transport.CapabilityHeartRate)
	d := f.device(t, []*fakeTransport{a, b, c})

	require.NoError(t, d.Connect(context.Background(), f.discovered))

	assert.Equal(t, Connected, d.State())
	assert.Equal(t, []string{"a", "c"}, ids(d.ActiveTransports()))
	assert.Equal(t, transport.NewCapabilitySet(transport.CapabilityPower, transport.CapabilityHeartRate), d.Capabilities())
	assert.False(t, d.SupportsErgMode())
	assert.EqualError(t, b.LastAttachError(), "cccd write failed")
	assert.Equal(t, transport.Detached, b.AttachState())
}

func TestConnect_TotalAttachFailureClosesLink(t *testing.T) {
	f := newDeviceFixture()
	a := f.transport("a", transport.CapabilityPower)
	a.attachErr = errors.New("a failed")
	b := f.transport("b", transport.CapabilityCadence)
	b.attachErr = errors.New("b failed")
	d := f.device(t, []*fakeTransport{a, b})

	err := d.Connect(context.Background(), f.discovered)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAllAttachFailed)

	var connectErr *ConnectError
	require.ErrorAs(t, err, &connectErr)
	assert.Equal(t, testDeviceID, connectErr.DeviceID)

	assert.Equal(t, Disconnected, d.State())
	assert.False(t, f.peripheral.IsConnected(), "link must not be left open")
	assert.Equal(t, 1, f.platform.DisconnectCalls(testDeviceID))
	assert.ErrorIs(t, d.LastError(), ErrAllAttachFailed)
}

func TestConnect_NoCompatibleTransports(t *testing.T) {
	f := newDeviceFixture()
	a := f.transport("a", transport.CapabilityPower)
	a.verifyOK = false
	b := f.transport("b", transport.CapabilityPower)
	b.verifyErr = errors.New("feature read failed")
	d := f.device(t, []*fakeTransport{a, b})

	err := d.Connect(context.Background(), f.discovered)
	assert.ErrorIs(t, err, ErrNoCompatibleTransports)
	assert.False(t, f.peripheral.IsConnected())
	assert.Equal(t, []string{"verify a", "verify b"}, f.recorder.log(), "nothing is attached")
	assert.Equal(t, Disconnected, d.State())
}

func TestConnect_VerifyErrorExcludesOnlyThatTransport(t *testing.T) {
	f := newDeviceFixture()
	a := f.transport("a", transport.CapabilityPower)
	a.verifyErr = errors.New("boom")
	b := f.transport("b", transport.CapabilityHeartRate)
	d := f.device(t, []*fakeTransport{a, b})

	require.NoError(t, d.Connect(context.Background(), f.discovered))
	assert.Equal(t, []string{"b"}, ids(d.ActiveTransports()))
	assert.Equal(t, transport.Detached, a.AttachState())
}

func TestConnect_RadioFailure(t *testing.T) {
	f := newDeviceFixture()
	f.peripheral.ConnectErr = errors.New("le-connection-abort-by-local")
	a := f.transport("a", transport.CapabilityPower)
	d := f.device(t, []*fakeTransport{a})

	err := d.Connect(context.Background(), f.discovered)
	assert.ErrorIs(t, err, ErrConnectFailed)
	assert.Empty(t, f.recorder.log())
	assert.Equal(t, Disconnected, d.State())
	assert.ErrorIs(t, d.LastError(), ErrConnectFailed)
}

func TestConnect_RadioTimeout(t *testing.T) {
	f := newDeviceFixture()
	f.peripheral.ConnectGate = make(chan struct{})
	d := f.device(t, []*fakeTransport{f.transport("a", transport.CapabilityPower)}, WithConnectTimeout(20*time.Millisecond))

	err := d.Connect(context.Background(), f.discovered)
	assert.ErrorIs(t, err, ErrConnectTimeout)
	assert.NotErrorIs(t, err, ErrConnectFailed)
	assert.Equal(t, Disconnected, d.State())
}

func TestConnect_MTUFailureIsNotFatal(t *testing.T) {
	f := newDeviceFixture()
	f.peripheral.MTUErr = errors.New("mtu exchange rejected")
	d := f.device(t, []*fakeTransport{f.transport("a", transport.CapabilityPower)})

	require.NoError(t, d.Connect(context.Background(), f.discovered))
	assert.Equal(t, Connected, d.State())
}

func TestConnect_DiscoveryFailure(t *testing.T) {
	f := newDeviceFixture()
	f.peripheral.DiscoverErr = errors.New("gatt discovery failed")
	d := f.device(t, []*fakeTransport{f.transport("a", transport.CapabilityPower)})

	assert.ErrorIs(t, d.Connect(context.Background(), f.discovered), ErrConnectFailed)
	assert.False(t, f.peripheral.IsConnected())
}

func TestConnect_SerialVerifyThenAttach(t *testing.T) {
	f := newDeviceFixture()
	var ts []*fakeTransport
	for _, id := range []string{"a", "b", "c"} {
		ft := f.transport(id, transport.CapabilityPower)
		ft.opDelay = 5 * time.Millisecond
		ts = append(ts, ft)
	}
	d := f.device(t, ts)

	require.NoError(t, d.Connect(context.Background(), f.discovered))
	assert.Equal(t, 1, f.recorder.max(), "two GATT phases were in flight at once")
	assert.Equal(t, []string{
		"verify a", "verify b", "verify c",
		"attach a", "attach b", "attach c",
	}, f.recorder.log())
}

func TestConnect_ScreensWithoutAdvertisement(t *testing.T) {
	f := newDeviceFixture()
	a := f.transport("a", transport.CapabilityPower)
	b := f.transport("b", transport.CapabilityHeartRate)
	b.support = false
	d := f.device(t, []*fakeTransport{a, b})

	require.NoError(t, d.Connect(context.Background(), nil))
	assert.Equal(t, []string{"verify a", "attach a"}, f.recorder.log())
}

func TestConnect_AlreadyConnectedIsNoop(t *testing.T) {
	f := newDeviceFixture()
	d := f.device(t, []*fakeTransport{f.transport("a", transport.CapabilityPower)})

	require.NoError(t, d.Connect(context.Background(), f.discovered))
	require.NoError(t, d.Connect(context.Background(), f.discovered))
	assert.Equal(t, 1, f.platform.ConnectCalls(testDeviceID))
}

func TestCapabilityRouting(t *testing.T) {
	f := newDeviceFixture()
	meter := f.transport("meter", transport.CapabilityPower)
	trainer := f.transport("trainer", transport.CapabilityPower, transport.CapabilityERG)
	d := f.device(t, []*fakeTransport{meter, trainer})

	assert.ErrorIs(t, d.SetTargetPower(context.Background(), 200), transport.ErrCapabilityUnsupported, "nothing attached yet")

	require.NoError(t, d.Connect(context.Background(), f.discovered))

	src, ok := d.PowerSource()
	require.True(t, ok)
	assert.Same(t, meter, src, "first transport in list order wins")
	assert.Equal(t, "trainer", d.CapabilityProvider(transport.CapabilityERG))

	require.True(t, d.SupportsErgMode())
	require.NoError(t, d.SetTargetPower(context.Background(), 180))
	assert.Equal(t, []int{180}, trainer.targetPowers())
	assert.Empty(t, meter.targetPowers())

	assert.False(t, d.SupportsSimulationMode())
	assert.ErrorIs(t, d.SetSimulationParameters(context.Background(), transport.DefaultSimulationParameters),
		transport.ErrCapabilityUnsupported)

	_, ok = d.HeartRateSource()
	assert.False(t, ok)
}

func TestCapabilitiesFollowDetach(t *testing.T) {
	f := newDeviceFixture()
	a := f.transport("a", transport.CapabilityPower)
	b := f.transport("b", transport.CapabilityERG)
	d := f.device(t, []*fakeTransport{a, b})
	require.NoError(t, d.Connect(context.Background(), f.discovered))

	require.NoError(t, b.Detach(context.Background()))
	assert.False(t, d.SupportsErgMode())
	assert.Equal(t, Disconnected, d.State(), "connected requires every active transport attached")
}

func TestConnect_Cancellation(t *testing.T) {
	f := newDeviceFixture()
	a := f.transport("a", transport.CapabilityPower)
	b := f.transport("b", transport.CapabilityERG)
	b.attachEntered = make(chan struct{})
	b.attachGate = make(chan struct{})
	c := f.transport("c", transport.CapabilityHeartRate)
	d := f.device(t, []*fakeTransport{a, b, c})

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- d.Connect(ctx, f.discovered) }()

	<-b.attachEntered
	cancel()

	err := <-errCh
	assert.ErrorIs(t, err, ErrConnectCancelled)
	assert.ErrorIs(t, err, context.Canceled)

	// Cleanup is complete by the time Connect returns
	for _, ft := range []*fakeTransport{a, b, c} {
		assert.Equal(t, transport.Detached, ft.AttachState(), ft.id)
	}
	assert.GreaterOrEqual(t, a.detachCount(), 1)
	assert.NotContains(t, f.recorder.log(), "attach c")
	assert.False(t, f.peripheral.IsConnected())
	assert.Equal(t, Disconnected, d.State())
}

func TestDisconnect(t *testing.T) {
	f := newDeviceFixture()
	a := f.transport("a", transport.CapabilityPower)
	b := f.transport("b", transport.CapabilityHeartRate)
	d := f.device(t, []*fakeTransport{a, b})
	require.NoError(t, d.Connect(context.Background(), f.discovered))

	require.NoError(t, d.Disconnect(context.Background()))
	assert.Equal(t, Disconnected, d.State())
	assert.Equal(t, transport.Detached, a.AttachState())
	assert.Equal(t, transport.Detached, b.AttachState())
	assert.False(t, f.peripheral.IsConnected())
	assert.Empty(t, d.ActiveTransports())
	assert.Zero(t, d.Capabilities())

	require.NoError(t, d.Disconnect(context.Background()))
	assert.Equal(t, 1, f.platform.DisconnectCalls(testDeviceID))

	// Reconnect after a clean disconnect
	require.NoError(t, d.Connect(context.Background(), f.discovered))
	assert.Equal(t, Connected, d.State())
}

func TestDisconnect_DuringConnect(t *testing.T) {
	f := newDeviceFixture()
	a := f.transport("a", transport.CapabilityPower)
	a.attachEntered = make(chan struct{})
	a.attachGate = make(chan struct{})
	d := f.device(t, []*fakeTransport{a})

	errCh := make(chan error, 1)
	go func() { errCh <- d.Connect(context.Background(), f.discovered) }()
	<-a.attachEntered

	require.NoError(t, d.Disconnect(context.Background()))
	assert.Equal(t, transport.Detached, a.AttachState())
	assert.False(t, f.peripheral.IsConnected())

	assert.ErrorIs(t, <-errCh, ErrConnectCancelled)
	assert.NoError(t, d.LastError(), "a connect cancelled by Disconnect is not a failure")
}

func TestDispose_MidConnect(t *testing.T) {
	f := newDeviceFixture()
	a := f.transport("a", transport.CapabilityPower)
	a.attachEntered = make(chan struct{})
	a.attachGate = make(chan struct{})
	d := f.device(t, []*fakeTransport{a})

	errCh := make(chan error, 1)
	go func() { errCh <- d.Connect(context.Background(), f.discovered) }()
	<-a.attachEntered

	require.NoError(t, d.Dispose(context.Background()))
	err := <-errCh
	assert.ErrorIs(t, err, ErrDisposed)

	assert.True(t, a.isDisposed())
	assert.False(t, f.peripheral.IsConnected())
	assert.Equal(t, Disconnected, d.State())
	assert.Empty(t, d.ActiveTransports())

	assert.ErrorIs(t, d.Connect(context.Background(), f.discovered), ErrDisposed)
	assert.NoError(t, d.Dispose(context.Background()))
}

func TestDispose_DisposesAllTransports(t *testing.T) {
	f := newDeviceFixture()
	a := f.transport("a", transport.CapabilityPower)
	b := f.transport("b", transport.CapabilityHeartRate)
	d := f.device(t, []*fakeTransport{a, b})
	require.NoError(t, d.Connect(context.Background(), f.discovered))

	var states []ConnectionState
	d.ListenState(func(s ConnectionState) { states = append(states, s) })

	require.NoError(t, d.Dispose(context.Background()))
	assert.True(t, a.isDisposed())
	assert.True(t, b.isDisposed())
	assert.False(t, f.peripheral.IsConnected())
	assert.Equal(t, []ConnectionState{Connected, Disconnected}, states)
	assert.Zero(t, d.state.ListenerCount(), "state observable is released")
}

func TestLinkLoss(t *testing.T) {
	f := newDeviceFixture()
	a := f.transport("a", transport.CapabilityPower)
	d := f.device(t, []*fakeTransport{a})
	require.NoError(t, d.Connect(context.Background(), f.discovered))

	f.platform.DropLink(testDeviceID)

	assert.Equal(t, Disconnected, d.State())
	assert.ErrorIs(t, d.LastError(), ErrLinkLost)
	assert.Equal(t, transport.Detached, a.AttachState())
	assert.False(t, d.SupportsErgMode())
	assert.Equal(t, 1, f.platform.ConnectCalls(testDeviceID), "no reconnect unless enabled")
}

func TestLinkLoss_AutoReconnect(t *testing.T) {
	f := newDeviceFixture()
	a := f.transport("a", transport.CapabilityPower)
	d := f.device(t, []*fakeTransport{a}, WithAutoReconnect(10*time.Second))
	require.NoError(t, d.Connect(context.Background(), f.discovered))

	f.peripheral.ConnectErr = errors.New("out of range")
	f.platform.DropLink(testDeviceID)

	// First attempt is immediate and fails
	require.Eventually(t, func() bool { return errors.Is(d.LastError(), ErrConnectFailed) }, time.Second, time.Millisecond)
	assert.Equal(t, 2, f.platform.ConnectCalls(testDeviceID))
	assert.Equal(t, Disconnected, d.State())

	f.peripheral.ConnectErr = nil
	require.Eventually(t, func() bool {
		f.clock.Advance(time.Second)
		return d.State() == Connected
	}, time.Second, 5*time.Millisecond)
	assert.NoError(t, d.LastError())
	assert.Equal(t, transport.Attached, a.AttachState())
}

func TestLinkLoss_NoReconnectAfterDisconnect(t *testing.T) {
	f := newDeviceFixture()
	d := f.device(t, []*fakeTransport{f.transport("a", transport.CapabilityPower)}, WithAutoReconnect(time.Second))
	require.NoError(t, d.Connect(context.Background(), f.discovered))
	require.NoError(t, d.Disconnect(context.Background()))

	f.platform.DropLink(testDeviceID)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, f.platform.ConnectCalls(testDeviceID))
}

func TestBackoffDelay(t *testing.T) {
	max := 30 * time.Second
	assert.Equal(t, time.Second, backoffDelay(1, max))
	assert.Equal(t, 2*time.Second, backoffDelay(2, max))
	assert.Equal(t, 16*time.Second, backoffDelay(5, max))
	assert.Equal(t, max, backoffDelay(6, max))
	assert.Equal(t, max, backoffDelay(64, max))
}

func TestConnectError(t *testing.T) {
	cause := errors.New("gatt 133")
	err := &ConnectError{DeviceID: "dev", Kind: ErrConnectFailed, Err: cause}
	assert.Equal(t, "device dev: radio connection failed: gatt 133", err.Error())
	assert.ErrorIs(t, err, ErrConnectFailed)
	assert.ErrorIs(t, err, cause)
	assert.NotErrorIs(t, err, ErrConnectTimeout)

	assert.Equal(t, "device dev: device disposed", (&ConnectError{DeviceID: "dev", Kind: ErrDisposed}).Error())
}

func TestNew_NilDependencies(t *testing.T) {
	logger := log.New(io.Discard, "", 0)
	assert.Panics(t, func() { New("x", bttest.NewFakePlatform(), nil, nil) })
	assert.Panics(t, func() { New("x", nil, nil, logger) })
}

func TestRecompute_PublishesLatestStateUnderConcurrency(t *testing.T) {
	f := newDeviceFixture()
	a := f.transport("a", transport.CapabilityPower)
	d := f.device(t, []*fakeTransport{a})
	require.NoError(t, d.Connect(context.Background(), f.discovered))

	var mu sync.Mutex
	var last ConnectionState
	d.ListenState(func(s ConnectionState) {
		mu.Lock()
		last = s
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				a.state.Set(transport.Attaching)
				a.state.Set(transport.Attached)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, Connected, d.State())
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, Connected, last, "listeners must see the final state last")
}
