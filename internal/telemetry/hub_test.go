package telemetry

import (
	"bytes"
	"log"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lowaak/smart-trainer/fitness-ble/internal/device"
	"github.com/lowaak/smart-trainer/fitness-ble/internal/events"
	"github.com/lowaak/smart-trainer/fitness-ble/internal/transport"
)

type powerOnly struct {
	obs *events.Observable[transport.PowerMeasurement]
}

func (p powerOnly) Power() *events.Observable[transport.PowerMeasurement] { return p.obs }

type fakeDevice struct {
	state *events.Observable[device.ConnectionState]
	power *events.Observable[transport.PowerMeasurement]
}

func newFakeDevice() *fakeDevice {
	return &fakeDevice{
		state: events.NewValue(device.Disconnected),
		power: events.NewValue(transport.PowerMeasurement{}),
	}
}

func (d *fakeDevice) ID() string { return "trainer-1" }

func (d *fakeDevice) ListenState(callback func(device.ConnectionState)) func() {
	return d.state.Listen(callback)
}

func (d *fakeDevice) PowerSource() (transport.PowerSource, bool) {
	return powerOnly{d.power}, true
}

func (d *fakeDevice) CadenceSource() (transport.CadenceSource, bool)     { return nil, false }
func (d *fakeDevice) SpeedSource() (transport.SpeedSource, bool)         { return nil, false }
func (d *fakeDevice) HeartRateSource() (transport.HeartRateSource, bool) { return nil, false }

func startHub(t *testing.T) (*Hub, *websocket.Conn) {
	t.Helper()
	hub := NewHub(log.New(&bytes.Buffer{}, "", 0))
	srv := httptest.NewServer(hub.Handler())
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 5*time.Millisecond)
	return hub, conn
}

func readFrame(t *testing.T, conn *websocket.Conn) Frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var f Frame
	require.NoError(t, conn.ReadJSON(&f))
	return f
}

func TestHub_Publish(t *testing.T) {
	hub, conn := startHub(t)
	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	hub.Publish(Frame{Type: "cadence", DeviceID: "x", Value: 90, Timestamp: ts})

	f := readFrame(t, conn)
	assert.Equal(t, "cadence", f.Type)
	assert.Equal(t, "x", f.DeviceID)
	assert.Equal(t, 90.0, f.Value)
	assert.True(t, ts.Equal(f.Timestamp))
}

func TestHub_AttachFollowsConnection(t *testing.T) {
	hub, conn := startHub(t)
	d := newFakeDevice()
	stop := hub.Attach(d)
	defer stop()

	// Not connected yet: nothing is published.
	d.power.Set(transport.PowerMeasurement{Watts: 100, Timestamp: time.Now()})

	d.state.Set(device.Connected)
	f := readFrame(t, conn)
	assert.Equal(t, "power", f.Type)
	assert.Equal(t, "trainer-1", f.DeviceID)
	assert.Equal(t, 100.0, f.Value, "current value is replayed on connect")

	d.power.Set(transport.PowerMeasurement{Watts: 250, Timestamp: time.Now()})
	assert.Equal(t, 250.0, readFrame(t, conn).Value)

	assert.Equal(t, 1, d.power.ListenerCount())
	d.state.Set(device.Disconnected)
	assert.Equal(t, 0, d.power.ListenerCount())
}

func TestHub_AttachStop(t *testing.T) {
	hub := NewHub(log.New(&bytes.Buffer{}, "", 0))
	d := newFakeDevice()
	d.state.Set(device.Connected)

	stop := hub.Attach(d)
	assert.Equal(t, 1, d.power.ListenerCount())
	stop()
	assert.Equal(t, 0, d.power.ListenerCount())
	assert.Equal(t, 0, d.state.ListenerCount())
}

func TestHub_DropsSlowClient(t *testing.T) {
	hub := NewHub(log.New(&bytes.Buffer{}, "", 0))
	c := &client{send: make(chan Frame, 1)}
	hub.clients[c] = struct{}{}

	hub.Publish(Frame{Type: "power"})
	assert.Equal(t, 1, hub.ClientCount())
	hub.Publish(Frame{Type: "power"})
	assert.Equal(t, 0, hub.ClientCount())

	// The buffered frame drains, then the channel reports closed.
	<-c.send
	_, open := <-c.send
	assert.False(t, open)
}

func TestNewHub_NilLogger(t *testing.T) {
	assert.Panics(t, func() { NewHub(nil) })
}
