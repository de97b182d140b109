package transport

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lowaak/smart-trainer/fitness-ble/internal/bt"
)

func TestParseHeartRateMeasurement(t *testing.T) {
	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		buf  []byte
		ok   bool
		err  bool
		want HeartRateMeasurement
	}{
		{name: "uint8", buf: []byte{0x00, 72}, ok: true, want: HeartRateMeasurement{BPM: 72, Timestamp: at}},
		{name: "uint16", buf: []byte{0x01, 0x48, 0x00}, ok: true, want: HeartRateMeasurement{BPM: 72, Timestamp: at}},
		{name: "empty", buf: []byte{}, ok: false},
		{
			name: "contact detected",
			buf:  []byte{0x06, 150},
			ok:   true,
			want: HeartRateMeasurement{BPM: 150, ContactSupported: true, ContactDetected: true, Timestamp: at},
		},
		{
			name: "energy and rr",
			buf:  []byte{0x18, 60, 0x10, 0x00, 0x00, 0x04, 0x00, 0x02},
			ok:   true,
			want: HeartRateMeasurement{
				BPM:               60,
				HasEnergyExpended: true,
				EnergyExpendedKJ:  16,
				RRIntervals:       []time.Duration{time.Second, 500 * time.Millisecond},
				Timestamp:         at,
			},
		},
		{name: "truncated uint16", buf: []byte{0x01, 0x48}, err: true},
		{name: "truncated energy", buf: []byte{0x08, 60, 0x01}, err: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, ok, err := ParseHeartRateMeasurement(tt.buf, at)
			if tt.err {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.want, m)
			}
		})
	}
}

func TestHeartRate_CanSupport(t *testing.T) {
	hr := NewHeartRate("hr", testLogger())
	assert.True(t, hr.CanSupport(bt.DiscoveredDevice{ServiceUUIDs: []string{bt.NormalizeUUID("180d")}}))
	assert.False(t, hr.CanSupport(bt.DiscoveredDevice{ServiceUUIDs: []string{bt.ServiceUUIDFTMS}}))
}

func TestHeartRate_AttachAndNotify(t *testing.T) {
	p := heartRateStrap()
	link, services := connectFake(t, p)
	hr := NewHeartRate("hr", testLogger())
	ctx := context.Background()

	var states []AttachState
	hr.ListenAttachState(func(s AttachState) { states = append(states, s) })

	ok, err := hr.VerifyCompatibility(ctx, link, services)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, hr.Attach(ctx, link, services))
	assert.Equal(t, Attached, hr.AttachState())
	assert.Equal(t, []AttachState{Detached, Attaching, Attached}, states)

	var got []int
	hr.HeartRate().Listen(func(m HeartRateMeasurement) { got = append(got, m.BPM) })

	char := p.Characteristic(bt.CharUUIDHeartRateMeasurement)
	char.Notify([]byte{0x00, 72})
	char.Notify([]byte{})
	char.Notify([]byte{0x01, 0x48})
	char.Notify([]byte{0x01, 0x49, 0x00})
	assert.Equal(t, []int{72, 73}, got, "empty and malformed frames are dropped")

	require.NoError(t, hr.Detach(ctx))
	assert.False(t, char.IsSubscribed())
	assert.Equal(t, Detached, hr.AttachState())
	assert.False(t, char.Notify([]byte{0x00, 80}))
}

func TestHeartRate_VerifyMissingService(t *testing.T) {
	_, services := connectFake(t, powerMeter())
	ok, err := NewHeartRate("cp", testLogger()).VerifyCompatibility(context.Background(), bt.Link{}, services)
	require.NoError(t, err)
	assert.False(t, ok)
}
