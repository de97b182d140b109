package bt

import (
	"errors"
	"io"
	"log"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tinygo.org/x/bluetooth"
)

func newTestTinygoPlatform() *TinygoPlatform {
	return NewTinygoPlatform(&bluetooth.Adapter{}, log.New(io.Discard, "", 0))
}

func TestReleaseLateConnect_DisconnectsLateDevice(t *testing.T) {
	results := make(chan connectResult, 1)
	dropped := make(chan struct{}, 1)

	releaseLateConnect(log.New(io.Discard, "", 0), "AA:BB", results, func(bluetooth.Device) error {
		dropped <- struct{}{}
		return errors.New("already gone")
	})
	results <- connectResult{device: bluetooth.Device{}}

	select {
	case <-dropped:
	case <-time.After(time.Second):
		t.Fatal("late connection was not dropped")
	}
}

func TestReleaseLateConnect_IgnoresFailedAttempt(t *testing.T) {
	results := make(chan connectResult, 1)
	dropped := make(chan struct{}, 1)

	releaseLateConnect(log.New(io.Discard, "", 0), "AA:BB", results, func(bluetooth.Device) error {
		dropped <- struct{}{}
		return nil
	})
	results <- connectResult{err: errors.New("timeout")}

	select {
	case <-dropped:
		t.Fatal("failed attempt must not be disconnected")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestTinygoPlatform_FinishScanReportsUnexpectedEnd(t *testing.T) {
	p := newTestTinygoPlatform()
	var ended []error
	p.ListenScanEnded(func(err error) { ended = append(ended, err) })

	p.mu.Lock()
	p.scanning = true
	p.scanGen = 1
	p.mu.Unlock()

	cause := errors.New("org.bluez.Error.Failed")
	p.finishScan(1, cause)

	require.Len(t, ended, 1)
	assert.Equal(t, cause, ended[0])
	assert.False(t, p.scanning)
}

func TestTinygoPlatform_FinishScanAfterStopIsSilent(t *testing.T) {
	p := newTestTinygoPlatform()
	var ended int
	p.ListenScanEnded(func(error) { ended++ })

	// Stopped by StopScan
	p.scanGen = 1
	p.finishScan(1, nil)

	// An older loop exiting after a newer scan started
	p.scanning = true
	p.scanGen = 2
	p.finishScan(1, nil)

	assert.Zero(t, ended)
	assert.True(t, p.scanning)
}
