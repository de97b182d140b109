package transport

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCapabilitySet(t *testing.T) {
	set := NewCapabilitySet(CapabilityERG, CapabilityPower)
	assert.True(t, set.Has(CapabilityPower))
	assert.False(t, set.Has(CapabilityCadence))
	assert.Equal(t, []Capability{CapabilityPower, CapabilityERG}, set.List())
	assert.Equal(t, "[power,erg]", set.String())
	assert.Equal(t, NewCapabilitySet(CapabilityERG), set.Without(CapabilityPower))
}

func TestBase_AttachInProgress(t *testing.T) {
	b := newBase("x", "X", "dev", testLogger(), nil)
	release := make(chan struct{})
	started := make(chan struct{})

	done := make(chan error, 1)
	go func() {
		done <- b.attach(context.Background(), func(ctx context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	err := b.attach(context.Background(), func(ctx context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrAttachInProgress)

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, Attached, b.AttachState())
}

func TestBase_FailureClearedOnNextAttach(t *testing.T) {
	b := newBase("x", "X", "dev", testLogger(), nil)
	boom := errors.New("boom")

	detaches := 0
	b.onDetach = func() { detaches++ }

	assert.ErrorIs(t, b.attach(context.Background(), func(ctx context.Context) error { return boom }), boom)
	assert.ErrorIs(t, b.LastAttachError(), boom)
	assert.Equal(t, 1, detaches)

	require.NoError(t, b.attach(context.Background(), func(ctx context.Context) error { return nil }))
	assert.NoError(t, b.LastAttachError())
}

func TestNewBase_NilLoggerPanics(t *testing.T) {
	assert.Panics(t, func() { NewHeartRate("x", nil) })
}
