package console

import (
	"io"
	"log"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func TestRoleStore_PersistsAcrossInstances(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "roles.json")

	s := NewRoleStore(path, testLogger())
	_, ok := s.Get(RolePower)
	assert.False(t, ok)

	trainer := SavedDevice{DeviceID: "AA", DeviceName: "Trainer", TransportID: "ftms"}
	s.Set(RolePrimaryTrainer, trainer)
	s.Set(RolePower, trainer)
	s.Set(RoleHeartRate, SavedDevice{DeviceID: "BB", DeviceName: "Strap", TransportID: "heart-rate"})

	reloaded := NewRoleStore(path, testLogger())
	got, ok := reloaded.Get(RolePrimaryTrainer)
	require.True(t, ok)
	assert.Equal(t, trainer, got)
	assert.Equal(t, []string{"AA", "BB"}, reloaded.DeviceIDs())
	assert.Equal(t, "Strap", reloaded.Name("BB"))
	assert.Empty(t, reloaded.Name("CC"))
}

func TestRoleStore_CorruptFileStartsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "roles.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	s := NewRoleStore(path, testLogger())
	assert.Empty(t, s.DeviceIDs())

	s.Set(RoleCadence, SavedDevice{DeviceID: "CC", TransportID: "cycling-speed-cadence"})
	assert.Equal(t, []string{"CC"}, NewRoleStore(path, testLogger()).DeviceIDs())
}

func TestNewRoleStore_NilLogger(t *testing.T) {
	assert.Panics(t, func() { NewRoleStore("x", nil) })
}
