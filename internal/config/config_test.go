package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func parsedFlags(t *testing.T, args ...string) *pflag.FlagSet {
	t.Helper()
	flags := Flags()
	require.NoError(t, flags.Parse(args))
	return flags
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fitness-ble.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "absent.yaml")
	flags := Flags()
	require.NoError(t, flags.Set("config", missing))
	flags.Lookup("config").Changed = false

	cfg, err := Load(flags)
	require.NoError(t, err)

	d := Default()
	assert.Equal(t, d.Scan, cfg.Scan)
	assert.Equal(t, d.Device, cfg.Device)
	assert.Equal(t, 2105, cfg.Sensors.WheelCircumferenceMM)
	assert.False(t, cfg.Scan.ClearOnLastTokenRelease)
	assert.Empty(t, cfg.Telemetry.Addr)
}

func TestLoad_File(t *testing.T) {
	path := writeConfig(t, `
scan:
  expiry: 45s
  clear_on_last_token_release: true
device:
  connect_timeout: 20s
  auto_reconnect: true
sensors:
  wheel_circumference_mm: 2096
telemetry:
  addr: ":9000"
`)
	cfg, err := Load(parsedFlags(t, "--config", path))
	require.NoError(t, err)

	assert.Equal(t, 45*time.Second, cfg.Scan.Expiry)
	assert.Equal(t, 5*time.Second, cfg.Scan.SignalTimeout, "unset keys keep defaults")
	assert.True(t, cfg.Scan.ClearOnLastTokenRelease)
	assert.Equal(t, 20*time.Second, cfg.Device.ConnectTimeout)
	assert.True(t, cfg.Device.AutoReconnect)
	assert.Equal(t, 2096, cfg.Sensors.WheelCircumferenceMM)
	assert.Equal(t, ":9000", cfg.Telemetry.Addr)
}

func TestLoad_FlagsOverrideFile(t *testing.T) {
	path := writeConfig(t, "device:\n  connect_timeout: 20s\n")
	cfg, err := Load(parsedFlags(t, "--config", path, "--connect-timeout", "7s", "--simulate", "--telemetry-addr", ":8080"))
	require.NoError(t, err)

	assert.Equal(t, 7*time.Second, cfg.Device.ConnectTimeout)
	assert.True(t, cfg.Simulate)
	assert.Equal(t, ":8080", cfg.Telemetry.Addr)
}

func TestLoad_Env(t *testing.T) {
	t.Setenv("FITNESS_BLE_SENSORS_WHEEL_CIRCUMFERENCE_MM", "2070")
	t.Setenv("FITNESS_BLE_DEVICE_AUTO_RECONNECT", "true")

	cfg, err := Load(parsedFlags(t, "--config", writeConfig(t, "")))
	require.NoError(t, err)
	assert.Equal(t, 2070, cfg.Sensors.WheelCircumferenceMM)
	assert.True(t, cfg.Device.AutoReconnect)
}

func TestLoad_ExplicitMissingFile(t *testing.T) {
	_, err := Load(parsedFlags(t, "--config", filepath.Join(t.TempDir(), "nope.yaml")))
	assert.Error(t, err)
}

func TestLoad_InvalidValues(t *testing.T) {
	_, err := Load(parsedFlags(t, "--config", writeConfig(t, "scan:\n  signal_timeout: 40s\n")))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "signal_timeout")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"zero tick", func(c *Config) { c.Scan.TickInterval = 0 }, "scan.tick_interval"},
		{"negative connect timeout", func(c *Config) { c.Device.ConnectTimeout = -time.Second }, "device.connect_timeout"},
		{"signal not shorter than expiry", func(c *Config) { c.Scan.SignalTimeout = c.Scan.Expiry }, "shorter than"},
		{"wheel", func(c *Config) { c.Sensors.WheelCircumferenceMM = 0 }, "wheel_circumference_mm"},
		{"log file", func(c *Config) { c.Log.File = "" }, "log.file"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, strings.Contains(err.Error(), tt.want), err.Error())
		})
	}

	assert.NoError(t, Default().Validate())
}

func TestExpandTilde(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, "logs/a.log"), expandTilde("~/logs/a.log"))
	assert.Equal(t, "/var/log/a.log", expandTilde("/var/log/a.log"))
}
