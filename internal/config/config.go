// Package config loads fitness-ble settings from defaults, an optional YAML
// file, FITNESS_BLE_* environment variables and command-line flags, in
// increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const envPrefix = "FITNESS_BLE"

// Config holds all application configuration.
type Config struct {
	Simulate  bool            `mapstructure:"simulate"`
	Scan      ScanConfig      `mapstructure:"scan"`
	Device    DeviceConfig    `mapstructure:"device"`
	Sensors   SensorsConfig   `mapstructure:"sensors"`
	Log       LogConfig       `mapstructure:"log"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

type ScanConfig struct {
	TickInterval  time.Duration `mapstructure:"tick_interval"`
	SignalTimeout time.Duration `mapstructure:"signal_timeout"`
	Expiry        time.Duration `mapstructure:"expiry"`
	// ClearOnLastTokenRelease empties the device list when scanning stops.
	ClearOnLastTokenRelease bool `mapstructure:"clear_on_last_token_release"`
	// FilterServices hides devices advertising no supported service.
	FilterServices bool `mapstructure:"filter_services"`
}

type DeviceConfig struct {
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	AutoReconnect  bool          `mapstructure:"auto_reconnect"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
	// AdapterName is the BlueZ adapter watched for power changes (Linux).
	AdapterName string `mapstructure:"adapter_name"`
}

type SensorsConfig struct {
	WheelCircumferenceMM int `mapstructure:"wheel_circumference_mm"`
}

type LogConfig struct {
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

type TelemetryConfig struct {
	// Addr is the listen address of the WebSocket feed; empty disables it.
	Addr string `mapstructure:"addr"`
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".smart-trainer")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "fitness-ble.yaml")
}

// Default returns a Config with sensible default values.
func Default() *Config {
	return &Config{
		Scan: ScanConfig{
			TickInterval:   time.Second,
			SignalTimeout:  5 * time.Second,
			Expiry:         30 * time.Second,
			FilterServices: true,
		},
		Device: DeviceConfig{
			ConnectTimeout: 15 * time.Second,
			MaxBackoff:     30 * time.Second,
			AdapterName:    "hci0",
		},
		Sensors: SensorsConfig{
			WheelCircumferenceMM: 2105,
		},
		Log: LogConfig{
			File:       filepath.Join(DefaultConfigDir(), "fitness-ble.log"),
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
	}
}

// Flags declares the command-line flags Load understands.
func Flags() *pflag.FlagSet {
	d := Default()
	flags := pflag.NewFlagSet("fitness_ble", pflag.ContinueOnError)
	flags.String("config", DefaultConfigPath(), "path to the YAML config file")
	flags.Bool("simulate", false, "use simulated devices instead of the Bluetooth adapter")
	flags.String("log-file", d.Log.File, "log file path")
	flags.Duration("connect-timeout", d.Device.ConnectTimeout, "radio connect timeout")
	flags.Bool("auto-reconnect", false, "reconnect after the link drops")
	flags.String("telemetry-addr", "", "listen address for the WebSocket telemetry feed, e.g. :8080")
	return flags
}

// flag name -> config key
var flagKeys = map[string]string{
	"simulate":        "simulate",
	"log-file":        "log.file",
	"connect-timeout": "device.connect_timeout",
	"auto-reconnect":  "device.auto_reconnect",
	"telemetry-addr":  "telemetry.addr",
}

// Load builds the configuration from flags, which must come from Flags and
// already be parsed. A config file named explicitly with --config must
// exist; the default one is optional.
func Load(flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v, Default())

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for name, key := range flagKeys {
		if f := flags.Lookup(name); f != nil {
			if err := v.BindPFlag(key, f); err != nil {
				return nil, fmt.Errorf("binding flag %s: %w", name, err)
			}
		}
	}

	path := DefaultConfigPath()
	explicit := false
	if f := flags.Lookup("config"); f != nil {
		path = f.Value.String()
		explicit = f.Changed
	}
	if path != "" {
		v.SetConfigFile(expandTilde(path))
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			if explicit || !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("reading config file: %w", err)
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	cfg.Log.File = expandTilde(cfg.Log.File)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("simulate", d.Simulate)
	v.SetDefault("scan.tick_interval", d.Scan.TickInterval)
	v.SetDefault("scan.signal_timeout", d.Scan.SignalTimeout)
	v.SetDefault("scan.expiry", d.Scan.Expiry)
	v.SetDefault("scan.clear_on_last_token_release", d.Scan.ClearOnLastTokenRelease)
	v.SetDefault("scan.filter_services", d.Scan.FilterServices)
	v.SetDefault("device.connect_timeout", d.Device.ConnectTimeout)
	v.SetDefault("device.auto_reconnect", d.Device.AutoReconnect)
	v.SetDefault("device.max_backoff", d.Device.MaxBackoff)
	v.SetDefault("device.adapter_name", d.Device.AdapterName)
	v.SetDefault("sensors.wheel_circumference_mm", d.Sensors.WheelCircumferenceMM)
	v.SetDefault("log.file", d.Log.File)
	v.SetDefault("log.max_size_mb", d.Log.MaxSizeMB)
	v.SetDefault("log.max_backups", d.Log.MaxBackups)
	v.SetDefault("log.max_age_days", d.Log.MaxAgeDays)
	v.SetDefault("telemetry.addr", d.Telemetry.Addr)
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	positive := []struct {
		name  string
		value time.Duration
	}{
		{"scan.tick_interval", c.Scan.TickInterval},
		{"scan.signal_timeout", c.Scan.SignalTimeout},
		{"scan.expiry", c.Scan.Expiry},
		{"device.connect_timeout", c.Device.ConnectTimeout},
		{"device.max_backoff", c.Device.MaxBackoff},
	}
	for _, p := range positive {
		if p.value <= 0 {
			return fmt.Errorf("%s must be > 0, got %v", p.name, p.value)
		}
	}

	if c.Scan.SignalTimeout >= c.Scan.Expiry {
		return fmt.Errorf("scan.signal_timeout (%v) must be shorter than scan.expiry (%v)", c.Scan.SignalTimeout, c.Scan.Expiry)
	}

	if c.Sensors.WheelCircumferenceMM <= 0 {
		return fmt.Errorf("sensors.wheel_circumference_mm must be > 0, got %d", c.Sensors.WheelCircumferenceMM)
	}

	if c.Log.File == "" {
		return fmt.Errorf("log.file must not be empty")
	}

	if c.Log.MaxSizeMB <= 0 {
		return fmt.Errorf("log.max_size_mb must be > 0, got %d", c.Log.MaxSizeMB)
	}

	return nil
}

// expandTilde replaces a leading ~ with the user's home directory.
func expandTilde(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
