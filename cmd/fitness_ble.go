package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"

	"github.com/spf13/pflag"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/lowaak/smart-trainer/fitness-ble/internal/bt"
	"github.com/lowaak/smart-trainer/fitness-ble/internal/bt/bttest"
	"github.com/lowaak/smart-trainer/fitness-ble/internal/config"
	"github.com/lowaak/smart-trainer/fitness-ble/internal/console"
	"github.com/lowaak/smart-trainer/fitness-ble/internal/device"
	"github.com/lowaak/smart-trainer/fitness-ble/internal/go_func_utils"
	"github.com/lowaak/smart-trainer/fitness-ble/internal/registry"
	"github.com/lowaak/smart-trainer/fitness-ble/internal/scanner"
	"github.com/lowaak/smart-trainer/fitness-ble/internal/telemetry"
	"github.com/lowaak/smart-trainer/fitness-ble/internal/transport"
)

const initialTargetWatts = 150

func main() {
	flags := config.Flags()
	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	cfg, err := config.Load(flags)
	must("load config", err)

	must("create log directory", os.MkdirAll(filepath.Dir(cfg.Log.File), 0755))
	logFile := &lumberjack.Logger{
		Filename:   cfg.Log.File,
		MaxSize:    cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAge:     cfg.Log.MaxAgeDays,
	}
	defer logFile.Close()

	// the terminal UI owns stdout, so logs go to the file and the log pane
	model := console.NewModel(initialTargetWatts)
	logger := log.New(io.MultiWriter(logFile, model), "", log.LstdFlags|log.Lmicroseconds)
	logger.Printf("fitness-ble starting (simulate=%v)", cfg.Simulate)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	platform, permissions, stopPlatform := buildPlatform(ctx, cfg, logger)
	defer stopPlatform()

	reg := registry.NewDefault(logger, transport.WithWheelCircumference(cfg.Sensors.WheelCircumferenceMM))

	scanOpts := []scanner.Option{
		scanner.WithTickInterval(cfg.Scan.TickInterval),
		scanner.WithSignalTimeout(cfg.Scan.SignalTimeout),
		scanner.WithExpiry(cfg.Scan.Expiry),
		scanner.WithClearOnLastTokenRelease(cfg.Scan.ClearOnLastTokenRelease),
	}
	if cfg.Scan.FilterServices {
		scanOpts = append(scanOpts, scanner.WithServiceFilter(reg.ServiceUUIDs()...))
	}
	sc := scanner.New(platform, permissions, logger, scanOpts...)
	defer sc.Dispose()

	deviceOpts := []device.Option{device.WithConnectTimeout(cfg.Device.ConnectTimeout)}
	if cfg.Device.AutoReconnect {
		deviceOpts = append(deviceOpts, device.WithAutoReconnect(cfg.Device.MaxBackoff))
	}

	var hub *telemetry.Hub
	if cfg.Telemetry.Addr != "" {
		hub = telemetry.NewHub(logger)
		go_func_utils.SafeGo(logger, func() {
			if err := hub.Serve(ctx, cfg.Telemetry.Addr); err != nil {
				logger.Printf("telemetry: server stopped: %v", err)
			}
		})
	}

	controller := console.NewController(console.ControllerArgs{
		Model:         model,
		Scanner:       sc,
		Registry:      reg,
		Platform:      platform,
		Roles:         console.NewRoleStore(console.DefaultRoleStorePath(), logger),
		Hub:           hub,
		DeviceOptions: deviceOpts,
		Logger:        logger,
	})
	view := console.NewView(model, controller, logger)

	controller.AutoConnectSaved()
	if err := view.Run(); err != nil {
		logger.Printf("UI exited with error: %v", err)
	}

	view.Shutdown()
	controller.Shutdown()
	model.Shutdown()
	logger.Println("fitness-ble stopped")
}

// buildPlatform returns the simulated platform with --simulate, otherwise
// the host adapter with BlueZ power tracking.
func buildPlatform(ctx context.Context, cfg *config.Config, logger *log.Logger) (bt.Platform, bt.PermissionGate, func()) {
	if cfg.Simulate {
		sim := bttest.NewSimulator(logger)
		sim.Start()
		return sim.Platform(), &bttest.FakePermissionGate{Granted: true}, sim.Shutdown
	}

	p := bt.NewTinygoPlatform(nil, logger)
	must("enable BLE stack", p.Enable(ctx, bt.NewBluezPowerMonitor(logger, cfg.Device.AdapterName)))
	return p, bt.ImplicitPermissionGate{}, p.Shutdown
}

func must(action string, err error) {
	if err != nil {
		panic("failed to " + action + ": " + err.Error())
	}
}
