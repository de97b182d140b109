// Package console is the terminal front end: a model of what is on screen,
// a controller that drives the scanner and devices, and a tview view.
package console

import (
	"fmt"
	"strings"
	"sync"

	"github.com/lowaak/smart-trainer/fitness-ble/internal/events"
)

type MetricID string

const (
	MetricPower     MetricID = "power"
	MetricCadence   MetricID = "cadence"
	MetricSpeed     MetricID = "speed"
	MetricHeartRate MetricID = "heart_rate"
)

// MetricInfo contains display information for a metric
type MetricInfo struct {
	DisplayName string
	Unit        string
	FormatStr   string
}

// DisplayedMetrics is the dashboard order.
var DisplayedMetrics = []MetricID{MetricPower, MetricCadence, MetricSpeed, MetricHeartRate}

var metricInfo = map[MetricID]MetricInfo{
	MetricPower:     {DisplayName: "Power", Unit: "W", FormatStr: "%.0f"},
	MetricCadence:   {DisplayName: "Cadence", Unit: "rpm", FormatStr: "%.0f"},
	MetricSpeed:     {DisplayName: "Speed", Unit: "km/h", FormatStr: "%.1f"},
	MetricHeartRate: {DisplayName: "Heart Rate", Unit: "bpm", FormatStr: "%.0f"},
}

// FormatMetric renders a value with its unit, or "--" when absent.
func FormatMetric(id MetricID, value float64, ok bool) string {
	info := metricInfo[id]
	if !ok {
		return fmt.Sprintf("%-11s --", info.DisplayName)
	}
	return fmt.Sprintf("%-11s "+info.FormatStr+" %s", info.DisplayName, value, info.Unit)
}

// MetricData holds the most recent value for each metric
type MetricData map[MetricID]float64

// DeviceRow is one line of the device list.
type DeviceRow struct {
	ID         string
	Name       string
	RSSI       int16
	HasSignal  bool
	Transports []string
	State      string
}

func (r DeviceRow) String() string {
	signal := "lost"
	if r.HasSignal {
		signal = fmt.Sprintf("%d dBm", r.RSSI)
	}
	line := fmt.Sprintf("%s (%s) [%s]", r.Name, r.ID, signal)
	if len(r.Transports) > 0 {
		line += " " + strings.Join(r.Transports, "+")
	}
	if r.State != "" {
		line += " <" + r.State + ">"
	}
	return line
}

// TrainerControl is the ERG state shown on the dashboard.
type TrainerControl struct {
	Available   bool
	TargetWatts int
}

const maxLogLines = 1000

// Model holds what the view renders. It is also the io.Writer the logger
// tees into, so log output shows up in the log pane.
type Model struct {
	logEvent *events.Observable[string]
	logMu    sync.RWMutex
	logLines []string
	partial  string

	devices  *events.Observable[[]DeviceRow]
	metrics  *events.Observable[MetricData]
	control  *events.Observable[TrainerControl]
	scanning *events.Observable[bool]
	closeApp *events.Observable[struct{}]
}

func NewModel(initialTargetWatts int) *Model {
	return &Model{
		logEvent: events.NewObservable("", nil, false),
		devices:  events.NewObservable[[]DeviceRow](nil, nil, true),
		metrics:  events.NewObservable(MetricData{}, nil, true),
		control:  events.NewValue(TrainerControl{TargetWatts: initialTargetWatts}),
		scanning: events.NewValue(false),
		closeApp: events.NewObservable(struct{}{}, nil, false),
	}
}

// Write splits p into lines and appends them to the log buffer.
func (m *Model) Write(p []byte) (int, error) {
	m.logMu.Lock()
	text := m.partial + string(p)
	parts := strings.Split(text, "\n")
	m.partial = parts[len(parts)-1]
	complete := parts[:len(parts)-1]
	m.logLines = append(m.logLines, complete...)
	if len(m.logLines) > maxLogLines {
		m.logLines = m.logLines[len(m.logLines)-maxLogLines:]
	}
	m.logMu.Unlock()

	for _, line := range complete {
		m.logEvent.Set(line)
	}
	return len(p), nil
}

// GetLogTail returns the last n lines of logs
func (m *Model) GetLogTail(n int) []string {
	m.logMu.RLock()
	defer m.logMu.RUnlock()
	if n <= 0 {
		return []string{}
	}
	if n > len(m.logLines) {
		n = len(m.logLines)
	}
	result := make([]string, n)
	copy(result, m.logLines[len(m.logLines)-n:])
	return result
}

func (m *Model) ListenToLog(callback func(string)) func() {
	return m.logEvent.Listen(callback)
}

// ListenToLogChan forwards new lines to ch, skipping lines while ch is full.
func (m *Model) ListenToLogChan(ch chan<- string) func() {
	return events.ListenChan(m.logEvent, ch)
}

func (m *Model) Devices() []DeviceRow {
	return m.devices.Get()
}

func (m *Model) SetDevices(rows []DeviceRow) {
	m.devices.Set(rows)
}

func (m *Model) ListenToDevices(callback func([]DeviceRow)) func() {
	return m.devices.Listen(callback)
}

func (m *Model) Metrics() MetricData {
	return m.metrics.Get()
}

// SetMetric stores value for id, copying the map so listeners never see it
// change underneath them.
func (m *Model) SetMetric(id MetricID, value float64) {
	m.metrics.Update(func(current MetricData) MetricData {
		next := make(MetricData, len(current)+1)
		for k, v := range current {
			next[k] = v
		}
		next[id] = value
		return next
	})
}

// ClearMetrics drops every value.
func (m *Model) ClearMetrics() {
	m.metrics.Set(MetricData{})
}

func (m *Model) ListenToMetrics(callback func(MetricData)) func() {
	return m.metrics.Listen(callback)
}

func (m *Model) TrainerControl() TrainerControl {
	return m.control.Get()
}

func (m *Model) SetTrainerControl(c TrainerControl) {
	m.control.Set(c)
}

func (m *Model) ListenToTrainerControl(callback func(TrainerControl)) func() {
	return m.control.Listen(callback)
}

func (m *Model) SetScanning(scanning bool) {
	m.scanning.Set(scanning)
}

func (m *Model) ListenToScanning(callback func(bool)) func() {
	return m.scanning.Listen(callback)
}

func (m *Model) RequestCloseApplication() {
	m.closeApp.Set(struct{}{})
}

func (m *Model) ListenToCloseApplication(callback func()) func() {
	return m.closeApp.Listen(func(struct{}) { callback() })
}

// Shutdown drops every listener.
func (m *Model) Shutdown() {
	m.logEvent.Close()
	m.devices.Close()
	m.metrics.Close()
	m.control.Close()
	m.scanning.Close()
	m.closeApp.Close()
}
