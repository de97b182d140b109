package console

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestModel_WriteSplitsLines(t *testing.T) {
	m := NewModel(150)
	var seen []string
	m.ListenToLog(func(line string) { seen = append(seen, line) })

	fmt.Fprint(m, "one\ntw")
	fmt.Fprint(m, "o\nthree\n")

	assert.Equal(t, []string{"one", "two", "three"}, seen)
	assert.Equal(t, []string{"two", "three"}, m.GetLogTail(2))
	assert.Equal(t, []string{"one", "two", "three"}, m.GetLogTail(10))
	assert.Empty(t, m.GetLogTail(0))
}

func TestModel_LogIsBounded(t *testing.T) {
	m := NewModel(150)
	for i := 0; i < maxLogLines+10; i++ {
		fmt.Fprintf(m, "line %d\n", i)
	}
	tail := m.GetLogTail(maxLogLines * 2)
	assert.Len(t, tail, maxLogLines)
	assert.Equal(t, "line 10", tail[0])
}

func TestModel_SetMetricCopies(t *testing.T) {
	m := NewModel(150)
	var snapshots []MetricData
	m.ListenToMetrics(func(d MetricData) { snapshots = append(snapshots, d) })

	m.SetMetric(MetricPower, 200)
	m.SetMetric(MetricCadence, 90)

	assert.Len(t, snapshots, 3, "initial replay plus two updates")
	assert.Equal(t, MetricData{MetricPower: 200}, snapshots[1])
	assert.Equal(t, MetricData{MetricPower: 200, MetricCadence: 90}, snapshots[2])

	m.ClearMetrics()
	assert.Empty(t, m.Metrics())
}

func TestModel_Shutdown(t *testing.T) {
	m := NewModel(150)
	closed := 0
	m.ListenToCloseApplication(func() { closed++ })
	m.RequestCloseApplication()
	m.Shutdown()
	m.RequestCloseApplication()
	assert.Equal(t, 1, closed)
}

func TestDeviceRow_String(t *testing.T) {
	row := DeviceRow{ID: "AA", Name: "Trainer", RSSI: -60, HasSignal: true, Transports: []string{"FTMS", "CyclingPower"}, State: "Connected"}
	assert.Equal(t, "Trainer (AA) [-60 dBm] FTMS+CyclingPower <Connected>", row.String())

	assert.Equal(t, "Strap (BB) [lost]", DeviceRow{ID: "BB", Name: "Strap"}.String())
}

func TestFormatMetric(t *testing.T) {
	assert.Equal(t, "Speed       25.5 km/h", FormatMetric(MetricSpeed, 25.5, true))
	assert.Equal(t, "Power       --", FormatMetric(MetricPower, 0, false))
}

func TestModel_ListenToLogChan(t *testing.T) {
	m := NewModel(150)
	ch := make(chan string, 1)
	unregister := m.ListenToLogChan(ch)
	defer unregister()

	fmt.Fprint(m, "a\nb\n")
	assert.Equal(t, "a", <-ch, "b is skipped while the channel is full")
	assert.Empty(t, ch)
}
