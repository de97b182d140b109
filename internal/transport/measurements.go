package transport

import "time"

type PowerMeasurement struct {
	Watts     int
	Timestamp time.Time
}

type CadenceMeasurement struct {
	RPM       float64
	Timestamp time.Time
}

type SpeedMeasurement struct {
	KMH       float64
	Timestamp time.Time
}

type HeartRateMeasurement struct {
	BPM              int
	ContactSupported bool
	ContactDetected  bool
	// EnergyExpendedKJ is only meaningful when HasEnergyExpended is set
	HasEnergyExpended bool
	EnergyExpendedKJ  int
	RRIntervals       []time.Duration
	Timestamp         time.Time
}

// SimulationParameters for FTMS indoor bike simulation.
type SimulationParameters struct {
	WindSpeedMPS      float64 // m/s, headwind positive
	GradePercent      float64
	RollingResistance float64 // coefficient, e.g. 0.004
	WindResistance    float64 // kg/m
}

// DefaultSimulationParameters is a flat road in still air.
var DefaultSimulationParameters = SimulationParameters{
	RollingResistance: 0.004,
	WindResistance:    0.51,
}
