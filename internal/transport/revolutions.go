package transport

// Default wheel circumference for a 700x25c road tyre
const DefaultWheelCircumferenceMM = 2105

const maxPlausibleCadenceRPM = 300

// crankCadence turns cumulative crank revolutions and event times into a
// cadence. Both counters are UINT16 and roll over.
type crankCadence struct {
	hasPrevious    bool
	lastRevs       uint16
	lastEventTime  uint16
	timeResolution float64 // ticks per second
}

// update returns the cadence since the previous reading, or ok=false when
// there is nothing to report (first reading, no new crank event, or an
// implausible value).
func (c *crankCadence) update(revs uint16, eventTime uint16) (rpm float64, ok bool) {
	if !c.hasPrevious {
		c.lastRevs, c.lastEventTime, c.hasPrevious = revs, eventTime, true
		return 0, false
	}
	revDiff := revs - c.lastRevs
	timeDiff := eventTime - c.lastEventTime
	c.lastRevs, c.lastEventTime = revs, eventTime

	if timeDiff == 0 {
		return 0, false
	}
	rpm = float64(revDiff) * 60.0 * c.timeResolution / float64(timeDiff)
	if rpm < 0 || rpm > maxPlausibleCadenceRPM {
		return 0, false
	}
	return rpm, true
}

func (c *crankCadence) reset() {
	c.hasPrevious = false
}

// wheelSpeed turns cumulative wheel revolutions (UINT32) and event times
// (UINT16, 1/1024 s) into a speed.
type wheelSpeed struct {
	hasPrevious   bool
	lastRevs      uint32
	lastEventTime uint16
}

func (w *wheelSpeed) update(revs uint32, eventTime uint16, circumferenceMM int) (kmh float64, ok bool) {
	if !w.hasPrevious {
		w.lastRevs, w.lastEventTime, w.hasPrevious = revs, eventTime, true
		return 0, false
	}
	revDiff := revs - w.lastRevs
	timeDiff := eventTime - w.lastEventTime
	w.lastRevs, w.lastEventTime = revs, eventTime

	if timeDiff == 0 {
		return 0, false
	}
	seconds := float64(timeDiff) / 1024.0
	meters := float64(revDiff) * float64(circumferenceMM) / 1000.0
	return meters / seconds * 3.6, true
}

func (w *wheelSpeed) reset() {
	w.hasPrevious = false
}
