package transport

// Indoor Bike Data flag bit positions (FTMS 1.0)
const (
	ibdFlagMoreData             = 1 << 0 // 0 = Instantaneous Speed present
	ibdFlagAverageSpeed         = 1 << 1
	ibdFlagInstantaneousCadence = 1 << 2
	ibdFlagAverageCadence       = 1 << 3
	ibdFlagTotalDistance        = 1 << 4
	ibdFlagResistanceLevel      = 1 << 5
	ibdFlagInstantaneousPower   = 1 << 6
	ibdFlagAveragePower         = 1 << 7
	ibdFlagExpendedEnergy       = 1 << 8
	ibdFlagHeartRate            = 1 << 9
	ibdFlagMetabolicEquivalent  = 1 << 10
	ibdFlagElapsedTime          = 1 << 11
	ibdFlagRemainingTime        = 1 << 12
)

// IndoorBikeData holds the fields of an FTMS Indoor Bike Data notification,
// scaled to human units. Has* report which fields were present.
type IndoorBikeData struct {
	HasInstantaneousSpeed   bool
	HasAverageSpeed         bool
	HasInstantaneousCadence bool
	HasAverageCadence       bool
	HasTotalDistance        bool
	HasResistanceLevel      bool
	HasInstantaneousPower   bool
	HasAveragePower         bool
	HasExpendedEnergy       bool
	HasHeartRate            bool
	HasMetabolicEquivalent  bool
	HasElapsedTime          bool
	HasRemainingTime        bool

	InstantaneousSpeedKmh   float64
	AverageSpeedKmh         float64
	InstantaneousCadenceRpm float64
	AverageCadenceRpm       float64
	TotalDistanceMeters     uint32
	ResistanceLevel         int16
	InstantaneousPowerWatts int16
	AveragePowerWatts       int16
	TotalEnergyKJ           uint16
	EnergyPerHourKJ         uint16
	EnergyPerMinuteKJ       uint8
	HeartRateBpm            uint8
	MetabolicEquivalent     float64
	ElapsedTimeSeconds      uint16
	RemainingTimeSeconds    uint16
}

// ParseIndoorBikeData decodes the FTMS Indoor Bike Data characteristic.
// Fields appear in flag-bit order.
// See: https://www.bluetooth.com/specifications/specs/fitness-machine-service-1-0/
func ParseIndoorBikeData(buf []byte) (IndoorBikeData, error) {
	r := newFrameReader(buf)
	flags := r.u16("flags")
	if r.err != nil {
		return IndoorBikeData{}, r.err
	}
	has := func(bit uint16) bool { return flags&bit != 0 }

	var d IndoorBikeData
	// Bit 0 (More Data) is inverted
	if d.HasInstantaneousSpeed = !has(ibdFlagMoreData); d.HasInstantaneousSpeed {
		d.InstantaneousSpeedKmh = float64(r.u16("instantaneous speed")) * 0.01
	}
	if d.HasAverageSpeed = has(ibdFlagAverageSpeed); d.HasAverageSpeed {
		d.AverageSpeedKmh = float64(r.u16("average speed")) * 0.01
	}
	if d.HasInstantaneousCadence = has(ibdFlagInstantaneousCadence); d.HasInstantaneousCadence {
		d.InstantaneousCadenceRpm = float64(r.u16("instantaneous cadence")) * 0.5
	}
	if d.HasAverageCadence = has(ibdFlagAverageCadence); d.HasAverageCadence {
		d.AverageCadenceRpm = float64(r.u16("average cadence")) * 0.5
	}
	if d.HasTotalDistance = has(ibdFlagTotalDistance); d.HasTotalDistance {
		d.TotalDistanceMeters = r.u24("total distance")
	}
	if d.HasResistanceLevel = has(ibdFlagResistanceLevel); d.HasResistanceLevel {
		d.ResistanceLevel = r.s16("resistance level")
	}
	if d.HasInstantaneousPower = has(ibdFlagInstantaneousPower); d.HasInstantaneousPower {
		d.InstantaneousPowerWatts = r.s16("instantaneous power")
	}
	if d.HasAveragePower = has(ibdFlagAveragePower); d.HasAveragePower {
		d.AveragePowerWatts = r.s16("average power")
	}
	if d.HasExpendedEnergy = has(ibdFlagExpendedEnergy); d.HasExpendedEnergy {
		d.TotalEnergyKJ = r.u16("total energy")
		d.EnergyPerHourKJ = r.u16("energy per hour")
		d.EnergyPerMinuteKJ = r.u8("energy per minute")
	}
	if d.HasHeartRate = has(ibdFlagHeartRate); d.HasHeartRate {
		d.HeartRateBpm = r.u8("heart rate")
	}
	if d.HasMetabolicEquivalent = has(ibdFlagMetabolicEquivalent); d.HasMetabolicEquivalent {
		d.MetabolicEquivalent = float64(r.u8("metabolic equivalent")) * 0.1
	}
	if d.HasElapsedTime = has(ibdFlagElapsedTime); d.HasElapsedTime {
		d.ElapsedTimeSeconds = r.u16("elapsed time")
	}
	if d.HasRemainingTime = has(ibdFlagRemainingTime); d.HasRemainingTime {
		d.RemainingTimeSeconds = r.u16("remaining time")
	}
	if r.err != nil {
		return IndoorBikeData{}, r.err
	}
	return d, nil
}
