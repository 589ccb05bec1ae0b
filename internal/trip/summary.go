package trip

import (
	"time"
)

// Speed sources reported in Summary.SpeedSource.
const (
	SourceNone  = "none"
	SourceWheel = "wheel"
	SourceGPS   = "gps"
)

// Summary is an immutable snapshot of a trip. Averages are derived from the
// running sums each time a Summary is built, never updated incrementally.
type Summary struct {
	ID        string    `json:"id"`
	StartedAt time.Time `json:"startedAt"`

	// Display selection: GPS when preferred and fresh, wheel otherwise.
	// While GPS is preferred, wheel distance fills only the spans no GPS
	// sample has covered yet.
	DistanceKm  float64 `json:"distance"`
	SpeedKmh    float64 `json:"speed"`
	SpeedSource string  `json:"speedSource"`

	WheelAvailable  bool    `json:"wheelAvailable"`
	WheelError      string  `json:"wheelError,omitempty"`
	WheelDistanceKm float64 `json:"wheelDistance"`
	MaxSpeedKmh     float64 `json:"maxSpeed"`
	AvgSpeedKmh     float64 `json:"avgSpeed"`

	EnergyWh  float64 `json:"energyWh"` // drawn from the pack
	RegenWh   float64 `json:"regenWh"`  // returned to the pack
	AvgPowerW float64 `json:"avgPower"` // net
	WhPerKm   float64 `json:"whPerKm"`  // net, wheel distance

	RemainingAvailable bool    `json:"remainingAvailable"`
	RemainingKm        float64 `json:"remaining"`

	MinLoadVoltage float64 `json:"minLoadVoltage"`
	MaxVoltageSag  float64 `json:"maxVoltageSag"`

	GpsDistanceKm  float64 `json:"gpsDistance"`
	GpsSpeedKmh    float64 `json:"gpsSpeed"`
	GpsMaxSpeedKmh float64 `json:"gpsMaxSpeed"`
	GpsAvgSpeedKmh float64 `json:"gpsAvgSpeed"`
	GpsSamples     int     `json:"gpsSamples"`

	Samples        int     `json:"samples"`
	ElapsedSeconds float64 `json:"elapsed"`
}

// Summary builds the current trip snapshot.
func (e *Engine) Summary() Summary {
	s := Summary{
		ID:              e.id,
		StartedAt:       e.startedAt,
		DistanceKm:      e.displayKm,
		WheelAvailable:  e.wheelErr == nil,
		WheelDistanceKm: e.wheelKm,
		MaxSpeedKmh:     e.maxSpeedKmh,
		EnergyWh:        e.energyWh,
		RegenWh:         e.regenWh,
		MinLoadVoltage:  e.minLoadV,
		GpsDistanceKm:   e.gpsKm,
		GpsSpeedKmh:     e.gpsSpeedKmh,
		GpsMaxSpeedKmh:  e.gpsMaxKmh,
		GpsSamples:      e.gpsSamples,
		Samples:         e.samples,
		ElapsedSeconds:  e.elapsedS,
	}
	if e.wheelErr != nil {
		s.WheelError = e.wheelErr.Error()
	}

	switch {
	case e.gpsActive(e.latest()):
		s.SpeedKmh = e.gpsSpeedKmh
		s.SpeedSource = SourceGPS
	case e.hasPrev && e.wheelErr == nil:
		s.SpeedKmh = e.speedKmh
		s.SpeedSource = SourceWheel
	default:
		s.SpeedSource = SourceNone
	}

	net := e.energyWh - e.regenWh
	if e.elapsedS > 0 {
		hours := e.elapsedS / 3600
		s.AvgPowerW = net / hours
		if s.WheelAvailable {
			s.AvgSpeedKmh = e.wheelKm / hours
		}
	}
	if e.wheelKm >= minDistanceForRateKm {
		s.WhPerKm = net / e.wheelKm
	}

	if e.maxRestV > 0 && e.minLoadV > 0 && e.maxRestV > e.minLoadV {
		s.MaxVoltageSag = e.maxRestV - e.minLoadV
	}

	if span := e.gpsLast.Sub(e.gpsFirst); span > 0 {
		s.GpsAvgSpeedKmh = e.gpsKm / span.Hours()
	}

	if b := e.vehicle.Battery; b.valid() && e.lastRestV > 0 && s.WhPerKm > 0 {
		s.RemainingAvailable = true
		s.RemainingKm = b.stateOfCharge(e.lastRestV) * b.CapacityWh / s.WhPerKm
	}
	return s
}

// latest is the timestamp of the most recent event of either kind.
func (e *Engine) latest() time.Time {
	t := e.prev.At
	if e.gpsLast.After(t) {
		t = e.gpsLast
	}
	return t
}
