// Package trip aggregates telemetry readings and GPS samples into running
// trip statistics.
package trip

import (
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/shaunagostinho/evdash/internal/controller"
	"github.com/shaunagostinho/evdash/internal/telemetry"
)

// GpsSample is one fix from the external GPS source, already reduced to
// speed and distance travelled since the previous fix.
type GpsSample struct {
	SpeedKmh   float64   `json:"speed"`
	DistanceKm float64   `json:"distance"`
	At         time.Time `json:"at"`
}

// Battery describes the pack for the remaining-range estimate. A zero value
// disables the estimate.
type Battery struct {
	CapacityWh float64 `yaml:"capacity_wh" json:"capacityWh"`
	EmptyV     float64 `yaml:"empty_v" json:"emptyV"` // resting voltage at 0%
	FullV      float64 `yaml:"full_v" json:"fullV"`   // resting voltage at 100%
}

func (b Battery) valid() bool {
	return b.CapacityWh > 0 && b.FullV > b.EmptyV && b.EmptyV > 0
}

// stateOfCharge is a linear estimate from resting voltage, clamped to [0,1].
func (b Battery) stateOfCharge(restV float64) float64 {
	soc := (restV - b.EmptyV) / (b.FullV - b.EmptyV)
	return math.Max(0, math.Min(1, soc))
}

// Vehicle is the configuration the engine reads on every computation.
// Changing it affects subsequent readings only.
type Vehicle struct {
	Geometry       controller.Geometry
	PreferGPSSpeed bool
	Battery        Battery
}

// Options tune integration. Zero values select the defaults.
type Options struct {
	// MaxGap is the longest interval between two readings that is still
	// integrated. Longer gaps (reconnects, stalls) add time to neither
	// distance nor energy.
	MaxGap time.Duration
	// LoadThresholdA separates "under load" from "at rest" for voltage sag
	// and state-of-charge.
	LoadThresholdA float64
	// GPSStale is how long a GPS fix keeps GPS the active display source.
	GPSStale time.Duration
}

const (
	defaultMaxGap         = 5 * time.Second
	defaultLoadThresholdA = 5.0
	defaultGPSStale       = 3 * time.Second
	minDistanceForRateKm  = 0.01
)

func (o Options) withDefaults() Options {
	if o.MaxGap <= 0 {
		o.MaxGap = defaultMaxGap
	}
	if o.LoadThresholdA <= 0 {
		o.LoadThresholdA = defaultLoadThresholdA
	}
	if o.GPSStale <= 0 {
		o.GPSStale = defaultGPSStale
	}
	return o
}

// Engine owns one trip's running totals. It is not safe for concurrent use:
// the session loop is its only caller and hands out Summary values.
type Engine struct {
	vehicle Vehicle
	opts    Options

	id        string
	startedAt time.Time

	prev    telemetry.Reading
	hasPrev bool
	samples int

	elapsedS    float64 // integrated seconds
	wheelKm     float64
	displayKm   float64
	uncoveredKm float64 // wheel share of displayKm since the last GPS sample
	energyWh    float64
	regenWh     float64
	maxSpeedKmh float64
	speedKmh    float64 // latest wheel speed
	wheelErr    error
	minLoadV    float64
	maxRestV    float64
	lastRestV   float64
	gpsKm       float64
	gpsMaxKmh   float64
	gpsSpeedKmh float64
	gpsSamples  int
	gpsFirst    time.Time
	gpsLast     time.Time
}

// NewEngine starts an empty trip.
func NewEngine(v Vehicle, opts Options) *Engine {
	e := &Engine{vehicle: v, opts: opts.withDefaults()}
	e.Reset(time.Time{})
	return e
}

// SetVehicle swaps the configuration used from the next reading on.
func (e *Engine) SetVehicle(v Vehicle) {
	e.vehicle = v
	e.wheelErr = v.Geometry.Validate()
}

// Vehicle returns the configuration currently in effect.
func (e *Engine) Vehicle() Vehicle { return e.vehicle }

// Reset ends the current trip and starts a new, zeroed one. A zero start
// time is filled in by the first event.
func (e *Engine) Reset(at time.Time) {
	*e = Engine{vehicle: e.vehicle, opts: e.opts}
	e.id = uuid.NewString()
	e.startedAt = at
	e.wheelErr = e.vehicle.Geometry.Validate()
}

// Observe folds one reading into the trip. Readings must arrive in order.
func (e *Engine) Observe(r telemetry.Reading) Summary {
	if e.startedAt.IsZero() {
		e.startedAt = r.At
	}
	e.samples++

	circ, err := e.vehicle.Geometry.CircumferenceM()
	e.wheelErr = err
	speed := 0.0
	if err == nil {
		speed = wheelSpeedKmh(e.vehicle.Geometry, circ, float64(r.MotorRPM))
		e.maxSpeedKmh = math.Max(e.maxSpeedKmh, speed)
	}
	e.speedKmh = speed

	if e.hasPrev {
		dt := r.At.Sub(e.prev.At)
		if dt > 0 && dt <= e.opts.MaxGap {
			e.integrate(e.prev, r, dt.Seconds(), circ, err == nil)
		}
	}
	e.trackVoltage(r)

	e.prev = r
	e.hasPrev = true
	return e.Summary()
}

func (e *Engine) integrate(a, b telemetry.Reading, dt, circ float64, wheelOK bool) {
	e.elapsedS += dt

	avgPower := (a.PowerW() + b.PowerW()) / 2
	if avgPower >= 0 {
		e.energyWh += avgPower * dt / 3600
	} else {
		e.regenWh += -avgPower * dt / 3600
	}

	if !wheelOK {
		return
	}
	avgMotorRPM := (float64(a.MotorRPM) + float64(b.MotorRPM)) / 2
	revs := e.vehicle.Geometry.WheelRPM(avgMotorRPM) * dt / 60
	km := revs * circ / 1000
	e.wheelKm += km
	switch {
	case !e.vehicle.PreferGPSSpeed:
		e.displayKm += km
	case !e.gpsActive(b.At):
		// Stands in until a GPS sample covers this span.
		e.displayKm += km
		e.uncoveredKm += km
	}
}

func (e *Engine) trackVoltage(r telemetry.Reading) {
	if r.VoltageV <= 0 {
		return
	}
	if r.CurrentA >= e.opts.LoadThresholdA {
		if e.minLoadV == 0 || r.VoltageV < e.minLoadV {
			e.minLoadV = r.VoltageV
		}
		return
	}
	if math.Abs(r.CurrentA) < e.opts.LoadThresholdA {
		e.lastRestV = r.VoltageV
		e.maxRestV = math.Max(e.maxRestV, r.VoltageV)
	}
}

// ObserveGPS folds one GPS sample into the trip. Samples must arrive in
// order relative to each other; they need not interleave with readings in
// any particular way.
func (e *Engine) ObserveGPS(s GpsSample) Summary {
	if e.startedAt.IsZero() {
		e.startedAt = s.At
	}
	d := math.Max(0, s.DistanceKm)
	if math.IsNaN(d) || math.IsInf(d, 0) {
		d = 0
	}
	e.gpsKm += d
	if s.SpeedKmh > e.gpsMaxKmh {
		e.gpsMaxKmh = s.SpeedKmh
	}
	e.gpsSpeedKmh = math.Max(0, s.SpeedKmh)
	if e.gpsSamples == 0 {
		e.gpsFirst = s.At
	}
	e.gpsLast = s.At
	e.gpsSamples++

	if e.vehicle.PreferGPSSpeed {
		// The sample covers the span the wheel stood in for; the wheel
		// share is replaced, never shrunk below what was already shown.
		e.displayKm += math.Max(0, d-e.uncoveredKm)
		e.uncoveredKm = 0
	}
	return e.Summary()
}

func (e *Engine) gpsActive(at time.Time) bool {
	if !e.vehicle.PreferGPSSpeed || e.gpsSamples == 0 {
		return false
	}
	return at.Sub(e.gpsLast) <= e.opts.GPSStale
}

func wheelSpeedKmh(g controller.Geometry, circM, motorRPM float64) float64 {
	return g.WheelRPM(motorRPM) * circM * 60 / 1000
}
