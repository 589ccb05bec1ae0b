// Package odometer merges the persisted lifetime odometer with the distance
// a controller reports during a session.
//
// Controllers differ in what they report: some keep a lifetime odometer,
// most count from zero every power cycle, and all of them reset now and
// then. The reconciler treats the reported value as authoritative only
// while it stays at or above what was persisted; anything else is a delta
// series layered on top, so the displayed value never goes backwards.
package odometer

import (
	"fmt"
	"math"
	"time"
)

// DefaultMaxKmh bounds the speed an odometer increment may imply.
const DefaultMaxKmh = 150.0

// InconsistencyError reports an increment too large for the elapsed time.
// It is a warning: the increment is clamped and reconciliation continues.
type InconsistencyError struct {
	IncrementKm float64
	Elapsed     time.Duration
	ImpliedKmh  float64
	ClampedKm   float64
}

func (e *InconsistencyError) Error() string {
	return fmt.Sprintf("odometer: jump of %.3f km in %v implies %.0f km/h, clamped to %.3f km",
		e.IncrementKm, e.Elapsed, e.ImpliedKmh, e.ClampedKm)
}

// Reconciler is not safe for concurrent use; the session loop owns it.
type Reconciler struct {
	persisted float64
	maxKmh    float64

	started bool
	since   time.Time // plausibility window start for the first report
	lastRaw float64   // last reported value
	lastAt  time.Time
	accrued float64 // distance added on top of persisted
}

// New starts a session from the persisted odometer value.
func New(persistedKm, maxKmh float64) *Reconciler {
	if persistedKm < 0 {
		persistedKm = 0
	}
	if maxKmh <= 0 {
		maxKmh = DefaultMaxKmh
	}
	return &Reconciler{persisted: persistedKm, maxKmh: maxKmh}
}

// Resume carries the reconciler into a new connection to the same
// controller. The last reported value stays the baseline, so a controller
// that stayed powered is not counted twice. persistedKm only ever raises
// the base; at opens the plausibility window for a first report.
func (r *Reconciler) Resume(persistedKm float64, at time.Time) {
	if v := r.Value(); persistedKm > v {
		r.persisted += persistedKm - v
	}
	if !r.started {
		r.since = at
	}
}

// Observe folds in one controller-reported odometer value and returns the
// reconciled odometer. A non-nil error is an *InconsistencyError; the
// returned value is still valid.
func (r *Reconciler) Observe(reportedKm float64, at time.Time) (float64, error) {
	if reportedKm < 0 {
		reportedKm = 0
	}
	if r.started {
		return r.observeDelta(reportedKm, at)
	}

	r.started = true
	r.lastAt = at
	r.lastRaw = reportedKm
	if reportedKm >= r.persisted && r.persisted > 0 {
		// Controller keeps its own lifetime count and is at or ahead of
		// what we stored; adopt it.
		r.accrued = reportedKm - r.persisted
		return r.Value(), nil
	}
	inc, warn := r.clamp(reportedKm, r.since, at)
	r.accrued = inc
	return r.Value(), warn
}

func (r *Reconciler) observeDelta(reportedKm float64, at time.Time) (float64, error) {
	var inc float64
	if reportedKm < r.lastRaw {
		// Reset or rollover: the new series restarts from zero.
		inc = reportedKm
	} else {
		inc = reportedKm - r.lastRaw
	}

	inc, warn := r.clamp(inc, r.lastAt, at)
	r.accrued += inc
	r.lastRaw = reportedKm
	if at.After(r.lastAt) {
		r.lastAt = at
	}
	return r.Value(), warn
}

// clamp bounds an increment observed between from and to by maxKmh. A zero
// from means no window is known and the increment passes unchecked.
func (r *Reconciler) clamp(inc float64, from, to time.Time) (float64, error) {
	if inc <= 0 || from.IsZero() {
		return inc, nil
	}
	elapsed := to.Sub(from)
	if elapsed < 0 {
		return inc, nil
	}
	limit := r.maxKmh * elapsed.Hours()
	if inc <= limit {
		return inc, nil
	}
	return limit, &InconsistencyError{
		IncrementKm: inc,
		Elapsed:     elapsed,
		ImpliedKmh:  impliedKmh(inc, elapsed),
		ClampedKm:   limit,
	}
}

func impliedKmh(km float64, d time.Duration) float64 {
	if d <= 0 {
		return math.Inf(1)
	}
	return km / d.Hours()
}

// Value is the reconciled odometer for display and persistence.
func (r *Reconciler) Value() float64 { return r.persisted + r.accrued }
