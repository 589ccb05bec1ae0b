// Package gear maps the controller's raw gear code and cutoff bit to the
// value the dashboard shows in its gear indicator.
package gear

import (
	"encoding/json"
	"strconv"

	"github.com/shaunagostinho/evdash/internal/telemetry"
)

// Kind tags which variant a Status holds.
type Kind int

const (
	Unknown Kind = iota
	Idle
	Engaged
)

// MaxGear is the highest gear code the controller reports for a speed mode.
const MaxGear = 9

// Status is the display-ready gear indicator. Gear is meaningful only when
// Kind is Engaged.
type Status struct {
	Kind   Kind
	Gear   uint8
	Cutoff bool
}

// Gear builds an engaged status.
func Gear(n uint8) Status { return Status{Kind: Engaged, Gear: n} }

// Derive maps a reading to a Status. A nil reading (nothing received yet
// this session) is Unknown with no cutoff so the display shows a
// placeholder instead of a stale value.
func Derive(r *telemetry.Reading) Status {
	if r == nil {
		return Status{Kind: Unknown}
	}
	s := Status{Cutoff: r.Cutoff}
	switch code := r.GearCode; {
	case code == 0:
		s.Kind = Idle
	case code <= MaxGear:
		s.Kind = Engaged
		s.Gear = code
	default:
		s.Kind = Unknown
	}
	return s
}

// String renders the indicator text: "N", the gear number, or "-".
func (s Status) String() string {
	switch s.Kind {
	case Idle:
		return "N"
	case Engaged:
		return strconv.Itoa(int(s.Gear))
	default:
		return "-"
	}
}

func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Display string `json:"display"`
		Cutoff  bool   `json:"cutoff"`
	}{s.String(), s.Cutoff})
}
