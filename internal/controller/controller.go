package controller

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

// ErrNotFound is returned by stores for a serial with no record.
var ErrNotFound = errors.New("controller: not found")

// Controller is the persistent identity and configuration of one paired
// motor controller. It is owned by the config/account layer; the telemetry
// core only reads it.
type Controller struct {
	Serial         string    `json:"serial"` // unique, immutable once created
	Name           string    `json:"name"`
	UserIDs        []string  `json:"userIds"`
	OwnerIDs       []string  `json:"ownerIds"`
	OdometerKm     float64   `json:"odometerKm"` // lifetime, reconciled
	AllowAnonymous bool      `json:"allowAnonymous"`
	PreferGPSSpeed bool      `json:"preferGpsSpeed"`
	Geometry       Geometry  `json:"geometry"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// Geometry describes the driven wheel and reduction between motor and wheel.
// A 100/80-17 tire is TireWidthMM=100, TireAspect=80, RimDiameterIn=17.
type Geometry struct {
	TireWidthMM   float64 `yaml:"tire_width_mm" json:"tireWidthMm"`
	TireAspect    float64 `yaml:"tire_aspect" json:"tireAspect"`      // sidewall height, % of width
	RimDiameterIn float64 `yaml:"rim_diameter_in" json:"rimDiameterIn"`
	GearRatio     float64 `yaml:"gear_ratio" json:"gearRatio"` // motor turns per wheel turn
}

// ConfigurationError reports a missing or invalid geometry value. Distance
// and speed derived from it are unavailable until it is fixed.
type ConfigurationError struct {
	Field string
	Value float64
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("controller: invalid %s: %v", e.Field, e.Value)
}

// Validate checks every geometry value is a positive finite number.
func (g Geometry) Validate() error {
	for _, f := range []struct {
		name string
		v    float64
	}{
		{"tire width", g.TireWidthMM},
		{"tire aspect ratio", g.TireAspect},
		{"rim diameter", g.RimDiameterIn},
		{"gear ratio", g.GearRatio},
	} {
		if !(f.v > 0) || math.IsInf(f.v, 0) {
			return &ConfigurationError{Field: f.name, Value: f.v}
		}
	}
	return nil
}

// DiameterM is the overall tire diameter: rim plus two sidewalls.
func (g Geometry) DiameterM() float64 {
	rimMM := g.RimDiameterIn * 25.4
	sidewallMM := g.TireWidthMM * g.TireAspect / 100
	return (rimMM + 2*sidewallMM) / 1000
}

// CircumferenceM returns the rolling circumference, or a *ConfigurationError
// when the geometry is incomplete.
func (g Geometry) CircumferenceM() (float64, error) {
	if err := g.Validate(); err != nil {
		return 0, err
	}
	return math.Pi * g.DiameterM(), nil
}

// WheelRPM converts motor shaft speed to wheel speed.
func (g Geometry) WheelRPM(motorRPM float64) float64 {
	if g.GearRatio <= 0 {
		return 0
	}
	return motorRPM / g.GearRatio
}

// Validate checks the record as a whole before it is stored.
func (c *Controller) Validate() error {
	if strings.TrimSpace(c.Serial) == "" {
		return fmt.Errorf("controller: serial number is required")
	}
	if c.OdometerKm < 0 || math.IsNaN(c.OdometerKm) {
		return fmt.Errorf("controller: odometer must be non-negative, got %v", c.OdometerKm)
	}
	return nil
}

// IsBound reports whether userID may view this controller's telemetry.
func (c *Controller) IsBound(userID string) bool {
	if userID == "" {
		return c.AllowAnonymous
	}
	for _, id := range c.OwnerIDs {
		if id == userID {
			return true
		}
	}
	for _, id := range c.UserIDs {
		if id == userID {
			return true
		}
	}
	return c.AllowAnonymous
}
