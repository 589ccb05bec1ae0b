// Package gps reads position fixes and reduces them to the speed and
// distance samples the trip engine consumes.
package gps

import "time"

// Provider is the interface for GPS data sources.
type Provider interface {
	Name() string
	Connect() error
	Close() error
	// Read returns the latest fix. It may block up to one read timeout.
	Read() (Fix, error)
}

// Fix is one GPS position report.
type Fix struct {
	Valid      bool      `json:"valid"`
	Latitude   float64   `json:"latitude"`  // decimal degrees
	Longitude  float64   `json:"longitude"` // decimal degrees
	SpeedKmh   float64   `json:"speed"`
	Heading    float64   `json:"heading"`  // degrees true
	Altitude   float64   `json:"altitude"` // metres
	Satellites int       `json:"satellites"`
	FixQuality int       `json:"fixQuality"` // 0=none, 1=GPS, 2=DGPS
	HDOP       float64   `json:"hdop"`
	At         time.Time `json:"at"` // receiver UTC time when known, else arrival
}
