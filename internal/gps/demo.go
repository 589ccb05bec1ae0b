package gps

import (
	"math"
	"math/rand"
	"sync"
	"time"
)

// DemoGPS drives a loop around a fixed point at a varying speed.
type DemoGPS struct {
	mu      sync.Mutex
	t       float64
	heading float64
	lat     float64
	lon     float64
}

func NewDemoGPS() *DemoGPS { return &DemoGPS{lat: 43.6532, lon: -79.3832} }

func (d *DemoGPS) Name() string   { return "Demo GPS (Simulated)" }
func (d *DemoGPS) Connect() error { return nil }
func (d *DemoGPS) Close() error   { return nil }

// Read advances the simulation by one 100 ms step.
func (d *DemoGPS) Read() (Fix, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	const step = 0.1
	d.t += step
	speed := math.Max(0, 30+20*math.Sin(d.t*0.08)+rand.Float64()*2)
	d.heading = math.Mod(d.heading+step*6, 360)

	km := speed * step / 3600
	rad := d.heading * math.Pi / 180
	d.lat += km * math.Cos(rad) / 111.32
	d.lon += km * math.Sin(rad) / (111.32 * math.Cos(d.lat*math.Pi/180))

	return Fix{
		Valid:      true,
		Latitude:   d.lat,
		Longitude:  d.lon,
		SpeedKmh:   speed,
		Heading:    d.heading,
		Altitude:   76,
		Satellites: 12,
		FixQuality: 1,
		HDOP:       0.8,
		At:         time.Now().UTC(),
	}, nil
}
