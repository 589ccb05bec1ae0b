package gps

import (
	"context"
	"log"
	"math"
	"time"

	"github.com/shaunagostinho/evdash/internal/trip"
)

// Tracker turns successive fixes into trip samples: distance since the
// previous accepted position plus the reported speed.
type Tracker struct {
	// GlitchKm drops single jumps longer than this as receiver glitches.
	GlitchKm float64
	// MinMoveKm holds the anchor until the position has really moved, so
	// jitter while stationary does not accumulate.
	MinMoveKm float64

	anchored bool
	lat, lon float64
	lastAt   time.Time
}

func NewTracker() *Tracker {
	return &Tracker{GlitchKm: 0.5, MinMoveKm: 0.002}
}

// Observe returns the sample for f, or false for fixes that carry no
// information (invalid, or not newer than the last one).
func (t *Tracker) Observe(f Fix) (trip.GpsSample, bool) {
	if !f.Valid || (!t.lastAt.IsZero() && !f.At.After(t.lastAt)) {
		return trip.GpsSample{}, false
	}
	t.lastAt = f.At
	s := trip.GpsSample{SpeedKmh: math.Max(0, f.SpeedKmh), At: f.At}

	if !t.anchored {
		t.lat, t.lon, t.anchored = f.Latitude, f.Longitude, true
		return s, true
	}

	dist := HaversineKm(t.lat, t.lon, f.Latitude, f.Longitude)
	switch {
	case dist > t.GlitchKm:
		t.lat, t.lon = f.Latitude, f.Longitude
	case dist > t.MinMoveKm:
		s.DistanceKm = dist
		t.lat, t.lon = f.Latitude, f.Longitude
	}
	return s, true
}

// HaversineKm is the great-circle distance between two points.
func HaversineKm(lat1, lon1, lat2, lon2 float64) float64 {
	const earthRadiusKm = 6371.0
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*
			math.Sin(dLon/2)*math.Sin(dLon/2)
	return earthRadiusKm * 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}

// Feed polls p every interval and hands each new sample to sink until ctx
// is done. The latest fix is also passed to onFix when it is non-nil.
// Read failures reconnect with a fixed delay.
func Feed(ctx context.Context, p Provider, interval time.Duration, sink func(trip.GpsSample), onFix func(Fix)) {
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	tracker := NewTracker()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		f, err := p.Read()
		if err != nil {
			log.Printf("[gps] %s: %v, reconnecting", p.Name(), err)
			p.Close()
			select {
			case <-ctx.Done():
				return
			case <-time.After(2 * time.Second):
			}
			if err := p.Connect(); err != nil {
				log.Printf("[gps] reconnect failed: %v", err)
			}
			continue
		}
		if onFix != nil {
			onFix(f)
		}
		if s, ok := tracker.Observe(f); ok {
			sink(s)
		}
	}
}
