package transport

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/shaunagostinho/evdash/internal/telemetry"
)

// Demo generates simulated controller frames for development and testing.
// Each connected id gets its own simulated ride.
type Demo struct {
	interval time.Duration

	mu    sync.Mutex
	rides map[string]*demoRide
}

type demoRide struct {
	stop chan struct{}
	done chan struct{}
}

// NewDemo creates a demo transport emitting one frame per interval.
func NewDemo(interval time.Duration) *Demo {
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	return &Demo{interval: interval, rides: make(map[string]*demoRide)}
}

func (d *Demo) Name() string { return "Demo (Simulated)" }

func (d *Demo) Connect(ctx context.Context, id string, h Handler) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.rides[id]; ok {
		return fmt.Errorf("demo: %s: %w", id, ErrAlreadyConnected)
	}
	ride := &demoRide{stop: make(chan struct{}), done: make(chan struct{})}
	d.rides[id] = ride
	go d.run(id, ride, h)
	return nil
}

func (d *Demo) Disconnect(id string) error {
	d.mu.Lock()
	ride, ok := d.rides[id]
	delete(d.rides, id)
	d.mu.Unlock()
	if ok {
		close(ride.stop)
		<-ride.done
	}
	return nil
}

func (d *Demo) run(id string, ride *demoRide, h Handler) {
	defer close(ride.done)
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	sim := newDemoSim(d.interval.Seconds())
	for {
		select {
		case <-ride.stop:
			return
		case <-ticker.C:
			h.OnFrame(id, telemetry.Encode(sim.next()))
		}
	}
}

// demoSim rides a gentle speed cycle through the gears with regen on the
// way down. Wheel speed follows a 100/80-17 tire on direct drive.
type demoSim struct {
	t, dt    float64
	odoM     float64
	seq      uint16
	prevRPM  float64
	packV    float64
	rng      *rand.Rand
	faultsAt float64
}

func newDemoSim(dt float64) *demoSim {
	return &demoSim{dt: dt, packV: 83.5, rng: rand.New(rand.NewSource(time.Now().UnixNano())), faultsAt: -1}
}

const demoCircumferenceM = 1.86

func (s *demoSim) next() telemetry.Reading {
	s.t += s.dt

	// 0..700 rpm motor, swinging over roughly 40 s.
	cycle := math.Sin(s.t*0.08) * math.Sin(s.t*0.08)
	rpm := 700*cycle + s.rng.Float64()*8
	accel := rpm - s.prevRPM
	s.prevRPM = rpm

	current := 4 + 80*cycle + accel*2
	regen := false
	if accel < -2 {
		current = accel * 3
		regen = true
	}
	current = math.Max(-60, math.Min(150, current))

	// Slow pack discharge with load sag.
	s.packV -= math.Max(0, current) * s.dt / 36000
	volts := s.packV - math.Max(0, current)*0.04

	s.odoM += rpm / 60 * demoCircumferenceM * s.dt

	gearCode := uint8(0)
	switch {
	case rpm > 500:
		gearCode = 3
	case rpm > 250:
		gearCode = 2
	case rpm > 30:
		gearCode = 1
	}

	var faults uint16
	if s.rng.Float64() < 0.0005 {
		s.faultsAt = s.t
	}
	if s.faultsAt >= 0 && s.t-s.faultsAt < 3 {
		faults = telemetry.FaultMotorOverTemp
	}

	s.seq++
	return telemetry.Reading{
		VoltageV:          volts,
		CurrentA:          current,
		MotorRPM:          uint16(math.Max(0, rpm)),
		TemperatureC:      38 + 10*cycle,
		MotorTemperatureC: 45 + 25*cycle,
		GearCode:          gearCode,
		Regen:             regen,
		Brake:             regen && accel < -10,
		Throttle:          uint8(math.Max(0, math.Min(100, 100*cycle+accel))),
		FaultFlags:        faults,
		OdometerKm:        s.odoM / 1000,
		Sequence:          s.seq,
	}
}
