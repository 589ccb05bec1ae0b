// Package logger records session snapshots to CSV, one file series per
// controller.
package logger

import (
	"encoding/csv"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shaunagostinho/evdash/internal/session"
)

// Logger writes one CSV row per streaming snapshot, at most once per
// interval per controller. It is a session.Renderer.
type Logger struct {
	dir      string
	interval time.Duration

	mu      sync.Mutex
	enabled bool
	series  map[string]*series
}

// Config holds logger configuration.
type Config struct {
	Enabled    bool   `yaml:"enabled" json:"enabled"`
	Path       string `yaml:"path" json:"path"`
	IntervalMs int    `yaml:"interval_ms" json:"intervalMs"`
}

// maxRowsPerFile rotates roughly every 2.7 hours at 10 Hz.
const maxRowsPerFile = 100_000

var csvHeader = []string{
	"timestamp", "phase",
	"voltage_v", "current_a", "power_w", "rpm",
	"controller_temp_c", "motor_temp_c", "throttle_pct",
	"gear", "cutoff", "brake", "regen", "faults",
	"speed_kmh", "speed_source", "trip_km", "wheel_km", "gps_km",
	"energy_wh", "regen_wh", "wh_per_km", "remaining_km",
	"min_load_v", "odometer_km", "decode_errors", "dropped_frames",
}

// series is the open file for one controller.
type series struct {
	file   *os.File
	w      *csv.Writer
	rows   int
	lastAt time.Time
}

func New(cfg Config) *Logger {
	if cfg.Path == "" {
		cfg.Path = "/var/log/evdash"
	}
	interval := time.Duration(cfg.IntervalMs) * time.Millisecond
	if interval < 50*time.Millisecond {
		interval = 100 * time.Millisecond
	}
	return &Logger{
		dir:      cfg.Path,
		interval: interval,
		enabled:  cfg.Enabled,
		series:   make(map[string]*series),
	}
}

// SetEnabled toggles recording at runtime. Disabling closes every file.
func (l *Logger) SetEnabled(on bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.enabled = on
	if !on {
		l.closeAll()
	}
}

func (l *Logger) IsEnabled() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.enabled
}

// Render records s when it carries a reading and the interval for its
// controller has elapsed. Snapshot stamps, not the wall clock, pace rows.
func (l *Logger) Render(s session.Snapshot) {
	if s.State.Phase != session.Streaming || s.State.Latest == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.enabled {
		return
	}

	sr := l.series[s.Serial]
	if sr != nil && s.Stamp.Sub(sr.lastAt) < l.interval {
		return
	}
	if sr == nil || sr.rows >= maxRowsPerFile {
		next, err := l.open(s.Serial, s.Stamp)
		if err != nil {
			log.Printf("[logger] %s: %v", s.Serial, err)
			return
		}
		if sr != nil {
			sr.close()
		}
		sr = next
		l.series[s.Serial] = sr
	}
	sr.lastAt = s.Stamp

	if err := sr.w.Write(buildRow(s)); err != nil {
		log.Printf("[logger] %s: write failed: %v", s.Serial, err)
		return
	}
	sr.w.Flush()
	sr.rows++
}

// Close flushes and closes every open file.
func (l *Logger) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closeAll()
}

func (l *Logger) closeAll() {
	for serial, sr := range l.series {
		sr.close()
		delete(l.series, serial)
	}
}

// open starts a new file named after the controller and the first row's
// stamp.
func (l *Logger) open(serial string, at time.Time) (*series, error) {
	if err := os.MkdirAll(l.dir, 0755); err != nil {
		return nil, fmt.Errorf("mkdir %s: %w", l.dir, err)
	}
	name := fmt.Sprintf("evdash_%s_%s.csv", sanitize(serial), at.UTC().Format("2006-01-02_150405.000"))
	path := filepath.Join(l.dir, name)
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", path, err)
	}
	sr := &series{file: f, w: csv.NewWriter(f)}
	if err := sr.w.Write(csvHeader); err != nil {
		f.Close()
		return nil, err
	}
	sr.w.Flush()
	log.Printf("[logger] opened %s", path)
	return sr, nil
}

func (sr *series) close() {
	sr.w.Flush()
	sr.file.Close()
}

// sanitize keeps serials usable as file name parts.
func sanitize(serial string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-':
			return r
		}
		return '_'
	}, serial)
}

func buildRow(s session.Snapshot) []string {
	r := s.State.Latest
	t := s.Trip
	return []string{
		s.Stamp.UTC().Format(time.RFC3339Nano),
		s.State.Phase.String(),
		ff(r.VoltageV, 1),
		ff(r.CurrentA, 1),
		ff(r.PowerW(), 0),
		strconv.Itoa(int(r.MotorRPM)),
		ff(r.TemperatureC, 1),
		ff(r.MotorTemperatureC, 1),
		strconv.Itoa(int(r.Throttle)),
		s.State.Gear.String(),
		flag(s.State.Gear.Cutoff),
		flag(r.Brake),
		flag(r.Regen),
		strings.Join(s.State.Faults, "|"),
		ff(t.SpeedKmh, 1),
		t.SpeedSource,
		ff(t.DistanceKm, 3),
		ff(t.WheelDistanceKm, 3),
		ff(t.GpsDistanceKm, 3),
		ff(t.EnergyWh, 2),
		ff(t.RegenWh, 2),
		ff(t.WhPerKm, 1),
		optional(t.RemainingAvailable, t.RemainingKm),
		ff(t.MinLoadVoltage, 1),
		ff(s.State.OdometerKm, 3),
		strconv.Itoa(s.State.DecodeErrors),
		strconv.Itoa(s.State.DroppedFrames),
	}
}

func ff(v float64, prec int) string { return strconv.FormatFloat(v, 'f', prec, 64) }

// optional leaves the cell empty when the value is unavailable.
func optional(ok bool, v float64) string {
	if !ok {
		return ""
	}
	return ff(v, 1)
}

func flag(v bool) string {
	if v {
		return "1"
	}
	return "0"
}
