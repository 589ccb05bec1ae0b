package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shaunagostinho/evdash/internal/trip"
)

// TripRecord is a finished trip as stored.
type TripRecord struct {
	Serial  string       `json:"serial"`
	EndedAt time.Time    `json:"endedAt"`
	Summary trip.Summary `json:"summary"`
}

// RecordTrip stores a finished trip. Recording the same trip ID again
// replaces the earlier row.
func (db *DB) RecordTrip(ctx context.Context, serial string, s trip.Summary, endedAt time.Time) error {
	blob, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("store: encode trip %s: %w", s.ID, err)
	}
	started := s.StartedAt
	if started.IsZero() {
		started = endedAt
	}
	_, err = db.ExecContext(ctx, `INSERT OR REPLACE INTO trips (
			trip_id, serial, started_at, ended_at, distance_km, wheel_distance_km, gps_distance_km,
			energy_wh, regen_wh, max_speed_kmh, elapsed_s, samples, summary_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID, serial, started.UnixMilli(), endedAt.UnixMilli(), s.DistanceKm, s.WheelDistanceKm, s.GpsDistanceKm,
		s.EnergyWh, s.RegenWh, s.MaxSpeedKmh, s.ElapsedSeconds, s.Samples, string(blob))
	if isConstraint(err) {
		return fmt.Errorf("store: record trip for unknown controller %s", serial)
	}
	if err != nil {
		return fmt.Errorf("store: record trip %s: %w", s.ID, err)
	}
	return nil
}

// ListTrips returns up to limit finished trips for serial, newest first.
func (db *DB) ListTrips(ctx context.Context, serial string, limit int) ([]TripRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.QueryContext(ctx, `SELECT ended_at, summary_json FROM trips
		WHERE serial = ? ORDER BY started_at DESC LIMIT ?`, serial, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list trips %s: %w", serial, err)
	}
	defer rows.Close()

	var out []TripRecord
	for rows.Next() {
		var (
			ended int64
			blob  string
		)
		if err := rows.Scan(&ended, &blob); err != nil {
			return nil, err
		}
		rec := TripRecord{Serial: serial, EndedAt: time.UnixMilli(ended).UTC()}
		if err := json.Unmarshal([]byte(blob), &rec.Summary); err != nil {
			return nil, fmt.Errorf("store: decode trip: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
