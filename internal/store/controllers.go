package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/shaunagostinho/evdash/internal/controller"
)

// Binding roles.
const (
	RoleOwner = "owner"
	RoleUser  = "user"
)

const controllerColumns = `serial, name, odometer_km, allow_anonymous, prefer_gps_speed,
	tire_width_mm, tire_aspect, rim_diameter_in, gear_ratio, created_at, updated_at`

// CreateController registers a new controller. CreatedAt and UpdatedAt are
// set here; bindings in UserIDs and OwnerIDs are stored too.
func (db *DB) CreateController(ctx context.Context, c *controller.Controller) error {
	if err := c.Validate(); err != nil {
		return err
	}
	now := time.Now().UTC()
	c.CreatedAt, c.UpdatedAt = now, now

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `INSERT INTO controllers (`+controllerColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.Serial, c.Name, c.OdometerKm, c.AllowAnonymous, c.PreferGPSSpeed,
		c.Geometry.TireWidthMM, c.Geometry.TireAspect, c.Geometry.RimDiameterIn, c.Geometry.GearRatio,
		now.UnixMilli(), now.UnixMilli())
	if isConstraint(err) {
		return fmt.Errorf("%w: %s", ErrDuplicateSerial, c.Serial)
	}
	if err != nil {
		return fmt.Errorf("store: insert controller %s: %w", c.Serial, err)
	}

	if err := insertBindings(ctx, tx, c.Serial, RoleOwner, c.OwnerIDs); err != nil {
		return err
	}
	if err := insertBindings(ctx, tx, c.Serial, RoleUser, c.UserIDs); err != nil {
		return err
	}
	return tx.Commit()
}

// GetController loads a controller and its bindings. A missing serial is
// controller.ErrNotFound.
func (db *DB) GetController(ctx context.Context, serial string) (*controller.Controller, error) {
	row := db.QueryRowContext(ctx, `SELECT `+controllerColumns+` FROM controllers WHERE serial = ?`, serial)

	var (
		c                  controller.Controller
		created, updated   int64
		anonymous, gpsPref bool
	)
	err := row.Scan(&c.Serial, &c.Name, &c.OdometerKm, &anonymous, &gpsPref,
		&c.Geometry.TireWidthMM, &c.Geometry.TireAspect, &c.Geometry.RimDiameterIn, &c.Geometry.GearRatio,
		&created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", controller.ErrNotFound, serial)
	}
	if err != nil {
		return nil, fmt.Errorf("store: get controller %s: %w", serial, err)
	}
	c.AllowAnonymous, c.PreferGPSSpeed = anonymous, gpsPref
	c.CreatedAt = time.UnixMilli(created).UTC()
	c.UpdatedAt = time.UnixMilli(updated).UTC()

	rows, err := db.QueryContext(ctx, `SELECT user_id, role FROM controller_bindings
		WHERE serial = ? ORDER BY role, user_id`, serial)
	if err != nil {
		return nil, fmt.Errorf("store: get bindings %s: %w", serial, err)
	}
	defer rows.Close()
	for rows.Next() {
		var id, role string
		if err := rows.Scan(&id, &role); err != nil {
			return nil, err
		}
		if role == RoleOwner {
			c.OwnerIDs = append(c.OwnerIDs, id)
		} else {
			c.UserIDs = append(c.UserIDs, id)
		}
	}
	return &c, rows.Err()
}

// ListControllers returns every registered serial in order.
func (db *DB) ListControllers(ctx context.Context) ([]string, error) {
	rows, err := db.QueryContext(ctx, `SELECT serial FROM controllers ORDER BY serial`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// UpdateController rewrites the editable fields of an existing record: name,
// flags and geometry. The serial identifies the row and never changes; the
// odometer only moves through UpdateOdometer.
func (db *DB) UpdateController(ctx context.Context, c *controller.Controller) error {
	if err := c.Validate(); err != nil {
		return err
	}
	now := time.Now().UTC()
	res, err := db.ExecContext(ctx, `UPDATE controllers SET
			name = ?, allow_anonymous = ?, prefer_gps_speed = ?,
			tire_width_mm = ?, tire_aspect = ?, rim_diameter_in = ?, gear_ratio = ?,
			updated_at = ?
		WHERE serial = ?`,
		c.Name, c.AllowAnonymous, c.PreferGPSSpeed,
		c.Geometry.TireWidthMM, c.Geometry.TireAspect, c.Geometry.RimDiameterIn, c.Geometry.GearRatio,
		now.UnixMilli(), c.Serial)
	if err != nil {
		return fmt.Errorf("store: update controller %s: %w", c.Serial, err)
	}
	if err := expectRow(res, c.Serial); err != nil {
		return err
	}
	c.UpdatedAt = now
	return nil
}

// UpdateOdometer raises the stored odometer to km. Lower values are ignored
// so out-of-order writes cannot move it backwards.
func (db *DB) UpdateOdometer(ctx context.Context, serial string, km float64) error {
	if km < 0 {
		return fmt.Errorf("store: odometer must be non-negative, got %v", km)
	}
	res, err := db.ExecContext(ctx, `UPDATE controllers
		SET odometer_km = MAX(odometer_km, ?), updated_at = ?
		WHERE serial = ?`, km, time.Now().UTC().UnixMilli(), serial)
	if err != nil {
		return fmt.Errorf("store: update odometer %s: %w", serial, err)
	}
	return expectRow(res, serial)
}

// BindUser grants userID the given role on serial. Binding twice is a no-op.
func (db *DB) BindUser(ctx context.Context, serial, userID, role string) error {
	if role != RoleOwner && role != RoleUser {
		return fmt.Errorf("store: unknown role %q", role)
	}
	_, err := db.ExecContext(ctx, `INSERT OR IGNORE INTO controller_bindings (serial, user_id, role)
		VALUES (?, ?, ?)`, serial, userID, role)
	if isConstraint(err) {
		return fmt.Errorf("%w: %s", controller.ErrNotFound, serial)
	}
	return err
}

// UnbindUser removes every role userID holds on serial.
func (db *DB) UnbindUser(ctx context.Context, serial, userID string) error {
	_, err := db.ExecContext(ctx, `DELETE FROM controller_bindings WHERE serial = ? AND user_id = ?`, serial, userID)
	return err
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertBindings(ctx context.Context, tx execer, serial, role string, ids []string) error {
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO controller_bindings (serial, user_id, role)
			VALUES (?, ?, ?)`, serial, id, role); err != nil {
			return fmt.Errorf("store: bind %s to %s: %w", id, serial, err)
		}
	}
	return nil
}

func expectRow(res sql.Result, serial string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", controller.ErrNotFound, serial)
	}
	return nil
}

// isConstraint matches SQLITE_CONSTRAINT and all of its extended codes.
func isConstraint(err error) bool {
	var se *sqlite.Error
	return errors.As(err, &se) && se.Code()&0xff == sqlite3.SQLITE_CONSTRAINT
}
