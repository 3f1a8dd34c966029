package pgqueue

import (
	"context"

	"github.com/BearBump/StationQueue/internal/models"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
)

const driverColumns = `
  id, display_name, station, lat, lon,
  joined_at, status, active, display_ref,
  rank_one_notified, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDriver(row rowScanner) (*models.Driver, error) {
	var d models.Driver
	var status string
	if err := row.Scan(
		&d.ID, &d.DisplayName, &d.Station, &d.Position.Lat, &d.Position.Lon,
		&d.JoinedAt, &status, &d.Active, &d.DisplayRef,
		&d.RankOneNotified, &d.UpdatedAt,
	); err != nil {
		return nil, err
	}
	d.Status = models.DriverStatus(status)
	d.JoinedAt = d.JoinedAt.UTC()
	d.UpdatedAt = d.UpdatedAt.UTC()
	return &d, nil
}

// UpsertActive creates the driver or puts it back into the queue. A row that is already
// active keeps its joined_at, status, display ref and notification flag: only the name
// and position are refreshed. An inactive row is reactivated as if it were new.
func (s *Storage) UpsertActive(ctx context.Context, in models.DriverUpsert) (*models.Driver, error) {
	row := s.db.QueryRow(ctx, `
INSERT INTO drivers (
  id, display_name, station, lat, lon,
  joined_at, status, active, display_ref, rank_one_notified, updated_at
)
VALUES ($1,$2,$3,$4,$5,$6,$7,TRUE,0,FALSE,$6)
ON CONFLICT (id) DO UPDATE SET
  display_name = EXCLUDED.display_name,
  station = EXCLUDED.station,
  lat = EXCLUDED.lat,
  lon = EXCLUDED.lon,
  joined_at = CASE WHEN drivers.active THEN drivers.joined_at ELSE EXCLUDED.joined_at END,
  status = CASE WHEN drivers.active THEN drivers.status ELSE EXCLUDED.status END,
  display_ref = CASE WHEN drivers.active THEN drivers.display_ref ELSE 0 END,
  rank_one_notified = CASE WHEN drivers.active THEN drivers.rank_one_notified ELSE FALSE END,
  active = TRUE,
  updated_at = EXCLUDED.updated_at
RETURNING`+driverColumns,
		in.ID, in.DisplayName, in.Station, in.Position.Lat, in.Position.Lon,
		in.Now.UTC(), string(models.DriverStatusOnline))

	d, err := scanDriver(row)
	if err != nil {
		return nil, errors.Wrap(err, "upsert driver")
	}
	return d, nil
}

// UpdatePosition is a no-op for inactive or unknown drivers. An empty station keeps the stored one.
func (s *Storage) UpdatePosition(ctx context.Context, id int64, station string, pos models.Coordinate) error {
	_, err := s.db.Exec(ctx, `
UPDATE drivers
SET
  station = COALESCE(NULLIF($2, ''), station),
  lat = $3,
  lon = $4,
  updated_at = now()
WHERE id = $1 AND active
`, id, station, pos.Lat, pos.Lon)
	return errors.Wrap(err, "update driver position")
}

func (s *Storage) SetStatus(ctx context.Context, id int64, status models.DriverStatus) error {
	if !status.Valid() {
		return errors.Errorf("invalid driver status %q", status)
	}
	_, err := s.db.Exec(ctx, `UPDATE drivers SET status = $2, updated_at = now() WHERE id = $1`, id, string(status))
	return errors.Wrap(err, "set driver status")
}

// Deactivate reports whether the driver was active until this call.
func (s *Storage) Deactivate(ctx context.Context, id int64) (bool, error) {
	tag, err := s.db.Exec(ctx, `UPDATE drivers SET active = FALSE, updated_at = now() WHERE id = $1 AND active`, id)
	if err != nil {
		return false, errors.Wrap(err, "deactivate driver")
	}
	return tag.RowsAffected() == 1, nil
}

// MoveStation re-homes the driver without touching its position or joined_at. It matches
// nothing once the row has moved, left or rejoined since snap was read.
func (s *Storage) MoveStation(ctx context.Context, snap models.ActiveDriver, station string) (bool, error) {
	tag, err := s.db.Exec(ctx, `
UPDATE drivers
SET station = $5, updated_at = now()
WHERE id = $1 AND active AND joined_at = $2 AND lat = $3 AND lon = $4
`, snap.ID, snap.JoinedAt.UTC(), snap.Position.Lat, snap.Position.Lon, station)
	if err != nil {
		return false, errors.Wrap(err, "move driver station")
	}
	return tag.RowsAffected() == 1, nil
}

// Evict deactivates the driver only if the row still matches snap.
func (s *Storage) Evict(ctx context.Context, snap models.ActiveDriver) (bool, error) {
	tag, err := s.db.Exec(ctx, `
UPDATE drivers
SET active = FALSE, updated_at = now()
WHERE id = $1 AND active AND joined_at = $2 AND lat = $3 AND lon = $4
`, snap.ID, snap.JoinedAt.UTC(), snap.Position.Lat, snap.Position.Lon)
	if err != nil {
		return false, errors.Wrap(err, "evict driver")
	}
	return tag.RowsAffected() == 1, nil
}

// SetNotified flips rank_one_notified for an active driver and reports whether this call
// changed it, so only one caller ever wins the transition.
func (s *Storage) SetNotified(ctx context.Context, id int64, notified bool) (bool, error) {
	tag, err := s.db.Exec(ctx, `
UPDATE drivers
SET rank_one_notified = $2, updated_at = now()
WHERE id = $1 AND active AND rank_one_notified <> $2
`, id, notified)
	if err != nil {
		return false, errors.Wrap(err, "set driver notified")
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Storage) SetDisplayRef(ctx context.Context, id int64, ref int64) error {
	_, err := s.db.Exec(ctx, `UPDATE drivers SET display_ref = $2, updated_at = now() WHERE id = $1`, id, ref)
	return errors.Wrap(err, "set driver display ref")
}

// GetDriver returns nil without error when the driver is unknown.
func (s *Storage) GetDriver(ctx context.Context, id int64) (*models.Driver, error) {
	row := s.db.QueryRow(ctx, `SELECT`+driverColumns+` FROM drivers WHERE id = $1`, id)
	d, err := scanDriver(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "select driver")
	}
	return d, nil
}

func (s *Storage) ListActiveByStation(ctx context.Context, station string) ([]*models.Driver, error) {
	rows, err := s.db.Query(ctx, `
SELECT`+driverColumns+`
FROM drivers
WHERE station = $1 AND active
ORDER BY joined_at ASC, id ASC
`, station)
	if err != nil {
		return nil, errors.Wrap(err, "select station queue")
	}
	defer rows.Close()

	var out []*models.Driver
	for rows.Next() {
		d, err := scanDriver(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan station queue")
		}
		out = append(out, d)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}

func (s *Storage) ListActive(ctx context.Context) ([]models.ActiveDriver, error) {
	rows, err := s.db.Query(ctx, `
SELECT id, display_ref, station, lat, lon, joined_at, rank_one_notified
FROM drivers
WHERE active
ORDER BY id
`)
	if err != nil {
		return nil, errors.Wrap(err, "select active drivers")
	}
	defer rows.Close()

	var out []models.ActiveDriver
	for rows.Next() {
		var d models.ActiveDriver
		if err := rows.Scan(&d.ID, &d.DisplayRef, &d.Station, &d.Position.Lat, &d.Position.Lon, &d.JoinedAt, &d.RankOneNotified); err != nil {
			return nil, errors.Wrap(err, "scan active driver")
		}
		d.JoinedAt = d.JoinedAt.UTC()
		out = append(out, d)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}

func (s *Storage) ListStationsInUse(ctx context.Context) ([]models.StationLoad, error) {
	rows, err := s.db.Query(ctx, `
SELECT station, COUNT(*)
FROM drivers
WHERE active
GROUP BY station
ORDER BY station
`)
	if err != nil {
		return nil, errors.Wrap(err, "select station loads")
	}
	defer rows.Close()

	var out []models.StationLoad
	for rows.Next() {
		var l models.StationLoad
		if err := rows.Scan(&l.Station, &l.Active); err != nil {
			return nil, errors.Wrap(err, "scan station load")
		}
		out = append(out, l)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}

