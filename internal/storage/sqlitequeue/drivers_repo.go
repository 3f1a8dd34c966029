package sqlitequeue

import (
	"context"
	"database/sql"
	"time"

	"github.com/BearBump/StationQueue/internal/models"
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
	var joinedAt, updatedAt int64
	if err := row.Scan(
		&d.ID, &d.DisplayName, &d.Station, &d.Position.Lat, &d.Position.Lon,
		&joinedAt, &status, &d.Active, &d.DisplayRef,
		&d.RankOneNotified, &updatedAt,
	); err != nil {
		return nil, err
	}
	d.Status = models.DriverStatus(status)
	d.JoinedAt = time.Unix(0, joinedAt).UTC()
	d.UpdatedAt = time.Unix(0, updatedAt).UTC()
	return &d, nil
}

func (s *Storage) UpsertActive(ctx context.Context, in models.DriverUpsert) (*models.Driver, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "begin tx")
	}
	defer func() { _ = tx.Rollback() }()

	now := in.Now.UTC().UnixNano()
	_, err = tx.ExecContext(ctx, `
INSERT INTO drivers (
  id, display_name, station, lat, lon,
  joined_at, status, active, display_ref, rank_one_notified, updated_at
)
VALUES (?, ?, ?, ?, ?, ?, ?, 1, 0, 0, ?)
ON CONFLICT(id) DO UPDATE SET
  display_name = excluded.display_name,
  station = excluded.station,
  lat = excluded.lat,
  lon = excluded.lon,
  joined_at = CASE WHEN drivers.active THEN drivers.joined_at ELSE excluded.joined_at END,
  status = CASE WHEN drivers.active THEN drivers.status ELSE excluded.status END,
  display_ref = CASE WHEN drivers.active THEN drivers.display_ref ELSE 0 END,
  rank_one_notified = CASE WHEN drivers.active THEN drivers.rank_one_notified ELSE 0 END,
  active = 1,
  updated_at = excluded.updated_at
`, in.ID, in.DisplayName, in.Station, in.Position.Lat, in.Position.Lon,
		now, string(models.DriverStatusOnline), now)
	if err != nil {
		return nil, errors.Wrap(err, "upsert driver")
	}

	d, err := scanDriver(tx.QueryRowContext(ctx, `SELECT`+driverColumns+` FROM drivers WHERE id = ?`, in.ID))
	if err != nil {
		return nil, errors.Wrap(err, "reload driver")
	}

	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "commit tx")
	}
	return d, nil
}

func (s *Storage) UpdatePosition(ctx context.Context, id int64, station string, pos models.Coordinate) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE drivers
SET
  station = COALESCE(NULLIF(?, ''), station),
  lat = ?,
  lon = ?,
  updated_at = ?
WHERE id = ? AND active = 1
`, station, pos.Lat, pos.Lon, s.now().UnixNano(), id)
	return errors.Wrap(err, "update driver position")
}

func (s *Storage) SetStatus(ctx context.Context, id int64, status models.DriverStatus) error {
	if !status.Valid() {
		return errors.Errorf("invalid driver status %q", status)
	}
	_, err := s.db.ExecContext(ctx, `UPDATE drivers SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), s.now().UnixNano(), id)
	return errors.Wrap(err, "set driver status")
}

func (s *Storage) Deactivate(ctx context.Context, id int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE drivers SET active = 0, updated_at = ? WHERE id = ? AND active = 1`,
		s.now().UnixNano(), id)
	if err != nil {
		return false, errors.Wrap(err, "deactivate driver")
	}
	return changedOne(res)
}

// snapshotMatch limits a write to the row exactly as ListActive returned it.
const snapshotMatch = `id = ? AND active = 1 AND joined_at = ? AND lat = ? AND lon = ?`

func snapshotArgs(snap models.ActiveDriver) []any {
	return []any{snap.ID, snap.JoinedAt.UTC().UnixNano(), snap.Position.Lat, snap.Position.Lon}
}

func (s *Storage) MoveStation(ctx context.Context, snap models.ActiveDriver, station string) (bool, error) {
	args := append([]any{station, s.now().UnixNano()}, snapshotArgs(snap)...)
	res, err := s.db.ExecContext(ctx, `UPDATE drivers SET station = ?, updated_at = ? WHERE `+snapshotMatch, args...)
	if err != nil {
		return false, errors.Wrap(err, "move driver station")
	}
	return changedOne(res)
}

func (s *Storage) Evict(ctx context.Context, snap models.ActiveDriver) (bool, error) {
	args := append([]any{s.now().UnixNano()}, snapshotArgs(snap)...)
	res, err := s.db.ExecContext(ctx, `UPDATE drivers SET active = 0, updated_at = ? WHERE `+snapshotMatch, args...)
	if err != nil {
		return false, errors.Wrap(err, "evict driver")
	}
	return changedOne(res)
}

func changedOne(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "rows affected")
	}
	return n == 1, nil
}

func (s *Storage) SetNotified(ctx context.Context, id int64, notified bool) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
UPDATE drivers
SET rank_one_notified = ?, updated_at = ?
WHERE id = ? AND active = 1 AND rank_one_notified <> ?
`, notified, s.now().UnixNano(), id, notified)
	if err != nil {
		return false, errors.Wrap(err, "set driver notified")
	}
	return changedOne(res)
}

func (s *Storage) SetDisplayRef(ctx context.Context, id int64, ref int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE drivers SET display_ref = ?, updated_at = ? WHERE id = ?`,
		ref, s.now().UnixNano(), id)
	return errors.Wrap(err, "set driver display ref")
}

func (s *Storage) GetDriver(ctx context.Context, id int64) (*models.Driver, error) {
	d, err := scanDriver(s.db.QueryRowContext(ctx, `SELECT`+driverColumns+` FROM drivers WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "select driver")
	}
	return d, nil
}

func (s *Storage) ListActiveByStation(ctx context.Context, station string) ([]*models.Driver, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT`+driverColumns+`
FROM drivers
WHERE station = ? AND active = 1
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

type activeRow struct {
	ID              int64   `db:"id"`
	DisplayRef      int64   `db:"display_ref"`
	Station         string  `db:"station"`
	Lat             float64 `db:"lat"`
	Lon             float64 `db:"lon"`
	JoinedAt        int64   `db:"joined_at"`
	RankOneNotified bool    `db:"rank_one_notified"`
}

func (s *Storage) ListActive(ctx context.Context) ([]models.ActiveDriver, error) {
	var rows []activeRow
	if err := s.db.SelectContext(ctx, &rows, `
SELECT id, display_ref, station, lat, lon, joined_at, rank_one_notified
FROM drivers
WHERE active = 1
ORDER BY id
`); err != nil {
		return nil, errors.Wrap(err, "select active drivers")
	}

	out := make([]models.ActiveDriver, 0, len(rows))
	for _, r := range rows {
		out = append(out, models.ActiveDriver{
			ID:              r.ID,
			DisplayRef:      r.DisplayRef,
			Station:         r.Station,
			Position:        models.Coordinate{Lat: r.Lat, Lon: r.Lon},
			JoinedAt:        time.Unix(0, r.JoinedAt).UTC(),
			RankOneNotified: r.RankOneNotified,
		})
	}
	return out, nil
}

func (s *Storage) ListStationsInUse(ctx context.Context) ([]models.StationLoad, error) {
	var out []models.StationLoad
	if err := s.db.SelectContext(ctx, &out, `
SELECT station, COUNT(*) AS active
FROM drivers
WHERE active = 1
GROUP BY station
ORDER BY station
`); err != nil {
		return nil, errors.Wrap(err, "select station loads")
	}
	return out, nil
}
