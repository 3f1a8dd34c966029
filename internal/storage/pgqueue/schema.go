package pgqueue

import (
	"context"

	"github.com/pkg/errors"
)

func (s *Storage) initSchema(ctx context.Context) error {
	stmts := []string{
		`
CREATE TABLE IF NOT EXISTS drivers (
  id BIGINT PRIMARY KEY,
  display_name TEXT NOT NULL,
  station TEXT NOT NULL,
  lat DOUBLE PRECISION NOT NULL,
  lon DOUBLE PRECISION NOT NULL,
  joined_at TIMESTAMPTZ NOT NULL,
  status TEXT NOT NULL DEFAULT 'online',
  active BOOLEAN NOT NULL DEFAULT TRUE,
  display_ref BIGINT NOT NULL DEFAULT 0,
  rank_one_notified BOOLEAN NOT NULL DEFAULT FALSE,
  updated_at TIMESTAMPTZ NOT NULL
)`,
		// Older tables predate the live view and the first-place alert.
		`ALTER TABLE drivers ADD COLUMN IF NOT EXISTS display_ref BIGINT NOT NULL DEFAULT 0`,
		`ALTER TABLE drivers ADD COLUMN IF NOT EXISTS rank_one_notified BOOLEAN NOT NULL DEFAULT FALSE`,
		`ALTER TABLE drivers ADD COLUMN IF NOT EXISTS active BOOLEAN NOT NULL DEFAULT TRUE`,
		`CREATE INDEX IF NOT EXISTS idx_drivers_station_active_joined ON drivers(station, active, joined_at, id)`,
		`CREATE INDEX IF NOT EXISTS idx_drivers_active ON drivers(active) WHERE active`,
	}

	for _, q := range stmts {
		if _, err := s.db.Exec(ctx, q); err != nil {
			return errors.Wrap(err, "init schema")
		}
	}
	return nil
}
