// Package sqlitequeue is the single-node presence store backed by a local SQLite file.
//
// The connection pool is limited to one connection, so SQLite sees a single writer and
// each method runs as one statement or one short transaction.
package sqlitequeue

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

type Storage struct {
	db  *sqlx.DB
	now func() time.Time
}

func Open(path string) (*Storage, error) {
	db, err := sqlx.Open("sqlite3", path)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "connect sqlite")
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Storage{db: db, now: func() time.Time { return time.Now().UTC() }}
	if err := s.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Storage) Ping(ctx context.Context) error {
	return errors.Wrap(s.db.PingContext(ctx), "ping sqlite")
}

func (s *Storage) Close() {
	if s.db != nil {
		_ = s.db.Close()
	}
}

func (s *Storage) initSchema(ctx context.Context) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, p := range pragmas {
		if _, err := s.db.ExecContext(ctx, p); err != nil {
			return errors.Wrapf(err, "apply %q", p)
		}
	}

	if _, err := s.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS drivers (
  id INTEGER PRIMARY KEY,
  display_name TEXT NOT NULL,
  station TEXT NOT NULL,
  lat REAL NOT NULL,
  lon REAL NOT NULL,
  joined_at INTEGER NOT NULL,
  status TEXT NOT NULL DEFAULT 'online',
  active INTEGER NOT NULL DEFAULT 1,
  display_ref INTEGER NOT NULL DEFAULT 0,
  rank_one_notified INTEGER NOT NULL DEFAULT 0,
  updated_at INTEGER NOT NULL DEFAULT 0
)`); err != nil {
		return errors.Wrap(err, "init schema")
	}

	// Files written by earlier versions may lack the columns added later.
	cols, err := s.columns(ctx)
	if err != nil {
		return err
	}
	added := []struct{ name, ddl string }{
		{"active", `ALTER TABLE drivers ADD COLUMN active INTEGER NOT NULL DEFAULT 1`},
		{"display_ref", `ALTER TABLE drivers ADD COLUMN display_ref INTEGER NOT NULL DEFAULT 0`},
		{"rank_one_notified", `ALTER TABLE drivers ADD COLUMN rank_one_notified INTEGER NOT NULL DEFAULT 0`},
		{"updated_at", `ALTER TABLE drivers ADD COLUMN updated_at INTEGER NOT NULL DEFAULT 0`},
	}
	for _, c := range added {
		if _, ok := cols[c.name]; ok {
			continue
		}
		if _, err := s.db.ExecContext(ctx, c.ddl); err != nil {
			return errors.Wrapf(err, "add column %s", c.name)
		}
	}

	if _, err := s.db.ExecContext(ctx,
		`CREATE INDEX IF NOT EXISTS idx_drivers_station_active_joined ON drivers(station, active, joined_at, id)`); err != nil {
		return errors.Wrap(err, "create station index")
	}
	return nil
}

func (s *Storage) columns(ctx context.Context) (map[string]struct{}, error) {
	rows, err := s.db.QueryContext(ctx, `PRAGMA table_info(drivers)`)
	if err != nil {
		return nil, errors.Wrap(err, "table info")
	}
	defer rows.Close()

	out := make(map[string]struct{})
	for rows.Next() {
		var (
			cid       int
			name      string
			typ       string
			notNull   int
			dfltValue sql.NullString
			pk        int
		)
		if err := rows.Scan(&cid, &name, &typ, &notNull, &dfltValue, &pk); err != nil {
			return nil, errors.Wrap(err, "scan table info")
		}
		out[name] = struct{}{}
	}
	return out, errors.Wrap(rows.Err(), "rows")
}
