package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/plantid/internal/model"
)

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS identify_cache (
	key        TEXT PRIMARY KEY,
	value      TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	expires_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_identify_cache_expires_at ON identify_cache(expires_at);
`

// SQLite persists results in a local database file. Expiry times are unix
// milliseconds so an injected clock compares exactly.
type SQLite struct {
	db  *sql.DB
	now func() time.Time
}

// SQLiteOption configures a SQLite cache.
type SQLiteOption func(*SQLite)

// WithSQLiteClock overrides the time source used for expiry.
func WithSQLiteClock(now func() time.Time) SQLiteOption {
	return func(s *SQLite) {
		if now != nil {
			s.now = now
		}
	}
}

// OpenSQLite opens the database at dsn in WAL mode and applies the schema.
func OpenSQLite(ctx context.Context, dsn string, opts ...SQLiteOption) (*SQLite, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	if _, err := db.ExecContext(ctx, sqliteMigration); err != nil {
		db.Close() //nolint:errcheck
		return nil, eris.Wrap(err, "sqlite: migrate")
	}

	s := &SQLite{db: db, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Get implements Cache.
func (s *SQLite) Get(ctx context.Context, key string) (model.CombinedResult, bool, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM identify_cache WHERE key = ? AND expires_at > ?`,
		key, s.now().UnixMilli(),
	).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return model.CombinedResult{}, false, nil
	}
	if err != nil {
		return model.CombinedResult{}, false, eris.Wrap(err, "sqlite: get cache entry")
	}

	var v model.CombinedResult
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return model.CombinedResult{}, false, eris.Wrap(err, "sqlite: decode cache entry")
	}
	return v, true, nil
}

// Set implements Cache. A non-positive ttl falls back to DefaultTTL.
func (s *SQLite) Set(ctx context.Context, key string, value model.CombinedResult, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	data, err := json.Marshal(value)
	if err != nil {
		return eris.Wrap(err, "sqlite: encode cache entry")
	}
	now := s.now()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO identify_cache (key, value, created_at, expires_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, created_at = excluded.created_at, expires_at = excluded.expires_at`,
		key, string(data), now.UnixMilli(), now.Add(ttl).UnixMilli(),
	)
	return eris.Wrap(err, "sqlite: upsert cache entry")
}

// DeleteExpired removes expired rows and returns how many were deleted.
func (s *SQLite) DeleteExpired(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM identify_cache WHERE expires_at <= ?`, s.now().UnixMilli())
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: delete expired cache entries")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: rows affected")
	}
	return n, nil
}

// Sweep is DeleteExpired with an int count, for the janitor.
func (s *SQLite) Sweep(ctx context.Context) (int, error) {
	n, err := s.DeleteExpired(ctx)
	return int(n), err
}

// Close closes the database.
func (s *SQLite) Close() error {
	return s.db.Close()
}
