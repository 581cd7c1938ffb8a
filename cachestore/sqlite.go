package cachestore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `CREATE TABLE IF NOT EXISTS stencil_cache (
	key     TEXT PRIMARY KEY,
	stamp   INTEGER NOT NULL,
	expires INTEGER NOT NULL,
	data    BLOB NOT NULL
)`

// SQLite stores entries in a single table of an embedded database.
type SQLite struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLite opens (and if needed creates) the database at dsn.
func NewSQLite(dsn string) (*SQLite, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite cache: %w", err)
	}
	// a single connection keeps in-memory databases coherent
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating sqlite cache table: %w", err)
	}
	return &SQLite{db: db, now: time.Now}, nil
}

// Load reads the entry for key.
func (s *SQLite) Load(ctx context.Context, key string, sourceMTime int64) ([]byte, bool) {
	var stamp, expires int64
	var data []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT stamp, expires, data FROM stencil_cache WHERE key = ?`, key,
	).Scan(&stamp, &expires, &data)
	if err != nil {
		return nil, false
	}
	if !fresh(stamp, expires, sourceMTime, s.now()) {
		return nil, false
	}
	return data, true
}

// Save upserts the entry for key.
func (s *SQLite) Save(ctx context.Context, key string, data []byte, ttl time.Duration) error {
	now := s.now()
	var expires int64
	if ttl > 0 {
		expires = now.Add(ttl).UnixNano()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO stencil_cache (key, stamp, expires, data) VALUES (?, ?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET stamp = excluded.stamp, expires = excluded.expires, data = excluded.data`,
		key, now.UnixNano(), expires, data)
	if err != nil {
		return fmt.Errorf("saving cache entry %q: %w", key, err)
	}
	return nil
}

// Delete removes the entry for key.
func (s *SQLite) Delete(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM stencil_cache WHERE key = ?`, key)
	return err
}

// Clear removes every entry.
func (s *SQLite) Clear(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM stencil_cache`)
	return err
}

// Purge deletes expired entries.
func (s *SQLite) Purge(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM stencil_cache WHERE expires != 0 AND expires <= ?`, s.now().UnixNano())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Close closes the database.
func (s *SQLite) Close() error {
	return s.db.Close()
}
