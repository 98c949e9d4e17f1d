// Copyright 2026 The Webchat Core Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package webchat

import (
	"context"
	"database/sql"
	"log/slog"

	json "github.com/segmentio/encoding/json"
	_ "modernc.org/sqlite"
)

// SQLiteStore persists envelopes to a single-table SQLite database,
// giving the Session Engine real persistence across process restarts
// (spec.md §4.3's restore() contract). It uses the pure-Go
// modernc.org/sqlite driver, so the module never needs cgo.
type SQLiteStore struct {
	db         *sql.DB
	maxEntries int
	log        *slog.Logger
}

// OpenSQLiteStore opens (creating if necessary) a SQLite database at
// path and ensures its schema exists. path may be ":memory:" for a
// transient but real SQL-backed store, useful in tests that want to
// exercise the SQL path without leaving a file behind.
func OpenSQLiteStore(path string, maxEntries int, log *slog.Logger) (*SQLiteStore, error) {
	if log == nil {
		log = slog.Default()
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, storageErrorf(err, "open sqlite store at %q", path)
	}
	const schema = `CREATE TABLE IF NOT EXISTS entries (
		key TEXT PRIMARY KEY,
		version INTEGER NOT NULL,
		timestamp INTEGER NOT NULL,
		data BLOB NOT NULL
	)`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, storageErrorf(err, "create sqlite schema")
	}
	return &SQLiteStore{db: db, maxEntries: maxEntries, log: log}, nil
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) Get(ctx context.Context, key string) ([]byte, error) {
	row := s.db.QueryRowContext(ctx, `SELECT version, data FROM entries WHERE key = ?`, keyPrefix+key)
	var version int
	var data []byte
	if err := row.Scan(&version, &data); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		s.log.Warn("sqlite store get failed", "key", key, "error", err)
		return nil, nil
	}
	if !json.Valid(data) {
		s.log.Warn("sqlite store entry failed to parse, discarding", "key", key)
		return nil, nil
	}
	return []byte(migrate(version, json.RawMessage(data))), nil
}

func (s *SQLiteStore) Set(ctx context.Context, key string, value []byte) error {
	if err := s.evictIfNeeded(ctx, key); err != nil {
		s.log.Warn("sqlite store eviction failed", "error", err)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO entries (key, version, timestamp, data) VALUES (?, ?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET version=excluded.version, timestamp=excluded.timestamp, data=excluded.data`,
		keyPrefix+key, schemaVersion, nowMillis(), value)
	if err != nil {
		// One retry after evicting the oldest quarter, per spec.md §4.1.
		if evErr := s.forceEvictQuarter(ctx); evErr == nil {
			_, err = s.db.ExecContext(ctx,
				`INSERT INTO entries (key, version, timestamp, data) VALUES (?, ?, ?, ?)
				 ON CONFLICT(key) DO UPDATE SET version=excluded.version, timestamp=excluded.timestamp, data=excluded.data`,
				keyPrefix+key, schemaVersion, nowMillis(), value)
		}
		if err != nil {
			return storageErrorf(err, "sqlite store set %q", key)
		}
	}
	return nil
}

// evictIfNeeded applies the soft row-count cap that stands in for browser
// storage quota exhaustion: once at capacity, a new (not-yet-present) key
// triggers eviction of the oldest quarter before the insert.
func (s *SQLiteStore) evictIfNeeded(ctx context.Context, key string) error {
	if s.maxEntries <= 0 {
		return nil
	}
	var exists bool
	if err := s.db.QueryRowContext(ctx, `SELECT 1 FROM entries WHERE key = ?`, keyPrefix+key).Scan(&exists); err == nil {
		return nil // already present; overwrite, no growth.
	}
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM entries WHERE key LIKE ?`, keyPrefix+"%").Scan(&count); err != nil {
		return err
	}
	if count < s.maxEntries {
		return nil
	}
	return s.forceEvictQuarter(ctx)
}

func (s *SQLiteStore) forceEvictQuarter(ctx context.Context) error {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM entries WHERE key LIKE ?`, keyPrefix+"%").Scan(&count); err != nil {
		return err
	}
	n := count / 4
	if n == 0 && count > 0 {
		n = 1
	}
	if n == 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM entries WHERE key IN (
			SELECT key FROM entries WHERE key LIKE ? ORDER BY timestamp ASC LIMIT ?
		)`, keyPrefix+"%", n)
	if err == nil {
		s.log.Warn("sqlite store quota exhausted, evicted oldest entries", "count", n)
	}
	return err
}

func (s *SQLiteStore) Remove(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM entries WHERE key = ?`, keyPrefix+key)
	if err != nil {
		return storageErrorf(err, "sqlite store remove %q", key)
	}
	return nil
}

func (s *SQLiteStore) Clear(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM entries WHERE key LIKE ?`, keyPrefix+"%")
	if err != nil {
		return storageErrorf(err, "sqlite store clear")
	}
	return nil
}

func (s *SQLiteStore) Has(ctx context.Context, key string) (bool, error) {
	var exists int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM entries WHERE key = ?`, keyPrefix+key).Scan(&exists)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, nil
	}
	return true, nil
}

func (s *SQLiteStore) Keys(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key FROM entries WHERE key LIKE ?`, keyPrefix+"%")
	if err != nil {
		return nil, storageErrorf(err, "sqlite store keys")
	}
	defer rows.Close()
	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			continue
		}
		keys = append(keys, k[len(keyPrefix):])
	}
	return keys, nil
}

func (s *SQLiteStore) Size(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM entries WHERE key LIKE ?`, keyPrefix+"%").Scan(&count)
	if err != nil {
		return 0, storageErrorf(err, "sqlite store size")
	}
	return count, nil
}
