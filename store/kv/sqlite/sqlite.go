// Package sqlite implements the kv.Driver interface on a single SQLite
// table. Useful when the portal client already ships a SQLite data file
// and the queue should live alongside it.
package sqlite

import (
	"database/sql"

	"github.com/pkg/errors"

	// Import the SQLite driver.
	_ "modernc.org/sqlite"

	"github.com/voyantlabs/agencydesk/store/kv"
)

type DB struct {
	db *sql.DB
}

// NewDB opens (or creates) the SQLite database at the given DSN.
//
// Notes:
// - When using the `modernc.org/sqlite` driver, each pragma must be prefixed with `_pragma=`.
// - WAL journal mode avoids writer lock contention with any co-resident tables.
func NewDB(dsn string) (kv.Driver, error) {
	if dsn == "" {
		return nil, errors.New("dsn required")
	}

	sqliteDB, err := sql.Open("sqlite", dsn+"?_pragma=busy_timeout(10000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open db with dsn: %s", dsn)
	}

	// A single connection is optimal for SQLite with WAL.
	sqliteDB.SetMaxOpenConns(1)
	sqliteDB.SetMaxIdleConns(1)
	sqliteDB.SetConnMaxLifetime(0)

	if _, err := sqliteDB.Exec(`
		CREATE TABLE IF NOT EXISTS engine_kv (
			key TEXT PRIMARY KEY,
			value BLOB NOT NULL,
			updated_ts BIGINT NOT NULL DEFAULT (strftime('%s', 'now'))
		)
	`); err != nil {
		_ = sqliteDB.Close()
		return nil, errors.Wrap(err, "failed to create engine_kv table")
	}

	return &DB{db: sqliteDB}, nil
}

func (d *DB) Get(key string) ([]byte, error) {
	var value []byte
	err := d.db.QueryRow(`SELECT value FROM engine_kv WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, kv.ErrKeyNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read key %s", key)
	}
	return value, nil
}

func (d *DB) Set(key string, value []byte) error {
	_, err := d.db.Exec(`
		INSERT INTO engine_kv (key, value, updated_ts) VALUES (?, ?, strftime('%s', 'now'))
		ON CONFLICT (key) DO UPDATE SET value = excluded.value, updated_ts = excluded.updated_ts
	`, key, value)
	if err != nil {
		return errors.Wrapf(err, "failed to write key %s", key)
	}
	return nil
}

func (d *DB) Delete(key string) error {
	if _, err := d.db.Exec(`DELETE FROM engine_kv WHERE key = ?`, key); err != nil {
		return errors.Wrapf(err, "failed to delete key %s", key)
	}
	return nil
}

func (d *DB) Close() error {
	return d.db.Close()
}
