// Package sqlite is the embedded kv.Backend. All regions share one table
// keyed by (region, key); BLOB comparison gives byte-ordered scans.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/4xmen/kanal/internal/kv"
)

type DB struct {
	conn *sqlx.DB
}

type entry struct {
	Key   []byte `db:"key"`
	Value []byte `db:"value"`
}

func New(path string) (*DB, error) {
	conn, err := sqlx.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Test connection
	if err := conn.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// Every pooled connection to ":memory:" would otherwise get its own database
	if path == ":memory:" {
		conn.SetMaxOpenConns(1)
	} else {
		conn.SetMaxOpenConns(25)
		conn.SetMaxIdleConns(5)
		conn.SetConnMaxLifetime(5 * time.Minute)
	}

	pragmas := []struct {
		stmt string
		desc string
	}{
		{"PRAGMA journal_mode=WAL", "enable WAL mode"},
		{"PRAGMA busy_timeout=5000", "set busy timeout"},
		{"PRAGMA synchronous=NORMAL", "set synchronous mode"},
		// -64000 = 64MB cache
		{"PRAGMA cache_size=-64000", "set cache size"},
	}
	for _, p := range pragmas {
		if _, err := conn.Exec(p.stmt); err != nil {
			return nil, fmt.Errorf("failed to %s: %w", p.desc, err)
		}
	}

	db := &DB{conn: conn}

	if err := db.migrate(); err != nil {
		return nil, fmt.Errorf("migration failed: %w", err)
	}

	return db, nil
}

func (db *DB) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS kv_entries (
		region INTEGER NOT NULL,
		key BLOB NOT NULL,
		value BLOB NOT NULL,
		PRIMARY KEY (region, key)
	) WITHOUT ROWID;
	`

	_, err := db.conn.Exec(schema)
	return err
}

func (db *DB) Get(ctx context.Context, region kv.Region, key []byte) ([]byte, bool, error) {
	var value []byte
	err := db.conn.GetContext(ctx, &value, "SELECT value FROM kv_entries WHERE region = ? AND key = ?", region, key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read entry: %w", err)
	}
	return value, true, nil
}

func (db *DB) Put(ctx context.Context, region kv.Region, key, value []byte) ([]byte, bool, error) {
	var (
		prev    []byte
		existed bool
	)
	err := db.withTx(ctx, func(tx *sqlx.Tx) error {
		err := tx.GetContext(ctx, &prev, "SELECT value FROM kv_entries WHERE region = ? AND key = ?", region, key)
		switch {
		case err == nil:
			existed = true
		case !errors.Is(err, sql.ErrNoRows):
			return err
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO kv_entries (region, key, value) VALUES (?, ?, ?)
			ON CONFLICT (region, key) DO UPDATE SET value = excluded.value
		`, region, key, value)
		return err
	})
	if err != nil {
		return nil, false, fmt.Errorf("failed to write entry: %w", err)
	}
	return prev, existed, nil
}

func (db *DB) Delete(ctx context.Context, region kv.Region, key []byte) ([]byte, bool, error) {
	var (
		prev    []byte
		existed bool
	)
	err := db.withTx(ctx, func(tx *sqlx.Tx) error {
		err := tx.GetContext(ctx, &prev, "SELECT value FROM kv_entries WHERE region = ? AND key = ?", region, key)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		existed = true
		_, err = tx.ExecContext(ctx, "DELETE FROM kv_entries WHERE region = ? AND key = ?", region, key)
		return err
	})
	if err != nil {
		return nil, false, fmt.Errorf("failed to delete entry: %w", err)
	}
	return prev, existed, nil
}

// Scan loads the region before invoking fn so callbacks may use the backend.
func (db *DB) Scan(ctx context.Context, region kv.Region, fn func(key, value []byte) error) error {
	var entries []entry
	if err := db.conn.SelectContext(ctx, &entries, "SELECT key, value FROM kv_entries WHERE region = ? ORDER BY key", region); err != nil {
		return fmt.Errorf("failed to scan region %d: %w", region, err)
	}
	for _, e := range entries {
		if err := fn(e.Key, e.Value); err != nil {
			return err
		}
	}
	return nil
}

func (db *DB) Count(ctx context.Context, region kv.Region) (uint64, error) {
	var n uint64
	if err := db.conn.GetContext(ctx, &n, "SELECT COUNT(*) FROM kv_entries WHERE region = ?", region); err != nil {
		return 0, fmt.Errorf("failed to count region %d: %w", region, err)
	}
	return n, nil
}

func (db *DB) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := db.conn.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (db *DB) Close() error {
	return db.conn.Close()
}
