// Package postgres is a kv.Backend on a PostgreSQL server. The schema is
// managed with golang-migrate from embedded migrations.
package postgres

import (
	"context"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/4xmen/kanal/internal/kv"
)

//go:embed migrations/*.sql
var migrations embed.FS

type Store struct {
	pool *pgxpool.Pool
}

// New connects to databaseURL, applies pending migrations and returns the backend.
func New(ctx context.Context, databaseURL string) (*Store, error) {
	const op = "kv.postgres.New"

	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	if err := Migrate(databaseURL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return &Store{pool: pool}, nil
}

// Migrate brings the schema at databaseURL up to date.
func Migrate(databaseURL string) error {
	const op = "kv.postgres.Migrate"

	src, err := iofs.New(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", src, databaseURL)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, region kv.Region, key []byte) ([]byte, bool, error) {
	const op = "kv.postgres.Get"

	var value []byte
	err := s.pool.QueryRow(ctx, "SELECT value FROM kv_entries WHERE region = $1 AND key = $2", int16(region), key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("%s: %w", op, err)
	}
	return value, true, nil
}

func (s *Store) Put(ctx context.Context, region kv.Region, key, value []byte) ([]byte, bool, error) {
	const op = "kv.postgres.Put"

	// The CTE reads the row as it was before the upsert.
	var prev []byte
	err := s.pool.QueryRow(ctx, `
		WITH prev AS (
			SELECT value FROM kv_entries WHERE region = $1 AND key = $2
		)
		INSERT INTO kv_entries (region, key, value) VALUES ($1, $2, $3)
		ON CONFLICT (region, key) DO UPDATE SET value = EXCLUDED.value
		RETURNING (SELECT value FROM prev)
	`, int16(region), key, value).Scan(&prev)
	if err != nil {
		return nil, false, fmt.Errorf("%s: %w", op, err)
	}
	return prev, prev != nil, nil
}

func (s *Store) Delete(ctx context.Context, region kv.Region, key []byte) ([]byte, bool, error) {
	const op = "kv.postgres.Delete"

	var prev []byte
	err := s.pool.QueryRow(ctx, "DELETE FROM kv_entries WHERE region = $1 AND key = $2 RETURNING value", int16(region), key).Scan(&prev)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("%s: %w", op, err)
	}
	return prev, true, nil
}

func (s *Store) Scan(ctx context.Context, region kv.Region, fn func(key, value []byte) error) error {
	const op = "kv.postgres.Scan"

	rows, err := s.pool.Query(ctx, "SELECT key, value FROM kv_entries WHERE region = $1 ORDER BY key", int16(region))
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	type entry struct{ key, value []byte }
	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (entry, error) {
		var e entry
		err := row.Scan(&e.key, &e.value)
		return e, err
	})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	for _, e := range entries {
		if err := fn(e.key, e.value); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) Count(ctx context.Context, region kv.Region) (uint64, error) {
	const op = "kv.postgres.Count"

	var n int64
	if err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM kv_entries WHERE region = $1", int16(region)).Scan(&n); err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	return uint64(n), nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}
