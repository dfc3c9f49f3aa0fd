// Package postgres implements the PostgreSQL Store backend on the kv_store table.
// Update serializes writers per key with a transaction-scoped advisory lock, which
// also covers the first write of a key that has no row to lock yet.
//
// Rows written with a TTL carry expires_at. Reads ignore expired rows and
// SweepExpired deletes them.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/logwarden/logwarden/internal/config"
	"github.com/logwarden/logwarden/internal/db"
	"github.com/logwarden/logwarden/internal/storage"
)

func init() {
	storage.Register("postgres", func(cfg *config.Config) (storage.Store, error) {
		dbCfg := cfg.Store.Database
		sqlDB, err := db.Connect(dbCfg.GetDSN(), dbCfg.MaxConnections, dbCfg.MinIdleConnections)
		if err != nil {
			return nil, err
		}
		if err := db.RunMigrations(sqlDB, "up"); err != nil {
			_ = sqlDB.Close()
			return nil, err
		}
		return New(sqlx.NewDb(sqlDB, "postgres")), nil
	})
}

const (
	selectValueQuery = `SELECT value FROM kv_store WHERE key = $1 AND (expires_at IS NULL OR expires_at > NOW())`
	// $3 is the ttl in seconds, or NULL for no expiry.
	upsertQuery = `
		INSERT INTO kv_store (key, value, updated_at, expires_at)
		VALUES ($1, $2, NOW(), NOW() + make_interval(secs => $3))
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at, expires_at = EXCLUDED.expires_at
	`
	lockQuery  = `SELECT pg_advisory_xact_lock(hashtext($1))`
	sweepQuery = `DELETE FROM kv_store WHERE expires_at IS NOT NULL AND expires_at <= NOW()`
)

// ttlArg converts ttl to the upsert's seconds parameter.
func ttlArg(ttl time.Duration) any {
	if ttl <= 0 {
		return nil
	}
	return ttl.Seconds()
}

// Store is a Store backed by a PostgreSQL table
type Store struct {
	db *sqlx.DB
}

// New creates a Store on an open connection
func New(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// Close closes the underlying connection pool
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the connection pool for pool statistics.
func (s *Store) DB() *sql.DB {
	return s.db.DB
}

// Ping verifies the database is reachable
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Get returns the value stored under key
func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	err := s.db.GetContext(ctx, &value, selectValueQuery, key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read key %s: %w", key, err)
	}
	return value, true, nil
}

// Put upserts value under key
func (s *Store) Put(ctx context.Context, key string, value []byte) error {
	if _, err := s.db.ExecContext(ctx, upsertQuery, key, value, ttlArg(0)); err != nil {
		return fmt.Errorf("failed to write key %s: %w", key, err)
	}
	return nil
}

// Update applies fn within a transaction holding the key's advisory lock
func (s *Store) Update(ctx context.Context, key string, fn storage.UpdateFunc) error {
	return s.UpdateWithTTL(ctx, key, 0, fn)
}

// UpdateWithTTL is Update with expires_at set ttl from now.
func (s *Store) UpdateWithTTL(ctx context.Context, key string, ttl time.Duration, fn storage.UpdateFunc) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, lockQuery, key); err != nil {
		return fmt.Errorf("failed to lock key %s: %w", key, err)
	}

	var cur []byte
	found := true
	err = tx.GetContext(ctx, &cur, selectValueQuery, key)
	if errors.Is(err, sql.ErrNoRows) {
		found, err = false, nil
	}
	if err != nil {
		return fmt.Errorf("failed to read key %s: %w", key, err)
	}

	next, err := fn(cur, found)
	if err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, upsertQuery, key, next, ttlArg(ttl)); err != nil {
		return fmt.Errorf("failed to write key %s: %w", key, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit update of key %s: %w", key, err)
	}
	return nil
}

// SweepExpired deletes expired rows and reports how many were removed.
func (s *Store) SweepExpired(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, sweepQuery)
	if err != nil {
		return 0, fmt.Errorf("failed to sweep expired keys: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count swept keys: %w", err)
	}
	return int(n), nil
}
