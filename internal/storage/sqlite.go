package storage

import (
	"context"
	"database/sql"
	"fmt"
	"throttle/internal/models"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements CounterStore on a SQLite file. SQLite allows one
// writer at a time, so the pool is capped at a single connection and every
// consumption is serialized by database/sql.
type SQLiteStore struct {
	db            *sql.DB
	consumeStmt   string
	deleteExpired string
	now           func() time.Time
	sweep         *sweepLoop
}

// NewSQLiteStore opens (or creates) the database file named by the DSN and
// prepares the counter table.
func NewSQLiteStore(ctx context.Context, cfg models.DatabaseConfig, cleanupInterval time.Duration) (*SQLiteStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("connection string is required for SQLite storage")
	}

	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	// Test the connection
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	for _, stmt := range []string{"PRAGMA busy_timeout = 5000", counterSchemaSQL, counterIndexSQL} {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to create counter schema: %w", err)
		}
	}

	ss := &SQLiteStore{
		db:            db,
		consumeStmt:   sqliteQuery(consumeSQL),
		deleteExpired: sqliteQuery(deleteExpiredSQL),
		now:           time.Now,
	}
	ss.sweep = startSweepLoop(models.RepositorySQLite, ss, cleanupInterval, func() time.Time { return ss.now() })
	return ss, nil
}

// Consume implements CounterStore.
func (ss *SQLiteStore) Consume(ctx context.Context, policy models.Policy, key string, elapsed *time.Duration) (models.Rate, error) {
	now := ss.now()

	var hits, usageMs, expiresAt int64
	err := ss.db.QueryRowContext(ctx, ss.consumeStmt, consumeArgs(policy, key, now, elapsed)...).Scan(&hits, &usageMs, &expiresAt)
	if err != nil {
		return models.Rate{}, fmt.Errorf("%w: sqlite consume %s: %w", ErrUnavailable, key, err)
	}

	return rowRate(policy, key, now, hits, usageMs, expiresAt), nil
}

// DeleteExpired implements Sweeper.
func (ss *SQLiteStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := ss.db.ExecContext(ctx, ss.deleteExpired, now.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired counters: %w", err)
	}
	return res.RowsAffected()
}

func (ss *SQLiteStore) Ping(ctx context.Context) error {
	if err := ss.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: sqlite ping: %w", ErrUnavailable, err)
	}
	return nil
}

// Close closes the storage connection
func (ss *SQLiteStore) Close() error {
	ss.sweep.stop()
	return ss.db.Close()
}
