package storage

import (
	"context"
	"fmt"
	"throttle/internal/models"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements CounterStore on PostgreSQL. Each consumption is a
// single upsert, so the row lock taken by ON CONFLICT serializes concurrent
// gateways on the same key.
type PostgresStore struct {
	pool  *pgxpool.Pool
	now   func() time.Time
	sweep *sweepLoop
}

// NewPostgresStore connects to PostgreSQL, creates the counter table if it
// does not exist and starts the expired-row sweeper.
func NewPostgresStore(ctx context.Context, cfg models.DatabaseConfig, cleanupInterval time.Duration) (*PostgresStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("connection string is required for PostgreSQL storage")
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		poolCfg.MaxConns = int32(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		poolCfg.MinConns = int32(min(cfg.MaxIdleConns, int(poolCfg.MaxConns)))
	}
	if cfg.ConnMaxLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime
	}
	if cfg.ConnMaxIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.ConnMaxIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	for _, stmt := range []string{counterSchemaSQL, counterIndexSQL} {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			pool.Close()
			return nil, fmt.Errorf("failed to create counter schema: %w", err)
		}
	}

	ps := &PostgresStore{pool: pool, now: time.Now}
	ps.sweep = startSweepLoop(models.RepositoryPostgres, ps, cleanupInterval, ps.clock)
	return ps, nil
}

func (ps *PostgresStore) clock() time.Time { return ps.now() }

// Consume implements CounterStore.
func (ps *PostgresStore) Consume(ctx context.Context, policy models.Policy, key string, elapsed *time.Duration) (models.Rate, error) {
	now := ps.now()

	var hits, usageMs, expiresAt int64
	err := ps.pool.QueryRow(ctx, consumeSQL, consumeArgs(policy, key, now, elapsed)...).Scan(&hits, &usageMs, &expiresAt)
	if err != nil {
		return models.Rate{}, fmt.Errorf("%w: postgres consume %s: %w", ErrUnavailable, key, err)
	}

	return rowRate(policy, key, now, hits, usageMs, expiresAt), nil
}

// DeleteExpired implements Sweeper.
func (ps *PostgresStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	tag, err := ps.pool.Exec(ctx, deleteExpiredSQL, now.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired counters: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Ping verifies the storage backend is reachable and operational.
func (ps *PostgresStore) Ping(ctx context.Context) error {
	if err := ps.pool.Ping(ctx); err != nil {
		return fmt.Errorf("%w: postgres ping: %w", ErrUnavailable, err)
	}
	return nil
}

// Close stops the sweeper and closes the connection pool.
func (ps *PostgresStore) Close() error {
	ps.sweep.stop()
	ps.pool.Close()
	return nil
}
