package storage

import (
	"context"
	"fmt"
	"throttle/internal/models"
)

// Factory provides a centralized way to create counter stores based on
// configuration, so the backend is chosen at startup without code changes.
type Factory struct{}

// NewFactory creates a new storage factory
func NewFactory() *Factory {
	return &Factory{}
}

// Create instantiates a counter store for rl.Repository.
// Supported repositories:
//   - memory: in-process counters (single instance, development, tests)
//   - redis: shared counters in Redis, consumed by a Lua script
//   - postgres: shared counters in a PostgreSQL table
//   - sqlite: counters in a local SQLite file
func (f *Factory) Create(ctx context.Context, rl models.RateLimitConfig, sc models.StorageConfig) (CounterStore, error) {
	if err := f.ValidateConfig(rl.Repository, sc); err != nil {
		return nil, err
	}

	switch rl.Repository {
	case models.RepositoryMemory:
		return NewMemoryStore(rl.CleanupInterval), nil
	case models.RepositoryRedis:
		store := NewRedisStore(NewRedisClient(sc.Redis))
		if err := store.Ping(ctx); err != nil {
			store.Close()
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		return store, nil
	case models.RepositoryPostgres:
		return NewPostgresStore(ctx, sc.Database, rl.CleanupInterval)
	case models.RepositorySQLite:
		return NewSQLiteStore(ctx, sc.Database, rl.CleanupInterval)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedRepository, rl.Repository)
	}
}

// GetSupportedRepositories returns every repository name Create accepts.
func (f *Factory) GetSupportedRepositories() []string {
	return []string{models.RepositoryMemory, models.RepositoryRedis, models.RepositoryPostgres, models.RepositorySQLite}
}

// ValidateConfig validates that the storage settings suit the repository.
func (f *Factory) ValidateConfig(repository string, sc models.StorageConfig) error {
	switch repository {
	case models.RepositoryMemory:
		// Memory storage requires no additional configuration
	case models.RepositoryRedis:
		if len(sc.Redis.Addrs) == 0 {
			return fmt.Errorf("at least one address is required for redis storage")
		}
	case models.RepositoryPostgres, models.RepositorySQLite:
		if sc.Database.DSN == "" {
			return fmt.Errorf("database DSN is required for %s storage", repository)
		}
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedRepository, repository)
	}
	return nil
}
