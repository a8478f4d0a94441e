package storage

import (
	"context"
	"os"
	"testing"
	"throttle/internal/models"
)

func getPostgresDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("POSTGRES_TEST_DSN")
	if dsn == "" {
		t.Skip("POSTGRES_TEST_DSN not set, skipping PostgreSQL tests")
	}
	return dsn
}

func newPostgresTestStore(t *testing.T) *PostgresStore {
	t.Helper()
	dsn := getPostgresDSN(t)
	s, err := NewPostgresStore(context.Background(), models.DatabaseConfig{DSN: dsn}, 0)
	if err != nil {
		t.Fatalf("failed to create postgres store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPostgresStoreConnectionError(t *testing.T) {
	_, err := NewPostgresStore(context.Background(), models.DatabaseConfig{}, 0)
	if err == nil {
		t.Error("expected error for empty connection string")
	}
}

func TestPostgresStoreInvalidDSN(t *testing.T) {
	_, err := NewPostgresStore(context.Background(), models.DatabaseConfig{DSN: "postgres://invalid:5432/nonexistent?connect_timeout=1"}, 0)
	if err == nil {
		t.Error("expected error for invalid DSN")
	}
}

func TestPostgresStore(t *testing.T) {
	testCounterStore(t, newPostgresTestStore(t))
}

func TestPostgresStoreWindowReset(t *testing.T) {
	store := newPostgresTestStore(t)
	clock := newFakeClock()
	store.now = clock.Now

	testWindowReset(t, store, clock)
}
