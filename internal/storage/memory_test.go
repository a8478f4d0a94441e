package storage

import (
	"context"
	"testing"
	"throttle/internal/models"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore(t *testing.T) {
	store := NewMemoryStore(0)
	defer store.Close()

	testCounterStore(t, store)
}

func TestMemoryStoreWindowReset(t *testing.T) {
	clock := newFakeClock()
	store := NewMemoryStore(0, WithMemoryClock(clock.Now))
	defer store.Close()

	testWindowReset(t, store, clock)
	assert.Equal(t, 0, store.Len())
}

func TestMemoryStoreDeleteExpiredKeepsLiveRecords(t *testing.T) {
	clock := newFakeClock()
	store := NewMemoryStore(0, WithMemoryClock(clock.Now))
	defer store.Close()
	ctx := context.Background()

	short := models.Policy{Limit: 5, RefreshInterval: time.Second}
	long := models.Policy{Limit: 5, RefreshInterval: time.Hour}

	_, err := store.Consume(ctx, short, "short", nil)
	require.NoError(t, err)
	_, err = store.Consume(ctx, long, "long", nil)
	require.NoError(t, err)

	clock.Advance(2 * time.Second)
	removed, err := store.DeleteExpired(ctx, clock.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)
	assert.Equal(t, 1, store.Len())
}

func TestMemoryStoreBackgroundCleanup(t *testing.T) {
	store := NewMemoryStore(10 * time.Millisecond)
	defer store.Close()

	_, err := store.Consume(context.Background(), models.Policy{Limit: 1, RefreshInterval: time.Millisecond}, "k", nil)
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return store.Len() == 0 }, time.Second, 10*time.Millisecond)
}

func TestMemoryStoreClosed(t *testing.T) {
	store := NewMemoryStore(time.Minute)
	require.NoError(t, store.Close())
	require.NoError(t, store.Close(), "Close should be idempotent")

	_, err := store.Consume(context.Background(), models.Policy{Limit: 1}, "k", nil)
	assertUnavailable(t, err)
	assertUnavailable(t, store.Ping(context.Background()))
}

func TestMemoryStoreCancelledContext(t *testing.T) {
	store := NewMemoryStore(0)
	defer store.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := store.Consume(ctx, models.Policy{Limit: 1}, "k", nil)
	assertUnavailable(t, err)
	assert.Equal(t, 0, store.Len())
}
