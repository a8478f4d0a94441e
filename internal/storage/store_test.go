package storage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"throttle/internal/models"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testCounterStore runs the behaviour every backend must share. Keys are
// unique per call so shared databases need no cleanup between runs.
func testCounterStore(t *testing.T, store CounterStore) {
	t.Helper()
	ctx := context.Background()
	prefix := "test:" + uuid.NewString()

	t.Run("counts requests against the limit", func(t *testing.T) {
		policy := models.Policy{Limit: 3, RefreshInterval: time.Minute}
		key := prefix + ":limit"

		for want := int64(2); want >= -1; want-- {
			rate, err := store.Consume(ctx, policy, key, nil)
			require.NoError(t, err)
			assert.Equal(t, key, rate.Key)
			assert.Equal(t, want, rate.Remaining)
		}

		rate, err := store.Consume(ctx, policy, key, nil)
		require.NoError(t, err)
		assert.True(t, rate.LimitExceeded(policy))
		assert.Greater(t, rate.Reset, time.Duration(0))
		assert.LessOrEqual(t, rate.Reset, time.Minute)
	})

	t.Run("elapsed time feeds the quota without counting a request", func(t *testing.T) {
		policy := models.Policy{Limit: 10, Quota: time.Second, RefreshInterval: time.Minute}
		key := prefix + ":quota"

		rate, err := store.Consume(ctx, policy, key, nil)
		require.NoError(t, err)
		assert.Equal(t, int64(9), rate.Remaining)
		assert.Equal(t, time.Second, rate.RemainingQuota)

		elapsed := 700 * time.Millisecond
		rate, err = store.Consume(ctx, policy, key, &elapsed)
		require.NoError(t, err)
		assert.Equal(t, int64(9), rate.Remaining)
		assert.Equal(t, 300*time.Millisecond, rate.RemainingQuota)
		assert.False(t, rate.QuotaExceeded(policy))

		rate, err = store.Consume(ctx, policy, key, &elapsed)
		require.NoError(t, err)
		assert.Equal(t, -400*time.Millisecond, rate.RemainingQuota)
		assert.True(t, rate.QuotaExceeded(policy))
	})

	t.Run("keys are independent", func(t *testing.T) {
		policy := models.Policy{Limit: 1, RefreshInterval: time.Minute}

		a, err := store.Consume(ctx, policy, prefix+":a", nil)
		require.NoError(t, err)
		b, err := store.Consume(ctx, policy, prefix+":b", nil)
		require.NoError(t, err)

		assert.Equal(t, int64(0), a.Remaining)
		assert.Equal(t, int64(0), b.Remaining)
	})

	t.Run("concurrent consumptions are not lost", func(t *testing.T) {
		policy := models.Policy{Limit: 1000, RefreshInterval: time.Minute}
		key := prefix + ":concurrent"
		const workers, perWorker = 8, 25

		var wg sync.WaitGroup
		errs := make(chan error, workers*perWorker)
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for j := 0; j < perWorker; j++ {
					if _, err := store.Consume(ctx, policy, key, nil); err != nil {
						errs <- err
					}
				}
			}()
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			require.NoError(t, err)
		}

		rate, err := store.Consume(ctx, policy, key, nil)
		require.NoError(t, err)
		assert.Equal(t, int64(1000-workers*perWorker-1), rate.Remaining)
	})

	t.Run("ping", func(t *testing.T) {
		assert.NoError(t, store.Ping(ctx))
	})
}

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// testWindowReset checks window expiry for stores driven by a Go clock.
func testWindowReset(t *testing.T, store CounterStore, clock *fakeClock) {
	t.Helper()
	ctx := context.Background()
	policy := models.Policy{Limit: 2, RefreshInterval: 10 * time.Second}
	key := "test:" + uuid.NewString() + ":reset"

	for i := 0; i < 3; i++ {
		_, err := store.Consume(ctx, policy, key, nil)
		require.NoError(t, err)
	}

	clock.Advance(4 * time.Second)
	rate, err := store.Consume(ctx, policy, key, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(-2), rate.Remaining)
	assert.Equal(t, 6*time.Second, rate.Reset)

	clock.Advance(6 * time.Second)
	rate, err = store.Consume(ctx, policy, key, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), rate.Remaining, "window should reset at its end")
	assert.Equal(t, 10*time.Second, rate.Reset)

	sweeper, ok := store.(Sweeper)
	require.True(t, ok)

	clock.Advance(10 * time.Second)
	removed, err := sweeper.DeleteExpired(ctx, clock.Now())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, removed, int64(1))
}

func assertUnavailable(t *testing.T, err error) {
	t.Helper()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnavailable), "expected ErrUnavailable, got %v", err)
}
