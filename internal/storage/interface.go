package storage

import (
	"context"
	"throttle/internal/models"
	"time"
)

// CounterStore defines the one capability the rate limit engine needs from a
// backend: atomically consume against a named counter and report the
// resulting rate. Implementations must serialize concurrent consumptions of
// the same key, including across processes when the backend is shared.
type CounterStore interface {
	// Consume applies one consumption to key under policy. A nil elapsed
	// counts one request; a non-nil elapsed adds handling time to the quota
	// usage without counting a request. An expired window is reset before
	// the consumption is applied.
	//
	// Backend failures are returned wrapped in ErrUnavailable.
	Consume(ctx context.Context, policy models.Policy, key string, elapsed *time.Duration) (models.Rate, error)

	// Ping verifies that the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases connections and stops background goroutines.
	Close() error
}

// Sweeper is implemented by stores that keep expired records around until
// they are explicitly deleted.
type Sweeper interface {
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}
