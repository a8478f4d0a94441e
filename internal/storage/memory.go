package storage

import (
	"context"
	"fmt"
	"sync"
	"throttle/internal/models"
	"time"
)

// MemoryStore implements CounterStore with an in-process map. Counters are
// not shared between gateway instances, which makes this backend suitable
// for single-instance deployments, development and tests.
//
// A background goroutine periodically evicts records whose window has
// closed. Eviction only reclaims memory: an expired record that is still
// present is reset lazily on its next consumption.
type MemoryStore struct {
	cleanupInterval time.Duration
	now             func() time.Time

	mu      sync.Mutex
	records map[string]*models.CounterRecord
	done    chan struct{}
	closed  bool
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithMemoryClock replaces the wall clock, for tests.
func WithMemoryClock(now func() time.Time) MemoryOption {
	return func(m *MemoryStore) { m.now = now }
}

// NewMemoryStore creates an in-memory counter store. A non-positive cleanup
// interval disables background eviction.
func NewMemoryStore(cleanupInterval time.Duration, opts ...MemoryOption) *MemoryStore {
	m := &MemoryStore{
		cleanupInterval: cleanupInterval,
		now:             time.Now,
		records:         make(map[string]*models.CounterRecord),
		done:            make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	if cleanupInterval > 0 {
		go m.cleanup()
	}
	return m
}

// Consume implements CounterStore.
func (m *MemoryStore) Consume(ctx context.Context, policy models.Policy, key string, elapsed *time.Duration) (models.Rate, error) {
	if err := ctx.Err(); err != nil {
		return models.Rate{}, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}

	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return models.Rate{}, fmt.Errorf("%w: memory store closed", ErrUnavailable)
	}

	rec, exists := m.records[key]
	if !exists {
		rec = models.NewCounterRecord(key, now, policy.Window())
		m.records[key] = rec
	}
	rec.Consume(now, policy.Window(), elapsed)

	return rec.Rate(policy, now), nil
}

// Ping implements CounterStore.
func (m *MemoryStore) Ping(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return fmt.Errorf("%w: memory store closed", ErrUnavailable)
	}
	return nil
}

// DeleteExpired removes every record whose window closed before now.
func (m *MemoryStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var removed int64
	for key, rec := range m.records {
		if rec.Expired(now) {
			delete(m.records, key)
			removed++
		}
	}
	return removed, nil
}

// Len returns the number of live records.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

// Close stops the background cleanup goroutine. Safe to call more than once.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		close(m.done)
	}
	return nil
}

func (m *MemoryStore) cleanup() {
	ticker := time.NewTicker(m.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.DeleteExpired(context.Background(), m.now())
		}
	}
}
