package storage

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// sweepLoop periodically deletes expired records from a Sweeper.
type sweepLoop struct {
	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

// startSweepLoop starts a background sweep every interval. A non-positive
// interval returns nil; stopping a nil loop is a no-op.
func startSweepLoop(name string, s Sweeper, interval time.Duration, now func() time.Time) *sweepLoop {
	if interval <= 0 {
		return nil
	}

	l := &sweepLoop{done: make(chan struct{})}
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-l.done:
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), interval)
				removed, err := s.DeleteExpired(ctx, now())
				cancel()
				if err != nil {
					slog.Warn("Failed to delete expired counters", "store", name, "error", err)
					continue
				}
				if removed > 0 {
					slog.Debug("Deleted expired counters", "store", name, "count", removed)
				}
			}
		}
	}()
	return l
}

func (l *sweepLoop) stop() {
	if l == nil {
		return
	}
	l.once.Do(func() { close(l.done) })
	l.wg.Wait()
}
