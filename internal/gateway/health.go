package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"throttle/internal/models"
	"throttle/internal/storage"
	"throttle/internal/version"
	"time"

	"golang.org/x/sync/singleflight"
)

const healthCheckTimeout = 2 * time.Second

// HealthHandler reports gateway health. The counter store is the only
// dependency checked; upstreams are not pinged.
type HealthHandler struct {
	store   storage.CounterStore
	started time.Time
	pings   singleflight.Group // concurrent health checks share one store ping
}

func NewHealthHandler(store storage.CounterStore) *HealthHandler {
	return &HealthHandler{store: store, started: time.Now()}
}

func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	resp := models.NewHealthCheckResponse(models.StatusHealthy)
	resp.Version = version.GetInfo().Version
	resp.Uptime = time.Since(h.started).Truncate(time.Second).String()

	component := models.ComponentHealth{Status: models.StatusHealthy, Timestamp: time.Now()}
	if err := h.ping(); err != nil {
		component.Status = models.StatusUnhealthy
		component.Message = err.Error()
		resp.Status = models.StatusUnhealthy
	}
	resp.Components["counter_store"] = component

	status := http.StatusOK
	if resp.Status != models.StatusHealthy {
		status = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(resp)
}

func (h *HealthHandler) ping() error {
	_, err, _ := h.pings.Do("ping", func() (any, error) {
		ctx, cancel := context.WithTimeout(context.Background(), healthCheckTimeout)
		defer cancel()
		return nil, h.store.Ping(ctx)
	})
	return err
}
