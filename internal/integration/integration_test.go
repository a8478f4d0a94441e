package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"throttle/internal/config"
	"throttle/internal/gateway"
	"throttle/internal/models"
	"throttle/internal/ratelimit"
	"throttle/internal/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Integration tests that run the gateway end-to-end: configuration file,
// counter store from the factory, engine, router and upstream.

func newUpstream(t *testing.T) *httptest.Server {
	t.Helper()
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"path": r.URL.Path})
	}))
	t.Cleanup(upstream.Close)
	return upstream
}

func loadConfig(t *testing.T, yaml string) *models.Config {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0644))
	cfg, err := config.Load(path)
	require.NoError(t, err)
	return cfg
}

// startGateway builds one gateway instance over its own counter store
// connection and serves it from an httptest server.
func startGateway(t *testing.T, cfg *models.Config) *httptest.Server {
	t.Helper()
	store, err := storage.NewFactory().Create(context.Background(), cfg.RateLimit, cfg.Storage)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	engine, err := ratelimit.NewEngine(cfg.RateLimit, store)
	require.NoError(t, err)

	router, err := gateway.NewRouter(cfg, engine, store)
	require.NoError(t, err)

	server := httptest.NewServer(router)
	t.Cleanup(server.Close)
	return server
}

func get(t *testing.T, url string, headers map[string]string) *http.Response {
	t.Helper()
	req, err := http.NewRequest("GET", url, nil)
	require.NoError(t, err)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	return resp
}

func TestIntegration_BreakOnMatchWithCIDR(t *testing.T) {
	upstream := newUpstream(t)
	cfg := loadConfig(t, fmt.Sprintf(`
routes:
  - id: serviceA
    path: /serviceA
    url: %s
    strip_prefix: true
rate_limit:
  behind_proxy: true
  policy_list:
    serviceA:
      - id: internal
        type: ["origin=10.0.0.0/8"]
        limit: 100
        break_on_match: true
      - id: everyone
        type: [origin]
        limit: 1
`, upstream.URL))
	server := startGateway(t, cfg)

	internal := map[string]string{"X-Forwarded-For": "10.1.2.3"}
	for i := 0; i < 3; i++ {
		resp := get(t, server.URL+"/serviceA/items", internal)
		assert.Equal(t, http.StatusOK, resp.StatusCode, "internal request %d", i)
		// The counter is keyed by the matcher's CIDR, not the client address.
		assert.Equal(t, fmt.Sprint(99-i),
			resp.Header.Get("X-RateLimit-Remaining-rate-limit-application_serviceA_internal_10.0.0.0_8"))
		assert.Empty(t, resp.Header.Get("X-RateLimit-Remaining-rate-limit-application_serviceA_everyone_10.1.2.3"),
			"break_on_match stops before the catch-all policy")
	}

	external := map[string]string{"X-Forwarded-For": "203.0.113.5"}
	resp := get(t, server.URL+"/serviceA/items", external)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "0", resp.Header.Get("X-RateLimit-Remaining-rate-limit-application_serviceA_everyone_203.0.113.5"))

	resp = get(t, server.URL+"/serviceA/items", external)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))
}

func TestIntegration_SharedSQLiteStoreAcrossInstances(t *testing.T) {
	upstream := newUpstream(t)
	dbPath := filepath.Join(t.TempDir(), "counters.db")
	cfg := loadConfig(t, fmt.Sprintf(`
routes:
  - id: serviceB
    path: /serviceB
    url: %s
rate_limit:
  repository: sqlite
  cleanup_interval: 0s
  policy_list:
    serviceB:
      - type: [service_id, origin]
        limit: 3
        refresh_interval: 60s
storage:
  database:
    dsn: %s
`, upstream.URL, dbPath))

	// Two replicas sharing one database file.
	first := startGateway(t, cfg)
	second := startGateway(t, cfg)

	assert.Equal(t, http.StatusOK, get(t, first.URL+"/serviceB/a", nil).StatusCode)
	assert.Equal(t, http.StatusOK, get(t, first.URL+"/serviceB/b", nil).StatusCode)

	resp := get(t, second.URL+"/serviceB/c", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "0", resp.Header.Get("X-RateLimit-Remaining-rate-limit-application_serviceB_serviceB-0_serviceB_127.0.0.1"))

	assert.Equal(t, http.StatusTooManyRequests, get(t, second.URL+"/serviceB/d", nil).StatusCode)
	assert.Equal(t, http.StatusTooManyRequests, get(t, first.URL+"/serviceB/e", nil).StatusCode)
}

func TestIntegration_DefaultPoliciesAndCombine(t *testing.T) {
	upstream := newUpstream(t)
	base := fmt.Sprintf(`
routes:
  - id: serviceA
    path: /serviceA
    url: %[1]s
  - id: serviceB
    path: /serviceB
    url: %[1]s
rate_limit:
  combine_default_policies: %%t
  default_policy_list:
    - id: global
      type: [service_id]
      limit: 2
  policy_list:
    serviceA:
      - id: own
        type: [url]
        limit: 10
`, upstream.URL)

	t.Run("route policies replace defaults", func(t *testing.T) {
		server := startGateway(t, loadConfig(t, fmt.Sprintf(base, false)))

		for i := 0; i < 3; i++ {
			assert.Equal(t, http.StatusOK, get(t, server.URL+"/serviceA/x", nil).StatusCode)
		}
		// serviceB has no own policies and falls back to the defaults.
		assert.Equal(t, http.StatusOK, get(t, server.URL+"/serviceB/x", nil).StatusCode)
		assert.Equal(t, http.StatusOK, get(t, server.URL+"/serviceB/x", nil).StatusCode)
		assert.Equal(t, http.StatusTooManyRequests, get(t, server.URL+"/serviceB/x", nil).StatusCode)
	})

	t.Run("combined defaults also apply", func(t *testing.T) {
		server := startGateway(t, loadConfig(t, fmt.Sprintf(base, true)))

		assert.Equal(t, http.StatusOK, get(t, server.URL+"/serviceA/x", nil).StatusCode)
		assert.Equal(t, http.StatusOK, get(t, server.URL+"/serviceA/y", nil).StatusCode)
		assert.Equal(t, http.StatusTooManyRequests, get(t, server.URL+"/serviceA/z", nil).StatusCode)
	})
}

func TestIntegration_ConcurrentRequests(t *testing.T) {
	upstream := newUpstream(t)
	cfg := loadConfig(t, fmt.Sprintf(`
routes:
  - id: serviceA
    path: /serviceA
    url: %s
rate_limit:
  policy_list:
    serviceA:
      - type: [origin]
        limit: 25
`, upstream.URL))
	server := startGateway(t, cfg)

	const total = 60
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		statuses = map[int]int{}
	)
	for i := 0; i < total; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := http.Get(server.URL + "/serviceA/x")
			if err != nil {
				t.Errorf("request failed: %v", err)
				return
			}
			resp.Body.Close()
			mu.Lock()
			statuses[resp.StatusCode]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 25, statuses[http.StatusOK], "exactly the limit is admitted")
	assert.Equal(t, total-25, statuses[http.StatusTooManyRequests])
}

func TestIntegration_HealthReflectsStore(t *testing.T) {
	cfg := loadConfig(t, "")
	server := startGateway(t, cfg)

	resp, err := http.Get(server.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var health models.HealthCheckResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, models.StatusHealthy, health.Status)
}
