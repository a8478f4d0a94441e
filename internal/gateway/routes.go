// Package gateway assembles the HTTP front door: a gorilla/mux router with
// one subtree per configured upstream route, each admitted by the rate
// limit middleware and served by a reverse proxy.
package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"throttle/internal/models"
	"throttle/internal/ratelimit"
	"throttle/internal/storage"

	"github.com/gorilla/mux"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gorilla/mux/otelmux"
)

// RouteOption configures optional router behavior.
type RouteOption func(*mux.Router)

// WithOTelMiddleware adds OpenTelemetry HTTP instrumentation middleware.
func WithOTelMiddleware(serviceName string) RouteOption {
	return func(r *mux.Router) {
		r.Use(otelmux.Middleware(serviceName,
			otelmux.WithFilter(func(r *http.Request) bool {
				return r.URL.Path != "/health"
			}),
		))
	}
}

// NewRouter builds the gateway router. store is only used for health
// checks; admission goes through engine.
func NewRouter(cfg *models.Config, engine *ratelimit.Engine, store storage.CounterStore, opts ...RouteOption) (*mux.Router, error) {
	router := mux.NewRouter()

	router.Use(requestIDMiddleware)
	router.Use(recoveryMiddleware)
	router.Use(loggingMiddleware)
	for _, opt := range opts {
		opt(router)
	}
	router.Use(identityMiddleware(cfg.Security))

	health := NewHealthHandler(store)
	router.Handle("/health", health).Methods("GET", "HEAD")

	mwOpts := ratelimit.MiddlewareOptions{
		BehindProxy:        cfg.RateLimit.BehindProxy,
		AddResponseHeaders: cfg.RateLimit.AddResponseHeaders,
	}

	for _, rc := range cfg.Routes {
		proxy, err := newReverseProxy(rc)
		if err != nil {
			return nil, fmt.Errorf("route %s: %w", rc.ID, err)
		}

		prefix := strings.TrimSuffix(rc.Path, "/")
		route := ratelimit.Route{ID: rc.ID, Pattern: prefix + "/**"}
		handler := ratelimit.Middleware(engine, route, mwOpts)(proxy)

		if prefix != "" {
			router.Handle(prefix, handler)
		}
		router.PathPrefix(prefix + "/").Handler(handler)
	}

	router.NotFoundHandler = http.HandlerFunc(notFoundHandler)

	return router, nil
}

func notFoundHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusNotFound)
	errorResp := models.NewErrorResponse("No route matches the request path", models.ErrorCodeNotFound)
	json.NewEncoder(w).Encode(errorResp)
}
