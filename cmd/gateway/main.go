package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"throttle/internal/config"
	"throttle/internal/gateway"
	"throttle/internal/logger"
	"throttle/internal/models"
	"throttle/internal/observability"
	"throttle/internal/ratelimit"
	"throttle/internal/storage"
	"throttle/internal/version"
	"time"

	"golang.org/x/sync/errgroup"
)

var (
	configFile  = flag.String("config", "", "Path to configuration file")
	exampleFile = flag.String("write-example", "", "Write an example configuration file to this path and exit")
	showVersion = flag.Bool("version", false, "Print version information and exit")
)

const shutdownTimeout = 30 * time.Second

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Println(version.GetInfo().String())
		return
	}

	if *exampleFile != "" {
		if err := config.SaveExample(*exampleFile); err != nil {
			slog.Error("Failed to write example configuration", "error", err)
			os.Exit(1)
		}
		return
	}

	// Load configuration
	cfg, err := config.Load(*configFile)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	// Initialize structured logging
	log, closer, err := logger.Setup(cfg.Logging, version.GetInfo())
	if err != nil {
		slog.Error("Failed to initialize logger", "error", err)
		os.Exit(1)
	}
	if closer != nil {
		defer closer.Close()
	}
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		slog.Error("Gateway stopped with error", "error", err)
		os.Exit(1)
	}
	slog.Info("Server shutdown complete")
}

func run(ctx context.Context, cfg *models.Config) error {
	// Initialize observability (OpenTelemetry)
	otelProvider, err := observability.Setup(cfg.Metrics, cfg.Observability, version.GetInfo())
	if err != nil {
		return fmt.Errorf("initialize observability: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := otelProvider.Shutdown(shutdownCtx); err != nil {
			slog.Error("Failed to shutdown observability", "error", err)
		}
	}()

	store, err := initializeStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	engine, err := ratelimit.NewEngine(cfg.RateLimit, store)
	if err != nil {
		return fmt.Errorf("create rate limit engine: %w", err)
	}
	for _, route := range cfg.Routes {
		slog.Info("Route configured",
			"route", route.ID,
			"path", route.Path,
			"upstream", route.URL,
			"policies", len(engine.Resolver().Policies(route.ID)))
	}

	routeOpts := []gateway.RouteOption{}
	if cfg.Observability.Tracing.Enabled {
		routeOpts = append(routeOpts, gateway.WithOTelMiddleware(cfg.Observability.ServiceName))
	}

	router, err := gateway.NewRouter(cfg, engine, store, routeOpts...)
	if err != nil {
		return fmt.Errorf("build router: %w", err)
	}

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("Starting server", "addr", server.Addr, "tls", cfg.Server.TLSEnabled)
		var err error
		if cfg.Server.TLSEnabled {
			err = server.ListenAndServeTLS(cfg.Server.TLSCertFile, cfg.Server.TLSKeyFile)
		} else {
			err = server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: %w", err)
		}
		return nil
	})

	var metricsServer *observability.MetricsServer
	if cfg.Metrics.Enabled {
		metricsServer = observability.NewMetricsServer(cfg.Metrics.Port, cfg.Metrics.Path, otelProvider)
		g.Go(func() error {
			if err := metricsServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
	}

	// Shut everything down on signal or when either server fails.
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("Shutting down server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if metricsServer != nil {
			if err := metricsServer.Shutdown(shutdownCtx); err != nil {
				slog.Error("Metrics server forced to shutdown", "error", err)
			}
		}
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("Server forced to shutdown", "error", err)
		}
		return nil
	})

	return g.Wait()
}

// initializeStore creates the counter store selected by rate_limit.repository,
// wrapped with instrumentation when metrics or tracing are enabled.
func initializeStore(ctx context.Context, cfg *models.Config) (storage.CounterStore, error) {
	factory := storage.NewFactory()
	if err := factory.ValidateConfig(cfg.RateLimit.Repository, cfg.Storage); err != nil {
		return nil, fmt.Errorf("invalid counter store config: %w", err)
	}

	store, err := factory.Create(ctx, cfg.RateLimit, cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("initialize counter store: %w", err)
	}
	slog.Info("Counter store ready", "repository", cfg.RateLimit.Repository)

	if !cfg.Metrics.Enabled && !cfg.Observability.Tracing.Enabled {
		return store, nil
	}

	instrumented, err := observability.NewInstrumentedStore(store, cfg.RateLimit.Repository)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("create instrumented store: %w", err)
	}
	return instrumented, nil
}
