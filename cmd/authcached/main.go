// Package main provides the entry point for the authentication caching
// daemon. It initializes logging, parses configuration, wires the runtime,
// and serves health/metrics endpoints until shutdown.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/netresearch/authcache/internal/config"
	"github.com/netresearch/authcache/internal/metrics"
	"github.com/netresearch/authcache/internal/runtime"
	"github.com/netresearch/authcache/internal/version"
)

const (
	shutdownTimeout     = 30 * time.Second
	healthCheckTimeout  = 3 * time.Second
	healthCheckEndpoint = "http://localhost:3000/health"
)

func main() {
	// Handle --health-check flag early, before any other initialization.
	if len(os.Args) == 2 && os.Args[1] == "--health-check" {
		os.Exit(runHealthCheck())
	}

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	log.Info().Msgf("authcached %s starting...", version.FormatVersion())

	opts, err := config.Parse()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to parse configuration")
	}
	log.Logger = log.Logger.Level(opts.LogLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rt, err := runtime.New(ctx, opts)
	if err != nil {
		log.Fatal().Err(err).Msg("could not initialize runtime")
	}

	app := newHealthApp(rt)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)

	serverErr := make(chan error, 1)
	go func() {
		if err := app.Listen(opts.HealthListenAddr); err != nil {
			serverErr <- err
		}
	}()

	select {
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("received shutdown signal")
	case err := <-serverErr:
		log.Error().Err(err).Msg("server error")
	}

	log.Info().Msg("initiating graceful shutdown...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("error shutting down HTTP server")
	}

	if err := rt.Close(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("error during runtime shutdown")
		shutdownCancel() // required: os.Exit does not run deferred functions
		os.Exit(1)       //nolint:gocritic // exit is intentional after shutdown error
	}

	log.Info().Msg("graceful shutdown complete")
}

// newHealthApp wires the C11 health/metrics endpoints onto a minimal Fiber
// app: /health, /health/live and /metrics. No readiness route is registered.
func newHealthApp(rt *runtime.Runtime) *fiber.App {
	f := fiber.New(fiber.Config{
		AppName:               "authcached",
		DisableStartupMessage: true,
	})

	f.Get("/health", rt.Collector.HealthHandler())
	f.Get("/health/live", metrics.LivenessHandler())
	f.Get("/metrics", metrics.MetricsHandler())

	return f
}

// runHealthCheck performs an HTTP health check against the running
// process. Returns 0 if healthy (HTTP 200), 1 otherwise. Used by a
// container HEALTHCHECK directive.
func runHealthCheck() int {
	ctx, cancel := context.WithTimeout(context.Background(), healthCheckTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, healthCheckEndpoint, nil)
	if err != nil {
		return 1
	}

	client := &http.Client{}
	resp, err := client.Do(req)
	if err != nil {
		return 1
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusOK {
		return 0
	}

	return 1
}
