package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/pixelforge/credits-server/internal/catalog"
	"github.com/pixelforge/credits-server/internal/circuitbreaker"
	"github.com/pixelforge/credits-server/internal/config"
	"github.com/pixelforge/credits-server/internal/events"
	"github.com/pixelforge/credits-server/internal/httpserver"
	"github.com/pixelforge/credits-server/internal/ledger"
	"github.com/pixelforge/credits-server/internal/lifecycle"
	"github.com/pixelforge/credits-server/internal/logger"
	"github.com/pixelforge/credits-server/internal/metrics"
	"github.com/pixelforge/credits-server/internal/payments"
	"github.com/pixelforge/credits-server/internal/provider"
	"github.com/pixelforge/credits-server/internal/storage"
)

func main() {
	_ = godotenv.Load()

	configPath := flag.String("config", defaultConfigPath(), "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		// Logger is not configured yet; stderr is all we have.
		os.Stderr.WriteString("load config: " + err.Error() + "\n")
		os.Exit(1)
	}

	appLogger := logger.New(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		Service:     "credits-server",
		Environment: cfg.Logging.Environment,
	})

	stores, err := storage.New(cfg.Storage)
	if err != nil {
		appLogger.Fatal().Err(err).Msg("initialize storage")
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := stores.Close(ctx); err != nil {
			appLogger.Error().Err(err).Msg("close storage")
		}
	}()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metricsCollector := metrics.New(registry)

	breakers := circuitbreaker.NewManagerFromConfig(cfg.CircuitBreaker)

	providerClient, err := provider.NewStripeClient(cfg.Provider, breakers)
	if err != nil {
		appLogger.Fatal().Err(err).Msg("initialize payment provider")
	}

	loader := catalog.NewLoader(cfg.Catalog.Path, cfg.Catalog.CacheTTL.Duration)
	if _, err := loader.Get(); err != nil {
		appLogger.Fatal().Err(err).Str("path", cfg.Catalog.Path).Msg("load catalog")
	}

	ledgerMgr := ledger.NewManager(stores.Ledger)
	tracker := payments.NewTracker(stores.Payments, cfg.Payments.SessionExpiry.Duration)
	correlator := events.NewCorrelator(ledgerMgr, tracker, loader, providerClient, metricsCollector)

	runner := lifecycle.New(tracker, correlator, metricsCollector, appLogger,
		cfg.Payments.CleanupInterval.Duration, cfg.Payments.ReconcileInterval.Duration)
	runner.Start()
	defer runner.Stop()

	server := httpserver.New(cfg, correlator, ledgerMgr, tracker, loader, metricsCollector, registry, appLogger)

	errCh := make(chan error, 1)
	go func() {
		appLogger.Info().
			Str("address", cfg.Server.Address).
			Str("backend", cfg.Storage.Backend).
			Msg("server starting")
		errCh <- server.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		appLogger.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			appLogger.Error().Err(err).Msg("server failed")
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		appLogger.Error().Err(err).Msg("graceful shutdown failed")
	}
}

// defaultConfigPath prefers CREDITS_CONFIG, then a local config.yaml.
// Returns empty when neither exists so Load falls back to defaults plus
// environment overrides.
func defaultConfigPath() string {
	if p := os.Getenv("CREDITS_CONFIG"); p != "" {
		return p
	}
	if _, err := os.Stat("config.yaml"); err == nil {
		return "config.yaml"
	}
	return ""
}
