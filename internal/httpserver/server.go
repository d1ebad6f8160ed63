package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/pixelforge/credits-server/internal/catalog"
	"github.com/pixelforge/credits-server/internal/config"
	"github.com/pixelforge/credits-server/internal/events"
	"github.com/pixelforge/credits-server/internal/ledger"
	"github.com/pixelforge/credits-server/internal/logger"
	"github.com/pixelforge/credits-server/internal/metrics"
	"github.com/pixelforge/credits-server/internal/payments"
)

var serverStartTime = time.Now()

// Server wires handlers, middleware, and dependencies.
type Server struct {
	handlers
	httpServer *http.Server
}

type handlers struct {
	cfg        *config.Config
	correlator *events.Correlator
	ledger     *ledger.Manager
	tracker    *payments.Tracker
	catalog    *catalog.Loader
	metrics    *metrics.Metrics
	logger     zerolog.Logger
}

// New builds the HTTP server with configured router. metricsCollector
// and gatherer may be nil; the /metrics endpoint is only mounted when a
// gatherer is given.
func New(cfg *config.Config, correlator *events.Correlator, ledgerMgr *ledger.Manager, tracker *payments.Tracker, loader *catalog.Loader, metricsCollector *metrics.Metrics, gatherer prometheus.Gatherer, appLogger zerolog.Logger) *Server {
	router := chi.NewRouter()

	s := &Server{
		handlers: handlers{
			cfg:        cfg,
			correlator: correlator,
			ledger:     ledgerMgr,
			tracker:    tracker,
			catalog:    loader,
			metrics:    metricsCollector,
			logger:     appLogger,
		},
		httpServer: &http.Server{
			Addr:         cfg.Server.Address,
			ReadTimeout:  cfg.Server.ReadTimeout.Duration,
			WriteTimeout: cfg.Server.WriteTimeout.Duration,
			IdleTimeout:  cfg.Server.IdleTimeout.Duration,
			Handler:      router,
		},
	}

	ConfigureRouter(router, cfg, correlator, ledgerMgr, tracker, loader, metricsCollector, gatherer, appLogger)

	return s
}

// ConfigureRouter attaches the credit service routes to an existing router.
func ConfigureRouter(router chi.Router, cfg *config.Config, correlator *events.Correlator, ledgerMgr *ledger.Manager, tracker *payments.Tracker, loader *catalog.Loader, metricsCollector *metrics.Metrics, gatherer prometheus.Gatherer, appLogger zerolog.Logger) {
	if router == nil {
		return
	}

	handler := handlers{
		cfg:        cfg,
		correlator: correlator,
		ledger:     ledgerMgr,
		tracker:    tracker,
		catalog:    loader,
		metrics:    metricsCollector,
		logger:     appLogger,
	}

	if len(cfg.Server.CORSAllowedOrigins) > 0 {
		router.Use(cors.New(cors.Options{
			AllowedOrigins:   cfg.Server.CORSAllowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders:   []string{"*"},
			ExposedHeaders:   []string{"Location"},
			AllowCredentials: false,
			MaxAge:           300,
		}).Handler)
	}

	// Security headers first so every response carries them
	router.Use(securityHeadersMiddleware)

	// Structured logging BEFORE RequestID for context propagation
	router.Use(logger.Middleware(appLogger))
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)

	if metricsCollector != nil {
		router.Use(metricsMiddleware(metricsCollector))
	}

	prefix := cfg.Server.RoutePrefix
	adminAuth := bearerAuth(cfg.Server.AdminAPIKey)
	internalAuth := bearerAuth(cfg.Server.InternalAPIKey)

	// Lightweight endpoints with a short timeout
	router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(5 * time.Second))
		r.Get(prefix+"/health", handler.health)
		if gatherer != nil {
			r.With(adminAuth).Handle(prefix+"/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
		}
	})

	// Public API
	router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(30 * time.Second))
		if cfg.RateLimit.Enabled {
			r.Use(httprate.LimitByIP(cfg.RateLimit.RequestLimit, cfg.RateLimit.Window.Duration))
		}

		r.Post(prefix+"/credits/v1/checkout", handler.createCheckout)
		r.Post(prefix+"/credits/v1/quote", handler.quoteItem)
		r.Post(prefix+"/credits/v1/coupons/validate", handler.validateCoupon)
		r.Get(prefix+"/credits/v1/packages", handler.listPackages)
		r.Get(prefix+"/credits/v1/subscriptions", handler.listSubscriptions)

		r.Get(prefix+"/credits/v1/users/{userID}/balance", handler.getBalance)
		r.Get(prefix+"/credits/v1/users/{userID}/history", handler.getHistory)
		r.Get(prefix+"/credits/v1/users/{userID}/totals", handler.getTotals)
		r.Get(prefix+"/credits/v1/users/{userID}/payments", handler.listUserPayments)
	})

	// Webhook ingest. Kept unthrottled; the provider retries on 429 and
	// every handler behind it is idempotent anyway.
	router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(60 * time.Second))
		r.Post(prefix+"/webhook/events", handler.handleProviderEvent)
	})

	// Internal service-to-service endpoints
	router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(60 * time.Second))
		r.Use(internalAuth)
		r.Post(prefix+"/credits/v1/internal/deduct", handler.deductCredits)
		r.Post(prefix+"/credits/v1/internal/signup-bonus", handler.grantSignupBonus)
		r.Post(prefix+"/credits/v1/internal/referral-bonus", handler.grantReferralBonus)
		r.Post(prefix+"/credits/v1/internal/recover", handler.recoverPayment)
	})

	// Admin endpoints
	router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(30 * time.Second))
		r.Use(adminAuth)
		r.Post(prefix+"/credits/v1/admin/adjust", handler.adminAdjust)
		r.Post(prefix+"/credits/v1/admin/refund-transaction", handler.adminRefundTransaction)
		r.Get(prefix+"/credits/v1/admin/payments/stats", handler.paymentStats)
		r.Post(prefix+"/credits/v1/admin/catalog/reload", handler.reloadCatalog)
	})
}

// ListenAndServe starts the HTTP server.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
