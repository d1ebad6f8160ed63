// Package lifecycle runs the background sweeps that keep payment state
// converging: expiring stale checkouts and re-crediting completed
// payments whose crediting was interrupted.
package lifecycle

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/pixelforge/credits-server/internal/events"
	"github.com/pixelforge/credits-server/internal/metrics"
	"github.com/pixelforge/credits-server/internal/payments"
)

// Runner owns the periodic sweeps. Start launches one goroutine per
// sweep; Stop blocks until both have exited.
type Runner struct {
	tracker    *payments.Tracker
	correlator *events.Correlator
	metrics    *metrics.Metrics
	log        zerolog.Logger

	cleanupInterval   time.Duration
	reconcileInterval time.Duration

	stop chan struct{}
	done chan struct{}
}

// New creates a lifecycle runner. metrics may be nil.
func New(tracker *payments.Tracker, correlator *events.Correlator, m *metrics.Metrics, log zerolog.Logger, cleanupInterval, reconcileInterval time.Duration) *Runner {
	return &Runner{
		tracker:           tracker,
		correlator:        correlator,
		metrics:           m,
		log:               log,
		cleanupInterval:   cleanupInterval,
		reconcileInterval: reconcileInterval,
		stop:              make(chan struct{}),
		done:              make(chan struct{}, 2),
	}
}

// Start launches the background sweeps.
func (r *Runner) Start() {
	go r.loop("cleanup", r.cleanupInterval, r.runCleanup)
	go r.loop("reconcile", r.reconcileInterval, r.runReconcile)
}

// Stop signals the sweeps to exit and waits for them.
func (r *Runner) Stop() {
	close(r.stop)
	for i := 0; i < 2; i++ {
		<-r.done
	}
}

func (r *Runner) loop(name string, interval time.Duration, fn func(context.Context)) {
	defer func() { r.done <- struct{}{} }()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	r.log.Info().Str("sweep", name).Dur("interval", interval).Msg("background sweep started")
	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			fn(ctx)
			cancel()
		case <-r.stop:
			r.log.Info().Str("sweep", name).Msg("background sweep stopped")
			return
		}
	}
}

func (r *Runner) runCleanup(ctx context.Context) {
	n, err := r.tracker.CleanupExpired(ctx)
	if err != nil {
		r.log.Error().Err(err).Msg("expired payment cleanup failed")
		return
	}
	if n > 0 && r.metrics != nil {
		r.metrics.PaymentsExpiredTotal.Add(float64(n))
	}
}

func (r *Runner) runReconcile(ctx context.Context) {
	n, err := r.correlator.ReconcileUncredited(ctx)
	if err != nil {
		r.log.Error().Err(err).Msg("uncredited payment reconciliation failed")
		return
	}
	if n > 0 {
		r.log.Warn().Int("credited", n).Msg("reconciliation granted missed credits")
	}
}
