// Package circuitbreaker wraps calls to external services with
// sony/gobreaker so a degraded payment provider cannot stall checkouts
// indefinitely.
package circuitbreaker

import (
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"github.com/pixelforge/credits-server/internal/config"
)

// ServiceType identifies external services for circuit breaker isolation.
type ServiceType string

const (
	ServiceProviderAPI ServiceType = "provider_api"
)

// Manager manages circuit breakers for external services. Each service
// has its own breaker so failures do not cascade across service
// boundaries.
type Manager struct {
	breakers map[ServiceType]*gobreaker.CircuitBreaker
	enabled  bool
}

// BreakerConfig configures a single circuit breaker.
type BreakerConfig struct {
	// MaxRequests allowed through while half-open. Default: 1
	MaxRequests uint32

	// Interval is the cyclic period in closed state to clear the
	// internal counts. 0 means never clear.
	Interval time.Duration

	// Timeout is how long the breaker stays open before moving to
	// half-open.
	Timeout time.Duration

	// Trip thresholds: consecutive failures, or a failure ratio once at
	// least MinRequests have been seen.
	ConsecutiveFailures uint32
	FailureRatio        float64
	MinRequests         uint32
}

// NewManagerFromConfig creates a circuit breaker manager from application config.
func NewManagerFromConfig(cfg config.CircuitBreakerConfig) *Manager {
	m := &Manager{
		breakers: make(map[ServiceType]*gobreaker.CircuitBreaker),
		enabled:  cfg.Enabled,
	}
	if !cfg.Enabled {
		// No breakers: every Execute passes through.
		return m
	}

	m.breakers[ServiceProviderAPI] = gobreaker.NewCircuitBreaker(toGobreakerSettings(
		string(ServiceProviderAPI), BreakerConfig{
			MaxRequests:         cfg.ProviderAPI.MaxRequests,
			Interval:            cfg.ProviderAPI.Interval.Duration,
			Timeout:             cfg.ProviderAPI.Timeout.Duration,
			ConsecutiveFailures: cfg.ProviderAPI.ConsecutiveFailures,
			FailureRatio:        cfg.ProviderAPI.FailureRatio,
			MinRequests:         cfg.ProviderAPI.MinRequests,
		}))
	return m
}

// Execute wraps a call with circuit breaker protection. When breakers are
// disabled or the service has none configured, the call runs directly.
func (m *Manager) Execute(service ServiceType, fn func() (interface{}, error)) (interface{}, error) {
	if !m.enabled {
		return fn()
	}
	breaker, ok := m.breakers[service]
	if !ok {
		return fn()
	}
	return breaker.Execute(fn)
}

// State returns the current breaker state for a service.
func (m *Manager) State(service ServiceType) string {
	if !m.enabled {
		return "disabled"
	}
	breaker, ok := m.breakers[service]
	if !ok {
		return "not_configured"
	}
	return breaker.State().String()
}

func toGobreakerSettings(name string, cfg BreakerConfig) gobreaker.Settings {
	return gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if cfg.ConsecutiveFailures > 0 && counts.ConsecutiveFailures >= cfg.ConsecutiveFailures {
				return true
			}
			if cfg.FailureRatio > 0 && cfg.MinRequests > 0 && counts.Requests >= cfg.MinRequests {
				failureRate := float64(counts.TotalFailures) / float64(counts.Requests)
				if failureRate >= cfg.FailureRatio {
					return true
				}
			}
			return false
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("circuit breaker state changed")
		},
	}
}
