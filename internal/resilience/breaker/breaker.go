// Package breaker wraps sony/gobreaker with the named-instance-per-service
// shape the resilience layer needs: one breaker for the "claude" LLM calls,
// one for "github" push/PR operations, each independently closed/open/
// half-open.
package breaker

import (
	"context"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/forgepipe/conductor/internal/metrics"
)

// Config is one service's circuit-breaker tuning.
type Config struct {
	MaxFailures    uint32 // consecutive failures before tripping open
	ResetTimeoutMs int    // time open before allowing a half-open probe
	HalfOpenProbes uint32 // requests allowed through during half-open
}

// Breaker executes calls through a named gobreaker instance.
type Breaker struct {
	name    string
	cb      *gobreaker.CircuitBreaker
	metrics *metrics.Registry
}

// New builds a Breaker named name with the given config, logging state
// transitions.
func New(name string, cfg Config, logger *zap.Logger) *Breaker {
	maxFailures := cfg.MaxFailures
	if maxFailures == 0 {
		maxFailures = 5
	}
	resetTimeout := time.Duration(cfg.ResetTimeoutMs) * time.Millisecond
	if resetTimeout <= 0 {
		resetTimeout = 30 * time.Second
	}
	halfOpenProbes := cfg.HalfOpenProbes
	if halfOpenProbes == 0 {
		halfOpenProbes = 1
	}

	b := &Breaker{name: name}

	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: halfOpenProbes,
		Timeout:     resetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(breakerName string, from, to gobreaker.State) {
			if logger != nil {
				logger.Info("circuit breaker state change",
					zap.String("breaker", breakerName),
					zap.String("from", from.String()),
					zap.String("to", to.String()))
			}
			b.metrics.SetBreakerState(breakerName, to.String())
		},
	}

	b.cb = gobreaker.NewCircuitBreaker(settings)
	return b
}

// SetMetrics attaches a metrics registry; state-change recordings are
// no-ops until called.
func (b *Breaker) SetMetrics(m *metrics.Registry) {
	b.metrics = m
}

// ErrOpen is returned (wrapped) when the breaker rejects a call fast
// because it is open.
var ErrOpen = gobreaker.ErrOpenState

// Execute runs fn through the breaker. When open, fn is never called and
// Execute returns an error wrapping ErrOpen.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, fn(ctx)
	})
	if err != nil {
		return fmt.Errorf("breaker %s: %w", b.name, err)
	}
	return nil
}

// State reports the current breaker state as a string ("closed", "open",
// "half-open").
func (b *Breaker) State() string {
	return b.cb.State().String()
}
