// Package metrics exposes the Prometheus counters and gauges the rest of
// the engine records against: pipeline run outcomes, correction cycles,
// saga outcomes, director cycles, circuit-breaker state, and DLQ depth.
// The teacher ships no metrics surface; this package is grounded on the
// kubernaut-shaped pack repos that pair an HTTP surface with
// prometheus/client_golang.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry owns one Prometheus registry and the collectors registered
// against it. The zero value is not usable; construct with New.
type Registry struct {
	reg *prometheus.Registry

	pipelineRuns     *prometheus.CounterVec
	correctionCycles *prometheus.CounterVec
	sagaOutcomes     *prometheus.CounterVec
	directorCycles   *prometheus.CounterVec
	breakerState     *prometheus.GaugeVec
	dlqDepth         prometheus.Gauge
}

// New builds a Registry with every collector registered.
func New() *Registry {
	reg := prometheus.NewRegistry()

	r := &Registry{
		reg: reg,
		pipelineRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "conductor_pipeline_runs_total",
			Help: "Pipeline runs by tier and terminal outcome.",
		}, []string{"tier", "outcome"}),
		correctionCycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "conductor_correction_cycles_total",
			Help: "Quality pipeline correction-loop attempts by tier.",
		}, []string{"tier"}),
		sagaOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "conductor_saga_outcomes_total",
			Help: "Integrator saga runs by outcome.",
		}, []string{"outcome"}),
		directorCycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "conductor_director_cycles_total",
			Help: "Director RunCycle invocations by outcome.",
		}, []string{"outcome"}),
		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "conductor_circuit_breaker_state",
			Help: "Circuit breaker state per named service: 0=closed, 1=half-open, 2=open.",
		}, []string{"breaker"}),
		dlqDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "conductor_dlq_depth",
			Help: "Current number of entries in the dead-letter queue.",
		}),
	}

	reg.MustRegister(r.pipelineRuns, r.correctionCycles, r.sagaOutcomes, r.directorCycles, r.breakerState, r.dlqDepth)
	return r
}

// Handler serves the registry's collectors at the conventional /metrics path.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// RecordPipelineRun increments the pipeline-run counter for tier/outcome.
func (r *Registry) RecordPipelineRun(tier, outcome string) {
	if r == nil {
		return
	}
	r.pipelineRuns.WithLabelValues(tier, outcome).Inc()
}

// RecordCorrectionCycle increments the correction-cycle counter for tier.
func (r *Registry) RecordCorrectionCycle(tier string) {
	if r == nil {
		return
	}
	r.correctionCycles.WithLabelValues(tier).Inc()
}

// RecordSagaOutcome increments the saga-outcome counter.
func (r *Registry) RecordSagaOutcome(outcome string) {
	if r == nil {
		return
	}
	r.sagaOutcomes.WithLabelValues(outcome).Inc()
}

// RecordDirectorCycle increments the director-cycle counter.
func (r *Registry) RecordDirectorCycle(outcome string) {
	if r == nil {
		return
	}
	r.directorCycles.WithLabelValues(outcome).Inc()
}

// breakerStateValue maps gobreaker's three states to the gauge's convention.
var breakerStateValue = map[string]float64{
	"closed":    0,
	"half-open": 1,
	"open":      2,
}

// SetBreakerState records a named breaker's current state.
func (r *Registry) SetBreakerState(name, state string) {
	if r == nil {
		return
	}
	v, ok := breakerStateValue[state]
	if !ok {
		v = -1
	}
	r.breakerState.WithLabelValues(name).Set(v)
}

// SetDLQDepth records the dead-letter queue's current size.
func (r *Registry) SetDLQDepth(n int) {
	if r == nil {
		return
	}
	r.dlqDepth.Set(float64(n))
}
