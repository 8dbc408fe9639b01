// Package metrics exposes engine run metrics in Prometheus format.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hupe1980/agentpipe/engine"
)

// Metrics holds the Prometheus collectors fed by engine callbacks.
type Metrics struct {
	runsTotal       *prometheus.CounterVec
	runDuration     *prometheus.HistogramVec
	runsActive      prometheus.Gauge
	stepTransitions *prometheus.CounterVec
	stepErrors      *prometheus.CounterVec

	registry *prometheus.Registry
}

// New creates the collectors on a fresh registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		runsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentpipe_runs_total",
				Help: "Total number of finished runs by pattern and status",
			},
			[]string{"pattern", "status"},
		),

		runDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "agentpipe_run_duration_seconds",
				Help:    "Run duration in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300},
			},
			[]string{"pattern"},
		),

		runsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "agentpipe_runs_active",
				Help: "Number of runs currently executing",
			},
		),

		stepTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentpipe_step_transitions_total",
				Help: "Total number of step state transitions",
			},
			[]string{"pattern", "state"},
		),

		stepErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentpipe_step_errors_total",
				Help: "Total number of failed steps by error kind",
			},
			[]string{"pattern", "kind"},
		),

		registry: registry,
	}

	registry.MustRegister(
		m.runsTotal,
		m.runDuration,
		m.runsActive,
		m.stepTransitions,
		m.stepErrors,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns the scrape endpoint handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Callbacks returns the engine callbacks updating the collectors.
func (m *Metrics) Callbacks() []engine.Callback {
	return []engine.Callback{
		engine.NewFunctionCallback(engine.CallbackBeforeRun, func(_ context.Context, _ *engine.CallbackContext) error {
			m.runsActive.Inc()
			return nil
		}),
		engine.NewFunctionCallback(engine.CallbackOnStepEvent, func(_ context.Context, cb *engine.CallbackContext) error {
			pattern := string(cb.Definition.Pattern)
			m.stepTransitions.WithLabelValues(pattern, string(cb.Event.State)).Inc()

			if cb.Event.Error != nil {
				m.stepErrors.WithLabelValues(pattern, string(cb.Event.Error.Kind)).Inc()
			}

			return nil
		}),
		engine.NewFunctionCallback(engine.CallbackAfterRun, func(_ context.Context, cb *engine.CallbackContext) error {
			m.runsActive.Dec()

			if res := cb.Result; res != nil {
				m.runsTotal.WithLabelValues(string(res.Pattern), string(res.Status)).Inc()
				m.runDuration.WithLabelValues(string(res.Pattern)).Observe(res.Duration().Seconds())
			}

			return nil
		}),
	}
}
