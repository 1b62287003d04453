package telemetry

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/havoc-sh/havoc/pkg/engine"
)

// Metrics collects engine measurements into a private Prometheus registry.
// It implements engine.Metrics.
type Metrics struct {
	runsStarted   *prometheus.CounterVec
	runsCompleted *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec

	actionsExecuted *prometheus.CounterVec
	actionDuration  *prometheus.HistogramVec

	rollbackSteps *prometheus.CounterVec

	scheduleSkips *prometheus.CounterVec

	activeRuns prometheus.Gauge

	registry *prometheus.Registry
}

// NewMetrics creates the metrics collector.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	namespace := "havoc"

	m := &Metrics{
		registry: registry,

		runsStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_started_total",
				Help:      "Total number of experiment runs started",
			},
			[]string{"target"},
		),
		runsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_completed_total",
				Help:      "Total number of experiment runs reaching a terminal status",
			},
			[]string{"target", "status"},
		),
		runDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Wall-clock duration of experiment runs",
				Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
			},
			[]string{"status"},
		),

		actionsExecuted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "actions_executed_total",
				Help:      "Total number of action executions",
			},
			[]string{"action", "outcome"},
		),
		actionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "action_duration_seconds",
				Help:      "Duration of action applies",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"action"},
		),

		rollbackSteps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rollback_steps_total",
				Help:      "Total number of rollback step replays by final status",
			},
			[]string{"status"},
		),

		scheduleSkips: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "schedule_skips_total",
				Help:      "Scheduled firings skipped because the concurrency ceiling was reached",
			},
			[]string{"experiment"},
		),

		activeRuns: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_runs",
				Help:      "Current number of active experiment runs",
			},
		),
	}

	registry.MustRegister(
		m.runsStarted,
		m.runsCompleted,
		m.runDuration,
		m.actionsExecuted,
		m.actionDuration,
		m.rollbackSteps,
		m.scheduleSkips,
		m.activeRuns,
	)

	return m
}

// RunStarted implements engine.Metrics.
func (m *Metrics) RunStarted(target engine.TargetKind) {
	m.runsStarted.WithLabelValues(string(target)).Inc()
	m.activeRuns.Inc()
}

// RunFinished implements engine.Metrics.
func (m *Metrics) RunFinished(target engine.TargetKind, status engine.ExperimentStatus, elapsed time.Duration) {
	m.runsCompleted.WithLabelValues(string(target), string(status)).Inc()
	m.runDuration.WithLabelValues(string(status)).Observe(elapsed.Seconds())
	m.activeRuns.Dec()
}

// ActionFinished implements engine.Metrics.
func (m *Metrics) ActionFinished(action string, outcome engine.ActionOutcome, elapsed time.Duration) {
	m.actionsExecuted.WithLabelValues(action, string(outcome)).Inc()
	m.actionDuration.WithLabelValues(action).Observe(elapsed.Seconds())
}

// RollbackStepFinished implements engine.Metrics.
func (m *Metrics) RollbackStepFinished(abandoned bool) {
	status := "applied"
	if abandoned {
		status = "abandoned"
	}
	m.rollbackSteps.WithLabelValues(status).Inc()
}

// ScheduleSkipped implements engine.Metrics.
func (m *Metrics) ScheduleSkipped(experiment string) {
	m.scheduleSkips.WithLabelValues(experiment).Inc()
}

// Handler returns the HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Serve exposes /metrics on addr until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context, addr string, logger zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	go func() {
		logger.Info().Str("addr", addr).Msg("Metrics endpoint listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("Metrics server error")
		}
	}()
}
