package telemetry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for deployd. A nil *Metrics, or one
// created with metrics disabled, records nothing.
type Metrics struct {
	config MetricsConfig

	// Request metrics
	requestsStarted  *prometheus.CounterVec
	requestsFinished *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec

	// Component metrics
	componentsDeployed *prometheus.CounterVec
	componentDuration  *prometheus.HistogramVec

	// Dispatch metrics
	dispatches       *prometheus.CounterVec
	dispatchDuration *prometheus.HistogramVec
	processKills     *prometheus.CounterVec

	// Scheduler metrics
	phaseActions  *prometheus.CounterVec
	phaseDuration *prometheus.HistogramVec
	claimsLost    prometheus.Counter
	sweeps        *prometheus.CounterVec

	// System metrics
	activeExecutions prometheus.Gauge

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}
	// Deployments run for minutes, not milliseconds.
	longBuckets := prometheus.ExponentialBuckets(1, 2, 14)

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		requestsStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "requests_started_total",
				Help:      "Total number of deployment requests started",
			},
			[]string{"environment"},
		),
		requestsFinished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "requests_finished_total",
				Help:      "Total number of deployment requests that reached a final status",
			},
			[]string{"status"},
		),
		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "request_duration_seconds",
				Help:      "Duration of one request execution in seconds",
				Buckets:   longBuckets,
			},
			[]string{"status"},
		),

		componentsDeployed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "components_deployed_total",
				Help:      "Total number of component deployment attempts",
			},
			[]string{"kind", "status"},
		),
		componentDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "component_duration_seconds",
				Help:      "Duration of component deployment attempts in seconds",
				Buckets:   longBuckets,
			},
			[]string{"kind"},
		),

		dispatches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dispatches_total",
				Help:      "Total number of worker dispatches",
			},
			[]string{"flavor", "outcome"},
		),
		dispatchDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "dispatch_duration_seconds",
				Help:      "Duration of worker dispatches in seconds",
				Buckets:   longBuckets,
			},
			[]string{"flavor"},
		),
		processKills: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "process_kills_total",
				Help:      "Total number of recorded worker processes killed",
			},
			[]string{"outcome"},
		),

		phaseActions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "phase_requests_total",
				Help:      "Total number of requests acted on by scheduler phase",
			},
			[]string{"phase"},
		),
		phaseDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "phase_duration_seconds",
				Help:      "Duration of scheduler phases that acted on requests",
				Buckets:   buckets,
			},
			[]string{"phase"},
		),
		claimsLost: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "claims_lost_total",
				Help:      "Total number of request claims won by another scheduler",
			},
		),
		sweeps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "plan_sweeps_total",
				Help:      "Total number of confirmed plans handled by the sweeper",
			},
			[]string{"outcome"},
		),

		activeExecutions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_executions",
				Help:      "Current number of executing requests",
			},
		),
	}

	registry.MustRegister(
		m.requestsStarted,
		m.requestsFinished,
		m.requestDuration,
		m.componentsDeployed,
		m.componentDuration,
		m.dispatches,
		m.dispatchDuration,
		m.processKills,
		m.phaseActions,
		m.phaseDuration,
		m.claimsLost,
		m.sweeps,
		m.activeExecutions,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m, nil
}

// Request Metrics

// RecordRequestStarted counts a request whose execution began.
func (m *Metrics) RecordRequestStarted(environment string) {
	if m == nil || m.requestsStarted == nil {
		return
	}
	m.requestsStarted.WithLabelValues(environment).Inc()
}

// RecordRequestFinished records a request that reached a final status.
func (m *Metrics) RecordRequestFinished(status string, duration time.Duration) {
	if m == nil || m.requestsFinished == nil {
		return
	}
	m.requestsFinished.WithLabelValues(status).Inc()
	m.requestDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// Component Metrics

// RecordComponent records one component deployment attempt.
func (m *Metrics) RecordComponent(kind, status string, duration time.Duration) {
	if m == nil || m.componentsDeployed == nil {
		return
	}
	m.componentsDeployed.WithLabelValues(kind, status).Inc()
	m.componentDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

// Dispatch Metrics

// RecordDispatch records a worker dispatch and its outcome.
func (m *Metrics) RecordDispatch(flavor, outcome string, duration time.Duration) {
	if m == nil || m.dispatches == nil {
		return
	}
	m.dispatches.WithLabelValues(flavor, outcome).Inc()
	m.dispatchDuration.WithLabelValues(flavor).Observe(duration.Seconds())
}

// RecordProcessKill records an attempt to kill a recorded worker process.
func (m *Metrics) RecordProcessKill(outcome string) {
	if m == nil || m.processKills == nil {
		return
	}
	m.processKills.WithLabelValues(outcome).Inc()
}

// Scheduler Metrics

// RecordPhase records a scheduler phase that acted on requests.
func (m *Metrics) RecordPhase(phase string, requests int, duration time.Duration) {
	if m == nil || m.phaseActions == nil {
		return
	}
	m.phaseActions.WithLabelValues(phase).Add(float64(requests))
	m.phaseDuration.WithLabelValues(phase).Observe(duration.Seconds())
}

// RecordClaimLost counts a claim won by another scheduler.
func (m *Metrics) RecordClaimLost() {
	if m == nil || m.claimsLost == nil {
		return
	}
	m.claimsLost.Inc()
}

// RecordSweep records how the sweeper handled one confirmed plan.
func (m *Metrics) RecordSweep(outcome string) {
	if m == nil || m.sweeps == nil {
		return
	}
	m.sweeps.WithLabelValues(outcome).Inc()
}

// System Metrics

// SetActiveExecutions sets the current number of executing requests.
func (m *Metrics) SetActiveExecutions(count float64) {
	if m == nil || m.activeExecutions == nil {
		return
	}
	m.activeExecutions.Set(count)
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Serve exposes the metrics endpoint until ctx is cancelled. It returns
// immediately when metrics are disabled.
func (m *Metrics) Serve(ctx context.Context) error {
	if m == nil || !m.config.Enabled {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(m.config.Path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}
