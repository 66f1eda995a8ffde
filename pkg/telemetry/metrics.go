package telemetry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for controllers and operations.
// A nil *Metrics and a disabled one are both valid no-op collectors.
type Metrics struct {
	config MetricsConfig

	// Invocation metrics
	invocationsStarted   *prometheus.CounterVec
	invocationsCompleted *prometheus.CounterVec
	invocationDuration   *prometheus.HistogramVec
	retryAttempts        *prometheus.CounterVec
	rejections           *prometheus.CounterVec

	// Operation state metrics
	operationsLocked  *prometheus.GaugeVec
	activeInvocations prometheus.Gauge

	// Sensor metrics
	sensorFirings *prometheus.CounterVec

	// Controller metrics
	driftDetections *prometheus.CounterVec
	corrections     *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DurationBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		invocationsStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "invocations_started_total",
				Help:      "Total number of invocations that emitted Started",
			},
			[]string{"controller", "operation", "trigger"},
		),
		invocationsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "invocations_completed_total",
				Help:      "Total number of invocations by terminal state",
			},
			[]string{"controller", "operation", "state"},
		),
		invocationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "invocation_duration_seconds",
				Help:      "Duration of invocations from Started to the terminal state",
				Buckets:   buckets,
			},
			[]string{"controller", "operation", "state"},
		),
		retryAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "retry_attempts_total",
				Help:      "Total number of failed attempts followed by a retry decision",
			},
			[]string{"controller", "operation"},
		),
		rejections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rejections_total",
				Help:      "Total number of refused activations by reason",
			},
			[]string{"controller", "operation", "reason"},
		),
		operationsLocked: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "operation_locked",
				Help:      "Lock state of operations (1=locked, 0=unlocked)",
			},
			[]string{"controller", "operation"},
		),
		activeInvocations: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_invocations",
				Help:      "Current number of in-flight invocations",
			},
		),
		sensorFirings: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sensor_firings_total",
				Help:      "Total number of sensor firings by outcome (submitted, skipped, rejected)",
			},
			[]string{"controller", "operation", "outcome"},
		),
		driftDetections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "drift_detections_total",
				Help:      "Total number of observed deviations from the desired state",
			},
			[]string{"controller"},
		),
		corrections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "corrections_total",
				Help:      "Total number of corrective writes by status",
			},
			[]string{"controller", "status"},
		),
	}

	registry.MustRegister(
		m.invocationsStarted,
		m.invocationsCompleted,
		m.invocationDuration,
		m.retryAttempts,
		m.rejections,
		m.operationsLocked,
		m.activeInvocations,
		m.sensorFirings,
		m.driftDetections,
		m.corrections,
	)

	return m, nil
}

func (m *Metrics) enabled() bool {
	return m != nil && m.registry != nil
}

// Invocation Metrics

// RecordInvocationStarted counts an invocation that emitted Started.
func (m *Metrics) RecordInvocationStarted(controller, operation, trigger string) {
	if !m.enabled() {
		return
	}
	m.invocationsStarted.WithLabelValues(controller, operation, trigger).Inc()
	m.activeInvocations.Inc()
}

// RecordInvocationCompleted records the terminal state and duration of an invocation.
func (m *Metrics) RecordInvocationCompleted(controller, operation, state string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.invocationsCompleted.WithLabelValues(controller, operation, state).Inc()
	m.invocationDuration.WithLabelValues(controller, operation, state).Observe(duration.Seconds())
	m.activeInvocations.Dec()
}

// RecordRetry counts a failed attempt.
func (m *Metrics) RecordRetry(controller, operation string) {
	if !m.enabled() {
		return
	}
	m.retryAttempts.WithLabelValues(controller, operation).Inc()
}

// RecordRejection counts a refused activation.
func (m *Metrics) RecordRejection(controller, operation, reason string) {
	if !m.enabled() {
		return
	}
	m.rejections.WithLabelValues(controller, operation, reason).Inc()
}

// SetLocked sets the lock gauge of an operation.
func (m *Metrics) SetLocked(controller, operation string, locked bool) {
	if !m.enabled() {
		return
	}
	value := 0.0
	if locked {
		value = 1.0
	}
	m.operationsLocked.WithLabelValues(controller, operation).Set(value)
}

// Sensor Metrics

// RecordSensorFiring counts a sensor firing by outcome.
func (m *Metrics) RecordSensorFiring(controller, operation, outcome string) {
	if !m.enabled() {
		return
	}
	m.sensorFirings.WithLabelValues(controller, operation, outcome).Inc()
}

// Controller Metrics

// RecordDriftDetection counts an observed deviation.
func (m *Metrics) RecordDriftDetection(controller string) {
	if !m.enabled() {
		return
	}
	m.driftDetections.WithLabelValues(controller).Inc()
}

// RecordCorrection counts a corrective write.
func (m *Metrics) RecordCorrection(controller, status string) {
	if !m.enabled() {
		return
	}
	m.corrections.WithLabelValues(controller, status).Inc()
}

// Registry returns the underlying registry, or nil when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Timer provides a convenient way to time operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer was created.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if !m.enabled() {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// ServeMetrics serves the metrics endpoint on its own listener until ctx is done.
func (m *Metrics) ServeMetrics(ctx context.Context) error {
	if !m.enabled() || m.config.ListenAddress == "" {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(m.config.Path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
