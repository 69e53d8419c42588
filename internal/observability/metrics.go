package observability

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Histogram bucket definitions.
var (
	httpDurationBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	stepDurationBuckets = []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 300}
	approvalWaitBuckets = []float64{60, 600, 3600, 4 * 3600, 12 * 3600, 24 * 3600, 48 * 3600, 96 * 3600}
)

// Metrics holds all Prometheus metric instruments for the service. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Intake metrics
	RequestsCreatedTotal      prometheus.Counter
	ValidationFailuresTotal   *prometheus.CounterVec
	IdempotencyReplaysTotal   prometheus.Counter

	// Workflow metrics
	WorkflowStartsTotal      prometheus.Counter
	WorkflowTransitionsTotal *prometheus.CounterVec
	WorkflowCompletionsTotal *prometheus.CounterVec
	WorkflowActiveInstances  prometheus.Gauge
	ApprovalRemindersTotal   prometheus.Counter
	ApprovalDecisionsTotal   *prometheus.CounterVec
	ApprovalWaitDuration     prometheus.Histogram
	DuplicateSignalsTotal    prometheus.Counter

	// Provisioning metrics
	ProvisioningStepsTotal    *prometheus.CounterVec
	ProvisioningStepDuration  *prometheus.HistogramVec
	ProvisioningRetriesTotal  *prometheus.CounterVec
	ProvisioningBreakerState  *prometheus.GaugeVec

	// Notification metrics
	NotificationsTotal *prometheus.CounterVec
}

// InitMetrics creates and registers all Prometheus metric instruments.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		// HTTP
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "grantflow_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "grantflow_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: httpDurationBuckets,
		}, []string{"method", "path_pattern"}),

		// Intake
		RequestsCreatedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "grantflow_requests_created_total",
			Help: "Total number of accepted account requests.",
		}),
		ValidationFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "grantflow_validation_failures_total",
			Help: "Total number of field validation failures at intake.",
		}, []string{"field"}),
		IdempotencyReplaysTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "grantflow_idempotency_replays_total",
			Help: "Total number of intake calls answered from the idempotency store.",
		}),

		// Workflows
		WorkflowStartsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "grantflow_workflow_starts_total",
			Help: "Total number of workflow starts.",
		}),
		WorkflowTransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "grantflow_workflow_transitions_total",
			Help: "Total number of workflow status transitions.",
		}, []string{"from", "to"}),
		WorkflowCompletionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "grantflow_workflow_completions_total",
			Help: "Total number of workflows reaching a terminal status.",
		}, []string{"final_status"}),
		WorkflowActiveInstances: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "grantflow_workflow_active_instances",
			Help: "Number of workflows not yet in a terminal status.",
		}),
		ApprovalRemindersTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "grantflow_approval_reminders_total",
			Help: "Total number of approval reminders sent.",
		}),
		ApprovalDecisionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "grantflow_approval_decisions_total",
			Help: "Total number of approval decisions recorded.",
		}, []string{"decision"}),
		ApprovalWaitDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "grantflow_approval_wait_seconds",
			Help:    "Time between entering the approval gate and the decision.",
			Buckets: approvalWaitBuckets,
		}),
		DuplicateSignalsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "grantflow_duplicate_signals_total",
			Help: "Total number of ignored duplicate decision signals.",
		}),

		// Provisioning
		ProvisioningStepsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "grantflow_provisioning_steps_total",
			Help: "Total number of provisioning steps by outcome.",
		}, []string{"step", "outcome"}),
		ProvisioningStepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "grantflow_provisioning_step_duration_seconds",
			Help:    "Provisioning step duration in seconds, including retries.",
			Buckets: stepDurationBuckets,
		}, []string{"step"}),
		ProvisioningRetriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "grantflow_provisioning_retries_total",
			Help: "Total number of provisioning call retries.",
		}, []string{"step"}),
		ProvisioningBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "grantflow_provisioning_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open).",
		}, []string{"backend"}),

		// Notifications
		NotificationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "grantflow_notifications_total",
			Help: "Total number of notifications by kind and outcome.",
		}, []string{"kind", "outcome"}),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.RequestsCreatedTotal,
		m.ValidationFailuresTotal,
		m.IdempotencyReplaysTotal,
		m.WorkflowStartsTotal,
		m.WorkflowTransitionsTotal,
		m.WorkflowCompletionsTotal,
		m.WorkflowActiveInstances,
		m.ApprovalRemindersTotal,
		m.ApprovalDecisionsTotal,
		m.ApprovalWaitDuration,
		m.DuplicateSignalsTotal,
		m.ProvisioningStepsTotal,
		m.ProvisioningStepDuration,
		m.ProvisioningRetriesTotal,
		m.ProvisioningBreakerState,
		m.NotificationsTotal,
	)

	return m
}

// --- Recording helpers ---

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(method, pathPattern string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, pathPattern, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, pathPattern).Observe(duration.Seconds())
}

// RecordRequestCreated records an accepted account request.
func (m *Metrics) RecordRequestCreated() {
	if m == nil {
		return
	}
	m.RequestsCreatedTotal.Inc()
}

// RecordValidationFailure records one failing field at intake.
func (m *Metrics) RecordValidationFailure(field string) {
	if m == nil {
		return
	}
	m.ValidationFailuresTotal.WithLabelValues(field).Inc()
}

// RecordIdempotencyReplay records an intake call served from a stored result.
func (m *Metrics) RecordIdempotencyReplay() {
	if m == nil {
		return
	}
	m.IdempotencyReplaysTotal.Inc()
}

// RecordWorkflowStart records a new workflow instance.
func (m *Metrics) RecordWorkflowStart() {
	if m == nil {
		return
	}
	m.WorkflowStartsTotal.Inc()
	m.WorkflowActiveInstances.Inc()
}

// RecordTransition records a status transition, and a completion when the
// target status is terminal.
func (m *Metrics) RecordTransition(from, to string, terminal bool) {
	if m == nil {
		return
	}
	m.WorkflowTransitionsTotal.WithLabelValues(from, to).Inc()
	if terminal {
		m.WorkflowCompletionsTotal.WithLabelValues(to).Inc()
		m.WorkflowActiveInstances.Dec()
	}
}

// SetActiveWorkflows sets the active instance gauge, used after recovery.
func (m *Metrics) SetActiveWorkflows(n int) {
	if m == nil {
		return
	}
	m.WorkflowActiveInstances.Set(float64(n))
}

// RecordReminder records an approval reminder.
func (m *Metrics) RecordReminder() {
	if m == nil {
		return
	}
	m.ApprovalRemindersTotal.Inc()
}

// RecordDecision records an approval decision and how long it took.
func (m *Metrics) RecordDecision(approved bool, waited time.Duration) {
	if m == nil {
		return
	}
	label := "rejected"
	if approved {
		label = "approved"
	}
	m.ApprovalDecisionsTotal.WithLabelValues(label).Inc()
	if waited > 0 {
		m.ApprovalWaitDuration.Observe(waited.Seconds())
	}
}

// RecordDuplicateSignal records an ignored decision signal.
func (m *Metrics) RecordDuplicateSignal() {
	if m == nil {
		return
	}
	m.DuplicateSignalsTotal.Inc()
}

// RecordProvisioningStep records a provisioning step outcome
// (success, failed, skipped).
func (m *Metrics) RecordProvisioningStep(step, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.ProvisioningStepsTotal.WithLabelValues(step, outcome).Inc()
	if outcome != "skipped" {
		m.ProvisioningStepDuration.WithLabelValues(step).Observe(duration.Seconds())
	}
}

// RecordProvisioningRetry records a retried provisioning call.
func (m *Metrics) RecordProvisioningRetry(step string) {
	if m == nil {
		return
	}
	m.ProvisioningRetriesTotal.WithLabelValues(step).Inc()
}

// SetBreakerState sets the circuit breaker state for a backend.
// State: 0=closed, 1=half-open, 2=open.
func (m *Metrics) SetBreakerState(backend string, state float64) {
	if m == nil {
		return
	}
	m.ProvisioningBreakerState.WithLabelValues(backend).Set(state)
}

// RecordNotification records a notification delivery outcome
// (sent, failed).
func (m *Metrics) RecordNotification(kind, outcome string) {
	if m == nil {
		return
	}
	m.NotificationsTotal.WithLabelValues(kind, outcome).Inc()
}

// --- HTTP Middleware ---

// MetricsMiddleware returns HTTP middleware that records request metrics using
// chi's route pattern (not the actual URL path) to avoid label cardinality
// explosion.
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		m.RecordHTTPRequest(r.Method, routePattern(r), wrappedStatus(ww), time.Since(start))
	})
}

// Handler returns the Prometheus HTTP handler for the /metrics endpoint.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// routePattern extracts chi's route pattern from the request context.
// Falls back to the raw URL path if no pattern is found.
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return r.URL.Path
	}
	pattern := strings.Join(rctx.RoutePatterns, "")
	pattern = strings.TrimSuffix(pattern, "/*")
	if pattern == "" {
		return r.URL.Path
	}
	return pattern
}

// wrappedStatus reports the status written through ww; handlers that only
// call Write imply 200.
func wrappedStatus(ww middleware.WrapResponseWriter) int {
	if st := ww.Status(); st != 0 {
		return st
	}
	return http.StatusOK
}
