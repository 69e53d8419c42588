package observability

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func newTestMetrics(t *testing.T) (*Metrics, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	m := InitMetrics(reg)
	return m, reg
}

func TestInitMetrics_registersAllMetrics(t *testing.T) {
	m, reg := newTestMetrics(t)

	// Record a value for each vector so they appear in Gather.
	m.RecordHTTPRequest("GET", "/test", 200, time.Millisecond)
	m.RecordRequestCreated()
	m.RecordValidationFailure("principal_name")
	m.RecordIdempotencyReplay()
	m.RecordWorkflowStart()
	m.RecordTransition("received", "validating", false)
	m.RecordTransition("provisioning", "provisioned", true)
	m.RecordReminder()
	m.RecordDecision(true, time.Hour)
	m.RecordDuplicateSignal()
	m.RecordProvisioningStep("create_login", "success", time.Second)
	m.RecordProvisioningRetry("create_login")
	m.SetBreakerState("http", 0)
	m.RecordNotification("approval_request", "sent")

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}

	expected := []string{
		"grantflow_http_requests_total",
		"grantflow_http_request_duration_seconds",
		"grantflow_requests_created_total",
		"grantflow_validation_failures_total",
		"grantflow_idempotency_replays_total",
		"grantflow_workflow_starts_total",
		"grantflow_workflow_transitions_total",
		"grantflow_workflow_completions_total",
		"grantflow_workflow_active_instances",
		"grantflow_approval_reminders_total",
		"grantflow_approval_decisions_total",
		"grantflow_approval_wait_seconds",
		"grantflow_duplicate_signals_total",
		"grantflow_provisioning_steps_total",
		"grantflow_provisioning_step_duration_seconds",
		"grantflow_provisioning_retries_total",
		"grantflow_provisioning_circuit_breaker_state",
		"grantflow_notifications_total",
	}
	for _, name := range expected {
		if !names[name] {
			t.Errorf("metric %q not registered", name)
		}
	}
}

func TestMetrics_nilIsNoop(t *testing.T) {
	var m *Metrics
	// None of these may panic.
	m.RecordHTTPRequest("GET", "/", 200, time.Millisecond)
	m.RecordWorkflowStart()
	m.RecordTransition("a", "b", true)
	m.RecordDecision(false, 0)
	m.RecordProvisioningStep("assign_role", "failed", time.Second)
	m.RecordNotification("reminder", "failed")
	m.SetActiveWorkflows(3)
}

func TestRecordTransition_tracksActiveInstances(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordWorkflowStart()
	m.RecordWorkflowStart()
	m.RecordTransition("awaiting_approval", "rejected", true)

	if v := testutil.ToFloat64(m.WorkflowActiveInstances); v != 1 {
		t.Errorf("active = %v, want 1", v)
	}
	if v := testutil.ToFloat64(m.WorkflowCompletionsTotal.WithLabelValues("rejected")); v != 1 {
		t.Errorf("completions{rejected} = %v, want 1", v)
	}
	if v := testutil.ToFloat64(m.WorkflowTransitionsTotal.WithLabelValues("awaiting_approval", "rejected")); v != 1 {
		t.Errorf("transitions = %v, want 1", v)
	}
}

func TestRecordDecision_labels(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordDecision(true, 2*time.Hour)
	m.RecordDecision(false, 0)

	if v := testutil.ToFloat64(m.ApprovalDecisionsTotal.WithLabelValues("approved")); v != 1 {
		t.Errorf("approved = %v", v)
	}
	if v := testutil.ToFloat64(m.ApprovalDecisionsTotal.WithLabelValues("rejected")); v != 1 {
		t.Errorf("rejected = %v", v)
	}
	if count := testutil.CollectAndCount(m.ApprovalWaitDuration); count != 1 {
		t.Errorf("wait histogram series = %d, want 1", count)
	}
}

func TestRecordProvisioningStep_skippedHasNoDuration(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordProvisioningStep("create_login", "skipped", 0)
	if v := testutil.ToFloat64(m.ProvisioningStepsTotal.WithLabelValues("create_login", "skipped")); v != 1 {
		t.Errorf("skipped = %v", v)
	}
	if count := testutil.CollectAndCount(m.ProvisioningStepDuration); count != 0 {
		t.Errorf("duration series = %d, want 0", count)
	}
}

func TestMetricsMiddleware_recordsRoutePattern(t *testing.T) {
	m, _ := newTestMetrics(t)

	r := chi.NewRouter()
	r.Use(m.MetricsMiddleware)
	r.Get("/v1/requests/{requestId}", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})

	req := httptest.NewRequest(http.MethodGet, "/v1/requests/req-123", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	val := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "/v1/requests/{requestId}", "200"))
	if val != 1 {
		t.Errorf("requests total = %v, want 1", val)
	}
}

func TestMetricsMiddleware_capturesStatusCode(t *testing.T) {
	m, _ := newTestMetrics(t)

	r := chi.NewRouter()
	r.Use(m.MetricsMiddleware)
	r.Post("/v1/requests", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
	})

	req := httptest.NewRequest(http.MethodPost, "/v1/requests", nil)
	r.ServeHTTP(httptest.NewRecorder(), req)

	val := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("POST", "/v1/requests", "422"))
	if val != 1 {
		t.Errorf("422 requests = %v, want 1", val)
	}
}

func TestMetricsMiddleware_fallsBackToPath(t *testing.T) {
	m, _ := newTestMetrics(t)

	handler := m.MetricsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/raw/path", nil))

	val := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "/raw/path", "200"))
	if val != 1 {
		t.Errorf("raw path requests = %v, want 1", val)
	}
}

func TestHandler_servesRegistry(t *testing.T) {
	m, reg := newTestMetrics(t)
	m.RecordRequestCreated()

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "grantflow_requests_created_total 1") {
		t.Errorf("metrics body missing counter:\n%s", rec.Body.String())
	}
}

func TestHistogramBuckets_sorted(t *testing.T) {
	for name, buckets := range map[string][]float64{
		"http":     httpDurationBuckets,
		"step":     stepDurationBuckets,
		"approval": approvalWaitBuckets,
	} {
		for i := 1; i < len(buckets); i++ {
			if buckets[i] <= buckets[i-1] {
				t.Errorf("%s buckets not ascending at %d", name, i)
			}
		}
	}
}
