// Package integration runs the grantflow HTTP surface end to end against a
// mock provisioning API, an in-memory state store and a manual clock.
package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/pitabwire/grantflow/internal/config"
	"github.com/pitabwire/grantflow/internal/intake"
	"github.com/pitabwire/grantflow/internal/notification"
	"github.com/pitabwire/grantflow/internal/observability"
	"github.com/pitabwire/grantflow/internal/provisioning"
	"github.com/pitabwire/grantflow/internal/retry"
	"github.com/pitabwire/grantflow/internal/transport"
	"github.com/pitabwire/grantflow/internal/validation"
	"github.com/pitabwire/grantflow/internal/workflow"
	"github.com/pitabwire/grantflow/model"
)

// StartTime is the manual clock's initial reading.
var StartTime = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

const approverAddress = "slack:#dba-approvals"

// TestHarness is a fully wired grantflow instance.
type TestHarness struct {
	t      *testing.T
	server *httptest.Server

	API         *ProvisioningAPI
	Clock       *workflow.ManualClock
	Store       *workflow.MemoryStore
	Engine      *workflow.Engine
	Provisioner *provisioning.HTTPProvisioner
	Outbox      *Outbox
	Registry    *prometheus.Registry

	cfg *config.Config
}

// HarnessOption configures the test harness.
type HarnessOption func(*harnessConfig)

type harnessConfig struct {
	stepAttempts     int
	breakerThreshold int
	breakerTimeout   time.Duration
	maxReminders     int
	handlerTimeout   time.Duration
}

// WithStepAttempts sets how many times a provisioning step is tried.
func WithStepAttempts(n int) HarnessOption {
	return func(c *harnessConfig) { c.stepAttempts = n }
}

// WithBreaker sets the provisioner's consecutive failure threshold and open
// timeout.
func WithBreaker(threshold int, timeout time.Duration) HarnessOption {
	return func(c *harnessConfig) {
		c.breakerThreshold = threshold
		c.breakerTimeout = timeout
	}
}

// WithMaxReminders sets the reminder limit of the approval gate.
func WithMaxReminders(n int) HarnessOption {
	return func(c *harnessConfig) { c.maxReminders = n }
}

// Outbox captures every notification the dispatcher delivers.
type Outbox struct {
	mu   sync.Mutex
	msgs []notification.Message
}

// Send implements notification.Sender.
func (o *Outbox) Send(_ context.Context, msg notification.Message) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.msgs = append(o.msgs, msg)
	return nil
}

// Len returns the number of delivered messages.
func (o *Outbox) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.msgs)
}

// Messages returns delivered messages of one kind for one request.
func (o *Outbox) Messages(requestID, kind string) []notification.Message {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []notification.Message
	for _, m := range o.msgs {
		if m.RequestID == requestID && m.Kind == kind {
			out = append(out, m)
		}
	}
	return out
}

// NewTestHarness builds and starts a grantflow instance. Everything is torn
// down when the test completes.
func NewTestHarness(t *testing.T, opts ...HarnessOption) *TestHarness {
	t.Helper()

	hc := &harnessConfig{
		stepAttempts:     3,
		breakerThreshold: 10,
		breakerTimeout:   time.Minute,
		maxReminders:     3,
		handlerTimeout:   10 * time.Second,
	}
	for _, opt := range opts {
		opt(hc)
	}

	h := &TestHarness{
		t:        t,
		API:      newProvisioningAPI(t),
		Clock:    workflow.NewManualClock(StartTime),
		Store:    workflow.NewMemoryStore(),
		Outbox:   &Outbox{},
		Registry: prometheus.NewRegistry(),
	}

	// The server starts first so notification links can carry its URL.
	var router http.Handler
	h.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		router.ServeHTTP(w, r)
	}))
	t.Cleanup(h.server.Close)

	cfg := config.Defaults()
	cfg.Server.HandlerTimeout = hc.handlerTimeout
	cfg.Server.CORS.AllowedOrigins = []string{"http://localhost:3000"}
	cfg.Approval.ApproverAddress = approverAddress
	cfg.Approval.MaxReminders = hc.maxReminders
	cfg.Approval.ActionBaseURL = h.server.URL
	cfg.Provisioning.HTTP.BaseURL = h.API.URL()
	cfg.Provisioning.HTTP.Timeout = 2 * time.Second
	cfg.Provisioning.RateLimit.PerSecond = 0
	cfg.Provisioning.CircuitBreaker.FailureThreshold = hc.breakerThreshold
	cfg.Provisioning.CircuitBreaker.Timeout = hc.breakerTimeout
	h.cfg = cfg

	logger := zap.NewNop()
	metrics := observability.InitMetrics(h.Registry)

	h.Provisioner = provisioning.NewHTTPProvisioner(cfg.Provisioning, metrics, logger,
		provisioning.WithBreakerClock(h.Clock.Now))

	stepPolicy := retry.Policy{
		MaxAttempts: hc.stepAttempts,
		Initial:     time.Millisecond,
		Multiplier:  1,
		Max:         2 * time.Millisecond,
	}
	executor := provisioning.NewExecutor(h.Provisioner, h.Store, stepPolicy, metrics, logger,
		provisioning.WithNow(h.Clock.Now))

	dispatcher := notification.NewDispatcher(h.Outbox, notification.DispatcherConfig{
		ActionBaseURL: cfg.Approval.ActionBaseURL,
		MaxReminders:  cfg.Approval.MaxReminders,
		Retry:         retry.Policy{MaxAttempts: 1, Initial: time.Millisecond, Multiplier: 1, Max: time.Millisecond},
	}, metrics, logger)

	validator := validation.NewValidator(cfg.Provisioning.DefaultRole)
	h.Engine = workflow.NewEngine(h.Store, validator, executor, dispatcher, workflow.GateConfigFrom(cfg.Approval),
		workflow.WithClock(h.Clock),
		workflow.WithSynchronousRuns(),
		workflow.WithMetrics(metrics),
		workflow.WithLogger(logger),
	)
	t.Cleanup(func() { _ = h.Engine.Shutdown(context.Background()) })

	svc := intake.NewService(validator, h.Store, h.Engine,
		intake.WithIdempotency(intake.NewMemoryIdempotencyStore(), time.Hour),
		intake.WithNow(h.Clock.Now),
		intake.WithMetrics(metrics),
		intake.WithLogger(logger),
	)

	router = transport.NewRouter(transport.Dependencies{
		Config:    cfg,
		Intake:    svc,
		Workflows: h.Engine,
		Audit:     h.Store,
		Logger:    logger,
		Metrics:   metrics,
		Gatherer:  h.Registry,
		Readiness: observability.ReadinessChecks{
			Recovered: h.Engine.Recovered,
			Dependencies: map[string]observability.HealthChecker{
				"state_store":      h.Store,
				"provisioning_api": h.Provisioner,
			},
		},
	})

	if err := h.Engine.Recover(context.Background()); err != nil {
		t.Fatalf("recover: %v", err)
	}
	return h
}

// BaseURL returns the test server's base URL.
func (h *TestHarness) BaseURL() string {
	return h.server.URL
}

// Advance moves the manual clock, firing any approval timers that fall due.
func (h *TestHarness) Advance(d time.Duration) {
	h.Clock.Advance(d)
}

// --- HTTP client helpers ---

// GET performs a GET request.
func (h *TestHarness) GET(path string) *http.Response {
	h.t.Helper()
	return h.Do(http.MethodGet, path, nil, nil)
}

// POST performs a POST request with a JSON body.
func (h *TestHarness) POST(path string, body any, headers map[string]string) *http.Response {
	h.t.Helper()
	return h.Do(http.MethodPost, path, body, headers)
}

// Do sends a request to the server. path may be relative or a full URL.
func (h *TestHarness) Do(method, path string, body any, headers map[string]string) *http.Response {
	h.t.Helper()

	target := path
	if !strings.HasPrefix(path, "http") {
		target = h.server.URL + path
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			h.t.Fatalf("marshal request body: %v", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(context.Background(), method, target, reader)
	if err != nil {
		h.t.Fatalf("create request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		h.t.Fatalf("%s %s failed: %v", method, path, err)
	}
	return resp
}

// ParseJSON reads the response body and unmarshals it into target.
func (h *TestHarness) ParseJSON(resp *http.Response, target any) {
	h.t.Helper()
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatalf("read response body: %v", err)
	}
	if err := json.Unmarshal(data, target); err != nil {
		h.t.Fatalf("unmarshal response body: %v\nbody: %s", err, string(data))
	}
}

// AssertJSON checks the status code and parses the body.
func (h *TestHarness) AssertJSON(t *testing.T, resp *http.Response, expected int, target any) {
	t.Helper()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Fatalf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
	h.ParseJSON(resp, target)
}

// --- Domain helpers ---

// CreatedRequest is the body of a create response.
type CreatedRequest struct {
	Request  model.AccountRequest `json:"request"`
	Workflow model.WorkflowHandle `json:"workflow"`
}

// APIError is the body of an error response.
type APIError struct {
	Error model.ErrorEnvelope `json:"error"`
}

// RequestFixture returns a valid create body for principal.
func RequestFixture(principal string) map[string]any {
	return map[string]any{
		"principal_name":    principal,
		"server_name":       "sql-prod-01",
		"database_name":     "sales",
		"role_name":         "db_datareader",
		"requestor_address": "alice@example.com",
		"justification":     "Nightly sales reporting job",
	}
}

// Submit creates a request and expects 201.
func (h *TestHarness) Submit(t *testing.T, body map[string]any) CreatedRequest {
	t.Helper()
	var out CreatedRequest
	h.AssertJSON(t, h.POST("/v1/requests", body, map[string]string{"X-Actor": "alice"}), http.StatusCreated, &out)
	return out
}

// Decide posts a decision and returns the response.
func (h *TestHarness) Decide(requestID string, approved bool, approver, comments string) *http.Response {
	h.t.Helper()
	return h.POST("/v1/requests/"+requestID+"/decision", map[string]any{
		"approved": approved,
		"approver": approver,
		"comments": comments,
	}, nil)
}

// State queries the workflow state of a request.
func (h *TestHarness) State(t *testing.T, requestID string) model.WorkflowState {
	t.Helper()
	var st model.WorkflowState
	h.AssertJSON(t, h.GET("/v1/requests/"+requestID+"/workflow"), http.StatusOK, &st)
	return st
}

// Operations lists the provisioning operations of a request.
func (h *TestHarness) Operations(t *testing.T, requestID string) []model.OperationResult {
	t.Helper()
	var out struct {
		Data []model.OperationResult `json:"data"`
	}
	h.AssertJSON(t, h.GET("/v1/requests/"+requestID+"/operations"), http.StatusOK, &out)
	return out.Data
}

// Events lists the audit events of a request and returns their names.
func (h *TestHarness) Events(t *testing.T, requestID string) []string {
	t.Helper()
	var out struct {
		Data []model.WorkflowEvent `json:"data"`
	}
	h.AssertJSON(t, h.GET("/v1/requests/"+requestID+"/events"), http.StatusOK, &out)
	names := make([]string, 0, len(out.Data))
	for _, ev := range out.Data {
		names = append(names, ev.Event)
	}
	return names
}

// ActionLink extracts the approve or reject link from an approval message.
func ActionLink(msg notification.Message, action string) (string, error) {
	marker := "/decision?action=" + action
	for _, field := range strings.Fields(msg.Body) {
		if strings.Contains(field, marker) {
			return strings.Trim(field, "<>()[]\"'"), nil
		}
	}
	return "", fmt.Errorf("no %s link in message body", action)
}
