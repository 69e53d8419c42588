package integration

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/pitabwire/grantflow/model"
)

// ProvisioningAPI is a scripted stand-in for the provisioning REST API. Each
// step has a queue of responses; the last one repeats once the queue drains.
// Unscripted steps answer 201. Every call is recorded for assertions.
type ProvisioningAPI struct {
	server *httptest.Server

	mu       sync.Mutex
	scripts  map[string]*stepScript
	received map[string][]*RecordedCall
	healthy  bool
}

// RecordedCall captures one request received by the mock.
type RecordedCall struct {
	Path           string
	IdempotencyKey string
	CorrelationID  string
	Body           map[string]any
	ReceivedAt     time.Time
}

type stepScript struct {
	responses []scriptedResponse
	next      int
}

type scriptedResponse struct {
	status    int
	message   string
	connError bool
}

// StepMock configures the responses of one provisioning step.
type StepMock struct {
	api  *ProvisioningAPI
	step string
}

// provisioningRoutes maps step names to the API paths they call.
var provisioningRoutes = map[string]string{
	model.StepCreateLogin:        "/v1/logins",
	model.StepCreateDatabaseUser: "/v1/database-users",
	model.StepAssignRole:         "/v1/role-assignments",
}

// newProvisioningAPI starts the mock server.
func newProvisioningAPI(t *testing.T) *ProvisioningAPI {
	t.Helper()

	api := &ProvisioningAPI{
		scripts:  make(map[string]*stepScript),
		received: make(map[string][]*RecordedCall),
		healthy:  true,
	}

	mux := http.NewServeMux()
	for step, path := range provisioningRoutes {
		mux.HandleFunc("POST "+path, api.handleStep(step))
	}
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		api.mu.Lock()
		healthy := api.healthy
		api.mu.Unlock()
		if !healthy {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	api.server = httptest.NewServer(mux)
	t.Cleanup(api.server.Close)
	return api
}

// URL returns the base URL of the mock.
func (api *ProvisioningAPI) URL() string {
	return api.server.URL
}

// SetHealthy toggles the /healthz answer.
func (api *ProvisioningAPI) SetHealthy(ok bool) {
	api.mu.Lock()
	defer api.mu.Unlock()
	api.healthy = ok
}

// OnStep returns a builder for the named step.
func (api *ProvisioningAPI) OnStep(step string) *StepMock {
	return &StepMock{api: api, step: step}
}

// Respond queues a status with an optional error message.
func (m *StepMock) Respond(status int, message string) *StepMock {
	m.api.push(m.step, scriptedResponse{status: status, message: message})
	return m
}

// RespondTimes queues the same status n times.
func (m *StepMock) RespondTimes(n, status int, message string) *StepMock {
	for i := 0; i < n; i++ {
		m.Respond(status, message)
	}
	return m
}

// DropConnection queues a response that closes the connection without
// answering.
func (m *StepMock) DropConnection() *StepMock {
	m.api.push(m.step, scriptedResponse{connError: true})
	return m
}

func (api *ProvisioningAPI) push(step string, resp scriptedResponse) {
	api.mu.Lock()
	defer api.mu.Unlock()
	s, ok := api.scripts[step]
	if !ok {
		s = &stepScript{}
		api.scripts[step] = s
	}
	s.responses = append(s.responses, resp)
}

func (api *ProvisioningAPI) nextResponse(step string) (scriptedResponse, bool) {
	api.mu.Lock()
	defer api.mu.Unlock()
	s, ok := api.scripts[step]
	if !ok || len(s.responses) == 0 {
		return scriptedResponse{}, false
	}
	idx := s.next
	if idx >= len(s.responses) {
		idx = len(s.responses) - 1
	} else {
		s.next++
	}
	return s.responses[idx], true
}

func (api *ProvisioningAPI) handleStep(step string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		call := &RecordedCall{
			Path:           r.URL.Path,
			IdempotencyKey: r.Header.Get("Idempotency-Key"),
			CorrelationID:  r.Header.Get("X-Correlation-Id"),
			ReceivedAt:     time.Now(),
		}
		if raw, err := io.ReadAll(r.Body); err == nil && len(raw) > 0 {
			_ = json.Unmarshal(raw, &call.Body)
		}

		api.mu.Lock()
		api.received[step] = append(api.received[step], call)
		api.mu.Unlock()

		resp, ok := api.nextResponse(step)
		if !ok {
			resp = scriptedResponse{status: http.StatusCreated}
		}

		if resp.connError {
			if hj, ok := w.(http.Hijacker); ok {
				if conn, _, _ := hj.Hijack(); conn != nil {
					conn.Close()
				}
			}
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(resp.status)
		if resp.status >= 400 {
			_ = json.NewEncoder(w).Encode(map[string]string{"message": resp.message})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	}
}

// Calls returns the requests recorded for a step.
func (api *ProvisioningAPI) Calls(step string) []*RecordedCall {
	api.mu.Lock()
	defer api.mu.Unlock()
	out := make([]*RecordedCall, len(api.received[step]))
	copy(out, api.received[step])
	return out
}

// AssertCalled verifies the number of calls a step received.
func (api *ProvisioningAPI) AssertCalled(t *testing.T, step string, want int) {
	t.Helper()
	if got := len(api.Calls(step)); got != want {
		t.Errorf("provisioning api: %s called %d times, want %d", step, got, want)
	}
}

// AssertNotCalled verifies a step was never called.
func (api *ProvisioningAPI) AssertNotCalled(t *testing.T, step string) {
	t.Helper()
	api.AssertCalled(t, step, 0)
}

// String describes the recorded traffic, for failure messages.
func (api *ProvisioningAPI) String() string {
	api.mu.Lock()
	defer api.mu.Unlock()
	return fmt.Sprintf("logins=%d database_users=%d role_assignments=%d",
		len(api.received[model.StepCreateLogin]),
		len(api.received[model.StepCreateDatabaseUser]),
		len(api.received[model.StepAssignRole]))
}
