package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/pitabwire/grantflow/model"
)

type envelopeBody struct {
	Error model.ErrorEnvelope `json:"error"`
}

func decodeEnvelope(t *testing.T, w *httptest.ResponseRecorder) model.ErrorEnvelope {
	t.Helper()
	var body envelopeBody
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode envelope: %v (%s)", err, w.Body.String())
	}
	return body.Error
}

func TestWriteError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode string
		status   int
	}{
		{"unknown workflow", model.NewWorkflowNotFoundError("req-1"), model.ErrWorkflowNotFound, http.StatusNotFound},
		{"abandoned request", model.NewWorkflowNotActiveError("request req-1 is abandoned"), model.ErrWorkflowNotActive, http.StatusConflict},
		{"wrapped idempotency conflict", fmt.Errorf("intake: %w", model.NewConflictError("ticket-9 reused")), model.ErrConflict, http.StatusConflict},
		{"state store down", model.NewBackendUnavailableError("state store"), model.ErrBackendUnavailable, http.StatusServiceUnavailable},
		{"plain error", errors.New("dial tcp 10.0.0.5:5432: connection refused"), model.ErrInternalError, http.StatusInternalServerError},
		{"unmapped code", &model.ErrorEnvelope{Code: "TEAPOT", Message: "?"}, "TEAPOT", http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			WriteError(w, tt.err)

			if w.Code != tt.status {
				t.Errorf("status = %d, want %d", w.Code, tt.status)
			}
			ee := decodeEnvelope(t, w)
			if ee.Code != tt.wantCode {
				t.Errorf("code = %q, want %q", ee.Code, tt.wantCode)
			}
			if strings.Contains(ee.Message, "10.0.0.5") {
				t.Error("internal error details leaked to the client")
			}
		})
	}
}

func TestHTTPStatus_conflicts(t *testing.T) {
	for _, code := range []string{model.ErrConflict, model.ErrInvalidTransition, model.ErrWorkflowNotActive} {
		if got := httpStatus(code); got != http.StatusConflict {
			t.Errorf("httpStatus(%s) = %d, want 409", code, got)
		}
	}
	if got := httpStatus(model.ErrBackendTimeout); got != http.StatusGatewayTimeout {
		t.Errorf("httpStatus(BACKEND_TIMEOUT) = %d", got)
	}
}

func TestWriteValidationError_carriesDetails(t *testing.T) {
	w := httptest.NewRecorder()
	WriteValidationError(w, []model.FieldError{
		{Field: "principal_name", Code: "INVALID_FORMAT", Message: "principal_name must be an identifier"},
		{Field: "requestor_address", Code: "REQUIRED", Message: "requestor_address is required"},
	})

	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", w.Code)
	}
	if ee := decodeEnvelope(t, w); len(ee.Details) != 2 || ee.Details[0].Field != "principal_name" {
		t.Errorf("details = %+v", ee.Details)
	}
}

func TestWriteList(t *testing.T) {
	w := httptest.NewRecorder()
	WriteList[model.WorkflowEvent](w, nil)

	if got := strings.TrimSpace(w.Body.String()); got != `{"data":[]}` {
		t.Errorf("body = %s, want an empty data array without paging", got)
	}
	if w.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Error("nosniff header missing")
	}
}

func TestWritePage(t *testing.T) {
	w := httptest.NewRecorder()
	WritePage(w, []model.AccountRequest{{ID: "req-1"}}, 50, 0)

	var body struct {
		Data   []model.AccountRequest `json:"data"`
		Limit  *int                   `json:"limit"`
		Offset *int                   `json:"offset"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if len(body.Data) != 1 || body.Limit == nil || *body.Limit != 50 || body.Offset == nil || *body.Offset != 0 {
		t.Errorf("page = %+v", body)
	}
}

func TestWithTraceID(t *testing.T) {
	orig := model.NewWorkflowNotActiveError("request is abandoned")

	stamped := withTraceID(fmt.Errorf("signal: %w", orig), "4bf92f3577b34da6")
	ee, ok := stamped.(*model.ErrorEnvelope)
	if !ok || ee.TraceID != "4bf92f3577b34da6" {
		t.Fatalf("stamped = %#v", stamped)
	}
	if orig.TraceID != "" {
		t.Error("original envelope was modified")
	}

	plain := errors.New("boom")
	if withTraceID(plain, "t") != plain {
		t.Error("non-envelope errors pass through unchanged")
	}
	if withTraceID(orig, "") != error(orig) {
		t.Error("empty trace ID leaves the error untouched")
	}
}

func TestRouteNotFound(t *testing.T) {
	w := httptest.NewRecorder()
	routeNotFound(w, httptest.NewRequest(http.MethodGet, "/v2/requests", nil))

	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d", w.Code)
	}
	if ee := decodeEnvelope(t, w); ee.Code != model.ErrNotFound || !strings.Contains(ee.Message, "/v2/requests") {
		t.Errorf("envelope = %+v", ee)
	}
}

func TestClassifyFailure(t *testing.T) {
	dialErr := fmt.Errorf("query request: %w", &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")})
	tests := []struct {
		name string
		err  error
		code string
	}{
		{"handler deadline", fmt.Errorf("get state: %w", context.DeadlineExceeded), model.ErrBackendTimeout},
		{"store unreachable", dialErr, model.ErrBackendUnavailable},
		{"envelope kept", model.NewWorkflowNotFoundError("req-1"), model.ErrWorkflowNotFound},
		{"other", errors.New("scan request: bad column"), model.ErrInternalError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			WriteError(w, classifyFailure(tt.err))
			if ee := decodeEnvelope(t, w); ee.Code != tt.code {
				t.Errorf("code = %q, want %q", ee.Code, tt.code)
			}
		})
	}
}
