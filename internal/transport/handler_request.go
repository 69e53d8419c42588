package transport

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pitabwire/grantflow/internal/observability"
	"github.com/pitabwire/grantflow/model"
)

const maxBodyBytes = 64 << 10

type handlers struct {
	intake    Intake
	workflows Workflows
	audit     AuditLog
	logger    *zap.Logger
}

// requestResponse is the body returned for a created or fetched request.
type requestResponse struct {
	Request  model.AccountRequest  `json:"request"`
	Workflow *model.WorkflowHandle `json:"workflow,omitempty"`
}

func (h *handlers) createRequest(w http.ResponseWriter, r *http.Request) {
	var fields model.RequestFields
	if err := decodeBody(r, &fields); err != nil {
		h.respondError(w, r, err)
		return
	}

	sub, err := h.intake.CreateRequest(r.Context(), fields, r.Header.Get(headerIdempotencyKey))
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	status := http.StatusCreated
	if sub.Replayed {
		status = http.StatusOK
		w.Header().Set("Idempotent-Replayed", "true")
	}
	w.Header().Set("Location", "/v1/requests/"+sub.Request.ID)
	WriteJSON(w, status, requestResponse{Request: sub.Request, Workflow: &sub.Handle})
}

func (h *handlers) listRequests(w http.ResponseWriter, r *http.Request) {
	filters, err := parseFilters(r)
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	requests, err := h.intake.ListRequests(r.Context(), filters)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	WritePage(w, requests, filters.Limit, filters.Offset)
}

func (h *handlers) getRequest(w http.ResponseWriter, r *http.Request) {
	req, err := h.intake.GetRequest(r.Context(), chi.URLParam(r, "requestId"))
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, requestResponse{Request: req})
}

// respondError writes err with the current trace ID. Server-side failures
// are logged with the underlying error, which the client never sees.
func (h *handlers) respondError(w http.ResponseWriter, r *http.Request, err error) {
	var ee *model.ErrorEnvelope
	if !errors.As(err, &ee) || httpStatus(ee.Code) >= http.StatusInternalServerError {
		observability.RequestLogger(r.Context(), h.logger).Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
	}
	WriteError(w, withTraceID(classifyFailure(err), observability.TraceIDFromContext(r.Context())))
}

// classifyFailure turns storage failures that reached the handler unwrapped
// into envelopes a client can retry on. Anything else is left for
// WriteError to report as INTERNAL_ERROR.
func classifyFailure(err error) error {
	var ee *model.ErrorEnvelope
	if errors.As(err, &ee) {
		return err
	}
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return model.NewBackendTimeoutError("storage backend")
	case errors.As(err, &netErr):
		return model.NewBackendUnavailableError("storage backend")
	}
	return err
}

// decodeBody reads a JSON body into v, rejecting unknown fields.
func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return model.NewBadRequestError("request body is required")
		}
		return model.NewBadRequestError("invalid JSON body: " + err.Error())
	}
	return nil
}

func parseFilters(r *http.Request) (model.RequestFilters, error) {
	q := r.URL.Query()
	var f model.RequestFilters

	if s := q.Get("status"); s != "" {
		status, ok := model.ParseStatus(s)
		if !ok {
			return f, model.NewBadRequestError("unknown status " + strconv.Quote(s))
		}
		f.Status = status
	}

	var err error
	if f.From, err = queryTime(q.Get("from"), "from"); err != nil {
		return f, err
	}
	if f.To, err = queryTime(q.Get("to"), "to"); err != nil {
		return f, err
	}
	if f.Limit, err = queryInt(q.Get("limit"), "limit"); err != nil {
		return f, err
	}
	if f.Offset, err = queryInt(q.Get("offset"), "offset"); err != nil {
		return f, err
	}
	return f, nil
}

func queryTime(raw, name string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, model.NewBadRequestError(name + " must be an RFC 3339 timestamp")
	}
	return t, nil
}

func queryInt(raw, name string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, model.NewBadRequestError(name + " must be an integer")
	}
	return n, nil
}
