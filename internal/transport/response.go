// Package transport is the HTTP adapter: router, middleware chain and the
// handlers for account requests and their workflows.
package transport

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/pitabwire/grantflow/model"
)

// httpStatus maps an ErrorEnvelope code to its HTTP status. Unknown codes
// are treated as server errors.
func httpStatus(code string) int {
	switch code {
	case model.ErrBadRequest:
		return http.StatusBadRequest
	case model.ErrNotFound, model.ErrWorkflowNotFound:
		return http.StatusNotFound
	case model.ErrConflict, model.ErrInvalidTransition, model.ErrWorkflowNotActive:
		return http.StatusConflict
	case model.ErrValidationError:
		return http.StatusUnprocessableEntity
	case model.ErrBackendUnavailable:
		return http.StatusServiceUnavailable
	case model.ErrBackendTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// WriteJSON encodes body with the given status. A nil body writes headers
// only.
func WriteJSON(w http.ResponseWriter, status int, body any) {
	h := w.Header()
	h.Set("Content-Type", "application/json; charset=utf-8")
	h.Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	if body == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(body)
}

// listResponse wraps collection endpoints. Paging fields are omitted for
// the per-request audit lists, which are never paged.
type listResponse[T any] struct {
	Data   []T  `json:"data"`
	Limit  *int `json:"limit,omitempty"`
	Offset *int `json:"offset,omitempty"`
}

// WriteList writes items as {"data": [...]}, never null.
func WriteList[T any](w http.ResponseWriter, items []T) {
	if items == nil {
		items = []T{}
	}
	WriteJSON(w, http.StatusOK, listResponse[T]{Data: items})
}

// WritePage is WriteList with the applied limit and offset echoed back.
func WritePage[T any](w http.ResponseWriter, items []T, limit, offset int) {
	if items == nil {
		items = []T{}
	}
	WriteJSON(w, http.StatusOK, listResponse[T]{Data: items, Limit: &limit, Offset: &offset})
}

// WriteError writes err as {"error": envelope}. Anything that is not an
// ErrorEnvelope is reported as INTERNAL_ERROR without its message.
func WriteError(w http.ResponseWriter, err error) {
	var ee *model.ErrorEnvelope
	if !errors.As(err, &ee) {
		ee = model.NewInternalError()
	}
	WriteJSON(w, httpStatus(ee.Code), struct {
		Error *model.ErrorEnvelope `json:"error"`
	}{ee})
}

// WriteValidationError writes a 422 carrying per-field details.
func WriteValidationError(w http.ResponseWriter, details []model.FieldError) {
	WriteError(w, model.NewValidationError(details))
}

// withTraceID stamps traceID on a copy of the envelope in err.
func withTraceID(err error, traceID string) error {
	var ee *model.ErrorEnvelope
	if traceID == "" || !errors.As(err, &ee) {
		return err
	}
	stamped := *ee
	stamped.TraceID = traceID
	return &stamped
}

// routeNotFound replaces chi's plain-text 404 so unknown paths still get an
// error envelope.
func routeNotFound(w http.ResponseWriter, r *http.Request) {
	WriteError(w, model.NewNotFoundError("no route for "+r.Method+" "+r.URL.Path))
}
