package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/grantflow/model"
)

func handleFor(r *http.Request) model.WorkflowHandle {
	return model.WorkflowHandle{RequestID: chi.URLParam(r, "requestId")}
}

func (h *handlers) startWorkflow(w http.ResponseWriter, r *http.Request) {
	handle, err := h.workflows.StartWorkflow(r.Context(), chi.URLParam(r, "requestId"))
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, handle)
}

func (h *handlers) queryWorkflow(w http.ResponseWriter, r *http.Request) {
	st, err := h.workflows.QueryState(r.Context(), handleFor(r))
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, st)
}

// decisionBody is the decision payload. Approved is a pointer so that a
// missing field is rejected rather than read as a rejection.
type decisionBody struct {
	Approved *bool  `json:"approved"`
	Approver string `json:"approver"`
	Comments string `json:"comments"`
}

// signalDecision accepts a JSON body, or an empty body with
// ?action=approve|reject as sent by notification links. The approver falls
// back to the X-Actor header.
func (h *handlers) signalDecision(w http.ResponseWriter, r *http.Request) {
	var body decisionBody
	if r.ContentLength != 0 {
		if err := decodeBody(r, &body); err != nil {
			h.respondError(w, r, err)
			return
		}
	}
	if body.Approved == nil {
		approved, ok := parseAction(r.URL.Query().Get("action"))
		if !ok {
			WriteValidationError(w, []model.FieldError{{
				Field:   "approved",
				Code:    "REQUIRED",
				Message: "approved is required (or ?action=approve|reject)",
			}})
			return
		}
		body.Approved = &approved
	}
	if body.Approver == "" {
		if actor := model.ActorFrom(r.Context()); actor != model.SystemActor {
			body.Approver = actor
		}
	}

	handle := handleFor(r)
	sig := model.DecisionSignal{
		Approved: *body.Approved,
		Approver: body.Approver,
		Comments: body.Comments,
	}
	if err := h.workflows.SignalDecision(r.Context(), handle, sig); err != nil {
		h.respondError(w, r, err)
		return
	}

	st, err := h.workflows.QueryState(r.Context(), handle)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusAccepted, st)
}

func parseAction(action string) (approved, ok bool) {
	switch action {
	case "approve":
		return true, true
	case "reject":
		return false, true
	}
	return false, false
}

func (h *handlers) listOperations(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "requestId")
	if _, err := h.intake.GetRequest(r.Context(), id); err != nil {
		h.respondError(w, r, err)
		return
	}
	ops, err := h.audit.ListOperations(r.Context(), id)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	WriteList(w, ops)
}

func (h *handlers) listEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "requestId")
	if _, err := h.intake.GetRequest(r.Context(), id); err != nil {
		h.respondError(w, r, err)
		return
	}
	events, err := h.audit.ListEvents(r.Context(), id)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	WriteList(w, events)
}
