package workflow

import (
	"context"
	"time"

	"github.com/pitabwire/grantflow/model"
)

// RequestStore persists account requests.
type RequestStore interface {
	// CreateRequest persists a new request. Returns CONFLICT if the ID is
	// already taken.
	CreateRequest(ctx context.Context, req model.AccountRequest) error

	// GetRequest retrieves a request by ID. Returns NOT_FOUND if absent.
	GetRequest(ctx context.Context, id string) (model.AccountRequest, error)

	// ListRequests returns requests matching the filters, oldest first.
	ListRequests(ctx context.Context, filters model.RequestFilters) ([]model.AccountRequest, error)
}

// StateStore persists the single WorkflowState of each request.
type StateStore interface {
	// CreateState persists the initial state of a workflow. Returns CONFLICT
	// if the request already has one.
	CreateState(ctx context.Context, st model.WorkflowState) error

	// GetState retrieves the state for a request. Returns NOT_FOUND if the
	// request has no workflow.
	GetState(ctx context.Context, requestID string) (model.WorkflowState, error)

	// UpdateState persists st with optimistic locking. st.Version must match
	// the stored version; the returned state carries the new version. The
	// owning request's Status is updated in the same write.
	UpdateState(ctx context.Context, st model.WorkflowState) (model.WorkflowState, error)

	// FindDue returns non-terminal states whose WakeAt is at or before cutoff.
	FindDue(ctx context.Context, cutoff time.Time) ([]model.WorkflowState, error)

	// FindNonTerminal returns every state that has not reached a terminal
	// status.
	FindNonTerminal(ctx context.Context) ([]model.WorkflowState, error)
}

// DecisionStore persists approval decisions.
type DecisionStore interface {
	// SaveDecision records the decision for a request. Returns CONFLICT if a
	// decision was already recorded.
	SaveDecision(ctx context.Context, d model.ApprovalDecision) error

	// GetDecision returns the decision for a request, if any.
	GetDecision(ctx context.Context, requestID string) (model.ApprovalDecision, bool, error)
}

// OperationStore persists provisioning operation results.
type OperationStore interface {
	FindSucceededOperation(ctx context.Context, idempotencyKey string) (model.OperationResult, bool, error)
	BeginOperation(ctx context.Context, op model.OperationResult) (model.OperationResult, error)
	CompleteOperation(ctx context.Context, op model.OperationResult) error

	// ListOperations returns the operations of a request in start order.
	ListOperations(ctx context.Context, requestID string) ([]model.OperationResult, error)
}

// EventStore persists the audit trail.
type EventStore interface {
	AppendEvent(ctx context.Context, event model.WorkflowEvent) error
	ListEvents(ctx context.Context, requestID string) ([]model.WorkflowEvent, error)
}

// Store is the combined state and audit store.
type Store interface {
	RequestStore
	StateStore
	DecisionStore
	OperationStore
	EventStore

	HealthCheck(ctx context.Context) error
}
