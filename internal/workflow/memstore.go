package workflow

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pitabwire/grantflow/model"
)

// MemoryStore is an in-memory Store for tests and single-node development.
type MemoryStore struct {
	mu         sync.RWMutex
	requests   map[string]model.AccountRequest   // key: request ID
	order      []string                          // request IDs in creation order
	states     map[string]model.WorkflowState    // key: request ID
	decisions  map[string]model.ApprovalDecision // key: request ID
	operations map[string]model.OperationResult  // key: operation ID
	opOrder    map[string][]string               // key: request ID
	events     map[string][]model.WorkflowEvent  // key: request ID
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		requests:   make(map[string]model.AccountRequest),
		states:     make(map[string]model.WorkflowState),
		decisions:  make(map[string]model.ApprovalDecision),
		operations: make(map[string]model.OperationResult),
		opOrder:    make(map[string][]string),
		events:     make(map[string][]model.WorkflowEvent),
	}
}

// CreateRequest persists a new request.
func (s *MemoryStore) CreateRequest(_ context.Context, req model.AccountRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.requests[req.ID]; exists {
		return model.NewConflictError(fmt.Sprintf("request %q already exists", req.ID))
	}
	s.requests[req.ID] = req
	s.order = append(s.order, req.ID)
	return nil
}

// GetRequest retrieves a request by ID.
func (s *MemoryStore) GetRequest(_ context.Context, id string) (model.AccountRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	req, exists := s.requests[id]
	if !exists {
		return model.AccountRequest{}, model.NewNotFoundError(fmt.Sprintf("request %q not found", id))
	}
	return req, nil
}

// ListRequests returns requests matching the filters in creation order.
func (s *MemoryStore) ListRequests(_ context.Context, filters model.RequestFilters) ([]model.AccountRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.AccountRequest
	for _, id := range s.order {
		req := s.requests[id]
		if filters.Match(req) {
			out = append(out, req)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].RequestedAt.Before(out[j].RequestedAt)
	})

	if filters.Offset > 0 {
		if filters.Offset >= len(out) {
			return nil, nil
		}
		out = out[filters.Offset:]
	}
	if filters.Limit > 0 && len(out) > filters.Limit {
		out = out[:filters.Limit]
	}
	return out, nil
}

// CreateState persists the initial workflow state.
func (s *MemoryStore) CreateState(_ context.Context, st model.WorkflowState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.states[st.RequestID]; exists {
		return model.NewConflictError(fmt.Sprintf("workflow for request %q already exists", st.RequestID))
	}
	s.states[st.RequestID] = st.Clone()
	s.syncRequestLocked(st)
	return nil
}

// GetState retrieves the state for a request.
func (s *MemoryStore) GetState(_ context.Context, requestID string) (model.WorkflowState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, exists := s.states[requestID]
	if !exists {
		return model.WorkflowState{}, model.NewNotFoundError(fmt.Sprintf("workflow for request %q not found", requestID))
	}
	return st.Clone(), nil
}

// UpdateState persists st with optimistic locking.
func (s *MemoryStore) UpdateState(_ context.Context, st model.WorkflowState) (model.WorkflowState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.states[st.RequestID]
	if !exists {
		return model.WorkflowState{}, model.NewNotFoundError(fmt.Sprintf("workflow for request %q not found", st.RequestID))
	}
	if existing.Version != st.Version {
		return model.WorkflowState{}, model.NewConflictError(
			fmt.Sprintf("workflow for request %q version conflict (expected %d, got %d)", st.RequestID, st.Version, existing.Version),
		)
	}

	st = st.Clone()
	st.Version++
	s.states[st.RequestID] = st
	s.syncRequestLocked(st)
	return st.Clone(), nil
}

func (s *MemoryStore) syncRequestLocked(st model.WorkflowState) {
	if req, ok := s.requests[st.RequestID]; ok {
		req.Status = st.Status
		s.requests[st.RequestID] = req
	}
}

// FindDue returns non-terminal states whose wake time has passed.
func (s *MemoryStore) FindDue(_ context.Context, cutoff time.Time) ([]model.WorkflowState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.WorkflowState
	for _, st := range s.states {
		if st.Status.IsTerminal() || st.WakeAt == nil || st.WakeAt.After(cutoff) {
			continue
		}
		out = append(out, st.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WakeAt.Before(*out[j].WakeAt) })
	return out, nil
}

// FindNonTerminal returns every unfinished workflow state.
func (s *MemoryStore) FindNonTerminal(_ context.Context) ([]model.WorkflowState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.WorkflowState
	for _, st := range s.states {
		if !st.Status.IsTerminal() {
			out = append(out, st.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// SaveDecision records the one decision for a request.
func (s *MemoryStore) SaveDecision(_ context.Context, d model.ApprovalDecision) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.decisions[d.RequestID]; exists {
		return model.NewConflictError(fmt.Sprintf("request %q already has a decision", d.RequestID))
	}
	s.decisions[d.RequestID] = d
	return nil
}

// GetDecision returns the decision for a request, if any.
func (s *MemoryStore) GetDecision(_ context.Context, requestID string) (model.ApprovalDecision, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, ok := s.decisions[requestID]
	return d, ok, nil
}

// FindSucceededOperation returns the successful operation for a key, if any.
func (s *MemoryStore) FindSucceededOperation(_ context.Context, key string) (model.OperationResult, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, op := range s.operations {
		if op.IdempotencyKey == key && op.Status == model.OperationSuccess {
			return copyOperation(op), true, nil
		}
	}
	return model.OperationResult{}, false, nil
}

// BeginOperation records a new in-progress operation, or returns the one
// already in progress for the same key.
func (s *MemoryStore) BeginOperation(_ context.Context, op model.OperationResult) (model.OperationResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.operations {
		if existing.IdempotencyKey == op.IdempotencyKey && existing.Status == model.OperationInProgress {
			return copyOperation(existing), nil
		}
	}

	if op.ID == "" {
		op.ID = uuid.New().String()
	}
	op.Status = model.OperationInProgress
	op = copyOperation(op)
	s.operations[op.ID] = op
	s.opOrder[op.RequestID] = append(s.opOrder[op.RequestID], op.ID)
	return copyOperation(op), nil
}

// CompleteOperation moves an in-progress operation to a terminal status.
// Terminal records are immutable.
func (s *MemoryStore) CompleteOperation(_ context.Context, op model.OperationResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.operations[op.ID]
	if !ok {
		return model.NewNotFoundError(fmt.Sprintf("operation %q not found", op.ID))
	}
	if existing.IsTerminal() {
		return model.NewConflictError(fmt.Sprintf("operation %q is already %s", op.ID, existing.Status))
	}
	if !op.IsTerminal() {
		return model.NewBadRequestError(fmt.Sprintf("operation %q must complete as success or failed", op.ID))
	}
	s.operations[op.ID] = copyOperation(op)
	return nil
}

// ListOperations returns the operations of a request in start order.
func (s *MemoryStore) ListOperations(_ context.Context, requestID string) ([]model.OperationResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.opOrder[requestID]
	out := make([]model.OperationResult, 0, len(ids))
	for _, id := range ids {
		out = append(out, copyOperation(s.operations[id]))
	}
	return out, nil
}

// AppendEvent adds an event to a request's audit trail.
func (s *MemoryStore) AppendEvent(_ context.Context, event model.WorkflowEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.events[event.RequestID] = append(s.events[event.RequestID], event)
	return nil
}

// ListEvents returns a request's audit trail in append order.
func (s *MemoryStore) ListEvents(_ context.Context, requestID string) ([]model.WorkflowEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	events := s.events[requestID]
	out := make([]model.WorkflowEvent, len(events))
	copy(out, events)
	return out, nil
}

// HealthCheck always succeeds.
func (s *MemoryStore) HealthCheck(_ context.Context) error { return nil }

// Len returns the number of stored requests.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.requests)
}

func copyOperation(op model.OperationResult) model.OperationResult {
	if op.Target != nil {
		target := make(map[string]string, len(op.Target))
		for k, v := range op.Target {
			target[k] = v
		}
		op.Target = target
	}
	if op.EndedAt != nil {
		t := *op.EndedAt
		op.EndedAt = &t
	}
	return op
}
