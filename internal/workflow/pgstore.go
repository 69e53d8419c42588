package workflow

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/grantflow/model"
)

//go:embed schema.sql
var schemaSQL string

const uniqueViolation = "23505"

// PgStore is a PostgreSQL-backed Store using pgx/v5.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore creates a new PostgreSQL store.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

// Migrate creates the tables and indexes if they do not exist.
func (s *PgStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// HealthCheck pings the database.
func (s *PgStore) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// CreateRequest inserts a new request.
func (s *PgStore) CreateRequest(ctx context.Context, req model.AccountRequest) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO account_requests (
			id, principal_name, server_name, database_name, role_name,
			requestor_address, justification, requested_at, status, workflow_ref
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		req.ID, req.PrincipalName, req.ServerName, req.DatabaseName, req.RoleName,
		req.RequestorAddress, req.Justification, req.RequestedAt, req.Status, req.WorkflowRef,
	)
	if isUniqueViolation(err) {
		return model.NewConflictError(fmt.Sprintf("request %q already exists", req.ID))
	}
	if err != nil {
		return fmt.Errorf("insert request: %w", err)
	}
	return nil
}

const requestColumns = `id, principal_name, server_name, database_name, role_name,
	requestor_address, justification, requested_at, status, workflow_ref`

// GetRequest retrieves a request by ID.
func (s *PgStore) GetRequest(ctx context.Context, id string) (model.AccountRequest, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+requestColumns+` FROM account_requests WHERE id = $1`, id)
	req, err := scanRequest(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.AccountRequest{}, model.NewNotFoundError(fmt.Sprintf("request %q not found", id))
	}
	if err != nil {
		return model.AccountRequest{}, fmt.Errorf("query request: %w", err)
	}
	return req, nil
}

// ListRequests returns requests matching the filters, oldest first.
func (s *PgStore) ListRequests(ctx context.Context, filters model.RequestFilters) ([]model.AccountRequest, error) {
	query := `SELECT ` + requestColumns + ` FROM account_requests`
	var (
		conds []string
		args  []any
	)
	if filters.Status != "" {
		args = append(args, filters.Status)
		conds = append(conds, fmt.Sprintf("status = $%d", len(args)))
	}
	if !filters.From.IsZero() {
		args = append(args, filters.From)
		conds = append(conds, fmt.Sprintf("requested_at >= $%d", len(args)))
	}
	if !filters.To.IsZero() {
		args = append(args, filters.To)
		conds = append(conds, fmt.Sprintf("requested_at < $%d", len(args)))
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY requested_at, id"
	if filters.Limit > 0 {
		args = append(args, filters.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if filters.Offset > 0 {
		args = append(args, filters.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query requests: %w", err)
	}
	defer rows.Close()

	var out []model.AccountRequest
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("scan request: %w", err)
		}
		out = append(out, req)
	}
	return out, rows.Err()
}

func scanRequest(row pgx.Row) (model.AccountRequest, error) {
	var req model.AccountRequest
	err := row.Scan(
		&req.ID, &req.PrincipalName, &req.ServerName, &req.DatabaseName, &req.RoleName,
		&req.RequestorAddress, &req.Justification, &req.RequestedAt, &req.Status, &req.WorkflowRef,
	)
	return req, err
}

// CreateState inserts the initial workflow state and syncs the request status.
func (s *PgStore) CreateState(ctx context.Context, st model.WorkflowState) error {
	stagesJSON, propsJSON, err := marshalState(st)
	if err != nil {
		return err
	}

	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO workflow_states (
				request_id, stage, status, completed_stages, properties,
				error_message, wake_at, created_at, last_updated, version
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			st.RequestID, st.Stage, st.Status, stagesJSON, propsJSON,
			st.ErrorMessage, st.WakeAt, st.CreatedAt, st.LastUpdated, st.Version,
		)
		if isUniqueViolation(err) {
			return model.NewConflictError(fmt.Sprintf("workflow for request %q already exists", st.RequestID))
		}
		if err != nil {
			return fmt.Errorf("insert workflow state: %w", err)
		}
		return syncRequestStatus(ctx, tx, st)
	})
}

const stateColumns = `request_id, stage, status, completed_stages, properties,
	error_message, wake_at, created_at, last_updated, version`

// GetState retrieves the state for a request.
func (s *PgStore) GetState(ctx context.Context, requestID string) (model.WorkflowState, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+stateColumns+` FROM workflow_states WHERE request_id = $1`, requestID)
	st, err := scanState(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.WorkflowState{}, model.NewNotFoundError(fmt.Sprintf("workflow for request %q not found", requestID))
	}
	if err != nil {
		return model.WorkflowState{}, fmt.Errorf("query workflow state: %w", err)
	}
	return st, nil
}

// UpdateState persists st with optimistic locking, updating the request
// status in the same transaction.
func (s *PgStore) UpdateState(ctx context.Context, st model.WorkflowState) (model.WorkflowState, error) {
	stagesJSON, propsJSON, err := marshalState(st)
	if err != nil {
		return model.WorkflowState{}, err
	}

	err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE workflow_states SET
				stage = $1,
				status = $2,
				completed_stages = $3,
				properties = $4,
				error_message = $5,
				wake_at = $6,
				last_updated = $7,
				version = $8
			WHERE request_id = $9 AND version = $10`,
			st.Stage, st.Status, stagesJSON, propsJSON,
			st.ErrorMessage, st.WakeAt, st.LastUpdated, st.Version+1,
			st.RequestID, st.Version,
		)
		if err != nil {
			return fmt.Errorf("update workflow state: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return model.NewConflictError(
				fmt.Sprintf("workflow for request %q version conflict (expected %d)", st.RequestID, st.Version),
			)
		}
		return syncRequestStatus(ctx, tx, st)
	})
	if err != nil {
		return model.WorkflowState{}, err
	}

	st = st.Clone()
	st.Version++
	return st, nil
}

func syncRequestStatus(ctx context.Context, tx pgx.Tx, st model.WorkflowState) error {
	if _, err := tx.Exec(ctx, `UPDATE account_requests SET status = $1 WHERE id = $2`, st.Status, st.RequestID); err != nil {
		return fmt.Errorf("update request status: %w", err)
	}
	return nil
}

// FindDue returns non-terminal states whose wake time has passed.
func (s *PgStore) FindDue(ctx context.Context, cutoff time.Time) ([]model.WorkflowState, error) {
	return s.queryStates(ctx, `
		SELECT `+stateColumns+` FROM workflow_states
		WHERE wake_at IS NOT NULL AND wake_at <= $1 AND status <> ALL($2)
		ORDER BY wake_at`,
		cutoff, terminalStatuses(),
	)
}

// FindNonTerminal returns every unfinished workflow state.
func (s *PgStore) FindNonTerminal(ctx context.Context) ([]model.WorkflowState, error) {
	return s.queryStates(ctx, `
		SELECT `+stateColumns+` FROM workflow_states
		WHERE status <> ALL($1)
		ORDER BY created_at`,
		terminalStatuses(),
	)
}

func (s *PgStore) queryStates(ctx context.Context, query string, args ...any) ([]model.WorkflowState, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query workflow states: %w", err)
	}
	defer rows.Close()

	var out []model.WorkflowState
	for rows.Next() {
		st, err := scanState(rows)
		if err != nil {
			return nil, fmt.Errorf("scan workflow state: %w", err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func scanState(row pgx.Row) (model.WorkflowState, error) {
	var (
		st         model.WorkflowState
		stagesJSON []byte
		propsJSON  []byte
	)
	err := row.Scan(
		&st.RequestID, &st.Stage, &st.Status, &stagesJSON, &propsJSON,
		&st.ErrorMessage, &st.WakeAt, &st.CreatedAt, &st.LastUpdated, &st.Version,
	)
	if err != nil {
		return model.WorkflowState{}, err
	}
	if len(stagesJSON) > 0 {
		if err := json.Unmarshal(stagesJSON, &st.CompletedStages); err != nil {
			return model.WorkflowState{}, fmt.Errorf("unmarshal completed stages: %w", err)
		}
	}
	if len(propsJSON) > 0 {
		if err := json.Unmarshal(propsJSON, &st.Properties); err != nil {
			return model.WorkflowState{}, fmt.Errorf("unmarshal properties: %w", err)
		}
	}
	return st, nil
}

func marshalState(st model.WorkflowState) (stages, props []byte, err error) {
	completed := st.CompletedStages
	if completed == nil {
		completed = []string{}
	}
	if stages, err = json.Marshal(completed); err != nil {
		return nil, nil, fmt.Errorf("marshal completed stages: %w", err)
	}
	properties := st.Properties
	if properties == nil {
		properties = map[string]any{}
	}
	if props, err = json.Marshal(properties); err != nil {
		return nil, nil, fmt.Errorf("marshal properties: %w", err)
	}
	return stages, props, nil
}

func terminalStatuses() []string {
	var out []string
	for _, st := range model.AllStatuses() {
		if st.IsTerminal() {
			out = append(out, string(st))
		}
	}
	return out
}

// SaveDecision records the one decision for a request.
func (s *PgStore) SaveDecision(ctx context.Context, d model.ApprovalDecision) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO approval_decisions (
			request_id, approver, approved, comments, responded_at, reminder_count
		) VALUES ($1, $2, $3, $4, $5, $6)`,
		d.RequestID, d.Approver, d.Approved, d.Comments, d.RespondedAt, d.ReminderCount,
	)
	if isUniqueViolation(err) {
		return model.NewConflictError(fmt.Sprintf("request %q already has a decision", d.RequestID))
	}
	if err != nil {
		return fmt.Errorf("insert decision: %w", err)
	}
	return nil
}

// GetDecision returns the decision for a request, if any.
func (s *PgStore) GetDecision(ctx context.Context, requestID string) (model.ApprovalDecision, bool, error) {
	var d model.ApprovalDecision
	err := s.pool.QueryRow(ctx, `
		SELECT request_id, approver, approved, comments, responded_at, reminder_count
		FROM approval_decisions WHERE request_id = $1`,
		requestID,
	).Scan(&d.RequestID, &d.Approver, &d.Approved, &d.Comments, &d.RespondedAt, &d.ReminderCount)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.ApprovalDecision{}, false, nil
	}
	if err != nil {
		return model.ApprovalDecision{}, false, fmt.Errorf("query decision: %w", err)
	}
	return d, true, nil
}

const operationColumns = `id, request_id, step_name, kind, target, idempotency_key,
	status, attempts, error_message, started_at, ended_at`

// FindSucceededOperation returns the successful operation for a key, if any.
func (s *PgStore) FindSucceededOperation(ctx context.Context, key string) (model.OperationResult, bool, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+operationColumns+` FROM operation_results
		WHERE idempotency_key = $1 AND status = $2`,
		key, model.OperationSuccess,
	)
	op, err := scanOperation(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.OperationResult{}, false, nil
	}
	if err != nil {
		return model.OperationResult{}, false, fmt.Errorf("query operation: %w", err)
	}
	return op, true, nil
}

// BeginOperation inserts an in-progress operation. If one is already in
// progress for the key, that record is returned instead.
func (s *PgStore) BeginOperation(ctx context.Context, op model.OperationResult) (model.OperationResult, error) {
	targetJSON, err := json.Marshal(op.Target)
	if err != nil {
		return model.OperationResult{}, fmt.Errorf("marshal target: %w", err)
	}
	op.Status = model.OperationInProgress

	tag, err := s.pool.Exec(ctx, `
		INSERT INTO operation_results (
			id, request_id, step_name, kind, target, idempotency_key,
			status, attempts, error_message, started_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (idempotency_key) WHERE status = 'in_progress' DO NOTHING`,
		op.ID, op.RequestID, op.StepName, op.Kind, targetJSON, op.IdempotencyKey,
		op.Status, op.Attempts, op.ErrorMessage, op.StartedAt,
	)
	if err != nil {
		return model.OperationResult{}, fmt.Errorf("insert operation: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return op, nil
	}

	row := s.pool.QueryRow(ctx, `
		SELECT `+operationColumns+` FROM operation_results
		WHERE idempotency_key = $1 AND status = $2`,
		op.IdempotencyKey, model.OperationInProgress,
	)
	existing, err := scanOperation(row)
	if err != nil {
		return model.OperationResult{}, fmt.Errorf("query in-progress operation: %w", err)
	}
	return existing, nil
}

// CompleteOperation moves an in-progress operation to a terminal status.
func (s *PgStore) CompleteOperation(ctx context.Context, op model.OperationResult) error {
	if !op.IsTerminal() {
		return model.NewBadRequestError(fmt.Sprintf("operation %q must complete as success or failed", op.ID))
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE operation_results SET
			status = $1,
			attempts = $2,
			error_message = $3,
			ended_at = $4
		WHERE id = $5 AND status = $6`,
		op.Status, op.Attempts, op.ErrorMessage, op.EndedAt,
		op.ID, model.OperationInProgress,
	)
	if err != nil {
		return fmt.Errorf("complete operation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewConflictError(fmt.Sprintf("operation %q is not in progress", op.ID))
	}
	return nil
}

// ListOperations returns the operations of a request in start order.
func (s *PgStore) ListOperations(ctx context.Context, requestID string) ([]model.OperationResult, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+operationColumns+` FROM operation_results
		WHERE request_id = $1
		ORDER BY started_at, id`,
		requestID,
	)
	if err != nil {
		return nil, fmt.Errorf("query operations: %w", err)
	}
	defer rows.Close()

	var out []model.OperationResult
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan operation: %w", err)
		}
		out = append(out, op)
	}
	return out, rows.Err()
}

func scanOperation(row pgx.Row) (model.OperationResult, error) {
	var (
		op         model.OperationResult
		targetJSON []byte
	)
	err := row.Scan(
		&op.ID, &op.RequestID, &op.StepName, &op.Kind, &targetJSON, &op.IdempotencyKey,
		&op.Status, &op.Attempts, &op.ErrorMessage, &op.StartedAt, &op.EndedAt,
	)
	if err != nil {
		return model.OperationResult{}, err
	}
	if len(targetJSON) > 0 {
		if err := json.Unmarshal(targetJSON, &op.Target); err != nil {
			return model.OperationResult{}, fmt.Errorf("unmarshal target: %w", err)
		}
	}
	return op, nil
}

// AppendEvent adds an event to the audit trail.
func (s *PgStore) AppendEvent(ctx context.Context, event model.WorkflowEvent) error {
	dataJSON, err := json.Marshal(event.Data)
	if err != nil {
		return fmt.Errorf("marshal event data: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO workflow_events (
			id, request_id, stage, event, actor_id, data, comment, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		event.ID, event.RequestID, event.Stage, event.Event,
		event.ActorID, dataJSON, event.Comment, event.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert workflow event: %w", err)
	}
	return nil
}

// ListEvents returns a request's audit trail in append order.
func (s *PgStore) ListEvents(ctx context.Context, requestID string) ([]model.WorkflowEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, request_id, stage, event, actor_id, data, comment, created_at
		FROM workflow_events
		WHERE request_id = $1
		ORDER BY seq`,
		requestID,
	)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []model.WorkflowEvent
	for rows.Next() {
		var (
			e        model.WorkflowEvent
			dataJSON []byte
		)
		if err := rows.Scan(
			&e.ID, &e.RequestID, &e.Stage, &e.Event,
			&e.ActorID, &dataJSON, &e.Comment, &e.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		if len(dataJSON) > 0 {
			if err := json.Unmarshal(dataJSON, &e.Data); err != nil {
				return nil, fmt.Errorf("unmarshal event data: %w", err)
			}
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
