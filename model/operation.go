package model

import "time"

// Provisioning step names, in execution order.
const (
	StepCreateLogin        = "create_login"
	StepCreateDatabaseUser = "create_database_user"
	StepAssignRole         = "assign_role"
)

// ProvisioningSteps returns the provisioning steps in the order they run.
func ProvisioningSteps() []string {
	return []string{StepCreateLogin, StepCreateDatabaseUser, StepAssignRole}
}

// Operation result statuses.
const (
	OperationInProgress = "in_progress"
	OperationSuccess    = "success"
	OperationFailed     = "failed"
)

// OperationResult records one provisioning side effect. Once Status is
// terminal the record is never changed.
type OperationResult struct {
	ID             string            `json:"id"`
	RequestID      string            `json:"request_id"`
	StepName       string            `json:"step_name"`
	Kind           string            `json:"kind"`
	Target         map[string]string `json:"target,omitempty"`
	IdempotencyKey string            `json:"idempotency_key"`
	Status         string            `json:"status"`
	Attempts       int               `json:"attempts"`
	ErrorMessage   string            `json:"error_message,omitempty"`
	StartedAt      time.Time         `json:"started_at"`
	EndedAt        *time.Time        `json:"ended_at,omitempty"`
}

// IsTerminal reports whether the result has reached success or failed.
func (o OperationResult) IsTerminal() bool {
	return o.Status == OperationSuccess || o.Status == OperationFailed
}

// OperationKey builds the idempotency key for a step of a request.
func OperationKey(requestID, stepName string) string {
	return requestID + ":" + stepName
}
