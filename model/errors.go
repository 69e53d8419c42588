package model

import (
	"errors"
	"fmt"
)

// Error codes carried in ErrorEnvelope.Code.
const (
	ErrBadRequest         = "BAD_REQUEST"
	ErrNotFound           = "NOT_FOUND"
	ErrConflict           = "CONFLICT"
	ErrValidationError    = "VALIDATION_ERROR"
	ErrInvalidTransition  = "INVALID_TRANSITION"
	ErrInternalError      = "INTERNAL_ERROR"
	ErrBackendUnavailable = "BACKEND_UNAVAILABLE"
	ErrBackendTimeout     = "BACKEND_TIMEOUT"

	// ErrWorkflowNotFound means no workflow was started for the request.
	ErrWorkflowNotFound = "WORKFLOW_NOT_FOUND"
	// ErrWorkflowNotActive rejects a decision for a request that is not, or
	// no longer, awaiting approval.
	ErrWorkflowNotActive = "WORKFLOW_NOT_ACTIVE"
)

// ErrorEnvelope is the standard error returned by the service and its HTTP
// API. It implements the error interface.
type ErrorEnvelope struct {
	Code    string       `json:"code"`
	Message string       `json:"message"`
	Details []FieldError `json:"details,omitempty"`
	TraceID string       `json:"trace_id,omitempty"`
}

// Error implements the error interface.
func (e *ErrorEnvelope) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// FieldError describes a field-level validation error.
type FieldError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func envelope(code, format string, args ...any) *ErrorEnvelope {
	return &ErrorEnvelope{Code: code, Message: fmt.Sprintf(format, args...)}
}

func NewBadRequestError(msg string) *ErrorEnvelope { return envelope(ErrBadRequest, "%s", msg) }
func NewNotFoundError(msg string) *ErrorEnvelope { return envelope(ErrNotFound, "%s", msg) }
func NewConflictError(msg string) *ErrorEnvelope { return envelope(ErrConflict, "%s", msg) }
func NewWorkflowNotActiveError(msg string) *ErrorEnvelope {
	return envelope(ErrWorkflowNotActive, "%s", msg)
}

// NewValidationError reports every failed field at once.
func NewValidationError(details []FieldError) *ErrorEnvelope {
	e := envelope(ErrValidationError, "%d field(s) failed validation", len(details))
	e.Details = details
	return e
}

// NewInvalidTransitionError reports a status change the state machine
// forbids, such as rejected to approved.
func NewInvalidTransitionError(from, to Status) *ErrorEnvelope {
	return envelope(ErrInvalidTransition, "cannot move from %s to %s", from, to)
}

func NewWorkflowNotFoundError(requestID string) *ErrorEnvelope {
	return envelope(ErrWorkflowNotFound, "no workflow for request %q", requestID)
}

// NewInternalError hides the cause from API clients; log it separately.
func NewInternalError() *ErrorEnvelope {
	return envelope(ErrInternalError, "An unexpected error occurred")
}

// NewBackendUnavailableError reports that backend (the state store, the
// idempotency store) could not be reached.
func NewBackendUnavailableError(backend string) *ErrorEnvelope {
	return envelope(ErrBackendUnavailable, "%s is temporarily unavailable", backend)
}

// NewBackendTimeoutError reports that backend did not answer before the
// handler deadline.
func NewBackendTimeoutError(backend string) *ErrorEnvelope {
	return envelope(ErrBackendTimeout, "%s did not respond in time", backend)
}

// HasCode reports whether err is an ErrorEnvelope with the given code.
func HasCode(err error, code string) bool {
	var env *ErrorEnvelope
	return errors.As(err, &env) && env.Code == code
}

// ExecutionError is a failure of a provisioning side effect. Permanent
// errors are never retried.
type ExecutionError struct {
	Op        string
	Permanent bool
	Err       error
}

func (e *ExecutionError) Error() string {
	kind := "transient"
	if e.Permanent {
		kind = "permanent"
	}
	return fmt.Sprintf("%s %s failure: %v", e.Op, kind, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// NewTransientError wraps err as a retryable execution failure.
func NewTransientError(op string, err error) error {
	return &ExecutionError{Op: op, Err: err}
}

// NewPermanentError wraps err as a non-retryable execution failure.
func NewPermanentError(op string, err error) error {
	return &ExecutionError{Op: op, Permanent: true, Err: err}
}

// IsPermanent reports whether err is, or wraps, a permanent execution
// failure. Unclassified errors are treated as transient.
func IsPermanent(err error) bool {
	var exec *ExecutionError
	return errors.As(err, &exec) && exec.Permanent
}
