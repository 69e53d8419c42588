package model

import (
	"encoding/json"
	"time"
)

// Workflow stage names. A stage is the unit of work the engine is on; several
// stages may share one Status.
const (
	StageReceived     = "received"
	StageValidation   = "validation"
	StageApprovalGate = "approval_gate"
	StageProvisioning = "provisioning"
	StageNotification = "notification"
	StageDone         = "done"
)

// Property keys stored in WorkflowState.Properties.
const (
	PropReminderCount      = "reminder_count"
	PropExpiresAt          = "expires_at"
	PropNextReminderAt     = "next_reminder_at"
	PropApprovalNoticeSent = "approval_notice_sent"
	PropOutcomeNotified    = "outcome_notified"
	PropFailedStep         = "failed_step"
	PropApprovalRequested  = "approval_requested_at"
)

// WorkflowState is the durable snapshot of one request's workflow. There is
// exactly one per request and it is the only source of truth for progress.
type WorkflowState struct {
	RequestID       string         `json:"request_id"`
	Stage           string         `json:"stage"`
	Status          Status         `json:"status"`
	CompletedStages []string       `json:"completed_stages"`
	Properties      map[string]any `json:"properties,omitempty"`
	ErrorMessage    string         `json:"error_message,omitempty"`
	WakeAt          *time.Time     `json:"wake_at,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	LastUpdated     time.Time      `json:"last_updated"`
	Version         int            `json:"version"`
}

// Handle returns the workflow handle for this state.
func (s WorkflowState) Handle() WorkflowHandle {
	return WorkflowHandle{RequestID: s.RequestID, WorkflowRef: WorkflowRefFor(s.RequestID)}
}

// Clone returns a deep-enough copy for mutation by the engine.
func (s WorkflowState) Clone() WorkflowState {
	out := s
	out.CompletedStages = append([]string(nil), s.CompletedStages...)
	out.Properties = make(map[string]any, len(s.Properties))
	for k, v := range s.Properties {
		out.Properties[k] = v
	}
	if s.WakeAt != nil {
		w := *s.WakeAt
		out.WakeAt = &w
	}
	return out
}

// SetProperty stores a value in the property bag.
func (s *WorkflowState) SetProperty(key string, v any) {
	if s.Properties == nil {
		s.Properties = make(map[string]any)
	}
	s.Properties[key] = v
}

// IntProperty reads an integer property. Values decoded from JSON arrive as
// float64 or json.Number.
func (s WorkflowState) IntProperty(key string) int {
	switch v := s.Properties[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case json.Number:
		n, _ := v.Int64()
		return int(n)
	}
	return 0
}

// BoolProperty reads a boolean property.
func (s WorkflowState) BoolProperty(key string) bool {
	b, _ := s.Properties[key].(bool)
	return b
}

// TimeProperty reads a time property stored either as time.Time or as an
// RFC 3339 string.
func (s WorkflowState) TimeProperty(key string) (time.Time, bool) {
	switch v := s.Properties[key].(type) {
	case time.Time:
		return v, true
	case string:
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return time.Time{}, false
		}
		return t, true
	}
	return time.Time{}, false
}

// SetTimeProperty stores a time as an RFC 3339 string so it survives a JSON
// round trip unchanged.
func (s *WorkflowState) SetTimeProperty(key string, t time.Time) {
	s.SetProperty(key, t.UTC().Format(time.RFC3339Nano))
}

// MarkCompleted appends a stage to CompletedStages once.
func (s *WorkflowState) MarkCompleted(stage string) {
	for _, c := range s.CompletedStages {
		if c == stage {
			return
		}
	}
	s.CompletedStages = append(s.CompletedStages, stage)
}

// WorkflowEvent records an event in a request's audit trail.
type WorkflowEvent struct {
	ID        string         `json:"id"`
	RequestID string         `json:"request_id"`
	Stage     string         `json:"stage"`
	Event     string         `json:"event"`
	ActorID   string         `json:"actor_id"`
	Data      map[string]any `json:"data,omitempty"`
	Comment   string         `json:"comment,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Workflow event names.
const (
	EventStarted           = "workflow_started"
	EventTransition        = "status_changed"
	EventApprovalRequested = "approval_requested"
	EventReminderSent      = "reminder_sent"
	EventDecisionRecorded  = "decision_recorded"
	EventDuplicateDecision = "duplicate_decision_ignored"
	EventExpired           = "approval_expired"
	EventStepCompleted     = "step_completed"
	EventStepSkipped       = "step_skipped"
	EventStepFailed        = "step_failed"
	EventOutcomeNotified   = "outcome_notified"
	EventResumed           = "workflow_resumed"
)

// ApprovalDecision is the single human decision recorded for a request.
type ApprovalDecision struct {
	RequestID     string    `json:"request_id"`
	Approver      string    `json:"approver"`
	Approved      bool      `json:"approved"`
	Comments      string    `json:"comments,omitempty"`
	RespondedAt   time.Time `json:"responded_at"`
	ReminderCount int       `json:"reminder_count"`
}

// DecisionSignal is the payload delivered to a waiting workflow.
type DecisionSignal struct {
	Approved bool   `json:"approved"`
	Approver string `json:"approver"`
	Comments string `json:"comments,omitempty"`
}
