// Package notification renders and delivers approval requests, reminders,
// and outcome messages. Delivery failures are logged and counted but never
// fail the workflow.
package notification

import (
	"context"
)

// Message kinds.
const (
	KindApprovalRequest = "approval_request"
	KindReminder        = "reminder"
	KindOutcome         = "outcome"
)

// Message is a rendered notification ready for delivery.
type Message struct {
	Kind      string `json:"kind"`
	RequestID string `json:"request_id"`
	To        string `json:"to"`
	Subject   string `json:"subject"`
	Body      string `json:"body"`
}

// Sender delivers a message to its address.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, msg Message) error

func (f SenderFunc) Send(ctx context.Context, msg Message) error { return f(ctx, msg) }
