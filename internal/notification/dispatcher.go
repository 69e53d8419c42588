package notification

import (
	"context"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/grantflow/internal/observability"
	"github.com/pitabwire/grantflow/internal/retry"
	"github.com/pitabwire/grantflow/model"
)

// Dispatcher renders notifications and delivers them through a Sender,
// retrying transient failures. Errors are returned for the caller's
// bookkeeping only; they are already logged and counted.
type Dispatcher struct {
	sender       Sender
	policy       retry.Policy
	baseURL      string
	maxReminders int
	tmpl         *renderer
	metrics      *observability.Metrics
	logger       *zap.Logger
}

// DispatcherConfig configures a Dispatcher.
type DispatcherConfig struct {
	// ActionBaseURL is the public base URL used in approve/reject links.
	ActionBaseURL string
	MaxReminders  int
	Retry         retry.Policy
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(sender Sender, cfg DispatcherConfig, metrics *observability.Metrics, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		sender:       sender,
		policy:       cfg.Retry,
		baseURL:      strings.TrimRight(cfg.ActionBaseURL, "/"),
		maxReminders: cfg.MaxReminders,
		tmpl:         newRenderer(),
		metrics:      metrics,
		logger:       logger,
	}
}

// SendApprovalRequest asks the approver for a decision on req.
func (d *Dispatcher) SendApprovalRequest(ctx context.Context, approver string, req model.AccountRequest, expiresAt time.Time) error {
	data := d.baseData(req)
	data.ExpiresAt = expiresAt
	return d.dispatch(ctx, KindApprovalRequest, approver, req.ID, data)
}

// SendReminder sends reminder number n for a pending request.
func (d *Dispatcher) SendReminder(ctx context.Context, approver string, req model.AccountRequest, n int, expiresAt time.Time) error {
	data := d.baseData(req)
	data.Reminder = n
	data.MaxReminders = d.maxReminders
	data.ExpiresAt = expiresAt
	return d.dispatch(ctx, KindReminder, approver, req.ID, data)
}

// SendOutcome tells the requestor how their request ended.
func (d *Dispatcher) SendOutcome(ctx context.Context, requestor string, req model.AccountRequest, approved bool, final model.Status, comments string) error {
	data := d.baseData(req)
	data.Approved = approved
	data.Status = final
	data.Comments = comments
	return d.dispatch(ctx, KindOutcome, requestor, req.ID, data)
}

// ActionURL returns the decision link for a request.
func (d *Dispatcher) ActionURL(requestID string, approve bool) string {
	action := "reject"
	if approve {
		action = "approve"
	}
	return d.baseURL + "/v1/requests/" + url.PathEscape(requestID) + "/decision?action=" + action
}

func (d *Dispatcher) baseData(req model.AccountRequest) templateData {
	return templateData{
		Request:    req,
		ApproveURL: d.ActionURL(req.ID, true),
		RejectURL:  d.ActionURL(req.ID, false),
		StatusURL:  d.baseURL + "/v1/requests/" + url.PathEscape(req.ID),
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, kind, to, requestID string, data templateData) error {
	log := d.logger.With(
		zap.String("request_id", requestID),
		zap.String("kind", kind),
		zap.String("to", to),
	)

	subject, body, err := d.tmpl.render(kind, data)
	if err != nil {
		d.metrics.RecordNotification(kind, "failed")
		log.Error("notification render failed", zap.Error(err))
		return err
	}
	msg := Message{Kind: kind, RequestID: requestID, To: to, Subject: subject, Body: body}

	ctx, span := observability.StartSpan(ctx, "notification.send", requestID,
		observability.AttrChannel.String(channelOf(to)),
		observability.AttrNotificationKind.String(kind),
	)

	attempts, err := d.policy.Do(ctx, func(ctx context.Context) error {
		return d.sender.Send(ctx, msg)
	}, func(attempt int, err error, wait time.Duration) {
		log.Debug("notification failed, retrying",
			zap.Int("attempt", attempt),
			zap.Duration("backoff", wait),
			zap.Error(err),
		)
	})
	observability.FinishSpan(span, err)

	if err != nil {
		d.metrics.RecordNotification(kind, "failed")
		log.Warn("notification delivery failed", zap.Int("attempts", attempts), zap.Error(err))
		return err
	}
	d.metrics.RecordNotification(kind, "sent")
	log.Info("notification sent", zap.Int("attempts", attempts))
	return nil
}
