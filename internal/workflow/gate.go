package workflow

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/grantflow/model"
)

const expiredMessage = "approval expired"

// enterGate parks a validated request at the approval gate. The wake time
// is persisted before the returned notice is sent.
func (e *Engine) enterGate(ctx context.Context, st model.WorkflowState, req model.AccountRequest) (delivery, error) {
	now := e.clock.Now()
	expires := now.Add(e.gate.Expiry)
	wake := e.nextWake(now, expires)

	st, err := e.moveTo(ctx, st, model.StatusAwaitingApproval, model.StageApprovalGate, func(s *model.WorkflowState) {
		s.MarkCompleted(model.StageValidation)
		s.SetProperty(model.PropReminderCount, 0)
		s.SetProperty(model.PropApprovalNoticeSent, false)
		s.SetTimeProperty(model.PropApprovalRequested, now)
		s.SetTimeProperty(model.PropExpiresAt, expires)
		s.SetTimeProperty(model.PropNextReminderAt, wake)
		s.WakeAt = &wake
	})
	if err != nil {
		return nil, err
	}
	e.arm(st.RequestID, wake)
	return e.approvalNotice(st, req), nil
}

// nextWake is the earlier of the next reminder and the expiry.
func (e *Engine) nextWake(now, expires time.Time) time.Time {
	if e.gate.ReminderInterval <= 0 {
		return expires
	}
	next := now.Add(e.gate.ReminderInterval)
	if next.After(expires) {
		return expires
	}
	return next
}

// approvalNotice sends the approval request and then marks it as attempted,
// unless a decision or expiry has moved the request on in the meantime.
func (e *Engine) approvalNotice(st model.WorkflowState, req model.AccountRequest) delivery {
	expires, _ := st.TimeProperty(model.PropExpiresAt)
	return func(ctx context.Context) {
		sendErr := e.notifier.SendApprovalRequest(ctx, e.gate.ApproverAddress, req, expires)

		err := e.amend(ctx, st.RequestID, func(s *model.WorkflowState) bool {
			if s.Status != model.StatusAwaitingApproval {
				return false
			}
			s.SetProperty(model.PropApprovalNoticeSent, true)
			return true
		})
		if err != nil {
			e.logger.Error("failed to record approval notice",
				zap.String("request_id", st.RequestID),
				zap.Error(err),
			)
		}

		e.appendEvent(ctx, st.RequestID, model.StageApprovalGate, model.EventApprovalRequested, model.SystemActor,
			map[string]any{"approver": e.gate.ApproverAddress, "delivered": sendErr == nil}, "")
		if sendErr != nil {
			e.logger.Warn("approval request not delivered",
				zap.String("request_id", st.RequestID),
				zap.String("approver", e.gate.ApproverAddress),
				zap.Error(sendErr),
			)
		}
	}
}

// handleWake runs when a request's wake time is reached: it either expires
// the request or sends the next reminder and re-arms.
func (e *Engine) handleWake(ctx context.Context, requestID string) error {
	return e.locked(ctx, requestID, func() (delivery, error) {
		return e.wakeLocked(ctx, requestID)
	})
}

func (e *Engine) wakeLocked(ctx context.Context, requestID string) (delivery, error) {
	st, err := e.store.GetState(ctx, requestID)
	if err != nil {
		return nil, fmt.Errorf("load workflow %s: %w", requestID, err)
	}
	if st.Status != model.StatusAwaitingApproval || st.WakeAt == nil {
		e.clearTimer(requestID)
		return nil, nil
	}

	now := e.clock.Now()
	if now.Before(*st.WakeAt) {
		e.arm(requestID, *st.WakeAt)
		return nil, nil
	}

	req, err := e.store.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}

	expires, _ := st.TimeProperty(model.PropExpiresAt)
	count := st.IntProperty(model.PropReminderCount)
	if !now.Before(expires) || count >= e.gate.MaxReminders {
		return e.expire(ctx, st, req)
	}

	n := count + 1
	wake := e.nextWake(now, expires)
	next := st.Clone()
	next.SetProperty(model.PropReminderCount, n)
	next.SetTimeProperty(model.PropNextReminderAt, wake)
	next.WakeAt = &wake
	if _, err := e.save(ctx, next); err != nil {
		return nil, err
	}
	e.arm(requestID, wake)
	return e.reminder(req, n, expires), nil
}

// reminder sends reminder n. The count was already persisted, so a failed
// or interrupted send is never repeated.
func (e *Engine) reminder(req model.AccountRequest, n int, expires time.Time) delivery {
	return func(ctx context.Context) {
		sendErr := e.notifier.SendReminder(ctx, e.gate.ApproverAddress, req, n, expires)
		e.metrics.RecordReminder()
		e.appendEvent(ctx, req.ID, model.StageApprovalGate, model.EventReminderSent, model.SystemActor,
			map[string]any{"number": n, "delivered": sendErr == nil}, "")

		log := e.logger.With(zap.String("request_id", req.ID), zap.Int("reminder", n))
		if sendErr != nil {
			log.Warn("reminder not delivered", zap.Error(sendErr))
		} else {
			log.Info("reminder sent")
		}
	}
}

// expire abandons a request whose approval window closed without a
// decision. The caller holds the request lock and sends the returned
// outcome notice after releasing it.
func (e *Engine) expire(ctx context.Context, st model.WorkflowState, req model.AccountRequest) (delivery, error) {
	e.clearTimer(st.RequestID)
	reminders := st.IntProperty(model.PropReminderCount)

	st, err := e.moveTo(ctx, st, model.StatusAbandoned, model.StageNotification, func(s *model.WorkflowState) {
		s.WakeAt = nil
		s.ErrorMessage = expiredMessage
	})
	if err != nil {
		return nil, err
	}

	e.appendEvent(ctx, st.RequestID, model.StageApprovalGate, model.EventExpired, model.SystemActor,
		map[string]any{"reminders_sent": reminders}, "")
	e.logger.Info("approval expired",
		zap.String("request_id", st.RequestID),
		zap.Int("reminders_sent", reminders),
	)
	return e.outcomeNotice(st, req, false, expiredMessage), nil
}

// arm schedules the in-process wakeup for a request, replacing any earlier
// one.
func (e *Engine) arm(requestID string, at time.Time) {
	if e.ctx.Err() != nil {
		return
	}
	d := at.Sub(e.clock.Now())
	if d < 0 {
		d = 0
	}

	e.timersMu.Lock()
	defer e.timersMu.Unlock()
	if old, ok := e.timers[requestID]; ok {
		old.Stop()
	}
	e.timers[requestID] = e.clock.AfterFunc(d, func() { e.wake(requestID) })
}

func (e *Engine) clearTimer(requestID string) {
	e.timersMu.Lock()
	defer e.timersMu.Unlock()
	if t, ok := e.timers[requestID]; ok {
		t.Stop()
		delete(e.timers, requestID)
	}
}

func (e *Engine) wake(requestID string) {
	if e.ctx.Err() != nil {
		return
	}
	if err := e.handleWake(e.ctx, requestID); err != nil {
		e.logger.Error("approval wakeup failed",
			zap.String("request_id", requestID),
			zap.Error(err),
		)
	}
}

// pendingTimers returns the number of armed wakeups.
func (e *Engine) pendingTimers() int {
	e.timersMu.Lock()
	defer e.timersMu.Unlock()
	return len(e.timers)
}
