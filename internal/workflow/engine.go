package workflow

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/pitabwire/grantflow/internal/config"
	"github.com/pitabwire/grantflow/internal/observability"
	"github.com/pitabwire/grantflow/internal/provisioning"
	"github.com/pitabwire/grantflow/model"
)

// Validator re-checks request fields when a workflow starts.
type Validator interface {
	Validate(in model.RequestFields) (model.RequestFields, []model.FieldError)
}

// Executor runs the provisioning steps of an approved request.
type Executor interface {
	Run(ctx context.Context, req model.AccountRequest, onStep func(provisioning.StepOutcome)) ([]provisioning.StepOutcome, error)
}

// Notifier delivers the messages a workflow sends. A failed delivery is
// reported but never changes workflow status.
type Notifier interface {
	SendApprovalRequest(ctx context.Context, approver string, req model.AccountRequest, expiresAt time.Time) error
	SendReminder(ctx context.Context, approver string, req model.AccountRequest, n int, expiresAt time.Time) error
	SendOutcome(ctx context.Context, requestor string, req model.AccountRequest, approved bool, final model.Status, comments string) error
}

// GateConfig holds the approval gate timings.
type GateConfig struct {
	ApproverAddress  string
	ReminderInterval time.Duration
	MaxReminders     int
	Expiry           time.Duration
}

// GateConfigFrom converts the approval section of the application config.
func GateConfigFrom(cfg config.ApprovalConfig) GateConfig {
	return GateConfig{
		ApproverAddress:  cfg.ApproverAddress,
		ReminderInterval: cfg.ReminderInterval,
		MaxReminders:     cfg.MaxReminders,
		Expiry:           cfg.Expiry,
	}
}

// Engine drives account requests from intake to a terminal status. Every
// change is persisted before the engine acts on it, so a restarted engine
// picks up where the last one stopped (see Recover).
type Engine struct {
	store     Store
	validator Validator
	executor  Executor
	notifier  Notifier
	gate      GateConfig
	clock     Clock
	metrics   *observability.Metrics
	logger    *zap.Logger
	async     bool

	locks *keyedMutex

	timersMu sync.Mutex
	timers   map[string]Timer

	runsMu sync.Mutex
	runs   map[string]struct{}
	wg     sync.WaitGroup

	ctx       context.Context
	cancel    context.CancelFunc
	recovered atomic.Bool
}

// Option customizes an Engine.
type Option func(*Engine)

// WithClock replaces the wall clock.
func WithClock(c Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithMetrics records workflow metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithLogger sets the engine logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithSynchronousRuns runs provisioning and notification delivery on the
// caller's goroutine instead of in the background.
func WithSynchronousRuns() Option {
	return func(e *Engine) { e.async = false }
}

// NewEngine creates a new workflow engine.
func NewEngine(store Store, validator Validator, executor Executor, notifier Notifier, gate GateConfig, opts ...Option) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		store:     store,
		validator: validator,
		executor:  executor,
		notifier:  notifier,
		gate:      gate,
		clock:     SystemClock{},
		logger:    zap.NewNop(),
		async:     true,
		locks:     newKeyedMutex(),
		timers:    make(map[string]Timer),
		runs:      make(map[string]struct{}),
		ctx:       ctx,
		cancel:    cancel,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// StartWorkflow creates the workflow for a stored request and drives it to
// the approval gate. Starting an already started request returns the
// existing handle.
func (e *Engine) StartWorkflow(ctx context.Context, requestID string) (model.WorkflowHandle, error) {
	ctx, span := observability.StartSpan(ctx, "workflow.start", requestID)
	handle, err := e.start(ctx, requestID)
	observability.FinishSpan(span, err)
	return handle, err
}

func (e *Engine) start(ctx context.Context, requestID string) (model.WorkflowHandle, error) {
	var handle model.WorkflowHandle
	err := e.locked(ctx, requestID, func() (send delivery, err error) {
		handle, send, err = e.startLocked(ctx, requestID)
		return send, err
	})
	return handle, err
}

func (e *Engine) startLocked(ctx context.Context, requestID string) (model.WorkflowHandle, delivery, error) {
	existing, err := e.store.GetState(ctx, requestID)
	if err == nil {
		return existing.Handle(), nil, nil
	}
	if !model.HasCode(err, model.ErrNotFound) {
		return model.WorkflowHandle{}, nil, fmt.Errorf("load workflow %s: %w", requestID, err)
	}

	req, err := e.store.GetRequest(ctx, requestID)
	if err != nil {
		return model.WorkflowHandle{}, nil, err
	}

	now := e.clock.Now()
	st := model.WorkflowState{
		RequestID:       requestID,
		Stage:           model.StageReceived,
		Status:          model.StatusReceived,
		CompletedStages: []string{},
		Properties:      map[string]any{},
		CreatedAt:       now,
		LastUpdated:     now,
		Version:         1,
	}
	if err := e.store.CreateState(ctx, st); err != nil {
		return model.WorkflowHandle{}, nil, fmt.Errorf("create workflow %s: %w", requestID, err)
	}

	e.metrics.RecordWorkflowStart()
	e.appendEvent(ctx, requestID, model.StageReceived, model.EventStarted, model.ActorFrom(ctx), nil, "")
	e.logger.Info("workflow started", zap.String("request_id", requestID))

	send, err := e.advance(ctx, st, req)
	return st.Handle(), send, err
}

// advance moves a workflow through the stages that need no outside input:
// Received to Validating, then validation and entry into the approval gate.
// It returns the notice to send once the request lock is released.
func (e *Engine) advance(ctx context.Context, st model.WorkflowState, req model.AccountRequest) (delivery, error) {
	var err error
	if st.Status == model.StatusReceived {
		st, err = e.moveTo(ctx, st, model.StatusValidating, model.StageValidation, func(s *model.WorkflowState) {
			s.MarkCompleted(model.StageReceived)
		})
		if err != nil {
			return nil, err
		}
	}
	if st.Status != model.StatusValidating {
		return nil, nil
	}

	if _, fieldErrs := e.validator.Validate(req.Fields()); len(fieldErrs) > 0 {
		msg := validationMessage(fieldErrs)
		st, err = e.moveTo(ctx, st, model.StatusFailed, model.StageNotification, func(s *model.WorkflowState) {
			s.ErrorMessage = msg
		})
		if err != nil {
			return nil, err
		}
		e.logger.Warn("request failed validation",
			zap.String("request_id", req.ID),
			zap.String("error", msg),
		)
		return e.outcomeNotice(st, req, false, msg), nil
	}

	return e.enterGate(ctx, st, req)
}

func validationMessage(errs []model.FieldError) string {
	parts := make([]string, 0, len(errs))
	for _, fe := range errs {
		parts = append(parts, fe.Field+": "+fe.Message)
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// QueryState returns the current workflow state of a request.
func (e *Engine) QueryState(ctx context.Context, handle model.WorkflowHandle) (model.WorkflowState, error) {
	requestID, err := resolveHandle(handle)
	if err != nil {
		return model.WorkflowState{}, err
	}
	st, err := e.store.GetState(ctx, requestID)
	if model.HasCode(err, model.ErrNotFound) {
		return model.WorkflowState{}, model.NewWorkflowNotFoundError(requestID)
	}
	return st, err
}

// SignalDecision delivers the approver's decision to a waiting workflow.
// Only the first decision counts; later ones are recorded in the audit trail
// and ignored. A decision for a request whose approval window has closed
// returns WORKFLOW_NOT_ACTIVE.
func (e *Engine) SignalDecision(ctx context.Context, handle model.WorkflowHandle, sig model.DecisionSignal) error {
	requestID, err := resolveHandle(handle)
	if err != nil {
		return err
	}
	sig.Approver = strings.TrimSpace(sig.Approver)
	if sig.Approver == "" {
		return model.NewValidationError([]model.FieldError{{
			Field: "approver", Code: "required", Message: "approver is required",
		}})
	}

	ctx, span := observability.StartSpan(ctx, "workflow.signal", requestID)
	ctx = model.WithActor(ctx, sig.Approver)
	var approved bool
	err = e.locked(ctx, requestID, func() (send delivery, err error) {
		approved, send, err = e.recordDecision(ctx, requestID, sig)
		return send, err
	})
	observability.FinishSpan(span, err)
	if err != nil {
		return err
	}
	if approved {
		e.launchProvisioning(requestID)
	}
	return nil
}

// recordDecision applies a decision under the request lock.
func (e *Engine) recordDecision(ctx context.Context, requestID string, sig model.DecisionSignal) (bool, delivery, error) {
	st, err := e.store.GetState(ctx, requestID)
	if model.HasCode(err, model.ErrNotFound) {
		return false, nil, model.NewWorkflowNotFoundError(requestID)
	}
	if err != nil {
		return false, nil, fmt.Errorf("load workflow %s: %w", requestID, err)
	}
	if st.Status != model.StatusAwaitingApproval {
		return false, nil, e.lateDecision(ctx, st, sig)
	}

	req, err := e.store.GetRequest(ctx, requestID)
	if err != nil {
		return false, nil, err
	}

	now := e.clock.Now()
	if expires, ok := st.TimeProperty(model.PropExpiresAt); ok && !now.Before(expires) {
		send, err := e.expire(ctx, st, req)
		if err != nil {
			return false, nil, err
		}
		return false, send, model.NewWorkflowNotActiveError(fmt.Sprintf("approval window for request %q has closed", requestID))
	}

	decision := model.ApprovalDecision{
		RequestID:     requestID,
		Approver:      sig.Approver,
		Approved:      sig.Approved,
		Comments:      sig.Comments,
		RespondedAt:   now,
		ReminderCount: st.IntProperty(model.PropReminderCount),
	}
	if err := e.store.SaveDecision(ctx, decision); err != nil {
		if model.HasCode(err, model.ErrConflict) {
			return false, nil, e.lateDecision(ctx, st, sig)
		}
		return false, nil, fmt.Errorf("save decision %s: %w", requestID, err)
	}

	e.clearTimer(requestID)
	to, stage := model.StatusRejected, model.StageNotification
	if sig.Approved {
		to, stage = model.StatusApproved, model.StageProvisioning
	}
	st, err = e.moveTo(ctx, st, to, stage, func(s *model.WorkflowState) {
		s.WakeAt = nil
		s.MarkCompleted(model.StageApprovalGate)
	})
	if err != nil {
		return false, nil, err
	}

	var waited time.Duration
	if requested, ok := st.TimeProperty(model.PropApprovalRequested); ok {
		waited = now.Sub(requested)
	}
	e.metrics.RecordDecision(sig.Approved, waited)
	e.appendEvent(ctx, requestID, model.StageApprovalGate, model.EventDecisionRecorded, sig.Approver,
		map[string]any{"approved": sig.Approved, "reminder_count": decision.ReminderCount}, sig.Comments)
	e.logger.Info("approval decision recorded",
		zap.String("request_id", requestID),
		zap.String("approver", sig.Approver),
		zap.Bool("approved", sig.Approved),
	)

	if !sig.Approved {
		return false, e.outcomeNotice(st, req, false, sig.Comments), nil
	}
	return true, nil, nil
}

// lateDecision handles a decision that arrives when the workflow is no
// longer waiting for one.
func (e *Engine) lateDecision(ctx context.Context, st model.WorkflowState, sig model.DecisionSignal) error {
	_, found, err := e.store.GetDecision(ctx, st.RequestID)
	if err != nil {
		return fmt.Errorf("load decision %s: %w", st.RequestID, err)
	}
	if found {
		e.metrics.RecordDuplicateSignal()
		e.appendEvent(ctx, st.RequestID, st.Stage, model.EventDuplicateDecision, sig.Approver,
			map[string]any{"approved": sig.Approved, "status": string(st.Status)}, sig.Comments)
		e.logger.Info("duplicate decision ignored",
			zap.String("request_id", st.RequestID),
			zap.String("approver", sig.Approver),
			zap.String("status", string(st.Status)),
		)
		return nil
	}
	if st.Status == model.StatusAbandoned {
		return model.NewWorkflowNotActiveError(fmt.Sprintf("approval window for request %q has closed", st.RequestID))
	}
	return model.NewWorkflowNotActiveError(fmt.Sprintf("request %q is %s and not awaiting approval", st.RequestID, st.Status))
}

// launchProvisioning starts the provisioning run for a request unless one is
// already running in this process.
func (e *Engine) launchProvisioning(requestID string) {
	e.runsMu.Lock()
	if _, running := e.runs[requestID]; running {
		e.runsMu.Unlock()
		return
	}
	e.runs[requestID] = struct{}{}
	e.wg.Add(1)
	e.runsMu.Unlock()

	run := func() {
		defer e.wg.Done()
		defer func() {
			e.runsMu.Lock()
			delete(e.runs, requestID)
			e.runsMu.Unlock()
		}()
		if err := e.provision(e.ctx, requestID); err != nil {
			e.logger.Error("provisioning run failed",
				zap.String("request_id", requestID),
				zap.Error(err),
			)
		}
	}
	if e.async {
		go run()
		return
	}
	run()
}

func (e *Engine) provision(ctx context.Context, requestID string) error {
	ctx, span := observability.StartSpan(ctx, "workflow.provision", requestID)

	req, ok, err := e.beginProvisioning(ctx, requestID)
	if err != nil || !ok {
		observability.FinishSpan(span, err)
		return err
	}

	outcomes, runErr := e.executor.Run(ctx, req, func(out provisioning.StepOutcome) {
		e.recordStep(ctx, out)
	})
	if runErr != nil && ctx.Err() != nil {
		e.logger.Warn("provisioning interrupted, will resume on recovery",
			zap.String("request_id", requestID),
			zap.Error(runErr),
		)
		observability.FinishSpan(span, ctx.Err())
		return nil
	}

	err = e.locked(ctx, requestID, func() (delivery, error) {
		return e.finishProvisioning(ctx, req, outcomes, runErr)
	})
	observability.FinishSpan(span, err)
	return err
}

func (e *Engine) beginProvisioning(ctx context.Context, requestID string) (model.AccountRequest, bool, error) {
	unlock := e.locks.Lock(requestID)
	defer unlock()

	st, err := e.store.GetState(ctx, requestID)
	if err != nil {
		return model.AccountRequest{}, false, fmt.Errorf("load workflow %s: %w", requestID, err)
	}
	switch st.Status {
	case model.StatusApproved:
		if _, err := e.moveTo(ctx, st, model.StatusProvisioning, model.StageProvisioning, nil); err != nil {
			return model.AccountRequest{}, false, err
		}
	case model.StatusProvisioning:
		e.appendEvent(ctx, requestID, model.StageProvisioning, model.EventResumed, model.SystemActor, nil, "")
		e.logger.Info("resuming provisioning", zap.String("request_id", requestID))
	default:
		return model.AccountRequest{}, false, nil
	}

	req, err := e.store.GetRequest(ctx, requestID)
	if err != nil {
		return model.AccountRequest{}, false, err
	}
	return req, true, nil
}

func (e *Engine) recordStep(ctx context.Context, out provisioning.StepOutcome) {
	op := out.Result
	event := model.EventStepCompleted
	switch {
	case out.Skipped:
		event = model.EventStepSkipped
	case op.Status == model.OperationFailed:
		event = model.EventStepFailed
	}
	e.appendEvent(ctx, op.RequestID, model.StageProvisioning, event, model.SystemActor, map[string]any{
		"step":            op.StepName,
		"operation_id":    op.ID,
		"idempotency_key": op.IdempotencyKey,
		"attempts":        op.Attempts,
	}, op.ErrorMessage)
}

func (e *Engine) finishProvisioning(ctx context.Context, req model.AccountRequest, outcomes []provisioning.StepOutcome, runErr error) (delivery, error) {
	st, err := e.store.GetState(ctx, req.ID)
	if err != nil {
		return nil, fmt.Errorf("load workflow %s: %w", req.ID, err)
	}
	if st.Status != model.StatusProvisioning {
		return nil, nil
	}

	var comments string
	if runErr != nil {
		step := failedStep(outcomes)
		comments = fmt.Sprintf("%s failed: %v", step, runErr)
		st, err = e.moveTo(ctx, st, model.StatusFailed, model.StageNotification, func(s *model.WorkflowState) {
			s.ErrorMessage = comments
			s.SetProperty(model.PropFailedStep, step)
		})
	} else {
		if d, found, derr := e.store.GetDecision(ctx, req.ID); derr == nil && found {
			comments = d.Comments
		}
		st, err = e.moveTo(ctx, st, model.StatusProvisioned, model.StageNotification, func(s *model.WorkflowState) {
			s.MarkCompleted(model.StageProvisioning)
		})
	}
	if err != nil {
		return nil, err
	}
	trace.SpanFromContext(ctx).SetAttributes(observability.AttrStatus.String(string(st.Status)))
	return e.outcomeNotice(st, req, true, comments), nil
}

// failedStep names the step a run stopped at.
func failedStep(outcomes []provisioning.StepOutcome) string {
	if n := len(outcomes); n > 0 && outcomes[n-1].Result.Status == model.OperationFailed {
		return outcomes[n-1].Result.StepName
	}
	steps := model.ProvisioningSteps()
	if len(outcomes) < len(steps) {
		return steps[len(outcomes)]
	}
	return ""
}

// outcomeNotice tells the requestor how their request ended. Delivery is
// attempted once per workflow; failure is logged and audited only.
func (e *Engine) outcomeNotice(st model.WorkflowState, req model.AccountRequest, approved bool, comments string) delivery {
	return func(ctx context.Context) {
		sendErr := e.notifier.SendOutcome(ctx, req.RequestorAddress, req, approved, st.Status, comments)

		err := e.amend(ctx, st.RequestID, func(s *model.WorkflowState) bool {
			s.SetProperty(model.PropOutcomeNotified, true)
			s.MarkCompleted(model.StageNotification)
			s.Stage = model.StageDone
			return true
		})
		if err != nil {
			e.logger.Error("failed to record outcome notification",
				zap.String("request_id", st.RequestID),
				zap.Error(err),
			)
		}

		e.appendEvent(ctx, st.RequestID, model.StageNotification, model.EventOutcomeNotified, model.SystemActor,
			map[string]any{"status": string(st.Status), "delivered": sendErr == nil}, "")
		if sendErr != nil {
			e.logger.Warn("outcome notification not delivered",
				zap.String("request_id", st.RequestID),
				zap.String("status", string(st.Status)),
				zap.Error(sendErr),
			)
		}
	}
}

// Recover resumes every unfinished workflow after a restart: pre-approval
// work is redone, approval timers are re-armed from their persisted wake
// times, and approved requests continue provisioning.
func (e *Engine) Recover(ctx context.Context) error {
	states, err := e.store.FindNonTerminal(ctx)
	if err != nil {
		return fmt.Errorf("recover: list workflows: %w", err)
	}
	e.metrics.SetActiveWorkflows(len(states))

	for _, st := range states {
		if err := e.recoverOne(ctx, st); err != nil {
			e.logger.Error("failed to recover workflow",
				zap.String("request_id", st.RequestID),
				zap.String("status", string(st.Status)),
				zap.Error(err),
			)
		}
	}

	e.recovered.Store(true)
	e.logger.Info("workflow recovery complete", zap.Int("workflows", len(states)))
	return nil
}

func (e *Engine) recoverOne(ctx context.Context, st model.WorkflowState) error {
	switch st.Status {
	case model.StatusApproved, model.StatusProvisioning:
		e.launchProvisioning(st.RequestID)
		return nil
	case model.StatusReceived, model.StatusValidating, model.StatusAwaitingApproval:
	default:
		return nil
	}

	return e.locked(ctx, st.RequestID, func() (delivery, error) {
		return e.resumeLocked(ctx, st.RequestID)
	})
}

func (e *Engine) resumeLocked(ctx context.Context, requestID string) (delivery, error) {
	st, err := e.store.GetState(ctx, requestID)
	if err != nil {
		return nil, err
	}
	req, err := e.store.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}

	switch st.Status {
	case model.StatusReceived, model.StatusValidating:
		e.appendEvent(ctx, requestID, st.Stage, model.EventResumed, model.SystemActor, nil, "")
		return e.advance(ctx, st, req)
	case model.StatusAwaitingApproval:
		e.appendEvent(ctx, requestID, st.Stage, model.EventResumed, model.SystemActor, nil, "")
		if st.WakeAt != nil {
			e.arm(requestID, *st.WakeAt)
		}
		if !st.BoolProperty(model.PropApprovalNoticeSent) {
			return e.approvalNotice(st, req), nil
		}
	}
	return nil, nil
}

// Recovered reports whether Recover has completed.
func (e *Engine) Recovered() bool { return e.recovered.Load() }

// ProcessDue fires every approval wakeup whose time has passed. It backs up
// the in-process timers, e.g. when another replica armed them.
func (e *Engine) ProcessDue(ctx context.Context) (int, error) {
	due, err := e.store.FindDue(ctx, e.clock.Now())
	if err != nil {
		return 0, fmt.Errorf("find due workflows: %w", err)
	}
	for _, st := range due {
		if err := e.handleWake(ctx, st.RequestID); err != nil {
			e.logger.Error("failed to process due workflow",
				zap.String("request_id", st.RequestID),
				zap.Error(err),
			)
		}
	}
	return len(due), nil
}

// Wait blocks until every provisioning run and notification delivery
// started so far has returned.
func (e *Engine) Wait() { e.wg.Wait() }

// Shutdown stops all timers and interrupts running provisioning. Steps that
// were in flight stay in progress and resume on the next Recover.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.cancel()

	e.timersMu.Lock()
	for id, t := range e.timers {
		t.Stop()
		delete(e.timers, id)
	}
	e.timersMu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// delivery is a notification send prepared under a request lock and run
// after the lock is released, so a slow channel never holds up signals.
type delivery func(ctx context.Context)

// locked runs fn while holding the request's lock, then dispatches the
// delivery fn returned.
func (e *Engine) locked(ctx context.Context, requestID string, fn func() (delivery, error)) error {
	send, err := func() (delivery, error) {
		unlock := e.locks.Lock(requestID)
		defer unlock()
		return fn()
	}()
	e.dispatch(ctx, send)
	return err
}

// dispatch runs a delivery in the background, detached from the caller's
// deadline but cancelled by Shutdown. Synchronous engines run it inline.
func (e *Engine) dispatch(ctx context.Context, send delivery) {
	if send == nil {
		return
	}
	if !e.async {
		send(ctx)
		return
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		defer cancel()
		stop := context.AfterFunc(e.ctx, cancel)
		defer stop()
		send(ctx)
	}()
}

// amend re-reads a workflow under its lock and saves mutate's changes when
// it reports any.
func (e *Engine) amend(ctx context.Context, requestID string, mutate func(*model.WorkflowState) bool) error {
	unlock := e.locks.Lock(requestID)
	defer unlock()

	st, err := e.store.GetState(ctx, requestID)
	if err != nil {
		return err
	}
	next := st.Clone()
	if !mutate(&next) {
		return nil
	}
	_, err = e.save(ctx, next)
	return err
}

// moveTo applies a status transition, persists it and records it.
func (e *Engine) moveTo(ctx context.Context, st model.WorkflowState, to model.Status, stage string, mutate func(*model.WorkflowState)) (model.WorkflowState, error) {
	from := st.Status
	if !model.CanTransition(from, to) {
		return st, model.NewInvalidTransitionError(from, to)
	}

	next := st.Clone()
	next.Status = to
	next.Stage = stage
	if mutate != nil {
		mutate(&next)
	}
	saved, err := e.save(ctx, next)
	if err != nil {
		return st, err
	}

	e.metrics.RecordTransition(string(from), string(to), to.IsTerminal())
	e.appendEvent(ctx, st.RequestID, stage, model.EventTransition, model.ActorFrom(ctx),
		map[string]any{"from": string(from), "to": string(to)}, "")
	e.logger.Info("workflow transition",
		zap.String("request_id", st.RequestID),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
	)
	return saved, nil
}

func (e *Engine) save(ctx context.Context, st model.WorkflowState) (model.WorkflowState, error) {
	st.LastUpdated = e.clock.Now()
	saved, err := e.store.UpdateState(ctx, st)
	if err != nil {
		return model.WorkflowState{}, fmt.Errorf("persist workflow %s: %w", st.RequestID, err)
	}
	return saved, nil
}

// appendEvent records an audit event. The workflow state is authoritative,
// so a failed append is logged rather than returned.
func (e *Engine) appendEvent(
	ctx context.Context,
	requestID, stage, event, actorID string,
	data map[string]any,
	comment string,
) {
	err := e.store.AppendEvent(ctx, model.WorkflowEvent{
		ID:        uuid.New().String(),
		RequestID: requestID,
		Stage:     stage,
		Event:     event,
		ActorID:   actorID,
		Data:      data,
		Comment:   comment,
		Timestamp: e.clock.Now(),
	})
	if err != nil {
		e.logger.Error("failed to append workflow event",
			zap.String("request_id", requestID),
			zap.String("event", event),
			zap.Error(err),
		)
	}
}

func resolveHandle(h model.WorkflowHandle) (string, error) {
	if h.RequestID != "" {
		return h.RequestID, nil
	}
	if id, ok := strings.CutPrefix(h.WorkflowRef, model.WorkflowRefFor("")); ok && id != "" {
		return id, nil
	}
	return "", model.NewBadRequestError("workflow handle has no request ID")
}

