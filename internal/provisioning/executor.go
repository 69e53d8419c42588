package provisioning

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/grantflow/internal/observability"
	"github.com/pitabwire/grantflow/internal/retry"
	"github.com/pitabwire/grantflow/model"
)

// Operation kinds recorded on OperationResult.Kind.
const (
	KindLogin          = "login"
	KindDatabaseUser   = "database_user"
	KindRoleAssignment = "role_assignment"
)

// OperationStore persists OperationResults. BeginOperation returns the
// existing in-progress record for the idempotency key when there is one.
type OperationStore interface {
	FindSucceededOperation(ctx context.Context, idempotencyKey string) (model.OperationResult, bool, error)
	BeginOperation(ctx context.Context, op model.OperationResult) (model.OperationResult, error)
	CompleteOperation(ctx context.Context, op model.OperationResult) error
}

// StepOutcome is the result of running one step.
type StepOutcome struct {
	Result  model.OperationResult
	Skipped bool
}

// Executor runs the provisioning steps of a request in order.
type Executor struct {
	prov    Provisioner
	ops     OperationStore
	policy  retry.Policy
	metrics *observability.Metrics
	logger  *zap.Logger
	now     func() time.Time
}

// ExecutorOption customizes an Executor.
type ExecutorOption func(*Executor)

// WithNow overrides the timestamp source.
func WithNow(now func() time.Time) ExecutorOption {
	return func(e *Executor) { e.now = now }
}

// NewExecutor creates an Executor.
func NewExecutor(prov Provisioner, ops OperationStore, policy retry.Policy, metrics *observability.Metrics, logger *zap.Logger, opts ...ExecutorOption) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Executor{
		prov:    prov,
		ops:     ops,
		policy:  policy,
		metrics: metrics,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run executes every step in order, stopping at the first failure. onStep,
// when non-nil, is called after each step that reached a terminal result.
// A cancelled ctx returns ctx.Err() and leaves the current step in progress
// so a later run resumes it.
func (e *Executor) Run(ctx context.Context, req model.AccountRequest, onStep func(StepOutcome)) ([]StepOutcome, error) {
	var outcomes []StepOutcome
	for _, step := range model.ProvisioningSteps() {
		out, err := e.RunStep(ctx, req, step)
		if out.Result.IsTerminal() {
			outcomes = append(outcomes, out)
			if onStep != nil {
				onStep(out)
			}
		}
		if err != nil {
			return outcomes, err
		}
	}
	return outcomes, nil
}

// RunStep executes a single step. A step that already succeeded under the
// same idempotency key is skipped without calling the provisioner.
func (e *Executor) RunStep(ctx context.Context, req model.AccountRequest, step string) (StepOutcome, error) {
	key := model.OperationKey(req.ID, step)
	log := e.logger.With(
		zap.String("request_id", req.ID),
		zap.String("step", step),
		zap.String("idempotency_key", key),
	)

	ctx, span := observability.StartSpan(ctx, "provisioning.step", req.ID,
		observability.AttrStep.String(step),
	)

	prior, found, err := e.ops.FindSucceededOperation(ctx, key)
	if err != nil {
		err = fmt.Errorf("provisioning: lookup %s: %w", key, err)
		observability.FinishSpan(span, err)
		return StepOutcome{}, err
	}
	if found {
		span.SetAttributes(observability.AttrSkipped.Bool(true))
		span.End()
		e.metrics.RecordProvisioningStep(step, "skipped", 0)
		log.Debug("step already succeeded, skipping")
		return StepOutcome{Result: prior, Skipped: true}, nil
	}

	rec, err := e.ops.BeginOperation(ctx, model.OperationResult{
		ID:             uuid.NewString(),
		RequestID:      req.ID,
		StepName:       step,
		Kind:           kindFor(step),
		Target:         targetFor(req, step),
		IdempotencyKey: key,
		Status:         model.OperationInProgress,
		StartedAt:      e.now(),
	})
	if err != nil {
		err = fmt.Errorf("provisioning: begin %s: %w", key, err)
		observability.FinishSpan(span, err)
		return StepOutcome{}, err
	}

	started := time.Now()
	attempts, callErr := e.policy.Do(ctx, func(ctx context.Context) error {
		return e.invoke(ctx, req, step, key)
	}, func(attempt int, err error, wait time.Duration) {
		e.metrics.RecordProvisioningRetry(step)
		log.Debug("step failed, retrying",
			zap.Int("attempt", attempt),
			zap.Duration("backoff", wait),
			zap.Error(err),
		)
	})
	span.SetAttributes(observability.AttrAttempts.Int(attempts))

	if callErr != nil && ctx.Err() != nil {
		log.Warn("step interrupted, left in progress", zap.Error(ctx.Err()))
		observability.FinishSpan(span, ctx.Err())
		return StepOutcome{Result: rec}, ctx.Err()
	}

	ended := e.now()
	rec.Attempts += attempts
	rec.EndedAt = &ended
	if callErr != nil {
		rec.Status = model.OperationFailed
		rec.ErrorMessage = callErr.Error()
	} else {
		rec.Status = model.OperationSuccess
		rec.ErrorMessage = ""
	}

	if err := e.ops.CompleteOperation(ctx, rec); err != nil {
		err = fmt.Errorf("provisioning: complete %s: %w", key, err)
		observability.FinishSpan(span, err)
		return StepOutcome{Result: rec}, err
	}

	e.metrics.RecordProvisioningStep(step, rec.Status, time.Since(started))
	if callErr != nil {
		log.Error("step failed",
			zap.Int("attempts", rec.Attempts),
			zap.Bool("permanent", model.IsPermanent(callErr)),
			zap.Error(callErr),
		)
		observability.FinishSpan(span, callErr)
		return StepOutcome{Result: rec}, callErr
	}

	log.Info("step completed", zap.Int("attempts", rec.Attempts))
	span.End()
	return StepOutcome{Result: rec}, nil
}

func (e *Executor) invoke(ctx context.Context, req model.AccountRequest, step, key string) error {
	switch step {
	case model.StepCreateLogin:
		return e.prov.CreateLogin(ctx, key, req.ServerName, req.PrincipalName)
	case model.StepCreateDatabaseUser:
		return e.prov.CreateDatabaseUser(ctx, key, req.ServerName, req.DatabaseName, req.PrincipalName, req.PrincipalName)
	case model.StepAssignRole:
		return e.prov.AssignRole(ctx, key, req.ServerName, req.DatabaseName, req.PrincipalName, req.RoleName)
	default:
		return model.NewPermanentError(step, fmt.Errorf("unknown provisioning step"))
	}
}

func kindFor(step string) string {
	switch step {
	case model.StepCreateLogin:
		return KindLogin
	case model.StepCreateDatabaseUser:
		return KindDatabaseUser
	case model.StepAssignRole:
		return KindRoleAssignment
	}
	return step
}

func targetFor(req model.AccountRequest, step string) map[string]string {
	t := map[string]string{
		"server":    req.ServerName,
		"principal": req.PrincipalName,
	}
	if step != model.StepCreateLogin {
		t["database"] = req.DatabaseName
	}
	if step == model.StepAssignRole {
		t["role"] = req.RoleName
	}
	return t
}
