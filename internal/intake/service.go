// Package intake accepts account requests: it validates them, persists them
// and starts their workflow.
package intake

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/pitabwire/grantflow/internal/observability"
	"github.com/pitabwire/grantflow/model"
)

const (
	defaultListLimit = 50
	maxListLimit     = 200
)

// Validator checks and normalizes submitted fields.
type Validator interface {
	Validate(in model.RequestFields) (model.RequestFields, []model.FieldError)
}

// RequestStore is the part of the state store intake writes to.
type RequestStore interface {
	CreateRequest(ctx context.Context, req model.AccountRequest) error
	GetRequest(ctx context.Context, id string) (model.AccountRequest, error)
	ListRequests(ctx context.Context, filters model.RequestFilters) ([]model.AccountRequest, error)
}

// Starter starts the workflow of a stored request.
type Starter interface {
	StartWorkflow(ctx context.Context, requestID string) (model.WorkflowHandle, error)
}

// Submission is the result of CreateRequest.
type Submission struct {
	Request  model.AccountRequest
	Handle   model.WorkflowHandle
	Replayed bool
}

// Service implements request intake.
type Service struct {
	validator Validator
	requests  RequestStore
	starter   Starter
	idem      IdempotencyStore
	idemTTL   time.Duration
	metrics   *observability.Metrics
	logger    *zap.Logger
	now       func() time.Time
	newID     func() string
	flight    singleflight.Group
}

// Option customizes a Service.
type Option func(*Service)

// WithIdempotency enables client idempotency keys backed by store.
func WithIdempotency(store IdempotencyStore, ttl time.Duration) Option {
	return func(s *Service) {
		s.idem = store
		s.idemTTL = ttl
	}
}

// WithMetrics records intake metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithLogger sets the service logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithNow overrides the timestamp source.
func WithNow(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithIDGenerator overrides request ID generation.
func WithIDGenerator(gen func() string) Option {
	return func(s *Service) { s.newID = gen }
}

// NewService creates an intake service.
func NewService(validator Validator, requests RequestStore, starter Starter, opts ...Option) *Service {
	s := &Service{
		validator: validator,
		requests:  requests,
		starter:   starter,
		idemTTL:   24 * time.Hour,
		logger:    zap.NewNop(),
		now:       func() time.Time { return time.Now().UTC() },
		newID:     uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateRequest validates fields, stores a new request and starts its
// workflow. Invalid input returns VALIDATION_ERROR and stores nothing. When
// idemKey is set, a repeat submission returns the original request.
func (s *Service) CreateRequest(ctx context.Context, fields model.RequestFields, idemKey string) (Submission, error) {
	normalized, fieldErrs := s.validator.Validate(fields)
	if len(fieldErrs) > 0 {
		for _, fe := range fieldErrs {
			s.metrics.RecordValidationFailure(fe.Field)
		}
		return Submission{}, model.NewValidationError(fieldErrs)
	}

	if idemKey == "" || s.idem == nil {
		return s.create(ctx, normalized)
	}

	key := FormatIdempotencyKey(idemKey)
	hash := HashFields(normalized)
	ran := false
	v, err, _ := s.flight.Do(key+":"+hash, func() (any, error) {
		ran = true
		return s.createOnce(ctx, normalized, key, hash)
	})
	if err != nil {
		return Submission{}, err
	}
	sub := v.(Submission)
	if !ran {
		sub.Replayed = true
		s.metrics.RecordIdempotencyReplay()
	}
	return sub, nil
}

func (s *Service) createOnce(ctx context.Context, fields model.RequestFields, key, hash string) (Submission, error) {
	receipt, found, err := s.idem.Check(ctx, key, hash)
	if err != nil {
		return Submission{}, err
	}
	if found {
		req, err := s.requests.GetRequest(ctx, receipt.RequestID)
		if err != nil {
			return Submission{}, fmt.Errorf("load replayed request %s: %w", receipt.RequestID, err)
		}
		s.metrics.RecordIdempotencyReplay()
		s.logger.Info("idempotent replay", zap.String("request_id", req.ID))
		return Submission{
			Request:  req,
			Handle:   model.WorkflowHandle{RequestID: req.ID, WorkflowRef: receipt.WorkflowRef},
			Replayed: true,
		}, nil
	}

	sub, err := s.create(ctx, fields)
	if err != nil {
		return Submission{}, err
	}
	r := Receipt{RequestID: sub.Request.ID, WorkflowRef: sub.Handle.WorkflowRef}
	if err := s.idem.Store(ctx, key, hash, r, s.idemTTL); err != nil {
		s.logger.Warn("failed to store idempotency receipt",
			zap.String("request_id", sub.Request.ID),
			zap.Error(err),
		)
	}
	return sub, nil
}

func (s *Service) create(ctx context.Context, fields model.RequestFields) (Submission, error) {
	id := s.newID()
	req := model.AccountRequest{
		ID:               id,
		PrincipalName:    fields.PrincipalName,
		ServerName:       fields.ServerName,
		DatabaseName:     fields.DatabaseName,
		RoleName:         fields.RoleName,
		RequestorAddress: fields.RequestorAddress,
		Justification:    fields.Justification,
		RequestedAt:      s.now(),
		Status:           model.StatusReceived,
		WorkflowRef:      model.WorkflowRefFor(id),
	}
	if err := s.requests.CreateRequest(ctx, req); err != nil {
		return Submission{}, fmt.Errorf("store request: %w", err)
	}
	s.metrics.RecordRequestCreated()

	log := observability.RequestLogger(ctx, s.logger).With(zap.String("request_id", id))
	handle, err := s.starter.StartWorkflow(ctx, id)
	if err != nil {
		log.Error("request stored but workflow start failed", zap.Error(err))
		return Submission{}, err
	}

	// Re-read so the returned status reflects how far the workflow got.
	if stored, err := s.requests.GetRequest(ctx, id); err == nil {
		req = stored
	}
	log.Info("request accepted",
		zap.String("principal", req.PrincipalName),
		zap.String("server", req.ServerName),
		zap.String("status", string(req.Status)),
	)
	return Submission{Request: req, Handle: handle}, nil
}

// GetRequest returns a request by ID.
func (s *Service) GetRequest(ctx context.Context, id string) (model.AccountRequest, error) {
	return s.requests.GetRequest(ctx, id)
}

// ListRequests returns requests matching filters. Limit defaults to 50 and
// is capped at 200.
func (s *Service) ListRequests(ctx context.Context, filters model.RequestFilters) ([]model.AccountRequest, error) {
	if filters.Offset < 0 {
		return nil, model.NewBadRequestError("offset must not be negative")
	}
	if filters.Limit <= 0 {
		filters.Limit = defaultListLimit
	}
	if filters.Limit > maxListLimit {
		filters.Limit = maxListLimit
	}
	if !filters.From.IsZero() && !filters.To.IsZero() && !filters.From.Before(filters.To) {
		return nil, model.NewBadRequestError("from must be before to")
	}
	return s.requests.ListRequests(ctx, filters)
}
