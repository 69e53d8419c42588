package transport

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/pitabwire/grantflow/internal/config"
	"github.com/pitabwire/grantflow/internal/intake"
	"github.com/pitabwire/grantflow/internal/observability"
	"github.com/pitabwire/grantflow/model"
)

// Intake accepts and lists account requests.
type Intake interface {
	CreateRequest(ctx context.Context, fields model.RequestFields, idemKey string) (intake.Submission, error)
	GetRequest(ctx context.Context, id string) (model.AccountRequest, error)
	ListRequests(ctx context.Context, filters model.RequestFilters) ([]model.AccountRequest, error)
}

// Workflows drives and queries request workflows.
type Workflows interface {
	StartWorkflow(ctx context.Context, requestID string) (model.WorkflowHandle, error)
	QueryState(ctx context.Context, handle model.WorkflowHandle) (model.WorkflowState, error)
	SignalDecision(ctx context.Context, handle model.WorkflowHandle, sig model.DecisionSignal) error
}

// AuditLog reads the per-request audit trail.
type AuditLog interface {
	ListOperations(ctx context.Context, requestID string) ([]model.OperationResult, error)
	ListEvents(ctx context.Context, requestID string) ([]model.WorkflowEvent, error)
}

// Dependencies holds all injected dependencies for the HTTP transport layer.
type Dependencies struct {
	Config    *config.Config
	Intake    Intake
	Workflows Workflows
	Audit     AuditLog
	Logger    *zap.Logger
	Metrics   *observability.Metrics
	Gatherer  prometheus.Gatherer
	Readiness observability.ReadinessChecks
}

// NewRouter creates a chi.Router with the full middleware pipeline and all
// route registrations. Health, readiness, and metrics endpoints skip the
// request-scoped middleware.
func NewRouter(deps Dependencies) chi.Router {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	r := chi.NewRouter()

	r.Use(Recovery(logger))
	r.Use(CORS(deps.Config.Server.CORS))
	r.Use(RequestID)
	r.Use(SecurityHeaders)
	r.NotFound(routeNotFound)

	r.Get("/healthz", observability.HandleHealth())
	r.Get("/readyz", observability.HandleReady(deps.Readiness))
	if deps.Config.Observability.Metrics.Enabled && deps.Gatherer != nil {
		path := deps.Config.Observability.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		r.Method(http.MethodGet, path, observability.Handler(deps.Gatherer))
	}

	h := &handlers{
		intake:    deps.Intake,
		workflows: deps.Workflows,
		audit:     deps.Audit,
		logger:    logger,
	}

	r.Group(func(r chi.Router) {
		r.Use(observability.TracingMiddleware)
		r.Use(BuildRequestContext(logger))
		r.Use(HandlerTimeout(deps.Config.Server.HandlerTimeout))
		r.Use(RequestLogging(logger))
		if deps.Metrics != nil {
			r.Use(deps.Metrics.MetricsMiddleware)
		}

		r.Route("/v1/requests", func(r chi.Router) {
			r.Post("/", h.createRequest)
			r.Get("/", h.listRequests)
			r.Route("/{requestId}", func(r chi.Router) {
				r.Get("/", h.getRequest)
				r.Post("/workflow", h.startWorkflow)
				r.Get("/workflow", h.queryWorkflow)
				r.Post("/decision", h.signalDecision)
				r.Get("/operations", h.listOperations)
				r.Get("/events", h.listEvents)
			})
		})
	})

	return r
}
