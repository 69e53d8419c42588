package provisioning

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/pitabwire/grantflow/internal/config"
	"github.com/pitabwire/grantflow/internal/observability"
	"github.com/pitabwire/grantflow/model"
)

// HTTP API paths of the provisioning service.
const (
	pathLogins          = "/v1/logins"
	pathDatabaseUsers   = "/v1/database-users"
	pathRoleAssignments = "/v1/role-assignments"
	pathHealth          = "/healthz"
)

// HTTPProvisioner calls a provisioning REST API. Each call is guarded by a
// circuit breaker and a client-side rate limiter and sends the operation's
// idempotency key in the Idempotency-Key header.
type HTTPProvisioner struct {
	baseURL string
	token   string
	client  *http.Client
	breaker *CircuitBreaker
	limiter *rate.Limiter
	logger  *zap.Logger
}

// HTTPOption customizes an HTTPProvisioner.
type HTTPOption func(*HTTPProvisioner)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(p *HTTPProvisioner) { p.client = c }
}

// WithBreakerClock overrides the breaker clock.
func WithBreakerClock(now func() time.Time) HTTPOption {
	return func(p *HTTPProvisioner) { p.breaker.settings.Now = now }
}

// NewHTTPProvisioner builds a provisioner from configuration. The bearer
// token is read from the environment variable named by http.token_env.
func NewHTTPProvisioner(cfg config.ProvisioningConfig, metrics *observability.Metrics, logger *zap.Logger, opts ...HTTPOption) *HTTPProvisioner {
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.HTTP.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	var token string
	if cfg.HTTP.TokenEnv != "" {
		token = os.Getenv(cfg.HTTP.TokenEnv)
	}

	limit := rate.Inf
	burst := cfg.RateLimit.Burst
	if cfg.RateLimit.PerSecond > 0 {
		limit = rate.Limit(cfg.RateLimit.PerSecond)
	}
	if burst < 1 {
		burst = 1
	}

	cb := cfg.CircuitBreaker
	p := &HTTPProvisioner{
		baseURL: strings.TrimRight(cfg.HTTP.BaseURL, "/"),
		token:   token,
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        50,
				MaxConnsPerHost:     20,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
		limiter: rate.NewLimiter(limit, burst),
		logger:  logger,
	}
	p.breaker = NewCircuitBreaker(BreakerSettings{
		FailureThreshold:   cb.FailureThreshold,
		SuccessThreshold:   cb.SuccessThreshold,
		Timeout:            cb.Timeout,
		ErrorRateThreshold: cb.ErrorRateThreshold,
		ErrorRateWindow:    cb.ErrorRateWindow,
		OnStateChange: func(from, to BreakerState) {
			metrics.SetBreakerState("http", float64(to))
			logger.Warn("provisioning breaker state changed",
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})
	for _, opt := range opts {
		opt(p)
	}
	return p
}

type loginPayload struct {
	Server string `json:"server"`
	Login  string `json:"login"`
}

type databaseUserPayload struct {
	Server   string `json:"server"`
	Database string `json:"database"`
	User     string `json:"user"`
	Login    string `json:"login"`
}

type roleAssignmentPayload struct {
	Server    string `json:"server"`
	Database  string `json:"database"`
	Principal string `json:"principal"`
	Role      string `json:"role"`
}

func (p *HTTPProvisioner) CreateLogin(ctx context.Context, key, server, login string) error {
	return p.post(ctx, model.StepCreateLogin, pathLogins, key, loginPayload{Server: server, Login: login})
}

func (p *HTTPProvisioner) CreateDatabaseUser(ctx context.Context, key, server, database, user, login string) error {
	return p.post(ctx, model.StepCreateDatabaseUser, pathDatabaseUsers, key,
		databaseUserPayload{Server: server, Database: database, User: user, Login: login})
}

func (p *HTTPProvisioner) AssignRole(ctx context.Context, key, server, database, principal, role string) error {
	return p.post(ctx, model.StepAssignRole, pathRoleAssignments, key,
		roleAssignmentPayload{Server: server, Database: database, Principal: principal, Role: role})
}

// HealthCheck probes the provisioning API health endpoint.
func (p *HTTPProvisioner) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+pathHealth, nil)
	if err != nil {
		return err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("provisioning api health: status %d", resp.StatusCode)
	}
	return nil
}

// Breaker exposes the circuit breaker for diagnostics.
func (p *HTTPProvisioner) Breaker() *CircuitBreaker { return p.breaker }

// post performs one guarded call. 2xx and 409 are success; other 4xx are
// permanent; 429, 5xx, connection errors and an open breaker are transient.
func (p *HTTPProvisioner) post(ctx context.Context, op, path, key string, payload any) error {
	if err := p.breaker.Allow(); err != nil {
		return model.NewTransientError(op, err)
	}
	if err := p.limiter.Wait(ctx); err != nil {
		return model.NewTransientError(op, fmt.Errorf("rate limiter: %w", err))
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return model.NewPermanentError(op, fmt.Errorf("marshal payload: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return model.NewPermanentError(op, fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Idempotency-Key", sanitizeHeader(key))
	if p.token != "" {
		req.Header.Set("Authorization", "Bearer "+sanitizeHeader(p.token))
	}
	if cid := model.CorrelationIDFrom(ctx); cid != "" {
		req.Header.Set("X-Correlation-Id", sanitizeHeader(cid))
	}
	observability.InjectTraceHeaders(ctx, req.Header)

	resp, err := p.client.Do(req)
	if err != nil {
		p.breaker.RecordFailure()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if isConnectionError(err) {
			return model.NewTransientError(op, fmt.Errorf("backend unavailable: %w", err))
		}
		return model.NewTransientError(op, fmt.Errorf("request failed: %w", err))
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	switch {
	case resp.StatusCode >= 500:
		p.breaker.RecordFailure()
		return model.NewTransientError(op, fmt.Errorf("status %d: %s", resp.StatusCode, errorMessage(respBody)))
	case resp.StatusCode == http.StatusTooManyRequests:
		p.breaker.RecordSuccess()
		return model.NewTransientError(op, fmt.Errorf("rate limited by backend"))
	case resp.StatusCode == http.StatusConflict:
		p.breaker.RecordSuccess()
		p.logger.Debug("provisioning resource already exists",
			zap.String("op", op), zap.String("idempotency_key", key))
		return nil
	case resp.StatusCode >= 400:
		p.breaker.RecordSuccess()
		return model.NewPermanentError(op, fmt.Errorf("status %d: %s", resp.StatusCode, errorMessage(respBody)))
	default:
		p.breaker.RecordSuccess()
		return nil
	}
}

// errorMessage extracts "message" or "error" from a JSON error body, falling
// back to the raw text.
func errorMessage(body []byte) string {
	var parsed struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(body, &parsed); err == nil {
		if parsed.Message != "" {
			return parsed.Message
		}
		if parsed.Error != "" {
			return parsed.Error
		}
	}
	msg := strings.TrimSpace(string(body))
	if msg == "" {
		return "no response body"
	}
	return msg
}

// sanitizeHeader strips newlines and carriage returns to prevent header injection.
func sanitizeHeader(s string) string {
	s = strings.ReplaceAll(s, "\r", "")
	s = strings.ReplaceAll(s, "\n", "")
	return s
}

func isConnectionError(err error) bool {
	var netErr *net.OpError
	if errors.As(err, &netErr) {
		return true
	}
	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr)
}
