package observability

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"
)

// Build metadata, set from ldflags in cmd/grantd.
var (
	Version = "dev"
	Commit  = "unknown"
)

var startedAt = time.Now()

// HealthResponse is the /healthz body.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Commit  string `json:"commit"`
	Uptime  string `json:"uptime"`
}

// ReadinessResponse is the /readyz body.
type ReadinessResponse struct {
	Status string                 `json:"status"`
	Checks map[string]CheckResult `json:"checks"`
}

// CheckResult reports one readiness probe.
type CheckResult struct {
	Status    string `json:"status"`
	LatencyMs int64  `json:"latency_ms"`
	Error     string `json:"error,omitempty"`
}

// HealthChecker is implemented by the state store, the idempotency store and
// the provisioning backends.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// HealthCheckFunc adapts a function to HealthChecker.
type HealthCheckFunc func(ctx context.Context) error

func (f HealthCheckFunc) HealthCheck(ctx context.Context) error { return f(ctx) }

// ReadinessChecks lists what /readyz probes. grantd is not ready until
// in-flight workflows have been recovered, even if every dependency is up.
type ReadinessChecks struct {
	Recovered    func() bool
	Dependencies map[string]HealthChecker
	// Timeout bounds each dependency probe; zero means two seconds.
	Timeout time.Duration
}

var errRecoveryPending = errors.New("workflow recovery has not completed")

// Evaluate runs every probe concurrently and reports whether all passed.
func (c ReadinessChecks) Evaluate(ctx context.Context) (bool, map[string]CheckResult) {
	probes := map[string]HealthChecker{
		"recovery": HealthCheckFunc(func(context.Context) error {
			if c.Recovered == nil || !c.Recovered() {
				return errRecoveryPending
			}
			return nil
		}),
	}
	for name, hc := range c.Dependencies {
		if hc != nil {
			probes[name] = hc
		}
	}

	timeout := c.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}

	type named struct {
		name   string
		result CheckResult
	}
	out := make(chan named, len(probes))
	var g errgroup.Group
	for name, hc := range probes {
		g.Go(func() error {
			out <- named{name, probe(ctx, hc, timeout)}
			return nil
		})
	}
	_ = g.Wait()
	close(out)

	ready := true
	results := make(map[string]CheckResult, len(probes))
	for n := range out {
		results[n.name] = n.result
		ready = ready && n.result.Status == "ok"
	}
	return ready, results
}

func probe(parent context.Context, hc HealthChecker, timeout time.Duration) CheckResult {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	start := time.Now()
	err := hc.HealthCheck(ctx)
	res := CheckResult{Status: "ok", LatencyMs: time.Since(start).Milliseconds()}
	if err != nil {
		res.Status, res.Error = "error", err.Error()
	}
	return res
}

// HandleHealth serves the liveness probe.
func HandleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeProbe(w, http.StatusOK, HealthResponse{
			Status:  "ok",
			Version: Version,
			Commit:  Commit,
			Uptime:  time.Since(startedAt).Truncate(time.Second).String(),
		})
	}
}

// HandleReady serves the readiness probe: 200 when every check passes, 503
// otherwise.
func HandleReady(checks ReadinessChecks) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ok, results := checks.Evaluate(r.Context())
		if !ok {
			writeProbe(w, http.StatusServiceUnavailable, ReadinessResponse{Status: "not_ready", Checks: results})
			return
		}
		writeProbe(w, http.StatusOK, ReadinessResponse{Status: "ready", Checks: results})
	}
}

func writeProbe(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
