package model

import "context"

// SystemActor is recorded when a transition is driven by a timer, recovery
// or another caller that did not name itself.
const SystemActor = "system"

// RequestContext carries the caller details for one inbound call. Actor is
// self-declared and used only for the audit trail.
type RequestContext struct {
	Actor         string
	CorrelationID string
	TraceID       string
}

// ActorOrSystem returns Actor, or SystemActor when it is unset. Safe on a
// nil receiver.
func (rc *RequestContext) ActorOrSystem() string {
	if rc != nil && rc.Actor != "" {
		return rc.Actor
	}
	return SystemActor
}

type requestContextKey struct{}

// WithRequestContext returns ctx carrying rctx.
func WithRequestContext(ctx context.Context, rctx *RequestContext) context.Context {
	return context.WithValue(ctx, requestContextKey{}, rctx)
}

// RequestContextFrom returns the RequestContext on ctx, or nil.
func RequestContextFrom(ctx context.Context) *RequestContext {
	rctx, _ := ctx.Value(requestContextKey{}).(*RequestContext)
	return rctx
}

// ActorFrom returns the audit actor for ctx.
func ActorFrom(ctx context.Context) string {
	return RequestContextFrom(ctx).ActorOrSystem()
}

// CorrelationIDFrom returns the caller's correlation ID, or "".
func CorrelationIDFrom(ctx context.Context) string {
	if rctx := RequestContextFrom(ctx); rctx != nil {
		return rctx.CorrelationID
	}
	return ""
}

// WithActor returns ctx with its actor replaced. The RequestContext already
// on ctx is copied, never mutated, so concurrent readers are unaffected.
func WithActor(ctx context.Context, actor string) context.Context {
	var rc RequestContext
	if existing := RequestContextFrom(ctx); existing != nil {
		rc = *existing
	}
	rc.Actor = actor
	return WithRequestContext(ctx, &rc)
}
