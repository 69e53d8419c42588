// Package provisioning performs the side effects that grant database access:
// creating a login, creating the database user, and assigning a role. Every
// call carries an idempotency key and is safe to repeat.
package provisioning

import (
	"context"
	"sync"
)

// Provisioner is the surface of the database platform.
type Provisioner interface {
	CreateLogin(ctx context.Context, key, server, login string) error
	CreateDatabaseUser(ctx context.Context, key, server, database, user, login string) error
	AssignRole(ctx context.Context, key, server, database, principal, role string) error
}

// NoopProvisioner accepts every call without side effects. It records the
// keys it saw so local runs and tests can inspect them.
type NoopProvisioner struct {
	mu    sync.Mutex
	calls []string
}

// NewNoopProvisioner returns an empty NoopProvisioner.
func NewNoopProvisioner() *NoopProvisioner {
	return &NoopProvisioner{}
}

func (p *NoopProvisioner) CreateLogin(_ context.Context, key, _, _ string) error {
	p.record(key)
	return nil
}

func (p *NoopProvisioner) CreateDatabaseUser(_ context.Context, key, _, _, _, _ string) error {
	p.record(key)
	return nil
}

func (p *NoopProvisioner) AssignRole(_ context.Context, key, _, _, _, _ string) error {
	p.record(key)
	return nil
}

// Calls returns the idempotency keys received, in order.
func (p *NoopProvisioner) Calls() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.calls))
	copy(out, p.calls)
	return out
}

// HealthCheck always succeeds.
func (p *NoopProvisioner) HealthCheck(context.Context) error { return nil }

func (p *NoopProvisioner) record(key string) {
	p.mu.Lock()
	p.calls = append(p.calls, key)
	p.mu.Unlock()
}
