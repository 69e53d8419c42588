package provisioning

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/pitabwire/grantflow/model"
)

// PostgreSQL SQLSTATE codes that make a step fail permanently.
const (
	sqlStateInsufficientPrivilege = "42501"
	sqlStateInvalidCatalogName    = "3D000"
	sqlStateUndefinedObject       = "42704"
	sqlStateInvalidName           = "42602"
	sqlStateDuplicateObject       = "42710"
)

// querier is the subset of pgxpool.Pool used by the provisioner.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
}

// PostgresProvisioner grants access directly on PostgreSQL servers. A login
// is a role with LOGIN, the database user is CONNECT on the database, and
// the role assignment is role membership. Each statement is guarded by an
// existence check so repeating a step is harmless.
type PostgresProvisioner struct {
	dsnEnv map[string]string
	logger *zap.Logger

	mu    sync.Mutex
	pools map[string]querier
	// connect opens a pool for a DSN; replaced in tests.
	connect func(ctx context.Context, dsn string) (querier, error)
}

// NewPostgresProvisioner creates a provisioner for the named servers. Each
// server maps to the environment variable holding its DSN.
func NewPostgresProvisioner(servers map[string]string, logger *zap.Logger) *PostgresProvisioner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PostgresProvisioner{
		dsnEnv: servers,
		logger: logger,
		pools:  make(map[string]querier),
		connect: func(ctx context.Context, dsn string) (querier, error) {
			return pgxpool.New(ctx, dsn)
		},
	}
}

func (p *PostgresProvisioner) CreateLogin(ctx context.Context, key, server, login string) error {
	const op = model.StepCreateLogin
	db, err := p.pool(ctx, op, server)
	if err != nil {
		return err
	}

	exists, err := p.exists(ctx, db, `SELECT EXISTS (SELECT 1 FROM pg_roles WHERE rolname = $1)`, login)
	if err != nil {
		return classifyPgError(op, err)
	}
	if exists {
		p.logger.Debug("login already exists", zap.String("idempotency_key", key), zap.String("login", login))
		return nil
	}

	stmt := "CREATE ROLE " + pgx.Identifier{login}.Sanitize() + " LOGIN"
	if _, err := db.Exec(ctx, stmt); err != nil {
		return classifyPgError(op, err)
	}
	return nil
}

func (p *PostgresProvisioner) CreateDatabaseUser(ctx context.Context, key, server, database, user, login string) error {
	const op = model.StepCreateDatabaseUser
	db, err := p.pool(ctx, op, server)
	if err != nil {
		return err
	}

	granted, err := p.exists(ctx, db,
		`SELECT has_database_privilege($1, $2, 'CONNECT')`, user, database)
	if err != nil {
		return classifyPgError(op, err)
	}
	if granted {
		p.logger.Debug("database user already present", zap.String("idempotency_key", key),
			zap.String("database", database), zap.String("user", user))
		return nil
	}

	stmt := "GRANT CONNECT ON DATABASE " + pgx.Identifier{database}.Sanitize() +
		" TO " + pgx.Identifier{user}.Sanitize()
	if _, err := db.Exec(ctx, stmt); err != nil {
		return classifyPgError(op, err)
	}
	return nil
}

func (p *PostgresProvisioner) AssignRole(ctx context.Context, key, server, _, principal, role string) error {
	const op = model.StepAssignRole
	db, err := p.pool(ctx, op, server)
	if err != nil {
		return err
	}

	member, err := p.exists(ctx, db, `
		SELECT EXISTS (
			SELECT 1 FROM pg_auth_members m
			JOIN pg_roles r ON r.oid = m.roleid
			JOIN pg_roles u ON u.oid = m.member
			WHERE r.rolname = $1 AND u.rolname = $2
		)`, role, principal)
	if err != nil {
		return classifyPgError(op, err)
	}
	if member {
		p.logger.Debug("role already assigned", zap.String("idempotency_key", key),
			zap.String("role", role), zap.String("principal", principal))
		return nil
	}

	stmt := "GRANT " + pgx.Identifier{role}.Sanitize() + " TO " + pgx.Identifier{principal}.Sanitize()
	if _, err := db.Exec(ctx, stmt); err != nil {
		return classifyPgError(op, err)
	}
	return nil
}

// HealthCheck pings every server that already has an open pool.
func (p *PostgresProvisioner) HealthCheck(ctx context.Context) error {
	p.mu.Lock()
	pools := make(map[string]querier, len(p.pools))
	for k, v := range p.pools {
		pools[k] = v
	}
	p.mu.Unlock()

	for name, db := range pools {
		if err := db.Ping(ctx); err != nil {
			return fmt.Errorf("server %s: %w", name, err)
		}
	}
	return nil
}

// Close releases every open pool.
func (p *PostgresProvisioner) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for name, db := range p.pools {
		if c, ok := db.(interface{ Close() }); ok {
			c.Close()
		}
		delete(p.pools, name)
	}
}

func (p *PostgresProvisioner) pool(ctx context.Context, op, server string) (querier, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if db, ok := p.pools[server]; ok {
		return db, nil
	}
	envName, ok := p.dsnEnv[server]
	if !ok {
		return nil, model.NewPermanentError(op, fmt.Errorf("server %q is not configured", server))
	}
	dsn := os.Getenv(envName)
	if dsn == "" {
		return nil, model.NewPermanentError(op, fmt.Errorf("DSN env var %s for server %q is empty", envName, server))
	}
	db, err := p.connect(ctx, dsn)
	if err != nil {
		return nil, model.NewTransientError(op, fmt.Errorf("connect %s: %w", server, err))
	}
	p.pools[server] = db
	return db, nil
}

func (p *PostgresProvisioner) exists(ctx context.Context, db querier, query string, args ...any) (bool, error) {
	var ok bool
	if err := db.QueryRow(ctx, query, args...).Scan(&ok); err != nil {
		return false, err
	}
	return ok, nil
}

// classifyPgError maps server errors to permanent or transient failures.
// Duplicates count as success.
func classifyPgError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case sqlStateDuplicateObject:
			return nil
		case sqlStateInsufficientPrivilege, sqlStateInvalidCatalogName,
			sqlStateUndefinedObject, sqlStateInvalidName:
			return model.NewPermanentError(op, fmt.Errorf("%s (SQLSTATE %s)", pgErr.Message, pgErr.Code))
		}
	}
	return model.NewTransientError(op, err)
}
