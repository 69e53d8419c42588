package provisioning

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/pitabwire/grantflow/model"
)

type fakeRow struct {
	val bool
	err error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	*(dest[0].(*bool)) = r.val
	return nil
}

type fakeDB struct {
	exists  bool
	execErr error
	execs   []string
}

func (f *fakeDB) Exec(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
	f.execs = append(f.execs, sql)
	return pgconn.CommandTag{}, f.execErr
}

func (f *fakeDB) QueryRow(context.Context, string, ...any) pgx.Row {
	return fakeRow{val: f.exists}
}

func (f *fakeDB) Ping(context.Context) error { return nil }

func newFakePostgres(t *testing.T, db *fakeDB) *PostgresProvisioner {
	t.Helper()
	t.Setenv("PG_MAIN_DSN", "postgres://localhost/postgres")
	p := NewPostgresProvisioner(map[string]string{"pg-main": "PG_MAIN_DSN"}, nil)
	p.connect = func(context.Context, string) (querier, error) { return db, nil }
	return p
}

func TestPostgresProvisioner_CreateLogin(t *testing.T) {
	db := &fakeDB{}
	p := newFakePostgres(t, db)

	if err := p.CreateLogin(context.Background(), "r:create_login", "pg-main", "svc_etl"); err != nil {
		t.Fatalf("CreateLogin() error = %v", err)
	}
	if len(db.execs) != 1 || db.execs[0] != `CREATE ROLE "svc_etl" LOGIN` {
		t.Errorf("execs = %v", db.execs)
	}
}

func TestPostgresProvisioner_skipsExisting(t *testing.T) {
	db := &fakeDB{exists: true}
	p := newFakePostgres(t, db)

	ctx := context.Background()
	if err := p.CreateLogin(ctx, "k", "pg-main", "svc"); err != nil {
		t.Fatal(err)
	}
	if err := p.CreateDatabaseUser(ctx, "k", "pg-main", "sales", "svc", "svc"); err != nil {
		t.Fatal(err)
	}
	if err := p.AssignRole(ctx, "k", "pg-main", "sales", "svc", "analyst"); err != nil {
		t.Fatal(err)
	}
	if len(db.execs) != 0 {
		t.Errorf("expected no statements, got %v", db.execs)
	}
}

func TestPostgresProvisioner_quotesIdentifiers(t *testing.T) {
	db := &fakeDB{}
	p := newFakePostgres(t, db)

	_ = p.CreateDatabaseUser(context.Background(), "k", "pg-main", `sales"db`, "svc", "svc")
	_ = p.AssignRole(context.Background(), "k", "pg-main", "sales", "svc", "db_reader")

	if len(db.execs) != 2 {
		t.Fatalf("execs = %v", db.execs)
	}
	if db.execs[0] != `GRANT CONNECT ON DATABASE "sales""db" TO "svc"` {
		t.Errorf("grant connect = %q", db.execs[0])
	}
	if db.execs[1] != `GRANT "db_reader" TO "svc"` {
		t.Errorf("grant role = %q", db.execs[1])
	}
}

func TestPostgresProvisioner_unknownServerIsPermanent(t *testing.T) {
	p := newFakePostgres(t, &fakeDB{})
	err := p.CreateLogin(context.Background(), "k", "pg-other", "svc")
	if !model.IsPermanent(err) {
		t.Errorf("err = %v, want permanent", err)
	}
	if !strings.Contains(err.Error(), "not configured") {
		t.Errorf("err = %v", err)
	}
}

func TestPostgresProvisioner_connectFailureIsTransient(t *testing.T) {
	p := newFakePostgres(t, &fakeDB{})
	p.connect = func(context.Context, string) (querier, error) { return nil, errors.New("dial tcp: refused") }

	err := p.CreateLogin(context.Background(), "k", "pg-main", "svc")
	if err == nil || model.IsPermanent(err) {
		t.Errorf("err = %v, want transient", err)
	}
}

func TestClassifyPgError(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		wantNil   bool
		permanent bool
	}{
		{"duplicate", &pgconn.PgError{Code: sqlStateDuplicateObject}, true, false},
		{"no privilege", &pgconn.PgError{Code: sqlStateInsufficientPrivilege, Message: "permission denied"}, false, true},
		{"missing database", &pgconn.PgError{Code: sqlStateInvalidCatalogName}, false, true},
		{"missing role", &pgconn.PgError{Code: sqlStateUndefinedObject}, false, true},
		{"serialization", &pgconn.PgError{Code: "40001"}, false, false},
		{"network", errors.New("connection reset by peer"), false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := classifyPgError(model.StepAssignRole, tt.err)
			if (err == nil) != tt.wantNil {
				t.Fatalf("err = %v, wantNil %v", err, tt.wantNil)
			}
			if err != nil && model.IsPermanent(err) != tt.permanent {
				t.Errorf("IsPermanent = %v, want %v", model.IsPermanent(err), tt.permanent)
			}
		})
	}
}

func TestClassifyPgError_contextPassesThrough(t *testing.T) {
	if err := classifyPgError("op", context.Canceled); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v", err)
	}
}
