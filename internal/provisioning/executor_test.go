package provisioning

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pitabwire/grantflow/internal/retry"
	"github.com/pitabwire/grantflow/model"
)

// fakeOpStore keeps operation results in memory keyed by idempotency key.
type fakeOpStore struct {
	mu  sync.Mutex
	ops map[string]model.OperationResult
}

func newFakeOpStore() *fakeOpStore {
	return &fakeOpStore{ops: make(map[string]model.OperationResult)}
}

func (s *fakeOpStore) FindSucceededOperation(_ context.Context, key string) (model.OperationResult, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	op, ok := s.ops[key]
	if !ok || op.Status != model.OperationSuccess {
		return model.OperationResult{}, false, nil
	}
	return op, true, nil
}

func (s *fakeOpStore) BeginOperation(_ context.Context, op model.OperationResult) (model.OperationResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.ops[op.IdempotencyKey]; ok && existing.Status == model.OperationInProgress {
		return existing, nil
	}
	s.ops[op.IdempotencyKey] = op
	return op, nil
}

func (s *fakeOpStore) CompleteOperation(_ context.Context, op model.OperationResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ops[op.IdempotencyKey] = op
	return nil
}

func (s *fakeOpStore) get(key string) model.OperationResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ops[key]
}

// scriptedProvisioner returns queued errors per step, then succeeds.
type scriptedProvisioner struct {
	mu     sync.Mutex
	errs   map[string][]error
	calls  map[string]int
	onCall func(step string)
}

func newScripted() *scriptedProvisioner {
	return &scriptedProvisioner{errs: map[string][]error{}, calls: map[string]int{}}
}

func (p *scriptedProvisioner) next(step string) error {
	p.mu.Lock()
	p.calls[step]++
	var err error
	if q := p.errs[step]; len(q) > 0 {
		err = q[0]
		if len(q) > 1 {
			p.errs[step] = q[1:]
		}
	}
	hook := p.onCall
	p.mu.Unlock()
	if hook != nil {
		hook(step)
	}
	return err
}

func (p *scriptedProvisioner) CreateLogin(context.Context, string, string, string) error {
	return p.next(model.StepCreateLogin)
}

func (p *scriptedProvisioner) CreateDatabaseUser(context.Context, string, string, string, string, string) error {
	return p.next(model.StepCreateDatabaseUser)
}

func (p *scriptedProvisioner) AssignRole(context.Context, string, string, string, string, string) error {
	return p.next(model.StepAssignRole)
}

func (p *scriptedProvisioner) count(step string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[step]
}

func testRequest() model.AccountRequest {
	return model.AccountRequest{
		ID:            "req-1",
		PrincipalName: "svc_etl",
		ServerName:    "pg-main",
		DatabaseName:  "sales",
		RoleName:      "analyst",
	}
}

func testPolicy(attempts int) retry.Policy {
	return retry.Policy{MaxAttempts: attempts, Initial: time.Millisecond, Multiplier: 2, Max: 2 * time.Millisecond}
}

func TestExecutor_Run_allStepsSucceed(t *testing.T) {
	ops := newFakeOpStore()
	prov := newScripted()
	exec := NewExecutor(prov, ops, testPolicy(3), nil, nil)

	var seen []string
	outcomes, err := exec.Run(context.Background(), testRequest(), func(o StepOutcome) {
		seen = append(seen, o.Result.StepName)
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(outcomes) != 3 || len(seen) != 3 {
		t.Fatalf("outcomes = %d, callbacks = %d", len(outcomes), len(seen))
	}
	for i, step := range model.ProvisioningSteps() {
		if seen[i] != step {
			t.Errorf("step[%d] = %q, want %q", i, seen[i], step)
		}
		rec := ops.get(model.OperationKey("req-1", step))
		if rec.Status != model.OperationSuccess || rec.Attempts != 1 || rec.EndedAt == nil {
			t.Errorf("%s record = %+v", step, rec)
		}
	}

	role := ops.get(model.OperationKey("req-1", model.StepAssignRole))
	if role.Kind != KindRoleAssignment || role.Target["role"] != "analyst" {
		t.Errorf("role record = %+v", role)
	}
}

func TestExecutor_Run_replaySkipsSucceededSteps(t *testing.T) {
	ops := newFakeOpStore()
	prov := newScripted()
	exec := NewExecutor(prov, ops, testPolicy(3), nil, nil)

	if _, err := exec.Run(context.Background(), testRequest(), nil); err != nil {
		t.Fatal(err)
	}
	outcomes, err := exec.Run(context.Background(), testRequest(), nil)
	if err != nil {
		t.Fatal(err)
	}
	for _, o := range outcomes {
		if !o.Skipped {
			t.Errorf("%s not skipped on replay", o.Result.StepName)
		}
	}
	for _, step := range model.ProvisioningSteps() {
		if n := prov.count(step); n != 1 {
			t.Errorf("%s called %d times, want 1", step, n)
		}
	}
}

func TestExecutor_Run_transientRetriedThenSucceeds(t *testing.T) {
	ops := newFakeOpStore()
	prov := newScripted()
	transient := model.NewTransientError(model.StepCreateDatabaseUser, errors.New("timeout"))
	prov.errs[model.StepCreateDatabaseUser] = []error{transient, transient, nil}
	exec := NewExecutor(prov, ops, testPolicy(5), nil, nil)

	if _, err := exec.Run(context.Background(), testRequest(), nil); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	rec := ops.get(model.OperationKey("req-1", model.StepCreateDatabaseUser))
	if rec.Status != model.OperationSuccess || rec.Attempts != 3 {
		t.Errorf("record = %+v, want success after 3 attempts", rec)
	}
}

func TestExecutor_Run_permanentFailureStops(t *testing.T) {
	ops := newFakeOpStore()
	prov := newScripted()
	perm := model.NewPermanentError(model.StepAssignRole, errors.New("role does not exist"))
	prov.errs[model.StepAssignRole] = []error{perm}
	exec := NewExecutor(prov, ops, testPolicy(5), nil, nil)

	outcomes, err := exec.Run(context.Background(), testRequest(), nil)
	if !model.IsPermanent(err) {
		t.Fatalf("err = %v, want permanent", err)
	}
	if prov.count(model.StepAssignRole) != 1 {
		t.Errorf("assign_role calls = %d, want 1", prov.count(model.StepAssignRole))
	}
	last := outcomes[len(outcomes)-1].Result
	if last.StepName != model.StepAssignRole || last.Status != model.OperationFailed {
		t.Errorf("last outcome = %+v", last)
	}
	if last.ErrorMessage == "" {
		t.Error("failed record should carry an error message")
	}
}

func TestExecutor_Run_exhaustedRetriesAbortRemainingSteps(t *testing.T) {
	ops := newFakeOpStore()
	prov := newScripted()
	prov.errs[model.StepCreateLogin] = []error{errors.New("server unreachable")}
	exec := NewExecutor(prov, ops, testPolicy(3), nil, nil)

	_, err := exec.Run(context.Background(), testRequest(), nil)
	if err == nil {
		t.Fatal("expected error")
	}
	rec := ops.get(model.OperationKey("req-1", model.StepCreateLogin))
	if rec.Status != model.OperationFailed || rec.Attempts != 3 {
		t.Errorf("record = %+v", rec)
	}
	if prov.count(model.StepCreateDatabaseUser) != 0 || prov.count(model.StepAssignRole) != 0 {
		t.Error("later steps must not run after a failure")
	}
}

func TestExecutor_RunStep_cancelLeavesInProgress(t *testing.T) {
	ops := newFakeOpStore()
	prov := newScripted()
	ctx, cancel := context.WithCancel(context.Background())
	prov.errs[model.StepCreateLogin] = []error{errors.New("timeout")}
	prov.onCall = func(string) { cancel() }
	exec := NewExecutor(prov, ops, retry.Policy{MaxAttempts: 5, Initial: time.Hour, Multiplier: 2, Max: time.Hour}, nil, nil)

	_, err := exec.RunStep(ctx, testRequest(), model.StepCreateLogin)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	rec := ops.get(model.OperationKey("req-1", model.StepCreateLogin))
	if rec.Status != model.OperationInProgress {
		t.Errorf("status = %q, want in_progress", rec.Status)
	}

	// A later run resumes the same record.
	prov.onCall = nil
	prov.errs[model.StepCreateLogin] = nil
	out, err := exec.RunStep(context.Background(), testRequest(), model.StepCreateLogin)
	if err != nil {
		t.Fatalf("resume error = %v", err)
	}
	if out.Result.ID != rec.ID {
		t.Errorf("resumed record ID = %q, want %q", out.Result.ID, rec.ID)
	}
	if out.Result.Status != model.OperationSuccess {
		t.Errorf("status = %q", out.Result.Status)
	}
}

func TestExecutor_WithNow(t *testing.T) {
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	ops := newFakeOpStore()
	exec := NewExecutor(newScripted(), ops, testPolicy(1), nil, nil, WithNow(func() time.Time { return fixed }))

	out, err := exec.RunStep(context.Background(), testRequest(), model.StepCreateLogin)
	if err != nil {
		t.Fatal(err)
	}
	if !out.Result.StartedAt.Equal(fixed) || !out.Result.EndedAt.Equal(fixed) {
		t.Errorf("timestamps = %v / %v", out.Result.StartedAt, out.Result.EndedAt)
	}
	if _, ok := out.Result.Target["database"]; ok {
		t.Error("login target should not carry a database")
	}
}
