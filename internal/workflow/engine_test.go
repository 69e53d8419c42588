package workflow

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/grantflow/internal/provisioning"
	"github.com/pitabwire/grantflow/internal/retry"
	"github.com/pitabwire/grantflow/internal/validation"
	"github.com/pitabwire/grantflow/model"
)

// --- Fakes ---

type sentMessage struct {
	kind     string
	to       string
	n        int
	approved bool
	status   model.Status
	comments string
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []sentMessage
	err  error

	// holdReminders, when set, parks every reminder send until closed.
	// Each parked send is announced on reminderStarted.
	holdReminders   chan struct{}
	reminderStarted chan struct{}
}

func (n *fakeNotifier) record(m sentMessage) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, m)
	return n.err
}

func (n *fakeNotifier) SendApprovalRequest(_ context.Context, approver string, _ model.AccountRequest, _ time.Time) error {
	return n.record(sentMessage{kind: "approval", to: approver})
}

func (n *fakeNotifier) SendReminder(_ context.Context, approver string, _ model.AccountRequest, num int, _ time.Time) error {
	if n.holdReminders != nil {
		n.reminderStarted <- struct{}{}
		<-n.holdReminders
	}
	return n.record(sentMessage{kind: "reminder", to: approver, n: num})
}

func (n *fakeNotifier) SendOutcome(_ context.Context, requestor string, _ model.AccountRequest, approved bool, final model.Status, comments string) error {
	return n.record(sentMessage{kind: "outcome", to: requestor, approved: approved, status: final, comments: comments})
}

func (n *fakeNotifier) byKind(kind string) []sentMessage {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []sentMessage
	for _, m := range n.sent {
		if m.kind == kind {
			out = append(out, m)
		}
	}
	return out
}

// stepProvisioner fails the steps listed in errs and records every call.
type stepProvisioner struct {
	mu    sync.Mutex
	errs  map[string]error
	calls []string
	// block, when set, holds create_database_user until ctx is cancelled.
	block   bool
	entered chan struct{}
}

func newStepProvisioner() *stepProvisioner {
	return &stepProvisioner{errs: make(map[string]error), entered: make(chan struct{}, 1)}
}

func (p *stepProvisioner) call(ctx context.Context, step string) error {
	p.mu.Lock()
	p.calls = append(p.calls, step)
	err := p.errs[step]
	block := p.block && step == model.StepCreateDatabaseUser
	p.mu.Unlock()

	if block {
		select {
		case p.entered <- struct{}{}:
		default:
		}
		<-ctx.Done()
		return ctx.Err()
	}
	return err
}

func (p *stepProvisioner) CreateLogin(ctx context.Context, _, _, _ string) error {
	return p.call(ctx, model.StepCreateLogin)
}

func (p *stepProvisioner) CreateDatabaseUser(ctx context.Context, _, _, _, _, _ string) error {
	return p.call(ctx, model.StepCreateDatabaseUser)
}

func (p *stepProvisioner) AssignRole(ctx context.Context, _, _, _, _, _ string) error {
	return p.call(ctx, model.StepAssignRole)
}

func (p *stepProvisioner) Calls() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.calls...)
}

// --- Harness ---

var defaultGate = GateConfig{
	ApproverAddress:  "slack:#dba-approvals",
	ReminderInterval: 24 * time.Hour,
	MaxReminders:     3,
	Expiry:           96 * time.Hour,
}

type harness struct {
	engine   *Engine
	store    *MemoryStore
	clock    *ManualClock
	notifier *fakeNotifier
	prov     *stepProvisioner
}

func newHarness(t *testing.T, gate GateConfig, opts ...Option) *harness {
	t.Helper()
	return newHarnessOn(t, NewMemoryStore(), NewManualClock(baseTime), gate, opts...)
}

// newHarnessOn builds an engine over an existing store, as a restarted
// process would.
func newHarnessOn(t *testing.T, store *MemoryStore, clock *ManualClock, gate GateConfig, opts ...Option) *harness {
	t.Helper()
	notifier := &fakeNotifier{}
	prov := newStepProvisioner()
	policy := retry.Policy{MaxAttempts: 2, Initial: time.Millisecond, Multiplier: 1, Max: time.Millisecond}
	exec := provisioning.NewExecutor(prov, store, policy, nil, zap.NewNop(), provisioning.WithNow(clock.Now))

	all := append([]Option{WithClock(clock), WithSynchronousRuns()}, opts...)
	engine := NewEngine(store, validation.NewValidator("db_datareader"), exec, notifier, gate, all...)
	t.Cleanup(func() { _ = engine.Shutdown(context.Background()) })

	return &harness{engine: engine, store: store, clock: clock, notifier: notifier, prov: prov}
}

func (h *harness) submit(t *testing.T, req model.AccountRequest) model.WorkflowHandle {
	t.Helper()
	ctx := context.Background()
	if err := h.store.CreateRequest(ctx, req); err != nil {
		t.Fatalf("CreateRequest error: %v", err)
	}
	handle, err := h.engine.StartWorkflow(ctx, req.ID)
	if err != nil {
		t.Fatalf("StartWorkflow error: %v", err)
	}
	return handle
}

func (h *harness) state(t *testing.T, id string) model.WorkflowState {
	t.Helper()
	st, err := h.engine.QueryState(context.Background(), model.WorkflowHandle{RequestID: id})
	if err != nil {
		t.Fatalf("QueryState(%s) error: %v", id, err)
	}
	return st
}

func (h *harness) events(t *testing.T, id string) []string {
	t.Helper()
	events, err := h.store.ListEvents(context.Background(), id)
	if err != nil {
		t.Fatalf("ListEvents error: %v", err)
	}
	out := make([]string, 0, len(events))
	for _, e := range events {
		out = append(out, e.Event)
	}
	return out
}

func contains(list []string, want string) bool {
	for _, s := range list {
		if s == want {
			return true
		}
	}
	return false
}

func approve(approver string) model.DecisionSignal {
	return model.DecisionSignal{Approved: true, Approver: approver, Comments: "ok for reporting"}
}

// --- StartWorkflow ---

func TestEngine_StartWorkflow_reachesApprovalGate(t *testing.T) {
	h := newHarness(t, defaultGate)
	handle := h.submit(t, testRequest("req-1", baseTime))

	if handle.RequestID != "req-1" || handle.WorkflowRef != "account-request/req-1" {
		t.Errorf("handle = %+v", handle)
	}

	st := h.state(t, "req-1")
	if st.Status != model.StatusAwaitingApproval {
		t.Fatalf("status = %s, want awaiting_approval", st.Status)
	}
	if st.Stage != model.StageApprovalGate {
		t.Errorf("stage = %s", st.Stage)
	}
	if st.WakeAt == nil || !st.WakeAt.Equal(baseTime.Add(24*time.Hour)) {
		t.Errorf("WakeAt = %v, want first reminder time", st.WakeAt)
	}
	if exp, ok := st.TimeProperty(model.PropExpiresAt); !ok || !exp.Equal(baseTime.Add(96*time.Hour)) {
		t.Errorf("expires_at = %v", exp)
	}
	if !st.BoolProperty(model.PropApprovalNoticeSent) {
		t.Error("approval_notice_sent should be set")
	}
	if !contains(st.CompletedStages, model.StageValidation) {
		t.Errorf("completed stages = %v, want validation", st.CompletedStages)
	}

	notices := h.notifier.byKind("approval")
	if len(notices) != 1 || notices[0].to != "slack:#dba-approvals" {
		t.Errorf("approval notices = %+v", notices)
	}

	req, _ := h.store.GetRequest(context.Background(), "req-1")
	if req.Status != model.StatusAwaitingApproval {
		t.Errorf("request status = %s, want awaiting_approval", req.Status)
	}

	events := h.events(t, "req-1")
	for _, want := range []string{model.EventStarted, model.EventTransition, model.EventApprovalRequested} {
		if !contains(events, want) {
			t.Errorf("events %v missing %s", events, want)
		}
	}
	if h.clock.Pending() != 1 {
		t.Errorf("pending timers = %d, want 1", h.clock.Pending())
	}
}

func TestEngine_StartWorkflow_idempotent(t *testing.T) {
	h := newHarness(t, defaultGate)
	first := h.submit(t, testRequest("req-1", baseTime))

	second, err := h.engine.StartWorkflow(context.Background(), "req-1")
	if err != nil {
		t.Fatalf("second StartWorkflow error: %v", err)
	}
	if second != first {
		t.Errorf("handles differ: %+v vs %+v", first, second)
	}
	if n := len(h.notifier.byKind("approval")); n != 1 {
		t.Errorf("approval notices = %d, want 1", n)
	}
}

func TestEngine_StartWorkflow_unknownRequest(t *testing.T) {
	h := newHarness(t, defaultGate)
	_, err := h.engine.StartWorkflow(context.Background(), "missing")
	if !model.HasCode(err, model.ErrNotFound) {
		t.Fatalf("error = %v, want NOT_FOUND", err)
	}
}

func TestEngine_StartWorkflow_invalidRequestFails(t *testing.T) {
	h := newHarness(t, defaultGate)
	req := testRequest("req-bad", baseTime)
	req.PrincipalName = "x"
	h.submit(t, req)

	st := h.state(t, "req-bad")
	if st.Status != model.StatusFailed {
		t.Fatalf("status = %s, want failed", st.Status)
	}
	if !strings.Contains(st.ErrorMessage, "principal_name") {
		t.Errorf("error message = %q", st.ErrorMessage)
	}
	if n := len(h.notifier.byKind("approval")); n != 0 {
		t.Errorf("approval notices = %d, want 0", n)
	}
	outcomes := h.notifier.byKind("outcome")
	if len(outcomes) != 1 || outcomes[0].approved || outcomes[0].status != model.StatusFailed {
		t.Errorf("outcomes = %+v", outcomes)
	}
	if outcomes[0].to != req.RequestorAddress {
		t.Errorf("outcome sent to %q", outcomes[0].to)
	}
}

func TestEngine_StartWorkflow_notificationFailureIsBestEffort(t *testing.T) {
	h := newHarness(t, defaultGate)
	h.notifier.err = errors.New("smtp: connection refused")
	h.submit(t, testRequest("req-1", baseTime))

	st := h.state(t, "req-1")
	if st.Status != model.StatusAwaitingApproval {
		t.Fatalf("status = %s, want awaiting_approval", st.Status)
	}
	if !st.BoolProperty(model.PropApprovalNoticeSent) {
		t.Error("notice should be marked attempted")
	}

	events, _ := h.store.ListEvents(context.Background(), "req-1")
	for _, e := range events {
		if e.Event == model.EventApprovalRequested && e.Data["delivered"] != false {
			t.Errorf("approval_requested delivered = %v, want false", e.Data["delivered"])
		}
	}
}

// --- SignalDecision ---

func TestEngine_SignalDecision_approveProvisions(t *testing.T) {
	h := newHarness(t, defaultGate)
	handle := h.submit(t, testRequest("req-1", baseTime))
	h.clock.Advance(2 * time.Hour)

	if err := h.engine.SignalDecision(context.Background(), handle, approve("dba-lead")); err != nil {
		t.Fatalf("SignalDecision error: %v", err)
	}

	st := h.state(t, "req-1")
	if st.Status != model.StatusProvisioned {
		t.Fatalf("status = %s, want provisioned", st.Status)
	}
	if st.WakeAt != nil {
		t.Errorf("WakeAt = %v, want nil", st.WakeAt)
	}
	for _, stage := range []string{model.StageApprovalGate, model.StageProvisioning, model.StageNotification} {
		if !contains(st.CompletedStages, stage) {
			t.Errorf("completed stages %v missing %s", st.CompletedStages, stage)
		}
	}
	if !st.BoolProperty(model.PropOutcomeNotified) {
		t.Error("outcome_notified should be set")
	}

	want := []string{model.StepCreateLogin, model.StepCreateDatabaseUser, model.StepAssignRole}
	if got := h.prov.Calls(); strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("provisioner calls = %v, want %v", got, want)
	}

	ops, _ := h.store.ListOperations(context.Background(), "req-1")
	if len(ops) != 3 {
		t.Fatalf("operations = %d, want 3", len(ops))
	}
	for _, op := range ops {
		if op.Status != model.OperationSuccess {
			t.Errorf("%s status = %s", op.StepName, op.Status)
		}
	}

	decision, found, _ := h.store.GetDecision(context.Background(), "req-1")
	if !found || decision.Approver != "dba-lead" || !decision.RespondedAt.Equal(baseTime.Add(2*time.Hour)) {
		t.Errorf("decision = %+v", decision)
	}

	outcomes := h.notifier.byKind("outcome")
	if len(outcomes) != 1 || !outcomes[0].approved || outcomes[0].status != model.StatusProvisioned {
		t.Errorf("outcomes = %+v", outcomes)
	}
	if h.clock.Pending() != 0 {
		t.Errorf("pending timers = %d, want 0", h.clock.Pending())
	}
}

func TestEngine_SignalDecision_rejectSkipsProvisioning(t *testing.T) {
	h := newHarness(t, defaultGate)
	handle := h.submit(t, testRequest("req-1", baseTime))

	sig := model.DecisionSignal{Approved: false, Approver: "dba-lead", Comments: "use the replica"}
	if err := h.engine.SignalDecision(context.Background(), handle, sig); err != nil {
		t.Fatalf("SignalDecision error: %v", err)
	}

	st := h.state(t, "req-1")
	if st.Status != model.StatusRejected {
		t.Fatalf("status = %s, want rejected", st.Status)
	}
	if len(h.prov.Calls()) != 0 {
		t.Errorf("provisioner called on rejection: %v", h.prov.Calls())
	}
	outcomes := h.notifier.byKind("outcome")
	if len(outcomes) != 1 || outcomes[0].approved || outcomes[0].comments != "use the replica" {
		t.Errorf("outcomes = %+v", outcomes)
	}
}

func TestEngine_SignalDecision_duplicateIgnored(t *testing.T) {
	h := newHarness(t, defaultGate)
	handle := h.submit(t, testRequest("req-1", baseTime))
	ctx := context.Background()

	if err := h.engine.SignalDecision(ctx, handle, approve("dba-lead")); err != nil {
		t.Fatalf("first SignalDecision error: %v", err)
	}
	reject := model.DecisionSignal{Approved: false, Approver: "other-dba"}
	if err := h.engine.SignalDecision(ctx, handle, reject); err != nil {
		t.Fatalf("duplicate SignalDecision error = %v, want nil", err)
	}

	if st := h.state(t, "req-1"); st.Status != model.StatusProvisioned {
		t.Errorf("status = %s, want provisioned", st.Status)
	}
	decision, _, _ := h.store.GetDecision(ctx, "req-1")
	if !decision.Approved || decision.Approver != "dba-lead" {
		t.Errorf("decision overwritten: %+v", decision)
	}
	if !contains(h.events(t, "req-1"), model.EventDuplicateDecision) {
		t.Error("duplicate decision should be audited")
	}
	if len(h.prov.Calls()) != 3 {
		t.Errorf("provisioner calls = %d, want 3", len(h.prov.Calls()))
	}
}

func TestEngine_SignalDecision_byWorkflowRef(t *testing.T) {
	h := newHarness(t, defaultGate)
	h.submit(t, testRequest("req-1", baseTime))

	handle := model.WorkflowHandle{WorkflowRef: model.WorkflowRefFor("req-1")}
	if err := h.engine.SignalDecision(context.Background(), handle, approve("dba-lead")); err != nil {
		t.Fatalf("SignalDecision error: %v", err)
	}
	if st := h.state(t, "req-1"); st.Status != model.StatusProvisioned {
		t.Errorf("status = %s", st.Status)
	}
}

func TestEngine_SignalDecision_errors(t *testing.T) {
	h := newHarness(t, defaultGate)
	h.submit(t, testRequest("req-1", baseTime))
	ctx := context.Background()

	tests := []struct {
		name   string
		handle model.WorkflowHandle
		sig    model.DecisionSignal
		code   string
	}{
		{"unknown request", model.WorkflowHandle{RequestID: "missing"}, approve("dba-lead"), model.ErrWorkflowNotFound},
		{"missing approver", model.WorkflowHandle{RequestID: "req-1"}, model.DecisionSignal{Approved: true, Approver: "  "}, model.ErrValidationError},
		{"empty handle", model.WorkflowHandle{}, approve("dba-lead"), model.ErrBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := h.engine.SignalDecision(ctx, tt.handle, tt.sig)
			if !model.HasCode(err, tt.code) {
				t.Errorf("error = %v, want %s", err, tt.code)
			}
		})
	}
}

func TestEngine_SignalDecision_beforeApprovalGate(t *testing.T) {
	h := newHarness(t, defaultGate)
	ctx := context.Background()
	_ = h.store.CreateRequest(ctx, testRequest("req-1", baseTime))
	_ = h.store.CreateState(ctx, testState("req-1", model.StatusValidating))

	err := h.engine.SignalDecision(ctx, model.WorkflowHandle{RequestID: "req-1"}, approve("dba-lead"))
	if !model.HasCode(err, model.ErrWorkflowNotActive) {
		t.Fatalf("error = %v, want WORKFLOW_NOT_ACTIVE", err)
	}
}

// --- Provisioning ---

func TestEngine_Provisioning_permanentFailure(t *testing.T) {
	h := newHarness(t, defaultGate)
	h.prov.errs[model.StepCreateDatabaseUser] = model.NewPermanentError("create_database_user", errors.New("database \"sales\" does not exist"))
	handle := h.submit(t, testRequest("req-1", baseTime))

	if err := h.engine.SignalDecision(context.Background(), handle, approve("dba-lead")); err != nil {
		t.Fatalf("SignalDecision error: %v", err)
	}

	st := h.state(t, "req-1")
	if st.Status != model.StatusFailed {
		t.Fatalf("status = %s, want failed", st.Status)
	}
	if got, _ := st.Properties[model.PropFailedStep].(string); got != model.StepCreateDatabaseUser {
		t.Errorf("failed_step = %q", got)
	}
	if !strings.Contains(st.ErrorMessage, "does not exist") {
		t.Errorf("error message = %q", st.ErrorMessage)
	}
	if contains(h.prov.Calls(), model.StepAssignRole) {
		t.Error("assign_role must not run after a failed step")
	}

	outcomes := h.notifier.byKind("outcome")
	if len(outcomes) != 1 || !outcomes[0].approved || outcomes[0].status != model.StatusFailed {
		t.Errorf("outcomes = %+v", outcomes)
	}
	if !contains(h.events(t, "req-1"), model.EventStepFailed) {
		t.Error("step_failed event missing")
	}
}

func TestEngine_Provisioning_transientRetriedThenSucceeds(t *testing.T) {
	h := newHarness(t, defaultGate)
	handle := h.submit(t, testRequest("req-1", baseTime))

	// Fail the first assign_role call only.
	flaky := &flakyProvisioner{stepProvisioner: h.prov, failures: 1}
	policy := retry.Policy{MaxAttempts: 3, Initial: time.Millisecond, Multiplier: 1, Max: time.Millisecond}
	h.engine.executor = provisioning.NewExecutor(flaky, h.store, policy, nil, zap.NewNop())

	if err := h.engine.SignalDecision(context.Background(), handle, approve("dba-lead")); err != nil {
		t.Fatalf("SignalDecision error: %v", err)
	}
	if st := h.state(t, "req-1"); st.Status != model.StatusProvisioned {
		t.Fatalf("status = %s, want provisioned", st.Status)
	}

	ops, _ := h.store.ListOperations(context.Background(), "req-1")
	for _, op := range ops {
		if op.StepName == model.StepAssignRole && op.Attempts != 2 {
			t.Errorf("assign_role attempts = %d, want 2", op.Attempts)
		}
	}
}

type flakyProvisioner struct {
	*stepProvisioner
	mu       sync.Mutex
	failures int
}

func (f *flakyProvisioner) AssignRole(ctx context.Context, key, server, database, principal, role string) error {
	f.mu.Lock()
	fail := f.failures > 0
	f.failures--
	f.mu.Unlock()
	if fail {
		return model.NewTransientError("assign_role", errors.New("connection reset"))
	}
	return f.stepProvisioner.AssignRole(ctx, key, server, database, principal, role)
}

func TestEngine_QueryState_notFound(t *testing.T) {
	h := newHarness(t, defaultGate)
	_, err := h.engine.QueryState(context.Background(), model.WorkflowHandle{RequestID: "missing"})
	if !model.HasCode(err, model.ErrWorkflowNotFound) {
		t.Fatalf("error = %v, want WORKFLOW_NOT_FOUND", err)
	}
}

func TestEngine_SignalDecision_actorRecordedOnEvents(t *testing.T) {
	h := newHarness(t, defaultGate)
	handle := h.submit(t, testRequest("req-1", baseTime))

	if err := h.engine.SignalDecision(context.Background(), handle, approve("dba-lead")); err != nil {
		t.Fatalf("SignalDecision error: %v", err)
	}

	events, _ := h.store.ListEvents(context.Background(), "req-1")
	for _, e := range events {
		if e.Event == model.EventDecisionRecorded {
			if e.ActorID != "dba-lead" || e.Comment != "ok for reporting" {
				t.Errorf("decision event = %+v", e)
			}
			return
		}
	}
	t.Fatal("decision_recorded event missing")
}

func TestValidationMessage(t *testing.T) {
	msg := validationMessage([]model.FieldError{
		{Field: "principal_name", Message: "too short"},
		{Field: "justification", Message: "is required"},
	})
	want := "validation failed: principal_name: too short; justification: is required"
	if msg != want {
		t.Errorf("validationMessage = %q, want %q", msg, want)
	}
}

func TestFailedStep(t *testing.T) {
	ok := provisioning.StepOutcome{Result: model.OperationResult{StepName: model.StepCreateLogin, Status: model.OperationSuccess}}
	failed := provisioning.StepOutcome{Result: model.OperationResult{StepName: model.StepCreateDatabaseUser, Status: model.OperationFailed}}

	if got := failedStep([]provisioning.StepOutcome{ok, failed}); got != model.StepCreateDatabaseUser {
		t.Errorf("failedStep(ok, failed) = %q", got)
	}
	if got := failedStep([]provisioning.StepOutcome{ok}); got != model.StepCreateDatabaseUser {
		t.Errorf("failedStep(ok) = %q, want next step", got)
	}
	if got := failedStep(nil); got != model.StepCreateLogin {
		t.Errorf("failedStep(nil) = %q", got)
	}
}
