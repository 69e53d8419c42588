package integration

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pitabwire/grantflow/internal/notification"
	"github.com/pitabwire/grantflow/internal/provisioning"
	"github.com/pitabwire/grantflow/model"
)

// approve submits a request and approves it, returning the request ID.
func approve(t *testing.T, h *TestHarness, principal string) string {
	t.Helper()
	id := h.Submit(t, RequestFixture(principal)).Request.ID
	resp := h.Decide(id, true, "dba-lead", "")
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	resp.Body.Close()
	return id
}

func TestResilience_TransientFailuresAreRetried(t *testing.T) {
	h := NewTestHarness(t, WithStepAttempts(3))
	h.API.OnStep(model.StepCreateDatabaseUser).
		RespondTimes(2, http.StatusServiceUnavailable, "database busy").
		Respond(http.StatusCreated, "")

	id := approve(t, h, "svc_reports")

	st := h.State(t, id)
	require.Equal(t, model.StatusProvisioned, st.Status, "error: %s", st.ErrorMessage)

	calls := h.API.Calls(model.StepCreateDatabaseUser)
	require.Len(t, calls, 3)
	want := model.OperationKey(id, model.StepCreateDatabaseUser)
	for _, c := range calls {
		assert.Equal(t, want, c.IdempotencyKey, "every retry must reuse the operation key")
	}

	ops := h.Operations(t, id)
	require.Len(t, ops, 3)
	assert.Equal(t, 1, ops[0].Attempts)
	assert.Equal(t, 3, ops[1].Attempts)
	assert.Equal(t, model.OperationSuccess, ops[1].Status)
}

func TestResilience_RateLimitIsTransient(t *testing.T) {
	h := NewTestHarness(t, WithStepAttempts(2))
	h.API.OnStep(model.StepCreateLogin).
		Respond(http.StatusTooManyRequests, "slow down").
		Respond(http.StatusCreated, "")

	id := approve(t, h, "svc_reports")
	assert.Equal(t, model.StatusProvisioned, h.State(t, id).Status)
	h.API.AssertCalled(t, model.StepCreateLogin, 2)
}

func TestResilience_PermanentFailureStopsTheRun(t *testing.T) {
	h := NewTestHarness(t, WithStepAttempts(5))
	h.API.OnStep(model.StepAssignRole).Respond(http.StatusBadRequest, "role db_datareader does not exist")

	id := approve(t, h, "svc_reports")

	st := h.State(t, id)
	require.Equal(t, model.StatusFailed, st.Status)
	assert.Contains(t, st.ErrorMessage, model.StepAssignRole)
	assert.Contains(t, st.ErrorMessage, "does not exist")

	h.API.AssertCalled(t, model.StepAssignRole, 1)

	ops := h.Operations(t, id)
	require.Len(t, ops, 3)
	assert.Equal(t, model.OperationFailed, ops[2].Status)
	assert.Equal(t, 1, ops[2].Attempts)
	assert.NotEmpty(t, ops[2].ErrorMessage)

	outcomes := h.Outbox.Messages(id, notification.KindOutcome)
	require.Len(t, outcomes, 1)
	assert.Contains(t, outcomes[0].Body, "Final status: failed")
	assert.Contains(t, h.Events(t, id), model.EventStepFailed)
}

func TestResilience_ExhaustedRetriesFailTheRequest(t *testing.T) {
	h := NewTestHarness(t, WithStepAttempts(3))
	h.API.OnStep(model.StepCreateLogin).Respond(http.StatusBadGateway, "upstream down")

	id := approve(t, h, "svc_reports")

	assert.Equal(t, model.StatusFailed, h.State(t, id).Status)
	h.API.AssertCalled(t, model.StepCreateLogin, 3)
	h.API.AssertNotCalled(t, model.StepCreateDatabaseUser)
	h.API.AssertNotCalled(t, model.StepAssignRole)
}

func TestResilience_ExistingResourceCountsAsSuccess(t *testing.T) {
	h := NewTestHarness(t)
	h.API.OnStep(model.StepCreateLogin).Respond(http.StatusConflict, "login already exists")

	id := approve(t, h, "svc_reports")

	assert.Equal(t, model.StatusProvisioned, h.State(t, id).Status)
	h.API.AssertCalled(t, model.StepCreateLogin, 1)
}

func TestResilience_DroppedConnectionIsRetried(t *testing.T) {
	h := NewTestHarness(t, WithStepAttempts(3))
	h.API.OnStep(model.StepCreateLogin).
		DropConnection().
		Respond(http.StatusCreated, "")

	id := approve(t, h, "svc_reports")

	assert.Equal(t, model.StatusProvisioned, h.State(t, id).Status)
	assert.GreaterOrEqual(t, len(h.API.Calls(model.StepCreateLogin)), 2, h.API.String())
}

func TestResilience_BreakerOpensAfterConsecutiveFailures(t *testing.T) {
	h := NewTestHarness(t, WithStepAttempts(4), WithBreaker(2, 0))
	h.API.OnStep(model.StepCreateLogin).Respond(http.StatusServiceUnavailable, "maintenance")

	id := approve(t, h, "svc_reports")

	assert.Equal(t, model.StatusFailed, h.State(t, id).Status)
	// Attempts after the breaker opens never reach the API.
	h.API.AssertCalled(t, model.StepCreateLogin, 2)
	assert.Equal(t, provisioning.BreakerOpen, h.Provisioner.Breaker().State())
}

func TestResilience_NotificationLinksSurviveProvisioningFailure(t *testing.T) {
	h := NewTestHarness(t, WithStepAttempts(1))
	h.API.OnStep(model.StepCreateDatabaseUser).Respond(http.StatusInternalServerError, "boom")

	id := approve(t, h, "svc_reports")
	require.Equal(t, model.StatusFailed, h.State(t, id).Status)

	// A late approve click on a finished request is absorbed.
	approvals := h.Outbox.Messages(id, notification.KindApprovalRequest)
	require.Len(t, approvals, 1)
	link, err := ActionLink(approvals[0], "approve")
	require.NoError(t, err)

	var st model.WorkflowState
	h.AssertJSON(t, h.Do(http.MethodPost, link, nil, map[string]string{"X-Actor": "dba-lead"}), http.StatusAccepted, &st)
	assert.Equal(t, model.StatusFailed, st.Status)
	assert.Len(t, h.API.Calls(model.StepCreateDatabaseUser), 1)
}
