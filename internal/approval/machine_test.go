package approval

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

func threeStepState() State {
	return NewState(Chain{
		{Role: RoleAreaManager, ID: "am", Name: "Amal", Email: "am@x.com"},
		{Role: RoleHeadOfOperations, ID: "ho", Name: "Hadi", Email: "ho@x.com"},
		{Role: RoleHR, ID: "hr", Name: "Hiba", Email: "hr@x.com"},
	})
}

func TestNewStateEmptyChainAutoApproves(t *testing.T) {
	st := NewState(nil)
	assert.Equal(t, StatusApproved, st.Status)
	assert.Equal(t, 0, st.CurrentStep)
	email, role := st.CurrentApprover()
	assert.Empty(t, email)
	assert.Empty(t, role)
	require.NoError(t, st.Check())

	_, _, err := st.Decide(Decision{ActorEmail: "anyone@x.com", Action: Approve, At: t0})
	assert.ErrorIs(t, err, ErrAlreadyFinalized)
}

func TestFullApprovalAdvancesThroughEveryStep(t *testing.T) {
	st := threeStepState()
	for i, email := range []string{"am@x.com", "HO@X.COM", "hr@x.com"} {
		prev := st.CurrentStep
		next, out, err := st.Decide(Decision{ActorEmail: email, Action: Approve, At: t0.Add(time.Duration(i) * time.Hour)})
		require.NoError(t, err)
		require.NoError(t, next.Check())
		assert.GreaterOrEqual(t, next.CurrentStep, prev)
		assert.Equal(t, i, out.StepIndex)
		assert.Equal(t, StepApproved, out.Decided.Status)
		require.NotNil(t, out.Decided.DecidedAt)
		st = next
	}
	assert.Equal(t, StatusApproved, st.Status)
	assert.Equal(t, 3, st.CurrentStep)
	for _, s := range st.Chain {
		assert.Equal(t, StepApproved, s.Status)
	}
	email, role := st.CurrentApprover()
	assert.Empty(t, email)
	assert.Empty(t, role)
}

func TestRejectionAtSecondStep(t *testing.T) {
	st := NewState(Chain{
		{Role: RoleAreaManager, Email: "am@x.com"},
		{Role: RoleHeadOfOperations, Email: "ho@x.com"},
	})
	st, out, err := st.Decide(Decision{ActorEmail: "am@x.com", Action: Approve, At: t0})
	require.NoError(t, err)
	assert.Equal(t, RoleHeadOfOperations, out.NextApproverRole())

	st, out, err = st.Decide(Decision{ActorEmail: "ho@x.com", Action: Reject, Comments: " budget ", At: t0})
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, st.Status)
	assert.Equal(t, 1, st.CurrentStep)
	assert.Equal(t, StepRejected, st.Chain[1].Status)
	assert.Equal(t, "budget", st.Chain[1].Comments)
	assert.Empty(t, out.NextApproverRole())
	require.NoError(t, st.Check())

	h := out.History("req-1")
	assert.Equal(t, "Rejected", h.Action)
	assert.Equal(t, 1, h.StepIndex)
	assert.Equal(t, "budget", h.Comments)
}

func TestUnauthorizedActorChangesNothing(t *testing.T) {
	st := threeStepState()
	next, _, err := st.Decide(Decision{ActorEmail: "ho@x.com", Action: Approve, At: t0})
	assert.ErrorIs(t, err, ErrNotCurrentApprover)
	assert.Equal(t, st, next)
	assert.Equal(t, StepPending, st.Chain[0].Status)
}

func TestReplayAfterFinalizationIsRefused(t *testing.T) {
	st := NewState(Chain{{Role: RoleHeadOfOperations, Email: "ho@x.com"}})
	st, _, err := st.Decide(Decision{ActorEmail: "ho@x.com", Action: Approve, At: t0})
	require.NoError(t, err)
	snapshot, _ := MarshalChain(st.Chain)

	again, _, err := st.Decide(Decision{ActorEmail: "ho@x.com", Action: Reject, At: t0})
	assert.ErrorIs(t, err, ErrAlreadyFinalized)
	after, _ := MarshalChain(again.Chain)
	assert.Equal(t, snapshot, after)
}

func TestDecideRejectsUnknownAction(t *testing.T) {
	st := threeStepState()
	_, _, err := st.Decide(Decision{ActorEmail: "am@x.com", Action: "escalate"})
	assert.ErrorIs(t, err, ErrInvalidAction)
}

func TestParseAction(t *testing.T) {
	a, err := ParseAction(" Approve ")
	require.NoError(t, err)
	assert.Equal(t, Approve, a)
	a, err = ParseAction("REJECT")
	require.NoError(t, err)
	assert.Equal(t, Reject, a)
	_, err = ParseAction("")
	assert.ErrorIs(t, err, ErrInvalidAction)
}

func TestCheckDetectsBrokenInvariants(t *testing.T) {
	st := threeStepState()
	st.Chain[2].Status = StepApproved
	assert.Error(t, st.Check())

	st = threeStepState()
	st.CurrentStep = 1
	assert.Error(t, st.Check())
}
