package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"opex/internal/approval"
	"opex/internal/config"
	"opex/internal/db"
	"opex/internal/domain"
	"opex/internal/engine/auth"
	"opex/internal/migrate"
	"opex/internal/repo"
)

var t0 = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

type recordingNotifier struct {
	mu          sync.Mutex
	advanced    []domain.Request
	terminal    []domain.Request
	escalations []domain.Escalation
}

func (n *recordingNotifier) OnAdvance(_ context.Context, req domain.Request) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.advanced = append(n.advanced, req)
}

func (n *recordingNotifier) OnTerminal(_ context.Context, req domain.Request) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.terminal = append(n.terminal, req)
}

func (n *recordingNotifier) OnEscalation(_ context.Context, esc domain.Escalation, _ map[string]string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.escalations = append(n.escalations, esc)
}

type testEnv struct {
	eng    Engine
	ctx    context.Context
	clock  *time.Time
	notify *recordingNotifier
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	conn, dialect, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn, dialect))

	clock := t0
	rec := &recordingNotifier{}
	eng := New(conn, dialect, config.Default())
	eng.Now = func() time.Time { return clock }
	eng.Notifier = rec
	ctx := auth.WithPrincipal(context.Background(), auth.System("test"))

	_, err = eng.Repo.SeedRules(ctx, approval.DefaultRules())
	require.NoError(t, err)
	for _, u := range []domain.User{
		{ID: "am", Name: "Amal", Email: "am@x.com", Active: true, Roles: []domain.UserRole{{Role: approval.RoleAreaManager}}},
		{ID: "ho", Name: "Hadi", Email: "ho@x.com", Active: true, Roles: []domain.UserRole{{Role: approval.RoleHeadOfOperations}}},
		{ID: "hr", Name: "Hiba", Email: "hr@x.com", Active: true, Roles: []domain.UserRole{{Role: approval.RoleHR}}},
	} {
		_, err := eng.UpsertUser(ctx, u)
		require.NoError(t, err)
	}
	return testEnv{eng: eng, ctx: ctx, clock: &clock, notify: rec}
}

func (env testEnv) create(t *testing.T, store, category string) domain.Request {
	t.Helper()
	res, err := env.eng.CreateRequest(env.ctx, CreateRequestOptions{
		Store:     store,
		Category:  category,
		Requester: approval.Identity{ID: "u0", Name: "Rana", Email: "rana@x.com"},
	})
	require.NoError(t, err)
	return res.Request
}

func (env testEnv) decide(id, email string, action approval.Action, comments string) (DecideResult, error) {
	return env.eng.Decide(env.ctx, DecideOptions{RequestID: id, ActorEmail: email, Action: action, Comments: comments})
}

func TestCreateRequestAppliesRules(t *testing.T) {
	env := newTestEnv(t)
	cases := []struct {
		store, category string
		want            []string
	}{
		{"Main", "Cleaning", []string{"AreaManager", "HeadOfOperations"}},
		{"Main", "Happy Hour", []string{"HeadOfOperations"}},
		{"Main", "Helpers", []string{"AreaManager", "HeadOfOperations", "HR"}},
		{"Happy Mall", "Helpers", []string{"HeadOfOperations", "HR"}},
	}
	for _, tc := range cases {
		req := env.create(t, tc.store, tc.category)
		assert.Equal(t, tc.want, req.Chain.Roles(), tc.store+"/"+tc.category)
		assert.Equal(t, approval.StatusPending, req.OverallStatus)
		assert.Equal(t, 0, req.CurrentStep)
		require.NotNil(t, req.CurrentApproverRole)
		assert.Equal(t, tc.want[0], *req.CurrentApproverRole)
	}
	assert.Len(t, env.notify.advanced, len(cases))
}

func TestFullApprovalWalksTheChain(t *testing.T) {
	env := newTestEnv(t)
	req := env.create(t, "Main", "Cleaning")

	res, err := env.decide(req.ID, "AM@x.com", approval.Approve, "")
	require.NoError(t, err)
	assert.Equal(t, approval.StatusPending, res.Request.OverallStatus)
	assert.Equal(t, 1, res.Request.CurrentStep)
	assert.Equal(t, approval.RoleHeadOfOperations, res.NextApproverRole())

	*env.clock = t0.Add(time.Hour)
	res, err = env.decide(req.ID, "ho@x.com", approval.Approve, "ok")
	require.NoError(t, err)
	assert.Equal(t, approval.StatusApproved, res.Request.OverallStatus)
	assert.Equal(t, 2, res.Request.CurrentStep)
	assert.Equal(t, "", res.NextApproverRole())
	assert.Nil(t, res.Request.CurrentApproverEmail)

	snap, err := env.eng.Snapshot(env.ctx, req.ID)
	require.NoError(t, err)
	require.Len(t, snap.History, 2)
	assert.Equal(t, "am@x.com", snap.History[0].ApproverEmail)
	assert.Equal(t, string(approval.StepApproved), snap.History[1].Action)
	assert.Equal(t, "ok", snap.History[1].Comments)
	require.NoError(t, snap.Request.State().Check())

	require.Len(t, env.notify.terminal, 1)
	assert.Equal(t, approval.StatusApproved, env.notify.terminal[0].OverallStatus)
}

func TestRejectionStopsTheChain(t *testing.T) {
	env := newTestEnv(t)
	req := env.create(t, "Main", "Helpers")

	_, err := env.decide(req.ID, "am@x.com", approval.Approve, "")
	require.NoError(t, err)
	res, err := env.decide(req.ID, "ho@x.com", approval.Reject, "over budget")
	require.NoError(t, err)
	assert.Equal(t, approval.StatusRejected, res.Request.OverallStatus)
	assert.Equal(t, 1, res.Request.CurrentStep)
	assert.Equal(t, approval.StepRejected, res.Request.Chain[1].Status)
	assert.Equal(t, approval.StepPending, res.Request.Chain[2].Status)

	_, err = env.decide(req.ID, "hr@x.com", approval.Approve, "")
	assert.ErrorIs(t, err, approval.ErrAlreadyFinalized)
}

func TestDecisionByWrongApproverIsRefused(t *testing.T) {
	env := newTestEnv(t)
	req := env.create(t, "Main", "Cleaning")

	_, err := env.decide(req.ID, "ho@x.com", approval.Approve, "")
	assert.ErrorIs(t, err, approval.ErrNotCurrentApprover)

	snap, err := env.eng.Snapshot(env.ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, snap.Request.CurrentStep)
	assert.Empty(t, snap.History)
}

func TestReplayedDecisionIsRefused(t *testing.T) {
	env := newTestEnv(t)
	req := env.create(t, "Main", "Cleaning")
	_, err := env.decide(req.ID, "am@x.com", approval.Approve, "")
	require.NoError(t, err)

	// same link clicked twice
	_, err = env.decide(req.ID, "am@x.com", approval.Approve, "")
	assert.ErrorIs(t, err, approval.ErrNotCurrentApprover)

	step := 0
	_, err = env.eng.Decide(env.ctx, DecideOptions{RequestID: req.ID, ActorEmail: "ho@x.com", Action: approval.Approve, Step: &step})
	assert.ErrorIs(t, err, approval.ErrNotCurrentApprover)
}

func TestConcurrentApprovalsApplyOnce(t *testing.T) {
	env := newTestEnv(t)
	req := env.create(t, "Main", "Cleaning")

	const n = 12
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = env.decide(req.ID, "am@x.com", approval.Approve, "")
		}(i)
	}
	wg.Wait()

	applied := 0
	for _, err := range errs {
		if err == nil {
			applied++
			continue
		}
		refused := errors.Is(err, approval.ErrNotCurrentApprover) ||
			errors.Is(err, approval.ErrAlreadyFinalized) ||
			errors.Is(err, approval.ErrPersistenceConflict)
		assert.True(t, refused, "unexpected error: %v", err)
	}
	assert.Equal(t, 1, applied)

	snap, err := env.eng.Snapshot(env.ctx, req.ID)
	require.NoError(t, err)
	assert.Len(t, snap.History, 1)
	assert.Equal(t, 1, snap.Request.CurrentStep)
	assert.Equal(t, approval.StatusPending, snap.Request.OverallStatus)
	assert.NoError(t, snap.Request.State().Check())
}

func TestDecideUnknownRequest(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.decide("missing", "am@x.com", approval.Approve, "")
	assert.ErrorIs(t, err, approval.ErrRequestNotFound)
}

func TestEmptyChainIsApprovedOnCreate(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.eng.AddRule(env.ctx, approval.Rule{
		Name: "express-skips-ho", TriggerField: "category", TriggerOperator: approval.OpEquals,
		TriggerValue: "Express Happy", ActionType: approval.ActionSkip, TargetApprover: approval.RoleHeadOfOperations,
		Priority: 30, Active: true,
	})
	require.NoError(t, err)

	req := env.create(t, "Main", "Express Happy")
	assert.Empty(t, req.Chain)
	assert.Equal(t, approval.StatusApproved, req.OverallStatus)
	assert.Empty(t, env.notify.advanced)
}

func TestUnresolvedRoleIsDropped(t *testing.T) {
	env := newTestEnv(t)
	// nobody holds HR in this directory
	conn := env.eng.DB
	_, err := conn.Exec(`DELETE FROM user_roles WHERE role='HR'`)
	require.NoError(t, err)

	res, err := env.eng.CreateRequest(env.ctx, CreateRequestOptions{
		Store: "Main", Category: "Helpers",
		Requester: approval.Identity{Email: "rana@x.com"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"AreaManager", "HeadOfOperations"}, res.Request.Chain.Roles())
	require.Len(t, res.Dropped, 1)
	assert.Equal(t, approval.RoleHR, res.Dropped[0].Role)
}

func TestSelectionsOverrideDirectory(t *testing.T) {
	env := newTestEnv(t)
	res, err := env.eng.CreateRequest(env.ctx, CreateRequestOptions{
		Store: "Main", Category: "Cleaning",
		Requester: approval.Identity{Email: "rana@x.com"},
		Selections: map[string]approval.Selection{
			approval.RoleAreaManager: {Name: "Deputy", Email: "deputy@x.com"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "deputy@x.com", res.Request.Chain[0].Email)
	assert.Equal(t, "ho@x.com", res.Request.Chain[1].Email)
}

func TestCreateRequestValidatesInput(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.eng.CreateRequest(env.ctx, CreateRequestOptions{Category: "Cleaning", Requester: approval.Identity{Email: "a@x.com"}})
	var verr ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "store", verr.Field)
}

func TestPermissionsAreEnforced(t *testing.T) {
	env := newTestEnv(t)
	req := env.create(t, "Main", "Cleaning")

	employee := auth.WithPrincipal(context.Background(), auth.Principal{Email: "rana@x.com", Roles: []string{"Employee"}, Via: "jwt"})
	_, err := env.eng.Decide(employee, DecideOptions{RequestID: req.ID, ActorEmail: "am@x.com", Action: approval.Approve})
	var forbidden auth.ForbiddenError
	require.True(t, errors.As(err, &forbidden))
	assert.Equal(t, "cleaning:approve", forbidden.Permission)

	_, err = env.eng.AddRule(employee, approval.Rule{Name: "x"})
	assert.True(t, errors.As(err, &forbidden))

	_, err = env.eng.Snapshot(employee, req.ID)
	assert.NoError(t, err)

	_, err = env.eng.Snapshot(context.Background(), req.ID)
	assert.True(t, errors.As(err, &forbidden))
}

func TestSweepEscalatesStaleRequestsOnce(t *testing.T) {
	env := newTestEnv(t)
	req := env.create(t, "Main", "Cleaning")

	*env.clock = t0.Add(49 * time.Hour)
	report, err := env.eng.Sweep(env.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.StaleRequests)
	assert.Equal(t, 1, report.Opened)

	report, err = env.eng.Sweep(env.ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Opened)
	assert.Equal(t, 1, report.AlreadyEscalated)

	require.Len(t, env.notify.escalations, 1)
	esc := env.notify.escalations[0]
	assert.Equal(t, req.ID, esc.ItemID)
	assert.Equal(t, approval.RoleHeadOfOperations, esc.TargetRole)
	assert.Equal(t, "ho@x.com", esc.TargetEmail)

	_, err = env.decide(req.ID, "am@x.com", approval.Approve, "")
	require.NoError(t, err)
	open, err := env.eng.ListEscalations(env.ctx, domain.EscalationOpen, "")
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestOverdueActionItemIsEscalatedUntilDone(t *testing.T) {
	env := newTestEnv(t)
	item, err := env.eng.CreateActionItem(env.ctx, ActionItemOptions{
		Store: "Main", Title: "Order supplies", OwnerName: "Omar", OwnerEmail: "omar@x.com",
		Deadline: t0.Add(24 * time.Hour),
	})
	require.NoError(t, err)

	report, err := env.eng.Sweep(env.ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, report.OverdueActions)

	*env.clock = t0.Add(25 * time.Hour)
	report, err = env.eng.Sweep(env.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.OverdueActions)
	assert.Equal(t, 1, report.Opened)
	assert.Equal(t, approval.RoleAreaManager, env.notify.escalations[0].TargetRole)

	done, err := env.eng.CompleteActionItem(env.ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ActionItemDone, done.Status)

	escs, err := env.eng.ListEscalations(env.ctx, domain.EscalationResolved, domain.ItemActionItem)
	require.NoError(t, err)
	assert.Len(t, escs, 1)

	_, err = env.eng.CompleteActionItem(env.ctx, "missing")
	assert.ErrorIs(t, err, repo.ErrNotFound)
}

func TestCreateAPIKeyStoresHashOnly(t *testing.T) {
	env := newTestEnv(t)
	key, plain, err := env.eng.CreateAPIKey(env.ctx, "am", "ci")
	require.NoError(t, err)
	assert.NotEmpty(t, plain)
	assert.NotEqual(t, plain, key.KeyHash)

	stored, err := env.eng.Repo.GetAPIKeyByHash(env.ctx, repo.HashAPIKey(plain))
	require.NoError(t, err)
	assert.Equal(t, "am", stored.UserID)

	_, _, err = env.eng.CreateAPIKey(env.ctx, "nobody", "")
	var verr ValidationError
	assert.ErrorAs(t, err, &verr)
}
