package repo

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"opex/internal/approval"
	"opex/internal/db"
	"opex/internal/domain"
	"opex/internal/migrate"
)

func newTestRepo(t *testing.T) Repo {
	t.Helper()
	conn, dialect, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn, dialect))
	return Repo{DB: conn, Dialect: dialect}
}

const ts = "2025-03-01T09:00:00Z"

func sampleRequest(id string) domain.Request {
	req := domain.Request{
		ID:            id,
		FormCode:      domain.FormCleaning,
		Store:         "Main",
		Category:      "Cleaning",
		Requester:     approval.Identity{ID: "u0", Name: "Rana", Email: "rana@x.com"},
		StepStartedAt: ts,
		CreatedAt:     ts,
		UpdatedAt:     ts,
	}
	req.SetState(approval.NewState(approval.Chain{
		{Role: approval.RoleAreaManager, ID: "am", Name: "Amal", Email: "am@x.com"},
		{Role: approval.RoleHeadOfOperations, ID: "ho", Name: "Hadi", Email: "ho@x.com"},
	}))
	return req
}

func TestRequestRoundTripKeepsBlobAndColumnsTogether(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	req := sampleRequest("r1")
	req.Attributes = map[string]string{"shift": "night"}
	require.NoError(t, r.InsertRequestTx(ctx, nil, req))

	got, err := r.GetRequest(ctx, nil, "r1")
	require.NoError(t, err)
	assert.Equal(t, []string{approval.RoleAreaManager, approval.RoleHeadOfOperations}, got.Chain.Roles())
	assert.Equal(t, approval.StatusPending, got.OverallStatus)
	require.NotNil(t, got.CurrentApproverEmail)
	assert.Equal(t, "am@x.com", *got.CurrentApproverEmail)
	assert.Equal(t, "night", got.Attributes["shift"])

	_, err = r.GetRequest(ctx, nil, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateRequestStateDetectsLostRace(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	req := sampleRequest("r1")
	require.NoError(t, r.InsertRequestTx(ctx, nil, req))

	next, _, err := req.State().Decide(approval.Decision{ActorEmail: "am@x.com", Action: approval.Approve, At: time.Now()})
	require.NoError(t, err)
	advanced := req
	advanced.SetState(next)
	require.NoError(t, r.UpdateRequestStateTx(ctx, nil, advanced, 0))

	err = r.UpdateRequestStateTx(ctx, nil, advanced, 0)
	assert.ErrorIs(t, err, approval.ErrPersistenceConflict)

	got, err := r.GetRequest(ctx, nil, "r1")
	require.NoError(t, err)
	assert.Equal(t, 1, got.CurrentStep)
	assert.Equal(t, "ho@x.com", *got.CurrentApproverEmail)
}

func TestHistoryIsOnePerStep(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	require.NoError(t, r.InsertRequestTx(ctx, nil, sampleRequest("r1")))
	h := approval.HistoryEntry{RequestID: "r1", StepIndex: 0, Role: approval.RoleAreaManager, ApproverEmail: "am@x.com", ApproverName: "Amal", Action: "Approved", ActionDate: time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)}
	require.NoError(t, r.InsertHistoryTx(ctx, nil, h))
	assert.ErrorIs(t, r.InsertHistoryTx(ctx, nil, h), approval.ErrPersistenceConflict)

	list, err := r.ListHistory(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, h, list[0])
}

func TestDirectoryPrefersStoreScopedMembers(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	for _, u := range []domain.User{
		{ID: "a", Name: "Aya", Email: "aya@x.com", Active: true, CreatedAt: ts},
		{ID: "b", Name: "Bilal", Email: "bilal@x.com", Active: true, CreatedAt: ts},
		{ID: "c", Name: "Carla", Email: "carla@x.com", Active: false, CreatedAt: ts},
	} {
		require.NoError(t, r.UpsertUser(ctx, nil, u))
	}
	require.NoError(t, r.AssignRole(ctx, nil, "a", approval.RoleAreaManager, ""))
	require.NoError(t, r.AssignRole(ctx, nil, "b", approval.RoleAreaManager, "Main"))
	require.NoError(t, r.AssignRole(ctx, nil, "b", approval.RoleAreaManager, ""))
	require.NoError(t, r.AssignRole(ctx, nil, "c", approval.RoleAreaManager, "Main"))

	dir := Directory{Repo: r}
	got, err := dir.UsersByRole(ctx, approval.RoleAreaManager, "Main")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "b", got[0].ID)
	assert.Equal(t, "a", got[1].ID)

	_, ok, err := dir.FindUser(ctx, "c")
	require.NoError(t, err)
	assert.False(t, ok)

	u, err := r.GetUserByEmail(ctx, "BILAL@x.com")
	require.NoError(t, err)
	assert.Equal(t, []string{approval.RoleAreaManager}, u.RoleNames())
}

func TestReplaceRolesDropsStaleGrants(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	require.NoError(t, r.UpsertUser(ctx, nil, domain.User{ID: "a", Name: "Aya", Email: "aya@x.com", Active: true, CreatedAt: ts}))
	require.NoError(t, r.AssignRole(ctx, nil, "a", approval.RoleAreaManager, "Main"))
	require.NoError(t, r.AssignRole(ctx, nil, "a", "HR", ""))

	require.NoError(t, r.ReplaceRoles(ctx, nil, "a", []domain.UserRole{
		{Role: approval.RoleAreaManager, Store: " Main "},
		{Role: approval.RoleHeadOfOperations},
	}))
	u, err := r.GetUser(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, []domain.UserRole{
		{Role: approval.RoleAreaManager, Store: "Main"},
		{Role: approval.RoleHeadOfOperations},
	}, u.Roles)
}

func TestSeedRulesOnlyOnce(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	n, err := r.SeedRules(ctx, approval.DefaultRules())
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	n, err = r.SeedRules(ctx, approval.DefaultRules())
	require.NoError(t, err)
	assert.Zero(t, n)

	rules, err := r.ListRules(ctx, true)
	require.NoError(t, err)
	require.Len(t, rules, 3)
	assert.Equal(t, approval.ActionAdd, rules[2].ActionType)
}

func TestOutboxClaimIsExclusive(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	n, err := r.EnqueueNotification(ctx, nil, domain.Notification{Kind: "approval_request", To: "am@x.com", Fields: map[string]string{"store": "Main"}, CreatedAt: ts})
	require.NoError(t, err)

	claimed, err := r.ClaimDueNotifications(ctx, "2025-03-01T09:00:05Z", "2025-03-01T08:00:00Z", 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, "Main", claimed[0].Fields["store"])

	again, err := r.ClaimDueNotifications(ctx, "2025-03-01T09:00:06Z", "2025-03-01T08:00:00Z", 10)
	require.NoError(t, err)
	assert.Empty(t, again)

	require.NoError(t, r.MarkNotificationFailed(ctx, n.ID, "smtp down", "", "2025-03-01T09:00:07Z"))
	got, err := r.GetNotification(ctx, n.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.NotificationFailed, got.Status)
	assert.Equal(t, 1, got.Attempts)
	require.NoError(t, r.RequeueNotification(ctx, n.ID, "2025-03-01T09:01:00Z"))
}

func TestOpenEscalationIsGuarded(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	esc := domain.Escalation{ID: "e1", ItemKind: domain.ItemRequest, ItemID: "r1", Reason: "stale", TargetRole: approval.RoleHeadOfOperations, CreatedAt: ts}
	created, err := r.OpenEscalationTx(ctx, nil, esc)
	require.NoError(t, err)
	assert.True(t, created)

	esc.ID = "e2"
	created, err = r.OpenEscalationTx(ctx, nil, esc)
	require.NoError(t, err)
	assert.False(t, created)

	n, err := r.ResolveEscalationsTx(ctx, nil, domain.ItemRequest, "r1", ts)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	created, err = r.OpenEscalationTx(ctx, nil, esc)
	require.NoError(t, err)
	assert.True(t, created)

	open, err := r.ListEscalations(ctx, domain.EscalationOpen, "")
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "e2", open[0].ID)
}
