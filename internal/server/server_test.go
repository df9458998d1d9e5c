package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"opex/internal/approval"
	"opex/internal/config"
	"opex/internal/db"
	"opex/internal/domain"
	"opex/internal/engine"
	"opex/internal/engine/auth"
	"opex/internal/links"
	"opex/internal/migrate"
	"opex/internal/session"
)

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
}

func newTestServer(t *testing.T, mutate func(*Config)) *testServer {
	t.Helper()
	conn, dialect, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn, dialect))

	e := engine.New(conn, dialect, config.Default())
	ctx := auth.WithPrincipal(context.Background(), auth.System("test"))
	_, err = e.Repo.SeedRules(ctx, approval.DefaultRules())
	require.NoError(t, err)
	for _, u := range []domain.User{
		{ID: "am", Name: "Amal", Email: "am@x.com", Active: true, Roles: []domain.UserRole{{Role: approval.RoleAreaManager}}},
		{ID: "ho", Name: "Hadi", Email: "ho@x.com", Active: true, Roles: []domain.UserRole{{Role: approval.RoleHeadOfOperations}}},
		{ID: "rana", Name: "Rana", Email: "rana@x.com", Active: true},
	} {
		_, err := e.UpsertUser(ctx, u)
		require.NoError(t, err)
	}

	cfg := Config{
		Engine:   e,
		BasePath: "/v0",
		Auth:     AuthConfig{LegacyHeader: true, DevLogin: true, JWTSecret: "test-secret"},
		Sessions: session.NewMemoryStore(),
		Links:    links.Builder{BaseURL: "http://intranet"},
		Public:   PublicConfig{RatePerSecond: 100, Burst: 100},
	}
	if mutate != nil {
		mutate(&cfg)
	}
	handler, err := New(cfg)
	require.NoError(t, err)
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return &testServer{URL: srv.URL, Engine: e, client: srv.Client()}
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader = bytes.NewReader(nil)
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	return res, data
}

func as(email string) map[string]string {
	return map[string]string{"X-Actor-Email": email}
}

func (s *testServer) submit(t *testing.T, category string) domain.Request {
	t.Helper()
	res, data := doJSON(t, s.client, http.MethodPost, s.URL+"/v0/requests", map[string]any{
		"store":     "Main",
		"category":  category,
		"needed_by": "2025-03-05",
	}, as("rana@x.com"))
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	var out CreateRequestResponse
	require.NoError(t, json.Unmarshal(data, &out))
	return out.Request
}

func TestHealthAndAuthRequired(t *testing.T) {
	srv := newTestServer(t, nil)
	res, data := doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/health", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	var health HealthResponse
	require.NoError(t, json.Unmarshal(data, &health))
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, "sqlite", health.Database)
	assert.Positive(t, health.SchemaVersion)

	res, data = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/requests", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
	assert.Contains(t, string(data), `"code":"unauthorized"`)

	res, _ = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/requests", nil, map[string]string{"Authorization": "Bearer nope"})
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
}

func TestApprovalThroughAPIAndLink(t *testing.T) {
	srv := newTestServer(t, nil)
	req := srv.submit(t, "Cleaning")
	assert.Equal(t, approval.StatusPending, req.OverallStatus)
	assert.Equal(t, "rana@x.com", req.Requester.Email)
	assert.Equal(t, []string{"AreaManager", "HeadOfOperations"}, req.Chain.Roles())

	res, data := doJSON(t, srv.client, http.MethodPost, srv.URL+"/v0/requests/"+req.ID+"/decision", map[string]any{
		"action": "approve",
	}, as("am@x.com"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var decided DecisionResponse
	require.NoError(t, json.Unmarshal(data, &decided))
	assert.True(t, decided.Success)
	assert.Equal(t, "PendingApproval", decided.Status)
	assert.Equal(t, "HeadOfOperations", decided.NextApprover)

	res, data = doJSON(t, srv.client, http.MethodGet, srv.URL+"/public/requests/"+req.ID+"/decision?action=approve&email=HO%40x.com", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var final DecisionResponse
	require.NoError(t, json.Unmarshal(data, &final))
	assert.True(t, final.Success)
	assert.Equal(t, "FullyApproved", final.Status)
	assert.Empty(t, final.NextApprover)

	// the link followed a second time
	res, data = doJSON(t, srv.client, http.MethodPost, srv.URL+"/public/requests/"+req.ID+"/decision", map[string]any{
		"action": "approve",
		"email":  "ho@x.com",
	}, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	require.NoError(t, json.Unmarshal(data, &decided))
	assert.False(t, decided.Success)
	assert.Equal(t, "FullyApproved", decided.Status)

	res, _ = doJSON(t, srv.client, http.MethodPost, srv.URL+"/v0/requests/"+req.ID+"/decision", map[string]any{
		"action": "approve",
	}, as("ho@x.com"))
	assert.Equal(t, http.StatusConflict, res.StatusCode)

	res, data = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/requests/"+req.ID, nil, as("rana@x.com"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var snap domain.Snapshot
	require.NoError(t, json.Unmarshal(data, &snap))
	assert.Len(t, snap.History, 2)
	assert.Equal(t, approval.StatusApproved, snap.Request.OverallStatus)
}

func TestWrongApproverDoesNotLeakAddress(t *testing.T) {
	srv := newTestServer(t, nil)
	req := srv.submit(t, "Cleaning")

	res, data := doJSON(t, srv.client, http.MethodPost, srv.URL+"/public/requests/"+req.ID+"/decision", map[string]any{
		"action": "reject",
		"email":  "ho@x.com",
	}, nil)
	assert.Equal(t, http.StatusForbidden, res.StatusCode)
	assert.Contains(t, string(data), "not_current_approver")
	assert.NotContains(t, string(data), "am@x.com")

	res, _ = doJSON(t, srv.client, http.MethodPost, srv.URL+"/public/requests/missing/decision", map[string]any{
		"action": "approve",
		"email":  "am@x.com",
	}, nil)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)

	res, _ = doJSON(t, srv.client, http.MethodPost, srv.URL+"/public/requests/"+req.ID+"/decision", map[string]any{
		"action": "maybe",
		"email":  "am@x.com",
	}, nil)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
}

func TestSubmittingForSomeoneElseNeedsPermission(t *testing.T) {
	srv := newTestServer(t, nil)
	body := map[string]any{
		"store":     "Main",
		"category":  "Cleaning",
		"needed_by": "2025-03-05",
		"requester": map[string]any{"id": "u9", "name": "Someone", "email": "someone@x.com"},
	}
	res, data := doJSON(t, srv.client, http.MethodPost, srv.URL+"/v0/requests", body, as("rana@x.com"))
	assert.Equal(t, http.StatusForbidden, res.StatusCode)
	assert.Contains(t, string(data), "cleaning:submit_for_others")

	body["requester"] = map[string]any{"id": "rana", "name": "Rana", "email": "RANA@x.com"}
	res, data = doJSON(t, srv.client, http.MethodPost, srv.URL+"/v0/requests", body, as("rana@x.com"))
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))

	body["requester"] = map[string]any{"id": "rana", "name": "Rana", "email": "rana@x.com"}
	res, data = doJSON(t, srv.client, http.MethodPost, srv.URL+"/v0/requests", body, as("am@x.com"))
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	var out CreateRequestResponse
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, "rana@x.com", out.Request.Requester.Email)
}

func TestRejectionOverAPI(t *testing.T) {
	srv := newTestServer(t, nil)
	req := srv.submit(t, "Cleaning")
	res, data := doJSON(t, srv.client, http.MethodPost, srv.URL+"/v0/requests/"+req.ID+"/decision", map[string]any{
		"action":   "reject",
		"comments": "not this week",
	}, as("am@x.com"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var decided DecisionResponse
	require.NoError(t, json.Unmarshal(data, &decided))
	assert.Equal(t, "Rejected", decided.Status)

	res, data = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/requests?status=Rejected", nil, as("am@x.com"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var items []domain.Request
	require.NoError(t, json.Unmarshal(data, &items))
	require.Len(t, items, 1)
	assert.Equal(t, "not this week", items[0].Chain[0].Comments)
}

func TestEmployeeCannotManageRules(t *testing.T) {
	srv := newTestServer(t, nil)
	res, data := doJSON(t, srv.client, http.MethodPost, srv.URL+"/v0/rules", map[string]any{
		"name":             "weekend-add-hr",
		"trigger_field":    "category",
		"trigger_operator": "equals",
		"trigger_value":    "Weekend",
		"action_type":      "add",
		"target_approver":  "HR",
	}, as("rana@x.com"))
	assert.Equal(t, http.StatusForbidden, res.StatusCode)
	assert.Contains(t, string(data), "rules:manage")

	res, data = doJSON(t, srv.client, http.MethodPost, srv.URL+"/v0/rules/preview", map[string]any{
		"store":    "Happy Mall",
		"category": "Helpers",
	}, as("rana@x.com"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var preview PreviewRulesResponse
	require.NoError(t, json.Unmarshal(data, &preview))
	assert.Equal(t, []string{"HeadOfOperations", "HR"}, preview.Roles)
}

func TestSignedLinksRequireToken(t *testing.T) {
	lb := links.Builder{BaseURL: "http://intranet", Signed: true, Secret: "link-secret"}
	srv := newTestServer(t, func(c *Config) { c.Links = lb })
	req := srv.submit(t, "Cleaning")

	res, _ := doJSON(t, srv.client, http.MethodPost, srv.URL+"/public/requests/"+req.ID+"/decision", map[string]any{
		"action": "approve",
		"email":  "am@x.com",
	}, nil)
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)

	token, err := lb.Sign(req.ID, "am@x.com", 0)
	require.NoError(t, err)
	res, data := doJSON(t, srv.client, http.MethodPost, srv.URL+"/public/requests/"+req.ID+"/decision", map[string]any{
		"action": "approve",
		"token":  token,
	}, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))

	// a token for another request is refused
	other := srv.submit(t, "Cleaning")
	res, _ = doJSON(t, srv.client, http.MethodPost, srv.URL+"/public/requests/"+other.ID+"/decision", map[string]any{
		"action": "approve",
		"token":  token,
	}, nil)
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
}

func TestDevLoginSessionAndAPIKey(t *testing.T) {
	srv := newTestServer(t, nil)
	res, data := doJSON(t, srv.client, http.MethodPost, srv.URL+"/v0/auth/dev/login", map[string]any{"email": "am@x.com"}, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var login DevLoginResponse
	require.NoError(t, json.Unmarshal(data, &login))
	assert.NotEmpty(t, login.Token)

	var cookie *http.Cookie
	for _, c := range res.Cookies() {
		if c.Name == session.CookieName {
			cookie = c
		}
	}
	require.NotNil(t, cookie)
	assert.Equal(t, login.SessionID, cookie.Value)

	res, data = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{"Cookie": session.CookieName + "=" + cookie.Value})
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var me WhoAmIResponse
	require.NoError(t, json.Unmarshal(data, &me))
	assert.Equal(t, "am@x.com", me.Email)
	assert.Equal(t, "session", me.Via)
	assert.Contains(t, me.Permissions, "cleaning:*")

	res, data = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{"Authorization": "Bearer " + login.Token})
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	require.NoError(t, json.Unmarshal(data, &me))
	assert.Equal(t, "jwt", me.Via)

	ctx := auth.WithPrincipal(context.Background(), auth.System("test"))
	_, plain, err := srv.Engine.CreateAPIKey(ctx, "ho", "ci")
	require.NoError(t, err)
	res, data = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{"X-Api-Key": plain})
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	require.NoError(t, json.Unmarshal(data, &me))
	assert.Equal(t, "ho@x.com", me.Email)
	assert.Equal(t, []string{"HeadOfOperations"}, me.Roles)

	res, _ = doJSON(t, srv.client, http.MethodPost, srv.URL+"/v0/auth/logout", nil, map[string]string{"Cookie": session.CookieName + "=" + cookie.Value})
	assert.Equal(t, http.StatusNoContent, res.StatusCode)
	res, _ = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{"Cookie": session.CookieName + "=" + cookie.Value})
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
}

func TestPublicRouteIsRateLimited(t *testing.T) {
	srv := newTestServer(t, func(c *Config) { c.Public = PublicConfig{RatePerSecond: 0.001, Burst: 1} })
	url := srv.URL + "/public/requests/missing/decision?action=approve&email=am%40x.com"
	res, _ := doJSON(t, srv.client, http.MethodGet, url, nil, nil)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
	res, data := doJSON(t, srv.client, http.MethodGet, url, nil, nil)
	assert.Equal(t, http.StatusTooManyRequests, res.StatusCode)
	assert.Contains(t, string(data), "rate_limited")
}

func TestActionItemsAndSweep(t *testing.T) {
	srv := newTestServer(t, nil)
	res, data := doJSON(t, srv.client, http.MethodPost, srv.URL+"/v0/action-items", map[string]any{
		"store":       "Main",
		"title":       "Replace mop heads",
		"owner_email": "rana@x.com",
		"deadline":    "2000-01-01T00:00:00Z",
	}, as("ho@x.com"))
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	var item domain.ActionItem
	require.NoError(t, json.Unmarshal(data, &item))

	res, data = doJSON(t, srv.client, http.MethodPost, srv.URL+"/v0/escalations/sweep", nil, as("ho@x.com"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var report engine.SweepReport
	require.NoError(t, json.Unmarshal(data, &report))
	assert.Equal(t, 1, report.Opened)

	res, _ = doJSON(t, srv.client, http.MethodPost, srv.URL+"/v0/escalations/sweep", nil, as("am@x.com"))
	assert.Equal(t, http.StatusForbidden, res.StatusCode)

	res, data = doJSON(t, srv.client, http.MethodPost, srv.URL+"/v0/action-items/"+item.ID+"/complete", nil, as("am@x.com"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))

	res, data = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/escalations?status=open", nil, as("am@x.com"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var open []domain.Escalation
	require.NoError(t, json.Unmarshal(data, &open))
	assert.Empty(t, open)
}

func TestOpenAPIDocumentsCredentials(t *testing.T) {
	srv := newTestServer(t, nil)
	res, data := doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/openapi.json", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)

	var doc struct {
		Components struct {
			SecuritySchemes map[string]json.RawMessage `json:"securitySchemes"`
		} `json:"components"`
		Paths map[string]map[string]struct {
			Security []map[string][]string `json:"security"`
		} `json:"paths"`
	}
	require.NoError(t, json.Unmarshal(data, &doc))
	assert.Contains(t, doc.Components.SecuritySchemes, "bearer")
	assert.Contains(t, doc.Components.SecuritySchemes, "apiKey")
	assert.Contains(t, doc.Components.SecuritySchemes, "session")
	assert.Len(t, doc.Paths["/v0/requests"]["post"].Security, 3)
	assert.Empty(t, doc.Paths["/public/requests/{id}/decision"]["post"].Security)
}
