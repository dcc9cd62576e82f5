package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/tenantgate/pkg/access"
	"github.com/platinummonkey/tenantgate/pkg/billing"
	"github.com/platinummonkey/tenantgate/pkg/observability"
	"github.com/platinummonkey/tenantgate/pkg/plans"
	"github.com/platinummonkey/tenantgate/pkg/storage"
	"github.com/platinummonkey/tenantgate/pkg/workspaces"
)

const (
	testEmailHeader = "X-Auth-Request-Email"
	testNameHeader  = "X-Auth-Request-User"
)

// mockBilling implements Billing for testing
type mockBilling struct {
	upgradeFunc func(ws *storage.Workspace, email string) (*billing.Session, error)
	portalFunc  func(ws *storage.Workspace) (*billing.Session, error)
	successFunc func(sessionID string) (int64, error)
	webhookFunc func(payload []byte, sig string) (billing.Outcome, error)
	setPlanFunc func(workspaceID int64, plan storage.Plan) (*storage.Workspace, error)
}

func (m *mockBilling) CreateUpgradeSession(_ context.Context, ws *storage.Workspace, email string) (*billing.Session, error) {
	if m.upgradeFunc != nil {
		return m.upgradeFunc(ws, email)
	}
	return nil, errors.New("not implemented")
}

func (m *mockBilling) CreatePortalSession(_ context.Context, ws *storage.Workspace) (*billing.Session, error) {
	if m.portalFunc != nil {
		return m.portalFunc(ws)
	}
	return nil, errors.New("not implemented")
}

func (m *mockBilling) HandleSuccessfulPayment(_ context.Context, sessionID string) (int64, error) {
	if m.successFunc != nil {
		return m.successFunc(sessionID)
	}
	return 0, errors.New("not implemented")
}

func (m *mockBilling) HandleWebhook(_ context.Context, payload []byte, sig string) (billing.Outcome, error) {
	if m.webhookFunc != nil {
		return m.webhookFunc(payload, sig)
	}
	return "", errors.New("not implemented")
}

func (m *mockBilling) SetPlan(_ context.Context, workspaceID int64, plan storage.Plan) (*storage.Workspace, error) {
	if m.setPlanFunc != nil {
		return m.setPlanFunc(workspaceID, plan)
	}
	return nil, errors.New("not implemented")
}

type testEnv struct {
	dir     *storage.MemoryDirectory
	svc     *workspaces.Service
	billing *mockBilling
	handler http.Handler
	server  *httptest.Server
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	return newTestEnvWithIdentity(t, testResolver(t))
}

func newTestEnvWithIdentity(t *testing.T, identity IdentityResolver) *testEnv {
	t.Helper()
	logger, _ := test.NewNullLogger()
	dir := storage.NewMemoryDirectory()
	svc := workspaces.NewService(dir,
		workspaces.WithLogger(logger),
		workspaces.WithMemberLimit(plans.CanAddMember),
	)
	sessions := access.NewSessions(access.NewCookieStore([]byte(strings.Repeat("k", 32)), false, 3600))
	guard := access.NewGuard(dir, sessions, access.WithLogger(logger))
	mb := &mockBilling{}

	srv := NewServer(Dependencies{
		Directory:  dir,
		Workspaces: svc,
		Billing:    mb,
		Guard:      guard,
		Sessions:   sessions,
		Identity:   identity,
		Health:     observability.NewHealthChecker(dir, nil, "test"),
		Logger:     logger,
	})
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)

	return &testEnv{dir: dir, svc: svc, billing: mb, handler: srv, server: ts}
}

// client is one browser: its own cookie jar, redirects not followed
type client struct {
	t    *testing.T
	base string
	http *http.Client
}

func (e *testEnv) anonymous(t *testing.T) *client {
	t.Helper()
	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	return &client{
		t:    t,
		base: e.server.URL,
		http: &http.Client{
			Jar: jar,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

// login signs in through the proxy headers and returns the client and user
func (e *testEnv) login(t *testing.T, email, name string) (*client, *storage.User) {
	t.Helper()
	c := e.anonymous(t)
	resp := c.do(http.MethodPost, "/auth/login", nil, map[string]string{
		testEmailHeader: email,
		testNameHeader:  name,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode, resp.text())

	user, err := e.dir.GetUserByEmail(context.Background(), email)
	require.NoError(t, err)
	return c, user
}

type response struct {
	*http.Response
	body []byte
}

func (r *response) text() string {
	return string(r.body)
}

func (r *response) decode(t *testing.T, dest interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(r.body, dest), r.text())
}

func (c *client) do(method, path string, body interface{}, headers map[string]string) *response {
	c.t.Helper()
	var reader io.Reader
	if body != nil {
		switch b := body.(type) {
		case []byte:
			reader = bytes.NewReader(b)
		default:
			data, err := json.Marshal(b)
			require.NoError(c.t, err)
			reader = bytes.NewReader(data)
		}
	}
	req, err := http.NewRequest(method, c.base+path, reader)
	require.NoError(c.t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	require.NoError(c.t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(c.t, err)
	return &response{Response: resp, body: data}
}

func (c *client) get(path string) *response {
	c.t.Helper()
	return c.do(http.MethodGet, path, nil, nil)
}

// addMember puts an existing user into a workspace directly
func (e *testEnv) addMember(t *testing.T, workspaceID int64, user *storage.User, role storage.Role) {
	t.Helper()
	_, err := e.svc.AddMember(context.Background(), workspaceID, user.ID, role)
	require.NoError(t, err)
}

// ownWorkspace returns the workspace provisioned for a user at first login
func (e *testEnv) ownWorkspace(t *testing.T, user *storage.User) *storage.Workspace {
	t.Helper()
	list, err := e.svc.ListForUser(context.Background(), user.ID)
	require.NoError(t, err)
	for _, uw := range list {
		if uw.Workspace.OwnerID == user.ID {
			ws := uw.Workspace
			return &ws
		}
	}
	t.Fatalf("user %d owns no workspace", user.ID)
	return nil
}

func (e *testEnv) makePro(t *testing.T, workspaceID int64) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, e.dir.InTx(ctx, func(tx storage.Tx) error {
		ws, err := tx.LockWorkspace(ctx, workspaceID)
		if err != nil {
			return err
		}
		return tx.SetWorkspacePlan(ctx, workspaceID, storage.PlanChange{Plan: storage.PlanPro, UpdatedAt: ws.UpdatedAt})
	}))
}

func errorMessage(t *testing.T, r *response) string {
	t.Helper()
	var body map[string]string
	r.decode(t, &body)
	return body["error"]
}

func TestServer_Health(t *testing.T) {
	env := newTestEnv(t)
	c := env.anonymous(t)

	for _, path := range []string{"/health", "/health/live", "/health/ready"} {
		resp := c.get(path)
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
	}
}

func TestServer_RequestID(t *testing.T) {
	env := newTestEnv(t)
	resp := env.anonymous(t).get("/health/live")
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
}

func TestServer_Unauthenticated(t *testing.T) {
	env := newTestEnv(t)
	c := env.anonymous(t)

	paths := []struct {
		method, path string
	}{
		{http.MethodGet, "/api/me"},
		{http.MethodGet, "/api/workspaces"},
		{http.MethodGet, "/api/workspace/current"},
		{http.MethodGet, "/api/workspace/1"},
		{http.MethodPost, "/workspace/1/switch"},
		{http.MethodGet, "/billing/success?session_id=cs_1"},
		{http.MethodGet, "/api/admin/stats"},
		{http.MethodPost, "/auth/logout"},
	}
	for _, p := range paths {
		resp := c.do(p.method, p.path, nil, nil)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, "%s %s", p.method, p.path)
	}
}

func TestServer_NotFound(t *testing.T) {
	env := newTestEnv(t)
	c, _ := env.login(t, "alice@example.com", "Alice")

	resp := c.get("/api/nothing-here")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "not found", errorMessage(t, resp))
}

func TestServer_BodyLimit(t *testing.T) {
	env := newTestEnv(t)
	env.billing.webhookFunc = func(payload []byte, sig string) (billing.Outcome, error) {
		return billing.OutcomeApplied, nil
	}

	req := httptest.NewRequest(http.MethodPost, "/billing/webhook", bytes.NewReader(bytes.Repeat([]byte("x"), DefaultMaxBodyBytes+1)))
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
