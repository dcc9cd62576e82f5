package access

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/tenantgate/pkg/contextkeys"
	"github.com/platinummonkey/tenantgate/pkg/errs"
	"github.com/platinummonkey/tenantgate/pkg/storage"
)

type countingRecorder struct {
	mu     sync.Mutex
	counts map[string]int
}

func (c *countingRecorder) RecordGuardDecision(result string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.counts == nil {
		c.counts = map[string]int{}
	}
	c.counts[result]++
}

type world struct {
	dir      *storage.MemoryDirectory
	guard    *Guard
	sessions *Sessions
	rec      *countingRecorder

	alice, bob, root *storage.User
	acme, globex     *storage.Workspace
}

// newWorld: alice owns acme, bob owns globex and is a member of acme, root
// is a superadmin without memberships.
func newWorld(t *testing.T) *world {
	t.Helper()
	ctx := context.Background()
	w := &world{dir: storage.NewMemoryDirectory(), rec: &countingRecorder{}}

	require.NoError(t, w.dir.InTx(ctx, func(tx storage.Tx) error {
		w.alice = &storage.User{Email: "alice@example.com", Name: "Alice"}
		w.bob = &storage.User{Email: "bob@example.com", Name: "Bob"}
		w.root = &storage.User{Email: "root@example.com", Name: "Root", IsSuperadmin: true}
		for _, u := range []*storage.User{w.alice, w.bob, w.root} {
			if err := tx.CreateUser(ctx, u); err != nil {
				return err
			}
		}

		w.acme = &storage.Workspace{Name: "Acme", Slug: "acme", OwnerID: w.alice.ID, Plan: storage.PlanFree}
		w.globex = &storage.Workspace{Name: "Globex", Slug: "globex", OwnerID: w.bob.ID, Plan: storage.PlanPro}
		for _, ws := range []*storage.Workspace{w.acme, w.globex} {
			if err := tx.CreateWorkspace(ctx, ws); err != nil {
				return err
			}
			if err := tx.CreateMembership(ctx, &storage.Membership{WorkspaceID: ws.ID, UserID: ws.OwnerID, Role: storage.RoleAdmin}); err != nil {
				return err
			}
		}
		return tx.CreateMembership(ctx, &storage.Membership{WorkspaceID: w.acme.ID, UserID: w.bob.ID, Role: storage.RoleMember})
	}))

	logger, _ := test.NewNullLogger()
	w.sessions = NewSessions(NewCookieStore([]byte("0123456789abcdef0123456789abcdef"), false, 3600))
	w.guard = NewGuard(w.dir, w.sessions, WithLogger(logger), WithRecorder(w.rec))
	return w
}

func TestAuthorize(t *testing.T) {
	ctx := context.Background()
	w := newWorld(t)

	tests := []struct {
		name string
		user *storage.User
		ws   int64
		min  storage.Role
		kind errs.Kind
		role storage.Role
	}{
		{"anonymous", nil, w.acme.ID, storage.RoleMember, errs.KindUnauthenticated, ""},
		{"missing workspace", w.alice, 9999, storage.RoleMember, errs.KindNotFound, ""},
		{"non member", w.alice, w.globex.ID, storage.RoleMember, errs.KindForbidden, ""},
		{"superadmin is not a member", w.root, w.acme.ID, storage.RoleMember, errs.KindForbidden, ""},
		{"member needs admin", w.bob, w.acme.ID, storage.RoleAdmin, errs.KindForbidden, ""},
		{"member", w.bob, w.acme.ID, storage.RoleMember, "", storage.RoleMember},
		{"admin", w.alice, w.acme.ID, storage.RoleAdmin, "", storage.RoleAdmin},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			grant, err := w.guard.Authorize(ctx, tt.user, tt.ws, tt.min)
			assert.Equal(t, tt.kind, errs.KindOf(err))
			if tt.kind == "" {
				require.NotNil(t, grant)
				assert.Equal(t, tt.ws, grant.Workspace.ID)
				assert.Equal(t, tt.role, grant.Role)
			} else {
				assert.Nil(t, grant)
			}
		})
	}

	assert.Equal(t, 2, w.rec.counts[ResultAllowed])
	assert.Equal(t, 3, w.rec.counts[ResultForbidden])
	assert.Equal(t, 1, w.rec.counts[ResultNotFound])
	assert.Equal(t, 1, w.rec.counts[ResultUnauthenticated])
}

func TestAuthorize_ForgedClaimsIgnored(t *testing.T) {
	w := newWorld(t)
	forged := &storage.User{ID: w.alice.ID, IsSuperadmin: true, Email: "bob@example.com"}

	_, err := w.guard.Authorize(context.Background(), forged, w.globex.ID, storage.RoleMember)
	assert.Equal(t, errs.KindForbidden, errs.KindOf(err))
}

func TestTenantFrom(t *testing.T) {
	_, ok := TenantFrom(context.Background())
	assert.False(t, ok)

	tenant := &Tenant{Role: storage.RoleAdmin, UserID: 1}
	got, ok := TenantFrom(withTenant(context.Background(), tenant))
	require.True(t, ok)
	assert.True(t, got.IsAdmin())
}

// browser keeps the session cookie between requests
type browser struct {
	user    *storage.User
	cookies []*http.Cookie
}

func (b *browser) do(h http.Handler, method, path string) *httptest.ResponseRecorder {
	r := httptest.NewRequest(method, path, nil)
	for _, c := range b.cookies {
		r.AddCookie(c)
	}
	if b.user != nil {
		r = r.WithContext(contextkeys.WithUser(r.Context(), b.user))
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, r)
	if set := rec.Result().Cookies(); len(set) > 0 {
		b.cookies = lastCookies(set)
	}
	return rec
}

func (b *browser) hint(s *Sessions) (int64, bool) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	for _, c := range b.cookies {
		r.AddCookie(c)
	}
	return s.CurrentWorkspace(r)
}

type captured struct {
	tenant *Tenant
	calls  int
}

func (w *world) router(c *captured) http.Handler {
	record := http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		c.calls++
		c.tenant, _ = TenantFrom(r.Context())
		rw.WriteHeader(http.StatusOK)
	})
	r := mux.NewRouter()
	r.Handle("/w/{id}", w.guard.RequireWorkspace(storage.RoleMember)(record))
	r.Handle("/w/{id}/admin", w.guard.RequireWorkspace(storage.RoleAdmin)(record))
	r.Handle("/current", w.guard.RequireCurrentWorkspace(storage.RoleMember)(record))
	r.Handle("/admin", RequireSuperadmin(record))
	return r
}

func path(ws *storage.Workspace, suffix string) string {
	return "/w/" + itoa(ws.ID) + suffix
}

func TestRequireWorkspace(t *testing.T) {
	t.Run("member gets tenant context and hint", func(t *testing.T) {
		w := newWorld(t)
		c := &captured{}
		b := &browser{user: w.bob}

		rec := b.do(w.router(c), http.MethodGet, path(w.acme, ""))
		require.Equal(t, http.StatusOK, rec.Code)
		require.NotNil(t, c.tenant)
		assert.Equal(t, w.acme.ID, c.tenant.Workspace.ID)
		assert.Equal(t, storage.RoleMember, c.tenant.Role)
		assert.Equal(t, w.bob.ID, c.tenant.UserID)

		hint, ok := b.hint(w.sessions)
		assert.True(t, ok)
		assert.Equal(t, w.acme.ID, hint)
	})

	t.Run("forged workspace id never reaches handler", func(t *testing.T) {
		w := newWorld(t)
		c := &captured{}
		b := &browser{user: w.alice}

		for _, p := range []string{path(w.globex, ""), path(w.globex, "/admin"), "/w/9999", "/w/abc", "/w/-1"} {
			rec := b.do(w.router(c), http.MethodGet, p)
			assert.NotEqual(t, http.StatusOK, rec.Code, p)
		}
		assert.Equal(t, 0, c.calls)
		_, ok := b.hint(w.sessions)
		assert.False(t, ok)
	})

	t.Run("member on admin route", func(t *testing.T) {
		w := newWorld(t)
		c := &captured{}
		rec := (&browser{user: w.bob}).do(w.router(c), http.MethodGet, path(w.acme, "/admin"))
		assert.Equal(t, http.StatusForbidden, rec.Code)
		assert.Equal(t, 0, c.calls)
	})

	t.Run("anonymous", func(t *testing.T) {
		w := newWorld(t)
		rec := (&browser{}).do(w.router(&captured{}), http.MethodGet, path(w.acme, ""))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("denial for hinted workspace clears hint", func(t *testing.T) {
		w := newWorld(t)
		h := w.router(&captured{})
		b := &browser{user: w.bob}
		require.Equal(t, http.StatusOK, b.do(h, http.MethodGet, path(w.acme, "")).Code)

		require.NoError(t, removeMembership(w, w.acme.ID, w.bob.ID))

		assert.Equal(t, http.StatusForbidden, b.do(h, http.MethodGet, path(w.acme, "")).Code)
		_, ok := b.hint(w.sessions)
		assert.False(t, ok)
	})

	t.Run("denial elsewhere keeps a valid hint", func(t *testing.T) {
		w := newWorld(t)
		h := w.router(&captured{})
		b := &browser{user: w.alice}
		require.Equal(t, http.StatusOK, b.do(h, http.MethodGet, path(w.acme, "")).Code)

		assert.Equal(t, http.StatusForbidden, b.do(h, http.MethodGet, path(w.globex, "")).Code)
		hint, ok := b.hint(w.sessions)
		assert.True(t, ok)
		assert.Equal(t, w.acme.ID, hint)
	})

	t.Run("denial elsewhere drops a stale hint", func(t *testing.T) {
		w := newWorld(t)
		h := w.router(&captured{})
		b := &browser{user: w.bob}
		require.Equal(t, http.StatusOK, b.do(h, http.MethodGet, path(w.acme, "")).Code)

		require.NoError(t, removeMembership(w, w.acme.ID, w.bob.ID))

		assert.Equal(t, http.StatusNotFound, b.do(h, http.MethodGet, "/w/9999").Code)
		_, ok := b.hint(w.sessions)
		assert.False(t, ok)
	})
}

func TestRequireCurrentWorkspace(t *testing.T) {
	w := newWorld(t)
	c := &captured{}
	h := w.router(c)
	b := &browser{user: w.bob}

	assert.Equal(t, http.StatusNotFound, b.do(h, http.MethodGet, "/current").Code)

	require.Equal(t, http.StatusOK, b.do(h, http.MethodGet, path(w.acme, "")).Code)
	require.Equal(t, http.StatusOK, b.do(h, http.MethodGet, "/current").Code)
	assert.Equal(t, w.acme.ID, c.tenant.Workspace.ID)

	require.NoError(t, removeMembership(w, w.acme.ID, w.bob.ID))

	assert.Equal(t, http.StatusForbidden, b.do(h, http.MethodGet, "/current").Code)
	assert.Equal(t, http.StatusNotFound, b.do(h, http.MethodGet, "/current").Code, "stale hint must be gone")
}

func TestRequireSuperadmin(t *testing.T) {
	w := newWorld(t)
	c := &captured{}
	h := w.router(c)

	assert.Equal(t, http.StatusUnauthorized, (&browser{}).do(h, http.MethodGet, "/admin").Code)

	rec := (&browser{user: w.alice}).do(h, http.MethodGet, "/admin")
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Contains(t, rec.Body.String(), "Super admin privileges required")

	require.Equal(t, http.StatusOK, (&browser{user: w.root}).do(h, http.MethodGet, "/admin").Code)
	assert.Nil(t, c.tenant, "superadmin stage must not set a tenant")
}

func removeMembership(w *world, workspaceID, userID int64) error {
	return w.dir.InTx(context.Background(), func(tx storage.Tx) error {
		return tx.DeleteMembership(context.Background(), workspaceID, userID)
	})
}
