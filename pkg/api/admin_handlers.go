package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/tenantgate/pkg/access"
	"github.com/platinummonkey/tenantgate/pkg/contextkeys"
	"github.com/platinummonkey/tenantgate/pkg/errs"
	"github.com/platinummonkey/tenantgate/pkg/httputil"
	"github.com/platinummonkey/tenantgate/pkg/storage"
	"github.com/platinummonkey/tenantgate/pkg/workspaces"
)

// AdminHandlers serves platform administration. None of these routes
// enter a tenant context.
type AdminHandlers struct {
	directory  storage.Reader
	workspaces *workspaces.Service
	billing    Billing
	now        func() time.Time
}

// NewAdminHandlers creates a new AdminHandlers
func NewAdminHandlers(dir storage.Reader, svc *workspaces.Service, b Billing) *AdminHandlers {
	return &AdminHandlers{directory: dir, workspaces: svc, billing: b, now: time.Now}
}

// RegisterRoutes registers superadmin routes
func (h *AdminHandlers) RegisterRoutes(router *mux.Router) {
	router.Handle("/api/workspaces", access.RequireSuperadmin(http.HandlerFunc(h.CreateWorkspace))).Methods(http.MethodPost)

	admin := router.PathPrefix("/api/admin").Subrouter()
	admin.Use(access.RequireSuperadmin)
	admin.HandleFunc("/stats", h.Stats).Methods(http.MethodGet)
	admin.HandleFunc("/workspaces", h.ListWorkspaces).Methods(http.MethodGet)
	admin.HandleFunc("/users", h.ListUsers).Methods(http.MethodGet)
	admin.HandleFunc("/workspaces/{id:[0-9]+}/plan", h.SetPlan).Methods(http.MethodPut)
}

// CreateWorkspaceRequest is the body of POST /api/workspaces
type CreateWorkspaceRequest struct {
	Name string `json:"name"`
}

// CreateWorkspace creates a workspace owned by the calling superadmin
func (h *AdminHandlers) CreateWorkspace(w http.ResponseWriter, r *http.Request) {
	user, _ := contextkeys.User(r.Context())

	var req CreateWorkspaceRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		httputil.WriteError(w, r, errs.Validation("Workspace name is required"))
		return
	}

	ws, err := h.workspaces.CreateWorkspace(r.Context(), req.Name, user, false)
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	httputil.WriteCreated(w, map[string]interface{}{ //nolint:errcheck
		"message":   "Workspace created successfully",
		"workspace": ws,
	})
}

// Stats returns platform totals
func (h *AdminHandlers) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.directory.PlatformStats(r.Context(), h.now())
	if err != nil {
		httputil.WriteError(w, r, errs.Internal(err, "failed to load platform stats"))
		return
	}
	httputil.WriteSuccess(w, stats) //nolint:errcheck
}

// ListWorkspaces lists workspaces with owner and member count
func (h *AdminHandlers) ListWorkspaces(w http.ResponseWriter, r *http.Request) {
	page := pageFromQuery(r)
	list, total, err := h.directory.ListWorkspacesWithOwners(r.Context(), page)
	if err != nil {
		httputil.WriteError(w, r, errs.Internal(err, "failed to list workspaces"))
		return
	}
	if list == nil {
		list = []storage.WorkspaceSummary{}
	}
	httputil.WriteSuccess(w, map[string]interface{}{ //nolint:errcheck
		"workspaces": list,
		"total":      total,
		"page":       page.Number,
		"perPage":    page.PerPage,
	})
}

// ListUsers lists users with their workspace count
func (h *AdminHandlers) ListUsers(w http.ResponseWriter, r *http.Request) {
	page := pageFromQuery(r)
	list, total, err := h.directory.ListUsersWithWorkspaceCount(r.Context(), page)
	if err != nil {
		httputil.WriteError(w, r, errs.Internal(err, "failed to list users"))
		return
	}
	if list == nil {
		list = []storage.UserSummary{}
	}
	httputil.WriteSuccess(w, map[string]interface{}{ //nolint:errcheck
		"users":   list,
		"total":   total,
		"page":    page.Number,
		"perPage": page.PerPage,
	})
}

// SetPlanRequest is the body of PUT /api/admin/workspaces/{id}/plan
type SetPlanRequest struct {
	Plan storage.Plan `json:"plan"`
}

// SetPlan moves a workspace between plans outside of the payment flow
func (h *AdminHandlers) SetPlan(w http.ResponseWriter, r *http.Request) {
	workspaceID, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	var req SetPlanRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	ws, err := h.billing.SetPlan(r.Context(), workspaceID, req.Plan)
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, map[string]interface{}{"workspace": ws}) //nolint:errcheck
}

// pageFromQuery reads ?page=&per_page=; bad values fall back to defaults
func pageFromQuery(r *http.Request) storage.Page {
	q := r.URL.Query()
	number, _ := strconv.Atoi(q.Get("page"))
	perPage, _ := strconv.Atoi(q.Get("per_page"))
	return storage.Page{Number: number, PerPage: perPage}.Normalize()
}
