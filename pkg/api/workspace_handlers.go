package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/tenantgate/pkg/access"
	"github.com/platinummonkey/tenantgate/pkg/contextkeys"
	"github.com/platinummonkey/tenantgate/pkg/httputil"
	"github.com/platinummonkey/tenantgate/pkg/storage"
	"github.com/platinummonkey/tenantgate/pkg/workspaces"
)

// WorkspaceHandlers serves workspace reads, rename and switching
type WorkspaceHandlers struct {
	workspaces *workspaces.Service
}

// NewWorkspaceHandlers creates a new WorkspaceHandlers
func NewWorkspaceHandlers(svc *workspaces.Service) *WorkspaceHandlers {
	return &WorkspaceHandlers{workspaces: svc}
}

// RegisterRoutes registers workspace routes
func (h *WorkspaceHandlers) RegisterRoutes(router *mux.Router, guard *access.Guard) {
	member := guard.RequireWorkspace(storage.RoleMember)
	admin := guard.RequireWorkspace(storage.RoleAdmin)

	router.Handle("/workspace/{id:[0-9]+}/switch", stage(h.Switch, member)).Methods(http.MethodPost)

	router.HandleFunc("/api/workspaces", h.List).Methods(http.MethodGet)
	router.Handle("/api/workspace/current", stage(h.Get, guard.RequireCurrentWorkspace(storage.RoleMember))).Methods(http.MethodGet)
	router.Handle("/api/workspace/{id:[0-9]+}", stage(h.Get, member)).Methods(http.MethodGet)
	router.Handle("/api/workspace/{id:[0-9]+}", stage(h.Rename, admin)).Methods(http.MethodPut)
	router.Handle("/api/workspace/{id:[0-9]+}/stats", stage(h.Stats, member)).Methods(http.MethodGet)
}

type workspaceResponse struct {
	Workspace storage.Workspace `json:"workspace"`
	Role      storage.Role      `json:"user_role"`
}

func tenantResponse(t *access.Tenant) workspaceResponse {
	return workspaceResponse{Workspace: t.Workspace, Role: t.Role}
}

// List returns every workspace the caller belongs to
func (h *WorkspaceHandlers) List(w http.ResponseWriter, r *http.Request) {
	user, _ := contextkeys.User(r.Context())

	list, err := h.workspaces.ListForUser(r.Context(), user.ID)
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, map[string]interface{}{"workspaces": list}) //nolint:errcheck
}

// Get returns the workspace the guard authorized
func (h *WorkspaceHandlers) Get(w http.ResponseWriter, r *http.Request) {
	tenant, _ := access.TenantFrom(r.Context())
	httputil.WriteSuccess(w, tenantResponse(tenant)) //nolint:errcheck
}

// Switch makes the workspace current. The guard stores the hint once
// membership is confirmed.
func (h *WorkspaceHandlers) Switch(w http.ResponseWriter, r *http.Request) {
	tenant, _ := access.TenantFrom(r.Context())
	httputil.WriteSuccess(w, map[string]interface{}{ //nolint:errcheck
		"message":   "Switched workspace",
		"workspace": tenant.Workspace,
		"user_role": tenant.Role,
	})
}

// RenameRequest is the body of PUT /api/workspace/{id}
type RenameRequest struct {
	Name string `json:"name"`
}

// Rename changes the workspace display name
func (h *WorkspaceHandlers) Rename(w http.ResponseWriter, r *http.Request) {
	tenant, _ := access.TenantFrom(r.Context())

	var req RenameRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	ws, err := h.workspaces.RenameWorkspace(r.Context(), tenant.Workspace.ID, req.Name)
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, workspaceResponse{Workspace: *ws, Role: tenant.Role}) //nolint:errcheck
}

// Stats returns the member count
func (h *WorkspaceHandlers) Stats(w http.ResponseWriter, r *http.Request) {
	tenant, _ := access.TenantFrom(r.Context())

	stats, err := h.workspaces.Stats(r.Context(), tenant.Workspace.ID)
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, stats) //nolint:errcheck
}
