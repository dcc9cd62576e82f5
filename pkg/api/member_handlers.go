package api

import (
	"encoding/csv"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/tenantgate/pkg/access"
	"github.com/platinummonkey/tenantgate/pkg/errs"
	"github.com/platinummonkey/tenantgate/pkg/httputil"
	"github.com/platinummonkey/tenantgate/pkg/middleware"
	"github.com/platinummonkey/tenantgate/pkg/storage"
	"github.com/platinummonkey/tenantgate/pkg/workspaces"
)

// FeatureMemberExport is the plan-gated member export
const FeatureMemberExport = "member_export"

// MemberHandlers serves workspace membership management
type MemberHandlers struct {
	workspaces *workspaces.Service
}

// NewMemberHandlers creates a new MemberHandlers
func NewMemberHandlers(svc *workspaces.Service) *MemberHandlers {
	return &MemberHandlers{workspaces: svc}
}

// RegisterRoutes registers membership routes
func (h *MemberHandlers) RegisterRoutes(router *mux.Router, guard *access.Guard) {
	member := guard.RequireWorkspace(storage.RoleMember)
	admin := guard.RequireWorkspace(storage.RoleAdmin)

	router.Handle("/api/workspace/{id:[0-9]+}/members", stage(h.List, member)).Methods(http.MethodPost)
	router.Handle("/api/workspace/{id:[0-9]+}/members/add", stage(h.Add, admin)).Methods(http.MethodPost)
	router.Handle("/api/workspace/{id:[0-9]+}/members/export", stage(h.Export, admin, middleware.RequireProPlan(FeatureMemberExport))).Methods(http.MethodGet)
	router.Handle("/api/workspace/{id:[0-9]+}/members/{user_id:[0-9]+}", stage(h.UpdateRole, admin)).Methods(http.MethodPut)
	router.Handle("/api/workspace/{id:[0-9]+}/members/{user_id:[0-9]+}", stage(h.Remove, admin)).Methods(http.MethodDelete)
	router.Handle("/api/workspace/{id:[0-9]+}/audit", stage(h.Audit, admin)).Methods(http.MethodGet)
}

// Audit returns the workspace's membership and plan history, newest first
func (h *MemberHandlers) Audit(w http.ResponseWriter, r *http.Request) {
	tenant, _ := access.TenantFrom(r.Context())
	page := pageFromQuery(r)

	entries, total, err := h.workspaces.AuditLog(r.Context(), tenant.Workspace.ID, page)
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, map[string]interface{}{ //nolint:errcheck
		"entries": entries,
		"total":   total,
		"page":    page.Number,
		"perPage": page.PerPage,
	})
}

// ListRequest is the body of the paginated member listing
type ListRequest struct {
	Options struct {
		Page         int `json:"page"`
		ItemsPerPage int `json:"itemsPerPage"`
	} `json:"options"`
}

// ListResponse is one page of members
type ListResponse struct {
	Items   []storage.MemberDetail `json:"items"`
	Total   int                    `json:"total"`
	PerPage int                    `json:"perPage"`
}

// List returns one page of members. An empty body lists the first page.
func (h *MemberHandlers) List(w http.ResponseWriter, r *http.Request) {
	tenant, _ := access.TenantFrom(r.Context())

	var req ListRequest
	if r.ContentLength != 0 {
		if !httputil.ParseJSONOrError(w, r, &req) {
			return
		}
	}
	page := storage.Page{Number: req.Options.Page, PerPage: req.Options.ItemsPerPage}.Normalize()

	members, total, err := h.workspaces.ListMembers(r.Context(), tenant.Workspace.ID, page)
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	if members == nil {
		members = []storage.MemberDetail{}
	}
	httputil.WriteSuccess(w, ListResponse{Items: members, Total: total, PerPage: page.PerPage}) //nolint:errcheck
}

// AddMemberRequest is the body of POST .../members/add
type AddMemberRequest struct {
	Email string       `json:"email"`
	Name  string       `json:"name"`
	Role  storage.Role `json:"role"`
}

// Add invites a user by email, creating the user when needed
func (h *MemberHandlers) Add(w http.ResponseWriter, r *http.Request) {
	tenant, _ := access.TenantFrom(r.Context())

	var req AddMemberRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	user, m, err := h.workspaces.InviteByEmail(r.Context(), tenant.Workspace.ID, workspaces.Invitation{
		Email: req.Email,
		Name:  req.Name,
		Role:  req.Role,
	})
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	httputil.WriteCreated(w, map[string]interface{}{ //nolint:errcheck
		"message":    "Member added successfully",
		"user":       user,
		"membership": m,
	})
}

// RoleRequest is the body of a role change
type RoleRequest struct {
	Role storage.Role `json:"role"`
}

// UpdateRole changes a member's role. The owner's role is fixed.
func (h *MemberHandlers) UpdateRole(w http.ResponseWriter, r *http.Request) {
	tenant, _ := access.TenantFrom(r.Context())
	userID, ok := httputil.ParsePathInt64OrError(w, r, "user_id")
	if !ok {
		return
	}

	var req RoleRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if !req.Role.Valid() {
		httputil.WriteError(w, r, errs.ErrInvalidRole)
		return
	}

	updated, err := h.workspaces.UpdateMemberRole(r.Context(), tenant.Workspace.ID, userID, req.Role)
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	if !updated {
		httputil.WriteError(w, r, errs.NotFound("member not found"))
		return
	}
	httputil.WriteSuccess(w, map[string]string{"message": "Role updated successfully"}) //nolint:errcheck
}

// Remove deletes a membership. Admins cannot remove themselves and nobody
// can remove the owner.
func (h *MemberHandlers) Remove(w http.ResponseWriter, r *http.Request) {
	tenant, _ := access.TenantFrom(r.Context())
	userID, ok := httputil.ParsePathInt64OrError(w, r, "user_id")
	if !ok {
		return
	}
	if userID == tenant.UserID {
		httputil.WriteError(w, r, errs.Validation("Cannot remove yourself from workspace"))
		return
	}

	removed, err := h.workspaces.RemoveMember(r.Context(), tenant.Workspace.ID, userID)
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	if !removed {
		httputil.WriteError(w, r, errs.NotFound("member not found"))
		return
	}
	httputil.WriteSuccess(w, map[string]string{"message": "Member removed successfully"}) //nolint:errcheck
}

// Export streams every member as CSV
func (h *MemberHandlers) Export(w http.ResponseWriter, r *http.Request) {
	tenant, _ := access.TenantFrom(r.Context())

	var all []storage.MemberDetail
	for page := (storage.Page{Number: 1, PerPage: storage.MaxPerPage}); ; page.Number++ {
		members, total, err := h.workspaces.ListMembers(r.Context(), tenant.Workspace.ID, page)
		if err != nil {
			httputil.WriteError(w, r, err)
			return
		}
		all = append(all, members...)
		if len(members) == 0 || len(all) >= total {
			break
		}
	}

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s-members.csv"`, tenant.Workspace.Slug))
	w.WriteHeader(http.StatusOK)

	cw := csv.NewWriter(w)
	cw.Write([]string{"user_id", "name", "email", "role", "joined_at"}) //nolint:errcheck
	for _, m := range all {
		cw.Write([]string{ //nolint:errcheck
			strconv.FormatInt(m.UserID, 10),
			m.Name,
			m.Email,
			string(m.Role),
			m.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	cw.Flush()
}
