package access

import (
	"context"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/tenantgate/pkg/contextkeys"
	"github.com/platinummonkey/tenantgate/pkg/errs"
	"github.com/platinummonkey/tenantgate/pkg/httputil"
	"github.com/platinummonkey/tenantgate/pkg/storage"
)

// RequireWorkspace authorizes the caller for the workspace named by the
// {id} route variable and populates the tenant context.
//
// REQUIRES: middleware.Authenticate must run before this stage.
func (g *Guard) RequireWorkspace(min storage.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			workspaceID, ok := httputil.ParsePathInt64OrError(w, r, "id")
			if !ok {
				return
			}
			user, _ := contextkeys.User(r.Context())

			grant, err := g.Authorize(r.Context(), user, workspaceID, min)
			if err != nil {
				if user != nil && denied(err) {
					g.reconcileHint(w, r, user, workspaceID)
				}
				httputil.WriteError(w, r, err)
				return
			}

			if err := g.sessions.setCurrentWorkspace(w, r, workspaceID); err != nil {
				g.logger.WithError(err).Error("failed to save current workspace")
			}
			next.ServeHTTP(w, r.WithContext(g.enter(r, user, grant)))
		})
	}
}

// RequireCurrentWorkspace authorizes the caller for the workspace held in
// the session hint.
//
// REQUIRES: middleware.Authenticate must run before this stage.
func (g *Guard) RequireCurrentWorkspace(min storage.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user, ok := contextkeys.User(r.Context())
			if !ok {
				httputil.WriteError(w, r, errs.Unauthenticated("authentication required"))
				return
			}
			workspaceID, ok := g.sessions.CurrentWorkspace(r)
			if !ok {
				httputil.WriteError(w, r, errs.NotFound("no active workspace"))
				return
			}

			grant, err := g.Authorize(r.Context(), user, workspaceID, min)
			if err != nil {
				if denied(err) {
					g.clearHint(w, r)
					err = errs.Forbidden("Access denied to current workspace")
				}
				httputil.WriteError(w, r, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(g.enter(r, user, grant)))
		})
	}
}

// RequireSuperadmin allows only platform superadmins. It never sets the
// tenant context.
func RequireSuperadmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, ok := contextkeys.User(r.Context())
		if !ok {
			httputil.WriteError(w, r, errs.Unauthenticated("authentication required"))
			return
		}
		if !user.IsSuperadmin {
			httputil.WriteError(w, r, errs.Forbidden("Super admin privileges required"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (g *Guard) enter(r *http.Request, user *storage.User, grant *Grant) context.Context {
	ctx := withTenant(r.Context(), &Tenant{
		Workspace: grant.Workspace,
		Role:      grant.Role,
		UserID:    user.ID,
	})
	logger := contextkeys.Logger(ctx).WithField("workspace_id", grant.Workspace.ID)
	return contextkeys.WithLogger(ctx, logger)
}

// reconcileHint runs after a denial. A hint pointing at the denied
// workspace is dropped; any other hint is re-verified.
func (g *Guard) reconcileHint(w http.ResponseWriter, r *http.Request, user *storage.User, deniedID int64) {
	hint, ok := g.sessions.CurrentWorkspace(r)
	if !ok {
		return
	}
	if hint != deniedID {
		_, err := g.authorize(r.Context(), user, hint, storage.RoleMember)
		if !denied(err) {
			return
		}
	}
	g.clearHint(w, r)
}

func (g *Guard) clearHint(w http.ResponseWriter, r *http.Request) {
	if err := g.sessions.clearCurrentWorkspace(w, r); err != nil {
		g.logger.WithError(err).Error("failed to clear current workspace")
		return
	}
	g.logger.WithFields(logrus.Fields{
		"request_id": contextkeys.GetRequestID(r.Context()),
	}).Debug("current workspace cleared")
}
