package middleware

import (
	"net/http"

	"github.com/platinummonkey/tenantgate/pkg/access"
	"github.com/platinummonkey/tenantgate/pkg/errs"
	"github.com/platinummonkey/tenantgate/pkg/httputil"
	"github.com/platinummonkey/tenantgate/pkg/plans"
)

// RequireProPlan allows the wrapped feature only for workspaces on the pro
// plan. Free workspaces get 402 with the upgrade URL.
//
// REQUIRES: access.Guard.RequireWorkspace must run before this middleware.
// Without a tenant context the request is rejected rather than waved
// through.
func RequireProPlan(feature string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tenant, ok := access.TenantFrom(r.Context())
			if !ok {
				httputil.WriteError(w, r, errs.Internal(nil, "plan gate installed without tenant context"))
				return
			}
			if err := plans.RequirePro(&tenant.Workspace, feature); err != nil {
				httputil.WriteError(w, r, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
