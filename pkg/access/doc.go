// Package access enforces workspace isolation for every tenant-scoped
// request.
//
// # Pipeline Ordering
//
// The stages depend on each other and must be installed in this order
// (outer to inner):
//
//  1. middleware.Authenticate - loads the session user into the context
//  2. Guard.RequireWorkspace / RequireCurrentWorkspace - authorizes the
//     caller for the target workspace and populates the tenant context
//  3. middleware.RequireProPlan - optional plan gate, reads the tenant context
//  4. handler
//
// Example:
//
//	r.Use(middleware.Authenticate(dir, sessions))
//	r.Handle("/api/workspace/{id}/members/export",
//	    guard.RequireWorkspace(storage.RoleAdmin)(
//	        middleware.RequireProPlan("member_export")(exportHandler)))
//
// The tenant context can only be set by this package, after Authorize
// succeeded for the workspace in the URL. The "current workspace" kept in
// the session is a hint: it is re-authorized on every use and cleared as
// soon as it goes stale.
//
// Superadmin stages are separate. A superadmin gets no implicit access to
// workspaces they are not a member of.
package access
