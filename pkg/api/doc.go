// Package api provides the tenant-facing HTTP API.
//
// # Overview
//
// Routes are grouped by handler type, each with its own RegisterRoutes:
//
//   - WorkspaceHandlers: listing, current workspace, switch, rename, stats
//   - MemberHandlers: paginated members, invite, role change, removal, CSV export
//   - BillingHandlers: hosted checkout, billing portal, checkout success, webhook
//   - AdminHandlers: superadmin workspace creation, platform stats, listings, plan override
//   - AuthHandlers: proxy-header login, logout, current user
//
// # Request Pipeline
//
// Every request passes request ID, logging, panic recovery and a body limit
// before reaching the router. The router loads the session user; tenant
// routes then run the guard stage for their minimum role:
//
//	router.Handle("/api/workspace/{id:[0-9]+}", stage(h.Rename, guard.RequireWorkspace(storage.RoleAdmin)))
//
// Handlers read the authorized workspace from access.TenantFrom and never
// from the path or body.
//
// # Usage Example
//
//	srv := api.NewServer(api.Dependencies{
//		Directory:  dir,
//		Workspaces: workspaces.NewService(dir),
//		Billing:    reconciler,
//		Guard:      guard,
//		Sessions:   sessions,
//	})
//	http.ListenAndServe(":8080", srv)
package api
