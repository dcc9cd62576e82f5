// Package workspaces implements the workspace lifecycle: creation with
// deterministic slug allocation, membership changes, and self-service
// provisioning.
//
// # Invariants
//
//   - a workspace and its owner's admin membership are created in one unit
//   - the owner's membership can be neither removed nor demoted
//   - (workspace, user) has at most one role
//   - slugs collide deterministically: name, name-1, name-2, ... up to 100 attempts
//
// Storage errors are translated into pkg/errs kinds before they leave the
// package.
//
// # Usage Example
//
//	svc := workspaces.NewService(dir, workspaces.WithMemberLimit(plans.CanAddMember))
//	ws, err := svc.CreateWorkspace(ctx, "Acme", owner, false)
//	removed, err := svc.RemoveMember(ctx, ws.ID, userID)
package workspaces
