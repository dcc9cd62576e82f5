// Package storage is the tenant directory: users, workspaces, memberships
// and the billing event ledger.
//
// # Overview
//
// The Directory interface splits into Reader, for lookups performed outside
// a transaction, and Tx, the unit of work through which every write happens.
// Multi-row invariants such as "a workspace is created together with its
// owner's admin membership" are expressed as a single InTx call.
//
// # Constraints
//
// Backends enforce the same unique constraints and report violations as
// *ConstraintError:
//
//   - workspaces_slug_key: slug is globally unique
//   - users_email_key: email is unique
//   - memberships_pkey: one role per (workspace, user)
//   - billing_events_pkey: provider event IDs are recorded at most once
//
// Missing rows are reported as ErrNotFound. Callers translate both into the
// errs taxonomy; neither should reach an HTTP response directly.
//
// # Backends
//
//   - postgres: database/sql with lib/pq, schema managed by golang-migrate
//   - memory: in-process, serialized by a mutex; for local development and tests
//
// # Usage Example
//
//	err := dir.InTx(ctx, func(tx storage.Tx) error {
//		ws, err := tx.LockWorkspace(ctx, id)
//		if err != nil {
//			return err
//		}
//		return tx.SetWorkspacePlan(ctx, ws.ID, storage.PlanChange{Plan: storage.PlanFree, UpdatedAt: now})
//	})
//
// # Related Packages
//
//   - pkg/storage/postgres: PostgreSQL backend
//   - pkg/workspaces: lifecycle operations built on Tx
//   - pkg/billing: plan reconciliation built on Tx
package storage
