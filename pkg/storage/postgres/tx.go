package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/platinummonkey/tenantgate/pkg/storage"
)

// pgTx implements storage.Tx over a *sql.Tx
type pgTx struct {
	tx *sql.Tx
}

func (t *pgTx) CreateUser(ctx context.Context, user *storage.User) error {
	query := `
		INSERT INTO users (email, name, is_superadmin)
		VALUES ($1, $2, $3)
		RETURNING id, email, created_at
	`
	err := t.tx.QueryRowContext(ctx, query, storage.NormalizeEmail(user.Email), user.Name, user.IsSuperadmin).
		Scan(&user.ID, &user.Email, &user.CreatedAt)
	if err != nil {
		return translate(err)
	}
	return nil
}

func (t *pgTx) CreateWorkspace(ctx context.Context, ws *storage.Workspace) error {
	if ws.Plan == "" {
		ws.Plan = storage.PlanFree
	}
	query := `
		INSERT INTO workspaces (name, slug, owner_id, plan)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at, updated_at
	`
	err := t.tx.QueryRowContext(ctx, query, ws.Name, ws.Slug, ws.OwnerID, ws.Plan).
		Scan(&ws.ID, &ws.CreatedAt, &ws.UpdatedAt)
	if err != nil {
		return translate(err)
	}
	return nil
}

func (t *pgTx) UpdateWorkspaceName(ctx context.Context, id int64, name string, now time.Time) error {
	result, err := t.tx.ExecContext(ctx, `UPDATE workspaces SET name = $1, updated_at = $2 WHERE id = $3`, name, now, id)
	if err != nil {
		return fmt.Errorf("failed to rename workspace: %w", err)
	}
	return requireRow(result)
}

func (t *pgTx) LockWorkspace(ctx context.Context, id int64) (*storage.Workspace, error) {
	return getWorkspace(ctx, t.tx, "id", id, " FOR UPDATE")
}

func (t *pgTx) LockWorkspaceByCustomer(ctx context.Context, customerID string) (*storage.Workspace, error) {
	return getWorkspace(ctx, t.tx, "billing_customer_id", customerID, " ORDER BY id LIMIT 1 FOR UPDATE")
}

func (t *pgTx) SetWorkspacePlan(ctx context.Context, id int64, change storage.PlanChange) error {
	query := `
		UPDATE workspaces
		SET plan = $1,
		    billing_customer_id = COALESCE($2, billing_customer_id),
		    upgraded_at = COALESCE($3, upgraded_at),
		    updated_at = $4
		WHERE id = $5
	`
	var customer sql.NullString
	if change.BillingCustomerID != nil {
		customer = sql.NullString{String: *change.BillingCustomerID, Valid: true}
	}
	var upgraded sql.NullTime
	if change.UpgradedAt != nil {
		upgraded = sql.NullTime{Time: *change.UpgradedAt, Valid: true}
	}

	result, err := t.tx.ExecContext(ctx, query, change.Plan, customer, upgraded, change.UpdatedAt, id)
	if err != nil {
		return fmt.Errorf("failed to set workspace plan: %w", err)
	}
	return requireRow(result)
}

func (t *pgTx) GetMembership(ctx context.Context, workspaceID, userID int64) (*storage.Membership, error) {
	return getMembership(ctx, t.tx, workspaceID, userID)
}

func (t *pgTx) CreateMembership(ctx context.Context, m *storage.Membership) error {
	query := `
		INSERT INTO memberships (workspace_id, user_id, role)
		VALUES ($1, $2, $3)
		RETURNING created_at
	`
	if err := t.tx.QueryRowContext(ctx, query, m.WorkspaceID, m.UserID, m.Role).Scan(&m.CreatedAt); err != nil {
		return translate(err)
	}
	return nil
}

func (t *pgTx) UpdateMembershipRole(ctx context.Context, workspaceID, userID int64, role storage.Role) error {
	result, err := t.tx.ExecContext(ctx,
		`UPDATE memberships SET role = $1 WHERE workspace_id = $2 AND user_id = $3`,
		role, workspaceID, userID)
	if err != nil {
		return fmt.Errorf("failed to update member role: %w", err)
	}
	return requireRow(result)
}

func (t *pgTx) DeleteMembership(ctx context.Context, workspaceID, userID int64) error {
	result, err := t.tx.ExecContext(ctx,
		`DELETE FROM memberships WHERE workspace_id = $1 AND user_id = $2`,
		workspaceID, userID)
	if err != nil {
		return fmt.Errorf("failed to delete membership: %w", err)
	}
	return requireRow(result)
}

func (t *pgTx) CountMembers(ctx context.Context, workspaceID int64) (int, error) {
	return countMembers(ctx, t.tx, workspaceID)
}

func (t *pgTx) InsertBillingEvent(ctx context.Context, event *storage.BillingEvent) error {
	query := `
		INSERT INTO billing_events (event_id, event_type)
		VALUES ($1, $2)
		RETURNING received_at
	`
	if err := t.tx.QueryRowContext(ctx, query, event.EventID, event.EventType).Scan(&event.ReceivedAt); err != nil {
		return translate(err)
	}
	return nil
}

func (t *pgTx) InsertAuditEntry(ctx context.Context, entry *storage.AuditEntry) error {
	query := `
		INSERT INTO audit_log (workspace_id, actor_id, action, target_user_id, detail)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at
	`
	err := t.tx.QueryRowContext(ctx, query,
		entry.WorkspaceID, entry.ActorID, entry.Action, entry.TargetUserID, entry.Detail,
	).Scan(&entry.ID, &entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert audit entry: %w", err)
	}
	return nil
}

func requireRow(result sql.Result) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}
