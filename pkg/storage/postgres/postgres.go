package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/tenantgate/pkg/storage"
)

const uniqueViolation = "23505"

const workspaceColumns = "id, name, slug, owner_id, plan, billing_customer_id, upgraded_at, created_at, updated_at"

// prefixed returns workspaceColumns qualified with a table alias
func prefixed(alias string) string {
	cols := strings.Split(workspaceColumns, ", ")
	for i, c := range cols {
		cols[i] = alias + "." + c
	}
	return strings.Join(cols, ", ")
}

// queryer is satisfied by both *sql.DB and *sql.Tx
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

// Directory implements storage.Directory on PostgreSQL
type Directory struct {
	db      *sql.DB
	reports *sql.DB
	conns   *ConnectionManager
}

// NewDirectory wraps an open database. Platform listings use the same pool.
func NewDirectory(db *sql.DB) *Directory {
	return &Directory{db: db, reports: db}
}

// Open connects using the storage configuration and optionally migrates
func Open(config storage.Config, logger logrus.FieldLogger) (*Directory, error) {
	conns, err := NewConnectionManager(ConnectionConfig{
		PrimaryURL:  config.PostgresURL,
		ReplicaURLs: config.PostgresReplicaURLs,
		MaxConns:    config.PostgresMaxConns,
		MinConns:    config.PostgresMinConns,
		Timeout:     config.PostgresTimeout,
		MaxLifetime: config.PostgresMaxLifetime,
		MaxIdleTime: config.PostgresMaxIdleTime,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	if config.RunMigrations {
		if err := RunMigrations(conns.Primary()); err != nil {
			conns.Close()
			return nil, err
		}
	}

	return &Directory{db: conns.Primary(), reports: conns.Replica(), conns: conns}, nil
}

// DB exposes the primary pool for health checks
func (d *Directory) DB() *sql.DB {
	return d.db
}

// Ping checks database connectivity
func (d *Directory) Ping(ctx context.Context) error {
	if d.conns != nil {
		return d.conns.HealthCheck(ctx)
	}
	return d.db.PingContext(ctx)
}

// Close closes the underlying pools
func (d *Directory) Close() error {
	if d.conns != nil {
		return d.conns.Close()
	}
	return d.db.Close()
}

// InTx runs fn inside a database transaction
func (d *Directory) InTx(ctx context.Context, fn func(tx storage.Tx) error) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	if err := fn(&pgTx{tx: tx}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// translate maps driver errors onto the storage contract
func translate(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return storage.ErrNotFound
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return &storage.ConstraintError{Constraint: pqErr.Constraint, Err: err}
	}
	return err
}

func scanWorkspace(row rowScanner, extra ...interface{}) (*storage.Workspace, error) {
	ws := &storage.Workspace{}
	var customer sql.NullString
	var upgraded sql.NullTime
	dest := append([]interface{}{
		&ws.ID, &ws.Name, &ws.Slug, &ws.OwnerID, &ws.Plan,
		&customer, &upgraded, &ws.CreatedAt, &ws.UpdatedAt,
	}, extra...)
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	if customer.Valid {
		ws.BillingCustomerID = &customer.String
	}
	if upgraded.Valid {
		ws.UpgradedAt = &upgraded.Time
	}
	return ws, nil
}

func getWorkspace(ctx context.Context, q queryer, where string, arg interface{}, suffix string) (*storage.Workspace, error) {
	query := "SELECT " + workspaceColumns + " FROM workspaces WHERE " + where + " = $1" + suffix
	ws, err := scanWorkspace(q.QueryRowContext(ctx, query, arg))
	if err != nil {
		return nil, translate(err)
	}
	return ws, nil
}

func getMembership(ctx context.Context, q queryer, workspaceID, userID int64) (*storage.Membership, error) {
	query := `
		SELECT workspace_id, user_id, role, created_at
		FROM memberships
		WHERE workspace_id = $1 AND user_id = $2
	`
	m := &storage.Membership{}
	err := q.QueryRowContext(ctx, query, workspaceID, userID).
		Scan(&m.WorkspaceID, &m.UserID, &m.Role, &m.CreatedAt)
	if err != nil {
		return nil, translate(err)
	}
	return m, nil
}

func countMembers(ctx context.Context, q queryer, workspaceID int64) (int, error) {
	var count int
	err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM memberships WHERE workspace_id = $1`, workspaceID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count members: %w", err)
	}
	return count, nil
}

func getUser(ctx context.Context, q queryer, where string, arg interface{}) (*storage.User, error) {
	query := "SELECT id, email, name, is_superadmin, created_at FROM users WHERE " + where + " = $1"
	u := &storage.User{}
	err := q.QueryRowContext(ctx, query, arg).Scan(&u.ID, &u.Email, &u.Name, &u.IsSuperadmin, &u.CreatedAt)
	if err != nil {
		return nil, translate(err)
	}
	return u, nil
}

func (d *Directory) GetUser(ctx context.Context, id int64) (*storage.User, error) {
	return getUser(ctx, d.db, "id", id)
}

func (d *Directory) GetUserByEmail(ctx context.Context, email string) (*storage.User, error) {
	return getUser(ctx, d.db, "email", storage.NormalizeEmail(email))
}

func (d *Directory) GetWorkspace(ctx context.Context, id int64) (*storage.Workspace, error) {
	return getWorkspace(ctx, d.db, "id", id, "")
}

func (d *Directory) GetWorkspaceBySlug(ctx context.Context, slug string) (*storage.Workspace, error) {
	return getWorkspace(ctx, d.db, "slug", slug, "")
}

func (d *Directory) GetWorkspaceByCustomer(ctx context.Context, customerID string) (*storage.Workspace, error) {
	return getWorkspace(ctx, d.db, "billing_customer_id", customerID, " ORDER BY id LIMIT 1")
}

func (d *Directory) GetMembership(ctx context.Context, workspaceID, userID int64) (*storage.Membership, error) {
	return getMembership(ctx, d.db, workspaceID, userID)
}

func (d *Directory) ListMembershipsByUser(ctx context.Context, userID int64) ([]storage.UserWorkspace, error) {
	query := `
		SELECT ` + prefixed("w") + `, m.role
		FROM memberships m
		JOIN workspaces w ON w.id = m.workspace_id
		WHERE m.user_id = $1
		ORDER BY w.id
	`
	rows, err := d.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list user workspaces: %w", err)
	}
	defer rows.Close()

	var result []storage.UserWorkspace
	for rows.Next() {
		var role storage.Role
		ws, err := scanWorkspace(rows, &role)
		if err != nil {
			return nil, fmt.Errorf("failed to scan user workspace: %w", err)
		}
		result = append(result, storage.UserWorkspace{Workspace: *ws, Role: role})
	}
	return result, rows.Err()
}

func (d *Directory) ListMembershipsByWorkspace(ctx context.Context, workspaceID int64, page storage.Page) ([]storage.MemberDetail, int, error) {
	page = page.Normalize()

	total, err := countMembers(ctx, d.db, workspaceID)
	if err != nil {
		return nil, 0, err
	}

	query := `
		SELECT u.id, u.name, u.email, m.role, m.created_at
		FROM memberships m
		JOIN users u ON u.id = m.user_id
		WHERE m.workspace_id = $1
		ORDER BY m.created_at, u.id
		LIMIT $2 OFFSET $3
	`
	rows, err := d.db.QueryContext(ctx, query, workspaceID, page.PerPage, page.Offset())
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list members: %w", err)
	}
	defer rows.Close()

	members := []storage.MemberDetail{}
	for rows.Next() {
		var m storage.MemberDetail
		if err := rows.Scan(&m.UserID, &m.Name, &m.Email, &m.Role, &m.CreatedAt); err != nil {
			return nil, 0, fmt.Errorf("failed to scan member: %w", err)
		}
		members = append(members, m)
	}
	return members, total, rows.Err()
}

func (d *Directory) CountMembers(ctx context.Context, workspaceID int64) (int, error) {
	return countMembers(ctx, d.db, workspaceID)
}

// ResolveAccess reads the workspace and the caller's membership in a single
// statement so the role check never mixes two snapshots.
func (d *Directory) ResolveAccess(ctx context.Context, workspaceID, userID int64) (*storage.AccessSnapshot, error) {
	query := `
		SELECT ` + prefixed("w") + `, m.role, m.created_at
		FROM workspaces w
		LEFT JOIN memberships m ON m.workspace_id = w.id AND m.user_id = $2
		WHERE w.id = $1
	`
	var role sql.NullString
	var joined sql.NullTime
	ws, err := scanWorkspace(d.db.QueryRowContext(ctx, query, workspaceID, userID), &role, &joined)
	if err != nil {
		return nil, translate(err)
	}

	snap := &storage.AccessSnapshot{Workspace: *ws}
	if role.Valid {
		snap.Membership = &storage.Membership{
			WorkspaceID: workspaceID,
			UserID:      userID,
			Role:        storage.Role(role.String),
			CreatedAt:   joined.Time,
		}
	}
	return snap, nil
}

func (d *Directory) HasBillingEvent(ctx context.Context, eventID string) (bool, error) {
	var exists bool
	err := d.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM billing_events WHERE event_id = $1)`, eventID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check billing event: %w", err)
	}
	return exists, nil
}

func (d *Directory) ListAuditEntries(ctx context.Context, workspaceID int64, page storage.Page) ([]storage.AuditEntry, int, error) {
	page = page.Normalize()

	var total int
	if err := d.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM audit_log WHERE workspace_id = $1`, workspaceID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count audit entries: %w", err)
	}

	query := `
		SELECT id, workspace_id, actor_id, action, target_user_id, detail, created_at
		FROM audit_log
		WHERE workspace_id = $1
		ORDER BY id DESC
		LIMIT $2 OFFSET $3
	`
	rows, err := d.db.QueryContext(ctx, query, workspaceID, page.PerPage, page.Offset())
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list audit entries: %w", err)
	}
	defer rows.Close()

	entries := []storage.AuditEntry{}
	for rows.Next() {
		var e storage.AuditEntry
		var actor, target sql.NullInt64
		if err := rows.Scan(&e.ID, &e.WorkspaceID, &actor, &e.Action, &target, &e.Detail, &e.CreatedAt); err != nil {
			return nil, 0, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		if actor.Valid {
			e.ActorID = &actor.Int64
		}
		if target.Valid {
			e.TargetUserID = &target.Int64
		}
		entries = append(entries, e)
	}
	return entries, total, rows.Err()
}

func (d *Directory) PlatformStats(ctx context.Context, now time.Time) (*storage.PlatformStats, error) {
	y, m, day := now.Date()
	startOfDay := time.Date(y, m, day, 0, 0, 0, 0, now.Location())

	query := `
		SELECT
			(SELECT COUNT(*) FROM workspaces),
			(SELECT COUNT(*) FROM users),
			(SELECT COUNT(*) FROM users WHERE created_at >= $1),
			(SELECT COUNT(DISTINCT workspace_id) FROM memberships)
	`
	stats := &storage.PlatformStats{}
	err := d.reports.QueryRowContext(ctx, query, startOfDay).
		Scan(&stats.TotalWorkspaces, &stats.TotalUsers, &stats.NewUsersToday, &stats.ActiveWorkspaces)
	if err != nil {
		return nil, fmt.Errorf("failed to load platform stats: %w", err)
	}
	return stats, nil
}

func (d *Directory) ListWorkspacesWithOwners(ctx context.Context, page storage.Page) ([]storage.WorkspaceSummary, int, error) {
	page = page.Normalize()

	var total int
	if err := d.reports.QueryRowContext(ctx, `SELECT COUNT(*) FROM workspaces`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count workspaces: %w", err)
	}

	query := `
		SELECT ` + prefixed("w") + `, u.email, u.name, COUNT(m.user_id)
		FROM workspaces w
		JOIN users u ON u.id = w.owner_id
		LEFT JOIN memberships m ON m.workspace_id = w.id
		GROUP BY w.id, u.email, u.name
		ORDER BY w.id DESC
		LIMIT $1 OFFSET $2
	`
	rows, err := d.reports.QueryContext(ctx, query, page.PerPage, page.Offset())
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list workspaces: %w", err)
	}
	defer rows.Close()

	result := []storage.WorkspaceSummary{}
	for rows.Next() {
		var s storage.WorkspaceSummary
		ws, err := scanWorkspace(rows, &s.OwnerEmail, &s.OwnerName, &s.MemberCount)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan workspace: %w", err)
		}
		s.Workspace = *ws
		result = append(result, s)
	}
	return result, total, rows.Err()
}

func (d *Directory) ListUsersWithWorkspaceCount(ctx context.Context, page storage.Page) ([]storage.UserSummary, int, error) {
	page = page.Normalize()

	var total int
	if err := d.reports.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count users: %w", err)
	}

	query := `
		SELECT u.id, u.email, u.name, u.is_superadmin, u.created_at, COUNT(m.workspace_id)
		FROM users u
		LEFT JOIN memberships m ON m.user_id = u.id
		GROUP BY u.id
		ORDER BY u.id DESC
		LIMIT $1 OFFSET $2
	`
	rows, err := d.reports.QueryContext(ctx, query, page.PerPage, page.Offset())
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list users: %w", err)
	}
	defer rows.Close()

	result := []storage.UserSummary{}
	for rows.Next() {
		var s storage.UserSummary
		if err := rows.Scan(&s.User.ID, &s.User.Email, &s.User.Name, &s.User.IsSuperadmin, &s.User.CreatedAt, &s.WorkspaceCount); err != nil {
			return nil, 0, fmt.Errorf("failed to scan user: %w", err)
		}
		result = append(result, s)
	}
	return result, total, rows.Err()
}

func (d *Directory) CountWorkspacesByPlan(ctx context.Context) (map[storage.Plan]int, error) {
	rows, err := d.reports.QueryContext(ctx, `SELECT plan, COUNT(*) FROM workspaces GROUP BY plan`)
	if err != nil {
		return nil, fmt.Errorf("failed to count workspaces by plan: %w", err)
	}
	defer rows.Close()

	counts := map[storage.Plan]int{storage.PlanFree: 0, storage.PlanPro: 0}
	for rows.Next() {
		var plan storage.Plan
		var n int
		if err := rows.Scan(&plan, &n); err != nil {
			return nil, fmt.Errorf("failed to scan plan count: %w", err)
		}
		counts[plan] = n
	}
	return counts, rows.Err()
}
