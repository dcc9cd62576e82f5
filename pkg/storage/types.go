package storage

import (
	"errors"
	"fmt"
	"time"
)

// Role is a user's role within a single workspace
type Role string

const (
	RoleAdmin  Role = "admin"
	RoleMember Role = "member"
)

// Valid reports whether r is one of the known roles
func (r Role) Valid() bool {
	return r == RoleAdmin || r == RoleMember
}

// Plan is a workspace's billing tier
type Plan string

const (
	PlanFree Plan = "free"
	PlanPro  Plan = "pro"
)

// Valid reports whether p is a known plan
func (p Plan) Valid() bool {
	return p == PlanFree || p == PlanPro
}

// User is a local identity. Credentials are managed elsewhere.
type User struct {
	ID           int64     `json:"id"`
	Email        string    `json:"email"`
	Name         string    `json:"name,omitempty"`
	IsSuperadmin bool      `json:"is_superadmin"`
	CreatedAt    time.Time `json:"created_at"`
}

// Workspace is the tenant boundary
type Workspace struct {
	ID                int64      `json:"id"`
	Name              string     `json:"name"`
	Slug              string     `json:"slug"`
	OwnerID           int64      `json:"owner_id"`
	Plan              Plan       `json:"plan"`
	BillingCustomerID *string    `json:"billing_customer_id,omitempty"`
	UpgradedAt        *time.Time `json:"upgraded_at,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// IsPro reports whether the workspace is on the paid plan
func (w *Workspace) IsPro() bool {
	return w.Plan == PlanPro
}

// Membership grants a user a role in a workspace
type Membership struct {
	WorkspaceID int64     `json:"workspace_id"`
	UserID      int64     `json:"user_id"`
	Role        Role      `json:"role"`
	CreatedAt   time.Time `json:"created_at"`
}

// BillingEvent is a dedup ledger entry for a provider event
type BillingEvent struct {
	EventID    string    `json:"event_id"`
	EventType  string    `json:"event_type"`
	ReceivedAt time.Time `json:"received_at"`
}

// AuditAction names a recorded tenant mutation
type AuditAction string

const (
	AuditMemberAdded       AuditAction = "member.added"
	AuditMemberRemoved     AuditAction = "member.removed"
	AuditMemberRoleChanged AuditAction = "member.role_changed"
	AuditPlanChanged       AuditAction = "plan.changed"
)

// AuditEntry records who changed what in a workspace. ActorID is nil for
// changes made by the payment provider.
type AuditEntry struct {
	ID           int64       `json:"id"`
	WorkspaceID  int64       `json:"workspace_id"`
	ActorID      *int64      `json:"actor_id,omitempty"`
	Action       AuditAction `json:"action"`
	TargetUserID *int64      `json:"target_user_id,omitempty"`
	Detail       string      `json:"detail,omitempty"`
	CreatedAt    time.Time   `json:"created_at"`
}

// AccessSnapshot is the workspace and the caller's membership read together.
// Membership is nil when the user does not belong to the workspace.
type AccessSnapshot struct {
	Workspace  Workspace
	Membership *Membership
}

// UserWorkspace is a workspace as seen by one of its members
type UserWorkspace struct {
	Workspace Workspace `json:"workspace"`
	Role      Role      `json:"user_role"`
}

// MemberDetail is a membership joined with the member's user record
type MemberDetail struct {
	UserID    int64     `json:"user_id"`
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	Role      Role      `json:"role"`
	CreatedAt time.Time `json:"created_at"`
}

// WorkspaceSummary is a platform-level workspace listing row
type WorkspaceSummary struct {
	Workspace   Workspace `json:"workspace"`
	OwnerEmail  string    `json:"owner_email"`
	OwnerName   string    `json:"owner_name"`
	MemberCount int       `json:"member_count"`
}

// UserSummary is a platform-level user listing row
type UserSummary struct {
	User           User `json:"user"`
	WorkspaceCount int  `json:"workspace_count"`
}

// PlatformStats are superadmin dashboard totals
type PlatformStats struct {
	TotalWorkspaces  int `json:"total_workspaces"`
	TotalUsers       int `json:"total_users"`
	NewUsersToday    int `json:"new_users_today"`
	ActiveWorkspaces int `json:"active_workspaces"`
}

// PlanChange is applied to a locked workspace by the billing reconciler
type PlanChange struct {
	Plan              Plan
	BillingCustomerID *string
	UpgradedAt        *time.Time
	UpdatedAt         time.Time
}

// Page selects a window of a listing. Page numbers start at 1.
type Page struct {
	Number  int
	PerPage int
}

const (
	DefaultPerPage = 25
	MaxPerPage     = 100
)

// Normalize clamps the page into a valid range
func (p Page) Normalize() Page {
	if p.Number < 1 {
		p.Number = 1
	}
	if p.PerPage < 1 {
		p.PerPage = DefaultPerPage
	}
	if p.PerPage > MaxPerPage {
		p.PerPage = MaxPerPage
	}
	return p
}

// Offset returns the row offset of the page
func (p Page) Offset() int {
	p = p.Normalize()
	return (p.Number - 1) * p.PerPage
}

// ErrNotFound is returned when a requested row does not exist
var ErrNotFound = errors.New("not found")

// Unique constraints enforced by every backend
const (
	ConstraintWorkspaceSlug = "workspaces_slug_key"
	ConstraintUserEmail     = "users_email_key"
	ConstraintMembership    = "memberships_pkey"
	ConstraintBillingEvent  = "billing_events_pkey"
)

// ConstraintError reports a unique constraint violation
type ConstraintError struct {
	Constraint string
	Err        error
}

func (e *ConstraintError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("unique constraint %s violated: %v", e.Constraint, e.Err)
	}
	return fmt.Sprintf("unique constraint %s violated", e.Constraint)
}

func (e *ConstraintError) Unwrap() error {
	return e.Err
}

// IsConstraint reports whether err is a violation of the named constraint
func IsConstraint(err error, constraint string) bool {
	var ce *ConstraintError
	return errors.As(err, &ce) && ce.Constraint == constraint
}
