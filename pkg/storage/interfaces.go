package storage

import (
	"context"
	"time"
)

// Reader covers the lookups needed outside of a unit of work
type Reader interface {
	GetUser(ctx context.Context, id int64) (*User, error)
	GetUserByEmail(ctx context.Context, email string) (*User, error)

	GetWorkspace(ctx context.Context, id int64) (*Workspace, error)
	GetWorkspaceBySlug(ctx context.Context, slug string) (*Workspace, error)
	GetWorkspaceByCustomer(ctx context.Context, customerID string) (*Workspace, error)

	GetMembership(ctx context.Context, workspaceID, userID int64) (*Membership, error)
	ListMembershipsByUser(ctx context.Context, userID int64) ([]UserWorkspace, error)
	ListMembershipsByWorkspace(ctx context.Context, workspaceID int64, page Page) ([]MemberDetail, int, error)
	CountMembers(ctx context.Context, workspaceID int64) (int, error)

	// ResolveAccess reads the workspace and the user's membership in one
	// consistent read. Returns ErrNotFound if the workspace does not exist.
	ResolveAccess(ctx context.Context, workspaceID, userID int64) (*AccessSnapshot, error)

	HasBillingEvent(ctx context.Context, eventID string) (bool, error)

	// ListAuditEntries returns a workspace's audit trail, newest first
	ListAuditEntries(ctx context.Context, workspaceID int64, page Page) ([]AuditEntry, int, error)

	PlatformStats(ctx context.Context, now time.Time) (*PlatformStats, error)
	ListWorkspacesWithOwners(ctx context.Context, page Page) ([]WorkspaceSummary, int, error)
	ListUsersWithWorkspaceCount(ctx context.Context, page Page) ([]UserSummary, int, error)
	CountWorkspacesByPlan(ctx context.Context) (map[Plan]int, error)
}

// Tx is a unit of work. Every write goes through one.
type Tx interface {
	CreateUser(ctx context.Context, user *User) error

	CreateWorkspace(ctx context.Context, ws *Workspace) error
	UpdateWorkspaceName(ctx context.Context, id int64, name string, now time.Time) error
	// LockWorkspace loads the workspace and holds its row until the unit of work ends
	LockWorkspace(ctx context.Context, id int64) (*Workspace, error)
	LockWorkspaceByCustomer(ctx context.Context, customerID string) (*Workspace, error)
	SetWorkspacePlan(ctx context.Context, id int64, change PlanChange) error

	GetMembership(ctx context.Context, workspaceID, userID int64) (*Membership, error)
	CreateMembership(ctx context.Context, m *Membership) error
	UpdateMembershipRole(ctx context.Context, workspaceID, userID int64, role Role) error
	DeleteMembership(ctx context.Context, workspaceID, userID int64) error
	CountMembers(ctx context.Context, workspaceID int64) (int, error)

	InsertBillingEvent(ctx context.Context, event *BillingEvent) error
	InsertAuditEntry(ctx context.Context, entry *AuditEntry) error
}

// Directory is the durable tenant directory
type Directory interface {
	Reader

	// InTx runs fn in a single unit of work. A non-nil error from fn, or a
	// panic, rolls everything back.
	InTx(ctx context.Context, fn func(tx Tx) error) error

	Ping(ctx context.Context) error
	Close() error
}

// Config for storage backend
type Config struct {
	Type string `yaml:"type"` // "memory" or "postgres"

	// PostgreSQL config
	PostgresURL         string        `yaml:"postgres_url"`
	PostgresReplicaURLs []string      `yaml:"postgres_replica_urls"`
	PostgresMaxConns    int           `yaml:"postgres_max_conns"`
	PostgresMinConns    int           `yaml:"postgres_min_conns"`
	PostgresTimeout     time.Duration `yaml:"postgres_timeout"`
	PostgresMaxLifetime time.Duration `yaml:"postgres_max_lifetime"`
	PostgresMaxIdleTime time.Duration `yaml:"postgres_max_idle_time"`
	RunMigrations       bool          `yaml:"run_migrations"`

	// Redis config
	RedisURL        string `yaml:"redis_url"`
	RedisPassword   string `yaml:"redis_password"`
	RedisDB         int    `yaml:"redis_db"`
	RedisMaxRetries int    `yaml:"redis_max_retries"`
	RedisPoolSize   int    `yaml:"redis_pool_size"`
}

// DefaultConfig returns sensible default configuration
func DefaultConfig() Config {
	return Config{
		Type:                "postgres",
		PostgresMaxConns:    20,
		PostgresMinConns:    2,
		PostgresTimeout:     10 * time.Second,
		PostgresMaxLifetime: time.Hour,
		PostgresMaxIdleTime: 10 * time.Minute,
		RunMigrations:       true,
		RedisDB:             0,
		RedisMaxRetries:     3,
		RedisPoolSize:       10,
	}
}
