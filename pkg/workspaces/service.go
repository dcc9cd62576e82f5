package workspaces

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/tenantgate/pkg/errs"
	"github.com/platinummonkey/tenantgate/pkg/storage"
)

// maxSlugAttempts bounds the -1, -2, ... suffix search
const maxSlugAttempts = 100

// MemberLimit decides whether a workspace may take another member. It runs
// with the workspace row locked.
type MemberLimit func(ws *storage.Workspace, currentMembers int) error

// Service owns every mutation of workspaces and memberships
type Service struct {
	dir         storage.Directory
	logger      logrus.FieldLogger
	now         func() time.Time
	memberLimit MemberLimit
}

// Option configures a Service
type Option func(*Service)

// WithLogger sets the service logger
func WithLogger(logger logrus.FieldLogger) Option {
	return func(s *Service) { s.logger = logger }
}

// WithClock overrides time.Now
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithMemberLimit installs a per-plan member limit
func WithMemberLimit(limit MemberLimit) Option {
	return func(s *Service) { s.memberLimit = limit }
}

// NewService creates a lifecycle service over the tenant directory
func NewService(dir storage.Directory, opts ...Option) *Service {
	s := &Service{
		dir:    dir,
		logger: logrus.StandardLogger(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateWorkspace creates a workspace and its owner's admin membership as
// one unit. When autoName is set the name is derived from the owner.
func (s *Service) CreateWorkspace(ctx context.Context, name string, owner *storage.User, autoName bool) (*storage.Workspace, error) {
	if owner == nil {
		return nil, errs.Validation("workspace owner is required")
	}
	if autoName {
		name = AutoName(owner)
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errs.Validation("workspace name is required")
	}

	base := Slugify(name)
	for attempt := 0; attempt < maxSlugAttempts; attempt++ {
		slug := base
		if attempt > 0 {
			slug = fmt.Sprintf("%s-%d", base, attempt)
		}

		ws := &storage.Workspace{Name: name, Slug: slug, OwnerID: owner.ID, Plan: storage.PlanFree}
		err := s.dir.InTx(ctx, func(tx storage.Tx) error {
			if err := tx.CreateWorkspace(ctx, ws); err != nil {
				return err
			}
			return tx.CreateMembership(ctx, &storage.Membership{
				WorkspaceID: ws.ID,
				UserID:      owner.ID,
				Role:        storage.RoleAdmin,
			})
		})
		if err == nil {
			s.logger.WithFields(logrus.Fields{
				"workspace_id": ws.ID,
				"slug":         ws.Slug,
				"owner_id":     owner.ID,
			}).Info("workspace created")
			return ws, nil
		}
		if storage.IsConstraint(err, storage.ConstraintWorkspaceSlug) {
			continue
		}
		return nil, errs.Internal(err, "failed to create workspace")
	}

	s.logger.WithField("slug", base).Warn("slug allocation exhausted")
	return nil, errs.ErrTooManyConflicts
}

// RenameWorkspace changes the display name. The slug is stable.
func (s *Service) RenameWorkspace(ctx context.Context, workspaceID int64, name string) (*storage.Workspace, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errs.Validation("workspace name is required")
	}

	var ws *storage.Workspace
	err := s.dir.InTx(ctx, func(tx storage.Tx) error {
		locked, err := lockWorkspace(ctx, tx, workspaceID)
		if err != nil {
			return err
		}
		now := s.now()
		if err := tx.UpdateWorkspaceName(ctx, workspaceID, name, now); err != nil {
			return err
		}
		locked.Name = name
		locked.UpdatedAt = now
		ws = locked
		return nil
	})
	if err != nil {
		return nil, classify(err, "failed to rename workspace")
	}
	return ws, nil
}

// Stats is the tenant-visible workspace summary
type Stats struct {
	MemberCount int `json:"member_count"`
}

// Stats returns member counts for a workspace
func (s *Service) Stats(ctx context.Context, workspaceID int64) (*Stats, error) {
	count, err := s.dir.CountMembers(ctx, workspaceID)
	if err != nil {
		return nil, errs.Internal(err, "failed to load workspace stats")
	}
	return &Stats{MemberCount: count}, nil
}

// ListForUser returns the workspaces a user belongs to, with their role
func (s *Service) ListForUser(ctx context.Context, userID int64) ([]storage.UserWorkspace, error) {
	list, err := s.dir.ListMembershipsByUser(ctx, userID)
	if err != nil {
		return nil, errs.Internal(err, "failed to list workspaces")
	}
	if list == nil {
		list = []storage.UserWorkspace{}
	}
	return list, nil
}

func lockWorkspace(ctx context.Context, tx storage.Tx, workspaceID int64) (*storage.Workspace, error) {
	ws, err := tx.LockWorkspace(ctx, workspaceID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, errs.NotFound("workspace not found")
	}
	return ws, err
}

// classify converts storage failures into the error taxonomy. Errors that
// are already classified pass through untouched.
func classify(err error, message string) error {
	var e *errs.Error
	switch {
	case errors.As(err, &e):
		return err
	case storage.IsConstraint(err, storage.ConstraintMembership):
		return errs.ErrAlreadyMember
	case storage.IsConstraint(err, storage.ConstraintUserEmail):
		return errs.Conflict("a user with this email already exists")
	}
	return errs.Wrap(errs.KindInternal, err, message)
}
