package access

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/tenantgate/pkg/errs"
	"github.com/platinummonkey/tenantgate/pkg/storage"
)

// Decision results reported to the Recorder
const (
	ResultAllowed         = "allowed"
	ResultUnauthenticated = "unauthenticated"
	ResultNotFound        = "not_found"
	ResultForbidden       = "forbidden"
	ResultError           = "error"
)

// Recorder counts guard decisions
type Recorder interface {
	RecordGuardDecision(result string)
}

type nopRecorder struct{}

func (nopRecorder) RecordGuardDecision(string) {}

// Grant is a successful authorization
type Grant struct {
	Workspace storage.Workspace
	Role      storage.Role
}

// Guard authorizes users against workspaces
type Guard struct {
	store    storage.Reader
	sessions *Sessions
	logger   logrus.FieldLogger
	recorder Recorder
}

// Option configures a Guard
type Option func(*Guard)

// WithLogger sets the guard logger
func WithLogger(logger logrus.FieldLogger) Option {
	return func(g *Guard) { g.logger = logger }
}

// WithRecorder installs a decision recorder
func WithRecorder(rec Recorder) Option {
	return func(g *Guard) { g.recorder = rec }
}

// NewGuard creates a guard reading from the tenant directory
func NewGuard(store storage.Reader, sessions *Sessions, opts ...Option) *Guard {
	g := &Guard{
		store:    store,
		sessions: sessions,
		logger:   logrus.StandardLogger(),
		recorder: nopRecorder{},
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Authorize decides whether user may act in the workspace with at least
// the given role. Only the directory is consulted; nothing the caller
// supplies besides the workspace ID is trusted.
func (g *Guard) Authorize(ctx context.Context, user *storage.User, workspaceID int64, min storage.Role) (*Grant, error) {
	grant, err := g.authorize(ctx, user, workspaceID, min)
	g.recorder.RecordGuardDecision(resultOf(err))

	if err != nil && errs.KindOf(err) == errs.KindForbidden {
		g.logger.WithFields(logrus.Fields{
			"user_id":      user.ID,
			"workspace_id": workspaceID,
			"required":     min,
		}).Warn("workspace access denied")
	}
	return grant, err
}

func (g *Guard) authorize(ctx context.Context, user *storage.User, workspaceID int64, min storage.Role) (*Grant, error) {
	if user == nil {
		return nil, errs.Unauthenticated("authentication required")
	}

	snap, err := g.store.ResolveAccess(ctx, workspaceID, user.ID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, errs.NotFound("workspace not found")
	}
	if err != nil {
		return nil, errs.Internal(err, "failed to resolve workspace access")
	}

	if snap.Membership == nil {
		return nil, errs.Forbidden("Access denied to workspace")
	}
	if min == storage.RoleAdmin && snap.Membership.Role != storage.RoleAdmin {
		return nil, errs.Forbidden("Admin access required")
	}
	return &Grant{Workspace: snap.Workspace, Role: snap.Membership.Role}, nil
}

func resultOf(err error) string {
	switch errs.KindOf(err) {
	case "":
		return ResultAllowed
	case errs.KindUnauthenticated:
		return ResultUnauthenticated
	case errs.KindNotFound:
		return ResultNotFound
	case errs.KindForbidden:
		return ResultForbidden
	default:
		return ResultError
	}
}

// denied reports errors that mean the user cannot use the workspace
func denied(err error) bool {
	kind := errs.KindOf(err)
	return kind == errs.KindForbidden || kind == errs.KindNotFound
}
