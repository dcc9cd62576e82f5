package workspaces

import (
	"context"
	"errors"
	"strings"

	"github.com/platinummonkey/tenantgate/pkg/errs"
	"github.com/platinummonkey/tenantgate/pkg/storage"
)

// Identity is the outcome of an external sign-in: the provider vouches for
// the email address.
type Identity struct {
	Email string
	Name  string
}

// ProvisionUser finds or creates the local user for a resolved identity and
// makes sure the user has a workspace to act in.
func (s *Service) ProvisionUser(ctx context.Context, id Identity) (*storage.User, error) {
	email := storage.NormalizeEmail(id.Email)
	if !strings.Contains(email, "@") {
		return nil, errs.Validation("identity has no usable email")
	}

	user, err := s.dir.GetUserByEmail(ctx, email)
	switch {
	case err == nil:
	case errors.Is(err, storage.ErrNotFound):
		user, err = s.createUser(ctx, email, strings.TrimSpace(id.Name))
		if err != nil {
			return nil, err
		}
	default:
		return nil, errs.Internal(err, "failed to load user")
	}

	if err := s.ensureWorkspace(ctx, user); err != nil {
		return nil, err
	}
	return user, nil
}

func (s *Service) createUser(ctx context.Context, email, name string) (*storage.User, error) {
	user := &storage.User{Email: email, Name: name}
	err := s.dir.InTx(ctx, func(tx storage.Tx) error {
		return tx.CreateUser(ctx, user)
	})
	if storage.IsConstraint(err, storage.ConstraintUserEmail) {
		// concurrent sign-in won the insert
		existing, getErr := s.dir.GetUserByEmail(ctx, email)
		if getErr != nil {
			return nil, errs.Internal(getErr, "failed to load user")
		}
		return existing, nil
	}
	if err != nil {
		return nil, errs.Internal(err, "failed to create user")
	}

	s.logger.WithField("user_id", user.ID).Info("user provisioned")
	return user, nil
}

// ensureWorkspace gives a user with no memberships an auto-named workspace.
// Running it on every sign-in repairs a provisioning that failed halfway.
func (s *Service) ensureWorkspace(ctx context.Context, user *storage.User) error {
	memberships, err := s.dir.ListMembershipsByUser(ctx, user.ID)
	if err != nil {
		return errs.Internal(err, "failed to list workspaces")
	}
	if len(memberships) > 0 {
		return nil
	}
	_, err = s.CreateWorkspace(ctx, "", user, true)
	return err
}
