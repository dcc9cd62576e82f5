package workspaces

import (
	"context"
	"errors"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/tenantgate/pkg/contextkeys"
	"github.com/platinummonkey/tenantgate/pkg/errs"
	"github.com/platinummonkey/tenantgate/pkg/storage"
)

// AddMember grants an existing user a role in a workspace
func (s *Service) AddMember(ctx context.Context, workspaceID, userID int64, role storage.Role) (*storage.Membership, error) {
	if !role.Valid() {
		return nil, errs.ErrInvalidRole
	}
	if _, err := s.dir.GetUser(ctx, userID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, errs.NotFound("user not found")
		}
		return nil, errs.Internal(err, "failed to load user")
	}

	var m *storage.Membership
	err := s.dir.InTx(ctx, func(tx storage.Tx) error {
		var err error
		m, err = s.addMember(ctx, tx, workspaceID, userID, role)
		return err
	})
	if err != nil {
		return nil, classify(err, "failed to add member")
	}

	s.logger.WithFields(logrus.Fields{
		"workspace_id": workspaceID,
		"user_id":      userID,
		"role":         role,
	}).Info("member added")
	return m, nil
}

// Invitation describes a member to add by email
type Invitation struct {
	Email string
	Name  string
	Role  storage.Role
}

// InviteByEmail adds the user with the given email, creating a local user
// record without credentials when none exists yet.
func (s *Service) InviteByEmail(ctx context.Context, workspaceID int64, inv Invitation) (*storage.User, *storage.Membership, error) {
	if inv.Role == "" {
		inv.Role = storage.RoleMember
	}
	if !inv.Role.Valid() {
		return nil, nil, errs.ErrInvalidRole
	}
	email := storage.NormalizeEmail(inv.Email)
	if !strings.Contains(email, "@") {
		return nil, nil, errs.Validation("a valid email is required")
	}

	existing, err := s.dir.GetUserByEmail(ctx, email)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, nil, errs.Internal(err, "failed to load user")
	}
	if existing == nil && strings.TrimSpace(inv.Name) == "" {
		return nil, nil, errs.Validation("name is required for new users")
	}

	var user *storage.User
	var m *storage.Membership
	err = s.dir.InTx(ctx, func(tx storage.Tx) error {
		user = existing
		if user == nil {
			user = &storage.User{Email: email, Name: strings.TrimSpace(inv.Name)}
			if err := tx.CreateUser(ctx, user); err != nil {
				return err
			}
		}
		var err error
		m, err = s.addMember(ctx, tx, workspaceID, user.ID, inv.Role)
		return err
	})
	if err != nil {
		return nil, nil, classify(err, "failed to add member")
	}

	s.logger.WithFields(logrus.Fields{
		"workspace_id": workspaceID,
		"user_id":      user.ID,
		"new_user":     existing == nil,
	}).Info("member invited")
	return user, m, nil
}

func (s *Service) addMember(ctx context.Context, tx storage.Tx, workspaceID, userID int64, role storage.Role) (*storage.Membership, error) {
	ws, err := lockWorkspace(ctx, tx, workspaceID)
	if err != nil {
		return nil, err
	}

	if _, err := tx.GetMembership(ctx, workspaceID, userID); err == nil {
		return nil, errs.ErrAlreadyMember
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}

	if s.memberLimit != nil {
		count, err := tx.CountMembers(ctx, workspaceID)
		if err != nil {
			return nil, err
		}
		if err := s.memberLimit(ws, count); err != nil {
			return nil, err
		}
	}

	m := &storage.Membership{WorkspaceID: workspaceID, UserID: userID, Role: role}
	if err := tx.CreateMembership(ctx, m); err != nil {
		return nil, err
	}
	if err := s.audit(ctx, tx, workspaceID, storage.AuditMemberAdded, userID, "role="+string(role)); err != nil {
		return nil, err
	}
	return m, nil
}

// audit records a membership change in the same unit of work as the change
func (s *Service) audit(ctx context.Context, tx storage.Tx, workspaceID int64, action storage.AuditAction, target int64, detail string) error {
	return tx.InsertAuditEntry(ctx, &storage.AuditEntry{
		WorkspaceID:  workspaceID,
		ActorID:      contextkeys.ActorID(ctx),
		Action:       action,
		TargetUserID: &target,
		Detail:       detail,
		CreatedAt:    s.now(),
	})
}

// RemoveMember deletes a membership. It reports false when the user was not
// a member. The owner can never be removed.
func (s *Service) RemoveMember(ctx context.Context, workspaceID, userID int64) (bool, error) {
	removed := false
	err := s.dir.InTx(ctx, func(tx storage.Tx) error {
		ws, err := lockWorkspace(ctx, tx, workspaceID)
		if err != nil {
			return err
		}
		if ws.OwnerID == userID {
			return errs.ErrCannotRemoveOwner
		}

		err = tx.DeleteMembership(ctx, workspaceID, userID)
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		removed = true
		return s.audit(ctx, tx, workspaceID, storage.AuditMemberRemoved, userID, "")
	})
	if err != nil {
		return false, classify(err, "failed to remove member")
	}

	if removed {
		s.logger.WithFields(logrus.Fields{
			"workspace_id": workspaceID,
			"user_id":      userID,
		}).Info("member removed")
	}
	return removed, nil
}

// UpdateMemberRole changes a member's role. It reports false when the user
// is not a member. The owner's role is fixed.
func (s *Service) UpdateMemberRole(ctx context.Context, workspaceID, userID int64, role storage.Role) (bool, error) {
	updated := false
	err := s.dir.InTx(ctx, func(tx storage.Tx) error {
		ws, err := lockWorkspace(ctx, tx, workspaceID)
		if err != nil {
			return err
		}
		if ws.OwnerID == userID {
			return errs.ErrCannotChangeOwnerRole
		}
		if !role.Valid() {
			return errs.ErrInvalidRole
		}

		err = tx.UpdateMembershipRole(ctx, workspaceID, userID, role)
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		updated = true
		return s.audit(ctx, tx, workspaceID, storage.AuditMemberRoleChanged, userID, "role="+string(role))
	})
	if err != nil {
		return false, classify(err, "failed to update member role")
	}
	return updated, nil
}

// AuditLog returns one page of a workspace's audit trail, newest first
func (s *Service) AuditLog(ctx context.Context, workspaceID int64, page storage.Page) ([]storage.AuditEntry, int, error) {
	entries, total, err := s.dir.ListAuditEntries(ctx, workspaceID, page.Normalize())
	if err != nil {
		return nil, 0, errs.Internal(err, "failed to load audit log")
	}
	if entries == nil {
		entries = []storage.AuditEntry{}
	}
	return entries, total, nil
}

// ListMembers returns one page of a workspace's members and the total count
func (s *Service) ListMembers(ctx context.Context, workspaceID int64, page storage.Page) ([]storage.MemberDetail, int, error) {
	members, total, err := s.dir.ListMembershipsByWorkspace(ctx, workspaceID, page.Normalize())
	if err != nil {
		return nil, 0, errs.Internal(err, "failed to list members")
	}
	return members, total, nil
}
