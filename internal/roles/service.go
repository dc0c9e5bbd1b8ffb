package roles

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/bastionhq/bastion/internal/audit"
	"github.com/bastionhq/bastion/internal/enterprise"
	"github.com/bastionhq/bastion/internal/shared"
)

// Service manages custom roles and role membership. System roles are
// read-only; every mutation checks the flag before touching the row.
type Service struct {
	repo   RepositoryPort
	sink   audit.Sink
	logger *slog.Logger
}

// NewService builds Service instance.
func NewService(repo RepositoryPort, sink audit.Sink, logger *slog.Logger) *Service {
	return &Service{repo: repo, sink: sink, logger: logger}
}

func (s *Service) requireOwner(ctx context.Context, userID uuid.UUID) (*enterprise.Membership, error) {
	m, err := s.repo.FindMembershipByUser(ctx, userID)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			return nil, fmt.Errorf("%w: you do not belong to an enterprise", shared.ErrForbidden)
		}
		return nil, err
	}
	if !m.IsOwner {
		return nil, fmt.Errorf("%w: only the owner may manage roles", shared.ErrForbidden)
	}
	return m, nil
}

// ownedCustomRole fetches a role and checks it is a custom role of the
// owner's enterprise.
func (s *Service) ownedCustomRole(ctx context.Context, owner *enterprise.Membership, roleID uuid.UUID) (*Role, error) {
	role, err := s.repo.GetRole(ctx, roleID)
	if err != nil {
		return nil, err
	}
	if role.IsSystem {
		return nil, fmt.Errorf("%w: system roles cannot be modified", shared.ErrForbidden)
	}
	if role.EnterpriseID == nil || *role.EnterpriseID != owner.EnterpriseID {
		return nil, fmt.Errorf("%w: role belongs to another enterprise", shared.ErrForbidden)
	}
	return role, nil
}

// CreateInput carries the fields for role creation.
type CreateInput struct {
	Name          string
	Description   string
	PermissionIDs []uuid.UUID
}

// Create makes a custom role, optionally pre-loading permissions.
func (s *Service) Create(ctx context.Context, actorID uuid.UUID, input CreateInput) (*RoleView, error) {
	owner, err := s.requireOwner(ctx, actorID)
	if err != nil {
		return nil, err
	}
	name := strings.TrimSpace(input.Name)
	if name == "" {
		return nil, errors.New("roles: name required")
	}
	if len(input.PermissionIDs) > 0 {
		perms, err := s.repo.ListPermissionsByIDs(ctx, input.PermissionIDs)
		if err != nil {
			return nil, err
		}
		if len(perms) != len(input.PermissionIDs) {
			return nil, fmt.Errorf("%w: one or more permissions not found", shared.ErrNotFound)
		}
	}

	now := time.Now().UTC()
	role := Role{
		ID:           uuid.New(),
		EnterpriseID: &owner.EnterpriseID,
		Name:         name,
		Description:  strings.TrimSpace(input.Description),
		IsSystem:     false,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.repo.CreateRole(ctx, role); err != nil {
		return nil, err
	}
	for _, pid := range input.PermissionIDs {
		if err := s.repo.AddRolePermission(ctx, role.ID, pid); err != nil && !errors.Is(err, shared.ErrConflict) {
			return nil, err
		}
	}
	perms, err := s.repo.ListRolePermissions(ctx, role.ID)
	if err != nil {
		return nil, err
	}

	s.record(ctx, actorID, audit.ActionRoleCreate, role.ID, map[string]any{"name": role.Name})
	return &RoleView{Role: role, Permissions: perms}, nil
}

// Update renames or re-describes a custom role.
func (s *Service) Update(ctx context.Context, actorID, roleID uuid.UUID, name, description *string) (*Role, error) {
	owner, err := s.requireOwner(ctx, actorID)
	if err != nil {
		return nil, err
	}
	role, err := s.ownedCustomRole(ctx, owner, roleID)
	if err != nil {
		return nil, err
	}
	if name != nil {
		role.Name = strings.TrimSpace(*name)
	}
	if description != nil {
		role.Description = strings.TrimSpace(*description)
	}
	if err := s.repo.UpdateRole(ctx, role); err != nil {
		return nil, err
	}
	s.record(ctx, actorID, audit.ActionRoleUpdate, role.ID, nil)
	return role, nil
}

// Delete removes a custom role; links to users and permissions go with it.
func (s *Service) Delete(ctx context.Context, actorID, roleID uuid.UUID) error {
	owner, err := s.requireOwner(ctx, actorID)
	if err != nil {
		return err
	}
	role, err := s.ownedCustomRole(ctx, owner, roleID)
	if err != nil {
		return err
	}
	if err := s.repo.DeleteRole(ctx, roleID); err != nil {
		return err
	}
	s.record(ctx, actorID, audit.ActionRoleDelete, role.ID, map[string]any{"name": role.Name})
	return nil
}

// List returns the roles visible to the caller's enterprise.
func (s *Service) List(ctx context.Context, actorID uuid.UUID) ([]RoleView, error) {
	m, err := s.repo.FindMembershipByUser(ctx, actorID)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			return nil, fmt.Errorf("%w: you do not belong to an enterprise", shared.ErrForbidden)
		}
		return nil, err
	}
	return s.repo.ListRoles(ctx, m.EnterpriseID)
}

// AddPermission links a permission to a custom role. Role-derived access
// carries no expiry.
func (s *Service) AddPermission(ctx context.Context, actorID, roleID, permissionID uuid.UUID) error {
	owner, err := s.requireOwner(ctx, actorID)
	if err != nil {
		return err
	}
	if _, err := s.ownedCustomRole(ctx, owner, roleID); err != nil {
		return err
	}
	perms, err := s.repo.ListPermissionsByIDs(ctx, []uuid.UUID{permissionID})
	if err != nil {
		return err
	}
	if len(perms) == 0 {
		return fmt.Errorf("%w: permission not found", shared.ErrNotFound)
	}
	if err := s.repo.AddRolePermission(ctx, roleID, permissionID); err != nil {
		return err
	}
	s.record(ctx, actorID, audit.ActionRolePermissionAdd, roleID, map[string]any{"permission": perms[0].Name})
	return nil
}

// RemovePermission unlinks a permission from a custom role.
func (s *Service) RemovePermission(ctx context.Context, actorID, roleID, permissionID uuid.UUID) error {
	owner, err := s.requireOwner(ctx, actorID)
	if err != nil {
		return err
	}
	if _, err := s.ownedCustomRole(ctx, owner, roleID); err != nil {
		return err
	}
	if err := s.repo.RemoveRolePermission(ctx, roleID, permissionID); err != nil {
		return err
	}
	s.record(ctx, actorID, audit.ActionRolePermissionRemove, roleID, map[string]any{"permission": permissionID.String()})
	return nil
}

// AssignToUser gives a member a role. The role must be a system role or a
// custom role of the owner's enterprise, and the member must be in the same
// enterprise.
func (s *Service) AssignToUser(ctx context.Context, actorID, roleID, targetID uuid.UUID) (*UserRole, error) {
	owner, err := s.requireOwner(ctx, actorID)
	if err != nil {
		return nil, err
	}
	role, err := s.repo.GetRole(ctx, roleID)
	if err != nil {
		return nil, err
	}
	if !role.IsSystem && (role.EnterpriseID == nil || *role.EnterpriseID != owner.EnterpriseID) {
		return nil, fmt.Errorf("%w: role belongs to another enterprise", shared.ErrForbidden)
	}
	target, err := s.repo.FindMembershipByUser(ctx, targetID)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			return nil, fmt.Errorf("%w: user does not belong to an enterprise", shared.ErrNotFound)
		}
		return nil, err
	}
	if target.EnterpriseID != owner.EnterpriseID {
		return nil, fmt.Errorf("%w: user does not belong to your enterprise", shared.ErrForbidden)
	}

	ur := UserRole{
		ID:         uuid.New(),
		UserID:     targetID,
		RoleID:     roleID,
		AssignedBy: actorID,
		AssignedAt: time.Now().UTC(),
	}
	if err := s.repo.CreateUserRole(ctx, ur); err != nil {
		return nil, err
	}
	s.record(ctx, actorID, audit.ActionRoleAssign, roleID, map[string]any{"userId": targetID.String()})
	return &ur, nil
}

// RemoveFromUser takes a role away from a member.
func (s *Service) RemoveFromUser(ctx context.Context, actorID, roleID, targetID uuid.UUID) error {
	owner, err := s.requireOwner(ctx, actorID)
	if err != nil {
		return err
	}
	target, err := s.repo.FindMembershipByUser(ctx, targetID)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			return fmt.Errorf("%w: user does not belong to an enterprise", shared.ErrNotFound)
		}
		return err
	}
	if target.EnterpriseID != owner.EnterpriseID {
		return fmt.Errorf("%w: user does not belong to your enterprise", shared.ErrForbidden)
	}
	if err := s.repo.DeleteUserRole(ctx, targetID, roleID); err != nil {
		return err
	}
	s.record(ctx, actorID, audit.ActionRoleRemove, roleID, map[string]any{"userId": targetID.String()})
	return nil
}

// MyRoles returns the caller's roles with permission sets.
func (s *Service) MyRoles(ctx context.Context, actorID uuid.UUID) ([]RoleView, error) {
	return s.repo.ListUserRoles(ctx, actorID)
}

// UserRoles returns another member's roles. The owner may inspect anyone in
// the enterprise.
func (s *Service) UserRoles(ctx context.Context, actorID, targetID uuid.UUID) ([]RoleView, error) {
	if actorID == targetID {
		return s.MyRoles(ctx, actorID)
	}
	owner, err := s.requireOwner(ctx, actorID)
	if err != nil {
		return nil, err
	}
	target, err := s.repo.FindMembershipByUser(ctx, targetID)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			return nil, fmt.Errorf("%w: user does not belong to an enterprise", shared.ErrNotFound)
		}
		return nil, err
	}
	if target.EnterpriseID != owner.EnterpriseID {
		return nil, fmt.Errorf("%w: user does not belong to your enterprise", shared.ErrForbidden)
	}
	return s.repo.ListUserRoles(ctx, targetID)
}

func (s *Service) record(ctx context.Context, actorID uuid.UUID, action string, roleID uuid.UUID, changes map[string]any) {
	if s.sink == nil {
		return
	}
	err := s.sink.Record(ctx, audit.Entry{
		ActorID:    actorID,
		Action:     action,
		Resource:   "ROLES",
		ResourceID: roleID.String(),
		Changes:    changes,
	})
	if err != nil && s.logger != nil {
		s.logger.Warn("audit record failed", slog.Any("error", err))
	}
}
