package assignments

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/bastionhq/bastion/internal/audit"
	"github.com/bastionhq/bastion/internal/catalog"
	"github.com/bastionhq/bastion/internal/enterprise"
	"github.com/bastionhq/bastion/internal/shared"
)

// Service manages permissions granted directly to individual users. All
// mutations require the enterprise owner, and both actor and target must
// belong to the same enterprise.
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
		return nil, fmt.Errorf("%w: only the owner may manage user permissions", shared.ErrForbidden)
	}
	return m, nil
}

// requireSameEnterprise resolves the target's membership and checks it is in
// the owner's enterprise. A user with no membership at all is NotFound; a
// member of another enterprise is Forbidden.
func (s *Service) requireSameEnterprise(ctx context.Context, owner *enterprise.Membership, targetID uuid.UUID) (*enterprise.Membership, error) {
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
	return target, nil
}

// Assign grants a permission directly to one member.
func (s *Service) Assign(ctx context.Context, actorID, targetID, permissionID uuid.UUID, expiresAt *time.Time) (*Assignment, error) {
	owner, err := s.requireOwner(ctx, actorID)
	if err != nil {
		return nil, err
	}
	if _, err := s.requireSameEnterprise(ctx, owner, targetID); err != nil {
		return nil, err
	}
	perms, err := s.repo.ListPermissionsByIDs(ctx, []uuid.UUID{permissionID})
	if err != nil {
		return nil, err
	}
	if len(perms) == 0 {
		return nil, fmt.Errorf("%w: permission not found", shared.ErrNotFound)
	}
	if _, err := s.repo.FindAssignment(ctx, targetID, permissionID); err == nil {
		return nil, fmt.Errorf("%w: user already holds this permission", shared.ErrConflict)
	} else if !errors.Is(err, shared.ErrNotFound) {
		return nil, err
	}

	a := Assignment{
		ID:           uuid.New(),
		UserID:       targetID,
		PermissionID: permissionID,
		GrantedBy:    actorID,
		GrantedAt:    time.Now().UTC(),
		ExpiresAt:    expiresAt,
	}
	if err := s.repo.CreateAssignment(ctx, a); err != nil {
		return nil, err
	}
	s.record(ctx, actorID, audit.ActionPermissionGrant, targetID, perms[0].Name)
	return &a, nil
}

// BulkAssign grants several permissions to one member. Permissions the user
// already holds are skipped; the result lists both sets. The call conflicts
// when every requested permission was already held and grants nothing when
// any requested ID is unknown.
func (s *Service) BulkAssign(ctx context.Context, actorID, targetID uuid.UUID, permissionIDs []uuid.UUID, expiresAt *time.Time) (*BulkResult, error) {
	if len(permissionIDs) == 0 {
		return nil, errors.New("assignments: no permissions given")
	}
	owner, err := s.requireOwner(ctx, actorID)
	if err != nil {
		return nil, err
	}
	if _, err := s.requireSameEnterprise(ctx, owner, targetID); err != nil {
		return nil, err
	}

	unique := dedupe(permissionIDs)
	perms, err := s.repo.ListPermissionsByIDs(ctx, unique)
	if err != nil {
		return nil, err
	}
	if len(perms) != len(unique) {
		return nil, fmt.Errorf("%w: one or more permissions not found", shared.ErrNotFound)
	}

	held, err := s.repo.ListAssignedPermissionIDs(ctx, targetID, unique)
	if err != nil {
		return nil, err
	}
	heldSet := make(map[uuid.UUID]struct{}, len(held))
	for _, id := range held {
		heldSet[id] = struct{}{}
	}

	result := &BulkResult{}
	now := time.Now().UTC()
	for _, id := range unique {
		if _, ok := heldSet[id]; ok {
			result.Skipped = append(result.Skipped, id)
			continue
		}
		a := Assignment{
			ID:           uuid.New(),
			UserID:       targetID,
			PermissionID: id,
			GrantedBy:    actorID,
			GrantedAt:    now,
			ExpiresAt:    expiresAt,
		}
		if err := s.repo.CreateAssignment(ctx, a); err != nil {
			if errors.Is(err, shared.ErrConflict) {
				result.Skipped = append(result.Skipped, id)
				continue
			}
			return nil, err
		}
		result.Assigned = append(result.Assigned, id)
	}
	if len(result.Assigned) == 0 {
		return nil, fmt.Errorf("%w: user already holds all requested permissions", shared.ErrConflict)
	}

	s.record(ctx, actorID, audit.ActionPermissionGrant, targetID, fmt.Sprintf("bulk:%d", len(result.Assigned)))
	return result, nil
}

// Revoke removes one direct assignment.
func (s *Service) Revoke(ctx context.Context, actorID, assignmentID uuid.UUID) error {
	owner, err := s.requireOwner(ctx, actorID)
	if err != nil {
		return err
	}
	a, err := s.repo.GetAssignment(ctx, assignmentID)
	if err != nil {
		return err
	}
	if _, err := s.requireSameEnterprise(ctx, owner, a.UserID); err != nil {
		return err
	}
	if err := s.repo.DeleteAssignment(ctx, assignmentID); err != nil {
		return err
	}
	s.record(ctx, actorID, audit.ActionPermissionRevoke, a.UserID, a.PermissionID.String())
	return nil
}

// RevokeAll removes every direct assignment a member holds and reports the
// count removed.
func (s *Service) RevokeAll(ctx context.Context, actorID, targetID uuid.UUID) (int64, error) {
	owner, err := s.requireOwner(ctx, actorID)
	if err != nil {
		return 0, err
	}
	if _, err := s.requireSameEnterprise(ctx, owner, targetID); err != nil {
		return 0, err
	}
	removed, err := s.repo.DeleteAssignmentsByUser(ctx, targetID)
	if err != nil {
		return 0, err
	}
	s.record(ctx, actorID, audit.ActionPermissionRevoke, targetID, fmt.Sprintf("all:%d", removed))
	return removed, nil
}

// UpdateExpiration sets or clears a direct assignment's expiry.
func (s *Service) UpdateExpiration(ctx context.Context, actorID, assignmentID uuid.UUID, expiresAt *time.Time) (*Assignment, error) {
	owner, err := s.requireOwner(ctx, actorID)
	if err != nil {
		return nil, err
	}
	a, err := s.repo.GetAssignment(ctx, assignmentID)
	if err != nil {
		return nil, err
	}
	if _, err := s.requireSameEnterprise(ctx, owner, a.UserID); err != nil {
		return nil, err
	}
	if err := s.repo.UpdateAssignmentExpiry(ctx, assignmentID, expiresAt); err != nil {
		return nil, err
	}
	a.ExpiresAt = expiresAt
	s.record(ctx, actorID, audit.ActionPermissionUpdate, a.UserID, a.PermissionID.String())
	return a, nil
}

// UserPermissions returns a member's direct assignments grouped by resource.
// The owner may inspect anyone in the enterprise; members see only their own.
func (s *Service) UserPermissions(ctx context.Context, actorID, targetID uuid.UUID) (map[catalog.Resource][]AssignmentView, error) {
	if actorID != targetID {
		owner, err := s.requireOwner(ctx, actorID)
		if err != nil {
			return nil, err
		}
		if _, err := s.requireSameEnterprise(ctx, owner, targetID); err != nil {
			return nil, err
		}
	}
	views, err := s.repo.ListAssignments(ctx, targetID)
	if err != nil {
		return nil, err
	}
	grouped := make(map[catalog.Resource][]AssignmentView)
	for _, v := range views {
		grouped[v.Permission.Resource] = append(grouped[v.Permission.Resource], v)
	}
	return grouped, nil
}

// CopyPermissions duplicates one member's direct assignments onto another,
// skipping any the target already holds. Expiry dates carry over.
func (s *Service) CopyPermissions(ctx context.Context, actorID, fromID, toID uuid.UUID) (*BulkResult, error) {
	if fromID == toID {
		return nil, fmt.Errorf("%w: source and target are the same user", shared.ErrConflict)
	}
	owner, err := s.requireOwner(ctx, actorID)
	if err != nil {
		return nil, err
	}
	if _, err := s.requireSameEnterprise(ctx, owner, fromID); err != nil {
		return nil, err
	}
	if _, err := s.requireSameEnterprise(ctx, owner, toID); err != nil {
		return nil, err
	}

	source, err := s.repo.ListAssignments(ctx, fromID)
	if err != nil {
		return nil, err
	}
	if len(source) == 0 {
		return nil, fmt.Errorf("%w: source user has no direct permissions", shared.ErrNotFound)
	}

	result := &BulkResult{}
	now := time.Now().UTC()
	for _, v := range source {
		a := Assignment{
			ID:           uuid.New(),
			UserID:       toID,
			PermissionID: v.PermissionID,
			GrantedBy:    actorID,
			GrantedAt:    now,
			ExpiresAt:    v.ExpiresAt,
		}
		if err := s.repo.CreateAssignment(ctx, a); err != nil {
			if errors.Is(err, shared.ErrConflict) {
				result.Skipped = append(result.Skipped, v.PermissionID)
				continue
			}
			return nil, err
		}
		result.Assigned = append(result.Assigned, v.PermissionID)
	}

	s.record(ctx, actorID, audit.ActionPermissionGrant, toID, fmt.Sprintf("copy:%d", len(result.Assigned)))
	return result, nil
}

// UsersWithPermission lists the enterprise members holding a permission
// directly. Owner only.
func (s *Service) UsersWithPermission(ctx context.Context, actorID, permissionID uuid.UUID) ([]Holder, error) {
	owner, err := s.requireOwner(ctx, actorID)
	if err != nil {
		return nil, err
	}
	perms, err := s.repo.ListPermissionsByIDs(ctx, []uuid.UUID{permissionID})
	if err != nil {
		return nil, err
	}
	if len(perms) == 0 {
		return nil, fmt.Errorf("%w: permission not found", shared.ErrNotFound)
	}
	return s.repo.ListHolders(ctx, owner.EnterpriseID, permissionID)
}

func (s *Service) record(ctx context.Context, actorID uuid.UUID, action string, targetID uuid.UUID, detail string) {
	if s.sink == nil {
		return
	}
	err := s.sink.Record(ctx, audit.Entry{
		ActorID:    actorID,
		Action:     action,
		Resource:   "PERMISSIONS",
		ResourceID: targetID.String(),
		Changes:    map[string]any{"permission": detail},
	})
	if err != nil && s.logger != nil {
		s.logger.Warn("audit record failed", slog.Any("error", err))
	}
}

func dedupe(ids []uuid.UUID) []uuid.UUID {
	seen := make(map[uuid.UUID]struct{}, len(ids))
	out := make([]uuid.UUID, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
