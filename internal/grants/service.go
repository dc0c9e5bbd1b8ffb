package grants

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

// Service manages enterprise-wide permission grants. Mutations require the
// enterprise owner; listing is open to any member.
type Service struct {
	repo   RepositoryPort
	sink   audit.Sink
	logger *slog.Logger
}

// NewService builds Service instance.
func NewService(repo RepositoryPort, sink audit.Sink, logger *slog.Logger) *Service {
	return &Service{repo: repo, sink: sink, logger: logger}
}

func (s *Service) membership(ctx context.Context, userID uuid.UUID) (*enterprise.Membership, error) {
	m, err := s.repo.FindMembershipByUser(ctx, userID)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			return nil, fmt.Errorf("%w: you do not belong to an enterprise", shared.ErrForbidden)
		}
		return nil, err
	}
	return m, nil
}

func (s *Service) requireOwner(ctx context.Context, userID uuid.UUID) (*enterprise.Membership, error) {
	m, err := s.membership(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !m.IsOwner {
		return nil, fmt.Errorf("%w: only the owner may manage enterprise permissions", shared.ErrForbidden)
	}
	return m, nil
}

// Assign grants a single permission to the owner's enterprise.
func (s *Service) Assign(ctx context.Context, actorID, permissionID uuid.UUID, expiresAt *time.Time) (*Grant, error) {
	m, err := s.requireOwner(ctx, actorID)
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
	if _, err := s.repo.FindGrant(ctx, m.EnterpriseID, permissionID); err == nil {
		return nil, fmt.Errorf("%w: permission already granted to this enterprise", shared.ErrConflict)
	} else if !errors.Is(err, shared.ErrNotFound) {
		return nil, err
	}

	g := Grant{
		ID:           uuid.New(),
		EnterpriseID: m.EnterpriseID,
		PermissionID: permissionID,
		GrantedBy:    actorID,
		GrantedAt:    time.Now().UTC(),
		ExpiresAt:    expiresAt,
	}
	if err := s.repo.CreateGrant(ctx, g); err != nil {
		return nil, err
	}
	s.record(ctx, actorID, audit.ActionPermissionGrant, perms[0].Name, g.ID.String())
	return &g, nil
}

// BulkAssign grants several permissions at once. Permissions the enterprise
// already holds are skipped rather than failing the batch; the result lists
// both sets. When every requested permission was already held the call
// conflicts, and when any requested ID is unknown nothing is granted.
func (s *Service) BulkAssign(ctx context.Context, actorID uuid.UUID, permissionIDs []uuid.UUID, expiresAt *time.Time) (*BulkResult, error) {
	if len(permissionIDs) == 0 {
		return nil, errors.New("grants: no permissions given")
	}
	m, err := s.requireOwner(ctx, actorID)
	if err != nil {
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

	held, err := s.repo.ListGrantedPermissionIDs(ctx, m.EnterpriseID, unique)
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
		g := Grant{
			ID:           uuid.New(),
			EnterpriseID: m.EnterpriseID,
			PermissionID: id,
			GrantedBy:    actorID,
			GrantedAt:    now,
			ExpiresAt:    expiresAt,
		}
		if err := s.repo.CreateGrant(ctx, g); err != nil {
			// Lost a race with a concurrent grant; treat as already held.
			if errors.Is(err, shared.ErrConflict) {
				result.Skipped = append(result.Skipped, id)
				continue
			}
			return nil, err
		}
		result.Assigned = append(result.Assigned, id)
	}
	if len(result.Assigned) == 0 {
		return nil, fmt.Errorf("%w: all requested permissions are already granted", shared.ErrConflict)
	}

	s.record(ctx, actorID, audit.ActionPermissionGrant, fmt.Sprintf("bulk:%d", len(result.Assigned)), m.EnterpriseID.String())
	return result, nil
}

// Revoke removes a grant from the owner's enterprise.
func (s *Service) Revoke(ctx context.Context, actorID, grantID uuid.UUID) error {
	m, err := s.requireOwner(ctx, actorID)
	if err != nil {
		return err
	}
	g, err := s.repo.GetGrant(ctx, grantID)
	if err != nil {
		return err
	}
	if g.EnterpriseID != m.EnterpriseID {
		return fmt.Errorf("%w: grant belongs to another enterprise", shared.ErrForbidden)
	}
	if err := s.repo.DeleteGrant(ctx, grantID); err != nil {
		return err
	}
	s.record(ctx, actorID, audit.ActionPermissionRevoke, g.PermissionID.String(), grantID.String())
	return nil
}

// UpdateExpiration sets or clears a grant's expiry. A nil expiresAt makes the
// grant permanent.
func (s *Service) UpdateExpiration(ctx context.Context, actorID, grantID uuid.UUID, expiresAt *time.Time) (*Grant, error) {
	m, err := s.requireOwner(ctx, actorID)
	if err != nil {
		return nil, err
	}
	g, err := s.repo.GetGrant(ctx, grantID)
	if err != nil {
		return nil, err
	}
	if g.EnterpriseID != m.EnterpriseID {
		return nil, fmt.Errorf("%w: grant belongs to another enterprise", shared.ErrForbidden)
	}
	if err := s.repo.UpdateGrantExpiry(ctx, grantID, expiresAt); err != nil {
		return nil, err
	}
	g.ExpiresAt = expiresAt
	s.record(ctx, actorID, audit.ActionPermissionUpdate, g.PermissionID.String(), grantID.String())
	return g, nil
}

// List returns the caller's enterprise grants, expired ones flagged.
func (s *Service) List(ctx context.Context, actorID uuid.UUID) ([]GrantView, error) {
	m, err := s.membership(ctx, actorID)
	if err != nil {
		return nil, err
	}
	return s.repo.ListGrants(ctx, m.EnterpriseID)
}

// Available returns the catalog entries not yet granted to the owner's
// enterprise, grouped by resource.
func (s *Service) Available(ctx context.Context, actorID uuid.UUID) (map[catalog.Resource][]catalog.Permission, error) {
	m, err := s.requireOwner(ctx, actorID)
	if err != nil {
		return nil, err
	}
	all, err := s.repo.ListAllPermissions(ctx)
	if err != nil {
		return nil, err
	}
	ids := make([]uuid.UUID, len(all))
	for i, p := range all {
		ids[i] = p.ID
	}
	held, err := s.repo.ListGrantedPermissionIDs(ctx, m.EnterpriseID, ids)
	if err != nil {
		return nil, err
	}
	heldSet := make(map[uuid.UUID]struct{}, len(held))
	for _, id := range held {
		heldSet[id] = struct{}{}
	}
	var remaining []catalog.Permission
	for _, p := range all {
		if _, ok := heldSet[p.ID]; !ok {
			remaining = append(remaining, p)
		}
	}
	return catalog.GroupByResource(remaining), nil
}

func (s *Service) record(ctx context.Context, actorID uuid.UUID, action, detail, resourceID string) {
	if s.sink == nil {
		return
	}
	err := s.sink.Record(ctx, audit.Entry{
		ActorID:    actorID,
		Action:     action,
		Resource:   "PERMISSIONS",
		ResourceID: resourceID,
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
