package authz

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bastionhq/bastion/internal/catalog"
	"github.com/bastionhq/bastion/internal/enterprise"
	"github.com/bastionhq/bastion/internal/shared"
)

// StorePort defines the read-only queries the resolver needs. Every check is
// an EXISTS probe; the resolver never loads rows it does not need.
type StorePort interface {
	FindMembershipByUser(ctx context.Context, userID uuid.UUID) (*enterprise.Membership, error)
	HasEnterpriseGrant(ctx context.Context, enterpriseID uuid.UUID, action catalog.Action, resource catalog.Resource, now time.Time) (bool, error)
	HasDirectAssignment(ctx context.Context, userID uuid.UUID, action catalog.Action, resource catalog.Resource, now time.Time) (bool, error)
	HasRolePermission(ctx context.Context, userID, enterpriseID uuid.UUID, action catalog.Action, resource catalog.Resource) (bool, error)

	ListDirectPermissions(ctx context.Context, userID uuid.UUID, now time.Time) ([]catalog.Permission, error)
	ListRolePermissions(ctx context.Context, userID, enterpriseID uuid.UUID) ([]catalog.Permission, error)
	ListEnterprisePermissions(ctx context.Context, enterpriseID uuid.UUID, now time.Time) ([]catalog.Permission, error)
	ListAllPermissions(ctx context.Context) ([]catalog.Permission, error)
}

// Store provides PostgreSQL backed queries for permission resolution.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore constructs a store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

var _ StorePort = (*Store)(nil)

// FindMembershipByUser returns a user's single membership, if any.
func (s *Store) FindMembershipByUser(ctx context.Context, userID uuid.UUID) (*enterprise.Membership, error) {
	var m enterprise.Membership
	err := s.pool.QueryRow(ctx, `SELECT id, user_id, enterprise_id, is_owner, joined_at
FROM memberships WHERE user_id=$1`, userID).
		Scan(&m.ID, &m.UserID, &m.EnterpriseID, &m.IsOwner, &m.JoinedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, shared.ErrNotFound
		}
		return nil, fmt.Errorf("authz: find membership: %w", err)
	}
	return &m, nil
}

// HasEnterpriseGrant reports whether the enterprise holds an unexpired grant
// for the (action, resource) pair.
func (s *Store) HasEnterpriseGrant(ctx context.Context, enterpriseID uuid.UUID, action catalog.Action, resource catalog.Resource, now time.Time) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `SELECT EXISTS (
  SELECT 1 FROM enterprise_permissions g
  JOIN permissions p ON p.id = g.permission_id
  WHERE g.enterprise_id=$1 AND p.action=$2 AND p.resource=$3
    AND (g.expires_at IS NULL OR g.expires_at > $4)
)`, enterpriseID, string(action), string(resource), now).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("authz: enterprise grant check: %w", err)
	}
	return exists, nil
}

// HasDirectAssignment reports whether the user holds an unexpired direct
// assignment for the (action, resource) pair.
func (s *Store) HasDirectAssignment(ctx context.Context, userID uuid.UUID, action catalog.Action, resource catalog.Resource, now time.Time) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `SELECT EXISTS (
  SELECT 1 FROM permission_assignments a
  JOIN permissions p ON p.id = a.permission_id
  WHERE a.user_id=$1 AND p.action=$2 AND p.resource=$3
    AND (a.expires_at IS NULL OR a.expires_at > $4)
)`, userID, string(action), string(resource), now).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("authz: direct assignment check: %w", err)
	}
	return exists, nil
}

// HasRolePermission reports whether any role the user holds carries the
// (action, resource) pair. Role links have no expiry. Custom roles only count
// inside the enterprise that owns them; system roles count anywhere. Links
// left over from a previous membership therefore never authorise.
func (s *Store) HasRolePermission(ctx context.Context, userID, enterpriseID uuid.UUID, action catalog.Action, resource catalog.Resource) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `SELECT EXISTS (
  SELECT 1 FROM user_roles ur
  JOIN roles r ON r.id = ur.role_id
  JOIN role_permissions rp ON rp.role_id = ur.role_id
  JOIN permissions p ON p.id = rp.permission_id
  WHERE ur.user_id=$1 AND p.action=$2 AND p.resource=$3
    AND (r.enterprise_id = $4 OR r.is_system)
)`, userID, string(action), string(resource), enterpriseID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("authz: role permission check: %w", err)
	}
	return exists, nil
}

// ListDirectPermissions returns the user's unexpired direct permissions.
func (s *Store) ListDirectPermissions(ctx context.Context, userID uuid.UUID, now time.Time) ([]catalog.Permission, error) {
	rows, err := s.pool.Query(ctx, `SELECT p.id, p.action, p.resource, p.name, p.description
FROM permission_assignments a JOIN permissions p ON p.id = a.permission_id
WHERE a.user_id=$1 AND (a.expires_at IS NULL OR a.expires_at > $2)
ORDER BY p.resource, p.action`, userID, now)
	if err != nil {
		return nil, fmt.Errorf("authz: list direct permissions: %w", err)
	}
	defer rows.Close()
	return collectPermissions(rows)
}

// ListRolePermissions returns the distinct permissions the user derives from
// system roles and from custom roles of the given enterprise.
func (s *Store) ListRolePermissions(ctx context.Context, userID, enterpriseID uuid.UUID) ([]catalog.Permission, error) {
	rows, err := s.pool.Query(ctx, `SELECT DISTINCT p.id, p.action, p.resource, p.name, p.description
FROM user_roles ur
JOIN roles r ON r.id = ur.role_id
JOIN role_permissions rp ON rp.role_id = ur.role_id
JOIN permissions p ON p.id = rp.permission_id
WHERE ur.user_id=$1 AND (r.enterprise_id = $2 OR r.is_system)
ORDER BY p.resource, p.action`, userID, enterpriseID)
	if err != nil {
		return nil, fmt.Errorf("authz: list role permissions: %w", err)
	}
	defer rows.Close()
	return collectPermissions(rows)
}

// ListEnterprisePermissions returns the enterprise's unexpired grants.
func (s *Store) ListEnterprisePermissions(ctx context.Context, enterpriseID uuid.UUID, now time.Time) ([]catalog.Permission, error) {
	rows, err := s.pool.Query(ctx, `SELECT p.id, p.action, p.resource, p.name, p.description
FROM enterprise_permissions g JOIN permissions p ON p.id = g.permission_id
WHERE g.enterprise_id=$1 AND (g.expires_at IS NULL OR g.expires_at > $2)
ORDER BY p.resource, p.action`, enterpriseID, now)
	if err != nil {
		return nil, fmt.Errorf("authz: list enterprise permissions: %w", err)
	}
	defer rows.Close()
	return collectPermissions(rows)
}

// ListAllPermissions returns the whole catalog, used to render an owner's
// permission set.
func (s *Store) ListAllPermissions(ctx context.Context) ([]catalog.Permission, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, action, resource, name, description
FROM permissions ORDER BY resource, action`)
	if err != nil {
		return nil, fmt.Errorf("authz: list all permissions: %w", err)
	}
	defer rows.Close()
	return collectPermissions(rows)
}

func collectPermissions(rows pgx.Rows) ([]catalog.Permission, error) {
	var perms []catalog.Permission
	for rows.Next() {
		var p catalog.Permission
		if err := rows.Scan(&p.ID, &p.Action, &p.Resource, &p.Name, &p.Description); err != nil {
			return nil, err
		}
		perms = append(perms, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return perms, nil
}
