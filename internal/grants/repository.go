package grants

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bastionhq/bastion/internal/catalog"
	"github.com/bastionhq/bastion/internal/enterprise"
	"github.com/bastionhq/bastion/internal/shared"
)

// RepositoryPort defines data access methods for enterprise grants.
type RepositoryPort interface {
	FindMembershipByUser(ctx context.Context, userID uuid.UUID) (*enterprise.Membership, error)

	GetGrant(ctx context.Context, id uuid.UUID) (*Grant, error)
	FindGrant(ctx context.Context, enterpriseID, permissionID uuid.UUID) (*Grant, error)
	CreateGrant(ctx context.Context, g Grant) error
	DeleteGrant(ctx context.Context, id uuid.UUID) error
	UpdateGrantExpiry(ctx context.Context, id uuid.UUID, expiresAt *time.Time) error
	ListGrants(ctx context.Context, enterpriseID uuid.UUID) ([]GrantView, error)
	ListGrantedPermissionIDs(ctx context.Context, enterpriseID uuid.UUID, permissionIDs []uuid.UUID) ([]uuid.UUID, error)

	ListPermissionsByIDs(ctx context.Context, ids []uuid.UUID) ([]catalog.Permission, error)
	ListAllPermissions(ctx context.Context) ([]catalog.Permission, error)
}

// Repository provides PostgreSQL backed persistence for enterprise grants.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

var _ RepositoryPort = (*Repository)(nil)

// FindMembershipByUser returns a user's single membership, if any.
func (r *Repository) FindMembershipByUser(ctx context.Context, userID uuid.UUID) (*enterprise.Membership, error) {
	var m enterprise.Membership
	err := r.pool.QueryRow(ctx, `SELECT id, user_id, enterprise_id, is_owner, joined_at
FROM memberships WHERE user_id=$1`, userID).
		Scan(&m.ID, &m.UserID, &m.EnterpriseID, &m.IsOwner, &m.JoinedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, shared.ErrNotFound
		}
		return nil, fmt.Errorf("grants: find membership: %w", err)
	}
	return &m, nil
}

// GetGrant fetches a grant by ID.
func (r *Repository) GetGrant(ctx context.Context, id uuid.UUID) (*Grant, error) {
	return scanGrant(r.pool.QueryRow(ctx, `SELECT id, enterprise_id, permission_id, granted_by, granted_at, expires_at
FROM enterprise_permissions WHERE id=$1`, id))
}

// FindGrant fetches the unique grant for an (enterprise, permission) pair.
func (r *Repository) FindGrant(ctx context.Context, enterpriseID, permissionID uuid.UUID) (*Grant, error) {
	return scanGrant(r.pool.QueryRow(ctx, `SELECT id, enterprise_id, permission_id, granted_by, granted_at, expires_at
FROM enterprise_permissions WHERE enterprise_id=$1 AND permission_id=$2`, enterpriseID, permissionID))
}

// CreateGrant inserts a grant row.
func (r *Repository) CreateGrant(ctx context.Context, g Grant) error {
	_, err := r.pool.Exec(ctx, `INSERT INTO enterprise_permissions (id, enterprise_id, permission_id, granted_by, granted_at, expires_at)
VALUES ($1, $2, $3, $4, $5, $6)`, g.ID, g.EnterpriseID, g.PermissionID, g.GrantedBy, g.GrantedAt, g.ExpiresAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("%w: permission already granted to this enterprise", shared.ErrConflict)
		}
		return fmt.Errorf("grants: create grant: %w", err)
	}
	return nil
}

// DeleteGrant removes a grant row.
func (r *Repository) DeleteGrant(ctx context.Context, id uuid.UUID) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM enterprise_permissions WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("grants: delete grant: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

// UpdateGrantExpiry sets or clears a grant's expiration.
func (r *Repository) UpdateGrantExpiry(ctx context.Context, id uuid.UUID, expiresAt *time.Time) error {
	tag, err := r.pool.Exec(ctx, `UPDATE enterprise_permissions SET expires_at=$2 WHERE id=$1`, id, expiresAt)
	if err != nil {
		return fmt.Errorf("grants: update grant expiry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

// ListGrants returns an enterprise's grants with permission details.
func (r *Repository) ListGrants(ctx context.Context, enterpriseID uuid.UUID) ([]GrantView, error) {
	rows, err := r.pool.Query(ctx, `SELECT g.id, g.enterprise_id, g.permission_id, g.granted_by, g.granted_at, g.expires_at,
       p.id, p.action, p.resource, p.name, p.description
FROM enterprise_permissions g JOIN permissions p ON p.id = g.permission_id
WHERE g.enterprise_id=$1 ORDER BY p.resource, p.action`, enterpriseID)
	if err != nil {
		return nil, fmt.Errorf("grants: list grants: %w", err)
	}
	defer rows.Close()

	now := time.Now().UTC()
	var views []GrantView
	for rows.Next() {
		var v GrantView
		if err := rows.Scan(&v.ID, &v.EnterpriseID, &v.PermissionID, &v.GrantedBy, &v.GrantedAt, &v.ExpiresAt,
			&v.Permission.ID, &v.Permission.Action, &v.Permission.Resource, &v.Permission.Name, &v.Permission.Description); err != nil {
			return nil, err
		}
		v.IsExpired = v.Expired(now)
		views = append(views, v)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return views, nil
}

// ListGrantedPermissionIDs returns the subset of permissionIDs the enterprise
// already holds, expired or not.
func (r *Repository) ListGrantedPermissionIDs(ctx context.Context, enterpriseID uuid.UUID, permissionIDs []uuid.UUID) ([]uuid.UUID, error) {
	rows, err := r.pool.Query(ctx, `SELECT permission_id FROM enterprise_permissions
WHERE enterprise_id=$1 AND permission_id = ANY($2)`, enterpriseID, permissionIDs)
	if err != nil {
		return nil, fmt.Errorf("grants: list granted permission ids: %w", err)
	}
	defer rows.Close()
	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return ids, nil
}

// ListPermissionsByIDs fetches catalog rows for the given IDs.
func (r *Repository) ListPermissionsByIDs(ctx context.Context, ids []uuid.UUID) ([]catalog.Permission, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, action, resource, name, description
FROM permissions WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("grants: list permissions by ids: %w", err)
	}
	defer rows.Close()
	return collectPermissions(rows)
}

// ListAllPermissions returns the whole catalog.
func (r *Repository) ListAllPermissions(ctx context.Context) ([]catalog.Permission, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, action, resource, name, description
FROM permissions ORDER BY resource, action`)
	if err != nil {
		return nil, fmt.Errorf("grants: list permissions: %w", err)
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

func scanGrant(row pgx.Row) (*Grant, error) {
	var g Grant
	err := row.Scan(&g.ID, &g.EnterpriseID, &g.PermissionID, &g.GrantedBy, &g.GrantedAt, &g.ExpiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, shared.ErrNotFound
		}
		return nil, fmt.Errorf("grants: scan grant: %w", err)
	}
	return &g, nil
}
