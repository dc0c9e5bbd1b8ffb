package assignments

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

// RepositoryPort defines data access methods for direct assignments.
type RepositoryPort interface {
	FindMembershipByUser(ctx context.Context, userID uuid.UUID) (*enterprise.Membership, error)

	GetAssignment(ctx context.Context, id uuid.UUID) (*Assignment, error)
	FindAssignment(ctx context.Context, userID, permissionID uuid.UUID) (*Assignment, error)
	CreateAssignment(ctx context.Context, a Assignment) error
	DeleteAssignment(ctx context.Context, id uuid.UUID) error
	DeleteAssignmentsByUser(ctx context.Context, userID uuid.UUID) (int64, error)
	UpdateAssignmentExpiry(ctx context.Context, id uuid.UUID, expiresAt *time.Time) error
	ListAssignments(ctx context.Context, userID uuid.UUID) ([]AssignmentView, error)
	ListAssignedPermissionIDs(ctx context.Context, userID uuid.UUID, permissionIDs []uuid.UUID) ([]uuid.UUID, error)
	ListHolders(ctx context.Context, enterpriseID, permissionID uuid.UUID) ([]Holder, error)

	ListPermissionsByIDs(ctx context.Context, ids []uuid.UUID) ([]catalog.Permission, error)
}

// Repository provides PostgreSQL backed persistence for direct assignments.
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
		return nil, fmt.Errorf("assignments: find membership: %w", err)
	}
	return &m, nil
}

// GetAssignment fetches an assignment by ID.
func (r *Repository) GetAssignment(ctx context.Context, id uuid.UUID) (*Assignment, error) {
	return scanAssignment(r.pool.QueryRow(ctx, `SELECT id, user_id, permission_id, granted_by, granted_at, expires_at
FROM permission_assignments WHERE id=$1`, id))
}

// FindAssignment fetches the unique assignment for a (user, permission) pair.
func (r *Repository) FindAssignment(ctx context.Context, userID, permissionID uuid.UUID) (*Assignment, error) {
	return scanAssignment(r.pool.QueryRow(ctx, `SELECT id, user_id, permission_id, granted_by, granted_at, expires_at
FROM permission_assignments WHERE user_id=$1 AND permission_id=$2`, userID, permissionID))
}

// CreateAssignment inserts an assignment row.
func (r *Repository) CreateAssignment(ctx context.Context, a Assignment) error {
	_, err := r.pool.Exec(ctx, `INSERT INTO permission_assignments (id, user_id, permission_id, granted_by, granted_at, expires_at)
VALUES ($1, $2, $3, $4, $5, $6)`, a.ID, a.UserID, a.PermissionID, a.GrantedBy, a.GrantedAt, a.ExpiresAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("%w: user already holds this permission", shared.ErrConflict)
		}
		return fmt.Errorf("assignments: create assignment: %w", err)
	}
	return nil
}

// DeleteAssignment removes an assignment row.
func (r *Repository) DeleteAssignment(ctx context.Context, id uuid.UUID) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM permission_assignments WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("assignments: delete assignment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

// DeleteAssignmentsByUser removes all of a user's direct assignments and
// reports the count.
func (r *Repository) DeleteAssignmentsByUser(ctx context.Context, userID uuid.UUID) (int64, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM permission_assignments WHERE user_id=$1`, userID)
	if err != nil {
		return 0, fmt.Errorf("assignments: delete assignments by user: %w", err)
	}
	return tag.RowsAffected(), nil
}

// UpdateAssignmentExpiry sets or clears an assignment's expiration.
func (r *Repository) UpdateAssignmentExpiry(ctx context.Context, id uuid.UUID, expiresAt *time.Time) error {
	tag, err := r.pool.Exec(ctx, `UPDATE permission_assignments SET expires_at=$2 WHERE id=$1`, id, expiresAt)
	if err != nil {
		return fmt.Errorf("assignments: update assignment expiry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

// ListAssignments returns a user's direct assignments with permission details.
func (r *Repository) ListAssignments(ctx context.Context, userID uuid.UUID) ([]AssignmentView, error) {
	rows, err := r.pool.Query(ctx, `SELECT a.id, a.user_id, a.permission_id, a.granted_by, a.granted_at, a.expires_at,
       p.id, p.action, p.resource, p.name, p.description
FROM permission_assignments a JOIN permissions p ON p.id = a.permission_id
WHERE a.user_id=$1 ORDER BY p.resource, p.action`, userID)
	if err != nil {
		return nil, fmt.Errorf("assignments: list assignments: %w", err)
	}
	defer rows.Close()

	now := time.Now().UTC()
	var views []AssignmentView
	for rows.Next() {
		var v AssignmentView
		if err := rows.Scan(&v.ID, &v.UserID, &v.PermissionID, &v.GrantedBy, &v.GrantedAt, &v.ExpiresAt,
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

// ListAssignedPermissionIDs returns the subset of permissionIDs the user
// already holds directly, expired or not.
func (r *Repository) ListAssignedPermissionIDs(ctx context.Context, userID uuid.UUID, permissionIDs []uuid.UUID) ([]uuid.UUID, error) {
	rows, err := r.pool.Query(ctx, `SELECT permission_id FROM permission_assignments
WHERE user_id=$1 AND permission_id = ANY($2)`, userID, permissionIDs)
	if err != nil {
		return nil, fmt.Errorf("assignments: list assigned permission ids: %w", err)
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

// ListHolders returns the enterprise's members holding a permission directly.
func (r *Repository) ListHolders(ctx context.Context, enterpriseID, permissionID uuid.UUID) ([]Holder, error) {
	rows, err := r.pool.Query(ctx, `SELECT a.user_id, u.email, a.granted_at, a.expires_at
FROM permission_assignments a
JOIN memberships m ON m.user_id = a.user_id AND m.enterprise_id = $1
JOIN users u ON u.id = a.user_id
WHERE a.permission_id = $2 ORDER BY a.granted_at`, enterpriseID, permissionID)
	if err != nil {
		return nil, fmt.Errorf("assignments: list holders: %w", err)
	}
	defer rows.Close()
	var holders []Holder
	for rows.Next() {
		var h Holder
		if err := rows.Scan(&h.UserID, &h.Email, &h.GrantedAt, &h.ExpiresAt); err != nil {
			return nil, err
		}
		holders = append(holders, h)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return holders, nil
}

// ListPermissionsByIDs fetches catalog rows for the given IDs.
func (r *Repository) ListPermissionsByIDs(ctx context.Context, ids []uuid.UUID) ([]catalog.Permission, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, action, resource, name, description
FROM permissions WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("assignments: list permissions by ids: %w", err)
	}
	defer rows.Close()
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

func scanAssignment(row pgx.Row) (*Assignment, error) {
	var a Assignment
	err := row.Scan(&a.ID, &a.UserID, &a.PermissionID, &a.GrantedBy, &a.GrantedAt, &a.ExpiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, shared.ErrNotFound
		}
		return nil, fmt.Errorf("assignments: scan assignment: %w", err)
	}
	return &a, nil
}
