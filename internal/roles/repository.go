package roles

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bastionhq/bastion/internal/catalog"
	"github.com/bastionhq/bastion/internal/enterprise"
	"github.com/bastionhq/bastion/internal/shared"
)

// RepositoryPort defines data access methods for roles.
type RepositoryPort interface {
	FindMembershipByUser(ctx context.Context, userID uuid.UUID) (*enterprise.Membership, error)

	GetRole(ctx context.Context, id uuid.UUID) (*Role, error)
	CreateRole(ctx context.Context, r Role) error
	UpdateRole(ctx context.Context, r *Role) error
	DeleteRole(ctx context.Context, id uuid.UUID) error
	ListRoles(ctx context.Context, enterpriseID uuid.UUID) ([]RoleView, error)

	AddRolePermission(ctx context.Context, roleID, permissionID uuid.UUID) error
	RemoveRolePermission(ctx context.Context, roleID, permissionID uuid.UUID) error
	ListRolePermissions(ctx context.Context, roleID uuid.UUID) ([]catalog.Permission, error)

	CreateUserRole(ctx context.Context, ur UserRole) error
	DeleteUserRole(ctx context.Context, userID, roleID uuid.UUID) error
	ListUserRoles(ctx context.Context, userID uuid.UUID) ([]RoleView, error)

	ListPermissionsByIDs(ctx context.Context, ids []uuid.UUID) ([]catalog.Permission, error)
}

// Repository provides PostgreSQL backed persistence for roles.
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
		return nil, fmt.Errorf("roles: find membership: %w", err)
	}
	return &m, nil
}

// GetRole fetches a role by ID.
func (r *Repository) GetRole(ctx context.Context, id uuid.UUID) (*Role, error) {
	var role Role
	err := r.pool.QueryRow(ctx, `SELECT id, enterprise_id, name, description, is_system, created_at, updated_at
FROM roles WHERE id=$1`, id).
		Scan(&role.ID, &role.EnterpriseID, &role.Name, &role.Description, &role.IsSystem, &role.CreatedAt, &role.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, shared.ErrNotFound
		}
		return nil, fmt.Errorf("roles: get role: %w", err)
	}
	return &role, nil
}

// CreateRole inserts a role row. Names are unique per enterprise.
func (r *Repository) CreateRole(ctx context.Context, role Role) error {
	_, err := r.pool.Exec(ctx, `INSERT INTO roles (id, enterprise_id, name, description, is_system)
VALUES ($1, $2, $3, $4, $5)`, role.ID, role.EnterpriseID, role.Name, role.Description, role.IsSystem)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: a role with that name already exists", shared.ErrConflict)
		}
		return fmt.Errorf("roles: create role: %w", err)
	}
	return nil
}

// UpdateRole persists name/description changes.
func (r *Repository) UpdateRole(ctx context.Context, role *Role) error {
	tag, err := r.pool.Exec(ctx, `UPDATE roles SET name=$2, description=$3, updated_at=NOW() WHERE id=$1`,
		role.ID, role.Name, role.Description)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: a role with that name already exists", shared.ErrConflict)
		}
		return fmt.Errorf("roles: update role: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

// DeleteRole removes a role; role_permissions and user_roles rows cascade.
func (r *Repository) DeleteRole(ctx context.Context, id uuid.UUID) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM roles WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("roles: delete role: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

// ListRoles returns system roles plus the enterprise's custom roles, each
// with its permission set.
func (r *Repository) ListRoles(ctx context.Context, enterpriseID uuid.UUID) ([]RoleView, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, enterprise_id, name, description, is_system, created_at, updated_at
FROM roles WHERE is_system OR enterprise_id=$1 ORDER BY is_system DESC, name`, enterpriseID)
	if err != nil {
		return nil, fmt.Errorf("roles: list roles: %w", err)
	}
	defer rows.Close()

	var views []RoleView
	for rows.Next() {
		var v RoleView
		if err := rows.Scan(&v.ID, &v.EnterpriseID, &v.Name, &v.Description, &v.IsSystem, &v.CreatedAt, &v.UpdatedAt); err != nil {
			return nil, err
		}
		views = append(views, v)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range views {
		perms, err := r.ListRolePermissions(ctx, views[i].ID)
		if err != nil {
			return nil, err
		}
		views[i].Permissions = perms
	}
	return views, nil
}

// AddRolePermission links a permission to a role.
func (r *Repository) AddRolePermission(ctx context.Context, roleID, permissionID uuid.UUID) error {
	_, err := r.pool.Exec(ctx, `INSERT INTO role_permissions (role_id, permission_id) VALUES ($1, $2)`, roleID, permissionID)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: role already has this permission", shared.ErrConflict)
		}
		return fmt.Errorf("roles: add role permission: %w", err)
	}
	return nil
}

// RemoveRolePermission unlinks a permission from a role.
func (r *Repository) RemoveRolePermission(ctx context.Context, roleID, permissionID uuid.UUID) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM role_permissions WHERE role_id=$1 AND permission_id=$2`, roleID, permissionID)
	if err != nil {
		return fmt.Errorf("roles: remove role permission: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: role does not have this permission", shared.ErrNotFound)
	}
	return nil
}

// ListRolePermissions returns a role's permission set.
func (r *Repository) ListRolePermissions(ctx context.Context, roleID uuid.UUID) ([]catalog.Permission, error) {
	rows, err := r.pool.Query(ctx, `SELECT p.id, p.action, p.resource, p.name, p.description
FROM role_permissions rp JOIN permissions p ON p.id = rp.permission_id
WHERE rp.role_id=$1 ORDER BY p.resource, p.action`, roleID)
	if err != nil {
		return nil, fmt.Errorf("roles: list role permissions: %w", err)
	}
	defer rows.Close()
	return collectPermissions(rows)
}

// CreateUserRole links a member to a role.
func (r *Repository) CreateUserRole(ctx context.Context, ur UserRole) error {
	_, err := r.pool.Exec(ctx, `INSERT INTO user_roles (id, user_id, role_id, assigned_by, assigned_at)
VALUES ($1, $2, $3, $4, $5)`, ur.ID, ur.UserID, ur.RoleID, ur.AssignedBy, ur.AssignedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: user already has this role", shared.ErrConflict)
		}
		return fmt.Errorf("roles: create user role: %w", err)
	}
	return nil
}

// DeleteUserRole removes a member's role link.
func (r *Repository) DeleteUserRole(ctx context.Context, userID, roleID uuid.UUID) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM user_roles WHERE user_id=$1 AND role_id=$2`, userID, roleID)
	if err != nil {
		return fmt.Errorf("roles: delete user role: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: user does not have this role", shared.ErrNotFound)
	}
	return nil
}

// ListUserRoles returns the roles a user holds, with permissions.
func (r *Repository) ListUserRoles(ctx context.Context, userID uuid.UUID) ([]RoleView, error) {
	rows, err := r.pool.Query(ctx, `SELECT r.id, r.enterprise_id, r.name, r.description, r.is_system, r.created_at, r.updated_at
FROM user_roles ur JOIN roles r ON r.id = ur.role_id
WHERE ur.user_id=$1 ORDER BY r.name`, userID)
	if err != nil {
		return nil, fmt.Errorf("roles: list user roles: %w", err)
	}
	defer rows.Close()

	var views []RoleView
	for rows.Next() {
		var v RoleView
		if err := rows.Scan(&v.ID, &v.EnterpriseID, &v.Name, &v.Description, &v.IsSystem, &v.CreatedAt, &v.UpdatedAt); err != nil {
			return nil, err
		}
		views = append(views, v)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range views {
		perms, err := r.ListRolePermissions(ctx, views[i].ID)
		if err != nil {
			return nil, err
		}
		views[i].Permissions = perms
	}
	return views, nil
}

// ListPermissionsByIDs fetches catalog rows for the given IDs.
func (r *Repository) ListPermissionsByIDs(ctx context.Context, ids []uuid.UUID) ([]catalog.Permission, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, action, resource, name, description
FROM permissions WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("roles: list permissions by ids: %w", err)
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

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
