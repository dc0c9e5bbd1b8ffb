package catalog

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bastionhq/bastion/internal/shared"
)

// Repository provides PostgreSQL backed persistence for the permission catalog.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// CountPermissions returns the number of catalog entries.
func (r *Repository) CountPermissions(ctx context.Context) (int64, error) {
	var count int64
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM permissions`).Scan(&count); err != nil {
		return 0, fmt.Errorf("catalog: count permissions: %w", err)
	}
	return count, nil
}

// InsertPermissions bulk-inserts catalog entries skipping duplicates on
// (action, resource). Returns the number of rows actually inserted.
func (r *Repository) InsertPermissions(ctx context.Context, perms []Permission) (int64, error) {
	if len(perms) == 0 {
		return 0, nil
	}
	values := make([]string, 0, len(perms))
	args := make([]any, 0, len(perms)*5)
	for i, p := range perms {
		base := i * 5
		values = append(values, fmt.Sprintf("($%d,$%d,$%d,$%d,$%d)", base+1, base+2, base+3, base+4, base+5))
		args = append(args, p.ID, string(p.Action), string(p.Resource), p.Name, p.Description)
	}
	query := `INSERT INTO permissions (id, action, resource, name, description) VALUES ` +
		strings.Join(values, ",") +
		` ON CONFLICT (action, resource) DO NOTHING`
	tag, err := r.pool.Exec(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("catalog: insert permissions: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ListPermissions returns all permissions ordered by (resource, action).
func (r *Repository) ListPermissions(ctx context.Context) ([]Permission, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, action, resource, name, description, created_at
FROM permissions ORDER BY resource, action`)
	if err != nil {
		return nil, fmt.Errorf("catalog: list permissions: %w", err)
	}
	defer rows.Close()
	return scanPermissions(rows)
}

// GetPermission fetches one catalog entry by ID.
func (r *Repository) GetPermission(ctx context.Context, id uuid.UUID) (Permission, error) {
	var p Permission
	var action, resource string
	err := r.pool.QueryRow(ctx, `SELECT id, action, resource, name, description, created_at
FROM permissions WHERE id=$1`, id).
		Scan(&p.ID, &action, &resource, &p.Name, &p.Description, &p.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Permission{}, shared.ErrNotFound
		}
		return Permission{}, fmt.Errorf("catalog: get permission: %w", err)
	}
	p.Action = Action(action)
	p.Resource = Resource(resource)
	return p, nil
}

// ListPermissionsByIDs fetches the catalog entries matching the given IDs.
func (r *Repository) ListPermissionsByIDs(ctx context.Context, ids []uuid.UUID) ([]Permission, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := r.pool.Query(ctx, `SELECT id, action, resource, name, description, created_at
FROM permissions WHERE id = ANY($1) ORDER BY resource, action`, ids)
	if err != nil {
		return nil, fmt.Errorf("catalog: list permissions by ids: %w", err)
	}
	defer rows.Close()
	return scanPermissions(rows)
}

func scanPermissions(rows pgx.Rows) ([]Permission, error) {
	var perms []Permission
	for rows.Next() {
		var p Permission
		var action, resource string
		if err := rows.Scan(&p.ID, &action, &resource, &p.Name, &p.Description, &p.CreatedAt); err != nil {
			return nil, err
		}
		p.Action = Action(action)
		p.Resource = Resource(resource)
		perms = append(perms, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return perms, nil
}
