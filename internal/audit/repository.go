package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bastionhq/bastion/internal/shared"
)

// Repository provides PostgreSQL backed persistence for audit logs.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// InsertEntry appends one audit record.
func (r *Repository) InsertEntry(ctx context.Context, e Entry) error {
	changes, err := json.Marshal(e.Changes)
	if err != nil {
		return fmt.Errorf("audit: marshal changes: %w", err)
	}
	_, err = r.pool.Exec(ctx, `INSERT INTO audit_logs (id, actor_id, enterprise_id, action, resource, resource_id, changes, occurred_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, COALESCE($8, NOW()))`,
		e.ID, e.ActorID, e.EnterpriseID, e.Action, e.Resource, nullable(e.ResourceID), changes, nullableTime(e.OccurredAt))
	if err != nil {
		return fmt.Errorf("audit: insert entry: %w", err)
	}
	return nil
}

// FindMembership returns the (enterpriseID, isOwner) pair for a user, or
// ErrNotFound when the user has no membership.
func (r *Repository) FindMembership(ctx context.Context, userID uuid.UUID) (uuid.UUID, bool, error) {
	var enterpriseID uuid.UUID
	var isOwner bool
	err := r.pool.QueryRow(ctx, `SELECT enterprise_id, is_owner FROM memberships WHERE user_id=$1`, userID).
		Scan(&enterpriseID, &isOwner)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return uuid.Nil, false, shared.ErrNotFound
		}
		return uuid.Nil, false, fmt.Errorf("audit: find membership: %w", err)
	}
	return enterpriseID, isOwner, nil
}

// ListEntries returns enterprise-scoped audit records, newest first.
func (r *Repository) ListEntries(ctx context.Context, enterpriseID uuid.UUID, f Filters) ([]Entry, int, error) {
	where := []string{"enterprise_id = $1"}
	args := []any{enterpriseID}
	next := 2
	if f.ActorID != nil {
		where = append(where, "actor_id = $"+strconv.Itoa(next))
		args = append(args, *f.ActorID)
		next++
	}
	if f.Resource != "" {
		where = append(where, "resource = $"+strconv.Itoa(next))
		args = append(args, f.Resource)
		next++
	}
	if f.Action != "" {
		where = append(where, "action = $"+strconv.Itoa(next))
		args = append(args, f.Action)
		next++
	}
	if !f.From.IsZero() {
		where = append(where, "occurred_at >= $"+strconv.Itoa(next))
		args = append(args, f.From)
		next++
	}
	if !f.To.IsZero() {
		where = append(where, "occurred_at <= $"+strconv.Itoa(next))
		args = append(args, f.To)
		next++
	}
	clause := strings.Join(where, " AND ")

	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM audit_logs WHERE `+clause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("audit: count entries: %w", err)
	}

	limit := f.PerPage
	if limit <= 0 {
		limit = 20
	}
	page := f.Page
	if page <= 0 {
		page = 1
	}
	args = append(args, limit, (page-1)*limit)
	query := `SELECT id, actor_id, enterprise_id, action, resource, resource_id, changes, occurred_at
FROM audit_logs WHERE ` + clause +
		` ORDER BY occurred_at DESC LIMIT $` + strconv.Itoa(next) + ` OFFSET $` + strconv.Itoa(next+1)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("audit: list entries: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var resourceID *string
		var changes []byte
		if err := rows.Scan(&e.ID, &e.ActorID, &e.EnterpriseID, &e.Action, &e.Resource, &resourceID, &changes, &e.OccurredAt); err != nil {
			return nil, 0, err
		}
		if resourceID != nil {
			e.ResourceID = *resourceID
		}
		if len(changes) > 0 {
			_ = json.Unmarshal(changes, &e.Changes)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	return entries, total, nil
}

// DeleteOlderThan removes records past the retention horizon and reports the
// number deleted.
func (r *Repository) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM audit_logs WHERE occurred_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("audit: delete older than: %w", err)
	}
	return tag.RowsAffected(), nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
