package enterprise

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bastionhq/bastion/internal/platform/db"
	"github.com/bastionhq/bastion/internal/shared"
)

// RepositoryPort defines data access methods for enterprises, memberships
// and join requests.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error

	GetEnterprise(ctx context.Context, id uuid.UUID) (*Enterprise, error)
	GetActiveEnterprise(ctx context.Context, id uuid.UUID) (*Enterprise, error)
	ListActiveEnterprises(ctx context.Context) ([]EnterpriseSummary, error)
	UpdateEnterprise(ctx context.Context, e *Enterprise) error
	DeactivateEnterprise(ctx context.Context, id uuid.UUID) error

	FindMembershipByUser(ctx context.Context, userID uuid.UUID) (*Membership, error)
	GetMembership(ctx context.Context, userID, enterpriseID uuid.UUID) (*Membership, error)
	ListMembers(ctx context.Context, enterpriseID uuid.UUID) ([]Member, error)
	DeleteMembership(ctx context.Context, id uuid.UUID) error

	GetJoinRequest(ctx context.Context, id uuid.UUID) (*JoinRequest, error)
	FindJoinRequest(ctx context.Context, userID, enterpriseID uuid.UUID) (*JoinRequest, error)
	CreateJoinRequest(ctx context.Context, req JoinRequest) error
	ResetJoinRequest(ctx context.Context, id uuid.UUID, at time.Time) error
	DeleteJoinRequest(ctx context.Context, id uuid.UUID) error
	ListPendingRequests(ctx context.Context, enterpriseID uuid.UUID) ([]JoinRequest, error)
	ListRequestsByUser(ctx context.Context, userID uuid.UUID) ([]JoinRequest, error)
}

// TxRepository exposes the operations that must run inside one transaction.
type TxRepository interface {
	CreateEnterprise(ctx context.Context, e Enterprise) error
	CreateMembership(ctx context.Context, m Membership) error
	FindMembershipByUser(ctx context.Context, userID uuid.UUID) (*Membership, error)
	MarkJoinRequest(ctx context.Context, id uuid.UUID, status JoinRequestStatus, processedBy uuid.UUID, at time.Time) error
	SetOwnerFlag(ctx context.Context, membershipID uuid.UUID, isOwner bool) error
}

// Repository provides PostgreSQL backed persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

var _ RepositoryPort = (*Repository)(nil)

// WithTx wraps callback in a repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx})
	})
}

// GetEnterprise fetches an enterprise regardless of active flag.
func (r *Repository) GetEnterprise(ctx context.Context, id uuid.UUID) (*Enterprise, error) {
	return scanEnterprise(r.pool.QueryRow(ctx, `SELECT id, name, description, website, logo_url, is_active, created_at, updated_at
FROM enterprises WHERE id=$1`, id))
}

// GetActiveEnterprise fetches an active enterprise.
func (r *Repository) GetActiveEnterprise(ctx context.Context, id uuid.UUID) (*Enterprise, error) {
	return scanEnterprise(r.pool.QueryRow(ctx, `SELECT id, name, description, website, logo_url, is_active, created_at, updated_at
FROM enterprises WHERE id=$1 AND is_active`, id))
}

// ListActiveEnterprises returns all active enterprises with member counts.
func (r *Repository) ListActiveEnterprises(ctx context.Context) ([]EnterpriseSummary, error) {
	rows, err := r.pool.Query(ctx, `SELECT e.id, e.name, e.description, e.website, e.logo_url, e.created_at,
       (SELECT COUNT(*) FROM memberships m WHERE m.enterprise_id = e.id)
FROM enterprises e WHERE e.is_active ORDER BY e.name`)
	if err != nil {
		return nil, fmt.Errorf("enterprise: list enterprises: %w", err)
	}
	defer rows.Close()
	var result []EnterpriseSummary
	for rows.Next() {
		var s EnterpriseSummary
		if err := rows.Scan(&s.ID, &s.Name, &s.Description, &s.Website, &s.LogoURL, &s.CreatedAt, &s.MemberCount); err != nil {
			return nil, err
		}
		result = append(result, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// UpdateEnterprise persists name/description/website/logo changes.
func (r *Repository) UpdateEnterprise(ctx context.Context, e *Enterprise) error {
	tag, err := r.pool.Exec(ctx, `UPDATE enterprises SET name=$2, description=$3, website=$4, logo_url=$5, updated_at=NOW()
WHERE id=$1`, e.ID, e.Name, e.Description, e.Website, e.LogoURL)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: an enterprise with that name already exists", shared.ErrConflict)
		}
		return fmt.Errorf("enterprise: update enterprise: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

// DeactivateEnterprise soft-deletes an enterprise.
func (r *Repository) DeactivateEnterprise(ctx context.Context, id uuid.UUID) error {
	tag, err := r.pool.Exec(ctx, `UPDATE enterprises SET is_active=FALSE, updated_at=NOW() WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("enterprise: deactivate enterprise: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

// FindMembershipByUser returns a user's single membership, if any.
func (r *Repository) FindMembershipByUser(ctx context.Context, userID uuid.UUID) (*Membership, error) {
	return scanMembership(r.pool.QueryRow(ctx, `SELECT id, user_id, enterprise_id, is_owner, joined_at
FROM memberships WHERE user_id=$1`, userID))
}

// GetMembership returns the membership for a (user, enterprise) pair.
func (r *Repository) GetMembership(ctx context.Context, userID, enterpriseID uuid.UUID) (*Membership, error) {
	return scanMembership(r.pool.QueryRow(ctx, `SELECT id, user_id, enterprise_id, is_owner, joined_at
FROM memberships WHERE user_id=$1 AND enterprise_id=$2`, userID, enterpriseID))
}

// ListMembers returns memberships joined with user emails, owner first.
func (r *Repository) ListMembers(ctx context.Context, enterpriseID uuid.UUID) ([]Member, error) {
	rows, err := r.pool.Query(ctx, `SELECT m.id, m.user_id, m.enterprise_id, m.is_owner, m.joined_at, u.email
FROM memberships m JOIN users u ON u.id = m.user_id
WHERE m.enterprise_id=$1 ORDER BY m.is_owner DESC, m.joined_at`, enterpriseID)
	if err != nil {
		return nil, fmt.Errorf("enterprise: list members: %w", err)
	}
	defer rows.Close()
	var members []Member
	for rows.Next() {
		var m Member
		if err := rows.Scan(&m.ID, &m.UserID, &m.EnterpriseID, &m.IsOwner, &m.JoinedAt, &m.Email); err != nil {
			return nil, err
		}
		members = append(members, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return members, nil
}

// DeleteMembership removes a membership row.
func (r *Repository) DeleteMembership(ctx context.Context, id uuid.UUID) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM memberships WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("enterprise: delete membership: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

// GetJoinRequest fetches a join request by ID.
func (r *Repository) GetJoinRequest(ctx context.Context, id uuid.UUID) (*JoinRequest, error) {
	return scanJoinRequest(r.pool.QueryRow(ctx, `SELECT id, user_id, enterprise_id, status, requested_at, processed_at, processed_by
FROM join_requests WHERE id=$1`, id))
}

// FindJoinRequest fetches the unique request for a (user, enterprise) pair.
func (r *Repository) FindJoinRequest(ctx context.Context, userID, enterpriseID uuid.UUID) (*JoinRequest, error) {
	return scanJoinRequest(r.pool.QueryRow(ctx, `SELECT id, user_id, enterprise_id, status, requested_at, processed_at, processed_by
FROM join_requests WHERE user_id=$1 AND enterprise_id=$2`, userID, enterpriseID))
}

// CreateJoinRequest inserts a new pending request.
func (r *Repository) CreateJoinRequest(ctx context.Context, req JoinRequest) error {
	_, err := r.pool.Exec(ctx, `INSERT INTO join_requests (id, user_id, enterprise_id, status, requested_at)
VALUES ($1, $2, $3, $4, $5)`, req.ID, req.UserID, req.EnterpriseID, string(req.Status), req.RequestedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: join request already exists", shared.ErrConflict)
		}
		return fmt.Errorf("enterprise: create join request: %w", err)
	}
	return nil
}

// ResetJoinRequest flips a rejected request back to PENDING, reusing the row.
func (r *Repository) ResetJoinRequest(ctx context.Context, id uuid.UUID, at time.Time) error {
	tag, err := r.pool.Exec(ctx, `UPDATE join_requests
SET status=$2, requested_at=$3, processed_at=NULL, processed_by=NULL
WHERE id=$1`, id, string(JoinRequestPending), at)
	if err != nil {
		return fmt.Errorf("enterprise: reset join request: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

// DeleteJoinRequest removes a request row.
func (r *Repository) DeleteJoinRequest(ctx context.Context, id uuid.UUID) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM join_requests WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("enterprise: delete join request: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

// ListPendingRequests returns pending requests for an enterprise, newest first.
func (r *Repository) ListPendingRequests(ctx context.Context, enterpriseID uuid.UUID) ([]JoinRequest, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, user_id, enterprise_id, status, requested_at, processed_at, processed_by
FROM join_requests WHERE enterprise_id=$1 AND status=$2 ORDER BY requested_at DESC`, enterpriseID, string(JoinRequestPending))
	if err != nil {
		return nil, fmt.Errorf("enterprise: list pending requests: %w", err)
	}
	defer rows.Close()
	return collectJoinRequests(rows)
}

// ListRequestsByUser returns all of a user's requests, newest first.
func (r *Repository) ListRequestsByUser(ctx context.Context, userID uuid.UUID) ([]JoinRequest, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, user_id, enterprise_id, status, requested_at, processed_at, processed_by
FROM join_requests WHERE user_id=$1 ORDER BY requested_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("enterprise: list requests by user: %w", err)
	}
	defer rows.Close()
	return collectJoinRequests(rows)
}

// txRepository runs the transactional subset against a pgx.Tx.
type txRepository struct {
	tx pgx.Tx
}

func (r *txRepository) CreateEnterprise(ctx context.Context, e Enterprise) error {
	_, err := r.tx.Exec(ctx, `INSERT INTO enterprises (id, name, description, website, logo_url, is_active)
VALUES ($1, $2, $3, $4, $5, $6)`, e.ID, e.Name, e.Description, e.Website, e.LogoURL, e.IsActive)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: an enterprise with that name already exists", shared.ErrConflict)
		}
		return fmt.Errorf("enterprise: create enterprise: %w", err)
	}
	return nil
}

func (r *txRepository) CreateMembership(ctx context.Context, m Membership) error {
	_, err := r.tx.Exec(ctx, `INSERT INTO memberships (id, user_id, enterprise_id, is_owner, joined_at)
VALUES ($1, $2, $3, $4, $5)`, m.ID, m.UserID, m.EnterpriseID, m.IsOwner, m.JoinedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: user already belongs to an enterprise", shared.ErrConflict)
		}
		return fmt.Errorf("enterprise: create membership: %w", err)
	}
	return nil
}

func (r *txRepository) FindMembershipByUser(ctx context.Context, userID uuid.UUID) (*Membership, error) {
	return scanMembership(r.tx.QueryRow(ctx, `SELECT id, user_id, enterprise_id, is_owner, joined_at
FROM memberships WHERE user_id=$1`, userID))
}

func (r *txRepository) MarkJoinRequest(ctx context.Context, id uuid.UUID, status JoinRequestStatus, processedBy uuid.UUID, at time.Time) error {
	tag, err := r.tx.Exec(ctx, `UPDATE join_requests SET status=$2, processed_at=$3, processed_by=$4
WHERE id=$1 AND status=$5`, id, string(status), at, processedBy, string(JoinRequestPending))
	if err != nil {
		return fmt.Errorf("enterprise: mark join request: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: request already processed", shared.ErrConflict)
	}
	return nil
}

func (r *txRepository) SetOwnerFlag(ctx context.Context, membershipID uuid.UUID, isOwner bool) error {
	tag, err := r.tx.Exec(ctx, `UPDATE memberships SET is_owner=$2 WHERE id=$1`, membershipID, isOwner)
	if err != nil {
		return fmt.Errorf("enterprise: set owner flag: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

func scanEnterprise(row pgx.Row) (*Enterprise, error) {
	var e Enterprise
	err := row.Scan(&e.ID, &e.Name, &e.Description, &e.Website, &e.LogoURL, &e.IsActive, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, shared.ErrNotFound
		}
		return nil, fmt.Errorf("enterprise: scan enterprise: %w", err)
	}
	return &e, nil
}

func scanMembership(row pgx.Row) (*Membership, error) {
	var m Membership
	err := row.Scan(&m.ID, &m.UserID, &m.EnterpriseID, &m.IsOwner, &m.JoinedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, shared.ErrNotFound
		}
		return nil, fmt.Errorf("enterprise: scan membership: %w", err)
	}
	return &m, nil
}

func scanJoinRequest(row pgx.Row) (*JoinRequest, error) {
	var jr JoinRequest
	var status string
	err := row.Scan(&jr.ID, &jr.UserID, &jr.EnterpriseID, &status, &jr.RequestedAt, &jr.ProcessedAt, &jr.ProcessedBy)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, shared.ErrNotFound
		}
		return nil, fmt.Errorf("enterprise: scan join request: %w", err)
	}
	jr.Status = JoinRequestStatus(status)
	return &jr, nil
}

func collectJoinRequests(rows pgx.Rows) ([]JoinRequest, error) {
	var result []JoinRequest
	for rows.Next() {
		var jr JoinRequest
		var status string
		if err := rows.Scan(&jr.ID, &jr.UserID, &jr.EnterpriseID, &status, &jr.RequestedAt, &jr.ProcessedAt, &jr.ProcessedBy); err != nil {
			return nil, err
		}
		jr.Status = JoinRequestStatus(status)
		result = append(result, jr)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
