package audit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/bastionhq/bastion/internal/shared"
)

// Sink is the append-only interface mutating operations record into.
type Sink interface {
	Record(ctx context.Context, e Entry) error
}

// RepositoryPort defines data access methods for audit logs.
type RepositoryPort interface {
	InsertEntry(ctx context.Context, e Entry) error
	FindMembership(ctx context.Context, userID uuid.UUID) (uuid.UUID, bool, error)
	ListEntries(ctx context.Context, enterpriseID uuid.UUID, f Filters) ([]Entry, int, error)
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// Result wraps a paged listing.
type Result struct {
	Entries []Entry           `json:"entries"`
	Paging  shared.Pagination `json:"paging"`
}

// Service coordinates audit log persistence and retrieval.
type Service struct {
	repo   RepositoryPort
	logger *slog.Logger
}

// NewService builds Service instance.
func NewService(repo RepositoryPort, logger *slog.Logger) *Service {
	return &Service{repo: repo, logger: logger}
}

var _ Sink = (*Service)(nil)

// Record appends an entry, stamping the actor's enterprise when they have one.
func (s *Service) Record(ctx context.Context, e Entry) error {
	if e.ActorID == uuid.Nil || e.Action == "" || e.Resource == "" {
		return errors.New("audit: entry requires actor/action/resource")
	}
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.EnterpriseID == nil {
		enterpriseID, _, err := s.repo.FindMembership(ctx, e.ActorID)
		if err == nil {
			e.EnterpriseID = &enterpriseID
		} else if !errors.Is(err, shared.ErrNotFound) {
			return err
		}
	}
	return s.repo.InsertEntry(ctx, e)
}

// List returns the caller's enterprise audit trail. Owner only.
func (s *Service) List(ctx context.Context, callerID uuid.UUID, f Filters) (Result, error) {
	enterpriseID, isOwner, err := s.repo.FindMembership(ctx, callerID)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			return Result{}, fmt.Errorf("%w: you do not belong to an enterprise", shared.ErrForbidden)
		}
		return Result{}, err
	}
	if !isOwner {
		return Result{}, fmt.Errorf("%w: only the owner may read audit logs", shared.ErrForbidden)
	}
	if f.PerPage <= 0 {
		f.PerPage = 20
	}
	if f.PerPage > 100 {
		f.PerPage = 100
	}
	if f.Page <= 0 {
		f.Page = 1
	}
	entries, total, err := s.repo.ListEntries(ctx, enterpriseID, f)
	if err != nil {
		return Result{}, err
	}
	return Result{
		Entries: entries,
		Paging:  shared.NewPagination(f.Page, f.PerPage, total),
	}, nil
}

// Cleanup deletes entries older than the retention window. Triggered
// externally (worker task); never runs as part of request handling.
func (s *Service) Cleanup(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-retention)
	deleted, err := s.repo.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if s.logger != nil {
		s.logger.Info("audit retention cleanup", slog.Int64("deleted", deleted), slog.Time("cutoff", cutoff))
	}
	return deleted, nil
}
