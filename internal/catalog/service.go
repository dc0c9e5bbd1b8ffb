package catalog

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
)

// RepositoryPort defines data access methods for the catalog.
type RepositoryPort interface {
	CountPermissions(ctx context.Context) (int64, error)
	InsertPermissions(ctx context.Context, perms []Permission) (int64, error)
	ListPermissions(ctx context.Context) ([]Permission, error)
	GetPermission(ctx context.Context, id uuid.UUID) (Permission, error)
	ListPermissionsByIDs(ctx context.Context, ids []uuid.UUID) ([]Permission, error)
}

// SeedResult reports what a seeding run did.
type SeedResult struct {
	Created  int64 `json:"created"`
	Existing int64 `json:"existing"`
}

// Service handles catalog business logic.
type Service struct {
	repo   RepositoryPort
	logger *slog.Logger
}

// NewService builds Service instance.
func NewService(repo RepositoryPort, logger *slog.Logger) *Service {
	return &Service{repo: repo, logger: logger}
}

// SeedDefaults populates the catalog with the full action x resource cross
// product. Idempotent: when any permission rows already exist the call is a
// no-op that reports the existing count.
func (s *Service) SeedDefaults(ctx context.Context) (SeedResult, error) {
	existing, err := s.repo.CountPermissions(ctx)
	if err != nil {
		return SeedResult{}, err
	}
	if existing > 0 {
		return SeedResult{Created: 0, Existing: existing}, nil
	}

	perms := make([]Permission, 0, len(Actions())*len(Resources()))
	for _, resource := range Resources() {
		for _, action := range Actions() {
			perms = append(perms, Permission{
				ID:          uuid.New(),
				Action:      action,
				Resource:    resource,
				Name:        PermissionName(action, resource),
				Description: describe(action, resource),
			})
		}
	}

	created, err := s.repo.InsertPermissions(ctx, perms)
	if err != nil {
		return SeedResult{}, err
	}
	if s.logger != nil {
		s.logger.Info("seeded default permissions", slog.Int64("created", created))
	}
	return SeedResult{Created: created}, nil
}

// ListAll returns the full catalog ordered by (resource, action).
func (s *Service) ListAll(ctx context.Context) ([]Permission, error) {
	return s.repo.ListPermissions(ctx)
}

// Get fetches a single permission.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (Permission, error) {
	return s.repo.GetPermission(ctx, id)
}

func describe(action Action, resource Resource) string {
	return fmt.Sprintf("Allows %s on %s", action, resource)
}
