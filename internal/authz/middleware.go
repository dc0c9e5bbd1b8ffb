package authz

import (
	"context"
	"errors"
	"net/http"

	"github.com/google/uuid"

	"github.com/bastionhq/bastion/internal/catalog"
	"github.com/bastionhq/bastion/internal/platform/httpx"
	"github.com/bastionhq/bastion/internal/shared"
)

// IsOwner reports whether the user owns their enterprise.
func (s *Service) IsOwner(ctx context.Context, userID uuid.UUID) (bool, error) {
	m, err := s.store.FindMembershipByUser(ctx, userID)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return m.IsOwner, nil
}

// RequireUser rejects requests without an authenticated session.
func RequireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := shared.UserIDFromContext(r.Context()); !ok {
			httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "authentication required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequireOwner admits only enterprise owners.
func (s *Service) RequireOwner(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, ok := shared.UserIDFromContext(r.Context())
		if !ok {
			httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "authentication required")
			return
		}
		isOwner, err := s.IsOwner(r.Context(), userID)
		if err != nil {
			httpx.RespondError(w, err)
			return
		}
		if !isOwner {
			httpx.Problem(w, http.StatusForbidden, "Forbidden", "only the enterprise owner may do this")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequirePermission guards a route with a permission check. A denial is a
// 403; only resolver failures become a 500.
func (s *Service) RequirePermission(action catalog.Action, resource catalog.Resource) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID, ok := shared.UserIDFromContext(r.Context())
			if !ok {
				httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "authentication required")
				return
			}
			allowed, err := s.Check(r.Context(), userID, action, resource)
			if err != nil {
				httpx.RespondError(w, err)
				return
			}
			if !allowed {
				httpx.Problem(w, http.StatusForbidden, "Forbidden",
					"missing permission "+catalog.PermissionName(action, resource))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
