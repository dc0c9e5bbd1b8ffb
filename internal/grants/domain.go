package grants

import (
	"time"

	"github.com/google/uuid"

	"github.com/bastionhq/bastion/internal/catalog"
)

// Grant is an enterprise-wide permission: every member of the enterprise
// holds it while it is unexpired.
type Grant struct {
	ID           uuid.UUID  `json:"id"`
	EnterpriseID uuid.UUID  `json:"enterpriseId"`
	PermissionID uuid.UUID  `json:"permissionId"`
	GrantedBy    uuid.UUID  `json:"grantedBy"`
	GrantedAt    time.Time  `json:"grantedAt"`
	ExpiresAt    *time.Time `json:"expiresAt,omitempty"`
}

// Expired reports whether the grant has lapsed at the given instant. A nil
// ExpiresAt never expires.
func (g Grant) Expired(now time.Time) bool {
	return g.ExpiresAt != nil && !g.ExpiresAt.After(now)
}

// GrantView joins a grant with its permission for display.
type GrantView struct {
	Grant
	Permission catalog.Permission `json:"permission"`
	IsExpired  bool               `json:"isExpired"`
}

// BulkResult reports the outcome of a bulk grant: permissions newly granted
// and those skipped because they were already held.
type BulkResult struct {
	Assigned []uuid.UUID `json:"assigned"`
	Skipped  []uuid.UUID `json:"skipped"`
}
