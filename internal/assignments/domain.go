package assignments

import (
	"time"

	"github.com/google/uuid"

	"github.com/bastionhq/bastion/internal/catalog"
)

// Assignment is a permission granted directly to one user, independent of
// any role they hold.
type Assignment struct {
	ID           uuid.UUID  `json:"id"`
	UserID       uuid.UUID  `json:"userId"`
	PermissionID uuid.UUID  `json:"permissionId"`
	GrantedBy    uuid.UUID  `json:"grantedBy"`
	GrantedAt    time.Time  `json:"grantedAt"`
	ExpiresAt    *time.Time `json:"expiresAt,omitempty"`
}

// Expired reports whether the assignment has lapsed at the given instant.
func (a Assignment) Expired(now time.Time) bool {
	return a.ExpiresAt != nil && !a.ExpiresAt.After(now)
}

// AssignmentView joins an assignment with its permission for display.
type AssignmentView struct {
	Assignment
	Permission catalog.Permission `json:"permission"`
	IsExpired  bool               `json:"isExpired"`
}

// BulkResult reports a bulk assignment outcome: newly assigned permission IDs
// and the ones skipped because the user already held them.
type BulkResult struct {
	Assigned []uuid.UUID `json:"assigned"`
	Skipped  []uuid.UUID `json:"skipped"`
}

// Holder identifies a user holding a given permission directly.
type Holder struct {
	UserID    uuid.UUID  `json:"userId"`
	Email     string     `json:"email"`
	GrantedAt time.Time  `json:"grantedAt"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}
