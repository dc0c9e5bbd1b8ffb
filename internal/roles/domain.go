package roles

import (
	"time"

	"github.com/google/uuid"

	"github.com/bastionhq/bastion/internal/catalog"
)

// Role bundles permissions under a name. System roles ship with the product,
// have no enterprise and cannot be modified; custom roles belong to exactly
// one enterprise.
type Role struct {
	ID           uuid.UUID  `json:"id"`
	EnterpriseID *uuid.UUID `json:"enterpriseId,omitempty"`
	Name         string     `json:"name"`
	Description  string     `json:"description,omitempty"`
	IsSystem     bool       `json:"isSystem"`
	CreatedAt    time.Time  `json:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
}

// RoleView joins a role with its permission set.
type RoleView struct {
	Role
	Permissions []catalog.Permission `json:"permissions"`
}

// UserRole links a member to a role. Role links carry no expiry; revoking
// the link is the way to end role-derived access.
type UserRole struct {
	ID         uuid.UUID `json:"id"`
	UserID     uuid.UUID `json:"userId"`
	RoleID     uuid.UUID `json:"roleId"`
	AssignedBy uuid.UUID `json:"assignedBy"`
	AssignedAt time.Time `json:"assignedAt"`
}
