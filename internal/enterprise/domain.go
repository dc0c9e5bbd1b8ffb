package enterprise

import (
	"time"

	"github.com/google/uuid"
)

// Enterprise is a tenant. Soft-deletable: IsActive flips false while
// historical rows persist.
type Enterprise struct {
	ID          uuid.UUID `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Website     string    `json:"website,omitempty"`
	LogoURL     string    `json:"logoUrl,omitempty"`
	IsActive    bool      `json:"isActive"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// EnterpriseSummary is the public listing shape.
type EnterpriseSummary struct {
	ID          uuid.UUID `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Website     string    `json:"website,omitempty"`
	LogoURL     string    `json:"logoUrl,omitempty"`
	MemberCount int       `json:"memberCount"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Membership links a user to an enterprise. A user holds at most one
// membership at any time; exactly one membership per enterprise carries the
// owner flag.
type Membership struct {
	ID           uuid.UUID `json:"id"`
	UserID       uuid.UUID `json:"userId"`
	EnterpriseID uuid.UUID `json:"enterpriseId"`
	IsOwner      bool      `json:"isOwner"`
	JoinedAt     time.Time `json:"joinedAt"`
}

// Member is a membership joined with user identity for display.
type Member struct {
	Membership
	Email string `json:"email"`
}

// JoinRequestStatus enumerates the join-request state machine.
type JoinRequestStatus string

const (
	JoinRequestPending  JoinRequestStatus = "PENDING"
	JoinRequestApproved JoinRequestStatus = "APPROVED"
	JoinRequestRejected JoinRequestStatus = "REJECTED"
)

// JoinRequest tracks a user's petition to join an enterprise. Unique per
// (user, enterprise); a rejected request is reset to PENDING on resubmit
// instead of creating a second row.
type JoinRequest struct {
	ID           uuid.UUID         `json:"id"`
	UserID       uuid.UUID         `json:"userId"`
	EnterpriseID uuid.UUID         `json:"enterpriseId"`
	Status       JoinRequestStatus `json:"status"`
	RequestedAt  time.Time         `json:"requestedAt"`
	ProcessedAt  *time.Time        `json:"processedAt,omitempty"`
	ProcessedBy  *uuid.UUID        `json:"processedBy,omitempty"`
}
