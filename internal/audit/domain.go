package audit

import (
	"time"

	"github.com/google/uuid"
)

// Well-known audit actions recorded by the core.
const (
	ActionLogin    = "LOGIN"
	ActionLogout   = "LOGOUT"
	ActionRegister = "REGISTER"

	ActionEnterpriseCreate      = "ENTERPRISE_CREATE"
	ActionEnterpriseUpdate      = "ENTERPRISE_UPDATE"
	ActionEnterpriseDelete      = "ENTERPRISE_DELETE"
	ActionEnterpriseLeave       = "ENTERPRISE_LEAVE"
	ActionEnterpriseJoinRequest = "ENTERPRISE_JOIN_REQUEST"
	ActionEnterpriseJoinApprove = "ENTERPRISE_JOIN_APPROVE"
	ActionEnterpriseJoinReject  = "ENTERPRISE_JOIN_REJECT"
	ActionOwnershipTransfer     = "OWNERSHIP_TRANSFER"
	ActionMemberRemove          = "MEMBER_REMOVE"

	ActionRoleCreate           = "ROLE_CREATE"
	ActionRoleUpdate           = "ROLE_UPDATE"
	ActionRoleDelete           = "ROLE_DELETE"
	ActionRoleAssign           = "ROLE_ASSIGN"
	ActionRoleRemove           = "ROLE_REMOVE"
	ActionRolePermissionAdd    = "ROLE_PERMISSION_ADD"
	ActionRolePermissionRemove = "ROLE_PERMISSION_REMOVE"

	ActionPermissionGrant  = "PERMISSION_GRANT"
	ActionPermissionRevoke = "PERMISSION_REVOKE"
	ActionPermissionUpdate = "PERMISSION_UPDATE"
)

// Entry is one append-only audit record.
type Entry struct {
	ID           uuid.UUID      `json:"id"`
	ActorID      uuid.UUID      `json:"actorId"`
	EnterpriseID *uuid.UUID     `json:"enterpriseId,omitempty"`
	Action       string         `json:"action"`
	Resource     string         `json:"resource"`
	ResourceID   string         `json:"resourceId,omitempty"`
	Changes      map[string]any `json:"changes,omitempty"`
	OccurredAt   time.Time      `json:"occurredAt"`
}

// Filters narrows audit log listings.
type Filters struct {
	ActorID  *uuid.UUID
	Resource string
	Action   string
	From     time.Time
	To       time.Time
	Page     int
	PerPage  int
}
