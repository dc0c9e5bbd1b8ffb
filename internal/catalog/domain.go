package catalog

import (
	"time"

	"github.com/google/uuid"
)

// Action enumerates the operations a permission can authorise.
type Action string

const (
	ActionCreate Action = "CREATE"
	ActionRead   Action = "READ"
	ActionUpdate Action = "UPDATE"
	ActionDelete Action = "DELETE"
	ActionManage Action = "MANAGE"
)

// Resource enumerates the protected resource kinds.
type Resource string

const (
	ResourceUsers       Resource = "USERS"
	ResourceRoles       Resource = "ROLES"
	ResourcePermissions Resource = "PERMISSIONS"
	ResourceEnterprise  Resource = "ENTERPRISE"
	ResourceProfiles    Resource = "PROFILES"
	ResourceReports     Resource = "REPORTS"
	ResourceAuditLogs   Resource = "AUDIT_LOGS"
)

// Actions returns every known action in declaration order.
func Actions() []Action {
	return []Action{ActionCreate, ActionRead, ActionUpdate, ActionDelete, ActionManage}
}

// Resources returns every known resource in declaration order.
func Resources() []Resource {
	return []Resource{
		ResourceUsers,
		ResourceRoles,
		ResourcePermissions,
		ResourceEnterprise,
		ResourceProfiles,
		ResourceReports,
		ResourceAuditLogs,
	}
}

// Valid reports whether the action is part of the known universe.
func (a Action) Valid() bool {
	for _, known := range Actions() {
		if a == known {
			return true
		}
	}
	return false
}

// Valid reports whether the resource is part of the known universe.
func (r Resource) Valid() bool {
	for _, known := range Resources() {
		if r == known {
			return true
		}
	}
	return false
}

// Permission is a catalog entry for one (action, resource) pair.
type Permission struct {
	ID          uuid.UUID `json:"id"`
	Action      Action    `json:"action"`
	Resource    Resource  `json:"resource"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"createdAt"`
}

// PermissionName derives the canonical name for an (action, resource) pair.
func PermissionName(action Action, resource Resource) string {
	return string(action) + "_" + string(resource)
}

// GroupByResource buckets permissions by resource preserving input order.
func GroupByResource(perms []Permission) map[Resource][]Permission {
	grouped := make(map[Resource][]Permission, len(Resources()))
	for _, p := range perms {
		grouped[p.Resource] = append(grouped[p.Resource], p)
	}
	return grouped
}
