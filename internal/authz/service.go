// Package authz resolves whether a user may perform an action on a resource.
// Grants reach a user through four channels, consulted in a fixed order:
// enterprise ownership, enterprise-wide grants, direct assignments, and
// role-derived permissions. The first channel that answers wins.
package authz

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/bastionhq/bastion/internal/catalog"
	"github.com/bastionhq/bastion/internal/observability"
	"github.com/bastionhq/bastion/internal/shared"
)

// Decision channels, recorded per check.
const (
	ChannelNoMembership = "no_membership"
	ChannelOwner        = "owner"
	ChannelEnterprise   = "enterprise"
	ChannelDirect       = "direct"
	ChannelRole         = "role"
	ChannelDenied       = "denied"
)

// Source tags a permission in an effective-permission listing with the
// channel it came from.
type Source string

const (
	SourceOwner      Source = "OWNER"
	SourceDirect     Source = "DIRECT"
	SourceRole       Source = "ROLE"
	SourceEnterprise Source = "ENTERPRISE"
)

// EffectivePermission is one entry of a user's resolved permission set.
type EffectivePermission struct {
	catalog.Permission
	Source Source `json:"source"`
}

// Service answers permission checks.
type Service struct {
	store   StorePort
	metrics *observability.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

// NewService builds Service instance.
func NewService(store StorePort, metrics *observability.Metrics, logger *slog.Logger) *Service {
	return &Service{store: store, metrics: metrics, logger: logger, now: time.Now}
}

// Check resolves whether the user may perform action on resource. A denial
// is a false result, not an error; errors mean the check itself could not
// run.
func (s *Service) Check(ctx context.Context, userID uuid.UUID, action catalog.Action, resource catalog.Resource) (bool, error) {
	allowed, channel, err := s.resolve(ctx, userID, action, resource)
	if err != nil {
		return false, err
	}
	s.metrics.ObserveDecision(channel, allowed)
	if s.logger != nil && s.logger.Enabled(ctx, slog.LevelDebug) {
		s.logger.Debug("permission check",
			slog.String("user", userID.String()),
			slog.String("permission", catalog.PermissionName(action, resource)),
			slog.String("channel", channel),
			slog.Bool("allowed", allowed))
	}
	return allowed, nil
}

func (s *Service) resolve(ctx context.Context, userID uuid.UUID, action catalog.Action, resource catalog.Resource) (bool, string, error) {
	m, err := s.store.FindMembershipByUser(ctx, userID)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			return false, ChannelNoMembership, nil
		}
		return false, "", err
	}
	if m.IsOwner {
		return true, ChannelOwner, nil
	}

	now := s.now().UTC()
	if ok, err := s.store.HasEnterpriseGrant(ctx, m.EnterpriseID, action, resource, now); err != nil {
		return false, "", err
	} else if ok {
		return true, ChannelEnterprise, nil
	}
	if ok, err := s.store.HasDirectAssignment(ctx, userID, action, resource, now); err != nil {
		return false, "", err
	} else if ok {
		return true, ChannelDirect, nil
	}
	if ok, err := s.store.HasRolePermission(ctx, userID, m.EnterpriseID, action, resource); err != nil {
		return false, "", err
	} else if ok {
		return true, ChannelRole, nil
	}
	return false, ChannelDenied, nil
}

// CheckByName resolves a permission given its ACTION_RESOURCE name.
func (s *Service) CheckByName(ctx context.Context, userID uuid.UUID, name string) (bool, error) {
	action, resource, ok := splitPermissionName(name)
	if !ok {
		return false, nil
	}
	return s.Check(ctx, userID, action, resource)
}

// MyPermissions returns the user's effective permission set grouped by
// resource. Owners hold the full catalog. For everyone else the channels are
// merged with direct assignments winning over role-derived entries, which in
// turn win over enterprise-wide grants.
func (s *Service) MyPermissions(ctx context.Context, userID uuid.UUID) (map[catalog.Resource][]EffectivePermission, error) {
	m, err := s.store.FindMembershipByUser(ctx, userID)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			return map[catalog.Resource][]EffectivePermission{}, nil
		}
		return nil, err
	}

	if m.IsOwner {
		all, err := s.store.ListAllPermissions(ctx)
		if err != nil {
			return nil, err
		}
		return groupWithSource(all, SourceOwner), nil
	}

	now := s.now().UTC()
	var direct, fromRoles, enterprise []catalog.Permission
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		direct, err = s.store.ListDirectPermissions(ctx, userID, now)
		return err
	})
	g.Go(func() error {
		var err error
		fromRoles, err = s.store.ListRolePermissions(ctx, userID, m.EnterpriseID)
		return err
	})
	g.Go(func() error {
		var err error
		enterprise, err = s.store.ListEnterprisePermissions(ctx, m.EnterpriseID, now)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	merged := make(map[uuid.UUID]EffectivePermission, len(direct)+len(fromRoles)+len(enterprise))
	var order []uuid.UUID
	add := func(perms []catalog.Permission, src Source) {
		for _, p := range perms {
			if _, ok := merged[p.ID]; ok {
				continue
			}
			merged[p.ID] = EffectivePermission{Permission: p, Source: src}
			order = append(order, p.ID)
		}
	}
	add(direct, SourceDirect)
	add(fromRoles, SourceRole)
	add(enterprise, SourceEnterprise)

	grouped := make(map[catalog.Resource][]EffectivePermission)
	for _, id := range order {
		ep := merged[id]
		grouped[ep.Resource] = append(grouped[ep.Resource], ep)
	}
	return grouped, nil
}

func groupWithSource(perms []catalog.Permission, src Source) map[catalog.Resource][]EffectivePermission {
	grouped := make(map[catalog.Resource][]EffectivePermission)
	for _, p := range perms {
		grouped[p.Resource] = append(grouped[p.Resource], EffectivePermission{Permission: p, Source: src})
	}
	return grouped
}

func splitPermissionName(name string) (catalog.Action, catalog.Resource, bool) {
	for _, action := range catalog.Actions() {
		prefix := string(action) + "_"
		if len(name) > len(prefix) && name[:len(prefix)] == prefix {
			resource := catalog.Resource(name[len(prefix):])
			if resource.Valid() {
				return action, resource, true
			}
		}
	}
	return "", "", false
}
