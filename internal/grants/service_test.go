package grants

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bastionhq/bastion/internal/catalog"
	"github.com/bastionhq/bastion/internal/enterprise"
	"github.com/bastionhq/bastion/internal/shared"
)

type mockRepository struct {
	memberships map[uuid.UUID]*enterprise.Membership // by user
	permissions map[uuid.UUID]catalog.Permission
	grants      map[uuid.UUID]*Grant
}

func newMockRepository() *mockRepository {
	return &mockRepository{
		memberships: make(map[uuid.UUID]*enterprise.Membership),
		permissions: make(map[uuid.UUID]catalog.Permission),
		grants:      make(map[uuid.UUID]*Grant),
	}
}

func (m *mockRepository) addMember(userID, enterpriseID uuid.UUID, isOwner bool) {
	m.memberships[userID] = &enterprise.Membership{
		ID: uuid.New(), UserID: userID, EnterpriseID: enterpriseID, IsOwner: isOwner, JoinedAt: time.Now(),
	}
}

func (m *mockRepository) addPermission(action catalog.Action, resource catalog.Resource) catalog.Permission {
	p := catalog.Permission{
		ID:       uuid.New(),
		Action:   action,
		Resource: resource,
		Name:     catalog.PermissionName(action, resource),
	}
	m.permissions[p.ID] = p
	return p
}

func (m *mockRepository) FindMembershipByUser(_ context.Context, userID uuid.UUID) (*enterprise.Membership, error) {
	mem, ok := m.memberships[userID]
	if !ok {
		return nil, shared.ErrNotFound
	}
	copied := *mem
	return &copied, nil
}

func (m *mockRepository) GetGrant(_ context.Context, id uuid.UUID) (*Grant, error) {
	g, ok := m.grants[id]
	if !ok {
		return nil, shared.ErrNotFound
	}
	copied := *g
	return &copied, nil
}

func (m *mockRepository) FindGrant(_ context.Context, enterpriseID, permissionID uuid.UUID) (*Grant, error) {
	for _, g := range m.grants {
		if g.EnterpriseID == enterpriseID && g.PermissionID == permissionID {
			copied := *g
			return &copied, nil
		}
	}
	return nil, shared.ErrNotFound
}

func (m *mockRepository) CreateGrant(_ context.Context, g Grant) error {
	for _, existing := range m.grants {
		if existing.EnterpriseID == g.EnterpriseID && existing.PermissionID == g.PermissionID {
			return fmt.Errorf("%w: permission already granted to this enterprise", shared.ErrConflict)
		}
	}
	m.grants[g.ID] = &g
	return nil
}

func (m *mockRepository) DeleteGrant(_ context.Context, id uuid.UUID) error {
	if _, ok := m.grants[id]; !ok {
		return shared.ErrNotFound
	}
	delete(m.grants, id)
	return nil
}

func (m *mockRepository) UpdateGrantExpiry(_ context.Context, id uuid.UUID, expiresAt *time.Time) error {
	g, ok := m.grants[id]
	if !ok {
		return shared.ErrNotFound
	}
	g.ExpiresAt = expiresAt
	return nil
}

func (m *mockRepository) ListGrants(_ context.Context, enterpriseID uuid.UUID) ([]GrantView, error) {
	now := time.Now().UTC()
	var views []GrantView
	for _, g := range m.grants {
		if g.EnterpriseID != enterpriseID {
			continue
		}
		views = append(views, GrantView{Grant: *g, Permission: m.permissions[g.PermissionID], IsExpired: g.Expired(now)})
	}
	return views, nil
}

func (m *mockRepository) ListGrantedPermissionIDs(_ context.Context, enterpriseID uuid.UUID, permissionIDs []uuid.UUID) ([]uuid.UUID, error) {
	want := make(map[uuid.UUID]struct{}, len(permissionIDs))
	for _, id := range permissionIDs {
		want[id] = struct{}{}
	}
	var out []uuid.UUID
	for _, g := range m.grants {
		if g.EnterpriseID != enterpriseID {
			continue
		}
		if _, ok := want[g.PermissionID]; ok {
			out = append(out, g.PermissionID)
		}
	}
	return out, nil
}

func (m *mockRepository) ListPermissionsByIDs(_ context.Context, ids []uuid.UUID) ([]catalog.Permission, error) {
	var out []catalog.Permission
	for _, id := range ids {
		if p, ok := m.permissions[id]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *mockRepository) ListAllPermissions(context.Context) ([]catalog.Permission, error) {
	var out []catalog.Permission
	for _, p := range m.permissions {
		out = append(out, p)
	}
	return out, nil
}

func TestAssignRequiresOwner(t *testing.T) {
	repo := newMockRepository()
	svc := NewService(repo, nil, nil)
	enterpriseID := uuid.New()
	member := uuid.New()
	repo.addMember(member, enterpriseID, false)
	perm := repo.addPermission(catalog.ActionRead, catalog.ResourceReports)

	_, err := svc.Assign(context.Background(), member, perm.ID, nil)
	assert.ErrorIs(t, err, shared.ErrForbidden)

	_, err = svc.Assign(context.Background(), uuid.New(), perm.ID, nil)
	assert.ErrorIs(t, err, shared.ErrForbidden)
}

func TestAssignUnknownPermission(t *testing.T) {
	repo := newMockRepository()
	svc := NewService(repo, nil, nil)
	owner := uuid.New()
	repo.addMember(owner, uuid.New(), true)

	_, err := svc.Assign(context.Background(), owner, uuid.New(), nil)
	assert.ErrorIs(t, err, shared.ErrNotFound)
}

func TestAssignDuplicateConflicts(t *testing.T) {
	repo := newMockRepository()
	svc := NewService(repo, nil, nil)
	owner := uuid.New()
	repo.addMember(owner, uuid.New(), true)
	perm := repo.addPermission(catalog.ActionRead, catalog.ResourceReports)

	_, err := svc.Assign(context.Background(), owner, perm.ID, nil)
	require.NoError(t, err)
	_, err = svc.Assign(context.Background(), owner, perm.ID, nil)
	assert.ErrorIs(t, err, shared.ErrConflict)
}

func TestBulkAssignPartialSuccess(t *testing.T) {
	repo := newMockRepository()
	svc := NewService(repo, nil, nil)
	owner := uuid.New()
	repo.addMember(owner, uuid.New(), true)
	held := repo.addPermission(catalog.ActionRead, catalog.ResourceReports)
	fresh := repo.addPermission(catalog.ActionUpdate, catalog.ResourceReports)
	_, err := svc.Assign(context.Background(), owner, held.ID, nil)
	require.NoError(t, err)

	result, err := svc.BulkAssign(context.Background(), owner, []uuid.UUID{held.ID, fresh.ID}, nil)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{fresh.ID}, result.Assigned)
	assert.Equal(t, []uuid.UUID{held.ID}, result.Skipped)
}

func TestBulkAssignAllHeldConflicts(t *testing.T) {
	repo := newMockRepository()
	svc := NewService(repo, nil, nil)
	owner := uuid.New()
	repo.addMember(owner, uuid.New(), true)
	perm := repo.addPermission(catalog.ActionRead, catalog.ResourceReports)
	_, err := svc.Assign(context.Background(), owner, perm.ID, nil)
	require.NoError(t, err)

	_, err = svc.BulkAssign(context.Background(), owner, []uuid.UUID{perm.ID}, nil)
	assert.ErrorIs(t, err, shared.ErrConflict)
}

func TestBulkAssignUnknownIDGrantsNothing(t *testing.T) {
	repo := newMockRepository()
	svc := NewService(repo, nil, nil)
	owner := uuid.New()
	repo.addMember(owner, uuid.New(), true)
	perm := repo.addPermission(catalog.ActionRead, catalog.ResourceReports)

	_, err := svc.BulkAssign(context.Background(), owner, []uuid.UUID{perm.ID, uuid.New()}, nil)
	assert.ErrorIs(t, err, shared.ErrNotFound)
	assert.Empty(t, repo.grants, "a batch with an unknown id must grant nothing")
}

func TestRevokeCrossEnterpriseForbidden(t *testing.T) {
	repo := newMockRepository()
	svc := NewService(repo, nil, nil)
	ownerA := uuid.New()
	repo.addMember(ownerA, uuid.New(), true)
	ownerB := uuid.New()
	repo.addMember(ownerB, uuid.New(), true)
	perm := repo.addPermission(catalog.ActionRead, catalog.ResourceReports)

	g, err := svc.Assign(context.Background(), ownerA, perm.ID, nil)
	require.NoError(t, err)

	err = svc.Revoke(context.Background(), ownerB, g.ID)
	assert.ErrorIs(t, err, shared.ErrForbidden)

	require.NoError(t, svc.Revoke(context.Background(), ownerA, g.ID))
	err = svc.Revoke(context.Background(), ownerA, g.ID)
	assert.ErrorIs(t, err, shared.ErrNotFound)
}

func TestUpdateExpiration(t *testing.T) {
	repo := newMockRepository()
	svc := NewService(repo, nil, nil)
	owner := uuid.New()
	repo.addMember(owner, uuid.New(), true)
	perm := repo.addPermission(catalog.ActionRead, catalog.ResourceReports)
	g, err := svc.Assign(context.Background(), owner, perm.ID, nil)
	require.NoError(t, err)

	future := time.Now().Add(time.Hour).UTC()
	updated, err := svc.UpdateExpiration(context.Background(), owner, g.ID, &future)
	require.NoError(t, err)
	require.NotNil(t, updated.ExpiresAt)
	assert.False(t, updated.Expired(time.Now()))
	assert.True(t, updated.Expired(future.Add(time.Minute)))

	// Clearing makes the grant permanent again.
	updated, err = svc.UpdateExpiration(context.Background(), owner, g.ID, nil)
	require.NoError(t, err)
	assert.Nil(t, updated.ExpiresAt)
	assert.False(t, updated.Expired(time.Now().Add(24*365*time.Hour)))
}

func TestListFlagsExpiredGrants(t *testing.T) {
	repo := newMockRepository()
	svc := NewService(repo, nil, nil)
	enterpriseID := uuid.New()
	owner := uuid.New()
	repo.addMember(owner, enterpriseID, true)
	member := uuid.New()
	repo.addMember(member, enterpriseID, false)
	perm := repo.addPermission(catalog.ActionRead, catalog.ResourceReports)

	past := time.Now().Add(-time.Hour).UTC()
	g := Grant{ID: uuid.New(), EnterpriseID: enterpriseID, PermissionID: perm.ID, GrantedBy: owner, GrantedAt: past, ExpiresAt: &past}
	require.NoError(t, repo.CreateGrant(context.Background(), g))

	// Plain members may list.
	views, err := svc.List(context.Background(), member)
	require.NoError(t, err)
	require.Len(t, views, 1)
	assert.True(t, views[0].IsExpired)
}

func TestAvailableExcludesGranted(t *testing.T) {
	repo := newMockRepository()
	svc := NewService(repo, nil, nil)
	owner := uuid.New()
	repo.addMember(owner, uuid.New(), true)
	granted := repo.addPermission(catalog.ActionRead, catalog.ResourceReports)
	free := repo.addPermission(catalog.ActionDelete, catalog.ResourceUsers)
	_, err := svc.Assign(context.Background(), owner, granted.ID, nil)
	require.NoError(t, err)

	grouped, err := svc.Available(context.Background(), owner)
	require.NoError(t, err)
	require.Len(t, grouped, 1)
	require.Len(t, grouped[catalog.ResourceUsers], 1)
	assert.Equal(t, free.ID, grouped[catalog.ResourceUsers][0].ID)
}
