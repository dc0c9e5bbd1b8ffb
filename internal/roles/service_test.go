package roles

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
	memberships     map[uuid.UUID]*enterprise.Membership // by user
	permissions     map[uuid.UUID]catalog.Permission
	roles           map[uuid.UUID]*Role
	rolePermissions map[uuid.UUID]map[uuid.UUID]struct{} // role -> permission set
	userRoles       map[uuid.UUID]*UserRole
}

func newMockRepository() *mockRepository {
	return &mockRepository{
		memberships:     make(map[uuid.UUID]*enterprise.Membership),
		permissions:     make(map[uuid.UUID]catalog.Permission),
		roles:           make(map[uuid.UUID]*Role),
		rolePermissions: make(map[uuid.UUID]map[uuid.UUID]struct{}),
		userRoles:       make(map[uuid.UUID]*UserRole),
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

func (m *mockRepository) addSystemRole(name string) *Role {
	r := &Role{ID: uuid.New(), Name: name, IsSystem: true}
	m.roles[r.ID] = r
	return r
}

func (m *mockRepository) FindMembershipByUser(_ context.Context, userID uuid.UUID) (*enterprise.Membership, error) {
	mem, ok := m.memberships[userID]
	if !ok {
		return nil, shared.ErrNotFound
	}
	copied := *mem
	return &copied, nil
}

func (m *mockRepository) GetRole(_ context.Context, id uuid.UUID) (*Role, error) {
	r, ok := m.roles[id]
	if !ok {
		return nil, shared.ErrNotFound
	}
	copied := *r
	return &copied, nil
}

func (m *mockRepository) CreateRole(_ context.Context, r Role) error {
	for _, existing := range m.roles {
		sameScope := (existing.EnterpriseID == nil) == (r.EnterpriseID == nil)
		if sameScope && existing.EnterpriseID != nil && *existing.EnterpriseID == *r.EnterpriseID && existing.Name == r.Name {
			return fmt.Errorf("%w: a role with that name already exists", shared.ErrConflict)
		}
	}
	m.roles[r.ID] = &r
	return nil
}

func (m *mockRepository) UpdateRole(_ context.Context, r *Role) error {
	if _, ok := m.roles[r.ID]; !ok {
		return shared.ErrNotFound
	}
	copied := *r
	m.roles[r.ID] = &copied
	return nil
}

func (m *mockRepository) DeleteRole(_ context.Context, id uuid.UUID) error {
	if _, ok := m.roles[id]; !ok {
		return shared.ErrNotFound
	}
	delete(m.roles, id)
	delete(m.rolePermissions, id)
	for urID, ur := range m.userRoles {
		if ur.RoleID == id {
			delete(m.userRoles, urID)
		}
	}
	return nil
}

func (m *mockRepository) ListRoles(_ context.Context, enterpriseID uuid.UUID) ([]RoleView, error) {
	var views []RoleView
	for _, r := range m.roles {
		if r.IsSystem || (r.EnterpriseID != nil && *r.EnterpriseID == enterpriseID) {
			views = append(views, RoleView{Role: *r, Permissions: m.permissionsOf(r.ID)})
		}
	}
	return views, nil
}

func (m *mockRepository) permissionsOf(roleID uuid.UUID) []catalog.Permission {
	var perms []catalog.Permission
	for pid := range m.rolePermissions[roleID] {
		perms = append(perms, m.permissions[pid])
	}
	return perms
}

func (m *mockRepository) AddRolePermission(_ context.Context, roleID, permissionID uuid.UUID) error {
	set, ok := m.rolePermissions[roleID]
	if !ok {
		set = make(map[uuid.UUID]struct{})
		m.rolePermissions[roleID] = set
	}
	if _, ok := set[permissionID]; ok {
		return fmt.Errorf("%w: role already has this permission", shared.ErrConflict)
	}
	set[permissionID] = struct{}{}
	return nil
}

func (m *mockRepository) RemoveRolePermission(_ context.Context, roleID, permissionID uuid.UUID) error {
	set := m.rolePermissions[roleID]
	if _, ok := set[permissionID]; !ok {
		return fmt.Errorf("%w: role does not have this permission", shared.ErrNotFound)
	}
	delete(set, permissionID)
	return nil
}

func (m *mockRepository) ListRolePermissions(_ context.Context, roleID uuid.UUID) ([]catalog.Permission, error) {
	return m.permissionsOf(roleID), nil
}

func (m *mockRepository) CreateUserRole(_ context.Context, ur UserRole) error {
	for _, existing := range m.userRoles {
		if existing.UserID == ur.UserID && existing.RoleID == ur.RoleID {
			return fmt.Errorf("%w: user already has this role", shared.ErrConflict)
		}
	}
	m.userRoles[ur.ID] = &ur
	return nil
}

func (m *mockRepository) DeleteUserRole(_ context.Context, userID, roleID uuid.UUID) error {
	for id, ur := range m.userRoles {
		if ur.UserID == userID && ur.RoleID == roleID {
			delete(m.userRoles, id)
			return nil
		}
	}
	return fmt.Errorf("%w: user does not have this role", shared.ErrNotFound)
}

func (m *mockRepository) ListUserRoles(_ context.Context, userID uuid.UUID) ([]RoleView, error) {
	var views []RoleView
	for _, ur := range m.userRoles {
		if ur.UserID != userID {
			continue
		}
		if r, ok := m.roles[ur.RoleID]; ok {
			views = append(views, RoleView{Role: *r, Permissions: m.permissionsOf(r.ID)})
		}
	}
	return views, nil
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

type fixture struct {
	repo         *mockRepository
	svc          *Service
	enterpriseID uuid.UUID
	owner        uuid.UUID
	member       uuid.UUID
}

func newFixture() *fixture {
	repo := newMockRepository()
	f := &fixture{
		repo:         repo,
		svc:          NewService(repo, nil, nil),
		enterpriseID: uuid.New(),
		owner:        uuid.New(),
		member:       uuid.New(),
	}
	repo.addMember(f.owner, f.enterpriseID, true)
	repo.addMember(f.member, f.enterpriseID, false)
	return f
}

func TestCreateRoleWithPermissions(t *testing.T) {
	f := newFixture()
	p1 := f.repo.addPermission(catalog.ActionRead, catalog.ResourceReports)
	p2 := f.repo.addPermission(catalog.ActionUpdate, catalog.ResourceReports)

	view, err := f.svc.Create(context.Background(), f.owner, CreateInput{
		Name:          "Analyst",
		PermissionIDs: []uuid.UUID{p1.ID, p2.ID},
	})
	require.NoError(t, err)
	assert.False(t, view.IsSystem)
	require.NotNil(t, view.EnterpriseID)
	assert.Equal(t, f.enterpriseID, *view.EnterpriseID)
	assert.Len(t, view.Permissions, 2)
}

func TestCreateRoleDuplicateNameConflicts(t *testing.T) {
	f := newFixture()
	_, err := f.svc.Create(context.Background(), f.owner, CreateInput{Name: "Analyst"})
	require.NoError(t, err)
	_, err = f.svc.Create(context.Background(), f.owner, CreateInput{Name: "Analyst"})
	assert.ErrorIs(t, err, shared.ErrConflict)
}

func TestCreateRoleUnknownPermission(t *testing.T) {
	f := newFixture()
	_, err := f.svc.Create(context.Background(), f.owner, CreateInput{
		Name:          "Analyst",
		PermissionIDs: []uuid.UUID{uuid.New()},
	})
	assert.ErrorIs(t, err, shared.ErrNotFound)
	assert.Empty(t, f.repo.roles)
}

func TestSystemRoleIsImmutable(t *testing.T) {
	f := newFixture()
	sys := f.repo.addSystemRole("Administrator")
	perm := f.repo.addPermission(catalog.ActionManage, catalog.ResourceUsers)
	name := "Renamed"

	_, err := f.svc.Update(context.Background(), f.owner, sys.ID, &name, nil)
	assert.ErrorIs(t, err, shared.ErrForbidden)

	err = f.svc.Delete(context.Background(), f.owner, sys.ID)
	assert.ErrorIs(t, err, shared.ErrForbidden)

	err = f.svc.AddPermission(context.Background(), f.owner, sys.ID, perm.ID)
	assert.ErrorIs(t, err, shared.ErrForbidden)
}

func TestSystemRoleCanBeAssigned(t *testing.T) {
	f := newFixture()
	sys := f.repo.addSystemRole("Administrator")

	ur, err := f.svc.AssignToUser(context.Background(), f.owner, sys.ID, f.member)
	require.NoError(t, err)
	assert.Equal(t, f.owner, ur.AssignedBy)

	_, err = f.svc.AssignToUser(context.Background(), f.owner, sys.ID, f.member)
	assert.ErrorIs(t, err, shared.ErrConflict)
}

func TestCrossEnterpriseRoleForbidden(t *testing.T) {
	f := newFixture()
	otherOwner := uuid.New()
	f.repo.addMember(otherOwner, uuid.New(), true)
	view, err := f.svc.Create(context.Background(), otherOwner, CreateInput{Name: "Other"})
	require.NoError(t, err)

	_, err = f.svc.AssignToUser(context.Background(), f.owner, view.ID, f.member)
	assert.ErrorIs(t, err, shared.ErrForbidden)

	name := "Stolen"
	_, err = f.svc.Update(context.Background(), f.owner, view.ID, &name, nil)
	assert.ErrorIs(t, err, shared.ErrForbidden)
}

func TestAssignRoleToOutsiderFails(t *testing.T) {
	f := newFixture()
	view, err := f.svc.Create(context.Background(), f.owner, CreateInput{Name: "Analyst"})
	require.NoError(t, err)

	// A user with no membership at all does not exist for the owner.
	_, err = f.svc.AssignToUser(context.Background(), f.owner, view.ID, uuid.New())
	assert.ErrorIs(t, err, shared.ErrNotFound)

	// A member of another enterprise is off limits, not invisible.
	outsider := uuid.New()
	f.repo.addMember(outsider, uuid.New(), false)
	_, err = f.svc.AssignToUser(context.Background(), f.owner, view.ID, outsider)
	assert.ErrorIs(t, err, shared.ErrForbidden)
}

func TestRolePermissionLifecycle(t *testing.T) {
	f := newFixture()
	perm := f.repo.addPermission(catalog.ActionRead, catalog.ResourceReports)
	view, err := f.svc.Create(context.Background(), f.owner, CreateInput{Name: "Analyst"})
	require.NoError(t, err)

	require.NoError(t, f.svc.AddPermission(context.Background(), f.owner, view.ID, perm.ID))
	err = f.svc.AddPermission(context.Background(), f.owner, view.ID, perm.ID)
	assert.ErrorIs(t, err, shared.ErrConflict)

	require.NoError(t, f.svc.RemovePermission(context.Background(), f.owner, view.ID, perm.ID))
	err = f.svc.RemovePermission(context.Background(), f.owner, view.ID, perm.ID)
	assert.ErrorIs(t, err, shared.ErrNotFound)
}

func TestDeleteRoleDropsUserLinks(t *testing.T) {
	f := newFixture()
	view, err := f.svc.Create(context.Background(), f.owner, CreateInput{Name: "Analyst"})
	require.NoError(t, err)
	_, err = f.svc.AssignToUser(context.Background(), f.owner, view.ID, f.member)
	require.NoError(t, err)

	require.NoError(t, f.svc.Delete(context.Background(), f.owner, view.ID))

	views, err := f.svc.MyRoles(context.Background(), f.member)
	require.NoError(t, err)
	assert.Empty(t, views)
}

func TestUserRolesVisibility(t *testing.T) {
	f := newFixture()
	view, err := f.svc.Create(context.Background(), f.owner, CreateInput{Name: "Analyst"})
	require.NoError(t, err)
	_, err = f.svc.AssignToUser(context.Background(), f.owner, view.ID, f.member)
	require.NoError(t, err)

	// Members see their own roles.
	mine, err := f.svc.UserRoles(context.Background(), f.member, f.member)
	require.NoError(t, err)
	assert.Len(t, mine, 1)

	// But not anyone else's.
	_, err = f.svc.UserRoles(context.Background(), f.member, f.owner)
	assert.ErrorIs(t, err, shared.ErrForbidden)

	// The owner sees everyone's.
	theirs, err := f.svc.UserRoles(context.Background(), f.owner, f.member)
	require.NoError(t, err)
	assert.Len(t, theirs, 1)

	// But not members of other enterprises.
	outsider := uuid.New()
	f.repo.addMember(outsider, uuid.New(), false)
	_, err = f.svc.UserRoles(context.Background(), f.owner, outsider)
	assert.ErrorIs(t, err, shared.ErrForbidden)
}
