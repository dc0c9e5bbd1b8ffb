package catalog

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bastionhq/bastion/internal/shared"
)

type mockRepository struct {
	perms   map[uuid.UUID]Permission
	byPair  map[string]uuid.UUID
	inserts int
}

func newMockRepository() *mockRepository {
	return &mockRepository{
		perms:  make(map[uuid.UUID]Permission),
		byPair: make(map[string]uuid.UUID),
	}
}

func (m *mockRepository) CountPermissions(ctx context.Context) (int64, error) {
	return int64(len(m.perms)), nil
}

func (m *mockRepository) InsertPermissions(ctx context.Context, perms []Permission) (int64, error) {
	m.inserts++
	var created int64
	for _, p := range perms {
		key := string(p.Action) + "|" + string(p.Resource)
		if _, ok := m.byPair[key]; ok {
			continue
		}
		m.perms[p.ID] = p
		m.byPair[key] = p.ID
		created++
	}
	return created, nil
}

func (m *mockRepository) ListPermissions(ctx context.Context) ([]Permission, error) {
	perms := make([]Permission, 0, len(m.perms))
	for _, p := range m.perms {
		perms = append(perms, p)
	}
	return perms, nil
}

func (m *mockRepository) GetPermission(ctx context.Context, id uuid.UUID) (Permission, error) {
	p, ok := m.perms[id]
	if !ok {
		return Permission{}, shared.ErrNotFound
	}
	return p, nil
}

func (m *mockRepository) ListPermissionsByIDs(ctx context.Context, ids []uuid.UUID) ([]Permission, error) {
	var perms []Permission
	for _, id := range ids {
		if p, ok := m.perms[id]; ok {
			perms = append(perms, p)
		}
	}
	return perms, nil
}

func TestSeedDefaultsCreatesCrossProduct(t *testing.T) {
	repo := newMockRepository()
	svc := NewService(repo, nil)

	result, err := svc.SeedDefaults(context.Background())
	require.NoError(t, err)

	want := int64(len(Actions()) * len(Resources()))
	assert.Equal(t, want, result.Created)
	assert.Equal(t, int64(0), result.Existing)
	assert.Len(t, repo.perms, int(want))
}

func TestSeedDefaultsIsIdempotent(t *testing.T) {
	repo := newMockRepository()
	svc := NewService(repo, nil)

	first, err := svc.SeedDefaults(context.Background())
	require.NoError(t, err)

	second, err := svc.SeedDefaults(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int64(0), second.Created)
	assert.Equal(t, first.Created, second.Existing)
	assert.Equal(t, 1, repo.inserts, "second call must not attempt an insert")
}

func TestPermissionNameFormat(t *testing.T) {
	assert.Equal(t, "READ_USERS", PermissionName(ActionRead, ResourceUsers))
	assert.Equal(t, "DELETE_AUDIT_LOGS", PermissionName(ActionDelete, ResourceAuditLogs))
}

func TestEnumValidity(t *testing.T) {
	assert.True(t, ActionManage.Valid())
	assert.False(t, Action("DROP").Valid())
	assert.True(t, ResourceRoles.Valid())
	assert.False(t, Resource("TABLES").Valid())
}
