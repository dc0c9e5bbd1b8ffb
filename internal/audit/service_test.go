package audit

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bastionhq/bastion/internal/shared"
)

type membership struct {
	enterpriseID uuid.UUID
	isOwner      bool
}

type mockRepository struct {
	memberships map[uuid.UUID]membership
	entries     []Entry
}

func newMockRepository() *mockRepository {
	return &mockRepository{memberships: make(map[uuid.UUID]membership)}
}

func (m *mockRepository) InsertEntry(_ context.Context, e Entry) error {
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	m.entries = append(m.entries, e)
	return nil
}

func (m *mockRepository) FindMembership(_ context.Context, userID uuid.UUID) (uuid.UUID, bool, error) {
	mem, ok := m.memberships[userID]
	if !ok {
		return uuid.Nil, false, shared.ErrNotFound
	}
	return mem.enterpriseID, mem.isOwner, nil
}

func (m *mockRepository) ListEntries(_ context.Context, enterpriseID uuid.UUID, f Filters) ([]Entry, int, error) {
	var matched []Entry
	for _, e := range m.entries {
		if e.EnterpriseID == nil || *e.EnterpriseID != enterpriseID {
			continue
		}
		if f.Action != "" && e.Action != f.Action {
			continue
		}
		matched = append(matched, e)
	}
	return matched, len(matched), nil
}

func (m *mockRepository) DeleteOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	var kept []Entry
	var deleted int64
	for _, e := range m.entries {
		if e.OccurredAt.Before(cutoff) {
			deleted++
			continue
		}
		kept = append(kept, e)
	}
	m.entries = kept
	return deleted, nil
}

func TestRecordStampsEnterprise(t *testing.T) {
	repo := newMockRepository()
	svc := NewService(repo, nil)
	enterpriseID := uuid.New()
	actor := uuid.New()
	repo.memberships[actor] = membership{enterpriseID: enterpriseID, isOwner: true}

	err := svc.Record(context.Background(), Entry{ActorID: actor, Action: ActionLogin, Resource: "USERS"})
	require.NoError(t, err)
	require.Len(t, repo.entries, 1)
	require.NotNil(t, repo.entries[0].EnterpriseID)
	assert.Equal(t, enterpriseID, *repo.entries[0].EnterpriseID)
	assert.NotEqual(t, uuid.Nil, repo.entries[0].ID)
}

func TestRecordWithoutMembershipStillPersists(t *testing.T) {
	repo := newMockRepository()
	svc := NewService(repo, nil)

	err := svc.Record(context.Background(), Entry{ActorID: uuid.New(), Action: ActionRegister, Resource: "USERS"})
	require.NoError(t, err)
	require.Len(t, repo.entries, 1)
	assert.Nil(t, repo.entries[0].EnterpriseID)
}

func TestRecordRejectsIncompleteEntries(t *testing.T) {
	repo := newMockRepository()
	svc := NewService(repo, nil)

	err := svc.Record(context.Background(), Entry{Action: ActionLogin, Resource: "USERS"})
	assert.Error(t, err)
	assert.Empty(t, repo.entries)
}

func TestListIsOwnerOnly(t *testing.T) {
	repo := newMockRepository()
	svc := NewService(repo, nil)
	enterpriseID := uuid.New()
	owner := uuid.New()
	member := uuid.New()
	repo.memberships[owner] = membership{enterpriseID: enterpriseID, isOwner: true}
	repo.memberships[member] = membership{enterpriseID: enterpriseID, isOwner: false}
	require.NoError(t, svc.Record(context.Background(), Entry{ActorID: owner, Action: ActionEnterpriseCreate, Resource: "ENTERPRISE"}))

	_, err := svc.List(context.Background(), member, Filters{})
	assert.ErrorIs(t, err, shared.ErrForbidden)

	_, err = svc.List(context.Background(), uuid.New(), Filters{})
	assert.ErrorIs(t, err, shared.ErrForbidden)

	result, err := svc.List(context.Background(), owner, Filters{})
	require.NoError(t, err)
	assert.Len(t, result.Entries, 1)
	assert.Equal(t, 1, result.Paging.Total)
}

func TestCleanupDeletesOldEntries(t *testing.T) {
	repo := newMockRepository()
	svc := NewService(repo, nil)
	enterpriseID := uuid.New()
	actor := uuid.New()
	repo.memberships[actor] = membership{enterpriseID: enterpriseID, isOwner: true}

	old := Entry{ID: uuid.New(), ActorID: actor, Action: ActionLogin, Resource: "USERS", OccurredAt: time.Now().Add(-100 * 24 * time.Hour)}
	recent := Entry{ID: uuid.New(), ActorID: actor, Action: ActionLogin, Resource: "USERS", OccurredAt: time.Now()}
	require.NoError(t, svc.Record(context.Background(), old))
	require.NoError(t, svc.Record(context.Background(), recent))

	deleted, err := svc.Cleanup(context.Background(), 90*24*time.Hour)
	require.NoError(t, err)
	assert.EqualValues(t, 1, deleted)
	assert.Len(t, repo.entries, 1)
}
