package enterprise

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bastionhq/bastion/internal/shared"
)

// mockRepository keeps everything in maps and serves both the pool-backed and
// the transactional interface. WithTx simply runs the callback against the
// same state; transactional atomicity itself is the database's job.
type mockRepository struct {
	enterprises  map[uuid.UUID]*Enterprise
	memberships  map[uuid.UUID]*Membership
	joinRequests map[uuid.UUID]*JoinRequest
}

func newMockRepository() *mockRepository {
	return &mockRepository{
		enterprises:  make(map[uuid.UUID]*Enterprise),
		memberships:  make(map[uuid.UUID]*Membership),
		joinRequests: make(map[uuid.UUID]*JoinRequest),
	}
}

func (m *mockRepository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return fn(ctx, m)
}

func (m *mockRepository) CreateEnterprise(_ context.Context, e Enterprise) error {
	for _, existing := range m.enterprises {
		if existing.Name == e.Name {
			return fmt.Errorf("%w: an enterprise with that name already exists", shared.ErrConflict)
		}
	}
	m.enterprises[e.ID] = &e
	return nil
}

func (m *mockRepository) GetEnterprise(_ context.Context, id uuid.UUID) (*Enterprise, error) {
	e, ok := m.enterprises[id]
	if !ok {
		return nil, shared.ErrNotFound
	}
	copied := *e
	return &copied, nil
}

func (m *mockRepository) GetActiveEnterprise(ctx context.Context, id uuid.UUID) (*Enterprise, error) {
	e, err := m.GetEnterprise(ctx, id)
	if err != nil {
		return nil, err
	}
	if !e.IsActive {
		return nil, shared.ErrNotFound
	}
	return e, nil
}

func (m *mockRepository) ListActiveEnterprises(context.Context) ([]EnterpriseSummary, error) {
	var out []EnterpriseSummary
	for _, e := range m.enterprises {
		if !e.IsActive {
			continue
		}
		count := 0
		for _, mem := range m.memberships {
			if mem.EnterpriseID == e.ID {
				count++
			}
		}
		out = append(out, EnterpriseSummary{ID: e.ID, Name: e.Name, MemberCount: count, CreatedAt: e.CreatedAt})
	}
	return out, nil
}

func (m *mockRepository) UpdateEnterprise(_ context.Context, e *Enterprise) error {
	if _, ok := m.enterprises[e.ID]; !ok {
		return shared.ErrNotFound
	}
	copied := *e
	m.enterprises[e.ID] = &copied
	return nil
}

func (m *mockRepository) DeactivateEnterprise(_ context.Context, id uuid.UUID) error {
	e, ok := m.enterprises[id]
	if !ok {
		return shared.ErrNotFound
	}
	e.IsActive = false
	return nil
}

func (m *mockRepository) CreateMembership(_ context.Context, mem Membership) error {
	for _, existing := range m.memberships {
		if existing.UserID == mem.UserID {
			return fmt.Errorf("%w: user already belongs to an enterprise", shared.ErrConflict)
		}
	}
	m.memberships[mem.ID] = &mem
	return nil
}

func (m *mockRepository) FindMembershipByUser(_ context.Context, userID uuid.UUID) (*Membership, error) {
	for _, mem := range m.memberships {
		if mem.UserID == userID {
			copied := *mem
			return &copied, nil
		}
	}
	return nil, shared.ErrNotFound
}

func (m *mockRepository) GetMembership(_ context.Context, userID, enterpriseID uuid.UUID) (*Membership, error) {
	for _, mem := range m.memberships {
		if mem.UserID == userID && mem.EnterpriseID == enterpriseID {
			copied := *mem
			return &copied, nil
		}
	}
	return nil, shared.ErrNotFound
}

func (m *mockRepository) ListMembers(_ context.Context, enterpriseID uuid.UUID) ([]Member, error) {
	var out []Member
	for _, mem := range m.memberships {
		if mem.EnterpriseID == enterpriseID {
			out = append(out, Member{Membership: *mem, Email: "member@example.com"})
		}
	}
	return out, nil
}

func (m *mockRepository) DeleteMembership(_ context.Context, id uuid.UUID) error {
	if _, ok := m.memberships[id]; !ok {
		return shared.ErrNotFound
	}
	delete(m.memberships, id)
	return nil
}

func (m *mockRepository) SetOwnerFlag(_ context.Context, membershipID uuid.UUID, isOwner bool) error {
	mem, ok := m.memberships[membershipID]
	if !ok {
		return shared.ErrNotFound
	}
	mem.IsOwner = isOwner
	return nil
}

func (m *mockRepository) GetJoinRequest(_ context.Context, id uuid.UUID) (*JoinRequest, error) {
	req, ok := m.joinRequests[id]
	if !ok {
		return nil, shared.ErrNotFound
	}
	copied := *req
	return &copied, nil
}

func (m *mockRepository) FindJoinRequest(_ context.Context, userID, enterpriseID uuid.UUID) (*JoinRequest, error) {
	for _, req := range m.joinRequests {
		if req.UserID == userID && req.EnterpriseID == enterpriseID {
			copied := *req
			return &copied, nil
		}
	}
	return nil, shared.ErrNotFound
}

func (m *mockRepository) CreateJoinRequest(_ context.Context, req JoinRequest) error {
	m.joinRequests[req.ID] = &req
	return nil
}

func (m *mockRepository) ResetJoinRequest(_ context.Context, id uuid.UUID, at time.Time) error {
	req, ok := m.joinRequests[id]
	if !ok {
		return shared.ErrNotFound
	}
	req.Status = JoinRequestPending
	req.RequestedAt = at
	req.ProcessedAt = nil
	req.ProcessedBy = nil
	return nil
}

func (m *mockRepository) DeleteJoinRequest(_ context.Context, id uuid.UUID) error {
	if _, ok := m.joinRequests[id]; !ok {
		return shared.ErrNotFound
	}
	delete(m.joinRequests, id)
	return nil
}

func (m *mockRepository) MarkJoinRequest(_ context.Context, id uuid.UUID, status JoinRequestStatus, processedBy uuid.UUID, at time.Time) error {
	req, ok := m.joinRequests[id]
	if !ok || req.Status != JoinRequestPending {
		return fmt.Errorf("%w: request already processed", shared.ErrConflict)
	}
	req.Status = status
	req.ProcessedAt = &at
	req.ProcessedBy = &processedBy
	return nil
}

func (m *mockRepository) ListPendingRequests(_ context.Context, enterpriseID uuid.UUID) ([]JoinRequest, error) {
	var out []JoinRequest
	for _, req := range m.joinRequests {
		if req.EnterpriseID == enterpriseID && req.Status == JoinRequestPending {
			out = append(out, *req)
		}
	}
	return out, nil
}

func (m *mockRepository) ListRequestsByUser(_ context.Context, userID uuid.UUID) ([]JoinRequest, error) {
	var out []JoinRequest
	for _, req := range m.joinRequests {
		if req.UserID == userID {
			out = append(out, *req)
		}
	}
	return out, nil
}

func newTestService(repo *mockRepository) *Service {
	return NewService(repo, nil, nil)
}

func seedEnterprise(t *testing.T, repo *mockRepository, ownerID uuid.UUID) *Enterprise {
	t.Helper()
	svc := newTestService(repo)
	ent, err := svc.Create(context.Background(), ownerID, CreateInput{Name: "Acme Corp " + ownerID.String()[:8]})
	require.NoError(t, err)
	return ent
}

func TestCreateMakesCallerOwner(t *testing.T) {
	repo := newMockRepository()
	ownerID := uuid.New()

	ent := seedEnterprise(t, repo, ownerID)

	m, err := repo.FindMembershipByUser(context.Background(), ownerID)
	require.NoError(t, err)
	assert.True(t, m.IsOwner)
	assert.Equal(t, ent.ID, m.EnterpriseID)
	assert.True(t, ent.IsActive)
}

func TestCreateRejectsSecondMembership(t *testing.T) {
	repo := newMockRepository()
	ownerID := uuid.New()
	seedEnterprise(t, repo, ownerID)

	_, err := newTestService(repo).Create(context.Background(), ownerID, CreateInput{Name: "Globex"})
	assert.ErrorIs(t, err, shared.ErrConflict)
}

func TestJoinRequestLifecycle(t *testing.T) {
	repo := newMockRepository()
	svc := newTestService(repo)
	ownerID := uuid.New()
	ent := seedEnterprise(t, repo, ownerID)
	applicant := uuid.New()

	req, err := svc.RequestToJoin(context.Background(), applicant, ent.ID)
	require.NoError(t, err)
	assert.Equal(t, JoinRequestPending, req.Status)

	// A second petition for the same enterprise while pending conflicts.
	_, err = svc.RequestToJoin(context.Background(), applicant, ent.ID)
	assert.ErrorIs(t, err, shared.ErrConflict)

	require.NoError(t, svc.Approve(context.Background(), ownerID, req.ID))

	m, err := repo.FindMembershipByUser(context.Background(), applicant)
	require.NoError(t, err)
	assert.False(t, m.IsOwner)
	assert.Equal(t, ent.ID, m.EnterpriseID)

	stored, err := repo.GetJoinRequest(context.Background(), req.ID)
	require.NoError(t, err)
	assert.Equal(t, JoinRequestApproved, stored.Status)
	require.NotNil(t, stored.ProcessedBy)
	assert.Equal(t, ownerID, *stored.ProcessedBy)

	// Approving twice conflicts.
	err = svc.Approve(context.Background(), ownerID, req.ID)
	assert.ErrorIs(t, err, shared.ErrConflict)
}

func TestRejectedRequestCanBeResubmitted(t *testing.T) {
	repo := newMockRepository()
	svc := newTestService(repo)
	ownerID := uuid.New()
	ent := seedEnterprise(t, repo, ownerID)
	applicant := uuid.New()

	req, err := svc.RequestToJoin(context.Background(), applicant, ent.ID)
	require.NoError(t, err)
	require.NoError(t, svc.Reject(context.Background(), ownerID, req.ID))

	revived, err := svc.RequestToJoin(context.Background(), applicant, ent.ID)
	require.NoError(t, err)
	assert.Equal(t, req.ID, revived.ID, "resubmit reuses the same row")
	assert.Equal(t, JoinRequestPending, revived.Status)
	assert.Nil(t, revived.ProcessedAt)
	assert.Nil(t, revived.ProcessedBy)
}

func TestApproveRequiresOwnerOfTargetEnterprise(t *testing.T) {
	repo := newMockRepository()
	svc := newTestService(repo)
	ownerA := uuid.New()
	entA := seedEnterprise(t, repo, ownerA)
	ownerB := uuid.New()
	_ = seedEnterprise(t, repo, ownerB)
	applicant := uuid.New()

	req, err := svc.RequestToJoin(context.Background(), applicant, entA.ID)
	require.NoError(t, err)

	// A different enterprise's owner cannot process it.
	err = svc.Approve(context.Background(), ownerB, req.ID)
	assert.ErrorIs(t, err, shared.ErrForbidden)

	// A plain member cannot either.
	require.NoError(t, svc.Approve(context.Background(), ownerA, req.ID))
	err = svc.Reject(context.Background(), applicant, req.ID)
	assert.ErrorIs(t, err, shared.ErrConflict, "already processed wins over permission check")
}

func TestApproveSkipsUsersWhoJoinedElsewhere(t *testing.T) {
	repo := newMockRepository()
	svc := newTestService(repo)
	ownerA := uuid.New()
	entA := seedEnterprise(t, repo, ownerA)
	applicant := uuid.New()

	req, err := svc.RequestToJoin(context.Background(), applicant, entA.ID)
	require.NoError(t, err)

	// Applicant founds their own enterprise before the approval lands.
	_, err = svc.Create(context.Background(), applicant, CreateInput{Name: "Initech"})
	require.NoError(t, err)

	err = svc.Approve(context.Background(), ownerA, req.ID)
	assert.ErrorIs(t, err, shared.ErrConflict)
}

func TestCancelJoinRequest(t *testing.T) {
	repo := newMockRepository()
	svc := newTestService(repo)
	ownerID := uuid.New()
	ent := seedEnterprise(t, repo, ownerID)
	applicant := uuid.New()

	req, err := svc.RequestToJoin(context.Background(), applicant, ent.ID)
	require.NoError(t, err)

	err = svc.CancelJoinRequest(context.Background(), uuid.New(), req.ID)
	assert.ErrorIs(t, err, shared.ErrForbidden)

	require.NoError(t, svc.CancelJoinRequest(context.Background(), applicant, req.ID))
	_, err = repo.GetJoinRequest(context.Background(), req.ID)
	assert.ErrorIs(t, err, shared.ErrNotFound)
}

func TestOwnerCannotLeave(t *testing.T) {
	repo := newMockRepository()
	svc := newTestService(repo)
	ownerID := uuid.New()
	seedEnterprise(t, repo, ownerID)

	err := svc.Leave(context.Background(), ownerID)
	assert.ErrorIs(t, err, shared.ErrForbidden)
}

func TestMemberCanLeave(t *testing.T) {
	repo := newMockRepository()
	svc := newTestService(repo)
	ownerID := uuid.New()
	ent := seedEnterprise(t, repo, ownerID)
	member := uuid.New()
	req, err := svc.RequestToJoin(context.Background(), member, ent.ID)
	require.NoError(t, err)
	require.NoError(t, svc.Approve(context.Background(), ownerID, req.ID))

	require.NoError(t, svc.Leave(context.Background(), member))
	_, err = repo.FindMembershipByUser(context.Background(), member)
	assert.ErrorIs(t, err, shared.ErrNotFound)
}

func TestRemoveMember(t *testing.T) {
	repo := newMockRepository()
	svc := newTestService(repo)
	ownerID := uuid.New()
	ent := seedEnterprise(t, repo, ownerID)
	member := uuid.New()
	req, err := svc.RequestToJoin(context.Background(), member, ent.ID)
	require.NoError(t, err)
	require.NoError(t, svc.Approve(context.Background(), ownerID, req.ID))

	// A non-owner cannot remove anyone.
	err = svc.RemoveMember(context.Background(), member, ownerID)
	assert.ErrorIs(t, err, shared.ErrForbidden)

	// The owner cannot be removed, even by themselves.
	err = svc.RemoveMember(context.Background(), ownerID, ownerID)
	assert.ErrorIs(t, err, shared.ErrForbidden)

	require.NoError(t, svc.RemoveMember(context.Background(), ownerID, member))
	_, err = repo.FindMembershipByUser(context.Background(), member)
	assert.ErrorIs(t, err, shared.ErrNotFound)
}

func TestTransferOwnership(t *testing.T) {
	repo := newMockRepository()
	svc := newTestService(repo)
	ownerID := uuid.New()
	ent := seedEnterprise(t, repo, ownerID)
	member := uuid.New()
	req, err := svc.RequestToJoin(context.Background(), member, ent.ID)
	require.NoError(t, err)
	require.NoError(t, svc.Approve(context.Background(), ownerID, req.ID))

	require.NoError(t, svc.TransferOwnership(context.Background(), ownerID, member))

	oldOwner, err := repo.FindMembershipByUser(context.Background(), ownerID)
	require.NoError(t, err)
	newOwner, err := repo.FindMembershipByUser(context.Background(), member)
	require.NoError(t, err)
	assert.False(t, oldOwner.IsOwner)
	assert.True(t, newOwner.IsOwner)

	// The previous owner can now leave.
	require.NoError(t, svc.Leave(context.Background(), ownerID))
}

func TestTransferOwnershipToOutsiderFails(t *testing.T) {
	repo := newMockRepository()
	svc := newTestService(repo)
	ownerID := uuid.New()
	seedEnterprise(t, repo, ownerID)

	err := svc.TransferOwnership(context.Background(), ownerID, uuid.New())
	assert.ErrorIs(t, err, shared.ErrNotFound)

	m, err := repo.FindMembershipByUser(context.Background(), ownerID)
	require.NoError(t, err)
	assert.True(t, m.IsOwner, "failed transfer leaves ownership unchanged")
}

func TestTransferOwnershipToSelfConflicts(t *testing.T) {
	repo := newMockRepository()
	svc := newTestService(repo)
	ownerID := uuid.New()
	seedEnterprise(t, repo, ownerID)

	err := svc.TransferOwnership(context.Background(), ownerID, ownerID)
	assert.ErrorIs(t, err, shared.ErrConflict)
}

func TestRequestToJoinInactiveEnterprise(t *testing.T) {
	repo := newMockRepository()
	svc := newTestService(repo)
	ownerID := uuid.New()
	ent := seedEnterprise(t, repo, ownerID)
	require.NoError(t, svc.SoftDelete(context.Background(), ownerID, ent.ID))

	_, err := svc.RequestToJoin(context.Background(), uuid.New(), ent.ID)
	assert.ErrorIs(t, err, shared.ErrNotFound)
}

func TestMyEnterprise(t *testing.T) {
	repo := newMockRepository()
	svc := newTestService(repo)
	ownerID := uuid.New()
	seedEnterprise(t, repo, ownerID)

	view, err := svc.MyEnterprise(context.Background(), ownerID)
	require.NoError(t, err)
	assert.True(t, view.HasEnterprise)
	assert.True(t, view.IsOwner)
	require.NotNil(t, view.Enterprise)
	assert.Len(t, view.Members, 1)

	solo, err := svc.MyEnterprise(context.Background(), uuid.New())
	require.NoError(t, err)
	assert.False(t, solo.HasEnterprise)
	assert.Nil(t, solo.Enterprise)
}
