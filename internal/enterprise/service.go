package enterprise

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/bastionhq/bastion/internal/audit"
	"github.com/bastionhq/bastion/internal/shared"
)

// CreateInput carries the fields for enterprise creation.
type CreateInput struct {
	Name        string
	Description string
	Website     string
	LogoURL     string
}

// UpdateInput carries optional enterprise updates.
type UpdateInput struct {
	Name        *string
	Description *string
	Website     *string
	LogoURL     *string
}

// MyEnterpriseView is the caller-centric membership summary.
type MyEnterpriseView struct {
	HasEnterprise bool        `json:"hasEnterprise"`
	IsOwner       bool        `json:"isOwner,omitempty"`
	JoinedAt      *time.Time  `json:"joinedAt,omitempty"`
	Enterprise    *Enterprise `json:"enterprise,omitempty"`
	Members       []Member    `json:"members,omitempty"`
}

// Service implements the enterprise lifecycle and membership store.
type Service struct {
	repo   RepositoryPort
	sink   audit.Sink
	logger *slog.Logger
}

// NewService builds Service instance.
func NewService(repo RepositoryPort, sink audit.Sink, logger *slog.Logger) *Service {
	return &Service{repo: repo, sink: sink, logger: logger}
}

// ==================== MEMBERSHIP STORE ====================

// MembershipOf returns the user's membership or nil when they have none.
func (s *Service) MembershipOf(ctx context.Context, userID uuid.UUID) (*Membership, error) {
	m, err := s.repo.FindMembershipByUser(ctx, userID)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return m, nil
}

// IsOwner reports whether the user owns their enterprise.
func (s *Service) IsOwner(ctx context.Context, userID uuid.UUID) (bool, error) {
	m, err := s.MembershipOf(ctx, userID)
	if err != nil {
		return false, err
	}
	return m != nil && m.IsOwner, nil
}

// SameEnterprise reports whether both users belong to the same enterprise.
func (s *Service) SameEnterprise(ctx context.Context, userA, userB uuid.UUID) (bool, error) {
	a, err := s.MembershipOf(ctx, userA)
	if err != nil {
		return false, err
	}
	b, err := s.MembershipOf(ctx, userB)
	if err != nil {
		return false, err
	}
	return a != nil && b != nil && a.EnterpriseID == b.EnterpriseID, nil
}

// verifyOwnership resolves the caller's membership and requires the owner flag.
func (s *Service) verifyOwnership(ctx context.Context, userID uuid.UUID) (*Membership, error) {
	m, err := s.MembershipOf(ctx, userID)
	if err != nil {
		return nil, err
	}
	if m == nil || !m.IsOwner {
		return nil, fmt.Errorf("%w: only the owner may perform this action", shared.ErrForbidden)
	}
	return m, nil
}

// ==================== ENTERPRISE CRUD ====================

// Create provisions a new enterprise with the creator as owner. The
// single-membership precondition is re-checked inside the same transaction
// that inserts the rows, so two concurrent creations cannot both succeed.
func (s *Service) Create(ctx context.Context, actorID uuid.UUID, input CreateInput) (*Enterprise, error) {
	existing, err := s.MembershipOf(ctx, actorID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, fmt.Errorf("%w: user already belongs to an enterprise", shared.ErrConflict)
	}

	now := time.Now().UTC()
	ent := Enterprise{
		ID:          uuid.New(),
		Name:        strings.TrimSpace(input.Name),
		Description: strings.TrimSpace(input.Description),
		Website:     strings.TrimSpace(input.Website),
		LogoURL:     strings.TrimSpace(input.LogoURL),
		IsActive:    true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if ent.Name == "" {
		return nil, errors.New("enterprise: name required")
	}

	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if _, err := tx.FindMembershipByUser(ctx, actorID); err == nil {
			return fmt.Errorf("%w: user already belongs to an enterprise", shared.ErrConflict)
		} else if !errors.Is(err, shared.ErrNotFound) {
			return err
		}
		if err := tx.CreateEnterprise(ctx, ent); err != nil {
			return err
		}
		return tx.CreateMembership(ctx, Membership{
			ID:           uuid.New(),
			UserID:       actorID,
			EnterpriseID: ent.ID,
			IsOwner:      true,
			JoinedAt:     now,
		})
	})
	if err != nil {
		return nil, err
	}

	s.record(ctx, actorID, audit.ActionEnterpriseCreate, "ENTERPRISE", ent.ID.String(), map[string]any{"name": ent.Name})
	if s.logger != nil {
		s.logger.Info("enterprise created", slog.String("enterprise", ent.ID.String()), slog.String("owner", actorID.String()))
	}
	return &ent, nil
}

// List returns all active enterprises.
func (s *Service) List(ctx context.Context) ([]EnterpriseSummary, error) {
	return s.repo.ListActiveEnterprises(ctx)
}

// Get fetches an enterprise by ID.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Enterprise, error) {
	return s.repo.GetEnterprise(ctx, id)
}

// Update applies owner-initiated changes.
func (s *Service) Update(ctx context.Context, actorID, enterpriseID uuid.UUID, input UpdateInput) (*Enterprise, error) {
	m, err := s.verifyOwnership(ctx, actorID)
	if err != nil {
		return nil, err
	}
	if m.EnterpriseID != enterpriseID {
		return nil, fmt.Errorf("%w: enterprise is not yours", shared.ErrForbidden)
	}

	ent, err := s.repo.GetEnterprise(ctx, enterpriseID)
	if err != nil {
		return nil, err
	}
	if input.Name != nil {
		ent.Name = strings.TrimSpace(*input.Name)
	}
	if input.Description != nil {
		ent.Description = strings.TrimSpace(*input.Description)
	}
	if input.Website != nil {
		ent.Website = strings.TrimSpace(*input.Website)
	}
	if input.LogoURL != nil {
		ent.LogoURL = strings.TrimSpace(*input.LogoURL)
	}
	if err := s.repo.UpdateEnterprise(ctx, ent); err != nil {
		return nil, err
	}

	s.record(ctx, actorID, audit.ActionEnterpriseUpdate, "ENTERPRISE", ent.ID.String(), nil)
	return ent, nil
}

// SoftDelete deactivates the enterprise. Memberships persist for history.
func (s *Service) SoftDelete(ctx context.Context, actorID, enterpriseID uuid.UUID) error {
	m, err := s.verifyOwnership(ctx, actorID)
	if err != nil {
		return err
	}
	if m.EnterpriseID != enterpriseID {
		return fmt.Errorf("%w: enterprise is not yours", shared.ErrForbidden)
	}
	if err := s.repo.DeactivateEnterprise(ctx, enterpriseID); err != nil {
		return err
	}
	s.record(ctx, actorID, audit.ActionEnterpriseDelete, "ENTERPRISE", enterpriseID.String(), nil)
	return nil
}

// MyEnterprise returns the caller's enterprise with its member roster.
func (s *Service) MyEnterprise(ctx context.Context, userID uuid.UUID) (*MyEnterpriseView, error) {
	m, err := s.MembershipOf(ctx, userID)
	if err != nil {
		return nil, err
	}
	if m == nil {
		return &MyEnterpriseView{HasEnterprise: false}, nil
	}
	ent, err := s.repo.GetEnterprise(ctx, m.EnterpriseID)
	if err != nil {
		return nil, err
	}
	members, err := s.repo.ListMembers(ctx, m.EnterpriseID)
	if err != nil {
		return nil, err
	}
	return &MyEnterpriseView{
		HasEnterprise: true,
		IsOwner:       m.IsOwner,
		JoinedAt:      &m.JoinedAt,
		Enterprise:    ent,
		Members:       members,
	}, nil
}

// ==================== JOIN REQUESTS ====================

// RequestToJoin files (or revives) a join request for an active enterprise.
func (s *Service) RequestToJoin(ctx context.Context, userID, enterpriseID uuid.UUID) (*JoinRequest, error) {
	if _, err := s.repo.GetActiveEnterprise(ctx, enterpriseID); err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			return nil, fmt.Errorf("%w: enterprise not found", shared.ErrNotFound)
		}
		return nil, err
	}

	membership, err := s.MembershipOf(ctx, userID)
	if err != nil {
		return nil, err
	}
	if membership != nil {
		return nil, fmt.Errorf("%w: you already belong to an enterprise", shared.ErrConflict)
	}

	existing, err := s.repo.FindJoinRequest(ctx, userID, enterpriseID)
	if err != nil && !errors.Is(err, shared.ErrNotFound) {
		return nil, err
	}
	now := time.Now().UTC()
	if existing != nil {
		switch existing.Status {
		case JoinRequestPending:
			return nil, fmt.Errorf("%w: a pending request for this enterprise already exists", shared.ErrConflict)
		case JoinRequestRejected:
			// Resubmit reuses the unique (user, enterprise) row.
			if err := s.repo.ResetJoinRequest(ctx, existing.ID, now); err != nil {
				return nil, err
			}
			revived := *existing
			revived.Status = JoinRequestPending
			revived.RequestedAt = now
			revived.ProcessedAt = nil
			revived.ProcessedBy = nil
			s.record(ctx, userID, audit.ActionEnterpriseJoinRequest, "ENTERPRISE", enterpriseID.String(), nil)
			return &revived, nil
		default:
			return nil, fmt.Errorf("%w: request already approved", shared.ErrConflict)
		}
	}

	req := JoinRequest{
		ID:           uuid.New(),
		UserID:       userID,
		EnterpriseID: enterpriseID,
		Status:       JoinRequestPending,
		RequestedAt:  now,
	}
	if err := s.repo.CreateJoinRequest(ctx, req); err != nil {
		return nil, err
	}
	s.record(ctx, userID, audit.ActionEnterpriseJoinRequest, "ENTERPRISE", enterpriseID.String(), nil)
	return &req, nil
}

// Approve accepts a pending request and creates the member's row in the same
// transaction. The single-membership invariant is re-checked inside the
// transaction to close the concurrent-approval race.
func (s *Service) Approve(ctx context.Context, adminID, requestID uuid.UUID) error {
	return s.handleJoinRequest(ctx, adminID, requestID, true)
}

// Reject declines a pending request.
func (s *Service) Reject(ctx context.Context, adminID, requestID uuid.UUID) error {
	return s.handleJoinRequest(ctx, adminID, requestID, false)
}

func (s *Service) handleJoinRequest(ctx context.Context, adminID, requestID uuid.UUID, approve bool) error {
	req, err := s.repo.GetJoinRequest(ctx, requestID)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			return fmt.Errorf("%w: join request not found", shared.ErrNotFound)
		}
		return err
	}
	if req.Status != JoinRequestPending {
		return fmt.Errorf("%w: request already processed", shared.ErrConflict)
	}

	admin, err := s.verifyOwnership(ctx, adminID)
	if err != nil {
		return err
	}
	if admin.EnterpriseID != req.EnterpriseID {
		return fmt.Errorf("%w: request targets another enterprise", shared.ErrForbidden)
	}

	now := time.Now().UTC()
	if !approve {
		err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			return tx.MarkJoinRequest(ctx, requestID, JoinRequestRejected, adminID, now)
		})
		if err != nil {
			return err
		}
		s.record(ctx, adminID, audit.ActionEnterpriseJoinReject, "ENTERPRISE", req.EnterpriseID.String(), map[string]any{"userId": req.UserID.String()})
		return nil
	}

	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if _, err := tx.FindMembershipByUser(ctx, req.UserID); err == nil {
			return fmt.Errorf("%w: user already belongs to an enterprise", shared.ErrConflict)
		} else if !errors.Is(err, shared.ErrNotFound) {
			return err
		}
		if err := tx.MarkJoinRequest(ctx, requestID, JoinRequestApproved, adminID, now); err != nil {
			return err
		}
		return tx.CreateMembership(ctx, Membership{
			ID:           uuid.New(),
			UserID:       req.UserID,
			EnterpriseID: req.EnterpriseID,
			IsOwner:      false,
			JoinedAt:     now,
		})
	})
	if err != nil {
		return err
	}
	s.record(ctx, adminID, audit.ActionEnterpriseJoinApprove, "ENTERPRISE", req.EnterpriseID.String(), map[string]any{"userId": req.UserID.String()})
	return nil
}

// CancelJoinRequest lets the requester withdraw a pending request.
func (s *Service) CancelJoinRequest(ctx context.Context, userID, requestID uuid.UUID) error {
	req, err := s.repo.GetJoinRequest(ctx, requestID)
	if err != nil {
		return err
	}
	if req.UserID != userID {
		return fmt.Errorf("%w: not your request", shared.ErrForbidden)
	}
	if req.Status != JoinRequestPending {
		return fmt.Errorf("%w: only pending requests can be cancelled", shared.ErrConflict)
	}
	return s.repo.DeleteJoinRequest(ctx, requestID)
}

// PendingRequests lists a enterprise's pending requests. Owner only.
func (s *Service) PendingRequests(ctx context.Context, adminID, enterpriseID uuid.UUID) ([]JoinRequest, error) {
	admin, err := s.verifyOwnership(ctx, adminID)
	if err != nil {
		return nil, err
	}
	if admin.EnterpriseID != enterpriseID {
		return nil, fmt.Errorf("%w: enterprise is not yours", shared.ErrForbidden)
	}
	return s.repo.ListPendingRequests(ctx, enterpriseID)
}

// MyRequests lists the caller's join requests.
func (s *Service) MyRequests(ctx context.Context, userID uuid.UUID) ([]JoinRequest, error) {
	return s.repo.ListRequestsByUser(ctx, userID)
}

// ==================== LEAVE / REMOVE / TRANSFER ====================

// Leave removes the caller's membership. The owner must transfer ownership
// first.
func (s *Service) Leave(ctx context.Context, userID uuid.UUID) error {
	m, err := s.MembershipOf(ctx, userID)
	if err != nil {
		return err
	}
	if m == nil {
		return fmt.Errorf("%w: you do not belong to an enterprise", shared.ErrNotFound)
	}
	if m.IsOwner {
		return fmt.Errorf("%w: the owner cannot leave; transfer ownership first", shared.ErrForbidden)
	}
	if err := s.repo.DeleteMembership(ctx, m.ID); err != nil {
		return err
	}
	s.record(ctx, userID, audit.ActionEnterpriseLeave, "ENTERPRISE", m.EnterpriseID.String(), nil)
	return nil
}

// RemoveMember expels a non-owner member. Owner only.
func (s *Service) RemoveMember(ctx context.Context, ownerID, memberID uuid.UUID) error {
	owner, err := s.verifyOwnership(ctx, ownerID)
	if err != nil {
		return err
	}
	member, err := s.repo.GetMembership(ctx, memberID, owner.EnterpriseID)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			return fmt.Errorf("%w: user does not belong to this enterprise", shared.ErrNotFound)
		}
		return err
	}
	if member.IsOwner {
		return fmt.Errorf("%w: the owner cannot be removed", shared.ErrForbidden)
	}
	if err := s.repo.DeleteMembership(ctx, member.ID); err != nil {
		return err
	}
	s.record(ctx, ownerID, audit.ActionMemberRemove, "USERS", memberID.String(), nil)
	return nil
}

// TransferOwnership flips the owner flag on exactly two membership rows in
// one transaction. A failure partway leaves ownership unchanged.
func (s *Service) TransferOwnership(ctx context.Context, currentOwnerID, newOwnerID uuid.UUID) error {
	owner, err := s.verifyOwnership(ctx, currentOwnerID)
	if err != nil {
		return err
	}
	successor, err := s.repo.GetMembership(ctx, newOwnerID, owner.EnterpriseID)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			return fmt.Errorf("%w: user does not belong to this enterprise", shared.ErrNotFound)
		}
		return err
	}
	if successor.ID == owner.ID {
		return fmt.Errorf("%w: you already own this enterprise", shared.ErrConflict)
	}

	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := tx.SetOwnerFlag(ctx, owner.ID, false); err != nil {
			return err
		}
		return tx.SetOwnerFlag(ctx, successor.ID, true)
	})
	if err != nil {
		return err
	}

	s.record(ctx, currentOwnerID, audit.ActionOwnershipTransfer, "ENTERPRISE", owner.EnterpriseID.String(), map[string]any{"newOwner": newOwnerID.String()})
	if s.logger != nil {
		s.logger.Info("ownership transferred",
			slog.String("enterprise", owner.EnterpriseID.String()),
			slog.String("from", currentOwnerID.String()),
			slog.String("to", newOwnerID.String()))
	}
	return nil
}

func (s *Service) record(ctx context.Context, actorID uuid.UUID, action, resource, resourceID string, changes map[string]any) {
	if s.sink == nil {
		return
	}
	err := s.sink.Record(ctx, audit.Entry{
		ActorID:    actorID,
		Action:     action,
		Resource:   resource,
		ResourceID: resourceID,
		Changes:    changes,
	})
	if err != nil && s.logger != nil {
		s.logger.Warn("audit record failed", slog.Any("error", err))
	}
}
