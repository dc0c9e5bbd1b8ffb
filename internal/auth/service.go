// Package auth handles credential verification and session login/logout.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/bastionhq/bastion/internal/audit"
	"github.com/bastionhq/bastion/internal/shared"
	"github.com/bastionhq/bastion/internal/users"
)

// UserStore is the slice of the users package the authenticator needs.
type UserStore interface {
	FindByEmail(ctx context.Context, email string) (*users.User, error)
}

// Service verifies credentials.
type Service struct {
	store  UserStore
	sink   audit.Sink
	logger *slog.Logger
}

// NewService builds Service instance.
func NewService(store UserStore, sink audit.Sink, logger *slog.Logger) *Service {
	return &Service{store: store, sink: sink, logger: logger}
}

// Authenticate checks email and password. Unknown emails and wrong passwords
// are indistinguishable to the caller.
func (s *Service) Authenticate(ctx context.Context, email, password string) (*users.User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	user, err := s.store.FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			return nil, shared.ErrInvalidCredentials
		}
		return nil, err
	}
	if !user.IsActive {
		return nil, fmt.Errorf("%w: account disabled", shared.ErrInvalidCredentials)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return nil, shared.ErrInvalidCredentials
	}

	if s.sink != nil {
		err := s.sink.Record(ctx, audit.Entry{
			ActorID:  user.ID,
			Action:   audit.ActionLogin,
			Resource: "USERS",
		})
		if err != nil && s.logger != nil {
			s.logger.Warn("audit record failed", slog.Any("error", err))
		}
	}
	return user, nil
}
