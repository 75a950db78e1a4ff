package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/gpustack-ui/chat-auth-service/internal/domain"
	"github.com/gpustack-ui/chat-auth-service/internal/identity"
	"github.com/gpustack-ui/chat-auth-service/internal/repository"
	"github.com/gpustack-ui/chat-auth-service/internal/security"
)

// CredentialVerifier resolves a username/password pair to an active user.
type CredentialVerifier interface {
	Authenticate(ctx context.Context, username, password string) (*domain.User, error)
}

type IdentityService struct {
	users              repository.UserRepository
	provider           identity.Provider
	localAuthoritative bool
	logger             *slog.Logger
}

// NewIdentityService wires local bcrypt verification in front of an optional
// external provider. A nil provider means local accounts only.
func NewIdentityService(users repository.UserRepository, provider identity.Provider, localAuthoritative bool, logger *slog.Logger) *IdentityService {
	if logger == nil {
		logger = slog.Default()
	}
	return &IdentityService{
		users:              users,
		provider:           provider,
		localAuthoritative: localAuthoritative,
		logger:             logger.With("component", "identity_service"),
	}
}

// Authenticate checks the local credential store first and falls back to the
// provider when the user is unknown locally, has no local password, or local
// verification is not authoritative. ErrProviderUnavailable is returned only
// when no local credential could have vouched for the user.
func (s *IdentityService) Authenticate(ctx context.Context, username, password string) (*domain.User, error) {
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return nil, ErrInvalidCredentials
	}

	local, err := s.users.FindByUsername(ctx, username)
	if err != nil && !errors.Is(err, repository.ErrUserNotFound) {
		return nil, fmt.Errorf("load user: %w", err)
	}

	localFailed := false
	switch {
	case local != nil && local.HasPassword():
		if security.CheckPassword(*local.PasswordHash, password) {
			return activeUser(local)
		}
		if s.localAuthoritative {
			return nil, ErrInvalidCredentials
		}
		localFailed = true
	case local == nil:
		// Keeps the response time of unknown usernames in line with known ones.
		security.CheckPassword("", password)
	}

	if !s.providerEnabled() {
		return nil, ErrInvalidCredentials
	}
	ext, err := s.provider.Authenticate(ctx, username, password)
	switch {
	case err == nil:
	case errors.Is(err, identity.ErrProviderRejected), errors.Is(err, identity.ErrProviderDisabled):
		return nil, ErrInvalidCredentials
	case errors.Is(err, identity.ErrProviderUnavailable):
		if localFailed {
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	default:
		return nil, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}

	user, err := s.reconcile(ctx, ext, local)
	if err != nil {
		return nil, fmt.Errorf("reconcile provider user: %w", err)
	}
	return activeUser(user)
}

func (s *IdentityService) providerEnabled() bool {
	return s.provider != nil && s.provider.Enabled()
}

// reconcile maps a provider identity onto a local row: first by external id,
// then by username, otherwise a new externally sourced user is created.
// Reconciliation never changes the admin flag of an existing user and never
// grants it to a new one.
func (s *IdentityService) reconcile(ctx context.Context, ext *identity.ExternalUser, byUsername *domain.User) (*domain.User, error) {
	existing, err := s.users.FindByExternalID(ctx, ext.ID)
	switch {
	case err == nil:
	case errors.Is(err, repository.ErrUserNotFound):
		existing = byUsername
		if existing == nil {
			existing, err = s.users.FindByUsername(ctx, ext.Username)
			if err != nil && !errors.Is(err, repository.ErrUserNotFound) {
				return nil, err
			}
		}
	default:
		return nil, err
	}

	if existing == nil {
		return s.createExternalUser(ctx, ext)
	}
	if existing.ExternalID != nil && *existing.ExternalID != ext.ID {
		s.logger.WarnContext(ctx, "provider identity maps to a user linked elsewhere",
			"user_id", existing.ID, "external_id", ext.ID)
		return nil, ErrInvalidCredentials
	}

	applyProfile(existing, ext)
	if !existing.HasPassword() {
		existing.AuthSource = domain.AuthSourceGPUStack
	}
	if err := s.users.UpdateProfile(ctx, existing); err != nil {
		if !errors.Is(err, repository.ErrUserExists) || existing.Email == nil {
			return nil, err
		}
		s.logger.WarnContext(ctx, "provider email already taken, keeping profile without it", "user_id", existing.ID)
		existing.Email = nil
		if err := s.users.UpdateProfile(ctx, existing); err != nil {
			return nil, err
		}
	}
	return existing, nil
}

func (s *IdentityService) createExternalUser(ctx context.Context, ext *identity.ExternalUser) (*domain.User, error) {
	user := &domain.User{
		Username:   ext.Username,
		IsActive:   true,
		AuthSource: domain.AuthSourceGPUStack,
	}
	applyProfile(user, ext)
	err := s.users.Create(ctx, user)
	if errors.Is(err, repository.ErrUserExists) && user.Email != nil {
		s.logger.WarnContext(ctx, "provider email already taken, creating user without it", "username", user.Username)
		user.ID = 0
		user.Email = nil
		err = s.users.Create(ctx, user)
	}
	if err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "provisioned user from identity provider", "user_id", user.ID, "external_id", ext.ID)
	return user, nil
}

func applyProfile(user *domain.User, ext *identity.ExternalUser) {
	id := ext.ID
	user.ExternalID = &id
	if email := strings.TrimSpace(ext.Email); email != "" {
		user.Email = &email
	}
	if name := strings.TrimSpace(ext.FullName); name != "" {
		user.FullName = name
	}
}

func activeUser(user *domain.User) (*domain.User, error) {
	if !user.IsActive {
		return nil, ErrUserDeactivated
	}
	return user, nil
}
