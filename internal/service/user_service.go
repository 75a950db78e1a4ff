package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/gpustack-ui/chat-auth-service/internal/domain"
	"github.com/gpustack-ui/chat-auth-service/internal/repository"
	"github.com/gpustack-ui/chat-auth-service/internal/security"
)

const maxPreferenceValueBytes = 16 << 10

var (
	usernamePattern      = regexp.MustCompile(`^[A-Za-z0-9._-]{3,100}$`)
	preferenceKeyPattern = regexp.MustCompile(`^[A-Za-z0-9._-]{1,100}$`)
)

// SessionRevoker is the part of the session manager user administration
// depends on.
type SessionRevoker interface {
	RevokeAll(ctx context.Context, userID uint, reason string) (int64, error)
	InvalidateUser(ctx context.Context, userID uint)
}

type CreateUserInput struct {
	Username           string  `json:"username"`
	Password           string  `json:"password"`
	Email              *string `json:"email,omitempty"`
	FullName           string  `json:"full_name"`
	IsAdmin            bool    `json:"is_admin"`
	MustChangePassword bool    `json:"must_change_password"`
}

type UserService struct {
	users          repository.UserRepository
	prefs          repository.PreferenceRepository
	revoker        SessionRevoker
	minPasswordLen int
	logger         *slog.Logger
}

func NewUserService(users repository.UserRepository, prefs repository.PreferenceRepository, revoker SessionRevoker, minPasswordLen int, logger *slog.Logger) *UserService {
	if logger == nil {
		logger = slog.Default()
	}
	return &UserService{
		users:          users,
		prefs:          prefs,
		revoker:        revoker,
		minPasswordLen: minPasswordLen,
		logger:         logger.With("component", "user_service"),
	}
}

func (s *UserService) Get(ctx context.Context, id uint) (*domain.User, error) {
	return s.users.FindByID(ctx, id)
}

func (s *UserService) List(ctx context.Context, query repository.UserListQuery) (repository.PageResult[domain.User], error) {
	return s.users.ListPaged(ctx, query)
}

// Create adds a local account. Provider-sourced accounts are only ever
// created by login reconciliation.
func (s *UserService) Create(ctx context.Context, in CreateUserInput) (*domain.User, error) {
	username := strings.TrimSpace(in.Username)
	if !usernamePattern.MatchString(username) {
		return nil, ErrInvalidUsername
	}
	if err := s.checkPasswordPolicy(in.Password); err != nil {
		return nil, err
	}
	hash, err := security.HashPassword(in.Password)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	user := &domain.User{
		Username:           username,
		Email:              normalizeEmail(in.Email),
		PasswordHash:       &hash,
		FullName:           strings.TrimSpace(in.FullName),
		IsAdmin:            in.IsAdmin,
		IsActive:           true,
		MustChangePassword: in.MustChangePassword,
		AuthSource:         domain.AuthSourceLocal,
	}
	if err := s.users.Create(ctx, user); err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "user created", "user_id", user.ID, "username", user.Username, "is_admin", user.IsAdmin)
	return user, nil
}

// SetActive toggles the active flag. Deactivation revokes every session so
// outstanding tokens stop working on their next use.
func (s *UserService) SetActive(ctx context.Context, id uint, active bool) (*domain.User, error) {
	if err := s.users.SetActive(ctx, id, active); err != nil {
		return nil, err
	}
	if active {
		s.revoker.InvalidateUser(ctx, id)
	} else if _, err := s.revoker.RevokeAll(ctx, id, "user_deactivated"); err != nil {
		return nil, err
	}
	return s.users.FindByID(ctx, id)
}

// ChangePassword verifies the current password, stores the new hash and
// clears must_change_password.
func (s *UserService) ChangePassword(ctx context.Context, userID uint, current, next string) error {
	user, err := s.users.FindByID(ctx, userID)
	if err != nil {
		return err
	}
	if !user.HasPassword() {
		return ErrExternalAccount
	}
	if !security.CheckPassword(*user.PasswordHash, current) {
		return ErrPasswordMismatch
	}
	if err := s.checkPasswordPolicy(next); err != nil {
		return err
	}
	if current == next {
		return fmt.Errorf("%w: new password must differ from the current one", ErrWeakPassword)
	}
	hash, err := security.HashPassword(next)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	if err := s.users.SetPassword(ctx, userID, hash, false); err != nil {
		return err
	}
	s.revoker.InvalidateUser(ctx, userID)
	s.logger.InfoContext(ctx, "password changed", "user_id", userID)
	return nil
}

func (s *UserService) Preferences(ctx context.Context, userID uint) (map[string]json.RawMessage, error) {
	prefs, err := s.prefs.List(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := make(map[string]json.RawMessage, len(prefs))
	for _, p := range prefs {
		out[p.Key] = json.RawMessage(p.Value)
	}
	return out, nil
}

func (s *UserService) SetPreference(ctx context.Context, userID uint, key string, value json.RawMessage) error {
	if !preferenceKeyPattern.MatchString(key) || len(value) == 0 ||
		len(value) > maxPreferenceValueBytes || !json.Valid(value) {
		return ErrInvalidPreference
	}
	return s.prefs.Upsert(ctx, &domain.UserPreference{UserID: userID, Key: key, Value: string(value)})
}

func (s *UserService) DeletePreference(ctx context.Context, userID uint, key string) error {
	return s.prefs.Delete(ctx, userID, key)
}

// EnsureBootstrapAdmin seeds the first admin account when none exists. The
// account must change its password on first use. When no password is
// configured a random one is generated and returned so the caller can show it
// once; it is never logged by this method.
func (s *UserService) EnsureBootstrapAdmin(ctx context.Context, username, password string) (created bool, generated string, err error) {
	n, err := s.users.CountAdmins(ctx)
	if err != nil {
		return false, "", fmt.Errorf("count admins: %w", err)
	}
	if n > 0 {
		return false, "", nil
	}
	username = strings.TrimSpace(username)
	if !usernamePattern.MatchString(username) {
		return false, "", ErrInvalidUsername
	}
	if password == "" {
		raw, err := security.NewTokenID()
		if err != nil {
			return false, "", err
		}
		password = raw[:20]
		generated = password
	}
	hash, err := security.HashPassword(password)
	if err != nil {
		return false, "", fmt.Errorf("hash bootstrap password: %w", err)
	}
	user := &domain.User{
		Username:           username,
		PasswordHash:       &hash,
		FullName:           "Administrator",
		IsAdmin:            true,
		IsActive:           true,
		MustChangePassword: true,
		AuthSource:         domain.AuthSourceLocal,
	}
	if err := s.users.Create(ctx, user); err != nil {
		if errors.Is(err, repository.ErrUserExists) {
			return false, "", fmt.Errorf("bootstrap admin %q: username taken by a non-admin account: %w", username, err)
		}
		return false, "", err
	}
	s.logger.InfoContext(ctx, "bootstrap admin created", "user_id", user.ID, "username", username)
	return true, generated, nil
}

func (s *UserService) checkPasswordPolicy(password string) error {
	if len(password) < s.minPasswordLen {
		return fmt.Errorf("%w: at least %d characters required", ErrWeakPassword, s.minPasswordLen)
	}
	if len(password) > security.MaxPasswordBytes {
		return fmt.Errorf("%w: at most %d bytes allowed", ErrWeakPassword, security.MaxPasswordBytes)
	}
	return nil
}

func normalizeEmail(email *string) *string {
	if email == nil {
		return nil
	}
	v := strings.ToLower(strings.TrimSpace(*email))
	if v == "" {
		return nil
	}
	return &v
}
