package service

import (
	"errors"

	"github.com/gpustack-ui/chat-auth-service/internal/repository"
	"github.com/gpustack-ui/chat-auth-service/internal/security"
)

var (
	ErrInvalidCredentials  = errors.New("invalid username or password")
	ErrProviderUnavailable = errors.New("identity provider unavailable")
	ErrUserDeactivated     = errors.New("user account is deactivated")
	ErrTokenKindMismatch   = errors.New("token kind mismatch")
	ErrInvalidUsername     = errors.New("username must be 3-100 characters of letters, digits, '.', '_' or '-'")
	ErrWeakPassword        = errors.New("password does not meet the length policy")
	ErrPasswordMismatch    = errors.New("current password is incorrect")
	ErrInvalidPreference   = errors.New("preference key or value is invalid")
	ErrExternalAccount     = errors.New("password is managed by the identity provider")

	ErrSessionNotFound    = repository.ErrSessionNotFound
	ErrSessionConflict    = repository.ErrSessionConflict
	ErrUserNotFound       = repository.ErrUserNotFound
	ErrUserExists         = repository.ErrUserExists
	ErrPreferenceNotFound = repository.ErrPreferenceNotFound
)

// FailureReason names why a token was refused. The value is only ever logged
// or attached to metrics; clients always see a generic 401.
func FailureReason(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, security.ErrTokenMalformed),
		errors.Is(err, security.ErrTokenBadSignature),
		errors.Is(err, security.ErrTokenExpired):
		return security.TokenErrorReason(err)
	case errors.Is(err, ErrSessionNotFound):
		return "session_not_found"
	case errors.Is(err, ErrTokenKindMismatch):
		return "kind_mismatch"
	case errors.Is(err, ErrUserDeactivated):
		return "user_deactivated"
	case errors.Is(err, ErrUserNotFound):
		return "user_not_found"
	default:
		return "internal"
	}
}

// IsUnauthenticated reports whether err is a token or session failure that
// should surface as 401 rather than a server error.
func IsUnauthenticated(err error) bool {
	switch FailureReason(err) {
	case "none", "internal":
		return false
	default:
		return true
	}
}
