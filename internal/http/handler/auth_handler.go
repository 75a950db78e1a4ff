package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gpustack-ui/chat-auth-service/internal/http/middleware"
	"github.com/gpustack-ui/chat-auth-service/internal/http/response"
	"github.com/gpustack-ui/chat-auth-service/internal/observability"
	"github.com/gpustack-ui/chat-auth-service/internal/security"
	"github.com/gpustack-ui/chat-auth-service/internal/service"
)

type SessionManager interface {
	Login(ctx context.Context, username, password string, meta service.ClientMeta) (*service.LoginResult, error)
	Refresh(ctx context.Context, refreshToken string, meta service.ClientMeta) (*service.LoginResult, error)
	Logout(ctx context.Context, tokens ...string) (int64, error)
}

type PasswordChanger interface {
	ChangePassword(ctx context.Context, userID uint, current, next string) error
}

type AuthHandler struct {
	sessions  SessionManager
	passwords PasswordChanger
}

func NewAuthHandler(sessions SessionManager, passwords PasswordChanger) *AuthHandler {
	return &AuthHandler{sessions: sessions, passwords: passwords}
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type changePasswordRequest struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}

// Login accepts JSON or an OAuth2 password-grant style form body.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/x-www-form-urlencoded") {
		if err := r.ParseForm(); err != nil {
			badRequest(w, r, errBadRequest)
			return
		}
		req.Username, req.Password = r.PostForm.Get("username"), r.PostForm.Get("password")
	} else if err := decodeJSON(r, &req); err != nil {
		badRequest(w, r, err)
		return
	}
	if strings.TrimSpace(req.Username) == "" || req.Password == "" {
		response.Error(w, r, http.StatusBadRequest, "BAD_REQUEST", "username and password are required", nil)
		return
	}

	res, err := h.sessions.Login(r.Context(), req.Username, req.Password, clientMeta(r))
	switch {
	case err == nil:
		observability.Audit(r, "auth.login", "outcome", "success", "user_id", res.User.ID)
		response.JSON(w, r, http.StatusOK, res)
	case errors.Is(err, service.ErrInvalidCredentials), errors.Is(err, service.ErrUserDeactivated):
		observability.Audit(r, "auth.login", "outcome", "rejected", "reason", service.FailureReason(err))
		response.Error(w, r, http.StatusUnauthorized, "INVALID_CREDENTIALS", "incorrect username or password", nil)
	case errors.Is(err, service.ErrProviderUnavailable):
		observability.Audit(r, "auth.login", "outcome", "provider_unavailable")
		response.Error(w, r, http.StatusServiceUnavailable, "PROVIDER_UNAVAILABLE", "identity provider is unavailable, try again later", nil)
	default:
		slog.ErrorContext(r.Context(), "login failed", "error", err)
		response.Error(w, r, http.StatusInternalServerError, "INTERNAL", "internal server error", nil)
	}
}

func (h *AuthHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w, r, err)
		return
	}
	if req.RefreshToken == "" {
		response.Error(w, r, http.StatusBadRequest, "BAD_REQUEST", "refresh_token is required", nil)
		return
	}
	res, err := h.sessions.Refresh(r.Context(), req.RefreshToken, clientMeta(r))
	if err != nil {
		if service.IsUnauthenticated(err) {
			observability.Audit(r, "auth.refresh", "outcome", "rejected", "reason", service.FailureReason(err))
			response.Error(w, r, http.StatusUnauthorized, "UNAUTHORIZED", "invalid or expired refresh token", nil)
			return
		}
		slog.ErrorContext(r.Context(), "refresh failed", "error", err)
		response.Error(w, r, http.StatusInternalServerError, "INTERNAL", "internal server error", nil)
		return
	}
	response.JSON(w, r, http.StatusOK, res)
}

// Logout revokes the family of the bearer token and of an optional
// refresh_token in the body. Unknown or broken tokens are ignored.
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	// The body is optional: chunked requests report an unknown length and
	// only show they are empty once decoding hits EOF.
	var req refreshRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		badRequest(w, r, err)
		return
	}
	tokens := []string{security.BearerToken(r), req.RefreshToken}
	revoked, err := h.sessions.Logout(r.Context(), tokens...)
	if err != nil {
		slog.ErrorContext(r.Context(), "logout failed", "error", err)
		response.Error(w, r, http.StatusInternalServerError, "INTERNAL", "internal server error", nil)
		return
	}
	attrs := []any{"revoked", revoked}
	if user := middleware.CurrentUser(r.Context()); user != nil {
		attrs = append(attrs, "user_id", user.ID)
	}
	observability.Audit(r, "auth.logout", attrs...)
	response.JSON(w, r, http.StatusOK, map[string]any{"revoked": revoked})
}

func (h *AuthHandler) ChangePassword(w http.ResponseWriter, r *http.Request) {
	user := middleware.CurrentUser(r.Context())
	var req changePasswordRequest
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w, r, err)
		return
	}
	if err := h.passwords.ChangePassword(r.Context(), user.ID, req.CurrentPassword, req.NewPassword); err != nil {
		writeServiceError(w, r, err)
		return
	}
	observability.Audit(r, "auth.password.changed", "user_id", user.ID)
	response.JSON(w, r, http.StatusOK, map[string]string{"status": "password_changed"})
}

func clientMeta(r *http.Request) service.ClientMeta {
	return service.ClientMeta{IP: security.ClientIP(r), UserAgent: security.UserAgent(r)}
}
