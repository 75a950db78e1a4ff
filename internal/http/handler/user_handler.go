package handler

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/gpustack-ui/chat-auth-service/internal/domain"
	"github.com/gpustack-ui/chat-auth-service/internal/http/middleware"
	"github.com/gpustack-ui/chat-auth-service/internal/http/response"
	"github.com/gpustack-ui/chat-auth-service/internal/observability"
	"github.com/gpustack-ui/chat-auth-service/internal/repository"
	"github.com/gpustack-ui/chat-auth-service/internal/service"
)

const maxPreferenceBody = 32 << 10

type PreferenceStore interface {
	Preferences(ctx context.Context, userID uint) (map[string]json.RawMessage, error)
	SetPreference(ctx context.Context, userID uint, key string, value json.RawMessage) error
	DeletePreference(ctx context.Context, userID uint, key string) error
}

type UserSessions interface {
	ListUserSessions(ctx context.Context, userID uint, currentFamilyID string, page repository.PageRequest) (repository.PageResult[service.SessionView], error)
	RevokeUserSessions(ctx context.Context, userID uint, reason string) (int64, error)
}

type UserHandler struct {
	prefs    PreferenceStore
	sessions UserSessions
}

func NewUserHandler(prefs PreferenceStore, sessions UserSessions) *UserHandler {
	return &UserHandler{prefs: prefs, sessions: sessions}
}

type meResponse struct {
	*domain.User
	HasPassword bool `json:"has_password"`
}

func (h *UserHandler) Me(w http.ResponseWriter, r *http.Request) {
	user := middleware.CurrentUser(r.Context())
	response.JSON(w, r, http.StatusOK, meResponse{User: user, HasPassword: user.HasPassword()})
}

func (h *UserHandler) Sessions(w http.ResponseWriter, r *http.Request) {
	principal, _ := middleware.PrincipalFromContext(r.Context())
	page, err := h.sessions.ListUserSessions(r.Context(), principal.User.ID, principal.Session.FamilyID, pageFromQuery(r))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	response.JSON(w, r, http.StatusOK, page)
}

// RevokeAllSessions logs the caller out everywhere, including the session
// that made this request.
func (h *UserHandler) RevokeAllSessions(w http.ResponseWriter, r *http.Request) {
	user := middleware.CurrentUser(r.Context())
	n, err := h.sessions.RevokeUserSessions(r.Context(), user.ID, "user_revoke_all")
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	observability.Audit(r, "session.revoke_all", "user_id", user.ID, "revoked", n)
	response.JSON(w, r, http.StatusOK, map[string]int64{"revoked": n})
}

func (h *UserHandler) Preferences(w http.ResponseWriter, r *http.Request) {
	user := middleware.CurrentUser(r.Context())
	prefs, err := h.prefs.Preferences(r.Context(), user.ID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	response.JSON(w, r, http.StatusOK, prefs)
}

// SetPreference stores the raw JSON request body under the path key.
func (h *UserHandler) SetPreference(w http.ResponseWriter, r *http.Request) {
	user := middleware.CurrentUser(r.Context())
	key := chi.URLParam(r, "key")
	body, err := io.ReadAll(io.LimitReader(r.Body, maxPreferenceBody+1))
	if err != nil {
		badRequest(w, r, errBadRequest)
		return
	}
	if err := h.prefs.SetPreference(r.Context(), user.ID, key, json.RawMessage(body)); err != nil {
		writeServiceError(w, r, err)
		return
	}
	response.JSON(w, r, http.StatusOK, map[string]json.RawMessage{key: body})
}

func (h *UserHandler) DeletePreference(w http.ResponseWriter, r *http.Request) {
	user := middleware.CurrentUser(r.Context())
	if err := h.prefs.DeletePreference(r.Context(), user.ID, chi.URLParam(r, "key")); err != nil {
		writeServiceError(w, r, err)
		return
	}
	response.NoContent(w)
}
