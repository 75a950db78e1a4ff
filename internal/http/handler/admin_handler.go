package handler

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/gpustack-ui/chat-auth-service/internal/domain"
	"github.com/gpustack-ui/chat-auth-service/internal/http/middleware"
	"github.com/gpustack-ui/chat-auth-service/internal/http/response"
	"github.com/gpustack-ui/chat-auth-service/internal/observability"
	"github.com/gpustack-ui/chat-auth-service/internal/repository"
	"github.com/gpustack-ui/chat-auth-service/internal/service"
)

type UserAdmin interface {
	List(ctx context.Context, query repository.UserListQuery) (repository.PageResult[domain.User], error)
	Create(ctx context.Context, in service.CreateUserInput) (*domain.User, error)
	SetActive(ctx context.Context, id uint, active bool) (*domain.User, error)
}

type SessionAdmin interface {
	ListSessions(ctx context.Context, query repository.SessionListQuery) (repository.PageResult[repository.SessionRecord], error)
	RevokeUserSessions(ctx context.Context, userID uint, reason string) (int64, error)
}

type SessionCleaner interface {
	RunOnce(ctx context.Context, trigger string) (int64, error)
}

type AdminHandler struct {
	users    UserAdmin
	sessions SessionAdmin
	cleaner  SessionCleaner
}

func NewAdminHandler(users UserAdmin, sessions SessionAdmin, cleaner SessionCleaner) *AdminHandler {
	return &AdminHandler{users: users, sessions: sessions, cleaner: cleaner}
}

type updateUserRequest struct {
	IsActive *bool `json:"is_active"`
}

func (h *AdminHandler) ListUsers(w http.ResponseWriter, r *http.Request) {
	query := repository.UserListQuery{PageRequest: pageFromQuery(r), Search: strings.TrimSpace(r.URL.Query().Get("search"))}
	if raw := r.URL.Query().Get("active"); raw != "" {
		active, err := strconv.ParseBool(raw)
		if err != nil {
			response.Error(w, r, http.StatusBadRequest, "BAD_REQUEST", "active must be a boolean", nil)
			return
		}
		query.Active = &active
	}
	page, err := h.users.List(r.Context(), query)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	response.JSON(w, r, http.StatusOK, page)
}

func (h *AdminHandler) CreateUser(w http.ResponseWriter, r *http.Request) {
	var req service.CreateUserInput
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w, r, err)
		return
	}
	user, err := h.users.Create(r.Context(), req)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	observability.Audit(r, "admin.user.created", "actor_id", middleware.CurrentUser(r.Context()).ID, "user_id", user.ID, "is_admin", user.IsAdmin)
	response.JSON(w, r, http.StatusCreated, user)
}

// UpdateUser toggles the active flag. Admins cannot deactivate themselves.
func (h *AdminHandler) UpdateUser(w http.ResponseWriter, r *http.Request) {
	id, err := uintParam(r, "id")
	if err != nil {
		badRequest(w, r, err)
		return
	}
	var req updateUserRequest
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w, r, err)
		return
	}
	if req.IsActive == nil {
		response.Error(w, r, http.StatusBadRequest, "BAD_REQUEST", "is_active is required", nil)
		return
	}
	actor := middleware.CurrentUser(r.Context())
	if actor.ID == id && !*req.IsActive {
		response.Error(w, r, http.StatusConflict, "SELF_DEACTIVATION", "administrators cannot deactivate themselves", nil)
		return
	}
	user, err := h.users.SetActive(r.Context(), id, *req.IsActive)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	observability.Audit(r, "admin.user.updated", "actor_id", actor.ID, "user_id", id, "is_active", *req.IsActive)
	response.JSON(w, r, http.StatusOK, user)
}

func (h *AdminHandler) ListSessions(w http.ResponseWriter, r *http.Request) {
	query := repository.SessionListQuery{PageRequest: pageFromQuery(r)}
	if raw := r.URL.Query().Get("user_id"); raw != "" {
		id, err := strconv.ParseUint(raw, 10, 64)
		if err != nil || id == 0 {
			response.Error(w, r, http.StatusBadRequest, "BAD_REQUEST", "user_id must be a positive integer", nil)
			return
		}
		query.UserID = uint(id)
	}
	if raw := r.URL.Query().Get("kind"); raw != "" {
		kind := domain.TokenKind(raw)
		if !kind.Valid() {
			response.Error(w, r, http.StatusBadRequest, "BAD_REQUEST", "kind must be access or refresh", nil)
			return
		}
		query.Kind = kind
	}
	page, err := h.sessions.ListSessions(r.Context(), query)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	response.JSON(w, r, http.StatusOK, page)
}

func (h *AdminHandler) RevokeUserSessions(w http.ResponseWriter, r *http.Request) {
	id, err := uintParam(r, "id")
	if err != nil {
		badRequest(w, r, err)
		return
	}
	n, err := h.sessions.RevokeUserSessions(r.Context(), id, "admin_revoke")
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	observability.Audit(r, "admin.sessions.revoked", "actor_id", middleware.CurrentUser(r.Context()).ID, "user_id", id, "revoked", n)
	response.JSON(w, r, http.StatusOK, map[string]int64{"revoked": n})
}

func (h *AdminHandler) CleanupSessions(w http.ResponseWriter, r *http.Request) {
	n, err := h.cleaner.RunOnce(r.Context(), "manual")
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	observability.Audit(r, "admin.sessions.cleanup", "actor_id", middleware.CurrentUser(r.Context()).ID, "deleted", n)
	response.JSON(w, r, http.StatusOK, map[string]int64{"deleted": n})
}
