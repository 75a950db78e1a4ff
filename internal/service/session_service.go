package service

import (
	"context"
	"time"

	"github.com/gpustack-ui/chat-auth-service/internal/domain"
	"github.com/gpustack-ui/chat-auth-service/internal/repository"
)

type SessionView struct {
	ID             uint             `json:"id"`
	Kind           domain.TokenKind `json:"kind"`
	CreatedAt      time.Time        `json:"created_at"`
	ExpiresAt      time.Time        `json:"expires_at"`
	LastAccessedAt time.Time        `json:"last_accessed_at"`
	UserAgent      string           `json:"user_agent"`
	IP             string           `json:"ip"`
	IsCurrent      bool             `json:"is_current"`
}

// SessionService backs the session listing surfaces. Revocation goes through
// the session manager so caches are invalidated with it.
type SessionService struct {
	sessions repository.SessionRepository
	revoker  SessionRevoker
	now      func() time.Time
}

func NewSessionService(sessions repository.SessionRepository, revoker SessionRevoker) *SessionService {
	return &SessionService{sessions: sessions, revoker: revoker, now: time.Now}
}

// ListSessions returns live sessions for the admin surface, optionally
// narrowed to one user and one token kind.
func (s *SessionService) ListSessions(ctx context.Context, query repository.SessionListQuery) (repository.PageResult[repository.SessionRecord], error) {
	if query.Now.IsZero() {
		query.Now = s.now()
	}
	return s.sessions.ListActive(ctx, query)
}

// ListUserSessions lists the caller's own live sessions and flags those that
// belong to the same login as the presented token.
func (s *SessionService) ListUserSessions(ctx context.Context, userID uint, currentFamilyID string, page repository.PageRequest) (repository.PageResult[SessionView], error) {
	records, err := s.sessions.ListActive(ctx, repository.SessionListQuery{
		PageRequest: page,
		UserID:      userID,
		Now:         s.now(),
	})
	if err != nil {
		return repository.PageResult[SessionView]{}, err
	}
	views := make([]SessionView, 0, len(records.Items))
	for _, rec := range records.Items {
		views = append(views, SessionView{
			ID:             rec.ID,
			Kind:           rec.Kind,
			CreatedAt:      rec.CreatedAt,
			ExpiresAt:      rec.ExpiresAt,
			LastAccessedAt: rec.LastAccessedAt,
			UserAgent:      rec.UserAgent,
			IP:             rec.IP,
			IsCurrent:      currentFamilyID != "" && rec.FamilyID == currentFamilyID,
		})
	}
	window := repository.PageRequest{Page: records.Page, PageSize: records.PageSize}
	return repository.NewPageResult(window, records.Total, views), nil
}

func (s *SessionService) RevokeUserSessions(ctx context.Context, userID uint, reason string) (int64, error) {
	return s.revoker.RevokeAll(ctx, userID, reason)
}
