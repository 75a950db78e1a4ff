package repository

import (
	"context"
	"errors"
	"time"

	"github.com/gpustack-ui/chat-auth-service/internal/domain"
	"github.com/gpustack-ui/chat-auth-service/internal/observability"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionConflict = errors.New("session token id already exists")
)

type SessionListQuery struct {
	PageRequest
	UserID uint
	Kind   domain.TokenKind
	Now    time.Time
}

// SessionRecord is a session row joined with its owner's username.
type SessionRecord struct {
	domain.Session
	Username string `json:"username"`
}

type SessionRepository interface {
	Create(ctx context.Context, sessions ...*domain.Session) error
	FindByTokenID(ctx context.Context, tokenID string) (*domain.Session, error)
	Touch(ctx context.Context, tokenID string, at time.Time) error
	DeleteByTokenID(ctx context.Context, tokenID string) (int64, error)
	DeleteByFamilyID(ctx context.Context, familyID string) (int64, error)
	DeleteByUserID(ctx context.Context, userID uint) (int64, error)
	Rotate(ctx context.Context, oldTokenID string, graceUntil *time.Time, next ...*domain.Session) error
	ListActive(ctx context.Context, query SessionListQuery) (PageResult[SessionRecord], error)
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

type GormSessionRepository struct{ db *gorm.DB }

func NewSessionRepository(db *gorm.DB) SessionRepository { return &GormSessionRepository{db: db} }

// Create inserts all rows in one transaction so a login never leaves half a
// token pair behind.
func (r *GormSessionRepository) Create(ctx context.Context, sessions ...*domain.Session) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, s := range sessions {
			if err := tx.Create(s).Error; err != nil {
				return translateSessionError(err)
			}
		}
		return nil
	})
	if err != nil {
		observability.RecordRepositoryOperation(ctx, "session", "create", outcomeFor(err, ErrSessionConflict, "conflict"))
		return err
	}
	observability.RecordRepositoryOperation(ctx, "session", "create", "success")
	return nil
}

func (r *GormSessionRepository) FindByTokenID(ctx context.Context, tokenID string) (*domain.Session, error) {
	var s domain.Session
	err := r.db.WithContext(ctx).Where("token_id = ?", tokenID).First(&s).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			observability.RecordRepositoryOperation(ctx, "session", "find_by_token_id", "not_found")
			return nil, ErrSessionNotFound
		}
		observability.RecordRepositoryOperation(ctx, "session", "find_by_token_id", "error")
		return nil, err
	}
	observability.RecordRepositoryOperation(ctx, "session", "find_by_token_id", "success")
	return &s, nil
}

func (r *GormSessionRepository) Touch(ctx context.Context, tokenID string, at time.Time) error {
	err := r.db.WithContext(ctx).Model(&domain.Session{}).
		Where("token_id = ?", tokenID).
		Update("last_accessed_at", at.UTC()).Error
	if err != nil {
		observability.RecordRepositoryOperation(ctx, "session", "touch", "error")
		return err
	}
	observability.RecordRepositoryOperation(ctx, "session", "touch", "success")
	return nil
}

func (r *GormSessionRepository) DeleteByTokenID(ctx context.Context, tokenID string) (int64, error) {
	res := r.db.WithContext(ctx).Where("token_id = ?", tokenID).Delete(&domain.Session{})
	if res.Error != nil {
		observability.RecordRepositoryOperation(ctx, "session", "delete_by_token_id", "error")
		return 0, res.Error
	}
	observability.RecordRepositoryOperation(ctx, "session", "delete_by_token_id", "success")
	return res.RowsAffected, nil
}

func (r *GormSessionRepository) DeleteByFamilyID(ctx context.Context, familyID string) (int64, error) {
	res := r.db.WithContext(ctx).Where("family_id = ?", familyID).Delete(&domain.Session{})
	if res.Error != nil {
		observability.RecordRepositoryOperation(ctx, "session", "delete_by_family_id", "error")
		return 0, res.Error
	}
	observability.RecordRepositoryOperation(ctx, "session", "delete_by_family_id", "success")
	return res.RowsAffected, nil
}

func (r *GormSessionRepository) DeleteByUserID(ctx context.Context, userID uint) (int64, error) {
	res := r.db.WithContext(ctx).Where("user_id = ?", userID).Delete(&domain.Session{})
	if res.Error != nil {
		observability.RecordRepositoryOperation(ctx, "session", "delete_by_user_id", "error")
		return 0, res.Error
	}
	observability.RecordRepositoryOperation(ctx, "session", "delete_by_user_id", "success")
	return res.RowsAffected, nil
}

// Rotate retires the refresh row identified by oldTokenID and inserts next in
// the same transaction. With a nil graceUntil the old row is deleted; otherwise
// its expiry is pulled in to graceUntil. ErrSessionNotFound means another
// request already consumed the old row.
func (r *GormSessionRepository) Rotate(ctx context.Context, oldTokenID string, graceUntil *time.Time, next ...*domain.Session) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var old domain.Session
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("token_id = ? AND kind = ?", oldTokenID, domain.TokenKindRefresh).
			First(&old).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrSessionNotFound
			}
			return err
		}
		if graceUntil == nil {
			res := tx.Where("id = ?", old.ID).Delete(&domain.Session{})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				return ErrSessionNotFound
			}
		} else if err := tx.Model(&domain.Session{}).
			Where("id = ? AND expires_at > ?", old.ID, graceUntil.UTC()).
			Update("expires_at", graceUntil.UTC()).Error; err != nil {
			return err
		}
		for _, s := range next {
			if err := tx.Create(s).Error; err != nil {
				return translateSessionError(err)
			}
		}
		return nil
	})
	if err != nil {
		observability.RecordRepositoryOperation(ctx, "session", "rotate", outcomeFor(err, ErrSessionNotFound, "not_found"))
		return err
	}
	observability.RecordRepositoryOperation(ctx, "session", "rotate", "success")
	return nil
}

func (r *GormSessionRepository) ListActive(ctx context.Context, query SessionListQuery) (PageResult[SessionRecord], error) {
	now := query.Now
	if now.IsZero() {
		now = time.Now()
	}

	base := r.db.WithContext(ctx).Table("sessions").
		Joins("JOIN users ON users.id = sessions.user_id").
		Where("sessions.expires_at > ?", now.UTC())
	if query.UserID != 0 {
		base = base.Where("sessions.user_id = ?", query.UserID)
	}
	if query.Kind != "" {
		base = base.Where("sessions.kind = ?", query.Kind)
	}

	page, err := paginate(base, query.PageRequest, func(q *gorm.DB, dst *[]SessionRecord) error {
		return q.Select("sessions.*, users.username AS username").
			Order("sessions.created_at DESC").
			Order("sessions.id DESC").
			Scan(dst).Error
	})
	if err != nil {
		observability.RecordRepositoryOperation(ctx, "session", "list_active", "error")
		return PageResult[SessionRecord]{}, err
	}
	observability.RecordRepositoryOperation(ctx, "session", "list_active", "success")
	return page, nil
}

// DeleteExpired removes rows whose expiry is strictly before now.
func (r *GormSessionRepository) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	res := r.db.WithContext(ctx).Where("expires_at < ?", now.UTC()).Delete(&domain.Session{})
	if res.Error != nil {
		observability.RecordRepositoryOperation(ctx, "session", "delete_expired", "error")
		return 0, res.Error
	}
	observability.RecordRepositoryOperation(ctx, "session", "delete_expired", "success")
	return res.RowsAffected, nil
}

func translateSessionError(err error) error {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return ErrSessionConflict
	}
	return err
}

func outcomeFor(err, expected error, label string) string {
	if errors.Is(err, expected) {
		return label
	}
	return "error"
}
