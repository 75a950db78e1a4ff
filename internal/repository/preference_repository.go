package repository

import (
	"context"
	"errors"

	"github.com/gpustack-ui/chat-auth-service/internal/domain"
	"github.com/gpustack-ui/chat-auth-service/internal/observability"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var ErrPreferenceNotFound = errors.New("preference not found")

type PreferenceRepository interface {
	List(ctx context.Context, userID uint) ([]domain.UserPreference, error)
	Upsert(ctx context.Context, pref *domain.UserPreference) error
	Delete(ctx context.Context, userID uint, key string) error
}

type GormPreferenceRepository struct{ db *gorm.DB }

func NewPreferenceRepository(db *gorm.DB) PreferenceRepository {
	return &GormPreferenceRepository{db: db}
}

func (r *GormPreferenceRepository) List(ctx context.Context, userID uint) ([]domain.UserPreference, error) {
	var prefs []domain.UserPreference
	err := r.db.WithContext(ctx).Where("user_id = ?", userID).Order("key ASC").Find(&prefs).Error
	observability.RecordRepositoryOperation(ctx, "preference", "list", outcome(err))
	return prefs, err
}

func (r *GormPreferenceRepository) Upsert(ctx context.Context, pref *domain.UserPreference) error {
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}, {Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(pref).Error
	observability.RecordRepositoryOperation(ctx, "preference", "upsert", outcome(err))
	return err
}

func (r *GormPreferenceRepository) Delete(ctx context.Context, userID uint, key string) error {
	res := r.db.WithContext(ctx).Where("user_id = ? AND key = ?", userID, key).Delete(&domain.UserPreference{})
	if res.Error != nil {
		observability.RecordRepositoryOperation(ctx, "preference", "delete", "error")
		return res.Error
	}
	if res.RowsAffected == 0 {
		observability.RecordRepositoryOperation(ctx, "preference", "delete", "not_found")
		return ErrPreferenceNotFound
	}
	observability.RecordRepositoryOperation(ctx, "preference", "delete", "success")
	return nil
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
