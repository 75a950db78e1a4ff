package repository

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/gpustack-ui/chat-auth-service/internal/domain"
	"github.com/gpustack-ui/chat-auth-service/internal/observability"

	"gorm.io/gorm"
)

var (
	ErrUserNotFound = errors.New("user not found")
	ErrUserExists   = errors.New("user already exists")
)

type UserListQuery struct {
	PageRequest
	Search string
	Active *bool
}

type UserRepository interface {
	FindByID(ctx context.Context, id uint) (*domain.User, error)
	FindByUsername(ctx context.Context, username string) (*domain.User, error)
	FindByExternalID(ctx context.Context, externalID int64) (*domain.User, error)
	Create(ctx context.Context, user *domain.User) error
	UpdateProfile(ctx context.Context, user *domain.User) error
	UpdateLastLogin(ctx context.Context, id uint, at time.Time) error
	SetActive(ctx context.Context, id uint, active bool) error
	SetPassword(ctx context.Context, id uint, hash string, mustChange bool) error
	ListPaged(ctx context.Context, query UserListQuery) (PageResult[domain.User], error)
	CountAdmins(ctx context.Context) (int64, error)
}

type GormUserRepository struct{ db *gorm.DB }

func NewUserRepository(db *gorm.DB) UserRepository { return &GormUserRepository{db: db} }

func (r *GormUserRepository) FindByID(ctx context.Context, id uint) (*domain.User, error) {
	return r.findOne(ctx, "find_by_id", "id = ?", id)
}

func (r *GormUserRepository) FindByUsername(ctx context.Context, username string) (*domain.User, error) {
	return r.findOne(ctx, "find_by_username", "username = ?", username)
}

func (r *GormUserRepository) FindByExternalID(ctx context.Context, externalID int64) (*domain.User, error) {
	return r.findOne(ctx, "find_by_external_id", "external_id = ?", externalID)
}

func (r *GormUserRepository) findOne(ctx context.Context, op, where string, arg any) (*domain.User, error) {
	var u domain.User
	err := r.db.WithContext(ctx).Where(where, arg).First(&u).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			observability.RecordRepositoryOperation(ctx, "user", op, "not_found")
			return nil, ErrUserNotFound
		}
		observability.RecordRepositoryOperation(ctx, "user", op, "error")
		return nil, err
	}
	observability.RecordRepositoryOperation(ctx, "user", op, "success")
	return &u, nil
}

func (r *GormUserRepository) Create(ctx context.Context, user *domain.User) error {
	err := r.db.WithContext(ctx).Create(user).Error
	if err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			observability.RecordRepositoryOperation(ctx, "user", "create", "conflict")
			return ErrUserExists
		}
		observability.RecordRepositoryOperation(ctx, "user", "create", "error")
		return err
	}
	observability.RecordRepositoryOperation(ctx, "user", "create", "success")
	return nil
}

// UpdateProfile writes the provider-sourced profile fields. Username and the
// admin flag are left untouched.
func (r *GormUserRepository) UpdateProfile(ctx context.Context, user *domain.User) error {
	updates := map[string]any{
		"email":       user.Email,
		"full_name":   user.FullName,
		"external_id": user.ExternalID,
		"auth_source": user.AuthSource,
	}
	res := r.db.WithContext(ctx).Model(&domain.User{}).Where("id = ?", user.ID).Updates(updates)
	if res.Error != nil {
		if errors.Is(res.Error, gorm.ErrDuplicatedKey) {
			observability.RecordRepositoryOperation(ctx, "user", "update_profile", "conflict")
			return ErrUserExists
		}
		observability.RecordRepositoryOperation(ctx, "user", "update_profile", "error")
		return res.Error
	}
	observability.RecordRepositoryOperation(ctx, "user", "update_profile", "success")
	return nil
}

func (r *GormUserRepository) UpdateLastLogin(ctx context.Context, id uint, at time.Time) error {
	return r.updateColumns(ctx, "update_last_login", id, map[string]any{"last_login_at": at.UTC()})
}

func (r *GormUserRepository) SetActive(ctx context.Context, id uint, active bool) error {
	return r.updateColumns(ctx, "set_active", id, map[string]any{"is_active": active})
}

func (r *GormUserRepository) SetPassword(ctx context.Context, id uint, hash string, mustChange bool) error {
	return r.updateColumns(ctx, "set_password", id, map[string]any{
		"password_hash":        hash,
		"must_change_password": mustChange,
	})
}

func (r *GormUserRepository) updateColumns(ctx context.Context, op string, id uint, updates map[string]any) error {
	res := r.db.WithContext(ctx).Model(&domain.User{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		observability.RecordRepositoryOperation(ctx, "user", op, "error")
		return res.Error
	}
	if res.RowsAffected == 0 {
		observability.RecordRepositoryOperation(ctx, "user", op, "not_found")
		return ErrUserNotFound
	}
	observability.RecordRepositoryOperation(ctx, "user", op, "success")
	return nil
}

func (r *GormUserRepository) ListPaged(ctx context.Context, query UserListQuery) (PageResult[domain.User], error) {
	base := r.db.WithContext(ctx).Model(&domain.User{})
	if search := strings.TrimSpace(query.Search); search != "" {
		like := "%" + strings.ToLower(search) + "%"
		base = base.Where("(LOWER(users.username) LIKE ? OR LOWER(users.full_name) LIKE ?)", like, like)
	}
	if query.Active != nil {
		base = base.Where("users.is_active = ?", *query.Active)
	}

	page, err := paginate(base, query.PageRequest, func(q *gorm.DB, dst *[]domain.User) error {
		return q.Order("users.id ASC").Find(dst).Error
	})
	if err != nil {
		observability.RecordRepositoryOperation(ctx, "user", "list_paged", "error")
		return PageResult[domain.User]{}, err
	}
	observability.RecordRepositoryOperation(ctx, "user", "list_paged", "success")
	return page, nil
}

// CountAdmins counts admin accounts whether or not they are active.
func (r *GormUserRepository) CountAdmins(ctx context.Context) (int64, error) {
	var n int64
	if err := r.db.WithContext(ctx).Model(&domain.User{}).Where("is_admin = ?", true).Count(&n).Error; err != nil {
		observability.RecordRepositoryOperation(ctx, "user", "count_admins", "error")
		return 0, err
	}
	observability.RecordRepositoryOperation(ctx, "user", "count_admins", "success")
	return n, nil
}
