package domain

import "time"

type AuthSource string

const (
	AuthSourceLocal    AuthSource = "local"
	AuthSourceGPUStack AuthSource = "gpustack"
)

type User struct {
	ID                 uint             `gorm:"primaryKey" json:"id"`
	Username           string           `gorm:"size:100;uniqueIndex;not null" json:"username"`
	Email              *string          `gorm:"size:255;uniqueIndex" json:"email,omitempty"`
	PasswordHash       *string          `gorm:"size:255" json:"-"`
	FullName           string           `gorm:"size:255" json:"full_name"`
	IsAdmin            bool             `gorm:"not null" json:"is_admin"`
	IsActive           bool             `gorm:"not null" json:"is_active"`
	MustChangePassword bool             `gorm:"not null" json:"must_change_password"`
	AuthSource         AuthSource       `gorm:"size:16;not null" json:"auth_source"`
	ExternalID         *int64           `gorm:"uniqueIndex" json:"external_id,omitempty"`
	LastLoginAt        *time.Time       `json:"last_login_at,omitempty"`
	Sessions           []Session        `gorm:"constraint:OnDelete:CASCADE;" json:"-"`
	Preferences        []UserPreference `gorm:"constraint:OnDelete:CASCADE;" json:"-"`
	CreatedAt          time.Time        `json:"created_at"`
	UpdatedAt          time.Time        `json:"updated_at"`
}

func (u *User) HasPassword() bool {
	return u.PasswordHash != nil && *u.PasswordHash != ""
}
