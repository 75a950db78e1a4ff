package domain

import "time"

// UserPreference stores one JSON encoded value per (user, key).
type UserPreference struct {
	ID        uint      `gorm:"primaryKey" json:"-"`
	UserID    uint      `gorm:"uniqueIndex:idx_user_pref_key;not null" json:"-"`
	Key       string    `gorm:"size:100;uniqueIndex:idx_user_pref_key;not null" json:"key"`
	Value     string    `gorm:"type:text;not null" json:"value"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
