package domain

import "time"

type TokenKind string

const (
	TokenKindAccess  TokenKind = "access"
	TokenKindRefresh TokenKind = "refresh"
)

func (k TokenKind) Valid() bool {
	return k == TokenKindAccess || k == TokenKindRefresh
}

// Session is the server-side record of one issued token. A token is honored
// only while its row exists and has not expired.
type Session struct {
	ID             uint      `gorm:"primaryKey" json:"id"`
	TokenID        string    `gorm:"size:64;uniqueIndex;not null" json:"-"`
	UserID         uint      `gorm:"index;not null" json:"user_id"`
	Kind           TokenKind `gorm:"size:16;index;not null" json:"kind"`
	FamilyID       string    `gorm:"size:64;index;not null" json:"family_id"`
	ExpiresAt      time.Time `gorm:"index;not null" json:"expires_at"`
	LastAccessedAt time.Time `gorm:"not null" json:"last_accessed_at"`
	IP             string    `gorm:"size:64" json:"ip"`
	UserAgent      string    `gorm:"size:512" json:"user_agent"`
	CreatedAt      time.Time `json:"created_at"`
}

func (s *Session) ExpiredAt(now time.Time) bool {
	return !s.ExpiresAt.After(now)
}
