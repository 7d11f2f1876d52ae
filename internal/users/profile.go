package users

import (
	"strings"
	"time"
)

// Profile captures the storefront's view of an authenticated person.
type Profile struct {
	UserID      string     `gorm:"column:user_id;primaryKey;size:190;not null"`
	Provider    string     `gorm:"column:provider;size:32;not null;uniqueIndex:idx_profiles_provider_subject,priority:1"`
	Subject     string     `gorm:"column:subject;size:190;not null;uniqueIndex:idx_profiles_provider_subject,priority:2"`
	Email       string     `gorm:"column:user_email;size:320"`
	DisplayName string     `gorm:"column:user_display_name;size:320"`
	IsVerified  bool       `gorm:"column:is_verified;not null;default:false"`
	VerifiedAt  *time.Time `gorm:"column:verified_at"`
	LastSeenAt  time.Time  `gorm:"column:last_seen_at"`
	CreatedAt   time.Time  `gorm:"column:created_at"`
	UpdatedAt   time.Time  `gorm:"column:updated_at"`
}

// TableName exposes the table backing user profiles.
func (Profile) TableName() string {
	return "user_profiles"
}

func normalize(value string) string {
	return strings.TrimSpace(value)
}
